package r2

import (
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"

	"github.com/benbjohnson/pimp"
	"github.com/pkg/errors"
)

// RegisterFlagPrefix is prepended to the names of register flags.
const RegisterFlagPrefix = "pimp.regs."

// Ensure provider implements interface.
var _ pimp.Provider = (*Provider)(nil)

// Provider implements pimp.Provider on top of radare2 commands.
type Provider struct {
	c Commander
}

// NewProvider returns a new provider issuing commands to c.
func NewProvider(c Commander) *Provider {
	return &Provider{c: c}
}

// Arch returns the architecture and bits of the loaded binary.
func (p *Provider) Arch() (string, int, error) {
	var info struct {
		Bin struct {
			Arch string `json:"arch"`
			Bits int    `json:"bits"`
		} `json:"bin"`
	}
	if err := cmdj(p.c, "ij", &info); err != nil {
		return "", 0, err
	}
	return info.Bin.Arch, info.Bin.Bits, nil
}

// Registers returns the debugger's register values.
func (p *Provider) Registers() (map[string]uint64, error) {
	regs := make(map[string]uint64)
	if err := cmdj(p.c, "drj", &regs); err != nil {
		return nil, err
	}
	return regs, nil
}

// MemoryMaps returns the process memory maps. Returns nil when not debugging.
func (p *Provider) MemoryMaps() ([]pimp.MemoryMap, error) {
	var maps []struct {
		Name    string `json:"name"`
		Addr    uint64 `json:"addr"`
		AddrEnd uint64 `json:"addr_end"`
		Perm    string `json:"perm"`
	}
	if err := cmdj(p.c, "dmj", &maps); err != nil {
		return nil, err
	}

	a := make([]pimp.MemoryMap, 0, len(maps))
	for _, m := range maps {
		a = append(a, pimp.MemoryMap{Name: m.Name, Start: m.Addr, End: m.AddrEnd, Perm: m.Perm})
	}
	return a, nil
}

// ReadMemory returns size bytes at addr.
func (p *Provider) ReadMemory(addr uint64, size int) ([]byte, error) {
	out, err := p.c.Cmd(fmt.Sprintf("p8 %d @ 0x%x", size, addr))
	if err != nil {
		return nil, err
	}
	buf, err := hex.DecodeString(out)
	if err != nil {
		return nil, errors.Wrapf(err, "read 0x%x", addr)
	}
	return buf, nil
}

// WriteMemory writes data at addr.
func (p *Provider) WriteMemory(addr uint64, data []byte) error {
	_, err := p.c.Cmd(fmt.Sprintf("wx %s @ 0x%x", hex.EncodeToString(data), addr))
	return err
}

// Cursor returns the current seek address.
func (p *Provider) Cursor() (uint64, error) {
	out, err := p.c.Cmd("s")
	if err != nil {
		return 0, err
	}
	addr, err := strconv.ParseUint(strings.TrimPrefix(out, "0x"), 16, 64)
	if err != nil {
		return 0, errors.Wrapf(err, "seek %q", out)
	}
	return addr, nil
}

// SetCursor seeks to addr.
func (p *Provider) SetCursor(addr uint64) error {
	_, err := p.c.Cmd(fmt.Sprintf("s 0x%x", addr))
	return err
}

// SetRegisterFlag sets a flag named "pimp.regs.<name>" in the "regs" flag
// space so that it cannot collide with the binary's own flags.
func (p *Provider) SetRegisterFlag(name string, size int, value uint64) error {
	for _, cmd := range []string{
		"fs regs",
		fmt.Sprintf("f %s%s %d @ 0x%x", RegisterFlagPrefix, name, size, value),
		"fs *",
	} {
		if _, err := p.c.Cmd(cmd); err != nil {
			return err
		}
	}
	return nil
}

// SetComment sets a comment at addr, or at the cursor if addr is zero. The
// command is quoted so radare2 does not split text on ';'.
func (p *Provider) SetComment(text string, addr uint64) error {
	cmd := fmt.Sprintf(`"CC %s"`, strings.ReplaceAll(text, `"`, `'`))
	if addr != 0 {
		cmd += fmt.Sprintf("@0x%x", addr)
	}
	_, err := p.c.Cmd(cmd)
	return err
}

// ResolveSymbol resolves token against registers, flags, and exports before
// parsing it as a number.
func (p *Provider) ResolveSymbol(token string) (uint64, error) {
	t, err := p.SymbolTable()
	if err != nil {
		return 0, err
	}
	return t.Resolve(token)
}

// SymbolTable fetches the names currently known to radare2.
func (p *Provider) SymbolTable() (*pimp.SymbolTable, error) {
	regs, err := p.Registers()
	if err != nil {
		return nil, err
	}

	var flags []struct {
		Name   string `json:"name"`
		Offset uint64 `json:"offset"`
	}
	if err := cmdj(p.c, "fj", &flags); err != nil {
		return nil, err
	}

	var exports []struct {
		Name  string `json:"name"`
		Vaddr uint64 `json:"vaddr"`
	}
	if err := cmdj(p.c, "iEj", &exports); err != nil {
		return nil, err
	}

	t := &pimp.SymbolTable{
		Registers: regs,
		Flags:     make(map[string]uint64, len(flags)),
		Exports:   make(map[string]uint64, len(exports)),
	}
	for _, f := range flags {
		t.Flags[f.Name] = f.Offset
	}
	for _, e := range exports {
		t.Exports[e.Name] = e.Vaddr
	}
	return t, nil
}
