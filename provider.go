package pimp

import (
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// Provider represents the debugger backend that owns the live process.
type Provider interface {
	// Arch returns the architecture name and register width, e.g. "x86" and 64.
	Arch() (arch string, bits int, err error)

	// Registers returns the concrete value of every register and flag.
	Registers() (map[string]uint64, error)

	// MemoryMaps returns the mapped regions of the process. An empty list
	// means map information is unavailable.
	MemoryMaps() ([]MemoryMap, error)

	ReadMemory(addr uint64, size int) ([]byte, error)
	WriteMemory(addr uint64, data []byte) error

	// Cursor returns the address the analyst is looking at.
	Cursor() (uint64, error)
	SetCursor(addr uint64) error

	// SetRegisterFlag publishes a register value as a named debugger flag.
	SetRegisterFlag(name string, size int, value uint64) error

	// SetComment attaches text to addr. An addr of zero means the cursor.
	SetComment(text string, addr uint64) error

	// ResolveSymbol converts a register, flag, export, or literal to an address.
	ResolveSymbol(token string) (uint64, error)
}

// MemoryMap represents a mapped region of the process address space.
type MemoryMap struct {
	Name  string
	Start uint64
	End   uint64
	Perm  string
}

// Contains returns true if addr is within the map.
func (m *MemoryMap) Contains(addr uint64) bool {
	return addr >= m.Start && addr < m.End
}

// SymbolTable resolves symbolic tokens against known names.
type SymbolTable struct {
	Registers map[string]uint64
	Flags     map[string]uint64
	Exports   map[string]uint64
}

// Resolve returns the address named by token. Registers are tried first, then
// flags, then exports, then hex and decimal literals.
func (t *SymbolTable) Resolve(token string) (uint64, error) {
	token = strings.TrimSpace(token)
	for _, m := range []map[string]uint64{t.Registers, t.Flags, t.Exports} {
		if v, ok := m[token]; ok {
			return v, nil
		}
	}

	if s := strings.TrimPrefix(strings.ToLower(token), "0x"); s != strings.ToLower(token) {
		if v, err := strconv.ParseUint(s, 16, 64); err == nil {
			return v, nil
		}
	} else if v, err := strconv.ParseUint(token, 10, 64); err == nil {
		return v, nil
	}
	return 0, errors.Wrapf(ErrUnresolvedSymbol, "%q", token)
}
