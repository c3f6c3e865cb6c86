package pimp_test

import (
	"fmt"
	"testing"

	"github.com/benbjohnson/pimp"
	"github.com/benbjohnson/pimp/z3"
)

// Provider is an in-memory implementation of pimp.Provider.
type Provider struct {
	ArchName string
	Bits     int
	Regs     map[string]uint64
	Memory   map[uint64]byte
	Maps     []pimp.MemoryMap
	Symbols  pimp.SymbolTable

	Addr     uint64 // cursor
	Flags    map[string]uint64
	Comments map[uint64]string

	// Ranges requested through ReadMemory.
	Reads []Range
}

// Range represents a single memory read.
type Range struct {
	Addr uint64
	Size int
}

// NewProvider returns a 64-bit x86 provider with no memory.
func NewProvider() *Provider {
	return &Provider{
		ArchName: "x86",
		Bits:     64,
		Regs:     make(map[string]uint64),
		Memory:   make(map[uint64]byte),
		Flags:    make(map[string]uint64),
		Comments: make(map[uint64]string),
	}
}

// Load copies data into provider memory at addr.
func (p *Provider) Load(addr uint64, data []byte) {
	for i, b := range data {
		p.Memory[addr+uint64(i)] = b
	}
}

func (p *Provider) Arch() (string, int, error) { return p.ArchName, p.Bits, nil }

func (p *Provider) Registers() (map[string]uint64, error) {
	m := make(map[string]uint64, len(p.Regs))
	for k, v := range p.Regs {
		m[k] = v
	}
	return m, nil
}

func (p *Provider) MemoryMaps() ([]pimp.MemoryMap, error) { return p.Maps, nil }

// ReadMemory returns zeros for bytes that were never loaded.
func (p *Provider) ReadMemory(addr uint64, size int) ([]byte, error) {
	p.Reads = append(p.Reads, Range{addr, size})
	buf := make([]byte, size)
	for i := range buf {
		buf[i] = p.Memory[addr+uint64(i)]
	}
	return buf, nil
}

func (p *Provider) WriteMemory(addr uint64, data []byte) error {
	p.Load(addr, data)
	return nil
}

func (p *Provider) Cursor() (uint64, error) { return p.Addr, nil }

func (p *Provider) SetCursor(addr uint64) error {
	p.Addr = addr
	return nil
}

func (p *Provider) SetRegisterFlag(name string, size int, value uint64) error {
	p.Flags[name] = value
	return nil
}

func (p *Provider) SetComment(text string, addr uint64) error {
	if addr == 0 {
		addr = p.Addr
	}
	p.Comments[addr] = text
	return nil
}

func (p *Provider) ResolveSymbol(token string) (uint64, error) {
	return p.Symbols.Resolve(token)
}

// ReadBytes returns the total number of bytes requested from the provider.
func (p *Provider) ReadBytes() int {
	var n int
	for _, r := range p.Reads {
		n += r.Size
	}
	return n
}

// NewProgramProvider returns a provider with code loaded at 0x1000, input
// bytes at 0x2000, and the program counter at 0x1000.
func NewProgramProvider(code []byte, input string) *Provider {
	p := NewProvider()
	p.Regs = map[string]uint64{"rip": 0x1000, "rsp": 0x7000, "rax": 0, "rflags": 0x202}
	p.Maps = []pimp.MemoryMap{
		{Name: "text", Start: 0x1000, End: 0x1100, Perm: "r-x"},
		{Name: "data", Start: 0x2000, End: 0x2100, Perm: "rw-"},
		{Name: "stack", Start: 0x6000, End: 0x8000, Perm: "rw-"},
	}
	p.Load(0x1000, code)
	p.Load(0x2000, []byte(input))
	return p
}

// MustNewSession returns an initialized session on p with a Z3 solver.
func MustNewSession(tb testing.TB, p *Provider) *pimp.Session {
	tb.Helper()
	solver := z3.NewSolver()
	tb.Cleanup(func() { solver.Close() })

	s, err := pimp.NewSession(p, solver)
	if err != nil {
		tb.Fatal(err)
	} else if err := s.Init(); err != nil {
		tb.Fatal(err)
	}
	return s
}

// MustReadByte returns the byte at addr as seen by the session's executor.
func MustReadByte(tb testing.TB, s *pimp.Session, addr uint64) byte {
	tb.Helper()
	buf, err := s.Executor().ReadMemory(addr, 1)
	if err != nil {
		tb.Fatal(err)
	}
	return buf[0]
}

// Join concatenates instruction encodings.
func Join(a ...[]byte) []byte {
	var buf []byte
	for _, b := range a {
		buf = append(buf, b...)
	}
	return buf
}

// Pad returns buf padded with NOPs to n bytes.
func Pad(buf []byte, n int) []byte {
	if len(buf) > n {
		panic(fmt.Sprintf("pad: %d > %d", len(buf), n))
	}
	for len(buf) < n {
		buf = append(buf, 0x90)
	}
	return buf
}
