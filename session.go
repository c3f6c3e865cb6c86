package pimp

import (
	"fmt"
	"log"
	"sort"

	"github.com/benbjohnson/immutable"
	"github.com/pkg/errors"
)

// DefaultMaxSteps is the default bound on instructions executed by a single run.
const DefaultMaxSteps = 1000000

// Input represents a byte of memory declared as symbolic input.
type Input struct {
	Address  uint64
	Variable *Variable
}

// Session owns the concolic state of a single debugged process: the memory
// cache, the register snapshot, the declared inputs, and the executor.
// A Session is not safe for concurrent use.
type Session struct {
	provider Provider
	solver   Solver
	bits     int

	cache    *MemoryCache
	exec     *Executor
	snapshot map[string]uint64

	// Input addresses in declaration order and their current variables.
	inputs []uint64
	vars   *immutable.SortedMap[uint64, *Variable]

	annotations map[uint64]string

	// MaxSteps bounds the instructions executed by a single run. Zero means no limit.
	MaxSteps int
}

// NewSession returns a new session for the process behind p. Only 32-bit and
// 64-bit x86 processes are supported.
func NewSession(p Provider, s Solver) (*Session, error) {
	arch, bits, err := p.Arch()
	if err != nil {
		return nil, errors.Wrap(err, "arch")
	} else if arch != "x86" || (bits != 32 && bits != 64) {
		return nil, errors.Wrapf(ErrUnsupportedArchitecture, "%s/%d", arch, bits)
	}

	return &Session{
		provider:    p,
		solver:      s,
		bits:        bits,
		cache:       NewMemoryCache(p),
		vars:        immutable.NewSortedMap[uint64, *Variable](nil),
		annotations: make(map[uint64]string),
		MaxSteps:    DefaultMaxSteps,
	}, nil
}

// Bits returns the register width of the process.
func (s *Session) Bits() int { return s.bits }

// Provider returns the debugger backend.
func (s *Session) Provider() Provider { return s.provider }

// Cache returns the concrete memory cache.
func (s *Session) Cache() *MemoryCache { return s.cache }

// Executor returns the current executor. Returns nil before Init.
func (s *Session) Executor() *Executor { return s.exec }

// Snapshot returns a copy of the register snapshot captured by Init.
func (s *Session) Snapshot() map[string]uint64 {
	m := make(map[string]uint64, len(s.snapshot))
	for k, v := range s.snapshot {
		m[k] = v
	}
	return m
}

// Init captures the provider's registers and resets the symbolic state.
func (s *Session) Init() error {
	regs, err := s.provider.Registers()
	if err != nil {
		return errors.Wrap(err, "registers")
	}
	s.snapshot = regs
	log.Printf("[session] init: bits=%d registers=%d", s.bits, len(regs))
	return s.Reset()
}

// Reset discards the executor and rebuilds it from the register snapshot,
// the memory cache, and the declared inputs.
func (s *Session) Reset() error {
	exec, err := NewExecutor(s.bits)
	if err != nil {
		return err
	}
	exec.Enable(ModeAlignedMemory)
	exec.Enable(ModeOnlyOnSymbolized)

	exec.OnUnmappedRead = func(addr uint64, size int) error {
		r, err := s.cache.FaultIn(addr, size)
		if err != nil {
			return err
		} else if r == nil {
			return nil
		}
		lo, hi := addr, addr+uint64(size)
		if lo < r.Start {
			lo = r.Start
		}
		if hi > r.End() {
			hi = r.End()
		}
		for a := lo; a < hi; a++ {
			if !exec.IsMapped(a) {
				exec.WriteMemory(a, r.Data[a-r.Start:a-r.Start+1])
			}
		}
		return nil
	}

	exec.OnSimplify = func(expr Expr) Expr {
		if IsConstantExpr(expr) || IsSymbolized(expr) {
			return expr
		}
		return NewConstantExpr(exec.Evaluate(expr), ExprWidth(expr))
	}

	names := make([]string, 0, len(s.snapshot))
	for name := range s.snapshot {
		if isFullRegister(name, s.bits) {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	for _, name := range names {
		exec.SetRegister(name, s.snapshot[name])
	}

	for _, r := range s.cache.Regions() {
		exec.WriteMemory(r.Start, r.Data)
	}

	s.exec = exec
	s.vars = immutable.NewSortedMap[uint64, *Variable](nil)
	for _, addr := range s.inputs {
		if err := s.symbolize(addr); err != nil {
			return err
		}
	}

	log.Printf("[session] reset: pc=0x%x regions=%d inputs=%d", exec.PC(), s.cache.Len(), len(s.inputs))
	return nil
}

func (s *Session) symbolize(addr uint64) error {
	v, err := s.exec.SymbolizeMemory(addr, fmt.Sprintf("input 0x%x", addr))
	if err != nil {
		return err
	}
	s.vars = s.vars.Set(addr, v)
	return nil
}

func (s *Session) ensureInit() error {
	if s.exec == nil {
		return ErrNotInitialized
	}
	return nil
}

// DeclareInput marks size bytes at addr as symbolic input. Addresses already
// declared are ignored.
func (s *Session) DeclareInput(addr uint64, size int) error {
	if err := s.ensureInit(); err != nil {
		return err
	}
	for i := 0; i < size; i++ {
		a := addr + uint64(i)
		if _, ok := s.vars.Get(a); ok {
			continue
		}
		if err := s.symbolize(a); err != nil {
			return err
		}
		s.inputs = append(s.inputs, a)
	}
	return nil
}

// Inputs returns the declared inputs in declaration order.
func (s *Session) Inputs() []Input {
	a := make([]Input, 0, len(s.inputs))
	for _, addr := range s.inputs {
		v, _ := s.vars.Get(addr)
		a = append(a, Input{Address: addr, Variable: v})
	}
	return a
}

// InputAt returns the input declared at addr, if any.
func (s *Session) InputAt(addr uint64) (Input, bool) {
	v, ok := s.vars.Get(addr)
	return Input{Address: addr, Variable: v}, ok
}

// Sync writes the cached value of every input byte back to the process.
func (s *Session) Sync() error {
	for _, addr := range s.inputs {
		b, ok := s.cache.Read(addr)
		if !ok {
			if _, err := s.cache.FaultIn(addr, 1); err != nil {
				return err
			}
			b, _ = s.cache.Read(addr)
		}
		if err := s.provider.WriteMemory(addr, []byte{b}); err != nil {
			return errors.Wrapf(err, "sync 0x%x", addr)
		}
	}
	log.Printf("[session] sync: inputs=%d", len(s.inputs))
	return nil
}

// ResyncCache re-fetches the memory cache from the process and resets.
func (s *Session) ResyncCache() error {
	if err := s.cache.Resync(); err != nil {
		return err
	}
	if s.exec == nil {
		return nil
	}
	return s.Reset()
}

// Decode disassembles the instruction at the program counter without executing it.
func (s *Session) Decode() (*Instruction, error) {
	if err := s.ensureInit(); err != nil {
		return nil, err
	}
	return s.exec.Disassemble(s.exec.PC())
}

// Step executes the instruction at the program counter.
func (s *Session) Step() (*Instruction, error) {
	inst, err := s.Decode()
	if err != nil {
		return nil, err
	}
	if err := s.process(inst); err != nil {
		return nil, err
	}
	return inst, nil
}

// process executes inst and mirrors the written registers to the provider.
func (s *Session) process(inst *Instruction) error {
	if err := s.exec.Process(inst); err != nil {
		return err
	}
	for _, r := range inst.WrittenRegisters {
		if err := s.provider.SetRegisterFlag(r.Name, r.Size, r.Value); err != nil {
			return errors.Wrapf(err, "set flag %s", r.Name)
		}
	}
	return nil
}

// Iterator returns an iterator that steps through the program from the
// current program counter.
func (s *Session) Iterator() *Iterator {
	return &Iterator{s: s}
}

// Iterator executes instructions one at a time.
type Iterator struct {
	s *Session
	n int
}

// Next executes and returns the next instruction. Returns ErrHalted without
// executing when the next instruction is HLT and ErrStepLimit once the
// session's MaxSteps instructions have executed.
func (itr *Iterator) Next() (*Instruction, error) {
	if itr.s.MaxSteps > 0 && itr.n >= itr.s.MaxSteps {
		return nil, ErrStepLimit
	}

	inst, err := itr.s.Decode()
	if err != nil {
		return nil, err
	} else if inst.IsHalt() {
		return inst, ErrHalted
	}

	if err := itr.s.process(inst); err != nil {
		return nil, err
	}
	itr.n++
	return inst, nil
}
