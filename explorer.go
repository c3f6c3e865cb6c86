package pimp

import (
	"fmt"
	"log"
	"sort"
	"strings"

	"github.com/pkg/errors"
)

// StopReason describes why a run stopped.
type StopReason int

// Stop reasons.
const (
	StopTarget StopReason = iota
	StopHalt
	StopSymbolizedJump
	StopSymbolizedInstruction
)

func (r StopReason) String() string {
	switch r {
	case StopTarget:
		return "target"
	case StopHalt:
		return "halt"
	case StopSymbolizedJump:
		return "symbolized jump"
	case StopSymbolizedInstruction:
		return "symbolized instruction"
	default:
		return fmt.Sprintf("StopReason<%d>", int(r))
	}
}

// RunOptions specifies when a run stops. A run always stops before HLT.
type RunOptions struct {
	// Stop before executing the instruction at Target.
	Target    uint64
	HasTarget bool

	// Stop after a symbolized control flow instruction other than JMP.
	StopOnSymbolizedJump bool

	// Stop after any symbolized instruction.
	StopOnSymbolizedInstruction bool
}

// Stop represents the position at which a run stopped.
type Stop struct {
	Reason      StopReason
	Address     uint64
	Instruction *Instruction
}

// Run executes from the program counter until a stop condition in opt is
// met. Annotations collected on the way are written as provider comments and
// the provider's cursor is moved to the stop address.
func (s *Session) Run(opt RunOptions) (*Stop, error) {
	if err := s.ensureInit(); err != nil {
		return nil, err
	}

	s.annotations = make(map[uint64]string)
	stop, err := s.run(opt)
	if err != nil {
		return nil, err
	}

	if err := s.flushAnnotations(); err != nil {
		return nil, err
	} else if err := s.provider.SetCursor(stop.Address); err != nil {
		return nil, errors.Wrap(err, "set cursor")
	}

	log.Printf("[explore] stop: reason=%s addr=0x%x", stop.Reason, stop.Address)
	return stop, nil
}

func (s *Session) run(opt RunOptions) (*Stop, error) {
	for n := 0; ; n++ {
		if s.MaxSteps > 0 && n >= s.MaxSteps {
			return nil, errors.Wrapf(ErrStepLimit, "%d steps", n)
		}

		inst, err := s.Decode()
		if err != nil {
			return nil, err
		}

		if opt.HasTarget && inst.Address == opt.Target {
			return &Stop{Reason: StopTarget, Address: inst.Address, Instruction: inst}, nil
		} else if inst.IsHalt() {
			return &Stop{Reason: StopHalt, Address: inst.Address, Instruction: inst}, nil
		}

		if err := s.process(inst); err != nil {
			return nil, err
		}
		if !inst.Symbolized {
			continue
		}
		s.annotate(inst)

		if opt.StopOnSymbolizedInstruction {
			return &Stop{Reason: StopSymbolizedInstruction, Address: inst.Address, Instruction: inst}, nil
		}
		if opt.StopOnSymbolizedJump && inst.IsControlFlow() && !inst.IsJump() {
			return &Stop{Reason: StopSymbolizedJump, Address: inst.Address, Instruction: inst}, nil
		}
	}
}

// annotate records why a symbolized instruction is symbolized.
func (s *Session) annotate(inst *Instruction) {
	var notes []string

loads:
	for _, m := range inst.Loads {
		for i := 0; i < m.Size; i++ {
			if _, ok := s.vars.Get(m.Address + uint64(i)); ok {
				notes = append(notes, fmt.Sprintf("symbolized memory: 0x%x", m.Address+uint64(i)))
				break loads
			}
		}
	}

	if regs := inst.SymbolizedRegisters(); len(regs) > 0 {
		notes = append(notes, fmt.Sprintf("symbolized regs: %s", strings.Join(regs, ", ")))
	}

	if len(notes) > 0 {
		s.annotations[inst.Address] = strings.Join(notes, "; ")
	}
}

// Annotations returns the comments collected by the last run.
func (s *Session) Annotations() map[uint64]string {
	return s.annotations
}

func (s *Session) flushAnnotations() error {
	addrs := make([]uint64, 0, len(s.annotations))
	for addr := range s.annotations {
		addrs = append(addrs, addr)
	}
	sort.Slice(addrs, func(i, j int) bool { return addrs[i] < addrs[j] })

	for _, addr := range addrs {
		if err := s.provider.SetComment(s.annotations[addr], addr); err != nil {
			return errors.Wrapf(err, "comment 0x%x", addr)
		}
	}
	return nil
}

// RunUntil runs until target or the first symbolized jump. Returns
// ErrAssertionMismatch if execution stopped anywhere other than target.
func (s *Session) RunUntil(target uint64) (*Stop, error) {
	stop, err := s.Run(RunOptions{Target: target, HasTarget: true, StopOnSymbolizedJump: true})
	if err != nil {
		return nil, err
	} else if stop.Address != target {
		return stop, errors.Wrapf(ErrAssertionMismatch, "0x%x (%s)", stop.Address, stop.Reason)
	}
	return stop, nil
}

// RunUntilSymbolizedJump runs until the first symbolized conditional or indirect jump.
func (s *Session) RunUntilSymbolizedJump() (*Stop, error) {
	return s.Run(RunOptions{StopOnSymbolizedJump: true})
}

// RunUntilSymbolizedInstruction runs until the first symbolized instruction.
func (s *Session) RunUntilSymbolizedInstruction() (*Stop, error) {
	return s.Run(RunOptions{StopOnSymbolizedInstruction: true})
}

// Take solves for inputs that make the conditional branch at the cursor jump
// to its target and re-executes up to the target.
func (s *Session) Take() (uint64, error) {
	return s.steer(true)
}

// Avoid solves for inputs that make the conditional branch at the cursor
// fall through and re-executes up to the next instruction.
func (s *Session) Avoid() (uint64, error) {
	return s.steer(false)
}

func (s *Session) steer(take bool) (uint64, error) {
	if err := s.ensureInit(); err != nil {
		return 0, err
	}

	cursor, err := s.provider.Cursor()
	if err != nil {
		return 0, errors.Wrap(err, "cursor")
	}
	_, successor, err := s.successor(cursor, take)
	if err != nil {
		return 0, err
	}

	// Record the branch if execution is parked on it. The branch is not
	// published until the request is known to be feasible.
	parked, n := s.exec.PC() == cursor, len(s.exec.PathConstraints())
	if parked {
		if _, err := s.exec.Step(); err != nil {
			return 0, err
		}
	}

	if err := s.solveBranch(cursor, successor, take); err != nil {
		if parked {
			s.exec.rewind(cursor, n)
		}
		return 0, err
	}

	if err := s.Reset(); err != nil {
		return 0, err
	}

	itr := s.Iterator()
	for s.exec.PC() != successor {
		if _, err := itr.Next(); errors.Is(err, ErrHalted) {
			return 0, errors.Wrapf(ErrEndOfExecution, "0x%x not reached", successor)
		} else if err != nil {
			return 0, err
		}
	}

	if err := s.provider.SetCursor(successor); err != nil {
		return 0, errors.Wrap(err, "set cursor")
	} else if err := s.provider.SetRegisterFlag(RegisterName(pcReg(s.bits)), s.bits/8, successor); err != nil {
		return 0, errors.Wrap(err, "set pc flag")
	}

	log.Printf("[explore] steer: take=%v from=0x%x to=0x%x", take, cursor, successor)
	return successor, nil
}

// solveBranch applies inputs that drive the branch at addr to successor.
func (s *Session) solveBranch(addr, successor uint64, take bool) error {
	cstr, found, err := s.branchConstraint(addr, take)
	if err != nil {
		return err
	} else if !found && s.exec.PC() != successor {
		return errors.Wrapf(ErrInfeasibleConstraint, "branch at 0x%x does not depend on input", addr)
	}

	if ok, err := s.SolveAndApply(cstr); err != nil {
		return err
	} else if !ok {
		return errors.Wrapf(ErrInfeasibleConstraint, "0x%x -> 0x%x", addr, successor)
	}
	return nil
}
