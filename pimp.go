package pimp

import (
	"fmt"

	"github.com/pkg/errors"
)

// Standard widths.
const (
	WidthBool = 1
	Width8    = 8
	Width16   = 16
	Width32   = 32
	Width64   = 64
)

// Session errors.
var (
	ErrUnsupportedArchitecture = errors.New("unsupported architecture")
	ErrUnresolvedSymbol        = errors.New("unresolved symbol")
	ErrNotConditional          = errors.New("not a conditional branch")
	ErrInfeasibleConstraint    = errors.New("infeasible constraint")
	ErrEndOfExecution          = errors.New("end of execution")
	ErrUnmappedAddress         = errors.New("unmapped address")
	ErrAssertionMismatch       = errors.New("stopped before target")
	ErrNotInitialized          = errors.New("session not initialized")
)

// Executor errors.
var (
	ErrHalted                 = errors.New("halted")
	ErrStepLimit              = errors.New("step limit reached")
	ErrUnsupportedInstruction = errors.New("unsupported instruction")
	ErrDivideError            = errors.New("divide error")
)

// Solver errors.
var (
	ErrSolverTimeout       = errors.New("Solver timeout")
	ErrSolverCanceled      = errors.New("Solver canceled")
	ErrSolverResourceLimit = errors.New("Solver resource limit")
	ErrSolverUnknown       = errors.New("Solver unknown error")
)

// assert panics if condition is false.
func assert(condition bool, format string, args ...interface{}) {
	if !condition {
		panic(fmt.Sprintf("assert: "+format, args...))
	}
}
