package z3

import (
	"fmt"
	"strings"
	"time"
	"unsafe"

	"github.com/benbjohnson/pimp"
)

/*
#cgo LDFLAGS: -lz3
#include <z3.h>
#include <stdlib.h>
#include <stdint.h>
*/
import "C"

// Ensure solver implements interface.
var _ pimp.Solver = (*Solver)(nil)

// Solver represents a solver that uses an embedded Z3 solver.
type Solver struct {
	ctx   *Context
	stats Stats

	// Maximum time spent in a single check. Zero means no limit.
	Timeout time.Duration
}

// NewSolver returns a new instance of Solver.
func NewSolver() *Solver {
	return &Solver{
		ctx: NewContext(),
	}
}

// Close deletes the underlying Z3 context.
func (s *Solver) Close() error {
	return s.ctx.Close()
}

// Stats returns statistics for the solver.
func (s *Solver) Stats() Stats {
	return s.stats
}

// Solve checks the conjunction of constraints and returns a value for each
// variable from the resulting model.
func (s *Solver) Solve(constraints []pimp.Expr, variables []*pimp.Variable) (satisfiable bool, values []uint64, err error) {
	t := time.Now()
	defer func() {
		s.stats.SolveN++
		s.stats.SolveTime += time.Since(t)
	}()

	solver := C.Z3_mk_solver(s.ctx.raw)
	if err := s.ctx.err("Z3_mk_solver"); err != nil {
		return false, nil, err
	}
	C.Z3_solver_inc_ref(s.ctx.raw, solver)
	defer C.Z3_solver_dec_ref(s.ctx.raw, solver)

	if s.Timeout > 0 {
		if err := s.ctx.setTimeout(solver, s.Timeout); err != nil {
			return false, nil, err
		}
	}

	for _, constraint := range constraints {
		ast, err := s.ctx.toAST(constraint)
		if err != nil {
			return false, nil, err
		}
		C.Z3_solver_assert(s.ctx.raw, solver, ast)
		if err := s.ctx.err("Z3_solver_assert"); err != nil {
			return false, nil, err
		}
	}

	// Exit immediately if unsatisfiable or the solver gave up.
	ret := C.Z3_solver_check(s.ctx.raw, solver)
	if err := s.ctx.err("Z3_solver_check"); err != nil {
		return false, nil, err
	} else if ret == C.Z3_L_FALSE {
		return false, nil, nil
	} else if ret == C.Z3_L_UNDEF {
		reason := C.GoString(C.Z3_solver_get_reason_unknown(s.ctx.raw, solver))
		switch {
		case strings.Contains(reason, "timeout"):
			return false, nil, pimp.ErrSolverTimeout
		case strings.Contains(reason, "canceled"):
			return false, nil, pimp.ErrSolverCanceled
		case strings.Contains(reason, "(resource limits reached)"):
			return false, nil, pimp.ErrSolverResourceLimit
		case strings.Contains(reason, "unknown"):
			return false, nil, pimp.ErrSolverUnknown
		default:
			return false, nil, fmt.Errorf("z3: %s", reason)
		}
	} else if len(variables) == 0 {
		return true, nil, nil
	}

	model := C.Z3_solver_get_model(s.ctx.raw, solver)
	if err := s.ctx.err("Z3_solver_get_model"); err != nil {
		return true, nil, err
	}
	C.Z3_model_inc_ref(s.ctx.raw, model)
	defer C.Z3_model_dec_ref(s.ctx.raw, model)

	values = make([]uint64, 0, len(variables))
	for _, v := range variables {
		value, err := s.ctx.evalVariable(model, v)
		if err != nil {
			return true, nil, err
		}
		values = append(values, value)
	}
	return true, values, nil
}

// Context represents a Z3 context object that is used for constructing expressions.
type Context struct {
	raw C.Z3_context
}

// NewContext returns a new instance of Context.
func NewContext() *Context {
	config := C.Z3_mk_config()
	defer C.Z3_del_config(config)

	raw := C.Z3_mk_context(config)
	C.Z3_set_error_handler(raw, nil)
	C.Z3_set_ast_print_mode(raw, C.Z3_PRINT_SMTLIB2_COMPLIANT)
	return &Context{raw: raw}
}

// Close deletes the underlying Z3 context.
func (ctx *Context) Close() error {
	C.Z3_del_context(ctx.raw)
	return nil
}

// err returns the error for the last API call. Returns nil if last call was successful.
func (ctx *Context) err(op string) error {
	if code := C.Z3_get_error_code(ctx.raw); code != C.Z3_OK {
		return &Error{Code: int(code), Op: op, Message: C.GoString(C.Z3_get_error_msg(ctx.raw, code))}
	}
	return nil
}

func (ctx *Context) setTimeout(solver C.Z3_solver, d time.Duration) error {
	params := C.Z3_mk_params(ctx.raw)
	if err := ctx.err("Z3_mk_params"); err != nil {
		return err
	}
	C.Z3_params_inc_ref(ctx.raw, params)
	defer C.Z3_params_dec_ref(ctx.raw, params)

	C.Z3_params_set_uint(ctx.raw, params, ctx.symbol("timeout"), C.uint(d/time.Millisecond))
	if err := ctx.err("Z3_params_set_uint"); err != nil {
		return err
	}
	C.Z3_solver_set_params(ctx.raw, solver, params)
	return ctx.err("Z3_solver_set_params")
}

func (ctx *Context) symbol(name string) C.Z3_symbol {
	cname := C.CString(name)
	defer C.free(unsafe.Pointer(cname))
	return C.Z3_mk_string_symbol(ctx.raw, cname)
}

// toAST returns a new instance of Z3_ast from an expression.
func (ctx *Context) toAST(expr pimp.Expr) (C.Z3_ast, error) {
	switch expr := expr.(type) {
	case *pimp.ConstantExpr:
		return ctx.toConstantAST(expr)
	case *pimp.VariableExpr:
		return ctx.makeVariable(expr.Variable)
	case *pimp.ConcatExpr:
		return ctx.toConcatAST(expr)
	case *pimp.ExtractExpr:
		return ctx.toExtractAST(expr)
	case *pimp.CastExpr:
		return ctx.toCastAST(expr)
	case *pimp.NotExpr:
		return ctx.toNotAST(expr)
	case *pimp.BinaryExpr:
		return ctx.toBinaryAST(expr)
	default:
		return nil, fmt.Errorf("z3.Context.toAST: invalid expression type: %T", expr)
	}
}

func (ctx *Context) toConstantAST(expr *pimp.ConstantExpr) (C.Z3_ast, error) {
	if expr.Width == pimp.WidthBool {
		if expr.IsTrue() {
			return C.Z3_mk_true(ctx.raw), ctx.err("Z3_mk_true")
		}
		return C.Z3_mk_false(ctx.raw), ctx.err("Z3_mk_false")
	} else if expr.Width <= 64 {
		return ctx.makeUint64(expr.Width, expr.Value)
	}
	return nil, fmt.Errorf("z3.Context.toConstantAST: invalid expression width: %d", expr.Width)
}

func (ctx *Context) toConcatAST(expr *pimp.ConcatExpr) (C.Z3_ast, error) {
	msb, err := ctx.toBitVectorAST(expr.MSB)
	if err != nil {
		return nil, err
	}
	lsb, err := ctx.toBitVectorAST(expr.LSB)
	if err != nil {
		return nil, err
	}
	return C.Z3_mk_concat(ctx.raw, msb, lsb), ctx.err("Z3_mk_concat")
}

func (ctx *Context) toExtractAST(expr *pimp.ExtractExpr) (C.Z3_ast, error) {
	src, err := ctx.toBitVectorAST(expr.Expr)
	if err != nil {
		return nil, err
	}

	// Single bits are booleans so compare against one.
	if expr.Width == pimp.WidthBool {
		bit := C.Z3_mk_extract(ctx.raw, C.uint(expr.Offset), C.uint(expr.Offset), src)
		if err := ctx.err("Z3_mk_extract[bool]"); err != nil {
			return nil, err
		}
		one, err := ctx.makeUint64(1, 1)
		if err != nil {
			return nil, err
		}
		return C.Z3_mk_eq(ctx.raw, bit, one), ctx.err("Z3_mk_eq")
	}
	return C.Z3_mk_extract(ctx.raw, C.uint(expr.Offset+expr.Width-1), C.uint(expr.Offset), src), ctx.err("Z3_mk_extract")
}

func (ctx *Context) toCastAST(expr *pimp.CastExpr) (C.Z3_ast, error) {
	src, err := ctx.toAST(expr.Src)
	if err != nil {
		return nil, err
	}

	// Booleans widen to all ones (signed) or one (unsigned).
	if pimp.ExprWidth(expr.Src) == pimp.WidthBool {
		whenTrue, err := ctx.makeUint64(expr.Width, 1)
		if expr.Signed {
			whenTrue, err = ctx.makeUint64(expr.Width, ^uint64(0))
		}
		if err != nil {
			return nil, err
		}
		whenFalse, err := ctx.makeUint64(expr.Width, 0)
		if err != nil {
			return nil, err
		}
		return C.Z3_mk_ite(ctx.raw, src, whenTrue, whenFalse), ctx.err("Z3_mk_ite")
	}

	n := C.uint(expr.Width - pimp.ExprWidth(expr.Src))
	if expr.Signed {
		return C.Z3_mk_sign_ext(ctx.raw, n, src), ctx.err("Z3_mk_sign_ext")
	}
	return C.Z3_mk_zero_ext(ctx.raw, n, src), ctx.err("Z3_mk_zero_ext")
}

func (ctx *Context) toNotAST(expr *pimp.NotExpr) (C.Z3_ast, error) {
	src, err := ctx.toAST(expr.Expr)
	if err != nil {
		return nil, err
	}

	if pimp.ExprWidth(expr.Expr) == pimp.WidthBool {
		return C.Z3_mk_not(ctx.raw, src), ctx.err("Z3_mk_not")
	}
	return C.Z3_mk_bvnot(ctx.raw, src), ctx.err("Z3_mk_bvnot")
}

func (ctx *Context) toBinaryAST(expr *pimp.BinaryExpr) (C.Z3_ast, error) {
	lhs, err := ctx.toAST(expr.LHS)
	if err != nil {
		return nil, err
	}
	rhs, err := ctx.toAST(expr.RHS)
	if err != nil {
		return nil, err
	}
	boolean := pimp.ExprWidth(expr.LHS) == pimp.WidthBool

	var ast C.Z3_ast
	switch expr.Op {
	case pimp.ADD:
		ast = C.Z3_mk_bvadd(ctx.raw, lhs, rhs)
	case pimp.SUB:
		ast = C.Z3_mk_bvsub(ctx.raw, lhs, rhs)
	case pimp.MUL:
		ast = C.Z3_mk_bvmul(ctx.raw, lhs, rhs)
	case pimp.UDIV:
		ast = C.Z3_mk_bvudiv(ctx.raw, lhs, rhs)
	case pimp.SDIV:
		ast = C.Z3_mk_bvsdiv(ctx.raw, lhs, rhs)
	case pimp.UREM:
		ast = C.Z3_mk_bvurem(ctx.raw, lhs, rhs)
	case pimp.SREM:
		ast = C.Z3_mk_bvsrem(ctx.raw, lhs, rhs)
	case pimp.AND:
		if boolean {
			args := [2]C.Z3_ast{lhs, rhs}
			ast = C.Z3_mk_and(ctx.raw, 2, &args[0])
		} else {
			ast = C.Z3_mk_bvand(ctx.raw, lhs, rhs)
		}
	case pimp.OR:
		if boolean {
			args := [2]C.Z3_ast{lhs, rhs}
			ast = C.Z3_mk_or(ctx.raw, 2, &args[0])
		} else {
			ast = C.Z3_mk_bvor(ctx.raw, lhs, rhs)
		}
	case pimp.XOR:
		if boolean {
			ast = C.Z3_mk_xor(ctx.raw, lhs, rhs)
		} else {
			ast = C.Z3_mk_bvxor(ctx.raw, lhs, rhs)
		}
	case pimp.SHL:
		ast = C.Z3_mk_bvshl(ctx.raw, lhs, rhs)
	case pimp.LSHR:
		ast = C.Z3_mk_bvlshr(ctx.raw, lhs, rhs)
	case pimp.ASHR:
		ast = C.Z3_mk_bvashr(ctx.raw, lhs, rhs)
	case pimp.EQ:
		if boolean {
			ast = C.Z3_mk_iff(ctx.raw, lhs, rhs)
		} else {
			ast = C.Z3_mk_eq(ctx.raw, lhs, rhs)
		}
	case pimp.ULT:
		ast = C.Z3_mk_bvult(ctx.raw, lhs, rhs)
	case pimp.ULE:
		ast = C.Z3_mk_bvule(ctx.raw, lhs, rhs)
	case pimp.SLT:
		ast = C.Z3_mk_bvslt(ctx.raw, lhs, rhs)
	case pimp.SLE:
		ast = C.Z3_mk_bvsle(ctx.raw, lhs, rhs)
	default:
		return nil, fmt.Errorf("z3.Context.toBinaryAST: unexpected operation: %s", expr.Op)
	}
	return ast, ctx.err("Z3_mk_" + strings.ToLower(expr.Op.String()))
}

// toBitVectorAST converts expr and lifts boolean results to a 1-bit vector.
func (ctx *Context) toBitVectorAST(expr pimp.Expr) (C.Z3_ast, error) {
	ast, err := ctx.toAST(expr)
	if err != nil || pimp.ExprWidth(expr) != pimp.WidthBool {
		return ast, err
	}
	one, err := ctx.makeUint64(1, 1)
	if err != nil {
		return nil, err
	}
	zero, err := ctx.makeUint64(1, 0)
	if err != nil {
		return nil, err
	}
	return C.Z3_mk_ite(ctx.raw, ast, one, zero), ctx.err("Z3_mk_ite")
}

func (ctx *Context) makeBVSort(width uint) (C.Z3_sort, error) {
	return C.Z3_mk_bv_sort(ctx.raw, C.uint(width)), ctx.err("Z3_mk_bv_sort")
}

func (ctx *Context) makeUint64(width uint, value uint64) (C.Z3_ast, error) {
	t, err := ctx.makeBVSort(width)
	if err != nil {
		return nil, err
	}
	return C.Z3_mk_unsigned_int64(ctx.raw, C.uint64_t(value), t), ctx.err("Z3_mk_unsigned_int64")
}

// makeVariable returns the bit-vector constant named after v.
func (ctx *Context) makeVariable(v *pimp.Variable) (C.Z3_ast, error) {
	t, err := ctx.makeBVSort(v.Width)
	if err != nil {
		return nil, err
	}
	return C.Z3_mk_const(ctx.raw, ctx.symbol(v.String()), t), ctx.err("Z3_mk_const")
}

// evalVariable returns the value of v in model. Variables the model does not
// constrain evaluate to zero.
func (ctx *Context) evalVariable(model C.Z3_model, v *pimp.Variable) (uint64, error) {
	ast, err := ctx.makeVariable(v)
	if err != nil {
		return 0, err
	}

	var result C.Z3_ast
	C.Z3_model_eval(ctx.raw, model, ast, C.bool(true), &result)
	if err := ctx.err("Z3_model_eval"); err != nil {
		return 0, err
	}

	var value C.uint64_t
	C.Z3_get_numeral_uint64(ctx.raw, result, &value)
	if err := ctx.err("Z3_get_numeral_uint64"); err != nil {
		return 0, err
	}
	return uint64(value), nil
}

// Error represents an error from the Z3 API.
type Error struct {
	Code    int
	Op      string
	Message string
}

// Error returns the error as a string.
func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s (%d)", e.Op, e.Message, e.Code)
}

// Possible error codes.
const (
	ErrorCodeOK = iota
	ErrorCodeSortError
	ErrorCodeIOB
	ErrorCodeInvalidArg
	ErrorCodeParserError
	ErrorCodeNoParser
	ErrorCodeInvalidPattern
	ErrorCodeMemoutFail
	ErrorCodeFileAccessError
	ErrorCodeInternalFatal
	ErrorCodeInvalidUsage
	ErrorCodeDecRefError
	ErrorCodeException
)

// Stats holds solver usage counters.
type Stats struct {
	SolveN    int
	SolveTime time.Duration
}
