package pimp

import (
	"math/bits"

	"github.com/pkg/errors"
	"golang.org/x/arch/x86/x86asm"
)

// cond represents an x86 condition code.
type cond int

const (
	condO cond = iota
	condNO
	condB
	condAE
	condE
	condNE
	condBE
	condA
	condS
	condNS
	condP
	condNP
	condL
	condGE
	condLE
	condG
)

// conds maps Jcc, SETcc, and CMOVcc opcodes to their condition code.
var conds = map[x86asm.Op]cond{
	x86asm.JO: condO, x86asm.SETO: condO, x86asm.CMOVO: condO,
	x86asm.JNO: condNO, x86asm.SETNO: condNO, x86asm.CMOVNO: condNO,
	x86asm.JB: condB, x86asm.SETB: condB, x86asm.CMOVB: condB,
	x86asm.JAE: condAE, x86asm.SETAE: condAE, x86asm.CMOVAE: condAE,
	x86asm.JE: condE, x86asm.SETE: condE, x86asm.CMOVE: condE,
	x86asm.JNE: condNE, x86asm.SETNE: condNE, x86asm.CMOVNE: condNE,
	x86asm.JBE: condBE, x86asm.SETBE: condBE, x86asm.CMOVBE: condBE,
	x86asm.JA: condA, x86asm.SETA: condA, x86asm.CMOVA: condA,
	x86asm.JS: condS, x86asm.SETS: condS, x86asm.CMOVS: condS,
	x86asm.JNS: condNS, x86asm.SETNS: condNS, x86asm.CMOVNS: condNS,
	x86asm.JP: condP, x86asm.SETP: condP, x86asm.CMOVP: condP,
	x86asm.JNP: condNP, x86asm.SETNP: condNP, x86asm.CMOVNP: condNP,
	x86asm.JL: condL, x86asm.SETL: condL, x86asm.CMOVL: condL,
	x86asm.JGE: condGE, x86asm.SETGE: condGE, x86asm.CMOVGE: condGE,
	x86asm.JLE: condLE, x86asm.SETLE: condLE, x86asm.CMOVLE: condLE,
	x86asm.JG: condG, x86asm.SETG: condG, x86asm.CMOVG: condG,
}

// execute applies the semantics of inst. The program counter already points
// to the next sequential instruction.
func (e *Executor) execute(inst *Instruction) error {
	args := inst.Inst.Args

	switch op := inst.Inst.Op; op {
	case x86asm.NOP:
		return nil

	case x86asm.HLT:
		e.SetPC(inst.Address)
		return nil

	case x86asm.MOV:
		src, err := e.readOperand(inst, args[1], e.argWidth(inst, args[0]))
		if err != nil {
			return err
		}
		return e.writeOperand(inst, args[0], src)

	case x86asm.MOVZX, x86asm.MOVSX, x86asm.MOVSXD:
		src, err := e.readOperand(inst, args[1], e.argWidth(inst, args[1]))
		if err != nil {
			return err
		}
		return e.writeOperand(inst, args[0], NewCastExpr(src, e.argWidth(inst, args[0]), op != x86asm.MOVZX))

	case x86asm.LEA:
		m, ok := args[1].(x86asm.Mem)
		if !ok {
			return ErrUnsupportedInstruction
		}
		addr, err := e.address(inst, m)
		if err != nil {
			return err
		}
		return e.writeOperand(inst, args[0], NewCastExpr(addr, e.argWidth(inst, args[0]), false))

	case x86asm.XCHG:
		w := e.argWidth(inst, args[0])
		a, err := e.readOperand(inst, args[0], w)
		if err != nil {
			return err
		}
		b, err := e.readOperand(inst, args[1], w)
		if err != nil {
			return err
		}
		if err := e.writeOperand(inst, args[0], b); err != nil {
			return err
		}
		return e.writeOperand(inst, args[1], a)

	case x86asm.CBW:
		return e.extendAccumulator(x86asm.AL, x86asm.AX)
	case x86asm.CWDE:
		return e.extendAccumulator(x86asm.AX, x86asm.EAX)
	case x86asm.CDQE:
		return e.extendAccumulator(x86asm.EAX, x86asm.RAX)
	case x86asm.CWD:
		return e.splitAccumulator(x86asm.AX, x86asm.DX)
	case x86asm.CDQ:
		return e.splitAccumulator(x86asm.EAX, x86asm.EDX)
	case x86asm.CQO:
		return e.splitAccumulator(x86asm.RAX, x86asm.RDX)

	case x86asm.ADD, x86asm.ADC, x86asm.SUB, x86asm.SBB, x86asm.CMP:
		return e.executeArith(inst)
	case x86asm.AND, x86asm.OR, x86asm.XOR, x86asm.TEST:
		return e.executeLogic(inst)
	case x86asm.INC, x86asm.DEC, x86asm.NEG, x86asm.NOT:
		return e.executeUnary(inst)
	case x86asm.SHL, x86asm.SHR, x86asm.SAR:
		return e.executeShift(inst)
	case x86asm.ROL, x86asm.ROR:
		return e.executeRotate(inst)
	case x86asm.IMUL:
		return e.executeIMul(inst)
	case x86asm.MUL:
		return e.executeWideMul(inst, false)
	case x86asm.DIV:
		return e.executeDiv(inst, false)
	case x86asm.IDIV:
		return e.executeDiv(inst, true)

	case x86asm.PUSH:
		return e.executePush(inst)
	case x86asm.POP:
		return e.executePop(inst)
	case x86asm.LEAVE:
		bp, err := e.readReg(e.bpReg())
		if err != nil {
			return err
		}
		if err := e.writeReg(spReg(e.bits), bp); err != nil {
			return err
		}
		v, err := e.pop(uint(e.bits))
		if err != nil {
			return err
		}
		return e.writeReg(e.bpReg(), v)

	case x86asm.CALL, x86asm.JMP:
		return e.executeJump(inst)
	case x86asm.RET:
		return e.executeRet(inst)

	case x86asm.JCXZ, x86asm.JECXZ, x86asm.JRCXZ:
		r := map[x86asm.Op]x86asm.Reg{x86asm.JCXZ: x86asm.CX, x86asm.JECXZ: x86asm.ECX, x86asm.JRCXZ: x86asm.RCX}[op]
		v, err := e.readReg(r)
		if err != nil {
			return err
		}
		e.branch(inst, NewIsZeroExpr(v))
		return nil

	default:
		c, ok := conds[op]
		if !ok {
			return ErrUnsupportedInstruction
		}
		switch {
		case IsConditionalOp(op):
			e.branch(inst, e.condition(c))
			return nil
		case args[1] == nil: // SETcc
			return e.writeOperand(inst, args[0], NewCastExpr(e.condition(c), Width8, false))
		default: // CMOVcc
			return e.executeCMov(inst, e.condition(c))
		}
	}
}

// argWidth returns the width of a register or memory operand.
func (e *Executor) argWidth(inst *Instruction, arg x86asm.Arg) uint {
	switch arg := arg.(type) {
	case x86asm.Reg:
		info, _ := lookupReg(arg)
		return info.width
	case x86asm.Mem:
		return uint(inst.Inst.MemBytes) * 8
	}
	return uint(e.bits)
}

// address returns the effective address expression of a memory operand.
func (e *Executor) address(inst *Instruction, m x86asm.Mem) (Expr, error) {
	width := uint(inst.Inst.AddrSize)
	if width == 0 {
		width = uint(e.bits)
	}

	var addr Expr = NewConstantExpr(uint64(m.Disp), width)
	if m.Segment == x86asm.FS || m.Segment == x86asm.GS {
		base, ok := e.bases[m.Segment]
		if !ok {
			return nil, errors.Wrapf(ErrUnsupportedInstruction, "segment %s without base", m.Segment)
		}
		addr = NewBinaryExpr(ADD, addr, NewConstantExpr(base, width))
	}
	if m.Base == x86asm.RIP || m.Base == x86asm.EIP {
		addr = NewBinaryExpr(ADD, addr, NewConstantExpr(inst.Fallthrough(), width))
	} else if m.Base != 0 {
		base, err := e.readReg(m.Base)
		if err != nil {
			return nil, err
		}
		addr = NewBinaryExpr(ADD, addr, NewCastExpr(base, width, false))
	}

	if m.Index != 0 {
		index, err := e.readReg(m.Index)
		if err != nil {
			return nil, err
		}
		scaled := NewBinaryExpr(MUL, NewCastExpr(index, width, false), NewConstantExpr(uint64(m.Scale), width))
		addr = NewBinaryExpr(ADD, addr, scaled)
	}
	return addr, nil
}

// effectiveAddress returns the concrete address of a memory operand.
// Symbolic addresses are concretized.
func (e *Executor) effectiveAddress(inst *Instruction, m x86asm.Mem) (uint64, error) {
	addr, err := e.address(inst, m)
	if err != nil {
		return 0, err
	}
	return e.Evaluate(addr), nil
}

// readOperand returns the value of arg as an expression of the given width.
func (e *Executor) readOperand(inst *Instruction, arg x86asm.Arg, width uint) (Expr, error) {
	switch arg := arg.(type) {
	case x86asm.Reg:
		return e.readReg(arg)
	case x86asm.Mem:
		addr, err := e.effectiveAddress(inst, arg)
		if err != nil {
			return nil, err
		}
		return e.load(addr, int(width/8))
	case x86asm.Imm:
		return NewConstantExpr(uint64(arg), width), nil
	case x86asm.Rel:
		target, _ := inst.Target()
		return NewConstantExpr(target, width), nil
	}
	return nil, errors.Wrapf(ErrUnsupportedInstruction, "operand %v", arg)
}

// writeOperand stores expr into a register or memory operand.
func (e *Executor) writeOperand(inst *Instruction, arg x86asm.Arg, expr Expr) error {
	switch arg := arg.(type) {
	case x86asm.Reg:
		return e.writeReg(arg, expr)
	case x86asm.Mem:
		addr, err := e.effectiveAddress(inst, arg)
		if err != nil {
			return err
		}
		e.store(addr, expr)
		return nil
	}
	return errors.Wrapf(ErrUnsupportedInstruction, "destination %v", arg)
}

// binaryOperands reads the destination and source operands of a two operand instruction.
func (e *Executor) binaryOperands(inst *Instruction) (a, b Expr, err error) {
	w := e.argWidth(inst, inst.Inst.Args[0])
	if a, err = e.readOperand(inst, inst.Inst.Args[0], w); err != nil {
		return nil, nil, err
	}
	if b, err = e.readOperand(inst, inst.Inst.Args[1], w); err != nil {
		return nil, nil, err
	}
	if ExprWidth(b) != w { // e.g. shifts by CL or imm8 sign-extension mismatch
		b = NewCastExpr(b, w, true)
	}
	return a, b, nil
}

func (e *Executor) executeArith(inst *Instruction) error {
	a, b, err := e.binaryOperands(inst)
	if err != nil {
		return err
	}
	w := ExprWidth(a)
	op := inst.Inst.Op

	carry := Expr(NewBoolConstantExpr(false))
	if op == x86asm.ADC || op == x86asm.SBB {
		carry = e.readFlag(flagCF)
	}
	c := NewCastExpr(carry, w, false)

	var r, cf, of Expr
	switch op {
	case x86asm.ADD, x86asm.ADC:
		r = NewBinaryExpr(ADD, NewBinaryExpr(ADD, a, b), c)
		cf = NewBinaryExpr(OR, NewBinaryExpr(ULT, r, a), NewBinaryExpr(AND, carry, NewBinaryExpr(EQ, r, a)))
		of = msb(NewBinaryExpr(AND, NewBinaryExpr(XOR, a, r), NewBinaryExpr(XOR, b, r)))
	default:
		r = NewBinaryExpr(SUB, NewBinaryExpr(SUB, a, b), c)
		cf = NewBinaryExpr(OR, NewBinaryExpr(ULT, a, b), NewBinaryExpr(AND, carry, NewBinaryExpr(EQ, a, b)))
		of = msb(NewBinaryExpr(AND, NewBinaryExpr(XOR, a, b), NewBinaryExpr(XOR, a, r)))
	}

	e.writeFlag(flagCF, cf)
	e.writeFlag(flagOF, of)
	e.writeFlag(flagAF, auxCarry(a, b, r))
	e.writeResultFlags(r)

	if op == x86asm.CMP {
		return nil
	}
	return e.writeOperand(inst, inst.Inst.Args[0], r)
}

func (e *Executor) executeLogic(inst *Instruction) error {
	a, b, err := e.binaryOperands(inst)
	if err != nil {
		return err
	}

	var r Expr
	switch inst.Inst.Op {
	case x86asm.AND, x86asm.TEST:
		r = NewBinaryExpr(AND, a, b)
	case x86asm.OR:
		r = NewBinaryExpr(OR, a, b)
	default:
		r = NewBinaryExpr(XOR, a, b)
	}

	e.writeFlag(flagCF, NewBoolConstantExpr(false))
	e.writeFlag(flagOF, NewBoolConstantExpr(false))
	e.writeFlag(flagAF, NewBoolConstantExpr(false))
	e.writeResultFlags(r)

	if inst.Inst.Op == x86asm.TEST {
		return nil
	}
	return e.writeOperand(inst, inst.Inst.Args[0], r)
}

func (e *Executor) executeUnary(inst *Instruction) error {
	dst := inst.Inst.Args[0]
	w := e.argWidth(inst, dst)
	a, err := e.readOperand(inst, dst, w)
	if err != nil {
		return err
	}
	one, zero := NewConstantExpr(1, w), NewConstantExpr(0, w)

	var r Expr
	switch inst.Inst.Op {
	case x86asm.NOT:
		return e.writeOperand(inst, dst, NewNotExpr(a))
	case x86asm.INC:
		r = NewBinaryExpr(ADD, a, one)
		e.writeFlag(flagOF, msb(NewBinaryExpr(AND, NewBinaryExpr(XOR, a, r), NewBinaryExpr(XOR, one, r))))
		e.writeFlag(flagAF, auxCarry(a, one, r))
	case x86asm.DEC:
		r = NewBinaryExpr(SUB, a, one)
		e.writeFlag(flagOF, msb(NewBinaryExpr(AND, NewBinaryExpr(XOR, a, one), NewBinaryExpr(XOR, a, r))))
		e.writeFlag(flagAF, auxCarry(a, one, r))
	default: // NEG
		r = NewBinaryExpr(SUB, zero, a)
		e.writeFlag(flagCF, NewBoolNotExpr(NewIsZeroExpr(a)))
		e.writeFlag(flagOF, msb(NewBinaryExpr(AND, a, r)))
		e.writeFlag(flagAF, auxCarry(zero, a, r))
	}
	e.writeResultFlags(r)
	return e.writeOperand(inst, dst, r)
}

func (e *Executor) executeShift(inst *Instruction) error {
	dst := inst.Inst.Args[0]
	w := e.argWidth(inst, dst)
	a, err := e.readOperand(inst, dst, w)
	if err != nil {
		return err
	}
	count, err := e.readOperand(inst, inst.Inst.Args[1], Width8)
	if err != nil {
		return err
	}

	mask := uint64(0x1f)
	if w == Width64 {
		mask = 0x3f
	}
	n := e.Evaluate(count) & mask
	if n == 0 {
		return e.writeOperand(inst, dst, a)
	}
	amount := NewConstantExpr(n, w)

	var r, cf Expr
	switch inst.Inst.Op {
	case x86asm.SHL:
		r = NewBinaryExpr(SHL, a, amount)
		cf = NewBoolConstantExpr(false)
		if n <= uint64(w) {
			cf = NewExtractExpr(a, w-uint(n), 1)
		}
		if n == 1 {
			e.writeFlag(flagOF, NewBinaryExpr(XOR, msb(r), cf))
		}
	case x86asm.SHR:
		r = NewBinaryExpr(LSHR, a, amount)
		cf = NewBoolConstantExpr(false)
		if n <= uint64(w) {
			cf = NewExtractExpr(a, uint(n)-1, 1)
		}
		if n == 1 {
			e.writeFlag(flagOF, msb(a))
		}
	default: // SAR
		r = NewBinaryExpr(ASHR, a, amount)
		cf = msb(a)
		if n <= uint64(w) {
			cf = NewExtractExpr(a, uint(n)-1, 1)
		}
		if n == 1 {
			e.writeFlag(flagOF, NewBoolConstantExpr(false))
		}
	}

	e.writeFlag(flagCF, cf)
	e.writeResultFlags(r)
	return e.writeOperand(inst, dst, r)
}

func (e *Executor) executeIMul(inst *Instruction) error {
	args := inst.Inst.Args
	if args[1] == nil {
		return e.executeWideMul(inst, true)
	}

	w := e.argWidth(inst, args[0])
	var a, b Expr
	var err error
	if args[2] != nil {
		if a, err = e.readOperand(inst, args[1], w); err != nil {
			return err
		}
		b = NewConstantExpr(uint64(args[2].(x86asm.Imm)), w)
	} else if a, b, err = e.binaryOperands(inst); err != nil {
		return err
	}

	r := NewBinaryExpr(MUL, a, b)

	var overflow Expr
	if w < Width64 {
		full := NewBinaryExpr(MUL, NewCastExpr(a, 2*w, true), NewCastExpr(b, 2*w, true))
		overflow = NewBinaryExpr(NE, full, NewCastExpr(r, 2*w, true))
	} else {
		av, bv := e.Evaluate(a), e.Evaluate(b)
		hi, lo := bits.Mul64(av, bv)
		if int64(av) < 0 {
			hi -= bv
		}
		if int64(bv) < 0 {
			hi -= av
		}
		overflow = NewBoolConstantExpr(hi != uint64(int64(lo)>>63))
	}

	e.writeFlag(flagCF, overflow)
	e.writeFlag(flagOF, overflow)
	e.writeFlag(flagSF, msb(r))
	return e.writeOperand(inst, args[0], r)
}

// executeRotate handles ROL & ROR. The count is concretized.
func (e *Executor) executeRotate(inst *Instruction) error {
	dst := inst.Inst.Args[0]
	w := e.argWidth(inst, dst)
	a, err := e.readOperand(inst, dst, w)
	if err != nil {
		return err
	}
	count, err := e.readOperand(inst, inst.Inst.Args[1], Width8)
	if err != nil {
		return err
	}

	mask := uint64(0x1f)
	if w == Width64 {
		mask = 0x3f
	}
	n := e.Evaluate(count) & mask
	if n == 0 {
		return e.writeOperand(inst, dst, a)
	}

	k := uint(n % uint64(w))
	if inst.Inst.Op == x86asm.ROR && k != 0 {
		k = w - k
	}
	r := a
	if k != 0 {
		r = NewBinaryExpr(OR,
			NewBinaryExpr(SHL, a, NewConstantExpr(uint64(k), w)),
			NewBinaryExpr(LSHR, a, NewConstantExpr(uint64(w-k), w)),
		)
	}

	var cf Expr
	if inst.Inst.Op == x86asm.ROL {
		cf = NewExtractExpr(r, 0, 1)
		if n == 1 {
			e.writeFlag(flagOF, NewBinaryExpr(XOR, msb(r), cf))
		}
	} else {
		cf = msb(r)
		if n == 1 {
			e.writeFlag(flagOF, NewBinaryExpr(XOR, cf, NewExtractExpr(r, w-2, 1)))
		}
	}
	e.writeFlag(flagCF, cf)
	return e.writeOperand(inst, dst, r)
}

// accumulatorPair returns the low & high registers used by MUL and DIV.
func accumulatorPair(w uint) (lo, hi x86asm.Reg) {
	switch w {
	case Width8:
		return x86asm.AL, x86asm.AH
	case Width16:
		return x86asm.AX, x86asm.DX
	case Width32:
		return x86asm.EAX, x86asm.EDX
	default:
		return x86asm.RAX, x86asm.RDX
	}
}

// executeWideMul handles MUL and one operand IMUL which write the double
// width product to the accumulator pair.
func (e *Executor) executeWideMul(inst *Instruction, signed bool) error {
	w := e.argWidth(inst, inst.Inst.Args[0])
	src, err := e.readOperand(inst, inst.Inst.Args[0], w)
	if err != nil {
		return err
	}
	loReg, hiReg := accumulatorPair(w)
	a, err := e.readReg(loReg)
	if err != nil {
		return err
	}

	var lo, hi, overflow Expr
	if w < Width64 {
		full := NewBinaryExpr(MUL, NewCastExpr(a, 2*w, signed), NewCastExpr(src, 2*w, signed))
		lo, hi = NewExtractExpr(full, 0, w), NewExtractExpr(full, w, w)
		if signed {
			overflow = NewBinaryExpr(NE, full, NewCastExpr(lo, 2*w, true))
		} else {
			overflow = NewBinaryExpr(NE, hi, NewConstantExpr(0, w))
		}
	} else {
		// The high half of a 128-bit product is computed concretely.
		av, bv := e.Evaluate(a), e.Evaluate(src)
		h, l := bits.Mul64(av, bv)
		if signed {
			if int64(av) < 0 {
				h -= bv
			}
			if int64(bv) < 0 {
				h -= av
			}
			overflow = NewBoolConstantExpr(h != uint64(int64(l)>>63))
		} else {
			overflow = NewBoolConstantExpr(h != 0)
		}
		lo, hi = NewBinaryExpr(MUL, a, src), NewConstantExpr(h, w)
	}

	e.writeFlag(flagCF, overflow)
	e.writeFlag(flagOF, overflow)
	e.writeFlag(flagSF, msb(lo))
	if err := e.writeReg(loReg, lo); err != nil {
		return err
	}
	return e.writeReg(hiReg, hi)
}

// executeDiv handles DIV & IDIV. The divisor is concretized. A zero divisor
// or a quotient that does not fit the operand width returns ErrDivideError.
func (e *Executor) executeDiv(inst *Instruction, signed bool) error {
	w := e.argWidth(inst, inst.Inst.Args[0])
	src, err := e.readOperand(inst, inst.Inst.Args[0], w)
	if err != nil {
		return err
	}
	d := e.Evaluate(src)
	if d == 0 {
		return errors.Wrap(ErrDivideError, "divide by zero")
	}

	loReg, hiReg := accumulatorPair(w)
	lo, err := e.readReg(loReg)
	if err != nil {
		return err
	}
	hi, err := e.readReg(hiReg)
	if err != nil {
		return err
	}

	var q, r Expr
	if w < Width64 {
		q, r, err = e.divide(NewConcatExpr(hi, lo), NewCastExpr(NewConstantExpr(d, w), 2*w, signed), w, signed)
	} else {
		q, r, err = e.divide128(lo, hi, d, signed)
	}
	if err != nil {
		return err
	}

	if err := e.writeReg(loReg, q); err != nil {
		return err
	}
	return e.writeReg(hiReg, r)
}

// divide divides a double width dividend and returns the quotient and
// remainder truncated to w bits.
func (e *Executor) divide(dividend, divisor Expr, w uint, signed bool) (q, r Expr, err error) {
	divOp, remOp := UDIV, UREM
	if signed {
		divOp, remOp = SDIV, SREM
	}
	full := NewBinaryExpr(divOp, dividend, divisor)
	q, r = NewExtractExpr(full, 0, w), NewExtractExpr(NewBinaryExpr(remOp, dividend, divisor), 0, w)

	if signed {
		if e.Evaluate(full) != e.Evaluate(NewCastExpr(q, 2*w, true)) {
			return nil, nil, errors.Wrap(ErrDivideError, "quotient overflow")
		}
	} else if e.Evaluate(full)>>w != 0 {
		return nil, nil, errors.Wrap(ErrDivideError, "quotient overflow")
	}
	return q, r, nil
}

// divide128 divides hi:lo by d. The result stays symbolic when the high half
// is concretely the zero or sign extension of the low half. Otherwise the
// division is computed concretely.
func (e *Executor) divide128(lo, hi Expr, d uint64, signed bool) (q, r Expr, err error) {
	lv, hv := e.Evaluate(lo), e.Evaluate(hi)

	if !signed {
		if hv == 0 {
			divisor := NewConstantExpr(d, Width64)
			return NewBinaryExpr(UDIV, lo, divisor), NewBinaryExpr(UREM, lo, divisor), nil
		} else if hv >= d {
			return nil, nil, errors.Wrap(ErrDivideError, "quotient overflow")
		}
		qv, rv := bits.Div64(hv, lv, d)
		return NewConstantExpr(qv, Width64), NewConstantExpr(rv, Width64), nil
	}

	if hv == uint64(int64(lv)>>63) {
		if lv == 1<<63 && d == ^uint64(0) {
			return nil, nil, errors.Wrap(ErrDivideError, "quotient overflow")
		}
		divisor := NewConstantExpr(d, Width64)
		return NewBinaryExpr(SDIV, lo, divisor), NewBinaryExpr(SREM, lo, divisor), nil
	}

	qv, rv, ok := idiv128(hv, lv, d)
	if !ok {
		return nil, nil, errors.Wrap(ErrDivideError, "quotient overflow")
	}
	return NewConstantExpr(qv, Width64), NewConstantExpr(rv, Width64), nil
}

// idiv128 performs signed division of the 128-bit value hi:lo by d.
// Returns false if the quotient does not fit in 64 bits.
func idiv128(hi, lo, d uint64) (q, r uint64, ok bool) {
	neg, dneg := int64(hi) < 0, int64(d) < 0
	if neg {
		lo, hi = -lo, ^hi
		if lo == 0 {
			hi++
		}
	}
	if dneg {
		d = -d
	}
	if hi >= d {
		return 0, 0, false
	}

	q, r = bits.Div64(hi, lo, d)
	if neg != dneg {
		if q > 1<<63 {
			return 0, 0, false
		}
		q = -q
	} else if q >= 1<<63 {
		return 0, 0, false
	}
	if neg {
		r = -r
	}
	return q, r, true
}

func (e *Executor) executeCMov(inst *Instruction, c Expr) error {
	a, b, err := e.binaryOperands(inst)
	if err != nil {
		return err
	}
	mask := NewCastExpr(c, ExprWidth(a), true)
	r := NewBinaryExpr(OR, NewBinaryExpr(AND, b, mask), NewBinaryExpr(AND, a, NewNotExpr(mask)))
	return e.writeOperand(inst, inst.Inst.Args[0], r)
}

func (e *Executor) executePush(inst *Instruction) error {
	arg := inst.Inst.Args[0]
	w := uint(e.bits)
	switch arg.(type) {
	case x86asm.Reg, x86asm.Mem:
		w = e.argWidth(inst, arg)
	default:
		if inst.Inst.DataSize == 16 {
			w = Width16
		}
	}

	v, err := e.readOperand(inst, arg, w)
	if err != nil {
		return err
	}
	return e.push(v)
}

func (e *Executor) executePop(inst *Instruction) error {
	dst := inst.Inst.Args[0]
	v, err := e.pop(e.argWidth(inst, dst))
	if err != nil {
		return err
	}
	return e.writeOperand(inst, dst, v)
}

func (e *Executor) executeJump(inst *Instruction) error {
	target, err := e.readOperand(inst, inst.Inst.Args[0], uint(e.bits))
	if err != nil {
		return err
	}
	dst := e.Evaluate(target)
	e.addIndirectConstraint(inst, target, dst)

	if inst.Inst.Op == x86asm.CALL {
		if err := e.push(NewConstantExpr(inst.Fallthrough(), uint(e.bits))); err != nil {
			return err
		}
	}
	e.SetPC(dst)
	return nil
}

func (e *Executor) executeRet(inst *Instruction) error {
	target, err := e.pop(uint(e.bits))
	if err != nil {
		return err
	}
	if imm, ok := inst.Inst.Args[0].(x86asm.Imm); ok {
		sp, err := e.readReg(spReg(e.bits))
		if err != nil {
			return err
		}
		if err := e.writeReg(spReg(e.bits), NewBinaryExpr(ADD, sp, NewConstantExpr(uint64(imm), uint(e.bits)))); err != nil {
			return err
		}
	}

	dst := e.Evaluate(target)
	e.addIndirectConstraint(inst, target, dst)
	e.SetPC(dst)
	return nil
}

// branch evaluates a conditional branch and records its path constraint.
func (e *Executor) branch(inst *Instruction, c Expr) {
	taken := e.Evaluate(c) != 0
	e.addPathConstraint(inst, c, taken)
	if taken {
		target, _ := inst.Target()
		e.SetPC(target)
	}
}

// condition returns the boolean expression for a condition code.
func (e *Executor) condition(c cond) Expr {
	not := NewBoolNotExpr
	or := func(a, b Expr) Expr { return NewBinaryExpr(OR, a, b) }
	and := func(a, b Expr) Expr { return NewBinaryExpr(AND, a, b) }
	lt := func() Expr { return NewBinaryExpr(XOR, e.readFlag(flagSF), e.readFlag(flagOF)) }

	switch c {
	case condO:
		return e.readFlag(flagOF)
	case condNO:
		return not(e.readFlag(flagOF))
	case condB:
		return e.readFlag(flagCF)
	case condAE:
		return not(e.readFlag(flagCF))
	case condE:
		return e.readFlag(flagZF)
	case condNE:
		return not(e.readFlag(flagZF))
	case condBE:
		return or(e.readFlag(flagCF), e.readFlag(flagZF))
	case condA:
		return and(not(e.readFlag(flagCF)), not(e.readFlag(flagZF)))
	case condS:
		return e.readFlag(flagSF)
	case condNS:
		return not(e.readFlag(flagSF))
	case condP:
		return e.readFlag(flagPF)
	case condNP:
		return not(e.readFlag(flagPF))
	case condL:
		return lt()
	case condGE:
		return not(lt())
	case condLE:
		return or(e.readFlag(flagZF), lt())
	default: // condG
		return and(not(e.readFlag(flagZF)), not(lt()))
	}
}

// writeResultFlags sets ZF, SF, and PF from a result.
func (e *Executor) writeResultFlags(r Expr) {
	e.writeFlag(flagZF, NewIsZeroExpr(r))
	e.writeFlag(flagSF, msb(r))
	e.writeFlag(flagPF, parity(r))
}

func (e *Executor) push(v Expr) error {
	sp, err := e.readReg(spReg(e.bits))
	if err != nil {
		return err
	}
	sp = NewBinaryExpr(SUB, sp, NewConstantExpr(uint64(ExprWidth(v)/8), uint(e.bits)))
	e.store(e.Evaluate(sp), v)
	return e.writeReg(spReg(e.bits), sp)
}

func (e *Executor) pop(width uint) (Expr, error) {
	sp, err := e.readReg(spReg(e.bits))
	if err != nil {
		return nil, err
	}
	v, err := e.load(e.Evaluate(sp), int(width/8))
	if err != nil {
		return nil, err
	}
	if err := e.writeReg(spReg(e.bits), NewBinaryExpr(ADD, sp, NewConstantExpr(uint64(width/8), uint(e.bits)))); err != nil {
		return nil, err
	}
	return v, nil
}

func (e *Executor) bpReg() x86asm.Reg {
	if e.bits == 64 {
		return x86asm.RBP
	}
	return x86asm.EBP
}

func (e *Executor) extendAccumulator(src, dst x86asm.Reg) error {
	v, err := e.readReg(src)
	if err != nil {
		return err
	}
	info, _ := lookupReg(dst)
	return e.writeReg(dst, NewCastExpr(v, info.width, true))
}

func (e *Executor) splitAccumulator(src, dst x86asm.Reg) error {
	v, err := e.readReg(src)
	if err != nil {
		return err
	}
	w := ExprWidth(v)
	return e.writeReg(dst, NewBinaryExpr(ASHR, v, NewConstantExpr(uint64(w-1), w)))
}

// msb returns the most significant bit of x as a boolean.
func msb(x Expr) Expr {
	return NewExtractExpr(x, ExprWidth(x)-1, 1)
}

// parity returns true if the low byte of x has an even number of set bits.
func parity(x Expr) Expr {
	p := NewExtractExpr(x, 0, 1)
	for i := uint(1); i < 8; i++ {
		p = NewBinaryExpr(XOR, p, NewExtractExpr(x, i, 1))
	}
	return NewBoolNotExpr(p)
}

// auxCarry returns the carry or borrow out of bit 3.
func auxCarry(a, b, r Expr) Expr {
	return NewExtractExpr(NewBinaryExpr(XOR, NewBinaryExpr(XOR, a, b), r), 4, 1)
}
