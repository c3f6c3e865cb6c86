package pimp

import (
	"log"

	"github.com/pkg/errors"
	"golang.org/x/arch/x86/x86asm"
)

// Mode represents an optional executor behavior.
type Mode int

// Executor modes.
const (
	// ModeAlignedMemory keeps whole expressions for aligned stores so that a
	// load of the same address and size returns the stored expression.
	ModeAlignedMemory Mode = 1 << iota

	// ModeOnlyOnSymbolized records path constraints only for branches whose
	// condition depends on a symbolic variable.
	ModeOnlyOnSymbolized
)

// Solver represents a constraint solver.
type Solver interface {
	// Solve returns a value for each variable that satisfies all constraints.
	Solve(constraints []Expr, variables []*Variable) (satisfiable bool, values []uint64, err error)
}

// Branch represents one possible outcome of a branch instruction.
type Branch struct {
	Taken       bool
	Source      uint64
	Destination uint64
	Constraint  Expr
}

// PathConstraint represents the outcomes of a single branch execution.
type PathConstraint struct {
	Branches []Branch
}

// IsMultipleBranches returns true if the constraint has alternative outcomes.
func (pc *PathConstraint) IsMultipleBranches() bool {
	return len(pc.Branches) > 1
}

// Source returns the address of the branch instruction.
func (pc *PathConstraint) Source() uint64 {
	return pc.Branches[0].Source
}

// TakenPredicate returns the constraint of the outcome that was executed.
func (pc *PathConstraint) TakenPredicate() Expr {
	for _, b := range pc.Branches {
		if b.Taken {
			return b.Constraint
		}
	}
	return NewBoolConstantExpr(true)
}

// Executor is a concolic x86 executor. Every register, flag, and memory byte
// holds an expression which is constant unless it depends on a symbolic variable.
type Executor struct {
	bits  int
	modes Mode

	regs  [slotN]Expr
	flags [flagN]Expr

	// Segment bases for FS and GS. Operands using a segment with no base fail.
	bases map[x86asm.Reg]uint64

	mem     map[uint64]byte
	sym     map[uint64]Expr
	aligned map[alignedKey]Expr

	variables []*Variable
	values    map[uint64]uint64
	nextID    uint64

	constraints []PathConstraint

	// Instruction being processed. Collects register & memory accesses.
	cur *Instruction

	// OnUnmappedRead is called when a read touches bytes that are not in
	// executor memory. The callback should write the bytes via WriteMemory.
	OnUnmappedRead func(addr uint64, size int) error

	// OnSimplify is called on every expression before it is stored.
	OnSimplify func(expr Expr) Expr
}

type alignedKey struct {
	addr uint64
	size int
}

// NewExecutor returns a new instance of Executor for 32-bit or 64-bit x86.
func NewExecutor(bits int) (*Executor, error) {
	if bits != 32 && bits != 64 {
		return nil, errors.Wrapf(ErrUnsupportedArchitecture, "x86 with %d bits", bits)
	}

	e := &Executor{
		bits:    bits,
		mem:     make(map[uint64]byte),
		sym:     make(map[uint64]Expr),
		aligned: make(map[alignedKey]Expr),
		values:  make(map[uint64]uint64),
		bases:   make(map[x86asm.Reg]uint64),
	}
	for i := range e.regs {
		e.regs[i] = NewConstantExpr(0, uint(bits))
	}
	for i := range e.flags {
		e.flags[i] = NewBoolConstantExpr(false)
	}
	return e, nil
}

// Bits returns the register width of the executor.
func (e *Executor) Bits() int { return e.bits }

// Enable turns on an executor mode.
func (e *Executor) Enable(mode Mode) { e.modes |= mode }

// IsEnabled returns true if mode is enabled.
func (e *Executor) IsEnabled(mode Mode) bool { return e.modes&mode != 0 }

// PC returns the concrete program counter.
func (e *Executor) PC() uint64 {
	return e.Evaluate(e.regs[slotRIP])
}

// SetPC sets the concrete program counter.
func (e *Executor) SetPC(pc uint64) {
	e.regs[slotRIP] = NewConstantExpr(pc, uint(e.bits))
}

// SetRegister sets a register or flag by its debugger name to a concrete value.
// EFLAGS/RFLAGS set the individual status flags. Returns false for unknown names.
func (e *Executor) SetRegister(name string, value uint64) bool {
	switch name {
	case "eflags", "rflags", "flags":
		for i := range e.flags {
			e.flags[i] = NewBoolConstantExpr(value&(1<<flagBits[i]) != 0)
		}
		return true
	}
	if seg, ok := segmentBases[name]; ok {
		e.bases[seg] = value
		return true
	}
	for i, fname := range flagNames {
		if fname == name {
			e.flags[i] = NewBoolConstantExpr(value != 0)
			return true
		}
	}

	r, ok := registersByName[name]
	if !ok {
		return false
	}
	info, _ := lookupReg(r)
	if info.width > uint(e.bits) {
		return false
	}
	e.setReg(info, NewConstantExpr(value, info.width))
	return true
}

// Register returns the expression held by a register or flag name.
func (e *Executor) Register(name string) (Expr, bool) {
	for i, fname := range flagNames {
		if fname == name {
			return e.flags[i], true
		}
	}
	if seg, ok := segmentBases[name]; ok {
		base, ok := e.bases[seg]
		if !ok {
			return nil, false
		}
		return NewConstantExpr(base, uint(e.bits)), true
	}
	r, ok := registersByName[name]
	if !ok {
		return nil, false
	}
	info, _ := lookupReg(r)
	if info.width > uint(e.bits) {
		return nil, false
	}
	return e.getReg(info), true
}

// RegisterValue returns the concrete value of a register or flag name.
func (e *Executor) RegisterValue(name string) (uint64, bool) {
	expr, ok := e.Register(name)
	if !ok {
		return 0, false
	}
	return e.Evaluate(expr), true
}

// Evaluate returns the concrete value of expr under the current variable values.
func (e *Executor) Evaluate(expr Expr) uint64 {
	c, err := NewExprEvaluator(e.values).Evaluate(expr)
	assert(err == nil, "evaluate: %v", err)
	return c.Value
}

// WriteMemory writes concrete bytes, discarding any symbolic expressions at those addresses.
func (e *Executor) WriteMemory(addr uint64, data []byte) {
	for i, b := range data {
		e.mem[addr+uint64(i)] = b
		delete(e.sym, addr+uint64(i))
	}
	e.invalidateAligned(addr, len(data))
}

// IsMapped returns true if the byte at addr is present in executor memory.
func (e *Executor) IsMapped(addr uint64) bool {
	_, ok := e.mem[addr]
	return ok
}

// ReadMemory returns the concrete bytes at addr, faulting in unmapped bytes.
func (e *Executor) ReadMemory(addr uint64, size int) ([]byte, error) {
	if err := e.ensureMapped(addr, size); err != nil {
		return nil, err
	}
	buf := make([]byte, size)
	for i := range buf {
		buf[i] = e.mem[addr+uint64(i)]
	}
	return buf, nil
}

// ensureMapped invokes OnUnmappedRead once for every contiguous run of
// missing bytes within [addr, addr+size).
func (e *Executor) ensureMapped(addr uint64, size int) error {
	for i := 0; i < size; {
		if e.IsMapped(addr + uint64(i)) {
			i++
			continue
		}

		j := i + 1
		for j < size && !e.IsMapped(addr+uint64(j)) {
			j++
		}

		start := addr + uint64(i)
		if e.OnUnmappedRead == nil {
			return errors.Wrapf(ErrUnmappedAddress, "read 0x%x", start)
		}
		log.Printf("[exec] unmapped read: addr=0x%x size=%d", start, j-i)
		if err := e.OnUnmappedRead(start, j-i); err != nil {
			return err
		}

		for k := i; k < j; k++ {
			if !e.IsMapped(addr + uint64(k)) {
				return errors.Wrapf(ErrUnmappedAddress, "read 0x%x", addr+uint64(k))
			}
		}
		i = j
	}
	return nil
}

// MemoryExpr returns the little-endian expression for size bytes at addr.
func (e *Executor) MemoryExpr(addr uint64, size int) (Expr, error) {
	if err := e.ensureMapped(addr, size); err != nil {
		return nil, err
	}

	if e.IsEnabled(ModeAlignedMemory) {
		if expr, ok := e.aligned[alignedKey{addr, size}]; ok {
			return expr, nil
		}
	}

	var expr Expr
	for i := 0; i < size; i++ {
		a := addr + uint64(i)
		b, ok := e.sym[a]
		if !ok {
			b = NewConstantExpr(uint64(e.mem[a]), Width8)
		}
		if expr == nil {
			expr = b
		} else {
			expr = NewConcatExpr(b, expr)
		}
	}
	return expr, nil
}

// storeMemory writes expr to memory in little-endian order.
func (e *Executor) storeMemory(addr uint64, expr Expr) {
	expr = e.simplify(expr)
	size := int(ExprWidth(expr) / 8)
	value := e.Evaluate(expr)
	symbolized := IsSymbolized(expr)

	e.invalidateAligned(addr, size)
	for i := 0; i < size; i++ {
		a := addr + uint64(i)
		e.mem[a] = byte(value >> (8 * uint(i)))
		if symbolized {
			e.sym[a] = NewExtractExpr(expr, uint(i)*8, Width8)
		} else {
			delete(e.sym, a)
		}
	}

	if e.IsEnabled(ModeAlignedMemory) {
		e.aligned[alignedKey{addr, size}] = expr
	}
}

// invalidateAligned removes aligned expressions overlapping [addr, addr+size).
func (e *Executor) invalidateAligned(addr uint64, size int) {
	if len(e.aligned) == 0 {
		return
	}
	end := addr + uint64(size)
	for k := range e.aligned {
		if k.addr < end && addr < k.addr+uint64(k.size) {
			delete(e.aligned, k)
		}
	}
}

// SymbolizeMemory converts the byte at addr into a new symbolic variable whose
// initial value is the byte's current concrete value.
func (e *Executor) SymbolizeMemory(addr uint64, comment string) (*Variable, error) {
	buf, err := e.ReadMemory(addr, 1)
	if err != nil {
		return nil, err
	}

	v := &Variable{ID: e.nextID, Width: Width8, Address: addr, Comment: comment}
	e.nextID++
	e.variables = append(e.variables, v)
	e.values[v.ID] = uint64(buf[0])
	e.sym[addr] = NewVariableExpr(v)
	e.invalidateAligned(addr, 1)

	log.Printf("[exec] symbolize: addr=0x%x var=%s value=0x%02x", addr, v, buf[0])
	return v, nil
}

// Variables returns all symbolic variables in creation order.
func (e *Executor) Variables() []*Variable {
	return e.variables
}

// VariableValue returns the concrete value bound to v.
func (e *Executor) VariableValue(v *Variable) uint64 {
	return e.values[v.ID]
}

// PathConstraints returns the path constraints recorded so far.
func (e *Executor) PathConstraints() []PathConstraint {
	return e.constraints
}

// ClearPathConstraints removes all recorded path constraints.
func (e *Executor) ClearPathConstraints() {
	e.constraints = nil
}

// rewind moves the program counter back to pc and drops the path
// constraints recorded after the first n.
func (e *Executor) rewind(pc uint64, n int) {
	e.SetPC(pc)
	e.constraints = e.constraints[:n]
}

// Disassemble decodes the instruction at addr without executing it. Fewer
// than MaxInstructionSize bytes are used when the tail is unmapped.
func (e *Executor) Disassemble(addr uint64) (*Instruction, error) {
	var buf []byte
	for i := 0; i < MaxInstructionSize; i++ {
		a := addr + uint64(i)
		if !e.IsMapped(a) {
			if err := e.ensureMapped(a, MaxInstructionSize-i); err != nil && !e.IsMapped(a) {
				if i == 0 {
					return nil, err
				}
				break
			}
		}
		buf = append(buf, e.mem[a])
	}

	inst, err := x86asm.Decode(buf, e.bits)
	if err != nil {
		return nil, errors.Wrapf(err, "decode 0x%x", addr)
	}
	return &Instruction{
		Address: addr,
		Bytes:   buf[:inst.Len],
		Inst:    inst,
	}, nil
}

// Step disassembles and processes the instruction at the program counter.
func (e *Executor) Step() (*Instruction, error) {
	inst, err := e.Disassemble(e.PC())
	if err != nil {
		return nil, err
	}
	if err := e.Process(inst); err != nil {
		return nil, err
	}
	return inst, nil
}

// Process executes inst, updating registers, memory, and path constraints.
// The program counter is set to the address of the next instruction.
func (e *Executor) Process(inst *Instruction) error {
	e.cur = inst
	defer func() { e.cur = nil }()

	e.SetPC(inst.Fallthrough())
	if err := e.execute(inst); err != nil {
		return errors.Wrapf(err, "0x%x: %s", inst.Address, inst.Inst.Op)
	}
	inst.NextAddress = e.PC()
	e.recordWrite(RegisterName(pcReg(e.bits)), uint(e.bits), e.regs[slotRIP])

	for _, r := range inst.ReadRegisters {
		if IsSymbolized(r.Expr) {
			inst.Symbolized = true
		}
	}
	for _, m := range inst.Loads {
		if IsSymbolized(m.Expr) {
			inst.Symbolized = true
		}
	}

	log.Printf("[exec] %s", inst)
	return nil
}

// addPathConstraint records the outcomes of a conditional branch.
func (e *Executor) addPathConstraint(inst *Instruction, cond Expr, taken bool) {
	if e.IsEnabled(ModeOnlyOnSymbolized) && !IsSymbolized(cond) {
		return
	}

	target, _ := inst.Target()
	e.constraints = append(e.constraints, PathConstraint{
		Branches: []Branch{
			{Taken: taken, Source: inst.Address, Destination: target, Constraint: cond},
			{Taken: !taken, Source: inst.Address, Destination: inst.Fallthrough(), Constraint: NewBoolNotExpr(cond)},
		},
	})
	log.Printf("[exec] path constraint: 0x%x taken=%v", inst.Address, taken)
}

// addIndirectConstraint records the single outcome of a jump through a symbolic target.
func (e *Executor) addIndirectConstraint(inst *Instruction, target Expr, dst uint64) {
	if !IsSymbolized(target) {
		return
	}
	e.constraints = append(e.constraints, PathConstraint{
		Branches: []Branch{{
			Taken:       true,
			Source:      inst.Address,
			Destination: dst,
			Constraint:  NewBinaryExpr(EQ, target, NewConstantExpr(dst, ExprWidth(target))),
		}},
	})
}

func (e *Executor) simplify(expr Expr) Expr {
	if e.OnSimplify != nil {
		return e.OnSimplify(expr)
	}
	return expr
}

// getReg returns the expression of a register without recording an access.
func (e *Executor) getReg(info regInfo) Expr {
	return NewExtractExpr(e.regs[info.slot], info.offset, info.width)
}

// setReg writes a register. 32-bit writes zero the upper half in 64-bit mode.
func (e *Executor) setReg(info regInfo, value Expr) {
	value = e.simplify(value)
	slotWidth := uint(e.bits)

	switch {
	case info.width == slotWidth:
		e.regs[info.slot] = value
	case info.width == Width32 && slotWidth == Width64:
		e.regs[info.slot] = NewCastExpr(value, Width64, false)
	default:
		old := e.regs[info.slot]
		v := value
		if info.offset > 0 {
			v = NewConcatExpr(v, NewExtractExpr(old, 0, info.offset))
		}
		if top := info.offset + info.width; top < slotWidth {
			v = NewConcatExpr(NewExtractExpr(old, top, slotWidth-top), v)
		}
		e.regs[info.slot] = v
	}
}

// readReg returns the expression of r and records the read.
func (e *Executor) readReg(r x86asm.Reg) (Expr, error) {
	info, ok := lookupReg(r)
	if !ok || info.width > uint(e.bits) {
		return nil, errors.Wrapf(ErrUnsupportedInstruction, "register %s", r)
	}
	expr := e.getReg(info)
	e.recordRead(RegisterName(r), info.width, expr)
	return expr, nil
}

// writeReg writes expr to r and records the write.
func (e *Executor) writeReg(r x86asm.Reg, expr Expr) error {
	info, ok := lookupReg(r)
	if !ok || info.width > uint(e.bits) {
		return errors.Wrapf(ErrUnsupportedInstruction, "register %s", r)
	}
	assert(ExprWidth(expr) == info.width, "write %s: width %d != %d", r, ExprWidth(expr), info.width)
	e.setReg(info, expr)
	e.recordWrite(RegisterName(r), info.width, e.getReg(info))
	return nil
}

func (e *Executor) readFlag(f int) Expr {
	e.recordRead(flagNames[f], WidthBool, e.flags[f])
	return e.flags[f]
}

func (e *Executor) writeFlag(f int, expr Expr) {
	expr = e.simplify(expr)
	e.flags[f] = expr
	e.recordWrite(flagNames[f], WidthBool, expr)
}

func (e *Executor) recordRead(name string, width uint, expr Expr) {
	if e.cur == nil {
		return
	}
	for _, r := range e.cur.ReadRegisters {
		if r.Name == name {
			return
		}
	}
	e.cur.ReadRegisters = append(e.cur.ReadRegisters, RegisterAccess{
		Name:  name,
		Size:  int((width + 7) / 8),
		Expr:  expr,
		Value: e.Evaluate(expr),
	})
}

func (e *Executor) recordWrite(name string, width uint, expr Expr) {
	if e.cur == nil {
		return
	}
	access := RegisterAccess{
		Name:  name,
		Size:  int((width + 7) / 8),
		Expr:  expr,
		Value: e.Evaluate(expr),
	}
	for i, r := range e.cur.WrittenRegisters {
		if r.Name == name {
			e.cur.WrittenRegisters[i] = access
			return
		}
	}
	e.cur.WrittenRegisters = append(e.cur.WrittenRegisters, access)
}

// load reads size bytes at addr and records the access.
func (e *Executor) load(addr uint64, size int) (Expr, error) {
	expr, err := e.MemoryExpr(addr, size)
	if err != nil {
		return nil, err
	}
	if e.cur != nil {
		e.cur.Loads = append(e.cur.Loads, MemoryAccess{Address: addr, Size: size, Expr: expr})
	}
	return expr, nil
}

// store writes expr at addr and records the access.
func (e *Executor) store(addr uint64, expr Expr) {
	e.storeMemory(addr, expr)
	if e.cur != nil {
		e.cur.Stores = append(e.cur.Stores, MemoryAccess{Address: addr, Size: int(ExprWidth(expr) / 8), Expr: expr})
	}
}
