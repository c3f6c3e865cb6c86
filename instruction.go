package pimp

import (
	"fmt"
	"strings"

	"golang.org/x/arch/x86/x86asm"
)

// MaxInstructionSize is the largest encoded x86 instruction in bytes.
const MaxInstructionSize = 16

// Instruction represents a single decoded instruction and, once processed,
// the register and memory accesses it performed.
type Instruction struct {
	Address uint64
	Bytes   []byte
	Inst    x86asm.Inst

	// Set by Executor.Process().
	Symbolized       bool
	ReadRegisters    []RegisterAccess
	WrittenRegisters []RegisterAccess
	Loads            []MemoryAccess
	Stores           []MemoryAccess
	NextAddress      uint64
}

// RegisterAccess represents a register read or written by an instruction.
type RegisterAccess struct {
	Name  string
	Size  int // bytes
	Expr  Expr
	Value uint64
}

// MemoryAccess represents a memory load or store performed by an instruction.
type MemoryAccess struct {
	Address uint64
	Size    int // bytes
	Expr    Expr
}

// Size returns the encoded length of the instruction in bytes.
func (inst *Instruction) Size() int {
	return inst.Inst.Len
}

// Op returns the instruction opcode.
func (inst *Instruction) Op() x86asm.Op {
	return inst.Inst.Op
}

// IsHalt returns true if the instruction is HLT.
func (inst *Instruction) IsHalt() bool {
	return inst.Inst.Op == x86asm.HLT
}

// IsJump returns true if the instruction is an unconditional JMP.
func (inst *Instruction) IsJump() bool {
	return inst.Inst.Op == x86asm.JMP
}

// IsConditional returns true if the instruction is a conditional branch.
func (inst *Instruction) IsConditional() bool {
	return IsConditionalOp(inst.Inst.Op)
}

// IsControlFlow returns true if the instruction may transfer control somewhere
// other than the next instruction.
func (inst *Instruction) IsControlFlow() bool {
	switch inst.Inst.Op {
	case x86asm.JMP, x86asm.CALL, x86asm.RET:
		return true
	}
	return inst.IsConditional()
}

// Target returns the explicit relative branch target, if any.
func (inst *Instruction) Target() (uint64, bool) {
	if rel, ok := inst.Inst.Args[0].(x86asm.Rel); ok {
		return inst.Address + uint64(inst.Inst.Len) + uint64(int64(rel)), true
	}
	return 0, false
}

// Fallthrough returns the address of the next sequential instruction.
func (inst *Instruction) Fallthrough() uint64 {
	return inst.Address + uint64(inst.Inst.Len)
}

// SymbolizedRegisters returns the names of read registers carrying symbolic expressions.
func (inst *Instruction) SymbolizedRegisters() []string {
	var a []string
	for _, r := range inst.ReadRegisters {
		if IsSymbolized(r.Expr) {
			a = append(a, r.Name)
		}
	}
	return a
}

// String returns the address and Intel syntax disassembly of the instruction.
func (inst *Instruction) String() string {
	return fmt.Sprintf("0x%x: %s", inst.Address, strings.ToLower(x86asm.IntelSyntax(inst.Inst, inst.Address, nil)))
}

// conditionalOps is the set of conditional branch opcodes.
var conditionalOps = map[x86asm.Op]struct{}{
	x86asm.JAE:   {},
	x86asm.JA:    {},
	x86asm.JBE:   {},
	x86asm.JB:    {},
	x86asm.JCXZ:  {},
	x86asm.JECXZ: {},
	x86asm.JRCXZ: {},
	x86asm.JE:    {},
	x86asm.JGE:   {},
	x86asm.JG:    {},
	x86asm.JLE:   {},
	x86asm.JL:    {},
	x86asm.JNE:   {},
	x86asm.JNO:   {},
	x86asm.JNP:   {},
	x86asm.JNS:   {},
	x86asm.JO:    {},
	x86asm.JP:    {},
	x86asm.JS:    {},
}

// IsConditionalOp returns true if op is a conditional branch.
func IsConditionalOp(op x86asm.Op) bool {
	_, ok := conditionalOps[op]
	return ok
}
