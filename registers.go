package pimp

import (
	"strings"

	"golang.org/x/arch/x86/x86asm"
)

// Register file slots. General purpose registers follow the x86asm ordering.
const (
	slotRAX = iota
	slotRCX
	slotRDX
	slotRBX
	slotRSP
	slotRBP
	slotRSI
	slotRDI
	slotR8
	slotR9
	slotR10
	slotR11
	slotR12
	slotR13
	slotR14
	slotR15
	slotRIP
	slotN
)

// Flag indices.
const (
	flagCF = iota
	flagPF
	flagAF
	flagZF
	flagSF
	flagDF
	flagOF
	flagN
)

var flagNames = [flagN]string{
	flagCF: "cf",
	flagPF: "pf",
	flagAF: "af",
	flagZF: "zf",
	flagSF: "sf",
	flagDF: "df",
	flagOF: "of",
}

// flagBits maps flag indices to their bit position in EFLAGS.
var flagBits = [flagN]uint{
	flagCF: 0,
	flagPF: 2,
	flagAF: 4,
	flagZF: 6,
	flagSF: 7,
	flagDF: 10,
	flagOF: 11,
}

// regInfo describes the location of an architectural register within the register file.
type regInfo struct {
	slot   int
	offset uint
	width  uint
}

// lookupReg returns the register file location of r.
func lookupReg(r x86asm.Reg) (regInfo, bool) {
	switch {
	case r >= x86asm.AL && r <= x86asm.BL:
		return regInfo{slot: int(r - x86asm.AL), width: Width8}, true
	case r >= x86asm.AH && r <= x86asm.BH:
		return regInfo{slot: int(r - x86asm.AH), offset: 8, width: Width8}, true
	case r >= x86asm.SPB && r <= x86asm.DIB:
		return regInfo{slot: slotRSP + int(r-x86asm.SPB), width: Width8}, true
	case r >= x86asm.R8B && r <= x86asm.R15B:
		return regInfo{slot: slotR8 + int(r-x86asm.R8B), width: Width8}, true
	case r >= x86asm.AX && r <= x86asm.R15W:
		return regInfo{slot: int(r - x86asm.AX), width: Width16}, true
	case r >= x86asm.EAX && r <= x86asm.R15L:
		return regInfo{slot: int(r - x86asm.EAX), width: Width32}, true
	case r >= x86asm.RAX && r <= x86asm.R15:
		return regInfo{slot: int(r - x86asm.RAX), width: Width64}, true
	case r == x86asm.IP:
		return regInfo{slot: slotRIP, width: Width16}, true
	case r == x86asm.EIP:
		return regInfo{slot: slotRIP, width: Width32}, true
	case r == x86asm.RIP:
		return regInfo{slot: slotRIP, width: Width64}, true
	}
	return regInfo{}, false
}

// RegisterName returns the lowercase debugger name of r, e.g. "eax" or "r8d".
func RegisterName(r x86asm.Reg) string {
	switch r {
	case x86asm.SPB:
		return "spl"
	case x86asm.BPB:
		return "bpl"
	case x86asm.SIB:
		return "sil"
	case x86asm.DIB:
		return "dil"
	}
	name := strings.ToLower(r.String())
	if r >= x86asm.R8L && r <= x86asm.R15L {
		name = strings.TrimSuffix(name, "l") + "d"
	}
	return name
}

// registersByName maps debugger register names to x86asm registers.
var registersByName = func() map[string]x86asm.Reg {
	m := make(map[string]x86asm.Reg)
	for r := x86asm.AL; r <= x86asm.RIP; r++ {
		if _, ok := lookupReg(r); ok {
			m[RegisterName(r)] = r
		}
	}
	return m
}()

// pcReg returns the program counter register for the given bit width.
func pcReg(bits int) x86asm.Reg {
	if bits == 64 {
		return x86asm.RIP
	}
	return x86asm.EIP
}

// spReg returns the stack pointer register for the given bit width.
func spReg(bits int) x86asm.Reg {
	if bits == 64 {
		return x86asm.RSP
	}
	return x86asm.ESP
}

// segmentBases maps debugger base register names to their segment.
var segmentBases = map[string]x86asm.Reg{
	"fs_base": x86asm.FS,
	"gs_base": x86asm.GS,
}

// isFullRegister returns true if name is a register or flag that can be
// restored from a snapshot without clobbering a wider register.
func isFullRegister(name string, bits int) bool {
	switch name {
	case "eflags", "rflags", "flags", "fs_base", "gs_base":
		return true
	}
	for _, fname := range flagNames {
		if fname == name {
			return true
		}
	}
	r, ok := registersByName[name]
	if !ok {
		return false
	}
	info, _ := lookupReg(r)
	return info.width == uint(bits)
}
