package pimp_test

import (
	"testing"

	"github.com/benbjohnson/pimp"
	"github.com/google/go-cmp/cmp"
)

// NewVar returns an expression for an 8-bit variable with the given id.
func NewVar(id uint64) *pimp.VariableExpr {
	return pimp.NewVariableExpr(&pimp.Variable{ID: id, Width: pimp.Width8, Address: 0x2000 + id})
}

func Const(value uint64, width uint) *pimp.ConstantExpr {
	return pimp.NewConstantExpr(value, width)
}

func TestExprWidth(t *testing.T) {
	x := NewVar(0)
	for _, tt := range []struct {
		name  string
		expr  pimp.Expr
		width uint
	}{
		{"ConstantExpr", Const(0, 16), 16},
		{"VariableExpr", x, 8},
		{"ConcatExpr", &pimp.ConcatExpr{MSB: x, LSB: Const(0, 16)}, 24},
		{"ExtractExpr", &pimp.ExtractExpr{Expr: Const(0, 32), Offset: 8, Width: 16}, 16},
		{"NotExpr", &pimp.NotExpr{Expr: x}, 8},
		{"CastExpr", &pimp.CastExpr{Src: x, Width: 64}, 64},
		{"BinaryExpr/Bool", &pimp.BinaryExpr{Op: pimp.ULT, LHS: x, RHS: x}, 1},
		{"BinaryExpr/NonBool", &pimp.BinaryExpr{Op: pimp.ADD, LHS: x, RHS: x}, 8},
	} {
		t.Run(tt.name, func(t *testing.T) {
			if w := pimp.ExprWidth(tt.expr); w != tt.width {
				t.Fatalf("unexpected width: %d", w)
			}
		})
	}
}

func TestBinaryOp_String(t *testing.T) {
	t.Run("Known", func(t *testing.T) {
		if s := pimp.ASHR.String(); s != "ashr" {
			t.Fatalf("unexpected string: %s", s)
		}
	})
	t.Run("Unknown", func(t *testing.T) {
		if s := pimp.BinaryOp(1000).String(); s != "BinaryOp<1000>" {
			t.Fatalf("unexpected string: %s", s)
		}
	})
}

func TestNewBinaryExpr(t *testing.T) {
	x, y := NewVar(0), NewVar(1)

	for _, tt := range []struct {
		name string
		expr pimp.Expr
		want pimp.Expr
	}{
		{"Add/Constant", pimp.NewBinaryExpr(pimp.ADD, Const(0xff, 8), Const(2, 8)), Const(1, 8)},
		{"Add/Zero", pimp.NewBinaryExpr(pimp.ADD, x, Const(0, 8)), x},
		{"Add/Reassociate", pimp.NewBinaryExpr(pimp.ADD, Const(3, 8), pimp.NewBinaryExpr(pimp.ADD, x, Const(2, 8))),
			&pimp.BinaryExpr{Op: pimp.ADD, LHS: Const(5, 8), RHS: x}},
		{"Add/Bool", pimp.NewBinaryExpr(pimp.ADD, pimp.NewBoolConstantExpr(true), pimp.NewBoolConstantExpr(true)), Const(0, 1)},
		{"Sub/Self", pimp.NewBinaryExpr(pimp.SUB, x, x), Const(0, 8)},
		{"Sub/Constant", pimp.NewBinaryExpr(pimp.SUB, x, Const(1, 8)), &pimp.BinaryExpr{Op: pimp.ADD, LHS: Const(0xff, 8), RHS: x}},
		{"Sub/Symbolic", pimp.NewBinaryExpr(pimp.SUB, x, y), &pimp.BinaryExpr{Op: pimp.SUB, LHS: x, RHS: y}},
		{"Mul/One", pimp.NewBinaryExpr(pimp.MUL, x, Const(1, 8)), x},
		{"Mul/Zero", pimp.NewBinaryExpr(pimp.MUL, x, Const(0, 8)), Const(0, 8)},
		{"Mul/Constant", pimp.NewBinaryExpr(pimp.MUL, Const(0x10, 8), Const(0x11, 8)), Const(0x10, 8)},
		{"UDiv", pimp.NewBinaryExpr(pimp.UDIV, Const(0xfe, 8), Const(2, 8)), Const(0x7f, 8)},
		{"SDiv", pimp.NewBinaryExpr(pimp.SDIV, Const(0xfe, 8), Const(2, 8)), Const(0xff, 8)},
		{"URem", pimp.NewBinaryExpr(pimp.UREM, Const(7, 8), Const(3, 8)), Const(1, 8)},
		{"And/AllOnes", pimp.NewBinaryExpr(pimp.AND, Const(0xff, 8), x), x},
		{"And/Zero", pimp.NewBinaryExpr(pimp.AND, x, Const(0, 8)), Const(0, 8)},
		{"And/Self", pimp.NewBinaryExpr(pimp.AND, x, x), x},
		{"Or/AllOnes", pimp.NewBinaryExpr(pimp.OR, x, Const(0xff, 8)), Const(0xff, 8)},
		{"Or/Zero", pimp.NewBinaryExpr(pimp.OR, Const(0, 8), x), x},
		{"Xor/Self", pimp.NewBinaryExpr(pimp.XOR, x, x), Const(0, 8)},
		{"Xor/Zero", pimp.NewBinaryExpr(pimp.XOR, x, Const(0, 8)), x},
		{"Shl/Constant", pimp.NewBinaryExpr(pimp.SHL, Const(0x81, 8), Const(1, 8)), Const(0x02, 8)},
		{"Shl/Zero", pimp.NewBinaryExpr(pimp.SHL, x, Const(0, 8)), x},
		{"AShr/Constant", pimp.NewBinaryExpr(pimp.ASHR, Const(0x80, 8), Const(3, 8)), Const(0xf0, 8)},
		{"LShr/Constant", pimp.NewBinaryExpr(pimp.LSHR, Const(0x80, 8), Const(3, 8)), Const(0x10, 8)},
	} {
		t.Run(tt.name, func(t *testing.T) {
			if diff := cmp.Diff(tt.want, tt.expr); diff != "" {
				t.Fatal(diff)
			}
		})
	}
}

func TestNewBinaryExpr_Compare(t *testing.T) {
	x := NewVar(0)
	eq := &pimp.BinaryExpr{Op: pimp.EQ, LHS: Const(0x41, 8), RHS: x}

	for _, tt := range []struct {
		name string
		expr pimp.Expr
		want pimp.Expr
	}{
		{"Eq/Constant", pimp.NewBinaryExpr(pimp.EQ, Const(1, 8), Const(1, 8)), pimp.NewBoolConstantExpr(true)},
		{"Eq/Self", pimp.NewBinaryExpr(pimp.EQ, x, x), pimp.NewBoolConstantExpr(true)},
		{"Eq/ConstantOnLeft", pimp.NewBinaryExpr(pimp.EQ, x, Const(0x41, 8)), eq},
		{"Eq/Add", pimp.NewBinaryExpr(pimp.EQ, Const(0, 8), pimp.NewBinaryExpr(pimp.SUB, x, Const(0x41, 8))), eq},
		{"Eq/ZeroExtend", pimp.NewBinaryExpr(pimp.EQ, Const(0x41, 32), pimp.NewCastExpr(x, 32, false)), eq},
		{"Eq/ZeroExtend/OutOfRange", pimp.NewBinaryExpr(pimp.EQ, Const(0x141, 32), pimp.NewCastExpr(x, 32, false)), pimp.NewBoolConstantExpr(false)},
		{"Eq/SignExtend", pimp.NewBinaryExpr(pimp.EQ, Const(0xffffff81, 32), pimp.NewCastExpr(x, 32, true)),
			&pimp.BinaryExpr{Op: pimp.EQ, LHS: Const(0x81, 8), RHS: x}},
		{"Eq/True", pimp.NewBinaryExpr(pimp.EQ, pimp.NewBoolConstantExpr(true), eq), eq},
		{"Ne", pimp.NewBinaryExpr(pimp.NE, x, Const(0x41, 8)),
			&pimp.BinaryExpr{Op: pimp.EQ, LHS: pimp.NewBoolConstantExpr(false), RHS: eq}},
		{"BoolNot/DoubleNegation", pimp.NewBoolNotExpr(pimp.NewBinaryExpr(pimp.NE, x, Const(0x41, 8))), eq},
		{"Ugt/Reverse", pimp.NewBinaryExpr(pimp.UGT, x, Const(5, 8)), &pimp.BinaryExpr{Op: pimp.ULT, LHS: Const(5, 8), RHS: x}},
		{"Uge/Reverse", pimp.NewBinaryExpr(pimp.UGE, x, Const(5, 8)), &pimp.BinaryExpr{Op: pimp.ULE, LHS: Const(5, 8), RHS: x}},
		{"Sgt/Reverse", pimp.NewBinaryExpr(pimp.SGT, x, Const(5, 8)), &pimp.BinaryExpr{Op: pimp.SLT, LHS: Const(5, 8), RHS: x}},
		{"Sge/Reverse", pimp.NewBinaryExpr(pimp.SGE, x, Const(5, 8)), &pimp.BinaryExpr{Op: pimp.SLE, LHS: Const(5, 8), RHS: x}},
		{"Ult/Constant", pimp.NewBinaryExpr(pimp.ULT, Const(1, 8), Const(0xff, 8)), pimp.NewBoolConstantExpr(true)},
		{"Slt/Constant", pimp.NewBinaryExpr(pimp.SLT, Const(1, 8), Const(0xff, 8)), pimp.NewBoolConstantExpr(false)},
		{"Sle/Constant", pimp.NewBinaryExpr(pimp.SLE, Const(0x80, 8), Const(0x7f, 8)), pimp.NewBoolConstantExpr(true)},
	} {
		t.Run(tt.name, func(t *testing.T) {
			if diff := cmp.Diff(tt.want, tt.expr); diff != "" {
				t.Fatal(diff)
			}
		})
	}
}

func TestNewConcatExpr(t *testing.T) {
	x, y := NewVar(0), NewVar(1)

	t.Run("Constant", func(t *testing.T) {
		if diff := cmp.Diff(Const(0x1234, 16), pimp.NewConcatExpr(Const(0x12, 8), Const(0x34, 8))); diff != "" {
			t.Fatal(diff)
		}
	})
	t.Run("Symbolic", func(t *testing.T) {
		if diff := cmp.Diff(&pimp.ConcatExpr{MSB: x, LSB: y}, pimp.NewConcatExpr(x, y)); diff != "" {
			t.Fatal(diff)
		}
	})
	t.Run("ContiguousExtracts", func(t *testing.T) {
		sext := pimp.NewCastExpr(x, 32, true)
		expr := pimp.NewConcatExpr(pimp.NewExtractExpr(sext, 16, 8), pimp.NewExtractExpr(sext, 8, 8))
		if diff := cmp.Diff(&pimp.ExtractExpr{Expr: sext, Offset: 8, Width: 16}, expr); diff != "" {
			t.Fatal(diff)
		}
	})
}

func TestNewExtractExpr(t *testing.T) {
	x, y := NewVar(0), NewVar(1)
	xy := pimp.NewConcatExpr(x, y)

	for _, tt := range []struct {
		name string
		expr pimp.Expr
		want pimp.Expr
	}{
		{"Constant", pimp.NewExtractExpr(Const(0x12345678, 32), 8, 16), Const(0x3456, 16)},
		{"FullWidth", pimp.NewExtractExpr(xy, 0, 16), xy},
		{"ConcatMSB", pimp.NewExtractExpr(xy, 8, 8), x},
		{"ConcatLSB", pimp.NewExtractExpr(xy, 0, 8), y},
		{"ConcatSpan", pimp.NewExtractExpr(pimp.NewConcatExpr(xy, Const(0xab, 8)), 4, 8),
			&pimp.ConcatExpr{MSB: &pimp.ExtractExpr{Expr: y, Offset: 0, Width: 4}, LSB: Const(0xa, 4)}},
		{"Nested", pimp.NewExtractExpr(pimp.NewExtractExpr(pimp.NewCastExpr(xy, 64, true), 8, 32), 8, 16),
			&pimp.ExtractExpr{Expr: &pimp.CastExpr{Src: xy, Width: 64, Signed: true}, Offset: 16, Width: 16}},
		{"ZeroExtendSource", pimp.NewExtractExpr(pimp.NewCastExpr(x, 32, false), 0, 8), x},
		{"ZeroExtendHigh", pimp.NewExtractExpr(pimp.NewCastExpr(x, 32, false), 8, 16), Const(0, 16)},
	} {
		t.Run(tt.name, func(t *testing.T) {
			if diff := cmp.Diff(tt.want, tt.expr); diff != "" {
				t.Fatal(diff)
			}
		})
	}
}

func TestNewNotExpr(t *testing.T) {
	x := NewVar(0)
	t.Run("Constant", func(t *testing.T) {
		if diff := cmp.Diff(Const(0xf0, 8), pimp.NewNotExpr(Const(0x0f, 8))); diff != "" {
			t.Fatal(diff)
		}
	})
	t.Run("Double", func(t *testing.T) {
		if diff := cmp.Diff(x, pimp.NewNotExpr(pimp.NewNotExpr(x))); diff != "" {
			t.Fatal(diff)
		}
	})
}

func TestNewCastExpr(t *testing.T) {
	x := NewVar(0)
	for _, tt := range []struct {
		name string
		expr pimp.Expr
		want pimp.Expr
	}{
		{"Nop", pimp.NewCastExpr(x, 8, false), x},
		{"SignExtendConstant", pimp.NewCastExpr(Const(0x80, 8), 16, true), Const(0xff80, 16)},
		{"ZeroExtendConstant", pimp.NewCastExpr(Const(0x80, 8), 16, false), Const(0x80, 16)},
		{"Truncate", pimp.NewCastExpr(pimp.NewCastExpr(x, 32, false), 8, false), x},
		{"Symbolic", pimp.NewCastExpr(x, 64, true), &pimp.CastExpr{Src: x, Width: 64, Signed: true}},
	} {
		t.Run(tt.name, func(t *testing.T) {
			if diff := cmp.Diff(tt.want, tt.expr); diff != "" {
				t.Fatal(diff)
			}
		})
	}
}

func TestCompareExpr(t *testing.T) {
	x, y := NewVar(0), NewVar(1)
	for _, tt := range []struct {
		name string
		a, b pimp.Expr
		cmp  int
	}{
		{"Nil", nil, x, -1},
		{"SameConstant", Const(1, 8), Const(1, 8), 0},
		{"ConstantWidth", Const(1, 8), Const(1, 16), -1},
		{"ConstantValue", Const(2, 8), Const(1, 8), 1},
		{"Kind", Const(1, 8), x, -1},
		{"VariableID", y, x, 1},
		{"Binary", &pimp.BinaryExpr{Op: pimp.ADD, LHS: x, RHS: y}, &pimp.BinaryExpr{Op: pimp.ADD, LHS: x, RHS: y}, 0},
		{"BinaryOp", &pimp.BinaryExpr{Op: pimp.ADD, LHS: x, RHS: y}, &pimp.BinaryExpr{Op: pimp.SUB, LHS: x, RHS: y}, -1},
		{"Cast", &pimp.CastExpr{Src: x, Width: 16, Signed: true}, &pimp.CastExpr{Src: x, Width: 16}, -1},
	} {
		t.Run(tt.name, func(t *testing.T) {
			if got := pimp.CompareExpr(tt.a, tt.b); got != tt.cmp {
				t.Fatalf("unexpected comparison: %d", got)
			}
		})
	}
}

func TestFindVariables(t *testing.T) {
	x, y := NewVar(0), NewVar(1)
	expr := pimp.NewBinaryExpr(pimp.AND,
		pimp.NewBinaryExpr(pimp.ULT, y, x),
		pimp.NewBinaryExpr(pimp.EQ, x, Const(3, 8)),
	)

	if diff := cmp.Diff([]*pimp.Variable{x.Variable, y.Variable}, pimp.FindVariables(expr)); diff != "" {
		t.Fatal(diff)
	} else if vars := pimp.FindVariables(Const(1, 8)); len(vars) != 0 {
		t.Fatalf("unexpected variables: %v", vars)
	}
}

func TestIsSymbolized(t *testing.T) {
	x := NewVar(0)
	if pimp.IsSymbolized(nil) {
		t.Fatal("expected nil not to be symbolized")
	} else if pimp.IsSymbolized(Const(1, 8)) {
		t.Fatal("expected constant not to be symbolized")
	} else if !pimp.IsSymbolized(pimp.NewCastExpr(x, 32, false)) {
		t.Fatal("expected cast of variable to be symbolized")
	}
}

func TestExprEvaluator_Evaluate(t *testing.T) {
	x, y := NewVar(0), NewVar(1)

	t.Run("OK", func(t *testing.T) {
		// (zext(x) * 3) + concat(y, x)
		expr := pimp.NewBinaryExpr(pimp.ADD,
			pimp.NewBinaryExpr(pimp.MUL, pimp.NewCastExpr(x, 16, false), Const(3, 16)),
			pimp.NewConcatExpr(y, x),
		)
		c, err := pimp.NewExprEvaluator(map[uint64]uint64{0: 0x41, 1: 0x01}).Evaluate(expr)
		if err != nil {
			t.Fatal(err)
		} else if diff := cmp.Diff(Const(0xc3+0x0141, 16), c); diff != "" {
			t.Fatal(diff)
		}
	})

	t.Run("Compare", func(t *testing.T) {
		expr := pimp.NewBinaryExpr(pimp.SLT, x, Const(0, 8))
		c, err := pimp.NewExprEvaluator(map[uint64]uint64{0: 0x80}).Evaluate(expr)
		if err != nil {
			t.Fatal(err)
		} else if !c.IsTrue() {
			t.Fatalf("expected true: %s", c)
		}
	})

	t.Run("ErrUnboundVariable", func(t *testing.T) {
		if _, err := pimp.NewExprEvaluator(nil).Evaluate(pimp.NewNotExpr(x)); err == nil || err.Error() != "variable not bound: id=0" {
			t.Fatalf("unexpected error: %v", err)
		}
	})
}

func TestVariable_String(t *testing.T) {
	if s := (&pimp.Variable{ID: 12}).String(); s != "SymVar_12" {
		t.Fatalf("unexpected string: %s", s)
	}
}
