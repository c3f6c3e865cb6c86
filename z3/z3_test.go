package z3_test

import (
	"testing"
	"time"

	"github.com/benbjohnson/pimp"
	"github.com/benbjohnson/pimp/z3"
	"github.com/google/go-cmp/cmp"
)

func TestSolver_Solve(t *testing.T) {
	t.Run("Constant", func(t *testing.T) {
		t.Run("True", func(t *testing.T) {
			s := z3.NewSolver()
			defer MustCloseSolver(s)
			if satisfiable, _, err := s.Solve([]pimp.Expr{pimp.NewBoolConstantExpr(true)}, nil); err != nil {
				t.Fatal(err)
			} else if !satisfiable {
				t.Fatal("expected satisfiable")
			}
		})
		t.Run("False", func(t *testing.T) {
			s := z3.NewSolver()
			defer MustCloseSolver(s)
			if satisfiable, _, err := s.Solve([]pimp.Expr{pimp.NewBoolConstantExpr(false)}, nil); err != nil {
				t.Fatal(err)
			} else if satisfiable {
				t.Fatal("expected unsatisfiable")
			}
		})
	})

	t.Run("Variable", func(t *testing.T) {
		t.Run("Width8", func(t *testing.T) {
			s := z3.NewSolver()
			defer MustCloseSolver(s)

			v := &pimp.Variable{ID: 0, Width: 8}
			if satisfiable, values, err := s.Solve(
				[]pimp.Expr{pimp.NewBinaryExpr(pimp.EQ, pimp.NewVariableExpr(v), pimp.NewConstantExpr(10, 8))},
				[]*pimp.Variable{v},
			); err != nil {
				t.Fatal(err)
			} else if !satisfiable {
				t.Fatal("expected satisfiable")
			} else if diff := cmp.Diff(values, []uint64{10}); diff != "" {
				t.Fatal(diff)
			}
		})

		t.Run("Concat", func(t *testing.T) {
			s := z3.NewSolver()
			defer MustCloseSolver(s)

			lo, hi := &pimp.Variable{ID: 0, Width: 8}, &pimp.Variable{ID: 1, Width: 8}
			if satisfiable, values, err := s.Solve(
				[]pimp.Expr{
					pimp.NewBinaryExpr(pimp.EQ,
						pimp.NewConcatExpr(pimp.NewVariableExpr(hi), pimp.NewVariableExpr(lo)),
						pimp.NewConstantExpr(0xAABB, 16),
					),
				},
				[]*pimp.Variable{lo, hi},
			); err != nil {
				t.Fatal(err)
			} else if !satisfiable {
				t.Fatal("expected satisfiable")
			} else if diff := cmp.Diff(values, []uint64{0xBB, 0xAA}); diff != "" {
				t.Fatal(diff)
			}
		})

		// Variables absent from the constraints are completed by the model.
		t.Run("Unconstrained", func(t *testing.T) {
			s := z3.NewSolver()
			defer MustCloseSolver(s)

			v := &pimp.Variable{ID: 7, Width: 8}
			if satisfiable, values, err := s.Solve([]pimp.Expr{pimp.NewBoolConstantExpr(true)}, []*pimp.Variable{v}); err != nil {
				t.Fatal(err)
			} else if !satisfiable {
				t.Fatal("expected satisfiable")
			} else if len(values) != 1 {
				t.Fatalf("unexpected values: %v", values)
			}
		})

		t.Run("Unsatisfiable", func(t *testing.T) {
			s := z3.NewSolver()
			defer MustCloseSolver(s)

			x := pimp.NewVariableExpr(&pimp.Variable{ID: 0, Width: 8})
			if satisfiable, _, err := s.Solve([]pimp.Expr{
				pimp.NewBinaryExpr(pimp.EQ, x, pimp.NewConstantExpr(1, 8)),
				pimp.NewBinaryExpr(pimp.EQ, x, pimp.NewConstantExpr(2, 8)),
			}, nil); err != nil {
				t.Fatal(err)
			} else if satisfiable {
				t.Fatal("expected unsatisfiable")
			}
		})
	})

	t.Run("Extract", func(t *testing.T) {
		t.Run("Bool", func(t *testing.T) {
			s := z3.NewSolver()
			defer MustCloseSolver(s)

			if satisfiable, _, err := s.Solve([]pimp.Expr{
				&pimp.ExtractExpr{Expr: pimp.NewConstantExpr(0x04, 64), Offset: 2, Width: 1},
			}, nil); err != nil {
				t.Fatal(err)
			} else if !satisfiable {
				t.Fatal("expected satisfiable")
			}

			if satisfiable, _, err := s.Solve([]pimp.Expr{
				&pimp.ExtractExpr{Expr: pimp.NewConstantExpr(0x04, 64), Offset: 6, Width: 1},
			}, nil); err != nil {
				t.Fatal(err)
			} else if satisfiable {
				t.Fatal("expected unsatisfiable")
			}
		})

		t.Run("Int", func(t *testing.T) {
			s := z3.NewSolver()
			defer MustCloseSolver(s)
			if satisfiable, _, err := s.Solve([]pimp.Expr{
				&pimp.BinaryExpr{
					Op:  pimp.EQ,
					LHS: &pimp.ExtractExpr{Expr: pimp.NewConstantExpr(0xAABB, 16), Offset: 8, Width: 8},
					RHS: pimp.NewConstantExpr(0xAA, 8),
				},
			}, nil); err != nil {
				t.Fatal(err)
			} else if !satisfiable {
				t.Fatal("expected satisfiable")
			}
		})
	})

	t.Run("Cast", func(t *testing.T) {
		t.Run("SignedBool", func(t *testing.T) {
			s := z3.NewSolver()
			defer MustCloseSolver(s)
			if satisfiable, _, err := s.Solve([]pimp.Expr{
				&pimp.BinaryExpr{
					Op:  pimp.EQ,
					LHS: &pimp.CastExpr{Src: pimp.NewBoolConstantExpr(true), Width: 16, Signed: true},
					RHS: pimp.NewConstantExpr(0xFFFF, 16),
				},
			}, nil); err != nil {
				t.Fatal(err)
			} else if !satisfiable {
				t.Fatal("expected satisfiable")
			}
		})

		t.Run("ZeroExtend", func(t *testing.T) {
			s := z3.NewSolver()
			defer MustCloseSolver(s)

			v := &pimp.Variable{ID: 0, Width: 8}
			if satisfiable, _, err := s.Solve([]pimp.Expr{
				&pimp.BinaryExpr{
					Op:  pimp.ULT,
					LHS: pimp.NewConstantExpr(0xFF, 32),
					RHS: &pimp.CastExpr{Src: pimp.NewVariableExpr(v), Width: 32},
				},
			}, []*pimp.Variable{v}); err != nil {
				t.Fatal(err)
			} else if satisfiable {
				t.Fatal("expected unsatisfiable")
			}
		})
	})

	// Mirrors the flag computation of "cmp al, 0x41; je".
	t.Run("ZeroFlag", func(t *testing.T) {
		s := z3.NewSolver()
		defer MustCloseSolver(s)

		v := &pimp.Variable{ID: 3, Width: 8}
		eax := pimp.NewCastExpr(pimp.NewVariableExpr(v), 32, false)
		al := pimp.NewExtractExpr(eax, 0, 8)
		zf := pimp.NewIsZeroExpr(pimp.NewBinaryExpr(pimp.SUB, al, pimp.NewConstantExpr(0x41, 8)))

		if satisfiable, values, err := s.Solve([]pimp.Expr{zf}, []*pimp.Variable{v}); err != nil {
			t.Fatal(err)
		} else if !satisfiable {
			t.Fatal("expected satisfiable")
		} else if diff := cmp.Diff(values, []uint64{0x41}); diff != "" {
			t.Fatal(diff)
		}
	})

	t.Run("Timeout", func(t *testing.T) {
		s := z3.NewSolver()
		s.Timeout = time.Second
		defer MustCloseSolver(s)

		v := &pimp.Variable{ID: 0, Width: 8}
		if satisfiable, values, err := s.Solve(
			[]pimp.Expr{pimp.NewBinaryExpr(pimp.SLT, pimp.NewVariableExpr(v), pimp.NewConstantExpr(0, 8))},
			[]*pimp.Variable{v},
		); err != nil {
			t.Fatal(err)
		} else if !satisfiable {
			t.Fatal("expected satisfiable")
		} else if values[0] < 0x80 {
			t.Fatalf("unexpected value: 0x%x", values[0])
		}
	})
}

func TestSolver_Stats(t *testing.T) {
	s := z3.NewSolver()
	defer MustCloseSolver(s)

	for i := 0; i < 3; i++ {
		if _, _, err := s.Solve([]pimp.Expr{pimp.NewBoolConstantExpr(true)}, nil); err != nil {
			t.Fatal(err)
		}
	}
	if n := s.Stats().SolveN; n != 3 {
		t.Fatalf("unexpected solve count: %d", n)
	}
}

// MustCloseSolver closes s. Panic on error.
func MustCloseSolver(s *z3.Solver) {
	if err := s.Close(); err != nil {
		panic(err)
	}
}
