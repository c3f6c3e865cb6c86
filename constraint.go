package pimp

import (
	"log"

	"github.com/pkg/errors"
)

// BuildBranchConstraint returns the condition under which execution follows
// the recorded path up to the last visit of the conditional branch at addr
// and then goes to its target (take) or its fallthrough (!take).
func (s *Session) BuildBranchConstraint(addr uint64, take bool) (Expr, error) {
	expr, _, err := s.branchConstraint(addr, take)
	return expr, err
}

// branchConstraint also reports whether a visit of addr was recorded.
func (s *Session) branchConstraint(addr uint64, take bool) (expr Expr, found bool, err error) {
	if err := s.ensureInit(); err != nil {
		return nil, false, err
	}

	_, successor, err := s.successor(addr, take)
	if err != nil {
		return nil, false, err
	}

	pcs := s.exec.PathConstraints()
	steered := -1
	for i := len(pcs) - 1; i >= 0; i-- {
		if pcs[i].IsMultipleBranches() && pcs[i].Source() == addr {
			steered = i
			break
		}
	}

	n := len(pcs)
	if steered >= 0 {
		n = steered + 1
	}

	expr = NewBoolConstantExpr(true)
	for i := 0; i < n; i++ {
		pc := &pcs[i]
		if !pc.IsMultipleBranches() {
			continue
		}

		if i != steered {
			expr = NewBinaryExpr(AND, expr, pc.TakenPredicate())
			continue
		}
		for _, b := range pc.Branches {
			if b.Destination == successor {
				expr = NewBinaryExpr(AND, expr, b.Constraint)
			}
		}
	}

	log.Printf("[session] branch constraint: addr=0x%x take=%v visits=%d found=%v", addr, take, n, steered >= 0)
	return expr, steered >= 0, nil
}

// successor decodes the conditional branch at addr and returns the address
// execution continues at when the branch is taken or avoided.
func (s *Session) successor(addr uint64, take bool) (*Instruction, uint64, error) {
	inst, err := s.exec.Disassemble(addr)
	if err != nil {
		return nil, 0, err
	} else if !inst.IsConditional() {
		return nil, 0, errors.Wrapf(ErrNotConditional, "%s", inst)
	}

	if take {
		target, _ := inst.Target()
		return inst, target, nil
	}
	return inst, inst.Fallthrough(), nil
}
