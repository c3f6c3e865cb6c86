package pimp

import (
	"log"

	"github.com/pkg/errors"
)

// SolveAndApply asks the solver for input values satisfying constraint and
// writes them into the memory cache. Returns false if the constraint is
// unsatisfiable, in which case the cache is unchanged.
func (s *Session) SolveAndApply(constraint Expr) (bool, error) {
	if err := s.ensureInit(); err != nil {
		return false, err
	}

	vars := FindVariables(constraint)
	if len(vars) == 0 {
		return s.exec.Evaluate(constraint) != 0, nil
	}

	ok, values, err := s.solver.Solve([]Expr{constraint}, vars)
	if err != nil {
		return false, errors.Wrap(err, "solve")
	} else if !ok {
		log.Printf("[session] solve: unsat vars=%d", len(vars))
		return false, nil
	}

	for i, v := range vars {
		if cur, ok := s.vars.Get(v.Address); !ok || cur != v {
			continue
		}
		if err := s.cache.ApplyModel(v.Address, byte(values[i])); err != nil {
			return false, err
		}
	}

	log.Printf("[session] solve: sat vars=%d", len(vars))
	return true, nil
}
