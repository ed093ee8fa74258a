package ilqr

import (
	"fmt"

	"gonum.org/v1/gonum/mat"
)

// linearizeQuadratize refreshes every stage cache at the current
// trajectory: dynamics Jacobians and defects, cost quadratizations, and
// constraint linearizations. Runs once per outer iteration, before the
// backward pass.
func (s *Solver) linearizeQuadratize() error {
	for k := 0; k < s.N; k++ {
		x := s.X.ColView(k)
		u := s.U.ColView(k)
		xnext := s.X.ColView(k + 1)

		d := &s.dyn[k]
		t := &s.tmp[k]

		if err := s.dyns[k].Step(x, u, t.xnext); err != nil {
			return fmt.Errorf("%w: dynamics at stage %d: %v", ErrEvaluator, k, err)
		}
		d.d.SubVec(t.xnext, xnext)

		if err := s.dyns[k].Jacobians(x, u, d.A, d.B); err != nil {
			return fmt.Errorf("%w: dynamics jacobians at stage %d: %v", ErrEvaluator, k, err)
		}
		if !allFiniteVec(d.d) || !allFiniteMat(d.A) || !allFiniteMat(d.B) {
			return fmt.Errorf("%w: dynamics returned non-finite values at stage %d", ErrEvaluator, k)
		}

		if err := s.quadratizeCost(k, x, u); err != nil {
			return err
		}
		if err := s.linearizeConstraint(k, x, u); err != nil {
			return err
		}
	}

	// final cost and constraint are functions of the state only; the
	// input argument is passed through but unused
	xN := s.X.ColView(s.N)
	uLast := s.U.ColView(s.N - 1)
	if err := s.quadratizeCost(s.N, xN, uLast); err != nil {
		return err
	}
	return s.linearizeConstraint(s.N, xN, uLast)
}

func (s *Solver) quadratizeCost(k int, x, u mat.Vector) error {
	c := &s.cost[k]
	if err := s.effCost(k).Quadratize(x, u, c.q, c.r, c.Q, c.R, c.P); err != nil {
		return fmt.Errorf("%w: cost at stage %d: %v", ErrEvaluator, k, err)
	}
	if !allFiniteVec(c.q) || !allFiniteVec(c.r) || !allFiniteMat(c.Q) || !allFiniteMat(c.R) || !allFiniteMat(c.P) {
		return fmt.Errorf("%w: cost returned non-finite values at stage %d", ErrEvaluator, k)
	}
	return nil
}

func (s *Solver) linearizeConstraint(k int, x, u mat.Vector) error {
	fn := s.constrFns[k]
	if fn == nil {
		return nil
	}
	g := &s.constr[k]
	if err := fn.Evaluate(x, u, g.h); err != nil {
		return fmt.Errorf("%w: constraint at stage %d: %v", ErrEvaluator, k, err)
	}
	if err := fn.Linearize(x, u, g.C, g.D); err != nil {
		return fmt.Errorf("%w: constraint jacobians at stage %d: %v", ErrEvaluator, k, err)
	}
	if !allFiniteVec(g.h) || !allFiniteMat(g.C) || !allFiniteMat(g.D) {
		return fmt.Errorf("%w: constraint returned non-finite values at stage %d", ErrEvaluator, k)
	}
	return nil
}
