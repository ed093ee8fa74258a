package ilqr

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

// forwardPass rolls out a candidate trajectory by applying the
// backward-pass policy scaled by alpha. The alpha*d term closes the
// multiple-shooting gaps proportionally to the step.
func (s *Solver) forwardPass(alpha float64) error {
	s.fp.accepted = false
	s.fp.alpha = alpha
	s.fp.stepLength = 0

	for i := 0; i < s.nx; i++ {
		s.fpX.Set(i, 0, s.X.At(i, 0)+s.dx0.AtVec(i))
	}

	for k := 0; k < s.N; k++ {
		d := &s.dyn[k]
		pol := &s.pol[k]
		t := &s.tmp[k]

		for i := 0; i < s.nx; i++ {
			t.dx.SetVec(i, s.fpX.At(i, k)-s.X.At(i, k))
		}

		l := t.huhu
		l.ScaleVec(alpha, pol.l)
		t.ldx.MulVec(pol.L, t.dx)
		for i := 0; i < s.nu; i++ {
			s.fpU.Set(i, k, s.U.At(i, k)+l.AtVec(i)+t.ldx.AtVec(i))
		}

		// dx_next = (A + B L) dx + B (alpha l) + alpha d
		t.xnext.MulVec(d.A, t.dx)
		t.sPlusSd.MulVec(d.B, t.ldx)
		t.xnext.AddVec(t.xnext, t.sPlusSd)
		t.sPlusSd.MulVec(d.B, l)
		t.xnext.AddVec(t.xnext, t.sPlusSd)
		t.xnext.AddScaledVec(t.xnext, alpha, d.d)
		for i := 0; i < s.nx; i++ {
			s.fpX.Set(i, k+1, s.X.At(i, k+1)+t.xnext.AtVec(i))
		}

		s.fp.stepLength += l1NormVec(l)
	}

	cost, defect, viol, bound, err := s.trajectoryMetrics(s.fpX, s.fpU)
	if err != nil {
		return err
	}
	s.fp.cost = cost
	s.fp.defect = defect
	s.fp.constrViol = viol
	s.fp.boundViol = bound
	return nil
}

// trajectoryMetrics evaluates cost, defect norm, constraint violation,
// and bound violation on the given trajectory, each normalized by the
// horizon length.
func (s *Solver) trajectoryMetrics(X, U *mat.Dense) (cost, defect, viol, bound float64, err error) {
	for k := 0; k < s.N; k++ {
		x := X.ColView(k)
		u := U.ColView(k)

		l, cerr := s.effCost(k).Evaluate(x, u)
		if cerr != nil {
			return 0, 0, 0, 0, fmt.Errorf("%w: cost at stage %d: %v", ErrEvaluator, k, cerr)
		}
		cost += l

		if fn := s.constrFns[k]; fn != nil {
			h := s.constr[k].h
			if cerr := fn.Evaluate(x, u, h); cerr != nil {
				return 0, 0, 0, 0, fmt.Errorf("%w: constraint at stage %d: %v", ErrEvaluator, k, cerr)
			}
			viol += l1NormVec(h)
		}

		t := &s.tmp[k]
		if cerr := s.dyns[k].Step(x, u, t.xnext); cerr != nil {
			return 0, 0, 0, 0, fmt.Errorf("%w: dynamics at stage %d: %v", ErrEvaluator, k, cerr)
		}
		for i := 0; i < s.nx; i++ {
			defect += math.Abs(t.xnext.AtVec(i) - X.At(i, k+1))
		}
	}

	xN := X.ColView(s.N)
	uLast := U.ColView(s.N - 1)
	l, cerr := s.effCost(s.N).Evaluate(xN, uLast)
	if cerr != nil {
		return 0, 0, 0, 0, fmt.Errorf("%w: final cost: %v", ErrEvaluator, cerr)
	}
	cost += l
	if fn := s.constrFns[s.N]; fn != nil {
		h := s.constr[s.N].h
		if cerr := fn.Evaluate(xN, uLast, h); cerr != nil {
			return 0, 0, 0, 0, fmt.Errorf("%w: final constraint: %v", ErrEvaluator, cerr)
		}
		viol += l1NormVec(h)
	}

	bound = s.boundViolation(X, U)

	n := float64(s.N)
	return cost / n, defect / n, viol / n, bound / n, nil
}

// boundViolation sums the positive parts of every bound violation.
func (s *Solver) boundViolation(X, U *mat.Dense) float64 {
	sum := 0.0
	for k := 0; k <= s.N; k++ {
		for i := 0; i < s.nx; i++ {
			if v := X.At(i, k) - s.xub.At(i, k); v > 0 {
				sum += v
			}
			if v := s.xlb.At(i, k) - X.At(i, k); v > 0 {
				sum += v
			}
		}
	}
	for k := 0; k < s.N; k++ {
		for i := 0; i < s.nu; i++ {
			if v := U.At(i, k) - s.uub.At(i, k); v > 0 {
				sum += v
			}
			if v := s.ulb.At(i, k) - U.At(i, k); v > 0 {
				sum += v
			}
		}
	}
	return sum
}

// computeMeritWeights estimates the largest multipliers at dx = 0: the
// co-state from the value function gradient, the constraint multipliers
// from the stage KKT solves. The safety factor keeps the merit weights
// strictly dominant (Nocedal & Wright, theorem 18.2).
func (s *Solver) computeMeritWeights() {
	lamXMax := 0.0
	lamGMax := 0.0
	for k := 0; k < s.N; k++ {
		if n := infNormVec(s.value[k].s); n > lamXMax {
			lamXMax = n
		}
		if s.pol[k].nc > 0 {
			if n := infNormVec(s.pol[k].lam); n > lamGMax {
				lamGMax = n
			}
		}
	}
	s.fp.muF = s.opt.MeritSafetyFactor * lamXMax
	s.fp.muC = s.opt.MeritSafetyFactor * lamGMax
}

// meritValue is m = J + mu_f*|D| + mu_c*|G|.
func (s *Solver) meritValue(cost, defect, viol float64) float64 {
	return cost + s.fp.muF*defect + s.fp.muC*viol
}

// meritSlope is the directional derivative of the merit function along
// the feedforward direction at alpha = 0.
func (s *Solver) meritSlope(defect, viol float64) float64 {
	der := 0.0
	for k := 0; k < s.N; k++ {
		der += mat.Dot(s.pol[k].l, s.tmp[k].hu)
	}
	return der - s.fp.muF*defect - s.fp.muC*viol
}

// lineSearch backtracks from alpha = 1 until the Armijo condition on
// the merit function holds. If no step qualifies above AlphaMin, the
// smallest candidate is accepted anyway and the result marked.
func (s *Solver) lineSearch(iter int) error {
	cost0, defect0, viol0, bound0, err := s.trajectoryMetrics(s.X, s.U)
	if err != nil {
		return err
	}

	s.computeMeritWeights()
	merit0 := s.meritValue(cost0, defect0, viol0)
	slope := s.meritSlope(defect0, viol0)

	if iter == 0 {
		s.fp = fpState{
			cost:       cost0,
			defect:     defect0,
			constrViol: viol0,
			boundViol:  bound0,
			merit:      merit0,
			meritDer:   slope,
			muF:        s.fp.muF,
			muC:        s.fp.muC,
		}
		s.report(iter, s.X, s.U)
	}

	alpha := 1.0
	accepted := false
	for alpha >= s.opt.AlphaMin {
		if err := s.forwardPass(alpha); err != nil {
			return err
		}
		s.fp.merit = s.meritValue(s.fp.cost, s.fp.defect, s.fp.constrViol)
		s.fp.meritDer = slope
		accepted = s.fp.merit <= merit0+s.opt.Armijo*alpha*slope
		s.fp.accepted = accepted
		s.report(iter, s.fpX, s.fpU)
		if accepted {
			break
		}
		alpha *= s.opt.StepReduction
	}

	if !accepted {
		s.fp.accepted = true
		s.report(iter, s.fpX, s.fpU)
	}

	s.X.Copy(s.fpX)
	s.U.Copy(s.fpU)
	s.stats = append(s.stats, s.statsRecord(iter))
	return nil
}

func (s *Solver) statsRecord(iter int) IterationStats {
	return IterationStats{
		Iter:            iter,
		Alpha:           s.fp.alpha,
		Cost:            s.fp.cost,
		DefectNorm:      s.fp.defect,
		ConstrViolation: s.fp.constrViol,
		BoundViolation:  s.fp.boundViol,
		Merit:           s.fp.merit,
		MeritDer:        s.fp.meritDer,
		StepLength:      s.fp.stepLength,
		HxxReg:          s.hxxReg,
		Rho:             s.rho,
		Accepted:        s.fp.accepted,
	}
}

func (s *Solver) report(iter int, X, U mat.Matrix) {
	if s.cb == nil {
		return
	}
	if !s.cb(X, U, s.statsRecord(iter)) {
		s.stopRequested = true
	}
}
