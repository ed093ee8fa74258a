package ilqr

import (
	"math"

	"github.com/san-kum/trajopt/internal/ocp"
	"gonum.org/v1/gonum/mat"
)

// auglagCost decorates a stage cost with the augmented-Lagrangian term
// for bound inequalities:
//
//	l_aug = l + mu'*viol + (rho/2)*|viol|^2
//
// where viol collects the positive parts [x - x_ub]+ and [x_lb - x]+
// (and the input analogues). Equality bounds (lb == ub) are not
// penalized here; the backward pass injects them as exact constraints.
type auglagCost struct {
	base ocp.Cost
	rho  float64

	xlb, xub, ulb, uub mat.Vector

	muXLo, muXHi *mat.VecDense
	muULo, muUHi *mat.VecDense

	terminal bool
}

func newAuglagCost(nx, nu int, xlb, xub, ulb, uub mat.Vector, rho float64, terminal bool) *auglagCost {
	return &auglagCost{
		rho:      rho,
		xlb:      xlb,
		xub:      xub,
		ulb:      ulb,
		uub:      uub,
		muXLo:    mat.NewVecDense(nx, nil),
		muXHi:    mat.NewVecDense(nx, nil),
		muULo:    mat.NewVecDense(nu, nil),
		muUHi:    mat.NewVecDense(nu, nil),
		terminal: terminal,
	}
}

func (a *auglagCost) Evaluate(x, u mat.Vector) (float64, error) {
	l, err := a.base.Evaluate(x, u)
	if err != nil {
		return 0, err
	}
	for i := 0; i < x.Len(); i++ {
		if a.xlb.AtVec(i) == a.xub.AtVec(i) {
			continue
		}
		l += penaltyValue(x.AtVec(i), a.xlb.AtVec(i), a.xub.AtVec(i),
			a.muXLo.AtVec(i), a.muXHi.AtVec(i), a.rho)
	}
	if !a.terminal {
		for i := 0; i < u.Len(); i++ {
			if a.ulb.AtVec(i) == a.uub.AtVec(i) {
				continue
			}
			l += penaltyValue(u.AtVec(i), a.ulb.AtVec(i), a.uub.AtVec(i),
				a.muULo.AtVec(i), a.muUHi.AtVec(i), a.rho)
		}
	}
	return l, nil
}

func (a *auglagCost) Quadratize(x, u mat.Vector, q, r *mat.VecDense, Q, R, P *mat.Dense) error {
	if err := a.base.Quadratize(x, u, q, r, Q, R, P); err != nil {
		return err
	}
	for i := 0; i < x.Len(); i++ {
		if a.xlb.AtVec(i) == a.xub.AtVec(i) {
			continue
		}
		g, h := penaltyDeriv(x.AtVec(i), a.xlb.AtVec(i), a.xub.AtVec(i),
			a.muXLo.AtVec(i), a.muXHi.AtVec(i), a.rho)
		q.SetVec(i, q.AtVec(i)+g)
		Q.Set(i, i, Q.At(i, i)+h)
	}
	if !a.terminal {
		for i := 0; i < u.Len(); i++ {
			if a.ulb.AtVec(i) == a.uub.AtVec(i) {
				continue
			}
			g, h := penaltyDeriv(u.AtVec(i), a.ulb.AtVec(i), a.uub.AtVec(i),
				a.muULo.AtVec(i), a.muUHi.AtVec(i), a.rho)
			r.SetVec(i, r.AtVec(i)+g)
			R.Set(i, i, R.At(i, i)+h)
		}
	}
	return nil
}

// updateMultipliers runs the first-order multiplier update at the
// current point, clamping at zero.
func (a *auglagCost) updateMultipliers(x, u mat.Vector) {
	for i := 0; i < x.Len(); i++ {
		if a.xlb.AtVec(i) == a.xub.AtVec(i) {
			continue
		}
		a.muXHi.SetVec(i, clampMultiplier(a.muXHi.AtVec(i)+a.rho*(x.AtVec(i)-a.xub.AtVec(i))))
		a.muXLo.SetVec(i, clampMultiplier(a.muXLo.AtVec(i)+a.rho*(a.xlb.AtVec(i)-x.AtVec(i))))
	}
	if a.terminal {
		return
	}
	for i := 0; i < u.Len(); i++ {
		if a.ulb.AtVec(i) == a.uub.AtVec(i) {
			continue
		}
		a.muUHi.SetVec(i, clampMultiplier(a.muUHi.AtVec(i)+a.rho*(u.AtVec(i)-a.uub.AtVec(i))))
		a.muULo.SetVec(i, clampMultiplier(a.muULo.AtVec(i)+a.rho*(a.ulb.AtVec(i)-u.AtVec(i))))
	}
}

// multiplierNorm is the l1 norm of the current multiplier estimates.
func (a *auglagCost) multiplierNorm() float64 {
	sum := l1NormVec(a.muXLo) + l1NormVec(a.muXHi)
	if !a.terminal {
		sum += l1NormVec(a.muULo) + l1NormVec(a.muUHi)
	}
	return sum
}

func penaltyValue(v, lb, ub, muLo, muHi, rho float64) float64 {
	val := 0.0
	if up := v - ub; up > 0 {
		val += muHi*up + 0.5*rho*up*up
	}
	if lo := lb - v; lo > 0 {
		val += muLo*lo + 0.5*rho*lo*lo
	}
	return val
}

func penaltyDeriv(v, lb, ub, muLo, muHi, rho float64) (grad, hess float64) {
	if up := v - ub; up > 0 {
		grad += muHi + rho*up
		hess += rho
	}
	if lo := lb - v; lo > 0 {
		grad -= muLo + rho*lo
		hess += rho
	}
	return grad, hess
}

func clampMultiplier(mu float64) float64 {
	if mu < 0 || math.IsNaN(mu) {
		return 0
	}
	return mu
}
