package ocp

import (
	"gonum.org/v1/gonum/mat"
)

// LTI is a linear time-invariant discrete dynamics map
//
//	x_next = A*x + B*u + c
//
// with exact Jacobians A and B. The affine term c may be nil.
type LTI struct {
	A, B *mat.Dense
	C    *mat.VecDense

	bu mat.VecDense
}

// NewLTI builds an LTI dynamics from A (nx by nx) and B (nx by nu).
func NewLTI(A, B *mat.Dense) *LTI {
	return &LTI{A: A, B: B}
}

func (s *LTI) StateDim() int { r, _ := s.A.Dims(); return r }
func (s *LTI) InputDim() int { _, c := s.B.Dims(); return c }

func (s *LTI) Step(x, u mat.Vector, next *mat.VecDense) error {
	nx := s.StateDim()
	if x.Len() != nx {
		return DimError("state", nx, x.Len())
	}
	if u.Len() != s.InputDim() {
		return DimError("input", s.InputDim(), u.Len())
	}
	next.MulVec(s.A, x)
	s.bu.Reset()
	s.bu.ReuseAsVec(nx)
	s.bu.MulVec(s.B, u)
	next.AddVec(next, &s.bu)
	if s.C != nil {
		next.AddVec(next, s.C)
	}
	return nil
}

func (s *LTI) Jacobians(x, u mat.Vector, A, B *mat.Dense) error {
	A.Copy(s.A)
	B.Copy(s.B)
	return nil
}

// Quadratic is the stage cost
//
//	l(x, u) = 1/2 (x - xref)' W (x - xref) + 1/2 (u - uref)' V (u - uref)
//
// with exact gradient and Hessian. W and V must be symmetric; xref and
// uref may be nil (zero reference).
type Quadratic struct {
	W, V       *mat.Dense
	Xref, Uref *mat.VecDense

	dx, du, wx, vu mat.VecDense
}

// NewQuadratic builds a quadratic cost from the state weight W (nx by nx)
// and input weight V (nu by nu).
func NewQuadratic(W, V *mat.Dense) *Quadratic {
	return &Quadratic{W: W, V: V}
}

// NewQuadraticTarget builds a quadratic cost penalizing distance from the
// given state target.
func NewQuadraticTarget(W, V *mat.Dense, xref *mat.VecDense) *Quadratic {
	return &Quadratic{W: W, V: V, Xref: xref}
}

func (c *Quadratic) deviations(x, u mat.Vector) (dx, du *mat.VecDense) {
	c.dx.Reset()
	c.dx.ReuseAsVec(x.Len())
	c.dx.CopyVec(x)
	if c.Xref != nil {
		c.dx.SubVec(&c.dx, c.Xref)
	}
	c.du.Reset()
	c.du.ReuseAsVec(u.Len())
	c.du.CopyVec(u)
	if c.Uref != nil {
		c.du.SubVec(&c.du, c.Uref)
	}
	return &c.dx, &c.du
}

func (c *Quadratic) Evaluate(x, u mat.Vector) (float64, error) {
	dx, du := c.deviations(x, u)
	c.wx.Reset()
	c.wx.ReuseAsVec(dx.Len())
	c.wx.MulVec(c.W, dx)
	c.vu.Reset()
	c.vu.ReuseAsVec(du.Len())
	c.vu.MulVec(c.V, du)
	return 0.5*mat.Dot(dx, &c.wx) + 0.5*mat.Dot(du, &c.vu), nil
}

func (c *Quadratic) Quadratize(x, u mat.Vector, q, r *mat.VecDense, Q, R, P *mat.Dense) error {
	dx, du := c.deviations(x, u)
	q.MulVec(c.W, dx)
	r.MulVec(c.V, du)
	Q.Copy(c.W)
	R.Copy(c.V)
	P.Zero()
	return nil
}

// LinearConstraint is the equality constraint
//
//	h(x, u) = C*x + D*u - b = 0.
//
// D may be nil for state-only constraints.
type LinearConstraint struct {
	C, D *mat.Dense
	B    *mat.VecDense

	du mat.VecDense
}

// NewLinearConstraint builds a linear equality constraint. b must have as
// many entries as C has rows.
func NewLinearConstraint(C, D *mat.Dense, b *mat.VecDense) *LinearConstraint {
	return &LinearConstraint{C: C, D: D, B: b}
}

// NewTerminalState builds the constraint x = target, typically installed
// as a final constraint.
func NewTerminalState(target *mat.VecDense) *LinearConstraint {
	nx := target.Len()
	C := mat.NewDense(nx, nx, nil)
	for i := 0; i < nx; i++ {
		C.Set(i, i, 1)
	}
	return &LinearConstraint{C: C, B: target}
}

func (g *LinearConstraint) Dim() int { r, _ := g.C.Dims(); return r }

func (g *LinearConstraint) Evaluate(x, u mat.Vector, h *mat.VecDense) error {
	h.MulVec(g.C, x)
	if g.D != nil {
		g.du.Reset()
		g.du.ReuseAsVec(h.Len())
		g.du.MulVec(g.D, u)
		h.AddVec(h, &g.du)
	}
	h.SubVec(h, g.B)
	return nil
}

func (g *LinearConstraint) Linearize(x, u mat.Vector, C, D *mat.Dense) error {
	C.Copy(g.C)
	if g.D != nil {
		D.Copy(g.D)
	} else {
		D.Zero()
	}
	return nil
}
