package ilqr

import (
	"math"

	"gonum.org/v1/gonum/mat"
)

// stageDynamics caches the linearization of the dynamics at one stage:
// A, B and the defect d = f(x_k, u_k) - x_{k+1}.
type stageDynamics struct {
	A, B *mat.Dense
	d    *mat.VecDense
}

func newStageDynamics(nx, nu int) stageDynamics {
	return stageDynamics{
		A: mat.NewDense(nx, nx, nil),
		B: mat.NewDense(nx, nu, nil),
		d: mat.NewVecDense(nx, nil),
	}
}

// stageCost caches the quadratization of the stage cost.
type stageCost struct {
	Q, R, P *mat.Dense
	q, r    *mat.VecDense
}

func newStageCost(nx, nu int) stageCost {
	return stageCost{
		Q: mat.NewDense(nx, nx, nil),
		R: mat.NewDense(nu, nu, nil),
		P: mat.NewDense(nu, nx, nil),
		q: mat.NewVecDense(nx, nil),
		r: mat.NewVecDense(nu, nil),
	}
}

// stageConstraint caches the linearization of the stage constraint
// C*dx + D*du + h = 0; dim is zero when no constraint is installed.
type stageConstraint struct {
	C, D *mat.Dense
	h    *mat.VecDense
	dim  int
}

// valueFunction is the quadratic cost-to-go 1/2 dx'S dx + s'dx.
type valueFunction struct {
	S *mat.Dense
	s *mat.VecDense
}

func newValueFunction(nx int) valueFunction {
	return valueFunction{
		S: mat.NewDense(nx, nx, nil),
		s: mat.NewVecDense(nx, nil),
	}
}

// policy is the per-stage feedback law du = L*dx + l with the
// multipliers of the feasible constraint set.
type policy struct {
	L   *mat.Dense
	l   *mat.VecDense
	lam *mat.VecDense
	nc  int
}

func newPolicy(nx, nu int) policy {
	p := policy{
		L:   mat.NewDense(nu, nx, nil),
		l:   mat.NewVecDense(nu, nil),
		lam: &mat.VecDense{},
	}
	// the feasible constraint count never exceeds nu
	reuseVec(p.lam, nu)
	return p
}

// temporaries is the per-stage scratch workspace. Everything is sized at
// construction (variable-row matrices by the constraint-to-go capacity)
// and reused through Reset/ReuseAs, so the backward and forward passes
// allocate nothing.
type temporaries struct {
	xnext *mat.VecDense

	sPlusSd *mat.VecDense
	SA      *mat.Dense
	hx      *mat.VecDense
	Hxx     *mat.Dense
	hu      *mat.VecDense
	Huu     *mat.Dense
	Hux     *mat.Dense

	kkt  *mat.Dense
	kx0  *mat.Dense
	uLam *mat.Dense

	Cf *mat.Dense
	Df *mat.Dense
	hf *mat.VecDense

	codQ *mat.Dense
	Cinf *mat.Dense
	hinf *mat.VecDense

	pC *mat.Dense
	pD *mat.Dense
	ph *mat.VecDense

	dx   *mat.VecDense
	ldx  *mat.VecDense
	huhu *mat.VecDense
}

func newTemporaries(nx, nu, capRows int) temporaries {
	t := temporaries{
		xnext:    mat.NewVecDense(nx, nil),
		sPlusSd:  mat.NewVecDense(nx, nil),
		SA:       mat.NewDense(nx, nx, nil),
		hx:       mat.NewVecDense(nx, nil),
		Hxx:      mat.NewDense(nx, nx, nil),
		hu:       mat.NewVecDense(nu, nil),
		Huu:      mat.NewDense(nu, nu, nil),
		Hux:      mat.NewDense(nu, nx, nil),
		kkt:      &mat.Dense{},
		kx0:      &mat.Dense{},
		uLam:     &mat.Dense{},
		Cf:       &mat.Dense{},
		Df:       &mat.Dense{},
		hf:       &mat.VecDense{},
		codQ:     &mat.Dense{},
		Cinf:     &mat.Dense{},
		hinf:     &mat.VecDense{},
		pC:       &mat.Dense{},
		pD:       &mat.Dense{},
		ph:       &mat.VecDense{},
		dx:   mat.NewVecDense(nx, nil),
		ldx:  mat.NewVecDense(nu, nil),
		huhu: mat.NewVecDense(nu, nil),
	}
	// warm the variable-size buffers to their largest shapes so the
	// backing slices are in place before the hot path runs
	reuseMat(t.kkt, nu+capRows, nu+capRows)
	reuseMat(t.kx0, nu+capRows, nx+1)
	reuseMat(t.uLam, nu+capRows, nx+1)
	reuseMat(t.Cf, nu, nx)
	reuseMat(t.Df, nu, nu)
	reuseVec(t.hf, nu)
	reuseMat(t.codQ, capRows, capRows)
	reuseMat(t.Cinf, capRows, nx)
	reuseVec(t.hinf, capRows)
	reuseMat(t.pC, capRows, nx)
	reuseMat(t.pD, capRows, nu)
	reuseVec(t.ph, capRows)
	return t
}

// reuseMat resizes m to r by c, zeroed, reusing the backing slice when
// its capacity allows.
func reuseMat(m *mat.Dense, r, c int) *mat.Dense {
	m.Reset()
	m.ReuseAs(r, c)
	return m
}

// reuseVec resizes v to n, zeroed, reusing the backing slice when its
// capacity allows.
func reuseVec(v *mat.VecDense, n int) *mat.VecDense {
	v.Reset()
	v.ReuseAsVec(n)
	return v
}

func allFiniteMat(m mat.Matrix) bool {
	r, c := m.Dims()
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			v := m.At(i, j)
			if math.IsNaN(v) || math.IsInf(v, 0) {
				return false
			}
		}
	}
	return true
}

func allFiniteVec(v mat.Vector) bool {
	for i := 0; i < v.Len(); i++ {
		x := v.AtVec(i)
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return false
		}
	}
	return true
}

// infNormVec is the max-abs entry of v.
func infNormVec(v mat.Vector) float64 {
	max := 0.0
	for i := 0; i < v.Len(); i++ {
		if a := math.Abs(v.AtVec(i)); a > max {
			max = a
		}
	}
	return max
}

// l1NormVec is the sum of absolute entries of v.
func l1NormVec(v mat.Vector) float64 {
	sum := 0.0
	for i := 0; i < v.Len(); i++ {
		sum += math.Abs(v.AtVec(i))
	}
	return sum
}
