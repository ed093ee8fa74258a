package ocp

import (
	"math"

	"gonum.org/v1/gonum/mat"
)

// cubeEps is the relative step for central differences, eps^(1/3).
var cubeEps = math.Pow(math.Nextafter(1, 2)-1, 1.0/3.0)

// fdStep picks an absolute central-difference step for coordinate value v.
func fdStep(v float64) float64 {
	return math.Copysign(cubeEps, v) * math.Max(1.0, math.Abs(v))
}

// numJac approximates Jacobians of a vector map g(x, u) by central
// differences. Scratch buffers are reused across calls, so a numJac must
// not be shared between goroutines.
type numJac struct {
	m        int
	xp, up   *mat.VecDense
	flo, fhi *mat.VecDense
}

func newNumJac(nx, nu, m int) *numJac {
	return &numJac{
		m:   m,
		xp:  mat.NewVecDense(nx, nil),
		up:  mat.NewVecDense(nu, nil),
		flo: mat.NewVecDense(m, nil),
		fhi: mat.NewVecDense(m, nil),
	}
}

// jacX writes dg/dx into A (m by nx).
func (j *numJac) jacX(g func(x, u mat.Vector, out *mat.VecDense) error, x, u mat.Vector, A *mat.Dense) error {
	j.xp.CopyVec(x)
	for i := 0; i < x.Len(); i++ {
		v := x.AtVec(i)
		h := fdStep(v)
		j.xp.SetVec(i, v-h)
		if err := g(j.xp, u, j.flo); err != nil {
			return err
		}
		j.xp.SetVec(i, v+h)
		if err := g(j.xp, u, j.fhi); err != nil {
			return err
		}
		j.xp.SetVec(i, v)
		inv := 1.0 / (2 * h)
		for k := 0; k < j.m; k++ {
			A.Set(k, i, (j.fhi.AtVec(k)-j.flo.AtVec(k))*inv)
		}
	}
	return nil
}

// jacU writes dg/du into B (m by nu).
func (j *numJac) jacU(g func(x, u mat.Vector, out *mat.VecDense) error, x, u mat.Vector, B *mat.Dense) error {
	j.up.CopyVec(u)
	for i := 0; i < u.Len(); i++ {
		v := u.AtVec(i)
		h := fdStep(v)
		j.up.SetVec(i, v-h)
		if err := g(x, j.up, j.flo); err != nil {
			return err
		}
		j.up.SetVec(i, v+h)
		if err := g(x, j.up, j.fhi); err != nil {
			return err
		}
		j.up.SetVec(i, v)
		inv := 1.0 / (2 * h)
		for k := 0; k < j.m; k++ {
			B.Set(k, i, (j.fhi.AtVec(k)-j.flo.AtVec(k))*inv)
		}
	}
	return nil
}
