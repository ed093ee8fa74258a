package ocp

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
)

// decay is dx/dt = -x, whose exact one-step map is x*exp(-dt).
func decay(x, u mat.Vector, dxdt *mat.VecDense) {
	dxdt.SetVec(0, -x.AtVec(0))
}

func TestDiscretizedRK4Accuracy(t *testing.T) {
	dt := 0.1
	sys := NewDiscretized(decay, 1, 1, dt, RK4)

	x := mat.NewVecDense(1, []float64{1})
	u := mat.NewVecDense(1, nil)
	next := mat.NewVecDense(1, nil)
	require.NoError(t, sys.Step(x, u, next))

	exact := math.Exp(-dt)
	assert.InDelta(t, exact, next.AtVec(0), 1e-8)
}

func TestDiscretizedEulerAccuracy(t *testing.T) {
	dt := 0.1
	sys := NewDiscretized(decay, 1, 1, dt, Euler)

	x := mat.NewVecDense(1, []float64{1})
	u := mat.NewVecDense(1, nil)
	next := mat.NewVecDense(1, nil)
	require.NoError(t, sys.Step(x, u, next))

	assert.InDelta(t, 1-dt, next.AtVec(0), 1e-15)
}

func TestDiscretizedJacobians(t *testing.T) {
	// pendulum field: dx/dt = [x2, sin(x1) + u]
	field := func(x, u mat.Vector, dxdt *mat.VecDense) {
		dxdt.SetVec(0, x.AtVec(1))
		dxdt.SetVec(1, math.Sin(x.AtVec(0))+u.AtVec(0))
	}
	dt := 0.05
	sys := NewDiscretized(field, 2, 1, dt, RK4)

	x := mat.NewVecDense(2, []float64{0.3, -0.2})
	u := mat.NewVecDense(1, []float64{0.7})

	A := mat.NewDense(2, 2, nil)
	B := mat.NewDense(2, 1, nil)
	require.NoError(t, sys.Jacobians(x, u, A, B))

	// central-difference Jacobian must satisfy the secant property
	next0 := mat.NewVecDense(2, nil)
	require.NoError(t, sys.Step(x, u, next0))

	eps := 1e-6
	for j := 0; j < 2; j++ {
		xp := mat.VecDenseCopyOf(x)
		xp.SetVec(j, x.AtVec(j)+eps)
		nextp := mat.NewVecDense(2, nil)
		require.NoError(t, sys.Step(xp, u, nextp))
		for i := 0; i < 2; i++ {
			fd := (nextp.AtVec(i) - next0.AtVec(i)) / eps
			assert.InDelta(t, fd, A.At(i, j), 1e-4, "A[%d,%d]", i, j)
		}
	}

	up := mat.VecDenseCopyOf(u)
	up.SetVec(0, u.AtVec(0)+eps)
	nextp := mat.NewVecDense(2, nil)
	require.NoError(t, sys.Step(x, up, nextp))
	for i := 0; i < 2; i++ {
		fd := (nextp.AtVec(i) - next0.AtVec(i)) / eps
		assert.InDelta(t, fd, B.At(i, 0), 1e-4, "B[%d,0]", i)
	}
}

func TestDiscretizedDeterministic(t *testing.T) {
	sys := NewDiscretized(decay, 1, 1, 0.1, RK4)
	x := mat.NewVecDense(1, []float64{2})
	u := mat.NewVecDense(1, nil)

	a := mat.NewVecDense(1, nil)
	b := mat.NewVecDense(1, nil)
	require.NoError(t, sys.Step(x, u, a))
	require.NoError(t, sys.Step(x, u, b))
	assert.Equal(t, a.AtVec(0), b.AtVec(0))
}
