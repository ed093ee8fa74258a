package ocp

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
)

func TestLTIStep(t *testing.T) {
	A := mat.NewDense(2, 2, []float64{1, 1, 0, 1})
	B := mat.NewDense(2, 1, []float64{0.5, 1})
	sys := NewLTI(A, B)

	x := mat.NewVecDense(2, []float64{1, 2})
	u := mat.NewVecDense(1, []float64{3})
	next := mat.NewVecDense(2, nil)

	require.NoError(t, sys.Step(x, u, next))
	assert.InDelta(t, 4.5, next.AtVec(0), 1e-15)
	assert.InDelta(t, 5.0, next.AtVec(1), 1e-15)
}

func TestLTIStepDimensionMismatch(t *testing.T) {
	sys := NewLTI(mat.NewDense(2, 2, nil), mat.NewDense(2, 1, nil))
	x := mat.NewVecDense(3, nil)
	u := mat.NewVecDense(1, nil)
	err := sys.Step(x, u, mat.NewVecDense(2, nil))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrDimension)
}

func TestLTIJacobians(t *testing.T) {
	A := mat.NewDense(2, 2, []float64{1, 1, 0, 1})
	B := mat.NewDense(2, 1, []float64{0.5, 1})
	sys := NewLTI(A, B)

	Aout := mat.NewDense(2, 2, nil)
	Bout := mat.NewDense(2, 1, nil)
	require.NoError(t, sys.Jacobians(mat.NewVecDense(2, nil), mat.NewVecDense(1, nil), Aout, Bout))
	assert.True(t, mat.Equal(A, Aout))
	assert.True(t, mat.Equal(B, Bout))
}

func TestQuadraticEvaluate(t *testing.T) {
	W := mat.NewDense(2, 2, []float64{1, 0, 0, 1})
	V := mat.NewDense(1, 1, []float64{2})
	cost := NewQuadratic(W, V)

	x := mat.NewVecDense(2, []float64{3, 4})
	u := mat.NewVecDense(1, []float64{1})

	l, err := cost.Evaluate(x, u)
	require.NoError(t, err)
	assert.InDelta(t, 0.5*(9+16)+0.5*2, l, 1e-15)
}

func TestQuadraticQuadratize(t *testing.T) {
	W := mat.NewDense(2, 2, []float64{2, 0, 0, 2})
	V := mat.NewDense(1, 1, []float64{4})
	xref := mat.NewVecDense(2, []float64{1, 0})
	cost := NewQuadraticTarget(W, V, xref)

	x := mat.NewVecDense(2, []float64{2, 1})
	u := mat.NewVecDense(1, []float64{0.5})

	q := mat.NewVecDense(2, nil)
	r := mat.NewVecDense(1, nil)
	Q := mat.NewDense(2, 2, nil)
	R := mat.NewDense(1, 1, nil)
	P := mat.NewDense(1, 2, nil)
	require.NoError(t, cost.Quadratize(x, u, q, r, Q, R, P))

	assert.InDelta(t, 2.0, q.AtVec(0), 1e-15)
	assert.InDelta(t, 2.0, q.AtVec(1), 1e-15)
	assert.InDelta(t, 2.0, r.AtVec(0), 1e-15)
	assert.True(t, mat.Equal(W, Q))
	assert.True(t, mat.Equal(V, R))
	assert.InDelta(t, 0.0, P.At(0, 0), 1e-15)
}

func TestTerminalStateConstraint(t *testing.T) {
	target := mat.NewVecDense(2, []float64{1, -1})
	con := NewTerminalState(target)
	require.Equal(t, 2, con.Dim())

	x := mat.NewVecDense(2, []float64{3, 0})
	u := mat.NewVecDense(1, nil)

	h := mat.NewVecDense(2, nil)
	require.NoError(t, con.Evaluate(x, u, h))
	assert.InDelta(t, 2.0, h.AtVec(0), 1e-15)
	assert.InDelta(t, 1.0, h.AtVec(1), 1e-15)

	C := mat.NewDense(2, 2, nil)
	D := mat.NewDense(2, 1, nil)
	require.NoError(t, con.Linearize(x, u, C, D))
	assert.InDelta(t, 1.0, C.At(0, 0), 1e-15)
	assert.InDelta(t, 0.0, D.At(1, 0), 1e-15)
}
