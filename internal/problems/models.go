package problems

import (
	"math"

	"github.com/san-kum/trajopt/internal/ocp"
	"gonum.org/v1/gonum/mat"
)

func eye(n int) *mat.Dense {
	m := mat.NewDense(n, n, nil)
	for i := 0; i < n; i++ {
		m.Set(i, i, 1)
	}
	return m
}

func scaledEye(n int, v float64) *mat.Dense {
	m := mat.NewDense(n, n, nil)
	for i := 0; i < n; i++ {
		m.Set(i, i, v)
	}
	return m
}

// DoubleIntegrator is the LQR sanity problem: a discrete double
// integrator with quadratic state and input cost.
func DoubleIntegrator() *Problem {
	A := mat.NewDense(2, 2, []float64{1, 1, 0, 1})
	B := mat.NewDense(2, 1, []float64{0.5, 1})
	return &Problem{
		Name:             "double_integrator",
		Description:      "discrete double integrator with quadratic cost",
		Dynamics:         ocp.NewLTI(A, B),
		N:                20,
		X0:               mat.NewVecDense(2, []float64{1, 0}),
		IntermediateCost: ocp.NewQuadratic(eye(2), eye(1)),
		FinalCost:        ocp.NewQuadratic(eye(2), scaledEye(1, 0)),
		StateLabels:      []string{"pos", "vel"},
	}
}

// Pendulum is a torque-limited pendulum swing-up: drive the pendulum
// from hanging to upright with the input bounded via the augmented
// Lagrangian.
func Pendulum() *Problem {
	field := func(x, u mat.Vector, dxdt *mat.VecDense) {
		dxdt.SetVec(0, x.AtVec(1))
		dxdt.SetVec(1, math.Sin(x.AtVec(0))+u.AtVec(0))
	}
	target := mat.NewVecDense(2, []float64{math.Pi, 0})
	return &Problem{
		Name:             "pendulum",
		Description:      "pendulum swing-up with input bounds",
		Dynamics:         ocp.NewDiscretized(field, 2, 1, 0.05, ocp.RK4),
		N:                50,
		X0:               mat.NewVecDense(2, nil),
		IntermediateCost: ocp.NewQuadraticTarget(scaledEye(2, 0.1), scaledEye(1, 0.1), target),
		FinalCost:        ocp.NewQuadraticTarget(scaledEye(2, 100), scaledEye(1, 0), target),
		InputLower:       mat.NewVecDense(1, []float64{-5}),
		InputUpper:       mat.NewVecDense(1, []float64{5}),
		EnableAuglag:     true,
		StateLabels:      []string{"theta", "omega"},
	}
}

// CartPole is the cart-pole swing-up: a cart on a rail with a pole
// hinged on top; the input is the horizontal force on the cart.
func CartPole() *Problem {
	const (
		mc = 1.0  // cart mass
		mp = 0.1  // pole mass
		lp = 0.5  // pole half-length
		g  = 9.81 // gravity
	)
	field := func(x, u mat.Vector, dxdt *mat.VecDense) {
		theta := x.AtVec(2)
		dtheta := x.AtVec(3)
		f := u.AtVec(0)

		st, ct := math.Sin(theta), math.Cos(theta)
		den := mc + mp*st*st

		ddx := (f + mp*st*(lp*dtheta*dtheta+g*ct)) / den
		ddtheta := (-f*ct - mp*lp*dtheta*dtheta*ct*st - (mc+mp)*g*st) / (lp * den)

		dxdt.SetVec(0, x.AtVec(1))
		dxdt.SetVec(1, ddx)
		dxdt.SetVec(2, dtheta)
		dxdt.SetVec(3, ddtheta)
	}
	// upright is theta = pi in the hanging-angle convention used here
	target := mat.NewVecDense(4, []float64{0, 0, math.Pi, 0})
	return &Problem{
		Name:             "cartpole",
		Description:      "cart-pole swing-up",
		Dynamics:         ocp.NewDiscretized(field, 4, 1, 0.02, ocp.RK4),
		N:                100,
		X0:               mat.NewVecDense(4, nil),
		IntermediateCost: ocp.NewQuadraticTarget(scaledEye(4, 0.1), scaledEye(1, 0.05), target),
		FinalCost:        ocp.NewQuadraticTarget(scaledEye(4, 200), scaledEye(1, 0), target),
		InputLower:       mat.NewVecDense(1, []float64{-15}),
		InputUpper:       mat.NewVecDense(1, []float64{15}),
		EnableAuglag:     true,
		StateLabels:      []string{"x", "dx", "theta", "dtheta"},
	}
}
