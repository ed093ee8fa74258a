// Package ocp defines the evaluator interfaces consumed by the iLQR
// engine: discrete-time dynamics, stage costs, and equality constraints,
// together with ready-made linear/quadratic implementations and a
// finite-difference fallback for missing derivatives.
package ocp

import (
	"errors"
	"fmt"

	"gonum.org/v1/gonum/mat"
)

// Domain errors for evaluator operations.
var (
	// ErrDimension indicates mismatched state/input dimensions.
	ErrDimension = errors.New("ocp: dimension mismatch")

	// ErrNonFinite indicates an evaluator produced NaN or Inf.
	ErrNonFinite = errors.New("ocp: evaluator returned non-finite value")
)

// Dynamics is a discrete-time dynamics map f(x, u) -> x_next with its
// Jacobians. Implementations must be pure and deterministic: repeated
// calls at the same (x, u) yield identical results.
type Dynamics interface {
	StateDim() int
	InputDim() int

	// Step writes f(x, u) into next.
	Step(x, u mat.Vector, next *mat.VecDense) error

	// Jacobians writes df/dx into A (nx by nx) and df/du into B (nx by nu).
	Jacobians(x, u mat.Vector, A, B *mat.Dense) error
}

// Cost is a twice-differentiable stage cost l(x, u).
type Cost interface {
	// Evaluate returns l(x, u).
	Evaluate(x, u mat.Vector) (float64, error)

	// Quadratize writes the gradients q = dl/dx, r = dl/du and the Hessian
	// blocks Q = d2l/dx2, R = d2l/du2, P = d2l/dudx at (x, u). A
	// Gauss-Newton approximation of the Hessian is acceptable.
	Quadratize(x, u mat.Vector, q, r *mat.VecDense, Q, R, P *mat.Dense) error
}

// Constraint is a differentiable equality constraint h(x, u) = 0 with
// m rows. A nil Constraint behaves as m = 0.
type Constraint interface {
	Dim() int

	// Evaluate writes h(x, u) into h.
	Evaluate(x, u mat.Vector, h *mat.VecDense) error

	// Linearize writes dh/dx into C (m by nx) and dh/du into D (m by nu).
	Linearize(x, u mat.Vector, C, D *mat.Dense) error
}

// DimError wraps ErrDimension with the offending sizes.
func DimError(what string, want, got int) error {
	return fmt.Errorf("%w: %s has %d entries, want %d", ErrDimension, what, got, want)
}
