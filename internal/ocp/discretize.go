package ocp

import (
	"fmt"

	"gonum.org/v1/gonum/mat"
)

// VectorField is a continuous-time derivative dx/dt = f(x, u), written
// into dxdt.
type VectorField func(x, u mat.Vector, dxdt *mat.VecDense)

// Method selects the fixed-step integration scheme used by Discretized.
type Method int

const (
	Euler Method = iota
	RK4
)

func (m Method) String() string {
	switch m {
	case Euler:
		return "euler"
	case RK4:
		return "rk4"
	}
	return fmt.Sprintf("method(%d)", int(m))
}

// Discretized turns a continuous-time vector field into discrete
// dynamics by integrating over one interval of length Dt. Jacobians are
// obtained by central differences on the integrated step.
type Discretized struct {
	nx, nu int
	dt     float64
	field  VectorField
	method Method

	k1, k2, k3, k4 *mat.VecDense
	scratch        *mat.VecDense
	jac            *numJac
}

// NewDiscretized wraps field with an integrator of the given method and
// step dt.
func NewDiscretized(field VectorField, nx, nu int, dt float64, method Method) *Discretized {
	return &Discretized{
		nx:      nx,
		nu:      nu,
		dt:      dt,
		field:   field,
		method:  method,
		k1:      mat.NewVecDense(nx, nil),
		k2:      mat.NewVecDense(nx, nil),
		k3:      mat.NewVecDense(nx, nil),
		k4:      mat.NewVecDense(nx, nil),
		scratch: mat.NewVecDense(nx, nil),
		jac:     newNumJac(nx, nu, nx),
	}
}

func (d *Discretized) StateDim() int { return d.nx }
func (d *Discretized) InputDim() int { return d.nu }

func (d *Discretized) Step(x, u mat.Vector, next *mat.VecDense) error {
	if x.Len() != d.nx {
		return DimError("state", d.nx, x.Len())
	}
	if u.Len() != d.nu {
		return DimError("input", d.nu, u.Len())
	}
	switch d.method {
	case Euler:
		d.field(x, u, d.k1)
		next.CopyVec(x)
		next.AddScaledVec(next, d.dt, d.k1)
	case RK4:
		d.field(x, u, d.k1)

		d.scratch.CopyVec(x)
		d.scratch.AddScaledVec(d.scratch, 0.5*d.dt, d.k1)
		d.field(d.scratch, u, d.k2)

		d.scratch.CopyVec(x)
		d.scratch.AddScaledVec(d.scratch, 0.5*d.dt, d.k2)
		d.field(d.scratch, u, d.k3)

		d.scratch.CopyVec(x)
		d.scratch.AddScaledVec(d.scratch, d.dt, d.k3)
		d.field(d.scratch, u, d.k4)

		next.CopyVec(x)
		dt6 := d.dt / 6.0
		next.AddScaledVec(next, dt6, d.k1)
		next.AddScaledVec(next, 2*dt6, d.k2)
		next.AddScaledVec(next, 2*dt6, d.k3)
		next.AddScaledVec(next, dt6, d.k4)
	default:
		return fmt.Errorf("ocp: unknown integration method %v", d.method)
	}
	return nil
}

func (d *Discretized) Jacobians(x, u mat.Vector, A, B *mat.Dense) error {
	if err := d.jac.jacX(d.stepInto, x, u, A); err != nil {
		return err
	}
	return d.jac.jacU(d.stepInto, x, u, B)
}

func (d *Discretized) stepInto(x, u mat.Vector, out *mat.VecDense) error {
	return d.Step(x, u, out)
}
