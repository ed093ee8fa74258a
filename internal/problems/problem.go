// Package problems carries ready-made optimal-control problems used by
// the CLI and the test suite: a linear double integrator, a pendulum
// swing-up, and a cart-pole swing-up.
package problems

import (
	"fmt"
	"sort"

	"github.com/san-kum/trajopt/internal/ilqr"
	"github.com/san-kum/trajopt/internal/ocp"
	"gonum.org/v1/gonum/mat"
)

// Problem bundles everything needed to configure a solver: dynamics,
// costs, constraints, bounds, horizon, and the initial state.
type Problem struct {
	Name        string
	Description string

	Dynamics ocp.Dynamics
	N        int
	X0       *mat.VecDense

	IntermediateCost ocp.Cost
	FinalCost        ocp.Cost
	FinalConstraint  ocp.Constraint

	// InputLower/InputUpper are per-component input bounds applied
	// uniformly over the horizon; nil means unbounded.
	InputLower, InputUpper *mat.VecDense

	// EnableAuglag marks problems that need the augmented-Lagrangian
	// bound handling.
	EnableAuglag bool

	// StateLabels name the state components for plots.
	StateLabels []string
}

// Configure builds a solver for the problem with the given options.
func (p *Problem) Configure(opt ilqr.Options) (*ilqr.Solver, error) {
	if p.EnableAuglag {
		opt.EnableAuglag = true
	}
	s, err := ilqr.New(p.Dynamics, p.N, opt)
	if err != nil {
		return nil, err
	}
	if err := s.SetInitialState(p.X0); err != nil {
		return nil, err
	}
	if p.IntermediateCost != nil {
		for k := 0; k < p.N; k++ {
			if err := s.SetStageCost(k, p.IntermediateCost); err != nil {
				return nil, err
			}
		}
	}
	if p.FinalCost != nil {
		if err := s.SetFinalCost(p.FinalCost); err != nil {
			return nil, err
		}
	}
	if p.FinalConstraint != nil {
		if err := s.SetFinalConstraint(p.FinalConstraint); err != nil {
			return nil, err
		}
	}
	if p.InputLower != nil && p.InputUpper != nil {
		nu := p.Dynamics.InputDim()
		lb := mat.NewDense(nu, p.N, nil)
		ub := mat.NewDense(nu, p.N, nil)
		for k := 0; k < p.N; k++ {
			for i := 0; i < nu; i++ {
				lb.Set(i, k, p.InputLower.AtVec(i))
				ub.Set(i, k, p.InputUpper.AtVec(i))
			}
		}
		if err := s.SetInputBounds(lb, ub); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// registry of built-in problems, keyed by name.
var registry = map[string]func() *Problem{
	"double_integrator": DoubleIntegrator,
	"pendulum":          Pendulum,
	"cartpole":          CartPole,
}

// Get returns a fresh instance of a registered problem.
func Get(name string) (*Problem, error) {
	build, ok := registry[name]
	if !ok {
		return nil, fmt.Errorf("problems: unknown problem %q", name)
	}
	return build(), nil
}

// List returns the registered problem names, sorted.
func List() []string {
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
