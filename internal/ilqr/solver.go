// Package ilqr implements a multiple-shooting variant of the iterative
// LQR algorithm for constrained discrete-time optimal control. Equality
// constraints are folded into the Riccati recursion by a projection
// approach; bound constraints enter as exact equalities where the bounds
// coincide and through an augmented-Lagrangian cost term otherwise.
package ilqr

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"

	"github.com/san-kum/trajopt/internal/ocp"
	"gonum.org/v1/gonum/mat"
)

// Solver errors.
var (
	// ErrEvaluator indicates a user evaluator failed or returned
	// non-finite values.
	ErrEvaluator = errors.New("ilqr: evaluator failure")

	// ErrDiverged indicates the regularization grew past its ceiling
	// without producing a solvable backward pass.
	ErrDiverged = errors.New("ilqr: backward pass diverged")
)

// errHessianIndefinite is raised inside the backward pass when a KKT
// solve produces non-finite values; it is handled locally by a
// regularization bump and never reaches the caller.
var errHessianIndefinite = errors.New("ilqr: indefinite hessian detected")

// IterationStats is the per-forward-pass record handed to the iteration
// callback and collected per accepted iteration.
type IterationStats struct {
	Iter            int
	Alpha           float64
	Cost            float64
	DefectNorm      float64
	ConstrViolation float64
	BoundViolation  float64
	Merit           float64
	MeritDer        float64
	StepLength      float64
	HxxReg          float64
	Rho             float64
	Accepted        bool
}

// Callback observes every forward-pass evaluation. Returning false asks
// the solver to stop after the current outer iteration. The callback
// must return promptly and must not reenter the solver; the matrices it
// receives are solver-owned views valid only for the duration of the
// call.
type Callback func(x, u mat.Matrix, st IterationStats) bool

// Result is the outcome of a Solve call. X and U reference the
// solver-owned trajectories.
type Result struct {
	Converged  bool
	Iterations int
	X, U       *mat.Dense
	Stats      []IterationStats
}

// fpState carries the scalar outcome of the latest forward pass.
type fpState struct {
	alpha      float64
	cost       float64
	defect     float64
	constrViol float64
	boundViol  float64
	merit      float64
	meritDer   float64
	muF, muC   float64
	stepLength float64
	accepted   bool
}

// Solver owns every stage array, the trajectories, and the scratch
// workspace; all of it is allocated at construction and reused across
// iterations.
type Solver struct {
	nx, nu, N int
	opt       Options
	log       *slog.Logger

	dyns      []ocp.Dynamics
	costs     []ocp.Cost
	constrFns []ocp.Constraint
	al        []*auglagCost

	X, U     *mat.Dense
	xlb, xub *mat.Dense
	ulb, uub *mat.Dense

	dyn    []stageDynamics
	cost   []stageCost
	constr []stageConstraint
	value  []valueFunction
	pol    []policy
	ctg    *constraintToGo
	tmp    []temporaries
	split  *orthoSplit
	kkt    *kktSolver

	dx0, lam0 *mat.VecDense
	xei, uei  *mat.VecDense
	xKKT      *mat.Dense
	xRHS      *mat.Dense
	dxLam     *mat.Dense

	fpX, fpU *mat.Dense
	fp       fpState

	hxxReg float64
	rho    float64

	cb            Callback
	stats         []IterationStats
	iters         int
	stopRequested bool
}

// New builds a solver for the given discrete dynamics over N shooting
// intervals. The same dynamics map is installed at every stage; a
// default cost (input effort plus terminal state) keeps the problem
// well-posed until the caller installs its own.
func New(dyn ocp.Dynamics, N int, opt Options) (*Solver, error) {
	if dyn == nil {
		return nil, fmt.Errorf("ilqr: dynamics are required")
	}
	if N <= 0 {
		return nil, fmt.Errorf("ilqr: horizon must be positive, got %d", N)
	}
	if err := opt.Validate(); err != nil {
		return nil, err
	}

	nx, nu := dyn.StateDim(), dyn.InputDim()
	if nx <= 0 || nu <= 0 {
		return nil, fmt.Errorf("ilqr: state and input dimensions must be positive, got %d and %d", nx, nu)
	}

	s := &Solver{
		nx:  nx,
		nu:  nu,
		N:   N,
		opt: opt,
		log: opt.logger(),

		dyns:      make([]ocp.Dynamics, N),
		costs:     make([]ocp.Cost, N+1),
		constrFns: make([]ocp.Constraint, N+1),
		al:        make([]*auglagCost, N+1),

		X:   mat.NewDense(nx, N+1, nil),
		U:   mat.NewDense(nu, N, nil),
		xlb: mat.NewDense(nx, N+1, nil),
		xub: mat.NewDense(nx, N+1, nil),
		ulb: mat.NewDense(nu, N, nil),
		uub: mat.NewDense(nu, N, nil),

		dyn:    make([]stageDynamics, N),
		cost:   make([]stageCost, N+1),
		constr: make([]stageConstraint, N+1),
		value:  make([]valueFunction, N+1),
		pol:    make([]policy, N),
		ctg:    newConstraintToGo(nx, nu),
		tmp:    make([]temporaries, N),

		dx0:  mat.NewVecDense(nx, nil),
		lam0: &mat.VecDense{},
		xei:  mat.NewVecDense(nx, nil),
		uei:  mat.NewVecDense(nu, nil),
		xKKT: &mat.Dense{},
		xRHS: &mat.Dense{},

		dxLam: &mat.Dense{},
		fpX:   mat.NewDense(nx, N+1, nil),
		fpU:   mat.NewDense(nu, N, nil),

		hxxReg: opt.HxxRegBase,
		rho:    opt.RhoInit,
	}

	capRows := s.ctg.max
	s.split = newOrthoSplit(capRows, nu)
	s.kkt = newKKTSolver(opt.KKTDecomp, maxInt(nu+capRows, nx+capRows))

	for k := 0; k < N; k++ {
		s.dyns[k] = dyn
		s.dyn[k] = newStageDynamics(nx, nu)
		s.pol[k] = newPolicy(nx, nu)
		s.tmp[k] = newTemporaries(nx, nu, capRows)
	}
	for k := 0; k <= N; k++ {
		s.cost[k] = newStageCost(nx, nu)
		s.value[k] = newValueFunction(nx)
	}

	// unbounded by default
	for k := 0; k <= N; k++ {
		for i := 0; i < nx; i++ {
			s.xlb.Set(i, k, math.Inf(-1))
			s.xub.Set(i, k, math.Inf(1))
		}
	}
	for k := 0; k < N; k++ {
		for i := 0; i < nu; i++ {
			s.ulb.Set(i, k, math.Inf(-1))
			s.uub.Set(i, k, math.Inf(1))
		}
	}

	// augmented-Lagrangian decorators over the per-stage bound columns
	for k := 0; k <= N; k++ {
		uk := k
		if uk >= N {
			uk = N - 1
		}
		s.al[k] = newAuglagCost(nx, nu,
			s.xlb.ColView(k), s.xub.ColView(k),
			s.ulb.ColView(uk), s.uub.ColView(uk),
			s.rho, k == N)
	}

	s.setDefaultCost()
	return s, nil
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// setDefaultCost installs the out-of-the-box objective: input effort at
// every interval and distance from the origin at the end.
func (s *Solver) setDefaultCost() {
	zeroW := mat.NewDense(s.nx, s.nx, nil)
	eyeV := mat.NewDense(s.nu, s.nu, nil)
	for i := 0; i < s.nu; i++ {
		eyeV.Set(i, i, 1)
	}
	inter := ocp.NewQuadratic(zeroW, eyeV)

	eyeW := mat.NewDense(s.nx, s.nx, nil)
	for i := 0; i < s.nx; i++ {
		eyeW.Set(i, i, 1)
	}
	final := ocp.NewQuadratic(eyeW, mat.NewDense(s.nu, s.nu, nil))

	for k := 0; k < s.N; k++ {
		s.costs[k] = inter
	}
	s.costs[s.N] = final
}

// SetStageDynamics replaces the dynamics at interval k.
func (s *Solver) SetStageDynamics(k int, dyn ocp.Dynamics) error {
	if k < 0 || k >= s.N {
		return fmt.Errorf("ilqr: stage %d out of range [0,%d)", k, s.N)
	}
	if dyn.StateDim() != s.nx || dyn.InputDim() != s.nu {
		return fmt.Errorf("ilqr: dynamics dimensions %dx%d do not match solver %dx%d",
			dyn.StateDim(), dyn.InputDim(), s.nx, s.nu)
	}
	s.dyns[k] = dyn
	return nil
}

// SetIntermediateCost installs one cost term per interval. The slice
// must have exactly N entries.
func (s *Solver) SetIntermediateCost(costs []ocp.Cost) error {
	if len(costs) != s.N {
		return fmt.Errorf("ilqr: wrong intermediate cost length %d, want %d", len(costs), s.N)
	}
	for k, c := range costs {
		if c == nil {
			return fmt.Errorf("ilqr: nil intermediate cost at stage %d", k)
		}
		s.costs[k] = c
	}
	return nil
}

// SetStageCost replaces the cost at stage k (k = N is the final cost).
func (s *Solver) SetStageCost(k int, c ocp.Cost) error {
	if k < 0 || k > s.N {
		return fmt.Errorf("ilqr: stage %d out of range [0,%d]", k, s.N)
	}
	if c == nil {
		return fmt.Errorf("ilqr: nil cost at stage %d", k)
	}
	s.costs[k] = c
	return nil
}

// SetFinalCost replaces the terminal cost; its input argument is
// evaluated but unused.
func (s *Solver) SetFinalCost(c ocp.Cost) error { return s.SetStageCost(s.N, c) }

// SetStageConstraint installs an equality constraint at stage k
// (k = N is the final constraint). A nil constraint clears the stage.
func (s *Solver) SetStageConstraint(k int, con ocp.Constraint) error {
	if k < 0 || k > s.N {
		return fmt.Errorf("ilqr: stage %d out of range [0,%d]", k, s.N)
	}
	if con == nil {
		s.constrFns[k] = nil
		s.constr[k] = stageConstraint{}
		return nil
	}
	m := con.Dim()
	if m <= 0 {
		return fmt.Errorf("ilqr: constraint at stage %d has non-positive dimension %d", k, m)
	}
	s.constrFns[k] = con
	s.constr[k] = stageConstraint{
		C:   mat.NewDense(m, s.nx, nil),
		D:   mat.NewDense(m, s.nu, nil),
		h:   mat.NewVecDense(m, nil),
		dim: m,
	}
	return nil
}

// SetFinalConstraint installs the terminal equality constraint.
func (s *Solver) SetFinalConstraint(con ocp.Constraint) error {
	return s.SetStageConstraint(s.N, con)
}

// SetInitialState pins the initial state: the trajectory starts there
// and the stage-0 state bounds collapse onto it, which the backward
// pass recognizes as the fixed-initial-state mode.
func (s *Solver) SetInitialState(x0 mat.Vector) error {
	if x0.Len() != s.nx {
		return ocp.DimError("initial state", s.nx, x0.Len())
	}
	for i := 0; i < s.nx; i++ {
		s.X.Set(i, 0, x0.AtVec(i))
		s.xlb.Set(i, 0, x0.AtVec(i))
		s.xub.Set(i, 0, x0.AtVec(i))
	}
	return nil
}

// SetStateBounds installs elementwise state bounds, nx by N+1.
func (s *Solver) SetStateBounds(lb, ub mat.Matrix) error {
	if err := checkBoundDims("state", lb, ub, s.nx, s.N+1); err != nil {
		return err
	}
	s.xlb.Copy(lb)
	s.xub.Copy(ub)
	return nil
}

// SetInputBounds installs elementwise input bounds, nu by N.
func (s *Solver) SetInputBounds(lb, ub mat.Matrix) error {
	if err := checkBoundDims("input", lb, ub, s.nu, s.N); err != nil {
		return err
	}
	s.ulb.Copy(lb)
	s.uub.Copy(ub)
	return nil
}

func checkBoundDims(what string, lb, ub mat.Matrix, r, c int) error {
	lr, lc := lb.Dims()
	ur, uc := ub.Dims()
	if lr != r || lc != c || ur != r || uc != c {
		return fmt.Errorf("ilqr: %s bounds must be %dx%d, got %dx%d and %dx%d", what, r, c, lr, lc, ur, uc)
	}
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			if lb.At(i, j) > ub.At(i, j) {
				return fmt.Errorf("ilqr: %s lower bound exceeds upper bound at (%d,%d)", what, i, j)
			}
		}
	}
	return nil
}

// SetInitialTrajectory seeds the state and input trajectories.
func (s *Solver) SetInitialTrajectory(X, U mat.Matrix) error {
	xr, xc := X.Dims()
	ur, uc := U.Dims()
	if xr != s.nx || xc != s.N+1 {
		return fmt.Errorf("ilqr: state trajectory must be %dx%d, got %dx%d", s.nx, s.N+1, xr, xc)
	}
	if ur != s.nu || uc != s.N {
		return fmt.Errorf("ilqr: input trajectory must be %dx%d, got %dx%d", s.nu, s.N, ur, uc)
	}
	s.X.Copy(X)
	s.U.Copy(U)
	return nil
}

// SetCallback installs the per-forward-pass observer.
func (s *Solver) SetCallback(cb Callback) { s.cb = cb }

// State returns the k-th state column of the current trajectory.
func (s *Solver) State(k int) mat.Vector { return s.X.ColView(k) }

// Input returns the k-th input column of the current trajectory.
func (s *Solver) Input(k int) mat.Vector { return s.U.ColView(k) }

// StateTrajectory returns the solver-owned state trajectory.
func (s *Solver) StateTrajectory() *mat.Dense { return s.X }

// InputTrajectory returns the solver-owned input trajectory.
func (s *Solver) InputTrajectory() *mat.Dense { return s.U }

// Stats returns the iteration records of the last Solve call.
func (s *Solver) Stats() []IterationStats { return s.stats }

// effCost returns the stage cost the engine actually optimizes: the
// user cost, decorated with the bound penalty when auglag is enabled.
func (s *Solver) effCost(k int) ocp.Cost {
	if !s.opt.EnableAuglag {
		return s.costs[k]
	}
	al := s.al[k]
	al.base = s.costs[k]
	return al
}

// Solve runs outer iterations until convergence, iteration exhaustion,
// a callback stop, or context cancellation (checked between outer
// iterations).
func (s *Solver) Solve(ctx context.Context) (*Result, error) {
	s.stats = s.stats[:0]
	s.stopRequested = false
	s.iters = 0
	converged := false

	for iter := 0; iter < s.opt.MaxIter; iter++ {
		select {
		case <-ctx.Done():
			return s.result(false), ctx.Err()
		default:
		}

		if err := s.linearizeQuadratize(); err != nil {
			return s.result(false), err
		}
		if err := s.backwardPass(); err != nil {
			return s.result(false), err
		}
		if err := s.lineSearch(iter); err != nil {
			return s.result(false), err
		}
		s.iters = iter + 1

		if s.stopRequested {
			break
		}
		if s.shouldStop() {
			converged = true
			break
		}
		s.auglagUpdate()
		s.reduceRegularization()
	}

	return s.result(converged), nil
}

func (s *Solver) result(converged bool) *Result {
	stats := make([]IterationStats, len(s.stats))
	copy(stats, s.stats)
	return &Result{
		Converged:  converged,
		Iterations: s.iters,
		X:          s.X,
		U:          s.U,
		Stats:      stats,
	}
}

const (
	meritSlopeStop = 1e-9
	stepLengthStop = 1e-9
)

// shouldStop tests feasibility first, then stationarity of the merit
// function or exhaustion of the step.
func (s *Solver) shouldStop() bool {
	if s.fp.constrViol > s.opt.ConstrViolThreshold {
		return false
	}
	if s.fp.defect > s.opt.ConstrViolThreshold {
		return false
	}

	if s.fp.merit == 0 {
		return true
	}
	if s.fp.meritDer/s.fp.merit > -meritSlopeStop {
		return true
	}

	unorm := mat.Norm(s.U, 2)
	if unorm == 0 {
		return s.fp.stepLength == 0
	}
	return s.fp.stepLength/unorm < stepLengthStop
}

// auglagUpdate grows the penalty and refreshes the multiplier estimates
// once the merit function has flattened while bounds are still violated.
func (s *Solver) auglagUpdate() {
	if !s.opt.EnableAuglag {
		return
	}
	if math.Abs(s.fp.meritDer) > s.opt.MeritDerThreshold*(1+s.fp.merit) {
		return
	}
	if s.fp.boundViol < s.opt.ConstrViolThreshold {
		return
	}

	s.rho *= s.opt.RhoGrowth

	for k := 0; k <= s.N; k++ {
		uk := k
		if uk >= s.N {
			uk = s.N - 1
		}
		s.al[k].updateMultipliers(s.X.ColView(k), s.U.ColView(uk))
		s.al[k].rho = s.rho
	}

	s.log.Info("performing auglag update", "rho", s.rho)
}

const regCeiling = 1e12

// increaseRegularization reacts to an indefinite Hessian.
func (s *Solver) increaseRegularization() {
	if s.hxxReg < 1e-6 {
		s.hxxReg = 1.0
	}
	s.hxxReg *= s.opt.HxxRegGrowth
	if s.hxxReg < s.opt.HxxRegBase {
		s.hxxReg = s.opt.HxxRegBase
	}
}

// reduceRegularization relaxes the state regularization after a
// successful step, with hysteresis: the decay is the cube root of the
// growth factor, floored at the base.
func (s *Solver) reduceRegularization() {
	s.hxxReg /= math.Pow(s.opt.HxxRegGrowth, 1.0/3.0)
	if s.hxxReg < s.opt.HxxRegBase {
		s.hxxReg = s.opt.HxxRegBase
	}
}

// fixedInitialState reports whether the stage-0 state bounds pin the
// initial state exactly.
func (s *Solver) fixedInitialState() bool {
	for i := 0; i < s.nx; i++ {
		if s.xlb.At(i, 0) != s.xub.At(i, 0) {
			return false
		}
	}
	return true
}
