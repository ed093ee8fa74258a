package ilqr

import (
	"bytes"
	"context"
	"log/slog"
	"math"
	"testing"

	"github.com/san-kum/trajopt/internal/ocp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
)

func eye(n int) *mat.Dense {
	m := mat.NewDense(n, n, nil)
	for i := 0; i < n; i++ {
		m.Set(i, i, 1)
	}
	return m
}

// doubleIntegrator builds the LQR sanity solver: x+ = [[1,1],[0,1]]x +
// [0.5,1]'u with cost 1/2(x'x + u'u) and x0 = [1,0].
func doubleIntegrator(t *testing.T, N int, opt Options) *Solver {
	t.Helper()
	A := mat.NewDense(2, 2, []float64{1, 1, 0, 1})
	B := mat.NewDense(2, 1, []float64{0.5, 1})
	s, err := New(ocp.NewLTI(A, B), N, opt)
	require.NoError(t, err)

	inter := ocp.NewQuadratic(eye(2), eye(1))
	final := ocp.NewQuadratic(eye(2), mat.NewDense(1, 1, nil))
	for k := 0; k < N; k++ {
		require.NoError(t, s.SetStageCost(k, inter))
	}
	require.NoError(t, s.SetFinalCost(final))
	require.NoError(t, s.SetInitialState(mat.NewVecDense(2, []float64{1, 0})))
	return s
}

// riccati runs the textbook discrete Riccati recursion and returns the
// cost-to-go matrices and gains (du = L*dx convention, so L = -K).
func riccati(A, B, Q, R, Qf *mat.Dense, N int) (S []*mat.Dense, L []*mat.Dense) {
	nx, nu := B.Dims()
	S = make([]*mat.Dense, N+1)
	L = make([]*mat.Dense, N)
	S[N] = mat.DenseCopyOf(Qf)
	for k := N - 1; k >= 0; k-- {
		var SB, Huu, Hux, SA mat.Dense
		SB.Mul(S[k+1], B)
		Huu.Mul(B.T(), &SB)
		Huu.Add(R, &Huu)
		SA.Mul(S[k+1], A)
		Hux.Mul(B.T(), &SA)

		var HuuInv mat.Dense
		if err := HuuInv.Inverse(&Huu); err != nil {
			panic(err)
		}
		Lk := mat.NewDense(nu, nx, nil)
		Lk.Mul(&HuuInv, &Hux)
		Lk.Scale(-1, Lk)
		L[k] = Lk

		Sk := mat.NewDense(nx, nx, nil)
		Sk.Mul(A.T(), &SA)
		Sk.Add(Q, Sk)
		var corr mat.Dense
		corr.Mul(Hux.T(), Lk)
		Sk.Add(Sk, &corr)
		S[k] = Sk
	}
	return S, L
}

func TestBackwardPassMatchesRiccati(t *testing.T) {
	N := 20
	opt := DefaultOptions()
	opt.HxxRegBase = 1e-12
	s := doubleIntegrator(t, N, opt)

	require.NoError(t, s.linearizeQuadratize())
	require.NoError(t, s.backwardPass())

	A := mat.NewDense(2, 2, []float64{1, 1, 0, 1})
	B := mat.NewDense(2, 1, []float64{0.5, 1})
	Sref, Lref := riccati(A, B, eye(2), eye(1), eye(2), N)

	for k := 0; k <= N; k++ {
		var diff mat.Dense
		diff.Sub(s.value[k].S, Sref[k])
		assert.Less(t, mat.Norm(&diff, math.Inf(1)), 1e-9, "S[%d]", k)
	}
	for k := 0; k < N; k++ {
		var diff mat.Dense
		diff.Sub(s.pol[k].L, Lref[k])
		assert.Less(t, mat.Norm(&diff, math.Inf(1)), 1e-8, "L[%d]", k)
	}
}

func TestBackwardPassValueSymmetric(t *testing.T) {
	s := doubleIntegrator(t, 20, DefaultOptions())
	require.NoError(t, s.linearizeQuadratize())
	require.NoError(t, s.backwardPass())

	for k := 0; k <= s.N; k++ {
		S := s.value[k].S
		var diff mat.Dense
		diff.Sub(S, S.T())
		assert.LessOrEqual(t, mat.Norm(&diff, math.Inf(1)), 1e-12, "S[%d] symmetry", k)
	}
}

func TestDefectInvariant(t *testing.T) {
	s := doubleIntegrator(t, 10, DefaultOptions())
	// non-trivial trajectory so the defects are visible
	for k := 0; k < 10; k++ {
		s.U.Set(0, k, 0.1*float64(k))
	}
	require.NoError(t, s.linearizeQuadratize())

	next := mat.NewVecDense(2, nil)
	for k := 0; k < s.N; k++ {
		require.NoError(t, s.dyns[k].Step(s.X.ColView(k), s.U.ColView(k), next))
		for i := 0; i < s.nx; i++ {
			want := next.AtVec(i) - s.X.At(i, k+1)
			assert.InDelta(t, want, s.dyn[k].d.AtVec(i), 1e-14, "d[%d][%d]", k, i)
		}
	}
}

func TestLinearizeIdempotent(t *testing.T) {
	s := doubleIntegrator(t, 10, DefaultOptions())
	require.NoError(t, s.linearizeQuadratize())

	snapA := make([]*mat.Dense, s.N)
	snapQ := make([]*mat.Dense, s.N)
	for k := 0; k < s.N; k++ {
		snapA[k] = mat.DenseCopyOf(s.dyn[k].A)
		snapQ[k] = mat.DenseCopyOf(s.cost[k].Q)
	}

	require.NoError(t, s.linearizeQuadratize())
	for k := 0; k < s.N; k++ {
		assert.True(t, mat.Equal(snapA[k], s.dyn[k].A), "A[%d]", k)
		assert.True(t, mat.Equal(snapQ[k], s.cost[k].Q), "Q[%d]", k)
	}
}

func TestFixedInitialStateZeroStep(t *testing.T) {
	s := doubleIntegrator(t, 10, DefaultOptions())
	require.NoError(t, s.linearizeQuadratize())
	require.NoError(t, s.backwardPass())

	assert.True(t, s.fixedInitialState())
	for i := 0; i < s.nx; i++ {
		assert.Equal(t, 0.0, s.dx0.AtVec(i))
	}
}

func TestSolveLQR(t *testing.T) {
	opt := DefaultOptions()
	opt.HxxRegBase = 1e-12
	s := doubleIntegrator(t, 20, opt)

	res, err := s.Solve(context.Background())
	require.NoError(t, err)
	assert.True(t, res.Converged)
	assert.LessOrEqual(t, res.Iterations, 3)

	last := res.Stats[len(res.Stats)-1]
	assert.Less(t, last.DefectNorm, 1e-9)
	assert.Equal(t, 0.0, last.ConstrViolation)

	// closed-loop gain against the Riccati reference
	A := mat.NewDense(2, 2, []float64{1, 1, 0, 1})
	B := mat.NewDense(2, 1, []float64{0.5, 1})
	_, Lref := riccati(A, B, eye(2), eye(1), eye(2), 20)
	require.NoError(t, s.linearizeQuadratize())
	require.NoError(t, s.backwardPass())
	var diff mat.Dense
	diff.Sub(s.pol[0].L, Lref[0])
	assert.Less(t, mat.Norm(&diff, math.Inf(1)), 1e-8)
}

func TestSolveIdempotent(t *testing.T) {
	s := doubleIntegrator(t, 20, DefaultOptions())

	res1, err := s.Solve(context.Background())
	require.NoError(t, err)
	require.True(t, res1.Converged)

	res2, err := s.Solve(context.Background())
	require.NoError(t, err)
	assert.True(t, res2.Converged)
	assert.Equal(t, 1, res2.Iterations)
	last := res2.Stats[len(res2.Stats)-1]
	assert.Less(t, last.StepLength, 1e-6)
}

func TestTerminalEqualityConstraint(t *testing.T) {
	s := doubleIntegrator(t, 20, DefaultOptions())
	require.NoError(t, s.SetFinalConstraint(ocp.NewTerminalState(mat.NewVecDense(2, nil))))

	res, err := s.Solve(context.Background())
	require.NoError(t, err)
	assert.True(t, res.Converged)
	assert.LessOrEqual(t, res.Iterations, 5)

	last := res.Stats[len(res.Stats)-1]
	assert.Less(t, last.ConstrViolation, 1e-6)
	assert.Less(t, last.DefectNorm, 1e-6)
	assert.Less(t, math.Abs(s.X.At(0, 20)), 1e-6)
	assert.Less(t, math.Abs(s.X.At(1, 20)), 1e-6)
}

func TestMeritDecrease(t *testing.T) {
	s := doubleIntegrator(t, 20, DefaultOptions())
	require.NoError(t, s.SetFinalConstraint(ocp.NewTerminalState(mat.NewVecDense(2, nil))))

	res, err := s.Solve(context.Background())
	require.NoError(t, err)

	for i := 1; i < len(res.Stats); i++ {
		prev, cur := res.Stats[i-1], res.Stats[i]
		dJ := cur.Cost - prev.Cost
		dV := cur.ConstrViolation - prev.ConstrViolation
		dD := cur.DefectNorm - prev.DefectNorm
		improved := dJ <= 1e-9 || dV <= 1e-9 || dD <= 1e-9
		assert.True(t, improved, "iteration %d: dJ=%g dV=%g dD=%g", i, dJ, dV, dD)
	}
}

func TestConstraintDecompositionsAgree(t *testing.T) {
	solve := func(kind ConstrDecomp) *mat.Dense {
		opt := DefaultOptions()
		opt.ConstrDecomp = kind
		s := doubleIntegrator(t, 20, opt)
		require.NoError(t, s.SetFinalConstraint(ocp.NewTerminalState(mat.NewVecDense(2, nil))))
		res, err := s.Solve(context.Background())
		require.NoError(t, err)
		require.True(t, res.Converged)
		return mat.DenseCopyOf(s.X)
	}

	xCOD := solve(ConstrCOD)
	xQR := solve(ConstrQR)
	xSVD := solve(ConstrSVD)

	var d1, d2 mat.Dense
	d1.Sub(xCOD, xQR)
	d2.Sub(xCOD, xSVD)
	assert.Less(t, mat.Norm(&d1, math.Inf(1)), 1e-6)
	assert.Less(t, mat.Norm(&d2, math.Inf(1)), 1e-6)
}

func TestKKTDecompositionsAgree(t *testing.T) {
	solve := func(kind KKTDecomp) *mat.Dense {
		opt := DefaultOptions()
		opt.KKTDecomp = kind
		s := doubleIntegrator(t, 20, opt)
		require.NoError(t, s.SetFinalConstraint(ocp.NewTerminalState(mat.NewVecDense(2, nil))))
		res, err := s.Solve(context.Background())
		require.NoError(t, err)
		require.True(t, res.Converged)
		return mat.DenseCopyOf(s.X)
	}

	xLU := solve(KKTLU)
	xQR := solve(KKTQR)
	xLDLT := solve(KKTLDLT)

	var d1, d2 mat.Dense
	d1.Sub(xLU, xQR)
	d2.Sub(xLU, xLDLT)
	assert.Less(t, mat.Norm(&d1, math.Inf(1)), 1e-6)
	assert.Less(t, mat.Norm(&d2, math.Inf(1)), 1e-6)
}

func TestRankDeficientConstraintDropped(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))

	// duplicated terminal rows: x_N = 0, twice
	C := mat.NewDense(4, 2, []float64{
		1, 0,
		0, 1,
		1, 0,
		0, 1,
	})
	b := mat.NewVecDense(4, nil)
	dup := ocp.NewLinearConstraint(C, nil, b)

	opt := DefaultOptions()
	opt.Logger = logger
	s := doubleIntegrator(t, 20, opt)
	require.NoError(t, s.SetFinalConstraint(dup))
	res, err := s.Solve(context.Background())
	require.NoError(t, err)
	require.True(t, res.Converged)
	xDup := mat.DenseCopyOf(s.X)

	assert.Contains(t, buf.String(), "removing linearly dependent constraint")

	sRef := doubleIntegrator(t, 20, DefaultOptions())
	require.NoError(t, sRef.SetFinalConstraint(ocp.NewTerminalState(mat.NewVecDense(2, nil))))
	resRef, err := sRef.Solve(context.Background())
	require.NoError(t, err)
	require.True(t, resRef.Converged)

	var diff mat.Dense
	diff.Sub(xDup, sRef.X)
	assert.Less(t, mat.Norm(&diff, math.Inf(1)), 1e-8)
}

func TestInfeasibleTerminalConstraint(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))

	// first coordinate is uncontrollable: A = I, B = [0,1]'
	A := eye(2)
	B := mat.NewDense(2, 1, []float64{0, 1})
	opt := DefaultOptions()
	opt.Logger = logger
	opt.MaxIter = 10
	s, err := New(ocp.NewLTI(A, B), 2, opt)
	require.NoError(t, err)
	require.NoError(t, s.SetInitialState(mat.NewVecDense(2, []float64{1, 0})))
	require.NoError(t, s.SetFinalConstraint(ocp.NewTerminalState(mat.NewVecDense(2, []float64{10, 10}))))

	res, err := s.Solve(context.Background())
	require.NoError(t, err)
	require.NotNil(t, res)

	// best effort: the controllable coordinate reaches the target, the
	// uncontrollable one cannot move
	assert.InDelta(t, 1.0, s.X.At(0, 2), 1e-9)
	assert.InDelta(t, 10.0, s.X.At(1, 2), 1e-6)
	assert.Contains(t, buf.String(), "constraints not satisfied at initial state")
}

func TestIndefiniteHessianSurfacesCleanly(t *testing.T) {
	// zero input matrix and zero input cost make every stage KKT system
	// singular; the regularization loop must give up cleanly instead of
	// cycling forever
	A := eye(2)
	B := mat.NewDense(2, 1, nil)
	s, err := New(ocp.NewLTI(A, B), 5, DefaultOptions())
	require.NoError(t, err)
	require.NoError(t, s.SetInitialState(mat.NewVecDense(2, []float64{1, 0})))
	inter := ocp.NewQuadratic(eye(2), mat.NewDense(1, 1, nil))
	for k := 0; k < 5; k++ {
		require.NoError(t, s.SetStageCost(k, inter))
	}

	_, err = s.Solve(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrDiverged)
	assert.Greater(t, s.hxxReg, DefaultOptions().HxxRegBase)
}

func TestRegularizationRecoversFromIndefiniteness(t *testing.T) {
	s := doubleIntegrator(t, 10, DefaultOptions())
	base := s.opt.HxxRegBase

	s.hxxReg = base
	s.increaseRegularization()
	assert.InDelta(t, base*10, s.hxxReg, 1e-15)

	bumped := s.hxxReg
	s.increaseRegularization()
	assert.Greater(t, s.hxxReg, bumped)

	// a tiny regularization is first kicked up to a useful scale
	s.hxxReg = 1e-9
	s.increaseRegularization()
	assert.GreaterOrEqual(t, s.hxxReg, 1.0)

	for i := 0; i < 100; i++ {
		s.reduceRegularization()
	}
	assert.Equal(t, base, s.hxxReg)
}

func TestCallbackStopsSolve(t *testing.T) {
	s := doubleIntegrator(t, 20, DefaultOptions())
	calls := 0
	s.SetCallback(func(x, u mat.Matrix, st IterationStats) bool {
		calls++
		return false
	})

	res, err := s.Solve(context.Background())
	require.NoError(t, err)
	assert.False(t, res.Converged)
	assert.Equal(t, 1, res.Iterations)
	assert.Positive(t, calls)
}

func TestContextCancellation(t *testing.T) {
	s := doubleIntegrator(t, 20, DefaultOptions())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res, err := s.Solve(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	require.NotNil(t, res)
}

func TestIterationCallbackPayload(t *testing.T) {
	s := doubleIntegrator(t, 20, DefaultOptions())
	var last IterationStats
	seen := 0
	s.SetCallback(func(x, u mat.Matrix, st IterationStats) bool {
		r, c := x.Dims()
		assert.Equal(t, 2, r)
		assert.Equal(t, 21, c)
		last = st
		seen++
		return true
	})

	res, err := s.Solve(context.Background())
	require.NoError(t, err)
	assert.True(t, res.Converged)
	assert.Positive(t, seen)
	assert.True(t, last.Accepted)
}

func TestWrongCostLengthRejected(t *testing.T) {
	s := doubleIntegrator(t, 20, DefaultOptions())
	err := s.SetIntermediateCost(make([]ocp.Cost, 5))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "wrong intermediate cost length")
}

func TestPendulumSwingUpWithBounds(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping swing-up in short mode")
	}

	field := func(x, u mat.Vector, dxdt *mat.VecDense) {
		dxdt.SetVec(0, x.AtVec(1))
		dxdt.SetVec(1, math.Sin(x.AtVec(0))+u.AtVec(0))
	}
	dyn := ocp.NewDiscretized(field, 2, 1, 0.05, ocp.RK4)

	N := 50
	opt := DefaultOptions()
	opt.EnableAuglag = true
	opt.MaxIter = 300
	s, err := New(dyn, N, opt)
	require.NoError(t, err)

	target := mat.NewVecDense(2, []float64{math.Pi, 0})
	W := mat.NewDense(2, 2, []float64{0.1, 0, 0, 0.1})
	V := mat.NewDense(1, 1, []float64{0.1})
	Wf := mat.NewDense(2, 2, []float64{100, 0, 0, 100})
	inter := ocp.NewQuadraticTarget(W, V, target)
	final := ocp.NewQuadraticTarget(Wf, mat.NewDense(1, 1, nil), target)
	for k := 0; k < N; k++ {
		require.NoError(t, s.SetStageCost(k, inter))
	}
	require.NoError(t, s.SetFinalCost(final))
	require.NoError(t, s.SetInitialState(mat.NewVecDense(2, nil)))

	lb := mat.NewDense(1, N, nil)
	ub := mat.NewDense(1, N, nil)
	for k := 0; k < N; k++ {
		lb.Set(0, k, -5)
		ub.Set(0, k, 5)
	}
	require.NoError(t, s.SetInputBounds(lb, ub))

	res, err := s.Solve(context.Background())
	require.NoError(t, err)
	require.NotNil(t, res)

	assert.Less(t, math.Abs(s.X.At(0, N)-math.Pi), 0.05, "terminal angle")
	assert.Less(t, math.Abs(s.X.At(1, N)), 0.05, "terminal velocity")

	maxU := 0.0
	for k := 0; k < N; k++ {
		if a := math.Abs(s.U.At(0, k)); a > maxU {
			maxU = a
		}
	}
	assert.LessOrEqual(t, maxU, 5+1e-3, "input bound")

	last := res.Stats[len(res.Stats)-1]
	assert.Less(t, last.DefectNorm, 1e-5, "gaps closed")
}
