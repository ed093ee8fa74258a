package ilqr

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

// backwardPass runs the constrained Riccati recursion from the terminal
// stage down to the initial-state solve. An indefinite stage KKT system
// bumps the state regularization and restarts the whole sweep from
// stage N-1.
func (s *Solver) backwardPass() error {
	for {
		err := s.backwardSweep()
		if err == nil {
			return nil
		}
		if !errors.Is(err, errHessianIndefinite) {
			return err
		}
		s.increaseRegularization()
		if s.hxxReg > regCeiling {
			return fmt.Errorf("%w: regularization reached %g", ErrDiverged, s.hxxReg)
		}
		if s.opt.Verbose {
			s.log.Debug("increasing regularization", "hxx_reg", s.hxxReg)
		}
	}
}

func (s *Solver) backwardSweep() error {
	// seed the recursion with the terminal cost, regularized
	vN := &s.value[s.N]
	vN.S.Copy(s.cost[s.N].Q)
	addDiag(vN.S, s.hxxReg)
	vN.s.CopyVec(s.cost[s.N].q)

	// seed constraint-to-go with the terminal constraint and bounds
	s.ctg.clear()
	if s.constrFns[s.N] != nil {
		s.ctg.set(s.constr[s.N].C, s.constr[s.N].h)
	}
	s.addBoundConstraint(s.N)
	if s.opt.Verbose {
		s.log.Debug("constraint count", "stage", s.N, "n_constr", s.ctg.dim)
	}

	for k := s.N - 1; k >= 0; k-- {
		if err := s.backwardPassIter(k); err != nil {
			return err
		}
	}

	if err := s.optimizeInitialState(); err != nil {
		return err
	}

	// anything left in constraint-to-go could not be expressed through
	// the inputs or the initial state; report the residual
	if s.ctg.dim > 0 {
		resid := reuseVec(s.tmp[0].ph, s.ctg.dim)
		resid.MulVec(s.ctg.C(), s.dx0)
		resid.AddVec(resid, s.ctg.H())
		if infNormVec(resid) > s.opt.ResidualThreshold {
			s.log.Warn("constraints not satisfied at initial state",
				"count", s.ctg.dim,
				"residual_inf_norm", infNormVec(resid))
		}
	}
	return nil
}

func (s *Solver) backwardPassIter(k int) error {
	// constraint handling filters out rows that cannot be met with the
	// current input and leaves them for earlier stages
	ncf, err := s.handleConstraints(k)
	if err != nil {
		return err
	}

	c := &s.cost[k]
	d := &s.dyn[k]
	vn := &s.value[k+1]
	t := &s.tmp[k]

	if !allFiniteMat(vn.S) || !allFiniteVec(vn.s) {
		return errHessianIndefinite
	}

	// components of the next value function through the dynamics
	t.sPlusSd.MulVec(vn.S, d.d)
	t.sPlusSd.AddVec(vn.s, t.sPlusSd)
	t.SA.Mul(vn.S, d.A)

	t.hx.MulVec(d.A.T(), t.sPlusSd)
	t.hx.AddVec(c.q, t.hx)
	t.Hxx.Mul(d.A.T(), t.SA)
	t.Hxx.Add(c.Q, t.Hxx)
	addDiag(t.Hxx, s.hxxReg)

	t.hu.MulVec(d.B.T(), t.sPlusSd)
	t.hu.AddVec(c.r, t.hu)
	SB := reuseMat(t.pD, s.nx, s.nu)
	SB.Mul(vn.S, d.B)
	t.Huu.Mul(d.B.T(), SB)
	t.Huu.Add(c.R, t.Huu)
	addDiag(t.Huu, s.opt.HuuReg)
	t.Hux.Mul(d.B.T(), t.SA)
	t.Hux.Add(c.P, t.Hux)

	// assemble the stage KKT system
	nu := s.nu
	dim := nu + ncf
	K := reuseMat(t.kkt, dim, dim)
	K.Slice(0, nu, 0, nu).(*mat.Dense).Copy(t.Huu)
	if ncf > 0 {
		Df := t.Df.Slice(0, ncf, 0, nu)
		K.Slice(0, nu, nu, dim).(*mat.Dense).Copy(Df.T())
		K.Slice(nu, dim, 0, nu).(*mat.Dense).Copy(Df)
		for i := nu; i < dim; i++ {
			K.Set(i, i, K.At(i, i)-s.opt.KKTReg)
		}
	}

	kx0 := reuseMat(t.kx0, dim, s.nx+1)
	for i := 0; i < nu; i++ {
		for j := 0; j < s.nx; j++ {
			kx0.Set(i, j, -t.Hux.At(i, j))
		}
		kx0.Set(i, s.nx, -t.hu.AtVec(i))
	}
	for i := 0; i < ncf; i++ {
		for j := 0; j < s.nx; j++ {
			kx0.Set(nu+i, j, -t.Cf.At(i, j))
		}
		kx0.Set(nu+i, s.nx, -t.hf.AtVec(i))
	}

	if err := s.kkt.solve(K, kx0, t.uLam); err != nil {
		return errHessianIndefinite
	}
	if !allFiniteMat(t.uLam) {
		return errHessianIndefinite
	}

	if s.opt.Verbose {
		var resid mat.Dense
		resid.Mul(K, t.uLam)
		resid.Sub(&resid, kx0)
		s.log.Debug("kkt solve",
			"stage", k,
			"kkt_err", mat.Norm(&resid, math.Inf(1)),
			"feas_constr", ncf,
			"infeas_constr", s.ctg.dim)
	}

	// save the policy
	pol := &s.pol[k]
	pol.L.Copy(t.uLam.Slice(0, nu, 0, s.nx))
	for i := 0; i < nu; i++ {
		pol.l.SetVec(i, t.uLam.At(i, s.nx))
	}
	pol.nc = ncf
	if ncf > 0 {
		lam := reuseVec(pol.lam, ncf)
		for i := 0; i < ncf; i++ {
			lam.SetVec(i, t.uLam.At(nu+i, s.nx))
		}
	}

	// value function update:
	//   S = Hxx + L'(Huu L + Hux) + Hux' L, symmetrized
	//   s = hx + Hux' l + L'(hu + Huu l)
	v := &s.value[k]
	M := reuseMat(t.pC, nu, s.nx)
	M.Mul(t.Huu, pol.L)
	M.Add(M, t.Hux)
	v.S.Mul(pol.L.T(), M)
	v.S.Add(t.Hxx, v.S)
	HxL := t.SA
	HxL.Mul(t.Hux.T(), pol.L)
	v.S.Add(v.S, HxL)
	symmetrize(v.S)

	w := t.huhu
	w.MulVec(t.Huu, pol.l)
	w.AddVec(t.hu, w)
	v.s.MulVec(pol.L.T(), w)
	t.sPlusSd.MulVec(t.Hux.T(), pol.l)
	v.s.AddVec(v.s, t.sPlusSd)
	v.s.AddVec(v.s, t.hx)

	if !allFiniteMat(v.S) || !allFiniteVec(v.s) {
		return errHessianIndefinite
	}
	return nil
}

// handleConstraints back-propagates the constraint-to-go, appends the
// stage constraint and bound equalities, and splits the result into a
// feasible part (solvable through the current input) and an infeasible
// remainder left for earlier stages. Returns the feasible row count;
// the feasible blocks live in tmp.Cf, tmp.Df, tmp.hf.
func (s *Solver) handleConstraints(k int) (int, error) {
	d := &s.dyn[k]
	t := &s.tmp[k]

	s.ctg.propagateBackwards(d.A, d.B, d.d, t)
	if s.constrFns[k] != nil {
		s.ctg.addBlock(s.constr[k].C, s.constr[k].D, s.constr[k].h)
	}
	s.addBoundConstraint(k)

	nc := s.ctg.dim
	if s.opt.Verbose {
		s.log.Debug("constraint count", "stage", k, "n_constr", nc)
	}
	if nc == 0 {
		return 0, nil
	}

	C, D, h := s.ctg.C(), s.ctg.D(), s.ctg.H()
	if !allFiniteMat(C) || !allFiniteMat(D) || !allFiniteVec(h) {
		return 0, fmt.Errorf("%w: non-finite constraint-to-go at stage %d", ErrEvaluator, k)
	}

	if err := s.split.compute(D, s.opt.ConstrDecomp, s.opt.SVDThreshold); err != nil {
		return 0, err
	}
	rank := s.split.rank
	Q := s.split.q

	// feasible part: representable in the current inputs
	if rank > 0 {
		Q1 := Q.Slice(0, nc, 0, rank)
		reuseMat(t.Cf, rank, s.nx).Mul(Q1.T(), C)
		reuseMat(t.Df, rank, s.nu).Mul(Q1.T(), D)
		reuseVec(t.hf, rank).MulVec(Q1.T(), h)
	}

	// infeasible part: Q2'D = 0, so these rows depend on the state only
	// and propagate backward
	ninf := nc - rank
	if ninf > 0 {
		Q2 := Q.Slice(0, nc, rank, nc)
		reuseMat(t.Cinf, ninf, s.nx).Mul(Q2.T(), C)
		reuseVec(t.hinf, ninf).MulVec(Q2.T(), h)
	}
	s.ctg.clear()
	for i := 0; i < ninf; i++ {
		row := t.Cinf.RowView(i)
		if math.Abs(t.hinf.AtVec(i)) < s.opt.DropThreshold && infNormVec(row) < s.opt.DropThreshold {
			s.log.Warn("removing linearly dependent constraint", "stage", k)
			continue
		}
		s.ctg.addRow(row, t.hinf.AtVec(i))
	}

	return rank, nil
}

// addBoundConstraint injects exact equality rows for every bound pair
// with lb == ub at stage k. State rows are skipped at stage 0 when the
// initial state is fixed; input rows do not exist at stage N.
func (s *Solver) addBoundConstraint(k int) {
	skipState := k == 0 && s.fixedInitialState()
	if !skipState {
		for i := 0; i < s.nx; i++ {
			lb := s.xlb.At(i, k)
			if lb != s.xub.At(i, k) || math.IsInf(lb, 0) {
				continue
			}
			s.xei.Zero()
			s.xei.SetVec(i, 1)
			s.uei.Zero()
			s.ctg.addRowD(s.xei, s.uei, s.X.At(i, k)-lb)
			if s.opt.Verbose {
				s.log.Debug("detected state equality constraint", "stage", k, "index", i, "value", lb)
			}
		}
	}

	if k == s.N {
		return
	}
	for i := 0; i < s.nu; i++ {
		lb := s.ulb.At(i, k)
		if lb != s.uub.At(i, k) || math.IsInf(lb, 0) {
			continue
		}
		s.xei.Zero()
		s.uei.Zero()
		s.uei.SetVec(i, 1)
		s.ctg.addRowD(s.xei, s.uei, s.U.At(i, k)-lb)
		if s.opt.Verbose {
			s.log.Debug("detected input equality constraint", "stage", k, "index", i, "value", lb)
		}
	}
}

// optimizeInitialState computes dx0. With a fixed initial state the
// result is the clamp onto the bound; otherwise a saddle-point system
// reconciles the remaining constraint-to-go with the initial value
// function, and only rows the solution fails to satisfy stay in the
// buffer to be reported.
func (s *Solver) optimizeInitialState() error {
	if s.fixedInitialState() {
		for i := 0; i < s.nx; i++ {
			s.dx0.SetVec(i, s.xlb.At(i, 0)-s.X.At(i, 0))
		}
		return nil
	}

	v := &s.value[0]
	nc := s.ctg.dim
	dim := s.nx + nc

	K := reuseMat(s.xKKT, dim, dim)
	K.Slice(0, s.nx, 0, s.nx).(*mat.Dense).Copy(v.S)
	if nc > 0 {
		C := s.ctg.C()
		K.Slice(0, s.nx, s.nx, dim).(*mat.Dense).Copy(C.T())
		K.Slice(s.nx, dim, 0, s.nx).(*mat.Dense).Copy(C)
	}

	rhs := reuseMat(s.xRHS, dim, 1)
	for i := 0; i < s.nx; i++ {
		rhs.Set(i, 0, -v.s.AtVec(i))
	}
	for i := 0; i < nc; i++ {
		rhs.Set(s.nx+i, 0, -s.ctg.H().AtVec(i))
	}

	if err := s.kkt.solve(K, rhs, s.dxLam); err != nil {
		return errHessianIndefinite
	}
	if !allFiniteMat(s.dxLam) {
		return errHessianIndefinite
	}

	if s.opt.Verbose {
		var resid mat.Dense
		resid.Mul(K, s.dxLam)
		resid.Sub(&resid, rhs)
		s.log.Debug("initial-state kkt solve", "kkt_err", mat.Norm(&resid, math.Inf(1)))
	}

	for i := 0; i < s.nx; i++ {
		s.dx0.SetVec(i, s.dxLam.At(i, 0))
	}
	if nc > 0 {
		lam := reuseVec(s.lam0, nc)
		for i := 0; i < nc; i++ {
			lam.SetVec(i, s.dxLam.At(s.nx+i, 0))
		}

		// keep only the rows the initial state cannot satisfy
		t := &s.tmp[0]
		Csnap := reuseMat(t.Cinf, nc, s.nx)
		Csnap.Copy(s.ctg.C())
		hsnap := reuseVec(t.hinf, nc)
		hsnap.CopyVec(s.ctg.H())
		s.ctg.clear()
		for i := 0; i < nc; i++ {
			r := mat.Dot(Csnap.RowView(i), s.dx0) + hsnap.AtVec(i)
			if math.Abs(r) < s.opt.ResidualThreshold {
				continue
			}
			s.ctg.addRow(Csnap.RowView(i), hsnap.AtVec(i))
		}
	}
	return nil
}

// addDiag adds v to the diagonal of the square matrix m.
func addDiag(m *mat.Dense, v float64) {
	if v == 0 {
		return
	}
	n, _ := m.Dims()
	for i := 0; i < n; i++ {
		m.Set(i, i, m.At(i, i)+v)
	}
}

// symmetrize replaces m with (m + m')/2.
func symmetrize(m *mat.Dense) {
	n, _ := m.Dims()
	for i := 0; i < n; i++ {
		for j := i + 1; j < n; j++ {
			avg := 0.5 * (m.At(i, j) + m.At(j, i))
			m.Set(i, j, avg)
			m.Set(j, i, avg)
		}
	}
}
