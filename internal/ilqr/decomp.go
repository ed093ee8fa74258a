package ilqr

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

// orthoSplit computes, for a constraint input Jacobian D (m by n), an
// explicit m by m orthogonal factor and the numerical rank of D. The
// leading rank columns of Q span the range of D; the trailing columns
// annihilate it (Q2'*D = 0), which is what the backward pass uses to
// split constraints into feasible and infeasible parts.
type orthoSplit struct {
	q    *mat.Dense
	rank int

	rwork *mat.Dense
	v     []float64
	diag  []float64
	svd   mat.SVD
	sv    []float64
}

func newOrthoSplit(maxRows, n int) *orthoSplit {
	s := &orthoSplit{
		q:     &mat.Dense{},
		rwork: &mat.Dense{},
		v:     make([]float64, maxRows),
		diag:  make([]float64, maxRows),
		sv:    make([]float64, 0, n),
	}
	reuseMat(s.q, maxRows, maxRows)
	reuseMat(s.rwork, maxRows, n)
	return s
}

// compute factors D with the selected method and leaves the orthogonal
// factor in s.q and the rank in s.rank.
func (s *orthoSplit) compute(D *mat.Dense, kind ConstrDecomp, threshold float64) error {
	switch kind {
	case ConstrCOD, ConstrQR:
		s.pivotedQR(D, threshold)
		return nil
	case ConstrSVD:
		return s.fullSVD(D, threshold)
	}
	return fmt.Errorf("ilqr: invalid constraint decomposition %v", kind)
}

// pivotedQR runs a column-pivoted Householder QR of D, accumulating the
// full orthogonal factor explicitly. The rank is the number of diagonal
// entries of R above threshold times the largest pivot.
func (s *orthoSplit) pivotedQR(D *mat.Dense, threshold float64) {
	m, n := D.Dims()
	R := reuseMat(s.rwork, m, n)
	R.Copy(D)
	Q := reuseMat(s.q, m, m)
	for i := 0; i < m; i++ {
		Q.Set(i, i, 1)
	}

	t := m
	if n < t {
		t = n
	}
	for k := 0; k < t; k++ {
		// pivot: bring the column with the largest remaining norm to k
		best, bestNorm := k, 0.0
		for j := k; j < n; j++ {
			norm := 0.0
			for i := k; i < m; i++ {
				norm += R.At(i, j) * R.At(i, j)
			}
			if norm > bestNorm {
				best, bestNorm = j, norm
			}
		}
		if best != k {
			for i := 0; i < m; i++ {
				rik, rib := R.At(i, k), R.At(i, best)
				R.Set(i, k, rib)
				R.Set(i, best, rik)
			}
		}

		colNorm := math.Sqrt(bestNorm)
		if colNorm == 0 {
			s.diag[k] = 0
			continue
		}

		alpha := -math.Copysign(colNorm, R.At(k, k))
		v := s.v[:m]
		vv := 0.0
		for i := k; i < m; i++ {
			v[i] = R.At(i, k)
		}
		v[k] -= alpha
		for i := k; i < m; i++ {
			vv += v[i] * v[i]
		}
		if vv == 0 {
			s.diag[k] = math.Abs(alpha)
			continue
		}
		beta := 2.0 / vv

		// reflect the remaining columns of R
		for j := k; j < n; j++ {
			dot := 0.0
			for i := k; i < m; i++ {
				dot += v[i] * R.At(i, j)
			}
			dot *= beta
			for i := k; i < m; i++ {
				R.Set(i, j, R.At(i, j)-dot*v[i])
			}
		}
		R.Set(k, k, alpha)
		for i := k + 1; i < m; i++ {
			R.Set(i, k, 0)
		}

		// accumulate Q = H_1 * H_2 * ... by applying the reflector from
		// the right
		for i := 0; i < m; i++ {
			dot := 0.0
			for j := k; j < m; j++ {
				dot += Q.At(i, j) * v[j]
			}
			dot *= beta
			for j := k; j < m; j++ {
				Q.Set(i, j, Q.At(i, j)-dot*v[j])
			}
		}

		s.diag[k] = math.Abs(alpha)
	}

	maxPivot := 0.0
	for k := 0; k < t; k++ {
		if s.diag[k] > maxPivot {
			maxPivot = s.diag[k]
		}
	}
	if maxPivot < threshold {
		s.rank = 0
		return
	}
	rank := 0
	for k := 0; k < t; k++ {
		if s.diag[k] > threshold*maxPivot {
			rank++
		}
	}
	s.rank = rank
}

// fullSVD uses a singular value decomposition with a full left factor.
func (s *orthoSplit) fullSVD(D *mat.Dense, threshold float64) error {
	if !s.svd.Factorize(D, mat.SVDFullU) {
		return fmt.Errorf("ilqr: svd of constraint jacobian failed to converge")
	}
	s.q.Reset()
	s.svd.UTo(s.q)
	m, n := D.Dims()
	if n < m {
		m = n
	}
	if cap(s.sv) < m {
		s.sv = make([]float64, m)
	}
	s.sv = s.sv[:m]
	s.svd.Values(s.sv)
	if len(s.sv) == 0 || s.sv[0] < threshold {
		s.rank = 0
		return nil
	}
	rank := 0
	for _, v := range s.sv {
		if v > threshold*s.sv[0] {
			rank++
		}
	}
	s.rank = rank
	return nil
}

// kktSolver solves the stage and initial-state KKT systems with the
// configured factorization.
type kktSolver struct {
	kind KKTDecomp
	lu   mat.LU
	qr   mat.QR

	l *mat.Dense
	d []float64
	y []float64
}

func newKKTSolver(kind KKTDecomp, maxDim int) *kktSolver {
	return &kktSolver{
		kind: kind,
		l:    mat.NewDense(maxDim, maxDim, nil),
		d:    make([]float64, maxDim),
		y:    make([]float64, maxDim),
	}
}

// solve computes dst = K^-1 * rhs. dst is resized to match rhs.
func (ks *kktSolver) solve(K *mat.Dense, rhs mat.Matrix, dst *mat.Dense) error {
	n, _ := K.Dims()
	_, c := rhs.Dims()
	reuseMat(dst, n, c)
	switch ks.kind {
	case KKTLU:
		ks.lu.Factorize(K)
		return ignoreCondition(ks.lu.SolveTo(dst, false, rhs))
	case KKTQR:
		ks.qr.Factorize(K)
		return ignoreCondition(ks.qr.SolveTo(dst, false, rhs))
	case KKTLDLT:
		ks.ldl(K, rhs, dst)
		return nil
	}
	return fmt.Errorf("ilqr: invalid kkt decomposition %v", ks.kind)
}

// ignoreCondition drops gonum's ill-conditioning warning: the computed
// values are still usable and the finiteness guard decides their fate.
// An infinite condition number marks an exactly singular system, for
// which gonum computes no values; that one is kept as an error.
func ignoreCondition(err error) error {
	if c, ok := err.(mat.Condition); ok && !math.IsInf(float64(c), 1) {
		return nil
	}
	return err
}

// ldl factors the symmetric K as L*D*L' without pivoting and solves for
// every column of rhs. Factoring in natural order is sufficient here
// because the leading block of the KKT matrix is positive definite; a
// zero pivot produces non-finite output, which the caller treats as an
// indefiniteness signal.
func (ks *kktSolver) ldl(K *mat.Dense, rhs mat.Matrix, dst *mat.Dense) {
	n, _ := K.Dims()
	L := ks.l
	d := ks.d[:n]
	y := ks.y[:n]

	for j := 0; j < n; j++ {
		dj := K.At(j, j)
		for k := 0; k < j; k++ {
			dj -= L.At(j, k) * L.At(j, k) * d[k]
		}
		d[j] = dj
		for i := j + 1; i < n; i++ {
			lij := K.At(i, j)
			for k := 0; k < j; k++ {
				lij -= L.At(i, k) * L.At(j, k) * d[k]
			}
			L.Set(i, j, lij/dj)
		}
	}

	_, c := rhs.Dims()
	for col := 0; col < c; col++ {
		for i := 0; i < n; i++ {
			yi := rhs.At(i, col)
			for j := 0; j < i; j++ {
				yi -= L.At(i, j) * y[j]
			}
			y[i] = yi
		}
		for i := 0; i < n; i++ {
			y[i] /= d[i]
		}
		for i := n - 1; i >= 0; i-- {
			xi := y[i]
			for j := i + 1; j < n; j++ {
				xi -= L.At(j, i) * dst.At(j, col)
			}
			dst.Set(i, col, xi)
		}
	}
}
