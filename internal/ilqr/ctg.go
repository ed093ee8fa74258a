package ilqr

import (
	"gonum.org/v1/gonum/mat"
)

// constraintToGo is a rolling buffer of linearized equality constraints
// C*dx + D*du + h = 0 that later stages could not absorb into their
// inputs. Rows live in preallocated backing matrices; dim tracks the
// occupied prefix. By construction the D block of every stored row is
// zero except for rows appended during the current stage (the stage
// constraint via addBlock and bound equalities via addRowD); those are
// split off before the next propagation, so backward propagation only
// needs C and h.
type constraintToGo struct {
	c   *mat.Dense
	d   *mat.Dense
	h   *mat.VecDense
	dim int
	max int
	nx  int
	nu  int
}

func newConstraintToGo(nx, nu int) *constraintToGo {
	// 10*nx rows for propagated constraints plus headroom for one
	// stage's worth of bound equalities
	max := 10*nx + nx + nu
	return &constraintToGo{
		c:   mat.NewDense(max, nx, nil),
		d:   mat.NewDense(max, nu, nil),
		h:   mat.NewVecDense(max, nil),
		max: max,
		nx:  nx,
		nu:  nu,
	}
}

func (g *constraintToGo) clear() { g.dim = 0 }

// C returns the occupied rows of the state Jacobian. Only valid when
// dim > 0.
func (g *constraintToGo) C() *mat.Dense {
	return g.c.Slice(0, g.dim, 0, g.nx).(*mat.Dense)
}

// D returns the occupied rows of the input Jacobian.
func (g *constraintToGo) D() *mat.Dense {
	return g.d.Slice(0, g.dim, 0, g.nu).(*mat.Dense)
}

// H returns the occupied entries of the constraint value.
func (g *constraintToGo) H() *mat.VecDense {
	return g.h.SliceVec(0, g.dim).(*mat.VecDense)
}

// set replaces the buffer contents with C rows and h values; the D block
// is zeroed.
func (g *constraintToGo) set(C mat.Matrix, h mat.Vector) {
	rows, _ := C.Dims()
	if rows > g.max {
		panic("ilqr: constraint-to-go capacity exceeded")
	}
	g.dim = rows
	if rows == 0 {
		return
	}
	g.c.Slice(0, rows, 0, g.nx).(*mat.Dense).Copy(C)
	g.d.Slice(0, rows, 0, g.nu).(*mat.Dense).Zero()
	for i := 0; i < rows; i++ {
		g.h.SetVec(i, h.AtVec(i))
	}
}

// addRow appends one state-only row; its D entries are zero.
func (g *constraintToGo) addRow(Crow mat.Vector, hval float64) {
	g.checkRoom(1)
	for j := 0; j < g.nx; j++ {
		g.c.Set(g.dim, j, Crow.AtVec(j))
	}
	for j := 0; j < g.nu; j++ {
		g.d.Set(g.dim, j, 0)
	}
	g.h.SetVec(g.dim, hval)
	g.dim++
}

// addRowD appends one row carrying both state and input Jacobian
// entries; used for bound equalities injected at the current stage.
func (g *constraintToGo) addRowD(Crow, Drow mat.Vector, hval float64) {
	g.checkRoom(1)
	for j := 0; j < g.nx; j++ {
		g.c.Set(g.dim, j, Crow.AtVec(j))
	}
	for j := 0; j < g.nu; j++ {
		g.d.Set(g.dim, j, Drow.AtVec(j))
	}
	g.h.SetVec(g.dim, hval)
	g.dim++
}

// addBlock appends an m-row constraint block with full C, D, h.
func (g *constraintToGo) addBlock(C, D mat.Matrix, h mat.Vector) {
	m, _ := C.Dims()
	if m == 0 {
		return
	}
	g.checkRoom(m)
	g.c.Slice(g.dim, g.dim+m, 0, g.nx).(*mat.Dense).Copy(C)
	g.d.Slice(g.dim, g.dim+m, 0, g.nu).(*mat.Dense).Copy(D)
	for i := 0; i < m; i++ {
		g.h.SetVec(g.dim+i, h.AtVec(i))
	}
	g.dim += m
}

// propagateBackwards re-expresses the buffer, currently written in the
// next stage's dx, in the current stage's (dx, du) through the
// linearized dynamics dx_next = A*dx + B*du + d:
//
//	C <- C*A,  D <- C*B,  h <- h - C*d
//
// The incoming D block is zero by the buffer invariant.
func (g *constraintToGo) propagateBackwards(A, B mat.Matrix, d mat.Vector, tmp *temporaries) {
	if g.dim == 0 {
		return
	}
	C := g.C()
	h := g.H()

	pC := reuseMat(tmp.pC, g.dim, g.nx)
	pD := reuseMat(tmp.pD, g.dim, g.nu)
	ph := reuseVec(tmp.ph, g.dim)

	pC.Mul(C, A)
	pD.Mul(C, B)
	ph.MulVec(C, d)
	ph.SubVec(h, ph)

	g.C().Copy(pC)
	g.D().Copy(pD)
	g.H().CopyVec(ph)
}

func (g *constraintToGo) checkRoom(n int) {
	if g.dim+n > g.max {
		panic("ilqr: constraint-to-go capacity exceeded")
	}
}
