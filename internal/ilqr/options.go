package ilqr

import (
	"fmt"
	"log/slog"
)

// KKTDecomp selects the linear solver for the per-stage KKT systems.
type KKTDecomp int

const (
	KKTLU KKTDecomp = iota
	KKTQR
	KKTLDLT
)

func (d KKTDecomp) String() string {
	switch d {
	case KKTLU:
		return "lu"
	case KKTQR:
		return "qr"
	case KKTLDLT:
		return "ldlt"
	}
	return fmt.Sprintf("kkt(%d)", int(d))
}

// ParseKKTDecomp maps a config/flag string to a KKTDecomp.
func ParseKKTDecomp(s string) (KKTDecomp, error) {
	switch s {
	case "lu":
		return KKTLU, nil
	case "qr":
		return KKTQR, nil
	case "ldlt":
		return KKTLDLT, nil
	}
	return 0, fmt.Errorf("ilqr: kkt decomposition supports only lu, qr, or ldlt, got %q", s)
}

// ConstrDecomp selects the rank-revealing decomposition applied to the
// constraint input Jacobian.
type ConstrDecomp int

const (
	ConstrCOD ConstrDecomp = iota
	ConstrQR
	ConstrSVD
)

func (d ConstrDecomp) String() string {
	switch d {
	case ConstrCOD:
		return "cod"
	case ConstrQR:
		return "qr"
	case ConstrSVD:
		return "svd"
	}
	return fmt.Sprintf("constr(%d)", int(d))
}

// ParseConstrDecomp maps a config/flag string to a ConstrDecomp.
func ParseConstrDecomp(s string) (ConstrDecomp, error) {
	switch s {
	case "cod":
		return ConstrCOD, nil
	case "qr":
		return ConstrQR, nil
	case "svd":
		return ConstrSVD, nil
	}
	return 0, fmt.Errorf("ilqr: constraint decomposition supports only cod, qr, or svd, got %q", s)
}

// Options configures the solver. Validate replaces zero numeric fields
// with the defaults from DefaultOptions, except HuuReg and KKTReg, whose
// zero is kept as given.
type Options struct {
	// MaxIter bounds the number of outer iterations of a Solve call.
	MaxIter int

	// KKTDecomp is the linear solve method for stage KKT systems.
	KKTDecomp KKTDecomp

	// ConstrDecomp is the rank-revealing method for the constraint input
	// Jacobian.
	ConstrDecomp ConstrDecomp

	// SVDThreshold is the relative rank cutoff for the constraint
	// decomposition.
	SVDThreshold float64

	// HxxRegBase is the base state Hessian regularization; regularization
	// never drops below it.
	HxxRegBase float64

	// HxxRegGrowth multiplies the state regularization on indefiniteness.
	HxxRegGrowth float64

	// HuuReg is a fixed input Hessian regularization.
	HuuReg float64

	// KKTReg is a diagonal regularization on the multiplier block.
	KKTReg float64

	// EnableAuglag turns on augmented-Lagrangian handling of bound
	// inequalities.
	EnableAuglag bool

	// RhoInit is the initial augmented-Lagrangian penalty.
	RhoInit float64

	// RhoGrowth multiplies the penalty at each auglag update.
	RhoGrowth float64

	// MeritDerThreshold gates the auglag update on merit stationarity.
	MeritDerThreshold float64

	// ConstrViolThreshold is the feasibility threshold used by the stop
	// test and the auglag gate.
	ConstrViolThreshold float64

	// ResidualThreshold is the initial-state KKT residual above which a
	// constraint row is reported infeasible.
	ResidualThreshold float64

	// DropThreshold is the magnitude below which an infeasible constraint
	// row is discarded as linearly dependent.
	DropThreshold float64

	// MeritSafetyFactor scales the merit weights above the multiplier
	// estimates.
	MeritSafetyFactor float64

	// AlphaMin is the smallest line-search step.
	AlphaMin float64

	// Armijo is the sufficient-decrease coefficient.
	Armijo float64

	// StepReduction is the line-search backtracking factor.
	StepReduction float64

	// Verbose enables per-stage Debug logging.
	Verbose bool

	// Logger receives warnings and, with Verbose, per-stage diagnostics.
	// Nil discards everything.
	Logger *slog.Logger
}

// DefaultOptions returns the solver defaults.
func DefaultOptions() Options {
	return Options{
		MaxIter:             100,
		KKTDecomp:           KKTLU,
		ConstrDecomp:        ConstrCOD,
		SVDThreshold:        1e-9,
		HxxRegBase:          1e-3,
		HxxRegGrowth:        10,
		HuuReg:              0,
		KKTReg:              0,
		RhoInit:             1,
		RhoGrowth:           10,
		MeritDerThreshold:   1e-3,
		ConstrViolThreshold: 1e-6,
		ResidualThreshold:   1e-8,
		DropThreshold:       1e-9,
		MeritSafetyFactor:   2,
		AlphaMin:            1e-3,
		Armijo:              1e-4,
		StepReduction:       0.5,
	}
}

// Validate checks the option set and fills defaulted fields.
func (o *Options) Validate() error {
	def := DefaultOptions()
	if o.MaxIter == 0 {
		o.MaxIter = def.MaxIter
	}
	if o.SVDThreshold == 0 {
		o.SVDThreshold = def.SVDThreshold
	}
	if o.HxxRegBase == 0 {
		o.HxxRegBase = def.HxxRegBase
	}
	if o.HxxRegGrowth == 0 {
		o.HxxRegGrowth = def.HxxRegGrowth
	}
	if o.RhoInit == 0 {
		o.RhoInit = def.RhoInit
	}
	if o.RhoGrowth == 0 {
		o.RhoGrowth = def.RhoGrowth
	}
	if o.MeritDerThreshold == 0 {
		o.MeritDerThreshold = def.MeritDerThreshold
	}
	if o.ConstrViolThreshold == 0 {
		o.ConstrViolThreshold = def.ConstrViolThreshold
	}
	if o.ResidualThreshold == 0 {
		o.ResidualThreshold = def.ResidualThreshold
	}
	if o.DropThreshold == 0 {
		o.DropThreshold = def.DropThreshold
	}
	if o.MeritSafetyFactor == 0 {
		o.MeritSafetyFactor = def.MeritSafetyFactor
	}
	if o.AlphaMin == 0 {
		o.AlphaMin = def.AlphaMin
	}
	if o.Armijo == 0 {
		o.Armijo = def.Armijo
	}
	if o.StepReduction == 0 {
		o.StepReduction = def.StepReduction
	}

	switch {
	case o.MaxIter < 0:
		return fmt.Errorf("ilqr: max iterations must be positive, got %d", o.MaxIter)
	case o.KKTDecomp < KKTLU || o.KKTDecomp > KKTLDLT:
		return fmt.Errorf("ilqr: invalid kkt decomposition %v", o.KKTDecomp)
	case o.ConstrDecomp < ConstrCOD || o.ConstrDecomp > ConstrSVD:
		return fmt.Errorf("ilqr: invalid constraint decomposition %v", o.ConstrDecomp)
	case o.SVDThreshold <= 0:
		return fmt.Errorf("ilqr: svd threshold must be positive, got %g", o.SVDThreshold)
	case o.HxxRegBase <= 0:
		return fmt.Errorf("ilqr: hxx regularization base must be positive, got %g", o.HxxRegBase)
	case o.HxxRegGrowth <= 1:
		return fmt.Errorf("ilqr: hxx regularization growth must exceed 1, got %g", o.HxxRegGrowth)
	case o.HuuReg < 0:
		return fmt.Errorf("ilqr: huu regularization must not be negative, got %g", o.HuuReg)
	case o.RhoGrowth <= 1:
		return fmt.Errorf("ilqr: rho growth must exceed 1, got %g", o.RhoGrowth)
	case o.StepReduction <= 0 || o.StepReduction >= 1:
		return fmt.Errorf("ilqr: step reduction must lie in (0,1), got %g", o.StepReduction)
	case o.AlphaMin <= 0 || o.AlphaMin > 1:
		return fmt.Errorf("ilqr: alpha min must lie in (0,1], got %g", o.AlphaMin)
	}
	return nil
}

// logger returns the configured logger or a discard logger.
func (o *Options) logger() *slog.Logger {
	if o.Logger != nil {
		return o.Logger
	}
	return slog.New(slog.DiscardHandler)
}
