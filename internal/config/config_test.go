package config

import (
	"path/filepath"
	"testing"

	"github.com/san-kum/trajopt/internal/ilqr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, "double_integrator", cfg.Problem)
	assert.Equal(t, DefaultMaxIter, cfg.MaxIter)
	assert.Equal(t, "lu", cfg.KKTDecomp)
	assert.Equal(t, "cod", cfg.ConstrDecomp)
}

func TestSaveLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "cfg.yaml")

	cfg := DefaultConfig()
	cfg.Problem = "pendulum"
	cfg.Auglag = true
	cfg.Solver.HxxRegBase = 1e-4
	require.NoError(t, Save(path, cfg))

	back, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "pendulum", back.Problem)
	assert.True(t, back.Auglag)
	assert.Equal(t, 1e-4, back.Solver.HxxRegBase)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load("does-not-exist.yaml")
	require.Error(t, err)
}

func TestSolverOptions(t *testing.T) {
	cfg := DefaultConfig()
	cfg.KKTDecomp = "ldlt"
	cfg.ConstrDecomp = "svd"
	cfg.Solver.HxxRegBase = 1e-5

	opt, err := cfg.SolverOptions()
	require.NoError(t, err)
	assert.Equal(t, ilqr.KKTLDLT, opt.KKTDecomp)
	assert.Equal(t, ilqr.ConstrSVD, opt.ConstrDecomp)
	assert.Equal(t, 1e-5, opt.HxxRegBase)
}

func TestSolverOptionsInvalidDecomp(t *testing.T) {
	cfg := DefaultConfig()
	cfg.KKTDecomp = "cholesky"
	_, err := cfg.SolverOptions()
	require.Error(t, err)
}

func TestPresets(t *testing.T) {
	cfg := GetPreset("pendulum", "swingup")
	require.NotNil(t, cfg)
	assert.True(t, cfg.Auglag)

	assert.Nil(t, GetPreset("pendulum", "nope"))
	assert.Nil(t, GetPreset("nope", "swingup"))

	names := ListPresets("double_integrator")
	assert.Len(t, names, 2)
}
