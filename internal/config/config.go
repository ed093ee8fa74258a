// Package config loads and saves trajopt run configurations.
package config

import (
	"os"

	"github.com/san-kum/trajopt/internal/ilqr"
	"gopkg.in/yaml.v3"
)

const (
	DefaultMaxIter      = 100
	DefaultKKTDecomp    = "lu"
	DefaultConstrDecomp = "cod"
)

type Config struct {
	Problem      string       `yaml:"problem"`
	MaxIter      int          `yaml:"max_iter"`
	KKTDecomp    string       `yaml:"kkt_decomp"`
	ConstrDecomp string       `yaml:"constr_decomp"`
	Auglag       bool         `yaml:"auglag"`
	Verbose      bool         `yaml:"verbose"`
	Solver       SolverConfig `yaml:"solver"`
	Output       OutputConfig `yaml:"output"`
}

type SolverConfig struct {
	SVDThreshold      float64 `yaml:"svd_threshold"`
	HxxRegBase        float64 `yaml:"hxx_reg_base"`
	HxxRegGrowth      float64 `yaml:"hxx_reg_growth"`
	HuuReg            float64 `yaml:"huu_reg"`
	KKTReg            float64 `yaml:"kkt_reg"`
	RhoInit           float64 `yaml:"rho_init"`
	RhoGrowth         float64 `yaml:"rho_growth"`
	MeritDerThreshold float64 `yaml:"merit_der_threshold"`
	ConstrViol        float64 `yaml:"constraint_violation_threshold"`
	Residual          float64 `yaml:"residual_threshold"`
}

type OutputConfig struct {
	JSON string `yaml:"json"`
	CSV  string `yaml:"csv"`
	Plot bool   `yaml:"plot"`
}

func DefaultConfig() *Config {
	return &Config{
		Problem:      "double_integrator",
		MaxIter:      DefaultMaxIter,
		KKTDecomp:    DefaultKKTDecomp,
		ConstrDecomp: DefaultConstrDecomp,
		Output:       OutputConfig{Plot: true},
	}
}

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func Save(path string, cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

// SolverOptions translates the config into solver options.
func (c *Config) SolverOptions() (ilqr.Options, error) {
	opt := ilqr.DefaultOptions()
	opt.MaxIter = c.MaxIter
	opt.EnableAuglag = c.Auglag
	opt.Verbose = c.Verbose

	kkt, err := ilqr.ParseKKTDecomp(c.KKTDecomp)
	if err != nil {
		return opt, err
	}
	opt.KKTDecomp = kkt

	constr, err := ilqr.ParseConstrDecomp(c.ConstrDecomp)
	if err != nil {
		return opt, err
	}
	opt.ConstrDecomp = constr

	if c.Solver.SVDThreshold != 0 {
		opt.SVDThreshold = c.Solver.SVDThreshold
	}
	if c.Solver.HxxRegBase != 0 {
		opt.HxxRegBase = c.Solver.HxxRegBase
	}
	if c.Solver.HxxRegGrowth != 0 {
		opt.HxxRegGrowth = c.Solver.HxxRegGrowth
	}
	if c.Solver.HuuReg != 0 {
		opt.HuuReg = c.Solver.HuuReg
	}
	if c.Solver.KKTReg != 0 {
		opt.KKTReg = c.Solver.KKTReg
	}
	if c.Solver.RhoInit != 0 {
		opt.RhoInit = c.Solver.RhoInit
	}
	if c.Solver.RhoGrowth != 0 {
		opt.RhoGrowth = c.Solver.RhoGrowth
	}
	if c.Solver.MeritDerThreshold != 0 {
		opt.MeritDerThreshold = c.Solver.MeritDerThreshold
	}
	if c.Solver.ConstrViol != 0 {
		opt.ConstrViolThreshold = c.Solver.ConstrViol
	}
	if c.Solver.Residual != 0 {
		opt.ResidualThreshold = c.Solver.Residual
	}
	if err := opt.Validate(); err != nil {
		return opt, err
	}
	return opt, nil
}
