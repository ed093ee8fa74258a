package config

var Presets = map[string]map[string]*Config{
	"double_integrator": {
		"default": {
			Problem: "double_integrator", MaxIter: 20,
			KKTDecomp: "lu", ConstrDecomp: "cod",
		},
		"qr": {
			Problem: "double_integrator", MaxIter: 20,
			KKTDecomp: "qr", ConstrDecomp: "qr",
		},
	},
	"pendulum": {
		"swingup": {
			Problem: "pendulum", MaxIter: 200,
			KKTDecomp: "lu", ConstrDecomp: "cod", Auglag: true,
		},
		"svd": {
			Problem: "pendulum", MaxIter: 200,
			KKTDecomp: "ldlt", ConstrDecomp: "svd", Auglag: true,
		},
	},
	"cartpole": {
		"swingup": {
			Problem: "cartpole", MaxIter: 300,
			KKTDecomp: "lu", ConstrDecomp: "cod", Auglag: true,
		},
	},
}

func GetPreset(problem, preset string) *Config {
	problemPresets, ok := Presets[problem]
	if !ok {
		return nil
	}
	cfg, ok := problemPresets[preset]
	if !ok {
		return nil
	}
	return cfg
}

func ListPresets(problem string) []string {
	problemPresets, ok := Presets[problem]
	if !ok {
		return nil
	}
	names := make([]string, 0, len(problemPresets))
	for name := range problemPresets {
		names = append(names, name)
	}
	return names
}
