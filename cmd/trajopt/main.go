package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"text/tabwriter"
	"time"

	"github.com/guptarohit/asciigraph"
	"github.com/san-kum/trajopt/internal/config"
	"github.com/san-kum/trajopt/internal/ilqr"
	"github.com/san-kum/trajopt/internal/problems"
	"github.com/san-kum/trajopt/internal/trace"
	"github.com/san-kum/trajopt/internal/tui"
	"github.com/spf13/cobra"
)

var (
	maxIter      int
	kktDecomp    string
	constrDecomp string
	auglag       bool
	verbose      bool
	plot         bool
	jsonOut      string
	csvOut       string
	configFile   string
	preset       string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "trajopt",
		Short: "trajectory optimization with constrained multiple-shooting ilqr",
	}

	solveCmd := &cobra.Command{
		Use:   "solve [problem]",
		Short: "solve a trajectory optimization problem",
		Args:  cobra.ExactArgs(1),
		RunE:  runSolve,
	}
	addSolveFlags(solveCmd)
	solveCmd.Flags().BoolVar(&plot, "plot", true, "plot trajectories")
	solveCmd.Flags().StringVar(&jsonOut, "json", "", "export solution to JSON file")
	solveCmd.Flags().StringVar(&csvOut, "csv", "", "export trajectory to CSV file")

	liveCmd := &cobra.Command{
		Use:   "live [problem]",
		Short: "solve with a live iteration view",
		Args:  cobra.ExactArgs(1),
		RunE:  runLive,
	}
	addSolveFlags(liveCmd)

	problemsCmd := &cobra.Command{
		Use:   "problems",
		Short: "list available problems",
		RunE: func(cmd *cobra.Command, args []string) error {
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			for _, name := range problems.List() {
				p, err := problems.Get(name)
				if err != nil {
					return err
				}
				fmt.Fprintf(w, "%s\t%s\tN=%d\n", p.Name, p.Description, p.N)
			}
			return w.Flush()
		},
	}

	presetsCmd := &cobra.Command{
		Use:   "presets [problem]",
		Short: "list available presets for a problem",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			names := config.ListPresets(args[0])
			if len(names) == 0 {
				fmt.Printf("no presets for problem: %s\n", args[0])
				return nil
			}
			fmt.Printf("presets for %s:\n", args[0])
			for _, p := range names {
				fmt.Printf("  %s\n", p)
			}
			return nil
		},
	}

	rootCmd.AddCommand(solveCmd, liveCmd, problemsCmd, presetsCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func addSolveFlags(cmd *cobra.Command) {
	cmd.Flags().IntVar(&maxIter, "iters", config.DefaultMaxIter, "max outer iterations")
	cmd.Flags().StringVar(&kktDecomp, "kkt-decomp", config.DefaultKKTDecomp, "kkt solve method (lu, qr, ldlt)")
	cmd.Flags().StringVar(&constrDecomp, "constr-decomp", config.DefaultConstrDecomp, "constraint decomposition (cod, qr, svd)")
	cmd.Flags().BoolVar(&auglag, "auglag", false, "enable augmented-lagrangian bound handling")
	cmd.Flags().BoolVar(&verbose, "verbose", false, "per-stage diagnostics")
	cmd.Flags().StringVar(&configFile, "config", "", "config file path (yaml)")
	cmd.Flags().StringVar(&preset, "preset", "", "use preset configuration")
}

// buildConfig merges preset, config file, and flags, in that order of
// increasing precedence.
func buildConfig(cmd *cobra.Command, problem string) (*config.Config, error) {
	cfg := config.DefaultConfig()
	cfg.Problem = problem

	if preset != "" {
		p := config.GetPreset(problem, preset)
		if p == nil {
			return nil, fmt.Errorf("unknown preset: %s (available: %v)", preset, config.ListPresets(problem))
		}
		*cfg = *p
	}

	if configFile != "" {
		loaded, err := config.Load(configFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load config: %w", err)
		}
		*cfg = *loaded
		cfg.Problem = problem
	}

	if cmd.Flags().Changed("iters") || cfg.MaxIter == 0 {
		cfg.MaxIter = maxIter
	}
	if cmd.Flags().Changed("kkt-decomp") || cfg.KKTDecomp == "" {
		cfg.KKTDecomp = kktDecomp
	}
	if cmd.Flags().Changed("constr-decomp") || cfg.ConstrDecomp == "" {
		cfg.ConstrDecomp = constrDecomp
	}
	if cmd.Flags().Changed("auglag") {
		cfg.Auglag = auglag
	}
	if cmd.Flags().Changed("verbose") {
		cfg.Verbose = verbose
	}
	return cfg, nil
}

func buildSolver(cmd *cobra.Command, problem string) (*ilqr.Solver, *problems.Problem, error) {
	cfg, err := buildConfig(cmd, problem)
	if err != nil {
		return nil, nil, err
	}

	opt, err := cfg.SolverOptions()
	if err != nil {
		return nil, nil, err
	}
	if cfg.Verbose {
		opt.Logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
	} else {
		opt.Logger = slog.New(slog.NewTextHandler(os.Stderr, nil))
	}

	p, err := problems.Get(problem)
	if err != nil {
		return nil, nil, err
	}

	s, err := p.Configure(opt)
	if err != nil {
		return nil, nil, err
	}
	return s, p, nil
}

func runSolve(cmd *cobra.Command, args []string) error {
	s, p, err := buildSolver(cmd, args[0])
	if err != nil {
		return err
	}

	fmt.Printf("solving %s (N=%d)...\n", p.Name, p.N)
	start := time.Now()

	res, err := s.Solve(context.Background())
	if err != nil {
		return err
	}
	elapsed := time.Since(start)

	if res.Converged {
		fmt.Printf("converged in %d iterations (%v)\n\n", res.Iterations, elapsed)
	} else {
		fmt.Printf("stopped after %d iterations without convergence (%v)\n\n", res.Iterations, elapsed)
	}

	printStats(res.Stats)

	if plot {
		plotSolution(p, res)
	}

	data := trace.Build(p.Name, res)
	if jsonOut != "" {
		if err := trace.ExportJSON(jsonOut, data); err != nil {
			return err
		}
		fmt.Printf("wrote %s\n", jsonOut)
	}
	if csvOut != "" {
		if err := trace.ExportCSV(csvOut, data); err != nil {
			return err
		}
		fmt.Printf("wrote %s\n", csvOut)
	}
	return nil
}

func runLive(cmd *cobra.Command, args []string) error {
	s, p, err := buildSolver(cmd, args[0])
	if err != nil {
		return err
	}
	return tui.Run(p.Name, func(cb ilqr.Callback) (*ilqr.Result, error) {
		s.SetCallback(cb)
		return s.Solve(context.Background())
	})
}

func printStats(stats []ilqr.IterationStats) {
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "iter\talpha\tcost\tdefect\tviol\tmerit\tmerit'\tstep\treg")
	for _, st := range stats {
		fmt.Fprintf(w, "%d\t%.3g\t%.6g\t%.3g\t%.3g\t%.6g\t%.3g\t%.3g\t%.2g\n",
			st.Iter, st.Alpha, st.Cost, st.DefectNorm, st.ConstrViolation,
			st.Merit, st.MeritDer, st.StepLength, st.HxxReg)
	}
	w.Flush()
	fmt.Println()
}

func plotSolution(p *problems.Problem, res *ilqr.Result) {
	nx, _ := res.X.Dims()
	for i := 0; i < nx; i++ {
		label := fmt.Sprintf("x%d", i)
		if i < len(p.StateLabels) {
			label = p.StateLabels[i]
		}
		fmt.Println(asciigraph.Plot(matRow(res.X, i),
			asciigraph.Height(8), asciigraph.Width(60), asciigraph.Caption(label)))
		fmt.Println()
	}

	nu, _ := res.U.Dims()
	for i := 0; i < nu; i++ {
		fmt.Println(asciigraph.Plot(matRow(res.U, i),
			asciigraph.Height(8), asciigraph.Width(60),
			asciigraph.Caption(fmt.Sprintf("u%d", i))))
		fmt.Println()
	}
}

func matRow(m interface {
	Dims() (int, int)
	At(int, int) float64
}, i int) []float64 {
	_, c := m.Dims()
	row := make([]float64, c)
	for j := 0; j < c; j++ {
		row[j] = m.At(i, j)
	}
	return row
}
