// Package tui renders a live view of a running solve: per-iteration
// statistics and a merit history sparkline, fed by the solver's
// iteration callback.
package tui

import (
	"fmt"
	"math"
	"strings"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/guptarohit/asciigraph"
	"github.com/san-kum/trajopt/internal/ilqr"
	"gonum.org/v1/gonum/mat"
)

var (
	cyan   = lipgloss.NewStyle().Foreground(lipgloss.Color("86"))
	white  = lipgloss.NewStyle().Foreground(lipgloss.Color("255"))
	dim    = lipgloss.NewStyle().Foreground(lipgloss.Color("242"))
	green  = lipgloss.NewStyle().Foreground(lipgloss.Color("82"))
	yellow = lipgloss.NewStyle().Foreground(lipgloss.Color("220"))
	red    = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
)

type statsMsg ilqr.IterationStats

type doneMsg struct {
	res *ilqr.Result
	err error
}

type model struct {
	problem string
	latest  ilqr.IterationStats
	merits  []float64
	evals   int

	done      bool
	converged bool
	err       error

	width  int
	height int

	ch chan tea.Msg
}

func newModel(problem string, ch chan tea.Msg) model {
	return model{
		problem: problem,
		merits:  make([]float64, 0, 256),
		width:   80,
		height:  24,
		ch:      ch,
	}
}

func (m model) wait() tea.Cmd {
	return func() tea.Msg { return <-m.ch }
}

func (m model) Init() tea.Cmd { return m.wait() }

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			return m, tea.Quit
		}
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
	case statsMsg:
		m.latest = ilqr.IterationStats(msg)
		m.evals++
		if m.latest.Accepted {
			m.merits = append(m.merits, m.latest.Merit)
		}
		return m, m.wait()
	case doneMsg:
		m.done = true
		m.err = msg.err
		if msg.res != nil {
			m.converged = msg.res.Converged
		}
		return m, nil
	}
	return m, nil
}

func (m model) View() string {
	var b strings.Builder

	b.WriteString(cyan.Render("trajopt") + dim.Render("  solving "+m.problem) + "\n\n")

	st := m.latest
	b.WriteString(fmt.Sprintf("  %s %-4d  %s %-8.2g  %s %-10.4g  %s %-10.3g  %s %-10.3g\n",
		dim.Render("iter"), st.Iter,
		dim.Render("alpha"), st.Alpha,
		dim.Render("cost"), st.Cost,
		dim.Render("defect"), st.DefectNorm,
		dim.Render("viol"), st.ConstrViolation))
	b.WriteString(fmt.Sprintf("  %s %-10.4g  %s %-10.3g  %s %-8.2g  %s %-8.2g  %s %d\n\n",
		dim.Render("merit"), st.Merit,
		dim.Render("merit'"), st.MeritDer,
		dim.Render("reg"), st.HxxReg,
		dim.Render("rho"), st.Rho,
		dim.Render("evals"), m.evals))

	if len(m.merits) > 1 {
		width := m.width - 14
		if width > 60 {
			width = 60
		}
		if width > 8 {
			b.WriteString(asciigraph.Plot(logScale(m.merits),
				asciigraph.Height(8),
				asciigraph.Width(width),
				asciigraph.Caption("log10 merit")))
			b.WriteString("\n\n")
		}
	}

	switch {
	case m.done && m.err != nil:
		b.WriteString(red.Render("  solve failed: "+m.err.Error()) + "\n")
	case m.done && m.converged:
		b.WriteString(green.Render("  converged") + "\n")
	case m.done:
		b.WriteString(yellow.Render("  stopped without convergence") + "\n")
	default:
		b.WriteString(white.Render("  running...") + "\n")
	}
	b.WriteString(dim.Render("  q to quit"))
	return b.String()
}

// logScale maps merits to log10, clamping non-positive values.
func logScale(vals []float64) []float64 {
	out := make([]float64, len(vals))
	for i, v := range vals {
		if v <= 0 {
			v = 1e-16
		}
		out[i] = math.Log10(v)
	}
	return out
}

// Run drives a solve under the live view. The solve function receives
// the callback to install on its solver and runs in the background; the
// view stays up until the user quits.
func Run(problem string, solve func(cb ilqr.Callback) (*ilqr.Result, error)) error {
	ch := make(chan tea.Msg, 64)

	go func() {
		res, err := solve(func(x, u mat.Matrix, st ilqr.IterationStats) bool {
			ch <- statsMsg(st)
			return true
		})
		ch <- doneMsg{res: res, err: err}
	}()

	p := tea.NewProgram(newModel(problem, ch))
	_, err := p.Run()
	return err
}
