// Package trace records per-iteration solver statistics and exports
// solutions to JSON and CSV.
package trace

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"strconv"

	"github.com/san-kum/trajopt/internal/ilqr"
	"gonum.org/v1/gonum/mat"
)

// Record mirrors one solver iteration for serialization.
type Record struct {
	Iter            int     `json:"iter"`
	Alpha           float64 `json:"alpha"`
	Cost            float64 `json:"cost"`
	DefectNorm      float64 `json:"defect_norm"`
	ConstrViolation float64 `json:"constr_violation"`
	BoundViolation  float64 `json:"bound_violation"`
	Merit           float64 `json:"merit"`
	MeritDer        float64 `json:"merit_der"`
	StepLength      float64 `json:"step_length"`
	HxxReg          float64 `json:"hxx_reg"`
	Rho             float64 `json:"rho"`
	Accepted        bool    `json:"accepted"`
}

// ExportData is the full solve outcome written by ExportJSON.
type ExportData struct {
	Problem    string      `json:"problem"`
	Horizon    int         `json:"horizon"`
	Converged  bool        `json:"converged"`
	Iterations int         `json:"iterations"`
	States     [][]float64 `json:"states"`
	Inputs     [][]float64 `json:"inputs"`
	Records    []Record    `json:"records"`
}

// FromStats converts solver statistics into records.
func FromStats(stats []ilqr.IterationStats) []Record {
	records := make([]Record, len(stats))
	for i, st := range stats {
		records[i] = Record{
			Iter:            st.Iter,
			Alpha:           st.Alpha,
			Cost:            st.Cost,
			DefectNorm:      st.DefectNorm,
			ConstrViolation: st.ConstrViolation,
			BoundViolation:  st.BoundViolation,
			Merit:           st.Merit,
			MeritDer:        st.MeritDer,
			StepLength:      st.StepLength,
			HxxReg:          st.HxxReg,
			Rho:             st.Rho,
			Accepted:        st.Accepted,
		}
	}
	return records
}

// Columns turns a column-major trajectory matrix into row slices, one
// per stage.
func Columns(m *mat.Dense) [][]float64 {
	r, c := m.Dims()
	out := make([][]float64, c)
	for j := 0; j < c; j++ {
		col := make([]float64, r)
		for i := 0; i < r; i++ {
			col[i] = m.At(i, j)
		}
		out[j] = col
	}
	return out
}

// Build assembles the export payload from a solve result.
func Build(problem string, res *ilqr.Result) ExportData {
	_, n := res.U.Dims()
	return ExportData{
		Problem:    problem,
		Horizon:    n,
		Converged:  res.Converged,
		Iterations: res.Iterations,
		States:     Columns(res.X),
		Inputs:     Columns(res.U),
		Records:    FromStats(res.Stats),
	}
}

// ExportJSON writes the solve outcome to path as indented JSON.
func ExportJSON(path string, data ExportData) error {
	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	encoder := json.NewEncoder(file)
	encoder.SetIndent("", "  ")
	return encoder.Encode(data)
}

// ExportCSV writes the trajectory to path with one row per stage:
// stage index, state components, then input components (empty at the
// final stage).
func ExportCSV(path string, data ExportData) error {
	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	w := csv.NewWriter(file)
	defer w.Flush()

	nx := 0
	if len(data.States) > 0 {
		nx = len(data.States[0])
	}
	nu := 0
	if len(data.Inputs) > 0 {
		nu = len(data.Inputs[0])
	}

	header := []string{"stage"}
	for i := 0; i < nx; i++ {
		header = append(header, fmt.Sprintf("x%d", i))
	}
	for i := 0; i < nu; i++ {
		header = append(header, fmt.Sprintf("u%d", i))
	}
	if err := w.Write(header); err != nil {
		return err
	}

	for k, xs := range data.States {
		row := []string{strconv.Itoa(k)}
		for _, v := range xs {
			row = append(row, strconv.FormatFloat(v, 'g', -1, 64))
		}
		if k < len(data.Inputs) {
			for _, v := range data.Inputs[k] {
				row = append(row, strconv.FormatFloat(v, 'g', -1, 64))
			}
		}
		if err := w.Write(row); err != nil {
			return err
		}
	}
	return nil
}
