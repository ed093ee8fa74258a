package trace

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/san-kum/trajopt/internal/ilqr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
)

func sampleResult() *ilqr.Result {
	return &ilqr.Result{
		Converged:  true,
		Iterations: 2,
		X:          mat.NewDense(2, 3, []float64{1, 2, 3, 4, 5, 6}),
		U:          mat.NewDense(1, 2, []float64{7, 8}),
		Stats: []ilqr.IterationStats{
			{Iter: 0, Alpha: 1, Cost: 10, Accepted: true},
			{Iter: 1, Alpha: 0.5, Cost: 5, Accepted: true},
		},
	}
}

func TestBuild(t *testing.T) {
	data := Build("test", sampleResult())
	assert.Equal(t, "test", data.Problem)
	assert.Equal(t, 2, data.Horizon)
	assert.True(t, data.Converged)
	require.Len(t, data.States, 3)
	require.Len(t, data.Inputs, 2)
	assert.Equal(t, []float64{1, 4}, data.States[0])
	assert.Equal(t, []float64{7}, data.Inputs[0])
	require.Len(t, data.Records, 2)
	assert.Equal(t, 0.5, data.Records[1].Alpha)
}

func TestExportJSONRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "out.json")

	data := Build("test", sampleResult())
	require.NoError(t, ExportJSON(path, data))

	raw, err := os.ReadFile(path)
	require.NoError(t, err)

	var back ExportData
	require.NoError(t, json.Unmarshal(raw, &back))
	assert.Equal(t, data.Problem, back.Problem)
	assert.Equal(t, data.States, back.States)
	assert.Equal(t, len(data.Records), len(back.Records))
}

func TestExportCSV(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "out.csv")

	data := Build("test", sampleResult())
	require.NoError(t, ExportCSV(path, data))

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	content := string(raw)
	assert.Contains(t, content, "stage,x0,x1,u0")
	assert.Contains(t, content, "0,1,4,7")
	// final stage has no input columns
	assert.Contains(t, content, "2,3,6")
}
