package report

import (
	"bytes"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/YuminosukeSato/nirpls/pkg/errors"
	"github.com/YuminosukeSato/nirpls/pkg/log"
	"github.com/YuminosukeSato/nirpls/sklearn/model_selection"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
)

func fittedSearch(t *testing.T) (*model_selection.GridSearchCV, *mat.Dense, []float64, []model_selection.Fold) {
	t.Helper()
	rng := rand.New(rand.NewSource(7))
	const n, f = 40, 6
	X := mat.NewDense(n, f, nil)
	y := make([]float64, n)
	groups := make([]string, n)
	for i := 0; i < n; i++ {
		for j := 0; j < f; j++ {
			X.Set(i, j, rng.NormFloat64())
		}
		y[i] = 5 + X.At(i, 0) - 2*X.At(i, 2) + 0.05*rng.NormFloat64()
		groups[i] = fmt.Sprintf("s%02d", i/4)
	}
	folds, err := model_selection.NewGroupKFold(5).Split(groups)
	require.NoError(t, err)

	logger, _ := log.NewTestLogger(log.LevelWarn)
	gs := model_selection.NewGridSearchCV(
		model_selection.WithCandidates([]int{1, 2, 3}),
		model_selection.WithLogger(logger),
	)
	require.NoError(t, gs.Fit(X, mat.NewDense(n, 1, y), folds))
	return gs, X, y, folds
}

func TestMetrics_RoundTrip(t *testing.T) {
	gs, _, _, _ := fittedSearch(t)
	m, err := NewMetrics("Carrots", "Antioxidants", gs)
	require.NoError(t, err)
	assert.Equal(t, "carrots", m.Crop)
	assert.Equal(t, gs.BestNComponents, m.BestParams.NComponents)
	assert.Len(t, m.FoldScores, 5)
	assert.Len(t, m.Candidates, 3)
	assert.Equal(t, gs.Diagnostics.RMSEMean, m.CVScores.RMSEMean)

	var buf bytes.Buffer
	require.NoError(t, WriteMetrics(&buf, m))
	assert.Contains(t, buf.String(), `"best_params"`)
	assert.Contains(t, buf.String(), `"r2_mean"`)

	got, err := ReadMetrics(&buf)
	require.NoError(t, err)
	if diff := cmp.Diff(m, got); diff != "" {
		t.Errorf("metrics mismatch (-want +got):\n%s", diff)
	}
}

func TestMetrics_NotFitted(t *testing.T) {
	_, err := NewMetrics("c", "t", model_selection.NewGridSearchCV())
	var nf *errors.NotFittedError
	assert.True(t, errors.As(err, &nf))
}

func TestWriteMetricsFile(t *testing.T) {
	gs, _, _, _ := fittedSearch(t)
	m, err := NewMetrics("carrots", "antioxidants", gs)
	require.NoError(t, err)

	dir := filepath.Join(t.TempDir(), "models")
	path, err := WriteMetricsFile(dir, m)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "carrots__antioxidants__pls__metrics.json"), path)

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	got, err := ReadMetrics(f)
	require.NoError(t, err)
	assert.Equal(t, m.BestParams, got.BestParams)
}

func TestFileNames(t *testing.T) {
	assert.Equal(t, "kale__brix__pls__truth_vs_pred.png", PlotFileName("Kale", "Brix", "pls"))
	j, p, r := EvaluationFileNames("models", 2)
	assert.Equal(t, filepath.Join("models", "evaluation_fold_2.json"), j)
	assert.Equal(t, filepath.Join("models", "evaluation_fold_2.png"), p)
	assert.Equal(t, filepath.Join("models", "evaluation_fold_2_residuals.png"), r)
}

func TestEvaluate(t *testing.T) {
	gs, X, y, folds := fittedSearch(t)
	fold, err := FindFold(folds, 1)
	require.NoError(t, err)

	r, err := Evaluate(gs.BestEstimator, X, y, fold)
	require.NoError(t, err)
	assert.Equal(t, 1, r.Fold)
	assert.Equal(t, len(fold.ValidationIndices), r.NSamples)
	assert.Len(t, r.YPred, r.NSamples)
	assert.Greater(t, r.Metrics.R2, 0.9)
	assert.GreaterOrEqual(t, r.Metrics.RMSE, r.Metrics.MAE)
	assert.LessOrEqual(t, r.TargetStats.Min, r.TargetStats.Mean)
	assert.GreaterOrEqual(t, r.TargetStats.Max, r.TargetStats.Mean)
	assert.Greater(t, r.TargetStats.Std, 0.0)

	for i, res := range r.Residuals() {
		assert.InDelta(t, r.YTrue[i]-r.YPred[i], res, 1e-12)
	}

	var buf bytes.Buffer
	require.NoError(t, WriteEvaluation(&buf, r))
	assert.Contains(t, buf.String(), `"prediction_stats"`)
	assert.NotContains(t, buf.String(), "YTrue")
}

func TestEvaluate_Errors(t *testing.T) {
	gs, X, y, folds := fittedSearch(t)

	_, err := FindFold(folds, 9)
	assert.Error(t, err)

	_, err = Evaluate(nil, X, y, folds[0])
	assert.Error(t, err)

	_, err = Evaluate(gs.BestEstimator, X, y[:3], folds[0])
	var de *errors.DimensionError
	assert.True(t, errors.As(err, &de))

	bad := model_selection.Fold{Index: 0, ValidationIndices: []int{100}}
	_, err = Evaluate(gs.BestEstimator, X, y, bad)
	assert.Error(t, err)

	_, err = Evaluate(gs.BestEstimator, X, y, model_selection.Fold{Index: 3})
	assert.Error(t, err)
}

func TestPlots(t *testing.T) {
	gs, X, y, folds := fittedSearch(t)
	r, err := Evaluate(gs.BestEstimator, X, y, folds[0])
	require.NoError(t, err)

	dir := t.TempDir()
	truth := filepath.Join(dir, "truth.png")
	resid := filepath.Join(dir, "resid.png")
	require.NoError(t, TruthVsPredictionPlot(truth, r.YTrue, r.YPred, "PLS Model: carrots - antioxidants"))
	require.NoError(t, ResidualPlot(resid, r.YPred, r.Residuals(), "Residuals Plot (Fold 0)"))

	for _, path := range []string{truth, resid} {
		data, err := os.ReadFile(path)
		require.NoError(t, err)
		require.Greater(t, len(data), 8)
		assert.Equal(t, []byte("\x89PNG"), data[:4])
	}

	assert.Error(t, TruthVsPredictionPlot(truth, nil, nil, "empty"))
	assert.Error(t, ResidualPlot(resid, []float64{1, 2}, []float64{1}, "mismatch"))
}
