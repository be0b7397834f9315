package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/YuminosukeSato/nirpls/artifact"
	"github.com/YuminosukeSato/nirpls/config"
	"github.com/YuminosukeSato/nirpls/inference"
	"github.com/YuminosukeSato/nirpls/pkg/errors"
	"github.com/YuminosukeSato/nirpls/pkg/log"
	"github.com/YuminosukeSato/nirpls/report"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const nWavelengths = 8

// writeRawDataset は10検体×3回測定のニンジンと、学習に使わないケールの行を書き出す
func writeRawDataset(t *testing.T, dataDir string) {
	t.Helper()
	rng := rand.New(rand.NewSource(11))

	var b strings.Builder
	b.WriteString("Sample ID,Crop,Antioxidants")
	for j := 0; j < nWavelengths; j++ {
		fmt.Fprintf(&b, ",%d", 1100+50*j)
	}
	b.WriteString("\n")
	row := func(id, crop string) {
		x := make([]float64, nWavelengths)
		for j := range x {
			x[j] = rng.Float64()
		}
		y := 10 + 3*x[0] - 2*x[3] + 0.01*rng.NormFloat64()
		fmt.Fprintf(&b, "%s,%s,%.6f", id, crop, y)
		for _, v := range x {
			fmt.Fprintf(&b, ",%.6f", v)
		}
		b.WriteString("\n")
	}
	for s := 0; s < 10; s++ {
		for rep := 0; rep < 3; rep++ {
			row(fmt.Sprintf("C%02d", s), "Carrots")
		}
	}
	row("K01", "kale")

	raw := filepath.Join(dataDir, "raw")
	require.NoError(t, os.MkdirAll(raw, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(raw, "averaged_dataset.csv"), []byte(b.String()), 0o644))
}

type testEnv struct {
	dataDir   string
	modelsDir string
}

func newTestEnv(t *testing.T) testEnv {
	root := t.TempDir()
	return testEnv{dataDir: filepath.Join(root, "data"), modelsDir: filepath.Join(root, "models")}
}

func (te testEnv) getenv(k string) string {
	switch k {
	case config.EnvDataDir:
		return te.dataDir
	case config.EnvModelsDir:
		return te.modelsDir
	}
	return ""
}

func invoke(t *testing.T, te testEnv, name string, cmd commandFunc, args ...string) (string, error) {
	t.Helper()
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	body := cmd(fs)
	cfg, err := config.Parse(fs, args, te.getenv)
	require.NoError(t, err)

	logger, _ := log.NewTestLogger(log.LevelWarn)
	var out bytes.Buffer
	err = body(context.Background(), &app{cfg: cfg, out: &out, logger: logger})
	return out.String(), err
}

func TestCommands_EndToEnd(t *testing.T) {
	te := newTestEnv(t)
	writeRawDataset(t, te.dataDir)

	out, err := invoke(t, te, "clean", runClean)
	require.NoError(t, err)
	assert.Contains(t, out, "samples=30 groups=10 wavelengths=8 folds=5")
	cfg := config.Config{Crop: "carrots", Target: "antioxidants", DataDir: te.dataDir, ModelsDir: te.modelsDir}
	for _, p := range []string{cfg.FeaturesPath(), cfg.TargetPath(), cfg.SchemaPath(), cfg.SplitsPath()} {
		assert.FileExists(t, p)
	}

	out, err = invoke(t, te, "train", runTrain, "-min-components", "1", "-max-components", "4", "-step", "1")
	require.NoError(t, err)
	assert.Contains(t, out, "Best n_components:")

	models, err := filepath.Glob(filepath.Join(te.modelsDir, artifact.FilePrefix("carrots", "antioxidants", artifact.MethodPLS)+"__*"+artifact.Extension))
	require.NoError(t, err)
	require.Len(t, models, 1)
	assert.FileExists(t, filepath.Join(te.modelsDir, "carrots__wavelengths.json"))
	assert.FileExists(t, filepath.Join(te.modelsDir, report.PlotFileName("carrots", "antioxidants", artifact.MethodPLS)))

	f, err := os.Open(filepath.Join(te.modelsDir, report.MetricsFileName("carrots", "antioxidants", artifact.MethodPLS)))
	require.NoError(t, err)
	m, err := report.ReadMetrics(f)
	f.Close()
	require.NoError(t, err)
	assert.Len(t, m.FoldScores, 5)
	assert.Greater(t, m.CVScores.R2Mean, 0.9)

	out, err = invoke(t, te, "evaluate", runEvaluate, "-fold", "2")
	require.NoError(t, err)
	assert.Contains(t, out, "Evaluation on fold 2")
	jsonPath, plotPath, residualPath := report.EvaluationFileNames(te.modelsDir, 2)
	assert.FileExists(t, jsonPath)
	assert.FileExists(t, plotPath)
	assert.FileExists(t, residualPath)

	_, err = invoke(t, te, "evaluate", runEvaluate, "-fold", "7", "-no-plot")
	assert.Error(t, err)

	// 再学習しても前の版は残る
	_, err = invoke(t, te, "train", runTrain, "-min-components", "1", "-max-components", "4", "-step", "1", "-no-plot")
	require.NoError(t, err)
	versions, err := filepath.Glob(filepath.Join(te.modelsDir, artifact.FilePrefix("carrots", "antioxidants", artifact.MethodPLS)+"__*"+artifact.Extension))
	require.NoError(t, err)
	assert.Len(t, versions, 2)
	assert.Contains(t, versions, models[0])

	spectrumDir := t.TempDir()
	spectrumPath := filepath.Join(spectrumDir, "spectrum.json")
	require.NoError(t, os.WriteFile(spectrumPath, []byte(`{"spectrum": [0.5, 0.5, 0.5, 0.5, 0.5, 0.5, 0.5, 0.5]}`), 0o644))
	out, err = invoke(t, te, "predict", runPredict, "-spectrum", spectrumPath)
	require.NoError(t, err)
	assert.Contains(t, out, "Prediction:")

	data, err := os.ReadFile(filepath.Join(spectrumDir, "prediction_result.json"))
	require.NoError(t, err)
	var res inference.PredictionResult
	require.NoError(t, json.Unmarshal(data, &res))
	assert.Equal(t, nWavelengths, res.InputLength)
	assert.InDelta(t, 10+1.5-1.0, res.PointEstimate, 0.5)
	assert.Less(t, res.IntervalLower, res.PointEstimate)

	short := filepath.Join(spectrumDir, "short.json")
	require.NoError(t, os.WriteFile(short, []byte(`[0.5, 0.5]`), 0o644))
	_, err = invoke(t, te, "predict", runPredict, "-spectrum", short, "-model", models[0])
	var mismatch *errors.SpectrumLengthMismatchError
	assert.True(t, errors.As(err, &mismatch))
}

func TestClean_MissingDataset(t *testing.T) {
	te := newTestEnv(t)
	_, err := invoke(t, te, "clean", runClean)
	assert.Error(t, err)
}

func TestServe_RefusesWithoutModel(t *testing.T) {
	te := newTestEnv(t)
	_, err := invoke(t, te, "serve", runServe, "-listen", "127.0.0.1:0")
	require.Error(t, err)
	var nf *errors.ArtifactNotFoundError
	assert.True(t, errors.As(err, &nf))

	require.NoError(t, os.MkdirAll(te.modelsDir, 0o755))
	_, err = invoke(t, te, "serve", runServe, "-listen", "127.0.0.1:0")
	assert.True(t, errors.As(err, &nf))
}

func TestPredict_RequiresSpectrum(t *testing.T) {
	te := newTestEnv(t)
	_, err := invoke(t, te, "predict", runPredict)
	var ve *errors.ValueError
	assert.True(t, errors.As(err, &ve))
}
