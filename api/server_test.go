package api

import (
	"bytes"
	"encoding/json"
	"math/rand"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/YuminosukeSato/nirpls/artifact"
	"github.com/YuminosukeSato/nirpls/dataset"
	"github.com/YuminosukeSato/nirpls/inference"
	"github.com/YuminosukeSato/nirpls/pkg/errors"
	"github.com/YuminosukeSato/nirpls/pkg/log"
	"github.com/YuminosukeSato/nirpls/sklearn/pipeline"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
)

const nWavelengths = 12

func newTestServer(t *testing.T, withSchema bool, opts ...inference.Option) (*Server, *log.TestLogger, *inference.Context) {
	t.Helper()
	rng := rand.New(rand.NewSource(3))
	X := mat.NewDense(25, nWavelengths, nil)
	y := mat.NewDense(25, 1, nil)
	for i := 0; i < 25; i++ {
		for j := 0; j < nWavelengths; j++ {
			X.Set(i, j, rng.Float64())
		}
		y.Set(i, 0, 20+3*X.At(i, 1))
	}
	p := pipeline.New()
	require.NoError(t, p.Fit(X, y))

	var schema dataset.WavelengthSchema
	if withSchema {
		schema = make(dataset.WavelengthSchema, nWavelengths)
		for i := range schema {
			schema[i] = 900 + 10*float64(i)
		}
	}
	a, err := artifact.New("carrots", "antioxidants", schema, p, artifact.CVScores{}, time.Now())
	require.NoError(t, err)
	c, err := inference.NewContext(a, "models/"+a.FileName())
	require.NoError(t, err)

	logger, _ := log.NewTestLogger(log.LevelDebug)
	e := inference.NewEngine(append([]inference.Option{inference.WithLogger(logger)}, opts...)...)
	e.Swap(c)
	return NewServer(e, WithLogger(logger)), logger, c
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func spectrumBody(t *testing.T, n int) string {
	t.Helper()
	s := make([]float64, n)
	for i := range s {
		s[i] = 0.5
	}
	b, err := json.Marshal(PredictRequest{Spectrum: s})
	require.NoError(t, err)
	return string(b)
}

func TestHealth(t *testing.T) {
	s, _, _ := newTestServer(t, true)
	rec := do(t, s.Handler(), http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.JSONEq(t, `{"status":"ok","model_loaded":true}`, rec.Body.String())

	empty := NewServer(inference.NewEngine())
	rec = do(t, empty.Handler(), http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok","model_loaded":false}`, rec.Body.String())

	rec = do(t, s.Handler(), http.MethodPost, "/health", "")
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestPredict(t *testing.T) {
	s, logger, c := newTestServer(t, true)
	rec := do(t, s.Handler(), http.MethodPost, "/predict", spectrumBody(t, nWavelengths))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var got PredictResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))

	want, err := inference.Predict(c, make12(0.5))
	require.NoError(t, err)
	assert.InDelta(t, want.PointEstimate, got.Prediction, 1e-9)
	assert.InDelta(t, want.IntervalLower, got.ConfidenceInterval.Lower, 1e-9)
	assert.InDelta(t, want.IntervalUpper, got.ConfidenceInterval.Upper, 1e-9)
	assert.Equal(t, nWavelengths, got.Metadata.SpectrumLength)
	assert.Equal(t, c.Artifact.ID, got.Metadata.ArtifactID)
	assert.Equal(t, c.Path+"#wavelength_schema", got.Metadata.WavelengthsFile)

	assert.True(t, logger.ContainsField(log.HTTPPathKey, "/predict"))
}

func make12(v float64) []float64 {
	s := make([]float64, nWavelengths)
	for i := range s {
		s[i] = v
	}
	return s
}

func TestPredict_UsesEngineInterval(t *testing.T) {
	s, _, c := newTestServer(t, true, inference.WithIntervalFunc(func(p float64) (float64, float64, error) {
		return p - 1, p + 1, nil
	}))
	rec := do(t, s.Handler(), http.MethodPost, "/predict", spectrumBody(t, nWavelengths))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var got PredictResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.InDelta(t, got.Prediction-1, got.ConfidenceInterval.Lower, 1e-9)
	assert.InDelta(t, got.Prediction+1, got.ConfidenceInterval.Upper, 1e-9)
	assert.Equal(t, c.Artifact.ID, got.Metadata.ArtifactID)
}

func TestPredict_IntervalFallbackLogsToEngineLogger(t *testing.T) {
	s, logger, _ := newTestServer(t, true, inference.WithIntervalFunc(func(float64) (float64, float64, error) {
		return 0, 0, errors.New("interval unavailable")
	}))
	rec := do(t, s.Handler(), http.MethodPost, "/predict", spectrumBody(t, nWavelengths))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var got PredictResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	lower, upper := inference.FallbackInterval(got.Prediction)
	assert.InDelta(t, lower, got.ConfidenceInterval.Lower, 1e-9)
	assert.InDelta(t, upper, got.ConfidenceInterval.Upper, 1e-9)
	assert.True(t, logger.ContainsMessage("using fallback margin"))
}

func TestPredict_BadRequests(t *testing.T) {
	s, _, _ := newTestServer(t, true)
	h := s.Handler()

	tests := []struct {
		name   string
		body   string
		status int
		detail string
	}{
		{"length mismatch", spectrumBody(t, 5), http.StatusBadRequest, "doesn't match expected wavelengths (12)"},
		{"malformed json", `{"spectrum": [1, 2`, http.StatusBadRequest, "invalid request body"},
		{"wrong type", `{"spectrum": "abc"}`, http.StatusBadRequest, "invalid request body"},
		{"missing spectrum", `{}`, http.StatusBadRequest, "spectrum is required"},
		{"empty body", ``, http.StatusBadRequest, "spectrum is required"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(t, h, http.MethodPost, "/predict", tt.body)
			assert.Equal(t, tt.status, rec.Code)
			var body map[string]string
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
			assert.Contains(t, body["detail"], tt.detail)
		})
	}

	rec := do(t, h, http.MethodGet, "/predict", "")
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestPredict_NoSchemaUsesModelDimension(t *testing.T) {
	s, _, _ := newTestServer(t, false)
	rec := do(t, s.Handler(), http.MethodPost, "/predict", spectrumBody(t, nWavelengths))
	require.Equal(t, http.StatusOK, rec.Code)
	var got PredictResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Empty(t, got.Metadata.WavelengthsFile)

	rec = do(t, s.Handler(), http.MethodPost, "/predict", spectrumBody(t, 3))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestNoModelLoaded(t *testing.T) {
	s := NewServer(inference.NewEngine())
	h := s.ServeMux()

	rec := do(t, h, http.MethodPost, "/predict", spectrumBody(t, 4))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Contains(t, rec.Body.String(), "Model not loaded")

	rec = do(t, h, http.MethodGet, "/info", "")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestInfo(t *testing.T) {
	s, _, c := newTestServer(t, true)
	rec := do(t, s.Handler(), http.MethodGet, "/info", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var got InfoResponse
	require.NoError(t, json.NewDecoder(bytes.NewReader(rec.Body.Bytes())).Decode(&got))
	assert.Equal(t, "carrots", got.Crop)
	assert.Equal(t, "antioxidants", got.Target)
	assert.Equal(t, "carrots__antioxidants__pls__"+c.Artifact.ID+".json.zst", got.ModelName)
	assert.Equal(t, c.Artifact.ID, got.ArtifactID)
	assert.Equal(t, c.Artifact.BestParams.NComponents, got.NComponents)
}

func TestStatusFor(t *testing.T) {
	assert.Equal(t, http.StatusBadRequest, statusFor(errors.NewSpectrumLengthMismatchError(3, 2)))
	assert.Equal(t, http.StatusBadRequest, statusFor(errors.NewDimensionError("x", 3, 2, 1)))
	assert.Equal(t, http.StatusInternalServerError, statusFor(errors.WithStack(errors.ErrNoArtifact)))
	assert.Equal(t, http.StatusInternalServerError, statusFor(errors.New("boom")))
}
