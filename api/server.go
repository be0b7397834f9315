// Package api は推論エンジンを HTTP で公開する。
package api

import (
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/YuminosukeSato/nirpls/inference"
	"github.com/YuminosukeSato/nirpls/pkg/errors"
	"github.com/YuminosukeSato/nirpls/pkg/log"
)

// MaxRequestBytes は /predict のリクエスト本体の上限
const MaxRequestBytes = 1 << 20

// PredictRequest は POST /predict の本体
type PredictRequest struct {
	Spectrum []float64 `json:"spectrum"`
}

// Interval は80%区間
type Interval struct {
	Lower float64 `json:"lower"`
	Upper float64 `json:"upper"`
}

// Metadata は予測に使ったモデルの情報
type Metadata struct {
	ModelPath       string `json:"model_path"`
	ArtifactID      string `json:"artifact_id"`
	SpectrumLength  int    `json:"spectrum_length"`
	WavelengthsFile string `json:"wavelengths_file,omitempty"`
}

// PredictResponse は POST /predict の応答
type PredictResponse struct {
	Prediction         float64  `json:"prediction"`
	ConfidenceInterval Interval `json:"confidence_interval"`
	Metadata           Metadata `json:"metadata"`
}

// InfoResponse は GET /info の応答
type InfoResponse struct {
	Crop            string `json:"crop"`
	Target          string `json:"target"`
	ModelPath       string `json:"model_path"`
	ModelName       string `json:"model_name"`
	ArtifactID      string `json:"artifact_id"`
	Version         string `json:"version"`
	NComponents     int    `json:"n_components"`
	WavelengthsPath string `json:"wavelengths_path,omitempty"`
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the request and error logger.
func WithLogger(l log.Logger) Option {
	return func(s *Server) {
		s.logger = l
	}
}

// Server serves predictions from the engine's current model.
type Server struct {
	engine *inference.Engine
	logger log.Logger
}

// NewServer creates a Server over e.
func NewServer(e *inference.Engine, opts ...Option) *Server {
	s := &Server{engine: e}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = log.GetLoggerWithName("api")
	}
	return s
}

type loggingResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (lrw *loggingResponseWriter) WriteHeader(code int) {
	lrw.statusCode = code
	lrw.ResponseWriter.WriteHeader(code)
}

// LoggingMiddleware logs method, path, status, and duration
func (s *Server) LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lrw := &loggingResponseWriter{w, http.StatusOK}
		next.ServeHTTP(lrw, r)
		s.logger.Info("request",
			log.HTTPMethodKey, r.Method,
			log.HTTPPathKey, r.URL.Path,
			log.HTTPStatusKey, lrw.statusCode,
			log.DurationMsKey, float64(time.Since(start).Nanoseconds())/1e6,
		)
	})
}

// ServeMux returns the routes without middleware.
func (s *Server) ServeMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.health)
	mux.HandleFunc("/predict", s.predict)
	mux.HandleFunc("/info", s.info)
	return mux
}

// Handler returns ServeMux wrapped in LoggingMiddleware.
func (s *Server) Handler() http.Handler {
	return s.LoggingMiddleware(s.ServeMux())
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("failed to write response", log.ErrAttrKey, err)
	}
}

func (s *Server) writeJSONError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"detail": msg})
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"status":       "ok",
		"model_loaded": s.engine.Current() != nil,
	})
}

func (s *Server) predict(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	c := s.engine.Current()
	if c == nil {
		s.writeJSONError(w, http.StatusInternalServerError, "Model not loaded")
		return
	}

	var req PredictRequest
	body := http.MaxBytesReader(w, r.Body, MaxRequestBytes)
	if err := json.NewDecoder(body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		s.writeJSONError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if len(req.Spectrum) == 0 {
		s.writeJSONError(w, http.StatusBadRequest, "spectrum is required")
		return
	}

	// ハンドラの中で Context が入れ替わっても同じスナップショットで推論する
	res, err := s.engine.PredictContext(c, req.Spectrum)
	if err != nil {
		status := statusFor(err)
		if status >= http.StatusInternalServerError {
			s.logger.Error("prediction failed", log.ErrAttrKey, err, log.ArtifactIDKey, c.Artifact.ID)
			s.writeJSONError(w, status, "Prediction failed: "+err.Error())
			return
		}
		s.writeJSONError(w, status, err.Error())
		return
	}

	meta := Metadata{
		ModelPath:      c.Path,
		ArtifactID:     res.ArtifactID,
		SpectrumLength: res.InputLength,
	}
	if res.SchemaReference != "" {
		meta.WavelengthsFile = res.SchemaReference
	}
	s.writeJSON(w, http.StatusOK, PredictResponse{
		Prediction:         res.PointEstimate,
		ConfidenceInterval: Interval{Lower: res.IntervalLower, Upper: res.IntervalUpper},
		Metadata:           meta,
	})
}

func (s *Server) info(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	c := s.engine.Current()
	if c == nil {
		s.writeJSONError(w, http.StatusInternalServerError, "Model not loaded")
		return
	}
	a := c.Artifact
	s.writeJSON(w, http.StatusOK, InfoResponse{
		Crop:            a.Crop,
		Target:          a.Target,
		ModelPath:       c.Path,
		ModelName:       a.FileName(),
		ArtifactID:      a.ID,
		Version:         a.Version,
		NComponents:     a.BestParams.NComponents,
		WavelengthsPath: c.SchemaReference(),
	})
}

// statusFor は入力起因のエラーを 400、それ以外を 500 にする
func statusFor(err error) int {
	var mismatch *errors.SpectrumLengthMismatchError
	var dim *errors.DimensionError
	var val *errors.ValueError
	switch {
	case errors.Is(err, errors.ErrNoArtifact):
		return http.StatusInternalServerError
	case errors.As(err, &mismatch), errors.As(err, &dim), errors.As(err, &val):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
