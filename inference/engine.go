// Package inference は学習済みアーティファクトを使って1本のスペクトルから
// 栄養成分を推定する。
package inference

import (
	"context"
	"encoding/json"
	"io"
	"math"
	"os"
	"path/filepath"
	"sync/atomic"

	"github.com/YuminosukeSato/nirpls/artifact"
	"github.com/YuminosukeSato/nirpls/dataset"
	"github.com/YuminosukeSato/nirpls/pkg/errors"
	"github.com/YuminosukeSato/nirpls/pkg/log"
	"github.com/YuminosukeSato/nirpls/sklearn/pipeline"
)

const (
	// IntervalZ は約80%区間に相当する係数
	IntervalZ = 1.28
	// ResidualFraction は点推定に対する残差スケールの割合
	ResidualFraction = 0.10
	// FallbackMargin は区間計算が失敗した場合の割合
	FallbackMargin = 0.20
)

// PredictionResult は1回の推論結果
type PredictionResult struct {
	PointEstimate   float64 `json:"prediction"`
	IntervalLower   float64 `json:"lower"`
	IntervalUpper   float64 `json:"upper"`
	InputLength     int     `json:"spectrum_length"`
	SchemaReference string  `json:"schema_reference,omitempty"`
	ArtifactID      string  `json:"artifact_id"`
}

// Context は読み込み済みのアーティファクトと、その予測に必要なものをまとめた不変の値。
// モデルの入れ替えは新しい Context を作って Engine.Swap する。
type Context struct {
	Artifact *artifact.ModelArtifact
	Path     string

	schema    dataset.WavelengthSchema
	schemaRef string
	model     *pipeline.Pipeline
}

// NewContext はアーティファクトから予測用の Context を作る。
// アーティファクトに波長スキーマが含まれていればそれを使う。
func NewContext(a *artifact.ModelArtifact, path string) (*Context, error) {
	if a == nil {
		return nil, errors.WithStack(errors.ErrNoArtifact)
	}
	model, err := a.ToPipeline()
	if err != nil {
		return nil, err
	}
	c := &Context{Artifact: a, Path: path, model: model}
	if a.HasSchema() {
		c.schema = a.Schema
		c.schemaRef = path + "#wavelength_schema"
		if path == "" {
			c.schemaRef = "artifact:" + a.ID + "#wavelength_schema"
		}
	}
	return c, nil
}

// WithSchema は外部の波長スキーマを使う Context を返す（元の Context は変更しない）
func (c *Context) WithSchema(s dataset.WavelengthSchema, ref string) (*Context, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}
	if s.Len() != c.Artifact.NFeatures() {
		return nil, errors.NewDimensionError("Context.WithSchema", c.Artifact.NFeatures(), s.Len(), 1)
	}
	cp := *c
	cp.schema = s
	cp.schemaRef = ref
	return &cp, nil
}

// Schema は長さ検証に使う波長スキーマ（なければ nil）
func (c *Context) Schema() dataset.WavelengthSchema {
	return c.schema
}

// SchemaReference はスキーマの出所。スキーマがなければ空文字列。
func (c *Context) SchemaReference() string {
	return c.schemaRef
}

// IntervalFunc は点推定から区間を計算する
type IntervalFunc func(point float64) (lower, upper float64, err error)

// HeuristicInterval は point ± 1.28·0.10·|point| を返す。
// 残差の分布から推定した区間ではない。
func HeuristicInterval(point float64) (float64, float64, error) {
	residualScale := ResidualFraction * math.Abs(point)
	lower := point - IntervalZ*residualScale
	upper := point + IntervalZ*residualScale
	if err := errors.CheckNumericalStability("inference.interval", []float64{lower, upper}, 0); err != nil {
		return 0, 0, err
	}
	return lower, upper, nil
}

// FallbackInterval は point ± 0.20·|point| を返す
func FallbackInterval(point float64) (float64, float64) {
	margin := FallbackMargin * math.Abs(point)
	return point - margin, point + margin
}

// Option は Engine の設定関数
type Option func(*Engine)

// WithLogger は Engine のロガーを設定する
func WithLogger(l log.Logger) Option {
	return func(e *Engine) {
		e.logger = l
	}
}

// WithIntervalFunc は区間の計算方法を差し替える
func WithIntervalFunc(f IntervalFunc) Option {
	return func(e *Engine) {
		e.interval = f
	}
}

// Engine は現在の Context をアトミックに保持する推論エンジン。
// 予測はリクエストごとに Context のスナップショットを読むだけなのでロック不要。
type Engine struct {
	current  atomic.Pointer[Context]
	logger   log.Logger
	interval IntervalFunc
}

// NewEngine は Context を持たない Engine を作る
func NewEngine(opts ...Option) *Engine {
	e := &Engine{interval: HeuristicInterval}
	for _, opt := range opts {
		opt(e)
	}
	if e.logger == nil {
		e.logger = log.GetLoggerWithName("inference")
	}
	return e
}

// Swap は Context を入れ替え、以前の Context を返す
func (e *Engine) Swap(c *Context) *Context {
	prev := e.current.Swap(c)
	if c != nil {
		e.logger.Info("model loaded",
			log.ArtifactIDKey, c.Artifact.ID,
			log.ArtifactPathKey, c.Path,
			log.CropKey, c.Artifact.Crop,
			log.TargetKey, c.Artifact.Target,
			log.NComponentsKey, c.Artifact.BestParams.NComponents,
		)
	}
	return prev
}

// Current は現在の Context を返す（未ロードなら nil）
func (e *Engine) Current() *Context {
	return e.current.Load()
}

// Predict は現在の Context でスペクトルを推論する
func (e *Engine) Predict(spectrum []float64) (PredictionResult, error) {
	c := e.current.Load()
	if c == nil {
		return PredictionResult{}, errors.WithStack(errors.ErrNoArtifact)
	}
	return e.PredictContext(c, spectrum)
}

// PredictContext は渡された Context のスナップショットで推論する。
// 区間計算とロガーはこの Engine の設定を使う。
func (e *Engine) PredictContext(c *Context, spectrum []float64) (PredictionResult, error) {
	if c == nil {
		return PredictionResult{}, errors.WithStack(errors.ErrNoArtifact)
	}
	// スキーマがなければ長さ検証は行わない
	if c.schema != nil && len(spectrum) != c.schema.Len() {
		return PredictionResult{}, errors.NewSpectrumLengthMismatchError(c.schema.Len(), len(spectrum))
	}
	if len(spectrum) != c.Artifact.NFeatures() {
		return PredictionResult{}, errors.NewDimensionError("inference.Predict", c.Artifact.NFeatures(), len(spectrum), 1)
	}

	point, err := c.model.PredictOne(spectrum)
	if err != nil {
		return PredictionResult{}, err
	}
	if err := errors.CheckScalar("inference.Predict", point, 0); err != nil {
		return PredictionResult{}, err
	}

	var lower, upper float64
	err = errors.SafeExecute("inference.interval", func() error {
		var ierr error
		lower, upper, ierr = e.interval(point)
		return ierr
	})
	if err != nil {
		e.logger.Warn("interval computation failed, using fallback margin",
			log.ErrAttrKey, err, log.ArtifactIDKey, c.Artifact.ID)
		lower, upper = FallbackInterval(point)
	}

	return PredictionResult{
		PointEstimate:   point,
		IntervalLower:   lower,
		IntervalUpper:   upper,
		InputLength:     len(spectrum),
		SchemaReference: c.schemaRef,
		ArtifactID:      c.Artifact.ID,
	}, nil
}

// Predict は既定設定の Engine で Context を使って推論する
func Predict(c *Context, spectrum []float64) (PredictionResult, error) {
	return NewEngine().PredictContext(c, spectrum)
}

// SidecarSchemaPath は {dir}/{crop}__wavelengths.json を返す
func SidecarSchemaPath(artifactPath, crop string) string {
	return filepath.Join(filepath.Dir(artifactPath), crop+"__wavelengths.json")
}

// LoadLatest はレジストリから (crop, target) の最新版を読み込み、Engine に設定する。
// 登録がなければ ArtifactNotFoundError を返し、現在の Context は変更しない。
func (e *Engine) LoadLatest(ctx context.Context, reg *artifact.Registry, crop, target string) (*Context, error) {
	entry, err := reg.Latest(ctx, crop, target)
	if err != nil {
		return nil, err
	}
	a, err := entry.Open()
	if err != nil {
		return nil, err
	}
	return e.load(a, entry.Path)
}

// LoadFile はアーティファクトファイルを直接読み込み、Engine に設定する
func (e *Engine) LoadFile(path string) (*Context, error) {
	a, err := artifact.LoadFile(path)
	if err != nil {
		return nil, err
	}
	return e.load(a, path)
}

func (e *Engine) load(a *artifact.ModelArtifact, path string) (*Context, error) {
	c, err := NewContext(a, path)
	if err != nil {
		return nil, err
	}

	// スキーマを含まない古いアーティファクトは隣の wavelengths.json を探す
	if !a.HasSchema() {
		sidecar := SidecarSchemaPath(path, a.Crop)
		if _, statErr := os.Stat(sidecar); statErr == nil {
			s, err := dataset.LoadSchemaFile(sidecar)
			if err != nil {
				return nil, err
			}
			if c, err = c.WithSchema(s, sidecar); err != nil {
				return nil, err
			}
		} else {
			e.logger.Warn("no wavelength schema found, spectrum length will not be validated",
				log.ArtifactPathKey, path)
		}
	}

	e.Swap(c)
	return c, nil
}

// LoadSpectrum は {"spectrum": [...]} または数値の JSON 配列を読み込む
func LoadSpectrum(r io.Reader) ([]float64, error) {
	var raw json.RawMessage
	if err := json.NewDecoder(r).Decode(&raw); err != nil {
		return nil, errors.Wrap(err, "decode spectrum")
	}
	var spectrum []float64
	if err := json.Unmarshal(raw, &spectrum); err != nil {
		var wrapped struct {
			Spectrum []float64 `json:"spectrum"`
		}
		if err := json.Unmarshal(raw, &wrapped); err != nil {
			return nil, errors.Wrap(err, "decode spectrum")
		}
		spectrum = wrapped.Spectrum
	}
	if len(spectrum) == 0 {
		return nil, errors.NewValueError("LoadSpectrum", "spectrum is empty")
	}
	return spectrum, nil
}
