// Package artifact は学習済みモデル（スケーラー + PLS）の永続化と
// (crop, target) ごとのレジストリを提供する。
package artifact

import (
	"fmt"
	"strings"
	"time"

	"github.com/YuminosukeSato/nirpls/dataset"
	"github.com/YuminosukeSato/nirpls/pkg/errors"
	"github.com/YuminosukeSato/nirpls/preprocessing"
	"github.com/YuminosukeSato/nirpls/sklearn/cross_decomposition"
	"github.com/YuminosukeSato/nirpls/sklearn/pipeline"
	"github.com/google/uuid"
)

const (
	// MethodPLS は PLS 回帰で作られたアーティファクトの method 名
	MethodPLS = "pls"

	// Extension はアーティファクトファイルの拡張子
	Extension = ".json.zst"
)

// BestParams は探索で選ばれたハイパーパラメータ
type BestParams struct {
	NComponents int `json:"n_components"`
}

// CVScores は最良候補の交差検証スコア（標準偏差は ddof=0）
type CVScores struct {
	R2Mean   float64 `json:"r2_mean"`
	R2Std    float64 `json:"r2_std"`
	RMSEMean float64 `json:"rmse_mean"`
	RMSEStd  float64 `json:"rmse_std"`
	MAEMean  float64 `json:"mae_mean"`
	MAEStd   float64 `json:"mae_std"`
}

// ModelArtifact は1回の学習の成果物。作成後は変更しない。
type ModelArtifact struct {
	ID           string                        `json:"id"`
	Version      string                        `json:"version"`
	Crop         string                        `json:"crop"`
	Target       string                        `json:"target"`
	Method       string                        `json:"method"`
	Schema       dataset.WavelengthSchema      `json:"wavelength_schema,omitempty"`
	Scaler       preprocessing.ScalerParams    `json:"scaler"`
	PLS          cross_decomposition.PLSParams `json:"pls"`
	FitTimestamp time.Time                     `json:"fit_timestamp"`
	BestParams   BestParams                    `json:"best_params"`
	CVScores     CVScores                      `json:"cv_scores"`
}

// New は学習済み Pipeline からアーティファクトを作る。
// schema が nil の場合は推論時の長さ検証が行われない。
func New(crop, target string, schema dataset.WavelengthSchema, p *pipeline.Pipeline, cv CVScores, fitTime time.Time) (*ModelArtifact, error) {
	if p == nil || !p.IsFitted() {
		return nil, errors.NewNotFittedError("Pipeline", "artifact.New")
	}
	sp, err := p.Scaler.Params()
	if err != nil {
		return nil, err
	}
	pp, err := p.PLS.Params()
	if err != nil {
		return nil, err
	}
	ts := fitTime.UTC()
	a := &ModelArtifact{
		ID:           uuid.NewString(),
		Version:      ts.Format(time.RFC3339Nano),
		Crop:         strings.ToLower(crop),
		Target:       strings.ToLower(target),
		Method:       MethodPLS,
		Schema:       append(dataset.WavelengthSchema(nil), schema...),
		Scaler:       sp,
		PLS:          pp,
		FitTimestamp: ts,
		BestParams:   BestParams{NComponents: pp.NComponents},
		CVScores:     cv,
	}
	if err := a.Validate(); err != nil {
		return nil, err
	}
	return a, nil
}

// Validate はアーティファクトの整合性を確認する
func (a *ModelArtifact) Validate() error {
	if a.ID == "" || a.Crop == "" || a.Target == "" || a.Method == "" {
		return errors.NewValueError("ModelArtifact.Validate", "id, crop, target and method are required")
	}
	if err := a.Scaler.Validate(); err != nil {
		return err
	}
	if n := a.Scaler.NFeatures(); len(a.PLS.XMean) != n {
		return errors.NewDimensionError("ModelArtifact.Validate", n, len(a.PLS.XMean), 1)
	}
	if a.HasSchema() {
		if err := a.Schema.Validate(); err != nil {
			return err
		}
		if a.Schema.Len() != a.Scaler.NFeatures() {
			return errors.NewDimensionError("ModelArtifact.Validate", a.Schema.Len(), a.Scaler.NFeatures(), 1)
		}
	}
	return nil
}

// HasSchema は波長スキーマを持つかを返す
func (a *ModelArtifact) HasSchema() bool {
	return len(a.Schema) > 0
}

// NFeatures は入力スペクトルの長さを返す
func (a *ModelArtifact) NFeatures() int {
	return a.Scaler.NFeatures()
}

// FileName は {crop}__{target}__{method}__{id}.json.zst を返す。
// 版ごとに別ファイルになるので、過去の版は上書きされない。
func (a *ModelArtifact) FileName() string {
	return FileName(a.Crop, a.Target, a.Method, a.ID)
}

// ToPipeline は保存されたパラメータから予測可能な Pipeline を復元する
func (a *ModelArtifact) ToPipeline() (*pipeline.Pipeline, error) {
	return pipeline.FromParams(a.Scaler, a.PLS)
}

func (a *ModelArtifact) String() string {
	return fmt.Sprintf("ModelArtifact(%s/%s %s n_components=%d id=%s)",
		a.Crop, a.Target, a.Method, a.BestParams.NComponents, a.ID)
}

// FilePrefix は (crop, target, method) の全版に共通するファイル名の先頭部分
func FilePrefix(crop, target, method string) string {
	return fmt.Sprintf("%s__%s__%s", strings.ToLower(crop), strings.ToLower(target), method)
}

// FileName はアーティファクトのファイル名規約
func FileName(crop, target, method, id string) string {
	return FilePrefix(crop, target, method) + "__" + id + Extension
}

// ParseFileName は FileName の逆変換
func ParseFileName(name string) (crop, target, method, id string, err error) {
	base := strings.TrimSuffix(name, Extension)
	if base == name {
		return "", "", "", "", errors.NewValueError("ParseFileName", fmt.Sprintf("%q does not end in %s", name, Extension))
	}
	parts := strings.Split(base, "__")
	if len(parts) != 4 {
		return "", "", "", "", errors.NewValueError("ParseFileName", fmt.Sprintf("%q is not {crop}__{target}__{method}__{id}%s", name, Extension))
	}
	for _, part := range parts {
		if part == "" {
			return "", "", "", "", errors.NewValueError("ParseFileName", fmt.Sprintf("%q has an empty component", name))
		}
	}
	return parts[0], parts[1], parts[2], parts[3], nil
}
