// Package pipeline は StandardScaler と PLSRegression を連結したモデルを提供する。
package pipeline

import (
	"fmt"

	"github.com/YuminosukeSato/nirpls/core/model"
	"github.com/YuminosukeSato/nirpls/pkg/errors"
	"github.com/YuminosukeSato/nirpls/preprocessing"
	"github.com/YuminosukeSato/nirpls/sklearn/cross_decomposition"
	"gonum.org/v1/gonum/mat"
)

// Pipeline は標準化 → PLS の2段構成の回帰モデル
//
// スケーラーは Fit に渡された行だけで学習されるため、
// 交差検証の各foldで新しい Pipeline を作れば検証行の情報は漏れない。
type Pipeline struct {
	Scaler *preprocessing.StandardScaler
	PLS    *cross_decomposition.PLSRegression
}

// New は未学習の Pipeline を作成する
func New(opts ...cross_decomposition.Option) *Pipeline {
	return &Pipeline{
		Scaler: preprocessing.NewStandardScaler(),
		PLS:    cross_decomposition.NewPLSRegression(opts...),
	}
}

// FromParams は保存済みパラメータから学習済み Pipeline を復元する
func FromParams(scaler preprocessing.ScalerParams, pls cross_decomposition.PLSParams) (*Pipeline, error) {
	s, err := preprocessing.NewStandardScalerFromParams(scaler)
	if err != nil {
		return nil, err
	}
	p, err := cross_decomposition.NewPLSRegressionFromParams(pls)
	if err != nil {
		return nil, err
	}
	if s.NFeatures != p.NFeatures {
		return nil, errors.NewDimensionError("pipeline.FromParams", s.NFeatures, p.NFeatures, 1)
	}
	return &Pipeline{Scaler: s, PLS: p}, nil
}

// Fit はスケーラーと PLS を順に学習する
func (p *Pipeline) Fit(X, y mat.Matrix) error {
	Xs, err := p.Scaler.FitTransform(X)
	if err != nil {
		return err
	}
	return p.PLS.Fit(Xs, y)
}

// Predict は X を標準化してから PLS で予測する (n_samples × 1)
func (p *Pipeline) Predict(X mat.Matrix) (mat.Matrix, error) {
	if !p.IsFitted() {
		return nil, errors.NewNotFittedError("Pipeline", "Predict")
	}
	Xs, err := p.Scaler.Transform(X)
	if err != nil {
		return nil, err
	}
	return p.PLS.Predict(Xs)
}

// PredictOne は1本のスペクトルに対する点推定を返す
func (p *Pipeline) PredictOne(spectrum []float64) (float64, error) {
	if len(spectrum) == 0 {
		return 0, errors.NewValueError("Pipeline.PredictOne", "empty spectrum")
	}
	out, err := p.Predict(mat.NewDense(1, len(spectrum), spectrum))
	if err != nil {
		return 0, err
	}
	return out.At(0, 0), nil
}

// Score は決定係数 R² を返す
func (p *Pipeline) Score(X, y mat.Matrix) (float64, error) {
	if !p.IsFitted() {
		return 0, errors.NewNotFittedError("Pipeline", "Score")
	}
	Xs, err := p.Scaler.Transform(X)
	if err != nil {
		return 0, err
	}
	return p.PLS.Score(Xs, y)
}

// IsFitted は両方の段が学習済みかを返す
func (p *Pipeline) IsFitted() bool {
	return p.Scaler != nil && p.PLS != nil && p.Scaler.IsFitted() && p.PLS.IsFitted()
}

// NFeatures は入力特徴量の数を返す
func (p *Pipeline) NFeatures() int {
	if p.Scaler == nil {
		return 0
	}
	return p.Scaler.NFeatures
}

func (p *Pipeline) String() string {
	return fmt.Sprintf("Pipeline(%s, %s)", p.Scaler, p.PLS)
}

var _ model.Regressor = (*Pipeline)(nil)
