package preprocessing

import (
	"fmt"
	"math"

	"github.com/YuminosukeSato/nirpls/core/model"
	"github.com/YuminosukeSato/nirpls/core/parallel"
	"github.com/YuminosukeSato/nirpls/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

// DegenerateTol は標準偏差がゼロとみなされる閾値
const DegenerateTol = 1e-12

// parallelRowThreshold を超える行数の Transform は並列化する
const parallelRowThreshold = 1000

// ScalerParams はStandardScalerの学習済みパラメータ（アーティファクト保存用）
type ScalerParams struct {
	Mean  []float64 `json:"mean"`
	Scale []float64 `json:"scale"`
}

// NFeatures は特徴量の数を返す
func (p ScalerParams) NFeatures() int {
	return len(p.Mean)
}

// Validate はパラメータの整合性を検証する
func (p ScalerParams) Validate() error {
	if len(p.Mean) == 0 {
		return errors.NewModelError("ScalerParams.Validate", "empty parameters", errors.ErrEmptyData)
	}
	if len(p.Scale) != len(p.Mean) {
		return errors.NewDimensionError("ScalerParams.Validate", len(p.Mean), len(p.Scale), 1)
	}
	for j, s := range p.Scale {
		if !(math.Abs(s) > DegenerateTol) {
			return errors.NewDegenerateFeatureError(j, s)
		}
	}
	return nil
}

// StandardScaler はscikit-learn互換の標準化スケーラー
// データを平均0、標準偏差1に変換する
//
// 統計量は Fit に渡された行のみから計算される。検証foldや推論時の
// スペクトルは Transform でのみ使用し、統計量には影響しない。
type StandardScaler struct {
	model.BaseEstimator

	// Mean は各特徴量の平均値
	Mean []float64

	// Scale は各特徴量の標準偏差（母標準偏差, ddof=0）
	Scale []float64

	// NFeatures は特徴量の数
	NFeatures int
}

// NewStandardScaler は新しいStandardScalerを作成する
//
// 使用例:
//
//	scaler := preprocessing.NewStandardScaler()
//	err := scaler.Fit(XTrain)
//	XScaled, err := scaler.Transform(XVal)
func NewStandardScaler() *StandardScaler {
	return &StandardScaler{}
}

// NewStandardScalerFromParams は保存済みパラメータから学習済みスケーラーを復元する
func NewStandardScalerFromParams(p ScalerParams) (*StandardScaler, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	s := &StandardScaler{
		Mean:      append([]float64(nil), p.Mean...),
		Scale:     append([]float64(nil), p.Scale...),
		NFeatures: len(p.Mean),
	}
	s.SetFitted()
	return s, nil
}

// Fit は訓練データから統計情報（平均、標準偏差）を計算する
//
// パラメータ:
//   - X: 訓練データ (n_samples × n_features の行列)
//
// 戻り値:
//   - error: 空データ、または標準偏差がゼロの特徴量がある場合 (DegenerateFeatureError)
func (s *StandardScaler) Fit(X mat.Matrix) error {
	r, c := X.Dims()
	if r == 0 || c == 0 {
		return errors.NewModelError("StandardScaler.Fit", "empty data", errors.ErrEmptyData)
	}

	mean := make([]float64, c)
	scale := make([]float64, c)

	for j := 0; j < c; j++ {
		sum := 0.0
		for i := 0; i < r; i++ {
			sum += X.At(i, j)
		}
		mean[j] = sum / float64(r)

		sumSquares := 0.0
		for i := 0; i < r; i++ {
			diff := X.At(i, j) - mean[j]
			sumSquares += diff * diff
		}
		scale[j] = math.Sqrt(sumSquares / float64(r))

		// 定数列はフォールバックせずエラーにする
		if !(scale[j] > DegenerateTol) {
			s.Reset()
			return errors.NewDegenerateFeatureError(j, scale[j])
		}
	}

	s.NFeatures = c
	s.Mean = mean
	s.Scale = scale
	s.SetFitted()
	return nil
}

// Transform は学習済みの統計情報を使ってデータを標準化する
func (s *StandardScaler) Transform(X mat.Matrix) (mat.Matrix, error) {
	if !s.IsFitted() {
		return nil, errors.NewNotFittedError("StandardScaler", "Transform")
	}

	r, c := X.Dims()
	if c != s.NFeatures {
		return nil, errors.NewDimensionError("StandardScaler.Transform", s.NFeatures, c, 1)
	}

	for j := 0; j < c; j++ {
		if !(s.Scale[j] > DegenerateTol) {
			return nil, errors.NewDegenerateFeatureError(j, s.Scale[j])
		}
	}

	// 大きな入力は行を分割して並列に変換する
	result := mat.NewDense(r, c, nil)
	parallel.ParallelizeWithThreshold(r, parallelRowThreshold, func(start, end int) {
		for i := start; i < end; i++ {
			for j := 0; j < c; j++ {
				result.Set(i, j, (X.At(i, j)-s.Mean[j])/s.Scale[j])
			}
		}
	})

	return result, nil
}

// FitTransform は訓練データで学習し、同じデータを変換する
func (s *StandardScaler) FitTransform(X mat.Matrix) (mat.Matrix, error) {
	if err := s.Fit(X); err != nil {
		return nil, err
	}
	return s.Transform(X)
}

// InverseTransform は標準化されたデータを元のスケールに戻す
func (s *StandardScaler) InverseTransform(X mat.Matrix) (mat.Matrix, error) {
	if !s.IsFitted() {
		return nil, errors.NewNotFittedError("StandardScaler", "InverseTransform")
	}

	r, c := X.Dims()
	if c != s.NFeatures {
		return nil, errors.NewDimensionError("StandardScaler.InverseTransform", s.NFeatures, c, 1)
	}

	result := mat.NewDense(r, c, nil)
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			result.Set(i, j, X.At(i, j)*s.Scale[j]+s.Mean[j])
		}
	}

	return result, nil
}

// Params は学習済みパラメータのコピーを返す
func (s *StandardScaler) Params() (ScalerParams, error) {
	if !s.IsFitted() {
		return ScalerParams{}, errors.NewNotFittedError("StandardScaler", "Params")
	}
	return ScalerParams{
		Mean:  append([]float64(nil), s.Mean...),
		Scale: append([]float64(nil), s.Scale...),
	}, nil
}

// String はスケーラーの文字列表現を返す
func (s *StandardScaler) String() string {
	if !s.IsFitted() {
		return "StandardScaler()"
	}
	return fmt.Sprintf("StandardScaler(n_features=%d)", s.NFeatures)
}

// ConstantFeatures は標準偏差が DegenerateTol 以下の列の番号を返す。
// データ整形の段階で定数列を落とすために使う。
func ConstantFeatures(X mat.Matrix) []int {
	r, c := X.Dims()
	var out []int
	if r == 0 {
		return out
	}
	for j := 0; j < c; j++ {
		col := mat.Col(nil, j, X)
		lo, hi := col[0], col[0]
		for _, v := range col[1:] {
			lo = math.Min(lo, v)
			hi = math.Max(hi, v)
		}
		// range は標準偏差の上界の2倍以上なので、まず安価に判定する
		if hi-lo > 2*DegenerateTol {
			sum := 0.0
			for _, v := range col {
				sum += v
			}
			m := sum / float64(r)
			ss := 0.0
			for _, v := range col {
				ss += (v - m) * (v - m)
			}
			if math.Sqrt(ss/float64(r)) > DegenerateTol {
				continue
			}
		}
		out = append(out, j)
	}
	return out
}

var _ model.Transformer = (*StandardScaler)(nil)
