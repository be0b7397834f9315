// Package cross_decomposition は単一目的変数向けの PLS 回帰 (NIPALS) を提供する。
package cross_decomposition

import (
	"fmt"

	"github.com/YuminosukeSato/nirpls/core/model"
	"github.com/YuminosukeSato/nirpls/metrics"
	"github.com/YuminosukeSato/nirpls/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

const (
	// DefaultNComponents は scikit-learn の PLSRegression と同じ既定値
	DefaultNComponents = 2
	// DefaultTol は残差の消失を判定する既定の閾値
	DefaultTol = 1e-10
)

// PLSParams は学習済み PLS のパラメータ（アーティファクト保存用）。
// 行列は行優先の [][]float64 で保持する。
type PLSParams struct {
	NComponents       int         `json:"n_components"`
	NComponentsFitted int         `json:"n_components_fitted"`
	XMean             []float64   `json:"x_mean"`
	YMean             float64     `json:"y_mean"`
	Weights           [][]float64 `json:"x_weights"`
	Loadings          [][]float64 `json:"x_loadings"`
	Rotations         [][]float64 `json:"x_rotations"`
	YLoadings         []float64   `json:"y_loadings"`
	Coef              []float64   `json:"coef"`
}

// PLSRegression は Partial Least Squares 回帰
//
// X と y を中心化した後、NIPALS で潜在成分を1つずつ抽出し、
// X と y を逐次デフレートする。予測は (X - x̄)·Coef + ȳ。
type PLSRegression struct {
	model.BaseEstimator

	nComponents int
	tol         float64

	// NComponentsFitted は実際に抽出できた成分数
	NComponentsFitted int
	NFeatures         int

	XMean []float64
	YMean float64

	Weights   *mat.Dense // W (n_features × k)
	Loadings  *mat.Dense // P (n_features × k)
	Rotations *mat.Dense // R = W (PᵀW)⁻¹
	YLoadings []float64  // q (k)
	Coef      *mat.VecDense
}

// NewPLSRegression は新しい PLSRegression を作成する
//
// 使用例:
//
//	pls := cross_decomposition.NewPLSRegression(cross_decomposition.WithNComponents(8))
//	err := pls.Fit(XScaled, y)
//	yPred, err := pls.Predict(XNew)
func NewPLSRegression(opts ...Option) *PLSRegression {
	p := &PLSRegression{
		nComponents: DefaultNComponents,
		tol:         DefaultTol,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// NComponents は要求された成分数を返す
func (p *PLSRegression) NComponents() int {
	return p.nComponents
}

// Fit は NIPALS で PLS モデルを学習する
//
// パラメータ:
//   - X: 特徴量行列 (n_samples × n_features)
//   - y: 目的変数 (n_samples × 1)
//
// 戻り値:
//   - error: n_components が [1, min(n_features, n_samples-1)] の範囲外なら InvalidHyperparameterError
func (p *PLSRegression) Fit(X, y mat.Matrix) (err error) {
	defer errors.Recover(&err, "PLSRegression.Fit")

	n, f := X.Dims()
	ry, cy := y.Dims()
	if n == 0 || f == 0 {
		return errors.NewModelError("PLSRegression.Fit", "empty data", errors.ErrEmptyData)
	}
	if ry != n {
		return errors.NewDimensionError("PLSRegression.Fit", n, ry, 0)
	}
	if cy != 1 {
		return errors.NewValueError("PLSRegression.Fit", "y must be a column vector")
	}

	maxComponents := f
	if n-1 < maxComponents {
		maxComponents = n - 1
	}
	if p.nComponents < 1 || p.nComponents > maxComponents {
		return errors.NewInvalidHyperparameterError("n_components", p.nComponents, maxComponents)
	}

	// 中心化
	xMean := make([]float64, f)
	for j := 0; j < f; j++ {
		s := 0.0
		for i := 0; i < n; i++ {
			s += X.At(i, j)
		}
		xMean[j] = s / float64(n)
	}
	yMean := 0.0
	for i := 0; i < n; i++ {
		yMean += y.At(i, 0)
	}
	yMean /= float64(n)

	Xk := mat.NewDense(n, f, nil)
	Xk.Apply(func(i, j int, v float64) float64 { return X.At(i, j) - xMean[j] }, Xk)
	yk := mat.NewVecDense(n, nil)
	for i := 0; i < n; i++ {
		yk.SetVec(i, y.At(i, 0)-yMean)
	}
	yy0 := mat.Dot(yk, yk)

	k := p.nComponents
	W := mat.NewDense(f, k, nil)
	P := mat.NewDense(f, k, nil)
	q := make([]float64, k)

	c := mat.NewVecDense(f, nil)
	t := mat.NewVecDense(n, nil)
	load := mat.NewVecDense(f, nil)

	achieved := 0
	reason := ""
	for a := 0; a < k; a++ {
		if yy := mat.Dot(yk, yk); yy <= p.tol*yy0 || yy0 == 0 {
			reason = "y residual vanished"
			break
		}

		// w = Xᵀy / ‖Xᵀy‖
		c.MulVec(Xk.T(), yk)
		cNorm := mat.Norm(c, 2)
		if cNorm <= p.tol {
			reason = "X residual is orthogonal to y residual"
			break
		}
		c.ScaleVec(1/cNorm, c)

		// t = Xw
		t.MulVec(Xk, c)
		tt := mat.Dot(t, t)
		if tt <= p.tol {
			reason = "score vector vanished"
			break
		}

		// p = Xᵀt / tᵀt, q = yᵀt / tᵀt
		load.MulVec(Xk.T(), t)
		load.ScaleVec(1/tt, load)
		qa := mat.Dot(yk, t) / tt
		if err := errors.CheckScalar("PLSRegression.Fit", qa, a); err != nil {
			return err
		}

		// デフレーション: X -= t pᵀ, y -= q t
		var tp mat.Dense
		tp.Outer(1, t, load)
		Xk.Sub(Xk, &tp)
		yk.AddScaledVec(yk, -qa, t)

		W.SetCol(a, c.RawVector().Data)
		P.SetCol(a, load.RawVector().Data)
		q[a] = qa
		achieved++
	}

	if achieved < k {
		errors.Warn(errors.NewEarlyStoppingWarning("PLSRegression", k, achieved, reason))
	}

	p.NFeatures = f
	p.XMean = xMean
	p.YMean = yMean
	p.NComponentsFitted = achieved
	p.YLoadings = q[:achieved]

	if achieved == 0 {
		// 成分なし: 係数0で ȳ を予測する
		p.Weights, p.Loadings, p.Rotations = nil, nil, nil
		p.Coef = mat.NewVecDense(f, nil)
		p.SetFitted()
		return nil
	}

	p.Weights = mat.DenseCopyOf(W.Slice(0, f, 0, achieved))
	p.Loadings = mat.DenseCopyOf(P.Slice(0, f, 0, achieved))

	rot, err := rotations(p.Weights, p.Loadings)
	if err != nil {
		return err
	}
	p.Rotations = rot

	coef := mat.NewVecDense(f, nil)
	coef.MulVec(rot, mat.NewVecDense(achieved, p.YLoadings))
	if err := errors.CheckNumericalStability("PLSRegression.Fit", coef.RawVector().Data, achieved); err != nil {
		return err
	}
	p.Coef = coef

	p.SetFitted()
	return nil
}

// rotations は R = W (PᵀW)⁻¹ を計算する
func rotations(W, P *mat.Dense) (*mat.Dense, error) {
	_, k := W.Dims()
	var ptw mat.Dense
	ptw.Mul(P.T(), W)

	var inv mat.Dense
	if err := inv.Inverse(&ptw); err != nil {
		return nil, errors.NewModelError("PLSRegression.Fit", "singular PᵀW", errors.ErrSingularMatrix)
	}
	f, _ := W.Dims()
	R := mat.NewDense(f, k, nil)
	R.Mul(W, &inv)
	return R, nil
}

// Predict は (X - x̄)·Coef + ȳ を返す (n_samples × 1)
func (p *PLSRegression) Predict(X mat.Matrix) (mat.Matrix, error) {
	if !p.IsFitted() {
		return nil, errors.NewNotFittedError("PLSRegression", "Predict")
	}
	n, f := X.Dims()
	if f != p.NFeatures {
		return nil, errors.NewDimensionError("PLSRegression.Predict", p.NFeatures, f, 1)
	}

	out := mat.NewDense(n, 1, nil)
	for i := 0; i < n; i++ {
		v := p.YMean
		for j := 0; j < f; j++ {
			v += (X.At(i, j) - p.XMean[j]) * p.Coef.AtVec(j)
		}
		out.Set(i, 0, v)
	}
	return out, nil
}

// Transform は X を潜在空間のスコア (X - x̄)·R に射影する
func (p *PLSRegression) Transform(X mat.Matrix) (mat.Matrix, error) {
	if !p.IsFitted() {
		return nil, errors.NewNotFittedError("PLSRegression", "Transform")
	}
	n, f := X.Dims()
	if f != p.NFeatures {
		return nil, errors.NewDimensionError("PLSRegression.Transform", p.NFeatures, f, 1)
	}
	if p.NComponentsFitted == 0 {
		return mat.NewDense(n, 1, nil), nil
	}

	centered := mat.NewDense(n, f, nil)
	centered.Apply(func(i, j int, _ float64) float64 { return X.At(i, j) - p.XMean[j] }, centered)

	var scores mat.Dense
	scores.Mul(centered, p.Rotations)
	return &scores, nil
}

// Score は決定係数 R² を返す
func (p *PLSRegression) Score(X, y mat.Matrix) (float64, error) {
	yPred, err := p.Predict(X)
	if err != nil {
		return 0, err
	}
	n, _ := y.Dims()
	if pn, _ := yPred.Dims(); pn != n {
		return 0, errors.NewDimensionError("PLSRegression.Score", pn, n, 0)
	}
	return metrics.R2Score(mat.NewVecDense(n, mat.Col(nil, 0, y)), mat.NewVecDense(n, mat.Col(nil, 0, yPred)))
}

// Params は学習済みパラメータのコピーを返す
func (p *PLSRegression) Params() (PLSParams, error) {
	if !p.IsFitted() {
		return PLSParams{}, errors.NewNotFittedError("PLSRegression", "Params")
	}
	return PLSParams{
		NComponents:       p.nComponents,
		NComponentsFitted: p.NComponentsFitted,
		XMean:             append([]float64(nil), p.XMean...),
		YMean:             p.YMean,
		Weights:           toRows(p.Weights),
		Loadings:          toRows(p.Loadings),
		Rotations:         toRows(p.Rotations),
		YLoadings:         append([]float64(nil), p.YLoadings...),
		Coef:              append([]float64(nil), p.Coef.RawVector().Data...),
	}, nil
}

// NewPLSRegressionFromParams は保存済みパラメータから学習済みモデルを復元する
func NewPLSRegressionFromParams(params PLSParams) (*PLSRegression, error) {
	f := len(params.XMean)
	if f == 0 {
		return nil, errors.NewModelError("NewPLSRegressionFromParams", "empty parameters", errors.ErrEmptyData)
	}
	if len(params.Coef) != f {
		return nil, errors.NewDimensionError("NewPLSRegressionFromParams", f, len(params.Coef), 0)
	}
	k := params.NComponentsFitted
	if k < 0 || k > params.NComponents || len(params.YLoadings) != k {
		return nil, errors.NewValueError("NewPLSRegressionFromParams",
			fmt.Sprintf("inconsistent component count: fitted=%d requested=%d y_loadings=%d",
				k, params.NComponents, len(params.YLoadings)))
	}
	if err := errors.CheckNumericalStability("NewPLSRegressionFromParams", params.Coef, 0); err != nil {
		return nil, err
	}

	p := NewPLSRegression(WithNComponents(params.NComponents))
	p.NFeatures = f
	p.NComponentsFitted = k
	p.XMean = append([]float64(nil), params.XMean...)
	p.YMean = params.YMean
	p.YLoadings = append([]float64(nil), params.YLoadings...)
	p.Coef = mat.NewVecDense(f, append([]float64(nil), params.Coef...))

	if k > 0 {
		var err error
		if p.Weights, err = fromRows(params.Weights, f, k); err != nil {
			return nil, err
		}
		if p.Loadings, err = fromRows(params.Loadings, f, k); err != nil {
			return nil, err
		}
		if p.Rotations, err = fromRows(params.Rotations, f, k); err != nil {
			return nil, err
		}
	}

	p.SetFitted()
	return p, nil
}

// String はモデルの文字列表現を返す
func (p *PLSRegression) String() string {
	if !p.IsFitted() {
		return fmt.Sprintf("PLSRegression(n_components=%d)", p.nComponents)
	}
	return fmt.Sprintf("PLSRegression(n_components=%d, fitted=%d, n_features=%d)",
		p.nComponents, p.NComponentsFitted, p.NFeatures)
}

func toRows(m *mat.Dense) [][]float64 {
	if m == nil {
		return nil
	}
	r, _ := m.Dims()
	rows := make([][]float64, r)
	for i := range rows {
		rows[i] = mat.Row(nil, i, m)
	}
	return rows
}

func fromRows(rows [][]float64, r, c int) (*mat.Dense, error) {
	if len(rows) != r {
		return nil, errors.NewDimensionError("PLSParams", r, len(rows), 0)
	}
	m := mat.NewDense(r, c, nil)
	for i, row := range rows {
		if len(row) != c {
			return nil, errors.NewDimensionError("PLSParams", c, len(row), 1)
		}
		m.SetRow(i, row)
	}
	return m, nil
}

// 学習済みモデルが Regressor を満たすことを保証する
var _ model.Regressor = (*PLSRegression)(nil)
