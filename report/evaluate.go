package report

import (
	"fmt"
	"io"
	"path/filepath"

	"github.com/YuminosukeSato/nirpls/metrics"
	"github.com/YuminosukeSato/nirpls/pkg/errors"
	"github.com/YuminosukeSato/nirpls/sklearn/model_selection"
	"github.com/YuminosukeSato/nirpls/sklearn/pipeline"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
)

// Summary は1系列の要約統計量
type Summary struct {
	Mean float64 `json:"mean"`
	Std  float64 `json:"std"`
	Min  float64 `json:"min"`
	Max  float64 `json:"max"`
}

// FoldMetrics は検証フォールド上の回帰指標
type FoldMetrics struct {
	R2   float64 `json:"r2"`
	RMSE float64 `json:"rmse"`
	MAE  float64 `json:"mae"`
}

// EvaluationReport は学習済みモデルを1つのフォールドで評価した結果
type EvaluationReport struct {
	ModelPath       string      `json:"model_path,omitempty"`
	Fold            int         `json:"fold"`
	NSamples        int         `json:"n_samples"`
	Metrics         FoldMetrics `json:"metrics"`
	TargetStats     Summary     `json:"target_stats"`
	PredictionStats Summary     `json:"prediction_stats"`

	YTrue []float64 `json:"-"`
	YPred []float64 `json:"-"`
}

// Residuals は y_true - y_pred
func (r *EvaluationReport) Residuals() []float64 {
	out := make([]float64, len(r.YTrue))
	floats.SubTo(out, r.YTrue, r.YPred)
	return out
}

// Evaluate は fold の検証行で p を評価する。
// 目的変数の std は標本標準偏差 (ddof=1)、予測値の std は母標準偏差 (ddof=0)。
func Evaluate(p *pipeline.Pipeline, X mat.Matrix, y []float64, fold model_selection.Fold) (*EvaluationReport, error) {
	if p == nil || !p.IsFitted() {
		return nil, errors.NewNotFittedError("Pipeline", "report.Evaluate")
	}
	n, _ := X.Dims()
	if len(y) != n {
		return nil, errors.NewDimensionError("report.Evaluate", n, len(y), 0)
	}
	if len(fold.ValidationIndices) == 0 {
		return nil, errors.NewValueError("report.Evaluate", fmt.Sprintf("fold %d has no validation rows", fold.Index))
	}

	Xv, yTrue, err := selectRows(X, y, fold.ValidationIndices)
	if err != nil {
		return nil, err
	}
	out, err := p.Predict(Xv)
	if err != nil {
		return nil, err
	}
	yPred := mat.Col(nil, 0, out)

	s, err := metrics.Regression(yTrue, yPred)
	if err != nil {
		return nil, err
	}

	return &EvaluationReport{
		Fold:            fold.Index,
		NSamples:        len(yTrue),
		Metrics:         FoldMetrics{R2: s.R2, RMSE: s.RMSE, MAE: s.MAE},
		TargetStats:     summarize(yTrue, false),
		PredictionStats: summarize(yPred, true),
		YTrue:           yTrue,
		YPred:           yPred,
	}, nil
}

// FindFold は Index が i のフォールドを返す
func FindFold(folds []model_selection.Fold, i int) (model_selection.Fold, error) {
	for _, f := range folds {
		if f.Index == i {
			return f, nil
		}
	}
	return model_selection.Fold{}, errors.NewValueError("report.FindFold",
		fmt.Sprintf("invalid fold %d, available folds: 0-%d", i, len(folds)-1))
}

// WriteEvaluation writes r as indented JSON.
func WriteEvaluation(w io.Writer, r *EvaluationReport) error {
	return writeJSON(w, r)
}

// EvaluationFileNames は dir 以下の evaluation_fold_{k}.json と2枚の図のパス
func EvaluationFileNames(dir string, fold int) (jsonPath, plotPath, residualPath string) {
	base := filepath.Join(dir, fmt.Sprintf("evaluation_fold_%d", fold))
	return base + ".json", base + ".png", base + "_residuals.png"
}

// WriteEvaluationFile は JSON レポートを書き出す
func WriteEvaluationFile(path string, r *EvaluationReport) error {
	return writeFile(path, func(w io.Writer) error { return WriteEvaluation(w, r) })
}

func selectRows(X mat.Matrix, y []float64, idx []int) (*mat.Dense, []float64, error) {
	n, f := X.Dims()
	Xs := mat.NewDense(len(idx), f, nil)
	ys := make([]float64, len(idx))
	for i, r := range idx {
		if r < 0 || r >= n {
			return nil, nil, errors.NewValueError("report.Evaluate", fmt.Sprintf("row index %d out of range [0, %d)", r, n))
		}
		Xs.SetRow(i, mat.Row(nil, r, X))
		ys[i] = y[r]
	}
	return Xs, ys, nil
}

func summarize(v []float64, population bool) Summary {
	var mean, std float64
	switch {
	case population:
		mean, std = stat.PopMeanStdDev(v, nil)
	case len(v) < 2:
		// JSON に NaN は書けないので 0 とする
		mean, std = stat.Mean(v, nil), 0
	default:
		mean, std = stat.MeanStdDev(v, nil)
	}
	return Summary{Mean: mean, Std: std, Min: floats.Min(v), Max: floats.Max(v)}
}
