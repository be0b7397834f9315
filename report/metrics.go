// Package report は学習・評価の結果を JSON と PNG に書き出す。
package report

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/YuminosukeSato/nirpls/artifact"
	"github.com/YuminosukeSato/nirpls/pkg/errors"
	"github.com/YuminosukeSato/nirpls/sklearn/model_selection"
)

// Metrics は学習コマンドが出力する交差検証の要約
type Metrics struct {
	Crop       string                      `json:"crop"`
	Target     string                      `json:"target"`
	ArtifactID string                      `json:"artifact_id,omitempty"`
	BestParams artifact.BestParams         `json:"best_params"`
	CVScores   artifact.CVScores           `json:"cv_scores"`
	FoldScores []model_selection.FoldScore `json:"fold_scores"`
	Candidates []model_selection.CVResult  `json:"candidates"`
}

// CVScores は最良候補のフォールド診断をアーティファクト用のスコアに変換する
func CVScores(d model_selection.FoldDiagnostics) artifact.CVScores {
	return artifact.CVScores{
		R2Mean:   d.R2Mean,
		R2Std:    d.R2Std,
		RMSEMean: d.RMSEMean,
		RMSEStd:  d.RMSEStd,
		MAEMean:  d.MAEMean,
		MAEStd:   d.MAEStd,
	}
}

// NewMetrics は探索結果から Metrics を作る。Fit 前の探索は NotFittedError。
func NewMetrics(crop, target string, g *model_selection.GridSearchCV) (*Metrics, error) {
	if g == nil || g.BestEstimator == nil {
		return nil, errors.NewNotFittedError("GridSearchCV", "report.NewMetrics")
	}
	return &Metrics{
		Crop:       strings.ToLower(crop),
		Target:     strings.ToLower(target),
		BestParams: artifact.BestParams{NComponents: g.BestNComponents},
		CVScores:   CVScores(g.Diagnostics),
		FoldScores: g.Diagnostics.Folds,
		Candidates: g.CVResults,
	}, nil
}

// MetricsFileName は {crop}__{target}__{method}__metrics.json
func MetricsFileName(crop, target, method string) string {
	return fmt.Sprintf("%s__%s__%s__metrics.json", strings.ToLower(crop), strings.ToLower(target), method)
}

// PlotFileName は学習データ全体の truth-vs-prediction 図のファイル名
func PlotFileName(crop, target, method string) string {
	return fmt.Sprintf("%s__%s__%s__truth_vs_pred.png", strings.ToLower(crop), strings.ToLower(target), method)
}

// WriteMetrics writes m as indented JSON.
func WriteMetrics(w io.Writer, m *Metrics) error {
	return writeJSON(w, m)
}

// ReadMetrics reads a metrics document written by WriteMetrics.
func ReadMetrics(r io.Reader) (*Metrics, error) {
	var m Metrics
	if err := json.NewDecoder(r).Decode(&m); err != nil {
		return nil, errors.Wrap(err, "decode metrics")
	}
	return &m, nil
}

// WriteMetricsFile は dir/MetricsFileName に書き出し、そのパスを返す
func WriteMetricsFile(dir string, m *Metrics) (string, error) {
	path := filepath.Join(dir, MetricsFileName(m.Crop, m.Target, artifact.MethodPLS))
	return path, writeFile(path, func(w io.Writer) error { return WriteMetrics(w, m) })
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return errors.Wrap(err, "encode report")
	}
	return nil
}

func writeFile(path string, fn func(io.Writer) error) (err error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errors.Wrapf(err, "create %s", filepath.Dir(path))
	}
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrapf(err, "create %s", path)
	}
	defer func() {
		if cerr := f.Close(); err == nil && cerr != nil {
			err = errors.Wrapf(cerr, "close %s", path)
		}
	}()
	return fn(f)
}
