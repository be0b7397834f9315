package model_selection

import (
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/YuminosukeSato/nirpls/core/parallel"
	"github.com/YuminosukeSato/nirpls/metrics"
	"github.com/YuminosukeSato/nirpls/pkg/errors"
	"github.com/YuminosukeSato/nirpls/pkg/log"
	"github.com/YuminosukeSato/nirpls/preprocessing"
	"github.com/YuminosukeSato/nirpls/sklearn/cross_decomposition"
	"github.com/YuminosukeSato/nirpls/sklearn/pipeline"
	"gonum.org/v1/gonum/mat"
)

// CandidateRange returns start, start+step, ... up to and including stop.
// The training default is CandidateRange(4, 32, 2).
func CandidateRange(start, stop, step int) []int {
	if step <= 0 || stop < start {
		return nil
	}
	out := make([]int, 0, (stop-start)/step+1)
	for n := start; n <= stop; n += step {
		out = append(out, n)
	}
	return out
}

// DefaultCandidates is the n_components grid used by the training command.
func DefaultCandidates() []int {
	return CandidateRange(4, 32, 2)
}

// ClampCandidates returns the sorted, de-duplicated candidates in [1, max].
func ClampCandidates(candidates []int, max int) []int {
	seen := make(map[int]bool, len(candidates))
	out := make([]int, 0, len(candidates))
	for _, c := range candidates {
		if c < 1 || c > max || seen[c] {
			continue
		}
		seen[c] = true
		out = append(out, c)
	}
	sort.Ints(out)
	return out
}

// CVResult is the cross-validated score of one candidate.
type CVResult struct {
	NComponents int       `json:"n_components"`
	MeanScore   float64   `json:"mean_test_score"`
	StdScore    float64   `json:"std_test_score"`
	FoldScores  []float64 `json:"split_test_scores"`
	Rank        int       `json:"rank_test_score"`
}

// FoldScore holds validation metrics of the winning candidate on one fold.
type FoldScore struct {
	Fold   int     `json:"fold"`
	R2     float64 `json:"r2"`
	RMSE   float64 `json:"rmse"`
	MAE    float64 `json:"mae"`
	NTrain int     `json:"n_train"`
	NVal   int     `json:"n_val"`

	// DroppedFeatures are columns constant on this fold's training rows.
	DroppedFeatures []int `json:"dropped_features,omitempty"`
}

// FoldDiagnostics aggregates per-fold metrics of the winning candidate.
// Standard deviations are population (ddof=0).
type FoldDiagnostics struct {
	Folds    []FoldScore `json:"fold_scores"`
	R2Mean   float64     `json:"r2_mean"`
	R2Std    float64     `json:"r2_std"`
	RMSEMean float64     `json:"rmse_mean"`
	RMSEStd  float64     `json:"rmse_std"`
	MAEMean  float64     `json:"mae_mean"`
	MAEStd   float64     `json:"mae_std"`
}

// SearchOption configures GridSearchCV.
type SearchOption func(*GridSearchCV)

// WithCandidates sets the n_components grid.
func WithCandidates(c []int) SearchOption {
	return func(g *GridSearchCV) {
		g.candidates = append([]int(nil), c...)
	}
}

// WithWorkers bounds the number of concurrent (candidate, fold) fits.
// Zero or negative uses all CPUs.
func WithWorkers(n int) SearchOption {
	return func(g *GridSearchCV) {
		g.workers = n
	}
}

// WithLogger sets the logger used for progress messages.
func WithLogger(l log.Logger) SearchOption {
	return func(g *GridSearchCV) {
		g.logger = l
	}
}

// GridSearchCV selects n_components for a scaler+PLS pipeline by grouped
// cross-validation on negative mean squared error.
type GridSearchCV struct {
	candidates []int
	workers    int
	logger     log.Logger

	BestNComponents int
	BestScore       float64
	BestEstimator   *pipeline.Pipeline
	CVResults       []CVResult
	Diagnostics     FoldDiagnostics
}

// NewGridSearchCV creates a search over DefaultCandidates unless
// WithCandidates is given.
func NewGridSearchCV(opts ...SearchOption) *GridSearchCV {
	g := &GridSearchCV{candidates: DefaultCandidates()}
	for _, opt := range opts {
		opt(g)
	}
	if g.logger == nil {
		g.logger = log.GetLoggerWithName("GridSearchCV")
	}
	return g
}

type taskResult struct {
	negMSE float64
	scores metrics.Scores
	nTrain int
	nVal   int
}

// foldData holds one fold's train/validation matrices. Columns that are
// constant on the training rows are removed from both, since the scaler
// cannot standardise them for this fold.
type foldData struct {
	fold    Fold
	XTrain  *mat.Dense
	yTrain  *mat.Dense
	XVal    *mat.Dense
	yVal    *mat.Dense
	dropped []int
}

func prepareFold(X, y mat.Matrix, fold Fold) (foldData, error) {
	fd := foldData{
		fold:   fold,
		XTrain: rows(X, fold.TrainIndices),
		yTrain: rows(y, fold.TrainIndices),
		XVal:   rows(X, fold.ValidationIndices),
		yVal:   rows(y, fold.ValidationIndices),
	}
	fd.dropped = preprocessing.ConstantFeatures(fd.XTrain)
	if len(fd.dropped) == 0 {
		return fd, nil
	}
	_, f := X.Dims()
	if len(fd.dropped) == f {
		// 使える列が残らない
		return foldData{}, errors.NewDegenerateFeatureError(fd.dropped[0], 0)
	}
	keep := make([]int, 0, f-len(fd.dropped))
	d := 0
	for j := 0; j < f; j++ {
		if d < len(fd.dropped) && fd.dropped[d] == j {
			d++
			continue
		}
		keep = append(keep, j)
	}
	fd.XTrain = columns(fd.XTrain, keep)
	fd.XVal = columns(fd.XVal, keep)
	return fd, nil
}

// nFeatures is the number of columns left after dropping.
func (fd foldData) nFeatures() int {
	_, c := fd.XTrain.Dims()
	return c
}

// Fit evaluates every (candidate, fold) pair on the worker pool, picks the
// best mean score (ties go to the smaller n_components), and refits the
// winner on all rows.
func (g *GridSearchCV) Fit(X, y mat.Matrix, folds []Fold) error {
	start := time.Now()
	n, f := X.Dims()
	if ry, _ := y.Dims(); ry != n {
		return errors.NewDimensionError("GridSearchCV.Fit", n, ry, 0)
	}
	if err := ValidateFolds(folds, n); err != nil {
		return err
	}

	data := make([]foldData, len(folds))
	maxComponents := f
	for i, fold := range folds {
		fd, err := prepareFold(X, y, fold)
		if err != nil {
			return errors.Wrapf(err, "fold=%d", fold.Index)
		}
		if len(fd.dropped) > 0 {
			g.logger.Warn("dropping features constant on fold training rows",
				log.FoldKey, fold.Index, "features", fd.dropped)
		}
		if fd.nFeatures() < maxComponents {
			maxComponents = fd.nFeatures()
		}
		if len(fold.TrainIndices)-1 < maxComponents {
			maxComponents = len(fold.TrainIndices) - 1
		}
		data[i] = fd
	}
	candidates := ClampCandidates(g.candidates, maxComponents)
	if len(candidates) == 0 {
		requested := 0
		if len(g.candidates) > 0 {
			requested = g.candidates[0]
		}
		return errors.NewInvalidHyperparameterError("n_components", requested, maxComponents)
	}
	if len(candidates) < len(g.candidates) {
		g.logger.Warn("dropping n_components candidates above the fold limit",
			"requested", g.candidates, "kept", candidates, "max", maxComponents)
	}

	g.logger.Info("grid search started",
		log.OperationKey, log.OperationSearch,
		log.SamplesKey, n,
		log.FeaturesKey, f,
		log.NFoldsKey, len(folds),
		"candidates", candidates,
	)

	results := make([]taskResult, len(candidates)*len(folds))
	err := parallel.ForEach(len(results), g.workers, func(i int) error {
		c, fd := candidates[i/len(folds)], data[i%len(folds)]
		r, err := evaluate(fd, c)
		if err != nil {
			return errors.Wrapf(err, "n_components=%d fold=%d", c, fd.fold.Index)
		}
		results[i] = r
		g.logger.Debug("fold evaluated",
			log.NComponentsKey, c,
			log.FoldKey, fd.fold.Index,
			log.ScoreKey, r.negMSE,
		)
		return nil
	})
	if err != nil {
		return err
	}

	// 同点は候補の昇順で先に現れた方（小さい n_components）を残す
	g.CVResults = make([]CVResult, len(candidates))
	best := -1
	for ci, c := range candidates {
		scores := make([]float64, len(folds))
		for fi := range folds {
			scores[fi] = results[ci*len(folds)+fi].negMSE
		}
		mean, std := metrics.MeanStd(scores)
		g.CVResults[ci] = CVResult{NComponents: c, MeanScore: mean, StdScore: std, FoldScores: scores}
		if best < 0 || mean > g.CVResults[best].MeanScore {
			best = ci
		}
	}
	rankResults(g.CVResults)

	g.BestNComponents = candidates[best]
	g.BestScore = g.CVResults[best].MeanScore
	g.Diagnostics = diagnostics(data, results[best*len(folds):(best+1)*len(folds)])

	final := pipeline.New(cross_decomposition.WithNComponents(g.BestNComponents))
	if err := final.Fit(X, y); err != nil {
		return errors.Wrap(err, "refit best estimator")
	}
	g.BestEstimator = final

	g.logger.Info("grid search finished",
		log.NComponentsKey, g.BestNComponents,
		log.ScoreKey, g.BestScore,
		log.R2ScoreKey, g.Diagnostics.R2Mean,
		log.RMSEKey, g.Diagnostics.RMSEMean,
		log.DurationMsKey, time.Since(start).Milliseconds(),
	)
	return nil
}

// evaluate only reads fd, so one foldData is shared by all candidates.
func evaluate(fd foldData, nComponents int) (taskResult, error) {
	p := pipeline.New(cross_decomposition.WithNComponents(nComponents))
	if err := p.Fit(fd.XTrain, fd.yTrain); err != nil {
		return taskResult{}, err
	}
	pred, err := p.Predict(fd.XVal)
	if err != nil {
		return taskResult{}, err
	}
	s, err := metrics.Regression(mat.Col(nil, 0, fd.yVal), mat.Col(nil, 0, pred))
	if err != nil {
		return taskResult{}, err
	}
	return taskResult{
		negMSE: -s.MSE,
		scores: s,
		nTrain: len(fd.fold.TrainIndices),
		nVal:   len(fd.fold.ValidationIndices),
	}, nil
}

func diagnostics(data []foldData, results []taskResult) FoldDiagnostics {
	d := FoldDiagnostics{Folds: make([]FoldScore, len(data))}
	r2 := make([]float64, len(data))
	rmse := make([]float64, len(data))
	mae := make([]float64, len(data))
	for i, fd := range data {
		r := results[i]
		d.Folds[i] = FoldScore{
			Fold: fd.fold.Index, R2: r.scores.R2, RMSE: r.scores.RMSE, MAE: r.scores.MAE,
			NTrain: r.nTrain, NVal: r.nVal, DroppedFeatures: fd.dropped,
		}
		r2[i], rmse[i], mae[i] = r.scores.R2, r.scores.RMSE, r.scores.MAE
	}
	d.R2Mean, d.R2Std = metrics.MeanStd(r2)
	d.RMSEMean, d.RMSEStd = metrics.MeanStd(rmse)
	d.MAEMean, d.MAEStd = metrics.MeanStd(mae)
	return d
}

// rankResults assigns rank 1 to the best mean score; equal scores share a rank.
func rankResults(res []CVResult) {
	order := make([]int, len(res))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		return res[order[a]].MeanScore > res[order[b]].MeanScore
	})
	for pos, i := range order {
		if pos > 0 && res[i].MeanScore == res[order[pos-1]].MeanScore {
			res[i].Rank = res[order[pos-1]].Rank
			continue
		}
		res[i].Rank = pos + 1
	}
}

func rows(m mat.Matrix, idx []int) *mat.Dense {
	_, c := m.Dims()
	out := mat.NewDense(len(idx), c, nil)
	for i, r := range idx {
		for j := 0; j < c; j++ {
			out.Set(i, j, m.At(r, j))
		}
	}
	return out
}

func columns(m *mat.Dense, idx []int) *mat.Dense {
	r, _ := m.Dims()
	out := mat.NewDense(r, len(idx), nil)
	for j, c := range idx {
		for i := 0; i < r; i++ {
			out.Set(i, j, m.At(i, c))
		}
	}
	return out
}

// String summarises the search outcome.
func (g *GridSearchCV) String() string {
	if g.BestEstimator == nil {
		return fmt.Sprintf("GridSearchCV(candidates=%v)", g.candidates)
	}
	return fmt.Sprintf("GridSearchCV(best_n_components=%d, best_score=%.6g, r2=%.4f±%.4f)",
		g.BestNComponents, g.BestScore, g.Diagnostics.R2Mean, g.Diagnostics.R2Std)
}

// BestRMSE is the square root of the winner's mean validation MSE.
func (g *GridSearchCV) BestRMSE() float64 {
	return math.Sqrt(-g.BestScore)
}
