package dataset

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"

	"github.com/YuminosukeSato/nirpls/pkg/errors"
	"github.com/YuminosukeSato/nirpls/pkg/log"
	"github.com/YuminosukeSato/nirpls/preprocessing"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
)

const (
	SampleIDColumn = "sample_id"
	CropColumn     = "crop"

	// DefaultMaxMissingFraction を超える欠損率の波長列は捨てる
	DefaultMaxMissingFraction = 0.10
)

// 波長列として扱わないメタデータ列
var metadataColumns = map[string]bool{
	"sample_id": true, "lab_id": true, "crop": true, "color": true, "variety": true,
	"antioxidants": true, "protein": true, "minerals": true,
}

// CleanOptions は Clean の設定
type CleanOptions struct {
	Crop   string
	Target string

	// MaxMissingFraction が0なら DefaultMaxMissingFraction を使う。[0, 1) の範囲外はエラー
	MaxMissingFraction float64

	Logger log.Logger
}

// Dataset は学習に使える形に整形したデータ
type Dataset struct {
	Schema WavelengthSchema
	X      *mat.Dense
	Y      []float64
	Groups []string
	Crop   string
	Target string
}

// NSamples はサンプル数を返す
func (d *Dataset) NSamples() int {
	return len(d.Y)
}

// Clean は生の表から特定作物・目的変数のデータセットを作る
//
// 手順: 列名の snake_case 化、必須列の確認、波長列の特定（波長順に整列）、
// 作物での絞り込み（大文字小文字を無視）、目的変数の欠損行の除去、
// 欠損率の高い波長列の除去、残りの欠損の中央値補完、定数列の除去。
func Clean(t *Table, opts CleanOptions) (*Dataset, error) {
	logger := opts.Logger
	if logger == nil {
		logger = log.GetLoggerWithName("dataset")
	}
	maxMissing := opts.MaxMissingFraction
	// 1 以上だと値が1つもない列が残り、補完値が NaN になる
	if math.IsNaN(maxMissing) || maxMissing < 0 || maxMissing >= 1 {
		return nil, errors.NewValueError("dataset.Clean",
			fmt.Sprintf("max missing fraction must be in [0, 1), got %v", maxMissing))
	}
	if maxMissing == 0 {
		maxMissing = DefaultMaxMissingFraction
	}
	target := NormalizeColumnName(opts.Target)
	if target == "" || strings.TrimSpace(opts.Crop) == "" {
		return nil, errors.NewValueError("dataset.Clean", "crop and target are required")
	}

	cols := make([]string, len(t.Columns))
	for i, c := range t.Columns {
		cols[i] = NormalizeColumnName(c)
	}
	norm := &Table{Columns: cols, Rows: t.Rows}

	var missing []string
	for _, req := range []string{SampleIDColumn, CropColumn} {
		if _, ok := norm.Column(req); !ok {
			missing = append(missing, req)
		}
	}
	if len(missing) > 0 {
		return nil, errors.NewValueError("dataset.Clean",
			fmt.Sprintf("missing required columns %v; available columns: %v", missing, cols))
	}
	targetIdx, ok := norm.Column(target)
	if !ok {
		return nil, errors.NewValueError("dataset.Clean",
			fmt.Sprintf("target column %q not found; available columns: %v", target, cols))
	}
	sampleIdx, _ := norm.Column(SampleIDColumn)
	cropIdx, _ := norm.Column(CropColumn)

	nir := identifyNIRColumns(norm, target)
	if len(nir) == 0 {
		return nil, errors.NewValueError("dataset.Clean", "no NIR wavelength columns found")
	}
	logger.Info("identified NIR columns", log.FeaturesKey, len(nir))

	// 作物で絞り込み
	var rows [][]string
	crops := map[string]bool{}
	for _, row := range norm.Rows {
		c := cell(row, cropIdx)
		crops[c] = true
		if strings.EqualFold(c, opts.Crop) {
			rows = append(rows, row)
		}
	}
	if len(rows) == 0 {
		available := make([]string, 0, len(crops))
		for c := range crops {
			available = append(available, c)
		}
		sort.Strings(available)
		return nil, errors.NewValueError("dataset.Clean",
			fmt.Sprintf("no samples found for crop %q; available crops: %v", opts.Crop, available))
	}
	logger.Info("filtered by crop", log.CropKey, opts.Crop, log.SamplesKey, len(rows), "total", len(norm.Rows))

	// 目的変数が欠損・非数値の行を捨てる
	y := make([]float64, 0, len(rows))
	kept := rows[:0:0]
	for _, row := range rows {
		v, ok := parseCell(cell(row, targetIdx))
		if !ok {
			continue
		}
		y = append(y, v)
		kept = append(kept, row)
	}
	if dropped := len(rows) - len(kept); dropped > 0 {
		logger.Info("dropped rows with missing target", log.TargetKey, target, "dropped", dropped)
	}
	rows = kept
	if len(rows) == 0 {
		return nil, errors.NewValueError("dataset.Clean",
			fmt.Sprintf("all rows for crop %q are missing %q", opts.Crop, target))
	}

	// 欠損率の高い列を捨て、残りは中央値で補完する
	var schema WavelengthSchema
	var columns [][]float64
	var dropped []string
	for _, c := range nir {
		values := make([]float64, len(rows))
		var present []float64
		for i, row := range rows {
			v, ok := parseCell(cell(row, c.index))
			if !ok {
				values[i] = math.NaN()
				continue
			}
			values[i] = v
			present = append(present, v)
		}
		if float64(len(rows)-len(present))/float64(len(rows)) > maxMissing {
			dropped = append(dropped, norm.Columns[c.index])
			continue
		}
		if len(present) < len(rows) {
			m := median(present)
			for i, v := range values {
				if math.IsNaN(v) {
					values[i] = m
				}
			}
		}
		schema = append(schema, c.wavelength)
		columns = append(columns, values)
	}
	if len(dropped) > 0 {
		logger.Warn("dropped NIR columns with too many missing values",
			"columns", dropped, "max_missing_fraction", maxMissing)
	}
	if len(columns) == 0 {
		return nil, errors.NewValueError("dataset.Clean", "every NIR column exceeds the missing value limit")
	}

	X := mat.NewDense(len(rows), len(columns), nil)
	for j, col := range columns {
		X.SetCol(j, col)
	}

	// 定数列は標準化できないので除く
	if constant := preprocessing.ConstantFeatures(X); len(constant) > 0 {
		if len(constant) == len(columns) {
			return nil, errors.NewDegenerateFeatureError(constant[0], 0)
		}
		logger.Warn("dropped constant NIR columns", "wavelengths", pick(schema, constant))
		X, schema = dropColumns(X, schema, constant)
	}

	groups := make([]string, len(rows))
	for i, row := range rows {
		groups[i] = cell(row, sampleIdx)
	}

	mean, std := stat.MeanStdDev(y, nil)
	logger.Info("dataset ready",
		log.CropKey, opts.Crop,
		log.TargetKey, target,
		log.SamplesKey, len(y),
		log.FeaturesKey, len(schema),
		log.GroupsKey, countDistinct(groups),
		"target_mean", mean,
		"target_std", std,
	)

	return &Dataset{
		Schema: schema,
		X:      X,
		Y:      y,
		Groups: groups,
		Crop:   strings.ToLower(opts.Crop),
		Target: target,
	}, nil
}

// NormalizeColumnName は列名を小文字の snake_case にする
func NormalizeColumnName(name string) string {
	s := strings.ToLower(strings.TrimSpace(name))
	s = strings.ReplaceAll(s, " ", "_")
	return strings.ReplaceAll(s, "-", "_")
}

type nirColumn struct {
	index      int
	wavelength float64
}

// identifyNIRColumns は列名が数値で、値がすべて数値か欠損の列を波長順に返す
func identifyNIRColumns(t *Table, target string) []nirColumn {
	var out []nirColumn
	for i, name := range t.Columns {
		if metadataColumns[name] || name == target {
			continue
		}
		w, err := strconv.ParseFloat(name, 64)
		if err != nil || math.IsNaN(w) || math.IsInf(w, 0) {
			continue
		}
		numeric := true
		for _, row := range t.Rows {
			s := cell(row, i)
			if isMissing(s) {
				continue
			}
			if _, err := strconv.ParseFloat(s, 64); err != nil {
				numeric = false
				break
			}
		}
		if numeric {
			out = append(out, nirColumn{index: i, wavelength: w})
		}
	}
	sort.SliceStable(out, func(a, b int) bool { return out[a].wavelength < out[b].wavelength })

	// 同じ波長の列は最初のものだけ使う
	dedup := out[:0]
	for i, c := range out {
		if i > 0 && c.wavelength == dedup[len(dedup)-1].wavelength {
			continue
		}
		dedup = append(dedup, c)
	}
	return dedup
}

func cell(row []string, i int) string {
	if i < 0 || i >= len(row) {
		return ""
	}
	return strings.TrimSpace(row[i])
}

func isMissing(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "na", "nan", "null", "none", "n/a":
		return true
	}
	return false
}

func parseCell(s string) (float64, bool) {
	if isMissing(s) {
		return 0, false
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, false
	}
	return v, true
}

// median は pandas と同じく偶数個なら中央2値の平均を返す
func median(values []float64) float64 {
	if len(values) == 0 {
		return math.NaN()
	}
	s := append([]float64(nil), values...)
	sort.Float64s(s)
	n := len(s)
	if n%2 == 1 {
		return s[n/2]
	}
	return (s[n/2-1] + s[n/2]) / 2
}

func pick(s WavelengthSchema, idx []int) []float64 {
	out := make([]float64, len(idx))
	for i, j := range idx {
		out[i] = s[j]
	}
	return out
}

func dropColumns(X *mat.Dense, schema WavelengthSchema, drop []int) (*mat.Dense, WavelengthSchema) {
	skip := make(map[int]bool, len(drop))
	for _, j := range drop {
		skip[j] = true
	}
	r, c := X.Dims()
	var keep []int
	var kept WavelengthSchema
	for j := 0; j < c; j++ {
		if !skip[j] {
			keep = append(keep, j)
			kept = append(kept, schema[j])
		}
	}
	out := mat.NewDense(r, len(keep), nil)
	for k, j := range keep {
		out.SetCol(k, mat.Col(nil, j, X))
	}
	return out, kept
}

func countDistinct(values []string) int {
	seen := make(map[string]struct{}, len(values))
	for _, v := range values {
		seen[v] = struct{}{}
	}
	return len(seen)
}
