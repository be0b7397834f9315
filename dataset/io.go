package dataset

import (
	"encoding/csv"
	"fmt"
	"io"
	"strconv"

	"github.com/YuminosukeSato/nirpls/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

// WriteFeatures は特徴量行列を CSV で書き出す。ヘッダは波長。
func WriteFeatures(w io.Writer, X mat.Matrix, schema WavelengthSchema) error {
	r, c := X.Dims()
	if c != schema.Len() {
		return errors.NewDimensionError("WriteFeatures", schema.Len(), c, 1)
	}
	cw := csv.NewWriter(w)
	if err := cw.Write(schema.Names()); err != nil {
		return errors.Wrap(err, "write features header")
	}
	rec := make([]string, c)
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			rec[j] = strconv.FormatFloat(X.At(i, j), 'g', -1, 64)
		}
		if err := cw.Write(rec); err != nil {
			return errors.Wrapf(err, "write features row %d", i)
		}
	}
	cw.Flush()
	return errors.Wrap(cw.Error(), "flush features")
}

// ReadFeatures は WriteFeatures の CSV を読み、列をスキーマ順に並べ替える。
// スキーマにない列は無視し、スキーマの波長が欠けていればエラー。
func ReadFeatures(r io.Reader, schema WavelengthSchema) (*mat.Dense, error) {
	if err := schema.Validate(); err != nil {
		return nil, err
	}
	cr := csv.NewReader(r)
	header, err := cr.Read()
	if err != nil {
		return nil, errors.Wrap(err, "read features header")
	}

	byWavelength := make(map[float64]int, len(header))
	for i, h := range header {
		if w, err := strconv.ParseFloat(h, 64); err == nil {
			byWavelength[w] = i
		}
	}
	order := make([]int, schema.Len())
	for j, w := range schema {
		i, ok := byWavelength[w]
		if !ok {
			return nil, errors.NewSchemaError(fmt.Sprintf("features file has no column for wavelength %s", formatWavelength(w)))
		}
		order[j] = i
	}

	var data []float64
	rows := 0
	for {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, errors.Wrap(err, "read features row")
		}
		for j, i := range order {
			v, err := strconv.ParseFloat(rec[i], 64)
			if err != nil {
				return nil, errors.Wrapf(err, "row %d wavelength %s", rows, formatWavelength(schema[j]))
			}
			data = append(data, v)
		}
		rows++
	}
	if rows == 0 {
		return nil, errors.NewModelError("ReadFeatures", "no rows", errors.ErrEmptyData)
	}
	return mat.NewDense(rows, schema.Len(), data), nil
}

// WriteTarget は目的変数を1列の CSV として書き出す
func WriteTarget(w io.Writer, name string, y []float64) error {
	cw := csv.NewWriter(w)
	if err := cw.Write([]string{name}); err != nil {
		return errors.Wrap(err, "write target header")
	}
	for i, v := range y {
		if err := cw.Write([]string{strconv.FormatFloat(v, 'g', -1, 64)}); err != nil {
			return errors.Wrapf(err, "write target row %d", i)
		}
	}
	cw.Flush()
	return errors.Wrap(cw.Error(), "flush target")
}

// ReadTarget は1列目を目的変数として読み、列名と値を返す
func ReadTarget(r io.Reader) (string, []float64, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	header, err := cr.Read()
	if err != nil {
		return "", nil, errors.Wrap(err, "read target header")
	}
	var y []float64
	for {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", nil, errors.Wrap(err, "read target row")
		}
		v, err := strconv.ParseFloat(rec[0], 64)
		if err != nil {
			return "", nil, errors.Wrapf(err, "target row %d", len(y))
		}
		y = append(y, v)
	}
	if len(y) == 0 {
		return "", nil, errors.NewModelError("ReadTarget", "no rows", errors.ErrEmptyData)
	}
	return header[0], y, nil
}
