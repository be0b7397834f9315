package model_selection

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/YuminosukeSato/nirpls/pkg/errors"
)

var manifestHeader = []string{"fold", "train_idx", "val_idx"}

// WriteSplits writes folds as a CSV manifest with one row per fold.
// Index lists are encoded as JSON arrays, e.g. "[0, 3, 7]".
func WriteSplits(w io.Writer, folds []Fold) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(manifestHeader); err != nil {
		return errors.Wrap(err, "write splits header")
	}
	for _, f := range folds {
		row := []string{strconv.Itoa(f.Index), formatIndices(f.TrainIndices), formatIndices(f.ValidationIndices)}
		if err := cw.Write(row); err != nil {
			return errors.Wrapf(err, "write fold %d", f.Index)
		}
	}
	cw.Flush()
	return errors.Wrap(cw.Error(), "flush splits")
}

// ReadSplits parses a manifest written by WriteSplits.
func ReadSplits(r io.Reader) ([]Fold, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = len(manifestHeader)

	header, err := cr.Read()
	if err != nil {
		return nil, errors.Wrap(err, "read splits header")
	}
	for i, h := range manifestHeader {
		if strings.TrimSpace(header[i]) != h {
			return nil, errors.NewValueError("ReadSplits",
				fmt.Sprintf("unexpected header %q, want %q", strings.Join(header, ","), strings.Join(manifestHeader, ",")))
		}
	}

	var folds []Fold
	for {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, errors.Wrap(err, "read splits row")
		}
		idx, err := strconv.Atoi(strings.TrimSpace(rec[0]))
		if err != nil {
			return nil, errors.Wrapf(err, "fold index %q", rec[0])
		}
		f := Fold{Index: idx}
		if err := json.Unmarshal([]byte(rec[1]), &f.TrainIndices); err != nil {
			return nil, errors.Wrapf(err, "fold %d train indices", idx)
		}
		if err := json.Unmarshal([]byte(rec[2]), &f.ValidationIndices); err != nil {
			return nil, errors.Wrapf(err, "fold %d validation indices", idx)
		}
		folds = append(folds, f)
	}
	if len(folds) == 0 {
		return nil, errors.NewValueError("ReadSplits", "manifest has no folds")
	}
	return folds, nil
}

func formatIndices(idx []int) string {
	var b strings.Builder
	b.WriteByte('[')
	for i, v := range idx {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(strconv.Itoa(v))
	}
	b.WriteByte(']')
	return b.String()
}
