// Package model_selection provides grouped cross-validation splitting and
// the n_components grid search used to train PLS pipelines.
package model_selection

import (
	"fmt"

	"github.com/YuminosukeSato/nirpls/pkg/errors"
)

// DefaultNSplits is the fold count used by the training pipeline.
const DefaultNSplits = 5

// Fold is one train/validation partition of the records.
// Both index slices are ascending row positions.
type Fold struct {
	Index             int   `json:"fold"`
	TrainIndices      []int `json:"train_idx"`
	ValidationIndices []int `json:"val_idx"`
}

// GroupKFold splits records so that every group lands in exactly one
// validation set.
type GroupKFold struct {
	NSplits int
}

// NewGroupKFold creates a grouped k-fold splitter.
func NewGroupKFold(nSplits int) *GroupKFold {
	return &GroupKFold{NSplits: nSplits}
}

// GetNSplits returns the number of splits
func (g *GroupKFold) GetNSplits() int {
	return g.NSplits
}

// Split assigns distinct groups, in first-seen order, round-robin to
// NSplits buckets; each record inherits the bucket of its group.
func (g *GroupKFold) Split(groups []string) ([]Fold, error) {
	if g.NSplits < 2 {
		return nil, errors.NewValueError("GroupKFold.Split",
			fmt.Sprintf("n_splits must be at least 2, got %d", g.NSplits))
	}
	if len(groups) == 0 {
		return nil, errors.NewModelError("GroupKFold.Split", "empty groups", errors.ErrEmptyData)
	}

	bucketOf := make(map[string]int)
	distinct := 0
	for _, id := range groups {
		if _, ok := bucketOf[id]; !ok {
			bucketOf[id] = distinct % g.NSplits
			distinct++
		}
	}
	if distinct < g.NSplits {
		return nil, errors.NewInsufficientGroupsError(distinct, g.NSplits)
	}

	folds := make([]Fold, g.NSplits)
	for k := range folds {
		folds[k].Index = k
	}
	for i, id := range groups {
		b := bucketOf[id]
		for k := range folds {
			if k == b {
				folds[k].ValidationIndices = append(folds[k].ValidationIndices, i)
			} else {
				folds[k].TrainIndices = append(folds[k].TrainIndices, i)
			}
		}
	}

	return folds, nil
}

// ValidateFolds checks that folds partition n records: every fold covers
// all rows exactly once across its train and validation sets, and every
// row is validated in exactly one fold.
func ValidateFolds(folds []Fold, n int) error {
	if len(folds) == 0 {
		return errors.NewValueError("ValidateFolds", "no folds")
	}
	validated := make([]int, n)
	for _, f := range folds {
		seen := make([]bool, n)
		for _, idx := range append(append([]int(nil), f.TrainIndices...), f.ValidationIndices...) {
			if idx < 0 || idx >= n {
				return errors.NewValueError("ValidateFolds",
					fmt.Sprintf("fold %d: index %d out of range [0, %d)", f.Index, idx, n))
			}
			if seen[idx] {
				return errors.NewValueError("ValidateFolds",
					fmt.Sprintf("fold %d: index %d appears twice", f.Index, idx))
			}
			seen[idx] = true
		}
		for idx, ok := range seen {
			if !ok {
				return errors.NewValueError("ValidateFolds",
					fmt.Sprintf("fold %d: index %d is missing", f.Index, idx))
			}
		}
		for _, idx := range f.ValidationIndices {
			validated[idx]++
		}
	}
	for idx, c := range validated {
		if c != 1 {
			return errors.NewValueError("ValidateFolds",
				fmt.Sprintf("index %d is validated in %d folds", idx, c))
		}
	}
	return nil
}
