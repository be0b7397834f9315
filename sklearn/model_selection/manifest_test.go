package model_selection

import (
	"bytes"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSplitsManifestRoundTrip(t *testing.T) {
	folds, err := NewGroupKFold(3).Split(makeGroups(6, 2))
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, WriteSplits(&buf, folds))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 4)
	assert.Equal(t, "fold,train_idx,val_idx", lines[0])
	assert.Equal(t, `0,"[1, 2, 4, 5, 7, 8, 10, 11]","[0, 3, 6, 9]"`, lines[1])

	got, err := ReadSplits(&buf)
	require.NoError(t, err)
	if diff := cmp.Diff(folds, got); diff != "" {
		t.Errorf("manifest round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestReadSplits_PandasStyle(t *testing.T) {
	in := "fold,train_idx,val_idx\n" +
		"0,\"[2, 3]\",\"[0, 1]\"\n" +
		"1,\"[0, 1]\",\"[2, 3]\"\n"
	folds, err := ReadSplits(strings.NewReader(in))
	require.NoError(t, err)
	require.Len(t, folds, 2)
	assert.Equal(t, []int{0, 1}, folds[0].ValidationIndices)
	require.NoError(t, ValidateFolds(folds, 4))
}

func TestReadSplits_Errors(t *testing.T) {
	tests := []struct {
		name string
		in   string
	}{
		{"empty", ""},
		{"bad header", "a,b,c\n0,\"[0]\",\"[1]\"\n"},
		{"no rows", "fold,train_idx,val_idx\n"},
		{"bad fold", "fold,train_idx,val_idx\nx,\"[0]\",\"[1]\"\n"},
		{"bad list", "fold,train_idx,val_idx\n0,\"[0,\",\"[1]\"\n"},
		{"wrong field count", "fold,train_idx,val_idx\n0,\"[0]\"\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ReadSplits(strings.NewReader(tt.in))
			assert.Error(t, err)
		})
	}
}
