// Package dataset は NIR スペクトルの表形式データの読み込み・整形と
// 波長スキーマの入出力を扱う。
package dataset

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/YuminosukeSato/nirpls/pkg/errors"
)

// WavelengthSchema は特徴量列の順序を決める波長（昇順）の並び
type WavelengthSchema []float64

// Len は波長数を返す
func (s WavelengthSchema) Len() int {
	return len(s)
}

// Validate は空でなく、厳密に昇順であることを確認する
func (s WavelengthSchema) Validate() error {
	if len(s) == 0 {
		return errors.NewSchemaError("schema is empty")
	}
	for i := 1; i < len(s); i++ {
		if !(s[i] > s[i-1]) {
			return errors.NewSchemaError(fmt.Sprintf("wavelengths not strictly ascending at position %d (%g after %g)", i, s[i], s[i-1]))
		}
	}
	return nil
}

// Names は列名として使う文字列表現を返す
func (s WavelengthSchema) Names() []string {
	out := make([]string, len(s))
	for i, w := range s {
		out[i] = formatWavelength(w)
	}
	return out
}

// LoadSchema は JSON 配列を読み込む。要素は数値でも数値文字列でもよい。
func LoadSchema(r io.Reader) (WavelengthSchema, error) {
	var raw []json.RawMessage
	if err := json.NewDecoder(r).Decode(&raw); err != nil {
		return nil, errors.Wrap(errors.NewSchemaError(err.Error()), "decode wavelength schema")
	}
	s := make(WavelengthSchema, len(raw))
	for i, item := range raw {
		var f float64
		if err := json.Unmarshal(item, &f); err == nil {
			s[i] = f
			continue
		}
		var str string
		if err := json.Unmarshal(item, &str); err != nil {
			return nil, errors.NewSchemaError(fmt.Sprintf("element %d is neither a number nor a string: %s", i, item))
		}
		f, err := strconv.ParseFloat(strings.TrimSpace(str), 64)
		if err != nil {
			return nil, errors.NewSchemaError(fmt.Sprintf("element %d (%q) is not a wavelength", i, str))
		}
		s[i] = f
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}

// LoadSchemaFile はファイルからスキーマを読み込む
func LoadSchemaFile(path string) (WavelengthSchema, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "open schema %s", path)
	}
	defer f.Close()
	return LoadSchema(f)
}

// Save はスキーマを数値の JSON 配列として書き出す
func (s WavelengthSchema) Save(w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return errors.Wrap(enc.Encode([]float64(s)), "encode wavelength schema")
}

// SaveFile はスキーマをファイルに書き出す
func (s WavelengthSchema) SaveFile(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrapf(err, "create schema %s", path)
	}
	if err := s.Save(f); err != nil {
		_ = f.Close()
		return err
	}
	return errors.Wrap(f.Close(), "close schema")
}

func formatWavelength(w float64) string {
	return strconv.FormatFloat(w, 'f', -1, 64)
}
