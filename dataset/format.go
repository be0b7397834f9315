package dataset

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/YuminosukeSato/nirpls/pkg/errors"
)

// Format は入力データの形式
type Format int

const (
	// FormatCSV はヘッダ付き CSV
	FormatCSV Format = iota
	// FormatJSON はレコード（オブジェクト）の JSON 配列
	FormatJSON
)

func (f Format) String() string {
	switch f {
	case FormatCSV:
		return "csv"
	case FormatJSON:
		return "json"
	default:
		return fmt.Sprintf("Format(%d)", int(f))
	}
}

// ParseFormat は "csv" / "json" を Format に変換する
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "csv":
		return FormatCSV, nil
	case "json":
		return FormatJSON, nil
	default:
		return 0, errors.NewValueError("ParseFormat", fmt.Sprintf("unsupported format %q (want csv or json)", s))
	}
}

// FormatFromPath は拡張子から形式を決める
func FormatFromPath(path string) (Format, error) {
	return ParseFormat(strings.TrimPrefix(filepath.Ext(path), "."))
}

// Table は型付け前の表データ。欠損値は空文字列で表す。
type Table struct {
	Columns []string
	Rows    [][]string
}

// Column は列名から列番号を返す
func (t *Table) Column(name string) (int, bool) {
	for i, c := range t.Columns {
		if c == name {
			return i, true
		}
	}
	return -1, false
}

// Load は指定された形式で表データを読み込む
func Load(r io.Reader, format Format) (*Table, error) {
	switch format {
	case FormatCSV:
		return loadCSV(r)
	case FormatJSON:
		return loadJSON(r)
	default:
		return nil, errors.NewValueError("dataset.Load", fmt.Sprintf("unsupported format %s", format))
	}
}

// LoadFile はファイルを開いて Load する
func LoadFile(path string, format Format) (*Table, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "open dataset %s", path)
	}
	defer f.Close()
	return Load(f, format)
}

func loadCSV(r io.Reader) (*Table, error) {
	cr := csv.NewReader(r)
	cr.TrimLeadingSpace = true

	header, err := cr.Read()
	if err != nil {
		return nil, errors.Wrap(err, "read csv header")
	}
	t := &Table{Columns: header}
	for {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, errors.Wrap(err, "read csv row")
		}
		t.Rows = append(t.Rows, rec)
	}
	return t, nil
}

// loadJSON は [{"col": value, ...}, ...] を読む。列順は最初に現れた順。
func loadJSON(r io.Reader) (*Table, error) {
	var records []json.RawMessage
	dec := json.NewDecoder(r)
	dec.UseNumber()
	if err := dec.Decode(&records); err != nil {
		return nil, errors.Wrap(err, "decode json records")
	}

	t := &Table{}
	index := map[string]int{}
	var rows []map[string]string
	for i, raw := range records {
		keys, values, err := orderedObject(raw)
		if err != nil {
			return nil, errors.Wrapf(err, "record %d", i)
		}
		row := make(map[string]string, len(keys))
		for j, k := range keys {
			if _, ok := index[k]; !ok {
				index[k] = len(t.Columns)
				t.Columns = append(t.Columns, k)
			}
			row[k] = values[j]
		}
		rows = append(rows, row)
	}

	t.Rows = make([][]string, len(rows))
	for i, row := range rows {
		t.Rows[i] = make([]string, len(t.Columns))
		for k, v := range row {
			t.Rows[i][index[k]] = v
		}
	}
	return t, nil
}

func orderedObject(raw json.RawMessage) ([]string, []string, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	tok, err := dec.Token()
	if err != nil {
		return nil, nil, err
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return nil, nil, errors.Newf("expected object, got %v", tok)
	}

	var keys, values []string
	for dec.More() {
		kt, err := dec.Token()
		if err != nil {
			return nil, nil, err
		}
		key, _ := kt.(string)

		var v any
		if err := dec.Decode(&v); err != nil {
			return nil, nil, err
		}
		var s string
		switch x := v.(type) {
		case nil:
			s = ""
		case string:
			s = x
		case json.Number:
			s = x.String()
		case bool:
			s = strconv.FormatBool(x)
		default:
			return nil, nil, errors.Newf("column %q: nested values are not supported", key)
		}
		keys = append(keys, key)
		values = append(values, s)
	}
	return keys, values, nil
}
