package artifact

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/YuminosukeSato/nirpls/pkg/errors"
	"github.com/cespare/xxhash/v2"
	"github.com/klauspost/compress/zstd"
)

// FormatVersion はエンベロープの形式バージョン
const FormatVersion = 1

// envelope はファイルの中身（zstd 展開後）
type envelope struct {
	FormatVersion int             `json:"format_version"`
	Checksum      string          `json:"checksum"`
	Payload       json.RawMessage `json:"payload"`
}

var zstdDecoderPool = sync.Pool{
	New: func() any {
		d, err := zstd.NewReader(nil, zstd.WithDecoderConcurrency(1))
		if err != nil {
			panic(fmt.Sprintf("failed to create zstd decoder: %v", err))
		}
		return d
	},
}

var zstdEncoderPool = sync.Pool{
	New: func() any {
		e, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
		if err != nil {
			panic(fmt.Sprintf("failed to create zstd encoder: %v", err))
		}
		return e
	},
}

func checksum(b []byte) string {
	return fmt.Sprintf("%016x", xxhash.Sum64(b))
}

// Save はアーティファクトを zstd 圧縮した JSON エンベロープとして書き出す
func (a *ModelArtifact) Save(w io.Writer) error {
	if err := a.Validate(); err != nil {
		return err
	}
	payload, err := json.Marshal(a)
	if err != nil {
		return errors.Wrap(err, "marshal artifact")
	}
	env, err := json.Marshal(envelope{
		FormatVersion: FormatVersion,
		Checksum:      checksum(payload),
		Payload:       payload,
	})
	if err != nil {
		return errors.Wrap(err, "marshal envelope")
	}

	enc := zstdEncoderPool.Get().(*zstd.Encoder)
	defer zstdEncoderPool.Put(enc)
	_, err = w.Write(enc.EncodeAll(env, nil))
	return errors.Wrap(err, "write artifact")
}

// Load は Save で書かれたアーティファクトを読み込み、チェックサムを検証する
func Load(r io.Reader) (*ModelArtifact, error) {
	compressed, err := io.ReadAll(r)
	if err != nil {
		return nil, errors.Wrap(err, "read artifact")
	}
	if len(compressed) == 0 {
		return nil, errors.NewModelError("artifact.Load", "empty artifact", errors.ErrEmptyData)
	}

	dec := zstdDecoderPool.Get().(*zstd.Decoder)
	raw, err := dec.DecodeAll(compressed, nil)
	zstdDecoderPool.Put(dec)
	if err != nil {
		return nil, errors.Wrap(err, "zstd decompression failed")
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, errors.Wrap(err, "decode envelope")
	}
	if env.FormatVersion != FormatVersion {
		return nil, errors.NewValueError("artifact.Load",
			fmt.Sprintf("unsupported format_version %d (want %d)", env.FormatVersion, FormatVersion))
	}
	if got := checksum(env.Payload); got != env.Checksum {
		return nil, errors.Wrapf(errors.ErrChecksumMismatch, "checksum %s, recorded %s", got, env.Checksum)
	}

	var a ModelArtifact
	if err := json.Unmarshal(env.Payload, &a); err != nil {
		return nil, errors.Wrap(err, "decode artifact payload")
	}
	if err := a.Validate(); err != nil {
		return nil, err
	}
	return &a, nil
}

// SaveFile は dir/FileName() に書き出し、そのパスを返す。
// 一時ファイルに書いてから rename するので、読み手が途中の状態を見ることはない。
func (a *ModelArtifact) SaveFile(dir string) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", errors.Wrapf(err, "create %s", dir)
	}
	path := filepath.Join(dir, a.FileName())
	tmp, err := os.CreateTemp(dir, ".artifact-*")
	if err != nil {
		return "", errors.Wrap(err, "create temp artifact")
	}
	defer os.Remove(tmp.Name())

	if err := a.Save(tmp); err != nil {
		_ = tmp.Close()
		return "", err
	}
	if err := tmp.Close(); err != nil {
		return "", errors.Wrap(err, "close temp artifact")
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return "", errors.Wrapf(err, "rename artifact to %s", path)
	}
	return path, nil
}

// LoadFile はファイルからアーティファクトを読み込む
func LoadFile(path string) (*ModelArtifact, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "open artifact %s", path)
	}
	defer f.Close()
	a, err := Load(f)
	if err != nil {
		return nil, errors.Wrapf(err, "load %s", path)
	}
	return a, nil
}
