// Package config はコマンドラインフラグと環境変数からプロセス設定を組み立てる。
package config

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/YuminosukeSato/nirpls/pkg/errors"
	"github.com/YuminosukeSato/nirpls/pkg/log"
)

// 環境変数名
const (
	EnvCrop      = "CROP"
	EnvTarget    = "TARGET"
	EnvDataDir   = "NIRPLS_DATA_DIR"
	EnvModelsDir = "NIRPLS_MODELS_DIR"
	EnvLogLevel  = "NIRPLS_LOG_LEVEL"
	EnvListen    = "NIRPLS_LISTEN"
)

// 既定値
const (
	DefaultCrop      = "carrots"
	DefaultTarget    = "antioxidants"
	DefaultDataDir   = "data"
	DefaultModelsDir = "models"
	DefaultLogLevel  = "info"
	DefaultListen    = "127.0.0.1:8000"
)

// RegistryFileName は ModelsDir 内のレジストリ DB のファイル名
const RegistryFileName = "registry.db"

// RawDatasetNames は RawDir 内で探す元データのファイル名（先頭から優先）
var RawDatasetNames = []string{"averaged_dataset.csv", "averaged_dataset.json"}

// Config はプロセス全体の設定。Parse 後は変更しない。
type Config struct {
	Crop      string
	Target    string
	DataDir   string
	ModelsDir string
	LogLevel  string
	Listen    string
}

// FromEnv は既定値を環境変数で上書きした Config を返す。
// getenv は通常 os.Getenv。
func FromEnv(getenv func(string) string) Config {
	pick := func(key, def string) string {
		if v := strings.TrimSpace(getenv(key)); v != "" {
			return v
		}
		return def
	}
	return Config{
		Crop:      pick(EnvCrop, DefaultCrop),
		Target:    pick(EnvTarget, DefaultTarget),
		DataDir:   pick(EnvDataDir, DefaultDataDir),
		ModelsDir: pick(EnvModelsDir, DefaultModelsDir),
		LogLevel:  pick(EnvLogLevel, DefaultLogLevel),
		Listen:    pick(EnvListen, DefaultListen),
	}
}

// Bind は c の値を既定値として fs にフラグを登録する。
// fs.Parse の後に c へ結果が反映される。
func (c *Config) Bind(fs *flag.FlagSet) {
	fs.StringVar(&c.Crop, "crop", c.Crop, "crop name (env "+EnvCrop+")")
	fs.StringVar(&c.Target, "target", c.Target, "target nutrient column (env "+EnvTarget+")")
	fs.StringVar(&c.DataDir, "data-dir", c.DataDir, "data directory containing raw/ and clean/ (env "+EnvDataDir+")")
	fs.StringVar(&c.ModelsDir, "models-dir", c.ModelsDir, "directory for artifacts, metrics and the registry (env "+EnvModelsDir+")")
	fs.StringVar(&c.LogLevel, "log-level", c.LogLevel, "debug, info, warn or error (env "+EnvLogLevel+")")
	fs.StringVar(&c.Listen, "listen", c.Listen, "listen address for serve (env "+EnvListen+")")
}

// Parse は環境変数を既定値、args をフラグとして Config を作り、検証する
func Parse(fs *flag.FlagSet, args []string, getenv func(string) string) (Config, error) {
	c := FromEnv(getenv)
	c.Bind(fs)
	if err := fs.Parse(args); err != nil {
		return Config{}, errors.Wrap(err, "parse flags")
	}
	c.Crop = strings.ToLower(strings.TrimSpace(c.Crop))
	c.Target = strings.ToLower(strings.TrimSpace(c.Target))
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// Validate rejects an empty crop or target and unknown log levels.
func (c Config) Validate() error {
	if c.Crop == "" {
		return errors.NewValueError("config.Validate", "crop is required")
	}
	if c.Target == "" {
		return errors.NewValueError("config.Validate", "target is required")
	}
	if _, err := log.ParseLevel(c.LogLevel); err != nil {
		return errors.NewValueError("config.Validate", fmt.Sprintf("unknown log level %q", c.LogLevel))
	}
	return nil
}

// RawDir は元データの置き場所
func (c Config) RawDir() string { return filepath.Join(c.DataDir, "raw") }

// FindRawDataset は RawDir から最初に見つかった元データのパスを返す
func (c Config) FindRawDataset() (string, error) {
	for _, name := range RawDatasetNames {
		path := filepath.Join(c.RawDir(), name)
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
	}
	return "", errors.NewValueError("config.FindRawDataset",
		fmt.Sprintf("no dataset file found in %s (looked for %s)", c.RawDir(), strings.Join(RawDatasetNames, ", ")))
}

// CleanDir はクリーニング済みデータの置き場所
func (c Config) CleanDir() string { return filepath.Join(c.DataDir, "clean") }

// RegistryPath は ModelsDir/registry.db
func (c Config) RegistryPath() string { return filepath.Join(c.ModelsDir, RegistryFileName) }

// FeaturesPath は {clean}/{crop}__X.csv
func (c Config) FeaturesPath() string {
	return filepath.Join(c.CleanDir(), c.Crop+"__X.csv")
}

// TargetPath は {clean}/{crop}__y__{target}.csv
func (c Config) TargetPath() string {
	return filepath.Join(c.CleanDir(), c.Crop+"__y__"+c.Target+".csv")
}

// SplitsPath は {clean}/splits.csv
func (c Config) SplitsPath() string { return filepath.Join(c.CleanDir(), "splits.csv") }

// SchemaPath は {clean}/{crop}__wavelengths.json
func (c Config) SchemaPath() string {
	return filepath.Join(c.CleanDir(), c.Crop+"__wavelengths.json")
}
