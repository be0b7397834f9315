package artifact

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/YuminosukeSato/nirpls/pkg/errors"
	_ "modernc.org/sqlite"
)

// Entry はレジストリの1行。(crop, target) に対して複数の版を持つ。
type Entry struct {
	ID           string
	Crop         string
	Target       string
	Method       string
	Path         string
	Version      string
	FitTimestamp time.Time
	NComponents  int
	R2Mean       float64
	RMSEMean     float64
}

// EntryFor は保存済みアーティファクトのレジストリ行を作る
func EntryFor(a *ModelArtifact, path string) Entry {
	return Entry{
		ID:           a.ID,
		Crop:         a.Crop,
		Target:       a.Target,
		Method:       a.Method,
		Path:         path,
		Version:      a.Version,
		FitTimestamp: a.FitTimestamp,
		NComponents:  a.BestParams.NComponents,
		R2Mean:       a.CVScores.R2Mean,
		RMSEMean:     a.CVScores.RMSEMean,
	}
}

// Registry は (crop, target) → アーティファクトの対応を sqlite に保持する。
// 最新版は登録された fit 時刻で決まり、ファイルの更新時刻には依存しない。
type Registry struct {
	db *sql.DB
}

// OpenRegistry は sqlite ファイルを開き、必要ならテーブルを作る
func OpenRegistry(path string) (*Registry, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrapf(err, "open registry %s", path)
	}
	// sqlite の書き込みは直列なので接続は1本にする
	db.SetMaxOpenConns(1)

	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS artifacts (
			seq            INTEGER PRIMARY KEY AUTOINCREMENT,
			id             TEXT NOT NULL UNIQUE,
			crop           TEXT NOT NULL,
			target         TEXT NOT NULL,
			method         TEXT NOT NULL,
			path           TEXT NOT NULL,
			version        TEXT NOT NULL,
			fit_unix_nano  BIGINT NOT NULL,
			n_components   INTEGER NOT NULL,
			r2_mean        DOUBLE,
			rmse_mean      DOUBLE,
			registered_at  TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		);
		CREATE INDEX IF NOT EXISTS artifacts_crop_target ON artifacts (crop, target, fit_unix_nano);
	`)
	if err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "create registry schema")
	}
	return &Registry{db: db}, nil
}

// Close はデータベースを閉じる
func (r *Registry) Close() error {
	return r.db.Close()
}

// Register は新しい版を登録する
func (r *Registry) Register(ctx context.Context, e Entry) error {
	if e.ID == "" || e.Crop == "" || e.Target == "" || e.Path == "" {
		return errors.NewValueError("Registry.Register", "id, crop, target and path are required")
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO artifacts (id, crop, target, method, path, version, fit_unix_nano, n_components, r2_mean, rmse_mean)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, strings.ToLower(e.Crop), strings.ToLower(e.Target), e.Method, e.Path, e.Version,
		e.FitTimestamp.UnixNano(), e.NComponents, e.R2Mean, e.RMSEMean,
	)
	return errors.Wrapf(err, "register artifact %s", e.ID)
}

const selectEntries = `
	SELECT id, crop, target, method, path, version, fit_unix_nano, n_components, r2_mean, rmse_mean
	FROM artifacts
	WHERE crop = ? AND target = ?
	ORDER BY fit_unix_nano DESC, seq DESC`

// Latest は fit 時刻が最も新しい版を返す。同時刻なら後から登録した方。
func (r *Registry) Latest(ctx context.Context, crop, target string) (Entry, error) {
	row := r.db.QueryRowContext(ctx, selectEntries+" LIMIT 1", strings.ToLower(crop), strings.ToLower(target))
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, errors.NewArtifactNotFoundError(crop, target)
	}
	if err != nil {
		return Entry{}, errors.Wrap(err, "query latest artifact")
	}
	return e, nil
}

// List は (crop, target) の全版を新しい順に返す
func (r *Registry) List(ctx context.Context, crop, target string) ([]Entry, error) {
	rows, err := r.db.QueryContext(ctx, selectEntries, strings.ToLower(crop), strings.ToLower(target))
	if err != nil {
		return nil, errors.Wrap(err, "query artifacts")
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan artifact")
		}
		out = append(out, e)
	}
	return out, errors.Wrap(rows.Err(), "iterate artifacts")
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(s scanner) (Entry, error) {
	var e Entry
	var fit int64
	var r2, rmse sql.NullFloat64
	if err := s.Scan(&e.ID, &e.Crop, &e.Target, &e.Method, &e.Path, &e.Version, &fit, &e.NComponents, &r2, &rmse); err != nil {
		return Entry{}, err
	}
	e.FitTimestamp = time.Unix(0, fit).UTC()
	e.R2Mean, e.RMSEMean = r2.Float64, rmse.Float64
	return e, nil
}

// Publish はアーティファクトを dir に保存してからレジストリに登録する
func Publish(ctx context.Context, reg *Registry, a *ModelArtifact, dir string) (Entry, error) {
	path, err := a.SaveFile(dir)
	if err != nil {
		return Entry{}, err
	}
	e := EntryFor(a, path)
	if err := reg.Register(ctx, e); err != nil {
		return Entry{}, err
	}
	return e, nil
}

// Open はエントリが指すファイルを読み込み、登録された ID と一致するか確認する
func (e Entry) Open() (*ModelArtifact, error) {
	a, err := LoadFile(e.Path)
	if err != nil {
		return nil, err
	}
	if a.ID != e.ID {
		return nil, errors.NewValueError("Entry.Open",
			"artifact at "+e.Path+" has id "+a.ID+", registry expects "+e.ID)
	}
	return a, nil
}
