package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/ytget/ytdl-web/internal/model"
)

// SQLite archives snapshots in a local database file
type SQLite struct {
	db *sql.DB
}

// OpenSQLite opens (creating if needed) the database at path and its table
func OpenSQLite(path string) (*SQLite, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, err
	}

	if _, err := db.Exec(`
		PRAGMA busy_timeout = 5000;
		PRAGMA journal_mode = WAL;
	`); err != nil {
		log.Printf("store: sqlite pragmas: %v", err)
	}

	s := &SQLite{db: db}
	if err := s.InitTable(); err != nil {
		db.Close()
		return nil, fmt.Errorf("init task_snapshots: %w", err)
	}
	return s, nil
}

// InitTable creates the task_snapshots table if it doesn't exist
func (s *SQLite) InitTable() error {
	query := `
	CREATE TABLE IF NOT EXISTS task_snapshots (
		id TEXT PRIMARY KEY,
		title TEXT,
		url TEXT,
		path TEXT,
		status TEXT NOT NULL,
		percentage REAL,
		speed REAL,
		eta REAL,
		stage TEXT,
		updated_at TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_task_snapshots_updated_at ON task_snapshots(updated_at);
	`
	_, err := s.db.Exec(query)
	return err
}

func (s *SQLite) Save(ctx context.Context, snap model.TaskSnapshot) error {
	query := `INSERT INTO task_snapshots (id, title, url, path, status, percentage, speed, eta, stage, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		title = excluded.title,
		url = excluded.url,
		path = excluded.path,
		status = excluded.status,
		percentage = excluded.percentage,
		speed = excluded.speed,
		eta = excluded.eta,
		stage = excluded.stage,
		updated_at = excluded.updated_at`

	var eta sql.NullFloat64
	if snap.ETA != nil {
		eta = sql.NullFloat64{Float64: *snap.ETA, Valid: true}
	}
	_, err := s.db.ExecContext(ctx, query,
		snap.ID, snap.Title, snap.URL, snap.Path, string(snap.Status),
		snap.Percentage, snap.Speed, eta, snap.Stage,
		snap.UpdatedAt.UTC().Format(time.RFC3339Nano))
	return err
}

const selectSnapshot = `SELECT id, title, url, path, status, percentage, speed, eta, stage, updated_at FROM task_snapshots`

func (s *SQLite) Get(ctx context.Context, id string) (model.TaskSnapshot, error) {
	row := s.db.QueryRowContext(ctx, selectSnapshot+` WHERE id = ?`, id)
	snap, err := scanSnapshot(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.TaskSnapshot{}, model.NotFound(id)
	}
	return snap, err
}

// List returns snapshots, most recently updated first
func (s *SQLite) List(ctx context.Context) ([]model.TaskSnapshot, error) {
	rows, err := s.db.QueryContext(ctx, selectSnapshot+` ORDER BY updated_at DESC, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var list []model.TaskSnapshot
	for rows.Next() {
		snap, err := scanSnapshot(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, snap)
	}
	return list, rows.Err()
}

func (s *SQLite) Delete(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM task_snapshots WHERE id = ?`, id)
	return err
}

// Ping checks the database, used by the health monitor
func (s *SQLite) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLite) Close() error {
	return s.db.Close()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSnapshot(row scanner) (model.TaskSnapshot, error) {
	var (
		snap                    model.TaskSnapshot
		status                  string
		title, url, path, stage sql.NullString
		percentage, speed, eta  sql.NullFloat64
		updatedAt               sql.NullString
	)
	if err := row.Scan(&snap.ID, &title, &url, &path, &status, &percentage, &speed, &eta, &stage, &updatedAt); err != nil {
		return model.TaskSnapshot{}, err
	}
	snap.Title = title.String
	snap.URL = url.String
	snap.Path = path.String
	snap.Status = model.TaskStatus(status)
	snap.Percentage = percentage.Float64
	snap.Speed = speed.Float64
	snap.Stage = stage.String
	if eta.Valid {
		v := eta.Float64
		snap.ETA = &v
	}
	if updatedAt.String != "" {
		t, err := time.Parse(time.RFC3339Nano, updatedAt.String)
		if err != nil {
			return model.TaskSnapshot{}, fmt.Errorf("parse updated_at of %s: %w", snap.ID, err)
		}
		snap.UpdatedAt = t
	}
	return snap, nil
}
