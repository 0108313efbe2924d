// Package sqlite — приёмник телеметрии в локальную базу SQLite.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	_ "modernc.org/sqlite"

	"github.com/pv/traffic-demo-go/internal/telemetry"
)

type Config struct {
	Source string
}

type Sink struct {
	db *sql.DB
}

// New открывает базу и создаёт таблицу телеметрии при необходимости.
func New(ctx context.Context, cfg Config) (*Sink, error) {
	if cfg.Source == "" {
		return nil, fmt.Errorf("sqlite: database path is empty")
	}
	db, err := sql.Open("sqlite", cfg.Source)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite: ping: %w", err)
	}
	if _, err := db.ExecContext(ctx, schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite: init schema: %w", err)
	}
	return &Sink{db: db}, nil
}

func (s *Sink) Close() {
	if s.db != nil {
		s.db.Close()
	}
}

// Write вставляет записи одной транзакцией.
func (s *Sink) Write(ctx context.Context, meta telemetry.RunMeta, records []telemetry.Record) error {
	if len(records) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite: begin tx: %w", err)
	}
	stmt, err := tx.PrepareContext(ctx, insertSQL)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("sqlite: prepare insert: %w", err)
	}
	for _, r := range records {
		if _, err := stmt.ExecContext(ctx, meta.RunID,
			r.Frame, r.TimeS, r.SpeedKmh, r.Steer, r.Throttle, r.Brake, r.X, r.Y, r.Z); err != nil {
			stmt.Close()
			tx.Rollback()
			return fmt.Errorf("sqlite: insert frame %d: %w", r.Frame, err)
		}
	}
	stmt.Close()
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sqlite: commit: %w", err)
	}
	return nil
}

const schemaSQL = `
CREATE TABLE IF NOT EXISTS telemetry (
	run_id    TEXT NOT NULL,
	frame     INTEGER NOT NULL,
	time_s    REAL NOT NULL,
	speed_kmh REAL NOT NULL,
	steer     REAL NOT NULL,
	throttle  REAL NOT NULL,
	brake     REAL NOT NULL,
	x         REAL NOT NULL,
	y         REAL NOT NULL,
	z         REAL NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_telemetry_run ON telemetry(run_id, frame);
`

const insertSQL = `
INSERT INTO telemetry(run_id, frame, time_s, speed_kmh, steer, throttle, brake, x, y, z)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?);
`

// IsSource распознаёт строку подключения SQLite.
func IsSource(src string) bool {
	if src == "" {
		return false
	}
	lower := strings.ToLower(src)
	switch {
	case strings.HasPrefix(lower, "sqlite://"),
		strings.HasPrefix(lower, "file:"),
		strings.HasSuffix(lower, ".db"),
		src == ":memory:":
		return true
	default:
		return false
	}
}

// NormalizeSource убирает схему sqlite:// из строки подключения.
func NormalizeSource(src string) string {
	if strings.HasPrefix(src, "sqlite://") {
		return strings.TrimPrefix(src, "sqlite://")
	}
	return src
}
