// Package postgres — приёмник телеметрии в PostgreSQL.
package postgres

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pv/traffic-demo-go/internal/telemetry"
)

type Config struct {
	ConnString string
	MaxConns   int32
}

type Sink struct {
	pool *pgxpool.Pool
}

// New подключается к базе и создаёт таблицу телеметрии при необходимости.
func New(ctx context.Context, cfg Config) (*Sink, error) {
	if cfg.ConnString == "" {
		return nil, fmt.Errorf("postgres: connection string is empty")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.ConnString)
	if err != nil {
		return nil, fmt.Errorf("postgres: parse config: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("postgres: connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}
	if _, err := pool.Exec(ctx, schemaSQL); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: init schema: %w", err)
	}
	return &Sink{pool: pool}, nil
}

func (s *Sink) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// Write загружает записи через COPY.
func (s *Sink) Write(ctx context.Context, meta telemetry.RunMeta, records []telemetry.Record) error {
	if len(records) == 0 {
		return nil
	}
	rows := make([][]any, 0, len(records))
	for _, r := range records {
		rows = append(rows, []any{meta.RunID,
			r.Frame, r.TimeS, r.SpeedKmh, r.Steer, r.Throttle, r.Brake, r.X, r.Y, r.Z})
	}
	_, err := s.pool.CopyFrom(ctx,
		pgx.Identifier{"telemetry"},
		[]string{"run_id", "frame", "time_s", "speed_kmh", "steer", "throttle", "brake", "x", "y", "z"},
		pgx.CopyFromRows(rows),
	)
	if err != nil {
		return fmt.Errorf("postgres: copy telemetry: %w", err)
	}
	return nil
}

const schemaSQL = `
CREATE TABLE IF NOT EXISTS telemetry (
	run_id    TEXT NOT NULL,
	frame     BIGINT NOT NULL,
	time_s    DOUBLE PRECISION NOT NULL,
	speed_kmh DOUBLE PRECISION NOT NULL,
	steer     DOUBLE PRECISION NOT NULL,
	throttle  DOUBLE PRECISION NOT NULL,
	brake     DOUBLE PRECISION NOT NULL,
	x         DOUBLE PRECISION NOT NULL,
	y         DOUBLE PRECISION NOT NULL,
	z         DOUBLE PRECISION NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_telemetry_run ON telemetry(run_id, frame);
`

// IsPostgresURL распознаёт строку подключения PostgreSQL.
func IsPostgresURL(src string) bool {
	lower := strings.ToLower(src)
	return strings.HasPrefix(lower, "postgres://") || strings.HasPrefix(lower, "postgresql://")
}
