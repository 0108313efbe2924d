// Package csvfile — приёмник телеметрии по умолчанию: один CSV-файл,
// записываемый целиком при остановке демо.
package csvfile

import (
	"context"
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/pv/traffic-demo-go/internal/telemetry"
)

type Sink struct {
	Path string
}

// New создаёт приёмник, пишущий в указанный файл.
func New(path string) (*Sink, error) {
	if path == "" {
		return nil, fmt.Errorf("csvfile: path is empty")
	}
	return &Sink{Path: path}, nil
}

// Write сохраняет записи с каноническим заголовком. Файл перезаписывается:
// телеметрия сбрасывается ровно один раз за запуск.
func (s *Sink) Write(ctx context.Context, _ telemetry.RunMeta, records []telemetry.Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(s.Path), 0o755); err != nil {
		return fmt.Errorf("csvfile: mkdir: %w", err)
	}
	f, err := os.Create(s.Path)
	if err != nil {
		return fmt.Errorf("csvfile: create: %w", err)
	}
	w := csv.NewWriter(f)
	if err := w.Write(telemetry.Header); err != nil {
		f.Close()
		return fmt.Errorf("csvfile: header: %w", err)
	}
	for _, r := range records {
		row := []string{
			strconv.FormatInt(r.Frame, 10),
			num(r.TimeS), num(r.SpeedKmh), num(r.Steer), num(r.Throttle), num(r.Brake),
			num(r.X), num(r.Y), num(r.Z),
		}
		if err := w.Write(row); err != nil {
			f.Close()
			return fmt.Errorf("csvfile: row: %w", err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		f.Close()
		return fmt.Errorf("csvfile: flush: %w", err)
	}
	return f.Close()
}

func (s *Sink) Close() {}

func num(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
