// Package telemetry — ограниченное кольцо записей телеметрии эго-транспорта
// и интерфейс приёмников, в которые кольцо сбрасывается при остановке.
package telemetry

import (
	"context"
	"time"
)

// Record — снимок состояния эго на один такт цикла управления.
type Record struct {
	Frame    int64
	TimeS    float64 // симуляционное время, секунды
	SpeedKmh float64
	Steer    float64
	Throttle float64
	Brake    float64
	X, Y, Z  float64
}

// RunMeta идентифицирует запуск демо в приёмниках с несколькими запусками.
type RunMeta struct {
	RunID     string // uuid запуска
	StartedAt time.Time
}

// Sink принимает накопленную телеметрию одной записью при остановке.
// Сбой записи — потеря телеметрии, допустимая по контракту: вызывающий
// логирует и продолжает остановку.
type Sink interface {
	Write(ctx context.Context, meta RunMeta, records []Record) error
	Close()
}

// Ring — кольцо фиксированной ёмкости: при переполнении затирается самая
// старая запись. Используется только из цикла управления, без блокировок.
type Ring struct {
	buf  []Record
	next int
	full bool
}

// NewRing создаёт кольцо ёмкостью capacity (минимум 1).
func NewRing(capacity int) *Ring {
	if capacity < 1 {
		capacity = 1
	}
	return &Ring{buf: make([]Record, capacity)}
}

// Append добавляет запись, вытесняя старейшую при переполнении.
func (r *Ring) Append(rec Record) {
	r.buf[r.next] = rec
	r.next++
	if r.next == len(r.buf) {
		r.next = 0
		r.full = true
	}
}

// Len возвращает число удерживаемых записей.
func (r *Ring) Len() int {
	if r.full {
		return len(r.buf)
	}
	return r.next
}

// Cap возвращает ёмкость кольца.
func (r *Ring) Cap() int { return len(r.buf) }

// Records возвращает удерживаемые записи в хронологическом порядке.
func (r *Ring) Records() []Record {
	if !r.full {
		out := make([]Record, r.next)
		copy(out, r.buf[:r.next])
		return out
	}
	out := make([]Record, 0, len(r.buf))
	out = append(out, r.buf[r.next:]...)
	out = append(out, r.buf[:r.next]...)
	return out
}

// Flush отдаёт записи приёмнику в хронологическом порядке.
func (r *Ring) Flush(ctx context.Context, sink Sink, meta RunMeta) error {
	return sink.Write(ctx, meta, r.Records())
}

// Header — канонический порядок колонок телеметрии.
var Header = []string{"frame", "time_s", "speed_kmh", "steer", "throttle", "brake", "x", "y", "z"}
