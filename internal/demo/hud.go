package demo

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/pv/traffic-demo-go/internal/telemetry"
	"github.com/pv/traffic-demo-go/internal/world"
)

// HUDState — состояние, показываемое оператору на каждом такте.
type HUDState struct {
	RunID    string  `json:"run_id"`
	Frame    int64   `json:"frame"`
	TimeS    float64 `json:"time_s"`
	SpeedKmh float64 `json:"speed_kmh"`
	Steer    float64 `json:"steer"`
	Throttle float64 `json:"throttle"`
	Brake    float64 `json:"brake"`
	X        float64 `json:"x"`
	Y        float64 `json:"y"`
	Z        float64 `json:"z"`

	Derived telemetry.Derived `json:"derived"`

	ActiveCrossers int    `json:"active_crossers"`
	Collisions     int    `json:"collisions"`
	LastCollision  string `json:"last_collision,omitempty"`

	FramesEnqueued int64 `json:"frames_enqueued"`
	FramesDropped  int64 `json:"frames_dropped"`
	FramesWritten  int64 `json:"frames_written"`
	FramesFailed   int64 `json:"frames_failed"`
}

// CollisionLog — ограниченный журнал столкновений, пополняемый коллбеком
// датчика из горутины доставки и читаемый циклом управления.
type CollisionLog struct {
	mu     sync.Mutex
	events []world.CollisionEvent
	limit  int
	total  int
}

// NewCollisionLog создаёт журнал с ограничением на хранимые события.
func NewCollisionLog(limit int) *CollisionLog {
	if limit < 1 {
		limit = 1
	}
	return &CollisionLog{limit: limit}
}

// Add добавляет событие, вытесняя старейшее при переполнении.
func (l *CollisionLog) Add(ev world.CollisionEvent) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.total++
	if len(l.events) == l.limit {
		copy(l.events, l.events[1:])
		l.events[len(l.events)-1] = ev
		return
	}
	l.events = append(l.events, ev)
}

// Total возвращает полное число зарегистрированных столкновений.
func (l *CollisionLog) Total() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.total
}

// Last возвращает последнее событие; ok=false, если столкновений не было.
func (l *CollisionLog) Last() (world.CollisionEvent, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.events) == 0 {
		return world.CollisionEvent{}, false
	}
	return l.events[len(l.events)-1], true
}

// Events возвращает копию удерживаемых событий в порядке поступления.
func (l *CollisionLog) Events() []world.CollisionEvent {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]world.CollisionEvent, len(l.events))
	copy(out, l.events)
	return out
}

// StdoutRenderer печатает строку HUD в writer не чаще заданного интервала.
// Используется, когда HTTP-сервер HUD не настроен.
type StdoutRenderer struct {
	Writer   io.Writer
	Interval time.Duration

	last time.Time
}

// Render печатает состояние, если с прошлой печати прошло достаточно времени.
func (r *StdoutRenderer) Render(st HUDState) error {
	if r.Writer == nil {
		return fmt.Errorf("stdout renderer: writer is not set")
	}
	now := time.Now()
	if r.Interval > 0 && now.Sub(r.last) < r.Interval {
		return nil
	}
	r.last = now
	_, err := fmt.Fprintf(r.Writer,
		"frame %6d t=%7.1fs v=%5.1f km/h steer=%+.2f thr=%.2f brk=%.2f dist=%7.1fm stop=%5.1fs brake=%5.1fs crossers=%d collisions=%d saved=%d dropped=%d\n",
		st.Frame, st.TimeS, st.SpeedKmh, st.Steer, st.Throttle, st.Brake,
		st.Derived.DistanceM, st.Derived.StopTimeS, st.Derived.BrakeTimeS,
		st.ActiveCrossers, st.Collisions, st.FramesWritten, st.FramesDropped)
	return err
}
