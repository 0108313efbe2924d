package frames

import (
	"sync/atomic"
	"time"
)

// Watchdog отслеживает время последнего кадра по всем потокам сразу.
// Писатели — коллбеки камер, читатель — цикл управления; гонка записей
// безобидна: значение только растёт, побеждает последняя запись.
type Watchdog struct {
	lastSeen atomic.Int64 // UnixNano
	now      func() time.Time
}

// NewWatchdog создаёт сторожевой таймер с отметкой "сейчас" как базой.
func NewWatchdog() *Watchdog {
	return NewWatchdogAt(time.Now)
}

// NewWatchdogAt позволяет подменить источник времени (для тестов).
func NewWatchdogAt(now func() time.Time) *Watchdog {
	w := &Watchdog{now: now}
	w.lastSeen.Store(now().UnixNano())
	return w
}

// RecordFrame отмечает приход кадра.
func (w *Watchdog) RecordFrame() {
	w.lastSeen.Store(w.now().UnixNano())
}

// Alive возвращает false, если с последнего кадра прошло больше threshold.
func (w *Watchdog) Alive(threshold time.Duration) bool {
	if threshold <= 0 {
		return true
	}
	return w.Elapsed() <= threshold
}

// Elapsed возвращает время с момента последнего кадра.
func (w *Watchdog) Elapsed() time.Duration {
	return w.now().Sub(time.Unix(0, w.lastSeen.Load()))
}
