// Package persist отвязывает запись кадров на диск от пути коллбеков и
// цикла управления: ограниченная очередь задач и один фоновый воркер.
package persist

import (
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pv/traffic-demo-go/internal/frames"
)

// Политика переполнения: продюсер ждёт не дольше enqueueWait, затем задача
// отбрасывается (drop-newest) со счётчиком. Коллбек сенсора никогда не
// блокируется надолго.
const enqueueWait = 100 * time.Millisecond

// Task — задание на сохранение одного кадра. Владение кадром переходит к
// очереди в момент постановки.
type Task struct {
	Path  string
	Frame frames.Frame
}

// Sampler решает, какие кадры сохранять: каждый N-й по номеру кадра.
// EveryN = 0 отключает сохранение полностью.
type Sampler struct {
	EveryN int64
}

// Keep возвращает true, если кадр с этим номером подлежит сохранению.
func (s Sampler) Keep(seq int64) bool {
	return s.EveryN > 0 && seq%s.EveryN == 0
}

// Stats — счётчики очереди, читаются для HUD без блокировок.
type Stats struct {
	Enqueued atomic.Int64
	Dropped  atomic.Int64
	Written  atomic.Int64
	Failed   atomic.Int64
}

// Queue — многопродюсерная очередь с одним потребителем.
type Queue struct {
	tasks chan Task
	stats *Stats

	mu     sync.RWMutex
	closed bool
}

// NewQueue создаёт очередь заданной ёмкости (минимум 1).
func NewQueue(capacity int) *Queue {
	if capacity < 1 {
		capacity = 1
	}
	return &Queue{
		tasks: make(chan Task, capacity),
		stats: &Stats{},
	}
}

// Stats возвращает счётчики очереди.
func (q *Queue) Stats() *Stats { return q.stats }

// Len возвращает число задач, ожидающих записи.
func (q *Queue) Len() int { return len(q.tasks) }

// Enqueue ставит задачу в очередь. После Close новые задачи не принимаются.
// Возвращает false, если задача отброшена.
func (q *Queue) Enqueue(t Task) bool {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return false
	}
	select {
	case q.tasks <- t:
		q.stats.Enqueued.Add(1)
		return true
	default:
	}
	// Очередь полна: ограниченное ожидание, затем дроп.
	timer := time.NewTimer(enqueueWait)
	defer timer.Stop()
	select {
	case q.tasks <- t:
		q.stats.Enqueued.Add(1)
		return true
	case <-timer.C:
		q.stats.Dropped.Add(1)
		log.Printf("persist: queue full, dropped frame %06d (%s)", t.Frame.Seq, t.Frame.Stream)
		return false
	}
}

// Close прекращает приём задач; уже поставленные задачи остаются в очереди
// и должны быть дообработаны воркером.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	close(q.tasks)
}

// Writer записывает одну задачу в хранилище.
type Writer interface {
	Write(Task) error
}

// Worker — единственный фоновый потребитель очереди.
type Worker struct {
	queue  *Queue
	writer Writer
	done   chan struct{}
}

// NewWorker создаёт воркер над очередью.
func NewWorker(q *Queue, w Writer) *Worker {
	return &Worker{queue: q, writer: w, done: make(chan struct{})}
}

// Start запускает цикл воркера. Ошибка записи — восстановимое событие:
// логируется и не останавливает конвейер.
func (w *Worker) Start() {
	go func() {
		defer close(w.done)
		for t := range w.queue.tasks {
			if err := w.writer.Write(t); err != nil {
				w.queue.stats.Failed.Add(1)
				log.Printf("persist: write %s: %v", t.Path, err)
				continue
			}
			w.queue.stats.Written.Add(1)
		}
	}()
}

// Drain ждёт, пока воркер дообработает очередь после Close, но не дольше
// timeout. Вызывается циклом управления на этапе остановки.
func (w *Worker) Drain(timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-w.done:
		return nil
	case <-timer.C:
		return fmt.Errorf("persist: drain timed out after %s (%d tasks left)", timeout, w.queue.Len())
	}
}
