package persist

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/pv/traffic-demo-go/internal/frames"
)

type fakeWriter struct {
	mu    sync.Mutex
	paths []string
	fail  func(Task) error
}

func (w *fakeWriter) Write(t Task) error {
	if w.fail != nil {
		if err := w.fail(t); err != nil {
			return err
		}
	}
	w.mu.Lock()
	w.paths = append(w.paths, t.Path)
	w.mu.Unlock()
	return nil
}

func (w *fakeWriter) written() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]string, len(w.paths))
	copy(out, w.paths)
	return out
}

func TestSamplerKeep(t *testing.T) {
	tests := []struct {
		name   string
		everyN int64
		seq    int64
		keep   bool
	}{
		{"нулевой кадр", 60, 0, true},
		{"между выборками", 60, 59, false},
		{"кратный", 60, 120, true},
		{"каждый кадр", 1, 7, true},
		{"выключено", 0, 0, false},
		{"выключено, кратный", 0, 60, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := Sampler{EveryN: tt.everyN}
			if got := s.Keep(tt.seq); got != tt.keep {
				t.Fatalf("Keep(%d) with N=%d = %v, expected %v", tt.seq, tt.everyN, got, tt.keep)
			}
		})
	}
}

// Сценарий: N=60, кадры 0..179 — сохраняются ровно кадры 0, 60, 120.
func TestSampledPipeline(t *testing.T) {
	queue := NewQueue(8)
	writer := &fakeWriter{}
	worker := NewWorker(queue, writer)
	worker.Start()

	sampler := Sampler{EveryN: 60}
	for seq := int64(0); seq < 180; seq++ {
		if !sampler.Keep(seq) {
			continue
		}
		f := frames.Frame{Stream: "front", Seq: seq}
		if !queue.Enqueue(Task{Path: TaskPath("out/front", seq), Frame: f}) {
			t.Fatalf("enqueue of frame %d failed", seq)
		}
	}
	queue.Close()
	if err := worker.Drain(5 * time.Second); err != nil {
		t.Fatalf("drain: %v", err)
	}

	want := []string{"out/front/000000.png", "out/front/000060.png", "out/front/000120.png"}
	got := writer.written()
	if len(got) != len(want) {
		t.Fatalf("expected %d writes, got %d: %v", len(want), len(got), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("write %d: expected %s, got %s", i, want[i], got[i])
		}
	}
	if n := queue.Stats().Written.Load(); n != 3 {
		t.Fatalf("expected 3 written in stats, got %d", n)
	}
}

// После Close воркер добирает всё, что было поставлено до сигнала.
func TestDrainCompleteness(t *testing.T) {
	queue := NewQueue(64)
	writer := &fakeWriter{}
	worker := NewWorker(queue, writer)
	worker.Start()

	const total = 50
	for seq := int64(0); seq < total; seq++ {
		if !queue.Enqueue(Task{Path: TaskPath("out", seq)}) {
			t.Fatalf("enqueue %d failed", seq)
		}
	}
	queue.Close()
	if err := worker.Drain(5 * time.Second); err != nil {
		t.Fatalf("drain: %v", err)
	}

	stats := queue.Stats()
	if stats.Enqueued.Load() != total {
		t.Fatalf("expected %d enqueued, got %d", total, stats.Enqueued.Load())
	}
	if stats.Written.Load() != total {
		t.Fatalf("expected %d written after drain, got %d", total, stats.Written.Load())
	}
}

func TestEnqueueAfterCloseRejected(t *testing.T) {
	queue := NewQueue(4)
	worker := NewWorker(queue, &fakeWriter{})
	worker.Start()
	queue.Close()

	if queue.Enqueue(Task{Path: "late.png"}) {
		t.Fatalf("enqueue after Close must be rejected")
	}
	if err := worker.Drain(time.Second); err != nil {
		t.Fatalf("drain: %v", err)
	}
	if queue.Stats().Written.Load() != 0 {
		t.Fatalf("nothing should have been written")
	}
}

// Сбой записи одного кадра не останавливает конвейер.
func TestWriteFailureIsNotFatal(t *testing.T) {
	queue := NewQueue(8)
	writer := &fakeWriter{
		fail: func(task Task) error {
			if task.Frame.Seq == 1 {
				return errors.New("disk full")
			}
			return nil
		},
	}
	worker := NewWorker(queue, writer)
	worker.Start()

	for seq := int64(0); seq < 3; seq++ {
		queue.Enqueue(Task{Path: fmt.Sprintf("%d.png", seq), Frame: frames.Frame{Seq: seq}})
	}
	queue.Close()
	if err := worker.Drain(5 * time.Second); err != nil {
		t.Fatalf("drain: %v", err)
	}

	stats := queue.Stats()
	if stats.Written.Load() != 2 {
		t.Fatalf("expected 2 written, got %d", stats.Written.Load())
	}
	if stats.Failed.Load() != 1 {
		t.Fatalf("expected 1 failed, got %d", stats.Failed.Load())
	}
}

// Полная очередь без потребителя: ограниченное ожидание и дроп новой задачи.
func TestEnqueueDropsWhenFull(t *testing.T) {
	queue := NewQueue(1)
	if !queue.Enqueue(Task{Path: "0.png"}) {
		t.Fatalf("first enqueue must succeed")
	}
	start := time.Now()
	if queue.Enqueue(Task{Path: "1.png"}) {
		t.Fatalf("second enqueue must be dropped")
	}
	if waited := time.Since(start); waited > time.Second {
		t.Fatalf("enqueue blocked for %s, expected a bounded wait", waited)
	}
	if queue.Stats().Dropped.Load() != 1 {
		t.Fatalf("expected 1 dropped, got %d", queue.Stats().Dropped.Load())
	}
}
