// Package demo — цикл управления демонстрацией: один управляющий поток,
// тактируемый с целевой частотой, поверх асинхронных коллбеков сенсоров и
// фонового воркера сохранения.
package demo

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/pv/traffic-demo-go/internal/crossers"
	"github.com/pv/traffic-demo-go/internal/frames"
	"github.com/pv/traffic-demo-go/internal/persist"
	"github.com/pv/traffic-demo-go/internal/telemetry"
	"github.com/pv/traffic-demo-go/internal/world"
)

// Пауза перед повтором после неудачного опроса снимка мира.
const snapshotBackoff = 50 * time.Millisecond

// Renderer показывает состояние HUD оператору. Сбой отрисовки — не повод
// останавливать демонстрацию.
type Renderer interface {
	Render(HUDState) error
}

// Loop — цикл управления. Все поля задаются до Run и далее не меняются.
type Loop struct {
	World world.World
	Ego   world.Vehicle

	Watchdog        *frames.Watchdog
	WatchdogTimeout time.Duration

	Ring    *telemetry.Ring
	Tracker *telemetry.Tracker

	Crossers   *crossers.Scheduler // nil при -no-walkers
	Collisions *CollisionLog

	PersistStats *persist.Stats // nil при -no-save

	Renderers []Renderer

	RunID    string
	Step     time.Duration // темп такта
	Duration time.Duration // 0 — без ограничения по времени
}

// Run выполняет цикл до команды выхода, останова сторожевого таймера,
// истечения длительности или фатальной ошибки. Причина останова возвращается
// всегда; err != nil только для фатальных ошибок мира.
func (l *Loop) Run(ctx context.Context, ctrl Control) (StopReason, error) {
	if l.World == nil || l.Ego == nil {
		return StopFatal, fmt.Errorf("demo: world and ego must be set")
	}
	started := time.Now()

	for {
		select {
		case <-ctx.Done():
			return StopQuit, nil
		default:
		}
		if stop := drainCommands(ctrl.Commands); stop {
			return StopQuit, nil
		}
		if l.Duration > 0 && time.Since(started) >= l.Duration {
			log.Printf("demo: configured duration %s elapsed", l.Duration)
			return StopDuration, nil
		}

		snap, err := l.World.Snapshot(ctx)
		if err != nil {
			if errors.Is(err, world.ErrDisconnected) {
				return StopFatal, fmt.Errorf("demo: snapshot: %w", err)
			}
			log.Printf("demo: snapshot failed, skipping tick: %v", err)
			if werr := sleepCtx(ctx, snapshotBackoff); werr != nil {
				return StopQuit, nil
			}
			continue
		}

		if l.Watchdog != nil && !l.Watchdog.Alive(l.WatchdogTimeout) {
			log.Printf("demo: no camera frames for %s (threshold %s), stopping",
				l.Watchdog.Elapsed().Round(time.Millisecond), l.WatchdogTimeout)
			return StopWatchdog, nil
		}

		st := l.tick(snap, started)

		for _, r := range l.Renderers {
			if rerr := r.Render(st); rerr != nil {
				log.Printf("demo: render: %v", rerr)
			}
		}
		if ctrl.OnTick != nil {
			ctrl.OnTick(st)
		}

		if err := sleepCtx(ctx, l.Step); err != nil {
			return StopQuit, nil
		}
	}
}

// tick обновляет телеметрию, метрики и планировщик пешеходов по одному
// снимку и собирает состояние HUD.
func (l *Loop) tick(snap world.Snapshot, started time.Time) HUDState {
	tf := l.Ego.Transform()
	vel := l.Ego.Velocity()
	ec := l.Ego.Control()
	speedKmh := vel.Length() * 3.6

	rec := telemetry.Record{
		Frame:    snap.Frame,
		TimeS:    snap.Elapsed.Seconds(),
		SpeedKmh: speedKmh,
		Steer:    ec.Steer,
		Throttle: ec.Throttle,
		Brake:    ec.Brake,
		X:        tf.Location.X,
		Y:        tf.Location.Y,
		Z:        tf.Location.Z,
	}
	if l.Ring != nil {
		l.Ring.Append(rec)
	}

	var derived telemetry.Derived
	if l.Tracker != nil {
		// метрики считаются в симуляционном времени
		derived = l.Tracker.Update(started.Add(snap.Elapsed), speedKmh, ec, tf.Location, vel)
	}

	if l.Crossers != nil {
		l.Crossers.Advance(snap, tf)
	}

	st := HUDState{
		RunID:    l.RunID,
		Frame:    snap.Frame,
		TimeS:    rec.TimeS,
		SpeedKmh: speedKmh,
		Steer:    ec.Steer,
		Throttle: ec.Throttle,
		Brake:    ec.Brake,
		X:        tf.Location.X,
		Y:        tf.Location.Y,
		Z:        tf.Location.Z,
		Derived:  derived,
	}
	if l.Crossers != nil {
		st.ActiveCrossers = l.Crossers.ActiveCount()
	}
	if l.Collisions != nil {
		st.Collisions = l.Collisions.Total()
		if last, ok := l.Collisions.Last(); ok {
			st.LastCollision = last.Other
		}
	}
	if l.PersistStats != nil {
		st.FramesEnqueued = l.PersistStats.Enqueued.Load()
		st.FramesDropped = l.PersistStats.Dropped.Load()
		st.FramesWritten = l.PersistStats.Written.Load()
		st.FramesFailed = l.PersistStats.Failed.Load()
	}
	return st
}

func drainCommands(commands <-chan Command) bool {
	for {
		select {
		case cmd := <-commands:
			var respErr error
			quit := false
			switch cmd.Type {
			case CommandQuit:
				quit = true
			default:
				respErr = fmt.Errorf("demo: unknown command %d", cmd.Type)
			}
			if cmd.Resp != nil {
				select {
				case cmd.Resp <- respErr:
				default:
				}
			}
			if quit {
				return true
			}
		default:
			return false
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
