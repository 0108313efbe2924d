package demo

import (
	"context"
	"log"
	"time"

	"github.com/pv/traffic-demo-go/internal/persist"
	"github.com/pv/traffic-demo-go/internal/telemetry"
	"github.com/pv/traffic-demo-go/internal/world"
)

// Teardown описывает единственный упорядоченный этап очистки после выхода из
// цикла: остановить сенсоры → сбросить телеметрию → дождаться дозаписи
// кадров → удалить акторов пачкой → вернуть настройки мира. Каждый шаг —
// best-effort: сбой логируется и не мешает остальным.
type Teardown struct {
	Sensors []world.Sensor

	Ring *telemetry.Ring
	Sink telemetry.Sink
	Meta telemetry.RunMeta

	Queue        *persist.Queue
	Worker       *persist.Worker
	DrainTimeout time.Duration

	Client   world.Client
	ActorIDs []world.ActorID

	World           world.World
	RestoreSettings *world.Settings
}

// Run выполняет очистку. Каждое ожидание ограничено по времени.
func (t *Teardown) Run(ctx context.Context) {
	for _, s := range t.Sensors {
		s.Stop()
	}

	if t.Ring != nil && t.Sink != nil {
		if err := t.Ring.Flush(ctx, t.Sink, t.Meta); err != nil {
			log.Printf("teardown: telemetry flush: %v", err)
		} else {
			log.Printf("teardown: flushed %d telemetry records", t.Ring.Len())
		}
		t.Sink.Close()
	}

	if t.Queue != nil && t.Worker != nil {
		t.Queue.Close()
		timeout := t.DrainTimeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		if err := t.Worker.Drain(timeout); err != nil {
			log.Printf("teardown: %v", err)
		}
	}

	if t.Client != nil && len(t.ActorIDs) > 0 {
		if err := t.Client.DestroyBatch(ctx, t.ActorIDs); err != nil {
			log.Printf("teardown: destroy %d actors: %v", len(t.ActorIDs), err)
		}
	}

	if t.World != nil && t.RestoreSettings != nil {
		if err := t.World.ApplySettings(*t.RestoreSettings); err != nil {
			log.Printf("teardown: restore settings: %v", err)
		}
	}
}
