package simworld

import (
	"context"
	"errors"
	"math"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pv/traffic-demo-go/internal/world"
)

func newTestClient(t *testing.T) *Client {
	t.Helper()
	c, err := Connect(context.Background(), Config{Step: 2 * time.Millisecond})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

// waitFor опрашивает условие до истечения срока; тесты не зависят от
// точного темпа тикера симуляции.
func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("условие не выполнилось за %v", timeout)
}

func TestSnapshotAdvances(t *testing.T) {
	c := newTestClient(t)
	w := c.World()
	waitFor(t, 2*time.Second, func() bool {
		snap, err := w.Snapshot(context.Background())
		if err != nil {
			t.Fatalf("Snapshot: %v", err)
		}
		return snap.Frame > 0 && snap.Elapsed > 0
	})
}

func TestSpawnPoints(t *testing.T) {
	c := newTestClient(t)
	points := c.World().SpawnPoints()
	if len(points) != spawnPointCount {
		t.Fatalf("точек появления %d, ожидалось %d", len(points), spawnPointCount)
	}
	for i, p := range points {
		r := math.Hypot(p.Location.X, p.Location.Y)
		if math.Abs(r-routeRadius) > 0.01 {
			t.Fatalf("точка %d вне маршрута: радиус %f", i, r)
		}
	}
}

func TestTrySpawnVehicle(t *testing.T) {
	c := newTestClient(t)
	w := c.World()
	points := w.SpawnPoints()

	if _, err := w.TrySpawnVehicle("vehicle.tesla.model3", points[0]); err != nil {
		t.Fatalf("первый спавн: %v", err)
	}

	t.Run("занятая точка", func(t *testing.T) {
		_, err := w.TrySpawnVehicle("vehicle.audi.tt", points[0])
		if !errors.Is(err, world.ErrSpawnBlocked) {
			t.Fatalf("ожидался ErrSpawnBlocked, получено %v", err)
		}
	})

	t.Run("свободная точка", func(t *testing.T) {
		v, err := w.TrySpawnVehicle("vehicle.audi.tt", points[12])
		if err != nil {
			t.Fatalf("спавн на свободной точке: %v", err)
		}
		if !v.Alive() {
			t.Fatal("новый транспорт не жив")
		}
	})
}

func TestCameraDelivery(t *testing.T) {
	c := newTestClient(t)
	w := c.World()
	ego, err := w.TrySpawnVehicle("vehicle.tesla.model3", w.SpawnPoints()[0])
	if err != nil {
		t.Fatalf("спавн эго: %v", err)
	}
	cam, err := w.SpawnCamera(world.CameraSpec{Stream: "front", Width: 8, Height: 6, FOV: 90}, world.Transform{}, ego)
	if err != nil {
		t.Fatalf("SpawnCamera: %v", err)
	}

	var got atomic.Int64
	cam.Listen(func(img world.Image) {
		if img.Width != 8 || img.Height != 6 || len(img.Pixels) != 8*6*4 {
			t.Errorf("кадр %dx%d, %d байт", img.Width, img.Height, len(img.Pixels))
		}
		got.Add(1)
	})
	waitFor(t, 2*time.Second, func() bool { return got.Load() >= 3 })

	t.Run("остановка доставки", func(t *testing.T) {
		c.StallCameras()
		time.Sleep(20 * time.Millisecond) // досдача буферизованных кадров
		before := got.Load()
		time.Sleep(30 * time.Millisecond)
		if after := got.Load(); after != before {
			t.Fatalf("после останова пришло ещё %d кадров", after-before)
		}
	})
}

func TestDestroyCameraWhileDelivering(t *testing.T) {
	c, err := Connect(context.Background(), Config{Step: 200 * time.Microsecond})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	w := c.World()
	ego, err := w.TrySpawnVehicle("vehicle.tesla.model3", w.SpawnPoints()[0])
	if err != nil {
		t.Fatalf("спавн эго: %v", err)
	}

	// Уничтожение камеры наперегонки с доставкой кадров циклом симуляции:
	// порядок остановки демо уничтожает сенсоры раньше закрытия клиента.
	for i := 0; i < 300; i++ {
		cam, err := w.SpawnCamera(world.CameraSpec{Stream: "front", Width: 4, Height: 4, FOV: 90}, world.Transform{}, ego)
		if err != nil {
			t.Fatalf("итерация %d: SpawnCamera: %v", i, err)
		}
		cam.Listen(func(world.Image) {})
		time.Sleep(500 * time.Microsecond)
		if err := cam.Destroy(); err != nil {
			t.Fatalf("итерация %d: Destroy: %v", i, err)
		}
	}
}

func TestSpawnCameraBadSize(t *testing.T) {
	c := newTestClient(t)
	_, err := c.World().SpawnCamera(world.CameraSpec{Stream: "front", Width: 0, Height: 120}, world.Transform{}, nil)
	if err == nil {
		t.Fatal("ожидалась ошибка на нулевой ширине")
	}
}

func TestFailSnapshotsTransient(t *testing.T) {
	c := newTestClient(t)
	w := c.World()
	c.FailSnapshots(2)
	for i := 0; i < 2; i++ {
		_, err := w.Snapshot(context.Background())
		if err == nil {
			t.Fatalf("опрос %d: ожидалась ошибка", i)
		}
		if errors.Is(err, world.ErrDisconnected) {
			t.Fatalf("опрос %d: разовый сбой не должен быть ErrDisconnected", i)
		}
	}
	if _, err := w.Snapshot(context.Background()); err != nil {
		t.Fatalf("после сбоев опрос должен восстановиться: %v", err)
	}
}

func TestDisconnect(t *testing.T) {
	c := newTestClient(t)
	w := c.World()
	c.Disconnect()

	if _, err := w.Snapshot(context.Background()); !errors.Is(err, world.ErrDisconnected) {
		t.Fatalf("Snapshot: ожидался ErrDisconnected, получено %v", err)
	}
	if err := w.ApplySettings(world.Settings{Synchronous: true}); !errors.Is(err, world.ErrDisconnected) {
		t.Fatalf("ApplySettings: ожидался ErrDisconnected, получено %v", err)
	}
	if _, err := c.TrafficManager(8000); !errors.Is(err, world.ErrDisconnected) {
		t.Fatalf("TrafficManager: ожидался ErrDisconnected, получено %v", err)
	}
}

func TestApplySettingsRoundTrip(t *testing.T) {
	c := newTestClient(t)
	w := c.World()
	want := world.Settings{Synchronous: true, FixedDelta: 100 * time.Millisecond}
	if err := w.ApplySettings(want); err != nil {
		t.Fatalf("ApplySettings: %v", err)
	}
	if got := w.Settings(); got != want {
		t.Fatalf("Settings = %+v, ожидалось %+v", got, want)
	}
}

func TestWalkerController(t *testing.T) {
	c := newTestClient(t)
	w := c.World()
	start := w.SpawnPoints()[0]

	t.Run("мёртвый пешеход", func(t *testing.T) {
		wk, err := w.TrySpawnWalker("walker.pedestrian.0001", start)
		if err != nil {
			t.Fatalf("спавн пешехода: %v", err)
		}
		if err := wk.Destroy(); err != nil {
			t.Fatalf("Destroy: %v", err)
		}
		if _, err := w.AttachWalkerController(wk); err == nil {
			t.Fatal("контроллер на мёртвом пешеходе должен давать ошибку")
		}
	})

	t.Run("движение к цели", func(t *testing.T) {
		wk, err := w.TrySpawnWalker("walker.pedestrian.0001", start)
		if err != nil {
			t.Fatalf("спавн пешехода: %v", err)
		}
		ctl, err := w.AttachWalkerController(wk)
		if err != nil {
			t.Fatalf("AttachWalkerController: %v", err)
		}
		dest := start.Location.Add(world.Vector3D{X: 1.5, Y: -1.0})
		if err := ctl.GoTo(dest); err == nil {
			t.Fatal("GoTo до Start должен давать ошибку")
		}
		if err := ctl.Start(); err != nil {
			t.Fatalf("Start: %v", err)
		}
		if err := ctl.SetMaxSpeed(2.0); err != nil {
			t.Fatalf("SetMaxSpeed: %v", err)
		}
		if err := ctl.GoTo(dest); err != nil {
			t.Fatalf("GoTo: %v", err)
		}
		waitFor(t, 3*time.Second, func() bool {
			return wk.Transform().Location.Distance(dest) < 0.3
		})
	})
}

func TestCollisionSensor(t *testing.T) {
	c := newTestClient(t)
	w := c.World()
	points := w.SpawnPoints()

	// Эго стоит на месте, второй транспорт на автопилоте проезжает сквозь
	// его позицию по кольцу.
	ego, err := w.TrySpawnVehicle("vehicle.tesla.model3", points[0])
	if err != nil {
		t.Fatalf("спавн эго: %v", err)
	}
	sensor, err := w.SpawnCollisionSensor(ego)
	if err != nil {
		t.Fatalf("SpawnCollisionSensor: %v", err)
	}
	events := make(chan world.CollisionEvent, 16)
	sensor.Listen(func(ev world.CollisionEvent) {
		select {
		case events <- ev:
		default:
		}
	})

	behind := transformAt(angleOf(points[0].Location) - 6.0/routeRadius)
	other, err := w.TrySpawnVehicle("vehicle.audi.tt", behind)
	if err != nil {
		t.Fatalf("спавн попутного: %v", err)
	}
	if err := other.SetAutopilot(true, -1); err != nil {
		t.Fatalf("SetAutopilot: %v", err)
	}

	select {
	case ev := <-events:
		if ev.Other != "vehicle.audi.tt" {
			t.Fatalf("участник столкновения %q", ev.Other)
		}
		if ev.Frame <= 0 {
			t.Fatalf("номер кадра %d", ev.Frame)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("столкновение не зарегистрировано")
	}
}

func TestDestroyBatch(t *testing.T) {
	c := newTestClient(t)
	w := c.World()
	points := w.SpawnPoints()
	v1, err := w.TrySpawnVehicle("vehicle.tesla.model3", points[0])
	if err != nil {
		t.Fatalf("спавн: %v", err)
	}
	v2, err := w.TrySpawnVehicle("vehicle.audi.tt", points[12])
	if err != nil {
		t.Fatalf("спавн: %v", err)
	}

	err = c.DestroyBatch(context.Background(), []world.ActorID{v1.ID(), 9999, v2.ID()})
	if err == nil {
		t.Fatal("отсутствующий актор должен дать ошибку")
	}
	if v1.Alive() || v2.Alive() {
		t.Fatal("остальные акторы должны быть удалены несмотря на сбой")
	}
}

func TestVehicleAutopilotMoves(t *testing.T) {
	c := newTestClient(t)
	w := c.World()
	v, err := w.TrySpawnVehicle("vehicle.tesla.model3", w.SpawnPoints()[0])
	if err != nil {
		t.Fatalf("спавн: %v", err)
	}
	start := v.Transform().Location
	if err := v.SetAutopilot(true, -1); err != nil {
		t.Fatalf("SetAutopilot: %v", err)
	}
	waitFor(t, 2*time.Second, func() bool {
		return v.Transform().Location.Distance(start) > 0.1 && v.Velocity().Length() > 0
	})
	ctl := v.Control()
	if ctl.Throttle == 0 && ctl.Brake == 0 {
		t.Fatal("автопилот не выставил управляющие входы")
	}
}

func TestRingMapProject(t *testing.T) {
	var m ringMap
	cases := []struct {
		name string
		loc  world.Location
		ok   bool
	}{
		{"на маршруте", world.Location{X: routeRadius, Y: 0}, true},
		{"рядом с маршрутом", world.Location{X: routeRadius + 5, Y: 0}, true},
		{"далеко от маршрута", world.Location{X: 0, Y: 0}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			wp, ok := m.Project(tc.loc)
			if ok != tc.ok {
				t.Fatalf("Project(%+v) ok=%v, ожидалось %v", tc.loc, ok, tc.ok)
			}
			if ok {
				r := math.Hypot(wp.Transform.Location.X, wp.Transform.Location.Y)
				if math.Abs(r-routeRadius) > 0.01 {
					t.Fatalf("проекция вне маршрута: радиус %f", r)
				}
			}
		})
	}
}

func TestRingMapNext(t *testing.T) {
	var m ringMap
	wp, ok := m.Waypoint(world.Location{X: routeRadius, Y: 0})
	if !ok {
		t.Fatal("Waypoint не нашёл точку графа")
	}
	next := m.Next(wp, 10)
	if len(next) != 1 {
		t.Fatalf("Next вернул %d точек", len(next))
	}
	d := next[0].Transform.Location.Distance(wp.Transform.Location)
	if math.Abs(d-10) > 0.5 {
		t.Fatalf("расстояние до следующей точки %f, ожидалось ~10", d)
	}
	if m.Next(wp, 0) != nil {
		t.Fatal("Next с нулевой дистанцией должен вернуть nil")
	}
}

func TestConnectCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := Connect(ctx, Config{}); err == nil {
		t.Fatal("ожидалась ошибка на отменённом контексте")
	}
}
