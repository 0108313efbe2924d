package demo

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/pv/traffic-demo-go/internal/frames"
	"github.com/pv/traffic-demo-go/internal/telemetry"
	"github.com/pv/traffic-demo-go/internal/world"
)

type fakeLoopWorld struct {
	frame    int64
	snapshot func(frame int64) (world.Snapshot, error)
}

func (w *fakeLoopWorld) Snapshot(context.Context) (world.Snapshot, error) {
	w.frame++
	if w.snapshot != nil {
		return w.snapshot(w.frame)
	}
	return world.Snapshot{Frame: w.frame, Elapsed: time.Duration(w.frame) * 100 * time.Millisecond}, nil
}

func (w *fakeLoopWorld) Settings() world.Settings           { return world.Settings{} }
func (w *fakeLoopWorld) ApplySettings(world.Settings) error { return nil }
func (w *fakeLoopWorld) Map() world.WorldMap                { return nil }
func (w *fakeLoopWorld) SpawnPoints() []world.Transform     { return nil }
func (w *fakeLoopWorld) TrySpawnVehicle(string, world.Transform) (world.Vehicle, error) {
	return nil, world.ErrSpawnBlocked
}
func (w *fakeLoopWorld) TrySpawnWalker(string, world.Transform) (world.Walker, error) {
	return nil, world.ErrSpawnBlocked
}
func (w *fakeLoopWorld) SpawnCamera(world.CameraSpec, world.Transform, world.Actor) (world.Camera, error) {
	return nil, errors.New("not implemented")
}
func (w *fakeLoopWorld) SpawnCollisionSensor(world.Actor) (world.CollisionSensor, error) {
	return nil, errors.New("not implemented")
}
func (w *fakeLoopWorld) AttachWalkerController(world.Walker) (world.WalkerController, error) {
	return nil, errors.New("not implemented")
}

type fakeEgo struct {
	tf   world.Transform
	vel  world.Vector3D
	ctrl world.VehicleControl
}

func (v *fakeEgo) ID() world.ActorID             { return 1 }
func (v *fakeEgo) Alive() bool                   { return true }
func (v *fakeEgo) Transform() world.Transform    { return v.tf }
func (v *fakeEgo) Destroy() error                { return nil }
func (v *fakeEgo) Velocity() world.Vector3D      { return v.vel }
func (v *fakeEgo) Control() world.VehicleControl { return v.ctrl }
func (v *fakeEgo) SetAutopilot(bool, int) error  { return nil }

func newTestLoop(w *fakeLoopWorld) *Loop {
	return &Loop{
		World:   w,
		Ego:     &fakeEgo{vel: world.Vector3D{X: 10}},
		Ring:    telemetry.NewRing(100),
		Tracker: &telemetry.Tracker{},
		RunID:   "test-run",
		Step:    time.Millisecond,
	}
}

func TestLoopStopsOnQuitCommand(t *testing.T) {
	loop := newTestLoop(&fakeLoopWorld{})
	commands := make(chan Command, 1)

	ticks := 0
	ctrl := Control{
		Commands: commands,
		OnTick: func(HUDState) {
			ticks++
			if ticks == 3 {
				commands <- Command{Type: CommandQuit}
			}
		},
	}

	reason, err := loop.Run(context.Background(), ctrl)
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if reason != StopQuit {
		t.Fatalf("expected StopQuit, got %s", reason)
	}
	if loop.Ring.Len() != 3 {
		t.Fatalf("expected 3 telemetry records, got %d", loop.Ring.Len())
	}
}

func TestLoopRecordsTelemetryPerTick(t *testing.T) {
	loop := newTestLoop(&fakeLoopWorld{})
	loop.Ego = &fakeEgo{
		vel:  world.Vector3D{X: 10}, // 36 км/ч
		ctrl: world.VehicleControl{Steer: 0.25, Throttle: 0.5},
		tf:   world.Transform{Location: world.Location{X: 1, Y: 2, Z: 3}},
	}
	commands := make(chan Command, 1)
	ctrl := Control{
		Commands: commands,
		OnTick: func(st HUDState) {
			commands <- Command{Type: CommandQuit}
			if st.SpeedKmh != 36 {
				t.Errorf("expected 36 km/h in HUD, got %v", st.SpeedKmh)
			}
		},
	}
	if _, err := loop.Run(context.Background(), ctrl); err != nil {
		t.Fatalf("Run: %v", err)
	}

	records := loop.Ring.Records()
	if len(records) != 1 {
		t.Fatalf("expected 1 record, got %d", len(records))
	}
	r := records[0]
	if r.Frame != 1 || r.SpeedKmh != 36 || r.Steer != 0.25 || r.X != 1 || r.Z != 3 {
		t.Fatalf("unexpected record: %+v", r)
	}
}

func TestLoopStopsOnWatchdogStall(t *testing.T) {
	now := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	wd := frames.NewWatchdogAt(func() time.Time { return now })
	now = now.Add(11 * time.Second)

	loop := newTestLoop(&fakeLoopWorld{})
	loop.Watchdog = wd
	loop.WatchdogTimeout = 10 * time.Second

	reason, err := loop.Run(context.Background(), Control{Commands: make(chan Command)})
	if err != nil {
		t.Fatalf("watchdog stall must be a clean stop, got error: %v", err)
	}
	if reason != StopWatchdog {
		t.Fatalf("expected StopWatchdog, got %s", reason)
	}
	if loop.Ring.Len() != 0 {
		t.Fatalf("no telemetry may be recorded after a stall")
	}
}

func TestLoopSkipsTickOnTransientSnapshotError(t *testing.T) {
	w := &fakeLoopWorld{
		snapshot: func(frame int64) (world.Snapshot, error) {
			if frame%2 == 1 {
				return world.Snapshot{}, errors.New("timeout")
			}
			return world.Snapshot{Frame: frame}, nil
		},
	}
	loop := newTestLoop(w)
	commands := make(chan Command, 1)
	ctrl := Control{
		Commands: commands,
		OnTick: func(HUDState) {
			commands <- Command{Type: CommandQuit}
		},
	}

	reason, err := loop.Run(context.Background(), ctrl)
	if err != nil {
		t.Fatalf("transient snapshot error must not be fatal: %v", err)
	}
	if reason != StopQuit {
		t.Fatalf("expected StopQuit, got %s", reason)
	}
	// нечётные опросы падали и не дали записей
	if loop.Ring.Len() != 1 {
		t.Fatalf("expected exactly 1 record, got %d", loop.Ring.Len())
	}
	if loop.Ring.Records()[0].Frame != 2 {
		t.Fatalf("record must come from the successful poll")
	}
}

func TestLoopFatalOnDisconnect(t *testing.T) {
	w := &fakeLoopWorld{
		snapshot: func(int64) (world.Snapshot, error) {
			return world.Snapshot{}, world.ErrDisconnected
		},
	}
	loop := newTestLoop(w)

	reason, err := loop.Run(context.Background(), Control{Commands: make(chan Command)})
	if reason != StopFatal {
		t.Fatalf("expected StopFatal, got %s", reason)
	}
	if !errors.Is(err, world.ErrDisconnected) {
		t.Fatalf("expected ErrDisconnected, got %v", err)
	}
}

func TestLoopStopsAfterDuration(t *testing.T) {
	loop := newTestLoop(&fakeLoopWorld{})
	loop.Duration = 30 * time.Millisecond

	reason, err := loop.Run(context.Background(), Control{Commands: make(chan Command)})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if reason != StopDuration {
		t.Fatalf("expected StopDuration, got %s", reason)
	}
}

func TestLoopStopsOnContextCancel(t *testing.T) {
	loop := newTestLoop(&fakeLoopWorld{})
	ctx, cancel := context.WithCancel(context.Background())

	ctrl := Control{
		Commands: make(chan Command),
		OnTick:   func(HUDState) { cancel() },
	}
	reason, err := loop.Run(ctx, ctrl)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if reason != StopQuit {
		t.Fatalf("expected StopQuit on cancel, got %s", reason)
	}
}
