package telemetry

import (
	"time"

	"github.com/pv/traffic-demo-go/internal/world"
)

const stoppedSpeedKmh = 0.1

// Derived — производные метрики поездки, показываемые в HUD.
type Derived struct {
	DistanceM  float64
	StopTimeS  float64 // суммарное время стоянки
	BrakeTimeS float64 // суммарное время торможения
	DetectionS float64 // длительность текущего эпизода торможения
	AccelX     float64
	AccelY     float64
	AccelZ     float64
}

// Tracker накапливает производные метрики между тактами.
// Суммы стоянки/торможения копятся по эпизодам: завершённый эпизод
// прибавляется к итогу, а не замещает его.
type Tracker struct {
	init bool

	lastLoc  world.Location
	lastVel  world.Vector3D
	lastTime time.Time

	stopStart  time.Time
	brakeStart time.Time
	stopTotal  time.Duration
	brakeTotal time.Duration

	out Derived
}

// Update продвигает метрики на один такт.
func (t *Tracker) Update(now time.Time, speedKmh float64, ctrl world.VehicleControl, loc world.Location, vel world.Vector3D) Derived {
	if !t.init {
		t.init = true
		t.lastLoc = loc
		t.lastVel = vel
		t.lastTime = now
		return t.out
	}

	t.out.DistanceM += loc.Distance(t.lastLoc)
	t.lastLoc = loc

	if speedKmh < stoppedSpeedKmh {
		if t.stopStart.IsZero() {
			t.stopStart = now
		}
	} else if !t.stopStart.IsZero() {
		t.stopTotal += now.Sub(t.stopStart)
		t.stopStart = time.Time{}
	}

	if ctrl.Brake > 0 {
		if t.brakeStart.IsZero() {
			t.brakeStart = now
		}
		t.out.DetectionS = now.Sub(t.brakeStart).Seconds()
	} else if !t.brakeStart.IsZero() {
		t.brakeTotal += now.Sub(t.brakeStart)
		t.brakeStart = time.Time{}
		t.out.DetectionS = 0
	}

	t.out.StopTimeS = t.openEpisode(t.stopTotal, t.stopStart, now)
	t.out.BrakeTimeS = t.openEpisode(t.brakeTotal, t.brakeStart, now)

	if dt := now.Sub(t.lastTime).Seconds(); dt > 0 {
		t.out.AccelX = (vel.X - t.lastVel.X) / dt
		t.out.AccelY = (vel.Y - t.lastVel.Y) / dt
		t.out.AccelZ = (vel.Z - t.lastVel.Z) / dt
	}
	t.lastVel = vel
	t.lastTime = now

	return t.out
}

// openEpisode прибавляет к итогу длительность незавершённого эпизода.
func (*Tracker) openEpisode(total time.Duration, start time.Time, now time.Time) float64 {
	if !start.IsZero() {
		total += now.Sub(start)
	}
	return total.Seconds()
}
