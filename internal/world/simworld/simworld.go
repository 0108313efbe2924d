// Package simworld — встроенная детерминированная реализация мира.
// Аналог примерного хранилища в проигрывателе: позволяет запускать демо и
// тесты без внешнего симулятора. Транспорт движется по кольцевому маршруту,
// камеры доставляют синтетические кадры через горутины доставки.
package simworld

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pv/traffic-demo-go/internal/world"
)

const (
	routeRadius     = 100.0 // метры
	spawnPointCount = 24
	walkerSpeedMax  = 3.0
)

// Config задаёт параметры встроенного мира.
type Config struct {
	Step time.Duration // шаг симуляции; по умолчанию 50ms
	Seed int64         // 0 — фиксированное зерно
}

// Connect создаёт встроенный мир и запускает его цикл симуляции.
// Контекст ограничивает время "подключения" по аналогии с внешним клиентом.
func Connect(ctx context.Context, cfg Config) (*Client, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("simworld: connect: %w", err)
	}
	step := cfg.Step
	if step <= 0 {
		step = 50 * time.Millisecond
	}
	seed := cfg.Seed
	if seed == 0 {
		seed = 1
	}
	s := &sim{
		step:     step,
		rng:      rand.New(rand.NewSource(seed)),
		actors:   map[world.ActorID]simActor{},
		settings: world.Settings{Synchronous: false},
		stopCh:   make(chan struct{}),
	}
	s.buildSpawnPoints()
	s.wg.Add(1)
	go s.run()
	return &Client{sim: s}, nil
}

// Client реализует world.Client поверх встроенной симуляции.
type Client struct {
	sim *sim
}

func (c *Client) World() world.World { return c.sim }

func (c *Client) TrafficManager(port int) (world.TrafficManager, error) {
	if c.sim.closed.Load() {
		return nil, world.ErrDisconnected
	}
	return &trafficManager{port: port}, nil
}

// DestroyBatch удаляет акторов по одному; сбой на одном не мешает остальным.
func (c *Client) DestroyBatch(_ context.Context, ids []world.ActorID) error {
	var firstErr error
	for _, id := range ids {
		if err := c.sim.destroyActor(id); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (c *Client) Close() error {
	c.sim.shutdown()
	return nil
}

// StallCameras прекращает доставку кадров, не останавливая симуляцию.
// Используется в тестах сторожевого таймера.
func (c *Client) StallCameras() { c.sim.stalled.Store(true) }

// FailSnapshots заставляет следующие n опросов снимка вернуть ошибку.
func (c *Client) FailSnapshots(n int32) { c.sim.failSnapshots.Store(n) }

// Disconnect имитирует потерю связи: опросы возвращают ErrDisconnected.
func (c *Client) Disconnect() { c.sim.closed.Store(true) }

type sim struct {
	mu       sync.Mutex
	step     time.Duration
	rng      *rand.Rand
	frame    int64
	elapsed  time.Duration
	nextID   world.ActorID
	actors   map[world.ActorID]simActor
	spawns   []world.Transform
	settings world.Settings

	stalled       atomic.Bool
	failSnapshots atomic.Int32
	closed        atomic.Bool

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

type simActor interface {
	world.Actor
	advance(s *sim, dt time.Duration)
}

func (s *sim) run() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.step)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.tick()
		}
	}
}

func (s *sim) tick() {
	s.mu.Lock()
	s.frame++
	s.elapsed += s.step
	frame := s.frame
	var cams []*camera
	for _, a := range s.actors {
		a.advance(s, s.step)
		if c, ok := a.(*camera); ok {
			cams = append(cams, c)
		}
	}
	s.detectCollisions(frame)
	s.mu.Unlock()

	if s.stalled.Load() {
		return
	}
	for _, c := range cams {
		c.deliver(frame)
	}
}

func (s *sim) shutdown() {
	s.closed.Store(true)
	s.stopOnce.Do(func() { close(s.stopCh) })
	s.wg.Wait()
	s.mu.Lock()
	var cams []*camera
	for _, a := range s.actors {
		if c, ok := a.(*camera); ok {
			cams = append(cams, c)
		}
	}
	s.mu.Unlock()
	for _, c := range cams {
		c.stopDelivery()
	}
}

func (s *sim) buildSpawnPoints() {
	s.spawns = make([]world.Transform, 0, spawnPointCount)
	for i := 0; i < spawnPointCount; i++ {
		angle := 2 * math.Pi * float64(i) / spawnPointCount
		s.spawns = append(s.spawns, transformAt(angle))
	}
}

// transformAt возвращает позицию на кольцевом маршруте с касательным yaw.
func transformAt(angle float64) world.Transform {
	return world.Transform{
		Location: world.Location{
			X: routeRadius * math.Cos(angle),
			Y: routeRadius * math.Sin(angle),
		},
		Rotation: world.Rotation{Yaw: (angle + math.Pi/2) * 180 / math.Pi},
	}
}

func angleOf(loc world.Location) float64 {
	return math.Atan2(loc.Y, loc.X)
}

// --- world.World ---

func (s *sim) Settings() world.Settings {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.settings
}

func (s *sim) ApplySettings(settings world.Settings) error {
	if s.closed.Load() {
		return world.ErrDisconnected
	}
	s.mu.Lock()
	s.settings = settings
	s.mu.Unlock()
	return nil
}

func (s *sim) Map() world.WorldMap { return (*ringMap)(nil) }

func (s *sim) Snapshot(ctx context.Context) (world.Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return world.Snapshot{}, err
	}
	if s.closed.Load() {
		return world.Snapshot{}, world.ErrDisconnected
	}
	if n := s.failSnapshots.Load(); n > 0 && s.failSnapshots.CompareAndSwap(n, n-1) {
		return world.Snapshot{}, fmt.Errorf("simworld: snapshot unavailable")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return world.Snapshot{Frame: s.frame, Elapsed: s.elapsed}, nil
}

func (s *sim) SpawnPoints() []world.Transform {
	out := make([]world.Transform, len(s.spawns))
	copy(out, s.spawns)
	return out
}

func (s *sim) TrySpawnVehicle(template string, tf world.Transform) (world.Vehicle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed.Load() {
		return nil, world.ErrDisconnected
	}
	for _, a := range s.actors {
		other, ok := a.(*vehicle)
		if !ok {
			continue
		}
		if other.tf.Location.Distance(tf.Location) < 3.0 {
			return nil, world.ErrSpawnBlocked
		}
	}
	v := &vehicle{
		actor:    s.newActorLocked(template, tf),
		angle:    angleOf(tf.Location),
		phase:    s.rng.Float64() * 2 * math.Pi,
		baseMPS:  6 + s.rng.Float64()*4,
		velocity: world.Vector3D{},
	}
	s.actors[v.id] = v
	return v, nil
}

func (s *sim) TrySpawnWalker(template string, tf world.Transform) (world.Walker, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed.Load() {
		return nil, world.ErrDisconnected
	}
	w := &walker{actor: s.newActorLocked(template, tf)}
	s.actors[w.id] = w
	return w, nil
}

func (s *sim) SpawnCamera(spec world.CameraSpec, at world.Transform, parent world.Actor) (world.Camera, error) {
	if spec.Width <= 0 || spec.Height <= 0 {
		return nil, fmt.Errorf("simworld: camera %q: bad size %dx%d", spec.Stream, spec.Width, spec.Height)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed.Load() {
		return nil, world.ErrDisconnected
	}
	c := &camera{
		actor:  s.newActorLocked("sensor.camera.rgb", at),
		spec:   spec,
		parent: parent,
		frames: make(chan world.Image, 4),
	}
	c.wg.Add(1)
	go c.pump()
	s.actors[c.id] = c
	return c, nil
}

func (s *sim) SpawnCollisionSensor(parent world.Actor) (world.CollisionSensor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed.Load() {
		return nil, world.ErrDisconnected
	}
	cs := &collisionSensor{actor: s.newActorLocked("sensor.other.collision", world.Transform{}), parent: parent}
	s.actors[cs.id] = cs
	return cs, nil
}

func (s *sim) AttachWalkerController(w world.Walker) (world.WalkerController, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed.Load() {
		return nil, world.ErrDisconnected
	}
	target, ok := s.actors[w.ID()].(*walker)
	if !ok || !target.alive {
		return nil, fmt.Errorf("simworld: walker %d is gone", w.ID())
	}
	ctl := &walkerController{actor: s.newActorLocked("controller.ai.walker", world.Transform{}), target: target}
	s.actors[ctl.id] = ctl
	return ctl, nil
}

func (s *sim) newActorLocked(template string, tf world.Transform) actor {
	s.nextID++
	return actor{id: s.nextID, template: template, tf: tf, sim: s, alive: true}
}

func (s *sim) destroyActor(id world.ActorID) error {
	s.mu.Lock()
	a, ok := s.actors[id]
	if ok {
		delete(s.actors, id)
	}
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("simworld: actor %d not found", id)
	}
	if c, isCam := a.(*camera); isCam {
		c.stopDelivery()
	}
	if base, ok := a.(interface{ kill() }); ok {
		base.kill()
	}
	return nil
}

// detectCollisions сообщает датчикам о сближении транспорта ближе 2 м.
func (s *sim) detectCollisions(frame int64) {
	var vehicles []*vehicle
	var sensors []*collisionSensor
	for _, a := range s.actors {
		switch v := a.(type) {
		case *vehicle:
			vehicles = append(vehicles, v)
		case *collisionSensor:
			sensors = append(sensors, v)
		}
	}
	for _, cs := range sensors {
		if cs.parent == nil || cs.listener == nil {
			continue
		}
		parent, ok := s.actors[cs.parent.ID()]
		if !ok {
			continue
		}
		parentLoc := parent.(interface{ transformLocked() world.Transform }).transformLocked().Location
		for _, v := range vehicles {
			if v.id == cs.parent.ID() {
				continue
			}
			if v.tf.Location.Distance(parentLoc) < 2.0 {
				ev := world.CollisionEvent{Frame: frame, Other: v.template}
				fn := cs.listener
				go fn(ev)
				break
			}
		}
	}
}

// --- акторы ---

type actor struct {
	id       world.ActorID
	template string
	tf       world.Transform
	sim      *sim
	alive    bool
}

func (a *actor) ID() world.ActorID { return a.id }

func (a *actor) Alive() bool {
	a.sim.mu.Lock()
	defer a.sim.mu.Unlock()
	return a.alive
}

func (a *actor) Transform() world.Transform {
	a.sim.mu.Lock()
	defer a.sim.mu.Unlock()
	return a.tf
}

func (a *actor) transformLocked() world.Transform { return a.tf }

func (a *actor) Destroy() error {
	return a.sim.destroyActor(a.id)
}

func (a *actor) kill() {
	a.sim.mu.Lock()
	a.alive = false
	a.sim.mu.Unlock()
}

func (a *actor) advance(*sim, time.Duration) {}

type vehicle struct {
	actor
	autopilot bool
	angle     float64 // позиция на кольце
	phase     float64
	baseMPS   float64
	velocity  world.Vector3D
	control   world.VehicleControl
}

// advance ведёт транспорт по кольцу с плавно меняющейся скоростью.
// Вызывается под мьютексом симуляции.
func (v *vehicle) advance(s *sim, dt time.Duration) {
	if !v.alive || !v.autopilot {
		return
	}
	t := s.elapsed.Seconds()
	mps := v.baseMPS * (1 + 0.4*math.Sin(t/5+v.phase))
	if mps < 0 {
		mps = 0
	}
	v.angle += mps * dt.Seconds() / routeRadius
	prev := v.tf.Location
	v.tf = transformAt(v.angle)
	sec := dt.Seconds()
	if sec > 0 {
		v.velocity = world.Vector3D{
			X: (v.tf.Location.X - prev.X) / sec,
			Y: (v.tf.Location.Y - prev.Y) / sec,
		}
	}
	accel := 0.4 * math.Cos(t/5+v.phase)
	v.control = world.VehicleControl{
		Steer: 0.05 * math.Sin(t/3+v.phase),
	}
	if accel >= 0 {
		v.control.Throttle = 0.3 + accel
	} else {
		v.control.Brake = -accel
	}
}

func (v *vehicle) Velocity() world.Vector3D {
	v.sim.mu.Lock()
	defer v.sim.mu.Unlock()
	return v.velocity
}

func (v *vehicle) Control() world.VehicleControl {
	v.sim.mu.Lock()
	defer v.sim.mu.Unlock()
	return v.control
}

func (v *vehicle) SetAutopilot(enabled bool, _ int) error {
	v.sim.mu.Lock()
	defer v.sim.mu.Unlock()
	if !v.alive {
		return fmt.Errorf("simworld: vehicle %d is gone", v.id)
	}
	v.autopilot = enabled
	return nil
}

type walker struct {
	actor
	moving   bool
	dest     world.Location
	maxSpeed float64
}

func (w *walker) advance(_ *sim, dt time.Duration) {
	if !w.alive || !w.moving {
		return
	}
	remaining := w.tf.Location.Distance(w.dest)
	if remaining < 0.2 {
		w.moving = false
		return
	}
	speed := w.maxSpeed
	if speed <= 0 || speed > walkerSpeedMax {
		speed = 1.5
	}
	step := speed * dt.Seconds()
	if step > remaining {
		step = remaining
	}
	k := step / remaining
	w.tf.Location.X += (w.dest.X - w.tf.Location.X) * k
	w.tf.Location.Y += (w.dest.Y - w.tf.Location.Y) * k
}

type walkerController struct {
	actor
	target  *walker
	started bool
}

func (c *walkerController) Start() error {
	c.sim.mu.Lock()
	defer c.sim.mu.Unlock()
	if !c.alive || c.target == nil || !c.target.alive {
		return fmt.Errorf("simworld: controller %d: walker is gone", c.id)
	}
	c.started = true
	return nil
}

func (c *walkerController) GoTo(dest world.Location) error {
	c.sim.mu.Lock()
	defer c.sim.mu.Unlock()
	if !c.started {
		return fmt.Errorf("simworld: controller %d: not started", c.id)
	}
	c.target.dest = dest
	c.target.moving = true
	return nil
}

func (c *walkerController) SetMaxSpeed(mps float64) error {
	c.sim.mu.Lock()
	defer c.sim.mu.Unlock()
	if mps <= 0 {
		return fmt.Errorf("simworld: controller %d: bad speed %f", c.id, mps)
	}
	c.target.maxSpeed = mps
	return nil
}

type camera struct {
	actor
	spec     world.CameraSpec
	parent   world.Actor
	listener func(world.Image)
	frames   chan world.Image
	stopped  atomic.Bool
	// sendMu сериализует отправку в frames с закрытием канала: камеру можно
	// уничтожить, пока цикл симуляции доставляет кадр.
	sendMu sync.Mutex
	stop   sync.Once
	wg     sync.WaitGroup
}

func (c *camera) Listen(fn func(world.Image)) {
	c.sim.mu.Lock()
	c.listener = fn
	c.sim.mu.Unlock()
}

func (c *camera) Stop() {
	c.stopped.Store(true)
}

// deliver кладёт кадр в канал доставки; переполнение — молчаливый дроп,
// как у внешнего симулятора при медленном потребителе.
func (c *camera) deliver(frame int64) {
	if c.stopped.Load() {
		return
	}
	c.sim.mu.Lock()
	fn := c.listener
	c.sim.mu.Unlock()
	if fn == nil {
		return
	}
	img := world.Image{
		Frame:  frame,
		Width:  c.spec.Width,
		Height: c.spec.Height,
		Pixels: synthPixels(c.spec.Width, c.spec.Height, frame),
	}
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if c.stopped.Load() {
		return
	}
	select {
	case c.frames <- img:
	default:
	}
}

// pump — горутина доставки: имитирует поток коллбеков сенсора.
func (c *camera) pump() {
	defer c.wg.Done()
	for img := range c.frames {
		c.sim.mu.Lock()
		fn := c.listener
		c.sim.mu.Unlock()
		if fn != nil && !c.stopped.Load() {
			fn(img)
		}
	}
}

func (c *camera) stopDelivery() {
	c.stopped.Store(true)
	c.sendMu.Lock()
	c.stop.Do(func() { close(c.frames) })
	c.sendMu.Unlock()
	c.wg.Wait()
}

// synthPixels рисует сдвигающийся градиент, чтобы кадры различались.
func synthPixels(w, h int, frame int64) []byte {
	px := make([]byte, w*h*4)
	shift := byte(frame)
	for y := 0; y < h; y++ {
		row := y * w * 4
		for x := 0; x < w; x++ {
			i := row + x*4
			px[i] = byte(x) + shift     // B
			px[i+1] = byte(y)           // G
			px[i+2] = byte(x+y) ^ shift // R
			px[i+3] = 0xFF
		}
	}
	return px
}

type collisionSensor struct {
	actor
	parent   world.Actor
	listener func(world.CollisionEvent)
	stopped  atomic.Bool
}

func (c *collisionSensor) Listen(fn func(world.CollisionEvent)) {
	c.sim.mu.Lock()
	if !c.stopped.Load() {
		c.listener = fn
	}
	c.sim.mu.Unlock()
}

func (c *collisionSensor) Stop() {
	c.stopped.Store(true)
	c.sim.mu.Lock()
	c.listener = nil
	c.sim.mu.Unlock()
}

type trafficManager struct {
	port    int
	mu      sync.Mutex
	sync    bool
	leadGap float64
}

func (t *trafficManager) Port() int { return t.port }

func (t *trafficManager) SetSynchronous(v bool) {
	t.mu.Lock()
	t.sync = v
	t.mu.Unlock()
}

func (t *trafficManager) SetGlobalLeadDistance(meters float64) {
	t.mu.Lock()
	t.leadGap = meters
	t.mu.Unlock()
}

// ringMap — дорожный граф кольцевого маршрута.
type ringMap struct{}

func (*ringMap) Waypoint(loc world.Location) (world.Waypoint, bool) {
	return world.Waypoint{Transform: transformAt(angleOf(loc))}, true
}

func (*ringMap) Next(wp world.Waypoint, distance float64) []world.Waypoint {
	if distance <= 0 {
		return nil
	}
	angle := angleOf(wp.Transform.Location) + distance/routeRadius
	return []world.Waypoint{{Transform: transformAt(angle)}}
}

// Project возвращает точку графа, ближайшую к loc; точки дальше 10 м от
// маршрута считаются непроходимыми.
func (*ringMap) Project(loc world.Location) (world.Waypoint, bool) {
	r := math.Sqrt(loc.X*loc.X + loc.Y*loc.Y)
	if math.Abs(r-routeRadius) > 10 {
		return world.Waypoint{}, false
	}
	return world.Waypoint{Transform: transformAt(angleOf(loc))}, true
}
