// Package crossers управляет жизненным циклом временных переходящих дорогу
// пешеходов: постановка перед эго-машиной, ожидание триггера по дистанции,
// запуск перехода и снятие с учёта.
package crossers

import (
	"log"
	"math/rand"

	"github.com/pv/traffic-demo-go/internal/world"
)

// State — стадия жизненного цикла поставленного пешехода.
type State int

const (
	// WaitingTrigger — пешеход и контроллер созданы, ждём приближения эго.
	WaitingTrigger State = iota + 1
	// Triggered — контроллер запущен, пешеход идёт к точке назначения.
	Triggered
)

// Config задаёт политику постановки пешеходов.
type Config struct {
	Enabled bool
	// MaxActive ограничивает только пешеходов, ожидающих триггера:
	// запущенный пешеход освобождает слот сразу, число одновременно
	// идущих не ограничено.
	MaxActive     int
	CadenceFrames int64   // постановка каждые K кадров симуляции
	FrameFloor    int64   // не ставить раньше этого кадра
	StagingDist   float64 // метров впереди эго
	TriggerDist   float64 // дистанция срабатывания
	LateralMin    float64 // боковое смещение от оси движения, метры
	LateralMax    float64
	SpeedMin      float64 // скорость перехода, м/с
	SpeedMax      float64
	Templates     []string // шаблоны пешеходов для спавна
}

// Defaults возвращает политику из оригинальной демонстрации.
func Defaults() Config {
	return Config{
		Enabled:       true,
		MaxActive:     2,
		CadenceFrames: 200,
		FrameFloor:    40,
		StagingDist:   30.0,
		TriggerDist:   12.0,
		LateralMin:    3.0,
		LateralMax:    4.0,
		SpeedMin:      1.0,
		SpeedMax:      2.0,
		Templates:     []string{"walker.pedestrian.0001"},
	}
}

type staged struct {
	walker     world.Walker
	controller world.WalkerController
	dest       world.Location
	state      State
}

// Scheduler ставит пешеходов впереди эго и запускает их переход по дистанции.
// Не потокобезопасен: Advance вызывается только из цикла управления.
type Scheduler struct {
	w   world.World
	cfg Config
	rng *rand.Rand

	active []*staged
	// retired хранит идентификаторы запущенных пешеходов до общего
	// уничтожения при завершении.
	retired []world.ActorID
}

// New создаёт планировщик. Детерминированный rng передаётся тестами.
func New(w world.World, cfg Config, rng *rand.Rand) *Scheduler {
	if cfg.MaxActive <= 0 {
		cfg.MaxActive = 1
	}
	if rng == nil {
		rng = rand.New(rand.NewSource(rand.Int63()))
	}
	return &Scheduler{w: w, cfg: cfg, rng: rng}
}

// Advance выполняет один шаг планировщика: постановка по каденции и проверка
// триггеров. Вызывается на каждом тике цикла управления.
func (s *Scheduler) Advance(snap world.Snapshot, ego world.Transform) {
	if !s.cfg.Enabled {
		return
	}
	if s.shouldStage(snap.Frame) {
		s.stage(ego)
	}
	s.checkTriggers(ego)
}

func (s *Scheduler) shouldStage(frame int64) bool {
	if frame <= s.cfg.FrameFloor {
		return false
	}
	if s.cfg.CadenceFrames <= 0 || frame%s.cfg.CadenceFrames != 0 {
		return false
	}
	return len(s.active) < s.cfg.MaxActive
}

// stage вычисляет точку впереди эго с боковым смещением, создаёт пешехода и
// контроллер. Любой сбой до полного создания откатывает частичные ресурсы и
// молча оставляет попытку до следующей каденции.
func (s *Scheduler) stage(ego world.Transform) {
	lateral := s.cfg.LateralMin + s.rng.Float64()*(s.cfg.LateralMax-s.cfg.LateralMin)

	ahead := ego.Location.Add(ego.ForwardVector().Scale(s.cfg.StagingDist))
	spawnLoc := ahead.Add(ego.RightVector().Scale(lateral))
	destLoc := ahead.Add(ego.RightVector().Scale(-lateral))

	m := s.w.Map()
	spawnWp, ok := m.Project(spawnLoc)
	if !ok {
		return
	}
	destWp, ok := m.Project(destLoc)
	if !ok {
		return
	}

	template := s.cfg.Templates[s.rng.Intn(len(s.cfg.Templates))]
	walker, err := s.w.TrySpawnWalker(template, spawnWp.Transform)
	if err != nil {
		// занятая или непригодная точка — штатный исход постановки
		return
	}

	controller, err := s.w.AttachWalkerController(walker)
	if err != nil {
		log.Printf("crossers: attach controller for walker %d: %v, destroying walker", walker.ID(), err)
		if derr := walker.Destroy(); derr != nil {
			log.Printf("crossers: destroy walker %d: %v", walker.ID(), derr)
		}
		return
	}

	s.active = append(s.active, &staged{
		walker:     walker,
		controller: controller,
		dest:       destWp.Transform.Location,
		state:      WaitingTrigger,
	})
}

// checkTriggers запускает переход для пешеходов, к которым эго подошла ближе
// триггерной дистанции, и снимает запущенных с учёта.
func (s *Scheduler) checkTriggers(ego world.Transform) {
	kept := s.active[:0]
	for _, st := range s.active {
		if st.state != WaitingTrigger {
			kept = append(kept, st)
			continue
		}
		d := ego.Location.Distance(st.walker.Transform().Location)
		if d >= s.cfg.TriggerDist {
			kept = append(kept, st)
			continue
		}
		speed := s.cfg.SpeedMin + s.rng.Float64()*(s.cfg.SpeedMax-s.cfg.SpeedMin)
		if err := st.controller.SetMaxSpeed(speed); err != nil {
			log.Printf("crossers: set speed for walker %d: %v", st.walker.ID(), err)
		}
		if err := st.controller.Start(); err != nil {
			log.Printf("crossers: start controller for walker %d: %v", st.walker.ID(), err)
			kept = append(kept, st)
			continue
		}
		if err := st.controller.GoTo(st.dest); err != nil {
			log.Printf("crossers: go-to for walker %d: %v", st.walker.ID(), err)
		}
		st.state = Triggered
		// запущенный пешеход больше не отслеживается; его удалит общий
		// путь уничтожения акторов при завершении
		s.retired = append(s.retired, st.controller.ID(), st.walker.ID())
	}
	s.active = kept
}

// ActiveCount возвращает число пешеходов в состоянии ожидания триггера.
func (s *Scheduler) ActiveCount() int { return len(s.active) }

// ActorIDs возвращает всех созданных планировщиком акторов (ожидающих и
// запущенных) для пакетного уничтожения при завершении.
func (s *Scheduler) ActorIDs() []world.ActorID {
	ids := make([]world.ActorID, 0, len(s.retired)+2*len(s.active))
	ids = append(ids, s.retired...)
	for _, st := range s.active {
		ids = append(ids, st.controller.ID(), st.walker.ID())
	}
	return ids
}
