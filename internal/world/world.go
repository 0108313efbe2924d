// Package world описывает поверхность возможностей внешнего симулятора:
// снимки мира, жизненный цикл акторов, сенсоры с коллбеками, дорожный граф.
// Сетевой протокол к реальному симулятору сюда не входит — конкретные
// реализации (см. simworld) подключаются через эти интерфейсы.
package world

import (
	"context"
	"errors"
)

// ErrSpawnBlocked возвращается try-spawn, когда точка занята другим актором.
var ErrSpawnBlocked = errors.New("world: spawn point is blocked")

// ErrDisconnected сигнализирует о потере связи с миром; для цикла управления
// это фатальная ошибка, в отличие от разового сбоя опроса снимка.
var ErrDisconnected = errors.New("world: connection lost")

// Client — подключение к симулятору.
type Client interface {
	World() World
	// TrafficManager возвращает координатор фонового трафика на заданном порту.
	TrafficManager(port int) (TrafficManager, error)
	// DestroyBatch удаляет акторов пачкой; ошибки по отдельным акторам
	// не прерывают удаление остальных.
	DestroyBatch(ctx context.Context, ids []ActorID) error
	Close() error
}

// World — основной интерфейс мира.
type World interface {
	Settings() Settings
	ApplySettings(Settings) error
	Map() WorldMap
	// Snapshot опрашивает текущий срез состояния. Разовая ошибка —
	// восстановимая; ErrDisconnected — нет.
	Snapshot(ctx context.Context) (Snapshot, error)
	SpawnPoints() []Transform
	// TrySpawnVehicle создаёт транспорт по имени шаблона. Занятая точка
	// даёт ErrSpawnBlocked.
	TrySpawnVehicle(template string, tf Transform) (Vehicle, error)
	// TrySpawnWalker создаёт пешехода по имени шаблона.
	TrySpawnWalker(template string, tf Transform) (Walker, error)
	// SpawnCamera создаёт камеру, прикреплённую к родителю.
	SpawnCamera(spec CameraSpec, at Transform, parent Actor) (Camera, error)
	// SpawnCollisionSensor создаёт датчик столкновений на родителе.
	SpawnCollisionSensor(parent Actor) (CollisionSensor, error)
	// AttachWalkerController прикрепляет контроллер движения к пешеходу.
	AttachWalkerController(w Walker) (WalkerController, error)
}

// WorldMap — дорожный граф карты.
type WorldMap interface {
	// Waypoint привязывает произвольную точку к ближайшей точке графа.
	Waypoint(loc Location) (Waypoint, bool)
	// Next возвращает точки графа примерно на заданном удалении вперёд.
	Next(wp Waypoint, distance float64) []Waypoint
	// Project проецирует точку на проезжую/проходимую поверхность.
	Project(loc Location) (Waypoint, bool)
}

// Actor — общий интерфейс живущего в мире объекта.
type Actor interface {
	ID() ActorID
	Alive() bool
	Transform() Transform
	Destroy() error
}

// Vehicle — транспортное средство.
type Vehicle interface {
	Actor
	Velocity() Vector3D
	Control() VehicleControl
	// SetAutopilot включает управление координатором трафика; tmPort < 0 —
	// встроенный автопилот без координатора.
	SetAutopilot(enabled bool, tmPort int) error
}

// Walker — пешеход.
type Walker interface {
	Actor
}

// WalkerController — контроллер движения пешехода.
type WalkerController interface {
	Actor
	Start() error
	GoTo(dest Location) error
	SetMaxSpeed(mps float64) error
}

// Sensor — актор, доставляющий данные через коллбек.
// Коллбеки вызываются из горутин доставки симулятора; Stop прекращает
// доставку, но не уничтожает актора.
type Sensor interface {
	Actor
	Stop()
}

// Camera — RGB-камера.
type Camera interface {
	Sensor
	Listen(fn func(Image))
}

// CollisionSensor — датчик столкновений.
type CollisionSensor interface {
	Sensor
	Listen(fn func(CollisionEvent))
}

// TrafficManager — координатор фонового трафика.
type TrafficManager interface {
	Port() int
	SetSynchronous(bool)
	SetGlobalLeadDistance(meters float64)
}
