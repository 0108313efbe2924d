package world

import (
	"math"
	"time"
)

// ActorID — идентификатор актора, назначаемый симулятором.
type ActorID int64

// Location — точка в мировых координатах (метры).
type Location struct {
	X, Y, Z float64
}

// Distance возвращает евклидово расстояние до другой точки.
func (l Location) Distance(o Location) float64 {
	dx := l.X - o.X
	dy := l.Y - o.Y
	dz := l.Z - o.Z
	return math.Sqrt(dx*dx + dy*dy + dz*dz)
}

// Add смещает точку на вектор.
func (l Location) Add(v Vector3D) Location {
	return Location{X: l.X + v.X, Y: l.Y + v.Y, Z: l.Z + v.Z}
}

// Rotation — ориентация в градусах.
type Rotation struct {
	Pitch, Yaw, Roll float64
}

// Transform — позиция и ориентация актора.
type Transform struct {
	Location Location
	Rotation Rotation
}

// ForwardVector возвращает единичный вектор направления по yaw (плоскость XY).
func (t Transform) ForwardVector() Vector3D {
	yaw := t.Rotation.Yaw * math.Pi / 180
	return Vector3D{X: math.Cos(yaw), Y: math.Sin(yaw)}
}

// RightVector возвращает единичный вектор вправо от направления движения.
func (t Transform) RightVector() Vector3D {
	yaw := (t.Rotation.Yaw + 90) * math.Pi / 180
	return Vector3D{X: math.Cos(yaw), Y: math.Sin(yaw)}
}

// Vector3D — вектор скорости/смещения (м или м/с).
type Vector3D struct {
	X, Y, Z float64
}

// Length возвращает длину вектора.
func (v Vector3D) Length() float64 {
	return math.Sqrt(v.X*v.X + v.Y*v.Y + v.Z*v.Z)
}

// Scale умножает вектор на скаляр.
func (v Vector3D) Scale(k float64) Vector3D {
	return Vector3D{X: v.X * k, Y: v.Y * k, Z: v.Z * k}
}

// VehicleControl — текущие управляющие входы транспортного средства.
type VehicleControl struct {
	Steer    float64 // -1..1
	Throttle float64 // 0..1
	Brake    float64 // 0..1
}

// Snapshot — срез состояния мира на момент опроса.
type Snapshot struct {
	Frame   int64         // монотонный номер кадра симуляции
	Elapsed time.Duration // накопленное симуляционное время
}

// Image — один кадр камеры: сырой пиксельный буфер BGRA.
type Image struct {
	Frame  int64 // номер кадра симуляции, в котором снят
	Width  int
	Height int
	Pixels []byte // len = Width*Height*4
}

// CollisionEvent — событие датчика столкновений.
type CollisionEvent struct {
	Frame int64
	Other string // шаблон (blueprint) второго участника
}

// Settings — глобальные настройки симуляции.
type Settings struct {
	Synchronous bool
	FixedDelta  time.Duration // 0 — переменный шаг
}

// CameraSpec описывает параметры RGB-камеры.
type CameraSpec struct {
	Stream string // имя потока ("front", "third")
	Width  int
	Height int
	FOV    float64
}

// Waypoint — точка дорожного графа, к которой привязана позиция.
type Waypoint struct {
	Transform Transform
}
