// Package frames хранит последние кадры именованных потоков камер и следит
// за живостью потока кадров. Писатели — коллбеки сенсоров (несколько
// горутин доставки), читатель — цикл управления.
package frames

import (
	"sync"
	"time"
)

// Frame — один декодированный кадр одного потока.
type Frame struct {
	Stream     string
	Seq        int64 // номер кадра симуляции, монотонный в пределах потока
	Width      int
	Height     int
	Pixels     []byte // BGRA
	ReceivedAt time.Time
}

// Buffer хранит последний кадр каждого потока: запись безусловно замещает
// предыдущее значение (last-write-wins), порядок относительно чтений не
// гарантируется.
type Buffer struct {
	mu      sync.RWMutex
	current map[string]Frame
}

// NewBuffer создаёт пустой буфер.
func NewBuffer() *Buffer {
	return &Buffer{current: map[string]Frame{}}
}

// Update замещает сохранённый кадр потока.
func (b *Buffer) Update(f Frame) {
	b.mu.Lock()
	b.current[f.Stream] = f
	b.mu.Unlock()
}

// Current возвращает последний кадр потока; ok=false, если кадров ещё не было.
func (b *Buffer) Current(stream string) (Frame, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	f, ok := b.current[stream]
	return f, ok
}

// Streams возвращает имена потоков, по которым уже были кадры.
func (b *Buffer) Streams() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	names := make([]string, 0, len(b.current))
	for name := range b.current {
		names = append(names, name)
	}
	return names
}
