package demo

// CommandType задаёт тип управляющей команды цикла.
type CommandType int

const (
	// CommandQuit — запрос мягкой остановки; цикл завершает текущий такт
	// и переходит к упорядоченной очистке.
	CommandQuit CommandType = iota + 1
)

// Command передаёт управляющее сообщение в Run.
type Command struct {
	Type CommandType
	Resp chan<- error
}

// Control объединяет канал команд и коллбек прогресса.
type Control struct {
	Commands <-chan Command
	// OnTick вызывается после каждого завершённого такта из горутины цикла.
	OnTick func(HUDState)
}

// StopReason — причина завершения цикла управления.
type StopReason int

const (
	StopQuit StopReason = iota + 1
	StopWatchdog
	StopDuration
	StopFatal
)

func (r StopReason) String() string {
	switch r {
	case StopQuit:
		return "quit"
	case StopWatchdog:
		return "watchdog stall"
	case StopDuration:
		return "duration elapsed"
	case StopFatal:
		return "fatal error"
	default:
		return "unknown"
	}
}
