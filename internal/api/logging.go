package api

import (
	"log"
	"sync/atomic"
)

var debugLogging atomic.Bool

// SetDebugLogging включает подробные логи HUD-сервера: обслуживание кадров
// и подключения WebSocket-клиентов. Управляется флагом -debug.
func SetDebugLogging(enabled bool) {
	debugLogging.Store(enabled)
}

// logDebugf пишет сообщение только при включённой отладке.
func logDebugf(format string, args ...any) {
	if debugLogging.Load() {
		log.Printf(format, args...)
	}
}
