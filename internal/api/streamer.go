package api

import (
	"bufio"
	"crypto/sha1"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"

	"github.com/pv/traffic-demo-go/internal/demo"
)

type wsMessage struct {
	Type  string         `json:"type"`
	State *demo.HUDState `json:"state,omitempty"`
}

// StateStreamer хранит последнее состояние HUD и рассылает обновления
// подключённым клиентам WebSocket. Publish вызывается из горутины цикла
// управления на каждом такте.
type StateStreamer struct {
	mu      sync.RWMutex
	last    demo.HUDState
	hasLast bool
	clients map[*wsClient]struct{}
}

// NewStateStreamer создаёт стример без клиентов.
func NewStateStreamer() *StateStreamer {
	return &StateStreamer{clients: map[*wsClient]struct{}{}}
}

// Publish запоминает состояние такта и рассылает его клиентам.
func (s *StateStreamer) Publish(st demo.HUDState) {
	s.mu.Lock()
	s.last = st
	s.hasLast = true
	s.broadcastLocked(wsMessage{Type: "tick", State: &st})
	s.mu.Unlock()
}

// Last возвращает последнее опубликованное состояние.
func (s *StateStreamer) Last() (demo.HUDState, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.last, s.hasLast
}

// ServeWS обрабатывает подключение клиента WebSocket.
func (s *StateStreamer) ServeWS(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	conn, rw, err := websocketUpgrade(w, r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	client := newWSClient(conn, rw)
	s.addClient(client)
	logDebugf("[ws] client connected: %s", conn.RemoteAddr())

	if msg, ok := s.snapshotMessage(); ok {
		if err := client.writeJSON(msg); err != nil {
			s.removeClient(client)
			return
		}
	}

	go client.writePump(func() {
		s.removeClient(client)
		logDebugf("[ws] client disconnected: %s", conn.RemoteAddr())
	})
}

func (s *StateStreamer) addClient(c *wsClient) {
	s.mu.Lock()
	s.clients[c] = struct{}{}
	s.mu.Unlock()
}

func (s *StateStreamer) removeClient(c *wsClient) {
	s.mu.Lock()
	delete(s.clients, c)
	s.mu.Unlock()
	c.close()
}

func (s *StateStreamer) snapshotMessage() (wsMessage, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.hasLast {
		return wsMessage{}, false
	}
	st := s.last
	return wsMessage{Type: "snapshot", State: &st}, true
}

func (s *StateStreamer) broadcastLocked(msg wsMessage) {
	if len(s.clients) == 0 {
		return
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	for c := range s.clients {
		select {
		case c.send <- data:
		default:
			// Клиент не успевает читать — отрубаем.
			go s.removeClient(c)
		}
	}
}

// --- WebSocket utils (минимальная реализация только для server-push) ---

const wsGUID = "258EAFA5-E914-47DA-95CA-C5AB0DC85B11"

func websocketUpgrade(w http.ResponseWriter, r *http.Request) (net.Conn, *bufio.ReadWriter, error) {
	if !headerContains(r.Header, "Connection", "Upgrade") || !headerContains(r.Header, "Upgrade", "websocket") {
		return nil, nil, errors.New("upgrade request expected")
	}
	key := strings.TrimSpace(r.Header.Get("Sec-WebSocket-Key"))
	if key == "" {
		return nil, nil, errors.New("missing Sec-WebSocket-Key")
	}
	accept := computeAcceptKey(key)

	hijacker, ok := w.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("http hijacking not supported")
	}
	conn, rw, err := hijacker.Hijack()
	if err != nil {
		return nil, nil, err
	}
	if rw == nil {
		rw = bufio.NewReadWriter(bufio.NewReader(conn), bufio.NewWriter(conn))
	}

	response := fmt.Sprintf("HTTP/1.1 101 Switching Protocols\r\nUpgrade: websocket\r\nConnection: Upgrade\r\nSec-WebSocket-Accept: %s\r\n\r\n", accept)
	if _, err := rw.WriteString(response); err != nil {
		_ = conn.Close()
		return nil, nil, err
	}
	if err := rw.Flush(); err != nil {
		_ = conn.Close()
		return nil, nil, err
	}
	return conn, rw, nil
}

func computeAcceptKey(key string) string {
	h := sha1.Sum([]byte(key + wsGUID))
	return base64.StdEncoding.EncodeToString(h[:])
}

func headerContains(h http.Header, name, value string) bool {
	for _, v := range h.Values(name) {
		for _, part := range strings.Split(v, ",") {
			if strings.EqualFold(strings.TrimSpace(part), value) {
				return true
			}
		}
	}
	return false
}

type wsClient struct {
	conn net.Conn
	rw   *bufio.ReadWriter
	send chan []byte
	once sync.Once
}

func newWSClient(conn net.Conn, rw *bufio.ReadWriter) *wsClient {
	return &wsClient{
		conn: conn,
		rw:   rw,
		send: make(chan []byte, 32),
	}
}

func (c *wsClient) writeJSON(msg wsMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return writeTextFrame(c.rw, data)
}

func (c *wsClient) writePump(onClose func()) {
	defer onClose()
	for msg := range c.send {
		if err := writeTextFrame(c.rw, msg); err != nil {
			return
		}
	}
}

func (c *wsClient) close() {
	c.once.Do(func() {
		_ = c.conn.Close()
		close(c.send)
	})
}

func writeTextFrame(w *bufio.ReadWriter, payload []byte) error {
	var header [10]byte
	header[0] = 0x81 // FIN + text frame
	var headerLen int
	switch {
	case len(payload) < 126:
		header[1] = byte(len(payload))
		headerLen = 2
	case len(payload) <= 0xFFFF:
		header[1] = 126
		binary.BigEndian.PutUint16(header[2:], uint16(len(payload)))
		headerLen = 4
	default:
		header[1] = 127
		binary.BigEndian.PutUint64(header[2:], uint64(len(payload)))
		headerLen = 10
	}
	if _, err := w.Write(header[:headerLen]); err != nil {
		return err
	}
	if len(payload) > 0 {
		if _, err := w.Write(payload); err != nil {
			return err
		}
	}
	return w.Flush()
}
