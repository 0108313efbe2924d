// Package api — HTTP-сервер наблюдения за демонстрацией: состояние HUD,
// последние кадры камер и стрим состояния по WebSocket.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/pv/traffic-demo-go/internal/demo"
	"github.com/pv/traffic-demo-go/internal/frames"
	"github.com/pv/traffic-demo-go/internal/persist"
)

// Server отдаёт состояние демонстрации по HTTP и принимает команду остановки.
type Server struct {
	mux      *http.ServeMux
	streamer *StateStreamer
	frames   *frames.Buffer
	commands chan<- demo.Command
}

// NewServer создаёт сервер с зарегистрированными хендлерами. commands может
// быть nil — тогда /api/v1/quit отвечает 503.
func NewServer(streamer *StateStreamer, buf *frames.Buffer, commands chan<- demo.Command) *Server {
	s := &Server{
		mux:      http.NewServeMux(),
		streamer: streamer,
		frames:   buf,
		commands: commands,
	}
	s.routes()
	return s
}

// Listen запускает сервер и блокируется до остановки через ctx.
func (s *Server) Listen(ctx context.Context, addr string) error {
	server := &http.Server{
		Addr:    addr,
		Handler: s.mux,
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}

func (s *Server) routes() {
	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})
	apiRoutes := []struct {
		path    string
		handler http.Handler
	}{
		{"/api/v1/state", http.HandlerFunc(s.handleState)},
		{"/api/v1/frame/", http.HandlerFunc(s.handleFrame)},
		{"/api/v1/quit", http.HandlerFunc(s.handleQuit)},
		{"/api/v1/ws/state", http.HandlerFunc(s.handleWSState)},
	}
	for _, route := range apiRoutes {
		s.mux.Handle(route.path, s.withCORS(route.handler))
	}
}

// handleState возвращает последнее состояние HUD.
func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if s.streamer == nil {
		writeError(w, http.StatusServiceUnavailable, fmt.Errorf("state streamer not configured"))
		return
	}
	st, ok := s.streamer.Last()
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Errorf("no ticks yet"))
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// handleFrame отдаёт последний кадр именованного потока как PNG.
func (s *Server) handleFrame(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if s.frames == nil {
		writeError(w, http.StatusServiceUnavailable, fmt.Errorf("frame buffer not configured"))
		return
	}
	stream := strings.TrimPrefix(r.URL.Path, "/api/v1/frame/")
	if stream == "" || strings.Contains(stream, "/") {
		writeError(w, http.StatusBadRequest, fmt.Errorf("stream name required"))
		return
	}
	f, ok := s.frames.Current(stream)
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Errorf("no frames for stream %q", stream))
		return
	}
	logDebugf("[http] frame %s seq=%d", stream, f.Seq)
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("X-Frame-Seq", fmt.Sprintf("%d", f.Seq))
	if err := persist.EncodePNG(w, f); err != nil {
		log.Printf("[http] encode frame %s: %v", stream, err)
	}
}

// handleQuit посылает команду мягкой остановки в цикл управления.
func (s *Server) handleQuit(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if s.commands == nil {
		writeError(w, http.StatusServiceUnavailable, fmt.Errorf("control channel not configured"))
		return
	}
	log.Printf("[http] command quit")
	select {
	case s.commands <- demo.Command{Type: demo.CommandQuit}:
		writeJSON(w, http.StatusOK, map[string]string{"status": "stopping"})
	default:
		// Цикл уже останавливается и команду не заберёт.
		writeJSON(w, http.StatusOK, map[string]string{"status": "already stopping"})
	}
}

func (s *Server) handleWSState(w http.ResponseWriter, r *http.Request) {
	if s.streamer == nil {
		http.Error(w, "websocket streamer not configured", http.StatusServiceUnavailable)
		return
	}
	s.streamer.ServeWS(w, r)
}

func (s *Server) withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		w.Header().Set("Access-Control-Allow-Methods", "GET,POST,OPTIONS")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeError(w http.ResponseWriter, code int, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
