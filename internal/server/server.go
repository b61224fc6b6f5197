// Package server exposes the task API and delivers client notification
// queues over Server-Sent Events and WebSocket.
package server

import (
	"context"
	"errors"
	"log"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ytget/ytdl-web/internal/backend"
	"github.com/ytget/ytdl-web/internal/compress"
	"github.com/ytget/ytdl-web/internal/download"
	"github.com/ytget/ytdl-web/internal/model"
	"github.com/ytget/ytdl-web/internal/pubsub"
	"github.com/ytget/ytdl-web/internal/store"
)

// Subscriber registers clients and hands out their delivery queues. Release
// ends the registration only while the queue is still the client's current one.
type Subscriber interface {
	Connect(ctx context.Context, clientID string, groups []string, metadata map[string]string) (*pubsub.Queue, error)
	Release(ctx context.Context, q *pubsub.Queue) error
	Touch(ctx context.Context, clientID string) error
}

// HealthReporter reports backend health
type HealthReporter interface {
	Status() backend.Report
}

// TaskLister reads tasks of every type
type TaskLister interface {
	Get(id string) (*model.Task, error)
	List() []*model.Task
}

// Options wires the server to the services
type Options struct {
	Tasks       TaskLister
	Downloads   download.Downloader
	Conversions compress.Compressor // optional
	Subscriber  Subscriber
	Health      HealthReporter
	// History serves the last snapshot of tasks the registry no longer
	// tracks. Optional.
	History store.SnapshotStore
	// Heartbeat is the keep-alive period of event streams
	Heartbeat time.Duration
}

// Server is the HTTP surface
type Server struct {
	opts     Options
	mux      *http.ServeMux
	upgrader websocket.Upgrader
}

// New builds the server and its routes
func New(opts Options) *Server {
	if opts.Heartbeat <= 0 {
		opts.Heartbeat = 30 * time.Second
	}
	s := &Server{
		opts: opts,
		mux:  http.NewServeMux(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}

	s.mux.HandleFunc("GET /api/tasks", s.handleList)
	s.mux.HandleFunc("GET /api/tasks/{id}", s.handleGet)
	s.mux.HandleFunc("POST /api/tasks", s.handleAdd)
	s.mux.HandleFunc("POST /api/tasks/{id}/cancel", s.handleCancel)
	s.mux.HandleFunc("DELETE /api/tasks/{id}", s.handleDelete)
	s.mux.HandleFunc("GET /api/history", s.handleHistory)
	s.mux.HandleFunc("POST /api/conversions", s.handleConvert)
	s.mux.HandleFunc("GET /api/events", s.handleEvents)
	s.mux.HandleFunc("GET /api/ws", s.handleWebSocket)
	s.mux.HandleFunc("GET /api/health", s.handleHealth)
	return s
}

// Handler returns the root handler
func (s *Server) Handler() http.Handler {
	return s.mux
}

// ListenAndServe serves on addr until ctx is done, then shuts down gracefully
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.mux,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(_ net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		log.Printf("HTTP server listening on %s", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
