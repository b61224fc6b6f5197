package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ytget/ytdl-web/internal/model"
	"github.com/ytget/ytdl-web/internal/pubsub"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsMaxMessage = 4096
)

var errMissingClient = errors.New("client_id is required")

// subscription reads client_id and groups from the query and connects the client
func (s *Server) subscription(r *http.Request) (string, *pubsub.Queue, error) {
	q := r.URL.Query()
	clientID := q.Get("client_id")
	if clientID == "" {
		return "", nil, errMissingClient
	}
	var groups []string
	if g := q.Get("groups"); g != "" {
		groups = strings.Split(g, ",")
	}
	meta := map[string]string{"transport": "sse", "remote_addr": r.RemoteAddr}
	if websocket.IsWebSocketUpgrade(r) {
		meta["transport"] = "websocket"
	}
	queue, err := s.opts.Subscriber.Connect(r.Context(), clientID, groups, meta)
	return clientID, queue, err
}

func (s *Server) release(queue *pubsub.Queue) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.opts.Subscriber.Release(ctx, queue); err != nil {
		log.Printf("server: disconnect %s: %v", queue.ClientID(), err)
	}
}

// handleEvents streams the client's queue as Server-Sent Events
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	clientID, queue, err := s.subscription(r)
	if errors.Is(err, errMissingClient) {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err != nil {
		writeError(w, err)
		return
	}
	defer s.release(queue)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, ": connected %s\n\n", clientID)
	flusher.Flush()

	ctx := r.Context()
	heartbeat := time.NewTicker(s.opts.Heartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-heartbeat.C:
			if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
				return
			}
			flusher.Flush()
			if err := s.opts.Subscriber.Touch(ctx, clientID); err != nil {
				log.Printf("server: touch %s: %v", clientID, err)
			}
		case n, ok := <-queue.C():
			if !ok {
				return
			}
			if err := writeEvent(w, n); err != nil {
				log.Printf("server: write event to %s: %v", clientID, err)
				return
			}
			flusher.Flush()
		}
	}
}

func writeEvent(w http.ResponseWriter, n model.Notification) error {
	data, err := json.Marshal(n)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "id: %s\nevent: %s\ndata: %s\n\n", n.ID, n.Type, data)
	return err
}

// handleWebSocket delivers the client's queue as JSON text frames. Any
// message from the client refreshes its last_seen.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("client_id") == "" {
		http.Error(w, errMissingClient.Error(), http.StatusBadRequest)
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("server: websocket upgrade: %v", err)
		return
	}
	defer conn.Close()

	clientID, queue, err := s.subscription(r)
	if err != nil {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseInternalServerErr, err.Error()),
			time.Now().Add(wsWriteWait))
		return
	}
	defer s.release(queue)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.readPump(ctx, cancel, conn, clientID)

	ping := time.NewTicker(s.opts.Heartbeat)
	defer ping.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ping.C:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case n, ok := <-queue.C():
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, ""))
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteJSON(n); err != nil {
				log.Printf("server: websocket write to %s: %v", clientID, err)
				return
			}
		}
	}
}

func (s *Server) readPump(ctx context.Context, cancel context.CancelFunc, conn *websocket.Conn, clientID string) {
	defer cancel()
	conn.SetReadLimit(wsMaxMessage)
	_ = conn.SetReadDeadline(time.Now().Add(max(wsPongWait, 2*s.opts.Heartbeat)))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(max(wsPongWait, 2*s.opts.Heartbeat)))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("server: websocket read from %s: %v", clientID, err)
			}
			return
		}
		if err := s.opts.Subscriber.Touch(ctx, clientID); err != nil {
			log.Printf("server: touch %s: %v", clientID, err)
		}
	}
}
