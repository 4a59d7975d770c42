package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/raterudder/evccwatch/pkg/log"
	"github.com/raterudder/evccwatch/pkg/poller"
)

const streamWriteTimeout = 5 * time.Second

// streamMessage is pushed to websocket clients after every poll.
type streamMessage struct {
	Type   string          `json:"type"`
	Status *statusResponse `json:"status,omitempty"`
	Error  string          `json:"error,omitempty"`
}

func newStreamMessage(st poller.Status) streamMessage {
	if st.Last == nil {
		msg := streamMessage{Type: "waiting", Error: "no data received yet"}
		if st.LastError != nil {
			msg.Error += ": " + st.LastError.Error()
		}
		return msg
	}
	res := newStatusResponse(st)
	return streamMessage{Type: "status", Status: &res}
}

type streamClient struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

// send writes one text message. gorilla connections allow a single writer at
// a time.
func (c *streamClient) send(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.conn.SetWriteDeadline(time.Now().Add(streamWriteTimeout)); err != nil {
		return err
	}
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// stream tracks the connected websocket clients.
type stream struct {
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[*streamClient]struct{}
}

func newStream() *stream {
	return &stream{
		upgrader: websocket.Upgrader{
			// the device and its dashboards live on the same trusted LAN
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		clients: make(map[*streamClient]struct{}),
	}
}

func (s *stream) add(c *streamClient) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clients[c] = struct{}{}
}

func (s *stream) remove(c *streamClient) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.clients, c)
}

func (s *stream) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

func (s *stream) snapshot() []*streamClient {
	s.mu.Lock()
	defer s.mu.Unlock()
	clients := make([]*streamClient, 0, len(s.clients))
	for c := range s.clients {
		clients = append(clients, c)
	}
	return clients
}

func (s *stream) broadcast(ctx context.Context, data []byte) {
	for _, c := range s.snapshot() {
		if err := c.send(data); err != nil {
			log.Ctx(ctx).DebugContext(ctx, "dropping stream client", slog.Any("error", err))
			s.remove(c)
			_ = c.conn.Close()
		}
	}
}

// closeAll disconnects every client. Hijacked connections are not closed by
// http.Server.Shutdown.
func (s *stream) closeAll() {
	for _, c := range s.snapshot() {
		s.remove(c)
		_ = c.conn.Close()
	}
}

// Broadcast pushes st to every connected stream client. It matches the
// poller.Poller Subscribe callback.
func (s *Server) Broadcast(st poller.Status) {
	ctx := context.Background()
	data, err := json.Marshal(newStreamMessage(st))
	if err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to encode stream message", slog.Any("error", err))
		return
	}
	s.stream.broadcast(ctx, data)
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	conn, err := s.stream.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already replied with an error status
		log.Ctx(ctx).WarnContext(ctx, "failed to upgrade stream", slog.Any("error", err))
		return
	}
	c := &streamClient{conn: conn}
	s.stream.add(c)
	defer func() {
		s.stream.remove(c)
		_ = conn.Close()
	}()
	log.Ctx(ctx).DebugContext(ctx, "stream client connected", slog.String("remote", r.RemoteAddr))

	data, err := json.Marshal(newStreamMessage(s.status.Status()))
	if err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to encode stream message", slog.Any("error", err))
		return
	}
	if err := c.send(data); err != nil {
		return
	}

	// clients have nothing to say; reading only notices when they leave
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}
