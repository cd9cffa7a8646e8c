package gateway

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/louannemur/agent-orchestrator-sub001/internal/apperr"
)

// client is one WebSocket consumer. Writes are serialized under mu so
// concurrent forwards never interleave frames.
type client struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

const wsWriteTimeout = 5 * time.Second

func (c *client) write(ctx context.Context, v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	ctx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
	defer cancel()
	return wsjson.Write(ctx, c.conn, v)
}

// wsEvent is the frame pushed to subscribers for every bus event.
type wsEvent struct {
	Topic   string `json:"topic"`
	Payload any    `json:"payload"`
}

// authorizeWS accepts the operator token from the Authorization header or,
// for browser clients that cannot set headers on WebSocket upgrades, the
// token query parameter.
func (s *Server) authorizeWS(r *http.Request) bool {
	if s.authorize(r) {
		return true
	}
	if s.cfg.OperatorToken == "" {
		return false
	}
	return r.URL.Query().Get("token") == s.cfg.OperatorToken
}

// handleWS upgrades the connection and forwards every bus event to the
// client until either side goes away. Inbound frames are drained and
// ignored; the stream is one-way.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if !s.authorizeWS(r) {
		s.unauthorized(w)
		return
	}
	if s.cfg.Bus == nil {
		s.writeError(w, apperr.New(apperr.KindInternal, "event bus is not configured"))
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: s.cfg.AllowOrigins,
	})
	if err != nil {
		s.cfg.Logger.Warn("websocket accept failed", "error", err)
		return
	}
	defer conn.Close(websocket.StatusInternalError, "stream closed")

	c := &client{conn: conn}
	s.addClient(c)
	defer s.removeClient(c)

	sub := s.cfg.Bus.Subscribe("")
	defer s.cfg.Bus.Unsubscribe(sub)

	ctx := r.Context()
	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		for {
			if _, _, err := conn.Read(ctx); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusGoingAway, "server shutting down")
			return
		case <-readDone:
			return
		case ev, ok := <-sub.Ch():
			if !ok {
				conn.Close(websocket.StatusNormalClosure, "")
				return
			}
			if err := c.write(ctx, wsEvent{Topic: ev.Topic, Payload: ev.Payload}); err != nil {
				return
			}
		}
	}
}

func (s *Server) addClient(c *client) {
	s.clientsMu.Lock()
	s.clients[c] = struct{}{}
	s.clientsMu.Unlock()
}

func (s *Server) removeClient(c *client) {
	s.clientsMu.Lock()
	delete(s.clients, c)
	s.clientsMu.Unlock()
}

// ClientCount reports connected WebSocket consumers.
func (s *Server) ClientCount() int {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	return len(s.clients)
}
