package server

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sourcegraph/conc"

	"github.com/nstogner/backrooms/pkg/domain"
)

const (
	pingInterval = 30 * time.Second
	writeTimeout = 10 * time.Second
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Frame types sent to chat clients.
const (
	FrameFragment = "fragment"
	FrameMessage  = "message"
	FrameError    = "error"
	FrameIdle     = "idle"
)

// Frame is one server-to-client websocket message.
type Frame struct {
	Type     string          `json:"type"`
	AgentID  string          `json:"agent_id,omitempty"`
	Fragment string          `json:"fragment,omitempty"`
	Message  *domain.Message `json:"message,omitempty"`
	Error    string          `json:"error,omitempty"`
	Kind     domain.Kind     `json:"kind,omitempty"`
}

// chatConn serializes writes to one websocket and remembers which messages
// the client already has.
type chatConn struct {
	ws      *websocket.Conn
	mu      sync.Mutex
	sentIDs map[string]bool
}

func (c *chatConn) send(f Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.ws.WriteJSON(f)
}

func (c *chatConn) ping() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout))
}

// sync sends every message the client has not seen yet.
func (c *chatConn) sync(msgs []domain.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := range msgs {
		if c.sentIDs[msgs[i].ID] {
			continue
		}
		c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := c.ws.WriteJSON(Frame{Type: FrameMessage, AgentID: msgs[i].AgentID, Message: &msgs[i]}); err != nil {
			return err
		}
		c.sentIDs[msgs[i].ID] = true
	}
	return nil
}

// handleChatWebSocket streams a conversation. On connect the client receives
// the full transcript; afterwards every appended message is pushed. Each
// {"content"} the client sends is submitted as a user message and the
// participants' replies stream back as fragment frames, followed by an idle
// frame once the turns are done.
func (s *Server) handleChatWebSocket(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := s.transcript.Get(r.Context(), id); err != nil {
		s.errorResponse(w, r, err)
		return
	}

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("Failed to upgrade websocket", "error", err)
		return
	}
	defer ws.Close()

	conn := &chatConn{ws: ws, sentIDs: make(map[string]bool)}

	// Subscribe before the initial sync so no append is missed.
	updates, unsubscribe := s.transcript.Subscribe()
	defer unsubscribe()

	// The request context is not cancelled when a hijacked client disconnects,
	// so the connection gets its own, cancelled once the reader loop ends.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := s.syncTranscript(ctx, conn, id); err != nil {
		slog.Error("Failed initial sync", "conversationID", id, "error", err)
		return
	}

	var wg conc.WaitGroup
	defer wg.Wait()
	defer cancel()

	// Pusher
	wg.Go(func() {
		ticker := time.NewTicker(pingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case convID, ok := <-updates:
				if !ok {
					return
				}
				if convID != id {
					continue
				}
				if err := s.syncTranscript(ctx, conn, id); err != nil {
					slog.Warn("Failed (re)sync", "conversationID", id, "error", err)
					cancel()
					return
				}
			case <-ticker.C:
				if err := conn.ping(); err != nil {
					cancel()
					return
				}
			}
		}
	})

	// Reader
	for {
		var in struct {
			Content string `json:"content"`
		}
		if err := ws.ReadJSON(&in); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				slog.Debug("WebSocket read ended", "conversationID", id, "error", err)
			}
			return
		}
		wg.Go(func() { s.submitFromSocket(ctx, conn, id, in.Content) })
	}
}

func (s *Server) submitFromSocket(ctx context.Context, conn *chatConn, conversationID, content string) {
	onFragment := func(agentID, fragment string) error {
		return conn.send(Frame{Type: FrameFragment, AgentID: agentID, Fragment: fragment})
	}
	_, err := s.engine.Submit(ctx, conversationID, content, onFragment)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		if err := conn.send(Frame{Type: FrameError, Error: domain.SafeMessage(err), Kind: domain.KindOf(err)}); err != nil {
			return
		}
	}
	// Catch up on anything a dropped notification missed.
	if err := s.syncTranscript(ctx, conn, conversationID); err != nil {
		slog.Debug("Failed post-turn sync", "conversationID", conversationID, "error", err)
		return
	}
	conn.send(Frame{Type: FrameIdle})
}

func (s *Server) syncTranscript(ctx context.Context, conn *chatConn, conversationID string) error {
	msgs, err := s.transcript.Load(ctx, conversationID)
	if err != nil {
		return err
	}
	return conn.sync(msgs)
}
