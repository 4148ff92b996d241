package ws

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bytedance/sonic"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/scriptgate/scriptgate/internal/grant"
	"github.com/scriptgate/scriptgate/internal/logging"
	"github.com/scriptgate/scriptgate/internal/proxy"
	"github.com/scriptgate/scriptgate/internal/shared/types"
)

const writeTimeout = 10 * time.Second

// ErrSessionClosed reports a send attempt after disconnection.
var ErrSessionClosed = errors.New("ws: session closed")

// Session is one connected sandbox channel. It implements proxy.EventSink
// and grant.Prompter so in-flight requests and prompts write straight to
// the socket; after disconnection every send is silently suppressed while
// cleanup keeps running.
type Session struct {
	conn   *websocket.Conn
	logger *logging.Logger

	sendMu sync.Mutex
	closed atomic.Bool

	mu      sync.Mutex
	handles map[string]*proxy.Handle
}

func newSession(conn *websocket.Conn, logger *logging.Logger) *Session {
	return &Session{
		conn:    conn,
		logger:  logger,
		handles: make(map[string]*proxy.Handle),
	}
}

// SendEvent delivers one lifecycle event.
func (s *Session) SendEvent(markerID string, action types.Action, event *types.ProxyEvent) {
	_ = s.send(&outboundMessage{
		Type:     MsgProxyEvent,
		MarkerID: markerID,
		Action:   string(action),
		Event:    event,
	})
}

// SendChunk delivers one payload chunk.
func (s *Session) SendChunk(markerID string, action string, data string) {
	_ = s.send(&outboundMessage{
		Type:     MsgProxyChunk,
		MarkerID: markerID,
		Action:   action,
		Data:     data,
	})
}

// ShowConfirm surfaces a permission prompt on this channel.
func (s *Session) ShowConfirm(req *grant.ConfirmRequest) error {
	return s.send(&outboundMessage{Type: MsgConfirmShow, Confirm: req})
}

func (s *Session) sendError(markerID, code, msg string) {
	_ = s.send(&outboundMessage{Type: MsgError, MarkerID: markerID, Code: code, Error: msg})
}

func (s *Session) send(msg *outboundMessage) error {
	if s.closed.Load() {
		return ErrSessionClosed
	}
	data, err := sonic.Marshal(msg)
	if err != nil {
		s.logger.Error("outbound message marshal failed", zap.Error(err))
		return err
	}

	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	if s.closed.Load() {
		return ErrSessionClosed
	}
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return s.conn.WriteMessage(websocket.TextMessage, data)
}

func (s *Session) track(markerID string, h *proxy.Handle) {
	s.mu.Lock()
	s.handles[markerID] = h
	s.mu.Unlock()
}

func (s *Session) untrack(markerID string) {
	s.mu.Lock()
	delete(s.handles, markerID)
	s.mu.Unlock()
}

func (s *Session) handle(markerID string) (*proxy.Handle, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.handles[markerID]
	return h, ok
}

// shutdown suppresses further sends and aborts everything in flight.
// Request cleanup (rule teardown, correlation purge) happens through the
// executor's own finalization, not here.
func (s *Session) shutdown() {
	s.closed.Store(true)

	s.mu.Lock()
	handles := make([]*proxy.Handle, 0, len(s.handles))
	for _, h := range s.handles {
		handles = append(handles, h)
	}
	s.handles = make(map[string]*proxy.Handle)
	s.mu.Unlock()

	for _, h := range handles {
		h.Abort()
	}
}
