package ws

import (
	"context"
	"net/http"

	"github.com/bytedance/sonic"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/scriptgate/scriptgate/internal/config"
	"github.com/scriptgate/scriptgate/internal/grant"
	"github.com/scriptgate/scriptgate/internal/logging"
	"github.com/scriptgate/scriptgate/internal/monitoring"
	"github.com/scriptgate/scriptgate/internal/proxy"
	"github.com/scriptgate/scriptgate/internal/script"
	"github.com/scriptgate/scriptgate/internal/shared/types"
)

// Inline request bodies can be large once base64-expanded.
const maxMessageBytes = 64 << 20

// Handler accepts sandbox channels and dispatches their messages.
type Handler struct {
	cfg      *config.Config
	gate     *grant.Gate
	executor *proxy.Executor
	scripts  *script.Registry
	logger   *logging.Logger
	metrics  *monitoring.Metrics
	upgrader websocket.Upgrader
}

// NewHandler creates a channel handler.
func NewHandler(
	cfg *config.Config,
	gate *grant.Gate,
	executor *proxy.Executor,
	scripts *script.Registry,
	logger *logging.Logger,
	metrics *monitoring.Metrics,
) *Handler {
	return &Handler{
		cfg:      cfg,
		gate:     gate,
		executor: executor,
		scripts:  scripts,
		logger:   logger,
		metrics:  metrics,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// The daemon serves local sandboxes; enforcement happens at the
			// permission gate, not at socket origin.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// Serve upgrades the connection and runs the read loop until disconnect.
func (h *Handler) Serve(c *gin.Context) {
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	conn.SetReadLimit(maxMessageBytes)

	session := newSession(conn, h.logger)
	ctx, cancel := context.WithCancel(context.Background())

	if h.metrics != nil {
		h.metrics.Channels.Inc()
	}
	h.logger.Info("channel connected", zap.String("remote", conn.RemoteAddr().String()))

	defer func() {
		cancel()
		session.shutdown()
		_ = conn.Close()
		if h.metrics != nil {
			h.metrics.Channels.Dec()
		}
		h.logger.Info("channel disconnected", zap.String("remote", conn.RemoteAddr().String()))
	}()

	var limiter *rate.Limiter
	if h.cfg.RateLimit.Enabled {
		limiter = rate.NewLimiter(rate.Limit(h.cfg.RateLimit.RequestsPerSecond), h.cfg.RateLimit.Burst)
	}

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if limiter != nil && !limiter.Allow() {
			session.sendError("", CodeRateLimited, "message rate limit exceeded")
			continue
		}

		var msg inboundMessage
		if err := sonic.Unmarshal(data, &msg); err != nil {
			session.sendError("", CodeBadMessage, "malformed message")
			continue
		}
		h.dispatch(ctx, session, &msg)
	}
}

func (h *Handler) dispatch(ctx context.Context, session *Session, msg *inboundMessage) {
	switch msg.Type {
	case MsgProxyRequest:
		h.handleProxyRequest(ctx, session, msg)
	case MsgProxyAbort:
		if handle, ok := session.handle(msg.MarkerID); ok {
			handle.Abort()
		}
	case MsgConfirmResponse:
		if msg.UserConfirm == nil {
			session.sendError("", CodeBadMessage, "missing user_confirm")
			return
		}
		if !h.gate.Resolve(msg.ConfirmationID, *msg.UserConfirm) {
			h.logger.Debug("confirm signal matched no pending prompt",
				zap.String("confirmation_id", msg.ConfirmationID))
		}
	case MsgPing:
		_ = session.send(&outboundMessage{Type: MsgPong})
	default:
		session.sendError("", CodeBadMessage, "unknown message type: "+msg.Type)
	}
}

// handleProxyRequest runs the permission gate and launches the executor.
// The gate may block on a confirmation prompt for up to the confirm window,
// so everything past validation runs off the read loop; the loop stays free
// to deliver the confirm.response that unblocks it.
func (h *Handler) handleProxyRequest(ctx context.Context, session *Session, msg *inboundMessage) {
	if msg.Spec == nil || msg.MarkerID == "" {
		session.sendError(msg.MarkerID, CodeBadMessage, "missing spec or marker_id")
		return
	}
	manifest, ok := h.scripts.Get(msg.ScriptID)
	if !ok {
		session.sendError(msg.MarkerID, CodeUnknownScript, "unknown script: "+msg.ScriptID)
		return
	}
	spec := msg.Spec
	if err := spec.Validate(); err != nil {
		failRequest(session, msg.MarkerID, spec.URL, err)
		return
	}
	host, err := script.HostOf(spec.URL)
	if err != nil {
		failRequest(session, msg.MarkerID, spec.URL, err)
		return
	}

	go func() {
		// The connect list is a precondition: a host outside it is denied
		// outright, no prompt.
		if !script.ConnectAllows(manifest, host) {
			h.logger.Debug("host outside connect list",
				zap.String("script_id", msg.ScriptID),
				zap.String("host", host))
			failRequest(session, msg.MarkerID, spec.URL, grant.ErrPermissionDenied)
			return
		}

		err := h.gate.Verify(ctx, &grant.VerifyRequest{
			ScriptID:    msg.ScriptID,
			Manifest:    manifest,
			Capability:  grant.CapabilityXHR,
			Scope:       host,
			Title:       manifest.Name,
			Description: spec.Method + " " + spec.URL,
			Metadata: []grant.MetadataPair{
				{Key: "Method", Value: spec.Method},
				{Key: "URL", Value: spec.URL},
			},
			Prompter: session,
		})
		if err != nil {
			failRequest(session, msg.MarkerID, spec.URL, err)
			return
		}

		handle, err := h.executor.Start(ctx, msg.MarkerID, spec, session)
		if err != nil {
			failRequest(session, msg.MarkerID, spec.URL, err)
			return
		}
		session.track(msg.MarkerID, handle)
		go func() {
			<-handle.Done()
			session.untrack(msg.MarkerID)
		}()
	}()
}

// failRequest emits the error tail of the lifecycle for a request that
// never reached the executor.
func failRequest(session *Session, markerID, url string, err error) {
	ev := &types.ProxyEvent{
		FinalURL:   url,
		ReadyState: types.ReadyStateDone,
		Error:      err.Error(),
	}
	session.SendEvent(markerID, types.ActionError, ev)
	done := *ev
	done.Error = ""
	session.SendEvent(markerID, types.ActionLoadEnd, &done)
}
