// Package gateway terminates peer websocket connections: handshake and
// version negotiation, envelope decoding, and dispatch into the trigger,
// orchestration, and state synchronization paths. Connection and protocol
// errors are handled here and never leak past this boundary.
package gateway

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/tesserbridge/bridge/internal/cache"
	"github.com/tesserbridge/bridge/internal/config"
	"github.com/tesserbridge/bridge/internal/domain"
	"github.com/tesserbridge/bridge/internal/optimizer"
	"github.com/tesserbridge/bridge/internal/orchestrator"
	"github.com/tesserbridge/bridge/internal/protocol"
	"github.com/tesserbridge/bridge/internal/registry"
	"github.com/tesserbridge/bridge/internal/statesync"
	"github.com/tesserbridge/bridge/internal/trigger"
)

const writeTimeout = 10 * time.Second

// Handler upgrades peer connections and runs their session loops.
type Handler struct {
	cfg           config.SessionConfig
	reg           *registry.Registry
	triggers      *trigger.Engine
	opt           *optimizer.Optimizer
	cache         *cache.Cache
	orch          *orchestrator.Orchestrator
	sync          *statesync.Synchronizer
	logger        *slog.Logger
	allowedOrigin string
	isDev         bool
}

// NewHandler creates the websocket gateway handler.
func NewHandler(
	cfg config.SessionConfig,
	reg *registry.Registry,
	triggers *trigger.Engine,
	opt *optimizer.Optimizer,
	cache *cache.Cache,
	orch *orchestrator.Orchestrator,
	sync *statesync.Synchronizer,
	allowedOrigin string,
	isDev bool,
	logger *slog.Logger,
) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		cfg:           cfg,
		reg:           reg,
		triggers:      triggers,
		opt:           opt,
		cache:         cache,
		orch:          orch,
		sync:          sync,
		logger:        logger,
		allowedOrigin: allowedOrigin,
		isDev:         isDev,
	}
}

// wsSender adapts a websocket connection to the registry's Sender.
type wsSender struct {
	conn *websocket.Conn
}

func (s *wsSender) Send(ctx context.Context, payload []byte) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return s.conn.Write(ctx, websocket.MessageText, payload)
}

// ServeHTTP implements http.Handler for the websocket upgrade.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !h.checkOrigin(r) {
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		h.logger.Error("failed to accept websocket", "error", err, "ip", r.RemoteAddr)
		return
	}
	defer func() {
		if closeErr := ws.Close(websocket.StatusNormalClosure, "session ended"); closeErr != nil {
			h.logger.Debug("failed to close websocket", "error", closeErr)
		}
	}()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	sess, resumed, err := h.handshake(ctx, ws)
	if err != nil {
		h.logger.Warn("handshake failed", "error", err, "ip", r.RemoteAddr)
		return
	}

	if err := h.reg.Register(ctx, sess, &wsSender{conn: ws}); err != nil {
		h.logger.Error("session registration failed", "session_id", sess.ID, "error", err)
		return
	}

	ack, err := protocol.NewEnvelope(sess.ID, protocol.TypeHandshakeAck, protocol.HandshakeAckPayload{
		SessionID:       sess.ID,
		ProtocolVersion: sess.ProtocolVersion,
		Resumed:         resumed,
	})
	if err == nil {
		err = h.writeEnvelope(ctx, ws, ack)
	}
	if err != nil {
		h.logger.Warn("failed to send handshake ack", "session_id", sess.ID, "error", err)
		h.reg.Disconnect(ctx, sess.ID, "handshake ack failed")
		return
	}

	h.readLoop(ctx, ws, sess)
}

// handshake reads and validates the opening message. The peer must send a
// handshake envelope within the configured timeout.
func (h *Handler) handshake(ctx context.Context, ws *websocket.Conn) (*domain.Session, bool, error) {
	hsCtx, cancel := context.WithTimeout(ctx, h.cfg.HandshakeTimeout)
	defer cancel()

	_, data, err := ws.Read(hsCtx)
	if err != nil {
		return nil, false, errors.New("no handshake before timeout")
	}

	env, err := protocol.Decode(data)
	if err != nil {
		h.replyProtocolError(ctx, ws, "", err)
		return nil, false, err
	}
	if env.Type != protocol.TypeHandshake {
		perr := &protocol.ProtocolError{Code: protocol.CodeBadPayload, Reason: "expected handshake"}
		h.replyProtocolError(ctx, ws, "", perr)
		return nil, false, perr
	}

	var hs protocol.HandshakePayload
	if err := protocol.DecodePayload(env, &hs); err != nil {
		h.replyProtocolError(ctx, ws, "", err)
		return nil, false, err
	}

	kind := domain.PeerKind(hs.PeerKind)
	if kind != domain.PeerKindIDE && kind != domain.PeerKindNode {
		perr := &protocol.ProtocolError{Code: protocol.CodeBadPayload, Reason: "unknown peer kind " + hs.PeerKind}
		h.replyProtocolError(ctx, ws, "", perr)
		return nil, false, perr
	}

	version := hs.ProtocolVersion
	if version == 0 {
		version = env.Version
	}
	if version != protocol.VersionLegacy && version != protocol.VersionCurrent {
		perr := &protocol.ProtocolError{Code: protocol.CodeUnsupportedVersion, Reason: "unsupported protocol version"}
		h.replyProtocolError(ctx, ws, "", perr)
		return nil, false, perr
	}

	if hs.ResumeSessionID != "" {
		if prev, ok := h.reg.Get(hs.ResumeSessionID); ok && prev.PeerID == hs.PeerID {
			prev.ProtocolVersion = version
			return prev, true, nil
		}
		// Resume target already closed; fall through to a fresh session.
		h.logger.Info("resume target not found, starting fresh session",
			"resume_session_id", hs.ResumeSessionID, "peer_id", hs.PeerID)
	}

	return &domain.Session{
		ID:              uuid.NewString(),
		PeerID:          hs.PeerID,
		Kind:            kind,
		GroupID:         hs.GroupID,
		State:           domain.StateConnecting,
		ProtocolVersion: version,
	}, false, nil
}

// readLoop pumps envelopes off the wire until the peer goes away. Malformed
// messages get explicit error replies; a sustained burst of them forces a
// disconnect.
func (h *Handler) readLoop(ctx context.Context, ws *websocket.Conn, sess *domain.Session) {
	window := h.cfg.MalformedWindow
	if window <= 0 {
		window = 10 * time.Second
	}
	burst := h.cfg.MalformedBurst
	if burst <= 0 {
		burst = 5
	}
	malformed := rate.NewLimiter(rate.Limit(float64(burst)/window.Seconds()), burst)

	for {
		_, data, err := ws.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) != -1 {
				h.logger.Debug("websocket closed by peer", "session_id", sess.ID)
			} else {
				h.logger.Warn("websocket read error", "session_id", sess.ID, "error", err)
			}
			h.reg.Disconnect(context.WithoutCancel(ctx), sess.ID, "connection lost")
			return
		}

		env, err := protocol.Decode(data)
		if err != nil {
			h.replyProtocolError(ctx, ws, sess.ID, err)
			if !malformed.Allow() {
				h.logger.Warn("malformed message burst, disconnecting peer",
					"session_id", sess.ID, "burst", burst, "window", window)
				_ = ws.Close(websocket.StatusPolicyViolation, "malformed message burst")
				h.reg.Disconnect(context.WithoutCancel(ctx), sess.ID, "malformed message burst")
				return
			}
			continue
		}

		h.reg.Touch(sess.ID)
		h.dispatch(ctx, ws, sess, env)
	}
}

func (h *Handler) checkOrigin(r *http.Request) bool {
	if h.isDev {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" || h.allowedOrigin == "*" {
		return true
	}
	if origin == h.allowedOrigin {
		return true
	}
	h.logger.Warn("websocket origin rejected", "origin", origin, "allowed", h.allowedOrigin)
	return false
}

func (h *Handler) writeEnvelope(ctx context.Context, ws *websocket.Conn, env *protocol.Envelope) error {
	data, err := protocol.Encode(env)
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return ws.Write(writeCtx, websocket.MessageText, data)
}

// replyProtocolError sends an explicit error envelope for a rejected message.
func (h *Handler) replyProtocolError(ctx context.Context, ws *websocket.Conn, sessionID string, err error) {
	code := protocol.CodeMalformed
	message := err.Error()
	var perr *protocol.ProtocolError
	if errors.As(err, &perr) {
		code = perr.Code
		message = perr.Reason
	}

	env, encErr := protocol.NewEnvelope(sessionID, protocol.TypeError, protocol.ErrorPayload{
		Code:    code,
		Message: message,
	})
	if encErr != nil {
		h.logger.Error("failed to build error reply", "error", encErr)
		return
	}
	if writeErr := h.writeEnvelope(ctx, ws, env); writeErr != nil {
		h.logger.Debug("failed to send error reply", "error", writeErr)
	}
}
