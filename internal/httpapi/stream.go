package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"golang.org/x/time/rate"
	"nhooyr.io/websocket"

	"github.com/agentworkforce/relayinbox/internal/inbox"
)

// wsConn adapts a websocket to inbox.Conn. Close does not wait for the
// peer's close frame so the registry never blocks on a slow client.
type wsConn struct {
	c *websocket.Conn
}

func (w wsConn) Send(ctx context.Context, payload []byte) error {
	return w.c.Write(ctx, websocket.MessageText, payload)
}

func (w wsConn) Close(reason string) error {
	go func() { _ = w.c.Close(closeStatus(reason), closeReason(reason)) }()
	return nil
}

func closeStatus(reason string) websocket.StatusCode {
	switch {
	case reason == "shutdown":
		return websocket.StatusGoingAway
	case strings.Contains(reason, "overflow"):
		return websocket.StatusTryAgainLater
	case strings.HasPrefix(reason, "handshake"), strings.Contains(reason, "rate limit"):
		return websocket.StatusPolicyViolation
	}
	return websocket.StatusNormalClosure
}

// closeReason trims reason to what fits in a close frame.
func closeReason(reason string) string {
	if len(reason) > 120 {
		return reason[:120]
	}
	return reason
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: s.cfg.AllowedOrigins})
	if err != nil {
		s.logger.Debug("websocket accept failed", "error", err)
		return
	}
	conn.SetReadLimit(s.cfg.MaxFrameBytes)

	registry := s.engine.Registry
	session := registry.Register(wsConn{c: conn})
	defer registry.CloseSession(session.ID, "client disconnected")

	// A registry-initiated close sends a close frame; Read returns once the
	// peer answers it or the close handshake times out.
	ctx := r.Context()
	limiter := rate.NewLimiter(rate.Limit(s.cfg.FrameRate), s.cfg.FrameBurst)
	strikes := 0
	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			if status := websocket.CloseStatus(err); status == -1 && ctx.Err() == nil {
				s.logger.Debug("stream read failed", "session_id", session.ID, "error", err)
			}
			return
		}
		registry.Touch(session.ID)
		if !limiter.Allow() {
			strikes++
			if strikes > s.cfg.FrameBurst {
				_ = registry.SendAndClose(session.ID, errorPayload("rate_limited", "too many frames"), "rate limit exceeded")
				continue
			}
			_ = registry.Send(session.ID, errorPayload("rate_limited", "too many frames"))
			continue
		}
		strikes = 0
		if typ != websocket.MessageText {
			_ = registry.Send(session.ID, errorPayload("invalid_frame", "binary frames are not supported"))
			continue
		}
		frame, err := decodeClientFrame(data)
		if err != nil {
			_ = registry.Send(session.ID, errorPayload("invalid_frame", err.Error()))
			continue
		}
		s.handleFrame(session, frame)
	}
}

func (s *Server) handleFrame(session *inbox.Session, frame clientFrame) {
	registry := s.engine.Registry
	switch frame.Type {
	case framePing:
		_ = registry.Send(session.ID, encodeFrame(pongFrame{Type: "pong"}))
		return
	case frameConnect:
		if session.State() != inbox.SessionConnecting {
			_ = registry.Send(session.ID, errorPayload("already_connected", "session is already connected"))
			return
		}
		claims, authErr := authorizeToken(frame.Token, s.cfg.JWTSecret, ScopeStreamRead, s.now())
		if authErr != nil {
			s.logger.Info("stream handshake rejected", "session_id", session.ID, "reason", authErr.message)
			_ = registry.SendAndClose(session.ID, errorPayload(authErr.code, authErr.message), "handshake rejected")
			return
		}
		if err := registry.Open(session.ID, inbox.Scope{Subject: claims.Subject, Channels: claims.Channels}); err != nil {
			return
		}
		_ = registry.Send(session.ID, ackPayload(frameConnect, ""))
		return
	}

	if session.State() != inbox.SessionOpen {
		_ = registry.Send(session.ID, errorPayload("handshake_required", "first frame must be connect"))
		return
	}
	var err error
	switch frame.Type {
	case frameSubscribe:
		_, err = registry.Subscribe(session.ID, frame.Topic)
	case frameUnsubscribe:
		_, err = registry.Unsubscribe(session.ID, frame.Topic)
	}
	if err != nil {
		if errors.Is(err, inbox.ErrSessionGone) {
			return
		}
		_ = registry.Send(session.ID, errorPayload(subscriptionErrorCode(err), err.Error()))
		return
	}
	_ = registry.Send(session.ID, ackPayload(frame.Type, frame.Topic))
}

func subscriptionErrorCode(err error) string {
	switch {
	case errors.Is(err, inbox.ErrInvalidInput):
		return "invalid_topic"
	case errors.Is(err, inbox.ErrForbidden):
		return "forbidden"
	case errors.Is(err, inbox.ErrNotFound):
		return "not_found"
	}
	return "internal_error"
}
