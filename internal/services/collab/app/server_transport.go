package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	otelcodes "go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/net/websocket"

	apperrors "github.com/louisbranch/fracturing-collab/internal/platform/errors"
	"github.com/louisbranch/fracturing-collab/internal/platform/id"
	"github.com/louisbranch/fracturing-collab/internal/platform/timeouts"
	"github.com/louisbranch/fracturing-collab/internal/services/collab/document"
	"github.com/louisbranch/fracturing-collab/internal/services/collab/protocol"
)

var (
	errRateLimited   = apperrors.New(apperrors.CodeRateLimited, "frame rate limit exceeded")
	errFrameTooBig   = apperrors.New(apperrors.CodeInvalidArgument, "frame too large")
	errTooManyFaults = apperrors.New(apperrors.CodeInvalidArgument, "too many undecodable frames")
)

type gatewayConfig struct {
	idleTimeout        time.Duration
	maxFrameBytes      int
	maxOutboundFrames  int
	maxFramesPerSecond int
	allowedOrigins     []string
}

// gateway turns HTTP upgrade requests into sessions attached to rooms.
type gateway struct {
	config   gatewayConfig
	registry *registry
	auth     authorizer
	metrics  *instruments
}

func newHandler(g *gateway) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/up", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
	mux.HandleFunc("/stats", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.Header().Set("Allow", http.MethodGet)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(g.registry.stats(r.Context())); err != nil {
			log.Printf("collab: encode stats: %v", err)
		}
	})
	mux.HandleFunc("/ws/{documentID}", g.handleWS)
	return mux
}

func (g *gateway) handleWS(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	documentID := strings.TrimSpace(r.PathValue("documentID"))
	if documentID == "" {
		http.Error(w, "document id is required", http.StatusBadRequest)
		return
	}
	if !isWebsocketUpgrade(r) {
		w.Header().Set("Upgrade", "websocket")
		http.Error(w, "Expected Websocket", http.StatusUpgradeRequired)
		return
	}

	p, err := g.authorize(r.Context(), documentID, tokenFromRequest(r))
	if err != nil {
		code := apperrors.CodeOf(err)
		if code == apperrors.CodeUnauthorized {
			log.Printf("collab: websocket unauthorized for document=%q remote=%s: %v", documentID, r.RemoteAddr, err)
			http.Error(w, "authentication required", http.StatusUnauthorized)
			return
		}
		log.Printf("collab: authorization unavailable for document=%q remote=%s: %v", documentID, r.RemoteAddr, err)
		http.Error(w, "authorization unavailable", http.StatusServiceUnavailable)
		return
	}

	server := websocket.Server{
		Handshake: g.checkOrigin,
		Handler: func(conn *websocket.Conn) {
			g.serveConn(conn, documentID, p)
		},
	}
	server.ServeHTTP(w, r)
}

func (g *gateway) authorize(ctx context.Context, documentID, token string) (principal, error) {
	ctx, span := tracer().Start(ctx, "collab.authorize",
		trace.WithAttributes(attribute.String("collab.document_id", documentID)))
	defer span.End()

	ctx, cancel := context.WithTimeout(ctx, timeouts.Authorize)
	defer cancel()
	p, err := g.auth.Authorize(ctx, documentID, token)
	if err == nil && strings.TrimSpace(p.UserID) == "" {
		err = apperrors.New(apperrors.CodeUnauthorized, "empty user id after authorization")
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(otelcodes.Error, string(apperrors.CodeOf(err)))
		return principal{}, err
	}
	span.SetAttributes(attribute.String("collab.user_id", p.UserID))
	return p, nil
}

func isWebsocketUpgrade(r *http.Request) bool {
	if !strings.EqualFold(strings.TrimSpace(r.Header.Get("Upgrade")), "websocket") {
		return false
	}
	for _, value := range strings.Split(r.Header.Get("Connection"), ",") {
		if strings.EqualFold(strings.TrimSpace(value), "upgrade") {
			return true
		}
	}
	return false
}

func tokenFromRequest(r *http.Request) string {
	if r == nil {
		return ""
	}
	if header := strings.TrimSpace(r.Header.Get("Authorization")); header != "" {
		if scheme, token, ok := strings.Cut(header, " "); ok && strings.EqualFold(scheme, "Bearer") {
			if token = strings.TrimSpace(token); token != "" {
				return token
			}
		}
	}
	if token := strings.TrimSpace(r.URL.Query().Get("token")); token != "" {
		return token
	}
	if cookie, err := r.Cookie(tokenCookieName); err == nil {
		return strings.TrimSpace(cookie.Value)
	}
	return ""
}

func (g *gateway) checkOrigin(_ *websocket.Config, r *http.Request) error {
	if len(g.config.allowedOrigins) == 0 {
		return nil
	}
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	for _, allowed := range g.config.allowedOrigins {
		if allowed == "*" || strings.EqualFold(allowed, origin) {
			return nil
		}
	}
	return fmt.Errorf("origin %q is not allowed", origin)
}

// serveConn runs one connection from sync to close. It owns the reader side;
// a writer goroutine drains the session's outbound queue.
func (g *gateway) serveConn(conn *websocket.Conn, documentID string, p principal) {
	conn.PayloadType = websocket.BinaryFrame
	conn.MaxPayloadBytes = g.config.maxFrameBytes
	ctx := conn.Request().Context()

	sessionID, err := id.NewID()
	if err != nil {
		log.Printf("collab: generate session id: %v", err)
		_ = conn.Close()
		return
	}
	s := newSession(sessionID, p.UserID, documentID, g.config.maxOutboundFrames)

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		g.writeLoop(conn, s)
	}()
	defer func() {
		s.close(nil)
		<-writerDone
		if err := s.err(); err != nil {
			log.Printf("collab: session=%s user=%q document=%q closed: %v", s.id, s.userID, documentID, err)
		}
	}()

	first, err := g.receive(conn)
	if err != nil {
		g.closeOnReadError(s, err)
		return
	}

	vector := document.StateVector{}
	pending := first
	if frame, err := protocol.Decode(first); err == nil && frame.Type == protocol.SyncStep1 {
		pending = nil
		if decoded, err := protocol.DecodeSyncStep1(frame.Body); err == nil {
			vector = decoded
		} else {
			sendError(s, apperrors.CodeInvalidArgument, "invalid sync-step-1 body")
		}
	}

	r, err := g.join(ctx, s, vector)
	if err != nil {
		log.Printf("collab: join document=%q session=%s: %v", documentID, s.id, err)
		sendError(s, apperrors.CodeOf(err), "document unavailable")
		return
	}
	defer r.unregister(s)

	limiter := frameLimiter{max: g.config.maxFramesPerSecond}
	decodeErrors := 0
	data := pending
	for {
		if data != nil {
			if !limiter.allow(time.Now()) {
				sendError(s, apperrors.CodeRateLimited, "rate limit exceeded")
				s.close(errRateLimited)
				return
			}
			if g.dispatch(r, s, data) {
				decodeErrors++
				if decodeErrors >= maxDecodeErrorsPerConn {
					s.close(errTooManyFaults)
					return
				}
			} else {
				decodeErrors = 0
			}
		}
		if s.closed() {
			return
		}
		data, err = g.receive(conn)
		if err != nil {
			g.closeOnReadError(s, err)
			return
		}
	}
}

func (g *gateway) join(ctx context.Context, s *session, vector document.StateVector) (*room, error) {
	ctx, span := tracer().Start(ctx, "collab.room.register",
		trace.WithAttributes(
			attribute.String("collab.document_id", s.documentID),
			attribute.String("collab.session_id", s.id),
		))
	defer span.End()

	for {
		r, err := g.registry.findOrCreate(ctx, s.documentID)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(otelcodes.Error, "find room")
			return nil, err
		}
		if err := r.register(s, vector); err != nil {
			if isRoomClosed(err) {
				continue
			}
			span.RecordError(err)
			span.SetStatus(otelcodes.Error, "register")
			return nil, err
		}
		return r, nil
	}
}

// dispatch routes one inbound frame and reports whether it could not be
// decoded.
func (g *gateway) dispatch(r *room, s *session, data []byte) bool {
	frame, err := protocol.Decode(data)
	if err != nil {
		sendError(s, apperrors.CodeInvalidArgument, "empty frame")
		return true
	}
	switch frame.Type {
	case protocol.SyncStep1:
		vector, err := protocol.DecodeSyncStep1(frame.Body)
		if err != nil {
			sendError(s, apperrors.CodeInvalidArgument, "invalid sync-step-1 body")
			return true
		}
		if err := r.resync(s, vector); err != nil {
			log.Printf("collab: resync session=%s: %v", s.id, err)
		}
	case protocol.SyncStep2:
		reply, err := protocol.DecodeSyncStep2(frame.Body)
		if err != nil {
			sendError(s, apperrors.CodeInvalidArgument, "invalid sync-step-2 body")
			return true
		}
		for _, fragment := range reply.Fragments {
			g.applyUpdate(r, s, fragment)
		}
	case protocol.Update:
		g.applyUpdate(r, s, frame.Body)
	case protocol.Awareness:
		update, err := protocol.DecodeAwarenessUpdate(frame.Body)
		if err != nil {
			sendError(s, apperrors.CodeInvalidArgument, "invalid awareness body")
			return true
		}
		if _, err := r.receiveAwareness(s, update); err != nil {
			log.Printf("collab: awareness session=%s: %v", s.id, err)
		}
	case protocol.Error:
		if body, err := protocol.DecodeError(frame.Body); err == nil {
			log.Printf("collab: client error session=%s code=%s: %s", s.id, body.Code, body.Message)
		}
	default:
		// Newer clients may speak frame types this server does not know.
	}
	return false
}

func (g *gateway) applyUpdate(r *room, s *session, fragment []byte) {
	err := r.receiveUpdate(s, fragment)
	if err == nil {
		return
	}
	if apperrors.CodeOf(err) == apperrors.CodeMalformedUpdate {
		log.Printf("collab: rejected update session=%s document=%q: %v", s.id, s.documentID, err)
		sendError(s, apperrors.CodeMalformedUpdate, err.Error())
		return
	}
	log.Printf("collab: update session=%s document=%q: %v", s.id, s.documentID, err)
}

func sendError(s *session, code apperrors.Code, message string) {
	frame, err := protocol.EncodeError(string(code), message)
	if err != nil {
		log.Printf("collab: encode error frame: %v", err)
		return
	}
	if !s.enqueue(frame) {
		s.close(apperrors.ErrBufferOverflow)
	}
}

func (g *gateway) receive(conn *websocket.Conn) ([]byte, error) {
	if g.config.idleTimeout > 0 {
		if err := conn.SetReadDeadline(time.Now().Add(g.config.idleTimeout)); err != nil {
			return nil, err
		}
	}
	var data []byte
	if err := websocket.Message.Receive(conn, &data); err != nil {
		return nil, err
	}
	return data, nil
}

func (g *gateway) closeOnReadError(s *session, err error) {
	if s.closed() {
		return
	}
	var netErr net.Error
	switch {
	case errors.Is(err, io.EOF):
		s.close(nil)
	case errors.Is(err, websocket.ErrFrameTooLarge):
		sendError(s, apperrors.CodeInvalidArgument, "frame too large")
		s.close(errFrameTooBig)
	case errors.As(err, &netErr) && netErr.Timeout():
		s.close(apperrors.ErrIdleTimeout)
	default:
		s.close(apperrors.Wrap(apperrors.CodeTransportFailure, "read frame", err))
	}
}

// writeLoop sends queued frames in order. When the session closes for any
// reason but overflow, frames already queued are flushed first.
func (g *gateway) writeLoop(conn *websocket.Conn, s *session) {
	defer func() { _ = conn.Close() }()
	for {
		select {
		case frame := <-s.outbound:
			if err := writeFrame(conn, frame); err != nil {
				s.close(apperrors.Wrap(apperrors.CodeTransportFailure, "write frame", err))
				return
			}
		case <-s.done:
			if errors.Is(s.err(), apperrors.ErrBufferOverflow) {
				return
			}
			for {
				select {
				case frame := <-s.outbound:
					if err := writeFrame(conn, frame); err != nil {
						return
					}
				default:
					return
				}
			}
		}
	}
}

func writeFrame(conn *websocket.Conn, frame []byte) error {
	if err := conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	return websocket.Message.Send(conn, frame)
}

// frameLimiter counts frames in fixed one-second windows.
type frameLimiter struct {
	max         int
	windowStart time.Time
	count       int
}

func (l *frameLimiter) allow(now time.Time) bool {
	if l.max <= 0 {
		return true
	}
	if now.Sub(l.windowStart) >= time.Second {
		l.windowStart = now
		l.count = 0
	}
	l.count++
	return l.count <= l.max
}
