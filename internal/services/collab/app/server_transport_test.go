package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"golang.org/x/net/websocket"

	apperrors "github.com/louisbranch/fracturing-collab/internal/platform/errors"
	"github.com/louisbranch/fracturing-collab/internal/services/collab/document"
	"github.com/louisbranch/fracturing-collab/internal/services/collab/protocol"
)

type authorizerFunc func(ctx context.Context, documentID, token string) (principal, error)

func (f authorizerFunc) Authorize(ctx context.Context, documentID, token string) (principal, error) {
	return f(ctx, documentID, token)
}

func testGatewayConfig() gatewayConfig {
	return gatewayConfig{
		idleTimeout:        5 * time.Second,
		maxFrameBytes:      1 << 16,
		maxOutboundFrames:  64,
		maxFramesPerSecond: 1000,
	}
}

func newTestGateway(t *testing.T, config gatewayConfig, auth authorizer) (*gateway, *httptest.Server) {
	t.Helper()
	if auth == nil {
		auth = anonymousAuthorizer{}
	}
	metrics := newInstruments(nil)
	g := &gateway{
		config:   config,
		registry: newRegistry(nil, testRoomConfig(), metrics),
		auth:     auth,
		metrics:  metrics,
	}
	srv := httptest.NewServer(newHandler(g))
	t.Cleanup(srv.Close)
	return g, srv
}

func dialDocument(t *testing.T, srv *httptest.Server, documentID, token string) *websocket.Conn {
	t.Helper()
	conn, err := dialDocumentErr(srv, documentID, token)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func dialDocumentErr(srv *httptest.Server, documentID, token string) (*websocket.Conn, error) {
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/" + documentID + "?token=" + token
	config, err := websocket.NewConfig(url, srv.URL)
	if err != nil {
		return nil, err
	}
	return websocket.DialConfig(config)
}

func sendFrame(t *testing.T, conn *websocket.Conn, data []byte) {
	t.Helper()
	if err := websocket.Message.Send(conn, data); err != nil {
		t.Fatalf("send: %v", err)
	}
}

func readFrame(t *testing.T, conn *websocket.Conn) protocol.Frame {
	t.Helper()
	if err := conn.SetReadDeadline(time.Now().Add(2 * time.Second)); err != nil {
		t.Fatalf("set deadline: %v", err)
	}
	var data []byte
	if err := websocket.Message.Receive(conn, &data); err != nil {
		t.Fatalf("receive: %v", err)
	}
	frame, err := protocol.Decode(data)
	if err != nil {
		t.Fatalf("decode frame: %v", err)
	}
	return frame
}

func readSyncReply(t *testing.T, conn *websocket.Conn) protocol.SyncReply {
	t.Helper()
	frame := readFrame(t, conn)
	if frame.Type != protocol.SyncStep2 {
		t.Fatalf("frame type = %s, want %s", frame.Type, protocol.SyncStep2)
	}
	reply, err := protocol.DecodeSyncStep2(frame.Body)
	if err != nil {
		t.Fatalf("decode sync reply: %v", err)
	}
	return reply
}

func syncWith(t *testing.T, conn *websocket.Conn, vector document.StateVector) protocol.SyncReply {
	t.Helper()
	frame, err := protocol.EncodeSyncStep1(vector)
	if err != nil {
		t.Fatalf("encode sync-step-1: %v", err)
	}
	sendFrame(t, conn, frame)
	return readSyncReply(t, conn)
}

func applyAll(t *testing.T, doc *document.Document, fragments [][]byte) {
	t.Helper()
	for _, fragment := range fragments {
		if _, err := doc.Apply(fragment); err != nil {
			t.Fatalf("apply: %v", err)
		}
	}
}

func TestGatewayRelaysAndCatchesUpLateJoiner(t *testing.T) {
	_, srv := newTestGateway(t, testGatewayConfig(), nil)

	a := dialDocument(t, srv, "doc1", "alice")
	syncWith(t, a, nil)
	b := dialDocument(t, srv, "doc1", "bob")
	syncWith(t, b, nil)

	alice := document.NewEditor("A", document.New())
	f1 := editFragment(t)(alice.Insert(0, "hello"))
	sendFrame(t, a, protocol.EncodeUpdate(f1))

	frame := readFrame(t, b)
	if frame.Type != protocol.Update {
		t.Fatalf("bob frame type = %s, want update", frame.Type)
	}
	bobDoc := document.New()
	applyAll(t, bobDoc, [][]byte{frame.Body})
	if got := bobDoc.Text(); got != "hello" {
		t.Fatalf("bob text = %q, want %q", got, "hello")
	}
	_ = b.Close()

	c := dialDocument(t, srv, "doc1", "carol")
	reply := syncWith(t, c, nil)
	carolDoc := document.New()
	applyAll(t, carolDoc, reply.Fragments)
	if got := carolDoc.Text(); got != "hello" {
		t.Fatalf("carol text = %q, want %q", got, "hello")
	}
	if diff := cmp.Diff(document.StateVector{"A": 1}, reply.Vector); diff != "" {
		t.Fatalf("server vector mismatch (-want +got):\n%s", diff)
	}
}

func TestGatewayDoesNotEchoUpdates(t *testing.T) {
	_, srv := newTestGateway(t, testGatewayConfig(), nil)
	a := dialDocument(t, srv, "doc1", "alice")
	syncWith(t, a, nil)

	editor := document.NewEditor("A", document.New())
	sendFrame(t, a, protocol.EncodeUpdate(editFragment(t)(editor.Insert(0, "x"))))

	reply := syncWith(t, a, editor.Document().StateVector())
	if len(reply.Fragments) != 0 {
		t.Fatalf("fragments = %d, want 0", len(reply.Fragments))
	}
	if diff := cmp.Diff(document.StateVector{"A": 1}, reply.Vector); diff != "" {
		t.Fatalf("server vector mismatch (-want +got):\n%s", diff)
	}
}

func TestGatewayRejectsMalformedUpdateForOriginatorOnly(t *testing.T) {
	_, srv := newTestGateway(t, testGatewayConfig(), nil)
	a := dialDocument(t, srv, "doc1", "alice")
	syncWith(t, a, nil)
	b := dialDocument(t, srv, "doc1", "bob")
	syncWith(t, b, nil)

	sendFrame(t, a, protocol.EncodeUpdate([]byte{0xff, 0x00, 0x13}))
	frame := readFrame(t, a)
	if frame.Type != protocol.Error {
		t.Fatalf("frame type = %s, want error", frame.Type)
	}
	body, err := protocol.DecodeError(frame.Body)
	if err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	if body.Code != string(apperrors.CodeMalformedUpdate) {
		t.Fatalf("error code = %q, want %q", body.Code, apperrors.CodeMalformedUpdate)
	}

	// The connection stays open and valid updates still flow.
	editor := document.NewEditor("A", document.New())
	sendFrame(t, a, protocol.EncodeUpdate(editFragment(t)(editor.Insert(0, "ok"))))
	frame = readFrame(t, b)
	if frame.Type != protocol.Update {
		t.Fatalf("bob frame type = %s, want update", frame.Type)
	}
}

func TestGatewayAcceptsUpdateAsFirstFrame(t *testing.T) {
	_, srv := newTestGateway(t, testGatewayConfig(), nil)
	a := dialDocument(t, srv, "doc1", "alice")

	editor := document.NewEditor("A", document.New())
	sendFrame(t, a, protocol.EncodeUpdate(editFragment(t)(editor.Insert(0, "first"))))
	readSyncReply(t, a)

	b := dialDocument(t, srv, "doc1", "bob")
	reply := syncWith(t, b, nil)
	doc := document.New()
	applyAll(t, doc, reply.Fragments)
	if got := doc.Text(); got != "first" {
		t.Fatalf("text = %q, want %q", got, "first")
	}
}

func TestGatewayRelaysAwareness(t *testing.T) {
	_, srv := newTestGateway(t, testGatewayConfig(), nil)
	a := dialDocument(t, srv, "doc1", "alice")
	syncWith(t, a, nil)
	b := dialDocument(t, srv, "doc1", "bob")
	syncWith(t, b, nil)

	update, err := protocol.EncodeAwarenessUpdate(protocol.AwarenessUpdate{Seq: 1, State: []byte("cursor:3")})
	if err != nil {
		t.Fatalf("encode awareness: %v", err)
	}
	sendFrame(t, a, update)

	frame := readFrame(t, b)
	if frame.Type != protocol.Awareness {
		t.Fatalf("frame type = %s, want awareness", frame.Type)
	}
	state, err := protocol.DecodeAwarenessState(frame.Body)
	if err != nil {
		t.Fatalf("decode awareness: %v", err)
	}
	if state.User != "alice" || state.Seq != 1 || string(state.State) != "cursor:3" || state.Departed {
		t.Fatalf("awareness = %+v", state)
	}

	_ = a.Close()
	frame = readFrame(t, b)
	state, err = protocol.DecodeAwarenessState(frame.Body)
	if err != nil {
		t.Fatalf("decode departure: %v", err)
	}
	if !state.Departed || state.User != "alice" {
		t.Fatalf("departure = %+v", state)
	}
}

func TestGatewayRejectsPlainHTTP(t *testing.T) {
	_, srv := newTestGateway(t, testGatewayConfig(), nil)

	resp, err := http.Get(srv.URL + "/ws/doc1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusUpgradeRequired {
		t.Fatalf("status = %d, want %d", resp.StatusCode, http.StatusUpgradeRequired)
	}

	resp, err = http.Post(srv.URL+"/ws/doc1", "application/octet-stream", nil)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("status = %d, want %d", resp.StatusCode, http.StatusMethodNotAllowed)
	}
	if got := resp.Header.Get("Allow"); got != http.MethodGet {
		t.Fatalf("Allow = %q", got)
	}
}

func TestGatewayDeniedConnectionCreatesNoRoom(t *testing.T) {
	deny := authorizerFunc(func(context.Context, string, string) (principal, error) {
		return principal{}, apperrors.New(apperrors.CodeUnauthorized, "denied")
	})
	g, srv := newTestGateway(t, testGatewayConfig(), deny)

	req, err := http.NewRequest(http.MethodGet, srv.URL+"/ws/doc1", nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Upgrade", "websocket")
	req.Header.Set("Connection", "Upgrade")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want %d", resp.StatusCode, http.StatusUnauthorized)
	}
	if got := g.registry.stats(context.Background()).Rooms; got != 0 {
		t.Fatalf("rooms = %d, want 0", got)
	}
}

func TestGatewayAuthorizerOutageIsUnavailable(t *testing.T) {
	failing := authorizerFunc(func(context.Context, string, string) (principal, error) {
		return principal{}, context.DeadlineExceeded
	})
	_, srv := newTestGateway(t, testGatewayConfig(), failing)

	req, err := http.NewRequest(http.MethodGet, srv.URL+"/ws/doc1", nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Upgrade", "websocket")
	req.Header.Set("Connection", "Upgrade")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want %d", resp.StatusCode, http.StatusServiceUnavailable)
	}
}

func TestGatewayRejectsDisallowedOrigin(t *testing.T) {
	config := testGatewayConfig()
	config.allowedOrigins = []string{"https://allowed.example"}
	_, srv := newTestGateway(t, config, nil)

	if conn, err := dialDocumentErr(srv, "doc1", "alice"); err == nil {
		_ = conn.Close()
		t.Fatal("expected handshake to fail for disallowed origin")
	}
}

func TestGatewayClosesOnOversizedFrame(t *testing.T) {
	config := testGatewayConfig()
	config.maxFrameBytes = 64
	_, srv := newTestGateway(t, config, nil)
	a := dialDocument(t, srv, "doc1", "alice")
	syncWith(t, a, nil)

	sendFrame(t, a, protocol.EncodeUpdate(make([]byte, 256)))
	frame := readFrame(t, a)
	if frame.Type != protocol.Error {
		t.Fatalf("frame type = %s, want error", frame.Type)
	}

	if err := a.SetReadDeadline(time.Now().Add(2 * time.Second)); err != nil {
		t.Fatalf("set deadline: %v", err)
	}
	var data []byte
	if err := websocket.Message.Receive(a, &data); err == nil {
		t.Fatal("expected connection to close after oversized frame")
	}
}

func TestHandlerHealthAndStats(t *testing.T) {
	g, _ := newTestGateway(t, testGatewayConfig(), nil)
	if _, err := g.registry.findOrCreate(context.Background(), "doc1"); err != nil {
		t.Fatalf("find or create: %v", err)
	}
	handler := newHandler(g)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/up", nil))
	if rec.Code != http.StatusOK || rec.Body.String() != "OK" {
		t.Fatalf("/up = %d %q", rec.Code, rec.Body.String())
	}

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/stats", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("/stats status = %d", rec.Code)
	}
	var stats registryStats
	if err := json.NewDecoder(rec.Body).Decode(&stats); err != nil {
		t.Fatalf("decode stats: %v", err)
	}
	if stats.Rooms != 1 || len(stats.Details) != 1 || stats.Details[0].DocumentID != "doc1" {
		t.Fatalf("stats = %+v", stats)
	}

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodDelete, "/stats", nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("DELETE /stats status = %d", rec.Code)
	}
}

func TestTokenFromRequestPrecedence(t *testing.T) {
	tests := []struct {
		name   string
		header string
		query  string
		cookie string
		want   string
	}{
		{name: "bearer wins", header: "Bearer header-token", query: "query-token", cookie: "cookie-token", want: "header-token"},
		{name: "query before cookie", query: "query-token", cookie: "cookie-token", want: "query-token"},
		{name: "cookie fallback", cookie: "cookie-token", want: "cookie-token"},
		{name: "non bearer header ignored", header: "Basic abc", want: ""},
		{name: "none", want: ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			target := "/ws/doc1"
			if tt.query != "" {
				target += "?token=" + tt.query
			}
			req := httptest.NewRequest(http.MethodGet, target, nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			if tt.cookie != "" {
				req.AddCookie(&http.Cookie{Name: tokenCookieName, Value: tt.cookie})
			}
			if got := tokenFromRequest(req); got != tt.want {
				t.Fatalf("token = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestFrameLimiter(t *testing.T) {
	limiter := frameLimiter{max: 2}
	start := time.Unix(100, 0)
	if !limiter.allow(start) || !limiter.allow(start) {
		t.Fatal("first two frames should pass")
	}
	if limiter.allow(start.Add(500 * time.Millisecond)) {
		t.Fatal("third frame in the window should be limited")
	}
	if !limiter.allow(start.Add(time.Second)) {
		t.Fatal("new window should reset the count")
	}
}

func TestGatewayRejectsStateFragmentUpdates(t *testing.T) {
	_, srv := newTestGateway(t, testGatewayConfig(), nil)
	mallory := dialDocument(t, srv, "doc1", "mallory")
	syncWith(t, mallory, nil)
	bob := dialDocument(t, srv, "doc1", "bob")
	syncWith(t, bob, nil)
	carol := dialDocument(t, srv, "doc1", "carol")
	syncWith(t, carol, nil)

	sendFrame(t, mallory, protocol.EncodeUpdate(forgedStateFragment(t, "B")))
	frame := readFrame(t, mallory)
	if frame.Type != protocol.Error {
		t.Fatalf("mallory frame type = %s, want error", frame.Type)
	}
	body, err := protocol.DecodeError(frame.Body)
	if err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	if body.Code != string(apperrors.CodeMalformedUpdate) {
		t.Fatalf("error code = %q, want %q", body.Code, apperrors.CodeMalformedUpdate)
	}

	editor := document.NewEditor("B", document.New())
	sendFrame(t, bob, protocol.EncodeUpdate(editFragment(t)(editor.Insert(0, "hello"))))
	frame = readFrame(t, carol)
	if frame.Type != protocol.Update {
		t.Fatalf("carol frame type = %s, want update", frame.Type)
	}
	doc := document.New()
	applyAll(t, doc, [][]byte{frame.Body})
	if got := doc.Text(); got != "hello" {
		t.Fatalf("carol text = %q, want %q", got, "hello")
	}
}

func TestGatewayIgnoresUnknownFrameTypes(t *testing.T) {
	_, srv := newTestGateway(t, testGatewayConfig(), nil)
	a := dialDocument(t, srv, "doc1", "alice")
	syncWith(t, a, nil)
	b := dialDocument(t, srv, "doc1", "bob")
	syncWith(t, b, nil)

	sendFrame(t, a, protocol.Encode(protocol.Type(0x09), []byte{0x01, 0x02}))
	editor := document.NewEditor("A", document.New())
	sendFrame(t, a, protocol.EncodeUpdate(editFragment(t)(editor.Insert(0, "still here"))))

	frame := readFrame(t, b)
	if frame.Type != protocol.Update {
		t.Fatalf("bob frame type = %s, want update", frame.Type)
	}
}

func TestGatewayIdleTimeoutAnnouncesDeparture(t *testing.T) {
	config := testGatewayConfig()
	config.idleTimeout = 300 * time.Millisecond
	_, srv := newTestGateway(t, config, nil)

	idle := dialDocument(t, srv, "doc1", "idle")
	syncWith(t, idle, nil)
	active := dialDocument(t, srv, "doc1", "active")
	syncWith(t, active, nil)

	// The active client keeps its own connection alive with resyncs while
	// waiting for the idle one to be dropped.
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		frame, err := protocol.EncodeSyncStep1(nil)
		if err != nil {
			t.Fatalf("encode sync-step-1: %v", err)
		}
		sendFrame(t, active, frame)
		got := readFrame(t, active)
		if got.Type == protocol.Awareness {
			state, err := protocol.DecodeAwarenessState(got.Body)
			if err != nil {
				t.Fatalf("decode awareness: %v", err)
			}
			if state.Departed && state.User == "idle" {
				return
			}
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatal("idle session departure was never announced")
}
