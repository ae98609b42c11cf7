package integration

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	apirest "github.com/kasuganosora/friendsync/api/rest"
	"github.com/kasuganosora/friendsync/api/sse"
	apows "github.com/kasuganosora/friendsync/api/ws"
	"github.com/kasuganosora/friendsync/audit"
	"github.com/kasuganosora/friendsync/cache"
	"github.com/kasuganosora/friendsync/config"
	mw "github.com/kasuganosora/friendsync/middleware"
	"github.com/kasuganosora/friendsync/scheduler"
	"github.com/kasuganosora/friendsync/social/gateway"
	"github.com/kasuganosora/friendsync/social/presence"
	"github.com/kasuganosora/friendsync/social/relation"
	"github.com/kasuganosora/friendsync/testutil"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
	"gorm.io/gorm"
)

const adminKey = "integration-admin-key"

// TestServer wraps a real HTTP server with the social engine wired together.
type TestServer struct {
	DB      *gorm.DB
	Cache   cache.Cache
	PubSub  cache.PubSub
	Audit   *audit.Service
	Rel     *relation.Service
	Tracker *presence.Tracker
	SM      *apows.SessionManager
	Sched   *scheduler.Scheduler
	Server  *httptest.Server
	URL     string // http://127.0.0.1:<port>
	WSURL   string // ws://127.0.0.1:<port>/ws
	Sec     config.SecurityConfig
}

// NewTestServer creates a fully wired server for integration testing.
// It mirrors the dependency wiring in main.go.
func NewTestServer(t *testing.T) *TestServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	// ---- Infrastructure ----
	db := testutil.SetupTestDB(t)
	c, pubsub := testutil.SetupTestCache(t)
	logger := zap.NewNop()

	sec := config.SecurityConfig{
		JWTSecret:      "integration-test-secret",
		RateLimitRPS:   1000,
		RateLimitBurst: 2000,
		AllowedOrigins: []string{}, // allow all origins
	}

	auditSvc := audit.New(db, logger)

	// ---- Social engine ----
	pub := gateway.NewPublisher(pubsub, 3, 5*time.Millisecond, logger)
	relSvc := relation.NewService(relation.NewStore(db), pub, auditSvc, relation.Options{}, logger)
	tracker := presence.NewTracker(c, db, relSvc, pub, presence.Options{}, logger)
	gw := gateway.New(pubsub, relSvc, tracker, 64, logger)

	sched := scheduler.New(logger)
	sched.AddTicker("presence_sweep", time.Second, func(ctx context.Context) error {
		_, err := tracker.Sweep(ctx)
		return err
	})

	// ---- Gin HTTP Server ----
	r := gin.New()
	r.Use(mw.TraceID(), mw.Recovery(logger))
	r.Use(mw.RateLimit(rate.Limit(sec.RateLimitRPS), sec.RateLimitBurst))

	r.GET("/health", func(ctx *gin.Context) {
		ctx.JSON(200, gin.H{"status": "ok"})
	})

	auth := mw.Auth(sec, c)
	api := r.Group("/api")
	{
		socialG := api.Group("/social", auth)
		apirest.NewSocialHandler(relSvc, tracker, logger).Register(socialG)

		adminG := api.Group("/admin", mw.IPWhitelist(sec.AdminIPs), mw.AdminKey(adminKey))
		apirest.NewAdminHandler(relSvc.Store(), auditSvc, tracker, sched, logger).Register(adminG)
	}

	sm := apows.NewSessionManager(logger)
	r.GET("/ws", auth, apows.NewHandler(tracker, gw, sm, sec, logger).ServeWS)
	r.GET("/sse", auth, sse.NewHandler(gw, time.Minute, logger).ServeSSE)

	server := httptest.NewServer(r)
	url := server.URL
	ts := &TestServer{
		DB:      db,
		Cache:   c,
		PubSub:  pubsub,
		Audit:   auditSvc,
		Rel:     relSvc,
		Tracker: tracker,
		SM:      sm,
		Sched:   sched,
		Server:  server,
		URL:     url,
		WSURL:   "ws" + strings.TrimPrefix(url, "http") + "/ws",
		Sec:     sec,
	}
	t.Cleanup(ts.Close)
	return ts
}

// Close shuts down the test server and background workers. Safe to call twice.
func (ts *TestServer) Close() {
	ts.SM.CloseAll(time.Second)
	ts.Server.Close()
	ts.Sched.Stop()
	ts.Tracker.Close()
	ts.Audit.Stop(context.Background())
}

// Token issues a JWT for user.
func (ts *TestServer) Token(t *testing.T, user string) string {
	t.Helper()
	token, err := mw.GenerateToken(user, ts.Sec.JWTSecret, time.Hour)
	require.NoError(t, err)
	return token
}

// --- HTTP helpers ---

// Do sends a request with an optional JSON body, Bearer token and extra
// header pairs.
func (ts *TestServer) Do(t *testing.T, method, path string, body interface{}, token string, headers ...string) *http.Response {
	t.Helper()
	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		bodyReader = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, ts.URL+path, bodyReader)
	require.NoError(t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

// PostJSON sends a POST request with JSON body and optional Bearer token.
func (ts *TestServer) PostJSON(t *testing.T, path string, body interface{}, token string) *http.Response {
	t.Helper()
	return ts.Do(t, http.MethodPost, path, body, token)
}

// Get sends a GET request with optional Bearer token.
func (ts *TestServer) Get(t *testing.T, path string, token string) *http.Response {
	t.Helper()
	return ts.Do(t, http.MethodGet, path, nil, token)
}

// Delete sends a DELETE request with JSON body and optional Bearer token.
func (ts *TestServer) Delete(t *testing.T, path string, body interface{}, token string) *http.Response {
	t.Helper()
	return ts.Do(t, http.MethodDelete, path, body, token)
}

// Admin sends an admin request carrying the admin key.
func (ts *TestServer) Admin(t *testing.T, method, path string) *http.Response {
	t.Helper()
	return ts.Do(t, method, path, nil, "", mw.AdminKeyHeader, adminKey)
}

// ReadJSON reads and decodes a JSON response body into the given target.
func ReadJSON(t *testing.T, resp *http.Response, target interface{}) {
	t.Helper()
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(data, target), "body: %s", string(data))
}

// ExpectStatus checks the response code and returns the decoded body.
func ExpectStatus(t *testing.T, resp *http.Response, want int) map[string]interface{} {
	t.Helper()
	var body map[string]interface{}
	ReadJSON(t, resp, &body)
	require.Equal(t, want, resp.StatusCode, "body: %v", body)
	return body
}

// --- WebSocket client ---

// WSClient wraps a gorilla/websocket connection for integration testing.
// Uses a background readLoop to avoid gorilla/websocket's SetReadDeadline bug.
type WSClient struct {
	Conn   *websocket.Conn
	t      *testing.T
	seq    uint64
	readCh chan readResult // buffered channel from readLoop
}

type readResult struct {
	data []byte
	err  error
}

// ConnectWS dials the test server's WS endpoint with the given JWT token.
func (ts *TestServer) ConnectWS(t *testing.T, token string) *WSClient {
	t.Helper()
	conn, resp, err := websocket.DefaultDialer.Dial(ts.WSURL+"?token="+token, nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	require.NoError(t, err, "WS dial failed")
	wc := &WSClient{Conn: conn, t: t, readCh: make(chan readResult, 256)}
	go wc.readLoop()
	t.Cleanup(wc.Close)
	return wc
}

// readLoop continuously reads from the websocket in a dedicated goroutine.
func (wc *WSClient) readLoop() {
	for {
		_, data, err := wc.Conn.ReadMessage()
		wc.readCh <- readResult{data, err}
		if err != nil {
			return
		}
	}
}

// Send writes a JSON message packet to the WebSocket.
func (wc *WSClient) Send(msgType string, payload interface{}) {
	wc.t.Helper()
	seq := atomic.AddUint64(&wc.seq, 1)
	payloadJSON, err := json.Marshal(payload)
	require.NoError(wc.t, err)
	data, err := json.Marshal(apows.Packet{Seq: seq, Type: msgType, Payload: payloadJSON})
	require.NoError(wc.t, err)
	require.NoError(wc.t, wc.Conn.WriteMessage(websocket.TextMessage, data))
}

// RecvAny reads one packet with a timeout, returning an error instead of
// failing the test.
func (wc *WSClient) RecvAny(timeout time.Duration) (apows.Packet, error) {
	select {
	case res := <-wc.readCh:
		if res.err != nil {
			return apows.Packet{}, res.err
		}
		var pkt apows.Packet
		err := json.Unmarshal(res.data, &pkt)
		return pkt, err
	case <-time.After(timeout):
		return apows.Packet{}, fmt.Errorf("read timeout")
	}
}

// RecvType reads packets until one with the given type is found.
func (wc *WSClient) RecvType(msgType string, timeout time.Duration) apows.Packet {
	wc.t.Helper()
	deadline := time.Now().Add(timeout)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			wc.t.Fatalf("timed out waiting for message type %q", msgType)
		}
		pkt, err := wc.RecvAny(remaining)
		if err != nil {
			wc.t.Fatalf("WS recv failed while waiting for %q: %v", msgType, err)
		}
		if pkt.Type == msgType {
			return pkt
		}
	}
}

// NextEvent returns the next social event, skipping other packets.
func (wc *WSClient) NextEvent(timeout time.Duration) gateway.Event {
	wc.t.Helper()
	pkt := wc.RecvType(apows.TypeSocialEvent, timeout)
	var ev gateway.Event
	require.NoError(wc.t, json.Unmarshal(pkt.Payload, &ev))
	return ev
}

// Close closes the WebSocket connection.
func (wc *WSClient) Close() {
	_ = wc.Conn.Close()
}

// --- SSE client ---

// SSEStream reads server-sent events.
type SSEStream struct {
	resp   *http.Response
	reader *bufio.Reader
	cancel context.CancelFunc
}

// OpenSSE connects to /sse as the holder of token.
func (ts *TestServer) OpenSSE(t *testing.T, token string) *SSEStream {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/sse?token="+token, nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	s := &SSEStream{resp: resp, reader: bufio.NewReader(resp.Body), cancel: cancel}
	t.Cleanup(s.Close)
	return s
}

// Next blocks for the next event and returns its name and decoded data.
func (s *SSEStream) Next(t *testing.T) (string, gateway.Event) {
	t.Helper()
	var name, data string
	for {
		line, err := s.reader.ReadString('\n')
		require.NoError(t, err)
		line = strings.TrimRight(line, "\n")
		switch {
		case strings.HasPrefix(line, "event: "):
			name = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			data = strings.TrimPrefix(line, "data: ")
		case line == "" && name != "":
			var ev gateway.Event
			require.NoError(t, json.Unmarshal([]byte(data), &ev))
			return name, ev
		}
	}
}

// Close ends the stream.
func (s *SSEStream) Close() {
	s.cancel()
	s.resp.Body.Close()
}

// UniqueID returns a short unique user id.
var testCounter uint64

func UniqueID(prefix string) string {
	n := atomic.AddUint64(&testCounter, 1)
	return fmt.Sprintf("%s_%d_%d", prefix, time.Now().UnixNano()%100000, n)
}
