package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jholhewres/wabridge/pkg/wabridge/bridge"
	"github.com/jholhewres/wabridge/pkg/wabridge/config"
	"github.com/jholhewres/wabridge/pkg/wabridge/contacts"
	"github.com/jholhewres/wabridge/pkg/wabridge/driver"
	"github.com/jholhewres/wabridge/pkg/wabridge/driver/drivertest"
	"github.com/jholhewres/wabridge/pkg/wabridge/messages"
	"github.com/jholhewres/wabridge/pkg/wabridge/session"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond

	aliceID = "5511999990001@s.whatsapp.net"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type testEnv struct {
	handler http.Handler
	sess    *session.Manager
	fake    *drivertest.Fake
}

func newEnv(t *testing.T, cfg config.GatewayConfig, events ...driver.Event) *testEnv {
	t.Helper()
	fa := &drivertest.Factory{NewFake: func(int) *drivertest.Fake {
		f := drivertest.New()
		f.SetContacts(driver.Contact{ID: aliceID, DisplayName: "Alice Smith"})
		f.OnStart = func(f *drivertest.Fake) {
			for _, e := range events {
				f.Emit(e)
			}
		}
		return f
	}}

	dir := contacts.New(nil, quietLogger())
	cache := messages.New(messages.Config{DeepAttempts: 1}, quietLogger())
	m, err := session.New(session.Config{
		ReadyTimeout: time.Minute,
		PollInterval: time.Minute,
		PollAttempts: 1,
	}, fa.Driver, dir, cache, quietLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close(context.Background()) })
	require.NoError(t, m.Initialize(context.Background()))

	svc := bridge.New(m, dir, cache, quietLogger())
	g := New(svc, cfg, quietLogger())
	return &testEnv{handler: g.Handler(), sess: m, fake: fa.Last()}
}

func readyEnv(t *testing.T, cfg config.GatewayConfig) *testEnv {
	t.Helper()
	env := newEnv(t, cfg,
		driver.Event{Kind: driver.EventAuthenticated},
		driver.Event{Kind: driver.EventReady},
	)
	require.Eventually(t, env.sess.IsReady, waitFor, tick)
	require.Eventually(t, func() bool { return env.sess.Contacts().Len() == 1 }, waitFor, tick)
	return env
}

func (e *testEnv) do(method, path, body string, header ...string) *httptest.ResponseRecorder {
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func errorMessage(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var resp errorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp.Error.Message
}

func TestCompareTokens(t *testing.T) {
	assert.True(t, compareTokens("secret", "secret"))
	assert.False(t, compareTokens("secret", "secreT"))
	assert.False(t, compareTokens("short", "a-much-longer-token"))
}

func TestAuthMiddleware(t *testing.T) {
	env := newEnv(t, config.GatewayConfig{AuthToken: "s3cret"})

	tests := []struct {
		name   string
		path   string
		header []string
		want   int
	}{
		{"health is public", "/health", nil, http.StatusOK},
		{"missing header", "/api/status", nil, http.StatusUnauthorized},
		{"wrong scheme", "/api/status", []string{"Authorization", "Basic s3cret"}, http.StatusUnauthorized},
		{"wrong token", "/api/status", []string{"Authorization", "Bearer nope"}, http.StatusUnauthorized},
		{"valid token", "/api/status", []string{"Authorization", "Bearer s3cret"}, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := env.do(http.MethodGet, tt.path, "", tt.header...)
			assert.Equal(t, tt.want, rec.Code)
		})
	}
}

func TestCORSAndHeaders(t *testing.T) {
	env := newEnv(t, config.GatewayConfig{CORSOrigins: []string{"http://localhost:3000"}})

	rec := env.do(http.MethodOptions, "/api/status", "", "Origin", "http://localhost:3000")
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "http://localhost:3000", rec.Header().Get("Access-Control-Allow-Origin"))

	rec = env.do(http.MethodGet, "/api/status", "", "Origin", "http://evil.example")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	rec = env.do(http.MethodGet, "/health", "", "X-Request-ID", "req-42")
	assert.Equal(t, "req-42", rec.Header().Get("X-Request-ID"))
}

func TestStatusFor(t *testing.T) {
	assert.Equal(t, http.StatusServiceUnavailable, statusFor(fmt.Errorf("x: %w", bridge.ErrNotConnected)))
	assert.Equal(t, http.StatusNotFound, statusFor(bridge.ErrNotFound))
	assert.Equal(t, http.StatusNotFound, statusFor(bridge.ErrNoChallenge))
	assert.Equal(t, http.StatusBadRequest, statusFor(bridge.ErrInvalidArgument))
	assert.Equal(t, http.StatusConflict, statusFor(session.ErrRecoveryInProgress))
	assert.Equal(t, http.StatusBadGateway, statusFor(errors.New("upstream")))
}

func TestNotReady(t *testing.T) {
	env := newEnv(t, config.GatewayConfig{})

	rec := env.do(http.MethodPost, "/api/send", `{"recipient":"5511999990001","text":"hi"}`)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, errorMessage(t, rec), "not connected")

	rec = env.do(http.MethodGet, "/api/messages?contact=Alice", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	rec = env.do(http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, version, body["version"])
}

func TestMethodNotAllowed(t *testing.T) {
	env := newEnv(t, config.GatewayConfig{})
	assert.Equal(t, http.StatusMethodNotAllowed, env.do(http.MethodPost, "/api/status", "{}").Code)
	assert.Equal(t, http.StatusMethodNotAllowed, env.do(http.MethodGet, "/api/send", "").Code)
}

func TestStatus(t *testing.T) {
	env := readyEnv(t, config.GatewayConfig{})

	rec := env.do(http.MethodGet, "/api/status", "")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, true, body["ready"])
	assert.Equal(t, float64(1), body["contact_count"])
}

func TestQR(t *testing.T) {
	env := newEnv(t, config.GatewayConfig{}, driver.Event{Kind: driver.EventChallenge, Challenge: "2@abc,def"})
	require.Eventually(t, func() bool { return env.sess.Status().HasChallenge }, waitFor, tick)

	rec := env.do(http.MethodGet, "/api/qr", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "image/png", rec.Header().Get("Content-Type"))
	assert.NotZero(t, rec.Body.Len())

	rec = env.do(http.MethodGet, "/api/qr?format=json", "")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "2@abc,def", body["code"])
	assert.NotContains(t, body, "PNG")

	ready := readyEnv(t, config.GatewayConfig{})
	assert.Equal(t, http.StatusNotFound, ready.do(http.MethodGet, "/api/qr", "").Code)
}

func TestContacts(t *testing.T) {
	env := readyEnv(t, config.GatewayConfig{})

	rec := env.do(http.MethodGet, "/api/contacts?limit=5", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(1), decodeBody(t, rec)["count"])

	rec = env.do(http.MethodGet, "/api/contacts/find?name=alice", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), aliceID)

	assert.Equal(t, http.StatusNotFound, env.do(http.MethodGet, "/api/contacts/find?name=nobody", "").Code)
	assert.Equal(t, http.StatusBadRequest, env.do(http.MethodGet, "/api/contacts/find", "").Code)
}

func TestSend(t *testing.T) {
	env := readyEnv(t, config.GatewayConfig{})

	rec := env.do(http.MethodPost, "/api/send", `{"recipient":"5511999990001","text":"hello"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	body := decodeBody(t, rec)
	assert.Equal(t, aliceID, body["to"])
	assert.NotEmpty(t, body["message_id"])
	require.Len(t, env.fake.Sent(), 1)

	rec = env.do(http.MethodPost, "/api/send-to-contact", `{"name":"Alice","text":"again"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "Alice Smith", decodeBody(t, rec)["contact_name"])

	assert.Equal(t, http.StatusBadRequest, env.do(http.MethodPost, "/api/send", `{"recipient":"5511999990001"}`).Code)
	assert.Equal(t, http.StatusBadRequest, env.do(http.MethodPost, "/api/send", `not json`).Code)
	assert.Equal(t, http.StatusNotFound,
		env.do(http.MethodPost, "/api/send-to-contact", `{"name":"Nobody","text":"x"}`).Code)

	rec = env.do(http.MethodGet, "/api/messages/recent", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "again")

	rec = env.do(http.MethodGet, "/api/messages/search?q=hello", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), aliceID)
	assert.Equal(t, http.StatusBadRequest, env.do(http.MethodGet, "/api/messages/search", "").Code)
}

func TestSendUpstreamError(t *testing.T) {
	env := readyEnv(t, config.GatewayConfig{})
	env.fake.SetSendError(errors.New("stream closed"))

	rec := env.do(http.MethodPost, "/api/send", `{"recipient":"5511999990001","text":"hello"}`)
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Contains(t, errorMessage(t, rec), "stream closed")
}

func TestMessageActions(t *testing.T) {
	env := readyEnv(t, config.GatewayConfig{})

	ok := []struct {
		path string
		body string
	}{
		{"/api/react", `{"chat":"Alice","message_id":"m1","emoji":"👍"}`},
		{"/api/edit", `{"chat":"Alice","message_id":"m1","text":"fixed"}`},
		{"/api/delete", `{"chat":"Alice","message_id":"m1","for_everyone":true}`},
		{"/api/typing", `{"chat":"Alice","state":"typing"}`},
	}
	for _, tt := range ok {
		t.Run(tt.path, func(t *testing.T) {
			rec := env.do(http.MethodPost, tt.path, tt.body)
			require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
			assert.Equal(t, true, decodeBody(t, rec)["ok"])
		})
	}

	rec := env.do(http.MethodPost, "/api/reply", `{"chat":"Alice","message_id":"m1","text":"sure"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.NotEmpty(t, decodeBody(t, rec)["message_id"])

	assert.Equal(t, http.StatusBadRequest, env.do(http.MethodPost, "/api/typing", `{"chat":"Alice","state":"dancing"}`).Code)
	assert.Equal(t, http.StatusBadRequest, env.do(http.MethodPost, "/api/react", `{"chat":"Alice"}`).Code)
}

func TestGetAndFetchMore(t *testing.T) {
	env := readyEnv(t, config.GatewayConfig{})
	env.fake.AddHistory(driver.Message{
		ID:             "h1",
		ConversationID: aliceID,
		Body:           "from history",
		Timestamp:      time.Unix(1700000000, 0),
		Direction:      driver.Inbound,
	})

	rec := env.do(http.MethodGet, "/api/messages?contact=Alice&limit=5", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	body := decodeBody(t, rec)
	assert.Equal(t, aliceID, body["conversation_id"])
	assert.Contains(t, rec.Body.String(), "from history")

	rec = env.do(http.MethodPost, "/api/messages/fetch-more", `{"contact":"Alice","count":10}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, aliceID, decodeBody(t, rec)["conversation_id"])
}

func TestReconnect(t *testing.T) {
	env := readyEnv(t, config.GatewayConfig{})

	rec := env.do(http.MethodPost, "/api/reconnect", "")
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	assert.True(t, env.fake.Destroyed())
	assert.Equal(t, http.StatusMethodNotAllowed, env.do(http.MethodGet, "/api/reconnect", "").Code)
}

func TestStartStop(t *testing.T) {
	env := newEnv(t, config.GatewayConfig{})
	svc := bridge.New(env.sess, env.sess.Contacts(), env.sess.Messages(), quietLogger())
	g := New(svc, config.GatewayConfig{Address: "127.0.0.1:0"}, quietLogger())
	require.NoError(t, g.Start(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, g.Stop(ctx))

	assert.NoError(t, New(svc, config.GatewayConfig{}, nil).Stop(ctx))
}
