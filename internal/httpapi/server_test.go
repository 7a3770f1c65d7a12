package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaybot-dev/relaybot/internal/plugins"
	"github.com/relaybot-dev/relaybot/internal/transport"
)

type fakeConn struct {
	state       transport.State
	connectedAt time.Time
	attempt     int
}

func (f *fakeConn) State() transport.State { return f.state }
func (f *fakeConn) ConnectedAt() time.Time { return f.connectedAt }
func (f *fakeConn) Attempt() int           { return f.attempt }

type fakeStorePinger struct {
	err error
}

func (f *fakeStorePinger) Ping(ctx context.Context) error { return f.err }

type fakeRegistry struct {
	descs []plugins.Descriptor
	stats map[string]plugins.Stats
	err   error
}

func (f *fakeRegistry) Descriptors() []plugins.Descriptor { return f.descs }
func (f *fakeRegistry) Stats() map[string]plugins.Stats   { return f.stats }
func (f *fakeRegistry) ReloadAll() error                  { return f.err }

func newTestServer(deps Deps) *Server {
	return New(deps)
}

func TestHandleHealth_AlwaysReturns200(t *testing.T) {
	s := newTestServer(Deps{BotName: "relaybot"})
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()

	s.Engine().ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
}

func TestHandleSummary_ReportsBotNameAndState(t *testing.T) {
	s := newTestServer(Deps{
		BotName:   "relaybot",
		Mode:      "public",
		StartedAt: time.Now().Add(-time.Minute),
		Conn:      &fakeConn{state: transport.StateRunning},
	})
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	w := httptest.NewRecorder()

	s.Engine().ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "relaybot", body["name"])
	assert.Equal(t, "running", body["status"])
}

func TestHandleMongoHealth_ReportsUnhealthyOnPingError(t *testing.T) {
	s := newTestServer(Deps{Store: &fakeStorePinger{err: errors.New("connection refused")}})
	req := httptest.NewRequest(http.MethodGet, "/api/mongodb-health", nil)
	w := httptest.NewRecorder()

	s.Engine().ServeHTTP(w, req)

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestHandleMongoHealth_ReportsHealthyOnSuccess(t *testing.T) {
	s := newTestServer(Deps{Store: &fakeStorePinger{}})
	req := httptest.NewRequest(http.MethodGet, "/api/mongodb-health", nil)
	w := httptest.NewRecorder()

	s.Engine().ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
}

func TestHandleMongoHealth_NoStoreIsUnavailable(t *testing.T) {
	s := newTestServer(Deps{})
	req := httptest.NewRequest(http.MethodGet, "/api/mongodb-health", nil)
	w := httptest.NewRecorder()

	s.Engine().ServeHTTP(w, req)

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestHandleConnectionStats_ReportsConnState(t *testing.T) {
	conn := &fakeConn{state: transport.StateReconnecting, attempt: 3}
	s := newTestServer(Deps{Conn: conn})
	req := httptest.NewRequest(http.MethodGet, "/api/connection-stats", nil)
	w := httptest.NewRecorder()

	s.Engine().ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "reconnecting", body["state"])
	assert.EqualValues(t, 3, body["reconnect_attempt"])
}

func TestHandlePlugins_SanitizesDescriptorFields(t *testing.T) {
	reg := &fakeRegistry{descs: []plugins.Descriptor{
		{Name: "ping", Usage: "<script>alert(1)</script>.ping", Category: "utility"},
	}}
	s := newTestServer(Deps{Registry: reg})
	req := httptest.NewRequest(http.MethodGet, "/plugins", nil)
	w := httptest.NewRecorder()

	s.Engine().ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	assert.NotContains(t, w.Body.String(), "<script>")
}

func TestHandlePluginStats_EmptyRegistryReturnsEmptyMap(t *testing.T) {
	s := newTestServer(Deps{})
	req := httptest.NewRequest(http.MethodGet, "/plugins/stats", nil)
	w := httptest.NewRecorder()

	s.Engine().ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
}

func TestHandleReloadPlugins_RequiresAPIKeyWhenConfigured(t *testing.T) {
	reg := &fakeRegistry{}
	s := newTestServer(Deps{Registry: reg, APIKey: "secret-key"})
	req := httptest.NewRequest(http.MethodPost, "/plugins/reload-all", nil)
	w := httptest.NewRecorder()

	s.Engine().ServeHTTP(w, req)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestHandleReloadPlugins_SucceedsWithCorrectAPIKey(t *testing.T) {
	reg := &fakeRegistry{}
	s := newTestServer(Deps{Registry: reg, APIKey: "secret-key"})
	req := httptest.NewRequest(http.MethodPost, "/plugins/reload-all", nil)
	req.Header.Set("X-API-Key", "secret-key")
	w := httptest.NewRecorder()

	s.Engine().ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
}

func TestHandleReloadPlugins_NoConfiguredKeyAllowsAnyCaller(t *testing.T) {
	reg := &fakeRegistry{}
	s := newTestServer(Deps{Registry: reg})
	req := httptest.NewRequest(http.MethodPost, "/plugins/reload-all", nil)
	w := httptest.NewRecorder()

	s.Engine().ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
}

func TestHandleReloadPlugins_PropagatesRegistryError(t *testing.T) {
	reg := &fakeRegistry{err: errors.New("manifest parse failed")}
	s := newTestServer(Deps{Registry: reg})
	req := httptest.NewRequest(http.MethodPost, "/plugins/reload-all", nil)
	w := httptest.NewRecorder()

	s.Engine().ServeHTTP(w, req)

	assert.Equal(t, http.StatusInternalServerError, w.Code)
}

func TestHandleForceGC_ReportsHeapBeforeAndAfter(t *testing.T) {
	s := newTestServer(Deps{})
	req := httptest.NewRequest(http.MethodPost, "/api/force-gc", nil)
	w := httptest.NewRecorder()

	s.Engine().ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Contains(t, body, "heap_before")
	assert.Contains(t, body, "heap_after")
}

func TestShutdownGate_Returns503DuringShutdown(t *testing.T) {
	s := newTestServer(Deps{})
	s.BeginShutdown()

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	s.Engine().ServeHTTP(w, req)

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestSecurityHeaders_SetOnEveryResponse(t *testing.T) {
	s := newTestServer(Deps{})
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()

	s.Engine().ServeHTTP(w, req)

	assert.Equal(t, "nosniff", w.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "DENY", w.Header().Get("X-Frame-Options"))
	assert.NotEmpty(t, w.Header().Get("Content-Security-Policy"))
}

func TestRequestID_GeneratesWhenAbsent(t *testing.T) {
	s := newTestServer(Deps{})
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()

	s.Engine().ServeHTTP(w, req)

	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))
}

func TestRequestID_PreservesIncomingHeader(t *testing.T) {
	s := newTestServer(Deps{})
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("X-Request-ID", "trace-123")
	w := httptest.NewRecorder()

	s.Engine().ServeHTTP(w, req)

	assert.Equal(t, "trace-123", w.Header().Get("X-Request-ID"))
}

func TestIPRateLimiter_BlocksAfterBurstExhausted(t *testing.T) {
	l := newIPRateLimiter(2, time.Minute)
	assert.True(t, l.allow("1.2.3.4"))
	assert.True(t, l.allow("1.2.3.4"))
	assert.False(t, l.allow("1.2.3.4"))
}

func TestIPRateLimiter_TracksCallersIndependently(t *testing.T) {
	l := newIPRateLimiter(1, time.Minute)
	assert.True(t, l.allow("1.1.1.1"))
	assert.True(t, l.allow("2.2.2.2"))
}

func TestHashAPIKey_EmptyInputYieldsEmptyHash(t *testing.T) {
	assert.Equal(t, "", hashAPIKey(""))
}

func TestHashAPIKey_RoundTripsThroughRequireAPIKey(t *testing.T) {
	hash := hashAPIKey("correct-horse")
	require.NotEmpty(t, hash)

	reg := &fakeRegistry{}
	s := newTestServer(Deps{Registry: reg})
	s.apiKeyHash = hash

	req := httptest.NewRequest(http.MethodPost, "/plugins/reload-all", nil)
	req.Header.Set("X-API-Key", "wrong-password")
	w := httptest.NewRecorder()
	s.Engine().ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	req2 := httptest.NewRequest(http.MethodPost, "/plugins/reload-all", nil)
	req2.Header.Set("X-API-Key", "correct-horse")
	w2 := httptest.NewRecorder()
	s.Engine().ServeHTTP(w2, req2)
	assert.Equal(t, http.StatusOK, w2.Code)
}

func TestAllowedMethods_RejectsDelete(t *testing.T) {
	s := newTestServer(Deps{})
	req := httptest.NewRequest(http.MethodDelete, "/health", nil)
	w := httptest.NewRecorder()

	s.Engine().ServeHTTP(w, req)

	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
}

func TestAllowedMethods_AllowsGetAndPost(t *testing.T) {
	s := newTestServer(Deps{Registry: &fakeRegistry{}})
	req := httptest.NewRequest(http.MethodPost, "/plugins/reload-all", nil)
	w := httptest.NewRecorder()

	s.Engine().ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
}

func TestRequestSizeLimit_RejectsOversizedBody(t *testing.T) {
	s := newTestServer(Deps{Registry: &fakeRegistry{}})
	req := httptest.NewRequest(http.MethodPost, "/plugins/reload-all", nil)
	req.ContentLength = maxRequestBodyBytes + 1
	w := httptest.NewRecorder()

	s.Engine().ServeHTTP(w, req)

	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
}

func TestRequestTimeout_ExcludesWebsocketPath(t *testing.T) {
	s := newTestServer(Deps{})
	req := httptest.NewRequest(http.MethodGet, "/ws/events", nil)
	w := httptest.NewRecorder()

	assert.NotPanics(t, func() {
		s.Engine().ServeHTTP(w, req)
	})
}

func TestEventBroadcaster_DropsSlowClientRatherThanBlocking(t *testing.T) {
	b := NewEventBroadcaster()
	slow := &wsClient{send: make(chan []byte)} // unbuffered, nobody reads
	b.register(slow)

	done := make(chan struct{})
	go func() {
		b.Broadcast("test", map[string]string{"x": "y"})
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Broadcast blocked on a slow client instead of dropping it")
	}
}
