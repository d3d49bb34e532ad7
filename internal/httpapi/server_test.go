package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/horizon/dm-app/internal/auth"
	"github.com/horizon/dm-app/internal/directory"
	"github.com/horizon/dm-app/internal/dm"
	"github.com/horizon/dm-app/internal/hub"
	"github.com/horizon/dm-app/internal/message"
	"github.com/horizon/dm-app/internal/ws"
)

func init() {
	gin.SetMode(gin.TestMode)
}

const testSecret = "httpapi-test-secret"

type denyAll struct{}

func (denyAll) Allow(context.Context, string) (bool, error) { return false, nil }

type brokenStore struct{ message.Store }

func (brokenStore) Append(context.Context, *message.Message) error {
	return errors.New("db down")
}

type testEnv struct {
	router http.Handler
	auth   *auth.Authenticator
	hub    *hub.Hub
	ws     *ws.Server
	deps   dm.Deps
}

func newTestEnv(t *testing.T, mutate func(*dm.Deps)) *testEnv {
	t.Helper()
	dir := directory.NewMemoryDirectory(
		directory.User{ID: "1", FullName: "Alice Anders", CurrentCompany: "Acme"},
		directory.User{ID: "2", FullName: "Bob Alvarez", CurrentCompany: "Initech"},
		directory.User{ID: "3", FullName: "Carol Chen", CurrentCompany: "Globalink"},
	)
	index := directory.NewIndex(dir, 0)
	require.NoError(t, index.Refresh(context.Background()))

	h := hub.New()
	deps := dm.Deps{Store: message.NewMemoryStore(), Directory: dir, Index: index, Hub: h}
	if mutate != nil {
		mutate(&deps)
	}

	authn := auth.NewAuthenticator(testSecret, time.Hour)
	wsSrv := ws.NewServer(ws.DefaultServerConfig(), ws.Dispatch)
	srv := New(Deps{
		Service: dm.NewService(dm.DefaultConfig(), deps),
		Auth:    authn,
		WS:      wsSrv,
		Index:   index,
	})
	return &testEnv{router: srv.Router(), auth: authn, hub: h, ws: wsSrv, deps: deps}
}

func (e *testEnv) token(t *testing.T, userID string) string {
	t.Helper()
	tok, err := e.auth.Issue(userID)
	require.NoError(t, err)
	return tok
}

func (e *testEnv) do(t *testing.T, method, path, userID string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != nil {
		switch b := body.(type) {
		case string:
			r = strings.NewReader(b)
		default:
			data, err := json.Marshal(b)
			require.NoError(t, err)
			r = bytes.NewReader(data)
		}
	}

	req := httptest.NewRequest(method, path, r)
	req.Header.Set("Content-Type", "application/json")
	if userID != "" {
		req.Header.Set("Authorization", "Bearer "+e.token(t, userID))
	}
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func send(receiver, body string) map[string]string {
	return map[string]string{"receiver_id": receiver, "message": body}
}

func TestRequiresToken(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.do(t, http.MethodGet, "/api/messages/2", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "UNAUTHORIZED", decode[errorResponse](t, rec).Error.Code)

	req := httptest.NewRequest(http.MethodGet, "/api/messages/2", nil)
	req.Header.Set("Authorization", "Bearer nonsense")
	rec = httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestTokenFromQuery(t *testing.T) {
	env := newTestEnv(t, nil)

	req := httptest.NewRequest(http.MethodGet, "/api/messages/2?token="+env.token(t, "1"), nil)
	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestSendAndHistory(t *testing.T) {
	req := require.New(t)
	env := newTestEnv(t, nil)

	rec := env.do(t, http.MethodPost, "/api/messages", "1", send("2", "hi"))
	req.Equal(http.StatusOK, rec.Code, rec.Body.String())
	first := decode[message.Message](t, rec)
	req.Equal("1", first.SenderID)
	req.Equal("2", first.ReceiverID)
	req.Equal("hi", first.Body)
	req.NotZero(first.ID)
	req.False(first.CreatedAt.IsZero())

	rec = env.do(t, http.MethodPost, "/api/messages", "2", send("1", "hello"))
	req.Equal(http.StatusOK, rec.Code, rec.Body.String())

	for _, caller := range []struct{ user, peer string }{{"1", "2"}, {"2", "1"}} {
		rec = env.do(t, http.MethodGet, "/api/messages/"+caller.peer, caller.user, nil)
		req.Equal(http.StatusOK, rec.Code)
		history := decode[[]map[string]interface{}](t, rec)
		req.Len(history, 2)
		req.Equal("1", history[0]["sender_id"])
		req.Equal("hi", history[0]["message"])
		req.Equal("2", history[1]["sender_id"])
		req.Equal("hello", history[1]["message"])
	}
}

func TestEmptyHistoryIsAList(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.do(t, http.MethodGet, "/api/messages/3", "1", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `[]`, rec.Body.String())
}

func TestSendErrors(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*dm.Deps)
		body   interface{}
		status int
		code   string
	}{
		{"empty body", nil, send("2", "   "), http.StatusBadRequest, "EMPTY_BODY"},
		{"too long", nil, send("2", strings.Repeat("x", 2001)), http.StatusBadRequest, "BODY_TOO_LONG"},
		{"unknown recipient", nil, send("404", "hi"), http.StatusBadRequest, "INVALID_RECIPIENT"},
		{"self", nil, send("1", "hi"), http.StatusBadRequest, "SELF_MESSAGE"},
		{"malformed json", nil, `{"receiver_id":`, http.StatusBadRequest, "INVALID_REQUEST"},
		{"rate limited", func(d *dm.Deps) { d.Limiter = denyAll{} }, send("2", "hi"), http.StatusTooManyRequests, "RATE_LIMITED"},
		{"store down", func(d *dm.Deps) { d.Store = brokenStore{d.Store} }, send("2", "hi"), http.StatusServiceUnavailable, "STORE_UNAVAILABLE"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, tt.mutate)
			rec := env.do(t, http.MethodPost, "/api/messages", "1", tt.body)
			require.Equal(t, tt.status, rec.Code, rec.Body.String())
			require.Equal(t, tt.code, decode[errorResponse](t, rec).Error.Code)
		})
	}
}

func TestStoreDownSetsRetryAfter(t *testing.T) {
	env := newTestEnv(t, func(d *dm.Deps) { d.Store = brokenStore{d.Store} })

	rec := env.do(t, http.MethodPost, "/api/messages", "1", send("2", "hi"))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))
	assert.NotContains(t, rec.Body.String(), "db down")
}

func TestHistoryUnknownPeer(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.do(t, http.MethodGet, "/api/messages/404", "1", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "NOT_FOUND", decode[errorResponse](t, rec).Error.Code)
}

func TestSearch(t *testing.T) {
	req := require.New(t)
	env := newTestEnv(t, nil)

	rec := env.do(t, http.MethodGet, "/api/users/search?q=a", "3", nil)
	req.Equal(http.StatusOK, rec.Code)
	req.JSONEq(`[]`, rec.Body.String())

	rec = env.do(t, http.MethodGet, "/api/users/search", "3", nil)
	req.Equal(http.StatusOK, rec.Code)
	req.JSONEq(`[]`, rec.Body.String())

	rec = env.do(t, http.MethodGet, "/api/users/search?q=al", "3", nil)
	req.Equal(http.StatusOK, rec.Code)
	results := decode[[]directory.SearchResult](t, rec)
	req.Len(results, 2)
	req.Equal("1", results[0].ID, "name prefix first")
	req.Equal("2", results[1].ID, "name substring second")

	rec = env.do(t, http.MethodGet, "/api/users/search?q=al", "1", nil)
	results = decode[[]directory.SearchResult](t, rec)
	req.Len(results, 2)
	req.Equal("2", results[0].ID)
	req.Equal("3", results[1].ID, "company substring last")
}

func TestUnreadAndMarkRead(t *testing.T) {
	req := require.New(t)
	env := newTestEnv(t, nil)

	for _, from := range []string{"1", "1", "3"} {
		rec := env.do(t, http.MethodPost, "/api/messages", from, send("2", "ping"))
		req.Equal(http.StatusOK, rec.Code)
	}

	rec := env.do(t, http.MethodGet, "/api/messages/unread", "2", nil)
	req.Equal(http.StatusOK, rec.Code)
	unread := decode[unreadResponse](t, rec)
	req.Equal(3, unread.Total)
	req.Equal(map[string]int{"1": 2, "3": 1}, unread.ByPeer)

	// Reading the history marks the conversation read.
	rec = env.do(t, http.MethodGet, "/api/messages/1", "2", nil)
	req.Equal(http.StatusOK, rec.Code)

	rec = env.do(t, http.MethodPost, "/api/messages/3/read", "2", nil)
	req.Equal(http.StatusNoContent, rec.Code)

	rec = env.do(t, http.MethodGet, "/api/messages/unread", "2", nil)
	unread = decode[unreadResponse](t, rec)
	req.Zero(unread.Total)
	req.Empty(unread.ByPeer)
}

func TestPresence(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.do(t, http.MethodGet, "/api/users/2/presence", "1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, presenceResponse{UserID: "2", Online: false}, decode[presenceResponse](t, rec))

	rec = env.do(t, http.MethodGet, "/api/users/404/presence", "1", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestLiveChannelBeforeStart(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.do(t, http.MethodGet, "/ws", "1", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestLiveChannelRateLimited(t *testing.T) {
	env := newTestEnv(t, nil)
	env.router = New(Deps{
		Service:     dm.NewService(dm.DefaultConfig(), env.deps),
		Auth:        env.auth,
		WS:          env.ws,
		ConnLimiter: denyAll{},
	}).Router()

	rec := env.do(t, http.MethodGet, "/ws", "1", nil)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.do(t, http.MethodGet, "/health", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	health := decode[healthResponse](t, rec)
	assert.Equal(t, "ok", health.Status)
	assert.Equal(t, 3, health.IndexUsers)
	assert.Zero(t, health.Connections)
}

func TestMetricsEndpoint(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.do(t, http.MethodGet, "/metrics", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "dm_connections_total")
}
