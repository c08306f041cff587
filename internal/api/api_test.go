package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nmxmxh/ultrachat-gateway/internal/calls"
	"github.com/nmxmxh/ultrachat-gateway/internal/presence"
	"github.com/nmxmxh/ultrachat-gateway/internal/registry"
	"github.com/nmxmxh/ultrachat-gateway/internal/router"
	"github.com/nmxmxh/ultrachat-gateway/pkg/auth"
	"github.com/nmxmxh/ultrachat-gateway/pkg/bus"
	"github.com/nmxmxh/ultrachat-gateway/pkg/errors"
	"github.com/nmxmxh/ultrachat-gateway/pkg/health"
	"github.com/nmxmxh/ultrachat-gateway/pkg/json"
	"github.com/nmxmxh/ultrachat-gateway/pkg/redis"
)

type broadcasts struct {
	mu   sync.Mutex
	sent []presence.Update
}

func (b *broadcasts) BroadcastPresence(userID string, status presence.Status) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sent = append(b.sent, presence.Update{UserID: userID, Status: status})
	return 1
}

type fixture struct {
	srv      *httptest.Server
	mr       *miniredis.Miniredis
	store    *presence.Store
	calls    *calls.Service
	rooms    *router.Router
	announce *broadcasts
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.Wrap(goredis.NewClient(&goredis.Options{Addr: mr.Addr()}), nil)
	t.Cleanup(func() { _ = client.Close() })

	b := bus.NewMemory()
	b.Handle(bus.SubjectAuthValidate, func(_ context.Context, data json.RawMessage) (any, error) {
		var req struct {
			Token string `json:"token"`
		}
		_ = json.Unmarshal(data, &req)
		user, ok := strings.CutPrefix(req.Token, "tok-")
		if !ok {
			return nil, errors.New("Invalid token")
		}
		return auth.Identity{UserID: user}, nil
	})

	rooms := router.New(registry.New(), "calls", nil)
	f := &fixture{
		mr:       mr,
		store:    presence.NewStore(client, nil),
		rooms:    rooms,
		announce: &broadcasts{},
	}
	f.calls = calls.NewService(calls.NewStore(client, nil), rooms, b, []string{"stun:stun.l.google.com:19302", "stun:stun1.l.google.com:19302"}, nil)

	hc := health.NewHealthChecker()
	hc.Register(client)

	f.srv = httptest.NewServer(NewRouter(Config{
		Auth:        auth.NewValidator(b, time.Second),
		Presence:    f.store,
		Broadcaster: f.announce,
		Calls:       f.calls,
		Health:      hc,
	}, nil))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fixture) do(t *testing.T, method, path, token, body string) (*http.Response, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(method, f.srv.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	var out map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp, out
}

func TestAPIRequiresToken(t *testing.T) {
	f := newFixture(t)
	resp, body := f.do(t, http.MethodGet, "/api/calls/ice-servers", "", "")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, "unauthenticated", body["code"])

	resp, _ = f.do(t, http.MethodGet, "/api/calls/ice-servers", "garbage", "")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestGetPresence(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.store.SetOnline(ctx, "u1"))
	require.NoError(t, f.store.SetOffline(ctx, "u2"))

	resp, body := f.do(t, http.MethodGet, "/api/presence?userIds=u1,u2,u3", "tok-me", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "online", body["u1"].(map[string]any)["status"])
	assert.NotEmpty(t, body["u1"].(map[string]any)["lastSeen"])
	assert.Equal(t, "offline", body["u2"].(map[string]any)["status"])
	assert.Equal(t, map[string]any{"status": "offline"}, body["u3"])

	resp, body = f.do(t, http.MethodGet, "/api/presence", "tok-me", "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "malformed_payload", body["code"])
}

func TestSetStatus(t *testing.T) {
	f := newFixture(t)

	resp, body := f.do(t, http.MethodPut, "/api/presence/status", "tok-me", `{"status":"away"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "away", body["status"])
	assert.Equal(t, "away", f.mr.HGet("presence:me", "status"))
	assert.Equal(t, []presence.Update{{UserID: "me", Status: presence.StatusAway}}, f.announce.sent)

	resp, _ = f.do(t, http.MethodPut, "/api/presence/status", "tok-me", `{"status":"offline"}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp, _ = f.do(t, http.MethodPut, "/api/presence/status", "tok-me", `{`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Len(t, f.announce.sent, 1)
}

func TestGetTyping(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.store.SetTyping(context.Background(), "u2", "c1", true))
	require.NoError(t, f.store.SetTyping(context.Background(), "u1", "c1", true))

	resp, body := f.do(t, http.MethodGet, "/api/chats/c1/typing", "tok-me", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "c1", body["chatId"])
	assert.Equal(t, []any{"u1", "u2"}, body["userIds"])
}

func TestCallEndpoints(t *testing.T) {
	f := newFixture(t)

	resp, body := f.do(t, http.MethodGet, "/api/calls/ice-servers", "tok-alice", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, body["iceServers"], 2)

	require.NoError(t, f.rooms.Registry().Register("conn-alice", "alice", noopSink{}))
	c, err := f.calls.Initiate(context.Background(), "alice", "conn-alice", "c1", calls.TypeVoice, []string{"bob"})
	require.NoError(t, err)

	resp, body = f.do(t, http.MethodGet, "/api/calls/"+c.ID, "tok-bob", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, c.ID, body["id"])
	assert.Equal(t, "ringing", body["status"])

	resp, _ = f.do(t, http.MethodGet, "/api/calls/"+c.ID, "tok-mallory", "")
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp, body = f.do(t, http.MethodGet, "/api/calls/missing", "tok-bob", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "not_found", body["code"])
}

func TestHealthz(t *testing.T) {
	f := newFixture(t)
	resp, body := f.do(t, http.MethodGet, "/healthz", "", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "UP", body["status"])

	f.mr.Close()
	resp, body = f.do(t, http.MethodGet, "/healthz", "", "")
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, "DOWN", body["status"])
}

func TestStatusFromError(t *testing.T) {
	assert.Equal(t, http.StatusGatewayTimeout, StatusFromError(errors.ErrRequestTimeout))
	assert.Equal(t, http.StatusServiceUnavailable, StatusFromError(errors.Mark(errors.New("dial"), errors.ErrStoreUnavailable)))
	assert.Equal(t, http.StatusInternalServerError, StatusFromError(errors.New("boom")))
}

type noopSink struct{}

func (noopSink) Enqueue([]byte) bool { return true }
func (noopSink) Drop(string)         {}
