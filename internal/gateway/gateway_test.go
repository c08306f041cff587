package gateway

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nmxmxh/ultrachat-gateway/internal/bridge"
	"github.com/nmxmxh/ultrachat-gateway/internal/calls"
	"github.com/nmxmxh/ultrachat-gateway/internal/presence"
	"github.com/nmxmxh/ultrachat-gateway/internal/registry"
	"github.com/nmxmxh/ultrachat-gateway/internal/router"
	"github.com/nmxmxh/ultrachat-gateway/pkg/auth"
	"github.com/nmxmxh/ultrachat-gateway/pkg/bus"
	"github.com/nmxmxh/ultrachat-gateway/pkg/errors"
	"github.com/nmxmxh/ultrachat-gateway/pkg/json"
	"github.com/nmxmxh/ultrachat-gateway/pkg/redis"
)

const waitFor = 2 * time.Second

type harness struct {
	t     *testing.T
	mr    *miniredis.Miniredis
	bus   *bus.Memory
	store *presence.Store
	chat  *Controller
	calls *Controller
	srv   *httptest.Server
}

// newHarness serves both channels. Tokens are "tok-<userId>"; chats lists the
// chat memberships chat.list answers with, and "carol" makes chat.list fail.
func newHarness(t *testing.T, chats map[string][]string) *harness {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.Wrap(goredis.NewClient(&goredis.Options{Addr: mr.Addr()}), nil)
	t.Cleanup(func() { _ = client.Close() })

	h := &harness{t: t, mr: mr, bus: bus.NewMemory(), store: presence.NewStore(client, nil)}
	h.bus.Handle(bus.SubjectAuthValidate, func(_ context.Context, data json.RawMessage) (any, error) {
		var req struct {
			Token string `json:"token"`
		}
		if err := json.Unmarshal(data, &req); err != nil {
			return nil, err
		}
		user, ok := strings.CutPrefix(req.Token, "tok-")
		if !ok {
			return nil, errors.New("Invalid token")
		}
		return auth.Identity{UserID: user, Username: user}, nil
	})
	h.bus.Handle(bus.SubjectChatList, func(_ context.Context, data json.RawMessage) (any, error) {
		var req struct {
			UserID string `json:"userId"`
		}
		if err := json.Unmarshal(data, &req); err != nil {
			return nil, err
		}
		if req.UserID == "carol" {
			return nil, errors.New("chats unavailable")
		}
		out := []map[string]string{}
		for _, id := range chats[req.UserID] {
			out = append(out, map[string]string{"_id": id, "name": "chat " + id})
		}
		return out, nil
	})

	authn := auth.NewValidator(h.bus, time.Second)
	opts := Options{AuthGracePeriod: 200 * time.Millisecond, RequestTimeout: time.Second}

	opts.Channel = ChannelChat
	h.chat = New(opts, Deps{
		Router:    router.New(registry.New(), string(ChannelChat), nil),
		Auth:      authn,
		Presence:  h.store,
		Requester: h.bus,
		Publisher: h.bus,
	}, nil)

	callsRouter := router.New(registry.New(), string(ChannelCalls), nil)
	opts.Channel = ChannelCalls
	h.calls = New(opts, Deps{
		Router: callsRouter,
		Auth:   authn,
		Calls:  calls.NewService(calls.NewStore(client, nil), callsRouter, h.bus, nil, nil),
	}, nil)

	mux := http.NewServeMux()
	mux.Handle("/ws/chat", h.chat)
	mux.Handle("/ws/calls", h.calls)
	h.srv = httptest.NewServer(mux)
	t.Cleanup(h.srv.Close)
	return h
}

type frame struct {
	Event string          `json:"event"`
	AckID string          `json:"ackId"`
	Data  json.RawMessage `json:"data"`
}

type testClient struct {
	t    *testing.T
	conn *websocket.Conn
}

func (h *harness) dial(path, token string) *testClient {
	h.t.Helper()
	header := http.Header{}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}
	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(h.srv.URL, "http")+path, header)
	require.NoError(h.t, err)
	h.t.Cleanup(func() { _ = conn.Close() })
	return &testClient{t: h.t, conn: conn}
}

// joined counts the connections of userID that finished activation, which ends
// with the personal room join on the calls channel and after the socket is
// recorded on the chat channel.
func (h *harness) joined(ctl *Controller, userID string) func() int {
	return func() int { return len(ctl.Router().Registry().ConnectionsForRoom(router.UserRoom(userID))) }
}

func (h *harness) eventually(n int, count func() int) {
	h.t.Helper()
	require.Eventually(h.t, func() bool { return count() == n }, waitFor, 10*time.Millisecond)
}

func (c *testClient) send(event string, data any, ackID string) {
	c.t.Helper()
	b, err := json.Marshal(map[string]any{"event": event, "data": data, "ackId": ackID})
	require.NoError(c.t, err)
	require.NoError(c.t, c.conn.WriteMessage(websocket.TextMessage, b))
}

func (c *testClient) next() frame {
	c.t.Helper()
	require.NoError(c.t, c.conn.SetReadDeadline(time.Now().Add(waitFor)))
	_, b, err := c.conn.ReadMessage()
	require.NoError(c.t, err)
	var f frame
	require.NoError(c.t, json.Unmarshal(b, &f))
	return f
}

// waitEvent skips frames until one named event arrives.
func (c *testClient) waitEvent(event string) frame {
	c.t.Helper()
	for {
		if f := c.next(); f.Event == event {
			return f
		}
	}
}

func (c *testClient) waitPresence(userID string, status presence.Status) {
	c.t.Helper()
	for {
		f := c.waitEvent(presence.EventUpdate)
		var u presence.Update
		require.NoError(c.t, json.Unmarshal(f.Data, &u))
		if u.UserID == userID {
			require.Equal(c.t, status, u.Status)
			return
		}
	}
}

func (c *testClient) presence(f frame) presence.Update {
	c.t.Helper()
	require.Equal(c.t, presence.EventUpdate, f.Event)
	var u presence.Update
	require.NoError(c.t, json.Unmarshal(f.Data, &u))
	return u
}

// expectSilence asserts nothing arrives within d. The connection cannot be read
// afterwards.
func (c *testClient) expectSilence(d time.Duration) {
	c.t.Helper()
	require.NoError(c.t, c.conn.SetReadDeadline(time.Now().Add(d)))
	_, b, err := c.conn.ReadMessage()
	var ne net.Error
	require.True(c.t, errors.As(err, &ne) && ne.Timeout(), "unexpected frame %s (err %v)", b, err)
}

func errorCode(t *testing.T, f frame) string {
	t.Helper()
	require.Equal(t, "error", f.Event)
	var body struct {
		Code string `json:"code"`
	}
	require.NoError(t, json.Unmarshal(f.Data, &body))
	return body.Code
}

func TestTwoDevicesGoOfflineOnce(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	obs := h.dial("/ws/chat", "tok-obs")
	obs.waitPresence("obs", presence.StatusOnline)

	a1 := h.dial("/ws/chat", "tok-alice")
	obs.waitPresence("alice", presence.StatusOnline)
	a2 := h.dial("/ws/chat", "tok-alice")
	h.eventually(2, h.joined(h.chat, "alice"))

	rec, err := h.store.GetPresence(ctx, "alice")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, presence.StatusOnline, rec.Status)

	require.NoError(t, a1.conn.Close())
	h.eventually(1, h.joined(h.chat, "alice"))
	members, err := h.mr.Members("sockets:alice")
	require.NoError(t, err)
	assert.Len(t, members, 1)
	rec, err = h.store.GetPresence(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, presence.StatusOnline, rec.Status)

	require.NoError(t, a2.conn.Close())
	// The very next frame is the offline update: the second device produced no
	// online broadcast and the first disconnect no offline one.
	u := obs.presence(obs.next())
	assert.Equal(t, "alice", u.UserID)
	assert.Equal(t, presence.StatusOffline, u.Status)
	assert.NotEmpty(t, u.LastSeen)

	rec, err = h.store.GetPresence(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, presence.StatusOffline, rec.Status)
	assert.Zero(t, h.mr.TTL("presence:alice"))

	obs.expectSilence(200 * time.Millisecond)
}

func TestOfflineWhenSocketSetWasLost(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	obs := h.dial("/ws/chat", "tok-obs")
	obs.waitPresence("obs", presence.StatusOnline)
	a1 := h.dial("/ws/chat", "tok-alice")
	obs.waitPresence("alice", presence.StatusOnline)
	a2 := h.dial("/ws/chat", "tok-alice")
	h.eventually(2, h.joined(h.chat, "alice"))

	// Redis lost the socket set while both devices stayed connected.
	h.mr.Del("sockets:alice")

	require.NoError(t, a1.conn.Close())
	h.eventually(1, h.joined(h.chat, "alice"))
	rec, err := h.store.GetPresence(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, presence.StatusOnline, rec.Status, "another local device is still connected")

	require.NoError(t, a2.conn.Close())
	u := obs.presence(obs.next())
	assert.Equal(t, "alice", u.UserID)
	assert.Equal(t, presence.StatusOffline, u.Status)

	rec, err = h.store.GetPresence(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, presence.StatusOffline, rec.Status)

	obs.expectSilence(200 * time.Millisecond)
}

func TestConcurrentConnectsAnnounceOnlineOnce(t *testing.T) {
	h := newHarness(t, nil)
	obs := h.dial("/ws/chat", "tok-obs")
	obs.waitPresence("obs", presence.StatusOnline)

	const devices = 5
	var wg sync.WaitGroup
	for i := 0; i < devices; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(h.srv.URL, "http")+"/ws/chat?token=tok-alice", nil)
			if assert.NoError(t, err) {
				t.Cleanup(func() { _ = conn.Close() })
			}
		}()
	}
	wg.Wait()
	obs.waitPresence("alice", presence.StatusOnline)
	h.eventually(devices, h.joined(h.chat, "alice"))

	h.dial("/ws/chat", "tok-zed")
	next := obs.presence(obs.next())
	assert.Equal(t, "zed", next.UserID, "alice must be announced exactly once")
}

func TestTypingExpiresAfterDisconnect(t *testing.T) {
	h := newHarness(t, map[string][]string{"alice": {"c1"}, "bob": {"c1"}})
	ctx := context.Background()

	b := h.dial("/ws/chat", "tok-bob")
	b.waitPresence("bob", presence.StatusOnline)
	a := h.dial("/ws/chat", "tok-alice")
	a.waitPresence("alice", presence.StatusOnline)

	a.send(EventTypingStart, map[string]string{"chatId": "c1"}, "")
	f := b.waitEvent(EventTypingStart)
	assert.JSONEq(t, `{"chatId":"c1","userId":"alice"}`, string(f.Data))

	users, err := h.store.GetTypingUsers(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, []string{"alice"}, users)

	a.expectSilence(100 * time.Millisecond)
	require.NoError(t, a.conn.Close())
	h.eventually(0, h.joined(h.chat, "alice"))

	h.mr.FastForward(redis.TTLTyping + time.Second)
	users, err = h.store.GetTypingUsers(ctx, "c1")
	require.NoError(t, err)
	assert.Empty(t, users)
}

func TestRejectedConnectionsGetNoEvent(t *testing.T) {
	h := newHarness(t, nil)
	expired, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "alice",
		"exp": time.Now().Add(-time.Hour).Unix(),
	}).SignedString([]byte("k"))
	require.NoError(t, err)

	for name, token := range map[string]string{
		"invalid": "bad",
		"missing": "",
		"expired": expired,
	} {
		c := h.dial("/ws/chat", token)
		require.NoError(t, c.conn.SetReadDeadline(time.Now().Add(waitFor)))
		_, b, err := c.conn.ReadMessage()
		var ce *websocket.CloseError
		require.True(t, errors.As(err, &ce), "%s: expected close, got frame %s (err %v)", name, b, err)
		assert.Equal(t, websocket.ClosePolicyViolation, ce.Code, name)
	}

	assert.Zero(t, h.chat.Router().Registry().Count())
	assert.Empty(t, h.mr.Keys(), "rejected connections leave no presence state")
}

func TestTokenSources(t *testing.T) {
	h := newHarness(t, nil)

	viaFrame := h.dial("/ws/chat", "")
	viaFrame.send("auth", map[string]string{"token": "tok-alice"}, "")
	viaFrame.waitPresence("alice", presence.StatusOnline)

	viaQuery := h.dial("/ws/chat?token=tok-bob", "")
	viaQuery.waitPresence("bob", presence.StatusOnline)

	viaHeader := h.dial("/ws/chat?token=tok-nobody", "tok-dave")
	viaHeader.waitPresence("dave", presence.StatusOnline)
	assert.Zero(t, h.joined(h.chat, "nobody")())
}

func TestChatMembershipOnConnect(t *testing.T) {
	h := newHarness(t, map[string][]string{"alice": {"c1", "c2"}})
	reg := h.chat.Router().Registry()

	a := h.dial("/ws/chat", "tok-alice")
	a.waitPresence("alice", presence.StatusOnline)
	conns := reg.SocketsForUser("alice")
	require.Len(t, conns, 1)
	assert.Equal(t, []string{"chat:c1", "chat:c2", "user:alice"}, reg.RoomsForConnection(conns[0]))

	// A failing chat.list degrades to the personal room only.
	c := h.dial("/ws/chat", "tok-carol")
	c.waitPresence("carol", presence.StatusOnline)
	conns = reg.SocketsForUser("carol")
	require.Len(t, conns, 1)
	assert.Equal(t, []string{"user:carol"}, reg.RoomsForConnection(conns[0]))
}

func TestChatActions(t *testing.T) {
	h := newHarness(t, map[string][]string{"alice": {"c1"}})
	a := h.dial("/ws/chat", "tok-alice")
	a.waitPresence("alice", presence.StatusOnline)

	a.send(EventTypingStart, map[string]string{"chatId": "c2"}, "1")
	f := a.next()
	assert.Equal(t, "1", f.AckID)
	assert.Equal(t, "unauthorized", errorCode(t, f))

	a.send(EventMessageSend, map[string]string{"chatId": "c1"}, "2")
	assert.Equal(t, "malformed_payload", errorCode(t, a.next()))

	a.send(EventCallInitiate, map[string]any{"chatId": "c1", "type": "voice", "participantIds": []string{"bob"}}, "3")
	assert.Equal(t, "malformed_payload", errorCode(t, a.next()))

	require.NoError(t, a.conn.WriteMessage(websocket.TextMessage, []byte("not json")))
	f = a.next()
	assert.Empty(t, f.AckID)
	assert.Equal(t, "malformed_payload", errorCode(t, f))

	a.send(EventChatJoin, map[string]string{"chatId": "c2"}, "4")
	f = a.next()
	assert.Equal(t, "ack", f.Event)
	assert.JSONEq(t, `{"success":true}`, string(f.Data))

	a.send(EventTypingStart, map[string]string{"chatId": "c2"}, "5")
	assert.Equal(t, "ack", a.next().Event)

	a.send(EventMessageSend, map[string]string{"chatId": "c1", "content": "hi"}, "6")
	f = a.next()
	assert.Equal(t, "6", f.AckID)
	assert.JSONEq(t, `{"accepted":true}`, string(f.Data))
	sent := h.bus.Published(bus.SubjectMessageSend)
	require.Len(t, sent, 1)
	assert.JSONEq(t, `{"chatId":"c1","senderId":"alice","content":"hi","type":"text"}`, string(sent[0]))

	a.send(EventMessageRead, map[string]string{"chatId": "c1", "messageId": "m1"}, "7")
	assert.Equal(t, "ack", a.next().Event)
	read := h.bus.Published(bus.SubjectMessageRead)
	require.Len(t, read, 1)
	assert.JSONEq(t, `{"chatId":"c1","messageId":"m1","userId":"alice"}`, string(read[0]))

	a.send(EventChatLeave, map[string]string{"chatId": "c1"}, "8")
	assert.Equal(t, "ack", a.next().Event)
	a.send(EventMessageSend, map[string]string{"chatId": "c1", "content": "again"}, "9")
	assert.Equal(t, "unauthorized", errorCode(t, a.next()))
	assert.Len(t, h.bus.Published(bus.SubjectMessageSend), 1)
}

func TestSentMessageComesBackThroughBridge(t *testing.T) {
	h := newHarness(t, map[string][]string{"alice": {"c1"}, "bob": {"c1"}})
	br := bridge.New(h.bus, h.chat.Router(), h.calls.Router(), nil)
	require.NoError(t, br.Start())
	t.Cleanup(br.Stop)

	// Stand-in for the messages service: persist and announce.
	_, err := h.bus.Subscribe(bus.SubjectMessageSend, func(ctx context.Context, _ string, data json.RawMessage) {
		var in map[string]any
		if json.Unmarshal(data, &in) != nil {
			return
		}
		_ = h.bus.Publish(ctx, bus.SubjectMessageCreated, map[string]any{
			"chatId": in["chatId"],
			"message": map[string]any{
				"_id":      map[string]string{"$oid": "m1"},
				"senderId": in["senderId"],
				"content":  in["content"],
			},
		})
	})
	require.NoError(t, err)

	b := h.dial("/ws/chat", "tok-bob")
	b.waitPresence("bob", presence.StatusOnline)
	a := h.dial("/ws/chat", "tok-alice")
	a.waitPresence("alice", presence.StatusOnline)

	a.send(EventMessageSend, map[string]string{"chatId": "c1", "content": "hello"}, "")

	want := `{"chatId":"c1","message":{"id":"m1","senderId":"alice","content":"hello"}}`
	fa := a.waitEvent(bridge.EventMessageNew)
	fb := b.waitEvent(bridge.EventMessageNew)
	assert.JSONEq(t, want, string(fa.Data))
	assert.JSONEq(t, want, string(fb.Data))
}

func TestCallSignalingOverWebSocket(t *testing.T) {
	h := newHarness(t, nil)
	a := h.dial("/ws/calls", "tok-alice")
	b := h.dial("/ws/calls", "tok-bob")
	h.eventually(1, h.joined(h.calls, "alice"))
	h.eventually(1, h.joined(h.calls, "bob"))

	a.send(EventCallInitiate, map[string]any{"chatId": "c1", "type": "video", "participantIds": []string{"alice", "bob"}}, "1")
	f := a.next()
	require.Equal(t, "ack", f.Event)
	var ack struct {
		CallID string     `json:"callId"`
		Call   calls.Call `json:"call"`
	}
	require.NoError(t, json.Unmarshal(f.Data, &ack))
	require.NotEmpty(t, ack.CallID)
	assert.Equal(t, calls.StatusRinging, ack.Call.Status)

	notes := h.bus.Published(bus.SubjectNotificationSend)
	require.Len(t, notes, 1)
	var note calls.Notification
	require.NoError(t, json.Unmarshal(notes[0], &note))
	assert.Equal(t, "bob", note.UserID)

	// The first thing bob sees is the offer: initiate sent him nothing.
	a.send(EventSignalOffer, map[string]any{"callId": ack.CallID, "targetId": "bob", "offer": map[string]string{"type": "offer", "sdp": "v=0"}}, "")
	f = b.next()
	assert.Equal(t, EventSignalOffer, f.Event)
	assert.JSONEq(t, `{"callId":"`+ack.CallID+`","senderId":"alice","offer":{"type":"offer","sdp":"v=0"}}`, string(f.Data))

	b.send(EventSignalAnswer, map[string]any{"callId": ack.CallID, "targetId": "alice", "answer": map[string]string{"type": "answer"}}, "2")
	assert.Equal(t, "unauthorized", errorCode(t, b.next()))

	b.send(EventCallAccept, map[string]string{"callId": ack.CallID}, "3")
	assert.Equal(t, "ack", b.next().Event)
	f = a.next()
	assert.Equal(t, calls.EventAccepted, f.Event)
	assert.JSONEq(t, `{"callId":"`+ack.CallID+`","userId":"bob"}`, string(f.Data))

	a.send(EventCallMute, map[string]any{"callId": ack.CallID, "isMuted": true}, "")
	f = b.next()
	assert.Equal(t, calls.EventParticipantMuted, f.Event)
	assert.JSONEq(t, `{"callId":"`+ack.CallID+`","userId":"alice","isMuted":true}`, string(f.Data))

	a.send(EventCallVideo, map[string]any{"callId": ack.CallID}, "4")
	assert.Equal(t, "malformed_payload", errorCode(t, a.next()))
}

func TestCallInitiateAlwaysReturnsCallID(t *testing.T) {
	h := newHarness(t, nil)
	a := h.dial("/ws/calls", "tok-alice")
	h.eventually(1, h.joined(h.calls, "alice"))

	a.send(EventCallInitiate, map[string]any{"chatId": "c1", "type": "voice", "participantIds": []string{"bob"}}, "")
	f := a.next()
	require.Equal(t, "ack", f.Event)
	assert.Empty(t, f.AckID)
	var ack struct {
		CallID string `json:"callId"`
	}
	require.NoError(t, json.Unmarshal(f.Data, &ack))
	assert.NotEmpty(t, ack.CallID)

	// Other events still stay quiet without an ackId.
	a.send(EventCallMute, map[string]any{"callId": ack.CallID, "isMuted": true}, "")
	a.expectSilence(200 * time.Millisecond)
}

func TestRefresherExtendsLiveUsers(t *testing.T) {
	h := newHarness(t, nil)
	a := h.dial("/ws/chat", "tok-alice")
	a.waitPresence("alice", presence.StatusOnline)

	h.mr.FastForward(200 * time.Second)
	assert.Less(t, h.mr.TTL("presence:alice"), redis.TTLPresence)

	r, err := NewRefresher(h.chat.Router().Registry(), h.store, "@every 1h", time.Second, nil)
	require.NoError(t, err)
	r.Refresh()
	assert.Equal(t, redis.TTLPresence, h.mr.TTL("presence:alice"))
	assert.Equal(t, redis.TTLSockets, h.mr.TTL("sockets:alice"))

	r.Start()
	r.Stop()

	_, err = NewRefresher(h.chat.Router().Registry(), h.store, "not a schedule", time.Second, nil)
	assert.Error(t, err)
}
