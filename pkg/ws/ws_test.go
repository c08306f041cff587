package ws

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestEncodeFrames(t *testing.T) {
	b, err := EncodeEvent("typing:start", map[string]string{"chatId": "c1", "userId": "u1"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"event":"typing:start","data":{"chatId":"c1","userId":"u1"}}`, string(b))

	b, err = EncodeAck("7", map[string]bool{"accepted": true})
	require.NoError(t, err)
	assert.JSONEq(t, `{"event":"ack","ackId":"7","data":{"accepted":true}}`, string(b))

	b, err = EncodeError("", "unauthorized", "not authorized for this room")
	require.NoError(t, err)
	assert.JSONEq(t, `{"event":"error","data":{"code":"unauthorized","message":"not authorized for this room"}}`, string(b))
}

func TestDecodeClientMessage(t *testing.T) {
	msg, err := DecodeClientMessage([]byte(`{"event":"message:send","data":{"chatId":"c1"},"ackId":"1"}`))
	require.NoError(t, err)
	assert.Equal(t, "message:send", msg.Event)
	assert.Equal(t, "1", msg.AckID)
	assert.JSONEq(t, `{"chatId":"c1"}`, string(msg.Data))

	_, err = DecodeClientMessage([]byte(`{"event":`))
	assert.Error(t, err)
}

func TestOriginAllowed(t *testing.T) {
	allowed := []string{"app.example.com", "*.staging.example.com", "http://localhost:3000"}
	assert.True(t, originAllowed("https://app.example.com", allowed))
	assert.True(t, originAllowed("https://web.staging.example.com", allowed))
	assert.True(t, originAllowed("http://localhost:5173", allowed))
	assert.False(t, originAllowed("https://evil.com", allowed))
	assert.True(t, originAllowed("https://evil.com", []string{"*"}))
}

func TestEnqueueReportsOverflow(t *testing.T) {
	c := &Client{send: make(chan []byte, 1), done: make(chan struct{})}
	assert.True(t, c.Enqueue([]byte("a")))
	assert.False(t, c.Enqueue([]byte("b")))

	c.Close(websocket.CloseNormalClosure, "")
	assert.True(t, c.Enqueue([]byte("c")), "closed clients swallow frames")
}

func TestClientRoundTrip(t *testing.T) {
	upgrader := NewUpgrader(nil, zap.NewNop())
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		c := NewClient("c1", conn, 8, zap.NewNop())
		c.ReadLoop(func(msg []byte) {
			if string(msg) == "bye" {
				c.Close(websocket.CloseNormalClosure, "bye")
				return
			}
			c.Enqueue(append([]byte("echo:"), msg...))
		})
		c.Close(websocket.CloseNormalClosure, "")
	}))
	defer server.Close()

	url := "ws" + strings.TrimPrefix(server.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("hi")))
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, msg, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, "echo:hi", string(msg))

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("bye")))
	_, _, err = conn.ReadMessage()
	var closeErr *websocket.CloseError
	require.ErrorAs(t, err, &closeErr)
	assert.Equal(t, websocket.CloseNormalClosure, closeErr.Code)
	assert.Equal(t, "bye", closeErr.Text)
}
