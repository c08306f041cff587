package bus

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nmxmxh/ultrachat-gateway/pkg/errors"
	"github.com/nmxmxh/ultrachat-gateway/pkg/json"
)

func TestMemory_PublishSubscribe(t *testing.T) {
	m := NewMemory()
	var got []string
	sub, err := m.Subscribe(SubjectMessageCreated, func(_ context.Context, subject string, data json.RawMessage) {
		got = append(got, subject+" "+string(data))
	})
	require.NoError(t, err)

	require.NoError(t, m.Publish(context.Background(), SubjectMessageCreated, map[string]string{"chatId": "c1"}))
	require.NoError(t, sub.Unsubscribe())
	require.NoError(t, m.Publish(context.Background(), SubjectMessageCreated, map[string]string{"chatId": "c2"}))

	assert.Equal(t, []string{`message.created {"chatId":"c1"}`}, got)
	assert.Len(t, m.Published(SubjectMessageCreated), 2)
}

func TestMemory_Request(t *testing.T) {
	m := NewMemory()
	m.Handle(SubjectAuthValidate, func(_ context.Context, data json.RawMessage) (any, error) {
		var req struct {
			Token string `json:"token"`
		}
		if err := json.Unmarshal(data, &req); err != nil || req.Token != "good" {
			return nil, errors.New("Invalid token")
		}
		return map[string]string{"sub": "u1"}, nil
	})
	m.Handle(SubjectChatList, func(ctx context.Context, _ json.RawMessage) (any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})

	var out struct {
		Sub string `json:"sub"`
	}
	require.NoError(t, m.Request(context.Background(), SubjectAuthValidate, map[string]string{"token": "good"}, &out))
	assert.Equal(t, "u1", out.Sub)

	err := m.Request(context.Background(), SubjectAuthValidate, map[string]string{"token": "bad"}, &out)
	assert.True(t, errors.Is(err, errors.ErrRequestFailed))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err = m.Request(ctx, SubjectChatList, nil, nil)
	assert.True(t, errors.Is(err, errors.ErrRequestTimeout))

	err = m.Request(context.Background(), "nobody.home", nil, nil)
	assert.True(t, errors.Is(err, errors.ErrRequestFailed))
}
