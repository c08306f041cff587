package json

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type frame struct {
	Event string     `json:"event"`
	Data  RawMessage `json:"data,omitempty"`
}

func TestRawMessageDefersDecoding(t *testing.T) {
	var f frame
	err := Unmarshal([]byte(`{"event":"typing:start","data":{"chatId":"c1"}}`), &f)
	require.NoError(t, err)
	assert.Equal(t, "typing:start", f.Event)
	assert.JSONEq(t, `{"chatId":"c1"}`, string(f.Data))

	var body struct {
		ChatID string `json:"chatId"`
	}
	require.NoError(t, Unmarshal(f.Data, &body))
	assert.Equal(t, "c1", body.ChatID)
}

func TestMarshalKeepsRawData(t *testing.T) {
	data, err := Marshal(frame{Event: "message:new", Data: RawMessage(`{"id":"m1"}`)})
	require.NoError(t, err)
	assert.JSONEq(t, `{"event":"message:new","data":{"id":"m1"}}`, string(data))

	data, err = Marshal(frame{Event: "ping"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"event":"ping"}`, string(data))
}

func TestValid(t *testing.T) {
	assert.True(t, Valid([]byte(`{"event":"x"}`)))
	assert.False(t, Valid([]byte(`{"invalid`)))
}

func TestSpecialCharacters(t *testing.T) {
	type message struct {
		Content string `json:"content"`
	}

	original := message{Content: "Hello\n\"World\"\t🌍"}
	data, err := Marshal(original)
	require.NoError(t, err)

	var decoded message
	require.NoError(t, Unmarshal(data, &decoded))
	assert.Equal(t, original, decoded)
}
