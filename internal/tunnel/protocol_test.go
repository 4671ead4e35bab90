package tunnel

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/herald-sh/herald/internal/models"
)

func TestSignalMessageWireShape(t *testing.T) {
	channel := &models.Channel{ID: "ch_1", Slug: "tech-news", DisplayName: "Tech News"}
	signal := &models.Signal{
		ID: "sig_1", Title: "Breaking", Body: "Content",
		Urgency:   models.UrgencyCritical,
		Metadata:  json.RawMessage(`{"k":"v"}`),
		CreatedAt: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	}

	data, err := json.Marshal(NewSignalMessage("del_1", channel, signal))
	require.NoError(t, err)

	var raw map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &raw))

	assert.Equal(t, "signal", raw["type"])
	assert.Equal(t, "del_1", raw["delivery_id"])
	assert.Equal(t, "ch_1", raw["channel_id"])
	assert.Equal(t, "tech-news", raw["channel_slug"])

	sig := raw["signal"].(map[string]interface{})
	assert.Equal(t, "sig_1", sig["id"])
	assert.Equal(t, "critical", sig["urgency"])
	assert.Equal(t, map[string]interface{}{"k": "v"}, sig["metadata"])

	// Fields from other message types stay off the wire.
	_, hasToken := raw["token"]
	assert.False(t, hasToken)
}

func TestClientMessagesRoundTrip(t *testing.T) {
	for _, in := range []Message{
		{Type: TypeAuth, Token: "hld_sub_abc"},
		{Type: TypeAck, DeliveryID: "del_1"},
		{Type: TypeAck, DeliveryID: "del_1", Error: "connection refused"},
		{Type: TypePong},
	} {
		data, err := json.Marshal(in)
		require.NoError(t, err)

		var out Message
		require.NoError(t, json.Unmarshal(data, &out))
		assert.Equal(t, in, out)
	}
}

func TestNackDiscriminator(t *testing.T) {
	var msg Message
	require.NoError(t, json.Unmarshal([]byte(`{"type":"ack","delivery_id":"del_9","error":"HTTP 500"}`), &msg))
	assert.Equal(t, TypeAck, msg.Type)
	assert.Equal(t, "del_9", msg.DeliveryID)
	assert.Equal(t, "HTTP 500", msg.Error)
}
