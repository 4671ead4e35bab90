package agent

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/herald-sh/herald/internal/tunnel"
)

func TestBackoffDelayDoublesAndCaps(t *testing.T) {
	within := func(attempt int, want time.Duration) {
		got := backoffDelay(attempt)
		lo := time.Duration(float64(want) * (1 - backoffJitter))
		hi := time.Duration(float64(want) * (1 + backoffJitter))
		assert.GreaterOrEqual(t, got, lo, "attempt %d", attempt)
		assert.LessOrEqual(t, got, hi, "attempt %d", attempt)
	}

	within(1, 1*time.Second)
	within(2, 2*time.Second)
	within(3, 4*time.Second)
	within(6, 32*time.Second)
	within(7, 60*time.Second)
	within(20, 60*time.Second)
}

func TestBackoffDelayJitters(t *testing.T) {
	seen := make(map[time.Duration]bool)
	for i := 0; i < 20; i++ {
		seen[backoffDelay(5)] = true
	}
	assert.Greater(t, len(seen), 1, "jitter should vary the delay")
}

func TestForwarderPostsSignal(t *testing.T) {
	var gotBody []byte
	var gotDeliveryID, gotAuth, gotType string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotBody, _ = io.ReadAll(r.Body)
		gotDeliveryID = r.Header.Get("X-Herald-Delivery-Id")
		gotAuth = r.Header.Get("Authorization")
		gotType = r.Header.Get("Content-Type")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	f := NewForwarder(srv.URL, "local-token")
	msg := &tunnel.Message{
		Type:        tunnel.TypeSignal,
		DeliveryID:  "del_1",
		ChannelID:   "ch_1",
		ChannelSlug: "alerts",
		Signal:      &tunnel.TunnelSignal{ID: "sig_1", Title: "t", Body: "b"},
	}
	require.NoError(t, f.Forward(context.Background(), msg))

	assert.Equal(t, "del_1", gotDeliveryID)
	assert.Equal(t, "Bearer local-token", gotAuth)
	assert.Equal(t, "application/json", gotType)

	var payload map[string]interface{}
	require.NoError(t, json.Unmarshal(gotBody, &payload))
	assert.Equal(t, "del_1", payload["deliveryId"])
	assert.Equal(t, "alerts", payload["channelSlug"])
	assert.Equal(t, "sig_1", payload["signal"].(map[string]interface{})["id"])
}

func TestForwarderNon2xxIsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	f := NewForwarder(srv.URL, "")
	err := f.Forward(context.Background(), &tunnel.Message{DeliveryID: "del_1"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "HTTP 502")
}

func TestForwarderOmitsAuthWithoutToken(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	f := NewForwarder(srv.URL, "")
	require.NoError(t, f.Forward(context.Background(), &tunnel.Message{DeliveryID: "del_1"}))
	assert.Empty(t, gotAuth)
}

// End to end against a scripted tunnel server: auth, ping/pong, one
// signal, ack observed upstream.
func TestAgentPumpLoop(t *testing.T) {
	received := make(chan tunnel.Message, 8)

	local := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer local.Close()

	relay := newScriptedRelay(t, received)
	defer relay.Close()

	a := New(Config{
		HeraldURL:  "ws" + relay.URL[len("http"):],
		Token:      "hld_sub_test",
		ForwardURL: local.URL,
	}, zerolog.Nop())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	go a.Run(ctx)

	// auth arrives first.
	msg := waitFor(t, received)
	assert.Equal(t, tunnel.TypeAuth, msg.Type)
	assert.Equal(t, "hld_sub_test", msg.Token)

	// pong answers the scripted ping.
	msg = waitFor(t, received)
	assert.Equal(t, tunnel.TypePong, msg.Type)

	// positive ack for the forwarded signal.
	msg = waitFor(t, received)
	assert.Equal(t, tunnel.TypeAck, msg.Type)
	assert.Equal(t, "del_1", msg.DeliveryID)
	assert.Empty(t, msg.Error)
}

func TestAgentNacksOnLocalFailure(t *testing.T) {
	received := make(chan tunnel.Message, 8)

	local := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer local.Close()

	relay := newScriptedRelay(t, received)
	defer relay.Close()

	a := New(Config{
		HeraldURL:  "ws" + relay.URL[len("http"):],
		Token:      "hld_sub_test",
		ForwardURL: local.URL,
	}, zerolog.Nop())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	go a.Run(ctx)

	var ack tunnel.Message
	for {
		ack = waitFor(t, received)
		if ack.Type == tunnel.TypeAck {
			break
		}
	}
	assert.Equal(t, "del_1", ack.DeliveryID)
	assert.Contains(t, ack.Error, "HTTP 500")
}

// newScriptedRelay speaks just enough of the server side of the protocol:
// on auth it replies auth_ok, sends one ping and one signal, then relays
// every client message into received.
func newScriptedRelay(t *testing.T, received chan<- tunnel.Message) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}

	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()

		send := func(msg tunnel.Message) {
			data, _ := json.Marshal(msg)
			ws.WriteMessage(websocket.TextMessage, data)
		}

		for {
			_, data, err := ws.ReadMessage()
			if err != nil {
				return
			}
			var msg tunnel.Message
			if json.Unmarshal(data, &msg) != nil {
				continue
			}
			received <- msg

			if msg.Type == tunnel.TypeAuth {
				send(tunnel.Message{Type: tunnel.TypeAuthOK, ConnectionID: "conn_1", SubscriberID: "sbr_1"})
				send(tunnel.Message{Type: tunnel.TypePing})
				send(tunnel.Message{
					Type:        tunnel.TypeSignal,
					DeliveryID:  "del_1",
					ChannelID:   "ch_1",
					ChannelSlug: "alerts",
					Signal:      &tunnel.TunnelSignal{ID: "sig_1", Title: "t", Body: "b"},
				})
			}
		}
	}))
}

func waitFor(t *testing.T, ch <-chan tunnel.Message) tunnel.Message {
	t.Helper()
	select {
	case msg := <-ch:
		return msg
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for message")
		return tunnel.Message{}
	}
}
