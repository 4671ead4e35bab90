package tunnel

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/herald-sh/herald/internal/auth"
	"github.com/herald-sh/herald/internal/config"
	"github.com/herald-sh/herald/internal/models"
	"github.com/herald-sh/herald/internal/storage"
)

type tunnelFixture struct {
	store    *storage.SQLiteStorage
	registry *Registry
	server   *Server
	ts       *httptest.Server

	subscriber    *models.Subscriber
	subscriberKey string
}

func newTunnelFixture(t *testing.T) *tunnelFixture {
	t.Helper()
	ctx := context.Background()

	store, err := storage.NewSQLite(filepath.Join(t.TempDir(), "tunnel_test.db"))
	require.NoError(t, err)
	require.NoError(t, store.Migrate(ctx))
	t.Cleanup(func() { store.Close() })

	registry := NewRegistry()
	router := NewRouter(registry, nil, "srv_test", zerolog.Nop())
	server := NewServer(store, registry, router, config.TunnelConfig{
		Heartbeat:        time.Second,
		HandshakeTimeout: 2 * time.Second,
		QueueCapacity:    8,
		MaxFrameBytes:    1 << 20,
	}, "srv_test", zerolog.Nop())

	ts := httptest.NewServer(http.HandlerFunc(server.Handle))
	t.Cleanup(ts.Close)

	f := &tunnelFixture{store: store, registry: registry, server: server, ts: ts}

	now := time.Now().UTC()
	f.subscriber = &models.Subscriber{
		ID: models.NewID("sbr"), Name: "s", Email: "s@x", WebhookSecret: "whsec",
		Tier: models.TierFree, Status: models.AccountActive, DeliveryMode: models.ModeAgent,
		CreatedAt: now, UpdatedAt: now,
	}
	require.NoError(t, store.CreateSubscriber(ctx, f.subscriber))

	raw, hash, keyPrefix := auth.GenerateKey(auth.SubscriberPrefix)
	require.NoError(t, store.CreateAPIKey(ctx, &models.APIKey{
		ID: models.NewID("key"), KeyHash: hash, KeyPrefix: keyPrefix,
		OwnerType: models.OwnerSubscriber, OwnerID: f.subscriber.ID,
		Status: models.APIKeyActive, CreatedAt: now,
	}))
	f.subscriberKey = raw

	return f
}

func (f *tunnelFixture) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(f.ts.URL, "http")
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { ws.Close() })
	return ws
}

func sendMsg(t *testing.T, ws *websocket.Conn, msg Message) {
	t.Helper()
	data, err := json.Marshal(msg)
	require.NoError(t, err)
	require.NoError(t, ws.WriteMessage(websocket.TextMessage, data))
}

func readMsg(t *testing.T, ws *websocket.Conn) Message {
	t.Helper()
	ws.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, data, err := ws.ReadMessage()
	require.NoError(t, err)
	var msg Message
	require.NoError(t, json.Unmarshal(data, &msg))
	return msg
}

func waitRegistered(t *testing.T, registry *Registry, subscriberID string) *Conn {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if conn, ok := registry.Lookup(subscriberID); ok {
			return conn
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("agent never registered")
	return nil
}

func TestHandshakeHappyPath(t *testing.T) {
	f := newTunnelFixture(t)
	ws := f.dial(t)

	sendMsg(t, ws, Message{Type: TypeAuth, Token: f.subscriberKey})

	msg := readMsg(t, ws)
	assert.Equal(t, TypeAuthOK, msg.Type)
	assert.True(t, strings.HasPrefix(msg.ConnectionID, "conn_"))
	assert.Equal(t, f.subscriber.ID, msg.SubscriberID)

	conn := waitRegistered(t, f.registry, f.subscriber.ID)
	assert.Equal(t, msg.ConnectionID, conn.ID)

	// The subscriber's agent_last_connected_at moved.
	sub, err := f.store.GetSubscriber(context.Background(), f.subscriber.ID)
	require.NoError(t, err)
	assert.NotNil(t, sub.AgentLastConnectedAt)
}

func TestHandshakeRejectsBadToken(t *testing.T) {
	f := newTunnelFixture(t)
	ws := f.dial(t)

	sendMsg(t, ws, Message{Type: TypeAuth, Token: "hld_sub_bogus"})

	msg := readMsg(t, ws)
	assert.Equal(t, TypeAuthError, msg.Type)
	assert.Equal(t, "invalid token", msg.Message)
}

func TestHandshakeRejectsPublisherToken(t *testing.T) {
	f := newTunnelFixture(t)
	ctx := context.Background()

	raw, hash, keyPrefix := auth.GenerateKey(auth.PublisherPrefix)
	require.NoError(t, f.store.CreateAPIKey(ctx, &models.APIKey{
		ID: models.NewID("key"), KeyHash: hash, KeyPrefix: keyPrefix,
		OwnerType: models.OwnerPublisher, OwnerID: "pub_1",
		Status: models.APIKeyActive, CreatedAt: time.Now().UTC(),
	}))

	ws := f.dial(t)
	sendMsg(t, ws, Message{Type: TypeAuth, Token: raw})

	msg := readMsg(t, ws)
	assert.Equal(t, TypeAuthError, msg.Type)
	assert.Equal(t, "subscriber token required", msg.Message)
}

func TestNonAuthFirstMessageCloses(t *testing.T) {
	f := newTunnelFixture(t)
	ws := f.dial(t)

	sendMsg(t, ws, Message{Type: TypePong})

	ws.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, _, err := ws.ReadMessage()
	require.Error(t, err)
	assert.True(t, websocket.IsCloseError(err, websocket.ClosePolicyViolation))
}

func TestSignalPushAndAck(t *testing.T) {
	f := newTunnelFixture(t)
	ws := f.dial(t)

	sendMsg(t, ws, Message{Type: TypeAuth, Token: f.subscriberKey})
	authOK := readMsg(t, ws)
	require.Equal(t, TypeAuthOK, authOK.Type)

	conn := waitRegistered(t, f.registry, f.subscriber.ID)
	require.NoError(t, conn.Enqueue(Message{
		Type:        TypeSignal,
		DeliveryID:  "del_1",
		ChannelID:   "ch_1",
		ChannelSlug: "alerts",
		Signal:      &TunnelSignal{ID: "sig_1", Title: "t", Body: "b", Urgency: models.UrgencyHigh},
	}))

	// The heartbeat may interleave a ping before the push.
	pushed := readMsg(t, ws)
	for pushed.Type == TypePing {
		pushed = readMsg(t, ws)
	}
	assert.Equal(t, TypeSignal, pushed.Type)
	assert.Equal(t, "del_1", pushed.DeliveryID)
	require.NotNil(t, pushed.Signal)
	assert.Equal(t, "sig_1", pushed.Signal.ID)

	// Positive ack bumps the connection's delivered counter.
	sendMsg(t, ws, Message{Type: TypeAck, DeliveryID: "del_1"})
	time.Sleep(100 * time.Millisecond)
}

func TestNackInvokesHandler(t *testing.T) {
	f := newTunnelFixture(t)

	nacked := make(chan string, 1)
	f.server.OnNack = func(ctx context.Context, deliveryID, reason string) {
		nacked <- deliveryID + ":" + reason
	}

	ws := f.dial(t)
	sendMsg(t, ws, Message{Type: TypeAuth, Token: f.subscriberKey})
	require.Equal(t, TypeAuthOK, readMsg(t, ws).Type)

	sendMsg(t, ws, Message{Type: TypeAck, DeliveryID: "del_9", Error: "connection refused"})

	select {
	case got := <-nacked:
		assert.Equal(t, "del_9:connection refused", got)
	case <-time.After(2 * time.Second):
		t.Fatal("nack handler never invoked")
	}
}

func TestDisplacement(t *testing.T) {
	f := newTunnelFixture(t)

	wsA := f.dial(t)
	sendMsg(t, wsA, Message{Type: TypeAuth, Token: f.subscriberKey})
	authA := readMsg(t, wsA)
	require.Equal(t, TypeAuthOK, authA.Type)
	waitRegistered(t, f.registry, f.subscriber.ID)

	wsB := f.dial(t)
	sendMsg(t, wsB, Message{Type: TypeAuth, Token: f.subscriberKey})
	authB := readMsg(t, wsB)
	require.Equal(t, TypeAuthOK, authB.Type)
	require.NotEqual(t, authA.ConnectionID, authB.ConnectionID)

	// B owns the registry slot.
	deadline := time.Now().Add(2 * time.Second)
	for {
		conn, ok := f.registry.Lookup(f.subscriber.ID)
		if ok && conn.ID == authB.ConnectionID {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("replacement never took over the registry")
		}
		time.Sleep(10 * time.Millisecond)
	}

	// A is closed with a displacement reason.
	wsA.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		_, _, err := wsA.ReadMessage()
		if err != nil {
			assert.True(t, websocket.IsCloseError(err, websocket.ClosePolicyViolation),
				"expected displacement close, got %v", err)
			break
		}
	}
}

func TestServerPingsAndTracksPong(t *testing.T) {
	f := newTunnelFixture(t)
	ws := f.dial(t)

	sendMsg(t, ws, Message{Type: TypeAuth, Token: f.subscriberKey})
	require.Equal(t, TypeAuthOK, readMsg(t, ws).Type)

	// Heartbeat is 1s in this fixture.
	msg := readMsg(t, ws)
	assert.Equal(t, TypePing, msg.Type)
	sendMsg(t, ws, Message{Type: TypePong})
}
