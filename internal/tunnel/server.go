package tunnel

import (
	"context"
	"encoding/json"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/herald-sh/herald/internal/auth"
	"github.com/herald-sh/herald/internal/config"
	"github.com/herald-sh/herald/internal/models"
	"github.com/herald-sh/herald/internal/storage"
)

const writeTimeout = 10 * time.Second

// Server accepts long-lived agent connections over WebSocket, runs the
// auth handshake, and keeps the registry and routing table in sync with
// the live socket set.
type Server struct {
	store    storage.Storage
	registry *Registry
	router   *Router
	cfg      config.TunnelConfig
	serverID string
	log      zerolog.Logger
	upgrader websocket.Upgrader

	// OnNack is invoked when an agent converts an ack into a negative ack;
	// the delivery pipeline downgrades the delivery and re-enters the
	// retry ladder.
	OnNack func(ctx context.Context, deliveryID, reason string)
}

func NewServer(store storage.Storage, registry *Registry, router *Router, cfg config.TunnelConfig, serverID string, log zerolog.Logger) *Server {
	return &Server{
		store:    store,
		registry: registry,
		router:   router,
		cfg:      cfg,
		serverID: serverID,
		log:      log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Agents are standalone processes, not browsers.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// Handle upgrades GET /v1/tunnel and serves the connection until it drops.
func (s *Server) Handle(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn().Err(err).Msg("tunnel: upgrade failed")
		return
	}
	s.serve(r.Context(), ws)
}

func (s *Server) serve(ctx context.Context, ws *websocket.Conn) {
	defer ws.Close()

	maxFrame := s.cfg.MaxFrameBytes
	if maxFrame <= 0 {
		maxFrame = MaxFrameBytes
	}
	ws.SetReadLimit(maxFrame)

	subscriberID, ok := s.handshake(ctx, ws)
	if !ok {
		return
	}

	now := time.Now().UTC()
	conn := NewConn(models.NewID("conn"), subscriberID, s.cfg.QueueCapacity)

	if displaced := s.registry.Register(conn); displaced != nil {
		displaced.Close("displaced")
		if err := s.store.CloseAgentConnection(ctx, displaced.ID, "displaced", now); err != nil {
			s.log.Warn().Err(err).Str("connection_id", displaced.ID).Msg("tunnel: close displaced row failed")
		}
	}

	if err := s.store.CreateAgentConnection(ctx, &models.AgentConnection{
		ID:           conn.ID,
		SubscriberID: subscriberID,
		ServerID:     s.serverID,
		ConnectedAt:  now,
	}); err != nil {
		s.log.Error().Err(err).Msg("tunnel: record connection failed")
	}
	if err := s.store.SetAgentLastConnected(ctx, subscriberID, now); err != nil {
		s.log.Warn().Err(err).Msg("tunnel: update last connected failed")
	}
	s.router.RegisterRoute(ctx, subscriberID)

	var lastPong atomic.Int64
	lastPong.Store(now.UnixNano())

	writerDone := make(chan struct{})
	go s.writeLoop(ws, conn, &lastPong, writerDone)

	if err := conn.Enqueue(Message{
		Type:         TypeAuthOK,
		ConnectionID: conn.ID,
		SubscriberID: subscriberID,
	}); err != nil {
		conn.Close("handshake write failed")
	}

	s.log.Info().
		Str("subscriber_id", subscriberID).
		Str("connection_id", conn.ID).
		Msg("tunnel connected")

	s.readLoop(ctx, ws, conn, &lastPong)

	// Teardown. Only drop the routing entry if this connection still owns
	// the registry slot; a replacement must keep its route.
	conn.Close("connection closed")
	if s.registry.Unregister(conn) {
		s.router.UnregisterRoute(ctx, conn.SubscriberID)
	}
	<-writerDone

	reason := conn.CloseReason()
	if err := s.store.CloseAgentConnection(context.WithoutCancel(ctx), conn.ID, reason, time.Now().UTC()); err != nil {
		s.log.Warn().Err(err).Str("connection_id", conn.ID).Msg("tunnel: close row failed")
	}

	s.log.Info().
		Str("subscriber_id", subscriberID).
		Str("connection_id", conn.ID).
		Str("reason", reason).
		Msg("tunnel disconnected")
}

// handshake expects an auth frame within the deadline; anything else
// closes the socket with 1008.
func (s *Server) handshake(ctx context.Context, ws *websocket.Conn) (string, bool) {
	timeout := s.cfg.HandshakeTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ws.SetReadDeadline(time.Now().Add(timeout))

	_, data, err := ws.ReadMessage()
	if err != nil {
		return "", false
	}

	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil || msg.Type != TypeAuth {
		s.closeWith(ws, websocket.ClosePolicyViolation, "auth required")
		return "", false
	}

	subscriberID, authErr := s.authenticate(ctx, msg.Token)
	if authErr != "" {
		s.writeMessage(ws, Message{Type: TypeAuthError, Message: authErr})
		s.closeWith(ws, websocket.ClosePolicyViolation, authErr)
		return "", false
	}
	return subscriberID, true
}

func (s *Server) authenticate(ctx context.Context, token string) (string, string) {
	if token == "" {
		return "", "missing token"
	}

	key, err := s.store.GetAPIKeyByHash(ctx, auth.HashKey(token))
	if err != nil {
		s.log.Error().Err(err).Msg("tunnel: auth lookup failed")
		return "", "internal auth error"
	}
	if key == nil {
		return "", "invalid token"
	}
	if key.ExpiresAt != nil && key.ExpiresAt.Before(time.Now()) {
		return "", "token expired"
	}
	if key.OwnerType != models.OwnerSubscriber {
		return "", "subscriber token required"
	}

	if err := s.store.TouchAPIKey(ctx, key.ID, time.Now().UTC()); err != nil {
		s.log.Warn().Err(err).Msg("tunnel: touch api key failed")
	}
	return key.OwnerID, ""
}

// writeLoop owns all writes on the socket: outbound messages, heartbeat
// pings, and the close frame. Closes the connection with 1011 when a ping
// is still unanswered at the next heartbeat tick.
func (s *Server) writeLoop(ws *websocket.Conn, conn *Conn, lastPong *atomic.Int64, done chan<- struct{}) {
	defer close(done)

	heartbeat := s.cfg.Heartbeat
	if heartbeat <= 0 {
		heartbeat = 30 * time.Second
	}
	ticker := time.NewTicker(heartbeat)
	defer ticker.Stop()
	var lastPing int64

	for {
		select {
		case msg := <-conn.Outbound():
			if err := s.writeMessage(ws, msg); err != nil {
				conn.Close("write failed")
				return
			}
		case <-ticker.C:
			if lastPing != 0 && lastPong.Load() < lastPing {
				conn.Close("heartbeat timeout")
				s.closeWith(ws, websocket.CloseInternalServerErr, "heartbeat timeout")
				return
			}
			lastPing = time.Now().UnixNano()
			if err := s.writeMessage(ws, Message{Type: TypePing}); err != nil {
				conn.Close("write failed")
				return
			}
		case <-conn.Done():
			if conn.CloseReason() == "displaced" {
				s.closeWith(ws, websocket.ClosePolicyViolation, "displaced by newer connection")
			} else {
				s.closeWith(ws, websocket.CloseNormalClosure, conn.CloseReason())
			}
			return
		}
	}
}

func (s *Server) readLoop(ctx context.Context, ws *websocket.Conn, conn *Conn, lastPong *atomic.Int64) {
	heartbeat := s.cfg.Heartbeat
	if heartbeat <= 0 {
		heartbeat = 30 * time.Second
	}

	for {
		ws.SetReadDeadline(time.Now().Add(3 * heartbeat))
		_, data, err := ws.ReadMessage()
		if err != nil {
			return
		}

		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			s.log.Warn().Str("subscriber_id", conn.SubscriberID).Msg("tunnel: invalid client message")
			continue
		}

		switch msg.Type {
		case TypePong:
			lastPong.Store(time.Now().UnixNano())
		case TypeAck:
			s.handleAck(ctx, conn, msg)
		case TypeAuth:
			s.log.Warn().Str("subscriber_id", conn.SubscriberID).Msg("tunnel: unexpected auth message")
		default:
			s.log.Warn().Str("subscriber_id", conn.SubscriberID).Str("type", msg.Type).Msg("tunnel: unknown message type")
		}
	}
}

// Acks are observability for the happy path; a negative ack downgrades the
// delivery and re-enters the retry ladder via OnNack.
func (s *Server) handleAck(ctx context.Context, conn *Conn, msg Message) {
	if msg.DeliveryID == "" {
		return
	}
	if msg.Error != "" {
		s.log.Info().
			Str("subscriber_id", conn.SubscriberID).
			Str("delivery_id", msg.DeliveryID).
			Str("error", msg.Error).
			Msg("tunnel delivery nacked")
		if s.OnNack != nil {
			s.OnNack(ctx, msg.DeliveryID, msg.Error)
		}
		return
	}

	if err := s.store.IncrementConnectionDelivered(ctx, conn.ID); err != nil {
		s.log.Warn().Err(err).Str("connection_id", conn.ID).Msg("tunnel: ack counter failed")
	}
	s.log.Debug().
		Str("subscriber_id", conn.SubscriberID).
		Str("delivery_id", msg.DeliveryID).
		Msg("tunnel delivery acknowledged")
}

func (s *Server) writeMessage(ws *websocket.Conn, msg Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	return ws.WriteMessage(websocket.TextMessage, data)
}

func (s *Server) closeWith(ws *websocket.Conn, code int, reason string) {
	deadline := time.Now().Add(writeTimeout)
	ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
}
