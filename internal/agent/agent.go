package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	mrand "math/rand"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/herald-sh/herald/internal/tunnel"
)

// Config for the customer-side agent process.
type Config struct {
	// Relay tunnel endpoint, e.g. wss://api.herald.dev/v1/tunnel.
	HeraldURL string
	// Subscriber API key (hld_sub_...).
	Token string
	// Local URL signals are forwarded to.
	ForwardURL string
	// Optional bearer sent on local forwards.
	ForwardToken string
}

const (
	backoffInitial = 1 * time.Second
	backoffCap     = 60 * time.Second
	backoffJitter  = 0.2
	dialTimeout    = 10 * time.Second
	pingGrace      = 30 * time.Second
)

// Agent holds the outbound tunnel connection and forwards received
// signals to a local HTTP endpoint, acking each one upstream.
type Agent struct {
	cfg       Config
	forwarder *Forwarder
	log       zerolog.Logger
}

func New(cfg Config, log zerolog.Logger) *Agent {
	return &Agent{
		cfg:       cfg,
		forwarder: NewForwarder(cfg.ForwardURL, cfg.ForwardToken),
		log:       log,
	}
}

// Run connects and pumps until ctx is canceled, reconnecting with
// exponential backoff. The backoff resets after a successful auth_ok.
func (a *Agent) Run(ctx context.Context) error {
	attempt := 0
	for {
		authed, err := a.connectAndPump(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			a.log.Error().Err(err).Msg("tunnel error")
		} else {
			a.log.Info().Msg("tunnel disconnected")
		}

		if authed {
			attempt = 0
		}
		attempt++

		delay := backoffDelay(attempt)
		a.log.Info().Dur("delay", delay).Msg("reconnecting")
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(delay):
		}
	}
}

// backoffDelay doubles from 1s and caps at 60s, with ±20% jitter so a
// fleet of agents does not reconnect in lockstep.
func backoffDelay(attempt int) time.Duration {
	d := backoffInitial
	for i := 1; i < attempt && d < backoffCap; i++ {
		d *= 2
	}
	if d > backoffCap {
		d = backoffCap
	}
	jitter := 1 + backoffJitter*(2*mrand.Float64()-1)
	return time.Duration(float64(d) * jitter)
}

func (a *Agent) connectAndPump(ctx context.Context) (authed bool, err error) {
	dialer := websocket.Dialer{HandshakeTimeout: dialTimeout}
	ws, _, err := dialer.DialContext(ctx, a.cfg.HeraldURL, nil)
	if err != nil {
		return false, fmt.Errorf("dial: %w", err)
	}
	defer ws.Close()
	ws.SetReadLimit(tunnel.MaxFrameBytes)

	// Close the socket when ctx is canceled so the read loop unblocks.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			ws.Close()
		case <-done:
		}
	}()

	if err := a.send(ws, tunnel.Message{Type: tunnel.TypeAuth, Token: a.cfg.Token}); err != nil {
		return false, fmt.Errorf("send auth: %w", err)
	}

	for {
		ws.SetReadDeadline(time.Now().Add(2*pingGrace + 30*time.Second))
		_, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				return authed, nil
			}
			return authed, err
		}

		var msg tunnel.Message
		if err := json.Unmarshal(data, &msg); err != nil {
			a.log.Warn().Err(err).Msg("invalid server message")
			continue
		}

		switch msg.Type {
		case tunnel.TypeAuthOK:
			authed = true
			a.log.Info().
				Str("connection_id", msg.ConnectionID).
				Str("subscriber_id", msg.SubscriberID).
				Msg("tunnel authenticated")
		case tunnel.TypeAuthError:
			return false, errors.New(msg.Message)
		case tunnel.TypePing:
			if err := a.send(ws, tunnel.Message{Type: tunnel.TypePong}); err != nil {
				return authed, err
			}
		case tunnel.TypeSignal:
			a.handleSignal(ctx, ws, msg)
		default:
			a.log.Warn().Str("type", msg.Type).Msg("unknown server message")
		}
	}
}

// handleSignal forwards the payload locally and acks the delivery; a local
// failure becomes a negative ack so the relay re-enters its retry ladder.
func (a *Agent) handleSignal(ctx context.Context, ws *websocket.Conn, msg tunnel.Message) {
	ack := tunnel.Message{Type: tunnel.TypeAck, DeliveryID: msg.DeliveryID}

	if err := a.forwarder.Forward(ctx, &msg); err != nil {
		a.log.Warn().Err(err).Str("delivery_id", msg.DeliveryID).Msg("local forward failed")
		ack.Error = err.Error()
	} else {
		a.log.Debug().Str("delivery_id", msg.DeliveryID).Msg("signal forwarded")
	}

	if err := a.send(ws, ack); err != nil {
		a.log.Warn().Err(err).Str("delivery_id", msg.DeliveryID).Msg("ack send failed")
	}
}

func (a *Agent) send(ws *websocket.Conn, msg tunnel.Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	ws.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return ws.WriteMessage(websocket.TextMessage, data)
}
