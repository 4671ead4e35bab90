package tunnel

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const (
	routeKeyPrefix  = "tunnel:route:"
	pushChanPrefix  = "tunnel:push:"
	routeKeyExpiry  = 24 * time.Hour
)

// forwardedPush is the pub/sub payload for a push relayed to the server
// instance holding the subscriber's socket.
type forwardedPush struct {
	SubscriberID string  `json:"subscriber_id"`
	Message      Message `json:"message"`
}

// Router resolves which server holds a subscriber's tunnel and pushes
// signal messages to it. With no redis configured it is local-only: a
// registry miss means the tunnel path is unavailable.
type Router struct {
	registry *Registry
	rdb      *redis.Client
	serverID string
	log      zerolog.Logger
}

func NewRouter(registry *Registry, rdb *redis.Client, serverID string, log zerolog.Logger) *Router {
	return &Router{
		registry: registry,
		rdb:      rdb,
		serverID: serverID,
		log:      log,
	}
}

// RegisterRoute records subscriber -> this server in the shared KV store.
func (rt *Router) RegisterRoute(ctx context.Context, subscriberID string) {
	if rt.rdb == nil {
		return
	}
	if err := rt.rdb.Set(ctx, routeKeyPrefix+subscriberID, rt.serverID, routeKeyExpiry).Err(); err != nil {
		rt.log.Warn().Err(err).Str("subscriber_id", subscriberID).Msg("tunnel: route register failed")
	}
}

// Delete-if-ours, so a displacement on another server is not clobbered.
var unregisterScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)

// UnregisterRoute removes the mapping on clean disconnect, but only while
// it still points at this server.
func (rt *Router) UnregisterRoute(ctx context.Context, subscriberID string) {
	if rt.rdb == nil {
		return
	}
	if err := unregisterScript.Run(ctx, rt.rdb, []string{routeKeyPrefix + subscriberID}, rt.serverID).Err(); err != nil {
		rt.log.Warn().Err(err).Str("subscriber_id", subscriberID).Msg("tunnel: route unregister failed")
	}
}

// Push delivers a signal message to the subscriber's agent: locally when
// this instance holds the socket, otherwise forwarded over pub/sub to the
// home server discovered in the KV store. Returns ErrNoAgent when no
// server claims the subscriber and ErrQueueFull on local saturation.
func (rt *Router) Push(ctx context.Context, subscriberID string, msg Message) error {
	if conn, ok := rt.registry.Lookup(subscriberID); ok {
		return conn.Enqueue(msg)
	}

	if rt.rdb == nil {
		return ErrNoAgent
	}

	home, err := rt.rdb.Get(ctx, routeKeyPrefix+subscriberID).Result()
	if err == redis.Nil {
		return ErrNoAgent
	}
	if err != nil {
		return err
	}
	if home == rt.serverID {
		// Route points here but the local registry misses: the agent is
		// gone and teardown has not caught up.
		return ErrNoAgent
	}

	payload, err := json.Marshal(forwardedPush{SubscriberID: subscriberID, Message: msg})
	if err != nil {
		return err
	}
	receivers, err := rt.rdb.Publish(ctx, pushChanPrefix+home, payload).Result()
	if err != nil {
		return err
	}
	if receivers == 0 {
		return ErrNoAgent
	}
	return nil
}

// HasAgent reports whether any server currently claims the subscriber.
func (rt *Router) HasAgent(ctx context.Context, subscriberID string) bool {
	if _, ok := rt.registry.Lookup(subscriberID); ok {
		return true
	}
	if rt.rdb == nil {
		return false
	}
	_, err := rt.rdb.Get(ctx, routeKeyPrefix+subscriberID).Result()
	return err == nil
}

// Run subscribes to this server's forward channel and re-queues incoming
// pushes into the local registry. Blocks until ctx is canceled.
func (rt *Router) Run(ctx context.Context) error {
	if rt.rdb == nil {
		<-ctx.Done()
		return nil
	}

	sub := rt.rdb.Subscribe(ctx, pushChanPrefix+rt.serverID)
	defer sub.Close()

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case m, ok := <-ch:
			if !ok {
				return nil
			}
			var fwd forwardedPush
			if err := json.Unmarshal([]byte(m.Payload), &fwd); err != nil {
				rt.log.Warn().Err(err).Msg("tunnel: bad forwarded push")
				continue
			}
			conn, ok := rt.registry.Lookup(fwd.SubscriberID)
			if !ok {
				rt.log.Debug().Str("subscriber_id", fwd.SubscriberID).Msg("tunnel: forwarded push for absent agent")
				continue
			}
			if err := conn.Enqueue(fwd.Message); err != nil {
				rt.log.Warn().Err(err).Str("subscriber_id", fwd.SubscriberID).Msg("tunnel: forwarded push dropped")
			}
		}
	}
}
