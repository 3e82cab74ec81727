package graph

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// ChannelRef is the delivery address of one subscription: the pair of ids a
// publisher needs to push a framed message to the right client operation.
type ChannelRef struct {
	ConnectionID   string
	SubscriptionID string
}

// Multi-key mutations run server-side as one script so concurrent
// invocations never observe a torn triple-index.
var (
	// KEYS[1] conn set, KEYS[2] sub set, KEYS[3..] topic sets; ARGV[1] tuple.
	registerScript = redis.NewScript(`
redis.call('SADD', KEYS[1], KEYS[2])
for i = 3, #KEYS do
  redis.call('SADD', KEYS[i], ARGV[1])
  redis.call('SADD', KEYS[2], KEYS[i])
end
return 1
`)

	// KEYS[1] conn set, KEYS[2] sub set; ARGV[1] tuple.
	unregisterScript = redis.NewScript(`
local topics = redis.call('SMEMBERS', KEYS[2])
for _, topic in ipairs(topics) do
  redis.call('SREM', topic, ARGV[1])
end
redis.call('SREM', KEYS[1], KEYS[2])
redis.call('DEL', KEYS[2])
return 1
`)

	// KEYS[1] conn set, KEYS[2] context hash.
	disconnectScript = redis.NewScript(`
local subs = redis.call('SMEMBERS', KEYS[1])
for _, sub in ipairs(subs) do
  local tuple = KEYS[1] .. '#' .. sub
  local topics = redis.call('SMEMBERS', sub)
  for _, topic in ipairs(topics) do
    redis.call('SREM', topic, tuple)
  end
  redis.call('DEL', sub)
end
redis.call('DEL', KEYS[1])
redis.call('DEL', KEYS[2])
return 1
`)
)

// Registry maintains the Redis-backed many-to-many mapping between topics,
// subscriptions, and connections, plus the per-subscription subscribe payload
// records. All multi-key mutations execute as one scripted transaction, so
// operations on the same connection are linearizable and idempotent.
type Registry struct {
	client redis.UniversalClient
	keys   *KeySpace
	log    zerolog.Logger
}

// NewRegistry creates a registry over the given Redis client.
func NewRegistry(client redis.UniversalClient, keys *KeySpace, log zerolog.Logger) *Registry {
	return &Registry{client: client, keys: keys, log: log}
}

// Register atomically records a subscription under its connection and on
// every listed topic. Registering the same triple twice yields exactly one
// tuple per topic.
func (r *Registry) Register(ctx context.Context, connectionID, subscriptionID string, topics []string) error {
	if len(topics) == 0 {
		return fmt.Errorf("register %s/%s: no topics", connectionID, subscriptionID)
	}
	keys := make([]string, 0, len(topics)+2)
	keys = append(keys, r.keys.ConnectionKey(connectionID), r.keys.SubscriptionKey(subscriptionID))
	for _, t := range topics {
		keys = append(keys, r.keys.TopicKey(t))
	}
	tuple := r.keys.ChannelTuple(connectionID, subscriptionID)
	if err := registerScript.Run(ctx, r.client, keys, tuple).Err(); err != nil {
		return fmt.Errorf("register %s/%s: %w", connectionID, subscriptionID, err)
	}
	return nil
}

// Unregister atomically removes one subscription: its tuple from every topic
// it references, its entry in the connection's owned set, and its topic set.
// Unregistering an already-removed subscription is a no-op.
func (r *Registry) Unregister(ctx context.Context, connectionID, subscriptionID string) error {
	keys := []string{r.keys.ConnectionKey(connectionID), r.keys.SubscriptionKey(subscriptionID)}
	tuple := r.keys.ChannelTuple(connectionID, subscriptionID)
	if err := unregisterScript.Run(ctx, r.client, keys, tuple).Err(); err != nil {
		return fmt.Errorf("unregister %s/%s: %w", connectionID, subscriptionID, err)
	}
	return nil
}

// Disconnect atomically removes every subscription owned by the connection,
// the connection's owned set, and its context record. Subscribe payload
// records are left for the caller, which needs them for completion hooks.
func (r *Registry) Disconnect(ctx context.Context, connectionID string) error {
	keys := []string{r.keys.ConnectionKey(connectionID), r.keys.ContextKey(connectionID)}
	if err := disconnectScript.Run(ctx, r.client, keys).Err(); err != nil {
		return fmt.Errorf("disconnect %s: %w", connectionID, err)
	}
	return nil
}

// GetChannels lists the delivery addresses subscribed to a topic. Malformed
// members are dropped silently. The read takes no lock; callers tolerate
// concurrent mutation.
func (r *Registry) GetChannels(ctx context.Context, topic string) ([]ChannelRef, error) {
	members, err := r.client.SMembers(ctx, r.keys.TopicKey(topic)).Result()
	if err != nil {
		return nil, fmt.Errorf("channels of %q: %w", topic, err)
	}
	channels := make([]ChannelRef, 0, len(members))
	for _, m := range members {
		cid, sid, err := r.keys.ParseChannelTuple(m)
		if err != nil {
			r.log.Debug().Str("member", m).Msg("skipping malformed channel tuple")
			continue
		}
		channels = append(channels, ChannelRef{ConnectionID: cid, SubscriptionID: sid})
	}
	return channels, nil
}

// GetRegisteredTopics lists the topic names a subscription references.
func (r *Registry) GetRegisteredTopics(ctx context.Context, subscriptionID string) ([]string, error) {
	members, err := r.client.SMembers(ctx, r.keys.SubscriptionKey(subscriptionID)).Result()
	if err != nil {
		return nil, fmt.Errorf("topics of %s: %w", subscriptionID, err)
	}
	topics := make([]string, 0, len(members))
	for _, m := range members {
		topics = append(topics, r.keys.TopicName(m))
	}
	return topics, nil
}

// GetConnectionSubscriptions lists the subscription ids owned by a
// connection.
func (r *Registry) GetConnectionSubscriptions(ctx context.Context, connectionID string) ([]string, error) {
	members, err := r.client.SMembers(ctx, r.keys.ConnectionKey(connectionID)).Result()
	if err != nil {
		return nil, fmt.Errorf("subscriptions of %s: %w", connectionID, err)
	}
	subs := make([]string, 0, len(members))
	for _, m := range members {
		subs = append(subs, r.keys.SubscriptionID(m))
	}
	return subs, nil
}

// IsRegistered reports whether a subscription id is currently registered.
func (r *Registry) IsRegistered(ctx context.Context, subscriptionID string) (bool, error) {
	n, err := r.client.Exists(ctx, r.keys.SubscriptionKey(subscriptionID)).Result()
	if err != nil {
		return false, fmt.Errorf("exists %s: %w", subscriptionID, err)
	}
	return n > 0, nil
}

// PersistPayload stores the verbatim client-submitted subscribe payload for
// the lifetime of the subscription.
func (r *Registry) PersistPayload(ctx context.Context, subscriptionID string, payload *SubscribePayload) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode payload %s: %w", subscriptionID, err)
	}
	if err := r.client.Set(ctx, r.keys.PayloadKey(subscriptionID), raw, 0).Err(); err != nil {
		return fmt.Errorf("persist payload %s: %w", subscriptionID, err)
	}
	return nil
}

// LoadPayload reads a stored subscribe payload. A missing record returns
// (nil, nil).
func (r *Registry) LoadPayload(ctx context.Context, subscriptionID string) (*SubscribePayload, error) {
	raw, err := r.client.Get(ctx, r.keys.PayloadKey(subscriptionID)).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load payload %s: %w", subscriptionID, err)
	}
	var payload SubscribePayload
	if err := json.Unmarshal([]byte(raw), &payload); err != nil {
		return nil, fmt.Errorf("decode payload %s: %w", subscriptionID, err)
	}
	return &payload, nil
}

// DeletePayload removes a stored subscribe payload.
func (r *Registry) DeletePayload(ctx context.Context, subscriptionID string) error {
	if err := r.client.Del(ctx, r.keys.PayloadKey(subscriptionID)).Err(); err != nil {
		return fmt.Errorf("delete payload %s: %w", subscriptionID, err)
	}
	return nil
}
