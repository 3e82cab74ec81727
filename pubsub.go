package graph

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/graphql-go/graphql"
	"github.com/graphql-go/graphql/language/parser"
	"github.com/graphql-go/graphql/language/source"
	"github.com/rs/zerolog"
)

// PubSub publishes events to topics and hands subscription resolvers the
// registrable channels that route deliveries back to their clients.
//
// Unlike an in-process pub/sub there is no event stream to range over:
// subscribers are WebSocket connections tracked in Redis, and Publish pushes
// one framed message through the gateway per registered (connection,
// subscription) pair.
//
// Example Usage:
//
//	// In a subscription resolver:
//	WithResolver(func(ctx context.Context, p graph.ResolveParams) (interface{}, error) {
//	    return pubsub.Subscribe("messaged_broadcast"), nil
//	})
//
//	// From anywhere (a mutation, another service, a cron):
//	pubsub.Publish(ctx, "messaged_broadcast", map[string]string{"text": "Hello"})
type PubSub interface {
	// Publish sends payload to every subscriber of the topic. Per-delivery
	// failures never fail the publish: gone connections are cleaned up,
	// other transport errors are logged. It returns an error only for
	// invalid input or when the subscriber set cannot be read.
	Publish(ctx context.Context, topic string, payload interface{}) error

	// Subscribe returns a registrable channel for the given topics. The
	// channel performs no I/O until Register is called with the ids of the
	// subscribing connection and operation.
	Subscribe(topics ...string) *Channel
}

// Channel is the value a subscription resolver returns to bind its client to
// a set of topics: a capability object, not an event stream.
type Channel struct {
	// Topics lists the fan-out keys this channel receives.
	Topics []string

	register func(ctx context.Context, connectionID, subscriptionID string) error
}

// Register records the (connection, subscription) pair on every topic of the
// channel in one atomic registry operation.
func (c *Channel) Register(ctx context.Context, connectionID, subscriptionID string) error {
	if c.register == nil {
		return ErrChannelNotRegistrable
	}
	return c.register(ctx, connectionID, subscriptionID)
}

// RedisPubSubParams configures a RedisPubSub.
type RedisPubSubParams struct {
	// Registry resolves topics to subscriber channels and owns cleanup.
	Registry *Registry

	// Gateway posts framed messages to connections.
	Gateway GatewayClient

	// Schema enables schema-aware publishing: each delivery re-executes the
	// stored subscribe operation with the published payload as root value,
	// so resolvers shape per-subscription data. When nil, payloads are
	// forwarded raw as {"data": payload}. The mode is fixed at construction.
	Schema *graphql.Schema

	// Replacer is applied to outbound frames before JSON encoding.
	Replacer JSONReplacer

	Logger zerolog.Logger
}

// RedisPubSub is the distributed fan-out publisher: it resolves a topic's
// subscribers from the Redis registry and pushes one "next" frame per
// channel through the gateway.
type RedisPubSub struct {
	registry *Registry
	gateway  GatewayClient
	schema   *graphql.Schema
	replacer JSONReplacer
	log      zerolog.Logger
}

// NewRedisPubSub creates the publisher.
func NewRedisPubSub(params RedisPubSubParams) *RedisPubSub {
	return &RedisPubSub{
		registry: params.Registry,
		gateway:  params.Gateway,
		schema:   params.Schema,
		replacer: params.Replacer,
		log:      params.Logger,
	}
}

// Subscribe returns a registrable channel backed by the registry.
func (p *RedisPubSub) Subscribe(topics ...string) *Channel {
	return &Channel{
		Topics: topics,
		register: func(ctx context.Context, connectionID, subscriptionID string) error {
			return p.registry.Register(ctx, connectionID, subscriptionID, topics)
		},
	}
}

// Publish resolves the topic's subscribers and dispatches all sends in
// parallel. A send that fails with HTTP 410 marks the connection gone and
// triggers its full cleanup; any other send error is logged and skipped.
func (p *RedisPubSub) Publish(ctx context.Context, topic string, payload interface{}) error {
	if topic == "" {
		return ErrInvalidTopic
	}
	if _, err := json.Marshal(payload); err != nil {
		return ErrInvalidPayload
	}

	channels, err := p.registry.GetChannels(ctx, topic)
	if err != nil {
		return err
	}
	if len(channels) == 0 {
		return nil
	}

	var wg sync.WaitGroup
	for _, ch := range channels {
		wg.Add(1)
		go func(ch ChannelRef) {
			defer wg.Done()
			p.deliver(ctx, ch, payload)
		}(ch)
	}
	wg.Wait()
	return nil
}

func (p *RedisPubSub) deliver(ctx context.Context, ch ChannelRef, payload interface{}) {
	frame, err := p.frame(ctx, ch, payload)
	if err != nil {
		p.log.Error().Err(err).
			Str("connection_id", ch.ConnectionID).
			Str("subscription_id", ch.SubscriptionID).
			Msg("failed to frame event")
		return
	}

	err = p.gateway.PostToConnection(ctx, ch.ConnectionID, frame)
	if err == nil {
		return
	}
	if IsGone(err) {
		p.dropConnection(ctx, ch.ConnectionID)
		return
	}
	p.log.Error().Err(err).
		Str("connection_id", ch.ConnectionID).
		Str("subscription_id", ch.SubscriptionID).
		Msg("failed to deliver event")
}

// frame builds the "next" message for one channel. In schema-aware mode the
// stored subscribe operation is re-executed with the payload as root value;
// otherwise the payload is wrapped verbatim.
func (p *RedisPubSub) frame(ctx context.Context, ch ChannelRef, payload interface{}) ([]byte, error) {
	var framed interface{}
	if p.schema != nil {
		if result, ok := p.mapSourceToResponse(ctx, ch, payload); ok {
			framed = result
		}
	}
	if framed == nil {
		framed = map[string]interface{}{"data": payload}
	}

	raw, err := json.Marshal(framed)
	if err != nil {
		return nil, err
	}
	msg := interface{}(OperationMessage{
		ID:      ch.SubscriptionID,
		Type:    MessageTypeNext,
		Payload: json.RawMessage(raw),
	})
	if p.replacer != nil {
		msg, err = p.replacer(msg)
		if err != nil {
			return nil, err
		}
	}
	return json.Marshal(msg)
}

// mapSourceToResponse re-executes the subscription operation so resolvers
// can shape the event. The execution runs with an empty context value. A
// missing or unparseable payload record falls back to raw forwarding.
func (p *RedisPubSub) mapSourceToResponse(ctx context.Context, ch ChannelRef, payload interface{}) (*graphql.Result, bool) {
	stored, err := p.registry.LoadPayload(ctx, ch.SubscriptionID)
	if err != nil || stored == nil {
		return nil, false
	}
	doc, err := parser.Parse(parser.ParseParams{
		Source: source.NewSource(&source.Source{Body: []byte(stored.Query)}),
	})
	if err != nil {
		return nil, false
	}
	result := graphql.Execute(graphql.ExecuteParams{
		Schema:        *p.schema,
		Root:          payload,
		AST:           doc,
		OperationName: stored.OperationName,
		Args:          stored.Variables,
		Context:       context.Background(),
	})
	return result, true
}

// dropConnection tears down the state of a connection the gateway reports as
// gone. All errors are swallowed: the publish must not fail because a peer
// vanished.
func (p *RedisPubSub) dropConnection(ctx context.Context, connectionID string) {
	subs, err := p.registry.GetConnectionSubscriptions(ctx, connectionID)
	if err != nil {
		p.log.Debug().Err(err).Str("connection_id", connectionID).Msg("gone cleanup: listing subscriptions failed")
	}
	if err := p.registry.Disconnect(ctx, connectionID); err != nil {
		p.log.Debug().Err(err).Str("connection_id", connectionID).Msg("gone cleanup: disconnect failed")
		return
	}
	for _, sid := range subs {
		if err := p.registry.DeletePayload(ctx, sid); err != nil {
			p.log.Debug().Err(err).Str("subscription_id", sid).Msg("gone cleanup: payload delete failed")
		}
	}
}

// Common errors
var (
	ErrInvalidTopic          = newError("topic must be a non-empty string")
	ErrInvalidPayload        = newError("payload is not JSON-encodable")
	ErrChannelNotRegistrable = newError("channel carries no registration capability")
)

type pubsubError struct {
	msg string
}

func newError(msg string) error {
	return &pubsubError{msg: msg}
}

func (e *pubsubError) Error() string {
	return e.msg
}
