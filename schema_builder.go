package graph

import (
	"context"
	"sync"

	"github.com/graphql-go/graphql"
	"github.com/redis/go-redis/v9"
	"go.uber.org/fx"
)

type SchemaBuilderParams struct {
	fx.In

	QueryFields        []QueryField        `group:"query_fields"`
	MutationFields     []MutationField     `group:"mutation_fields"`
	SubscriptionFields []SubscriptionField `group:"subscription_fields"`
}

type SchemaBuilder struct {
	queryFields        []QueryField
	mutationFields     []MutationField
	subscriptionFields []SubscriptionField
}

func NewSchemaBuilder(params SchemaBuilderParams) *SchemaBuilder {
	return &SchemaBuilder{
		queryFields:        params.QueryFields,
		mutationFields:     params.MutationFields,
		subscriptionFields: params.SubscriptionFields,
	}
}

func (sb *SchemaBuilder) Build() (graphql.Schema, error) {
	queryFields := graphql.Fields{}
	for _, field := range sb.queryFields {
		queryFields[field.Name()] = field.Serve()
	}

	mutationFields := graphql.Fields{}
	for _, field := range sb.mutationFields {
		mutationFields[field.Name()] = field.Serve()
	}

	subscriptionFields := graphql.Fields{}
	for _, field := range sb.subscriptionFields {
		subscriptionFields[field.Name()] = field.Serve()
	}

	schemaConfig := graphql.SchemaConfig{}

	if len(queryFields) > 0 {
		schemaConfig.Query = graphql.NewObject(graphql.ObjectConfig{
			Name:   "Query",
			Fields: queryFields,
		})
	}

	if len(mutationFields) > 0 {
		schemaConfig.Mutation = graphql.NewObject(graphql.ObjectConfig{
			Name:   "Mutation",
			Fields: mutationFields,
		})
	}

	if len(subscriptionFields) > 0 {
		schemaConfig.Subscription = graphql.NewObject(graphql.ObjectConfig{
			Name:   "Subscription",
			Fields: subscriptionFields,
		})
	}

	return graphql.NewSchema(schemaConfig)
}

func ProvideSchema(sb *SchemaBuilder) (graphql.Schema, error) {
	return sb.Build()
}

var GraphQLModule = fx.Options(
	fx.Provide(
		NewSchemaBuilder,
		ProvideSchema,
	),
)

// ServerlessModule wires the adapter for an fx application: the schema comes
// from the field groups, the server from Options filled in by the app.
//
// Field constructors that need the publisher take the *PubSubRef, which is
// bound to the server's publisher at startup. That breaks the cycle between
// the schema (built from the fields) and the server (built from the schema).
//
// Example:
//
//	fx.New(
//	    graph.GraphQLModule,
//	    graph.ServerlessModule,
//	    fx.Provide(
//	        newRedisClient,
//	        newGatewayClient,
//	        graph.AsSubscriptionField(newMessageBroadcast),
//	    ),
//	)
var ServerlessModule = fx.Options(
	fx.Provide(
		NewPubSubRef,
		NewServerFromSchema,
	),
	fx.Invoke(bindPubSubRef),
)

// PubSubRef is a late-bound handle to the server's publisher. It implements
// PubSub by delegating to the bound instance; it is bound during fx startup,
// before any event is handled.
type PubSubRef struct {
	mu sync.RWMutex
	ps PubSub
}

func NewPubSubRef() *PubSubRef { return &PubSubRef{} }

func (r *PubSubRef) bind(ps PubSub) {
	r.mu.Lock()
	r.ps = ps
	r.mu.Unlock()
}

func (r *PubSubRef) resolve() PubSub {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.ps
}

func (r *PubSubRef) Publish(ctx context.Context, topic string, payload interface{}) error {
	ps := r.resolve()
	if ps == nil {
		return newError("pubsub not bound yet")
	}
	return ps.Publish(ctx, topic, payload)
}

func (r *PubSubRef) Subscribe(topics ...string) *Channel {
	ps := r.resolve()
	if ps == nil {
		return &Channel{Topics: topics}
	}
	return ps.Subscribe(topics...)
}

func bindPubSubRef(ref *PubSubRef, srv *Server) {
	ref.bind(srv.PubSub())
}

// ServerParams collects the serverless adapter's dependencies for fx.
type ServerParams struct {
	fx.In

	RedisClient redis.UniversalClient
	Gateway     GatewayClient
	Schema      graphql.Schema
	Options     Options `optional:"true"`
}

// NewServerFromSchema builds a Server around an fx-provided schema. Any
// Options value in the graph supplies hooks and tuning; its RedisClient,
// Gateway, and Schema fields are overridden by the graph's own.
func NewServerFromSchema(params ServerParams) (*Server, error) {
	opts := params.Options
	opts.RedisClient = params.RedisClient
	opts.Gateway = params.Gateway
	opts.Schema = &params.Schema
	return NewServer(opts)
}

// AsQueryField annotates a constructor as a query field group member.
func AsQueryField(constructor interface{}) interface{} {
	return fx.Annotate(constructor, fx.As(new(QueryField)), fx.ResultTags(`group:"query_fields"`))
}

// AsMutationField annotates a constructor as a mutation field group member.
func AsMutationField(constructor interface{}) interface{} {
	return fx.Annotate(constructor, fx.As(new(MutationField)), fx.ResultTags(`group:"mutation_fields"`))
}

// AsSubscriptionField annotates a constructor as a subscription field group
// member.
func AsSubscriptionField(constructor interface{}) interface{} {
	return fx.Annotate(constructor, fx.As(new(SubscriptionField)), fx.ResultTags(`group:"subscription_fields"`))
}
