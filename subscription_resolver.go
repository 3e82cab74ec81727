package graph

import (
	"context"
	"fmt"
	"reflect"
	"strings"

	"github.com/graphql-go/graphql"
)

// SubscriptionField represents a GraphQL subscription field that can be added
// to a schema. It follows the same interface pattern as QueryField and
// MutationField.
//
// Create subscription fields using NewSubscription:
//
//	sub := NewSubscription[MessageEvent]("messageAdded").
//	    WithArgs(...).
//	    WithTopics(...).
//	    BuildSubscription(pubsub)
type SubscriptionField interface {
	// Serve returns the GraphQL field configuration
	Serve() *graphql.Field

	// Name returns the subscription field name
	Name() string
}

// subscriptionField is the concrete implementation of SubscriptionField
type subscriptionField struct {
	name  string
	field *graphql.Field
}

func (s *subscriptionField) Serve() *graphql.Field {
	return s.field
}

func (s *subscriptionField) Name() string {
	return s.name
}

// SubscriptionResolveFn resolves a subscribe operation. It returns either a
// registrable *Channel, binding the client to the channel's topics, or an
// immediate value of type T that is delivered once before the operation
// completes.
//
// There is no event stream to produce: delivery happens later, when a
// publisher pushes an event to one of the channel's topics.
type SubscriptionResolveFn[T any] func(ctx context.Context, p ResolveParams) (interface{}, error)

// SubscriptionResolver builds type-safe subscription fields with a fluent
// API.
//
// Type Parameters:
//   - T: The Go struct type delivered to subscribers; the GraphQL type is
//     generated from it
//
// Basic Usage:
//
//	type MessageEvent struct {
//	    ID      string `json:"id"`
//	    Content string `json:"content"`
//	}
//
//	sub := NewSubscription[MessageEvent]("messageAdded").
//	    WithDescription("Subscribe to new messages").
//	    WithArgs(graphql.FieldConfigArgument{
//	        "channelID": &graphql.ArgumentConfig{
//	            Type: graphql.NewNonNull(graphql.String),
//	        },
//	    }).
//	    WithTopics(func(p ResolveParams) []string {
//	        channelID, _ := GetArgString(p, "channelID")
//	        return []string{"messages:" + channelID}
//	    }).
//	    BuildSubscription(pubsub)
//
// For full control over the resolution, use WithResolver and return a
// channel yourself:
//
//	sub := NewSubscription[MessageEvent]("messageAdded").
//	    WithResolver(func(ctx context.Context, p ResolveParams) (interface{}, error) {
//	        if !authorized(ctx, p) {
//	            return nil, errors.New("unauthorized")
//	        }
//	        return pubsub.Subscribe("messages"), nil
//	    }).
//	    BuildSubscription(nil)
type SubscriptionResolver[T any] struct {
	name            string
	description     string
	args            graphql.FieldConfigArgument
	resolver        SubscriptionResolveFn[T]
	topicsFn        func(p ResolveParams) []string
	middleware      []FieldMiddleware
	fieldResolvers  map[string]graphql.FieldResolveFn
	fieldMiddleware map[string][]FieldMiddleware
	generatedType   *graphql.Object
	objectName      string
}

// NewSubscription creates a new subscription resolver with the specified
// name. The type parameter T determines the event type delivered to
// subscribers.
func NewSubscription[T any](name string) *SubscriptionResolver[T] {
	return &SubscriptionResolver[T]{
		name:            name,
		args:            make(graphql.FieldConfigArgument),
		fieldResolvers:  make(map[string]graphql.FieldResolveFn),
		fieldMiddleware: make(map[string][]FieldMiddleware),
		objectName:      strings.ToUpper(name[:1]) + name[1:],
	}
}

// WithDescription adds a description to the subscription field.
func (s *SubscriptionResolver[T]) WithDescription(desc string) *SubscriptionResolver[T] {
	s.description = desc
	return s
}

// WithArgs sets custom arguments for the subscription.
func (s *SubscriptionResolver[T]) WithArgs(args graphql.FieldConfigArgument) *SubscriptionResolver[T] {
	s.args = args
	return s
}

// WithTopics derives the fan-out topics from the subscribe operation's
// arguments. The built field resolves to a registrable channel on those
// topics.
func (s *SubscriptionResolver[T]) WithTopics(fn func(p ResolveParams) []string) *SubscriptionResolver[T] {
	s.topicsFn = fn
	return s
}

// WithResolver sets a custom resolver, overriding WithTopics. It may return
// a *Channel or an immediate value.
func (s *SubscriptionResolver[T]) WithResolver(fn SubscriptionResolveFn[T]) *SubscriptionResolver[T] {
	s.resolver = fn
	return s
}

// WithMiddleware adds middleware to the subscription resolver.
// Middleware is executed in the order it's added.
func (s *SubscriptionResolver[T]) WithMiddleware(middleware FieldMiddleware) *SubscriptionResolver[T] {
	s.middleware = append(s.middleware, middleware)
	return s
}

// WithFieldResolver overrides the resolver for a specific field in the event
// type. Useful when the published payload carries ids that need expanding at
// delivery time.
func (s *SubscriptionResolver[T]) WithFieldResolver(fieldName string, resolver graphql.FieldResolveFn) *SubscriptionResolver[T] {
	s.fieldResolvers[fieldName] = resolver
	return s
}

// WithFieldMiddleware adds middleware to a specific field in the event type.
func (s *SubscriptionResolver[T]) WithFieldMiddleware(fieldName string, middleware FieldMiddleware) *SubscriptionResolver[T] {
	s.fieldMiddleware[fieldName] = append(s.fieldMiddleware[fieldName], middleware)
	return s
}

// BuildSubscription builds a SubscriptionField that can be added to the
// schema. pubsub supplies channels to the WithTopics mode and may be nil
// when a custom resolver is set.
func (s *SubscriptionResolver[T]) BuildSubscription(pubsub PubSub) SubscriptionField {
	s.generatedType = s.generateType()
	s.applyFieldCustomizations()

	return &subscriptionField{
		name: s.name,
		field: &graphql.Field{
			Type:        s.generatedType,
			Args:        s.args,
			Description: s.description,
			Subscribe:   s.buildSubscribeFn(pubsub),
			Resolve:     s.buildResolveFn(),
		},
	}
}

// generateType creates a GraphQL type from the Go struct T
func (s *SubscriptionResolver[T]) generateType() *graphql.Object {
	var zero T
	t := reflect.TypeOf(zero)
	if t != nil && t.Kind() == reflect.Ptr {
		t = t.Elem()
	}

	typeName := s.objectName
	if t != nil && t.Name() != "" {
		typeName = t.Name()
	}

	return RegisterObjectType(typeName, func() *graphql.Object {
		return GenerateGraphQLObject[T](typeName)
	})
}

// applyFieldCustomizations applies field resolvers and middleware
func (s *SubscriptionResolver[T]) applyFieldCustomizations() {
	if s.generatedType == nil {
		return
	}

	fields := s.generatedType.Fields()

	for fieldName, resolver := range s.fieldResolvers {
		if field, exists := fields[fieldName]; exists {
			field.Resolve = resolver
		}
	}

	for fieldName, middlewares := range s.fieldMiddleware {
		field, exists := fields[fieldName]
		if !exists || field.Resolve == nil {
			continue
		}
		originalResolve := field.Resolve

		wrapped := func(p ResolveParams) (interface{}, error) {
			return originalResolve(graphql.ResolveParams(p))
		}
		// Apply in reverse order so the first added is outermost
		for i := len(middlewares) - 1; i >= 0; i-- {
			wrapped = middlewares[i](wrapped)
		}

		field.Resolve = func(p graphql.ResolveParams) (interface{}, error) {
			return wrapped(ResolveParams(p))
		}
	}
}

// buildSubscribeFn creates the subscribe resolver invoked once per subscribe
// operation. Its return value decides between channel registration and a
// single immediate result.
func (s *SubscriptionResolver[T]) buildSubscribeFn(pubsub PubSub) graphql.FieldResolveFn {
	resolver := s.resolver
	if resolver == nil && s.topicsFn != nil {
		resolver = func(ctx context.Context, p ResolveParams) (interface{}, error) {
			if pubsub == nil {
				return nil, fmt.Errorf("subscription %s has topics but no pubsub", s.name)
			}
			topics := s.topicsFn(p)
			if len(topics) == 0 {
				return nil, fmt.Errorf("subscription %s resolved no topics", s.name)
			}
			return pubsub.Subscribe(topics...), nil
		}
	}

	return func(p graphql.ResolveParams) (interface{}, error) {
		if resolver == nil {
			return nil, fmt.Errorf("subscription resolver not configured for %s", s.name)
		}

		wrapped := func(rp ResolveParams) (interface{}, error) {
			return resolver(rp.Context, rp)
		}
		for i := len(s.middleware) - 1; i >= 0; i-- {
			wrapped = s.middleware[i](wrapped)
		}
		return wrapped(ResolveParams(p))
	}
}

// buildResolveFn creates the resolve function applied per delivered event:
// the published payload arrives as the source.
func (s *SubscriptionResolver[T]) buildResolveFn() graphql.FieldResolveFn {
	return func(p graphql.ResolveParams) (interface{}, error) {
		return p.Source, nil
	}
}
