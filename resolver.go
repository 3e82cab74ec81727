package graph

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/graphql-go/graphql"
)

// ResolveParams aliases graphql.ResolveParams so resolver helpers can hang
// off a local type.
type ResolveParams graphql.ResolveParams

type FieldResolveFn func(p ResolveParams) (interface{}, error)

// FieldMiddleware wraps a field resolver with additional functionality
// (auth, logging, caching, etc.)
type FieldMiddleware func(next FieldResolveFn) FieldResolveFn

// QueryField represents a GraphQL query field that can be added to a schema.
type QueryField interface {
	Serve() *graphql.Field

	Name() string
}

// MutationField represents a GraphQL mutation field that can be added to a
// schema.
type MutationField interface {
	Serve() *graphql.Field

	Name() string
}

type builtField struct {
	name  string
	field *graphql.Field
}

func (f *builtField) Serve() *graphql.Field { return f.field }
func (f *builtField) Name() string          { return f.name }

// Resolver builds type-safe query and mutation fields with a fluent API.
//
// Type Parameters:
//   - T: The Go struct type that will be converted to a GraphQL type
//
// Example:
//
//	field := NewResolver[Message]("message").
//	    WithArgs(graphql.FieldConfigArgument{
//	        "id": &graphql.ArgumentConfig{Type: graphql.NewNonNull(graphql.String)},
//	    }).
//	    WithResolver(func(ctx context.Context, p ResolveParams) (*Message, error) {
//	        id, _ := GetArgString(p, "id")
//	        return store.Get(id)
//	    }).
//	    BuildQuery()
type Resolver[T any] struct {
	name        string
	description string
	args        graphql.FieldConfigArgument
	resolver    func(ctx context.Context, p ResolveParams) (*T, error)
	middleware  []FieldMiddleware
	isList      bool
	objectName  string
}

// NewResolver creates a resolver for the named field. The GraphQL type is
// generated from T.
func NewResolver[T any](name string) *Resolver[T] {
	return &Resolver[T]{
		name:       name,
		args:       make(graphql.FieldConfigArgument),
		objectName: strings.ToUpper(name[:1]) + name[1:],
	}
}

// WithDescription adds a description to the field.
func (r *Resolver[T]) WithDescription(desc string) *Resolver[T] {
	r.description = desc
	return r
}

// WithArgs sets the field's arguments.
func (r *Resolver[T]) WithArgs(args graphql.FieldConfigArgument) *Resolver[T] {
	r.args = args
	return r
}

// WithResolver sets the resolver function.
func (r *Resolver[T]) WithResolver(fn func(ctx context.Context, p ResolveParams) (*T, error)) *Resolver[T] {
	r.resolver = fn
	return r
}

// WithMiddleware adds middleware, executed in the order added.
func (r *Resolver[T]) WithMiddleware(middleware FieldMiddleware) *Resolver[T] {
	r.middleware = append(r.middleware, middleware)
	return r
}

// AsList marks the field as returning a list of T.
func (r *Resolver[T]) AsList() *Resolver[T] {
	r.isList = true
	return r
}

// BuildQuery builds the field for the Query type.
func (r *Resolver[T]) BuildQuery() QueryField {
	return &builtField{name: r.name, field: r.build()}
}

// BuildMutation builds the field for the Mutation type.
func (r *Resolver[T]) BuildMutation() MutationField {
	return &builtField{name: r.name, field: r.build()}
}

func (r *Resolver[T]) build() *graphql.Field {
	var outputType graphql.Output = r.generateType()
	if r.isList {
		outputType = graphql.NewList(outputType)
	}

	resolve := func(p ResolveParams) (interface{}, error) {
		if r.resolver == nil {
			return nil, fmt.Errorf("resolver not configured for %s", r.name)
		}
		return r.resolver(p.Context, p)
	}
	for i := len(r.middleware) - 1; i >= 0; i-- {
		resolve = r.middleware[i](resolve)
	}

	return &graphql.Field{
		Type:        outputType,
		Args:        r.args,
		Description: r.description,
		Resolve: func(p graphql.ResolveParams) (interface{}, error) {
			return resolve(ResolveParams(p))
		},
	}
}

func (r *Resolver[T]) generateType() graphql.Output {
	var zero T
	switch any(zero).(type) {
	case string:
		return graphql.String
	case int, int32, int64:
		return graphql.Int
	case float32, float64:
		return graphql.Float
	case bool:
		return graphql.Boolean
	}
	return RegisterObjectType(r.objectName, func() *graphql.Object {
		return GenerateGraphQLObject[T](r.objectName)
	})
}

// GetArg safely extracts a value from p.Args and unmarshals it into the
// target. Scalars are copied directly; complex types go through JSON.
func GetArg(p ResolveParams, key string, target interface{}) error {
	value, exists := p.Args[key]
	if !exists {
		return fmt.Errorf("argument '%s' not found", key)
	}

	if strPtr, ok := target.(*string); ok {
		if str, ok := value.(string); ok {
			*strPtr = str
			return nil
		}
	}

	if intPtr, ok := target.(*int); ok {
		if i, ok := value.(int); ok {
			*intPtr = i
			return nil
		}
		if f, ok := value.(float64); ok {
			*intPtr = int(f)
			return nil
		}
	}

	jsonBytes, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal argument: %w", err)
	}

	if err := json.Unmarshal(jsonBytes, target); err != nil {
		return fmt.Errorf("failed to unmarshal argument into target: %w", err)
	}

	return nil
}

// GetArgString safely extracts a string argument from p.Args
func GetArgString(p ResolveParams, key string) (string, error) {
	value, exists := p.Args[key]
	if !exists {
		return "", fmt.Errorf("argument '%s' not found", key)
	}

	str, ok := value.(string)
	if !ok {
		return "", fmt.Errorf("argument '%s' is not a string", key)
	}

	return str, nil
}

// GetArgInt safely extracts an int argument from p.Args
func GetArgInt(p ResolveParams, key string) (int, error) {
	value, exists := p.Args[key]
	if !exists {
		return 0, fmt.Errorf("argument '%s' not found", key)
	}

	// Handle both int and float64 (JSON numbers are parsed as float64)
	switch v := value.(type) {
	case int:
		return v, nil
	case float64:
		return int(v), nil
	default:
		return 0, fmt.Errorf("argument '%s' is not a number", key)
	}
}
