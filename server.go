package graph

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/graphql-go/graphql"
	"github.com/graphql-go/graphql/gqlerrors"
	"github.com/graphql-go/graphql/language/ast"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// OperationRoots supplies default root values per operation kind when an
// execution does not carry its own.
type OperationRoots struct {
	Query        interface{}
	Mutation     interface{}
	Subscription interface{}
}

// SubscribeHookResult is what an OnSubscribe hook may return to steer a
// subscribe operation: errors to emit as an "error" frame, or fully formed
// execution args that bypass the default parse/validate pipeline. A nil
// result selects the default pipeline.
type SubscribeHookResult struct {
	Errors []gqlerrors.FormattedError
	Args   *ExecutionArgs
}

// Options configures a Server.
//
// Schema Configuration (choose one):
//   - Schema: a pre-built graphql.Schema
//   - SchemaParams: the builder pattern with query/mutation/subscription fields
//   - SchemaFn: resolve the schema per subscribe operation
//
// When any schema is configured, Publish runs in schema-aware mode: each
// delivered event re-executes the stored subscribe operation with the
// published payload as root value.
//
// Example:
//
//	srv, err := graph.NewServer(graph.Options{
//	    RedisClient: rdb,
//	    Gateway:     gw,
//	    Schema:      &schema,
//	    OnConnect: func(ctx context.Context, sock *graph.Socket, cc *graph.ConnectionContext) (interface{}, bool, error) {
//	        token := graph.ExtractInitToken(cc.ConnectionParams)
//	        return nil, token != "", nil
//	    },
//	})
type Options struct {
	// RedisClient backs the registry and the context store. Required.
	RedisClient redis.UniversalClient

	// Gateway posts frames to and deletes connections at the host gateway.
	// Required.
	Gateway GatewayClient

	// KeyPrefix overrides the pub/sub key namespace. Default "pubsub".
	KeyPrefix string

	// Schema: provide either Schema OR SchemaParams (not both).
	Schema *graphql.Schema

	// SchemaParams: alternative to Schema, built automatically at NewServer.
	SchemaParams *SchemaBuilderParams

	// SchemaFn resolves the schema per operation, overriding Schema.
	SchemaFn func(ctx context.Context, sock *Socket, payload *SubscribePayload) (*graphql.Schema, error)

	// Roots supplies default root values per operation kind.
	Roots *OperationRoots

	// ContextValueFn derives the resolver context for an operation. The
	// default is the invocation context.
	ContextValueFn func(ctx context.Context, sock *Socket, payload *SubscribePayload) (context.Context, error)

	// JSONReplacer rewrites outbound frame values before encoding.
	JSONReplacer JSONReplacer

	// JSONReviver rewrites inbound frame bodies before decoding.
	JSONReviver JSONReviver

	// Validate overrides document validation. The default runs the standard
	// validation rules.
	Validate func(schema *graphql.Schema, doc *ast.Document) []gqlerrors.FormattedError

	// ValidationRules run before standard validation; the first failure is
	// emitted as an "error" frame.
	ValidationRules []ValidationRule

	// Execute overrides query/mutation execution.
	Execute func(ctx context.Context, args *ExecutionArgs) *graphql.Result

	// OnConnect runs on ConnectionInit. Returning allowed=false closes the
	// socket with 4403; a non-nil payload is included in the ack.
	OnConnect func(ctx context.Context, sock *Socket, cc *ConnectionContext) (payload interface{}, allowed bool, err error)

	// OnSubscribe runs before a subscribe operation executes.
	OnSubscribe func(ctx context.Context, sock *Socket, id string, payload *SubscribePayload) (*SubscribeHookResult, error)

	// OnNext may replace the payload of each "next" frame.
	OnNext func(ctx context.Context, sock *Socket, id string, payload *SubscribePayload, result *graphql.Result) (interface{}, error)

	// OnError may replace the payload of an "error" frame.
	OnError func(ctx context.Context, sock *Socket, id string, payload *SubscribePayload, errs []gqlerrors.FormattedError) (interface{}, error)

	// OnComplete observes the end of a subscription, with its stored
	// subscribe payload.
	OnComplete func(ctx context.Context, sock *Socket, id string, payload *SubscribePayload) error

	// OnDisconnect runs on DISCONNECT for acknowledged connections.
	OnDisconnect func(ctx context.Context, sock *Socket, cc *ConnectionContext, code int, reason string) error

	// OnClose runs on every DISCONNECT, acknowledged or not.
	OnClose func(ctx context.Context, sock *Socket, cc *ConnectionContext, code int, reason string) error

	// CustomRouteHandler receives MESSAGE events on non-$default routes.
	CustomRouteHandler func(ctx context.Context, sock *Socket, event *Event) (*Response, error)

	Logger zerolog.Logger
}

// Server is the stateless adapter that turns gateway lifecycle events into
// GraphQL-over-WebSocket protocol behavior. One Server is shared across
// invocations; per-connection state lives in Redis.
type Server struct {
	opts     Options
	keys     *KeySpace
	registry *Registry
	store    *ContextStore
	pubsub   *RedisPubSub
	log      zerolog.Logger
}

// NewServer builds the adapter and its Redis-backed registry, context store,
// and publisher.
func NewServer(opts Options) (*Server, error) {
	if opts.RedisClient == nil {
		return nil, fmt.Errorf("options: RedisClient is required")
	}
	if opts.Gateway == nil {
		return nil, fmt.Errorf("options: Gateway is required")
	}
	if opts.Schema == nil && opts.SchemaParams != nil {
		schema, err := NewSchemaBuilder(*opts.SchemaParams).Build()
		if err != nil {
			return nil, fmt.Errorf("build schema: %w", err)
		}
		opts.Schema = &schema
	}

	log := opts.Logger
	keys := NewKeySpace(opts.KeyPrefix)
	registry := NewRegistry(opts.RedisClient, keys, log)
	store := NewContextStore(opts.RedisClient, keys, log)
	pubsub := NewRedisPubSub(RedisPubSubParams{
		Registry: registry,
		Gateway:  opts.Gateway,
		Schema:   opts.Schema,
		Replacer: opts.JSONReplacer,
		Logger:   log,
	})

	return &Server{
		opts:     opts,
		keys:     keys,
		registry: registry,
		store:    store,
		pubsub:   pubsub,
		log:      log,
	}, nil
}

// PubSub returns the publisher bound to this server's registry. Mutations and
// out-of-band producers use it to publish; subscription resolvers use it to
// obtain registrable channels.
func (s *Server) PubSub() PubSub { return s.pubsub }

// Registry exposes the connection/subscription registry.
func (s *Server) Registry() *Registry { return s.registry }

// HandleRaw decodes an untyped host event and handles it.
func (s *Server) HandleRaw(ctx context.Context, raw map[string]interface{}) (*Response, error) {
	event, err := EventFromMap(raw)
	if err != nil {
		return nil, err
	}
	return s.HandleEvent(ctx, event)
}

// HandleEvent processes one gateway lifecycle event. All staged context
// changes are flushed before a successful response; a failed flush fails the
// invocation so the host retries or surfaces the error.
func (s *Server) HandleEvent(ctx context.Context, event *Event) (*Response, error) {
	sock := newSocket(event.ConnectionID, s.opts.Gateway, s.store, s.opts.JSONReplacer)

	var (
		resp *Response
		err  error
	)
	switch event.EventType {
	case EventTypeConnect:
		resp, err = s.handleConnect(ctx, sock, event)
	case EventTypeMessage:
		resp, err = s.handleMessage(ctx, sock, event)
	case EventTypeDisconnect:
		resp, err = s.handleDisconnect(ctx, sock, event)
	default:
		return nil, fmt.Errorf("unknown event type %q", event.EventType)
	}
	if err != nil {
		return nil, err
	}

	if err := sock.Flush(ctx); err != nil {
		return nil, err
	}
	return resp, nil
}

// handleConnect negotiates the subprotocol and creates a fresh context
// record seeded with a snapshot of the request.
func (s *Server) handleConnect(ctx context.Context, sock *Socket, event *Event) (*Response, error) {
	protocol := negotiateSubprotocol(event.header("Sec-WebSocket-Protocol"))
	if protocol == "" {
		body, _ := json.Marshal(map[string]interface{}{
			"error":             "Invalid protocol",
			"message":           "No supported subprotocol was offered",
			"supportedProtocol": nil,
		})
		return &Response{
			StatusCode: 400,
			Headers:    map[string]string{"Content-Type": "application/json"},
			Body:       string(body),
		}, nil
	}

	cc := NewConnectionContext()
	cc.Extra = requestSnapshot(event)
	if err := sock.CreateContext(ctx, cc); err != nil {
		return nil, err
	}

	s.log.Debug().Str("connection_id", event.ConnectionID).Str("protocol", protocol).Msg("connection accepted")
	return &Response{
		StatusCode: 200,
		Headers:    map[string]string{"Sec-WebSocket-Protocol": protocol},
	}, nil
}

// negotiateSubprotocol picks the first supported subprotocol among the
// client's offerings, in the server's preference order.
func negotiateSubprotocol(offered []string) string {
	var client []string
	for _, header := range offered {
		for _, p := range strings.Split(header, ",") {
			client = append(client, strings.TrimSpace(p))
		}
	}
	for _, supported := range SupportedSubprotocols {
		for _, p := range client {
			if p == supported {
				return supported
			}
		}
	}
	return ""
}

// requestSnapshot normalizes the connect request into plain JSON values so
// it can live in the flattened context hash.
func requestSnapshot(event *Event) interface{} {
	var src interface{}
	if rc, ok := event.Raw["requestContext"]; ok {
		src = rc
	} else {
		src = event
	}
	raw, err := json.Marshal(src)
	if err != nil {
		return map[string]interface{}{}
	}
	var snapshot interface{}
	if err := json.Unmarshal(raw, &snapshot); err != nil {
		return map[string]interface{}{}
	}
	return snapshot
}

func (s *Server) handleMessage(ctx context.Context, sock *Socket, event *Event) (*Response, error) {
	if event.RouteKey != "" && event.RouteKey != DefaultRouteKey && s.opts.CustomRouteHandler != nil {
		return s.opts.CustomRouteHandler(ctx, sock, event)
	}

	body := []byte(event.Body)
	if s.opts.JSONReviver != nil {
		revived, err := s.opts.JSONReviver(body)
		if err != nil {
			return s.closeSocket(ctx, sock, CloseBadRequest, "Invalid message received")
		}
		body = revived
	}

	var msg OperationMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		return s.closeSocket(ctx, sock, CloseBadRequest, "Invalid message received")
	}

	switch msg.Type {
	case MessageTypeConnectionInit:
		return s.handleConnectionInit(ctx, sock, &msg)
	case MessageTypePing:
		if err := sock.Send(ctx, OperationMessage{Type: MessageTypePong, Payload: msg.Payload}); err != nil {
			return nil, err
		}
		return ok200(), nil
	case MessageTypePong:
		return ok200(), nil
	case MessageTypeSubscribe:
		return s.handleSubscribe(ctx, sock, &msg)
	case MessageTypeComplete:
		return s.handleComplete(ctx, sock, &msg)
	default:
		return s.closeSocket(ctx, sock, CloseBadRequest, "Invalid message received")
	}
}

func (s *Server) handleConnectionInit(ctx context.Context, sock *Socket, msg *OperationMessage) (*Response, error) {
	cc, err := sock.Context(ctx)
	if err != nil {
		return nil, err
	}
	if cc.ConnectionInitReceived {
		return s.closeSocket(ctx, sock, CloseTooManyInitRequests, "Too many initialisation requests")
	}

	// Params go into the context before the hook runs, so OnConnect can
	// authorize against them (ExtractInitToken and friends).
	if len(msg.Payload) > 0 {
		var params interface{}
		if err := json.Unmarshal(msg.Payload, &params); err != nil {
			return s.closeSocket(ctx, sock, CloseBadRequest, "Invalid message received")
		}
		if err := cc.Set(fieldConnectionParams, params); err != nil {
			return nil, err
		}
	}

	var ackPayload interface{}
	if s.opts.OnConnect != nil {
		payload, allowed, err := s.opts.OnConnect(ctx, sock, cc)
		if err != nil {
			return nil, err
		}
		if !allowed {
			return s.closeSocket(ctx, sock, CloseForbidden, "Forbidden")
		}
		ackPayload = payload
	}

	if err := cc.Set(fieldInitReceived, true); err != nil {
		return nil, err
	}
	if err := cc.Set(fieldAcknowledged, true); err != nil {
		return nil, err
	}

	ack := OperationMessage{Type: MessageTypeConnectionAck}
	if ackPayload != nil {
		raw, err := json.Marshal(ackPayload)
		if err != nil {
			return nil, fmt.Errorf("encode ack payload: %w", err)
		}
		ack.Payload = raw
	}
	if err := sock.Send(ctx, ack); err != nil {
		return nil, err
	}
	return ok200(), nil
}

func (s *Server) handleSubscribe(ctx context.Context, sock *Socket, msg *OperationMessage) (*Response, error) {
	cc, err := sock.Context(ctx)
	if err != nil {
		return nil, err
	}
	if !cc.Acknowledged {
		return s.closeSocket(ctx, sock, CloseUnauthorized, "Unauthorized")
	}
	if msg.ID == "" {
		return s.closeSocket(ctx, sock, CloseBadRequest, "Invalid message received")
	}

	registered, err := s.registry.IsRegistered(ctx, msg.ID)
	if err != nil {
		return nil, err
	}
	if registered {
		return s.closeSocket(ctx, sock, CloseSubscriberAlreadyExists,
			fmt.Sprintf("Subscriber for %s already exists", msg.ID))
	}

	var payload SubscribePayload
	if err := json.Unmarshal(msg.Payload, &payload); err != nil {
		return s.closeSocket(ctx, sock, CloseBadRequest, "Invalid message received")
	}
	if err := s.registry.PersistPayload(ctx, msg.ID, &payload); err != nil {
		return nil, err
	}
	// The record must outlive the invocation only for registered
	// subscriptions; every other exit reclaims it, or the id would stay
	// orphaned in Redis with no TTL.
	defer func() {
		if _, registered := cc.Subscriptions[msg.ID]; registered {
			return
		}
		if err := s.registry.DeletePayload(ctx, msg.ID); err != nil {
			s.log.Warn().Err(err).Str("subscription_id", msg.ID).Msg("discarding unregistered payload failed")
		}
	}()

	em := s.emitterFor(sock, msg.ID, &payload)

	var args *ExecutionArgs
	if s.opts.OnSubscribe != nil {
		result, err := s.opts.OnSubscribe(ctx, sock, msg.ID, &payload)
		if err != nil {
			return nil, err
		}
		if result != nil {
			if len(result.Errors) > 0 {
				if err := em.sendError(ctx, result.Errors); err != nil {
					return nil, err
				}
				return ok200(), nil
			}
			args = result.Args
		}
	}
	if args == nil {
		built, validationErrs, err := s.buildExecutionArgs(ctx, sock, &payload)
		if err != nil {
			return nil, err
		}
		if len(validationErrs) > 0 {
			if err := em.sendError(ctx, validationErrs); err != nil {
				return nil, err
			}
			return ok200(), nil
		}
		args = built
	}

	opCtx := ctx
	if s.opts.ContextValueFn != nil {
		opCtx, err = s.opts.ContextValueFn(ctx, sock, &payload)
		if err != nil {
			return nil, err
		}
	}

	op := operationDefinition(args.Document, args.OperationName)
	if op == nil {
		formatted := gqlerrors.FormatError(fmt.Errorf("Unable to identify operation"))
		if err := em.sendError(ctx, []gqlerrors.FormattedError{formatted}); err != nil {
			return nil, err
		}
		return ok200(), nil
	}

	if op.Operation == "subscription" {
		return s.executeSubscription(ctx, opCtx, sock, cc, em, args, op, msg.ID)
	}
	return s.executeOperation(ctx, opCtx, em, args, op)
}

// executeSubscription resolves the root subscription field. A registrable
// channel return binds the subscription to its topics; any other value is a
// single immediate result followed by a silent completion.
func (s *Server) executeSubscription(ctx, opCtx context.Context, sock *Socket, cc *ConnectionContext, em *emitter, args *ExecutionArgs, op *ast.OperationDefinition, id string) (*Response, error) {
	if args.RootValue == nil && s.opts.Roots != nil {
		args.RootValue = s.opts.Roots.Subscription
	}

	result, fieldName, err := resolveSubscriptionField(opCtx, args, op)
	if err != nil {
		if _, closeErr := s.closeSocket(ctx, sock, CloseBadRequest, "Bad request"); closeErr != nil {
			s.log.Error().Err(closeErr).Str("connection_id", sock.ConnectionID()).Msg("close after resolver failure")
		}
		return nil, err
	}

	if ch, ok := result.(*Channel); ok {
		if err := ch.Register(ctx, sock.ConnectionID(), id); err != nil {
			return nil, err
		}
		cc.Subscriptions[id] = struct{}{}
		s.log.Debug().Str("connection_id", sock.ConnectionID()).Str("subscription_id", id).
			Str("field", fieldName).Strs("topics", ch.Topics).Msg("subscription registered")
		return ok200(), nil
	}

	execResult, ok := result.(*graphql.Result)
	if !ok {
		execResult = &graphql.Result{Data: result}
	}
	if err := em.next(ctx, execResult); err != nil {
		return nil, err
	}
	if err := em.complete(ctx, false); err != nil {
		return nil, err
	}
	return ok200(), nil
}

// executeOperation runs a query or mutation over the socket and completes
// the operation.
func (s *Server) executeOperation(ctx, opCtx context.Context, em *emitter, args *ExecutionArgs, op *ast.OperationDefinition) (*Response, error) {
	if args.RootValue == nil && s.opts.Roots != nil {
		switch op.Operation {
		case "query":
			args.RootValue = s.opts.Roots.Query
		case "mutation":
			args.RootValue = s.opts.Roots.Mutation
		}
	}

	var result *graphql.Result
	if s.opts.Execute != nil {
		result = s.opts.Execute(opCtx, args)
	} else {
		result = graphql.Execute(graphql.ExecuteParams{
			Schema:        *args.Schema,
			Root:          args.RootValue,
			AST:           args.Document,
			OperationName: args.OperationName,
			Args:          args.VariableValues,
			Context:       opCtx,
		})
	}

	if err := em.next(ctx, result); err != nil {
		return nil, err
	}
	if err := em.complete(ctx, true); err != nil {
		return nil, err
	}
	return ok200(), nil
}

// handleComplete tears down one subscription at the client's request. The
// stored subscribe payload must exist: a complete for an unknown operation
// is a protocol violation.
func (s *Server) handleComplete(ctx context.Context, sock *Socket, msg *OperationMessage) (*Response, error) {
	if msg.ID == "" {
		return s.closeSocket(ctx, sock, CloseBadRequest, "Invalid message received")
	}
	if err := s.registry.Unregister(ctx, sock.ConnectionID(), msg.ID); err != nil {
		return nil, err
	}

	payload, err := s.registry.LoadPayload(ctx, msg.ID)
	if err != nil {
		return nil, err
	}
	if payload == nil {
		return nil, fmt.Errorf("complete %s: no stored subscribe payload", msg.ID)
	}
	if s.opts.OnComplete != nil {
		if err := s.opts.OnComplete(ctx, sock, msg.ID, payload); err != nil {
			return nil, err
		}
	}
	if err := s.registry.DeletePayload(ctx, msg.ID); err != nil {
		return nil, err
	}

	if cc, err := sock.Context(ctx); err == nil {
		delete(cc.Subscriptions, msg.ID)
	}
	return ok200(), nil
}

// handleDisconnect tears down everything the connection owned, then runs the
// close hooks. The peer-reported code and reason default to a normal
// going-away close when the host omits them.
func (s *Server) handleDisconnect(ctx context.Context, sock *Socket, event *Event) (*Response, error) {
	code := event.DisconnectStatusCode
	if code == 0 {
		code = 1001
	}
	reason := event.DisconnectReason
	if reason == "" {
		reason = "Going away"
	}

	cc, err := sock.Context(ctx)
	if err != nil {
		return nil, err
	}

	subs, err := s.registry.GetConnectionSubscriptions(ctx, event.ConnectionID)
	if err != nil {
		return nil, err
	}
	if err := s.registry.Disconnect(ctx, event.ConnectionID); err != nil {
		return nil, err
	}

	for _, sid := range subs {
		payload, err := s.registry.LoadPayload(ctx, sid)
		if err != nil {
			s.log.Warn().Err(err).Str("subscription_id", sid).Msg("disconnect: loading payload failed")
			continue
		}
		if payload != nil && s.opts.OnComplete != nil {
			if err := s.opts.OnComplete(ctx, sock, sid, payload); err != nil {
				return nil, err
			}
		}
		if err := s.registry.DeletePayload(ctx, sid); err != nil {
			s.log.Warn().Err(err).Str("subscription_id", sid).Msg("disconnect: payload delete failed")
		}
	}

	if cc.Acknowledged && s.opts.OnDisconnect != nil {
		if err := s.opts.OnDisconnect(ctx, sock, cc, code, reason); err != nil {
			return nil, err
		}
	}
	if s.opts.OnClose != nil {
		if err := s.opts.OnClose(ctx, sock, cc, code, reason); err != nil {
			return nil, err
		}
	}
	return ok200(), nil
}

// closeSocket mimics a protocol close to the client and still acknowledges
// the invocation: the violation is the client's, not the host's.
func (s *Server) closeSocket(ctx context.Context, sock *Socket, code int, reason string) (*Response, error) {
	if err := sock.Close(ctx, code, reason); err != nil {
		s.log.Warn().Err(err).Str("connection_id", sock.ConnectionID()).
			Int("code", code).Msg("socket close failed")
	}
	return ok200(), nil
}

func ok200() *Response {
	return &Response{StatusCode: 200}
}
