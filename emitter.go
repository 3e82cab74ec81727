package graph

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/graphql-go/graphql"
	"github.com/graphql-go/graphql/gqlerrors"
)

// emitter frames the server->client messages of one operation through the
// socket, giving the OnNext/OnError/OnComplete hooks a chance to observe or
// replace each payload.
type emitter struct {
	srv     *Server
	sock    *Socket
	id      string
	payload *SubscribePayload
}

func (s *Server) emitterFor(sock *Socket, id string, payload *SubscribePayload) *emitter {
	return &emitter{srv: s, sock: sock, id: id, payload: payload}
}

// next sends one execution result. The OnNext hook may replace the payload;
// a nil replacement keeps the original.
func (e *emitter) next(ctx context.Context, result *graphql.Result) error {
	var payload interface{} = result
	if e.srv.opts.OnNext != nil {
		replaced, err := e.srv.opts.OnNext(ctx, e.sock, e.id, e.payload, result)
		if err != nil {
			return err
		}
		if replaced != nil {
			payload = replaced
		}
	}
	return e.send(ctx, MessageTypeNext, payload)
}

// sendError sends a terminal "error" frame carrying the operation's errors.
func (e *emitter) sendError(ctx context.Context, errs []gqlerrors.FormattedError) error {
	var payload interface{} = errs
	if e.srv.opts.OnError != nil {
		replaced, err := e.srv.opts.OnError(ctx, e.sock, e.id, e.payload, errs)
		if err != nil {
			return err
		}
		if replaced != nil {
			payload = replaced
		}
	}
	return e.send(ctx, MessageTypeError, payload)
}

// complete finishes the operation. The OnComplete hook fires only for
// operations that actually registered as subscriptions on this connection;
// notify controls whether the client is told, since a server-initiated
// completion of a client-completed operation must stay silent.
func (e *emitter) complete(ctx context.Context, notify bool) error {
	if e.srv.opts.OnComplete != nil {
		if cc, err := e.sock.Context(ctx); err == nil && cc != nil {
			if _, active := cc.Subscriptions[e.id]; active {
				if err := e.srv.opts.OnComplete(ctx, e.sock, e.id, e.payload); err != nil {
					return err
				}
			}
		}
	}
	if !notify {
		return nil
	}
	msg := OperationMessage{ID: e.id, Type: MessageTypeComplete}
	return e.sock.Send(ctx, msg)
}

func (e *emitter) send(ctx context.Context, messageType string, payload interface{}) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode %s payload: %w", messageType, err)
	}
	return e.sock.Send(ctx, OperationMessage{ID: e.id, Type: messageType, Payload: raw})
}
