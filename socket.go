package graph

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// Socket is the per-invocation view over one client connection. It is
// re-created for every gateway event and holds no cross-invocation state:
// the context is lazily loaded from the store on first use and memoized so
// concurrent readers within the invocation share one read.
type Socket struct {
	connectionID string
	gateway      GatewayClient
	store        *ContextStore
	replacer     JSONReplacer

	once    sync.Once
	cc      *ConnectionContext
	loadErr error
}

func newSocket(connectionID string, gateway GatewayClient, store *ContextStore, replacer JSONReplacer) *Socket {
	return &Socket{
		connectionID: connectionID,
		gateway:      gateway,
		store:        store,
		replacer:     replacer,
	}
}

// ConnectionID returns the gateway's id for this connection.
func (s *Socket) ConnectionID() string { return s.connectionID }

// Context lazily loads the connection context and memoizes it for the rest
// of the invocation.
func (s *Socket) Context(ctx context.Context) (*ConnectionContext, error) {
	s.once.Do(func() {
		s.cc, s.loadErr = s.store.Load(ctx, s.connectionID)
	})
	return s.cc, s.loadErr
}

// CreateContext replaces the stored context record, bypassing change
// tracking, and memoizes the new context.
func (s *Socket) CreateContext(ctx context.Context, cc *ConnectionContext) error {
	if err := s.store.Create(ctx, s.connectionID, cc); err != nil {
		return err
	}
	s.once.Do(func() {})
	s.cc, s.loadErr = cc, nil
	return nil
}

// Send pushes a frame to the client. Strings pass through verbatim; any
// other value is JSON-encoded, respecting the configured replacer.
func (s *Socket) Send(ctx context.Context, data interface{}) error {
	var raw []byte
	switch v := data.(type) {
	case string:
		raw = []byte(v)
	case []byte:
		raw = v
	default:
		if s.replacer != nil {
			replaced, err := s.replacer(v)
			if err != nil {
				return fmt.Errorf("replace frame: %w", err)
			}
			v = replaced
		}
		encoded, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("encode frame: %w", err)
		}
		raw = encoded
	}
	return s.gateway.PostToConnection(ctx, s.connectionID, raw)
}

// Close mimics a WebSocket close to the client with a synthetic close frame,
// then asks the gateway to delete the connection.
func (s *Socket) Close(ctx context.Context, code int, reason string) error {
	if err := s.Send(ctx, closeFrame{Type: MessageTypeClose, Code: code, Reason: reason}); err != nil && !IsGone(err) {
		return err
	}
	if err := s.gateway.DeleteConnection(ctx, s.connectionID); err != nil && !IsGone(err) {
		return err
	}
	return nil
}

// Flush persists the context's staged changes. It must complete before the
// invocation acknowledges the event.
func (s *Socket) Flush(ctx context.Context) error {
	if s.cc == nil {
		return nil
	}
	return s.store.Flush(ctx, s.cc)
}
