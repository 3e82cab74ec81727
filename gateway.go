package graph

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// GatewayClient is the outbound side of the host's WebSocket gateway: the
// only capabilities the adapter needs are pushing bytes to a connection id
// and deleting a connection id. Errors that carry an HTTP status should
// implement StatusCode() so the publisher can recognize gone connections.
type GatewayClient interface {
	PostToConnection(ctx context.Context, connectionID string, data []byte) error
	DeleteConnection(ctx context.Context, connectionID string) error
}

// TransportError is a gateway failure with an HTTP status.
type TransportError struct {
	Status  int
	Message string
}

func (e *TransportError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("gateway: %d %s", e.Status, e.Message)
	}
	return fmt.Sprintf("gateway: status %d", e.Status)
}

// StatusCode returns the HTTP status reported by the gateway.
func (e *TransportError) StatusCode() int { return e.Status }

type statusCoder interface {
	StatusCode() int
}

// IsGone reports whether a gateway error indicates the connection is
// permanently closed (HTTP 410).
func IsGone(err error) bool {
	var sc statusCoder
	if errors.As(err, &sc) {
		return sc.StatusCode() == http.StatusGone
	}
	return false
}
