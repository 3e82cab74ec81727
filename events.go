package graph

import (
	"fmt"
	"strings"

	"github.com/mitchellh/mapstructure"
)

// Lifecycle event types delivered by the host gateway.
const (
	EventTypeConnect    = "CONNECT"
	EventTypeDisconnect = "DISCONNECT"
	EventTypeMessage    = "MESSAGE"
)

// DefaultRouteKey is the catch-all route of the WebSocket API. MESSAGE
// events on any other route are delegated to the custom route handler.
const DefaultRouteKey = "$default"

// Event is one inbound WebSocket lifecycle event: CONNECT when a client
// opens the socket, MESSAGE for every frame, DISCONNECT when it closes.
// Each event arrives as an independent invocation.
type Event struct {
	EventType            string              `json:"eventType" mapstructure:"eventType"`
	RouteKey             string              `json:"routeKey" mapstructure:"routeKey"`
	ConnectionID         string              `json:"connectionId" mapstructure:"connectionId"`
	MultiValueHeaders    map[string][]string `json:"multiValueHeaders,omitempty" mapstructure:"multiValueHeaders"`
	Body                 string              `json:"body,omitempty" mapstructure:"body"`
	DisconnectStatusCode int                 `json:"disconnectStatusCode,omitempty" mapstructure:"disconnectStatusCode"`
	DisconnectReason     string              `json:"disconnectReason,omitempty" mapstructure:"disconnectReason"`

	// Raw carries the untyped host event for hooks that need fields the
	// envelope does not model (identity, request id, stage).
	Raw map[string]interface{} `json:"-" mapstructure:"-"`
}

// Response is the invocation result handed back to the host. Non-200 is
// used only to reject a CONNECT whose subprotocol cannot be negotiated.
type Response struct {
	StatusCode int               `json:"statusCode"`
	Headers    map[string]string `json:"headers,omitempty"`
	Body       string            `json:"body,omitempty"`
}

// EventFromMap decodes a raw host event into the typed envelope. Both the
// flat shape and the API-Gateway shape, where eventType/routeKey/
// connectionId/disconnect fields live under "requestContext", are accepted.
func EventFromMap(raw map[string]interface{}) (*Event, error) {
	flattened := make(map[string]interface{}, len(raw))
	for k, v := range raw {
		flattened[k] = v
	}
	if rc, ok := raw["requestContext"].(map[string]interface{}); ok {
		for k, v := range rc {
			if _, shadowed := flattened[k]; !shadowed {
				flattened[k] = v
			}
		}
	}

	var event Event
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           &event,
		WeaklyTypedInput: true,
	})
	if err != nil {
		return nil, err
	}
	if err := decoder.Decode(flattened); err != nil {
		return nil, fmt.Errorf("decode event: %w", err)
	}

	switch event.EventType {
	case EventTypeConnect, EventTypeDisconnect, EventTypeMessage:
	default:
		return nil, fmt.Errorf("unknown event type %q", event.EventType)
	}
	if event.ConnectionID == "" {
		return nil, fmt.Errorf("event has no connection id")
	}

	event.Raw = raw
	return &event, nil
}

// header returns the values of a header by case-insensitive name lookup.
func (e *Event) header(name string) []string {
	for k, v := range e.MultiValueHeaders {
		if strings.EqualFold(k, name) {
			return v
		}
	}
	return nil
}
