package graph

import "encoding/json"

// GraphQL-over-WebSocket protocol message types ("graphql-transport-ws"
// subprotocol). The synthetic "close" frame is sent to the client just before
// the gateway tears the socket down, because a stateless backend cannot emit
// a real close frame itself.
const (
	// Client -> Server
	MessageTypeConnectionInit = "connection_init"
	MessageTypeSubscribe      = "subscribe"
	MessageTypeComplete       = "complete"
	MessageTypePing           = "ping"
	MessageTypePong           = "pong"

	// Server -> Client
	MessageTypeConnectionAck = "connection_ack"
	MessageTypeNext          = "next"
	MessageTypeError         = "error"
	MessageTypeClose         = "close"
)

// Subprotocols the adapter negotiates at CONNECT, in preference order.
var SupportedSubprotocols = []string{"graphql-transport-ws", "graphql-ws"}

// Close codes used by the protocol state machine.
const (
	CloseBadRequest              = 4400
	CloseUnauthorized            = 4401
	CloseForbidden               = 4403
	CloseSubscriberAlreadyExists = 4409
	CloseTooManyInitRequests     = 4429
)

// OperationMessage is one frame of the subscription protocol.
type OperationMessage struct {
	ID      string          `json:"id,omitempty"`
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// SubscribePayload is the verbatim client-submitted subscribe operation. It
// is persisted for the lifetime of the subscription so completion and
// disconnect hooks can observe it.
type SubscribePayload struct {
	Query         string                 `json:"query"`
	OperationName string                 `json:"operationName,omitempty"`
	Variables     map[string]interface{} `json:"variables,omitempty"`
}

// closeFrame is the synthetic close message mimicked to the client.
type closeFrame struct {
	Type   string `json:"type"`
	Code   int    `json:"code"`
	Reason string `json:"reason"`
}

// JSONReplacer transforms an outbound frame value before JSON encoding.
type JSONReplacer func(v interface{}) (interface{}, error)

// JSONReviver transforms an inbound frame body before JSON decoding.
type JSONReviver func(data []byte) ([]byte, error)
