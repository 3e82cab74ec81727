package graph

import "testing"

func TestEventFromMapFlatShape(t *testing.T) {
	event, err := EventFromMap(map[string]interface{}{
		"eventType":    "MESSAGE",
		"routeKey":     "$default",
		"connectionId": "c1",
		"body":         `{"type":"ping"}`,
	})
	if err != nil {
		t.Fatalf("EventFromMap: %v", err)
	}
	if event.EventType != EventTypeMessage || event.ConnectionID != "c1" {
		t.Errorf("event = %+v", event)
	}
	if event.Body != `{"type":"ping"}` {
		t.Errorf("Body = %q", event.Body)
	}
}

func TestEventFromMapGatewayShape(t *testing.T) {
	raw := map[string]interface{}{
		"requestContext": map[string]interface{}{
			"eventType":            "DISCONNECT",
			"routeKey":             "$disconnect",
			"connectionId":         "c1",
			"disconnectStatusCode": float64(1006),
			"disconnectReason":     "abnormal",
		},
		"multiValueHeaders": map[string]interface{}{
			"Sec-WebSocket-Protocol": []interface{}{"graphql-transport-ws"},
		},
	}
	event, err := EventFromMap(raw)
	if err != nil {
		t.Fatalf("EventFromMap: %v", err)
	}
	if event.EventType != EventTypeDisconnect || event.ConnectionID != "c1" {
		t.Errorf("event = %+v", event)
	}
	if event.DisconnectStatusCode != 1006 || event.DisconnectReason != "abnormal" {
		t.Errorf("disconnect fields = %d %q", event.DisconnectStatusCode, event.DisconnectReason)
	}
	if event.Raw == nil {
		t.Error("Raw not retained")
	}
}

func TestEventFromMapTopLevelWins(t *testing.T) {
	event, err := EventFromMap(map[string]interface{}{
		"eventType":    "CONNECT",
		"connectionId": "outer",
		"requestContext": map[string]interface{}{
			"eventType":    "MESSAGE",
			"connectionId": "inner",
		},
	})
	if err != nil {
		t.Fatalf("EventFromMap: %v", err)
	}
	if event.EventType != EventTypeConnect || event.ConnectionID != "outer" {
		t.Errorf("event = %+v, want top-level fields to win", event)
	}
}

func TestEventFromMapRejectsBadInput(t *testing.T) {
	if _, err := EventFromMap(map[string]interface{}{
		"eventType":    "REBOOT",
		"connectionId": "c1",
	}); err == nil {
		t.Error("unknown event type accepted")
	}
	if _, err := EventFromMap(map[string]interface{}{
		"eventType": "CONNECT",
	}); err == nil {
		t.Error("event without connection id accepted")
	}
}

func TestEventHeaderLookupIsCaseInsensitive(t *testing.T) {
	event := &Event{
		MultiValueHeaders: map[string][]string{
			"sec-websocket-protocol": {"graphql-transport-ws"},
		},
	}
	got := event.header("Sec-WebSocket-Protocol")
	if len(got) != 1 || got[0] != "graphql-transport-ws" {
		t.Errorf("header = %v", got)
	}
	if event.header("Missing") != nil {
		t.Error("missing header returned values")
	}
}
