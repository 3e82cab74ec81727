package graph

import (
	"context"
	"testing"

	"github.com/graphql-go/graphql"
	"github.com/rs/zerolog"
)

func newTestPubSub(t *testing.T) (*RedisPubSub, *Registry, *fakeGateway) {
	t.Helper()
	reg, _ := newTestRegistry(t)
	gw := newFakeGateway()
	ps := NewRedisPubSub(RedisPubSubParams{
		Registry: reg,
		Gateway:  gw,
		Logger:   zerolog.Nop(),
	})
	return ps, reg, gw
}

func TestPublishFansOutToAllSubscribers(t *testing.T) {
	ps, _, gw := newTestPubSub(t)
	ctx := context.Background()

	for _, pair := range [][2]string{{"c1", "s1"}, {"c2", "s2"}} {
		ch := ps.Subscribe("greetings")
		if err := ch.Register(ctx, pair[0], pair[1]); err != nil {
			t.Fatalf("Register(%s, %s): %v", pair[0], pair[1], err)
		}
	}

	err := ps.Publish(ctx, "greetings", map[string]interface{}{"greetings": "hi"})
	if err != nil {
		t.Fatalf("Publish: %v", err)
	}

	for cid, sid := range map[string]string{"c1": "s1", "c2": "s2"} {
		frames := gw.sentTo(cid)
		if len(frames) != 1 {
			t.Fatalf("%s received %d frames, want 1", cid, len(frames))
		}
		frame := decodeFrame(t, frames[0].Data)
		if frame["type"] != "next" || frame["id"] != sid {
			t.Errorf("%s frame = %v", cid, frame)
		}
		payload, ok := frame["payload"].(map[string]interface{})
		if !ok {
			t.Fatalf("%s payload = %v", cid, frame["payload"])
		}
		data, ok := payload["data"].(map[string]interface{})
		if !ok || data["greetings"] != "hi" {
			t.Errorf("%s data = %v", cid, payload["data"])
		}
	}
}

func TestPublishNoSubscribers(t *testing.T) {
	ps, _, gw := newTestPubSub(t)

	if err := ps.Publish(context.Background(), "empty", "event"); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if len(gw.frames) != 0 {
		t.Errorf("frames sent with no subscribers: %v", gw.frames)
	}
}

func TestPublishValidatesInput(t *testing.T) {
	ps, _, _ := newTestPubSub(t)
	ctx := context.Background()

	if err := ps.Publish(ctx, "", "event"); err != ErrInvalidTopic {
		t.Errorf("empty topic: err = %v", err)
	}
	if err := ps.Publish(ctx, "t", func() {}); err != ErrInvalidPayload {
		t.Errorf("unencodable payload: err = %v", err)
	}
}

func TestPublishToGoneConnectionCleansUp(t *testing.T) {
	ps, reg, gw := newTestPubSub(t)
	ctx := context.Background()

	if err := ps.Subscribe("orders").Register(ctx, "c1", "s1"); err != nil {
		t.Fatal(err)
	}
	if err := ps.Subscribe("orders", "alerts").Register(ctx, "c2", "s2"); err != nil {
		t.Fatal(err)
	}
	if err := reg.PersistPayload(ctx, "s2", &SubscribePayload{Query: "subscription { orders }"}); err != nil {
		t.Fatal(err)
	}
	gw.markGone("c2")

	if err := ps.Publish(ctx, "orders", map[string]interface{}{"orders": float64(1)}); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	// Healthy subscriber still got the event
	if frames := gw.sentTo("c1"); len(frames) != 1 {
		t.Errorf("c1 received %d frames", len(frames))
	}

	// Gone connection is fully torn down
	for _, topic := range []string{"orders", "alerts"} {
		channels, err := reg.GetChannels(ctx, topic)
		if err != nil {
			t.Fatal(err)
		}
		for _, ch := range channels {
			if ch.ConnectionID == "c2" {
				t.Errorf("c2 still registered on %s", topic)
			}
		}
	}
	payload, err := reg.LoadPayload(ctx, "s2")
	if err != nil {
		t.Fatal(err)
	}
	if payload != nil {
		t.Error("gone connection's payload survived cleanup")
	}
}

func TestChannelWithoutRegistration(t *testing.T) {
	ch := &Channel{Topics: []string{"t"}}
	if err := ch.Register(context.Background(), "c1", "s1"); err != ErrChannelNotRegistrable {
		t.Errorf("Register = %v, want ErrChannelNotRegistrable", err)
	}
}

func TestPublishAppliesReplacer(t *testing.T) {
	reg, _ := newTestRegistry(t)
	gw := newFakeGateway()
	ps := NewRedisPubSub(RedisPubSubParams{
		Registry: reg,
		Gateway:  gw,
		Replacer: func(v interface{}) (interface{}, error) {
			msg, ok := v.(OperationMessage)
			if !ok {
				return v, nil
			}
			return map[string]interface{}{
				"id":      msg.ID,
				"type":    msg.Type,
				"payload": msg.Payload,
				"tagged":  true,
			}, nil
		},
		Logger: zerolog.Nop(),
	})
	ctx := context.Background()

	if err := ps.Subscribe("t").Register(ctx, "c1", "s1"); err != nil {
		t.Fatal(err)
	}
	if err := ps.Publish(ctx, "t", "event"); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	frame := gw.lastFrame(t, "c1")
	if frame["tagged"] != true {
		t.Errorf("replacer not applied: %v", frame)
	}
}

func TestSchemaAwarePublishReExecutesOperation(t *testing.T) {
	reg, _ := newTestRegistry(t)
	gw := newFakeGateway()
	ctx := context.Background()

	schema, err := graphql.NewSchema(graphql.SchemaConfig{
		Query: graphql.NewObject(graphql.ObjectConfig{
			Name: "Query",
			Fields: graphql.Fields{
				"ok": {Type: graphql.Boolean},
			},
		}),
		Subscription: graphql.NewObject(graphql.ObjectConfig{
			Name: "Subscription",
			Fields: graphql.Fields{
				"messageAdded": {
					Type: graphql.String,
					Resolve: func(p graphql.ResolveParams) (interface{}, error) {
						src, _ := p.Source.(map[string]interface{})
						text, _ := src["text"].(string)
						return "shaped:" + text, nil
					},
				},
			},
		}),
	})
	if err != nil {
		t.Fatalf("NewSchema: %v", err)
	}

	ps := NewRedisPubSub(RedisPubSubParams{
		Registry: reg,
		Gateway:  gw,
		Schema:   &schema,
		Logger:   zerolog.Nop(),
	})

	if err := ps.Subscribe("messages").Register(ctx, "c1", "s1"); err != nil {
		t.Fatal(err)
	}
	if err := reg.PersistPayload(ctx, "s1", &SubscribePayload{
		Query: "subscription { messageAdded }",
	}); err != nil {
		t.Fatal(err)
	}

	if err := ps.Publish(ctx, "messages", map[string]interface{}{"text": "hello"}); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	frame := gw.lastFrame(t, "c1")
	payload, _ := frame["payload"].(map[string]interface{})
	data, _ := payload["data"].(map[string]interface{})
	if data["messageAdded"] != "shaped:hello" {
		t.Errorf("data = %v, want resolver-shaped value", data)
	}
}

func TestSchemaAwarePublishFallsBackWithoutStoredPayload(t *testing.T) {
	reg, _ := newTestRegistry(t)
	gw := newFakeGateway()
	ctx := context.Background()

	schema, err := graphql.NewSchema(graphql.SchemaConfig{
		Query: graphql.NewObject(graphql.ObjectConfig{
			Name:   "Query",
			Fields: graphql.Fields{"ok": {Type: graphql.Boolean}},
		}),
	})
	if err != nil {
		t.Fatalf("NewSchema: %v", err)
	}

	ps := NewRedisPubSub(RedisPubSubParams{
		Registry: reg,
		Gateway:  gw,
		Schema:   &schema,
		Logger:   zerolog.Nop(),
	})

	if err := ps.Subscribe("t").Register(ctx, "c1", "s1"); err != nil {
		t.Fatal(err)
	}
	if err := ps.Publish(ctx, "t", map[string]interface{}{"raw": true}); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	frame := gw.lastFrame(t, "c1")
	payload, _ := frame["payload"].(map[string]interface{})
	data, _ := payload["data"].(map[string]interface{})
	if data["raw"] != true {
		t.Errorf("payload = %v, want raw forwarding", frame["payload"])
	}
}
