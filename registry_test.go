package graph

import (
	"context"
	"sort"
	"testing"
)

func TestRegisterAndGetChannels(t *testing.T) {
	reg, _ := newTestRegistry(t)
	ctx := context.Background()

	if err := reg.Register(ctx, "c1", "s1", []string{"t1", "t2"}); err != nil {
		t.Fatalf("Register: %v", err)
	}

	for _, topic := range []string{"t1", "t2"} {
		channels, err := reg.GetChannels(ctx, topic)
		if err != nil {
			t.Fatalf("GetChannels(%s): %v", topic, err)
		}
		if len(channels) != 1 {
			t.Fatalf("GetChannels(%s) = %v, want one channel", topic, channels)
		}
		if channels[0].ConnectionID != "c1" || channels[0].SubscriptionID != "s1" {
			t.Errorf("channel = %+v", channels[0])
		}
	}
}

func TestRegisterIsIdempotent(t *testing.T) {
	reg, _ := newTestRegistry(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := reg.Register(ctx, "c1", "s1", []string{"t1"}); err != nil {
			t.Fatalf("Register #%d: %v", i, err)
		}
	}

	channels, err := reg.GetChannels(ctx, "t1")
	if err != nil {
		t.Fatalf("GetChannels: %v", err)
	}
	if len(channels) != 1 {
		t.Errorf("GetChannels = %v, want exactly one tuple", channels)
	}
}

func TestRegisterRequiresTopics(t *testing.T) {
	reg, _ := newTestRegistry(t)
	if err := reg.Register(context.Background(), "c1", "s1", nil); err == nil {
		t.Error("Register with no topics succeeded")
	}
}

func TestUnregisterRemovesOneSubscription(t *testing.T) {
	reg, _ := newTestRegistry(t)
	ctx := context.Background()

	if err := reg.Register(ctx, "c1", "s1", []string{"t1", "t2"}); err != nil {
		t.Fatal(err)
	}
	if err := reg.Register(ctx, "c1", "s2", []string{"t2"}); err != nil {
		t.Fatal(err)
	}

	if err := reg.Unregister(ctx, "c1", "s1"); err != nil {
		t.Fatalf("Unregister: %v", err)
	}

	if channels, _ := reg.GetChannels(ctx, "t1"); len(channels) != 0 {
		t.Errorf("t1 still has channels: %v", channels)
	}
	channels, _ := reg.GetChannels(ctx, "t2")
	if len(channels) != 1 || channels[0].SubscriptionID != "s2" {
		t.Errorf("t2 channels = %v, want only s2", channels)
	}

	registered, err := reg.IsRegistered(ctx, "s1")
	if err != nil {
		t.Fatal(err)
	}
	if registered {
		t.Error("s1 still registered after unregister")
	}

	subs, _ := reg.GetConnectionSubscriptions(ctx, "c1")
	if len(subs) != 1 || subs[0] != "s2" {
		t.Errorf("connection subscriptions = %v, want [s2]", subs)
	}
}

func TestUnregisterUnknownIsNoOp(t *testing.T) {
	reg, _ := newTestRegistry(t)
	if err := reg.Unregister(context.Background(), "c1", "never-registered"); err != nil {
		t.Errorf("Unregister: %v", err)
	}
}

func TestDisconnectRemovesEverything(t *testing.T) {
	reg, mr := newTestRegistry(t)
	ctx := context.Background()

	if err := reg.Register(ctx, "c1", "s1", []string{"t1", "t2"}); err != nil {
		t.Fatal(err)
	}
	if err := reg.Register(ctx, "c1", "s2", []string{"t2"}); err != nil {
		t.Fatal(err)
	}
	// Another connection on the same topic survives
	if err := reg.Register(ctx, "c2", "s3", []string{"t2"}); err != nil {
		t.Fatal(err)
	}
	mr.HSet("graphql:connection:c1", "acknowledged", "__boolean__true")

	if err := reg.Disconnect(ctx, "c1"); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}

	if channels, _ := reg.GetChannels(ctx, "t1"); len(channels) != 0 {
		t.Errorf("t1 channels = %v", channels)
	}
	channels, _ := reg.GetChannels(ctx, "t2")
	if len(channels) != 1 || channels[0].ConnectionID != "c2" {
		t.Errorf("t2 channels = %v, want only c2", channels)
	}
	if mr.Exists("pubsub:conn:c1") {
		t.Error("connection set survived disconnect")
	}
	if mr.Exists("pubsub:sub:s1") || mr.Exists("pubsub:sub:s2") {
		t.Error("subscription sets survived disconnect")
	}
	if mr.Exists("graphql:connection:c1") {
		t.Error("context record survived disconnect")
	}
}

func TestGetChannelsSkipsMalformedTuples(t *testing.T) {
	reg, mr := newTestRegistry(t)
	ctx := context.Background()

	if err := reg.Register(ctx, "c1", "s1", []string{"t1"}); err != nil {
		t.Fatal(err)
	}
	if _, err := mr.SetAdd("pubsub:topic:t1", "garbage-without-separator"); err != nil {
		t.Fatal(err)
	}

	channels, err := reg.GetChannels(ctx, "t1")
	if err != nil {
		t.Fatalf("GetChannels: %v", err)
	}
	if len(channels) != 1 || channels[0].ConnectionID != "c1" {
		t.Errorf("channels = %v, want just c1/s1", channels)
	}
}

func TestGetRegisteredTopics(t *testing.T) {
	reg, _ := newTestRegistry(t)
	ctx := context.Background()

	if err := reg.Register(ctx, "c1", "s1", []string{"t1", "t2"}); err != nil {
		t.Fatal(err)
	}

	topics, err := reg.GetRegisteredTopics(ctx, "s1")
	if err != nil {
		t.Fatalf("GetRegisteredTopics: %v", err)
	}
	sort.Strings(topics)
	if len(topics) != 2 || topics[0] != "t1" || topics[1] != "t2" {
		t.Errorf("topics = %v", topics)
	}
}

func TestPayloadLifecycle(t *testing.T) {
	reg, _ := newTestRegistry(t)
	ctx := context.Background()

	payload := &SubscribePayload{
		Query:     `subscription { greetings }`,
		Variables: map[string]interface{}{"x": float64(1)},
	}
	if err := reg.PersistPayload(ctx, "s1", payload); err != nil {
		t.Fatalf("PersistPayload: %v", err)
	}

	loaded, err := reg.LoadPayload(ctx, "s1")
	if err != nil {
		t.Fatalf("LoadPayload: %v", err)
	}
	if loaded == nil || loaded.Query != payload.Query {
		t.Errorf("loaded = %+v", loaded)
	}
	if loaded.Variables["x"] != float64(1) {
		t.Errorf("variables = %v", loaded.Variables)
	}

	if err := reg.DeletePayload(ctx, "s1"); err != nil {
		t.Fatalf("DeletePayload: %v", err)
	}
	loaded, err = reg.LoadPayload(ctx, "s1")
	if err != nil {
		t.Fatalf("LoadPayload after delete: %v", err)
	}
	if loaded != nil {
		t.Errorf("payload survived delete: %+v", loaded)
	}
}

func TestUnregisterLeavesPayload(t *testing.T) {
	reg, _ := newTestRegistry(t)
	ctx := context.Background()

	if err := reg.Register(ctx, "c1", "s1", []string{"t1"}); err != nil {
		t.Fatal(err)
	}
	if err := reg.PersistPayload(ctx, "s1", &SubscribePayload{Query: "subscription { x }"}); err != nil {
		t.Fatal(err)
	}

	if err := reg.Unregister(ctx, "c1", "s1"); err != nil {
		t.Fatal(err)
	}

	// Completion hooks still need the payload after unregistration
	loaded, err := reg.LoadPayload(ctx, "s1")
	if err != nil {
		t.Fatal(err)
	}
	if loaded == nil {
		t.Error("payload removed by unregister")
	}
}
