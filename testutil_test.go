package graph

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

func newTestRedis(t *testing.T) (redis.UniversalClient, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return client, mr
}

func newTestRegistry(t *testing.T) (*Registry, *miniredis.Miniredis) {
	t.Helper()
	client, mr := newTestRedis(t)
	return NewRegistry(client, NewKeySpace(""), zerolog.Nop()), mr
}

// sentFrame is one message a fakeGateway captured for a connection.
type sentFrame struct {
	ConnectionID string
	Data         []byte
}

// fakeGateway records posted frames and can mark connections gone.
type fakeGateway struct {
	mu      sync.Mutex
	frames  []sentFrame
	gone    map[string]bool
	deleted []string
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{gone: make(map[string]bool)}
}

func (g *fakeGateway) PostToConnection(ctx context.Context, connectionID string, data []byte) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.gone[connectionID] {
		return &TransportError{Status: 410, Message: "gone"}
	}
	g.frames = append(g.frames, sentFrame{ConnectionID: connectionID, Data: append([]byte(nil), data...)})
	return nil
}

func (g *fakeGateway) DeleteConnection(ctx context.Context, connectionID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.deleted = append(g.deleted, connectionID)
	g.gone[connectionID] = true
	return nil
}

func (g *fakeGateway) markGone(connectionID string) {
	g.mu.Lock()
	g.gone[connectionID] = true
	g.mu.Unlock()
}

func (g *fakeGateway) sentTo(connectionID string) []sentFrame {
	g.mu.Lock()
	defer g.mu.Unlock()
	var out []sentFrame
	for _, f := range g.frames {
		if f.ConnectionID == connectionID {
			out = append(out, f)
		}
	}
	return out
}

func (g *fakeGateway) lastFrame(t *testing.T, connectionID string) map[string]interface{} {
	t.Helper()
	frames := g.sentTo(connectionID)
	if len(frames) == 0 {
		t.Fatalf("no frames sent to %s", connectionID)
	}
	return decodeFrame(t, frames[len(frames)-1].Data)
}

func decodeFrame(t *testing.T, data []byte) map[string]interface{} {
	t.Helper()
	var frame map[string]interface{}
	if err := json.Unmarshal(data, &frame); err != nil {
		t.Fatalf("decode frame %s: %v", data, err)
	}
	return frame
}
