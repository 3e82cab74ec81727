package graph

import (
	"context"
	"fmt"
	"reflect"
	"sync"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Recognized top-level fields of the flattened context record.
const (
	fieldInitReceived     = "connectionInitReceived"
	fieldAcknowledged     = "acknowledged"
	fieldConnectionParams = "connectionParams"
	fieldExtra            = "extra"
	fieldSubscriptions    = "subscriptions"
)

type changeOp int

const (
	opSet changeOp = iota
	opDel
)

type contextChange struct {
	op    changeOp
	path  string
	value string // encoded; empty for deletes
}

// ConnectionContext is the per-connection protocol state. It is materialized
// from a Redis hash at the start of an invocation and persisted back in
// batches.
//
// Direct field reads are free. All mutations that must survive the
// invocation go through Set and Del, which apply the change in memory and
// stage it for the next Flush. The Subscriptions map is in-memory bookkeeping
// for the current invocation only and is never persisted.
//
// Example:
//
//	cc, _ := sock.Context(ctx)
//	if !cc.Acknowledged {
//	    // reject
//	}
//	cc.Set("acknowledged", true)
//	cc.Set("extra.loginCount", 3)
//	// ... later, before returning 200:
//	sock.Flush(ctx)
type ConnectionContext struct {
	ConnectionInitReceived bool
	Acknowledged           bool
	ConnectionParams       interface{}
	Extra                  interface{}
	Subscriptions          map[string]struct{}

	connectionID string
	mu           sync.Mutex
	pending      []contextChange
}

// NewConnectionContext returns the default context for a connection that has
// no stored record: init and ack false, connectionParams undefined, empty
// extra.
func NewConnectionContext() *ConnectionContext {
	return &ConnectionContext{
		ConnectionParams: Undefined,
		Extra:            map[string]interface{}{},
		Subscriptions:    map[string]struct{}{},
	}
}

// Set writes value at the dotted path and stages the change for the next
// Flush. Setting a path to its current value stages nothing. Assigning a
// nested object or array stages one change per leaf, each path prefixed by
// the assignment path.
func (c *ConnectionContext) Set(path string, value interface{}) error {
	segs := splitPath(path)
	if len(segs) == 0 {
		return fmt.Errorf("empty context path")
	}
	if current, ok := c.valueAt(segs); ok && reflect.DeepEqual(current, value) {
		return nil
	}
	if err := c.applySet(segs, value); err != nil {
		return err
	}
	var fields []flatField
	if err := flattenValue(joinSegments(segs), value, &fields); err != nil {
		return err
	}
	c.mu.Lock()
	for _, f := range fields {
		c.pending = append(c.pending, contextChange{op: opSet, path: f.Path, value: f.Value})
	}
	c.mu.Unlock()
	return nil
}

// Del removes the value at the dotted path and stages the deletion. Deleting
// a missing path stages nothing. Deleting a container stages one deletion per
// stored leaf so the hash loses every flattened entry under the path.
func (c *ConnectionContext) Del(path string) error {
	segs := splitPath(path)
	if len(segs) == 0 {
		return fmt.Errorf("empty context path")
	}
	current, ok := c.valueAt(segs)
	if !ok {
		return nil
	}
	if !c.applyDel(segs) {
		return nil
	}
	paths := leafPaths(joinSegments(segs), current)
	c.mu.Lock()
	for _, p := range paths {
		c.pending = append(c.pending, contextChange{op: opDel, path: p})
	}
	c.mu.Unlock()
	return nil
}

// PendingChanges reports how many staged changes await the next Flush.
func (c *ConnectionContext) PendingChanges() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

func (c *ConnectionContext) takePending() []contextChange {
	c.mu.Lock()
	defer c.mu.Unlock()
	pending := c.pending
	c.pending = nil
	return pending
}

func (c *ConnectionContext) requeue(changes []contextChange) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pending = append(changes, c.pending...)
}

func (c *ConnectionContext) valueAt(segs []string) (interface{}, bool) {
	switch segs[0] {
	case fieldInitReceived:
		if len(segs) == 1 {
			return c.ConnectionInitReceived, true
		}
	case fieldAcknowledged:
		if len(segs) == 1 {
			return c.Acknowledged, true
		}
	case fieldConnectionParams:
		if len(segs) == 1 {
			return c.ConnectionParams, !IsUndefined(c.ConnectionParams)
		}
		return getPath(c.ConnectionParams, segs[1:])
	case fieldExtra:
		if len(segs) == 1 {
			return c.Extra, true
		}
		return getPath(c.Extra, segs[1:])
	}
	return nil, false
}

func (c *ConnectionContext) applySet(segs []string, value interface{}) error {
	switch segs[0] {
	case fieldInitReceived:
		b, ok := value.(bool)
		if !ok || len(segs) > 1 {
			return fmt.Errorf("%s expects a bool", fieldInitReceived)
		}
		c.ConnectionInitReceived = b
	case fieldAcknowledged:
		b, ok := value.(bool)
		if !ok || len(segs) > 1 {
			return fmt.Errorf("%s expects a bool", fieldAcknowledged)
		}
		c.Acknowledged = b
	case fieldConnectionParams:
		if len(segs) == 1 {
			c.ConnectionParams = value
		} else {
			if IsUndefined(c.ConnectionParams) {
				c.ConnectionParams = nil
			}
			c.ConnectionParams = setPath(c.ConnectionParams, segs[1:], value)
		}
	case fieldExtra:
		if len(segs) == 1 {
			c.Extra = value
		} else {
			c.Extra = setPath(c.Extra, segs[1:], value)
		}
	default:
		return fmt.Errorf("unknown context field %q", segs[0])
	}
	return nil
}

func (c *ConnectionContext) applyDel(segs []string) bool {
	switch segs[0] {
	case fieldConnectionParams:
		if len(segs) == 1 {
			c.ConnectionParams = Undefined
			return true
		}
		return delPath(c.ConnectionParams, segs[1:])
	case fieldExtra:
		if len(segs) == 1 {
			c.Extra = map[string]interface{}{}
			return true
		}
		return delPath(c.Extra, segs[1:])
	}
	return false
}

// compress flattens the persistable context fields in a stable order.
// Subscriptions are never persisted through this store.
func (c *ConnectionContext) compress() ([]flatField, error) {
	var fields []flatField
	if err := flattenValue(fieldInitReceived, c.ConnectionInitReceived, &fields); err != nil {
		return nil, err
	}
	if err := flattenValue(fieldAcknowledged, c.Acknowledged, &fields); err != nil {
		return nil, err
	}
	if err := flattenValue(fieldConnectionParams, c.ConnectionParams, &fields); err != nil {
		return nil, err
	}
	if err := flattenValue(fieldExtra, c.Extra, &fields); err != nil {
		return nil, err
	}
	return fields, nil
}

// CompressContext flattens a context into the tag-encoded hash layout stored
// in Redis.
func CompressContext(c *ConnectionContext) (map[string]string, error) {
	fields, err := c.compress()
	if err != nil {
		return nil, err
	}
	out := make(map[string]string, len(fields))
	for _, f := range fields {
		out[f.Path] = f.Value
	}
	return out, nil
}

// DecompressContext rebuilds a context from its flattened hash form. Unknown
// top-level fields and the subscriptions namespace are ignored.
func DecompressContext(fields map[string]string) *ConnectionContext {
	cc := NewConnectionContext()
	for path, raw := range fields {
		segs := splitPath(path)
		if len(segs) == 0 {
			continue
		}
		value := DecodeValue(raw)
		switch segs[0] {
		case fieldInitReceived:
			if b, ok := value.(bool); ok {
				cc.ConnectionInitReceived = b
			}
		case fieldAcknowledged:
			if b, ok := value.(bool); ok {
				cc.Acknowledged = b
			}
		case fieldConnectionParams:
			if len(segs) == 1 {
				cc.ConnectionParams = value
			} else {
				if IsUndefined(cc.ConnectionParams) {
					cc.ConnectionParams = nil
				}
				cc.ConnectionParams = setPath(cc.ConnectionParams, segs[1:], value)
			}
		case fieldExtra:
			if len(segs) == 1 {
				cc.Extra = value
			} else {
				cc.Extra = setPath(cc.Extra, segs[1:], value)
			}
		case fieldSubscriptions:
			// Not persisted through this store.
		}
	}
	return cc
}

// leafPaths lists the flattened paths a value occupies, for deletions.
func leafPaths(path string, v interface{}) []string {
	switch val := v.(type) {
	case map[string]interface{}:
		var out []string
		for k, child := range val {
			out = append(out, leafPaths(path+"."+k, child)...)
		}
		if len(out) == 0 {
			return []string{path}
		}
		return out
	case []interface{}:
		var out []string
		for i, child := range val {
			out = append(out, leafPaths(fmt.Sprintf("%s.%d", path, i), child)...)
		}
		if len(out) == 0 {
			return []string{path}
		}
		return out
	default:
		return []string{path}
	}
}

func joinSegments(segs []string) string {
	out := segs[0]
	for _, s := range segs[1:] {
		out += "." + s
	}
	return out
}

// ContextStore persists connection contexts as flattened, type-tagged Redis
// hashes. The store itself is stateless and safe for concurrent use; the
// per-invocation memoization lives on the Socket.
type ContextStore struct {
	client redis.UniversalClient
	keys   *KeySpace
	log    zerolog.Logger
}

// NewContextStore creates a context store over the given Redis client.
func NewContextStore(client redis.UniversalClient, keys *KeySpace, log zerolog.Logger) *ContextStore {
	return &ContextStore{client: client, keys: keys, log: log}
}

// Load reads the connection's context hash. An absent record yields the
// default context.
func (s *ContextStore) Load(ctx context.Context, connectionID string) (*ConnectionContext, error) {
	fields, err := s.client.HGetAll(ctx, s.keys.ContextKey(connectionID)).Result()
	if err != nil {
		return nil, fmt.Errorf("load context %s: %w", connectionID, err)
	}
	cc := DecompressContext(fields)
	cc.connectionID = connectionID
	return cc, nil
}

// Create writes the flattened initial context in one round trip, replacing
// any prior record. It bypasses change tracking.
func (s *ContextStore) Create(ctx context.Context, connectionID string, cc *ConnectionContext) error {
	cc.connectionID = connectionID
	fields, err := cc.compress()
	if err != nil {
		return err
	}
	key := s.keys.ContextKey(connectionID)
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, key)
	if len(fields) > 0 {
		args := make([]interface{}, 0, len(fields)*2)
		for _, f := range fields {
			args = append(args, f.Path, f.Value)
		}
		pipe.HSet(ctx, key, args...)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("create context %s: %w", connectionID, err)
	}
	return nil
}

// Flush persists the context's staged changes, grouping contiguous runs of
// the same operation into one hash-set or hash-delete so ordering is
// preserved. On failure the unapplied changes stay pending for a later
// retry and the error is returned; callers must treat a failed terminal
// flush as a failed invocation.
func (s *ContextStore) Flush(ctx context.Context, cc *ConnectionContext) error {
	pending := cc.takePending()
	if len(pending) == 0 {
		return nil
	}
	key := s.keys.ContextKey(cc.connectionID)
	for i := 0; i < len(pending); {
		j := i
		for j < len(pending) && pending[j].op == pending[i].op {
			j++
		}
		run := pending[i:j]
		var err error
		if run[0].op == opSet {
			args := make([]interface{}, 0, len(run)*2)
			for _, ch := range run {
				args = append(args, ch.path, ch.value)
			}
			err = s.client.HSet(ctx, key, args...).Err()
		} else {
			fields := make([]string, 0, len(run))
			for _, ch := range run {
				fields = append(fields, ch.path)
			}
			err = s.client.HDel(ctx, key, fields...).Err()
		}
		if err != nil {
			s.log.Warn().Err(err).Str("connection_id", cc.connectionID).
				Int("pending", len(pending)-i).Msg("context flush failed, retaining changes")
			cc.requeue(pending[i:])
			return fmt.Errorf("flush context %s: %w", cc.connectionID, err)
		}
		i = j
	}
	return nil
}

// Delete removes the connection's context record.
func (s *ContextStore) Delete(ctx context.Context, connectionID string) error {
	if err := s.client.Del(ctx, s.keys.ContextKey(connectionID)).Err(); err != nil {
		return fmt.Errorf("delete context %s: %w", connectionID, err)
	}
	return nil
}
