package redis

import (
	"context"
	"fmt"
	log "log/slog"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/roxdb/rox"
)

// Transport is the Redis-backed rox.Transport. Per sync scope it keeps the replica's
// record set in the hash "<scope>_r" (field "<schema>/<key>", value = marshaled
// delta) and fans committed delta batches out over the pub/sub channel "<scope>_c".
type Transport struct {
	conn      *Connection
	marshaler rox.Marshaler
	mu        sync.Mutex
	subs      map[string]*redis.PubSub
}

// NewTransport returns a Transport over the singleton connection. OpenConnection
// must have been called beforehand.
func NewTransport() (*Transport, error) {
	if !IsConnectionInstantiated() {
		return nil, fmt.Errorf("Redis connection is not open, can't create transport")
	}
	return &Transport{
		conn:      connection,
		marshaler: rox.NewMarshaler(),
		subs:      make(map[string]*redis.PubSub),
	}, nil
}

// FormatReplicaHash derives a scope's replica hash name by adding suffix.
func FormatReplicaHash(scope string) string {
	return fmt.Sprintf("%s_r", scope)
}

// FormatChannel derives a scope's delta pub/sub channel name by adding suffix.
func FormatChannel(scope string) string {
	return fmt.Sprintf("%s_c", scope)
}

func fieldKey(d rox.Delta) string {
	return fmt.Sprintf("%s/%s", d.Schema, d.Key)
}

// Snapshot downloads the replica's current record set for the scope.
func (t *Transport) Snapshot(ctx context.Context, scope string) ([]rox.Delta, error) {
	entries, err := t.conn.Client.HGetAll(ctx, FormatReplicaHash(scope)).Result()
	if err != nil {
		return nil, err
	}
	records := make([]rox.Delta, 0, len(entries))
	for _, raw := range entries {
		var d rox.Delta
		if err := t.marshaler.Unmarshal([]byte(raw), &d); err != nil {
			return nil, err
		}
		records = append(records, d)
	}
	return records, nil
}

// Publish applies the deltas to the replica hash and fans the batch out on the
// scope's channel. The hash update and the publish ride one pipeline round trip.
func (t *Transport) Publish(ctx context.Context, scope string, deltas []rox.Delta) error {
	if len(deltas) == 0 {
		return nil
	}
	batch, err := t.marshaler.Marshal(deltas)
	if err != nil {
		return err
	}
	pipe := t.conn.Client.Pipeline()
	hash := FormatReplicaHash(scope)
	for _, d := range deltas {
		if d.Kind == rox.DeltaDelete {
			pipe.HDel(ctx, hash, fieldKey(d))
			continue
		}
		raw, err := t.marshaler.Marshal(d)
		if err != nil {
			return err
		}
		pipe.HSet(ctx, hash, fieldKey(d), string(raw))
	}
	pipe.Publish(ctx, FormatChannel(scope), string(batch))
	_, err = pipe.Exec(ctx)
	return err
}

// Subscribe starts delivering inbound delta batches for the scope to fn. Delivery
// runs on a transport-owned goroutine until Unsubscribe.
func (t *Transport) Subscribe(ctx context.Context, scope string, fn func([]rox.Delta)) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.subs[scope]; ok {
		return fmt.Errorf("scope %s already has a subscription", scope)
	}
	ps := t.conn.Client.Subscribe(ctx, FormatChannel(scope))
	// Force the subscription round trip so a broken connection fails here, not later.
	if _, err := ps.Receive(ctx); err != nil {
		ps.Close()
		return err
	}
	t.subs[scope] = ps

	go func() {
		for msg := range ps.Channel() {
			var deltas []rox.Delta
			if err := t.marshaler.Unmarshal([]byte(msg.Payload), &deltas); err != nil {
				log.Warn(fmt.Sprintf("dropping undecodable delta batch on scope %s: %v", scope, err))
				continue
			}
			fn(deltas)
		}
	}()
	return nil
}

// Unsubscribe stops inbound delivery for the scope. Safe to call twice.
func (t *Transport) Unsubscribe(scope string) {
	t.mu.Lock()
	ps, ok := t.subs[scope]
	if ok {
		delete(t.subs, scope)
	}
	t.mu.Unlock()
	if ok {
		ps.Close()
	}
}
