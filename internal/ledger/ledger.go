// Package ledger mirrors permit lifecycle events to an external
// append-only ledger. The database remains the source of truth; the
// mirror is advisory and failures never roll back permit writes.
package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Event is one lifecycle fact mirrored to the ledger.
type Event struct {
	PermitID string         `json:"permit_id"`
	Action   string         `json:"action"`
	Actor    string         `json:"actor"`
	TS       string         `json:"ts"`
	Details  map[string]any `json:"details,omitempty"`
}

// Snapshot summarizes the mirror's view of a single permit stream.
type Snapshot struct {
	PermitID   string `json:"permit_id"`
	EntryCount int64  `json:"entry_count"`
	LastAction string `json:"last_action,omitempty"`
	LastTS     string `json:"last_ts,omitempty"`
}

// Mirror is the external ledger the engine records events to.
type Mirror interface {
	Record(ctx context.Context, ev Event) error
	Snapshot(ctx context.Context, permitID string) (Snapshot, error)
}

// RedisMirror appends events to one Redis stream per permit.
type RedisMirror struct {
	client *redis.Client
	prefix string
}

// NewRedisMirror connects to the ledger Redis and verifies reachability.
func NewRedisMirror(redisURL string) (*RedisMirror, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to ledger redis: %w", err)
	}
	return &RedisMirror{client: client, prefix: "ledger:"}, nil
}

// NewRedisMirrorWithClient wraps an existing client, mainly for tests.
func NewRedisMirrorWithClient(client *redis.Client) *RedisMirror {
	return &RedisMirror{client: client, prefix: "ledger:"}
}

func (m *RedisMirror) key(permitID string) string {
	return m.prefix + permitID
}

func (m *RedisMirror) Record(ctx context.Context, ev Event) error {
	details := "{}"
	if ev.Details != nil {
		data, err := json.Marshal(ev.Details)
		if err != nil {
			return fmt.Errorf("marshal ledger details: %w", err)
		}
		details = string(data)
	}
	err := m.client.XAdd(ctx, &redis.XAddArgs{
		Stream: m.key(ev.PermitID),
		Values: map[string]any{
			"action":  ev.Action,
			"actor":   ev.Actor,
			"ts":      ev.TS,
			"details": details,
		},
	}).Err()
	if err != nil {
		return fmt.Errorf("append ledger event: %w", err)
	}
	return nil
}

func (m *RedisMirror) Snapshot(ctx context.Context, permitID string) (Snapshot, error) {
	key := m.key(permitID)
	count, err := m.client.XLen(ctx, key).Result()
	if err != nil {
		return Snapshot{}, fmt.Errorf("ledger stream length: %w", err)
	}
	snap := Snapshot{PermitID: permitID, EntryCount: count}
	if count == 0 {
		return snap, nil
	}
	last, err := m.client.XRevRangeN(ctx, key, "+", "-", 1).Result()
	if err != nil {
		return Snapshot{}, fmt.Errorf("ledger stream tail: %w", err)
	}
	if len(last) == 1 {
		if action, ok := last[0].Values["action"].(string); ok {
			snap.LastAction = action
		}
		if ts, ok := last[0].Values["ts"].(string); ok {
			snap.LastTS = ts
		}
	}
	return snap, nil
}

// Close releases the underlying connection.
func (m *RedisMirror) Close() error {
	return m.client.Close()
}

// Ping checks if the ledger Redis is reachable.
func (m *RedisMirror) Ping(ctx context.Context) error {
	return m.client.Ping(ctx).Err()
}
