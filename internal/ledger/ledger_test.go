package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

func newTestMirror(t *testing.T) *RedisMirror {
	t.Helper()
	s := miniredis.RunT(t)
	m, err := NewRedisMirror("redis://" + s.Addr())
	if err != nil {
		t.Fatalf("NewRedisMirror: %v", err)
	}
	t.Cleanup(func() { m.Close() })
	return m
}

func TestRecordAndSnapshot(t *testing.T) {
	m := newTestMirror(t)
	ctx := context.Background()

	snap, err := m.Snapshot(ctx, "permit-1")
	if err != nil {
		t.Fatalf("Snapshot empty: %v", err)
	}
	if snap.EntryCount != 0 {
		t.Fatalf("expected empty stream, got %d entries", snap.EntryCount)
	}

	events := []Event{
		{PermitID: "permit-1", Action: "CREATED", Actor: "u1", TS: "2026-01-01T10:00:00Z"},
		{PermitID: "permit-1", Action: "STATUS_CHANGED", Actor: "u1", TS: "2026-01-01T11:00:00Z", Details: map[string]any{"to": "SUBMITTED"}},
	}
	for _, ev := range events {
		if err := m.Record(ctx, ev); err != nil {
			t.Fatalf("Record: %v", err)
		}
	}

	snap, err = m.Snapshot(ctx, "permit-1")
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if snap.EntryCount != 2 {
		t.Errorf("expected 2 entries, got %d", snap.EntryCount)
	}
	if snap.LastAction != "STATUS_CHANGED" {
		t.Errorf("expected last action STATUS_CHANGED, got %q", snap.LastAction)
	}
	if snap.LastTS != "2026-01-01T11:00:00Z" {
		t.Errorf("unexpected last ts %q", snap.LastTS)
	}
}

func TestStreamsIsolatedPerPermit(t *testing.T) {
	m := newTestMirror(t)
	ctx := context.Background()

	if err := m.Record(ctx, Event{PermitID: "a", Action: "CREATED", Actor: "u1", TS: "2026-01-01T10:00:00Z"}); err != nil {
		t.Fatalf("Record a: %v", err)
	}
	if err := m.Record(ctx, Event{PermitID: "b", Action: "CREATED", Actor: "u2", TS: "2026-01-01T10:00:00Z"}); err != nil {
		t.Fatalf("Record b: %v", err)
	}

	snapA, err := m.Snapshot(ctx, "a")
	if err != nil {
		t.Fatalf("Snapshot a: %v", err)
	}
	snapB, err := m.Snapshot(ctx, "b")
	if err != nil {
		t.Fatalf("Snapshot b: %v", err)
	}
	if snapA.EntryCount != 1 || snapB.EntryCount != 1 {
		t.Errorf("expected 1 entry per stream, got %d and %d", snapA.EntryCount, snapB.EntryCount)
	}
}

func TestWriterDeliversAsync(t *testing.T) {
	m := newTestMirror(t)
	w := &Writer{Mirror: m, Log: zerolog.Nop()}

	w.Record(Event{PermitID: "p1", Action: "CREATED", Actor: "u1", TS: "2026-01-01T10:00:00Z"})
	w.Wait()

	snap, err := m.Snapshot(context.Background(), "p1")
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if snap.EntryCount != 1 {
		t.Errorf("expected 1 entry, got %d", snap.EntryCount)
	}
}

func TestWriterPreservesOrder(t *testing.T) {
	s := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: s.Addr()})
	m := NewRedisMirrorWithClient(client)
	t.Cleanup(func() { m.Close() })
	w := &Writer{Mirror: m, Log: zerolog.Nop()}

	for i := 0; i < 20; i++ {
		w.Record(Event{PermitID: "p1", Action: fmt.Sprintf("ACTION_%02d", i), Actor: "u1", TS: "2026-01-01T10:00:00Z"})
	}
	w.Wait()

	entries, err := client.XRange(context.Background(), "ledger:p1", "-", "+").Result()
	if err != nil {
		t.Fatalf("XRange: %v", err)
	}
	if len(entries) != 20 {
		t.Fatalf("expected 20 entries, got %d", len(entries))
	}
	for i, e := range entries {
		want := fmt.Sprintf("ACTION_%02d", i)
		if e.Values["action"] != want {
			t.Fatalf("entry %d out of order: got %v, want %s", i, e.Values["action"], want)
		}
	}
}

// failingMirror fails a fixed number of times before succeeding.
type failingMirror struct {
	mu       sync.Mutex
	failures int
	calls    int
	inner    Mirror
}

func (f *failingMirror) Record(ctx context.Context, ev Event) error {
	f.mu.Lock()
	f.calls++
	calls := f.calls
	f.mu.Unlock()
	if calls <= f.failures {
		return errors.New("ledger unavailable")
	}
	if f.inner != nil {
		return f.inner.Record(ctx, ev)
	}
	return nil
}

func (f *failingMirror) Snapshot(ctx context.Context, permitID string) (Snapshot, error) {
	if f.inner != nil {
		return f.inner.Snapshot(ctx, permitID)
	}
	return Snapshot{PermitID: permitID}, nil
}

func TestWriterRetriesTransientFailure(t *testing.T) {
	m := newTestMirror(t)
	fm := &failingMirror{failures: 2, inner: m}
	w := &Writer{Mirror: fm, Attempts: 3, Backoff: time.Millisecond, Log: zerolog.Nop()}

	w.Record(Event{PermitID: "p1", Action: "CREATED", Actor: "u1", TS: "2026-01-01T10:00:00Z"})
	w.Wait()

	snap, err := m.Snapshot(context.Background(), "p1")
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if snap.EntryCount != 1 {
		t.Errorf("expected retry to succeed, got %d entries", snap.EntryCount)
	}
	if fm.calls != 3 {
		t.Errorf("expected 3 attempts, got %d", fm.calls)
	}
}

func TestWriterInvokesOnFailureAfterExhaustion(t *testing.T) {
	fm := &failingMirror{failures: 100}
	var mu sync.Mutex
	var failed []Event
	w := &Writer{
		Mirror:   fm,
		Attempts: 3,
		Backoff:  time.Millisecond,
		Log:      zerolog.Nop(),
		OnFailure: func(ev Event, err error) {
			mu.Lock()
			failed = append(failed, ev)
			mu.Unlock()
		},
	}

	w.Record(Event{PermitID: "p1", Action: "STATUS_CHANGED", Actor: "u1", TS: "2026-01-01T10:00:00Z"})
	w.Wait()

	mu.Lock()
	defer mu.Unlock()
	if len(failed) != 1 {
		t.Fatalf("expected 1 failure callback, got %d", len(failed))
	}
	if failed[0].Action != "STATUS_CHANGED" {
		t.Errorf("unexpected failed event action %q", failed[0].Action)
	}
	if fm.calls != 3 {
		t.Errorf("expected 3 attempts, got %d", fm.calls)
	}
}

func TestRecordDetailsRoundTrip(t *testing.T) {
	s := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: s.Addr()})
	m := NewRedisMirrorWithClient(client)
	t.Cleanup(func() { m.Close() })
	ctx := context.Background()

	ev := Event{
		PermitID: "p1",
		Action:   "PAYMENT_RECORDED",
		Actor:    "u1",
		TS:       "2026-01-01T10:00:00Z",
		Details:  map[string]any{"amount": 150.0},
	}
	if err := m.Record(ctx, ev); err != nil {
		t.Fatalf("Record: %v", err)
	}

	entries, err := client.XRange(ctx, "ledger:p1", "-", "+").Result()
	if err != nil {
		t.Fatalf("XRange: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}
	if entries[0].Values["action"] != "PAYMENT_RECORDED" {
		t.Errorf("unexpected action %v", entries[0].Values["action"])
	}
	if entries[0].Values["details"] != `{"amount":150}` {
		t.Errorf("unexpected details %v", entries[0].Values["details"])
	}
}
