package ledger

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const (
	defaultAttempts = 3
	defaultBackoff  = 200 * time.Millisecond
	defaultTimeout  = 5 * time.Second
)

// Writer records events to a Mirror asynchronously with bounded retries.
// Delivery runs on a single dispatcher goroutine in Record order, so the
// mirror sees events in the same sequence as permit history. A write that
// exhausts its attempts invokes OnFailure and is dropped; the primary
// database write is never rolled back on ledger failure.
type Writer struct {
	Mirror   Mirror
	Attempts int
	Backoff  time.Duration
	Timeout  time.Duration
	Log      zerolog.Logger

	// OnFailure runs after the final failed attempt, outside any
	// request context. Used to annotate permit history.
	OnFailure func(ev Event, err error)

	mu      sync.Mutex
	queue   []Event
	running bool
	wg      sync.WaitGroup
}

// Record enqueues one ledger write and returns immediately.
func (w *Writer) Record(ev Event) {
	if w.Mirror == nil {
		return
	}
	w.wg.Add(1)
	w.mu.Lock()
	w.queue = append(w.queue, ev)
	if !w.running {
		w.running = true
		go w.drain()
	}
	w.mu.Unlock()
}

// drain delivers queued events one at a time in enqueue order.
func (w *Writer) drain() {
	for {
		w.mu.Lock()
		if len(w.queue) == 0 {
			w.running = false
			w.mu.Unlock()
			return
		}
		ev := w.queue[0]
		w.queue = w.queue[1:]
		w.mu.Unlock()

		w.deliver(ev)
		w.wg.Done()
	}
}

func (w *Writer) deliver(ev Event) {
	attempts := w.Attempts
	if attempts <= 0 {
		attempts = defaultAttempts
	}
	backoff := w.Backoff
	if backoff <= 0 {
		backoff = defaultBackoff
	}
	timeout := w.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	var lastErr error
	for i := 0; i < attempts; i++ {
		if i > 0 {
			time.Sleep(backoff)
		}
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		lastErr = w.Mirror.Record(ctx, ev)
		cancel()
		if lastErr == nil {
			return
		}
		w.Log.Warn().Err(lastErr).Str("permit_id", ev.PermitID).Str("action", ev.Action).Int("attempt", i+1).Msg("ledger write failed")
	}
	w.Log.Error().Err(lastErr).Str("permit_id", ev.PermitID).Str("action", ev.Action).Msg("ledger write exhausted retries")
	if w.OnFailure != nil {
		w.OnFailure(ev, lastErr)
	}
}

// Wait blocks until all scheduled writes have finished. Tests use it to
// make the asynchronous path deterministic.
func (w *Writer) Wait() {
	w.wg.Wait()
}
