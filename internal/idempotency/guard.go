// Package idempotency guarantees at-most-one effect for externally retried
// operations. A Guard serializes concurrent first calls per key so that
// exactly one invocation executes; every other caller, including late retries
// after the original client gave up, observes the winner's stored result.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"
)

var (
	// ErrKeyConflict means a key was reused with a different request payload.
	// This is a caller bug and is never resolved silently.
	ErrKeyConflict = errors.New("idempotency key reused with different payload")
)

// Record is the durable outcome of one executed operation. Records are
// write-once; retention beyond the plausible client retry window is policy.
type Record struct {
	Scope       string          `json:"scope"`
	Key         string          `json:"key"`
	Fingerprint string          `json:"fingerprint"`
	JournalID   string          `json:"journal_id,omitempty"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
}

// Result is what Execute returns, identical for the winner and for replays.
type Result struct {
	JournalID string
	Payload   json.RawMessage
	Replayed  bool
}

// Store persists records keyed by (scope, key).
type Store interface {
	Get(ctx context.Context, scope, key string) (Record, bool, error)
	Put(ctx context.Context, rec Record) error
	PurgeBefore(ctx context.Context, cutoff time.Time) (int, error)
}

// Op performs the guarded work and returns the committed journal id (empty if
// the operation posts nothing) plus an opaque payload stored for replays.
type Op func(ctx context.Context) (journalID string, payload json.RawMessage, err error)

// Guard runs operations at most once per (scope, key).
type Guard struct {
	store Store

	mu       sync.Mutex
	inflight map[string]*call
}

type call struct {
	done chan struct{}
	rec  Record
	err  error
}

func NewGuard(store Store) *Guard {
	return &Guard{
		store:    store,
		inflight: make(map[string]*call),
	}
}

// Execute runs op at most once for (scope, key). The first caller executes
// and records the outcome; concurrent and later callers get the recorded
// result without re-running op. A reused key with a differing fingerprint
// fails with ErrKeyConflict.
//
// op runs detached from the caller's cancellation: once started, the effect
// must complete (or fail) regardless of whether this caller sticks around to
// see it.
func (g *Guard) Execute(ctx context.Context, scope, key, fingerprint string, op Op) (Result, error) {
	if key == "" {
		return Result{}, errors.New("idempotency key is required")
	}
	ck := scope + "\x1f" + key

	g.mu.Lock()
	if c, ok := g.inflight[ck]; ok {
		g.mu.Unlock()
		select {
		case <-c.done:
		case <-ctx.Done():
			return Result{}, ctx.Err()
		}
		if c.err != nil {
			return Result{}, c.err
		}
		return replay(c.rec, fingerprint)
	}
	c := &call{done: make(chan struct{})}
	g.inflight[ck] = c
	g.mu.Unlock()

	defer func() {
		g.mu.Lock()
		delete(g.inflight, ck)
		g.mu.Unlock()
		close(c.done)
	}()

	if rec, ok, err := g.store.Get(ctx, scope, key); err != nil {
		c.err = err
		return Result{}, err
	} else if ok {
		c.rec = rec
		return replay(rec, fingerprint)
	}

	// Detach from the caller: an abandoned request must still commit exactly
	// once so a later retry finds the record instead of re-posting.
	opCtx := context.WithoutCancel(ctx)
	journalID, payload, err := op(opCtx)
	if err != nil {
		// A failed operation has no effect and records nothing; the caller
		// may retry with the same key.
		c.err = err
		return Result{}, err
	}

	rec := Record{
		Scope:       scope,
		Key:         key,
		Fingerprint: fingerprint,
		JournalID:   journalID,
		Payload:     payload,
		CreatedAt:   time.Now().UTC(),
	}
	if err := g.store.Put(opCtx, rec); err != nil {
		c.err = err
		return Result{}, err
	}
	c.rec = rec
	return Result{JournalID: journalID, Payload: payload}, nil
}

func replay(rec Record, fingerprint string) (Result, error) {
	if rec.Fingerprint != fingerprint {
		return Result{}, fmt.Errorf("%w: key %s", ErrKeyConflict, rec.Key)
	}
	return Result{JournalID: rec.JournalID, Payload: rec.Payload, Replayed: true}, nil
}

// Fingerprint derives a stable request fingerprint from the operation's
// parameters. Map keys are sorted by encoding/json, struct fields keep
// declaration order, so identical inputs always hash identically.
func Fingerprint(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		// Fingerprint inputs are plain request structs; a marshal failure
		// here is a programming error.
		panic(fmt.Sprintf("idempotency fingerprint: %v", err))
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
