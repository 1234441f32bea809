package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestExecuteRunsOnce(t *testing.T) {
	g := NewGuard(NewMemoryStore())
	ctx := context.Background()

	var runs int32
	op := func(ctx context.Context) (string, json.RawMessage, error) {
		atomic.AddInt32(&runs, 1)
		return "J1", json.RawMessage(`{"ok":true}`), nil
	}

	res1, err := g.Execute(ctx, "capture", "k1", "fp", op)
	require.NoError(t, err)
	require.False(t, res1.Replayed)
	require.Equal(t, "J1", res1.JournalID)

	res2, err := g.Execute(ctx, "capture", "k1", "fp", op)
	require.NoError(t, err)
	require.True(t, res2.Replayed)
	require.Equal(t, res1.JournalID, res2.JournalID)
	require.JSONEq(t, string(res1.Payload), string(res2.Payload))
	require.EqualValues(t, 1, atomic.LoadInt32(&runs))
}

func TestExecuteConcurrentSingleWinner(t *testing.T) {
	g := NewGuard(NewMemoryStore())
	ctx := context.Background()

	var runs int32
	op := func(ctx context.Context) (string, json.RawMessage, error) {
		atomic.AddInt32(&runs, 1)
		time.Sleep(10 * time.Millisecond) // widen the race window
		return "J1", nil, nil
	}

	const N = 32
	results := make([]Result, N)
	errs := make([]error, N)
	var wg sync.WaitGroup
	for i := 0; i < N; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = g.Execute(ctx, "capture", "k1", "fp", op)
		}(i)
	}
	wg.Wait()

	require.EqualValues(t, 1, atomic.LoadInt32(&runs))
	for i := 0; i < N; i++ {
		require.NoError(t, errs[i])
		require.Equal(t, "J1", results[i].JournalID)
	}
}

func TestExecuteFingerprintConflict(t *testing.T) {
	g := NewGuard(NewMemoryStore())
	ctx := context.Background()

	op := func(ctx context.Context) (string, json.RawMessage, error) { return "J1", nil, nil }

	_, err := g.Execute(ctx, "capture", "k1", "fp1", op)
	require.NoError(t, err)

	_, err = g.Execute(ctx, "capture", "k1", "fp2", op)
	require.ErrorIs(t, err, ErrKeyConflict)
}

func TestExecuteScopesAreIndependent(t *testing.T) {
	g := NewGuard(NewMemoryStore())
	ctx := context.Background()

	var runs int32
	op := func(ctx context.Context) (string, json.RawMessage, error) {
		atomic.AddInt32(&runs, 1)
		return "J", nil, nil
	}

	_, err := g.Execute(ctx, "capture", "k1", "fp", op)
	require.NoError(t, err)
	_, err = g.Execute(ctx, "release", "k1", "fp", op)
	require.NoError(t, err)
	require.EqualValues(t, 2, atomic.LoadInt32(&runs))
}

func TestExecuteFailedOpRecordsNothing(t *testing.T) {
	g := NewGuard(NewMemoryStore())
	ctx := context.Background()

	boom := errors.New("storage down")
	_, err := g.Execute(ctx, "capture", "k1", "fp", func(ctx context.Context) (string, json.RawMessage, error) {
		return "", nil, boom
	})
	require.ErrorIs(t, err, boom)

	// The key is free again: a retry may succeed.
	res, err := g.Execute(ctx, "capture", "k1", "fp", func(ctx context.Context) (string, json.RawMessage, error) {
		return "J1", nil, nil
	})
	require.NoError(t, err)
	require.False(t, res.Replayed)
}

func TestExecuteSurvivesCallerCancellation(t *testing.T) {
	g := NewGuard(NewMemoryStore())

	started := make(chan struct{})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = g.Execute(ctx, "capture", "k1", "fp", func(opCtx context.Context) (string, json.RawMessage, error) {
			close(started)
			time.Sleep(20 * time.Millisecond)
			// The op context must not inherit the caller's cancellation.
			if err := opCtx.Err(); err != nil {
				return "", nil, err
			}
			return "J1", nil, nil
		})
	}()

	<-started
	cancel() // caller walks away mid-operation
	<-done

	res, err := g.Execute(context.Background(), "capture", "k1", "fp", func(ctx context.Context) (string, json.RawMessage, error) {
		t.Fatal("operation must not run twice")
		return "", nil, nil
	})
	require.NoError(t, err)
	require.True(t, res.Replayed)
	require.Equal(t, "J1", res.JournalID)
}

func TestFingerprintStable(t *testing.T) {
	type req struct {
		From   string `json:"from"`
		To     string `json:"to"`
		Amount int64  `json:"amount"`
	}
	a := Fingerprint(req{From: "A", To: "B", Amount: 100})
	b := Fingerprint(req{From: "A", To: "B", Amount: 100})
	c := Fingerprint(req{From: "A", To: "B", Amount: 101})
	require.Equal(t, a, b)
	require.NotEqual(t, a, c)
}

func TestPurgeBefore(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, s.Put(ctx, Record{Scope: "s", Key: "old", CreatedAt: time.Now().Add(-48 * time.Hour)}))
	require.NoError(t, s.Put(ctx, Record{Scope: "s", Key: "new", CreatedAt: time.Now()}))

	n, err := s.PurgeBefore(ctx, time.Now().Add(-24*time.Hour))
	require.NoError(t, err)
	require.Equal(t, 1, n)

	_, ok, err := s.Get(ctx, "s", "new")
	require.NoError(t, err)
	require.True(t, ok)
}
