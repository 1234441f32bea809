// Package feed fan-outs committed-journal events to in-process subscribers
// (SSE clients, reconciliation tailers). Delivery is best effort: a slow
// subscriber drops events rather than blocking the posting path.
package feed

import (
	"context"
	"sync"
	"time"

	"github.com/njangipay/ledgercore/internal/ledger"
)

// JournalEvent is the read-side notification for one committed journal.
type JournalEvent struct {
	JournalID   string    `json:"journal_id"`
	Seq         uint64    `json:"seq"`
	Description string    `json:"description,omitempty"`
	Currency    string    `json:"currency"`
	Debits      int64     `json:"debits"` // equals credits for every committed journal
	PostedAt    time.Time `json:"posted_at"`
}

// FromJournal builds the event for a committed journal.
func FromJournal(j ledger.Journal) JournalEvent {
	var debits int64
	for _, leg := range j.Legs {
		if leg.Type == ledger.Debit {
			debits += leg.Amount
		}
	}
	return JournalEvent{
		JournalID:   j.ID,
		Seq:         j.Seq,
		Description: j.Description,
		Currency:    j.Currency,
		Debits:      debits,
		PostedAt:    j.CreatedAt,
	}
}

// Feed fan-outs journal events to all active subscribers.
type Feed struct {
	mu   sync.RWMutex
	subs map[int]chan JournalEvent
	next int
}

func New() *Feed {
	return &Feed{subs: make(map[int]chan JournalEvent)}
}

// Subscribe registers a subscriber and returns a channel which will receive
// events. The channel is closed when the provided context ends.
func (f *Feed) Subscribe(ctx context.Context) <-chan JournalEvent {
	ch := make(chan JournalEvent, 16)

	f.mu.Lock()
	id := f.next
	f.next++
	f.subs[id] = ch
	f.mu.Unlock()

	go func() {
		<-ctx.Done()
		f.mu.Lock()
		delete(f.subs, id)
		close(ch)
		f.mu.Unlock()
	}()

	return ch
}

// Publish fan-outs the event to all subscribers.
func (f *Feed) Publish(evt JournalEvent) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	for _, ch := range f.subs {
		select {
		case ch <- evt:
		default:
			// Drop when subscriber is slow to avoid blocking.
		}
	}
}
