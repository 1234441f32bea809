package feed

import (
	"context"
	"testing"
	"time"

	"github.com/njangipay/ledgercore/internal/ledger"
)

func TestSubscribeAndPublish(t *testing.T) {
	f := New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch := f.Subscribe(ctx)
	f.Publish(JournalEvent{JournalID: "J1", Seq: 1})

	select {
	case evt := <-ch:
		if evt.JournalID != "J1" {
			t.Fatalf("unexpected event: %+v", evt)
		}
	case <-time.After(time.Second):
		t.Fatal("no event received")
	}
}

func TestSubscriberClosedOnContextEnd(t *testing.T) {
	f := New()
	ctx, cancel := context.WithCancel(context.Background())
	ch := f.Subscribe(ctx)
	cancel()

	select {
	case _, ok := <-ch:
		if ok {
			t.Fatal("expected closed channel")
		}
	case <-time.After(time.Second):
		t.Fatal("channel was not closed")
	}
}

func TestSlowSubscriberDropsInsteadOfBlocking(t *testing.T) {
	f := New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	f.Subscribe(ctx) // nobody drains it
	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			f.Publish(JournalEvent{Seq: uint64(i)})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a slow subscriber")
	}
}

func TestFromJournal(t *testing.T) {
	j := ledger.Journal{
		ID:       "J1",
		Seq:      7,
		Currency: "XAF",
		Legs: []ledger.Leg{
			{Type: ledger.Debit, Amount: 10000},
			{Type: ledger.Credit, Amount: 9800},
			{Type: ledger.Credit, Amount: 200},
		},
	}
	evt := FromJournal(j)
	if evt.Debits != 10000 || evt.Seq != 7 || evt.Currency != "XAF" {
		t.Fatalf("unexpected event: %+v", evt)
	}
}
