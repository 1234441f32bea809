package payment

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/njangipay/ledgercore/internal/idempotency"
	"github.com/njangipay/ledgercore/internal/ledger"
)

// MemoryStore keeps payment events in process memory and posts journals
// through the supplied ledger. Transition idempotency goes through the guard;
// the event lock spans the state re-check, the posting and the state update
// so no interleaving writer can observe a half-applied transition.
type MemoryStore struct {
	mu     sync.RWMutex
	events map[string]*Event
	ledger ledger.Service
	guard  *idempotency.Guard
}

func NewMemoryStore(svc ledger.Service) *MemoryStore {
	return &MemoryStore{
		events: make(map[string]*Event),
		ledger: svc,
		guard:  idempotency.NewGuard(idempotency.NewMemoryStore()),
	}
}

func (s *MemoryStore) CreateEvent(ctx context.Context, evt Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := evt
	cp.Journals = copyJournals(evt.Journals)
	s.events[evt.ID] = &cp
	return nil
}

func (s *MemoryStore) GetEvent(ctx context.Context, id string) (Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	evt, ok := s.events[id]
	if !ok {
		return Event{}, ledger.ErrNotFound
	}
	out := *evt
	out.Journals = copyJournals(evt.Journals)
	return out, nil
}

func (s *MemoryStore) ApplyTransition(ctx context.Context, req TransitionRequest) (Event, bool, error) {
	// Without an attempt key there is nothing to replay; apply directly.
	if req.AttemptKey == "" {
		_, payload, err := s.apply(ctx, req)
		if err != nil {
			return Event{}, false, err
		}
		var out Event
		if err := json.Unmarshal(payload, &out); err != nil {
			return Event{}, false, err
		}
		return out, false, nil
	}

	res, err := s.guard.Execute(ctx, req.Scope(), req.AttemptKey, req.Fingerprint,
		func(opCtx context.Context) (string, json.RawMessage, error) {
			return s.apply(opCtx, req)
		})
	if err != nil {
		return Event{}, false, err
	}

	var out Event
	if err := json.Unmarshal(res.Payload, &out); err != nil {
		return Event{}, false, err
	}
	return out, res.Replayed, nil
}

// apply performs the state re-check, the posting and the state update under
// the event lock, returning the committed journal id and an event snapshot.
func (s *MemoryStore) apply(ctx context.Context, req TransitionRequest) (string, json.RawMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	evt, ok := s.events[req.EventID]
	if !ok {
		return "", nil, ledger.ErrNotFound
	}
	if evt.State != req.From {
		return "", nil, stateMismatch(req.From, evt.State)
	}

	var journalID string
	if req.Draft != nil {
		j, _, err := s.ledger.Post(ctx, *req.Draft)
		if err != nil {
			return "", nil, err
		}
		journalID = j.ID
	}

	evt.State = req.To
	if journalID != "" {
		evt.Journals[req.Name] = journalID
	}
	evt.UpdatedAt = time.Now().UTC()

	snapshot := *evt
	snapshot.Journals = copyJournals(evt.Journals)
	payload, err := json.Marshal(snapshot)
	if err != nil {
		return "", nil, err
	}
	return journalID, payload, nil
}

func copyJournals(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
