package ledger

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"
)

// Service defines the posting engine, account registry and query facade.
// Write traffic goes through Post only; balances are derived from legs.
type Service interface {
	CreateAccount(ctx context.Context, name string, typ AccountType, currency string) (Account, error)
	GetAccount(ctx context.Context, id string) (Account, error)
	GetAccountByName(ctx context.Context, name string) (Account, error)

	// GetBalance derives the balance from legs committed at or before asOf.
	// A zero asOf means latest.
	GetBalance(ctx context.Context, id string, asOf time.Time) (Money, error)

	// Post validates and atomically commits a journal draft. No reader ever
	// observes a journal with only some of its legs applied. The bool reports
	// whether an idempotency key replayed a previously committed journal.
	Post(ctx context.Context, draft Draft) (Journal, bool, error)

	GetJournal(ctx context.Context, id string) (Journal, error)
	ListJournals(ctx context.Context, limit int, afterSeq uint64) ([]Journal, uint64, error)
	ListAccountLegs(ctx context.Context, accountID string, limit int, afterSeq uint64) ([]Leg, uint64, error)
}

// accountLeg pairs a committed leg with its journal's commit metadata so
// per-account history can be filtered by sequence or time.
type accountLeg struct {
	leg       Leg
	seq       uint64
	committed time.Time
	acctType  AccountType
}

// InMemory implements Service with in-process concurrency safety. A single
// lock makes every commit atomic and serializes postings that touch
// overlapping accounts.
type InMemory struct {
	mu       sync.RWMutex
	accounts map[string]Account
	byName   map[string]string // name -> id
	journals map[string]Journal
	order    []string // journal ids in commit order
	byAcct   map[string][]accountLeg
	idem     map[string]idemRecord
	seq      uint64
}

type idemRecord struct {
	fingerprint string
	journalID   string
}

// NewInMemory creates a fresh ledger.
func NewInMemory() *InMemory {
	return &InMemory{
		accounts: make(map[string]Account),
		byName:   make(map[string]string),
		journals: make(map[string]Journal),
		byAcct:   make(map[string][]accountLeg),
		idem:     make(map[string]idemRecord),
	}
}

func (s *InMemory) CreateAccount(ctx context.Context, name string, typ AccountType, currency string) (Account, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return Account{}, invalidAccount("name is required")
	}
	if !typ.Valid() {
		return Account{}, invalidAccount("unknown account type %q", typ)
	}
	currency = strings.ToUpper(strings.TrimSpace(currency))
	if len(currency) != 3 {
		return Account{}, invalidAccount("currency must be a 3-letter ISO 4217 code")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.byName[name]; exists {
		return Account{}, fmt.Errorf("%w: %s", ErrDuplicateName, name)
	}
	acc := Account{
		ID:        newID(),
		Name:      name,
		Type:      typ,
		Currency:  currency,
		CreatedAt: time.Now().UTC(),
	}
	s.accounts[acc.ID] = acc
	s.byName[name] = acc.ID
	return acc, nil
}

func (s *InMemory) GetAccount(ctx context.Context, id string) (Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	acc, ok := s.accounts[id]
	if !ok {
		return Account{}, ErrNotFound
	}
	return acc, nil
}

func (s *InMemory) GetAccountByName(ctx context.Context, name string) (Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byName[name]
	if !ok {
		return Account{}, ErrNotFound
	}
	return s.accounts[id], nil
}

func (s *InMemory) GetBalance(ctx context.Context, id string, asOf time.Time) (Money, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	acc, ok := s.accounts[id]
	if !ok {
		return Money{}, ErrNotFound
	}
	var total int64
	for _, al := range s.byAcct[id] {
		if !asOf.IsZero() && al.committed.After(asOf) {
			continue
		}
		total += signedDelta(al.acctType, al.leg.Type, al.leg.Amount)
	}
	return Money{Currency: acc.Currency, Amount: total}, nil
}

func (s *InMemory) Post(ctx context.Context, draft Draft) (Journal, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Idempotent replay: same key and payload returns the original commit.
	if draft.IdempotencyKey != "" {
		if rec, ok := s.idem[draft.IdempotencyKey]; ok {
			if rec.fingerprint != draft.Fingerprint {
				return Journal{}, false, fmt.Errorf("%w: key %s", ErrKeyConflict, draft.IdempotencyKey)
			}
			return s.journals[rec.journalID], true, nil
		}
	}

	currency, err := CheckDraft(draft, func(id string) (Account, error) {
		acc, ok := s.accounts[id]
		if !ok {
			return Account{}, ErrNotFound
		}
		return acc, nil
	})
	if err != nil {
		return Journal{}, false, err
	}

	s.seq++
	j := Journal{
		ID:          newID(),
		Seq:         s.seq,
		Description: draft.Description,
		Currency:    currency,
		CreatedAt:   time.Now().UTC(),
		Legs:        make([]Leg, 0, len(draft.Legs)),
	}
	for _, dl := range draft.Legs {
		leg := Leg{
			ID:        newID(),
			JournalID: j.ID,
			AccountID: dl.AccountID,
			Type:      dl.Type,
			Amount:    dl.Amount,
		}
		j.Legs = append(j.Legs, leg)
	}

	// Everything validated; make the journal and all legs visible together.
	s.journals[j.ID] = j
	s.order = append(s.order, j.ID)
	for _, leg := range j.Legs {
		s.byAcct[leg.AccountID] = append(s.byAcct[leg.AccountID], accountLeg{
			leg:       leg,
			seq:       j.Seq,
			committed: j.CreatedAt,
			acctType:  s.accounts[leg.AccountID].Type,
		})
	}
	if draft.IdempotencyKey != "" {
		s.idem[draft.IdempotencyKey] = idemRecord{
			fingerprint: draft.Fingerprint,
			journalID:   j.ID,
		}
	}
	return j, false, nil
}

func (s *InMemory) GetJournal(ctx context.Context, id string) (Journal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	j, ok := s.journals[id]
	if !ok {
		return Journal{}, ErrNotFound
	}
	return j, nil
}

func (s *InMemory) ListJournals(ctx context.Context, limit int, afterSeq uint64) ([]Journal, uint64, error) {
	limit = clampLimit(limit)
	s.mu.RLock()
	defer s.mu.RUnlock()
	var res []Journal
	var last uint64
	for _, id := range s.order {
		j := s.journals[id]
		if j.Seq <= afterSeq {
			continue
		}
		res = append(res, j)
		last = j.Seq
		if len(res) >= limit {
			break
		}
	}
	return res, last, nil
}

func (s *InMemory) ListAccountLegs(ctx context.Context, accountID string, limit int, afterSeq uint64) ([]Leg, uint64, error) {
	limit = clampLimit(limit)
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.accounts[accountID]; !ok {
		return nil, 0, ErrNotFound
	}
	// byAcct is appended under the write lock, so it is already in commit order.
	legs := s.byAcct[accountID]
	var res []Leg
	var last uint64
	for _, al := range legs {
		if al.seq <= afterSeq {
			continue
		}
		res = append(res, al.leg)
		last = al.seq
		if len(res) >= limit {
			break
		}
	}
	return res, last, nil
}

func clampLimit(limit int) int {
	if limit <= 0 || limit > 1000 {
		return 100
	}
	return limit
}

func invalidAccount(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidAccount, fmt.Sprintf(format, args...))
}
