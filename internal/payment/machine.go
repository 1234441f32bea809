package payment

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/njangipay/ledgercore/internal/fees"
	"github.com/njangipay/ledgercore/internal/idempotency"
	"github.com/njangipay/ledgercore/internal/ledger"
)

// TransitionRequest carries everything a store needs to apply one transition
// atomically: the validated edge, the prepared journal draft (nil for
// journal-less transitions) and the idempotency identity.
type TransitionRequest struct {
	EventID     string
	From        State
	To          State
	Name        string
	Draft       *ledger.Draft
	AttemptKey  string
	Fingerprint string
}

// Scope is the idempotency scope for this transition attempt, keyed by
// (event id, transition name) so the same webhook key can serve different
// transitions without colliding.
func (r TransitionRequest) Scope() string {
	return "payment:" + r.EventID + ":" + r.Name
}

// Store persists payment events. ApplyTransition must re-check the source
// state, post the draft (when present), advance the state and record the
// idempotency outcome as one atomic unit; a retried attempt key replays the
// stored outcome without side effects and reports replayed=true.
type Store interface {
	CreateEvent(ctx context.Context, evt Event) error
	GetEvent(ctx context.Context, id string) (Event, error)
	ApplyTransition(ctx context.Context, req TransitionRequest) (Event, bool, error)
}

// CreateParams provisions a new payment event.
type CreateParams struct {
	Currency          string
	Amount            int64
	CustomerRef       string
	MerchantRef       string
	FloatAccountID    string
	EscrowAccountID   string // required for escrow, ignored for charge
	MerchantAccountID string
	FeeAccountID      string // optional; enables the fee leg
}

// Machine owns the escrow and charge flows. The two kinds share one posting
// path and differ only in which journals each transition emits.
type Machine struct {
	store Store
	fees  fees.Schedule
}

type Option func(*Machine)

// WithFees installs the fee schedule applied at escrow release and charge
// capture. Events without a fee account are unaffected.
func WithFees(s fees.Schedule) Option {
	return func(m *Machine) { m.fees = s }
}

func NewMachine(store Store, opts ...Option) *Machine {
	m := &Machine{store: store}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Machine) CreateEscrow(ctx context.Context, p CreateParams) (Event, error) {
	if p.EscrowAccountID == "" {
		return Event{}, fmt.Errorf("%w: escrow account is required", ErrInvalidEvent)
	}
	return m.create(ctx, KindEscrow, p)
}

func (m *Machine) CreateCharge(ctx context.Context, p CreateParams) (Event, error) {
	p.EscrowAccountID = ""
	return m.create(ctx, KindCharge, p)
}

func (m *Machine) create(ctx context.Context, kind Kind, p CreateParams) (Event, error) {
	if p.Amount <= 0 {
		return Event{}, fmt.Errorf("%w: amount must be > 0", ErrInvalidEvent)
	}
	currency := strings.ToUpper(strings.TrimSpace(p.Currency))
	if len(currency) != 3 {
		return Event{}, fmt.Errorf("%w: currency must be a 3-letter ISO 4217 code", ErrInvalidEvent)
	}
	if p.FloatAccountID == "" || p.MerchantAccountID == "" {
		return Event{}, fmt.Errorf("%w: float and merchant accounts are required", ErrInvalidEvent)
	}

	now := time.Now().UTC()
	evt := Event{
		ID:                uuid.NewString(),
		Kind:              kind,
		State:             StateCreated,
		Currency:          currency,
		Amount:            p.Amount,
		CustomerRef:       p.CustomerRef,
		MerchantRef:       p.MerchantRef,
		FloatAccountID:    p.FloatAccountID,
		EscrowAccountID:   p.EscrowAccountID,
		MerchantAccountID: p.MerchantAccountID,
		FeeAccountID:      p.FeeAccountID,
		Journals:          map[string]string{},
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if err := m.store.CreateEvent(ctx, evt); err != nil {
		return Event{}, err
	}
	return evt, nil
}

func (m *Machine) Get(ctx context.Context, id string) (Event, error) {
	return m.store.GetEvent(ctx, id)
}

// Transition moves the event from the expected source state to the target
// state, posting the journal the edge requires. attemptKey makes the call
// idempotent: a retried webhook or client retry with the same key returns
// the original outcome with replayed=true and posts nothing.
func (m *Machine) Transition(ctx context.Context, eventID string, from, to State, attemptKey string) (Event, bool, error) {
	evt, err := m.store.GetEvent(ctx, eventID)
	if err != nil {
		return Event{}, false, err
	}

	name, ok := TransitionName(evt.Kind, from, to)
	if !ok {
		return Event{}, false, invalidTransition(from, to)
	}
	// No state pre-check here: a retried attempt key must replay the stored
	// outcome even though the event has already moved on. The store validates
	// the source state inside the commit unit for genuinely new attempts.

	draft, err := m.buildDraft(evt, name)
	if err != nil {
		return Event{}, false, err
	}

	req := TransitionRequest{
		EventID:    eventID,
		From:       from,
		To:         to,
		Name:       name,
		Draft:      draft,
		AttemptKey: attemptKey,
		Fingerprint: idempotency.Fingerprint(struct {
			EventID  string `json:"event_id"`
			From     State  `json:"from"`
			To       State  `json:"to"`
			Currency string `json:"currency"`
			Amount   int64  `json:"amount"`
		}{eventID, from, to, evt.Currency, evt.Amount}),
	}
	return m.store.ApplyTransition(ctx, req)
}

// buildDraft emits the journal an edge requires, or nil for administrative
// transitions (hold, close, settle).
func (m *Machine) buildDraft(evt Event, name string) (*ledger.Draft, error) {
	amount := evt.Amount
	switch {
	case name == TransitionCapture && evt.Kind == KindEscrow:
		return &ledger.Draft{
			Description: "escrow capture " + evt.ID,
			Legs: []ledger.DraftLeg{
				{AccountID: evt.FloatAccountID, Type: ledger.Debit, Amount: amount},
				{AccountID: evt.EscrowAccountID, Type: ledger.Credit, Amount: amount},
			},
		}, nil

	case name == TransitionCapture && evt.Kind == KindCharge:
		legs, err := m.creditMerchantLegs(evt)
		if err != nil {
			return nil, err
		}
		return &ledger.Draft{
			Description: "charge capture " + evt.ID,
			Legs: append([]ledger.DraftLeg{
				{AccountID: evt.FloatAccountID, Type: ledger.Debit, Amount: amount},
			}, legs...),
		}, nil

	case name == TransitionRelease:
		legs, err := m.creditMerchantLegs(evt)
		if err != nil {
			return nil, err
		}
		return &ledger.Draft{
			Description: "escrow release " + evt.ID,
			Legs: append([]ledger.DraftLeg{
				{AccountID: evt.EscrowAccountID, Type: ledger.Debit, Amount: amount},
			}, legs...),
		}, nil

	case name == TransitionRefund:
		return &ledger.Draft{
			Description: "escrow refund " + evt.ID,
			Legs: []ledger.DraftLeg{
				{AccountID: evt.EscrowAccountID, Type: ledger.Debit, Amount: amount},
				{AccountID: evt.FloatAccountID, Type: ledger.Credit, Amount: amount},
			},
		}, nil
	}
	return nil, nil
}

// creditMerchantLegs splits the credited amount between the merchant and the
// fee revenue account when a schedule applies.
func (m *Machine) creditMerchantLegs(evt Event) ([]ledger.DraftLeg, error) {
	fee := ledger.Money{Currency: evt.Currency}
	if m.fees != nil && evt.FeeAccountID != "" {
		f, err := m.fees.Fee(ledger.Money{Currency: evt.Currency, Amount: evt.Amount})
		if err != nil {
			return nil, err
		}
		fee = f
	}
	if fee.Amount >= evt.Amount {
		return nil, fmt.Errorf("%w: fee %d on amount %d", ErrFeeExceedsAmount, fee.Amount, evt.Amount)
	}
	legs := []ledger.DraftLeg{
		{AccountID: evt.MerchantAccountID, Type: ledger.Credit, Amount: evt.Amount - fee.Amount},
	}
	if fee.IsPositive() {
		legs = append(legs, ledger.DraftLeg{AccountID: evt.FeeAccountID, Type: ledger.Credit, Amount: fee.Amount})
	}
	return legs, nil
}
