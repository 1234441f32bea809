// Package payment drives the escrow and charge state machines. Each
// journal-bearing transition posts exactly one journal through the ledger;
// retried triggers are absorbed by the idempotency layer so a webhook replay
// can never double-post.
package payment

import (
	"errors"
	"fmt"
	"time"
)

// Kind tags a payment event as escrow (hold before release) or charge
// (direct credit to the merchant).
type Kind string

const (
	KindEscrow Kind = "ESCROW"
	KindCharge Kind = "CHARGE"
)

type State string

const (
	StateCreated  State = "CREATED"
	StateCaptured State = "CAPTURED"
	StateHeld     State = "HELD"
	StateReleased State = "RELEASED"
	StateRefunded State = "REFUNDED"
	StateClosed   State = "CLOSED"
	StateSettled  State = "SETTLED"
)

// Transition names; used as journal map keys and idempotency scopes.
const (
	TransitionCapture = "capture"
	TransitionHold    = "hold"
	TransitionRelease = "release"
	TransitionRefund  = "refund"
	TransitionClose   = "close"
	TransitionSettle  = "settle"
)

// Event is one payment flow. Every state transition appends at most one new
// journal and never amends a prior one.
type Event struct {
	ID                string            `json:"id"`
	Kind              Kind              `json:"kind"`
	State             State             `json:"state"`
	Currency          string            `json:"currency"`
	Amount            int64             `json:"amount"` // minor units
	CustomerRef       string            `json:"customer_ref,omitempty"`
	MerchantRef       string            `json:"merchant_ref,omitempty"`
	FloatAccountID    string            `json:"float_account_id"`
	EscrowAccountID   string            `json:"escrow_account_id,omitempty"`
	MerchantAccountID string            `json:"merchant_account_id"`
	FeeAccountID      string            `json:"fee_account_id,omitempty"`
	Journals          map[string]string `json:"journals"` // transition name -> journal id
	CreatedAt         time.Time         `json:"created_at"`
	UpdatedAt         time.Time         `json:"updated_at"`
}

var (
	ErrInvalidTransition = errors.New("invalid transition")
	ErrStateMismatch     = errors.New("payment event state mismatch")
	ErrInvalidEvent      = errors.New("invalid payment event")
	ErrFeeExceedsAmount  = errors.New("fee equals or exceeds payment amount")
)

type edge struct {
	from State
	to   State
}

var escrowTransitions = map[edge]string{
	{StateCreated, StateCaptured}: TransitionCapture,
	{StateCaptured, StateHeld}:    TransitionHold,
	{StateHeld, StateReleased}:    TransitionRelease,
	{StateHeld, StateRefunded}:    TransitionRefund,
	{StateReleased, StateClosed}:  TransitionClose,
	{StateRefunded, StateClosed}:  TransitionClose,
}

var chargeTransitions = map[edge]string{
	{StateCreated, StateCaptured}: TransitionCapture,
	{StateCaptured, StateSettled}: TransitionSettle,
}

// TransitionName resolves the legal edge (from, to) for the kind, or reports
// that no such edge exists.
func TransitionName(kind Kind, from, to State) (string, bool) {
	switch kind {
	case KindEscrow:
		name, ok := escrowTransitions[edge{from, to}]
		return name, ok
	case KindCharge:
		name, ok := chargeTransitions[edge{from, to}]
		return name, ok
	}
	return "", false
}

func invalidTransition(from, to State) error {
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
}

func stateMismatch(expected, actual State) error {
	return fmt.Errorf("%w: expected %s, currently %s", ErrStateMismatch, expected, actual)
}
