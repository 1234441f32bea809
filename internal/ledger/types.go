package ledger

import (
	"errors"
	"fmt"
	"time"

	"github.com/njangipay/ledgercore/internal/ids"
)

// AccountType determines which side of a journal increases the balance.
type AccountType string

const (
	FloatAsset         AccountType = "FLOAT_ASSET"
	EscrowPayable      AccountType = "ESCROW_PAYABLE"
	MerchantPayable    AccountType = "MERCHANT_PAYABLE"
	ClearingReceivable AccountType = "CLEARING_RECEIVABLE"
	ClearingPayable    AccountType = "CLEARING_PAYABLE"
	FeeRevenue         AccountType = "FEE_REVENUE"
)

// DebitNormal reports whether debits increase this account's balance.
// Assets and receivables are debit-normal; payables and revenue credit-normal.
func (t AccountType) DebitNormal() bool {
	switch t {
	case FloatAsset, ClearingReceivable:
		return true
	}
	return false
}

func (t AccountType) Valid() bool {
	switch t {
	case FloatAsset, EscrowPayable, MerchantPayable, ClearingReceivable, ClearingPayable, FeeRevenue:
		return true
	}
	return false
}

// Account is an entry in the registry. The balance is never stored here; it
// is always derived from the committed legs referencing the account.
type Account struct {
	ID        string      `json:"id"`
	Name      string      `json:"name"`
	Type      AccountType `json:"type"`
	Currency  string      `json:"currency"`
	CreatedAt time.Time   `json:"created_at"`
}

// EntryType marks a leg as a debit or a credit.
type EntryType string

const (
	Debit  EntryType = "DEBIT"
	Credit EntryType = "CREDIT"
)

// Leg is one debit or credit line of a committed journal.
type Leg struct {
	ID        string    `json:"id"`
	JournalID string    `json:"journal_id"`
	AccountID string    `json:"account_id"`
	Type      EntryType `json:"type"`
	Amount    int64     `json:"amount"` // minor units, always > 0
}

// Journal is an atomically committed, balanced group of legs. Journals are
// immutable once committed; corrections are new, reversing journals.
type Journal struct {
	ID          string    `json:"id"`
	Seq         uint64    `json:"seq"` // monotonic commit sequence
	Description string    `json:"description,omitempty"`
	Currency    string    `json:"currency"`
	CreatedAt   time.Time `json:"created_at"`
	Legs        []Leg     `json:"legs"`
}

// DraftLeg is one line of a journal draft.
type DraftLeg struct {
	AccountID string    `json:"account_id"`
	Type      EntryType `json:"type"`
	Amount    int64     `json:"amount"`
}

// Draft is a journal awaiting validation and commit. When IdempotencyKey is
// set, a retried Post with the same key and fingerprint returns the
// originally committed journal instead of posting again.
type Draft struct {
	Description    string     `json:"description,omitempty"`
	Legs           []DraftLeg `json:"legs"`
	IdempotencyKey string     `json:"idempotency_key,omitempty"`
	Fingerprint    string     `json:"fingerprint,omitempty"`
}

var (
	ErrNotFound           = errors.New("not found")
	ErrDuplicateName      = errors.New("account name already exists")
	ErrInvalidAccount     = errors.New("invalid account")
	ErrInvalidJournal     = errors.New("invalid journal")
	ErrKeyConflict        = errors.New("idempotency key reused with different payload")
	ErrStorageUnavailable = errors.New("storage unavailable")
)

func invalidJournal(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidJournal, fmt.Sprintf(format, args...))
}

func newID() string {
	return ids.New()
}
