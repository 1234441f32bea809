package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/njangipay/ledgercore/internal/ledger"
	"github.com/njangipay/ledgercore/internal/payment"
)

// PaymentStore persists payment events in the same database as the ledger so
// a transition's state change, journal commit and idempotency record land in
// one transaction.
type PaymentStore struct {
	db *sql.DB
}

var _ payment.Store = (*PaymentStore)(nil)

func NewPaymentStore(db *sql.DB) *PaymentStore { return &PaymentStore{db: db} }

func (s *PaymentStore) CreateEvent(ctx context.Context, evt payment.Event) error {
	journals, err := json.Marshal(evt.Journals)
	if err != nil {
		return fmt.Errorf("marshal journals: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		insert into payment_events(
			id, kind, state, currency, amount,
			customer_ref, merchant_ref,
			float_account_id, escrow_account_id, merchant_account_id, fee_account_id,
			journals, created_at, updated_at)
		values ($1, $2, $3, $4, $5, $6, $7, $8, nullif($9, ''), $10, nullif($11, ''), $12, $13, $14)
	`, evt.ID, string(evt.Kind), string(evt.State), evt.Currency, evt.Amount,
		evt.CustomerRef, evt.MerchantRef,
		evt.FloatAccountID, evt.EscrowAccountID, evt.MerchantAccountID, evt.FeeAccountID,
		journals, evt.CreatedAt, evt.UpdatedAt)
	if err != nil {
		return storageErr("create payment event", err)
	}
	return nil
}

func (s *PaymentStore) GetEvent(ctx context.Context, id string) (payment.Event, error) {
	row := s.db.QueryRowContext(ctx, selectEvent+` where id = $1`, id)
	return scanEvent(row)
}

// ApplyTransition runs the whole transition as one serializable transaction:
// replay lookup, event row lock, source state re-check, journal posting,
// state update and idempotency record. Either all of it commits or none.
func (s *PaymentStore) ApplyTransition(ctx context.Context, req payment.TransitionRequest) (payment.Event, bool, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return payment.Event{}, false, storageErr("begin", err)
	}
	defer func() { _ = tx.Rollback() }()

	if req.AttemptKey != "" {
		evt, replayed, err := replayTransition(ctx, tx, req)
		if err != nil {
			return payment.Event{}, false, err
		}
		if replayed {
			return evt, true, nil
		}
	}

	row := tx.QueryRowContext(ctx, selectEvent+` where id = $1 for update`, req.EventID)
	evt, err := scanEvent(row)
	if err != nil {
		return payment.Event{}, false, err
	}
	if evt.State != req.From {
		return payment.Event{}, false, fmt.Errorf("%w: expected %s, currently %s",
			payment.ErrStateMismatch, req.From, evt.State)
	}

	journalID := ""
	if req.Draft != nil {
		j, err := postInTx(ctx, tx, *req.Draft)
		if err != nil {
			return payment.Event{}, false, err
		}
		journalID = j.ID
		if evt.Journals == nil {
			evt.Journals = map[string]string{}
		}
		evt.Journals[req.Name] = j.ID
	}

	evt.State = req.To
	evt.UpdatedAt = time.Now().UTC()
	journals, err := json.Marshal(evt.Journals)
	if err != nil {
		return payment.Event{}, false, fmt.Errorf("marshal journals: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		update payment_events set state = $1, journals = $2, updated_at = $3 where id = $4
	`, string(evt.State), journals, evt.UpdatedAt, evt.ID); err != nil {
		return payment.Event{}, false, storageErr("update payment event", err)
	}

	if req.AttemptKey != "" {
		snapshot, err := json.Marshal(evt)
		if err != nil {
			return payment.Event{}, false, fmt.Errorf("marshal event snapshot: %w", err)
		}
		if err := insertIdemRecord(ctx, tx, req.Scope(), req.AttemptKey, req.Fingerprint, journalID, snapshot); err != nil {
			return payment.Event{}, false, err
		}
	}

	if err := tx.Commit(); err != nil {
		return payment.Event{}, false, storageErr("commit", err)
	}
	return evt, false, nil
}

// replayTransition resolves a prior attempt with the same key to its stored
// event snapshot. A key reuse with a different fingerprint is rejected.
func replayTransition(ctx context.Context, tx *sql.Tx, req payment.TransitionRequest) (payment.Event, bool, error) {
	var storedFP string
	var payload []byte
	err := tx.QueryRowContext(ctx, `
		select fingerprint, payload from idempotency_keys where scope = $1 and key = $2
	`, req.Scope(), req.AttemptKey).Scan(&storedFP, &payload)
	if errors.Is(err, sql.ErrNoRows) {
		return payment.Event{}, false, nil
	}
	if err != nil {
		return payment.Event{}, false, storageErr("idempotency lookup", err)
	}
	if storedFP != req.Fingerprint {
		return payment.Event{}, false, fmt.Errorf("%w: attempt key %s", ledger.ErrKeyConflict, req.AttemptKey)
	}
	var evt payment.Event
	if err := json.Unmarshal(payload, &evt); err != nil {
		return payment.Event{}, false, fmt.Errorf("decode event snapshot: %w", err)
	}
	return evt, true, nil
}

const selectEvent = `
	select id, kind, state, currency, amount,
	       customer_ref, merchant_ref,
	       float_account_id, coalesce(escrow_account_id, ''), merchant_account_id, coalesce(fee_account_id, ''),
	       journals, created_at, updated_at
	from payment_events`

func scanEvent(row *sql.Row) (payment.Event, error) {
	var evt payment.Event
	var kind, state string
	var journals []byte
	err := row.Scan(&evt.ID, &kind, &state, &evt.Currency, &evt.Amount,
		&evt.CustomerRef, &evt.MerchantRef,
		&evt.FloatAccountID, &evt.EscrowAccountID, &evt.MerchantAccountID, &evt.FeeAccountID,
		&journals, &evt.CreatedAt, &evt.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return payment.Event{}, ledger.ErrNotFound
	}
	if err != nil {
		return payment.Event{}, storageErr("get payment event", err)
	}
	evt.Kind = payment.Kind(kind)
	evt.State = payment.State(state)
	if len(journals) > 0 {
		if err := json.Unmarshal(journals, &evt.Journals); err != nil {
			return payment.Event{}, fmt.Errorf("decode journals: %w", err)
		}
	}
	if evt.Journals == nil {
		evt.Journals = map[string]string{}
	}
	return evt, nil
}
