// Package pg implements the ledger and payment stores on PostgreSQL.
//
// Every posting commits the journal, its legs and (when present) the
// idempotency record in one serializable transaction. Accounts touched by a
// journal are locked in sorted id order so racing postings on overlapping
// accounts serialize without deadlocking.
package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/njangipay/ledgercore/internal/ids"
	"github.com/njangipay/ledgercore/internal/ledger"
)

// postScope is the idempotency scope for direct journal posts (reconciliation
// adjustments and other externally constructed drafts).
const postScope = "ledger.post"

type Store struct {
	db *sql.DB
}

var _ ledger.Service = (*Store)(nil)

func Open(dsn string) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	// Tuned pool defaults; adjust under load tests
	db.SetMaxOpenConns(50)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(15 * time.Minute)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return &Store{db: db}, nil
}

// NewStore wraps an existing handle; used by tests and cmd wiring.
func NewStore(db *sql.DB) *Store { return &Store{db: db} }

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) CreateAccount(ctx context.Context, name string, typ ledger.AccountType, currency string) (ledger.Account, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return ledger.Account{}, fmt.Errorf("%w: name is required", ledger.ErrInvalidAccount)
	}
	if !typ.Valid() {
		return ledger.Account{}, fmt.Errorf("%w: unknown account type %q", ledger.ErrInvalidAccount, typ)
	}
	currency = strings.ToUpper(strings.TrimSpace(currency))
	if len(currency) != 3 {
		return ledger.Account{}, fmt.Errorf("%w: currency must be a 3-letter ISO 4217 code", ledger.ErrInvalidAccount)
	}

	id := ids.New()
	var created time.Time
	err := s.db.QueryRowContext(ctx, `
		insert into accounts(id, name, type, currency)
		values ($1, $2, $3, $4)
		returning created_at
	`, id, name, string(typ), currency).Scan(&created)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ledger.Account{}, fmt.Errorf("%w: %s", ledger.ErrDuplicateName, name)
		}
		return ledger.Account{}, storageErr("create account", err)
	}
	return ledger.Account{ID: id, Name: name, Type: typ, Currency: currency, CreatedAt: created}, nil
}

func (s *Store) GetAccount(ctx context.Context, id string) (ledger.Account, error) {
	return s.accountWhere(ctx, `id = $1`, id)
}

func (s *Store) GetAccountByName(ctx context.Context, name string) (ledger.Account, error) {
	return s.accountWhere(ctx, `name = $1`, name)
}

func (s *Store) accountWhere(ctx context.Context, cond, arg string) (ledger.Account, error) {
	var acc ledger.Account
	var typ string
	err := s.db.QueryRowContext(ctx,
		`select id, name, type, currency, created_at from accounts where `+cond, arg,
	).Scan(&acc.ID, &acc.Name, &typ, &acc.Currency, &acc.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.Account{}, ledger.ErrNotFound
	}
	if err != nil {
		return ledger.Account{}, storageErr("get account", err)
	}
	acc.Type = ledger.AccountType(typ)
	return acc, nil
}

func (s *Store) GetBalance(ctx context.Context, id string, asOf time.Time) (ledger.Money, error) {
	acc, err := s.GetAccount(ctx, id)
	if err != nil {
		return ledger.Money{}, err
	}

	var cutoff any
	if !asOf.IsZero() {
		cutoff = asOf
	}
	// Raw debit-minus-credit sum; the sign convention is applied below.
	var raw int64
	err = s.db.QueryRowContext(ctx, `
		select coalesce(sum(case when l.entry_type = 'DEBIT' then l.amount else -l.amount end), 0)
		from legs l
		join journals j on j.id = l.journal_id
		where l.account_id = $1
		  and ($2::timestamptz is null or j.created_at <= $2)
	`, id, cutoff).Scan(&raw)
	if err != nil {
		return ledger.Money{}, storageErr("get balance", err)
	}
	if !acc.Type.DebitNormal() {
		raw = -raw
	}
	return ledger.Money{Currency: acc.Currency, Amount: raw}, nil
}

func (s *Store) Post(ctx context.Context, draft ledger.Draft) (ledger.Journal, bool, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return ledger.Journal{}, false, storageErr("begin", err)
	}
	defer func() { _ = tx.Rollback() }()

	if draft.IdempotencyKey != "" {
		j, replayed, err := replayPost(ctx, tx, postScope, draft.IdempotencyKey, draft.Fingerprint)
		if err != nil {
			return ledger.Journal{}, false, err
		}
		if replayed {
			return j, true, nil
		}
	}

	j, err := postInTx(ctx, tx, draft)
	if err != nil {
		return ledger.Journal{}, false, err
	}

	if draft.IdempotencyKey != "" {
		if err := insertIdemRecord(ctx, tx, postScope, draft.IdempotencyKey, draft.Fingerprint, j.ID, nil); err != nil {
			return ledger.Journal{}, false, err
		}
	}

	if err := tx.Commit(); err != nil {
		return ledger.Journal{}, false, storageErr("commit", err)
	}
	return j, false, nil
}

// postInTx validates and writes a journal with its legs inside the caller's
// transaction. The touched accounts are locked in sorted id order first.
func postInTx(ctx context.Context, tx *sql.Tx, draft ledger.Draft) (ledger.Journal, error) {
	accountIDs := make([]string, 0, len(draft.Legs))
	seen := make(map[string]bool, len(draft.Legs))
	for _, leg := range draft.Legs {
		if !seen[leg.AccountID] {
			seen[leg.AccountID] = true
			accountIDs = append(accountIDs, leg.AccountID)
		}
	}
	sort.Strings(accountIDs)

	accounts := make(map[string]ledger.Account, len(accountIDs))
	for _, id := range accountIDs {
		var acc ledger.Account
		var typ string
		err := tx.QueryRowContext(ctx, `
			select id, name, type, currency, created_at from accounts where id = $1 for update
		`, id).Scan(&acc.ID, &acc.Name, &typ, &acc.Currency, &acc.CreatedAt)
		if errors.Is(err, sql.ErrNoRows) {
			return ledger.Journal{}, fmt.Errorf("account %s: %w", id, ledger.ErrNotFound)
		}
		if err != nil {
			return ledger.Journal{}, storageErr("lock account", err)
		}
		acc.Type = ledger.AccountType(typ)
		accounts[id] = acc
	}

	currency, err := ledger.CheckDraft(draft, func(id string) (ledger.Account, error) {
		acc, ok := accounts[id]
		if !ok {
			return ledger.Account{}, ledger.ErrNotFound
		}
		return acc, nil
	})
	if err != nil {
		return ledger.Journal{}, err
	}

	j := ledger.Journal{
		ID:          ids.New(),
		Description: draft.Description,
		Currency:    currency,
	}
	err = tx.QueryRowContext(ctx, `
		insert into journals(id, description, currency)
		values ($1, nullif($2, ''), $3)
		returning seq, created_at
	`, j.ID, j.Description, currency).Scan(&j.Seq, &j.CreatedAt)
	if err != nil {
		return ledger.Journal{}, storageErr("insert journal", err)
	}

	j.Legs = make([]ledger.Leg, 0, len(draft.Legs))
	for _, dl := range draft.Legs {
		leg := ledger.Leg{
			ID:        ids.New(),
			JournalID: j.ID,
			AccountID: dl.AccountID,
			Type:      dl.Type,
			Amount:    dl.Amount,
		}
		if _, err := tx.ExecContext(ctx, `
			insert into legs(id, journal_id, account_id, entry_type, amount)
			values ($1, $2, $3, $4, $5)
		`, leg.ID, leg.JournalID, leg.AccountID, string(leg.Type), leg.Amount); err != nil {
			return ledger.Journal{}, storageErr("insert leg", err)
		}
		j.Legs = append(j.Legs, leg)
	}
	return j, nil
}

// replayPost resolves an existing idempotency record to its committed
// journal. Returns replayed=false when no record exists yet.
func replayPost(ctx context.Context, tx *sql.Tx, scope, key, fingerprint string) (ledger.Journal, bool, error) {
	var storedFP string
	var journalID sql.NullString
	err := tx.QueryRowContext(ctx, `
		select fingerprint, journal_id from idempotency_keys where scope = $1 and key = $2
	`, scope, key).Scan(&storedFP, &journalID)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.Journal{}, false, nil
	}
	if err != nil {
		return ledger.Journal{}, false, storageErr("idempotency lookup", err)
	}
	if storedFP != fingerprint {
		return ledger.Journal{}, false, fmt.Errorf("%w: key %s", ledger.ErrKeyConflict, key)
	}
	if !journalID.Valid {
		return ledger.Journal{}, false, fmt.Errorf("idempotency record for %s has no journal: %w", key, ledger.ErrNotFound)
	}
	j, err := getJournalTx(ctx, tx, journalID.String)
	if err != nil {
		return ledger.Journal{}, false, err
	}
	return j, true, nil
}

func insertIdemRecord(ctx context.Context, tx *sql.Tx, scope, key, fingerprint, journalID string, payload []byte) error {
	var jid any
	if journalID != "" {
		jid = journalID
	}
	var body any
	if len(payload) > 0 {
		body = payload
	}
	if _, err := tx.ExecContext(ctx, `
		insert into idempotency_keys(scope, key, fingerprint, journal_id, payload)
		values ($1, $2, $3, $4, $5)
	`, scope, key, fingerprint, jid, body); err != nil {
		return storageErr("insert idempotency record", err)
	}
	return nil
}

func (s *Store) GetJournal(ctx context.Context, id string) (ledger.Journal, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return ledger.Journal{}, storageErr("begin", err)
	}
	defer func() { _ = tx.Rollback() }()
	return getJournalTx(ctx, tx, id)
}

func getJournalTx(ctx context.Context, tx *sql.Tx, id string) (ledger.Journal, error) {
	var j ledger.Journal
	var desc sql.NullString
	err := tx.QueryRowContext(ctx, `
		select id, seq, description, currency, created_at from journals where id = $1
	`, id).Scan(&j.ID, &j.Seq, &desc, &j.Currency, &j.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.Journal{}, ledger.ErrNotFound
	}
	if err != nil {
		return ledger.Journal{}, storageErr("get journal", err)
	}
	j.Description = desc.String

	rows, err := tx.QueryContext(ctx, `
		select id, account_id, entry_type, amount from legs where journal_id = $1 order by id
	`, id)
	if err != nil {
		return ledger.Journal{}, storageErr("get legs", err)
	}
	defer rows.Close()
	for rows.Next() {
		leg := ledger.Leg{JournalID: j.ID}
		var typ string
		if err := rows.Scan(&leg.ID, &leg.AccountID, &typ, &leg.Amount); err != nil {
			return ledger.Journal{}, storageErr("scan leg", err)
		}
		leg.Type = ledger.EntryType(typ)
		j.Legs = append(j.Legs, leg)
	}
	if err := rows.Err(); err != nil {
		return ledger.Journal{}, storageErr("iterate legs", err)
	}
	return j, nil
}

func (s *Store) ListJournals(ctx context.Context, limit int, afterSeq uint64) ([]ledger.Journal, uint64, error) {
	limit = clampLimit(limit)
	rows, err := s.db.QueryContext(ctx, `
		select id from journals where seq > $1 order by seq asc limit $2
	`, afterSeq, limit)
	if err != nil {
		return nil, 0, storageErr("list journals", err)
	}
	journalIDs := make([]string, 0, limit)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, 0, storageErr("scan journal id", err)
		}
		journalIDs = append(journalIDs, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, 0, storageErr("iterate journals", err)
	}

	var res []ledger.Journal
	var last uint64
	for _, id := range journalIDs {
		j, err := s.GetJournal(ctx, id)
		if err != nil {
			return nil, 0, err
		}
		res = append(res, j)
		last = j.Seq
	}
	return res, last, nil
}

func (s *Store) ListAccountLegs(ctx context.Context, accountID string, limit int, afterSeq uint64) ([]ledger.Leg, uint64, error) {
	limit = clampLimit(limit)
	if _, err := s.GetAccount(ctx, accountID); err != nil {
		return nil, 0, err
	}
	rows, err := s.db.QueryContext(ctx, `
		select l.id, l.journal_id, l.entry_type, l.amount, j.seq
		from legs l
		join journals j on j.id = l.journal_id
		where l.account_id = $1 and j.seq > $2
		order by j.seq asc, l.id asc
		limit $3
	`, accountID, afterSeq, limit)
	if err != nil {
		return nil, 0, storageErr("list legs", err)
	}
	defer rows.Close()

	var res []ledger.Leg
	var last uint64
	for rows.Next() {
		leg := ledger.Leg{AccountID: accountID}
		var typ string
		var seq uint64
		if err := rows.Scan(&leg.ID, &leg.JournalID, &typ, &leg.Amount, &seq); err != nil {
			return nil, 0, storageErr("scan leg", err)
		}
		leg.Type = ledger.EntryType(typ)
		res = append(res, leg)
		last = seq
	}
	if err := rows.Err(); err != nil {
		return nil, 0, storageErr("iterate legs", err)
	}
	return res, last, nil
}

// PurgeIdempotencyBefore enforces the retention policy for idempotency
// records. Retention must stay longer than any plausible client retry window.
func (s *Store) PurgeIdempotencyBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `delete from idempotency_keys where created_at < $1`, cutoff)
	if err != nil {
		return 0, storageErr("purge idempotency", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func clampLimit(limit int) int {
	if limit <= 0 || limit > 1000 {
		return 100
	}
	return limit
}

// storageErr folds driver failures into the transient taxonomy; callers may
// retry the whole idempotent operation.
func storageErr(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", ledger.ErrStorageUnavailable, op, err)
}
