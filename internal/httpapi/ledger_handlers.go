package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/njangipay/ledgercore/internal/audit"
	"github.com/njangipay/ledgercore/internal/feed"
	"github.com/njangipay/ledgercore/internal/idempotency"
	"github.com/njangipay/ledgercore/internal/ids"
	"github.com/njangipay/ledgercore/internal/ledger"
	"github.com/njangipay/ledgercore/internal/obs"
	"github.com/njangipay/ledgercore/internal/payment"
)

type createAccountRequest struct {
	Name     string `json:"name"`
	Type     string `json:"type"`
	Currency string `json:"currency"`
}

type draftLegRequest struct {
	AccountID string `json:"account_id"`
	Type      string `json:"type"`
	Amount    int64  `json:"amount"`
}

type postJournalRequest struct {
	Description    string            `json:"description"`
	Legs           []draftLegRequest `json:"legs"`
	IdempotencyKey string            `json:"idempotency_key"`
}

type listJournalsResponse struct {
	Items     []ledger.Journal `json:"items"`
	NextAfter uint64           `json:"next_after"`
	AsOf      time.Time        `json:"as_of"`
}

type listLegsResponse struct {
	Items     []ledger.Leg `json:"items"`
	NextAfter uint64       `json:"next_after"`
	AsOf      time.Time    `json:"as_of"`
}

func (a *API) handleAccountsCollection(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		a.createAccount(w, r)
	default:
		methodNotAllowed(w, r, http.MethodPost)
	}
}

func (a *API) handleAccountResource(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/v1/accounts/")
	if path == "" {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}

	if strings.HasSuffix(path, "/balance") {
		id := strings.TrimSuffix(strings.TrimSuffix(path, "/balance"), "/")
		if id == "" {
			writeError(w, r, http.StatusNotFound, "account not found")
			return
		}
		a.getBalance(w, r, id)
		return
	}
	if strings.HasSuffix(path, "/legs") {
		id := strings.TrimSuffix(strings.TrimSuffix(path, "/legs"), "/")
		if id == "" {
			writeError(w, r, http.StatusNotFound, "account not found")
			return
		}
		a.listAccountLegs(w, r, id)
		return
	}

	if strings.Contains(path, "/") {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}

	switch r.Method {
	case http.MethodGet:
		a.getAccount(w, r, path)
	default:
		methodNotAllowed(w, r, http.MethodGet)
	}
}

func (a *API) handleJournalsCollection(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		a.postJournal(w, r)
	case http.MethodGet:
		a.listJournals(w, r)
	default:
		methodNotAllowed(w, r, http.MethodGet, http.MethodPost)
	}
}

func (a *API) handleJournalResource(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/v1/journals/")
	if id == "" || strings.Contains(id, "/") {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}
	switch r.Method {
	case http.MethodGet:
		a.getJournal(w, r, id)
	default:
		methodNotAllowed(w, r, http.MethodGet)
	}
}

func (a *API) createAccount(w http.ResponseWriter, r *http.Request) {
	var req createAccountRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	acc, err := a.ledger.CreateAccount(r.Context(), req.Name, ledger.AccountType(strings.ToUpper(strings.TrimSpace(req.Type))), req.Currency)
	if err != nil {
		handleDomainError(w, r, err)
		return
	}

	_ = audit.LogEvent(r.Context(), "ledger.account.create", map[string]any{
		"account_id": acc.ID,
		"name":       acc.Name,
		"type":       string(acc.Type),
		"currency":   acc.Currency,
	})

	w.Header().Set("Location", "/v1/accounts/"+acc.ID)
	writeJSON(w, http.StatusCreated, acc)
}

func (a *API) getAccount(w http.ResponseWriter, r *http.Request, ref string) {
	var acc ledger.Account
	var err error
	if ids.Valid(ref) {
		acc, err = a.ledger.GetAccount(r.Context(), ref)
	} else {
		// Anything that is not id-shaped is treated as an account name so
		// operators can query by name.
		acc, err = a.ledger.GetAccountByName(r.Context(), ref)
	}
	if err != nil {
		handleDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, acc)
}

func (a *API) getBalance(w http.ResponseWriter, r *http.Request, id string) {
	var asOf time.Time
	if raw := strings.TrimSpace(r.URL.Query().Get("as_of")); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, "as_of must be an RFC 3339 timestamp")
			return
		}
		asOf = t
	}
	mon, err := a.ledger.GetBalance(r.Context(), id, asOf)
	if err != nil {
		handleDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, mon)
}

func (a *API) postJournal(w http.ResponseWriter, r *http.Request) {
	var req postJournalRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	idem := strings.TrimSpace(r.Header.Get("Idempotency-Key"))
	if req.IdempotencyKey != "" {
		bodyKey := strings.TrimSpace(req.IdempotencyKey)
		if idem == "" {
			idem = bodyKey
		} else if idem != bodyKey {
			writeError(w, r, http.StatusBadRequest, "Idempotency-Key header and body value must match")
			return
		}
	}
	if len(idem) > 128 {
		writeError(w, r, http.StatusBadRequest, "Idempotency-Key too long")
		return
	}

	draft := ledger.Draft{
		Description:    req.Description,
		IdempotencyKey: idem,
	}
	for _, leg := range req.Legs {
		draft.Legs = append(draft.Legs, ledger.DraftLeg{
			AccountID: strings.TrimSpace(leg.AccountID),
			Type:      ledger.EntryType(strings.ToUpper(strings.TrimSpace(leg.Type))),
			Amount:    leg.Amount,
		})
	}
	if idem != "" {
		draft.Fingerprint = idempotency.Fingerprint(struct {
			Description string            `json:"description"`
			Legs        []ledger.DraftLeg `json:"legs"`
		}{draft.Description, draft.Legs})
	}

	start := time.Now().UTC()
	j, replayed, err := a.ledger.Post(r.Context(), draft)
	if err != nil {
		obs.ObservePostingFailure(failureReason(err))
		handleDomainError(w, r, err)
		return
	}
	if replayed {
		obs.ObserveIdempotentReplay()
	} else {
		obs.ObserveJournalPosted(time.Since(start))
		if a.feed != nil {
			a.feed.Publish(feed.FromJournal(j))
		}
	}

	if idem != "" {
		w.Header().Set("Idempotency-Key", idem)
	}

	event := "ledger.journal.post"
	if replayed {
		event = "ledger.journal.idempotent_replay"
	}
	_ = audit.LogEvent(r.Context(), event, map[string]any{
		"journal_id": j.ID,
		"seq":        strconv.FormatUint(j.Seq, 10),
		"currency":   j.Currency,
		"legs":       strconv.Itoa(len(j.Legs)),
	})

	writeJSON(w, http.StatusCreated, j)
}

func (a *API) getJournal(w http.ResponseWriter, r *http.Request, id string) {
	j, err := a.ledger.GetJournal(r.Context(), id)
	if err != nil {
		handleDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, j)
}

func (a *API) listJournals(w http.ResponseWriter, r *http.Request) {
	limit, after, err := pageParams(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	items, next, err := a.ledger.ListJournals(r.Context(), limit, after)
	if err != nil {
		handleDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, listJournalsResponse{
		Items:     items,
		NextAfter: next,
		AsOf:      time.Now().UTC(),
	})
}

func (a *API) listAccountLegs(w http.ResponseWriter, r *http.Request, id string) {
	limit, after, err := pageParams(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	items, next, err := a.ledger.ListAccountLegs(r.Context(), id, limit, after)
	if err != nil {
		handleDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, listLegsResponse{
		Items:     items,
		NextAfter: next,
		AsOf:      time.Now().UTC(),
	})
}

func pageParams(r *http.Request) (limit int, after uint64, err error) {
	limit, err = parsePositiveInt(r.URL.Query().Get("limit"), 100, 1, 1000)
	if err != nil {
		return 0, 0, err
	}
	if raw := strings.TrimSpace(r.URL.Query().Get("after")); raw != "" {
		after, err = strconv.ParseUint(raw, 10, 64)
		if err != nil {
			return 0, 0, errors.New("after must be a non-negative integer")
		}
	}
	return limit, after, nil
}

func parsePositiveInt(raw string, def, min, max int) (int, error) {
	if strings.TrimSpace(raw) == "" {
		return def, nil
	}
	val, err := strconv.Atoi(raw)
	if err != nil {
		return 0, errors.New("limit must be an integer")
	}
	if val < min || val > max {
		return 0, errors.New("limit must be between 1 and 1000")
	}
	return val, nil
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	reader := http.MaxBytesReader(w, r.Body, 1<<20)
	defer reader.Close()
	dec := json.NewDecoder(reader)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is required")
		}
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("unexpected data after JSON body")
		}
		return err
	}
	return nil
}

func handleDomainError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, ledger.ErrInvalidJournal),
		errors.Is(err, ledger.ErrInvalidAccount),
		errors.Is(err, ledger.ErrCurrencyMismatch),
		errors.Is(err, payment.ErrInvalidEvent),
		errors.Is(err, payment.ErrFeeExceedsAmount):
		writeError(w, r, http.StatusBadRequest, err.Error())
	case errors.Is(err, ledger.ErrKeyConflict),
		errors.Is(err, ledger.ErrDuplicateName),
		errors.Is(err, payment.ErrInvalidTransition),
		errors.Is(err, payment.ErrStateMismatch):
		writeError(w, r, http.StatusConflict, err.Error())
	case errors.Is(err, ledger.ErrNotFound):
		writeError(w, r, http.StatusNotFound, err.Error())
	case errors.Is(err, ledger.ErrStorageUnavailable):
		writeError(w, r, http.StatusServiceUnavailable, "storage unavailable")
	default:
		writeError(w, r, http.StatusInternalServerError, "internal error")
	}
}

// failureReason buckets posting errors for the failure counter.
func failureReason(err error) string {
	switch {
	case errors.Is(err, ledger.ErrInvalidJournal):
		return "invalid_journal"
	case errors.Is(err, ledger.ErrKeyConflict):
		return "key_conflict"
	case errors.Is(err, ledger.ErrNotFound):
		return "not_found"
	case errors.Is(err, ledger.ErrStorageUnavailable):
		return "storage"
	default:
		return "other"
	}
}

func writeError(w http.ResponseWriter, r *http.Request, code int, msg string) {
	payload := map[string]any{
		"error": msg,
	}
	if rid := audit.RequestIDFromContext(r.Context()); rid != "" {
		payload["request_id"] = rid
	}
	writeJSON(w, code, payload)
}

func methodNotAllowed(w http.ResponseWriter, r *http.Request, allowed ...string) {
	w.Header().Set("Allow", strings.Join(allowed, ", "))
	writeError(w, r, http.StatusMethodNotAllowed, "method not allowed")
}
