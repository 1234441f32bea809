package httpapi

import (
	"net/http"
	"strings"

	"github.com/njangipay/ledgercore/internal/audit"
	"github.com/njangipay/ledgercore/internal/feed"
	"github.com/njangipay/ledgercore/internal/obs"
	"github.com/njangipay/ledgercore/internal/payment"
)

type createPaymentRequest struct {
	Kind              string `json:"kind"` // ESCROW or CHARGE
	Currency          string `json:"currency"`
	Amount            int64  `json:"amount"`
	CustomerRef       string `json:"customer_ref"`
	MerchantRef       string `json:"merchant_ref"`
	FloatAccountID    string `json:"float_account_id"`
	EscrowAccountID   string `json:"escrow_account_id"`
	MerchantAccountID string `json:"merchant_account_id"`
	FeeAccountID      string `json:"fee_account_id"`
}

type transitionPaymentRequest struct {
	From       string `json:"from"`
	To         string `json:"to"`
	AttemptKey string `json:"attempt_key"`
}

func (a *API) handlePaymentsCollection(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		a.createPayment(w, r)
	default:
		methodNotAllowed(w, r, http.MethodPost)
	}
}

func (a *API) handlePaymentResource(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/v1/payments/")
	if path == "" {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}

	if strings.HasSuffix(path, "/transitions") {
		id := strings.TrimSuffix(strings.TrimSuffix(path, "/transitions"), "/")
		if id == "" {
			writeError(w, r, http.StatusNotFound, "payment not found")
			return
		}
		if r.Method != http.MethodPost {
			methodNotAllowed(w, r, http.MethodPost)
			return
		}
		a.transitionPayment(w, r, id)
		return
	}

	if strings.Contains(path, "/") {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}

	switch r.Method {
	case http.MethodGet:
		a.getPayment(w, r, path)
	default:
		methodNotAllowed(w, r, http.MethodGet)
	}
}

func (a *API) createPayment(w http.ResponseWriter, r *http.Request) {
	var req createPaymentRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	params := payment.CreateParams{
		Currency:          req.Currency,
		Amount:            req.Amount,
		CustomerRef:       req.CustomerRef,
		MerchantRef:       req.MerchantRef,
		FloatAccountID:    strings.TrimSpace(req.FloatAccountID),
		EscrowAccountID:   strings.TrimSpace(req.EscrowAccountID),
		MerchantAccountID: strings.TrimSpace(req.MerchantAccountID),
		FeeAccountID:      strings.TrimSpace(req.FeeAccountID),
	}

	var evt payment.Event
	var err error
	switch payment.Kind(strings.ToUpper(strings.TrimSpace(req.Kind))) {
	case payment.KindEscrow:
		evt, err = a.machine.CreateEscrow(r.Context(), params)
	case payment.KindCharge:
		evt, err = a.machine.CreateCharge(r.Context(), params)
	default:
		writeError(w, r, http.StatusBadRequest, "kind must be ESCROW or CHARGE")
		return
	}
	if err != nil {
		handleDomainError(w, r, err)
		return
	}

	_ = audit.LogEvent(r.Context(), "payment.create", map[string]any{
		"payment_id": evt.ID,
		"kind":       string(evt.Kind),
		"currency":   evt.Currency,
		"amount":     evt.Amount,
	})

	w.Header().Set("Location", "/v1/payments/"+evt.ID)
	writeJSON(w, http.StatusCreated, evt)
}

func (a *API) getPayment(w http.ResponseWriter, r *http.Request, id string) {
	evt, err := a.machine.Get(r.Context(), id)
	if err != nil {
		handleDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, evt)
}

func (a *API) transitionPayment(w http.ResponseWriter, r *http.Request, id string) {
	var req transitionPaymentRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	from := payment.State(strings.ToUpper(strings.TrimSpace(req.From)))
	to := payment.State(strings.ToUpper(strings.TrimSpace(req.To)))
	if from == "" || to == "" {
		writeError(w, r, http.StatusBadRequest, "from and to states are required")
		return
	}
	attemptKey := strings.TrimSpace(req.AttemptKey)
	if key := strings.TrimSpace(r.Header.Get("Idempotency-Key")); key != "" {
		if attemptKey != "" && attemptKey != key {
			writeError(w, r, http.StatusBadRequest, "Idempotency-Key header and attempt_key must match")
			return
		}
		attemptKey = key
	}
	if len(attemptKey) > 128 {
		writeError(w, r, http.StatusBadRequest, "attempt key too long")
		return
	}

	evt, replayed, err := a.machine.Transition(r.Context(), id, from, to, attemptKey)
	if err != nil {
		handleDomainError(w, r, err)
		return
	}
	obs.ObservePaymentTransition(string(evt.Kind), string(evt.State))

	// Publish the transition's journal unless this was a replayed attempt,
	// whose journal already went out the first time.
	if a.feed != nil && !replayed {
		if name, ok := payment.TransitionName(evt.Kind, from, to); ok {
			if jid := evt.Journals[name]; jid != "" {
				if j, jerr := a.ledger.GetJournal(r.Context(), jid); jerr == nil {
					a.feed.Publish(feed.FromJournal(j))
				}
			}
		}
	}

	_ = audit.LogEvent(r.Context(), "payment.transition", map[string]any{
		"payment_id": evt.ID,
		"from":       string(from),
		"to":         string(evt.State),
	})

	writeJSON(w, http.StatusOK, evt)
}
