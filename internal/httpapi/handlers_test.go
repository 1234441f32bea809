package httpapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/njangipay/ledgercore/internal/feed"
	"github.com/njangipay/ledgercore/internal/ledger"
	"github.com/njangipay/ledgercore/internal/payment"
)

type apiClient struct {
	baseURL string
	client  *http.Client
	t       *testing.T
}

func newTestAPI(t *testing.T) *apiClient {
	t.Helper()

	svc := ledger.NewInMemory()
	machine := payment.NewMachine(payment.NewMemoryStore(svc))
	api := New(svc, machine, ReadyProbe{}, "test", WithFeed(feed.New()))

	srv := httptest.NewServer(api.Handler())
	t.Cleanup(srv.Close)

	return &apiClient{
		baseURL: srv.URL,
		client:  srv.Client(),
		t:       t,
	}
}

func (c *apiClient) post(path string, body any, headers map[string]string) *http.Response {
	c.t.Helper()
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			c.t.Fatalf("marshal body: %v", err)
		}
	}
	req, err := http.NewRequest(http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		c.t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		c.t.Fatalf("do request: %v", err)
	}
	return resp
}

func (c *apiClient) get(path string, params url.Values) *http.Response {
	c.t.Helper()
	u, err := url.Parse(c.baseURL + path)
	if err != nil {
		c.t.Fatalf("parse url: %v", err)
	}
	if params != nil {
		u.RawQuery = params.Encode()
	}
	resp, err := c.client.Get(u.String())
	if err != nil {
		c.t.Fatalf("get request: %v", err)
	}
	return resp
}

func (c *apiClient) createAccount(name, typ string) string {
	c.t.Helper()
	resp := c.post("/v1/accounts", map[string]any{
		"name":     name,
		"type":     typ,
		"currency": "XAF",
	}, nil)
	if resp.StatusCode != http.StatusCreated {
		c.t.Fatalf("create account %s: unexpected status %d", name, resp.StatusCode)
	}
	acc := decode[map[string]any](c.t, resp)
	return acc["id"].(string)
}

func decode[T any](t *testing.T, r *http.Response) T {
	t.Helper()
	defer r.Body.Close()
	var v T
	if err := json.NewDecoder(r.Body).Decode(&v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return v
}

func TestAPIJournalPostingFlow(t *testing.T) {
	api := newTestAPI(t)

	idFloat := api.createAccount("MTN_FLOAT", "FLOAT_ASSET")
	idEscrow := api.createAccount("ESCROW", "ESCROW_PAYABLE")

	// Post a balanced journal with an idempotency key.
	headers := map[string]string{"Idempotency-Key": "test-key-1"}
	req := map[string]any{
		"description": "escrow capture",
		"legs": []map[string]any{
			{"account_id": idFloat, "type": "DEBIT", "amount": 10000},
			{"account_id": idEscrow, "type": "CREDIT", "amount": 10000},
		},
	}
	resp := api.post("/v1/journals", req, headers)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("unexpected status: %d", resp.StatusCode)
	}
	if resp.Header.Get("Idempotency-Key") != "test-key-1" {
		t.Fatalf("missing idempotency header echo")
	}
	j := decode[map[string]any](t, resp)
	jid := j["id"].(string)

	// Repeat the same request: identical journal, no second posting.
	resp = api.post("/v1/journals", req, headers)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("unexpected replay status: %d", resp.StatusCode)
	}
	j2 := decode[map[string]any](t, resp)
	if j2["id"] != jid {
		t.Fatalf("idempotent call returned different journal id")
	}

	// Same key with a different body is a conflict.
	conflicting := map[string]any{
		"description": "something else",
		"legs": []map[string]any{
			{"account_id": idFloat, "type": "DEBIT", "amount": 5000},
			{"account_id": idEscrow, "type": "CREDIT", "amount": 5000},
		},
	}
	resp = api.post("/v1/journals", conflicting, headers)
	resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409 for key reuse, got %d", resp.StatusCode)
	}

	// Derived balances reflect the single posting.
	resp = api.get("/v1/accounts/"+idFloat+"/balance", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected status: %d", resp.StatusCode)
	}
	bal := decode[map[string]any](t, resp)
	if bal["amount"].(float64) != 10000 {
		t.Fatalf("unexpected float balance: %v", bal["amount"])
	}

	resp = api.get("/v1/accounts/"+idEscrow+"/balance", nil)
	balEscrow := decode[map[string]any](t, resp)
	if balEscrow["amount"].(float64) != 10000 {
		t.Fatalf("unexpected escrow balance: %v", balEscrow["amount"])
	}

	// Journal list and per-account legs paginate by sequence.
	resp = api.get("/v1/journals", url.Values{"limit": []string{"10"}})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected status: %d", resp.StatusCode)
	}
	page := decode[map[string]any](t, resp)
	if page["next_after"] == nil {
		t.Fatalf("expected pagination field present")
	}

	resp = api.get("/v1/accounts/"+idFloat+"/legs", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected status: %d", resp.StatusCode)
	}
	legs := decode[map[string]any](t, resp)
	if len(legs["items"].([]any)) != 1 {
		t.Fatalf("expected one leg for float account")
	}
}

func TestAPIRejectsUnbalancedJournal(t *testing.T) {
	api := newTestAPI(t)

	idFloat := api.createAccount("MTN_FLOAT", "FLOAT_ASSET")
	idEscrow := api.createAccount("ESCROW", "ESCROW_PAYABLE")

	resp := api.post("/v1/journals", map[string]any{
		"legs": []map[string]any{
			{"account_id": idFloat, "type": "DEBIT", "amount": 500},
			{"account_id": idEscrow, "type": "CREDIT", "amount": 400},
		},
	}, nil)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
	var errBody map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&errBody); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	if errBody["error"] == "" {
		t.Fatalf("expected error message")
	}
}

func TestAPIGetAccountByIDOrName(t *testing.T) {
	api := newTestAPI(t)
	id := api.createAccount("MTN_FLOAT", "FLOAT_ASSET")

	// Id-shaped references resolve by id.
	resp := api.get("/v1/accounts/"+id, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get by id: unexpected status %d", resp.StatusCode)
	}
	acc := decode[map[string]any](t, resp)
	if acc["name"] != "MTN_FLOAT" {
		t.Fatalf("unexpected account: %+v", acc)
	}

	// Anything else resolves by name.
	resp = api.get("/v1/accounts/MTN_FLOAT", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get by name: unexpected status %d", resp.StatusCode)
	}
	acc = decode[map[string]any](t, resp)
	if acc["id"] != id {
		t.Fatalf("name lookup returned wrong account: %+v", acc)
	}

	resp = api.get("/v1/accounts/NO_SUCH_ACCOUNT", nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown name, got %d", resp.StatusCode)
	}
}

func TestAPIDuplicateAccountNameConflicts(t *testing.T) {
	api := newTestAPI(t)

	api.createAccount("MTN_FLOAT", "FLOAT_ASSET")
	resp := api.post("/v1/accounts", map[string]any{
		"name":     "MTN_FLOAT",
		"type":     "FLOAT_ASSET",
		"currency": "XAF",
	}, nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409, got %d", resp.StatusCode)
	}
}

func TestAPIEscrowPaymentFlow(t *testing.T) {
	api := newTestAPI(t)

	idFloat := api.createAccount("MTN_FLOAT", "FLOAT_ASSET")
	idEscrow := api.createAccount("ESCROW", "ESCROW_PAYABLE")
	idMerchant := api.createAccount("MERCHANT", "MERCHANT_PAYABLE")

	resp := api.post("/v1/payments", map[string]any{
		"kind":                "ESCROW",
		"currency":            "XAF",
		"amount":              10000,
		"float_account_id":    idFloat,
		"escrow_account_id":   idEscrow,
		"merchant_account_id": idMerchant,
	}, nil)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create payment: unexpected status %d", resp.StatusCode)
	}
	evt := decode[map[string]any](t, resp)
	pid := evt["id"].(string)

	transition := func(from, to, key string) *http.Response {
		return api.post("/v1/payments/"+pid+"/transitions", map[string]any{
			"from":        from,
			"to":          to,
			"attempt_key": key,
		}, nil)
	}

	for _, step := range []struct{ from, to string }{
		{"CREATED", "CAPTURED"},
		{"CAPTURED", "HELD"},
		{"HELD", "RELEASED"},
		{"RELEASED", "CLOSED"},
	} {
		resp = transition(step.from, step.to, "hook-"+step.to)
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("transition %s -> %s: unexpected status %d", step.from, step.to, resp.StatusCode)
		}
		resp.Body.Close()
	}

	// Retried webhook replays the stored outcome.
	resp = transition("HELD", "RELEASED", "hook-RELEASED")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("replayed transition: unexpected status %d", resp.StatusCode)
	}
	replayed := decode[map[string]any](t, resp)
	if replayed["state"] != "RELEASED" {
		t.Fatalf("unexpected replayed state: %v", replayed["state"])
	}

	// A fresh attempt at an already-left state is a conflict.
	resp = transition("HELD", "REFUNDED", "hook-refund")
	resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409 for stale transition, got %d", resp.StatusCode)
	}

	// Merchant holds the full amount, escrow is flat.
	resp = api.get("/v1/accounts/"+idMerchant+"/balance", nil)
	bal := decode[map[string]any](t, resp)
	if bal["amount"].(float64) != 10000 {
		t.Fatalf("unexpected merchant balance: %v", bal["amount"])
	}
	resp = api.get("/v1/accounts/"+idEscrow+"/balance", nil)
	balEscrow := decode[map[string]any](t, resp)
	if balEscrow["amount"].(float64) != 0 {
		t.Fatalf("unexpected escrow balance: %v", balEscrow["amount"])
	}
}

func TestAPIHealthAndInfo(t *testing.T) {
	api := newTestAPI(t)

	resp := api.get("/healthz", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected healthz status: %d", resp.StatusCode)
	}
	body := decode[map[string]any](t, resp)
	if body["status"] != "ok" {
		t.Fatalf("unexpected healthz body: %v", body)
	}

	resp = api.get("/readyz", nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected readyz status: %d", resp.StatusCode)
	}

	resp = api.get("/v1/info", nil)
	info := decode[map[string]any](t, resp)
	if info["name"] != "ledgercore-api" {
		t.Fatalf("unexpected info body: %v", info)
	}
}
