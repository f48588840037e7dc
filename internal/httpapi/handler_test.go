package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/custodia-fi/custodia/internal/breaker"
	"github.com/custodia-fi/custodia/internal/closure"
	"github.com/custodia-fi/custodia/internal/docstore"
	"github.com/custodia-fi/custodia/internal/envelope"
	"github.com/custodia-fi/custodia/internal/gascredit"
	"github.com/custodia-fi/custodia/internal/relay"
	"github.com/custodia-fi/custodia/internal/request"
	"github.com/custodia-fi/custodia/internal/roles"
	"github.com/custodia-fi/custodia/internal/token"
)

type fakeDispatcher struct {
	calls []relay.Call
}

func (d *fakeDispatcher) HasCode(_ context.Context, _ common.Address) (bool, error) {
	return true, nil
}

func (d *fakeDispatcher) Dispatch(_ context.Context, call relay.Call) ([]byte, error) {
	d.calls = append(d.calls, call)
	return []byte{0x01}, nil
}

type apiHarness struct {
	handler http.Handler
	clock   *time.Time
	domain  envelope.Domain
	tbl     *roles.Table
	relay   *relay.Relay
	engine  *request.Engine
	ledger  *token.MemoryLedger
}

func newAPIHarness(t *testing.T, bearer string) *apiHarness {
	t.Helper()

	clock := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	now := func() time.Time { return clock }

	tbl := roles.NewTable(nil)
	brk, err := breaker.New(breaker.Config{Now: now})
	if err != nil {
		t.Fatalf("breaker.New: %v", err)
	}
	ledger := token.NewMemoryLedger()

	eng, err := request.NewEngine(request.Config{
		DomainID:        7,
		MinAmount:       1,
		MaxAmount:       1_000_000,
		MediumThreshold: 10_000,
		LargeThreshold:  100_000,
		RevealWindow:    time.Minute,
		Now:             now,
	}, tbl, brk, ledger, request.NewMemoryStore(), nil)
	if err != nil {
		t.Fatalf("request.NewEngine: %v", err)
	}

	cls, err := closure.NewEngine(closure.Config{
		DomainID:     7,
		RevealWindow: time.Minute,
		Now:          now,
	}, tbl, eng, closure.NewMemoryStore(), nil)
	if err != nil {
		t.Fatalf("closure.NewEngine: %v", err)
	}

	credits, err := gascredit.NewLedger(gascredit.Config{Now: now}, tbl, ledger, nil, nil)
	if err != nil {
		t.Fatalf("gascredit.NewLedger: %v", err)
	}

	domain := envelope.Domain{
		Name:           "custodia-relay",
		Version:        "1",
		ChainID:        8453,
		VerifyingRelay: common.HexToAddress("0x00000000000000000000000000000000000000f1"),
	}
	rly, err := relay.New(relay.Config{Domain: domain, Now: now}, tbl, &fakeDispatcher{}, relay.NewMemoryStore(), nil)
	if err != nil {
		t.Fatalf("relay.New: %v", err)
	}

	docs, err := docstore.New(docstore.Config{Driver: docstore.DriverMemory})
	if err != nil {
		t.Fatalf("docstore.New: %v", err)
	}

	h, err := NewHandler(Config{
		ChainID:      8453,
		RelayAddress: domain.VerifyingRelay,
		BearerToken:  bearer,
		Now:          now,
	}, Services{
		Relay:     rly,
		Requests:  eng,
		Closures:  cls,
		Credits:   credits,
		Documents: docs,
	})
	if err != nil {
		t.Fatalf("NewHandler: %v", err)
	}

	return &apiHarness{
		handler: h,
		clock:   &clock,
		domain:  domain,
		tbl:     tbl,
		relay:   rly,
		engine:  eng,
		ledger:  ledger,
	}
}

func (h *apiHarness) do(t *testing.T, method, path, bearer string, body []byte) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != nil {
		req = httptest.NewRequest(method, path, bytes.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)
	return rec
}

func TestHandler_Config(t *testing.T) {
	t.Parallel()

	h := newAPIHarness(t, "")
	rec := h.do(t, http.MethodGet, "/v1/config", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status: got %d want %d", rec.Code, http.StatusOK)
	}

	var out struct {
		Version      string `json:"version"`
		ChainID      uint64 `json:"chainId"`
		RelayAddress string `json:"relayAddress"`
		Frozen       bool   `json:"frozen"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.Version != "v1" || out.ChainID != 8453 || out.Frozen {
		t.Fatalf("bad config response: %+v", out)
	}
}

func TestHandler_RelayExecute(t *testing.T) {
	t.Parallel()

	h := newAPIHarness(t, "")

	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	sender := crypto.PubkeyToAddress(key.PublicKey)
	target := common.HexToAddress("0x00000000000000000000000000000000000000cc")

	admin := common.HexToAddress("0x00000000000000000000000000000000000000ad")
	tblGrant(t, h, admin, target)

	env := envelope.Envelope{
		From:     sender,
		To:       target,
		Gas:      50_000,
		Nonce:    0,
		Deadline: uint64(h.clock.Add(time.Hour).Unix()),
		ChainID:  8453,
		Data:     []byte{0xde, 0xad},
	}
	sig, err := envelope.Sign(key, h.domain, env)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	body, err := json.Marshal(envelopeBody{
		From:      env.From.Hex(),
		To:        env.To.Hex(),
		Value:     "0",
		Gas:       strconv.FormatUint(env.Gas, 10),
		Nonce:     "0",
		Deadline:  strconv.FormatUint(env.Deadline, 10),
		ChainID:   "8453",
		Data:      "0xdead",
		Signature: fmt.Sprintf("0x%x", sig),
	})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	rec := h.do(t, http.MethodPost, "/v1/relay/execute", "", body)
	if rec.Code != http.StatusOK {
		t.Fatalf("status: got %d body=%s", rec.Code, rec.Body.String())
	}
	var out struct {
		Success bool   `json:"success"`
		Nonce   string `json:"nonce"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !out.Success || out.Nonce != "0" {
		t.Fatalf("unexpected result: %+v", out)
	}

	// Same envelope again: the nonce is burned.
	rec = h.do(t, http.MethodPost, "/v1/relay/execute", "", body)
	if rec.Code != http.StatusConflict {
		t.Fatalf("replay status: got %d want %d body=%s", rec.Code, http.StatusConflict, rec.Body.String())
	}

	rec = h.do(t, http.MethodGet, "/v1/relay/nonce?sender="+sender.Hex(), "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("nonce status: got %d", rec.Code)
	}
	var nonceOut struct {
		Nonce string `json:"nonce"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &nonceOut); err != nil {
		t.Fatalf("decode nonce: %v", err)
	}
	if nonceOut.Nonce != "1" {
		t.Fatalf("nonce = %s, want 1", nonceOut.Nonce)
	}
}

func TestHandler_RelayExecute_BadBody(t *testing.T) {
	t.Parallel()

	h := newAPIHarness(t, "")
	rec := h.do(t, http.MethodPost, "/v1/relay/execute", "", []byte(`{"from":"nope"}`))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status: got %d want %d", rec.Code, http.StatusBadRequest)
	}
}

func TestHandler_BearerAuth(t *testing.T) {
	t.Parallel()

	h := newAPIHarness(t, "sekrit")

	rec := h.do(t, http.MethodPost, "/v1/documents", "", []byte("payload"))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("unauthenticated upload status: got %d want %d", rec.Code, http.StatusUnauthorized)
	}

	rec = h.do(t, http.MethodPost, "/v1/documents", "wrong", []byte("payload"))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("wrong token status: got %d want %d", rec.Code, http.StatusUnauthorized)
	}

	// The scheme must be followed by a space; "Bearersekrit" and a bare
	// token are both rejected.
	for _, hdr := range []string{"Bearersekrit", "sekrit"} {
		req := httptest.NewRequest(http.MethodPost, "/v1/documents", bytes.NewReader([]byte("payload")))
		req.Header.Set("Authorization", hdr)
		raw := httptest.NewRecorder()
		h.handler.ServeHTTP(raw, req)
		if raw.Code != http.StatusUnauthorized {
			t.Fatalf("header %q status: got %d want %d", hdr, raw.Code, http.StatusUnauthorized)
		}
	}

	rec = h.do(t, http.MethodPost, "/v1/documents", "sekrit", []byte("payload"))
	if rec.Code != http.StatusOK {
		t.Fatalf("authenticated upload status: got %d body=%s", rec.Code, rec.Body.String())
	}

	// Reads stay open.
	rec = h.do(t, http.MethodGet, "/v1/custody/balances", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("balances status: got %d", rec.Code)
	}
}

func TestHandler_DocumentRoundTrip(t *testing.T) {
	t.Parallel()

	h := newAPIHarness(t, "")

	payload := []byte("expense receipt pdf bytes")
	req := httptest.NewRequest(http.MethodPost, "/v1/documents", bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/pdf")
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("upload status: got %d body=%s", rec.Code, rec.Body.String())
	}
	var up struct {
		DocumentHash string `json:"documentHash"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &up); err != nil {
		t.Fatalf("decode upload: %v", err)
	}

	rec = h.do(t, http.MethodGet, "/v1/documents/"+up.DocumentHash, "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("fetch status: got %d", rec.Code)
	}
	if got := rec.Header().Get("Content-Type"); got != "application/pdf" {
		t.Fatalf("content type = %q", got)
	}
	if !bytes.Equal(rec.Body.Bytes(), payload) {
		t.Fatalf("payload mismatch")
	}

	rec = h.do(t, http.MethodGet, "/v1/documents/0x1111111111111111111111111111111111111111111111111111111111111111", "", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("missing doc status: got %d", rec.Code)
	}
}

func TestHandler_RequestStatus(t *testing.T) {
	t.Parallel()

	h := newAPIHarness(t, "")

	requester := common.HexToAddress("0x0000000000000000000000000000000000000051")
	recipient := common.HexToAddress("0x0000000000000000000000000000000000000052")
	grantRole(t, h, requester, roles.RoleRequester)

	fundCustody(t, h, 50_000)
	req, err := h.engine.Create(context.Background(), requester, recipient, 2_000, "team offsite", common.HexToHash("0x01"))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	rec := h.do(t, http.MethodGet, "/v1/status/request/"+strconv.FormatUint(req.ID, 10), "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status: got %d body=%s", rec.Code, rec.Body.String())
	}
	var out struct {
		Found       bool     `json:"found"`
		Status      string   `json:"status"`
		TotalAmount string   `json:"totalAmount"`
		Recipients  []string `json:"recipients"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !out.Found || out.Status != "pending" || out.TotalAmount != "2000" {
		t.Fatalf("bad response: %+v", out)
	}

	rec = h.do(t, http.MethodGet, "/v1/status/request/999", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("missing status: got %d", rec.Code)
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode missing: %v", err)
	}
	if out.Found {
		t.Fatalf("expected found=false for unknown request")
	}

	rec = h.do(t, http.MethodGet, "/v1/custody/balances", "", nil)
	var bal struct {
		Total     string `json:"total"`
		Locked    string `json:"locked"`
		Available string `json:"available"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &bal); err != nil {
		t.Fatalf("decode balances: %v", err)
	}
	if bal.Total != "50000" || bal.Locked != "2000" || bal.Available != "48000" {
		t.Fatalf("balances = %+v", bal)
	}
}

func TestHandler_ActiveClosure_NoneFound(t *testing.T) {
	t.Parallel()

	h := newAPIHarness(t, "")
	rec := h.do(t, http.MethodGet, "/v1/status/closure", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status: got %d", rec.Code)
	}
	var out struct {
		Found bool `json:"found"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.Found {
		t.Fatalf("expected no active closure")
	}
}

func TestHandler_IPRateLimit(t *testing.T) {
	t.Parallel()

	limiter := newIPRateLimiter(1, 2, 10)
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	if !limiter.Allow("10.0.0.1", now) || !limiter.Allow("10.0.0.1", now) {
		t.Fatalf("burst should admit two requests")
	}
	if limiter.Allow("10.0.0.1", now) {
		t.Fatalf("third immediate request should be throttled")
	}
	if !limiter.Allow("10.0.0.2", now) {
		t.Fatalf("other IPs are unaffected")
	}
	if !limiter.Allow("10.0.0.1", now.Add(2*time.Second)) {
		t.Fatalf("tokens should refill over time")
	}
}

func grantRole(t *testing.T, h *apiHarness, addr common.Address, role roles.Role) {
	t.Helper()
	if err := h.tbl.Grant(addr, role); err != nil {
		t.Fatalf("grant %s: %v", role, err)
	}
}

func fundCustody(t *testing.T, h *apiHarness, amount uint64) {
	t.Helper()
	funder := common.HexToAddress("0x00000000000000000000000000000000000000fd")
	h.ledger.Mint(funder, amount)
	if err := h.engine.Deposit(context.Background(), funder, amount); err != nil {
		t.Fatalf("Deposit: %v", err)
	}
}

func tblGrant(t *testing.T, h *apiHarness, admin, target common.Address) {
	t.Helper()
	if err := h.tbl.Grant(admin, roles.RoleAdmin); err != nil {
		t.Fatalf("grant admin: %v", err)
	}
	if err := h.relay.AddTarget(admin, target); err != nil {
		t.Fatalf("AddTarget: %v", err)
	}
}

func TestHandler_CreditDepositWithdraw(t *testing.T) {
	t.Parallel()

	h := newAPIHarness(t, "secret")
	owner := common.HexToAddress("0x00000000000000000000000000000000000000aa")
	h.ledger.Mint(owner, 1_000_000)
	path := "/v1/credits/" + owner.Hex()

	rec := h.do(t, http.MethodPost, path+"/deposit", "secret", []byte(`{"amount":"5000"}`))
	if rec.Code != http.StatusOK {
		t.Fatalf("deposit status: got %d want %d: %s", rec.Code, http.StatusOK, rec.Body.String())
	}
	var out struct {
		Balance string `json:"balance"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.Balance != "5000" {
		t.Fatalf("balance after deposit: got %s want 5000", out.Balance)
	}

	rec = h.do(t, http.MethodPost, path+"/withdraw", "secret", []byte(`{"amount":"2000"}`))
	if rec.Code != http.StatusOK {
		t.Fatalf("withdraw status: got %d want %d: %s", rec.Code, http.StatusOK, rec.Body.String())
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.Balance != "3000" {
		t.Fatalf("balance after withdraw: got %s want 3000", out.Balance)
	}
	if got := h.ledger.CreditedTo(owner); got != 2000 {
		t.Fatalf("payout: got %d want 2000", got)
	}

	rec = h.do(t, http.MethodPost, path+"/withdraw", "secret", []byte(`{"amount":"999999"}`))
	if rec.Code != http.StatusConflict {
		t.Fatalf("overdraw status: got %d want %d", rec.Code, http.StatusConflict)
	}

	rec = h.do(t, http.MethodPost, path+"/deposit", "secret", []byte(`{"amount":"0"}`))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("zero deposit status: got %d want %d", rec.Code, http.StatusBadRequest)
	}
}

func TestHandler_AdminTargets(t *testing.T) {
	t.Parallel()

	h := newAPIHarness(t, "secret")
	admin := common.HexToAddress("0x00000000000000000000000000000000000000ad")
	outsider := common.HexToAddress("0x00000000000000000000000000000000000000ee")
	target := common.HexToAddress("0x00000000000000000000000000000000000000cc")
	grantRole(t, h, admin, roles.RoleAdmin)

	body := fmt.Sprintf(`{"admin":%q,"target":%q,"action":"add"}`, admin.Hex(), target.Hex())
	rec := h.do(t, http.MethodPost, "/v1/admin/targets", "secret", []byte(body))
	if rec.Code != http.StatusOK {
		t.Fatalf("add status: got %d want %d: %s", rec.Code, http.StatusOK, rec.Body.String())
	}
	if !h.relay.IsWhitelisted(target) {
		t.Fatal("target not whitelisted after add")
	}

	body = fmt.Sprintf(`{"admin":%q,"target":%q,"action":"remove"}`, outsider.Hex(), target.Hex())
	rec = h.do(t, http.MethodPost, "/v1/admin/targets", "secret", []byte(body))
	if rec.Code != http.StatusForbidden {
		t.Fatalf("outsider status: got %d want %d", rec.Code, http.StatusForbidden)
	}
	if !h.relay.IsWhitelisted(target) {
		t.Fatal("outsider removed target")
	}

	body = fmt.Sprintf(`{"admin":%q,"target":%q,"action":"remove"}`, admin.Hex(), target.Hex())
	rec = h.do(t, http.MethodPost, "/v1/admin/targets", "secret", []byte(body))
	if rec.Code != http.StatusOK {
		t.Fatalf("remove status: got %d want %d: %s", rec.Code, http.StatusOK, rec.Body.String())
	}
	if h.relay.IsWhitelisted(target) {
		t.Fatal("target still whitelisted after remove")
	}

	body = fmt.Sprintf(`{"admin":%q,"target":%q,"action":"freeze"}`, admin.Hex(), target.Hex())
	rec = h.do(t, http.MethodPost, "/v1/admin/targets", "secret", []byte(body))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("bad action status: got %d want %d", rec.Code, http.StatusBadRequest)
	}
}

func TestHandler_AdminRateLimitAndCreditLimits(t *testing.T) {
	t.Parallel()

	h := newAPIHarness(t, "secret")
	admin := common.HexToAddress("0x00000000000000000000000000000000000000ad")
	owner := common.HexToAddress("0x00000000000000000000000000000000000000aa")
	grantRole(t, h, admin, roles.RoleAdmin)

	body := fmt.Sprintf(`{"admin":%q,"maxTxPerWindow":5}`, admin.Hex())
	rec := h.do(t, http.MethodPost, "/v1/admin/rate-limit", "secret", []byte(body))
	if rec.Code != http.StatusOK {
		t.Fatalf("rate limit status: got %d want %d: %s", rec.Code, http.StatusOK, rec.Body.String())
	}

	body = fmt.Sprintf(`{"admin":%q,"maxTxPerWindow":0}`, admin.Hex())
	rec = h.do(t, http.MethodPost, "/v1/admin/rate-limit", "secret", []byte(body))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("zero rate limit status: got %d want %d", rec.Code, http.StatusBadRequest)
	}

	body = fmt.Sprintf(`{"admin":%q,"owner":%q,"maxPerTransaction":"100","dailyLimit":"500"}`, admin.Hex(), owner.Hex())
	rec = h.do(t, http.MethodPost, "/v1/admin/credit-limits", "secret", []byte(body))
	if rec.Code != http.StatusOK {
		t.Fatalf("credit limits status: got %d want %d: %s", rec.Code, http.StatusOK, rec.Body.String())
	}
	var out struct {
		MaxPerTransaction string `json:"maxPerTransaction"`
		DailyLimit        string `json:"dailyLimit"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.MaxPerTransaction != "100" || out.DailyLimit != "500" {
		t.Fatalf("limits: got %+v", out)
	}

	body = fmt.Sprintf(`{"admin":%q,"owner":%q,"maxPerTransaction":"100","dailyLimit":"500"}`, owner.Hex(), owner.Hex())
	rec = h.do(t, http.MethodPost, "/v1/admin/credit-limits", "secret", []byte(body))
	if rec.Code != http.StatusForbidden {
		t.Fatalf("non-admin status: got %d want %d", rec.Code, http.StatusForbidden)
	}
}
