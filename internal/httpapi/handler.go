// Package httpapi exposes the relay, custody, and gas-credit services over a
// versioned JSON HTTP surface.
package httpapi

import (
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/netip"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/custodia-fi/custodia/internal/breaker"
	"github.com/custodia-fi/custodia/internal/closure"
	"github.com/custodia-fi/custodia/internal/commitreveal"
	"github.com/custodia-fi/custodia/internal/docstore"
	"github.com/custodia-fi/custodia/internal/envelope"
	"github.com/custodia-fi/custodia/internal/gascredit"
	"github.com/custodia-fi/custodia/internal/relay"
	"github.com/custodia-fi/custodia/internal/request"
	"github.com/custodia-fi/custodia/internal/roles"
)

var ErrInvalidConfig = errors.New("httpapi: invalid config")

type Config struct {
	ChainID      uint64
	RelayAddress common.Address

	// BearerToken, when non-empty, gates every POST endpoint.
	BearerToken string

	RateLimitPerIPPerSecond float64
	RateLimitBurst          int
	RateLimitMaxTrackedIPs  int

	// MaxUploadBytes bounds document uploads. Defaults to 8 MiB.
	MaxUploadBytes int64

	Now func() time.Time
}

type Services struct {
	Relay     *relay.Relay
	Requests  *request.Engine
	Closures  *closure.Engine
	Credits   *gascredit.Ledger
	Documents docstore.Store
}

func NewHandler(cfg Config, svc Services) (http.Handler, error) {
	if cfg.ChainID == 0 {
		return nil, fmt.Errorf("%w: missing chain id", ErrInvalidConfig)
	}
	if svc.Relay == nil || svc.Requests == nil || svc.Closures == nil || svc.Credits == nil {
		return nil, fmt.Errorf("%w: nil services", ErrInvalidConfig)
	}
	if cfg.RateLimitPerIPPerSecond <= 0 {
		cfg.RateLimitPerIPPerSecond = 20
	}
	if cfg.RateLimitBurst <= 0 {
		cfg.RateLimitBurst = 40
	}
	if cfg.RateLimitMaxTrackedIPs <= 0 {
		cfg.RateLimitMaxTrackedIPs = 10_000
	}
	if cfg.MaxUploadBytes <= 0 {
		cfg.MaxUploadBytes = 8 << 20
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	h := &handler{
		cfg: cfg,
		svc: svc,
		limiter: newIPRateLimiter(
			cfg.RateLimitPerIPPerSecond,
			float64(cfg.RateLimitBurst),
			cfg.RateLimitMaxTrackedIPs,
		),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", h.handleHealthz)
	mux.HandleFunc("GET /v1/config", h.handleConfig)
	mux.HandleFunc("POST /v1/relay/execute", h.auth(h.handleRelayExecute))
	mux.HandleFunc("POST /v1/relay/execute-batch", h.auth(h.handleRelayExecuteBatch))
	mux.HandleFunc("GET /v1/relay/nonce", h.handleRelayNonce)
	mux.HandleFunc("GET /v1/custody/balances", h.handleCustodyBalances)
	mux.HandleFunc("GET /v1/status/request/{requestId}", h.handleRequestStatus)
	mux.HandleFunc("GET /v1/status/closure/{closureId}", h.handleClosureStatus)
	mux.HandleFunc("GET /v1/status/closure", h.handleActiveClosure)
	mux.HandleFunc("GET /v1/credits/{owner}", h.handleCreditStatus)
	mux.HandleFunc("GET /v1/credits/{owner}/history", h.handleCreditHistory)
	mux.HandleFunc("POST /v1/credits/{owner}/deposit", h.auth(h.handleCreditDeposit))
	mux.HandleFunc("POST /v1/credits/{owner}/withdraw", h.auth(h.handleCreditWithdraw))
	mux.HandleFunc("POST /v1/admin/targets", h.auth(h.handleAdminTargets))
	mux.HandleFunc("POST /v1/admin/rate-limit", h.auth(h.handleAdminRateLimit))
	mux.HandleFunc("POST /v1/admin/credit-limits", h.auth(h.handleAdminCreditLimits))
	mux.HandleFunc("GET /v1/relayers/{relayer}/stats", h.handleRelayerStats)
	mux.HandleFunc("POST /v1/documents", h.auth(h.handleDocumentUpload))
	mux.HandleFunc("GET /v1/documents/{hash}", h.handleDocumentFetch)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Health checks must never be throttled.
		if r.URL.Path == "/healthz" {
			mux.ServeHTTP(w, r)
			return
		}

		now := h.cfg.Now().UTC()
		allowed := h.limiter.Allow(clientIP(r), now)
		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(h.cfg.RateLimitBurst))
		if !allowed {
			w.Header().Set("Retry-After", "1")
			writeError(w, http.StatusTooManyRequests, "rate_limited")
			return
		}

		mux.ServeHTTP(w, r)
	}), nil
}

type handler struct {
	cfg     Config
	svc     Services
	limiter *ipRateLimiter
}

func (h *handler) auth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if h.cfg.BearerToken != "" {
			got, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
			if !ok || subtle.ConstantTimeCompare([]byte(strings.TrimSpace(got)), []byte(h.cfg.BearerToken)) != 1 {
				writeError(w, http.StatusUnauthorized, "unauthorized")
				return
			}
		}
		next(w, r)
	}
}

func (h *handler) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok\n"))
}

func (h *handler) handleConfig(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"version":      "v1",
		"chainId":      h.cfg.ChainID,
		"relayAddress": h.cfg.RelayAddress.Hex(),
		"frozen":       h.svc.Requests.Frozen(),
	})
}

type envelopeBody struct {
	From      string `json:"from"`
	To        string `json:"to"`
	Value     string `json:"value"`
	Gas       string `json:"gas"`
	Nonce     string `json:"nonce"`
	Deadline  string `json:"deadline"`
	ChainID   string `json:"chainId"`
	Data      string `json:"data"`
	Signature string `json:"signature"`
}

func (b envelopeBody) parse() (envelope.Envelope, []byte, error) {
	var env envelope.Envelope
	if !common.IsHexAddress(strings.TrimSpace(b.From)) {
		return env, nil, errors.New("invalid_from")
	}
	if !common.IsHexAddress(strings.TrimSpace(b.To)) {
		return env, nil, errors.New("invalid_to")
	}
	env.From = common.HexToAddress(strings.TrimSpace(b.From))
	env.To = common.HexToAddress(strings.TrimSpace(b.To))

	var err error
	if env.Value, err = parseUint64BodyValue(b.Value); err != nil && strings.TrimSpace(b.Value) != "" {
		return env, nil, errors.New("invalid_value")
	}
	if env.Gas, err = parseUint64BodyValue(b.Gas); err != nil {
		return env, nil, errors.New("invalid_gas")
	}
	if env.Nonce, err = parseUint64BodyValue(b.Nonce); err != nil && strings.TrimSpace(b.Nonce) != "" {
		return env, nil, errors.New("invalid_nonce")
	}
	if env.Deadline, err = parseUint64BodyValue(b.Deadline); err != nil {
		return env, nil, errors.New("invalid_deadline")
	}
	if env.ChainID, err = parseUint64BodyValue(b.ChainID); err != nil {
		return env, nil, errors.New("invalid_chain_id")
	}
	if strings.TrimSpace(b.Data) != "" {
		if env.Data, err = decodeHexBytes(b.Data); err != nil {
			return env, nil, errors.New("invalid_data")
		}
	}
	sig, err := decodeHexBytes(b.Signature)
	if err != nil || len(sig) != 65 {
		return env, nil, errors.New("invalid_signature")
	}
	return env, sig, nil
}

func resultJSON(res relay.Result) map[string]any {
	out := map[string]any{
		"success": res.Success,
		"nonce":   strconv.FormatUint(res.Nonce, 10),
	}
	if len(res.ReturnData) > 0 {
		out["returnData"] = "0x" + hex.EncodeToString(res.ReturnData)
	}
	if res.Err != "" {
		out["error"] = res.Err
	}
	return out
}

func (h *handler) handleRelayExecute(w http.ResponseWriter, r *http.Request) {
	body, ok := decodeJSONBody[envelopeBody](w, r)
	if !ok {
		return
	}
	env, sig, err := body.parse()
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	res, err := h.svc.Relay.Execute(r.Context(), env, sig)
	if err != nil && !errors.Is(err, relay.ErrCallFailed) {
		code, tag := relayErrorStatus(err)
		writeError(w, code, tag)
		return
	}

	resp := resultJSON(res)
	resp["version"] = "v1"
	writeJSON(w, http.StatusOK, resp)
}

type batchBody struct {
	Items []envelopeBody `json:"items"`
}

func (h *handler) handleRelayExecuteBatch(w http.ResponseWriter, r *http.Request) {
	body, ok := decodeJSONBody[batchBody](w, r)
	if !ok {
		return
	}
	items := make([]relay.SignedEnvelope, 0, len(body.Items))
	for _, it := range body.Items {
		env, sig, err := it.parse()
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		items = append(items, relay.SignedEnvelope{Envelope: env, Signature: sig})
	}

	results, err := h.svc.Relay.ExecuteBatch(r.Context(), items)
	if err != nil {
		code, tag := relayErrorStatus(err)
		writeError(w, code, tag)
		return
	}
	out := make([]map[string]any, 0, len(results))
	for _, res := range results {
		out = append(out, resultJSON(res))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"version": "v1",
		"results": out,
	})
}

func (h *handler) handleRelayNonce(w http.ResponseWriter, r *http.Request) {
	sender := strings.TrimSpace(r.URL.Query().Get("sender"))
	if !common.IsHexAddress(sender) {
		writeError(w, http.StatusBadRequest, "invalid_sender")
		return
	}
	addr := common.HexToAddress(sender)
	writeJSON(w, http.StatusOK, map[string]any{
		"version": "v1",
		"sender":  addr.Hex(),
		"nonce":   strconv.FormatUint(h.svc.Relay.Nonce(addr), 10),
	})
}

func (h *handler) handleCustodyBalances(w http.ResponseWriter, _ *http.Request) {
	total, locked, available := h.svc.Requests.Balances()
	writeJSON(w, http.StatusOK, map[string]any{
		"version":   "v1",
		"total":     strconv.FormatUint(total, 10),
		"locked":    strconv.FormatUint(locked, 10),
		"available": strconv.FormatUint(available, 10),
		"frozen":    h.svc.Requests.Frozen(),
	})
}

func (h *handler) handleRequestStatus(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseUint(strings.TrimSpace(r.PathValue("requestId")), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request_id")
		return
	}

	req, err := h.svc.Requests.Get(id)
	if err != nil {
		if errors.Is(err, request.ErrNotFound) {
			writeJSON(w, http.StatusOK, map[string]any{
				"version":   "v1",
				"found":     false,
				"requestId": strconv.FormatUint(id, 10),
			})
			return
		}
		writeError(w, http.StatusInternalServerError, "internal")
		return
	}

	recipients := make([]string, 0, len(req.Recipients))
	for _, rec := range req.Recipients {
		recipients = append(recipients, rec.Hex())
	}
	amounts := make([]string, 0, len(req.Amounts))
	for _, a := range req.Amounts {
		amounts = append(amounts, strconv.FormatUint(a, 10))
	}
	resp := map[string]any{
		"version":      "v1",
		"found":        true,
		"requestId":    strconv.FormatUint(req.ID, 10),
		"requester":    req.Requester.Hex(),
		"recipients":   recipients,
		"amounts":      amounts,
		"totalAmount":  strconv.FormatUint(req.TotalAmount, 10),
		"status":       req.Status.String(),
		"documentHash": req.DocumentHash.Hex(),
		"createdAt":    req.CreatedAt.UTC().Format(time.RFC3339),
	}
	if !req.WithdrawalUnlockTime.IsZero() {
		resp["withdrawalUnlockTime"] = req.WithdrawalUnlockTime.UTC().Format(time.RFC3339)
	}
	writeJSON(w, http.StatusOK, resp)
}

func closureJSON(c closure.Closure) map[string]any {
	approvers := make([]string, 0, len(c.CommitteeApprovers))
	for _, a := range c.CommitteeApprovers {
		approvers = append(approvers, a.Hex())
	}
	out := map[string]any{
		"version":            "v1",
		"found":              true,
		"closureId":          strconv.FormatUint(c.ID, 10),
		"initiator":          c.Initiator.Hex(),
		"returnAddress":      c.ReturnAddress.Hex(),
		"reason":             c.Reason,
		"status":             c.Status.String(),
		"committeeApprovers": approvers,
		"initiatedAt":        c.InitiatedAt.UTC().Format(time.RFC3339),
	}
	if c.Status == closure.StatusExecuted {
		out["drainedAmount"] = strconv.FormatUint(c.DrainedAmount, 10)
	}
	return out
}

func (h *handler) handleClosureStatus(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseUint(strings.TrimSpace(r.PathValue("closureId")), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_closure_id")
		return
	}
	c, err := h.svc.Closures.Get(id)
	if err != nil {
		if errors.Is(err, closure.ErrNotFound) {
			writeJSON(w, http.StatusOK, map[string]any{
				"version":   "v1",
				"found":     false,
				"closureId": strconv.FormatUint(id, 10),
			})
			return
		}
		writeError(w, http.StatusInternalServerError, "internal")
		return
	}
	writeJSON(w, http.StatusOK, closureJSON(c))
}

func (h *handler) handleActiveClosure(w http.ResponseWriter, _ *http.Request) {
	c, ok := h.svc.Closures.Active()
	if !ok {
		writeJSON(w, http.StatusOK, map[string]any{
			"version": "v1",
			"found":   false,
		})
		return
	}
	writeJSON(w, http.StatusOK, closureJSON(c))
}

func (h *handler) handleCreditStatus(w http.ResponseWriter, r *http.Request) {
	owner, ok := parseAddressPath(w, r, "owner")
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, creditJSON(owner, h.svc.Credits.CreditOf(owner)))
}

func creditJSON(owner common.Address, c gascredit.Credit) map[string]any {
	return map[string]any{
		"version":           "v1",
		"owner":             owner.Hex(),
		"balance":           strconv.FormatUint(c.Balance, 10),
		"maxPerTransaction": strconv.FormatUint(c.MaxPerTransaction, 10),
		"dailyLimit":        strconv.FormatUint(c.DailyLimit, 10),
		"dailyUsed":         strconv.FormatUint(c.DailyUsed, 10),
		"lifetimeUsed":      strconv.FormatUint(c.LifetimeUsed, 10),
	}
}

type creditMutationBody struct {
	Amount string `json:"amount"`
}

func (h *handler) handleCreditDeposit(w http.ResponseWriter, r *http.Request) {
	owner, ok := parseAddressPath(w, r, "owner")
	if !ok {
		return
	}
	body, ok := decodeJSONBody[creditMutationBody](w, r)
	if !ok {
		return
	}
	amount, err := parseUint64BodyValue(body.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_amount")
		return
	}
	if err := h.svc.Credits.Deposit(r.Context(), owner, amount); err != nil {
		code, tag := creditErrorStatus(err)
		writeError(w, code, tag)
		return
	}
	writeJSON(w, http.StatusOK, creditJSON(owner, h.svc.Credits.CreditOf(owner)))
}

func (h *handler) handleCreditWithdraw(w http.ResponseWriter, r *http.Request) {
	owner, ok := parseAddressPath(w, r, "owner")
	if !ok {
		return
	}
	body, ok := decodeJSONBody[creditMutationBody](w, r)
	if !ok {
		return
	}
	amount, err := parseUint64BodyValue(body.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_amount")
		return
	}
	if err := h.svc.Credits.Withdraw(r.Context(), owner, amount); err != nil {
		code, tag := creditErrorStatus(err)
		writeError(w, code, tag)
		return
	}
	writeJSON(w, http.StatusOK, creditJSON(owner, h.svc.Credits.CreditOf(owner)))
}

type adminTargetBody struct {
	Admin  string `json:"admin"`
	Target string `json:"target"`
	Action string `json:"action"`
}

func (h *handler) handleAdminTargets(w http.ResponseWriter, r *http.Request) {
	body, ok := decodeJSONBody[adminTargetBody](w, r)
	if !ok {
		return
	}
	admin, err := parseBodyAddress(body.Admin)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_address")
		return
	}
	target, err := parseBodyAddress(body.Target)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_address")
		return
	}

	switch strings.ToLower(strings.TrimSpace(body.Action)) {
	case "add":
		err = h.svc.Relay.AddTarget(admin, target)
	case "remove":
		err = h.svc.Relay.RemoveTarget(admin, target)
	default:
		writeError(w, http.StatusBadRequest, "invalid_action")
		return
	}
	if err != nil {
		code, tag := relayErrorStatus(err)
		writeError(w, code, tag)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"version":     "v1",
		"target":      target.Hex(),
		"whitelisted": h.svc.Relay.IsWhitelisted(target),
	})
}

type adminRateLimitBody struct {
	Admin          string `json:"admin"`
	MaxTxPerWindow int    `json:"maxTxPerWindow"`
}

func (h *handler) handleAdminRateLimit(w http.ResponseWriter, r *http.Request) {
	body, ok := decodeJSONBody[adminRateLimitBody](w, r)
	if !ok {
		return
	}
	admin, err := parseBodyAddress(body.Admin)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_address")
		return
	}
	if err := h.svc.Relay.SetRateLimit(admin, body.MaxTxPerWindow); err != nil {
		if errors.Is(err, relay.ErrInvalidConfig) {
			writeError(w, http.StatusBadRequest, "invalid_rate_limit")
			return
		}
		code, tag := relayErrorStatus(err)
		writeError(w, code, tag)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"version":        "v1",
		"maxTxPerWindow": body.MaxTxPerWindow,
	})
}

type adminCreditLimitsBody struct {
	Admin             string `json:"admin"`
	Owner             string `json:"owner"`
	MaxPerTransaction string `json:"maxPerTransaction"`
	DailyLimit        string `json:"dailyLimit"`
}

func (h *handler) handleAdminCreditLimits(w http.ResponseWriter, r *http.Request) {
	body, ok := decodeJSONBody[adminCreditLimitsBody](w, r)
	if !ok {
		return
	}
	admin, err := parseBodyAddress(body.Admin)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_address")
		return
	}
	owner, err := parseBodyAddress(body.Owner)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_address")
		return
	}
	maxPerTx, err := parseUint64BodyValue(body.MaxPerTransaction)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_amount")
		return
	}
	daily, err := parseUint64BodyValue(body.DailyLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_amount")
		return
	}
	if err := h.svc.Credits.UpdateLimits(r.Context(), admin, owner, maxPerTx, daily); err != nil {
		code, tag := creditErrorStatus(err)
		writeError(w, code, tag)
		return
	}
	writeJSON(w, http.StatusOK, creditJSON(owner, h.svc.Credits.CreditOf(owner)))
}

func (h *handler) handleCreditHistory(w http.ResponseWriter, r *http.Request) {
	owner, ok := parseAddressPath(w, r, "owner")
	if !ok {
		return
	}
	refunds := h.svc.Credits.History(owner)
	out := make([]map[string]any, 0, len(refunds))
	for _, ref := range refunds {
		out = append(out, map[string]any{
			"relayer":  ref.Relayer.Hex(),
			"gasUsed":  strconv.FormatUint(ref.GasUsed, 10),
			"gasPrice": strconv.FormatUint(ref.GasPrice, 10),
			"cost":     strconv.FormatUint(ref.Cost, 10),
			"txHash":   ref.TxHash.Hex(),
			"paidAt":   ref.PaidAt.UTC().Format(time.RFC3339),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"version": "v1",
		"owner":   owner.Hex(),
		"refunds": out,
	})
}

func (h *handler) handleRelayerStats(w http.ResponseWriter, r *http.Request) {
	relayerAddr, ok := parseAddressPath(w, r, "relayer")
	if !ok {
		return
	}
	st := h.svc.Credits.StatsOf(relayerAddr)
	writeJSON(w, http.StatusOK, map[string]any{
		"version":          "v1",
		"relayer":          relayerAddr.Hex(),
		"transactionCount": strconv.FormatUint(st.TransactionCount, 10),
		"totalRefunded":    strconv.FormatUint(st.TotalRefunded, 10),
	})
}

func (h *handler) handleDocumentUpload(w http.ResponseWriter, r *http.Request) {
	if h.svc.Documents == nil {
		writeError(w, http.StatusServiceUnavailable, "documents_unavailable")
		return
	}
	payload, err := io.ReadAll(io.LimitReader(r.Body, h.cfg.MaxUploadBytes+1))
	if err != nil {
		writeError(w, http.StatusBadRequest, "read_failed")
		return
	}
	if int64(len(payload)) > h.cfg.MaxUploadBytes {
		writeError(w, http.StatusRequestEntityTooLarge, "document_too_large")
		return
	}

	hash, err := h.svc.Documents.Put(r.Context(), payload, r.Header.Get("Content-Type"))
	if err != nil {
		if errors.Is(err, docstore.ErrEmptyDocument) || errors.Is(err, docstore.ErrTooLarge) {
			writeError(w, http.StatusBadRequest, "invalid_document")
			return
		}
		writeError(w, http.StatusInternalServerError, "internal")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"version":      "v1",
		"documentHash": hash.Hex(),
		"size":         len(payload),
	})
}

func (h *handler) handleDocumentFetch(w http.ResponseWriter, r *http.Request) {
	if h.svc.Documents == nil {
		writeError(w, http.StatusServiceUnavailable, "documents_unavailable")
		return
	}
	raw := strings.TrimSpace(strings.TrimPrefix(r.PathValue("hash"), "0x"))
	if len(raw) != 64 {
		writeError(w, http.StatusBadRequest, "invalid_document_hash")
		return
	}
	b, err := hex.DecodeString(raw)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_document_hash")
		return
	}

	doc, err := h.svc.Documents.Get(r.Context(), common.BytesToHash(b))
	if err != nil {
		if errors.Is(err, docstore.ErrNotFound) {
			writeError(w, http.StatusNotFound, "not_found")
			return
		}
		writeError(w, http.StatusInternalServerError, "internal")
		return
	}
	ct := doc.ContentType
	if ct == "" {
		ct = "application/octet-stream"
	}
	w.Header().Set("Content-Type", ct)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(doc.Data)
}

// relayErrorStatus maps rejection reasons to HTTP codes. Retryable
// rejections keep distinct codes so clients can re-sign and resubmit.
func relayErrorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, envelope.ErrSignerMismatch),
		errors.Is(err, envelope.ErrInvalidSignature),
		errors.Is(err, envelope.ErrInvalidEnvelope):
		return http.StatusBadRequest, "invalid_envelope"
	case errors.Is(err, relay.ErrInvalidChainID):
		return http.StatusBadRequest, "invalid_chain_id"
	case errors.Is(err, relay.ErrExpiredDeadline):
		return http.StatusBadRequest, "expired_deadline"
	case errors.Is(err, relay.ErrInvalidNonce):
		return http.StatusConflict, "invalid_nonce"
	case errors.Is(err, relay.ErrTargetNotWhitelisted),
		errors.Is(err, relay.ErrTargetNotContract):
		return http.StatusForbidden, "target_rejected"
	case errors.Is(err, relay.ErrRateLimitExceeded):
		return http.StatusTooManyRequests, "sender_rate_limited"
	case errors.Is(err, relay.ErrTargetCallsExceeded):
		return http.StatusForbidden, "target_call_ceiling"
	case errors.Is(err, relay.ErrInsufficientGas):
		return http.StatusBadRequest, "insufficient_gas"
	case errors.Is(err, relay.ErrBatchTooLarge):
		return http.StatusBadRequest, "batch_too_large"
	case errors.Is(err, breaker.ErrCircuitBreakerActive),
		errors.Is(err, breaker.ErrAmountTooHigh),
		errors.Is(err, breaker.ErrDailyVolumeExceeded):
		return http.StatusServiceUnavailable, "breaker_open"
	case errors.Is(err, commitreveal.ErrRevealTooEarly):
		return http.StatusConflict, "reveal_too_early"
	case errors.Is(err, roles.ErrNotAuthorized):
		return http.StatusForbidden, "not_authorized"
	default:
		return http.StatusInternalServerError, "internal"
	}
}

func creditErrorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, gascredit.ErrInvalidConfig):
		return http.StatusBadRequest, "invalid_amount"
	case errors.Is(err, gascredit.ErrAmountOverflow):
		return http.StatusBadRequest, "amount_overflow"
	case errors.Is(err, gascredit.ErrInsufficientCredit):
		return http.StatusConflict, "insufficient_credit"
	case errors.Is(err, roles.ErrNotAuthorized):
		return http.StatusForbidden, "not_authorized"
	default:
		return http.StatusInternalServerError, "internal"
	}
}

func parseBodyAddress(raw string) (common.Address, error) {
	raw = strings.TrimSpace(raw)
	if !common.IsHexAddress(raw) {
		return common.Address{}, errors.New("invalid address")
	}
	return common.HexToAddress(raw), nil
}

func parseAddressPath(w http.ResponseWriter, r *http.Request, key string) (common.Address, bool) {
	raw := strings.TrimSpace(r.PathValue(key))
	if !common.IsHexAddress(raw) {
		writeError(w, http.StatusBadRequest, "invalid_address")
		return common.Address{}, false
	}
	return common.HexToAddress(raw), true
}

func writeError(w http.ResponseWriter, code int, tag string) {
	writeJSON(w, code, map[string]any{
		"version": "v1",
		"error":   tag,
	})
}

func clientIP(r *http.Request) string {
	if xff := strings.TrimSpace(r.Header.Get("X-Forwarded-For")); xff != "" {
		if ip := strings.TrimSpace(strings.Split(xff, ",")[0]); ip != "" {
			return ip
		}
	}
	if xrip := strings.TrimSpace(r.Header.Get("X-Real-IP")); xrip != "" {
		return xrip
	}
	remote := strings.TrimSpace(r.RemoteAddr)
	if remote == "" {
		return "unknown"
	}
	if addr, err := netip.ParseAddrPort(remote); err == nil {
		return addr.Addr().String()
	}
	if addr, err := netip.ParseAddr(remote); err == nil {
		return addr.String()
	}
	return remote
}

type limiterState struct {
	tokens   float64
	lastAt   time.Time
	lastSeen time.Time
}

// ipRateLimiter is a per-IP token bucket with LRU eviction once the tracked
// set exceeds maxTrackedIPs.
type ipRateLimiter struct {
	mu sync.Mutex

	refillPerSecond float64
	burst           float64
	maxTrackedIPs   int
	states          map[string]limiterState
}

func newIPRateLimiter(refillPerSecond float64, burst float64, maxTrackedIPs int) *ipRateLimiter {
	return &ipRateLimiter{
		refillPerSecond: refillPerSecond,
		burst:           burst,
		maxTrackedIPs:   maxTrackedIPs,
		states:          make(map[string]limiterState),
	}
}

func (l *ipRateLimiter) Allow(ip string, now time.Time) bool {
	if l == nil {
		return true
	}
	if ip == "" {
		ip = "unknown"
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	st, ok := l.states[ip]
	if !ok {
		if len(l.states) >= l.maxTrackedIPs {
			l.evictOldest()
		}
		l.states[ip] = limiterState{tokens: l.burst - 1, lastAt: now, lastSeen: now}
		return true
	}

	if elapsed := now.Sub(st.lastAt).Seconds(); elapsed > 0 {
		st.tokens = min(st.tokens+elapsed*l.refillPerSecond, l.burst)
	}
	st.lastAt = now
	st.lastSeen = now

	allowed := st.tokens >= 1
	if allowed {
		st.tokens -= 1
	}
	l.states[ip] = st
	return allowed
}

func (l *ipRateLimiter) evictOldest() {
	var oldestIP string
	var oldestAt time.Time
	for ip, st := range l.states {
		if oldestIP == "" || st.lastSeen.Before(oldestAt) {
			oldestIP = ip
			oldestAt = st.lastSeen
		}
	}
	if oldestIP != "" {
		delete(l.states, oldestIP)
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func decodeJSONBody[T any](w http.ResponseWriter, r *http.Request) (T, bool) {
	var out T
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&out); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json")
		return out, false
	}
	return out, true
}

func parseUint64BodyValue(raw string) (uint64, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, errors.New("missing value")
	}
	return strconv.ParseUint(raw, 10, 64)
}

func decodeHexBytes(raw string) ([]byte, error) {
	raw = strings.TrimSpace(raw)
	raw = strings.TrimPrefix(raw, "0x")
	raw = strings.TrimPrefix(raw, "0X")
	if raw == "" {
		return nil, errors.New("empty hex value")
	}
	return hex.DecodeString(raw)
}
