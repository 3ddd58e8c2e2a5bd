package gateway

import (
	"context"
	"encoding/base64"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	json "github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"github.com/datafund/swarm-connect-sub000/access"
	"github.com/datafund/swarm-connect-sub000/audit"
	"github.com/datafund/swarm-connect-sub000/pricing"
	"github.com/datafund/swarm-connect-sub000/ratelimit"
	"github.com/datafund/swarm-connect-sub000/types"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type fakeOracle struct {
	price int64
	err   error
}

func (o fakeOracle) CurrentPrice(ctx context.Context) (int64, error) {
	return o.price, o.err
}

type fakeFacilitator struct {
	verifyResp  *types.VerifyResponse
	verifyErr   error
	settleResp  *types.SettleResponse
	settleErr   error
	verifyCalls int
	settleCalls int
}

func (f *fakeFacilitator) Verify(ctx context.Context, req *types.VerifyRequest) (*types.VerifyResponse, error) {
	f.verifyCalls++
	return f.verifyResp, f.verifyErr
}

func (f *fakeFacilitator) Settle(ctx context.Context, req *types.SettleRequest) (*types.SettleResponse, error) {
	f.settleCalls++
	return f.settleResp, f.settleErr
}

type testEnv struct {
	router        *gin.Engine
	facilitator   *fakeFacilitator
	audit         *audit.Log
	handlerStatus int
	handlerCalls  int
}

// setup builds a gateway with a tiny chain price so the configured price
// floor of $0.01 always applies; the advertised amount is then a stable
// "10000" atomic units.
func setup(t *testing.T, mutate func(*Config, *Deps)) *testEnv {
	t.Helper()

	env := &testEnv{
		facilitator: &fakeFacilitator{
			verifyResp: &types.VerifyResponse{IsValid: true, Payer: "0xpayer"},
			settleResp: &types.SettleResponse{Success: true, Transaction: "0xtx", Network: "base-sepolia", Payer: "0xpayer"},
		},
		handlerStatus: http.StatusOK,
	}
	env.audit = audit.New(filepath.Join(t.TempDir(), "audit.jsonl"), zerolog.Nop())

	quoter := pricing.NewQuoter(fakeOracle{price: 1}, pricing.Config{
		BzzUSDRate:    0.5,
		MarkupPercent: 50,
		MinPriceUSD:   0.01,
	}, zerolog.Nop())

	cfg := Config{
		Enabled:      true,
		Network:      "base-sepolia",
		PayToAddress: "0x1234567890abcdef1234567890abcdef12345678",
	}
	deps := Deps{
		Quoter:      quoter,
		Facilitator: env.facilitator,
		Access:      access.NewController("", "", zerolog.Nop()),
		PaidLimiter: ratelimit.New(100, time.Minute, zerolog.Nop()),
		Audit:       env.audit,
		Log:         zerolog.Nop(),
	}
	if mutate != nil {
		mutate(&cfg, &deps)
	}

	env.router = gin.New()
	env.router.Use(New(cfg, deps).Middleware())
	handler := func(c *gin.Context) {
		env.handlerCalls++
		c.JSON(env.handlerStatus, gin.H{"ok": env.handlerStatus < 300})
	}
	env.router.POST("/api/v1/stamps", handler)
	env.router.POST("/api/v1/data", handler)
	env.router.GET("/api/v1/stamps", handler)
	return env
}

func (env *testEnv) post(path string, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, nil)
	req.RemoteAddr = "203.0.113.7:52100"
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)
	return w
}

func paymentHeaderValue(t *testing.T) string {
	t.Helper()
	raw, err := json.Marshal(types.PaymentPayload{
		X402Version: 1,
		Scheme:      "exact",
		Network:     "base-sepolia",
		Payload:     map[string]any{"signature": "0xsig"},
	})
	if err != nil {
		t.Fatal(err)
	}
	return base64.StdEncoding.EncodeToString(raw)
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("invalid JSON body %q: %v", w.Body.String(), err)
	}
	return body
}

func TestDisabledPassesThrough(t *testing.T) {
	env := setup(t, func(cfg *Config, deps *Deps) { cfg.Enabled = false })

	w := env.post("/api/v1/stamps", nil)
	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want 200 passthrough", w.Code)
	}
	if env.handlerCalls != 1 {
		t.Errorf("handler calls = %d", env.handlerCalls)
	}
	if env.facilitator.verifyCalls != 0 {
		t.Error("disabled gateway should never call the facilitator")
	}
}

func TestUnprotectedEndpointPassesThrough(t *testing.T) {
	env := setup(t, nil)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/stamps", nil)
	req.RemoteAddr = "203.0.113.7:52100"
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want 200: GET is not protected", w.Code)
	}
}

func TestBlockedIP(t *testing.T) {
	env := setup(t, func(cfg *Config, deps *Deps) {
		deps.Access = access.NewController("203.0.113.7", "", zerolog.Nop())
	})

	w := env.post("/api/v1/stamps", nil)
	if w.Code != http.StatusForbidden {
		t.Errorf("status = %d, want 403", w.Code)
	}
	if env.handlerCalls != 0 {
		t.Error("blocked request must not reach the handler")
	}

	events, err := env.audit.Read(audit.ReadFilter{Kind: audit.KindAccessBlocked})
	if err != nil || len(events) != 1 {
		t.Errorf("access_blocked events = %d (err %v)", len(events), err)
	}
}

func TestAllowlistedSkipsPayment(t *testing.T) {
	env := setup(t, func(cfg *Config, deps *Deps) {
		deps.Access = access.NewController("", "203.0.113.0/24", zerolog.Nop())
	})

	w := env.post("/api/v1/stamps", nil)
	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", w.Code)
	}
	if env.facilitator.verifyCalls != 0 {
		t.Error("allowlisted request should skip payment entirely")
	}
}

func TestPaymentRequired(t *testing.T) {
	env := setup(t, nil)

	w := env.post("/api/v1/stamps", nil)
	if w.Code != http.StatusPaymentRequired {
		t.Fatalf("status = %d, want 402", w.Code)
	}

	var body types.PaymentRequiredResponse
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body.X402Version != 1 || len(body.Accepts) != 1 {
		t.Fatalf("body = %+v", body)
	}
	req := body.Accepts[0]
	// Floor price $0.01 at 6 decimals.
	if req.MaxAmountRequired != "10000" {
		t.Errorf("maxAmountRequired = %s, want 10000", req.MaxAmountRequired)
	}
	if req.Scheme != "exact" || req.Network != "base-sepolia" {
		t.Errorf("requirements = %+v", req)
	}
	if req.PayTo != "0x1234567890abcdef1234567890abcdef12345678" {
		t.Errorf("payTo = %s", req.PayTo)
	}
	if req.Asset != "0x036CbD53842c5426634e7929541eC2318f3dCF7e" {
		t.Errorf("asset = %s", req.Asset)
	}
	if req.Resource != "/api/v1/stamps" {
		t.Errorf("resource = %s", req.Resource)
	}
	// A bare request is quoted at the cheapest valid depth.
	if !strings.Contains(req.Description, "depth 17") {
		t.Errorf("description = %q, want default depth 17", req.Description)
	}
}

func TestMissingPayeeFallsBackToZeroAddress(t *testing.T) {
	env := setup(t, func(cfg *Config, deps *Deps) { cfg.PayToAddress = "" })

	w := env.post("/api/v1/stamps", nil)
	var body types.PaymentRequiredResponse
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body.Accepts[0].PayTo != zeroAddress {
		t.Errorf("payTo = %s, want zero address", body.Accepts[0].PayTo)
	}
}

func TestFreeTier(t *testing.T) {
	env := setup(t, func(cfg *Config, deps *Deps) {
		deps.FreeLimiter = ratelimit.New(2, time.Hour, zerolog.Nop())
	})

	for i, wantRemaining := range []string{"1", "0"} {
		w := env.post("/api/v1/stamps", nil)
		if w.Code != http.StatusOK {
			t.Fatalf("request %d: status = %d, want 200", i+1, w.Code)
		}
		if got := w.Header().Get(ModeHeader); got != "free-tier" {
			t.Errorf("request %d: %s = %q", i+1, ModeHeader, got)
		}
		if got := w.Header().Get("X-RateLimit-Remaining"); got != wantRemaining {
			t.Errorf("request %d: remaining = %s, want %s", i+1, got, wantRemaining)
		}
	}

	// Each free delivery leaves a trace in the audit log.
	events, err := env.audit.Read(audit.ReadFilter{Kind: audit.KindFreeTierServed})
	if err != nil || len(events) != 2 {
		t.Errorf("free_tier_served events = %d (err %v), want 2", len(events), err)
	}

	w := env.post("/api/v1/stamps", nil)
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("third request: status = %d, want 429", w.Code)
	}
	body := decodeBody(t, w)
	info, ok := body["payment_info"].(map[string]any)
	if !ok {
		t.Fatalf("missing payment_info: %v", body)
	}
	if info["price_usd"] != 0.01 {
		t.Errorf("price_usd = %v, want 0.01", info["price_usd"])
	}
	if info["max_amount_required"] != "10000" {
		t.Errorf("max_amount_required = %v", info["max_amount_required"])
	}
}

func TestValidPaymentSettles(t *testing.T) {
	env := setup(t, nil)

	w := env.post("/api/v1/stamps", map[string]string{PaymentHeader: paymentHeaderValue(t)})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if env.facilitator.verifyCalls != 1 || env.facilitator.settleCalls != 1 {
		t.Errorf("verify=%d settle=%d, want 1/1", env.facilitator.verifyCalls, env.facilitator.settleCalls)
	}

	encoded := w.Header().Get(SettlementHeader)
	if encoded == "" {
		t.Fatal("missing settlement header")
	}
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		t.Fatal(err)
	}
	var settled types.SettleResponse
	if err := json.Unmarshal(raw, &settled); err != nil {
		t.Fatal(err)
	}
	if !settled.Success || settled.Transaction != "0xtx" {
		t.Errorf("settlement header = %+v", settled)
	}

	events, err := env.audit.Read(audit.ReadFilter{Kind: audit.KindPaymentSettled})
	if err != nil || len(events) != 1 {
		t.Errorf("payment_settled events = %d (err %v)", len(events), err)
	}
}

func TestInvalidPaymentRejected(t *testing.T) {
	env := setup(t, nil)
	env.facilitator.verifyResp = &types.VerifyResponse{IsValid: false, InvalidReason: "X"}

	w := env.post("/api/v1/stamps", map[string]string{PaymentHeader: paymentHeaderValue(t)})
	if w.Code != http.StatusPaymentRequired {
		t.Fatalf("status = %d, want 402", w.Code)
	}
	var body types.PaymentRequiredResponse
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(body.Error, "X") {
		t.Errorf("error %q should contain the facilitator reason", body.Error)
	}
	if env.facilitator.settleCalls != 0 {
		t.Error("settle must never run for invalid payment")
	}
	if env.handlerCalls != 0 {
		t.Error("handler must not run for invalid payment")
	}
}

func TestMalformedPaymentHeader(t *testing.T) {
	env := setup(t, nil)

	for _, value := range []string{"not base64!!!", base64.StdEncoding.EncodeToString([]byte("not json")), base64.StdEncoding.EncodeToString([]byte(`{"x402Version":1}`))} {
		w := env.post("/api/v1/stamps", map[string]string{PaymentHeader: value})
		if w.Code != http.StatusPaymentRequired {
			t.Errorf("header %q: status = %d, want 402", value, w.Code)
		}
	}
	if env.facilitator.verifyCalls != 0 {
		t.Error("malformed headers must not reach the facilitator")
	}
}

func TestFacilitatorUnreachable(t *testing.T) {
	env := setup(t, nil)
	env.facilitator.verifyResp = nil
	env.facilitator.verifyErr = errors.New("connection refused")

	w := env.post("/api/v1/stamps", map[string]string{PaymentHeader: paymentHeaderValue(t)})
	if w.Code != http.StatusBadGateway {
		t.Errorf("status = %d, want 502", w.Code)
	}
}

func TestOracleFailure(t *testing.T) {
	env := setup(t, func(cfg *Config, deps *Deps) {
		deps.Quoter = pricing.NewQuoter(fakeOracle{err: errors.New("bee down")}, pricing.Config{
			BzzUSDRate: 0.5, MinPriceUSD: 0.01,
		}, zerolog.Nop())
	})

	w := env.post("/api/v1/stamps", nil)
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503: unpriced requests must not pass", w.Code)
	}
	if env.handlerCalls != 0 {
		t.Error("handler must not run when quoting fails")
	}
}

func TestSettlementFailureStillDelivers(t *testing.T) {
	env := setup(t, nil)
	env.facilitator.settleResp = nil
	env.facilitator.settleErr = errors.New("settle down")

	w := env.post("/api/v1/stamps", map[string]string{PaymentHeader: paymentHeaderValue(t)})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: resource was already produced", w.Code)
	}
	if w.Header().Get(SettlementHeader) != "" {
		t.Error("failed settlement must not advertise a settlement header")
	}

	events, err := env.audit.Read(audit.ReadFilter{Kind: audit.KindError})
	if err != nil || len(events) != 1 {
		t.Fatalf("error events = %d (err %v)", len(events), err)
	}
	if events[0].Data["stage"] != "settle" {
		t.Errorf("event data = %v", events[0].Data)
	}
}

func TestHandlerFailureSkipsSettlement(t *testing.T) {
	env := setup(t, nil)
	env.handlerStatus = http.StatusInternalServerError

	w := env.post("/api/v1/stamps", map[string]string{PaymentHeader: paymentHeaderValue(t)})
	if w.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want handler's 500", w.Code)
	}
	if env.facilitator.settleCalls != 0 {
		t.Error("settle must be skipped for non-2xx handler responses")
	}
}

func TestPaidTierRateLimit(t *testing.T) {
	env := setup(t, func(cfg *Config, deps *Deps) {
		deps.PaidLimiter = ratelimit.New(1, time.Hour, zerolog.Nop())
	})
	header := map[string]string{PaymentHeader: paymentHeaderValue(t)}

	if w := env.post("/api/v1/stamps", header); w.Code != http.StatusOK {
		t.Fatalf("first request: status = %d", w.Code)
	}
	if w := env.post("/api/v1/stamps", header); w.Code != http.StatusTooManyRequests {
		t.Errorf("second request: status = %d, want 429", w.Code)
	}
	if env.facilitator.verifyCalls != 1 {
		t.Errorf("verify calls = %d, rate-limited request must not verify", env.facilitator.verifyCalls)
	}
}

func TestAuditTrailForPaidRequest(t *testing.T) {
	env := setup(t, nil)

	env.post("/api/v1/stamps", map[string]string{PaymentHeader: paymentHeaderValue(t)})

	events, err := env.audit.Read(audit.ReadFilter{})
	if err != nil {
		t.Fatal(err)
	}
	// Most recent first.
	want := []audit.EventKind{
		audit.KindPaymentSettled,
		audit.KindPaymentVerified,
		audit.KindPaymentReceived,
		audit.KindPriceCalculated,
		audit.KindRequestReceived,
	}
	if len(events) != len(want) {
		t.Fatalf("got %d events, want %d: %+v", len(events), len(want), events)
	}
	for i, kind := range want {
		if events[i].EventType != kind {
			t.Errorf("event[%d] = %s, want %s", i, events[i].EventType, kind)
		}
		if events[i].RequestID != events[0].RequestID {
			t.Errorf("request id not propagated: %+v", events[i])
		}
	}
}

func TestClientIPResolution(t *testing.T) {
	tests := []struct {
		name       string
		remoteAddr string
		headers    map[string]string
		want       string
	}{
		{"forwarded chain", "10.0.0.1:1234", map[string]string{"X-Forwarded-For": "198.51.100.9, 10.0.0.1"}, "198.51.100.9"},
		{"real ip", "10.0.0.1:1234", map[string]string{"X-Real-IP": "198.51.100.10"}, "198.51.100.10"},
		{"forwarded wins over real ip", "10.0.0.1:1234", map[string]string{"X-Forwarded-For": "198.51.100.9", "X-Real-IP": "198.51.100.10"}, "198.51.100.9"},
		{"remote addr", "10.0.0.1:1234", nil, "10.0.0.1"},
		{"no peer", "", nil, "unknown"},
	}
	for _, tt := range tests {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/stamps", nil)
		req.RemoteAddr = tt.remoteAddr
		for k, v := range tt.headers {
			req.Header.Set(k, v)
		}
		if got := ClientIP(req); got != tt.want {
			t.Errorf("%s: ClientIP = %q, want %q", tt.name, got, tt.want)
		}
	}
}

func TestMatchEndpoint(t *testing.T) {
	tests := []struct {
		method string
		path   string
		want   bool
	}{
		{http.MethodPost, "/api/v1/stamps", true},
		{http.MethodPost, "/api/v1/stamps/", true},
		{http.MethodPost, "/api/v1/stamps/topup/ab/100", true},
		{http.MethodPost, "/api/v1/data", true},
		{http.MethodPost, "/api/v1/data/manifest", true},
		{http.MethodGet, "/api/v1/stamps", false},
		{http.MethodPost, "/api/v1/stampsextra", false},
		{http.MethodPost, "/health", false},
	}
	for _, tt := range tests {
		if _, got := matchEndpoint(tt.method, tt.path); got != tt.want {
			t.Errorf("matchEndpoint(%s %s) = %v, want %v", tt.method, tt.path, got, tt.want)
		}
	}
}
