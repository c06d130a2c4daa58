package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bitsongofficial/faucet/internal/address"
	"github.com/bitsongofficial/faucet/internal/config"
	"github.com/bitsongofficial/faucet/internal/cosmos"
	"github.com/bitsongofficial/faucet/internal/dispatch"
	"github.com/bitsongofficial/faucet/internal/hmacauth"
	"github.com/bitsongofficial/faucet/internal/runs"
	"github.com/bitsongofficial/faucet/internal/session"
)

type fakeSigner struct{}

func (fakeSigner) Accounts() []cosmos.Account {
	return []cosmos.Account{{Address: "bitsong1custodian"}}
}

func (fakeSigner) SignDirect(context.Context, string, []byte) ([]byte, error) {
	return nil, nil
}

type fakeSender struct {
	sends   atomic.Int32
	pingErr error
}

func (f *fakeSender) SendTokens(context.Context, string, string, []cosmos.Coin, string) (cosmos.DeliverResult, error) {
	f.sends.Add(1)
	return cosmos.DeliverResult{TxHash: "9C0FFEE", Height: 10}, nil
}

func (f *fakeSender) Ping(context.Context) error { return f.pingErr }

type fakeConnector struct {
	sender   *fakeSender
	derives  atomic.Int32
	connects atomic.Int32
}

func (c *fakeConnector) DeriveWallet(context.Context, string, string, string) (cosmos.OfflineSigner, error) {
	c.derives.Add(1)
	return fakeSigner{}, nil
}

func (c *fakeConnector) Connect(context.Context, string, cosmos.OfflineSigner, cosmos.Options) (session.Sender, error) {
	c.connects.Add(1)
	return c.sender, nil
}

type failingStore struct {
	*runs.MemoryStore
}

func (failingStore) Ping(context.Context) error { return errors.New("connection reset") }

type harness struct {
	srv        *Server
	dispatcher *dispatch.Dispatcher
	manager    *session.Manager
	connector  *fakeConnector
	runsMade   *atomic.Int32
}

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Chain = config.Chain{
		Mnemonic:        "test mnemonic",
		RPCEndpoint:     "http://localhost:26657",
		Bech32Prefix:    "bitsong",
		GasPrice:        "0.025ubtsg",
		CoinType:        "639",
		RPCTimeout:      time.Second,
		DispatchTimeout: 5 * time.Second,
	}
	cfg.Drip = config.Drip{Denom: "utoken", Amount: "100"}
	cfg.Service.HMACSecret = ""
	return cfg
}

func newHarness(t *testing.T, cfg *config.Config, store runs.Store) *harness {
	t.Helper()
	if store == nil {
		store = runs.NewMemoryStore()
	}
	conn := &fakeConnector{sender: &fakeSender{}}
	metrics := NewMetrics()
	manager := session.NewManager(conn, nil).WithInitHook(metrics.SessionInit)

	var made atomic.Int32
	d := dispatch.NewDispatcher(manager, store, nil).
		WithObserver(metrics).
		WithIDGenerator(func() string {
			made.Add(1)
			return "0b6f1c3e-8d2a-4f5b-9e7c-1a2b3c4d5e6f"
		})

	return &harness{
		srv:        NewServer(cfg, d, manager, store, metrics, nil),
		dispatcher: d,
		manager:    manager,
		connector:  conn,
		runsMade:   &made,
	}
}

func (h *harness) do(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	h.srv.Handler().ServeHTTP(rec, req)
	return rec
}

func (h *harness) drain(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := h.dispatcher.Drain(ctx); err != nil {
		t.Fatalf("drain: %v", err)
	}
}

func postFaucet(addr string) *http.Request {
	payload, _ := json.Marshal(map[string]string{"address": addr})
	return httptest.NewRequest(http.MethodPost, "/api/v1/faucet", bytes.NewReader(payload))
}

func validRecipient(t *testing.T, prefix string) string {
	t.Helper()
	addr, err := address.Encode(prefix, bytes.Repeat([]byte{7}, 20))
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	return addr
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body errorResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode error body %q: %v", rec.Body.String(), err)
	}
	return body.Error
}

func TestFaucetRequestCompletes(t *testing.T) {
	h := newHarness(t, testConfig(), nil)
	recipient := validRecipient(t, "bitsong")

	rec := h.do(postFaucet(recipient))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d: %s", rec.Code, rec.Body.String())
	}
	var accepted faucetResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &accepted); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if accepted.Message != "faucet request accepted" || accepted.RunID == "" ||
		accepted.Recipient != recipient || accepted.Amount != "100" || accepted.Denom != "utoken" {
		t.Fatalf("unexpected response %+v", accepted)
	}
	if rec.Header().Get("X-Request-Id") == "" {
		t.Fatalf("expected a request id header")
	}

	h.drain(t)

	statusRec := h.do(httptest.NewRequest(http.MethodGet, "/api/v1/faucet/status/"+accepted.RunID, nil))
	if statusRec.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d", statusRec.Code)
	}
	var st dispatch.Status
	if err := json.Unmarshal(statusRec.Body.Bytes(), &st); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if st.Status != "completed" || st.Result == nil || st.Result.TransactionHash != "9C0FFEE" ||
		st.Result.Recipient != recipient || st.Result.Amount != "100" || st.Result.Denom != "utoken" {
		t.Fatalf("unexpected status %+v", st)
	}
	if !strings.Contains(statusRec.Body.String(), `"transactionHash":"9C0FFEE"`) {
		t.Fatalf("expected camelCase result fields: %s", statusRec.Body.String())
	}
}

func TestFaucetRejectsPrefixMismatch(t *testing.T) {
	h := newHarness(t, testConfig(), nil)

	rec := h.do(postFaucet(validRecipient(t, "cosmos")))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 got %d", rec.Code)
	}
	if msg := decodeError(t, rec); msg != `invalid address: must start with "bitsong"` {
		t.Fatalf("unexpected message %q", msg)
	}
	if h.runsMade.Load() != 0 {
		t.Fatalf("no run should be created")
	}
}

func TestFaucetRejectsInvalidAddressBeforeSession(t *testing.T) {
	h := newHarness(t, testConfig(), nil)

	for _, addr := range []string{"not-an-address", "bitsong1qqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqq"} {
		rec := h.do(postFaucet(addr))
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("expected 400 for %q got %d", addr, rec.Code)
		}
	}
	if h.connector.derives.Load() != 0 || h.connector.connects.Load() != 0 {
		t.Fatalf("invalid input must not start a session")
	}
	if h.runsMade.Load() != 0 {
		t.Fatalf("no run should be created")
	}
}

func TestFaucetRejectsBadPayload(t *testing.T) {
	h := newHarness(t, testConfig(), nil)

	rec := h.do(httptest.NewRequest(http.MethodPost, "/api/v1/faucet", strings.NewReader("{")))
	if rec.Code != http.StatusBadRequest || decodeError(t, rec) != "invalid json payload" {
		t.Fatalf("expected invalid json, got %d %s", rec.Code, rec.Body.String())
	}

	rec = h.do(postFaucet("   "))
	if rec.Code != http.StatusBadRequest || decodeError(t, rec) != "address is required" {
		t.Fatalf("expected missing address, got %d %s", rec.Code, rec.Body.String())
	}
}

func TestFaucetMisconfigured(t *testing.T) {
	cases := map[string]func(*config.Config){
		"denom":  func(c *config.Config) { c.Drip.Denom = "" },
		"amount": func(c *config.Config) { c.Drip.Amount = "" },
		"prefix": func(c *config.Config) { c.Chain.Bech32Prefix = "" },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := testConfig()
			mutate(cfg)
			h := newHarness(t, cfg, nil)

			rec := h.do(postFaucet(validRecipient(t, "bitsong")))
			if rec.Code != http.StatusInternalServerError {
				t.Fatalf("expected 500 got %d", rec.Code)
			}
			if strings.Contains(rec.Body.String(), "test mnemonic") {
				t.Fatalf("response leaks the mnemonic")
			}
		})
	}
}

func TestStatusUnknownRun(t *testing.T) {
	h := newHarness(t, testConfig(), nil)

	for _, id := range []string{"nope", "11111111-2222-4333-8444-555555555555"} {
		rec := h.do(httptest.NewRequest(http.MethodGet, "/api/v1/faucet/status/"+id, nil))
		if rec.Code != http.StatusNotFound {
			t.Fatalf("expected 404 for %s got %d", id, rec.Code)
		}
	}
}

func TestConfigEndpoint(t *testing.T) {
	h := newHarness(t, testConfig(), nil)

	rec := h.do(httptest.NewRequest(http.MethodGet, "/api/v1/config", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d", rec.Code)
	}
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(body) != 2 || body["amount"] != "100" || body["denom"] != "utoken" {
		t.Fatalf("unexpected config %v", body)
	}
}

func TestFaucetRequiresSignatureWhenConfigured(t *testing.T) {
	cfg := testConfig()
	cfg.Service.HMACSecret = "shared-secret"
	cfg.Service.HMACClockSkew = time.Minute
	h := newHarness(t, cfg, nil)
	recipient := validRecipient(t, "bitsong")

	rec := h.do(postFaucet(recipient))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 got %d", rec.Code)
	}

	payload, _ := json.Marshal(map[string]string{"address": recipient})
	ts := strconv.FormatInt(time.Now().Unix(), 10)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/faucet", bytes.NewReader(payload))
	req.Header.Set(hmacauth.DefaultTimestampHeader, ts)
	sig := hmacauth.Sign("shared-secret", ts, http.MethodPost, "/api/v1/faucet", payload)
	req.Header.Set(hmacauth.DefaultSignatureHeader, sig)

	rec = h.do(req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d: %s", rec.Code, rec.Body.String())
	}
	h.drain(t)

	replay := httptest.NewRequest(http.MethodPost, "/api/v1/faucet", bytes.NewReader(payload))
	replay.Header.Set(hmacauth.DefaultTimestampHeader, ts)
	replay.Header.Set(hmacauth.DefaultSignatureHeader, sig)
	rec = h.do(replay)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("replayed drip must be rejected, got %d", rec.Code)
	}
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil || body["error"] != hmacauth.ErrReplayedRequest.Error() {
		t.Fatalf("expected JSON replay error, got %q", rec.Body.String())
	}

	metrics := h.do(httptest.NewRequest(http.MethodGet, "/api/v1/metrics", nil)).Body.String()
	if !strings.Contains(metrics, `faucet_drip_requests_total{status="unauthorized"} 2`) {
		t.Fatalf("expected rejected drips counted, got:\n%s", metrics)
	}
}

func TestHealthBeforeAndAfterSession(t *testing.T) {
	h := newHarness(t, testConfig(), nil)

	rec := h.do(httptest.NewRequest(http.MethodGet, "/api/v1/health", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d", rec.Code)
	}
	if h.connector.connects.Load() != 0 {
		t.Fatalf("health must not initialize a session")
	}

	if _, err := h.manager.Session(context.Background(), testConfig().Chain); err != nil {
		t.Fatalf("session: %v", err)
	}
	h.connector.sender.pingErr = errors.New("node unreachable")

	rec = h.do(httptest.NewRequest(http.MethodGet, "/api/v1/health", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "node unreachable") {
		t.Fatalf("expected rpc error in body: %s", rec.Body.String())
	}
}

func TestHealthReportsRunStore(t *testing.T) {
	h := newHarness(t, testConfig(), failingStore{runs.NewMemoryStore()})

	rec := h.do(httptest.NewRequest(http.MethodGet, "/api/v1/health", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"status":"degraded"`) {
		t.Fatalf("unexpected body %s", rec.Body.String())
	}
}

func TestMetricsEndpoint(t *testing.T) {
	h := newHarness(t, testConfig(), nil)
	_ = h.do(postFaucet(validRecipient(t, "bitsong")))
	h.drain(t)

	rec := h.do(httptest.NewRequest(http.MethodGet, "/api/v1/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d", rec.Code)
	}
	body := rec.Body.String()
	for _, want := range []string{
		`faucet_drip_requests_total{status="accepted"} 1`,
		`faucet_dispatch_results_total{result="completed"} 1`,
		`faucet_session_init_total{result="success"} 1`,
		`faucet_dispatch_inflight 0`,
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("metrics missing %q", want)
		}
	}
}

func TestFaucetRejectsWrongMethod(t *testing.T) {
	h := newHarness(t, testConfig(), nil)
	rec := h.do(httptest.NewRequest(http.MethodGet, "/api/v1/faucet", nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405 got %d", rec.Code)
	}
}
