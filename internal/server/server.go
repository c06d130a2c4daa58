package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/bitsongofficial/faucet/internal/address"
	"github.com/bitsongofficial/faucet/internal/config"
	"github.com/bitsongofficial/faucet/internal/dispatch"
	"github.com/bitsongofficial/faucet/internal/hmacauth"
	"github.com/bitsongofficial/faucet/internal/logging"
	"github.com/bitsongofficial/faucet/internal/runs"
	"github.com/bitsongofficial/faucet/internal/session"
)

const maxRequestBody = 1 << 16

// Faucet starts dispatch runs and reports on them.
type Faucet interface {
	Start(ctx context.Context, req dispatch.Request) (string, error)
	Status(ctx context.Context, id string) (dispatch.Status, error)
}

// Sessions reports the signing session without creating one.
type Sessions interface {
	Established() (*session.Session, bool)
}

type Server struct {
	cfg        *config.Config
	faucet     Faucet
	sessions   Sessions
	hmac       *hmacauth.Verifier
	httpServer *http.Server
	metrics    *Metrics
	logger     *slog.Logger
	dbHealthFn func(context.Context) error
}

func NewServer(cfg *config.Config, faucet Faucet, sessions Sessions, store runs.Store, metrics *Metrics, logger *slog.Logger) *Server {
	if metrics == nil {
		metrics = NewMetrics()
	}
	if logger == nil {
		logger = logging.Discard()
	}

	s := &Server{
		cfg:      cfg,
		faucet:   faucet,
		sessions: sessions,
		hmac: &hmacauth.Verifier{
			Secret:  cfg.Service.HMACSecret,
			MaxSkew: cfg.Service.HMACClockSkew,
			Logger:  logger,
			OnReject: func(error) {
				metrics.incDrip("unauthorized")
			},
		},
		metrics: metrics,
		logger:  logger,
	}

	if checker, ok := store.(interface{ Ping(context.Context) error }); ok {
		s.dbHealthFn = checker.Ping
	}

	mux := http.NewServeMux()
	mux.Handle("POST /api/v1/faucet", s.hmac.Middleware(http.HandlerFunc(s.handleFaucet)))
	mux.HandleFunc("GET /api/v1/faucet/status/{runId}", s.handleStatus)
	mux.HandleFunc("GET /api/v1/config", s.handleConfig)
	mux.HandleFunc("GET /api/v1/health", s.handleHealth)
	mux.Handle("GET /api/v1/metrics", metrics.handler())

	s.httpServer = &http.Server{
		Addr:              ":" + strconv.Itoa(cfg.Service.HTTPPort),
		Handler:           requestIDMiddleware(s.accessLog(mux)),
		ReadHeaderTimeout: 15 * time.Second,
	}
	return s
}

func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

func (s *Server) Start() error {
	s.logger.Info("API listening", "addr", s.httpServer.Addr, "hmac", s.hmac.Enabled())
	return s.httpServer.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

type faucetRequest struct {
	Address string `json:"address"`
}

type faucetResponse struct {
	Message   string `json:"message"`
	RunID     string `json:"runId"`
	Recipient string `json:"recipient"`
	Amount    string `json:"amount"`
	Denom     string `json:"denom"`
}

type configResponse struct {
	Amount string `json:"amount"`
	Denom  string `json:"denom"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) handleFaucet(w http.ResponseWriter, r *http.Request) {
	var payload faucetRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody)).Decode(&payload); err != nil {
		s.metrics.incDrip("bad_request")
		writeError(w, http.StatusBadRequest, "invalid json payload")
		return
	}
	recipient := strings.TrimSpace(payload.Address)
	if recipient == "" {
		s.metrics.incDrip("bad_request")
		writeError(w, http.StatusBadRequest, "address is required")
		return
	}

	req := dispatch.Request{
		Recipient: recipient,
		Denom:     s.cfg.Drip.Denom,
		Amount:    s.cfg.Drip.Amount,
		Chain:     s.cfg.Chain,
	}
	runID, err := s.faucet.Start(r.Context(), req)
	if err != nil {
		status, msg := startErrorStatus(err)
		if status == http.StatusBadRequest {
			s.metrics.incDrip("bad_request")
		} else {
			s.metrics.incDrip("error")
			s.logger.Error("faucet request failed", "request_id", r.Header.Get("X-Request-Id"), "error", err)
		}
		writeError(w, status, msg)
		return
	}

	s.metrics.incDrip("accepted")
	writeJSON(w, http.StatusOK, faucetResponse{
		Message:   "faucet request accepted",
		RunID:     runID,
		Recipient: recipient,
		Amount:    req.Amount,
		Denom:     req.Denom,
	})
}

func startErrorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, address.ErrInvalidAddress):
		return http.StatusBadRequest, err.Error()
	case errors.Is(err, config.ErrMissingSetting), errors.Is(err, session.ErrConfiguration):
		return http.StatusInternalServerError, "faucet is misconfigured: " + err.Error()
	default:
		return http.StatusInternalServerError, "failed to start dispatch"
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	st, err := s.faucet.Status(r.Context(), r.PathValue("runId"))
	if errors.Is(err, dispatch.ErrUnknownRun) {
		writeError(w, http.StatusNotFound, "run not found")
		return
	}
	if err != nil {
		s.logger.Error("status lookup failed", "run_id", r.PathValue("runId"), "error", err)
		writeError(w, http.StatusInternalServerError, "status lookup failed")
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleConfig(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, configResponse{
		Amount: s.cfg.Drip.Amount,
		Denom:  s.cfg.Drip.Denom,
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	overallHealthy := true

	rpcInfo := struct {
		Session   bool    `json:"session"`
		Connected bool    `json:"connected"`
		LatencyMs float64 `json:"latency_ms"`
		Error     string  `json:"error,omitempty"`
	}{}

	// The node is only probed once a session exists; health checks never
	// trigger initialization.
	if sess, ok := s.sessions.Established(); ok {
		rpcInfo.Session = true
		start := time.Now()
		rpcCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		if err := sess.Client().Ping(rpcCtx); err != nil {
			rpcInfo.Error = err.Error()
			overallHealthy = false
		} else {
			rpcInfo.Connected = true
			rpcInfo.LatencyMs = float64(time.Since(start).Microseconds()) / 1000.0
		}
	}

	dbInfo := struct {
		Connected bool   `json:"connected"`
		Error     string `json:"error,omitempty"`
	}{Connected: true}

	if s.dbHealthFn != nil {
		dbCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		if err := s.dbHealthFn(dbCtx); err != nil {
			dbInfo.Connected = false
			dbInfo.Error = err.Error()
			overallHealthy = false
		}
	}

	status := "healthy"
	code := http.StatusOK
	if !overallHealthy {
		status = "degraded"
		code = http.StatusServiceUnavailable
	}

	writeJSON(w, code, struct {
		Status   string `json:"status"`
		RPC      any    `json:"rpc"`
		RunStore any    `json:"run_store"`
	}{
		Status:   status,
		RPC:      rpcInfo,
		RunStore: dbInfo,
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, errorResponse{Error: msg})
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-Id")
		if id == "" {
			id = uuid.NewString()
			r.Header.Set("X-Request-Id", id)
		}
		w.Header().Set("X-Request-Id", id)
		next.ServeHTTP(w, r)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	code int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.code = code
	s.ResponseWriter.WriteHeader(code)
}

func (s *Server) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.logger.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.code,
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", r.Header.Get("X-Request-Id"),
		)
	})
}
