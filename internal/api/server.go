package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"math"
	"net"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/GoPolymarket/polymarket-killswitch/internal/health"
	"github.com/GoPolymarket/polymarket-killswitch/internal/killswitch"
	"github.com/GoPolymarket/polymarket-killswitch/internal/ledger"
	"github.com/GoPolymarket/polymarket-killswitch/internal/metrics"
	"github.com/GoPolymarket/polymarket-killswitch/internal/recovery"
	"github.com/GoPolymarket/polymarket-killswitch/internal/state"
)

const maxBodyBytes = 64 * 1024

// Error codes carried in ErrorResponse.Error.
const (
	CodeInvalidRequest    = "invalid_request"
	CodeInvalidTransition = "invalid_transition"
	CodeAuditWriteFailed  = "audit_write_failed"
	CodeInternal          = "internal_error"
	CodeCorruptRecord     = "corrupt_record"
)

// Service is the kill switch surface the HTTP layer exposes.
type Service interface {
	State() state.State
	TradingAllowed() bool
	PositionLimitFactor() float64
	DrawdownPct() float64
	Session() (recovery.SessionView, bool)
	Trigger(ctx context.Context, reason, actor string) (killswitch.TriggerResult, error)
	RequestRecovery(ctx context.Context, reason, approvalCode, actor string) (recovery.SessionView, error)
	Health(ctx context.Context) health.Result
	Audit(since, until time.Time, filter ledger.Filter) iter.Seq2[state.TransitionRecord, error]
	CheckOrder(tokenID string, amountUSDC float64) error
	RecordEquity(equityUSDC float64)
	RecordFill(tokenID string, amountUSDC float64) float64
	SetOpenOrders(n int)
}

type StateResponse struct {
	State               state.State           `json:"state"`
	TradingAllowed      bool                  `json:"trading_allowed"`
	PositionLimitFactor float64               `json:"position_limit_factor"`
	DrawdownPct         float64               `json:"drawdown_pct"`
	Session             *recovery.SessionView `json:"session,omitempty"`
}

type TriggerRequest struct {
	Reason string `json:"reason" validate:"required,max=512"`
	Actor  string `json:"actor" validate:"max=128"`
}

type RecoverRequest struct {
	Reason       string `json:"reason" validate:"required,max=512"`
	ApprovalCode string `json:"approval_code" validate:"required,max=256"`
	Actor        string `json:"actor" validate:"max=128"`
}

type OrderCheckRequest struct {
	TokenID    string  `json:"token_id" validate:"required"`
	AmountUSDC float64 `json:"amount_usdc" validate:"gt=0"`
}

type OrderCheckResponse struct {
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason,omitempty"`
}

// FillRequest reports an executed order so the gate can track exposure.
type FillRequest struct {
	TokenID    string  `json:"token_id" validate:"required"`
	Side       string  `json:"side" validate:"oneof=buy sell"`
	AmountUSDC float64 `json:"amount_usdc" validate:"gt=0"`
}

type FillResponse struct {
	TokenID      string  `json:"token_id"`
	PositionUSDC float64 `json:"position_usdc"`
}

type OpenOrdersRequest struct {
	Count int `json:"count" validate:"gte=0"`
}

type OpenOrdersResponse struct {
	OpenOrders int `json:"open_orders"`
}

type EquityRequest struct {
	EquityUSDC float64 `json:"equity_usdc" validate:"gte=0"`
}

type EquityResponse struct {
	DrawdownPct float64 `json:"drawdown_pct"`
}

// ErrorResponse is the body of every non-2xx reply.
type ErrorResponse struct {
	Error   string         `json:"error"`
	Message string         `json:"message"`
	Health  *health.Result `json:"health,omitempty"`
}

// Server is the local HTTP surface for operators and the trading engine.
type Server struct {
	httpServer *http.Server
	svc        Service
	logger     *zap.Logger
	validate   *validator.Validate
	startedAt  time.Time
}

// NewServer creates a server bound to addr. reg backs /metrics and may be nil.
func NewServer(addr string, svc Service, reg *prometheus.Registry, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		svc:       svc,
		logger:    logger,
		validate:  validator.New(),
		startedAt: time.Now(),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/live", s.handleLive)
	mux.HandleFunc("GET /api/state", s.handleState)
	mux.HandleFunc("POST /api/trigger", s.handleTrigger)
	mux.HandleFunc("POST /api/recover", s.handleRecover)
	mux.HandleFunc("GET /api/health", s.handleHealth)
	mux.HandleFunc("GET /api/audit", s.handleAudit)
	mux.HandleFunc("POST /api/orders/check", s.handleOrderCheck)
	mux.HandleFunc("POST /api/orders/fill", s.handleFill)
	mux.HandleFunc("POST /api/orders/open", s.handleOpenOrders)
	mux.HandleFunc("POST /api/equity", s.handleEquity)
	if reg != nil {
		mux.Handle("GET /metrics", metrics.Handler(reg))
	}

	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler { return s.httpServer.Handler }

// Start begins serving HTTP requests.
func (s *Server) Start(_ context.Context) error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return err
	}
	s.logger.Info("api server listening", zap.String("addr", ln.Addr().String()))
	go func() {
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("api server stopped", zap.Error(err))
		}
	}()
	return nil
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("api: encode response", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, code, msg string) {
	s.writeJSON(w, status, ErrorResponse{Error: code, Message: msg})
}

// decode reads a bounded JSON body into v and validates it.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		s.writeError(w, http.StatusBadRequest, CodeInvalidRequest, fmt.Sprintf("decode body: %v", err))
		return false
	}
	if err := s.validate.Struct(v); err != nil {
		s.writeError(w, http.StatusBadRequest, CodeInvalidRequest, err.Error())
		return false
	}
	return true
}

// GET /api/live: process liveness, independent of the switch state.
func (s *Server) handleLive(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{
		"ok":       true,
		"uptime_s": time.Since(s.startedAt).Seconds(),
	})
}

func (s *Server) handleState(w http.ResponseWriter, _ *http.Request) {
	resp := StateResponse{
		State:               s.svc.State(),
		TradingAllowed:      s.svc.TradingAllowed(),
		PositionLimitFactor: s.svc.PositionLimitFactor(),
		DrawdownPct:         s.svc.DrawdownPct(),
	}
	if v, ok := s.svc.Session(); ok {
		resp.Session = &v
	}
	s.writeJSON(w, http.StatusOK, resp)
}

// POST /api/trigger. An already killed or disabled switch answers 200 with
// applied=false.
func (s *Server) handleTrigger(w http.ResponseWriter, r *http.Request) {
	var req TriggerRequest
	if !s.decode(w, r, &req) {
		return
	}
	res, err := s.svc.Trigger(r.Context(), req.Reason, req.Actor)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	s.logger.Info("api: manual trigger",
		zap.Bool("applied", res.Applied),
		zap.String("state", string(res.State)),
		zap.String("actor", req.Actor),
	)
	s.writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleRecover(w http.ResponseWriter, r *http.Request) {
	var req RecoverRequest
	if !s.decode(w, r, &req) {
		return
	}
	view, err := s.svc.RequestRecovery(r.Context(), req.Reason, req.ApprovalCode, req.Actor)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, view)
}

// GET /api/health answers 503 with the full result when any check fails.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	res := s.svc.Health(r.Context())
	status := http.StatusOK
	if !res.Passed {
		status = http.StatusServiceUnavailable
	}
	s.writeJSON(w, status, res)
}

// GET /api/audit streams matching records as NDJSON. Query parameters:
// since, until (RFC 3339), triggered_by, new_state, actor.
func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	since, err := parseTime(q.Get("since"))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, CodeInvalidRequest, "since: "+err.Error())
		return
	}
	until, err := parseTime(q.Get("until"))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, CodeInvalidRequest, "until: "+err.Error())
		return
	}
	filter := ledger.Filter{
		TriggeredBy: state.TriggeredBy(q.Get("triggered_by")),
		Actor:       q.Get("actor"),
	}
	if v := q.Get("new_state"); v != "" {
		st, err := state.ParseState(v)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, CodeInvalidRequest, err.Error())
			return
		}
		filter.NewState = st
	}

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.WriteHeader(http.StatusOK)
	rc := http.NewResponseController(w)
	enc := json.NewEncoder(w)
	n := 0
	for rec, err := range s.svc.Audit(since, until, filter) {
		if r.Context().Err() != nil {
			return
		}
		var line any = rec
		if err != nil {
			s.logger.Warn("api: audit stream error", zap.Error(err))
			line = ErrorResponse{Error: CodeCorruptRecord, Message: err.Error()}
		}
		if err := enc.Encode(line); err != nil {
			return
		}
		if n++; n%100 == 0 {
			_ = rc.Flush()
		}
	}
	_ = rc.Flush()
}

func (s *Server) handleOrderCheck(w http.ResponseWriter, r *http.Request) {
	var req OrderCheckRequest
	if !s.decode(w, r, &req) {
		return
	}
	if err := s.svc.CheckOrder(req.TokenID, req.AmountUSDC); err != nil {
		s.writeJSON(w, http.StatusOK, OrderCheckResponse{Allowed: false, Reason: err.Error()})
		return
	}
	s.writeJSON(w, http.StatusOK, OrderCheckResponse{Allowed: true})
}

// POST /api/orders/fill: buys add to the market's exposure, sells reduce it.
func (s *Server) handleFill(w http.ResponseWriter, r *http.Request) {
	var req FillRequest
	if !s.decode(w, r, &req) {
		return
	}
	amount := req.AmountUSDC
	if req.Side == "sell" {
		amount = -amount
	}
	pos := s.svc.RecordFill(req.TokenID, amount)
	s.writeJSON(w, http.StatusOK, FillResponse{TokenID: req.TokenID, PositionUSDC: pos})
}

func (s *Server) handleOpenOrders(w http.ResponseWriter, r *http.Request) {
	var req OpenOrdersRequest
	if !s.decode(w, r, &req) {
		return
	}
	s.svc.SetOpenOrders(req.Count)
	s.writeJSON(w, http.StatusOK, OpenOrdersResponse{OpenOrders: req.Count})
}

// POST /api/equity feeds the drawdown trigger.
func (s *Server) handleEquity(w http.ResponseWriter, r *http.Request) {
	var req EquityRequest
	if !s.decode(w, r, &req) {
		return
	}
	if math.IsNaN(req.EquityUSDC) || math.IsInf(req.EquityUSDC, 0) {
		s.writeError(w, http.StatusBadRequest, CodeInvalidRequest, "equity_usdc must be finite")
		return
	}
	s.svc.RecordEquity(req.EquityUSDC)
	s.writeJSON(w, http.StatusOK, EquityResponse{DrawdownPct: s.svc.DrawdownPct()})
}

func (s *Server) writeServiceError(w http.ResponseWriter, err error) {
	var denied *recovery.DeniedError
	var invalid *state.InvalidTransitionError
	var audit *state.AuditWriteError
	switch {
	case errors.As(err, &denied):
		s.writeJSON(w, deniedStatus(denied.Reason), ErrorResponse{
			Error:   string(denied.Reason),
			Message: denied.Detail,
			Health:  denied.Health,
		})
	case errors.As(err, &invalid):
		s.writeError(w, http.StatusConflict, CodeInvalidTransition, invalid.Error())
	case errors.As(err, &audit):
		s.logger.Error("api: audit write failed", zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, CodeAuditWriteFailed, audit.Error())
	default:
		s.logger.Error("api: request failed", zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, CodeInternal, err.Error())
	}
}

func deniedStatus(r recovery.Reason) int {
	switch r {
	case recovery.ReasonNotKilled:
		return http.StatusConflict
	case recovery.ReasonRateLimited:
		return http.StatusTooManyRequests
	case recovery.ReasonInvalidApproval:
		return http.StatusForbidden
	case recovery.ReasonHealthFailed:
		return http.StatusPreconditionFailed
	default:
		return http.StatusServiceUnavailable
	}
}

func parseTime(v string) (time.Time, error) {
	if v == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return time.Time{}, err
	}
	return t.UTC(), nil
}

// drain discards the rest of a body so keep-alive connections can be reused.
func drain(rc io.ReadCloser) {
	_, _ = io.Copy(io.Discard, io.LimitReader(rc, maxBodyBytes))
	_ = rc.Close()
}
