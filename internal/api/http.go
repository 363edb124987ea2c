package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"
)

import (
	"github.com/gorilla/mux"
)

import (
	"github.com/nanjiek/pixiu-ioadm/internal/config"
	"github.com/nanjiek/pixiu-ioadm/internal/configurator"
	"github.com/nanjiek/pixiu-ioadm/internal/core"
	"github.com/nanjiek/pixiu-ioadm/internal/identity"
	"github.com/nanjiek/pixiu-ioadm/internal/metrics"
	"github.com/nanjiek/pixiu-ioadm/internal/types"
)

type Server struct {
	cfg      config.ServerCfg
	engine   *core.Engine
	conf     *configurator.Configurator
	mem      *metrics.Memory
	resolver *identity.Resolver
	log      *slog.Logger

	metricsPath    string
	metricsHandler http.Handler

	srv *http.Server
}

// NewServer wires the admin endpoints. mem may be nil.
func NewServer(cfg config.ServerCfg, engine *core.Engine, conf *configurator.Configurator, mem *metrics.Memory) *Server {
	return &Server{
		cfg:      cfg,
		engine:   engine,
		conf:     conf,
		mem:      mem,
		resolver: identity.NewResolver(),
		log:      slog.Default(),
	}
}

// HandleMetrics exposes h (usually promhttp) at path.
func (s *Server) HandleMetrics(path string, h http.Handler) {
	if path == "" {
		path = "/metrics"
	}
	s.metricsPath, s.metricsHandler = path, h
}

func (s *Server) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/healthz", s.healthHandler).Methods(http.MethodGet)
	r.HandleFunc("/v1/config", s.getConfigHandler).Methods(http.MethodGet)
	r.HandleFunc("/v1/config", s.putConfigHandler).Methods(http.MethodPut)
	r.HandleFunc("/v1/config/history", s.configHistoryHandler).Methods(http.MethodGet)
	r.HandleFunc("/v1/stats", s.statsHandler).Methods(http.MethodGet)
	r.HandleFunc("/v1/acquire", s.acquireHandler).Methods(http.MethodPost)
	r.HandleFunc("/v1/refund", s.refundHandler).Methods(http.MethodPost)
	if s.metricsHandler != nil {
		r.Handle(s.metricsPath, s.metricsHandler).Methods(http.MethodGet)
	}
}

func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	s.RegisterRoutes(r)
	return r
}

func (s *Server) ListenAndServe() error {
	s.srv = &http.Server{
		Addr:              s.cfg.HTTPAddr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s.srv.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}

// ---------------- Handlers ----------------

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if s.engine.Stats().Closed {
		errResp(w, http.StatusServiceUnavailable, "limiter closed", nil)
		return
	}
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func (s *Server) getConfigHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(s.conf.Current().Cfg())
}

func (s *Server) putConfigHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	var req config.LimiterCfg
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		errResp(w, http.StatusBadRequest, "invalid request body: "+err.Error(), nil)
		return
	}

	conf, err := s.conf.Update(r.Context(), req)
	switch {
	case err == nil:
		_ = json.NewEncoder(w).Encode(ConfigResponse{Version: conf.Version, Distributed: true})
	case errors.Is(err, configurator.ErrNotDistributed):
		_ = json.NewEncoder(w).Encode(ConfigResponse{Version: conf.Version, Warning: err.Error()})
	default:
		s.writeError(w, err, types.Normal)
	}
}

func (s *Server) configHistoryHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	var limit int64
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n < 0 {
			errResp(w, http.StatusBadRequest, "invalid limit: "+v, &ErrorDetail{Field: "limit"})
			return
		}
		limit = n
	}
	cfgs, err := s.conf.History(r.Context(), limit)
	switch {
	case errors.Is(err, configurator.ErrNoStore):
		errResp(w, http.StatusNotFound, err.Error(), nil)
		return
	case err != nil:
		s.writeError(w, err, types.Normal)
		return
	}
	_ = json.NewEncoder(w).Encode(ConfigHistoryResponse{Configs: cfgs})
}

func (s *Server) statsHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	resp := StatsResponse{Engine: s.engine.Stats()}
	if s.mem != nil {
		snap := s.mem.Snapshot()
		resp.Metrics = &snap
	}
	_ = json.NewEncoder(w).Encode(resp)
}

func (s *Server) acquireHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	var req AcquireRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		errResp(w, http.StatusBadRequest, "invalid request body: "+err.Error(), nil)
		return
	}
	caller, err := s.resolver.Resolve(r)
	if err != nil {
		errResp(w, http.StatusBadRequest, err.Error(), nil)
		return
	}
	class := caller.Class
	if req.Class != "" {
		if class, err = types.ParseClass(req.Class); err != nil {
			errResp(w, http.StatusBadRequest, err.Error(), &ErrorDetail{Field: "class"})
			return
		}
	}

	var g types.Grant
	if req.NoWait {
		g, err = s.engine.TryAcquire(class, req.Amount)
	} else {
		ctx := r.Context()
		if req.WaitMs > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, time.Duration(req.WaitMs)*time.Millisecond)
			defer cancel()
		}
		g, err = s.engine.Acquire(ctx, class, req.Amount)
	}
	if err != nil {
		s.log.Debug("acquire failed", "caller", caller.Key(), "class", class.String(), "amount", req.Amount, "err", err)
		s.writeError(w, err, class)
		return
	}

	_ = json.NewEncoder(w).Encode(AcquireResponse{
		Granted:  true,
		Class:    g.Class.String(),
		Amount:   g.Amount,
		WaitedMs: time.Duration(g.Waited).Milliseconds(),
		Borrowed: g.Borrowed,
	})
}

func (s *Server) refundHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	var req RefundRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		errResp(w, http.StatusBadRequest, "invalid request body: "+err.Error(), nil)
		return
	}
	class, err := types.ParseClass(req.Class)
	if err != nil {
		errResp(w, http.StatusBadRequest, err.Error(), &ErrorDetail{Field: "class"})
		return
	}
	if req.Amount < 0 {
		errResp(w, http.StatusBadRequest, "amount must not be negative", &ErrorDetail{Field: "amount"})
		return
	}
	accepted := s.engine.Refund(class, req.Amount)
	_ = json.NewEncoder(w).Encode(RefundResponse{Class: class.String(), Accepted: accepted})
}

// writeError maps limiter errors onto HTTP status codes.
func (s *Server) writeError(w http.ResponseWriter, err error, class types.Class) {
	var verr *types.ValidationError
	var oor *types.OutOfRangeError
	switch {
	case errors.As(err, &verr):
		errResp(w, http.StatusBadRequest, err.Error(), &ErrorDetail{Reason: "invalid", Field: verr.Field})
	case errors.As(err, &oor):
		errResp(w, http.StatusRequestEntityTooLarge, err.Error(), &ErrorDetail{Reason: metrics.ReasonOutOfRange, Class: oor.Class.String()})
	case errors.Is(err, types.ErrRejected):
		w.Header().Set("Retry-After", "1")
		errResp(w, http.StatusTooManyRequests, err.Error(), &ErrorDetail{Reason: metrics.ReasonRejected, Class: class.String()})
	case errors.Is(err, types.ErrStarved):
		errResp(w, http.StatusTooManyRequests, err.Error(), &ErrorDetail{Reason: metrics.ReasonStarved, Class: class.String()})
	case errors.Is(err, types.ErrTimeout):
		errResp(w, http.StatusRequestTimeout, err.Error(), &ErrorDetail{Reason: metrics.ReasonTimeout, Class: class.String()})
	case errors.Is(err, types.ErrCancelled):
		errResp(w, http.StatusRequestTimeout, err.Error(), &ErrorDetail{Reason: metrics.ReasonCancelled, Class: class.String()})
	case errors.Is(err, types.ErrClosed):
		errResp(w, http.StatusServiceUnavailable, err.Error(), &ErrorDetail{Reason: metrics.ReasonClosed})
	default:
		s.log.Error("admin request failed", "err", err)
		errResp(w, http.StatusInternalServerError, err.Error(), nil)
	}
}

func errResp(w http.ResponseWriter, status int, msg string, detail *ErrorDetail) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(ErrorResponse{Code: status, Message: msg, Detail: detail})
}
