// Package server exposes the admin HTTP API: manual run triggers, run
// reports and status rows, manual resolution, on-demand reconciliation,
// and the health and metrics endpoints. There is no auth layer; the
// listener is expected to sit on an operator-only network.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"EmpireSync/internal/observability"
	"EmpireSync/internal/oracle"
	"EmpireSync/internal/persistence"
	"EmpireSync/internal/portfolio"
	"EmpireSync/internal/query"
	"EmpireSync/internal/settlement"
)

// Deps carries everything the handlers touch. All fields are required.
type Deps struct {
	Store      *persistence.Store
	Processor  *settlement.Processor
	Queries    *query.Service
	Reconciler *portfolio.Reconciler
	Oracle     *oracle.Oracle
	Health     *observability.HealthChecker
	Metrics    *observability.Metrics
	Log        zerolog.Logger
}

// Server is the admin HTTP listener.
type Server struct {
	httpServer *http.Server
	deps       Deps
	runCtx     context.Context
	log        zerolog.Logger
}

// New builds the server and its routes; Start actually listens. runCtx
// parents the background runs handlers trigger, so process shutdown
// aborts them between batches like any scheduled run.
func New(runCtx context.Context, addr string, deps Deps) *Server {
	s := &Server{
		deps:   deps,
		runCtx: runCtx,
		log:    deps.Log.With().Str("component", "server").Logger(),
	}
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.routes(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

func (s *Server) routes() http.Handler {
	r := mux.NewRouter()

	r.HandleFunc("/healthz", s.deps.Health.LivenessHandler).Methods(http.MethodGet)
	r.HandleFunc("/readyz", s.deps.Health.ReadinessHandler).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	api := r.PathPrefix("/api/v1").Subrouter()
	api.Use(s.withMetrics)
	api.HandleFunc("/settlement/runs", s.handleTriggerRun).Methods(http.MethodPost)
	api.HandleFunc("/settlement/runs/{period}", s.handleRunOverview).Methods(http.MethodGet)
	api.HandleFunc("/settlement/runs/{period}", s.handlePurgeRun).Methods(http.MethodDelete)
	api.HandleFunc("/settlement/runs/{period}/report", s.handleRunReport).Methods(http.MethodGet)
	api.HandleFunc("/settlement/runs/{period}/accounts", s.handleRunAccounts).Methods(http.MethodGet)
	api.HandleFunc("/settlement/runs/{period}/accounts/{address}/resolve", s.handleResolve).Methods(http.MethodPost)
	api.HandleFunc("/settlement/review", s.handleReviewQueue).Methods(http.MethodGet)
	api.HandleFunc("/accounts/{address}", s.handleAccountDetail).Methods(http.MethodGet)
	api.HandleFunc("/accounts/{address}/reconcile", s.handleReconcile).Methods(http.MethodPost)
	api.HandleFunc("/oracle/price", s.handleOraclePrice).Methods(http.MethodGet)

	return r
}

// withMetrics records one observation per API request, labeled by the mux
// route template so path parameters do not explode the label cardinality.
func (s *Server) withMetrics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.deps.Metrics == nil {
			next.ServeHTTP(w, r)
			return
		}
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		endpoint := r.URL.Path
		if route := mux.CurrentRoute(r); route != nil {
			if tpl, err := route.GetPathTemplate(); err == nil {
				endpoint = tpl
			}
		}
		s.deps.Metrics.APIRequests.WithLabelValues(endpoint, strconv.Itoa(rec.status)).Inc()
		s.deps.Metrics.APIDuration.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())
	})
}

// statusRecorder captures the status code written by a handler.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// Start begins serving in a background goroutine and returns immediately.
func (s *Server) Start() {
	go func() {
		s.log.Info().Str("addr", s.httpServer.Addr).Msg("admin API listening")
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error().Err(err).Msg("admin API listener failed")
		}
	}()
}

// Shutdown drains in-flight requests until ctx expires.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// ============================================================
// Settlement runs
// ============================================================

type triggerRunRequest struct {
	Period    string `json:"period"`
	BatchSize int    `json:"batch_size"`
}

// handleTriggerRun starts a manual settlement run in the background. The
// 202 means accepted, not settled; poll the run endpoints for the outcome.
// An empty period settles today (UTC).
func (s *Server) handleTriggerRun(w http.ResponseWriter, r *http.Request) {
	var req triggerRunRequest
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "malformed JSON body")
		return
	}
	if req.Period == "" {
		req.Period = time.Now().UTC().Format("2006-01-02")
	}
	if _, err := time.Parse("2006-01-02", req.Period); err != nil {
		writeError(w, http.StatusBadRequest, "period must be a YYYY-MM-DD date")
		return
	}

	// Pre-flight read to answer the common conflict with a 409. The run
	// lock still arbitrates any race this read cannot see; the goroutine
	// below just logs that outcome instead of reporting it.
	if run, err := s.deps.Store.RunByPeriod(r.Context(), req.Period); err == nil && !run.Terminal() {
		writeError(w, http.StatusConflict, "a run for this period is already active")
		return
	}

	period, size := req.Period, req.BatchSize
	go func() {
		_, err := s.deps.Processor.RunWithBatchSize(s.runCtx, period, persistence.TriggerManual, size)
		switch {
		case err == nil:
		case errors.Is(err, settlement.ErrPeriodLocked), errors.Is(err, persistence.ErrRunActive):
			s.log.Info().Str("period", period).Msg("manual run lost the race to another trigger")
		case s.runCtx.Err() != nil:
			// Shutdown mid-run; recovery picks the run up on next start.
		default:
			s.log.Error().Err(err).Str("period", period).Msg("manual run failed")
		}
	}()

	writeJSON(w, http.StatusAccepted, map[string]string{
		"period": period,
		"status": "accepted",
	})
}

func (s *Server) handleRunOverview(w http.ResponseWriter, r *http.Request) {
	period := mux.Vars(r)["period"]
	overview, err := s.deps.Queries.RunOverview(r.Context(), period)
	if err != nil {
		s.replyQueryError(w, err, "no run for this period")
		return
	}
	writeJSON(w, http.StatusOK, overview)
}

func (s *Server) handleRunReport(w http.ResponseWriter, r *http.Request) {
	period := mux.Vars(r)["period"]
	report, err := s.deps.Queries.RunReport(r.Context(), period)
	if err != nil {
		s.replyQueryError(w, err, "no run for this period")
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// handleRunAccounts lists the period's per-account rows; ?status= narrows
// to one status. An unknown status value matches nothing rather than
// erroring, same as any other empty result.
func (s *Server) handleRunAccounts(w http.ResponseWriter, r *http.Request) {
	period := mux.Vars(r)["period"]
	rows, err := s.deps.Queries.Statuses(r.Context(), period, r.URL.Query().Get("status"))
	if err != nil {
		s.replyQueryError(w, err, "no run for this period")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"period":   period,
		"count":    len(rows),
		"accounts": rows,
	})
}

type resolveRequest struct {
	Note       string `json:"note"`
	ResolvedBy string `json:"resolved_by"`
}

// handleResolve marks one address's row for the period manually resolved.
// Resolving twice is a no-op beyond updating the note; the resolved flag
// is never cleared by later settlement retries.
func (s *Server) handleResolve(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	period, address := vars["period"], vars["address"]

	var req resolveRequest
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed JSON body")
		return
	}
	if req.ResolvedBy == "" {
		writeError(w, http.StatusBadRequest, "resolved_by is required")
		return
	}

	err := s.deps.Store.MarkManuallyResolved(r.Context(), address, period, req.Note, req.ResolvedBy)
	if errors.Is(err, persistence.ErrNotFound) {
		writeError(w, http.StatusNotFound, "no settlement row for this address and period")
		return
	}
	if err != nil {
		s.log.Error().Err(err).
			Str("address", address).
			Str("period", period).
			Msg("manual resolution failed")
		writeError(w, http.StatusInternalServerError, "resolution failed")
		return
	}

	row, err := s.deps.Queries.AccountStatus(r.Context(), address, period)
	if err != nil {
		s.replyQueryError(w, err, "no settlement row for this address and period")
		return
	}
	writeJSON(w, http.StatusOK, row)
}

// handlePurgeRun deletes a period's run and its status rows. Active runs
// cannot be purged out from under the processor.
func (s *Server) handlePurgeRun(w http.ResponseWriter, r *http.Request) {
	period := mux.Vars(r)["period"]
	if _, err := time.Parse("2006-01-02", period); err != nil {
		writeError(w, http.StatusBadRequest, "period must be a YYYY-MM-DD date")
		return
	}

	run, err := s.deps.Store.RunByPeriod(r.Context(), period)
	if errors.Is(err, persistence.ErrNotFound) {
		writeError(w, http.StatusNotFound, "no run for this period")
		return
	}
	if err == nil && !run.Terminal() {
		writeError(w, http.StatusConflict, "run is still active")
		return
	}

	if err := s.deps.Store.PurgeRun(r.Context(), period); err != nil {
		if errors.Is(err, persistence.ErrNotFound) {
			writeError(w, http.StatusNotFound, "no run for this period")
			return
		}
		s.log.Error().Err(err).Str("period", period).Msg("purge failed")
		writeError(w, http.StatusInternalServerError, "purge failed")
		return
	}
	s.log.Info().Str("period", period).Msg("run purged")
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleReviewQueue(w http.ResponseWriter, r *http.Request) {
	rows, err := s.deps.Queries.ReviewQueue(r.Context())
	if err != nil {
		s.replyQueryError(w, err, "")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"count":    len(rows),
		"accounts": rows,
	})
}

// ============================================================
// Accounts
// ============================================================

func (s *Server) handleAccountDetail(w http.ResponseWriter, r *http.Request) {
	address := mux.Vars(r)["address"]
	detail, err := s.deps.Queries.AccountDetail(r.Context(), address)
	if err != nil {
		s.replyQueryError(w, err, "address not in replica")
		return
	}
	writeJSON(w, http.StatusOK, detail)
}

type reconcileResponse struct {
	Address         string `json:"address"`
	BusinessCount   int    `json:"business_count"`
	ActiveCount     int    `json:"active_count"`
	Inserted        int    `json:"inserted"`
	Updated         int    `json:"updated"`
	Reactivated     int    `json:"reactivated"`
	Deactivated     int    `json:"deactivated"`
	CalculatedTotal int64  `json:"calculated_total_micros"`
	ChainTotal      int64  `json:"chain_total_micros"`
	Discrepancy     bool   `json:"discrepancy"`
	DiscrepancyGap  int64  `json:"discrepancy_gap_micros"`
	Wrote           bool   `json:"wrote"`
}

// handleReconcile converges one account's replica rows to chain state
// right now, outside any settlement run.
func (s *Server) handleReconcile(w http.ResponseWriter, r *http.Request) {
	address := mux.Vars(r)["address"]
	report, err := s.deps.Reconciler.Reconcile(r.Context(), address)
	if errors.Is(err, portfolio.ErrAccountMissing) {
		writeError(w, http.StatusNotFound, "account not on chain")
		return
	}
	if err != nil {
		s.log.Error().Err(err).Str("address", address).Msg("on-demand reconcile failed")
		writeError(w, http.StatusBadGateway, "reconcile failed")
		return
	}
	writeJSON(w, http.StatusOK, reconcileResponse{
		Address:         report.Address,
		BusinessCount:   report.BusinessCount,
		ActiveCount:     report.ActiveCount,
		Inserted:        report.Inserted,
		Updated:         report.Updated,
		Reactivated:     report.Reactivated,
		Deactivated:     report.Deactivated,
		CalculatedTotal: report.CalculatedTotal,
		ChainTotal:      report.ChainTotal,
		Discrepancy:     report.Discrepancy,
		DiscrepancyGap:  report.DiscrepancyGap,
		Wrote:           report.Wrote,
	})
}

// ============================================================
// Oracle
// ============================================================

func (s *Server) handleOraclePrice(w http.ResponseWriter, r *http.Request) {
	price, err := s.deps.Oracle.ReferencePrice(r.Context())
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "reference price unavailable")
		return
	}
	resp := map[string]interface{}{"price": price.String()}
	if fetchedAt, ok := s.deps.Oracle.LastUpdated(); ok {
		resp["fetched_at"] = fetchedAt.UTC()
		resp["age_seconds"] = int64(time.Since(fetchedAt).Seconds())
	}
	writeJSON(w, http.StatusOK, resp)
}

// ============================================================
// Response helpers
// ============================================================

// replyQueryError maps persistence.ErrNotFound to a 404 with notFoundMsg
// and everything else to a logged 500.
func (s *Server) replyQueryError(w http.ResponseWriter, err error, notFoundMsg string) {
	if errors.Is(err, persistence.ErrNotFound) {
		if notFoundMsg == "" {
			notFoundMsg = "not found"
		}
		writeError(w, http.StatusNotFound, notFoundMsg)
		return
	}
	s.log.Error().Err(err).Msg("query failed")
	writeError(w, http.StatusInternalServerError, "query failed")
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	// The status line is already out; an encode failure here means the
	// client hung up, and there is nobody left to tell.
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
