package portfolio

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"EmpireSync/internal/chain"
	"EmpireSync/internal/observability"
	"EmpireSync/internal/persistence"
)

// ErrAccountMissing marks an address the chain no longer knows.
var ErrAccountMissing = errors.New("portfolio: account not on chain")

// Error wraps a reconciliation failure with the address and the stage that
// failed. Unwrap exposes the cause, so chain.IsTransient still classifies
// through it.
type Error struct {
	Address string
	Stage   string
	Err     error
}

func (e *Error) Error() string {
	return fmt.Sprintf("reconcile %s: %s: %v", e.Address, e.Stage, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Report is the outcome of reconciling one account. A discrepancy between
// the chain's own invested total and the per-slot sum is reported here,
// never corrected: both numbers come from the chain, so the replica has no
// standing to decide which one is right.
type Report struct {
	Address         string
	BusinessCount   int
	ActiveCount     int
	Inserted        int
	Updated         int
	Reactivated     int
	Deactivated     int
	CalculatedTotal int64
	ChainTotal      int64
	Discrepancy     bool
	DiscrepancyGap  int64
	Wrote           bool

	// Chain state the settlement path needs; saves a second round of reads.
	Account    *chain.AccountSnapshot
	Businesses []chain.BusinessSnapshot
}

// Store is the slice of persistence the reconciler needs.
type Store interface {
	GetAccount(ctx context.Context, address string) (*persistence.Account, error)
	BusinessesByAddress(ctx context.Context, address string) ([]persistence.Business, error)
	ApplyReconciliation(ctx context.Context, address string, upserts []persistence.Business, deactivateSlots []int32, calculatedTotal int64) error
}

// Reconciler converges one account's replica rows to chain state.
type Reconciler struct {
	chain   chain.Client
	store   Store
	log     zerolog.Logger
	metrics *observability.Metrics
}

func NewReconciler(chainClient chain.Client, store Store, log zerolog.Logger, metrics *observability.Metrics) *Reconciler {
	return &Reconciler{
		chain:   chainClient,
		store:   store,
		log:     log.With().Str("component", "reconciler").Logger(),
		metrics: metrics,
	}
}

// Reconcile loads both sides, applies the diff in one transaction, and
// reports what changed. Failure leaves every replica row as it was.
func (r *Reconciler) Reconcile(ctx context.Context, address string) (*Report, error) {
	acct, err := r.chain.AccountState(ctx, address)
	if err != nil {
		r.observe("error")
		return nil, &Error{Address: address, Stage: "account state", Err: err}
	}
	if acct == nil {
		r.observe("missing")
		return nil, &Error{Address: address, Stage: "account state", Err: ErrAccountMissing}
	}

	remote, err := r.chain.Businesses(ctx, address)
	if err != nil {
		r.observe("error")
		return nil, &Error{Address: address, Stage: "business snapshot", Err: err}
	}

	local, err := r.store.BusinessesByAddress(ctx, address)
	if err != nil {
		r.observe("error")
		return nil, &Error{Address: address, Stage: "load replica", Err: err}
	}

	diff := BuildDiff(local, remote)
	if diff.DuplicateSlots > 0 {
		r.log.Warn().Str("address", address).Int("duplicates", diff.DuplicateSlots).
			Msg("chain snapshot repeated slot indexes, kept last occurrence")
	}

	report := &Report{
		Address:         address,
		Inserted:        diff.Inserted,
		Updated:         diff.Updated,
		Reactivated:     diff.Reactivated,
		Deactivated:     diff.Deactivated,
		CalculatedTotal: diff.CalculatedTotal,
		ChainTotal:      acct.TotalInvested,
		Account:         acct,
		Businesses:      remote,
	}
	for _, b := range remote {
		report.BusinessCount++
		if b.Active {
			report.ActiveCount++
		}
	}

	if r.needsWrite(ctx, address, &diff) {
		if err := r.store.ApplyReconciliation(ctx, address, diff.Upserts, diff.DeactivateSlots, diff.CalculatedTotal); err != nil {
			r.observe("error")
			return nil, &Error{Address: address, Stage: "apply", Err: err}
		}
		report.Wrote = true
	}

	if acct.TotalInvested != diff.CalculatedTotal {
		report.Discrepancy = true
		report.DiscrepancyGap = acct.TotalInvested - diff.CalculatedTotal
		r.log.Warn().
			Str("address", address).
			Int64("chain_total", acct.TotalInvested).
			Int64("calculated_total", diff.CalculatedTotal).
			Int64("gap", report.DiscrepancyGap).
			Msg("invested total disagrees with per-slot sum")
		if r.metrics != nil {
			r.metrics.DiscrepanciesDetected.Inc()
			r.metrics.DiscrepancyMicros.Set(float64(abs64(report.DiscrepancyGap)))
		}
	}

	r.logReport(report)
	r.observe("ok")
	return report, nil
}

// needsWrite is true when the diff touches any row, or when the stored
// aggregate no longer matches the recomputed one.
func (r *Reconciler) needsWrite(ctx context.Context, address string, diff *Diff) bool {
	if diff.Changed() {
		return true
	}
	acct, err := r.store.GetAccount(ctx, address)
	if errors.Is(err, persistence.ErrNotFound) {
		return true
	}
	if err != nil {
		// Let the apply path surface the store problem.
		return true
	}
	return acct.CalculatedTotalInvested != diff.CalculatedTotal
}

func (r *Reconciler) logReport(report *Report) {
	evt := r.log.Debug()
	if report.Wrote {
		evt = r.log.Info()
	}
	evt.Str("address", report.Address).
		Int("inserted", report.Inserted).
		Int("updated", report.Updated).
		Int("reactivated", report.Reactivated).
		Int("deactivated", report.Deactivated).
		Int64("calculated_total", report.CalculatedTotal).
		Bool("wrote", report.Wrote).
		Msg("reconciled portfolio")

	if r.metrics == nil {
		return
	}
	r.metrics.ReconcileRowsChanged.WithLabelValues("insert").Add(float64(report.Inserted))
	r.metrics.ReconcileRowsChanged.WithLabelValues("update").Add(float64(report.Updated + report.Reactivated))
	r.metrics.ReconcileRowsChanged.WithLabelValues("deactivate").Add(float64(report.Deactivated))
}

func (r *Reconciler) observe(outcome string) {
	if r.metrics != nil {
		r.metrics.ReconcileRuns.WithLabelValues(outcome).Inc()
	}
}

func abs64(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}
