package settlement

import (
	"context"
	"fmt"
	"time"

	"EmpireSync/internal/chain"
	"EmpireSync/internal/money"
	"EmpireSync/internal/persistence"
	"EmpireSync/internal/portfolio"
)

// processAccount claims one status row and drives it to an outcome. The
// returned error is reserved for infrastructure faults (the run ledger
// itself failing); chain and reconciliation failures become FAILED rows
// and a later retry round's problem.
func (p *Processor) processAccount(ctx context.Context, run *persistence.SettlementRun, report *Report, address string) error {
	start := time.Now()

	claimed, err := p.store.ClaimProcessing(ctx, run.ID, run.Period, address)
	if err != nil {
		return fmt.Errorf("claim %s: %w", address, err)
	}
	if !claimed {
		// Already settled, manually resolved, or owned by another worker.
		report.tally(outcomeUnclaimed, false)
		return nil
	}

	outcome, err := p.settleAccount(ctx, run, report, address)
	if err != nil {
		return err
	}
	if p.metrics != nil {
		p.metrics.AccountsProcessed.WithLabelValues(outcome.String()).Inc()
		p.metrics.AccountDuration.Observe(time.Since(start).Seconds())
	}
	return nil
}

func (p *Processor) settleAccount(ctx context.Context, run *persistence.SettlementRun, report *Report, address string) (accountOutcome, error) {
	now := time.Now().UTC()

	rep, rerr := p.reconciler.Reconcile(ctx, address)
	if rerr != nil {
		detail := "sync_error: " + rerr.Error()
		report.record(address, "reconcile", rerr.Error())
		report.tally(outcomeFailed, false)
		return outcomeFailed, p.recordFailure(ctx, run, address, nil, detail, chain.IsTransient(rerr))
	}

	// A ledger/replica mismatch is reported and carried on the row, never a
	// reason to withhold the settlement itself.
	if rep.Discrepancy {
		report.record(address, "reconcile", fmt.Sprintf("invested mismatch: replica %s vs chain %s",
			money.FormatTokens(rep.CalculatedTotal), money.FormatTokens(rep.ChainTotal)))
		p.notifier.NotifyAnomaly(address, rep.DiscrepancyGap)
	}

	if rep.ActiveCount == 0 {
		if err := p.store.RecordOutcome(ctx, persistence.OutcomeParams{
			RunID:             run.ID,
			Period:            run.Period,
			Address:           address,
			Status:            persistence.StatusSkipped,
			BusinessCount:     rep.BusinessCount,
			ActiveBusinesses:  0,
			DiscrepancyMicros: rep.DiscrepancyGap,
		}); err != nil {
			return outcomeSkipped, fmt.Errorf("record skip for %s: %w", address, err)
		}
		report.record(address, "skip", "no active businesses")
		report.tally(outcomeSkipped, rep.Discrepancy)
		return outcomeSkipped, nil
	}

	// Before submitting anything, check whether an earlier attempt staged a
	// submission that did land. total_earned on chain is monotonic, so
	// growth by at least the staged amount proves it; absorbing the result
	// here instead of resubmitting is what keeps retries single-credit.
	st, err := p.store.AccountStatusRow(ctx, address, run.Period)
	if err != nil {
		return outcomeFailed, fmt.Errorf("load status row for %s: %w", address, err)
	}
	if st.ExpectedEarnings > 0 && rep.Account.TotalEarned >= money.AddClamped(st.ChainEarnedBefore, st.ExpectedEarnings) {
		actual := rep.Account.TotalEarned - st.ChainEarnedBefore
		report.record(address, "verify", fmt.Sprintf("prior submission landed, absorbing %s without resubmitting",
			money.FormatTokens(actual)))
		return p.applyAndRecord(ctx, run, report, rep, applyParams{
			address:      address,
			expected:     st.ExpectedEarnings,
			actual:       actual,
			earnedBefore: st.ChainEarnedBefore,
			pending:      rep.Account.PendingEarnings,
			totalEarned:  rep.Account.TotalEarned,
			requestID:    st.RequestID,
			settledAt:    now,
		})
	}

	expected := expectedAccrual(rep.Businesses, p.cfg.MaxAccrualWindow, now)
	if expected <= 0 {
		// Freshly claimed or zero-rate portfolio: the period settles
		// vacuously with nothing to put on chain.
		if err := p.store.RecordOutcome(ctx, persistence.OutcomeParams{
			RunID:             run.ID,
			Period:            run.Period,
			Address:           address,
			Status:            persistence.StatusSuccess,
			BusinessCount:     rep.BusinessCount,
			ActiveBusinesses:  rep.ActiveCount,
			DiscrepancyMicros: rep.DiscrepancyGap,
		}); err != nil {
			return outcomeSuccess, fmt.Errorf("record zero accrual for %s: %w", address, err)
		}
		report.record(address, "accrue", "nothing accrued since last claim")
		report.tally(outcomeSuccess, rep.Discrepancy)
		return outcomeSuccess, nil
	}

	// From here to the recorded outcome the submission may be on the wire,
	// so a shutdown must not cut the wait short. Cancellation applies
	// between batches, not mid-flight.
	sctx := context.WithoutCancel(ctx)

	earnedBefore := rep.Account.TotalEarned
	if err := p.store.StageAccrualSubmit(sctx, run.ID, run.Period, address, earnedBefore, expected); err != nil {
		return outcomeFailed, fmt.Errorf("stage submission for %s: %w", address, err)
	}

	handle, err := p.chain.SubmitAccrual(sctx, address, expected)
	if err != nil {
		report.record(address, "submit", err.Error())
		report.tally(outcomeFailed, rep.Discrepancy)
		return outcomeFailed, p.recordFailure(sctx, run, address, rep, "submit: "+err.Error(), chain.IsTransient(err))
	}

	result, err := p.chain.Confirm(sctx, handle, p.cfg.ConfirmTimeout)
	if err != nil {
		report.record(address, "confirm", err.Error())
		report.tally(outcomeFailed, rep.Discrepancy)
		return outcomeFailed, p.recordFailure(sctx, run, address, rep, "confirm: "+err.Error(), true)
	}
	switch result.Status {
	case chain.Confirmed:
	case chain.TimedOut:
		if p.metrics != nil {
			p.metrics.ChainConfirmTimeout.Inc()
		}
		report.record(address, "confirm", "timed out, next attempt re-verifies before resubmitting")
		report.tally(outcomeFailed, rep.Discrepancy)
		return outcomeFailed, p.recordFailure(sctx, run, address, rep, "confirm timed out", true)
	default:
		reason := result.Reason
		if reason == "" {
			reason = result.Status.String()
		}
		report.record(address, "confirm", "rejected: "+reason)
		report.tally(outcomeFailed, rep.Discrepancy)
		return outcomeFailed, p.recordFailure(sctx, run, address, rep, "rejected: "+reason, false)
	}

	// Read back the authoritative post-settlement state; the replica takes
	// the ledger's numbers, not our arithmetic.
	fresh, err := p.chain.AccountState(sctx, address)
	if err != nil || fresh == nil {
		detail := "read-back failed after confirm"
		if err != nil {
			detail += ": " + err.Error()
		}
		report.record(address, "readback", detail)
		report.tally(outcomeFailed, rep.Discrepancy)
		return outcomeFailed, p.recordFailure(sctx, run, address, rep, detail, true)
	}

	actual := fresh.TotalEarned - earnedBefore
	report.record(address, "settle", fmt.Sprintf("applied %s at height %d",
		money.FormatTokens(actual), result.Height))
	return p.applyAndRecord(sctx, run, report, rep, applyParams{
		address:      address,
		expected:     expected,
		actual:       actual,
		earnedBefore: earnedBefore,
		pending:      fresh.PendingEarnings,
		totalEarned:  fresh.TotalEarned,
		requestID:    handle.ID,
		settledAt:    now,
	})
}

type applyParams struct {
	address      string
	expected     int64
	actual       int64
	earnedBefore int64
	pending      int64
	totalEarned  int64
	requestID    string
	settledAt    time.Time
}

// applyAndRecord writes the settled chain state back to the replica and
// closes the row as SUCCESS. Both writes are replica-side; if either fails
// the row stays PROCESSING and recovery re-verifies against the ledger.
func (p *Processor) applyAndRecord(ctx context.Context, run *persistence.SettlementRun, report *Report, rep *portfolio.Report, ap applyParams) (accountOutcome, error) {
	if err := p.store.ApplySettlement(ctx, ap.address, ap.pending, ap.totalEarned, ap.settledAt); err != nil {
		return outcomeFailed, fmt.Errorf("apply settlement for %s: %w", ap.address, err)
	}
	if err := p.store.RecordOutcome(ctx, persistence.OutcomeParams{
		RunID:             run.ID,
		Period:            run.Period,
		Address:           ap.address,
		Status:            persistence.StatusSuccess,
		BusinessCount:     rep.BusinessCount,
		ActiveBusinesses:  rep.ActiveCount,
		ExpectedEarnings:  ap.expected,
		ActualEarnings:    ap.actual,
		ChainEarnedBefore: ap.earnedBefore,
		DiscrepancyMicros: rep.DiscrepancyGap,
		RequestID:         ap.requestID,
	}); err != nil {
		return outcomeFailed, fmt.Errorf("record success for %s: %w", ap.address, err)
	}
	if p.metrics != nil {
		p.metrics.EarningsApplied.Add(float64(ap.actual))
	}
	p.notifier.NotifyAccrual(ap.address, ap.actual, ap.pending)
	report.tally(outcomeSuccess, rep.Discrepancy)
	return outcomeSuccess, nil
}

// recordFailure closes the claimed row as FAILED. chainError marks faults
// a retry round may clear (timeouts, transient RPC errors) as opposed to
// deterministic rejections. The store write leaves the staged verification
// values alone, so a landed-but-unconfirmed submission stays detectable.
func (p *Processor) recordFailure(ctx context.Context, run *persistence.SettlementRun, address string, rep *portfolio.Report, detail string, chainError bool) error {
	params := persistence.FailureParams{
		RunID:       run.ID,
		Period:      run.Period,
		Address:     address,
		ErrorDetail: detail,
		ChainError:  chainError,
	}
	if rep != nil {
		params.BusinessCount = rep.BusinessCount
		params.ActiveBusinesses = rep.ActiveCount
		params.DiscrepancyMicros = rep.DiscrepancyGap
	}
	if err := p.store.RecordFailure(ctx, params); err != nil {
		return fmt.Errorf("record failure for %s: %w", address, err)
	}
	return nil
}

// expectedAccrual sums each active business's earnings since its last
// claim. A business that has never claimed accrues from its creation; the
// window cap keeps long-dormant accounts from materializing months of
// backlog in a single run.
func expectedAccrual(businesses []chain.BusinessSnapshot, window time.Duration, now time.Time) int64 {
	var total int64
	for _, b := range businesses {
		if !b.Active || b.TotalInvested <= 0 || b.RateBps <= 0 {
			continue
		}
		since := b.LastClaimAt
		if since.IsZero() {
			since = b.CreatedAt
		}
		elapsed := window
		if !since.IsZero() {
			elapsed = now.Sub(since)
		}
		if elapsed <= 0 {
			continue
		}
		if elapsed > window {
			elapsed = window
		}
		total = money.AddClamped(total, money.Accrual(b.TotalInvested, b.RateBps, elapsed))
	}
	return total
}
