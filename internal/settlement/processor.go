package settlement

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/alitto/pond/v2"
	"github.com/rs/zerolog"

	"EmpireSync/internal/chain"
	"EmpireSync/internal/observability"
	"EmpireSync/internal/persistence"
	"EmpireSync/internal/portfolio"
)

// errAborted stops batch processing between batches; in-flight accounts
// always finish their submit/confirm before the abort completes.
var errAborted = errors.New("settlement: run aborted between batches")

// Config tunes a settlement run. Zero fields take defaults.
type Config struct {
	// BatchSize partitions the work list; batches run sequentially.
	BatchSize int
	// WorkerCount bounds in-flight accounts within a batch, independent of
	// batch size; it is the chain RPC concurrency cap.
	WorkerCount int
	// MaxRetryRounds bounds extra rounds for failed accounts before they
	// flip to MANUAL_FIX_NEEDED.
	MaxRetryRounds int
	// ConfirmTimeout bounds one request's confirmation wait.
	ConfirmTimeout time.Duration
	// RunTimeout bounds the whole run; exceeding it fails the run with the
	// remaining rows left PENDING for a later resumption run.
	RunTimeout time.Duration
	// LockTTL must outlive RunTimeout so the cross-process lock cannot
	// lapse under a live run.
	LockTTL time.Duration
	// OpLogLimit bounds the report's operation log.
	OpLogLimit int
	// MaxAccrualWindow caps per-business elapsed time, so an account dormant
	// for months does not accrue an unbounded backlog in one settlement.
	MaxAccrualWindow time.Duration
}

func DefaultConfig() Config {
	return Config{
		BatchSize:        100,
		WorkerCount:      10,
		MaxRetryRounds:   3,
		ConfirmTimeout:   90 * time.Second,
		RunTimeout:       2 * time.Hour,
		LockTTL:          2*time.Hour + 10*time.Minute,
		OpLogLimit:       200,
		MaxAccrualWindow: 7 * 24 * time.Hour,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.BatchSize == 0 {
		c.BatchSize = d.BatchSize
	}
	if c.WorkerCount == 0 {
		c.WorkerCount = d.WorkerCount
	}
	if c.MaxRetryRounds == 0 {
		c.MaxRetryRounds = d.MaxRetryRounds
	}
	if c.ConfirmTimeout == 0 {
		c.ConfirmTimeout = d.ConfirmTimeout
	}
	if c.RunTimeout == 0 {
		c.RunTimeout = d.RunTimeout
	}
	if c.LockTTL == 0 {
		c.LockTTL = c.RunTimeout + 10*time.Minute
	}
	if c.OpLogLimit == 0 {
		c.OpLogLimit = d.OpLogLimit
	}
	if c.MaxAccrualWindow == 0 {
		c.MaxAccrualWindow = d.MaxAccrualWindow
	}
	return c
}

func (c Config) validate() error {
	if c.BatchSize < 1 {
		return fmt.Errorf("settlement config: batch size %d must be positive", c.BatchSize)
	}
	if c.WorkerCount < 1 {
		return fmt.Errorf("settlement config: worker count %d must be positive", c.WorkerCount)
	}
	if c.MaxRetryRounds < 0 {
		return fmt.Errorf("settlement config: retry rounds %d must not be negative", c.MaxRetryRounds)
	}
	if c.ConfirmTimeout <= 0 || c.RunTimeout <= 0 || c.MaxAccrualWindow <= 0 {
		return errors.New("settlement config: timeouts must be positive")
	}
	if c.LockTTL < c.RunTimeout {
		return fmt.Errorf("settlement config: lock TTL %s shorter than run timeout %s", c.LockTTL, c.RunTimeout)
	}
	return nil
}

// Store is the run-ledger surface the processor drives.
type Store interface {
	EligibleAddresses(ctx context.Context) ([]string, error)

	CreateRun(ctx context.Context, period, trigger string, batchSize int) (*persistence.SettlementRun, error)
	SetRunStatus(ctx context.Context, runID, status string) error
	UpdateRunCounters(ctx context.Context, runID string, c persistence.RunCounters) error
	FinalizeRun(ctx context.Context, runID, status string, c persistence.RunCounters, errorMessage string) error
	ActiveRuns(ctx context.Context) ([]persistence.SettlementRun, error)

	SeedPending(ctx context.Context, runID, period string, addresses []string) error
	PendingAddresses(ctx context.Context, period string) ([]string, error)
	ClaimProcessing(ctx context.Context, runID, period, address string) (bool, error)
	AccountStatusRow(ctx context.Context, address, period string) (*persistence.AccountStatus, error)
	StageAccrualSubmit(ctx context.Context, runID, period, address string, chainEarnedBefore, expectedEarnings int64) error
	RecordOutcome(ctx context.Context, p persistence.OutcomeParams) error
	RecordFailure(ctx context.Context, p persistence.FailureParams) error
	FlipFailedToRetried(ctx context.Context, runID, period string) ([]string, error)
	PromoteExhaustedToManualFix(ctx context.Context, runID, period string) ([]string, error)
	ResetProcessing(ctx context.Context, period string) (int64, error)
	StatusCounts(ctx context.Context, period string) (map[string]int, error)

	ApplySettlement(ctx context.Context, address string, pendingEarnings, totalEarned int64, settledAt time.Time) error
}

// Reconciler converges one account's replica before its settlement.
type Reconciler interface {
	Reconcile(ctx context.Context, address string) (*portfolio.Report, error)
}

// Notifier receives outcomes fire-and-forget; implementations must never
// block the caller.
type Notifier interface {
	NotifyAccrual(address string, amount, totalPending int64)
	NotifyAnomaly(address string, discrepancy int64)
	NotifyRunSummary(period string, succeeded, failed, skipped, manualFix int)
}

// Processor runs one settlement period end to end.
type Processor struct {
	cfg        Config
	store      Store
	reconciler Reconciler
	chain      chain.Client
	notifier   Notifier
	locks      *PeriodLocker
	pool       pond.Pool
	log        zerolog.Logger
	metrics    *observability.Metrics

	mu      sync.Mutex
	current *Report
}

func New(cfg Config, store Store, reconciler Reconciler, chainClient chain.Client, notifier Notifier, locks *PeriodLocker, log zerolog.Logger, metrics *observability.Metrics) (*Processor, error) {
	cfg = cfg.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &Processor{
		cfg:        cfg,
		store:      store,
		reconciler: reconciler,
		chain:      chainClient,
		notifier:   notifier,
		locks:      locks,
		pool:       pond.NewPool(cfg.WorkerCount, pond.WithQueueSize(cfg.BatchSize)),
		log:        log.With().Str("component", "settlement").Logger(),
		metrics:    metrics,
	}, nil
}

// Config returns the effective (defaulted) configuration.
func (p *Processor) Config() Config { return p.cfg }

// Close drains the worker pool. Call after the last run has returned.
func (p *Processor) Close() {
	p.pool.StopAndWait()
}

// CurrentReport returns a snapshot of the most recent run's report, which
// may still be accumulating.
func (p *Processor) CurrentReport() *Report {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.current == nil {
		return nil
	}
	snap := p.current.Snapshot()
	return &snap
}

func (p *Processor) setCurrent(r *Report) {
	p.mu.Lock()
	p.current = r
	p.mu.Unlock()
}

// Run settles one period. Per-account failures are outcomes, not errors;
// the returned error is reserved for run-level faults: a period already
// running, infrastructure failure, timeout, or shutdown.
func (p *Processor) Run(ctx context.Context, period, trigger string) (*Report, error) {
	return p.RunWithBatchSize(ctx, period, trigger, 0)
}

// RunWithBatchSize overrides the batch size for this run only; zero falls
// back to the configured default. The size is stored on the run row, so a
// resumed run keeps the size it was created with.
func (p *Processor) RunWithBatchSize(ctx context.Context, period, trigger string, batchSize int) (*Report, error) {
	if _, err := time.Parse("2006-01-02", period); err != nil {
		return nil, fmt.Errorf("settlement: period %q is not a YYYY-MM-DD date", period)
	}
	if batchSize <= 0 {
		batchSize = p.cfg.BatchSize
	}

	release, err := p.locks.Acquire(ctx, period)
	if err != nil {
		return nil, err
	}
	defer release()

	run, err := p.store.CreateRun(ctx, period, trigger, batchSize)
	if err != nil {
		return nil, err
	}

	discovered, err := p.store.EligibleAddresses(ctx)
	if err != nil {
		report := newReport(run, p.cfg.OpLogLimit)
		p.setCurrent(report)
		return report, p.failRun(ctx, run, report, fmt.Errorf("discover eligible accounts: %w", err))
	}
	return p.execute(ctx, run, discovered, true)
}

// execute drives a created (or resumed) run to a terminal state. For a
// fresh run, discovered seeds the period's status rows; on resume the
// existing rows define the work list.
func (p *Processor) execute(ctx context.Context, run *persistence.SettlementRun, discovered []string, fresh bool) (*Report, error) {
	report := newReport(run, p.cfg.OpLogLimit)
	p.setCurrent(report)

	start := time.Now()
	if p.metrics != nil {
		p.metrics.RunsStarted.WithLabelValues(run.Trigger).Inc()
		p.metrics.ActiveRun.Set(1)
		defer p.metrics.ActiveRun.Set(0)
	}
	p.log.Info().Str("run_id", run.ID).Str("period", run.Period).
		Str("trigger", run.Trigger).Msg("settlement run starting")

	runCtx, cancel := context.WithTimeout(ctx, p.cfg.RunTimeout)
	defer cancel()

	if fresh {
		report.setTotalFound(len(discovered))
		report.record("", "discover", fmt.Sprintf("%d eligible accounts", len(discovered)))
		if err := p.store.SeedPending(runCtx, run.ID, run.Period, discovered); err != nil {
			return report, p.failRun(ctx, run, report, fmt.Errorf("seed status rows: %w", err))
		}
	}

	if err := p.store.SetRunStatus(runCtx, run.ID, persistence.RunInProgress); err != nil {
		return report, p.failRun(ctx, run, report, fmt.Errorf("mark run in progress: %w", err))
	}

	work, err := p.store.PendingAddresses(runCtx, run.Period)
	if err != nil {
		return report, p.failRun(ctx, run, report, fmt.Errorf("load pending addresses: %w", err))
	}
	if !fresh {
		report.setTotalFound(len(work))
		report.record("", "resume", fmt.Sprintf("%d unfinished accounts", len(work)))
	}

	if err := p.runRounds(ctx, runCtx, run, report, work); err != nil {
		return report, err
	}

	// Terminal bookkeeping must survive a canceled or timed-out context.
	fctx := context.WithoutCancel(ctx)

	promoted, err := p.store.PromoteExhaustedToManualFix(fctx, run.ID, run.Period)
	if err != nil {
		return report, p.failRun(ctx, run, report, fmt.Errorf("promote exhausted accounts: %w", err))
	}
	report.promoted(len(promoted))
	for _, addr := range promoted {
		report.record(addr, "manual_fix", "retry budget exhausted")
	}

	counts, err := p.store.StatusCounts(fctx, run.Period)
	if err == nil && p.metrics != nil {
		p.metrics.ManualFixPending.Set(float64(counts[persistence.StatusManualFix]))
	}

	report.finish(time.Now().UTC())
	if err := p.store.FinalizeRun(fctx, run.ID, persistence.RunCompleted, report.counters(), ""); err != nil {
		p.log.Error().Err(err).Str("run_id", run.ID).Msg("finalize completed run")
	}
	snap := report.Snapshot()
	if p.metrics != nil {
		p.metrics.RunsFinished.WithLabelValues("completed").Inc()
		p.metrics.RunDuration.Observe(time.Since(start).Seconds())
		p.metrics.RunRetryRounds.Observe(float64(snap.RetryRounds))
	}
	p.log.Info().Str("run_id", run.ID).Str("period", run.Period).
		Int("total_found", snap.TotalFound).
		Int("succeeded", snap.Succeeded).
		Int("failed", snap.Failed).
		Int("skipped", snap.Skipped).
		Int("manual_fix", snap.ManualFix).
		Int("discrepancies", snap.Discrepant).
		Int("retry_rounds", snap.RetryRounds).
		Dur("elapsed", time.Since(start)).
		Msg("settlement run completed")
	p.notifier.NotifyRunSummary(run.Period, snap.Succeeded, snap.Failed, snap.Skipped, snap.ManualFix)
	return report, nil
}

// runRounds processes the work list, then keeps flipping FAILED rows into
// extra rounds until either nothing fails or the retry budget is spent.
func (p *Processor) runRounds(ctx, runCtx context.Context, run *persistence.SettlementRun, report *Report, work []string) error {
	round := 0
	for {
		if len(work) > 0 {
			if err := p.processBatches(runCtx, run, report, work); err != nil {
				if !errors.Is(err, errAborted) {
					return p.failRun(ctx, run, report, err)
				}
				if ctx.Err() != nil {
					// Shutdown: leave the run non-terminal; startup recovery
					// resumes it.
					report.record("", "abort", "shutdown requested, run left resumable")
					p.log.Warn().Str("run_id", run.ID).Msg("settlement run interrupted by shutdown")
					return err
				}
				return p.failRun(ctx, run, report, fmt.Errorf("run timed out after %s", p.cfg.RunTimeout))
			}
		}

		counts, err := p.store.StatusCounts(runCtx, run.Period)
		if err != nil {
			return p.failRun(ctx, run, report, fmt.Errorf("status counts: %w", err))
		}
		if counts[persistence.StatusFailed] == 0 || round >= p.cfg.MaxRetryRounds {
			return nil
		}

		round++
		report.setRetryRounds(round)
		if err := p.store.SetRunStatus(runCtx, run.ID, persistence.RunRetrying); err != nil {
			return p.failRun(ctx, run, report, fmt.Errorf("mark run retrying: %w", err))
		}
		work, err = p.store.FlipFailedToRetried(runCtx, run.ID, run.Period)
		if err != nil {
			return p.failRun(ctx, run, report, fmt.Errorf("flip failed rows: %w", err))
		}
		report.retried(len(work))
		report.record("", "retry", fmt.Sprintf("round %d: %d accounts", round, len(work)))
		p.log.Info().Str("run_id", run.ID).Int("round", round).
			Int("accounts", len(work)).Msg("starting retry round")
		if err := p.store.SetRunStatus(runCtx, run.ID, persistence.RunInProgress); err != nil {
			return p.failRun(ctx, run, report, fmt.Errorf("mark run in progress: %w", err))
		}
	}
}

// processBatches walks the work list batch by batch. The abort check sits
// between batches only: a batch that has started always finishes.
func (p *Processor) processBatches(ctx context.Context, run *persistence.SettlementRun, report *Report, work []string) error {
	size := run.BatchSize
	if size <= 0 {
		size = p.cfg.BatchSize
	}
	for start := 0; start < len(work); start += size {
		if ctx.Err() != nil {
			return errAborted
		}
		end := start + size
		if end > len(work) {
			end = len(work)
		}
		batch := work[start:end]

		batchStart := time.Now()
		if err := p.processBatch(ctx, run, report, batch); err != nil {
			return err
		}
		if p.metrics != nil {
			p.metrics.BatchSize.Observe(float64(len(batch)))
			p.metrics.BatchDuration.Observe(time.Since(batchStart).Seconds())
		}
		if err := p.store.UpdateRunCounters(context.WithoutCancel(ctx), run.ID, report.counters()); err != nil {
			p.log.Warn().Err(err).Str("run_id", run.ID).Msg("refresh run counters")
		}
	}
	return nil
}

func (p *Processor) processBatch(ctx context.Context, run *persistence.SettlementRun, report *Report, batch []string) error {
	group := p.pool.NewGroupContext(ctx)
	groupCtx := group.Context()

	var mu sync.Mutex
	var infraErr error

	for _, addr := range batch {
		addr := addr
		group.Submit(func() {
			if groupCtx.Err() != nil {
				return
			}
			if err := p.processAccount(groupCtx, run, report, addr); err != nil {
				mu.Lock()
				if infraErr == nil {
					infraErr = err
				}
				mu.Unlock()
			}
		})
	}

	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, pond.ErrGroupStopped) {
		return fmt.Errorf("batch worker group: %w", err)
	}
	return infraErr
}

// failRun marks the run FAILED with its error summary. A run must never be
// left non-terminal on an infrastructure fault.
func (p *Processor) failRun(ctx context.Context, run *persistence.SettlementRun, report *Report, cause error) error {
	report.record("", "fail", cause.Error())
	report.finish(time.Now().UTC())

	fctx := context.WithoutCancel(ctx)
	if err := p.store.FinalizeRun(fctx, run.ID, persistence.RunFailed, report.counters(), cause.Error()); err != nil {
		p.log.Error().Err(err).Str("run_id", run.ID).Msg("finalize failed run")
	}
	if p.metrics != nil {
		p.metrics.RunsFinished.WithLabelValues("failed").Inc()
	}
	p.log.Error().Err(cause).Str("run_id", run.ID).Str("period", run.Period).
		Msg("settlement run failed")
	return cause
}
