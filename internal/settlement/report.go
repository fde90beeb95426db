// Package settlement orchestrates the periodic earnings settlement run:
// discover eligible accounts, reconcile each portfolio, submit and confirm
// accrual requests on chain, and record every outcome durably so that no
// account is credited twice or silently dropped.
package settlement

import (
	"sync"
	"time"

	"EmpireSync/internal/persistence"
)

// Op is one entry of a run's operation log.
type Op struct {
	At      time.Time `json:"at"`
	Address string    `json:"address,omitempty"`
	Stage   string    `json:"stage"`
	Detail  string    `json:"detail"`
}

// Report aggregates one run's counters and a bounded, ordered operation
// log. Workers append concurrently; once the log is full the earliest
// entries are kept and later ones only bump DroppedOps.
type Report struct {
	RunID       string `json:"run_id"`
	Period      string `json:"period"`
	Trigger     string `json:"trigger"`
	TotalFound  int    `json:"total_found"`
	Processed   int    `json:"processed"`
	Succeeded   int    `json:"succeeded"`
	Failed      int    `json:"failed"`
	Skipped     int    `json:"skipped"`
	ManualFix   int    `json:"manual_fix"`
	Discrepant  int    `json:"discrepancies"`
	RetryRounds int    `json:"retry_rounds"`

	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`

	Ops        []Op `json:"ops"`
	DroppedOps int  `json:"dropped_ops"`

	mu      sync.Mutex
	opLimit int
}

func newReport(run *persistence.SettlementRun, opLimit int) *Report {
	return &Report{
		RunID:     run.ID,
		Period:    run.Period,
		Trigger:   run.Trigger,
		StartedAt: run.StartedAt,
		opLimit:   opLimit,
	}
}

func (r *Report) record(address, stage, detail string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.Ops) >= r.opLimit {
		r.DroppedOps++
		return
	}
	r.Ops = append(r.Ops, Op{At: time.Now().UTC(), Address: address, Stage: stage, Detail: detail})
}

type accountOutcome int

const (
	outcomeSuccess accountOutcome = iota
	outcomeFailed
	outcomeSkipped
	outcomeUnclaimed
)

func (o accountOutcome) String() string {
	switch o {
	case outcomeSuccess:
		return "success"
	case outcomeFailed:
		return "failed"
	case outcomeSkipped:
		return "skipped"
	case outcomeUnclaimed:
		return "unclaimed"
	default:
		return "unknown"
	}
}

func (r *Report) tally(o accountOutcome, discrepant bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if discrepant {
		r.Discrepant++
	}
	switch o {
	case outcomeSuccess:
		r.Processed++
		r.Succeeded++
	case outcomeFailed:
		r.Processed++
		r.Failed++
	case outcomeSkipped:
		r.Processed++
		r.Skipped++
	case outcomeUnclaimed:
		// Row already owned elsewhere or resolved; nothing to count.
	}
}

// retried moves accounts flipped FAILED -> RETRIED out of the failed
// column so the final report reflects terminal outcomes only.
func (r *Report) retried(n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Failed -= n
	r.Processed -= n
}

func (r *Report) setRetryRounds(n int) {
	r.mu.Lock()
	r.RetryRounds = n
	r.mu.Unlock()
}

func (r *Report) setTotalFound(n int) {
	r.mu.Lock()
	r.TotalFound = n
	r.mu.Unlock()
}

// promoted moves rows flipped FAILED -> MANUAL_FIX_NEEDED out of the
// failed column. Counters are per-process progress; a resumed run may
// promote rows some earlier process counted, so Failed clamps at zero.
func (r *Report) promoted(n int) {
	r.mu.Lock()
	r.ManualFix += n
	r.Failed -= n
	if r.Failed < 0 {
		r.Failed = 0
	}
	r.mu.Unlock()
}

func (r *Report) finish(at time.Time) {
	r.mu.Lock()
	r.FinishedAt = at
	r.mu.Unlock()
}

func (r *Report) counters() persistence.RunCounters {
	r.mu.Lock()
	defer r.mu.Unlock()
	return persistence.RunCounters{
		TotalFound:  r.TotalFound,
		Processed:   r.Processed,
		Failed:      r.Failed,
		Skipped:     r.Skipped,
		ManualFix:   r.ManualFix,
		RetryRounds: r.RetryRounds,
	}
}

// Snapshot returns a copy safe to serve while the run is still executing.
func (r *Report) Snapshot() Report {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := Report{
		RunID:       r.RunID,
		Period:      r.Period,
		Trigger:     r.Trigger,
		TotalFound:  r.TotalFound,
		Processed:   r.Processed,
		Succeeded:   r.Succeeded,
		Failed:      r.Failed,
		Skipped:     r.Skipped,
		ManualFix:   r.ManualFix,
		Discrepant:  r.Discrepant,
		RetryRounds: r.RetryRounds,
		StartedAt:   r.StartedAt,
		FinishedAt:  r.FinishedAt,
		DroppedOps:  r.DroppedOps,
		Ops:         make([]Op, len(r.Ops)),
	}
	copy(cp.Ops, r.Ops)
	return cp
}
