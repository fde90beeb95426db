package settlement

import (
	"context"
	"errors"
	"fmt"

	"EmpireSync/internal/persistence"
)

// ResumeActive finds runs a crash or shutdown left non-terminal and drives
// each to completion. Rows stuck PROCESSING return to PENDING first; when
// one of them had already staged a submission, the normal pre-submit
// verification absorbs whatever landed instead of crediting it twice.
//
// A period locked by another instance is skipped, not an error.
func (p *Processor) ResumeActive(ctx context.Context) error {
	runs, err := p.store.ActiveRuns(ctx)
	if err != nil {
		return fmt.Errorf("list active runs: %w", err)
	}
	if len(runs) == 0 {
		return nil
	}
	p.log.Warn().Int("runs", len(runs)).Msg("resuming interrupted settlement runs")

	for i := range runs {
		run := runs[i]
		if err := p.resumeRun(ctx, &run); err != nil {
			if errors.Is(err, ErrPeriodLocked) {
				p.log.Info().Str("run_id", run.ID).Str("period", run.Period).
					Msg("period locked by another instance, leaving run to its owner")
				continue
			}
			if ctx.Err() != nil {
				return err
			}
			p.log.Error().Err(err).Str("run_id", run.ID).Str("period", run.Period).
				Msg("resume failed")
		}
	}
	return nil
}

func (p *Processor) resumeRun(ctx context.Context, run *persistence.SettlementRun) error {
	release, err := p.locks.Acquire(ctx, run.Period)
	if err != nil {
		return err
	}
	defer release()

	reset, err := p.store.ResetProcessing(ctx, run.Period)
	if err != nil {
		return fmt.Errorf("reset in-flight rows: %w", err)
	}
	if reset > 0 {
		p.log.Warn().Str("run_id", run.ID).Str("period", run.Period).
			Int64("rows", reset).Msg("returned interrupted rows to pending")
	}

	_, err = p.execute(ctx, run, nil, false)
	return err
}
