package settlement

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"EmpireSync/internal/persistence"
)

// DefaultCronSpec fires daily at 05:00 UTC, seconds field included.
const DefaultCronSpec = "0 0 5 * * *"

// Scheduler triggers a settlement run for the current UTC date on a cron
// spec. Overlap protection is layered: SkipIfStillRunning stops a slow run
// from stacking ticks in-process, and the period lock plus the run ledger's
// single-active-run index guard across processes.
type Scheduler struct {
	cron *cron.Cron
	proc *Processor
	log  zerolog.Logger
}

func NewScheduler(ctx context.Context, proc *Processor, spec string, log zerolog.Logger) (*Scheduler, error) {
	s := &Scheduler{
		proc: proc,
		log:  log.With().Str("component", "scheduler").Logger(),
	}
	if spec == "" {
		spec = DefaultCronSpec
	}

	clog := cronLogger{log: s.log}
	s.cron = cron.New(cron.WithSeconds(), cron.WithLocation(time.UTC), cron.WithChain(
		cron.Recover(clog),
		cron.SkipIfStillRunning(clog),
	))
	if _, err := s.cron.AddFunc(spec, func() { s.tick(ctx) }); err != nil {
		return nil, fmt.Errorf("cron spec %q: %w", spec, err)
	}
	return s, nil
}

func (s *Scheduler) tick(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	period := time.Now().UTC().Format("2006-01-02")
	s.log.Info().Str("period", period).Msg("scheduled settlement tick")

	report, err := s.proc.Run(ctx, period, persistence.TriggerScheduled)
	switch {
	case err == nil:
	case errors.Is(err, ErrPeriodLocked), errors.Is(err, persistence.ErrRunActive):
		s.log.Info().Str("period", period).Msg("period already owned, tick skipped")
	case ctx.Err() != nil:
		// Shutdown mid-run; recovery picks the run up on next start.
	default:
		s.log.Error().Err(err).Str("period", period).Msg("scheduled run failed")
		return
	}
	if report != nil && err == nil {
		s.log.Info().Str("period", period).Int("succeeded", report.Succeeded).
			Int("manual_fix", report.ManualFix).Msg("scheduled run finished")
	}
}

func (s *Scheduler) Start() {
	s.cron.Start()
	s.log.Info().Msg("scheduler started")
}

// Stop halts new ticks and waits for a tick already executing to return.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
	s.log.Info().Msg("scheduler stopped")
}

// Next reports when the following tick fires; zero when not started.
func (s *Scheduler) Next() time.Time {
	entries := s.cron.Entries()
	if len(entries) == 0 {
		return time.Time{}
	}
	return entries[0].Next
}

// cronLogger adapts zerolog to cron's logging interface.
type cronLogger struct {
	log zerolog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Debug().Fields(cronFields(keysAndValues)).Msg(msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Error().Err(err).Fields(cronFields(keysAndValues)).Msg(msg)
}

func cronFields(kv []interface{}) map[string]interface{} {
	if len(kv) == 0 {
		return nil
	}
	fields := make(map[string]interface{}, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		key, ok := kv[i].(string)
		if !ok {
			key = fmt.Sprint(kv[i])
		}
		fields[key] = kv[i+1]
	}
	return fields
}
