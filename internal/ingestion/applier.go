package ingestion

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"EmpireSync/internal/event"
	"EmpireSync/internal/observability"
	"EmpireSync/internal/persistence"
)

// DefaultSeenCapacity bounds the dedup LRU when config leaves it zero.
const DefaultSeenCapacity = 10_000

// Dedup rows outlive any consumer redelivery window by weeks, so pruning
// by age cannot let a replayed event through.
const (
	eventRetention = 30 * 24 * time.Hour
	pruneInterval  = 6 * time.Hour
)

// Store is the replica surface the applier writes through. The Tx methods
// run inside the transaction ApplyChainEvent opens, so claiming the event
// id and mutating the replica commit together.
type Store interface {
	SeenEvent(ctx context.Context, eventID string) (bool, error)
	LastAppliedHeight(ctx context.Context, address string) (uint64, error)
	ApplyChainEvent(ctx context.Context, eventID, eventType, address string, height uint64, apply func(*sql.Tx) error) (bool, error)
	EnsureAccountTx(tx *sql.Tx, address string, createdAt time.Time) error
	UpsertBusinessTx(tx *sql.Tx, b persistence.Business) error
	UpgradeBusinessTx(tx *sql.Tx, address string, slotIndex, newLevel int32, addedInvested int64, newRateBps int32) error
	AddInvestedTx(tx *sql.Tx, address string, delta int64) error
	ApplyClaimTx(tx *sql.Tx, address string, claimedAt time.Time) error
	PruneEvents(ctx context.Context, olderThan time.Duration) (int64, error)
}

// Applier drains raw chain events into the replica: parse, dedup, height
// guard, transactional apply. It settles every message it receives; a Nak
// is only for errors a redelivery might cure.
//
// One applier per process. The dedup cache and height cache are loop-local
// state, never shared.
type Applier struct {
	store   Store
	events  <-chan RawEvent
	seen    *seenCache
	heights map[string]uint64
	log     zerolog.Logger
	metrics *observability.Metrics

	reportedEvictions int64
}

func NewApplier(store Store, events <-chan RawEvent, seenCapacity int, log zerolog.Logger, metrics *observability.Metrics) *Applier {
	if seenCapacity <= 0 {
		seenCapacity = DefaultSeenCapacity
	}
	return &Applier{
		store:   store,
		events:  events,
		seen:    newSeenCache(seenCapacity),
		heights: make(map[string]uint64),
		log:     log.With().Str("component", "ingestion").Logger(),
		metrics: metrics,
	}
}

// Run consumes the channel until ctx is canceled or the channel closes.
func (a *Applier) Run(ctx context.Context) error {
	gauges := time.NewTicker(10 * time.Second)
	defer gauges.Stop()
	prune := time.NewTicker(pruneInterval)
	defer prune.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-gauges.C:
			a.reportGauges()
		case <-prune.C:
			a.pruneLedger(ctx)
		case raw, ok := <-a.events:
			if !ok {
				return nil
			}
			a.handle(ctx, raw)
		}
	}
}

func (a *Applier) pruneLedger(ctx context.Context) {
	n, err := a.store.PruneEvents(ctx, eventRetention)
	if err != nil {
		a.log.Warn().Err(err).Msg("dedup ledger prune failed")
		return
	}
	if n > 0 {
		a.log.Info().Int64("removed", n).Msg("pruned dedup ledger")
	}
}

func (a *Applier) handle(ctx context.Context, raw RawEvent) {
	evt, err := Parse(raw.Subject, raw.Data)
	if err != nil {
		if a.metrics != nil {
			a.metrics.EventsMalformed.Inc()
		}
		a.log.Warn().Err(err).Str("subject", raw.Subject).Msg("dropping undecodable event")
		raw.Ack()
		return
	}

	id := evt.EventID()
	eventType := evt.Type().String()
	addr := evt.AccountAddress()

	if a.seen.Contains(id) {
		a.markDuplicate(eventType, "lru")
		raw.Ack()
		return
	}
	dup, err := a.store.SeenEvent(ctx, id)
	if err != nil {
		// The transactional insert below settles it either way.
		a.log.Warn().Err(err).Str("event_id", id).Msg("dedup lookup failed")
	} else if dup {
		a.seen.Add(id)
		a.markDuplicate(eventType, "postgres")
		raw.Ack()
		return
	}

	last, cached := a.heights[addr]
	if !cached {
		h, err := a.store.LastAppliedHeight(ctx, addr)
		if err != nil {
			a.log.Warn().Err(err).Str("address", addr).Msg("height lookup failed, redelivering")
			raw.Nak()
			return
		}
		last = h
		a.heights[addr] = h
	}
	// Events within one block share a height; only strictly older ones
	// are stale. Anything skipped here is healed by reconciliation.
	if evt.Height() < last {
		if a.metrics != nil {
			a.metrics.EventsStale.WithLabelValues(eventType).Inc()
		}
		a.log.Debug().Str("event_id", id).Str("address", addr).
			Uint64("height", evt.Height()).Uint64("last_applied", last).
			Msg("stale event skipped")
		raw.Ack()
		return
	}

	start := time.Now()
	applied, err := a.store.ApplyChainEvent(ctx, id, eventType, addr, evt.Height(), func(tx *sql.Tx) error {
		return a.applyPayload(tx, evt)
	})
	if err != nil {
		a.log.Warn().Err(err).Str("event_id", id).Str("event_type", eventType).
			Msg("apply failed, redelivering")
		raw.Nak()
		return
	}

	a.seen.Add(id)
	if !applied {
		a.markDuplicate(eventType, "postgres")
		raw.Ack()
		return
	}

	if evt.Height() > last {
		a.heights[addr] = evt.Height()
	}
	if a.metrics != nil {
		a.metrics.EventsApplied.WithLabelValues(eventType).Inc()
		a.metrics.ApplyBatchDur.Observe(time.Since(start).Seconds())
	}
	raw.Ack()
}

func (a *Applier) applyPayload(tx *sql.Tx, evt event.Event) error {
	switch e := evt.(type) {
	case *event.AccountCreated:
		return a.store.EnsureAccountTx(tx, e.Address, e.CreatedAt)

	case *event.BusinessPurchased:
		if err := a.store.EnsureAccountTx(tx, e.Address, e.PurchasedAt); err != nil {
			return err
		}
		created := e.PurchasedAt
		if err := a.store.UpsertBusinessTx(tx, persistence.Business{
			Address:        e.Address,
			SlotIndex:      e.SlotIndex,
			Kind:           e.Kind,
			Level:          e.Level,
			BaseInvested:   e.Invested,
			TotalInvested:  e.Invested,
			RateBps:        e.RateBps,
			Active:         true,
			ChainCreatedAt: &created,
		}); err != nil {
			return err
		}
		return a.store.AddInvestedTx(tx, e.Address, e.Invested)

	case *event.BusinessUpgraded:
		if err := a.store.UpgradeBusinessTx(tx, e.Address, e.SlotIndex, e.NewLevel, e.AddedInvested, e.NewRateBps); err != nil {
			return err
		}
		return a.store.AddInvestedTx(tx, e.Address, e.AddedInvested)

	case *event.EarningsClaimed:
		return a.store.ApplyClaimTx(tx, e.Address, e.ClaimedAt)

	default:
		return fmt.Errorf("no apply path for %T", evt)
	}
}

func (a *Applier) markDuplicate(eventType, tier string) {
	if a.metrics != nil {
		a.metrics.EventsDuplicate.WithLabelValues(eventType, tier).Inc()
	}
}

func (a *Applier) reportGauges() {
	if a.metrics == nil {
		return
	}
	a.metrics.DedupLRUSize.Set(float64(a.seen.Size()))
	if delta := a.seen.Evictions() - a.reportedEvictions; delta > 0 {
		a.metrics.DedupLRUEvictions.Add(float64(delta))
		a.reportedEvictions = a.seen.Evictions()
	}
	a.metrics.SetChannelMetrics("ingest", len(a.events), cap(a.events))
}
