// Package notify delivers settlement outcomes to the player notification
// feed over NATS JetStream. Delivery is fire-and-forget end to end: a full
// queue drops, a publish error is logged and swallowed, and the settlement
// path never waits on any of it.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"

	"EmpireSync/internal/observability"
)

const (
	KindAccrual    = "accrual"
	KindAnomaly    = "anomaly"
	KindRunSummary = "run_summary"
)

// DefaultQueueSize bounds the outbound queue when config leaves it zero.
const DefaultQueueSize = 256

const drainTimeout = 5 * time.Second

// Notification is the outbound payload, published to empire.notify.<kind>.
type Notification struct {
	Kind              string                 `json:"kind"`
	Address           string                 `json:"address,omitempty"`
	Period            string                 `json:"period,omitempty"`
	Amount            int64                  `json:"amount_micros,omitempty"`
	TotalPending      int64                  `json:"total_pending_micros,omitempty"`
	DiscrepancyAmount int64                  `json:"discrepancy_micros,omitempty"`
	Body              map[string]interface{} `json:"body,omitempty"`
	CreatedAt         time.Time              `json:"created_at"`
}

// Notifier owns the buffered outbound queue. A nil JetStream context is a
// valid deployment (single-box dev): deliveries are logged at debug and
// dropped, and nothing ever errors.
type Notifier struct {
	js      jetstream.JetStream
	queue   chan Notification
	log     zerolog.Logger
	metrics *observability.Metrics

	published atomic.Int64
	dropped   atomic.Int64
}

func New(js jetstream.JetStream, queueSize int, log zerolog.Logger, metrics *observability.Metrics) *Notifier {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	return &Notifier{
		js:      js,
		queue:   make(chan Notification, queueSize),
		log:     log.With().Str("component", "notify").Logger(),
		metrics: metrics,
	}
}

// Enqueue hands off a notification without blocking. When the queue is
// full the notification is dropped and counted; the caller never waits.
func (n *Notifier) Enqueue(notification Notification) {
	if notification.CreatedAt.IsZero() {
		notification.CreatedAt = time.Now().UTC()
	}
	select {
	case n.queue <- notification:
	default:
		n.dropped.Add(1)
		if n.metrics != nil {
			n.metrics.NotificationsDropped.Inc()
		}
		n.log.Warn().Str("kind", notification.Kind).Str("address", notification.Address).
			Msg("notification queue full, dropping")
	}
}

func (n *Notifier) NotifyAccrual(address string, amount, totalPending int64) {
	n.Enqueue(Notification{
		Kind:         KindAccrual,
		Address:      address,
		Amount:       amount,
		TotalPending: totalPending,
	})
}

func (n *Notifier) NotifyAnomaly(address string, discrepancy int64) {
	n.Enqueue(Notification{
		Kind:              KindAnomaly,
		Address:           address,
		DiscrepancyAmount: discrepancy,
	})
}

func (n *Notifier) NotifyRunSummary(period string, succeeded, failed, skipped, manualFix int) {
	n.Enqueue(Notification{
		Kind:   KindRunSummary,
		Period: period,
		Body: map[string]interface{}{
			"succeeded":  succeeded,
			"failed":     failed,
			"skipped":    skipped,
			"manual_fix": manualFix,
		},
	})
}

// Published reports notifications handed to the transport (or debug-logged
// when no transport is configured).
func (n *Notifier) Published() int64 { return n.published.Load() }

// Dropped reports notifications discarded on a full queue.
func (n *Notifier) Dropped() int64 { return n.dropped.Load() }

// Run consumes the queue until ctx is canceled, then drains whatever is
// already queued under a bounded timeout, so a clean shutdown does not
// silently discard accepted notifications.
func (n *Notifier) Run(ctx context.Context) error {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			n.drain()
			return ctx.Err()
		case <-ticker.C:
			if n.metrics != nil {
				n.metrics.SetChannelMetrics("notify", len(n.queue), cap(n.queue))
			}
		case notification := <-n.queue:
			n.deliver(ctx, notification)
		}
	}
}

func (n *Notifier) drain() {
	drainCtx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()
	for {
		select {
		case notification := <-n.queue:
			n.deliver(drainCtx, notification)
			if drainCtx.Err() != nil {
				return
			}
		default:
			return
		}
	}
}

func (n *Notifier) deliver(ctx context.Context, notification Notification) {
	if err := n.publish(ctx, notification); err != nil {
		n.log.Warn().Err(err).Str("kind", notification.Kind).
			Str("address", notification.Address).Msg("notification publish failed")
		return
	}
	n.published.Add(1)
	if n.metrics != nil {
		n.metrics.NotificationsPublished.WithLabelValues(notification.Kind).Inc()
	}
}

func (n *Notifier) publish(ctx context.Context, notification Notification) error {
	if n.js == nil {
		n.log.Debug().Str("kind", notification.Kind).Str("address", notification.Address).
			Int64("amount", notification.Amount).Msg("no transport configured, notification dropped")
		return nil
	}
	data, err := json.Marshal(notification)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}
	subject := "empire.notify." + notification.Kind
	if _, err := n.js.Publish(ctx, subject, data); err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}
	return nil
}

// EnsureNotifyStream creates or updates the outbound notification stream.
func EnsureNotifyStream(ctx context.Context, js jetstream.JetStream) error {
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      "EMPIRE_NOTIFY",
		Subjects:  []string{"empire.notify.>"},
		Storage:   jetstream.FileStorage,
		Retention: jetstream.LimitsPolicy,
		MaxAge:    72 * time.Hour,
		Replicas:  1,
	})
	if err != nil {
		return fmt.Errorf("create notify stream: %w", err)
	}
	return nil
}
