package settlement

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/bsm/redislock"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// ErrPeriodLocked means another process (or goroutine) is already settling
// the period.
var ErrPeriodLocked = errors.New("settlement: period locked by another run")

// PeriodLocker serializes settlement per period. Redis carries the
// cross-process lock; an in-process map backs it so a missing Redis never
// lets two goroutines of the same process race. If Redis is down the
// locker degrades to the in-process guard and the run ledger's unique
// active-run index still rejects concurrent runs.
type PeriodLocker struct {
	locker *redislock.Client
	ttl    time.Duration
	log    zerolog.Logger

	mu    sync.Mutex
	local map[string]bool
}

func NewPeriodLocker(client *redis.Client, ttl time.Duration, log zerolog.Logger) *PeriodLocker {
	l := &PeriodLocker{
		ttl:   ttl,
		log:   log.With().Str("component", "period_lock").Logger(),
		local: make(map[string]bool),
	}
	if client != nil {
		l.locker = redislock.New(client)
	}
	return l
}

// Acquire takes the period lock and returns its release func.
func (l *PeriodLocker) Acquire(ctx context.Context, period string) (func(), error) {
	key := "empiresync:settlement:" + period

	l.mu.Lock()
	if l.local[key] {
		l.mu.Unlock()
		return nil, ErrPeriodLocked
	}
	l.local[key] = true
	l.mu.Unlock()

	releaseLocal := func() {
		l.mu.Lock()
		delete(l.local, key)
		l.mu.Unlock()
	}

	if l.locker == nil {
		return releaseLocal, nil
	}

	lock, err := l.locker.Obtain(ctx, key, l.ttl, nil)
	if err == redislock.ErrNotObtained {
		releaseLocal()
		return nil, ErrPeriodLocked
	}
	if err != nil {
		l.log.Warn().Err(err).Str("period", period).
			Msg("redis lock unavailable, relying on run ledger guard")
		return releaseLocal, nil
	}

	return func() {
		if err := lock.Release(context.Background()); err != nil && !errors.Is(err, redislock.ErrLockNotHeld) {
			l.log.Warn().Err(err).Str("period", period).Msg("release period lock")
		}
		releaseLocal()
	}, nil
}
