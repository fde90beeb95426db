package event

import (
	"errors"
	"time"
)

// EarningsClaimed records a player banking their pending earnings on chain.
// The replica reaction is a claim reset: pending zeroed, claim time stamped.
type EarningsClaimed struct {
	ID          string
	Address     string
	Amount      int64
	ChainHeight uint64
	ClaimedAt   time.Time
}

func (e *EarningsClaimed) EventID() string {
	return e.ID
}

func (e *EarningsClaimed) Type() EventType {
	return EventTypeEarningsClaimed
}

func (e *EarningsClaimed) AccountAddress() string {
	return e.Address
}

func (e *EarningsClaimed) Height() uint64 {
	return e.ChainHeight
}

func (e *EarningsClaimed) Validate() error {
	if e.ID == "" {
		return errors.New("missing event id")
	}
	if e.Address == "" {
		return errors.New("missing address")
	}
	if e.Amount < 0 {
		return errors.New("negative claim amount")
	}
	return nil
}
