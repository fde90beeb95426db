package event

import (
	"errors"
	"time"
)

// BusinessPurchased records a player buying a business into a slot.
// Amounts are micro-tokens.
type BusinessPurchased struct {
	ID          string
	Address     string
	SlotIndex   int32
	Kind        string
	Level       int32
	Invested    int64
	RateBps     int32
	ChainHeight uint64
	PurchasedAt time.Time
}

func (e *BusinessPurchased) EventID() string {
	return e.ID
}

func (e *BusinessPurchased) Type() EventType {
	return EventTypeBusinessPurchased
}

func (e *BusinessPurchased) AccountAddress() string {
	return e.Address
}

func (e *BusinessPurchased) Height() uint64 {
	return e.ChainHeight
}

func (e *BusinessPurchased) Validate() error {
	if e.ID == "" {
		return errors.New("missing event id")
	}
	if e.Address == "" {
		return errors.New("missing address")
	}
	if e.SlotIndex < 0 {
		return errors.New("negative slot index")
	}
	if e.Kind == "" {
		return errors.New("missing business kind")
	}
	if e.Invested < 0 {
		return errors.New("negative invested amount")
	}
	if e.RateBps < 0 {
		return errors.New("negative rate")
	}
	return nil
}

// BusinessUpgraded records a level upgrade on an existing slot. The added
// investment stacks on the slot's running total.
type BusinessUpgraded struct {
	ID            string
	Address       string
	SlotIndex     int32
	NewLevel      int32
	AddedInvested int64
	NewRateBps    int32
	ChainHeight   uint64
	UpgradedAt    time.Time
}

func (e *BusinessUpgraded) EventID() string {
	return e.ID
}

func (e *BusinessUpgraded) Type() EventType {
	return EventTypeBusinessUpgraded
}

func (e *BusinessUpgraded) AccountAddress() string {
	return e.Address
}

func (e *BusinessUpgraded) Height() uint64 {
	return e.ChainHeight
}

func (e *BusinessUpgraded) Validate() error {
	if e.ID == "" {
		return errors.New("missing event id")
	}
	if e.Address == "" {
		return errors.New("missing address")
	}
	if e.SlotIndex < 0 {
		return errors.New("negative slot index")
	}
	if e.NewLevel < 1 {
		return errors.New("upgrade level below 1")
	}
	if e.AddedInvested < 0 {
		return errors.New("negative invested amount")
	}
	if e.NewRateBps < 0 {
		return errors.New("negative rate")
	}
	return nil
}
