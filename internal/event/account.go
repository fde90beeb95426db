package event

import (
	"errors"
	"time"
)

// AccountCreated announces a new player account registered on chain.
// Dedup key: chain-assigned event id (tx hash + log index).
type AccountCreated struct {
	ID          string
	Address     string
	ChainHeight uint64
	CreatedAt   time.Time
}

func (e *AccountCreated) EventID() string {
	return e.ID
}

func (e *AccountCreated) Type() EventType {
	return EventTypeAccountCreated
}

func (e *AccountCreated) AccountAddress() string {
	return e.Address
}

func (e *AccountCreated) Height() uint64 {
	return e.ChainHeight
}

func (e *AccountCreated) Validate() error {
	if e.ID == "" {
		return errors.New("missing event id")
	}
	if e.Address == "" {
		return errors.New("missing address")
	}
	return nil
}
