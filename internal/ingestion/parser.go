package ingestion

import (
	"encoding/json"
	"fmt"
	"time"

	"EmpireSync/internal/event"
)

// One subject per event type so consumers scale independently.
const (
	SubjectAccountCreated    = "empire.events.account.created"
	SubjectBusinessPurchased = "empire.events.business.purchased"
	SubjectBusinessUpgraded  = "empire.events.business.upgraded"
	SubjectEarningsClaimed   = "empire.events.earnings.claimed"
)

// Parse converts raw bytes from a subject into a typed, validated event.
// Any error here means the message can never apply; callers drop it rather
// than redeliver.
func Parse(subject string, data []byte) (event.Event, error) {
	switch subject {
	case SubjectAccountCreated:
		return parseAccountCreated(data)
	case SubjectBusinessPurchased:
		return parseBusinessPurchased(data)
	case SubjectBusinessUpgraded:
		return parseBusinessUpgraded(data)
	case SubjectEarningsClaimed:
		return parseEarningsClaimed(data)
	default:
		return nil, fmt.Errorf("unknown subject: %s", subject)
	}
}

// --- JSON wire formats ---
// These structs represent the JSON payloads published by the chain gateway.
// Field names use snake_case to match upstream producers.

type accountCreatedJSON struct {
	EventID     string `json:"event_id"`
	Address     string `json:"address"`
	Height      uint64 `json:"height"`
	TimestampUs int64  `json:"timestamp_us"`
}

func parseAccountCreated(data []byte) (*event.AccountCreated, error) {
	var j accountCreatedJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse AccountCreated: %w", err)
	}
	evt := &event.AccountCreated{
		ID:          j.EventID,
		Address:     j.Address,
		ChainHeight: j.Height,
		CreatedAt:   time.UnixMicro(j.TimestampUs).UTC(),
	}
	if err := evt.Validate(); err != nil {
		return nil, fmt.Errorf("invalid AccountCreated: %w", err)
	}
	return evt, nil
}

type businessPurchasedJSON struct {
	EventID     string `json:"event_id"`
	Address     string `json:"address"`
	SlotIndex   int32  `json:"slot_index"`
	Kind        string `json:"kind"`
	Level       int32  `json:"level"`
	Invested    int64  `json:"invested_micros"`
	RateBps     int32  `json:"rate_bps"`
	Height      uint64 `json:"height"`
	TimestampUs int64  `json:"timestamp_us"`
}

func parseBusinessPurchased(data []byte) (*event.BusinessPurchased, error) {
	var j businessPurchasedJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse BusinessPurchased: %w", err)
	}
	evt := &event.BusinessPurchased{
		ID:          j.EventID,
		Address:     j.Address,
		SlotIndex:   j.SlotIndex,
		Kind:        j.Kind,
		Level:       j.Level,
		Invested:    j.Invested,
		RateBps:     j.RateBps,
		ChainHeight: j.Height,
		PurchasedAt: time.UnixMicro(j.TimestampUs).UTC(),
	}
	if err := evt.Validate(); err != nil {
		return nil, fmt.Errorf("invalid BusinessPurchased: %w", err)
	}
	return evt, nil
}

type businessUpgradedJSON struct {
	EventID       string `json:"event_id"`
	Address       string `json:"address"`
	SlotIndex     int32  `json:"slot_index"`
	NewLevel      int32  `json:"new_level"`
	AddedInvested int64  `json:"added_invested_micros"`
	NewRateBps    int32  `json:"new_rate_bps"`
	Height        uint64 `json:"height"`
	TimestampUs   int64  `json:"timestamp_us"`
}

func parseBusinessUpgraded(data []byte) (*event.BusinessUpgraded, error) {
	var j businessUpgradedJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse BusinessUpgraded: %w", err)
	}
	evt := &event.BusinessUpgraded{
		ID:            j.EventID,
		Address:       j.Address,
		SlotIndex:     j.SlotIndex,
		NewLevel:      j.NewLevel,
		AddedInvested: j.AddedInvested,
		NewRateBps:    j.NewRateBps,
		ChainHeight:   j.Height,
		UpgradedAt:    time.UnixMicro(j.TimestampUs).UTC(),
	}
	if err := evt.Validate(); err != nil {
		return nil, fmt.Errorf("invalid BusinessUpgraded: %w", err)
	}
	return evt, nil
}

type earningsClaimedJSON struct {
	EventID     string `json:"event_id"`
	Address     string `json:"address"`
	Amount      int64  `json:"amount_micros"`
	Height      uint64 `json:"height"`
	TimestampUs int64  `json:"timestamp_us"`
}

func parseEarningsClaimed(data []byte) (*event.EarningsClaimed, error) {
	var j earningsClaimedJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse EarningsClaimed: %w", err)
	}
	evt := &event.EarningsClaimed{
		ID:          j.EventID,
		Address:     j.Address,
		Amount:      j.Amount,
		ChainHeight: j.Height,
		ClaimedAt:   time.UnixMicro(j.TimestampUs).UTC(),
	}
	if err := evt.Validate(); err != nil {
		return nil, fmt.Errorf("invalid EarningsClaimed: %w", err)
	}
	return evt, nil
}
