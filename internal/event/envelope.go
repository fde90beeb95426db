package event

// EventType discriminator for chain event payloads
type EventType int32

const (
	EventTypeUnknown EventType = iota
	EventTypeAccountCreated
	EventTypeBusinessPurchased
	EventTypeBusinessUpgraded
	EventTypeEarningsClaimed
)

// Event is the interface all chain event payloads must implement
type Event interface {
	// EventID returns the stable dedup key assigned by the chain
	EventID() string

	// Type returns the discriminator
	Type() EventType

	// AccountAddress returns the affected player address
	AccountAddress() string

	// Height returns the chain height the event was emitted at
	Height() uint64
}

func (et EventType) String() string {
	switch et {
	case EventTypeAccountCreated:
		return "AccountCreated"
	case EventTypeBusinessPurchased:
		return "BusinessPurchased"
	case EventTypeBusinessUpgraded:
		return "BusinessUpgraded"
	case EventTypeEarningsClaimed:
		return "EarningsClaimed"
	default:
		return "Unknown"
	}
}
