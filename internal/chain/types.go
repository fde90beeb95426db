package chain

import "time"

// AccountSnapshot is the chain's authoritative view of one player account.
// Amounts are micros of the chain token.
type AccountSnapshot struct {
	Address         string
	TotalInvested   int64
	TotalEarned     int64
	PendingEarnings int64
	LastClaimAt     time.Time
	BusinessCount   int
}

// BusinessSnapshot is the chain's view of one owned business slot.
type BusinessSnapshot struct {
	SlotIndex     int32
	Kind          string
	Level         int32
	BaseInvested  int64
	TotalInvested int64
	RateBps       int32
	Active        bool
	CreatedAt     time.Time
	LastClaimAt   time.Time
}

// RequestHandle identifies a submitted state-changing request. The ID is
// generated client-side and echoed by the chain, so a handle survives a
// process restart.
type RequestHandle struct {
	ID          string
	Kind        string
	Address     string
	SubmittedAt time.Time
}

// ConfirmStatus is the terminal disposition of a confirmation wait.
type ConfirmStatus int32

const (
	ConfirmPending ConfirmStatus = iota
	Confirmed
	TimedOut
	Rejected
)

func (s ConfirmStatus) String() string {
	switch s {
	case ConfirmPending:
		return "PENDING"
	case Confirmed:
		return "CONFIRMED"
	case TimedOut:
		return "TIMED_OUT"
	case Rejected:
		return "REJECTED"
	default:
		return "UNKNOWN"
	}
}

// ConfirmResult reports how a submitted request landed. A TimedOut result is
// not an error: the request may still land later and callers re-verify via
// read-back before acting again.
type ConfirmResult struct {
	Status ConfirmStatus
	Height uint64
	Reason string
}

// RequestKindSettle is the accrual-settlement request kind.
const RequestKindSettle = "settle_earnings"
