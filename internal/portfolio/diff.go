// Package portfolio reconciles the local business replica against chain
// state. The chain is authoritative for every value; the replica converges
// toward it and never writes back.
package portfolio

import (
	"time"

	"EmpireSync/internal/chain"
	"EmpireSync/internal/persistence"
)

// Diff is the set of replica writes that makes the local portfolio match a
// chain snapshot, plus the recomputed invested total.
type Diff struct {
	Upserts         []persistence.Business
	DeactivateSlots []int32

	// CalculatedTotal is the sum of total_invested over the chain's active
	// slots, the replica's recomputed aggregate.
	CalculatedTotal int64

	Inserted       int
	Updated        int
	Reactivated    int
	Deactivated    int
	DuplicateSlots int
}

// Changed reports whether the diff writes any business row.
func (d *Diff) Changed() bool {
	return len(d.Upserts) > 0 || len(d.DeactivateSlots) > 0
}

// BuildDiff compares local rows with a chain snapshot, keyed by slot index.
// Slots only on chain insert; slots on both sides with differing values
// update; active local slots gone from the chain deactivate. Local rows
// never delete; a deactivated slot keeps its bookkeeping.
func BuildDiff(local []persistence.Business, remote []chain.BusinessSnapshot) Diff {
	var d Diff

	// A malformed snapshot can repeat a slot; the last occurrence wins.
	bySlot := make(map[int32]chain.BusinessSnapshot, len(remote))
	order := make([]int32, 0, len(remote))
	for _, r := range remote {
		if _, dup := bySlot[r.SlotIndex]; dup {
			d.DuplicateSlots++
		} else {
			order = append(order, r.SlotIndex)
		}
		bySlot[r.SlotIndex] = r
	}

	localBySlot := make(map[int32]persistence.Business, len(local))
	for _, l := range local {
		localBySlot[l.SlotIndex] = l
	}

	for _, slot := range order {
		r := bySlot[slot]
		if r.Active {
			d.CalculatedTotal += r.TotalInvested
		}

		l, exists := localBySlot[slot]
		if !exists {
			d.Upserts = append(d.Upserts, snapshotRow(r))
			d.Inserted++
			continue
		}
		if rowMatches(l, r) {
			continue
		}
		if !l.Active && r.Active {
			d.Reactivated++
		} else {
			d.Updated++
		}
		d.Upserts = append(d.Upserts, snapshotRow(r))
	}

	for _, l := range local {
		if _, onChain := bySlot[l.SlotIndex]; !onChain && l.Active {
			d.DeactivateSlots = append(d.DeactivateSlots, l.SlotIndex)
			d.Deactivated++
		}
	}

	return d
}

// rowMatches compares the chain-owned value fields. Claim and creation
// timestamps ride along on other changes but never trigger one on their
// own; claims reach the replica through the event stream.
func rowMatches(l persistence.Business, r chain.BusinessSnapshot) bool {
	return l.Kind == r.Kind &&
		l.Level == r.Level &&
		l.BaseInvested == r.BaseInvested &&
		l.TotalInvested == r.TotalInvested &&
		l.RateBps == r.RateBps &&
		l.Active == r.Active
}

func snapshotRow(r chain.BusinessSnapshot) persistence.Business {
	return persistence.Business{
		SlotIndex:      r.SlotIndex,
		Kind:           r.Kind,
		Level:          r.Level,
		BaseInvested:   r.BaseInvested,
		TotalInvested:  r.TotalInvested,
		RateBps:        r.RateBps,
		Active:         r.Active,
		ChainCreatedAt: timePtr(r.CreatedAt),
		LastClaimAt:    timePtr(r.LastClaimAt),
	}
}

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	v := t.UTC()
	return &v
}
