package portfolio_test

import (
	"testing"
	"time"

	"EmpireSync/internal/chain"
	"EmpireSync/internal/persistence"
	"EmpireSync/internal/portfolio"
)

// --- Test helpers ---

func localRow(slot int32, kind string, level int32, total int64, active bool) persistence.Business {
	return persistence.Business{
		Address:       "addr_a",
		SlotIndex:     slot,
		Kind:          kind,
		Level:         level,
		BaseInvested:  total,
		TotalInvested: total,
		RateBps:       150,
		Active:        active,
	}
}

func chainRow(slot int32, kind string, level int32, total int64, active bool) chain.BusinessSnapshot {
	return chain.BusinessSnapshot{
		SlotIndex:     slot,
		Kind:          kind,
		Level:         level,
		BaseInvested:  total,
		TotalInvested: total,
		RateBps:       150,
		Active:        active,
		CreatedAt:     time.Date(2025, 10, 1, 0, 0, 0, 0, time.UTC),
	}
}

// ============================================================================
// Test: Diff classification
// ============================================================================

func TestBuildDiff_Classification(t *testing.T) {
	tests := []struct {
		name            string
		local           []persistence.Business
		remote          []chain.BusinessSnapshot
		wantInserted    int
		wantUpdated     int
		wantReactivated int
		wantDeactivated int
		wantTotal       int64
	}{
		{
			name:         "new slot inserts",
			local:        nil,
			remote:       []chain.BusinessSnapshot{chainRow(0, "lemonade_stand", 1, 2_000_000, true)},
			wantInserted: 1,
			wantTotal:    2_000_000,
		},
		{
			name:        "level change updates",
			local:       []persistence.Business{localRow(0, "lemonade_stand", 1, 2_000_000, true)},
			remote:      []chain.BusinessSnapshot{chainRow(0, "lemonade_stand", 2, 2_000_000, true)},
			wantUpdated: 1,
			wantTotal:   2_000_000,
		},
		{
			name:        "invested change updates",
			local:       []persistence.Business{localRow(0, "lemonade_stand", 1, 2_000_000, true)},
			remote:      []chain.BusinessSnapshot{chainRow(0, "lemonade_stand", 1, 3_500_000, true)},
			wantUpdated: 1,
			wantTotal:   3_500_000,
		},
		{
			name:            "slot gone from chain deactivates",
			local:           []persistence.Business{localRow(0, "lemonade_stand", 1, 2_000_000, true)},
			remote:          nil,
			wantDeactivated: 1,
		},
		{
			name:   "already inactive slot stays untouched",
			local:  []persistence.Business{localRow(0, "lemonade_stand", 1, 2_000_000, false)},
			remote: nil,
		},
		{
			name:            "inactive on chain reactivates",
			local:           []persistence.Business{localRow(0, "lemonade_stand", 1, 2_000_000, false)},
			remote:          []chain.BusinessSnapshot{chainRow(0, "lemonade_stand", 1, 2_000_000, true)},
			wantReactivated: 1,
			wantTotal:       2_000_000,
		},
		{
			name:   "identical sides change nothing",
			local:  []persistence.Business{localRow(0, "lemonade_stand", 1, 2_000_000, true)},
			remote: []chain.BusinessSnapshot{chainRow(0, "lemonade_stand", 1, 2_000_000, true)},
			// Timestamps differ between the rows but must not force a write.
			wantTotal: 2_000_000,
		},
		{
			name:  "inactive chain slot excluded from total",
			local: nil,
			remote: []chain.BusinessSnapshot{
				chainRow(0, "lemonade_stand", 1, 2_000_000, true),
				chainRow(1, "car_wash", 1, 9_000_000, false),
			},
			wantInserted: 2,
			wantTotal:    2_000_000,
		},
		{
			name: "mixed portfolio",
			local: []persistence.Business{
				localRow(0, "lemonade_stand", 1, 2_000_000, true), // unchanged
				localRow(1, "car_wash", 1, 5_000_000, true),      // upgraded on chain
				localRow(2, "arcade", 1, 3_000_000, true),        // sold on chain
			},
			remote: []chain.BusinessSnapshot{
				chainRow(0, "lemonade_stand", 1, 2_000_000, true),
				chainRow(1, "car_wash", 3, 8_000_000, true),
				chainRow(5, "pizza_shop", 1, 4_000_000, true),
			},
			wantInserted:    1,
			wantUpdated:     1,
			wantDeactivated: 1,
			wantTotal:       14_000_000,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := portfolio.BuildDiff(tt.local, tt.remote)
			if d.Inserted != tt.wantInserted {
				t.Errorf("inserted = %d, want %d", d.Inserted, tt.wantInserted)
			}
			if d.Updated != tt.wantUpdated {
				t.Errorf("updated = %d, want %d", d.Updated, tt.wantUpdated)
			}
			if d.Reactivated != tt.wantReactivated {
				t.Errorf("reactivated = %d, want %d", d.Reactivated, tt.wantReactivated)
			}
			if d.Deactivated != tt.wantDeactivated {
				t.Errorf("deactivated = %d, want %d", d.Deactivated, tt.wantDeactivated)
			}
			if d.CalculatedTotal != tt.wantTotal {
				t.Errorf("calculated total = %d, want %d", d.CalculatedTotal, tt.wantTotal)
			}
			wantChanged := tt.wantInserted+tt.wantUpdated+tt.wantReactivated+tt.wantDeactivated > 0
			if d.Changed() != wantChanged {
				t.Errorf("Changed() = %v, want %v", d.Changed(), wantChanged)
			}
		})
	}
}

func TestBuildDiff_TimestampDriftAloneDoesNotWrite(t *testing.T) {
	claim := time.Date(2025, 11, 1, 12, 0, 0, 0, time.UTC)
	local := []persistence.Business{localRow(0, "lemonade_stand", 1, 2_000_000, true)}
	remote := []chain.BusinessSnapshot{chainRow(0, "lemonade_stand", 1, 2_000_000, true)}
	remote[0].LastClaimAt = claim

	d := portfolio.BuildDiff(local, remote)
	if d.Changed() {
		t.Errorf("claim timestamp alone should not dirty the row, got %+v", d)
	}
}

func TestBuildDiff_DuplicateSlotsLastWins(t *testing.T) {
	remote := []chain.BusinessSnapshot{
		chainRow(0, "lemonade_stand", 1, 2_000_000, true),
		chainRow(0, "lemonade_stand", 4, 6_000_000, true),
	}

	d := portfolio.BuildDiff(nil, remote)
	if d.DuplicateSlots != 1 {
		t.Errorf("duplicate slots = %d, want 1", d.DuplicateSlots)
	}
	if len(d.Upserts) != 1 {
		t.Fatalf("upserts = %d, want 1", len(d.Upserts))
	}
	if d.Upserts[0].Level != 4 || d.Upserts[0].TotalInvested != 6_000_000 {
		t.Errorf("last occurrence should win, got %+v", d.Upserts[0])
	}
	if d.CalculatedTotal != 6_000_000 {
		t.Errorf("total = %d, want 6_000_000", d.CalculatedTotal)
	}
}

func TestBuildDiff_DeactivateKeepsBookkeeping(t *testing.T) {
	local := []persistence.Business{localRow(3, "arcade", 2, 5_000_000, true)}

	d := portfolio.BuildDiff(local, nil)
	if len(d.Upserts) != 0 {
		t.Errorf("vanished slot must deactivate, not upsert: %+v", d.Upserts)
	}
	if len(d.DeactivateSlots) != 1 || d.DeactivateSlots[0] != 3 {
		t.Errorf("deactivate slots = %v, want [3]", d.DeactivateSlots)
	}
}
