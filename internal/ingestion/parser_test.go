package ingestion_test

import (
	"encoding/json"
	"testing"
	"time"

	"EmpireSync/internal/event"
	"EmpireSync/internal/ingestion"
)

func marshalPayload(t *testing.T, v interface{}) []byte {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return data
}

func TestParseAccountCreated(t *testing.T) {
	payload := map[string]interface{}{
		"event_id":     "evt-0001",
		"address":      "empire1qx7zj3k",
		"height":       uint64(1042),
		"timestamp_us": int64(1700000000000000),
	}

	evt, err := ingestion.Parse(ingestion.SubjectAccountCreated, marshalPayload(t, payload))
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}

	ac, ok := evt.(*event.AccountCreated)
	if !ok {
		t.Fatalf("expected *event.AccountCreated, got %T", evt)
	}

	if ac.Address != "empire1qx7zj3k" {
		t.Errorf("address: got %s, want empire1qx7zj3k", ac.Address)
	}
	if ac.ChainHeight != 1042 {
		t.Errorf("height: got %d, want 1042", ac.ChainHeight)
	}
	if want := time.UnixMicro(1700000000000000).UTC(); !ac.CreatedAt.Equal(want) {
		t.Errorf("created_at: got %v, want %v", ac.CreatedAt, want)
	}
	if ac.Type() != event.EventTypeAccountCreated {
		t.Errorf("event type: got %v, want AccountCreated", ac.Type())
	}
	if ac.EventID() != "evt-0001" {
		t.Errorf("event id: got %s, want evt-0001", ac.EventID())
	}
}

func TestParseBusinessPurchased(t *testing.T) {
	payload := map[string]interface{}{
		"event_id":        "evt-0002",
		"address":         "empire1qx7zj3k",
		"slot_index":      int32(2),
		"kind":            "car_wash",
		"level":           int32(1),
		"invested_micros": int64(25_000_000),
		"rate_bps":        int32(150),
		"height":          uint64(1050),
		"timestamp_us":    int64(1700000001000000),
	}

	evt, err := ingestion.Parse(ingestion.SubjectBusinessPurchased, marshalPayload(t, payload))
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}

	bp, ok := evt.(*event.BusinessPurchased)
	if !ok {
		t.Fatalf("expected *event.BusinessPurchased, got %T", evt)
	}

	if bp.SlotIndex != 2 {
		t.Errorf("slot_index: got %d, want 2", bp.SlotIndex)
	}
	if bp.Kind != "car_wash" {
		t.Errorf("kind: got %s, want car_wash", bp.Kind)
	}
	if bp.Invested != 25_000_000 {
		t.Errorf("invested: got %d, want 25_000_000", bp.Invested)
	}
	if bp.RateBps != 150 {
		t.Errorf("rate_bps: got %d, want 150", bp.RateBps)
	}
	if bp.Type() != event.EventTypeBusinessPurchased {
		t.Errorf("event type: got %v, want BusinessPurchased", bp.Type())
	}
}

func TestParseBusinessUpgraded(t *testing.T) {
	payload := map[string]interface{}{
		"event_id":              "evt-0003",
		"address":               "empire1qx7zj3k",
		"slot_index":            int32(2),
		"new_level":             int32(3),
		"added_invested_micros": int64(10_000_000),
		"new_rate_bps":          int32(225),
		"height":                uint64(1100),
		"timestamp_us":          int64(1700000002000000),
	}

	evt, err := ingestion.Parse(ingestion.SubjectBusinessUpgraded, marshalPayload(t, payload))
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}

	bu, ok := evt.(*event.BusinessUpgraded)
	if !ok {
		t.Fatalf("expected *event.BusinessUpgraded, got %T", evt)
	}

	if bu.NewLevel != 3 {
		t.Errorf("new_level: got %d, want 3", bu.NewLevel)
	}
	if bu.AddedInvested != 10_000_000 {
		t.Errorf("added_invested: got %d, want 10_000_000", bu.AddedInvested)
	}
	if bu.NewRateBps != 225 {
		t.Errorf("new_rate_bps: got %d, want 225", bu.NewRateBps)
	}
}

func TestParseEarningsClaimed(t *testing.T) {
	payload := map[string]interface{}{
		"event_id":      "evt-0004",
		"address":       "empire1qx7zj3k",
		"amount_micros": int64(7_500_000),
		"height":        uint64(1200),
		"timestamp_us":  int64(1700000003000000),
	}

	evt, err := ingestion.Parse(ingestion.SubjectEarningsClaimed, marshalPayload(t, payload))
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}

	ec, ok := evt.(*event.EarningsClaimed)
	if !ok {
		t.Fatalf("expected *event.EarningsClaimed, got %T", evt)
	}

	if ec.Amount != 7_500_000 {
		t.Errorf("amount: got %d, want 7_500_000", ec.Amount)
	}
	if ec.Height() != 1200 {
		t.Errorf("height: got %d, want 1200", ec.Height())
	}
}

func TestParseUnknownSubject_Fails(t *testing.T) {
	_, err := ingestion.Parse("empire.events.unknown.thing", []byte(`{}`))
	if err == nil {
		t.Fatal("expected error for unknown subject")
	}
}

func TestParseInvalidJSON_Fails(t *testing.T) {
	_, err := ingestion.Parse(ingestion.SubjectAccountCreated, []byte(`{invalid json`))
	if err == nil {
		t.Fatal("expected error for invalid JSON")
	}
}

func TestParseMissingAddress_Fails(t *testing.T) {
	payload := map[string]interface{}{
		"event_id":     "evt-0005",
		"height":       uint64(1),
		"timestamp_us": int64(0),
	}

	_, err := ingestion.Parse(ingestion.SubjectAccountCreated, marshalPayload(t, payload))
	if err == nil {
		t.Fatal("expected error for missing address")
	}
}

func TestParseNegativeAmount_Fails(t *testing.T) {
	payload := map[string]interface{}{
		"event_id":      "evt-0006",
		"address":       "empire1qx7zj3k",
		"amount_micros": int64(-1),
		"height":        uint64(1),
		"timestamp_us":  int64(0),
	}

	_, err := ingestion.Parse(ingestion.SubjectEarningsClaimed, marshalPayload(t, payload))
	if err == nil {
		t.Fatal("expected error for negative amount")
	}
}

func TestParseNegativeSlot_Fails(t *testing.T) {
	payload := map[string]interface{}{
		"event_id":        "evt-0007",
		"address":         "empire1qx7zj3k",
		"slot_index":      int32(-1),
		"kind":            "car_wash",
		"level":           int32(1),
		"invested_micros": int64(1),
		"rate_bps":        int32(100),
		"height":          uint64(1),
		"timestamp_us":    int64(0),
	}

	_, err := ingestion.Parse(ingestion.SubjectBusinessPurchased, marshalPayload(t, payload))
	if err == nil {
		t.Fatal("expected error for negative slot index")
	}
}
