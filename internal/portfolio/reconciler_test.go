package portfolio_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"EmpireSync/internal/chain"
	"EmpireSync/internal/persistence"
	"EmpireSync/internal/portfolio"
)

// --- Fakes ---

type fakeChain struct {
	account    *chain.AccountSnapshot
	accountErr error
	businesses []chain.BusinessSnapshot
	listErr    error
}

func (f *fakeChain) AccountState(ctx context.Context, address string) (*chain.AccountSnapshot, error) {
	return f.account, f.accountErr
}

func (f *fakeChain) Businesses(ctx context.Context, address string) ([]chain.BusinessSnapshot, error) {
	return f.businesses, f.listErr
}

func (f *fakeChain) SubmitAccrual(ctx context.Context, address string, amount int64) (chain.RequestHandle, error) {
	return chain.RequestHandle{}, errors.New("not used")
}

func (f *fakeChain) Confirm(ctx context.Context, handle chain.RequestHandle, timeout time.Duration) (chain.ConfirmResult, error) {
	return chain.ConfirmResult{}, errors.New("not used")
}

type appliedWrite struct {
	address         string
	upserts         []persistence.Business
	deactivate      []int32
	calculatedTotal int64
}

type fakeStore struct {
	account  *persistence.Account
	local    []persistence.Business
	loadErr  error
	applyErr error
	applied  []appliedWrite
}

func (f *fakeStore) GetAccount(ctx context.Context, address string) (*persistence.Account, error) {
	if f.account == nil {
		return nil, persistence.ErrNotFound
	}
	return f.account, nil
}

func (f *fakeStore) BusinessesByAddress(ctx context.Context, address string) ([]persistence.Business, error) {
	return f.local, f.loadErr
}

func (f *fakeStore) ApplyReconciliation(ctx context.Context, address string, upserts []persistence.Business, deactivateSlots []int32, calculatedTotal int64) error {
	if f.applyErr != nil {
		return f.applyErr
	}
	f.applied = append(f.applied, appliedWrite{address, upserts, deactivateSlots, calculatedTotal})
	return nil
}

func newReconciler(c chain.Client, s portfolio.Store) *portfolio.Reconciler {
	return portfolio.NewReconciler(c, s, zerolog.Nop(), nil)
}

// ============================================================================
// Test: Reconcile
// ============================================================================

func TestReconcile_AppliesDiffAtomically(t *testing.T) {
	fc := &fakeChain{
		account: &chain.AccountSnapshot{Address: "addr_a", TotalInvested: 10_000_000},
		businesses: []chain.BusinessSnapshot{
			chainRow(0, "lemonade_stand", 1, 4_000_000, true),
			chainRow(1, "car_wash", 2, 6_000_000, true),
		},
	}
	fs := &fakeStore{}

	report, err := newReconciler(fc, fs).Reconcile(context.Background(), "addr_a")
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}

	if len(fs.applied) != 1 {
		t.Fatalf("expected one replica write, got %d", len(fs.applied))
	}
	w := fs.applied[0]
	if w.address != "addr_a" || len(w.upserts) != 2 || w.calculatedTotal != 10_000_000 {
		t.Errorf("unexpected write: %+v", w)
	}
	if !report.Wrote || report.Inserted != 2 {
		t.Errorf("report = %+v", report)
	}
	if report.Discrepancy {
		t.Error("totals agree; no discrepancy expected")
	}
	if report.Account == nil || report.Account.TotalInvested != 10_000_000 {
		t.Error("report should carry the chain account snapshot")
	}
}

func TestReconcile_NoChangesSkipsWrite(t *testing.T) {
	fc := &fakeChain{
		account:    &chain.AccountSnapshot{Address: "addr_a", TotalInvested: 2_000_000},
		businesses: []chain.BusinessSnapshot{chainRow(0, "lemonade_stand", 1, 2_000_000, true)},
	}
	fs := &fakeStore{
		account: &persistence.Account{Address: "addr_a", CalculatedTotalInvested: 2_000_000},
		local:   []persistence.Business{localRow(0, "lemonade_stand", 1, 2_000_000, true)},
	}

	report, err := newReconciler(fc, fs).Reconcile(context.Background(), "addr_a")
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if report.Wrote {
		t.Error("identical sides must not write")
	}
	if len(fs.applied) != 0 {
		t.Errorf("expected no writes, got %d", len(fs.applied))
	}
}

func TestReconcile_WritesWhenStoredAggregateDrifts(t *testing.T) {
	fc := &fakeChain{
		account:    &chain.AccountSnapshot{Address: "addr_a", TotalInvested: 2_000_000},
		businesses: []chain.BusinessSnapshot{chainRow(0, "lemonade_stand", 1, 2_000_000, true)},
	}
	fs := &fakeStore{
		// Rows match but the stored aggregate is stale.
		account: &persistence.Account{Address: "addr_a", CalculatedTotalInvested: 999},
		local:   []persistence.Business{localRow(0, "lemonade_stand", 1, 2_000_000, true)},
	}

	report, err := newReconciler(fc, fs).Reconcile(context.Background(), "addr_a")
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if !report.Wrote {
		t.Error("stale aggregate should force a write")
	}
	if len(fs.applied) != 1 || fs.applied[0].calculatedTotal != 2_000_000 {
		t.Errorf("writes = %+v", fs.applied)
	}
}

func TestReconcile_ReportsDiscrepancyWithoutCorrecting(t *testing.T) {
	fc := &fakeChain{
		// Chain says 9M invested but the slots only sum to 4M.
		account:    &chain.AccountSnapshot{Address: "addr_a", TotalInvested: 9_000_000},
		businesses: []chain.BusinessSnapshot{chainRow(0, "lemonade_stand", 1, 4_000_000, true)},
	}
	fs := &fakeStore{}

	report, err := newReconciler(fc, fs).Reconcile(context.Background(), "addr_a")
	if err != nil {
		t.Fatalf("a discrepancy is a finding, not a failure: %v", err)
	}
	if !report.Discrepancy {
		t.Fatal("expected discrepancy")
	}
	if report.DiscrepancyGap != 5_000_000 {
		t.Errorf("gap = %d, want 5_000_000", report.DiscrepancyGap)
	}
	// The replica stores the per-slot sum; nothing tries to paper over the gap.
	if len(fs.applied) != 1 || fs.applied[0].calculatedTotal != 4_000_000 {
		t.Errorf("writes = %+v", fs.applied)
	}
}

func TestReconcile_AccountMissing(t *testing.T) {
	fc := &fakeChain{account: nil}
	fs := &fakeStore{}

	_, err := newReconciler(fc, fs).Reconcile(context.Background(), "addr_gone")
	if !errors.Is(err, portfolio.ErrAccountMissing) {
		t.Fatalf("expected ErrAccountMissing, got %v", err)
	}

	var rerr *portfolio.Error
	if !errors.As(err, &rerr) {
		t.Fatal("expected *portfolio.Error")
	}
	if rerr.Address != "addr_gone" {
		t.Errorf("error address = %q", rerr.Address)
	}
}

func TestReconcile_TransientChainErrorClassifiesThrough(t *testing.T) {
	cause := &chain.TransientError{Op: "account state", Err: errors.New("status 503")}
	fc := &fakeChain{accountErr: cause}
	fs := &fakeStore{}

	_, err := newReconciler(fc, fs).Reconcile(context.Background(), "addr_a")
	if err == nil {
		t.Fatal("expected error")
	}
	if !chain.IsTransient(err) {
		t.Errorf("transient classification lost through wrapping: %v", err)
	}
	if len(fs.applied) != 0 {
		t.Error("no writes on a failed read")
	}
}

func TestReconcile_ApplyFailureLeavesReportUnwritten(t *testing.T) {
	fc := &fakeChain{
		account:    &chain.AccountSnapshot{Address: "addr_a", TotalInvested: 2_000_000},
		businesses: []chain.BusinessSnapshot{chainRow(0, "lemonade_stand", 1, 2_000_000, true)},
	}
	fs := &fakeStore{applyErr: errors.New("deadlock detected")}

	_, err := newReconciler(fc, fs).Reconcile(context.Background(), "addr_a")
	if err == nil {
		t.Fatal("expected apply error to propagate")
	}
	var rerr *portfolio.Error
	if !errors.As(err, &rerr) || rerr.Stage != "apply" {
		t.Errorf("expected apply-stage error, got %v", err)
	}
}
