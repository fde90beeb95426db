// Package query is the read-only side of the admin surface. It shapes
// persistence rows into wire types; all writes stay with the settlement
// processor and the store.
package query

import (
	"context"

	"EmpireSync/internal/persistence"
)

type Service struct {
	store *persistence.Store
}

func NewService(store *persistence.Store) *Service {
	return &Service{store: store}
}

// RunOverview returns the period's run row with live status counts.
// persistence.ErrNotFound when the period has no run.
func (s *Service) RunOverview(ctx context.Context, period string) (*RunOverview, error) {
	run, err := s.store.RunByPeriod(ctx, period)
	if err != nil {
		return nil, err
	}
	counts, err := s.store.StatusCounts(ctx, period)
	if err != nil {
		return nil, err
	}
	return &RunOverview{
		Run:          runResponse(run),
		StatusCounts: counts,
	}, nil
}

// RunReport returns the overview plus the period's rows awaiting manual
// review.
func (s *Service) RunReport(ctx context.Context, period string) (*RunReport, error) {
	overview, err := s.RunOverview(ctx, period)
	if err != nil {
		return nil, err
	}
	review, err := s.store.StatusesByPeriod(ctx, period, persistence.StatusManualFix)
	if err != nil {
		return nil, err
	}
	return &RunReport{
		Run:          overview.Run,
		StatusCounts: overview.StatusCounts,
		ReviewQueue:  statusResponses(review),
	}, nil
}

// Statuses lists the period's settlement rows, optionally filtered by
// status.
func (s *Service) Statuses(ctx context.Context, period, statusFilter string) ([]StatusResponse, error) {
	rows, err := s.store.StatusesByPeriod(ctx, period, statusFilter)
	if err != nil {
		return nil, err
	}
	return statusResponses(rows), nil
}

// ReviewQueue lists MANUAL_FIX_NEEDED rows across all periods, oldest
// first.
func (s *Service) ReviewQueue(ctx context.Context) ([]StatusResponse, error) {
	rows, err := s.store.ReviewQueue(ctx)
	if err != nil {
		return nil, err
	}
	return statusResponses(rows), nil
}

// AccountStatus returns one address's settlement row for a period.
// persistence.ErrNotFound when the pair has no row.
func (s *Service) AccountStatus(ctx context.Context, address, period string) (*StatusResponse, error) {
	row, err := s.store.AccountStatusRow(ctx, address, period)
	if err != nil {
		return nil, err
	}
	resp := statusResponse(*row)
	return &resp, nil
}

// AccountDetail returns the replica account, its businesses, and the most
// recent settlement record. persistence.ErrNotFound when the address is
// unknown; a missing settlement history is not an error.
func (s *Service) AccountDetail(ctx context.Context, address string) (*AccountDetail, error) {
	account, err := s.store.GetAccount(ctx, address)
	if err != nil {
		return nil, err
	}
	businesses, err := s.store.BusinessesByAddress(ctx, address)
	if err != nil {
		return nil, err
	}

	detail := &AccountDetail{
		Account:    accountResponse(account),
		Businesses: businessResponses(businesses),
	}

	latest, err := s.store.LatestStatus(ctx, address)
	switch err {
	case nil:
		st := statusResponse(*latest)
		detail.LatestStatus = &st
	case persistence.ErrNotFound:
	default:
		return nil, err
	}
	return detail, nil
}

// --- converters ---

func runResponse(r *persistence.SettlementRun) RunResponse {
	return RunResponse{
		ID:           r.ID,
		Period:       r.Period,
		Status:       r.Status,
		Trigger:      r.Trigger,
		BatchSize:    r.BatchSize,
		RetryRounds:  r.RetryRounds,
		TotalFound:   r.TotalFound,
		Processed:    r.Processed,
		Failed:       r.Failed,
		Skipped:      r.Skipped,
		ManualFix:    r.ManualFix,
		ErrorMessage: r.ErrorMessage,
		StartedAt:    r.StartedAt,
		CompletedAt:  r.CompletedAt,
	}
}

func statusResponse(st persistence.AccountStatus) StatusResponse {
	return StatusResponse{
		Address:           st.Address,
		Period:            st.Period,
		RunID:             st.RunID,
		Status:            st.Status,
		BusinessCount:     st.BusinessCount,
		ActiveBusinesses:  st.ActiveBusinesses,
		ExpectedEarnings:  st.ExpectedEarnings,
		ActualEarnings:    st.ActualEarnings,
		DiscrepancyMicros: st.DiscrepancyMicros,
		RequestID:         st.RequestID,
		Attempts:          st.Attempts,
		LastAttemptAt:     st.LastAttemptAt,
		ErrorDetail:       st.ErrorDetail,
		ChainError:        st.ChainError,
		NeedsReview:       st.NeedsReview,
		ManuallyResolved:  st.ManuallyResolved,
		ResolutionNote:    st.ResolutionNote,
		ResolvedAt:        st.ResolvedAt,
		ResolvedBy:        st.ResolvedBy,
		UpdatedAt:         st.UpdatedAt,
	}
}

func statusResponses(rows []persistence.AccountStatus) []StatusResponse {
	if len(rows) == 0 {
		return nil
	}
	out := make([]StatusResponse, len(rows))
	for i, st := range rows {
		out[i] = statusResponse(st)
	}
	return out
}

func accountResponse(a *persistence.Account) AccountResponse {
	return AccountResponse{
		Address:                 a.Address,
		TotalInvested:           a.TotalInvested,
		CalculatedTotalInvested: a.CalculatedTotalInvested,
		TotalEarned:             a.TotalEarned,
		PendingEarnings:         a.PendingEarnings,
		LastSettlementAt:        a.LastSettlementAt,
		SyncVersion:             a.SyncVersion,
		Active:                  a.Active,
		CreatedAt:               a.CreatedAt,
	}
}

func businessResponses(rows []persistence.Business) []BusinessResponse {
	out := make([]BusinessResponse, len(rows))
	for i, b := range rows {
		out[i] = BusinessResponse{
			SlotIndex:     b.SlotIndex,
			Kind:          b.Kind,
			Level:         b.Level,
			BaseInvested:  b.BaseInvested,
			TotalInvested: b.TotalInvested,
			RateBps:       b.RateBps,
			Active:        b.Active,
			LastClaimAt:   b.LastClaimAt,
			TotalEarned:   b.TotalEarned,
		}
	}
	return out
}
