package query

import "time"

// RunResponse represents one settlement run for API queries.
type RunResponse struct {
	ID           string     `json:"id"`
	Period       string     `json:"period"`
	Status       string     `json:"status"`
	Trigger      string     `json:"trigger"`
	BatchSize    int        `json:"batch_size"`
	RetryRounds  int        `json:"retry_rounds"`
	TotalFound   int        `json:"total_found"`
	Processed    int        `json:"processed"`
	Failed       int        `json:"failed"`
	Skipped      int        `json:"skipped"`
	ManualFix    int        `json:"manual_fix"`
	ErrorMessage string     `json:"error_message,omitempty"`
	StartedAt    time.Time  `json:"started_at"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
}

// RunOverview is the run row plus live per-status counts for its period.
type RunOverview struct {
	Run          RunResponse    `json:"run"`
	StatusCounts map[string]int `json:"status_counts"`
}

// RunReport adds the period's review queue to the overview.
type RunReport struct {
	Run          RunResponse      `json:"run"`
	StatusCounts map[string]int   `json:"status_counts"`
	ReviewQueue  []StatusResponse `json:"review_queue,omitempty"`
}

// StatusResponse represents one (address, period) settlement record.
type StatusResponse struct {
	Address           string     `json:"address"`
	Period            string     `json:"period"`
	RunID             string     `json:"run_id"`
	Status            string     `json:"status"`
	BusinessCount     int        `json:"business_count"`
	ActiveBusinesses  int        `json:"active_businesses"`
	ExpectedEarnings  int64      `json:"expected_earnings_micros"`
	ActualEarnings    int64      `json:"actual_earnings_micros"`
	DiscrepancyMicros int64      `json:"discrepancy_micros"`
	RequestID         string     `json:"request_id,omitempty"`
	Attempts          int        `json:"attempts"`
	LastAttemptAt     *time.Time `json:"last_attempt_at,omitempty"`
	ErrorDetail       string     `json:"error_detail,omitempty"`
	ChainError        bool       `json:"chain_error"`
	NeedsReview       bool       `json:"needs_review"`
	ManuallyResolved  bool       `json:"manually_resolved"`
	ResolutionNote    string     `json:"resolution_note,omitempty"`
	ResolvedAt        *time.Time `json:"resolved_at,omitempty"`
	ResolvedBy        string     `json:"resolved_by,omitempty"`
	UpdatedAt         time.Time  `json:"updated_at"`
}

// AccountResponse represents the replica account row.
type AccountResponse struct {
	Address                 string     `json:"address"`
	TotalInvested           int64      `json:"total_invested_micros"`
	CalculatedTotalInvested int64      `json:"calculated_total_invested_micros"`
	TotalEarned             int64      `json:"total_earned_micros"`
	PendingEarnings         int64      `json:"pending_earnings_micros"`
	LastSettlementAt        *time.Time `json:"last_settlement_at,omitempty"`
	SyncVersion             int64      `json:"sync_version"`
	Active                  bool       `json:"active"`
	CreatedAt               time.Time  `json:"created_at"`
}

// BusinessResponse represents one owned business slot.
type BusinessResponse struct {
	SlotIndex     int32      `json:"slot_index"`
	Kind          string     `json:"kind"`
	Level         int32      `json:"level"`
	BaseInvested  int64      `json:"base_invested_micros"`
	TotalInvested int64      `json:"total_invested_micros"`
	RateBps       int32      `json:"rate_bps"`
	Active        bool       `json:"active"`
	LastClaimAt   *time.Time `json:"last_claim_at,omitempty"`
	TotalEarned   int64      `json:"total_earned_micros"`
}

// AccountDetail bundles everything the admin surface shows for one player.
type AccountDetail struct {
	Account      AccountResponse    `json:"account"`
	Businesses   []BusinessResponse `json:"businesses"`
	LatestStatus *StatusResponse    `json:"latest_status,omitempty"`
}
