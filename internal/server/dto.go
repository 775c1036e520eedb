package server

import (
	"vaultline/internal/domain"
)

// Request payloads

type CreateTaskRequest struct {
	ID       *string `json:"id,omitempty"`
	Channel  string  `json:"channel"`
	Title    string  `json:"title,omitempty"`
	Body     string  `json:"body,omitempty"`
	Priority string  `json:"priority,omitempty" enum:"low,medium,high"`
}

type ReplanRequest struct {
	Reason string `json:"reason,omitempty"`
}

type DecisionRequest struct {
	Decision string `json:"decision" enum:"approved,rejected"`
	Reason   string `json:"reason,omitempty"`
}

// Response payloads

type StatusResponse struct {
	Role      string          `json:"role"`
	Actor     string          `json:"actor"`
	HighTrust bool            `json:"high_trust"`
	Snapshot  domain.Snapshot `json:"snapshot"`
}

type paginatedLedger struct {
	Items      []domain.LedgerEntry `json:"items"`
	NextCursor string               `json:"next_cursor,omitempty"`
}

type ledgerTotals struct {
	Totals map[string]float64 `json:"totals"`
}

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}
