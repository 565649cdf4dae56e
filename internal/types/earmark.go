package types

import (
	"math/big"
	"time"
)

// EarmarkStatus is the lifecycle state of an Earmark.
type EarmarkStatus string

const (
	EarmarkInitiating EarmarkStatus = "INITIATING"
	EarmarkPending    EarmarkStatus = "PENDING"
	EarmarkReady      EarmarkStatus = "READY"
	EarmarkCompleted  EarmarkStatus = "COMPLETED"
	EarmarkCancelled  EarmarkStatus = "CANCELLED"
	EarmarkFailed     EarmarkStatus = "FAILED"
	EarmarkExpired    EarmarkStatus = "EXPIRED"
)

// ActiveEarmarkStatuses are the statuses counted by the
// unique-active-per-invoice invariant.
var ActiveEarmarkStatuses = []EarmarkStatus{EarmarkPending, EarmarkReady}

// IsActive reports whether s is one of the active statuses.
func (s EarmarkStatus) IsActive() bool {
	return s == EarmarkPending || s == EarmarkReady
}

// Earmark is a durable reservation of destination liquidity tied to
// one invoice.
type Earmark struct {
	ID                      string        `json:"id"`
	InvoiceID               string        `json:"invoiceId"`
	DesignatedPurchaseChain ChainID       `json:"designatedPurchaseChain"`
	TickerHash              TickerHash    `json:"tickerHash"`
	MinAmount               *big.Int      `json:"minAmount"` // 18-dec
	Status                  EarmarkStatus `json:"status"`
	CreatedAt               time.Time     `json:"createdAt"`
	UpdatedAt               time.Time     `json:"updatedAt"`
}

// EarmarkFilter selects a subset of earmarks for getEarmarks.
type EarmarkFilter struct {
	Statuses         []EarmarkStatus
	DesignatedChain  *ChainID
	TickerHash       *TickerHash
	InvoiceID        *string
	CreatedAfter     *time.Time
	CreatedBefore    *time.Time
	Limit            int
	Offset           int
}
