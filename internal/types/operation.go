package types

import (
	"time"
)

// OperationStatus is the lifecycle state of a RebalanceOperation.
type OperationStatus string

const (
	OpPending          OperationStatus = "PENDING"
	OpAwaitingCallback OperationStatus = "AWAITING_CALLBACK"
	OpCompleted        OperationStatus = "COMPLETED"
	OpFailed           OperationStatus = "FAILED"
	OpExpired          OperationStatus = "EXPIRED"
	OpCancelled        OperationStatus = "CANCELLED"
)

// OperationTTL is the fixed wall-clock TTL of a non-terminal operation.
// Nothing in this repository reads it or marks operations EXPIRED.
const OperationTTL = 24 * time.Hour

// TxMemo tags the role a prepared transaction plays in a bridge send.
type TxMemo string

const (
	MemoUnwrap    TxMemo = "Unwrap"
	MemoApproval  TxMemo = "Approval"
	MemoStake     TxMemo = "Stake"
	MemoRebalance TxMemo = "Rebalance"
	MemoWrap      TxMemo = "Wrap"
)

// TxRecord is what the engine persists about one on-chain transaction
// belonging to a rebalance operation.
type TxRecord struct {
	Hash     string            `json:"hash"`
	Receipt  string            `json:"receipt"` // opaque receipt reference (block/tx confirmation marker)
	Metadata map[string]string `json:"metadata,omitempty"`
}

// RebalanceOperation is one bridge transfer contributing liquidity to
// an earmark, or a standalone transfer with no owning earmark.
type RebalanceOperation struct {
	ID                 string               `json:"id"`
	EarmarkID          *string              `json:"earmarkId,omitempty"`
	OriginChainID      ChainID              `json:"originChainId"`
	DestinationChainID ChainID              `json:"destinationChainId"`
	TickerHash         TickerHash           `json:"tickerHash"`
	Amount             string               `json:"amount"` // native-decimals string, as actually sent
	SlippageDbps       int64                `json:"slippageDbps"`
	Bridge             BridgeTag            `json:"bridge"`
	Status             OperationStatus      `json:"status"`
	IsOrphaned         bool                 `json:"isOrphaned"`
	Recipient          string               `json:"recipient"`
	Transactions       map[ChainID]TxRecord `json:"transactions"`
	CreatedAt          time.Time            `json:"createdAt"`
	UpdatedAt          time.Time            `json:"updatedAt"`
}

// OperationFilter selects a subset of operations for
// getRebalanceOperations.
type OperationFilter struct {
	Statuses   []OperationStatus
	ChainID    *ChainID
	EarmarkSet *bool // true = earmarkId is non-nil, false = earmarkId is nil, nil = any
	InvoiceID  *string
	Limit      int
	Offset     int
}
