// Package rebalanceops implements the Rebalance-Operation Store (C3):
// a durable record of in-flight bridge transfers and their lifecycle
// state.
package rebalanceops

import (
	"encoding/json"
	"sort"
	"time"

	"github.com/dgraph-io/badger/v3"
	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/marklabs/mark/internal/errkind"
	mt "github.com/marklabs/mark/internal/types"
)

const (
	rowPrefix       = "rebalanceop/row/"
	byEarmarkPrefix = "rebalanceop/byEarmark/" // earmarkId/opId -> "" , secondary index for per-earmark lookups
	byInvoicePrefix = "rebalanceop/byInvoice/" // invoiceId/opId -> "" , maintained alongside the earmark join
)

// Store is the Rebalance-Operation Store.
type Store struct {
	db *badger.DB
}

// New wraps an opened badger database as a Rebalance-Operation Store.
func New(db *badger.DB) *Store {
	return &Store{db: db}
}

func rowKey(id string) []byte                  { return []byte(rowPrefix + id) }
func byEarmarkKey(earmarkID, id string) []byte { return []byte(byEarmarkPrefix + earmarkID + "/" + id) }
func byInvoiceKey(invoiceID, id string) []byte { return []byte(byInvoicePrefix + invoiceID + "/" + id) }

type wireTxRecord struct {
	Hash     string            `json:"hash"`
	Receipt  string            `json:"receipt"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

type wireOperation struct {
	ID                 string
	EarmarkID          *string
	OriginChainID      mt.ChainID
	DestinationChainID mt.ChainID
	TickerHash         mt.TickerHash
	Amount             string
	SlippageDbps       int64
	Bridge             mt.BridgeTag
	Status             mt.OperationStatus
	IsOrphaned         bool
	Recipient          string
	Transactions       map[mt.ChainID]wireTxRecord
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

func toWire(op *mt.RebalanceOperation) wireOperation {
	txs := make(map[mt.ChainID]wireTxRecord, len(op.Transactions))
	for chain, rec := range op.Transactions {
		txs[chain] = wireTxRecord{Hash: rec.Hash, Receipt: rec.Receipt, Metadata: rec.Metadata}
	}
	return wireOperation{
		ID:                 op.ID,
		EarmarkID:          op.EarmarkID,
		OriginChainID:      op.OriginChainID,
		DestinationChainID: op.DestinationChainID,
		TickerHash:         op.TickerHash,
		Amount:             op.Amount,
		SlippageDbps:       op.SlippageDbps,
		Bridge:             op.Bridge,
		Status:             op.Status,
		IsOrphaned:         op.IsOrphaned,
		Recipient:          op.Recipient,
		Transactions:       txs,
		CreatedAt:          op.CreatedAt,
		UpdatedAt:          op.UpdatedAt,
	}
}

func fromWire(w wireOperation) *mt.RebalanceOperation {
	txs := make(map[mt.ChainID]mt.TxRecord, len(w.Transactions))
	for chain, rec := range w.Transactions {
		txs[chain] = mt.TxRecord{Hash: rec.Hash, Receipt: rec.Receipt, Metadata: rec.Metadata}
	}
	return &mt.RebalanceOperation{
		ID:                 w.ID,
		EarmarkID:          w.EarmarkID,
		OriginChainID:      w.OriginChainID,
		DestinationChainID: w.DestinationChainID,
		TickerHash:         w.TickerHash,
		Amount:             w.Amount,
		SlippageDbps:       w.SlippageDbps,
		Bridge:             w.Bridge,
		Status:             w.Status,
		IsOrphaned:         w.IsOrphaned,
		Recipient:          w.Recipient,
		Transactions:       txs,
		CreatedAt:          w.CreatedAt,
		UpdatedAt:          w.UpdatedAt,
	}
}

// NewOperationInput is the data needed to insert a row. A row is
// inserted only after the origin-chain send has a confirmed receipt;
// the caller supplies that receipt as originReceipt.
type NewOperationInput struct {
	EarmarkID          *string
	InvoiceID          *string // only used to maintain the invoice join index; not persisted on the row
	OriginChainID      mt.ChainID
	DestinationChainID mt.ChainID
	TickerHash         mt.TickerHash
	Amount             string
	SlippageDbps       int64
	Bridge             mt.BridgeTag
	Recipient          string
	OriginReceipt      mt.TxRecord
	// IsOrphaned marks the row orphaned at insert time, for a
	// standalone send whose earmark never existed (e.g. lost an
	// earmark-creation race after already sending).
	IsOrphaned bool
}

// CreateOperation inserts a new rebalance-operation row in PENDING
// status, with the origin-chain receipt already recorded.
func (s *Store) CreateOperation(in NewOperationInput) (*mt.RebalanceOperation, error) {
	now := time.Now()
	op := &mt.RebalanceOperation{
		ID:                 uuid.NewString(),
		EarmarkID:          in.EarmarkID,
		OriginChainID:      in.OriginChainID,
		DestinationChainID: in.DestinationChainID,
		TickerHash:         in.TickerHash,
		Amount:             in.Amount,
		SlippageDbps:       in.SlippageDbps,
		Bridge:             in.Bridge,
		Status:             mt.OpPending,
		IsOrphaned:         in.IsOrphaned,
		Recipient:          in.Recipient,
		Transactions:       map[mt.ChainID]mt.TxRecord{in.OriginChainID: in.OriginReceipt},
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	err := s.db.Update(func(txn *badger.Txn) error {
		return insertRowTxn(txn, op, in.InvoiceID)
	})
	if err != nil {
		return nil, errors.Wrap(err, "create rebalance operation")
	}
	return op, nil
}

func insertRowTxn(txn *badger.Txn, op *mt.RebalanceOperation, invoiceID *string) error {
	if op.Transactions[op.OriginChainID].Receipt == "" {
		return errors.New("rebalance operation must carry a confirmed origin receipt at insert")
	}
	if err := setRowTxn(txn, op); err != nil {
		return err
	}
	if op.EarmarkID != nil {
		if err := txn.Set(byEarmarkKey(*op.EarmarkID, op.ID), []byte{}); err != nil {
			return err
		}
	}
	if invoiceID != nil {
		if err := txn.Set(byInvoiceKey(*invoiceID, op.ID), []byte{}); err != nil {
			return err
		}
	}
	return nil
}

func setRowTxn(txn *badger.Txn, op *mt.RebalanceOperation) error {
	data, err := json.Marshal(toWire(op))
	if err != nil {
		return errors.Wrap(err, "marshal rebalance operation")
	}
	return txn.Set(rowKey(op.ID), data)
}

func getRowTxn(txn *badger.Txn, id string) (*mt.RebalanceOperation, error) {
	item, err := txn.Get(rowKey(id))
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil, errkind.ErrNotFound
		}
		return nil, err
	}
	var w wireOperation
	if err := item.Value(func(val []byte) error {
		return json.Unmarshal(val, &w)
	}); err != nil {
		return nil, err
	}
	return fromWire(w), nil
}

// GetOperation returns a single operation by id.
func (s *Store) GetOperation(id string) (*mt.RebalanceOperation, error) {
	var out *mt.RebalanceOperation
	err := s.db.View(func(txn *badger.Txn) error {
		row, err := getRowTxn(txn, id)
		if err != nil {
			return err
		}
		out = row
		return nil
	})
	return out, err
}

// UpdateInput merges into the existing row: status replaces if
// non-nil; txHashes merges per-chain, never overwriting other chains'
// entries.
type UpdateInput struct {
	Status   *mt.OperationStatus
	TxHashes map[mt.ChainID]mt.TxRecord
}

// UpdateOperation applies in to the operation id.
func (s *Store) UpdateOperation(id string, in UpdateInput) (*mt.RebalanceOperation, error) {
	var out *mt.RebalanceOperation
	err := s.db.Update(func(txn *badger.Txn) error {
		row, err := getRowTxn(txn, id)
		if err != nil {
			return err
		}
		if in.Status != nil {
			row.Status = *in.Status
		}
		for chain, rec := range in.TxHashes {
			row.Transactions[chain] = rec
		}
		row.UpdatedAt = time.Now()
		if err := setRowTxn(txn, row); err != nil {
			return err
		}
		out = row
		return nil
	})
	return out, err
}

// SetOrphaned sets isOrphaned true on id. isOrphaned transitions only
// false -> true; setting it again is a no-op.
func (s *Store) SetOrphaned(id string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		row, err := getRowTxn(txn, id)
		if err != nil {
			return err
		}
		if row.IsOrphaned {
			return nil
		}
		row.IsOrphaned = true
		row.UpdatedAt = time.Now()
		return setRowTxn(txn, row)
	})
}

// OrphanInFlightForEarmarkTxn marks every operation owned by earmarkID
// that is still in {PENDING, AWAITING_CALLBACK} as orphaned, without
// changing its status. It must run inside the same transaction that
// cancels the owning earmark (see earmarks.Store.CancelEarmarkAndOrphan).
func OrphanInFlightForEarmarkTxn(txn *badger.Txn, earmarkID string) error {
	prefix := []byte(byEarmarkPrefix + earmarkID + "/")
	it := txn.NewIterator(badger.DefaultIteratorOptions)
	defer it.Close()

	var ids []string
	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		key := string(it.Item().KeyCopy(nil))
		ids = append(ids, key[len(prefix):])
	}
	for _, id := range ids {
		row, err := getRowTxn(txn, id)
		if err != nil {
			return err
		}
		if row.Status != mt.OpPending && row.Status != mt.OpAwaitingCallback {
			continue
		}
		if row.IsOrphaned {
			continue
		}
		row.IsOrphaned = true
		row.UpdatedAt = time.Now()
		if err := setRowTxn(txn, row); err != nil {
			return err
		}
	}
	return nil
}

// AllCompletedForEarmarkTxn reports whether every operation owned by
// earmarkID is COMPLETED (and at least one exists).
func AllCompletedForEarmarkTxn(txn *badger.Txn, earmarkID string) (bool, error) {
	prefix := []byte(byEarmarkPrefix + earmarkID + "/")
	it := txn.NewIterator(badger.DefaultIteratorOptions)
	defer it.Close()

	any := false
	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		any = true
		key := string(it.Item().KeyCopy(nil))
		id := key[len(prefix):]
		row, err := getRowTxn(txn, id)
		if err != nil {
			return false, err
		}
		if row.Status != mt.OpCompleted {
			return false, nil
		}
	}
	return any, nil
}

// GetOperationsForEarmark returns every operation owned by earmarkID,
// via the byEarmark secondary index.
func (s *Store) GetOperationsForEarmark(earmarkID string) ([]mt.RebalanceOperation, error) {
	var out []mt.RebalanceOperation
	err := s.db.View(func(txn *badger.Txn) error {
		prefix := []byte(byEarmarkPrefix + earmarkID + "/")
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			key := string(it.Item().KeyCopy(nil))
			id := key[len(prefix):]
			op, err := getRowTxn(txn, id)
			if err != nil {
				return err
			}
			out = append(out, *op)
		}
		return nil
	})
	return out, err
}

// CancelOperation transitions id to CANCELLED if it is currently
// {PENDING, AWAITING_CALLBACK}; if it is earmark-bound, it is also
// marked orphaned. Standalone operations (no owning earmark) are left
// non-orphaned.
func (s *Store) CancelOperation(id string) (*mt.RebalanceOperation, error) {
	var out *mt.RebalanceOperation
	err := s.db.Update(func(txn *badger.Txn) error {
		row, err := getRowTxn(txn, id)
		if err != nil {
			return err
		}
		if row.Status != mt.OpPending && row.Status != mt.OpAwaitingCallback {
			return errkind.ErrPolicyRejected
		}
		row.Status = mt.OpCancelled
		if row.EarmarkID != nil {
			row.IsOrphaned = true
		}
		row.UpdatedAt = time.Now()
		if err := setRowTxn(txn, row); err != nil {
			return err
		}
		out = row
		return nil
	})
	return out, err
}

// GetOperations returns operations matching filter.
func (s *Store) GetOperations(filter mt.OperationFilter) ([]mt.RebalanceOperation, error) {
	var out []mt.RebalanceOperation
	err := s.db.View(func(txn *badger.Txn) error {
		if filter.InvoiceID != nil {
			return s.scanByInvoiceTxn(txn, *filter.InvoiceID, filter, &out)
		}
		prefix := []byte(rowPrefix)
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var w wireOperation
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &w)
			}); err != nil {
				return err
			}
			op := fromWire(w)
			if matchesOperationFilter(op, filter) {
				out = append(out, *op)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return paginateOperations(out, filter.Offset, filter.Limit), nil
}

func (s *Store) scanByInvoiceTxn(txn *badger.Txn, invoiceID string, filter mt.OperationFilter, out *[]mt.RebalanceOperation) error {
	prefix := []byte(byInvoicePrefix + invoiceID + "/")
	it := txn.NewIterator(badger.DefaultIteratorOptions)
	defer it.Close()
	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		key := string(it.Item().KeyCopy(nil))
		id := key[len(prefix):]
		op, err := getRowTxn(txn, id)
		if err != nil {
			return err
		}
		if matchesOperationFilter(op, filter) {
			*out = append(*out, *op)
		}
	}
	return nil
}

func matchesOperationFilter(op *mt.RebalanceOperation, f mt.OperationFilter) bool {
	if len(f.Statuses) > 0 {
		found := false
		for _, st := range f.Statuses {
			if op.Status == st {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.ChainID != nil && op.OriginChainID != *f.ChainID && op.DestinationChainID != *f.ChainID {
		return false
	}
	if f.EarmarkSet != nil {
		hasEarmark := op.EarmarkID != nil
		if hasEarmark != *f.EarmarkSet {
			return false
		}
	}
	return true
}

func paginateOperations(rows []mt.RebalanceOperation, offset, limit int) []mt.RebalanceOperation {
	if offset < 0 {
		offset = 0
	}
	if offset >= len(rows) {
		return nil
	}
	rows = rows[offset:]
	if limit > 0 && limit < len(rows) {
		rows = rows[:limit]
	}
	return rows
}
