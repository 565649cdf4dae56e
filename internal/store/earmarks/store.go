// Package earmarks implements the Earmark Store (C2): a durable
// record of reserved destination liquidity tied to a specific
// invoice, with the unique-active-per-invoice invariant enforced
// through badger's optimistic transaction conflicts.
package earmarks

import (
	"encoding/json"
	"math/big"
	"sort"
	"time"

	"github.com/dgraph-io/badger/v3"
	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/marklabs/mark/internal/errkind"
	"github.com/marklabs/mark/internal/store/badgerstore"
	"github.com/marklabs/mark/internal/store/rebalanceops"
	mt "github.com/marklabs/mark/internal/types"
)

const (
	rowPrefix    = "earmark/row/"
	activePrefix = "earmark/active/" // invoiceId -> earmarkId, present only while an active earmark exists
)

// Store is the Earmark Store.
type Store struct {
	db *badger.DB
}

// New wraps an opened badger database as an Earmark Store.
func New(db *badger.DB) *Store {
	return &Store{db: db}
}

func rowKey(id string) []byte            { return []byte(rowPrefix + id) }
func activeKey(invoiceID string) []byte { return []byte(activePrefix + invoiceID) }

// wireEarmark is the JSON-on-disk shape; *big.Int needs its own
// marshalling to round-trip exactly.
type wireEarmark struct {
	ID                      string
	InvoiceID               string
	DesignatedPurchaseChain mt.ChainID
	TickerHash              mt.TickerHash
	MinAmount               string
	Status                  mt.EarmarkStatus
	CreatedAt               time.Time
	UpdatedAt               time.Time
}

func toWire(e *mt.Earmark) wireEarmark {
	return wireEarmark{
		ID:                      e.ID,
		InvoiceID:               e.InvoiceID,
		DesignatedPurchaseChain: e.DesignatedPurchaseChain,
		TickerHash:              e.TickerHash,
		MinAmount:               e.MinAmount.String(),
		Status:                  e.Status,
		CreatedAt:               e.CreatedAt,
		UpdatedAt:               e.UpdatedAt,
	}
}

func fromWire(w wireEarmark) (*mt.Earmark, error) {
	amount, ok := new(big.Int).SetString(w.MinAmount, 10)
	if !ok {
		return nil, errors.Errorf("earmark %s: malformed minAmount %q", w.ID, w.MinAmount)
	}
	return &mt.Earmark{
		ID:                      w.ID,
		InvoiceID:               w.InvoiceID,
		DesignatedPurchaseChain: w.DesignatedPurchaseChain,
		TickerHash:              w.TickerHash,
		MinAmount:               amount,
		Status:                  w.Status,
		CreatedAt:               w.CreatedAt,
		UpdatedAt:               w.UpdatedAt,
	}, nil
}

// CreateEarmark inserts a new earmark for invoiceID. It fails
// distinctly (errkind.ErrUniqueEarmarkConflict) if an active earmark
// for invoiceID already exists or is created concurrently; the caller
// must map this to "someone else earmarked this invoice, read it
// back" via ActiveEarmarkForInvoice.
func (s *Store) CreateEarmark(invoiceID string, chain mt.ChainID, ticker mt.TickerHash, minAmount *big.Int, initialStatus mt.EarmarkStatus) (*mt.Earmark, error) {
	now := time.Now()
	earmark := &mt.Earmark{
		ID:                      uuid.NewString(),
		InvoiceID:               invoiceID,
		DesignatedPurchaseChain: chain,
		TickerHash:              ticker,
		MinAmount:               new(big.Int).Set(minAmount),
		Status:                  initialStatus,
		CreatedAt:               now,
		UpdatedAt:               now,
	}

	err := s.db.Update(func(txn *badger.Txn) error {
		if initialStatus.IsActive() {
			if _, err := txn.Get(activeKey(invoiceID)); err == nil {
				return errkind.ErrUniqueEarmarkConflict
			} else if !errors.Is(err, badger.ErrKeyNotFound) {
				return err
			}
			if err := txn.Set(activeKey(invoiceID), []byte(earmark.ID)); err != nil {
				return err
			}
		}
		return setRow(txn, earmark)
	})
	if err != nil {
		if badgerstore.IsConflict(err) {
			return nil, errkind.ErrUniqueEarmarkConflict
		}
		if errors.Is(err, errkind.ErrUniqueEarmarkConflict) {
			return nil, err
		}
		return nil, errors.Wrap(err, "create earmark")
	}
	return earmark, nil
}

func setRow(txn *badger.Txn, e *mt.Earmark) error {
	data, err := json.Marshal(toWire(e))
	if err != nil {
		return errors.Wrap(err, "marshal earmark")
	}
	return txn.Set(rowKey(e.ID), data)
}

func getRow(txn *badger.Txn, id string) (*mt.Earmark, error) {
	item, err := txn.Get(rowKey(id))
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil, errkind.ErrNotFound
		}
		return nil, err
	}
	var w wireEarmark
	if err := item.Value(func(val []byte) error {
		return json.Unmarshal(val, &w)
	}); err != nil {
		return nil, err
	}
	return fromWire(w)
}

// GetEarmark returns a single earmark by id.
func (s *Store) GetEarmark(id string) (*mt.Earmark, error) {
	var out *mt.Earmark
	err := s.db.View(func(txn *badger.Txn) error {
		row, err := getRow(txn, id)
		if err != nil {
			return err
		}
		out = row
		return nil
	})
	return out, err
}

// ActiveEarmarkForInvoice returns the earmark in {PENDING, READY} for
// invoiceID, or errkind.ErrNotFound if none exists.
func (s *Store) ActiveEarmarkForInvoice(invoiceID string) (*mt.Earmark, error) {
	var out *mt.Earmark
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(activeKey(invoiceID))
		if err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return errkind.ErrNotFound
			}
			return err
		}
		var id string
		if err := item.Value(func(val []byte) error {
			id = string(val)
			return nil
		}); err != nil {
			return err
		}
		row, err := getRow(txn, id)
		if err != nil {
			return err
		}
		out = row
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// UpdateEarmarkStatus atomically transitions an earmark to newStatus,
// maintaining the active-invoice pointer accordingly.
func (s *Store) UpdateEarmarkStatus(id string, newStatus mt.EarmarkStatus) error {
	return s.db.Update(func(txn *badger.Txn) error {
		row, err := getRow(txn, id)
		if err != nil {
			return err
		}
		wasActive := row.Status.IsActive()
		isActive := newStatus.IsActive()

		row.Status = newStatus
		row.UpdatedAt = time.Now()

		if wasActive && !isActive {
			if err := txn.Delete(activeKey(row.InvoiceID)); err != nil {
				return err
			}
		} else if !wasActive && isActive {
			if _, err := txn.Get(activeKey(row.InvoiceID)); err == nil {
				return errkind.ErrUniqueEarmarkConflict
			} else if !errors.Is(err, badger.ErrKeyNotFound) {
				return err
			}
			if err := txn.Set(activeKey(row.InvoiceID), []byte(row.ID)); err != nil {
				return err
			}
		}
		return setRow(txn, row)
	})
}

// GetEarmarks returns earmarks matching filter, ordered by createdAt
// descending.
func (s *Store) GetEarmarks(filter mt.EarmarkFilter) ([]mt.Earmark, error) {
	var out []mt.Earmark
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		prefix := []byte(rowPrefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var w wireEarmark
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &w)
			}); err != nil {
				return err
			}
			e, err := fromWire(w)
			if err != nil {
				return err
			}
			if matchesEarmarkFilter(e, filter) {
				out = append(out, *e)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return paginateEarmarks(out, filter.Offset, filter.Limit), nil
}

func matchesEarmarkFilter(e *mt.Earmark, f mt.EarmarkFilter) bool {
	if len(f.Statuses) > 0 {
		found := false
		for _, st := range f.Statuses {
			if e.Status == st {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.DesignatedChain != nil && e.DesignatedPurchaseChain != *f.DesignatedChain {
		return false
	}
	if f.TickerHash != nil && e.TickerHash != *f.TickerHash {
		return false
	}
	if f.InvoiceID != nil && e.InvoiceID != *f.InvoiceID {
		return false
	}
	if f.CreatedAfter != nil && e.CreatedAt.Before(*f.CreatedAfter) {
		return false
	}
	if f.CreatedBefore != nil && e.CreatedAt.After(*f.CreatedBefore) {
		return false
	}
	return true
}

// CancelEarmarkAndOrphan transitions id to CANCELLED and, in the same
// transaction, marks every in-flight operation it owns as orphaned:
// the earmark's liquidity claim and its operations' bookkeeping move
// together or not at all. standaloneOrphanPolicy only governs
// operations with no owning earmark and is applied by the invoice
// processor when it inserts such rows, not here.
func (s *Store) CancelEarmarkAndOrphan(id string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		row, err := getRow(txn, id)
		if err != nil {
			return err
		}
		if row.Status.IsActive() {
			if err := txn.Delete(activeKey(row.InvoiceID)); err != nil {
				return err
			}
		}
		row.Status = mt.EarmarkCancelled
		row.UpdatedAt = time.Now()
		if err := setRow(txn, row); err != nil {
			return err
		}
		return rebalanceops.OrphanInFlightForEarmarkTxn(txn, id)
	})
}

func paginateEarmarks(rows []mt.Earmark, offset, limit int) []mt.Earmark {
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
