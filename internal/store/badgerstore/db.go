// Package badgerstore opens the embedded, transactional key-value
// store that backs both the Earmark Store and the Rebalance-Operation
// Store. Badger's optimistic transactions are what stands in for a
// unique partial index: two concurrent Update calls that touch
// the same key conflict at commit time, and the loser gets
// badger.ErrConflict back.
package badgerstore

import (
	"github.com/dgraph-io/badger/v3"
	"github.com/pkg/errors"
)

// Open opens (creating if necessary) a badger database rooted at dir.
// Pass "" for an in-memory database, used by tests.
func Open(dir string) (*badger.DB, error) {
	opts := badger.DefaultOptions(dir)
	if dir == "" {
		opts = opts.WithInMemory(true)
	}
	opts = opts.WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, errors.Wrap(err, "open badger store")
	}
	return db, nil
}

// IsConflict reports whether err is badger's optimistic-transaction
// conflict error.
func IsConflict(err error) bool {
	return errors.Is(err, badger.ErrConflict)
}
