package state

import (
	"errors"
	"sort"

	"harvest/storage"
)

// KV is the key-value surface shared by the backing database and by
// uncommitted transactions layered on top of it.
type KV interface {
	Get(key []byte) ([]byte, error)
	Put(key []byte, value []byte) error
	Delete(key []byte) error
	Has(key []byte) (bool, error)
}

// Transaction is a copy-on-write overlay over the backing database. Reads
// fall through to the database until a key is written; writes stay in the
// overlay until Commit flushes them as a single batch. Discarding the
// transaction leaves the database untouched, which is what makes rejected
// operations and aborted flash loans free of side effects.
type Transaction struct {
	db        storage.Database
	writes    map[string][]byte
	deletions map[string]struct{}
	done      bool
}

// NewTransaction opens an overlay over the supplied database.
func NewTransaction(db storage.Database) *Transaction {
	return &Transaction{
		db:        db,
		writes:    make(map[string][]byte),
		deletions: make(map[string]struct{}),
	}
}

// Get reads from the overlay first and falls back to the database.
func (tx *Transaction) Get(key []byte) ([]byte, error) {
	if tx.done {
		return nil, errors.New("state: transaction closed")
	}
	if _, deleted := tx.deletions[string(key)]; deleted {
		return nil, storage.ErrKeyNotFound
	}
	if value, ok := tx.writes[string(key)]; ok {
		return append([]byte(nil), value...), nil
	}
	return tx.db.Get(key)
}

// Put stages a write in the overlay.
func (tx *Transaction) Put(key []byte, value []byte) error {
	if tx.done {
		return errors.New("state: transaction closed")
	}
	delete(tx.deletions, string(key))
	tx.writes[string(key)] = append([]byte(nil), value...)
	return nil
}

// Delete stages a tombstone in the overlay.
func (tx *Transaction) Delete(key []byte) error {
	if tx.done {
		return errors.New("state: transaction closed")
	}
	delete(tx.writes, string(key))
	tx.deletions[string(key)] = struct{}{}
	return nil
}

// Has reports whether the key is visible through the overlay.
func (tx *Transaction) Has(key []byte) (bool, error) {
	if tx.done {
		return false, errors.New("state: transaction closed")
	}
	if _, deleted := tx.deletions[string(key)]; deleted {
		return false, nil
	}
	if _, ok := tx.writes[string(key)]; ok {
		return true, nil
	}
	return tx.db.Has(key)
}

// Commit flushes all staged writes and deletions to the database as one
// batch. The transaction is unusable afterwards.
func (tx *Transaction) Commit() error {
	if tx.done {
		return errors.New("state: transaction closed")
	}
	keys := make([]string, 0, len(tx.writes)+len(tx.deletions))
	for key := range tx.writes {
		keys = append(keys, key)
	}
	for key := range tx.deletions {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	entries := make([]storage.BatchEntry, 0, len(keys))
	for _, key := range keys {
		if _, deleted := tx.deletions[key]; deleted {
			entries = append(entries, storage.BatchEntry{Key: []byte(key)})
			continue
		}
		entries = append(entries, storage.BatchEntry{Key: []byte(key), Value: tx.writes[key]})
	}
	tx.done = true
	if len(entries) == 0 {
		return nil
	}
	return tx.db.WriteBatch(entries)
}

// Discard drops all staged changes without touching the database.
func (tx *Transaction) Discard() {
	if tx == nil {
		return
	}
	tx.done = true
	tx.writes = nil
	tx.deletions = nil
}
