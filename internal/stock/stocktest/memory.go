// Package stocktest provides an in-memory stock repository for tests. Every
// transaction holds one store-wide lock, which serializes all movements.
package stocktest

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/site-materials/internal/shared"
	"github.com/odyssey-erp/site-materials/internal/stock"
)

// Store is an in-memory implementation of stock.RepositoryPort.
type Store struct {
	mu        sync.Mutex
	records   map[string]stock.Record
	keys      map[int64]string
	movements []stock.Movement
	nextRecID int64
	nextMvID  int64
}

// NewStore constructs an empty store.
func NewStore() *Store {
	return &Store{records: make(map[string]stock.Record), keys: make(map[int64]string)}
}

// Tx is a staged transaction over Store.
type Tx struct {
	store     *Store
	records   map[string]stock.Record
	movements []stock.Movement
	nextRecID int64
	nextMvID  int64
	done      bool
}

// Begin locks the store and opens a transaction. Commit or Rollback releases it.
func (s *Store) Begin() *Tx {
	s.mu.Lock()
	return &Tx{store: s, records: make(map[string]stock.Record), nextRecID: s.nextRecID, nextMvID: s.nextMvID}
}

// Commit publishes staged changes and releases the lock.
func (t *Tx) Commit() {
	if t.done {
		return
	}
	s := t.store
	for key, rec := range t.records {
		s.records[key] = rec
		s.keys[rec.ID] = key
	}
	s.movements = append(s.movements, t.movements...)
	s.nextRecID = t.nextRecID
	s.nextMvID = t.nextMvID
	t.done = true
	s.mu.Unlock()
}

// Rollback discards staged changes and releases the lock.
func (t *Tx) Rollback() {
	if t.done {
		return
	}
	t.done = true
	t.store.mu.Unlock()
}

// WithTx runs fn in a transaction that commits only when fn succeeds.
func (s *Store) WithTx(ctx context.Context, fn func(context.Context, stock.TxRepository) error) error {
	tx := s.Begin()
	if err := fn(ctx, tx); err != nil {
		tx.Rollback()
		return err
	}
	tx.Commit()
	return nil
}

func (t *Tx) LockRecord(ctx context.Context, materialID, storeID int64) (stock.Record, error) {
	key := shared.StockKey(materialID, storeID)
	if rec, ok := t.records[key]; ok {
		return rec, nil
	}
	if rec, ok := t.store.records[key]; ok {
		return rec, nil
	}
	t.nextRecID++
	rec := stock.Record{ID: t.nextRecID, MaterialID: materialID, StoreID: storeID, OnHand: decimal.Zero, ReorderLevel: decimal.Zero, UpdatedAt: time.Now().UTC()}
	t.records[key] = rec
	return rec, nil
}

func (t *Tx) ShareRecord(ctx context.Context, id int64) (stock.Record, error) {
	for _, rec := range t.records {
		if rec.ID == id {
			return rec, nil
		}
	}
	key, ok := t.store.keys[id]
	if !ok {
		return stock.Record{}, stock.ErrRecordNotFound
	}
	return t.store.records[key], nil
}

func (t *Tx) RecordMovements(ctx context.Context, recordID int64) ([]stock.Movement, error) {
	out := t.store.movementsOf(recordID)
	for _, mv := range t.movements {
		if mv.RecordID == recordID {
			out = append(out, mv)
		}
	}
	return out, nil
}

func (t *Tx) GetMovement(ctx context.Context, id int64) (stock.Movement, error) {
	for _, mv := range t.movements {
		if mv.ID == id {
			return mv, nil
		}
	}
	for _, mv := range t.store.movements {
		if mv.ID == id {
			return mv, nil
		}
	}
	return stock.Movement{}, stock.ErrMovementNotFound
}

func (t *Tx) InsertMovement(ctx context.Context, m stock.Movement) (int64, error) {
	t.nextMvID++
	m.ID = t.nextMvID
	t.movements = append(t.movements, m)
	return m.ID, nil
}

func (t *Tx) UpdateRecord(ctx context.Context, rec stock.Record) error {
	key := shared.StockKey(rec.MaterialID, rec.StoreID)
	if _, ok := t.records[key]; !ok {
		if _, ok := t.store.records[key]; !ok {
			return stock.ErrRecordNotFound
		}
	}
	t.records[key] = rec
	return nil
}

func (s *Store) GetRecord(ctx context.Context, materialID, storeID int64) (stock.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[shared.StockKey(materialID, storeID)]
	if !ok {
		return stock.Record{}, stock.ErrRecordNotFound
	}
	return rec, nil
}

func (s *Store) ListRecords(ctx context.Context, afterID int64, limit int) ([]stock.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []stock.Record{}
	for id := afterID + 1; id <= s.nextRecID && (limit <= 0 || len(out) < limit); id++ {
		if key, ok := s.keys[id]; ok {
			out = append(out, s.records[key])
		}
	}
	return out, nil
}

func (s *Store) ListMovements(ctx context.Context, filter stock.MovementFilter) ([]stock.Movement, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[shared.StockKey(filter.MaterialID, filter.StoreID)]
	if !ok {
		return []stock.Movement{}, nil
	}
	movements := s.movementsOf(rec.ID)
	if filter.Limit > 0 && len(movements) > filter.Limit {
		movements = movements[:filter.Limit]
	}
	return movements, nil
}

// movementsOf lists committed movements of a record. The caller holds s.mu.
func (s *Store) movementsOf(recordID int64) []stock.Movement {
	out := []stock.Movement{}
	for _, mv := range s.movements {
		if mv.RecordID == recordID {
			out = append(out, mv)
		}
	}
	return out
}

func (s *Store) SetQuarantine(ctx context.Context, recordID int64, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key, ok := s.keys[recordID]
	if !ok {
		return stock.ErrRecordNotFound
	}
	rec := s.records[key]
	rec.Quarantined = true
	rec.QuarantineReason = reason
	s.records[key] = rec
	return nil
}

// OverwriteOnHand replaces the cached quantity without a movement, simulating
// a corrupted record.
func (s *Store) OverwriteOnHand(materialID, storeID int64, qty decimal.Decimal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := shared.StockKey(materialID, storeID)
	rec := s.records[key]
	rec.OnHand = qty
	s.records[key] = rec
}

// MovementCount returns the number of committed movements.
func (s *Store) MovementCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.movements)
}
