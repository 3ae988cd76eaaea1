package store

import (
	"context"
	"sync"
	"time"

	econerrors "github.com/bkyung/gameshop/internal/errors"
)

// InMemoryStore implements EconomyStore using in-memory maps.
type InMemoryStore struct {
	mu         sync.RWMutex
	accounts   map[int64]Account
	items      map[int64]CatalogItem
	ownerships map[ownershipKey]OwnershipRecord
	audit      []AuditEntry
	nextItemID int64
}

type ownershipKey struct {
	accountID int64
	itemID    int64
}

// NewInMemoryStore creates a new instance of EconomyStore backed by memory.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		accounts:   make(map[int64]Account),
		items:      make(map[int64]CatalogItem),
		ownerships: make(map[ownershipKey]OwnershipRecord),
		nextItemID: 1,
	}
}

// SeedAccount inserts an account, used by tests and local runs.
func (s *InMemoryStore) SeedAccount(a Account) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accounts[a.ID] = a
}

func (s *InMemoryStore) FindAccountByID(_ context.Context, id int64) (*Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.accounts[id]
	if !ok {
		return nil, econerrors.ErrAccountNotFound
	}
	return &a, nil
}

func (s *InMemoryStore) FindItemByID(_ context.Context, id int64) (*CatalogItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	it, ok := s.items[id]
	if !ok {
		return nil, econerrors.ErrItemNotFound
	}
	return &it, nil
}

func (s *InMemoryStore) FindItemByName(_ context.Context, name string) (*CatalogItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, it := range s.items {
		if it.Name == name {
			return &it, nil
		}
	}
	return nil, econerrors.ErrItemNotFound
}

func (s *InMemoryStore) FindItems(_ context.Context, offset, limit int32) ([]CatalogItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	list := make([]CatalogItem, 0, len(s.items))
	for id := int64(1); id < s.nextItemID; id++ {
		if it, ok := s.items[id]; ok {
			list = append(list, it)
		}
	}
	if int(offset) >= len(list) {
		return []CatalogItem{}, nil
	}
	list = list[offset:]
	if int(limit) < len(list) {
		list = list[:limit]
	}
	return list, nil
}

func (s *InMemoryStore) CreateItem(_ context.Context, itemType ItemType, name string, price int64, stock int32) (*CatalogItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	item := CatalogItem{
		ID:            s.nextItemID,
		Type:          itemType,
		Name:          name,
		Price:         price,
		StockQuantity: stock,
		CreatedAt:     time.Now(),
	}
	s.nextItemID++
	s.items[item.ID] = item
	return &item, nil
}

func (s *InMemoryStore) UpdateItem(_ context.Context, id int64, itemType ItemType, price int64, stock int32) (*CatalogItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	item, ok := s.items[id]
	if !ok {
		return nil, econerrors.ErrItemNotFound
	}
	item.Type = itemType
	item.Price = price
	item.StockQuantity = stock
	s.items[id] = item
	return &item, nil
}

func (s *InMemoryStore) OwnershipsByAccount(_ context.Context, accountID int64) ([]OwnershipRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	records := make([]OwnershipRecord, 0)
	for id := int64(1); id < s.nextItemID; id++ {
		if r, ok := s.ownerships[ownershipKey{accountID, id}]; ok {
			records = append(records, r)
		}
	}
	return records, nil
}

func (s *InMemoryStore) AuditEntries(_ context.Context, q AuditQuery) ([]AuditEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries := make([]AuditEntry, 0)
	for _, e := range s.audit {
		if e.AccountID != q.AccountID {
			continue
		}
		if q.ItemID != 0 && e.ItemID != q.ItemID {
			continue
		}
		if !q.From.IsZero() && e.CreatedAt.Before(q.From) {
			continue
		}
		if !q.To.IsZero() && e.CreatedAt.After(q.To) {
			continue
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// WithinTx holds the write lock for the whole of fn, so transactions are
// fully serialized. State is snapshotted first and restored when fn
// fails, giving the same all-or-nothing behavior as the database store.
// A context cancelled before the commit point rolls everything back,
// mirroring how a cancelled database transaction never commits.
func (s *InMemoryStore) WithinTx(ctx context.Context, fn func(tx TxStore) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	snapshot := s.snapshot()
	if err := fn(&inMemoryTx{s: s}); err != nil {
		s.restore(snapshot)
		return err
	}
	if err := ctx.Err(); err != nil {
		s.restore(snapshot)
		return err
	}
	return nil
}

type memSnapshot struct {
	accounts   map[int64]Account
	items      map[int64]CatalogItem
	ownerships map[ownershipKey]OwnershipRecord
	auditLen   int
}

func (s *InMemoryStore) snapshot() memSnapshot {
	snap := memSnapshot{
		accounts:   make(map[int64]Account, len(s.accounts)),
		items:      make(map[int64]CatalogItem, len(s.items)),
		ownerships: make(map[ownershipKey]OwnershipRecord, len(s.ownerships)),
		auditLen:   len(s.audit),
	}
	for k, v := range s.accounts {
		snap.accounts[k] = v
	}
	for k, v := range s.items {
		snap.items[k] = v
	}
	for k, v := range s.ownerships {
		snap.ownerships[k] = v
	}
	return snap
}

func (s *InMemoryStore) restore(snap memSnapshot) {
	s.accounts = snap.accounts
	s.items = snap.items
	s.ownerships = snap.ownerships
	s.audit = s.audit[:snap.auditLen]
}

// inMemoryTx implements TxStore against the already-locked inMemory maps.
type inMemoryTx struct {
	s *InMemoryStore
}

func (t *inMemoryTx) AccountForUpdate(_ context.Context, id int64) (*Account, error) {
	a, ok := t.s.accounts[id]
	if !ok {
		return nil, econerrors.ErrAccountNotFound
	}
	return &a, nil
}

func (t *inMemoryTx) ItemForUpdate(_ context.Context, id int64) (*CatalogItem, error) {
	it, ok := t.s.items[id]
	if !ok {
		return nil, econerrors.ErrItemNotFound
	}
	return &it, nil
}

func (t *inMemoryTx) Ownership(_ context.Context, accountID, itemID int64) (*OwnershipRecord, error) {
	r, ok := t.s.ownerships[ownershipKey{accountID, itemID}]
	if !ok {
		return nil, nil
	}
	return &r, nil
}

func (t *inMemoryTx) SaveAccountBalance(_ context.Context, id int64, balance int64) error {
	a, ok := t.s.accounts[id]
	if !ok {
		return econerrors.ErrAccountNotFound
	}
	a.Balance = balance
	t.s.accounts[id] = a
	return nil
}

func (t *inMemoryTx) SaveItemStock(_ context.Context, id int64, stock int32) error {
	it, ok := t.s.items[id]
	if !ok {
		return econerrors.ErrItemNotFound
	}
	it.StockQuantity = stock
	t.s.items[id] = it
	return nil
}

func (t *inMemoryTx) UpsertOwnership(_ context.Context, accountID, itemID int64, quantity int32) error {
	t.s.ownerships[ownershipKey{accountID, itemID}] = OwnershipRecord{
		AccountID: accountID,
		ItemID:    itemID,
		Quantity:  quantity,
		UpdatedAt: time.Now(),
	}
	return nil
}

func (t *inMemoryTx) AppendAudit(_ context.Context, entry AuditEntry) error {
	t.s.audit = append(t.s.audit, entry)
	return nil
}
