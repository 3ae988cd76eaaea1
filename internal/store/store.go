// Package store provides an interface for economy storage operations.
package store

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// ItemType is the catalog category of an item.
type ItemType string

const (
	ItemTypePants ItemType = "pants"
	ItemTypeTop   ItemType = "top"
	ItemTypeShoes ItemType = "shoes"
)

// Account holds a player's spendable currency.
type Account struct {
	ID           int64
	EmailAddress string
	Nickname     string
	Balance      int64
	CreatedAt    time.Time
	LastLoginAt  *time.Time
}

// CatalogItem is a purchasable item definition. StockQuantity is the
// global remaining stock and never goes below zero.
type CatalogItem struct {
	ID            int64
	Type          ItemType
	Name          string
	Price         int64
	StockQuantity int32
	CreatedAt     time.Time
}

// OwnershipRecord counts how many units of an item an account owns.
// The row does not exist until the first purchase of that pair.
type OwnershipRecord struct {
	AccountID int64
	ItemID    int64
	Quantity  int32
	UpdatedAt time.Time
}

// AuditEntry records a single stock-count transition. Entries are
// append-only and may outlive the account or item they reference.
type AuditEntry struct {
	ID             uuid.UUID
	AccountID      int64
	ItemID         int64
	QuantityBefore int32
	QuantityAfter  int32
	CreatedAt      time.Time
}

// AuditQuery filters the audit trail. ItemID 0 matches any item;
// zero From/To leave that side of the time range unbounded.
type AuditQuery struct {
	AccountID int64
	ItemID    int64
	From      time.Time
	To        time.Time
}

// EconomyStore is an interface for economy storage operations.
// It abstracts the underlying data store, allowing for different implementations (e.g., in-memory, database).
type EconomyStore interface {
	// FindAccountByID retrieves a single account by its unique identifier.
	// Returns ErrAccountNotFound if no account exists with the given ID.
	FindAccountByID(ctx context.Context, id int64) (*Account, error)

	// FindItemByID retrieves a single catalog item by its unique identifier.
	// Returns ErrItemNotFound if no item exists with the given ID.
	FindItemByID(ctx context.Context, id int64) (*CatalogItem, error)

	// FindItemByName retrieves a catalog item by its unique name.
	// Returns ErrItemNotFound if no item exists with the given name.
	FindItemByName(ctx context.Context, name string) (*CatalogItem, error)

	// FindItems returns catalog items with pagination support.
	// Returns an empty slice if no items exist.
	FindItems(ctx context.Context, offset, limit int32) ([]CatalogItem, error)

	// CreateItem adds a new catalog item.
	CreateItem(ctx context.Context, itemType ItemType, name string, price int64, stock int32) (*CatalogItem, error)

	// UpdateItem replaces the mutable fields of an existing catalog item.
	// Returns ErrItemNotFound if no item exists with the given ID.
	UpdateItem(ctx context.Context, id int64, itemType ItemType, price int64, stock int32) (*CatalogItem, error)

	// OwnershipsByAccount returns all ownership records of an account.
	OwnershipsByAccount(ctx context.Context, accountID int64) ([]OwnershipRecord, error)

	// AuditEntries returns audit entries matching the query, ordered by timestamp.
	AuditEntries(ctx context.Context, q AuditQuery) ([]AuditEntry, error)

	// WithinTx runs fn inside a single atomic transaction. All mutations
	// made through the TxStore commit together or not at all. A detected
	// write conflict aborts the transaction with ErrTxConflict.
	WithinTx(ctx context.Context, fn func(tx TxStore) error) error
}

// TxStore exposes the transaction-scoped operations of a purchase.
// All methods operate on the transaction that produced the TxStore.
type TxStore interface {
	// AccountForUpdate retrieves an account and locks its row for the
	// remainder of the transaction.
	// Returns ErrAccountNotFound if no account exists with the given ID.
	AccountForUpdate(ctx context.Context, id int64) (*Account, error)

	// ItemForUpdate retrieves a catalog item and locks its row for the
	// remainder of the transaction.
	// Returns ErrItemNotFound if no item exists with the given ID.
	ItemForUpdate(ctx context.Context, id int64) (*CatalogItem, error)

	// Ownership retrieves the ownership record of (account, item).
	// Returns (nil, nil) when the record does not exist yet.
	Ownership(ctx context.Context, accountID, itemID int64) (*OwnershipRecord, error)

	// SaveAccountBalance writes the new balance of an account.
	SaveAccountBalance(ctx context.Context, id int64, balance int64) error

	// SaveItemStock writes the new stock quantity of a catalog item.
	SaveItemStock(ctx context.Context, id int64, stock int32) error

	// UpsertOwnership writes the owned quantity of (account, item),
	// creating the record if it does not exist.
	UpsertOwnership(ctx context.Context, accountID, itemID int64, quantity int32) error

	// AppendAudit appends an immutable audit entry.
	AppendAudit(ctx context.Context, entry AuditEntry) error
}
