// Package service provides the implementation of economy business logic.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	econerrors "github.com/bkyung/gameshop/internal/errors"
	"github.com/bkyung/gameshop/internal/store"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/google/uuid"
)

// maxPurchaseAttempts bounds the internal retry loop on write conflicts.
const maxPurchaseAttempts = 3

// EconomyService defines the operations of the economy backend.
// It abstracts the underlying business logic and data access.
type EconomyService interface {
	// Purchase converts balance into ownership of count units of an item.
	// The whole operation is atomic; on any failure no record changes.
	// Returns the post-transaction balance and owned quantity.
	Purchase(ctx context.Context, accountID, itemID int64, count int32) (*PurchaseResultDto, error)

	// AccountInfo retrieves a single account.
	// Returns ErrAccountNotFound if no account exists with the given ID.
	AccountInfo(ctx context.Context, accountID int64) (*AccountDto, error)

	// OwnedItems returns the ownership records of an account.
	OwnedItems(ctx context.Context, accountID int64) ([]OwnedItemDto, error)

	// ListItems returns catalog items with pagination support.
	ListItems(ctx context.Context, offset, limit int32) ([]ItemDto, error)

	// UpsertItem updates the catalog item with the given name, creating
	// it when no item with that name exists.
	UpsertItem(ctx context.Context, item ItemUpsertDto) (*ItemDto, error)

	// AuditLog returns the stock-transition audit entries of an account,
	// optionally filtered by item and time range, ordered by timestamp.
	AuditLog(ctx context.Context, accountID, itemID int64, from, to time.Time) ([]AuditEntryDto, error)
}

// Service implements EconomyService on top of an EconomyStore.
type Service struct {
	store            store.EconomyStore
	logger           *slog.Logger
	purchasesCounter metric.Int64Counter
}

// NewService creates a new instance of EconomyService with the provided store.
func NewService(economyStore store.EconomyStore, logger *slog.Logger) *Service {
	meter := otel.Meter("economy-service")
	purchasesCounter, err := meter.Int64Counter("purchases_completed", metric.WithDescription("Total number of completed purchases"))
	if err != nil {
		panic(fmt.Sprintf("failed to create purchases_completed counter: %v", err))
	}
	return &Service{
		store:            economyStore,
		logger:           logger.With("component", "service"),
		purchasesCounter: purchasesCounter,
	}
}

// PurchaseResultDto is the outcome of a successful purchase.
type PurchaseResultDto struct {
	Balance       int64 `json:"balance"`
	OwnedQuantity int32 `json:"owned_quantity"`
}

// AccountDto represents the data transfer object for an account.
type AccountDto struct {
	ID           int64  `json:"id"`
	EmailAddress string `json:"email_address"`
	Nickname     string `json:"nickname"`
	Balance      int64  `json:"balance"`
	CreatedAt    string `json:"created_at"`
	LastLoginAt  string `json:"last_login_at,omitempty"`
}

// ItemDto represents the data transfer object for a catalog item.
type ItemDto struct {
	ID            int64  `json:"id"`
	Type          string `json:"type"`
	Name          string `json:"name"`
	Price         int64  `json:"price"`
	StockQuantity int32  `json:"stock_quantity"`
	CreatedAt     string `json:"created_at"`
}

// ItemUpsertDto represents the data transfer object for the
// administrative find-by-name-else-create catalog editor.
type ItemUpsertDto struct {
	Type          string `json:"type" validate:"required,oneof=pants top shoes"`
	Name          string `json:"name" validate:"required"`
	Price         int64  `json:"price" validate:"min=0"`
	StockQuantity int32  `json:"stock_quantity" validate:"min=0"`
}

// OwnedItemDto represents an ownership record of the calling account.
type OwnedItemDto struct {
	ItemID    int64  `json:"item_id"`
	Quantity  int32  `json:"quantity"`
	UpdatedAt string `json:"updated_at"`
}

// AuditEntryDto represents a single stock-count transition.
type AuditEntryDto struct {
	ID             uuid.UUID `json:"id"`
	AccountID      int64     `json:"account_id"`
	ItemID         int64     `json:"item_id"`
	QuantityBefore int32     `json:"quantity_before"`
	QuantityAfter  int32     `json:"quantity_after"`
	CreatedAt      string    `json:"created_at"`
}

// Purchase runs the purchase workflow as one atomic transaction:
// resolve the three mutable records, validate stock and funds, apply the
// decrements and the ownership increment, and append the audit entry.
// Write conflicts are retried up to maxPurchaseAttempts before the
// retryable error is surfaced to the caller.
func (s *Service) Purchase(ctx context.Context, accountID, itemID int64, count int32) (*PurchaseResultDto, error) {
	// Zero-count purchases are rejected rather than treated as a no-op.
	if count <= 0 {
		return nil, econerrors.ErrInvalidQuantity
	}

	var result *PurchaseResultDto
	for attempt := 1; ; attempt++ {
		err := s.store.WithinTx(ctx, func(tx store.TxStore) error {
			r, txErr := s.purchaseTx(ctx, tx, accountID, itemID, count)
			if txErr != nil {
				return txErr
			}
			result = r
			return nil
		})
		if err == nil {
			s.purchasesCounter.Add(ctx, 1)
			s.logger.InfoContext(ctx, "purchase applied",
				"account_id", accountID, "item_id", itemID, "count", count,
				"balance", result.Balance, "owned_quantity", result.OwnedQuantity)
			return result, nil
		}
		if errors.Is(err, econerrors.ErrTxConflict) && attempt < maxPurchaseAttempts {
			s.logger.WarnContext(ctx, "purchase aborted on write conflict, retrying",
				"account_id", accountID, "item_id", itemID, "attempt", attempt)
			continue
		}
		return nil, err
	}
}

// purchaseTx is the transaction body of a purchase. Lock order is fixed
// (account row, then item row) so concurrent purchases cannot deadlock.
func (s *Service) purchaseTx(ctx context.Context, tx store.TxStore, accountID, itemID int64, count int32) (*PurchaseResultDto, error) {
	account, err := tx.AccountForUpdate(ctx, accountID)
	if err != nil {
		return nil, err
	}
	item, err := tx.ItemForUpdate(ctx, itemID)
	if err != nil {
		return nil, err
	}
	ownership, err := tx.Ownership(ctx, accountID, itemID)
	if err != nil {
		return nil, err
	}

	if count > item.StockQuantity {
		return nil, econerrors.ErrInsufficientStock
	}
	cost, err := purchaseCost(item.Price, count)
	if err != nil {
		return nil, err
	}
	if account.Balance < cost {
		return nil, econerrors.ErrInsufficientFunds
	}

	stockBefore := item.StockQuantity
	stockAfter := stockBefore - count
	balance := account.Balance - cost
	owned := count
	if ownership != nil {
		owned += ownership.Quantity
	}

	if err := tx.SaveItemStock(ctx, itemID, stockAfter); err != nil {
		return nil, err
	}
	if err := tx.SaveAccountBalance(ctx, accountID, balance); err != nil {
		return nil, err
	}
	if err := tx.UpsertOwnership(ctx, accountID, itemID, owned); err != nil {
		return nil, err
	}
	if err := tx.AppendAudit(ctx, store.AuditEntry{
		ID:             uuid.New(),
		AccountID:      accountID,
		ItemID:         itemID,
		QuantityBefore: stockBefore,
		QuantityAfter:  stockAfter,
		CreatedAt:      time.Now().UTC(),
	}); err != nil {
		return nil, err
	}

	return &PurchaseResultDto{Balance: balance, OwnedQuantity: owned}, nil
}

// purchaseCost computes price*count, failing with ErrCostOverflow when
// the product does not fit in int64.
func purchaseCost(price int64, count int32) (int64, error) {
	if price == 0 {
		return 0, nil
	}
	if int64(count) > math.MaxInt64/price {
		return 0, econerrors.ErrCostOverflow
	}
	return price * int64(count), nil
}

// AccountInfo retrieves an account by its ID and returns it as an AccountDto.
func (s *Service) AccountInfo(ctx context.Context, accountID int64) (*AccountDto, error) {
	account, err := s.store.FindAccountByID(ctx, accountID)
	if err != nil {
		return nil, err
	}
	dto := &AccountDto{
		ID:           account.ID,
		EmailAddress: account.EmailAddress,
		Nickname:     account.Nickname,
		Balance:      account.Balance,
		CreatedAt:    account.CreatedAt.Format(time.RFC3339),
	}
	if account.LastLoginAt != nil {
		dto.LastLoginAt = account.LastLoginAt.Format(time.RFC3339)
	}
	return dto, nil
}

// OwnedItems returns the ownership records of an account as DTOs.
func (s *Service) OwnedItems(ctx context.Context, accountID int64) ([]OwnedItemDto, error) {
	records, err := s.store.OwnershipsByAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}
	dtos := make([]OwnedItemDto, len(records))
	for i, r := range records {
		dtos[i] = OwnedItemDto{
			ItemID:    r.ItemID,
			Quantity:  r.Quantity,
			UpdatedAt: r.UpdatedAt.Format(time.RFC3339),
		}
	}
	return dtos, nil
}

// ListItems retrieves catalog items and returns them as ItemDtos.
func (s *Service) ListItems(ctx context.Context, offset, limit int32) ([]ItemDto, error) {
	items, err := s.store.FindItems(ctx, offset, limit)
	if err != nil {
		return nil, err
	}
	dtos := make([]ItemDto, len(items))
	for i, it := range items {
		dtos[i] = toItemDto(&it)
	}
	return dtos, nil
}

// UpsertItem implements the administrative catalog editor: the item with
// the given name is updated in place, or created when absent.
func (s *Service) UpsertItem(ctx context.Context, item ItemUpsertDto) (*ItemDto, error) {
	existing, err := s.store.FindItemByName(ctx, item.Name)
	if err != nil {
		if !errors.Is(err, econerrors.ErrItemNotFound) {
			return nil, err
		}
		created, createErr := s.store.CreateItem(ctx, store.ItemType(item.Type), item.Name, item.Price, item.StockQuantity)
		if createErr != nil {
			return nil, createErr
		}
		s.logger.InfoContext(ctx, "catalog item created", "item_id", created.ID, "name", created.Name)
		dto := toItemDto(created)
		return &dto, nil
	}

	updated, err := s.store.UpdateItem(ctx, existing.ID, store.ItemType(item.Type), item.Price, item.StockQuantity)
	if err != nil {
		return nil, err
	}
	s.logger.InfoContext(ctx, "catalog item updated", "item_id", updated.ID, "name", updated.Name)
	dto := toItemDto(updated)
	return &dto, nil
}

// AuditLog returns the audit entries of an account as DTOs.
func (s *Service) AuditLog(ctx context.Context, accountID, itemID int64, from, to time.Time) ([]AuditEntryDto, error) {
	entries, err := s.store.AuditEntries(ctx, store.AuditQuery{
		AccountID: accountID,
		ItemID:    itemID,
		From:      from,
		To:        to,
	})
	if err != nil {
		return nil, err
	}
	dtos := make([]AuditEntryDto, len(entries))
	for i, e := range entries {
		dtos[i] = AuditEntryDto{
			ID:             e.ID,
			AccountID:      e.AccountID,
			ItemID:         e.ItemID,
			QuantityBefore: e.QuantityBefore,
			QuantityAfter:  e.QuantityAfter,
			CreatedAt:      e.CreatedAt.Format(time.RFC3339),
		}
	}
	return dtos, nil
}

// toItemDto converts a store.CatalogItem to an ItemDto.
func toItemDto(item *store.CatalogItem) ItemDto {
	return ItemDto{
		ID:            item.ID,
		Type:          string(item.Type),
		Name:          item.Name,
		Price:         item.Price,
		StockQuantity: item.StockQuantity,
		CreatedAt:     item.CreatedAt.Format(time.RFC3339),
	}
}
