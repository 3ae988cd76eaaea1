package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	econerrors "github.com/bkyung/gameshop/internal/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PgStore implements EconomyStore using PostgreSQL as the data store.
type PgStore struct {
	db *pgxpool.Pool
}

// NewPgStore creates a new instance of EconomyStore using a PostgreSQL connection pool.
func NewPgStore(dbp *pgxpool.Pool) *PgStore {
	return &PgStore{db: dbp}
}

const accountColumns = `id, email_address, nickname, balance, created_at, last_login_at`
const itemColumns = `id, item_type, name, price, stock_quantity, created_at`

func scanAccount(row pgx.Row) (*Account, error) {
	var a Account
	err := row.Scan(&a.ID, &a.EmailAddress, &a.Nickname, &a.Balance, &a.CreatedAt, &a.LastLoginAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, econerrors.ErrAccountNotFound
		}
		return nil, fmt.Errorf("failed to scan account: %w", err)
	}
	return &a, nil
}

func scanItem(row pgx.Row) (*CatalogItem, error) {
	var it CatalogItem
	err := row.Scan(&it.ID, &it.Type, &it.Name, &it.Price, &it.StockQuantity, &it.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, econerrors.ErrItemNotFound
		}
		return nil, fmt.Errorf("failed to scan catalog item: %w", err)
	}
	return &it, nil
}

// FindAccountByID retrieves an account by its unique identifier.
// Returns ErrAccountNotFound if no account exists with the given ID.
func (p *PgStore) FindAccountByID(ctx context.Context, id int64) (*Account, error) {
	row := p.db.QueryRow(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id = $1`, id)
	return scanAccount(row)
}

// FindItemByID retrieves a catalog item by its unique identifier.
// Returns ErrItemNotFound if no item exists with the given ID.
func (p *PgStore) FindItemByID(ctx context.Context, id int64) (*CatalogItem, error) {
	row := p.db.QueryRow(ctx, `SELECT `+itemColumns+` FROM catalog_items WHERE id = $1`, id)
	return scanItem(row)
}

// FindItemByName retrieves a catalog item by its unique name.
// Returns ErrItemNotFound if no item exists with the given name.
func (p *PgStore) FindItemByName(ctx context.Context, name string) (*CatalogItem, error) {
	row := p.db.QueryRow(ctx, `SELECT `+itemColumns+` FROM catalog_items WHERE name = $1`, name)
	return scanItem(row)
}

// FindItems retrieves catalog items with pagination support.
func (p *PgStore) FindItems(ctx context.Context, offset, limit int32) ([]CatalogItem, error) {
	rows, err := p.db.Query(ctx,
		`SELECT `+itemColumns+` FROM catalog_items ORDER BY id LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to find catalog items: %w", err)
	}
	defer rows.Close()

	items := make([]CatalogItem, 0)
	for rows.Next() {
		var it CatalogItem
		if err := rows.Scan(&it.ID, &it.Type, &it.Name, &it.Price, &it.StockQuantity, &it.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan catalog item: %w", err)
		}
		items = append(items, it)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read catalog items: %w", err)
	}
	return items, nil
}

// CreateItem adds a new catalog item.
func (p *PgStore) CreateItem(ctx context.Context, itemType ItemType, name string, price int64, stock int32) (*CatalogItem, error) {
	row := p.db.QueryRow(ctx,
		`INSERT INTO catalog_items (item_type, name, price, stock_quantity)
		 VALUES ($1, $2, $3, $4)
		 RETURNING `+itemColumns,
		itemType, name, price, stock)
	var it CatalogItem
	if err := row.Scan(&it.ID, &it.Type, &it.Name, &it.Price, &it.StockQuantity, &it.CreatedAt); err != nil {
		return nil, fmt.Errorf("failed to create catalog item: %w", err)
	}
	return &it, nil
}

// UpdateItem replaces the mutable fields of an existing catalog item.
// Returns ErrItemNotFound if no item exists with the given ID.
func (p *PgStore) UpdateItem(ctx context.Context, id int64, itemType ItemType, price int64, stock int32) (*CatalogItem, error) {
	row := p.db.QueryRow(ctx,
		`UPDATE catalog_items SET item_type = $2, price = $3, stock_quantity = $4
		 WHERE id = $1
		 RETURNING `+itemColumns,
		id, itemType, price, stock)
	return scanItem(row)
}

// OwnershipsByAccount returns all ownership records of an account.
func (p *PgStore) OwnershipsByAccount(ctx context.Context, accountID int64) ([]OwnershipRecord, error) {
	rows, err := p.db.Query(ctx,
		`SELECT account_id, item_id, quantity, updated_at
		 FROM account_items WHERE account_id = $1 ORDER BY item_id`, accountID)
	if err != nil {
		return nil, fmt.Errorf("failed to find ownership records: %w", err)
	}
	defer rows.Close()

	records := make([]OwnershipRecord, 0)
	for rows.Next() {
		var r OwnershipRecord
		if err := rows.Scan(&r.AccountID, &r.ItemID, &r.Quantity, &r.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan ownership record: %w", err)
		}
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read ownership records: %w", err)
	}
	return records, nil
}

// AuditEntries returns audit entries matching the query, ordered by timestamp.
func (p *PgStore) AuditEntries(ctx context.Context, q AuditQuery) ([]AuditEntry, error) {
	var from, to *time.Time
	if !q.From.IsZero() {
		from = &q.From
	}
	if !q.To.IsZero() {
		to = &q.To
	}
	rows, err := p.db.Query(ctx,
		`SELECT id, account_id, item_id, quantity_before, quantity_after, created_at
		 FROM stock_audit
		 WHERE account_id = $1
		   AND ($2::bigint = 0 OR item_id = $2)
		   AND ($3::timestamptz IS NULL OR created_at >= $3)
		   AND ($4::timestamptz IS NULL OR created_at <= $4)
		 ORDER BY created_at`,
		q.AccountID, q.ItemID, from, to)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit trail: %w", err)
	}
	defer rows.Close()

	entries := make([]AuditEntry, 0)
	for rows.Next() {
		var e AuditEntry
		if err := rows.Scan(&e.ID, &e.AccountID, &e.ItemID, &e.QuantityBefore, &e.QuantityAfter, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan audit entry: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read audit trail: %w", err)
	}
	return entries, nil
}

// WithinTx runs fn inside a single database transaction and commits only
// if fn returns nil. Serialization failures and deadlocks surface as
// ErrTxConflict so callers can retry the whole attempt.
func (p *PgStore) WithinTx(ctx context.Context, fn func(tx TxStore) error) error {
	tx, err := p.db.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return econerrors.ErrTransactionBegin
	}

	err = fn(&pgTx{tx: tx})
	if err != nil {
		if rbErr := tx.Rollback(ctx); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
			return econerrors.ErrTransactionRollback
		}
		return asConflict(err)
	}

	if err := tx.Commit(ctx); err != nil {
		if conflict := asConflict(err); errors.Is(conflict, econerrors.ErrTxConflict) {
			return conflict
		}
		return econerrors.ErrTransactionCommit
	}
	return nil
}

// asConflict maps PostgreSQL serialization failures (40001) and deadlocks
// (40P01) to the retryable ErrTxConflict; any other error passes through.
func asConflict(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && (pgErr.Code == "40001" || pgErr.Code == "40P01") {
		return fmt.Errorf("%w: %s", econerrors.ErrTxConflict, pgErr.Message)
	}
	return err
}

// pgTx implements TxStore on top of a single pgx transaction.
type pgTx struct {
	tx pgx.Tx
}

// AccountForUpdate retrieves an account and takes a row lock held until
// the transaction ends. Concurrent purchases by the same account
// serialize on this lock.
func (t *pgTx) AccountForUpdate(ctx context.Context, id int64) (*Account, error) {
	row := t.tx.QueryRow(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id = $1 FOR UPDATE`, id)
	return scanAccount(row)
}

// ItemForUpdate retrieves a catalog item and takes a row lock held until
// the transaction ends. Concurrent purchases of the same item serialize
// on this lock, so the stock check cannot be passed twice.
func (t *pgTx) ItemForUpdate(ctx context.Context, id int64) (*CatalogItem, error) {
	row := t.tx.QueryRow(ctx, `SELECT `+itemColumns+` FROM catalog_items WHERE id = $1 FOR UPDATE`, id)
	return scanItem(row)
}

// Ownership retrieves the ownership record of (account, item).
// Returns (nil, nil) when the record does not exist yet. No lock is
// needed: the row is only ever written under the account row lock.
func (t *pgTx) Ownership(ctx context.Context, accountID, itemID int64) (*OwnershipRecord, error) {
	var r OwnershipRecord
	err := t.tx.QueryRow(ctx,
		`SELECT account_id, item_id, quantity, updated_at
		 FROM account_items WHERE account_id = $1 AND item_id = $2`,
		accountID, itemID).Scan(&r.AccountID, &r.ItemID, &r.Quantity, &r.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to find ownership record: %w", err)
	}
	return &r, nil
}

func (t *pgTx) SaveAccountBalance(ctx context.Context, id int64, balance int64) error {
	_, err := t.tx.Exec(ctx, `UPDATE accounts SET balance = $2 WHERE id = $1`, id, balance)
	if err != nil {
		return fmt.Errorf("failed to update account balance: %w", err)
	}
	return nil
}

func (t *pgTx) SaveItemStock(ctx context.Context, id int64, stock int32) error {
	_, err := t.tx.Exec(ctx, `UPDATE catalog_items SET stock_quantity = $2 WHERE id = $1`, id, stock)
	if err != nil {
		return fmt.Errorf("failed to update item stock: %w", err)
	}
	return nil
}

func (t *pgTx) UpsertOwnership(ctx context.Context, accountID, itemID int64, quantity int32) error {
	_, err := t.tx.Exec(ctx,
		`INSERT INTO account_items (account_id, item_id, quantity, updated_at)
		 VALUES ($1, $2, $3, now())
		 ON CONFLICT (account_id, item_id)
		 DO UPDATE SET quantity = EXCLUDED.quantity, updated_at = EXCLUDED.updated_at`,
		accountID, itemID, quantity)
	if err != nil {
		return fmt.Errorf("failed to upsert ownership record: %w", err)
	}
	return nil
}

func (t *pgTx) AppendAudit(ctx context.Context, entry AuditEntry) error {
	_, err := t.tx.Exec(ctx,
		`INSERT INTO stock_audit (id, account_id, item_id, quantity_before, quantity_after, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		entry.ID, entry.AccountID, entry.ItemID, entry.QuantityBefore, entry.QuantityAfter, entry.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to append audit entry: %w", err)
	}
	return nil
}
