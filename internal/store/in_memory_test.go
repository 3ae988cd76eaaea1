package store

import (
	"context"
	"errors"
	"testing"
	"time"

	econerrors "github.com/bkyung/gameshop/internal/errors"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func Test_InMemory_WithinTx_RollsBackOnError(t *testing.T) {
	s := NewInMemoryStore()
	s.SeedAccount(Account{ID: 1, Balance: 1000})
	item, err := s.CreateItem(context.Background(), ItemTypePants, "denim-pants-1", 100, 999)
	require.NoError(t, err)

	errBoom := errors.New("boom")
	err = s.WithinTx(context.Background(), func(tx TxStore) error {
		require.NoError(t, tx.SaveAccountBalance(context.Background(), 1, 0))
		require.NoError(t, tx.SaveItemStock(context.Background(), item.ID, 0))
		require.NoError(t, tx.UpsertOwnership(context.Background(), 1, item.ID, 7))
		require.NoError(t, tx.AppendAudit(context.Background(), AuditEntry{
			ID: uuid.New(), AccountID: 1, ItemID: item.ID,
			QuantityBefore: 999, QuantityAfter: 0, CreatedAt: time.Now(),
		}))
		return errBoom
	})
	require.ErrorIs(t, err, errBoom)

	// Every mutation made inside the failed transaction is gone.
	account, err := s.FindAccountByID(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, int64(1000), account.Balance)

	got, err := s.FindItemByID(context.Background(), item.ID)
	require.NoError(t, err)
	assert.Equal(t, int32(999), got.StockQuantity)

	owned, err := s.OwnershipsByAccount(context.Background(), 1)
	require.NoError(t, err)
	assert.Empty(t, owned)

	entries, err := s.AuditEntries(context.Background(), AuditQuery{AccountID: 1})
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func Test_InMemory_WithinTx_CommitsOnSuccess(t *testing.T) {
	s := NewInMemoryStore()
	s.SeedAccount(Account{ID: 1, Balance: 1000})
	item, err := s.CreateItem(context.Background(), ItemTypeTop, "basic-top-1", 100, 999)
	require.NoError(t, err)

	err = s.WithinTx(context.Background(), func(tx TxStore) error {
		if err := tx.SaveAccountBalance(context.Background(), 1, 900); err != nil {
			return err
		}
		return tx.UpsertOwnership(context.Background(), 1, item.ID, 1)
	})
	require.NoError(t, err)

	account, err := s.FindAccountByID(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, int64(900), account.Balance)

	owned, err := s.OwnershipsByAccount(context.Background(), 1)
	require.NoError(t, err)
	require.Len(t, owned, 1)
	assert.Equal(t, int32(1), owned[0].Quantity)
}

func Test_InMemory_WithinTx_RejectsCancelledContext(t *testing.T) {
	s := NewInMemoryStore()
	s.SeedAccount(Account{ID: 1, Balance: 1000})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := s.WithinTx(ctx, func(tx TxStore) error {
		t.Fatal("transaction body must not run with a cancelled context")
		return nil
	})
	require.ErrorIs(t, err, context.Canceled)
}

func Test_InMemory_WithinTx_CancelledBeforeCommitRollsBack(t *testing.T) {
	s := NewInMemoryStore()
	s.SeedAccount(Account{ID: 1, Balance: 1000})
	item, err := s.CreateItem(context.Background(), ItemTypePants, "denim-pants-1", 100, 999)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	err = s.WithinTx(ctx, func(tx TxStore) error {
		if err := tx.SaveAccountBalance(ctx, 1, 0); err != nil {
			return err
		}
		if err := tx.SaveItemStock(ctx, item.ID, 0); err != nil {
			return err
		}
		// Caller goes away after the writes but before the commit point.
		cancel()
		return nil
	})
	require.ErrorIs(t, err, context.Canceled)

	account, err := s.FindAccountByID(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, int64(1000), account.Balance)

	got, err := s.FindItemByID(context.Background(), item.ID)
	require.NoError(t, err)
	assert.Equal(t, int32(999), got.StockQuantity)
}

func Test_InMemory_Ownership_AbsentIsNil(t *testing.T) {
	s := NewInMemoryStore()
	err := s.WithinTx(context.Background(), func(tx TxStore) error {
		r, err := tx.Ownership(context.Background(), 1, 2)
		require.NoError(t, err)
		assert.Nil(t, r)
		return nil
	})
	require.NoError(t, err)
}

func Test_InMemory_FindItemByName(t *testing.T) {
	s := NewInMemoryStore()
	_, err := s.CreateItem(context.Background(), ItemTypeShoes, "sneakers-1", 100, 999)
	require.NoError(t, err)

	item, err := s.FindItemByName(context.Background(), "sneakers-1")
	require.NoError(t, err)
	assert.Equal(t, ItemTypeShoes, item.Type)

	_, err = s.FindItemByName(context.Background(), "missing")
	assert.ErrorIs(t, err, econerrors.ErrItemNotFound)
}
