package store

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	econerrors "github.com/bkyung/gameshop/internal/errors"
	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

const skipIntegrationTests = "ECONOMY_SKIP_INTEGRATION_TESTS"

// EconomyStoreSuite is a test suite for the PostgreSQL EconomyStore implementation.
type EconomyStoreSuite struct {
	suite.Suite                             // Embedding testify suite for structured testing
	pgContainer *postgres.PostgresContainer // PostgreSQL container for integration tests
	dbPool      *pgxpool.Pool               // PostgreSQL connection pool for integration tests
	store       *PgStore                    //
	logger      *slog.Logger                // Logger for the test suite
	ctx         context.Context             // Context for the test suite, used for cancellation and timeouts
}

// SetupSuite initializes the test suite by setting up a PostgreSQL container,
func (s *EconomyStoreSuite) SetupSuite() {
	s.ctx = context.Background()
	var err error
	s.logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))

	dbName := "economy_db"
	dbUser := "user"
	dbPassword := "password"

	// 1. Start a PostgreSQL container with the specified configuration. Wait for the container to be ready.
	s.pgContainer, err = postgres.Run(s.ctx,
		"postgres:17.5-alpine",
		postgres.WithDatabase(dbName),
		postgres.WithUsername(dbUser),
		postgres.WithPassword(dbPassword),
		// Wait for a specific log message indicating the database service is ready.
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(5*time.Minute),
		),
		// Ensure the container is ready to accept connections on the default PostgreSQL port.
		testcontainers.WithWaitStrategy(
			wait.ForListeningPort("5432/tcp"),
		),
	)
	require.NoError(s.T(), err, "Failed to run PostgreSQL container")

	// 2. Get the connection string from the container
	connStr, err := s.pgContainer.ConnectionString(s.ctx, "sslmode=disable")
	require.NoError(s.T(), err, "Failed to get connection string from container")

	// 3. create a new pgxpool instance using the connection string
	s.dbPool, err = pgxpool.New(s.ctx, connStr)
	require.NoError(s.T(), err, "Failed to create pgxpool")

	// 3.1 Ping the database to ensure the connection is established
	for i := range 10 {
		s.logger.Info("Pinging PostgreSQL database", "attempt", i+1)
		err = s.dbPool.Ping(s.ctx)
		if err == nil {
			break
		}
		time.Sleep(time.Second * 2)
	}
	require.NoError(s.T(), err, "Failed to connect to PostgreSQL after retries")

	// 4. Database migration
	wd, _ := os.Getwd()
	migrationsPath := filepath.Join(wd, "../../migrations")
	sourceURL := "file://" + migrationsPath
	m, err := migrate.New(sourceURL, connStr)
	require.NoError(s.T(), err, "Failed to create migrate instance")
	err = m.Up()
	if err != nil && !errors.Is(err, migrate.ErrNoChange) {
		_, _ = m.Close()
		require.NoError(s.T(), err, "Failed to apply migrations")
	}
	s.logger.Info("Migrations applied for integration tests")

	s.store = NewPgStore(s.dbPool)
	s.logger.Info("Initialization complete for EconomyStoreSuite")
}

// TearDownSuite cleans up resources after all tests in the suite have run.
func (s *EconomyStoreSuite) TearDownSuite() {
	s.logger.Info("Tearing down suite...")
	if s.dbPool != nil {
		s.dbPool.Close()
		s.logger.Info("DB pool closed.")
	}
	if s.pgContainer != nil {
		s.logger.Info("Terminating PostgreSQL container...")
		err := s.pgContainer.Terminate(s.ctx)
		if err != nil {
			s.logger.Warn("failed to terminate PostgreSQL container", "error", err)
		} else {
			s.logger.Info("PostgreSQL container terminated.")
		}
	}
}

// SetupTest prepares the database for each test by resetting all economy tables.
func (s *EconomyStoreSuite) SetupTest() {
	_, err := s.dbPool.Exec(s.ctx,
		"TRUNCATE TABLE stock_audit, account_items, catalog_items, accounts RESTART IDENTITY CASCADE")
	require.NoError(s.T(), err, "Failed to truncate economy tables")
}

// seedAccount inserts a test account and returns its generated ID.
func (s *EconomyStoreSuite) seedAccount(balance int64) int64 {
	var id int64
	err := s.dbPool.QueryRow(s.ctx,
		`INSERT INTO accounts (email_address, nickname, balance) VALUES ($1, $2, $3) RETURNING id`,
		uuid.NewString()+"@example.com", "player", balance).Scan(&id)
	require.NoError(s.T(), err, "Failed to seed account")
	return id
}

func (s *EconomyStoreSuite) TestFindAccountByID() {
	id := s.seedAccount(10000)

	account, err := s.store.FindAccountByID(s.ctx, id)
	require.NoError(s.T(), err)
	assert.Equal(s.T(), int64(10000), account.Balance)
	assert.Equal(s.T(), "player", account.Nickname)

	_, err = s.store.FindAccountByID(s.ctx, id+1)
	assert.ErrorIs(s.T(), err, econerrors.ErrAccountNotFound)
}

func (s *EconomyStoreSuite) TestCreateAndFindItem() {
	created, err := s.store.CreateItem(s.ctx, ItemTypePants, "denim-pants-1", 100, 999)
	require.NoError(s.T(), err)

	byID, err := s.store.FindItemByID(s.ctx, created.ID)
	require.NoError(s.T(), err)
	assert.Equal(s.T(), created.Name, byID.Name)

	byName, err := s.store.FindItemByName(s.ctx, "denim-pants-1")
	require.NoError(s.T(), err)
	assert.Equal(s.T(), created.ID, byName.ID)

	_, err = s.store.FindItemByID(s.ctx, created.ID+1)
	assert.ErrorIs(s.T(), err, econerrors.ErrItemNotFound)
}

func (s *EconomyStoreSuite) TestUpdateItem() {
	created, err := s.store.CreateItem(s.ctx, ItemTypeTop, "basic-top-1", 100, 999)
	require.NoError(s.T(), err)

	updated, err := s.store.UpdateItem(s.ctx, created.ID, ItemTypeTop, 150, 500)
	require.NoError(s.T(), err)
	assert.Equal(s.T(), int64(150), updated.Price)
	assert.Equal(s.T(), int32(500), updated.StockQuantity)

	_, err = s.store.UpdateItem(s.ctx, created.ID+1, ItemTypeTop, 1, 1)
	assert.ErrorIs(s.T(), err, econerrors.ErrItemNotFound)
}

func (s *EconomyStoreSuite) TestFindItemsPagination() {
	for _, name := range []string{"denim-pants-1", "denim-pants-2", "basic-top-1"} {
		_, err := s.store.CreateItem(s.ctx, ItemTypePants, name, 100, 999)
		require.NoError(s.T(), err)
	}

	page, err := s.store.FindItems(s.ctx, 0, 2)
	require.NoError(s.T(), err)
	assert.Len(s.T(), page, 2)

	rest, err := s.store.FindItems(s.ctx, 2, 2)
	require.NoError(s.T(), err)
	assert.Len(s.T(), rest, 1)
}

// TestWithinTxPurchaseFlow drives the full purchase mutation set through
// one transaction and verifies every record landed.
func (s *EconomyStoreSuite) TestWithinTxPurchaseFlow() {
	accountID := s.seedAccount(1000)
	item, err := s.store.CreateItem(s.ctx, ItemTypePants, "denim-pants-1", 100, 999)
	require.NoError(s.T(), err)

	err = s.store.WithinTx(s.ctx, func(tx TxStore) error {
		account, err := tx.AccountForUpdate(s.ctx, accountID)
		if err != nil {
			return err
		}
		locked, err := tx.ItemForUpdate(s.ctx, item.ID)
		if err != nil {
			return err
		}
		if err := tx.SaveItemStock(s.ctx, item.ID, locked.StockQuantity-2); err != nil {
			return err
		}
		if err := tx.SaveAccountBalance(s.ctx, accountID, account.Balance-200); err != nil {
			return err
		}
		if err := tx.UpsertOwnership(s.ctx, accountID, item.ID, 2); err != nil {
			return err
		}
		return tx.AppendAudit(s.ctx, AuditEntry{
			ID: uuid.New(), AccountID: accountID, ItemID: item.ID,
			QuantityBefore: locked.StockQuantity, QuantityAfter: locked.StockQuantity - 2,
			CreatedAt: time.Now().UTC(),
		})
	})
	require.NoError(s.T(), err)

	account, err := s.store.FindAccountByID(s.ctx, accountID)
	require.NoError(s.T(), err)
	assert.Equal(s.T(), int64(800), account.Balance)

	got, err := s.store.FindItemByID(s.ctx, item.ID)
	require.NoError(s.T(), err)
	assert.Equal(s.T(), int32(997), got.StockQuantity)

	owned, err := s.store.OwnershipsByAccount(s.ctx, accountID)
	require.NoError(s.T(), err)
	require.Len(s.T(), owned, 1)
	assert.Equal(s.T(), int32(2), owned[0].Quantity)

	entries, err := s.store.AuditEntries(s.ctx, AuditQuery{AccountID: accountID})
	require.NoError(s.T(), err)
	require.Len(s.T(), entries, 1)
	assert.Equal(s.T(), int32(999), entries[0].QuantityBefore)
	assert.Equal(s.T(), int32(997), entries[0].QuantityAfter)
}

// TestWithinTxRollsBack verifies that a failed transaction leaves no
// partial mutation behind.
func (s *EconomyStoreSuite) TestWithinTxRollsBack() {
	accountID := s.seedAccount(1000)
	item, err := s.store.CreateItem(s.ctx, ItemTypeShoes, "sneakers-1", 100, 999)
	require.NoError(s.T(), err)

	errBoom := errors.New("boom")
	err = s.store.WithinTx(s.ctx, func(tx TxStore) error {
		if err := tx.SaveAccountBalance(s.ctx, accountID, 0); err != nil {
			return err
		}
		if err := tx.SaveItemStock(s.ctx, item.ID, 0); err != nil {
			return err
		}
		return errBoom
	})
	require.ErrorIs(s.T(), err, errBoom)

	account, err := s.store.FindAccountByID(s.ctx, accountID)
	require.NoError(s.T(), err)
	assert.Equal(s.T(), int64(1000), account.Balance)

	got, err := s.store.FindItemByID(s.ctx, item.ID)
	require.NoError(s.T(), err)
	assert.Equal(s.T(), int32(999), got.StockQuantity)
}

// TestWithinTxCancelledContext verifies that a transaction never commits
// once the caller's context is gone, whether it was cancelled before the
// transaction started or between the writes and the commit.
func (s *EconomyStoreSuite) TestWithinTxCancelledContext() {
	accountID := s.seedAccount(1000)
	item, err := s.store.CreateItem(s.ctx, ItemTypePants, "denim-pants-2", 100, 999)
	require.NoError(s.T(), err)

	preCancelled, cancelNow := context.WithCancel(s.ctx)
	cancelNow()
	err = s.store.WithinTx(preCancelled, func(tx TxStore) error {
		s.T().Fatal("transaction body must not run with a cancelled context")
		return nil
	})
	require.ErrorIs(s.T(), err, econerrors.ErrTransactionBegin)

	ctx, cancel := context.WithCancel(s.ctx)
	err = s.store.WithinTx(ctx, func(tx TxStore) error {
		if err := tx.SaveAccountBalance(ctx, accountID, 0); err != nil {
			return err
		}
		if err := tx.SaveItemStock(ctx, item.ID, 0); err != nil {
			return err
		}
		// Caller goes away after the writes but before the commit.
		cancel()
		return nil
	})
	require.Error(s.T(), err)

	account, err := s.store.FindAccountByID(s.ctx, accountID)
	require.NoError(s.T(), err)
	assert.Equal(s.T(), int64(1000), account.Balance)

	got, err := s.store.FindItemByID(s.ctx, item.ID)
	require.NoError(s.T(), err)
	assert.Equal(s.T(), int32(999), got.StockQuantity)
}

func (s *EconomyStoreSuite) TestUpsertOwnershipCreatesThenUpdates() {
	accountID := s.seedAccount(1000)
	item, err := s.store.CreateItem(s.ctx, ItemTypeTop, "basic-top-1", 100, 999)
	require.NoError(s.T(), err)

	err = s.store.WithinTx(s.ctx, func(tx TxStore) error {
		existing, err := tx.Ownership(s.ctx, accountID, item.ID)
		if err != nil {
			return err
		}
		assert.Nil(s.T(), existing)
		return tx.UpsertOwnership(s.ctx, accountID, item.ID, 2)
	})
	require.NoError(s.T(), err)

	err = s.store.WithinTx(s.ctx, func(tx TxStore) error {
		existing, err := tx.Ownership(s.ctx, accountID, item.ID)
		if err != nil {
			return err
		}
		require.NotNil(s.T(), existing)
		return tx.UpsertOwnership(s.ctx, accountID, item.ID, existing.Quantity+2)
	})
	require.NoError(s.T(), err)

	owned, err := s.store.OwnershipsByAccount(s.ctx, accountID)
	require.NoError(s.T(), err)
	require.Len(s.T(), owned, 1)
	assert.Equal(s.T(), int32(4), owned[0].Quantity)
}

func (s *EconomyStoreSuite) TestAuditEntriesFilters() {
	accountID := s.seedAccount(1000)
	base := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

	err := s.store.WithinTx(s.ctx, func(tx TxStore) error {
		for i, itemID := range []int64{1, 1, 2} {
			entry := AuditEntry{
				ID: uuid.New(), AccountID: accountID, ItemID: itemID,
				QuantityBefore: 10, QuantityAfter: 9,
				CreatedAt: base.Add(time.Duration(i) * time.Hour),
			}
			if err := tx.AppendAudit(s.ctx, entry); err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(s.T(), err)

	all, err := s.store.AuditEntries(s.ctx, AuditQuery{AccountID: accountID})
	require.NoError(s.T(), err)
	assert.Len(s.T(), all, 3)

	byItem, err := s.store.AuditEntries(s.ctx, AuditQuery{AccountID: accountID, ItemID: 2})
	require.NoError(s.T(), err)
	assert.Len(s.T(), byItem, 1)

	window, err := s.store.AuditEntries(s.ctx, AuditQuery{
		AccountID: accountID,
		From:      base.Add(30 * time.Minute),
		To:        base.Add(90 * time.Minute),
	})
	require.NoError(s.T(), err)
	assert.Len(s.T(), window, 1)

	other, err := s.store.AuditEntries(s.ctx, AuditQuery{AccountID: accountID + 1})
	require.NoError(s.T(), err)
	assert.Empty(s.T(), other)
}

// TestConcurrentStockDecrement runs two transactions racing for the last
// units of stock; row locking must serialize them so stock never goes
// negative.
func (s *EconomyStoreSuite) TestConcurrentStockDecrement() {
	firstAccount := s.seedAccount(100000)
	secondAccount := s.seedAccount(100000)
	item, err := s.store.CreateItem(s.ctx, ItemTypeShoes, "sneakers-1", 100, 5)
	require.NoError(s.T(), err)

	buyAll := func(accountID int64) error {
		return s.store.WithinTx(s.ctx, func(tx TxStore) error {
			if _, err := tx.AccountForUpdate(s.ctx, accountID); err != nil {
				return err
			}
			locked, err := tx.ItemForUpdate(s.ctx, item.ID)
			if err != nil {
				return err
			}
			if locked.StockQuantity < 5 {
				return econerrors.ErrInsufficientStock
			}
			return tx.SaveItemStock(s.ctx, item.ID, locked.StockQuantity-5)
		})
	}

	results := make(chan error, 2)
	go func() { results <- buyAll(firstAccount) }()
	go func() { results <- buyAll(secondAccount) }()

	var successes, stockFailures int
	for range 2 {
		switch err := <-results; {
		case err == nil:
			successes++
		case errors.Is(err, econerrors.ErrInsufficientStock):
			stockFailures++
		default:
			s.T().Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(s.T(), 1, successes)
	assert.Equal(s.T(), 1, stockFailures)

	final, err := s.store.FindItemByID(s.ctx, item.ID)
	require.NoError(s.T(), err)
	assert.Equal(s.T(), int32(0), final.StockQuantity)
}

// TestEconomyStoreIntegration runs the EconomyStore integration tests.
func TestEconomyStoreIntegration(t *testing.T) {
	// Skip integration tests if the environment variable is set
	if os.Getenv(skipIntegrationTests) == "1" {
		t.Skip("Skipping integration tests based on " + skipIntegrationTests + " env var")
	}
	// Run the test suite
	suite.Run(t, new(EconomyStoreSuite))
}
