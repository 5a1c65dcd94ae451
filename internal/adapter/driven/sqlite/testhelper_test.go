package sqlite

import (
	"context"
	"fmt"
	"net/url"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ericfisherdev/wealthpanel/internal/domain/model"
)

// setupTestDB opens a shared-cache in-memory database named after the test,
// so reader and writer see the same data and parallel tests stay isolated.
func setupTestDB(t *testing.T) *DB {
	t.Helper()
	ctx := context.Background()

	// In-memory databases have no WAL; journal_mode is left out.
	dsn := fmt.Sprintf(
		"file:%s?mode=memory&cache=shared&_pragma=busy_timeout(5000)&_pragma=foreign_keys(ON)",
		url.PathEscape(t.Name()),
	)

	writer, err := openPool(ctx, dsn, 1)
	require.NoError(t, err, "open test writer")

	reader, err := openPool(ctx, dsn, 4)
	if err != nil {
		_ = writer.Close()
		t.Fatalf("open test reader: %v", err)
	}

	db := &DB{Writer: writer, Reader: reader, path: dsn}
	t.Cleanup(func() { _ = db.Close() })

	require.NoError(t, RunMigrations(db.Writer), "run migrations")

	return db
}

func createTestUser(t *testing.T, db *DB, username string) int64 {
	t.Helper()
	id, err := NewUserRepo(db).Create(context.Background(), model.User{
		Username:        username,
		BaseCurrency:    "EUR",
		AutoSyncEnabled: true,
	})
	require.NoError(t, err)
	return id
}

func createTestAccount(t *testing.T, db *DB, userID int64, externalID string) int64 {
	t.Helper()
	id, err := NewAccountRepo(db).Create(context.Background(), model.Account{
		UserID:               userID,
		BrokerCode:           "ibkr",
		Name:                 "Brokerage " + externalID,
		Type:                 model.AccountTypeBrokerage,
		Currency:             "USD",
		ExternalID:           externalID,
		Status:               model.AccountStatusActive,
		SyncEnabled:          true,
		EncryptedCredentials: []byte("sealed"),
		Scheme:               model.EncryptionSchemeLegacy,
	})
	require.NoError(t, err)
	return id
}
