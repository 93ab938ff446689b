// Package testutil holds shared fixtures for package tests.
package testutil

import (
	"fmt"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/Shadowskybtw/loyalty-backend/internal/models"
	"github.com/Shadowskybtw/loyalty-backend/internal/store"

	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

var dbCounter atomic.Int64

// NewDB returns a migrated in-memory sqlite database private to the test.
func NewDB(t *testing.T) *gorm.DB {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	dsn := fmt.Sprintf("file:%s_%d?mode=memory&cache=shared", name, dbCounter.Add(1))
	db, err := store.InitDB(dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close(db) })
	return db
}

// CreateAccount inserts a fresh account with an external id derived from n.
func CreateAccount(t *testing.T, db *gorm.DB, n int) *models.Account {
	t.Helper()
	acct := &models.Account{ExternalID: fmt.Sprintf("tg-%d", n), Name: fmt.Sprintf("Guest %d", n)}
	require.NoError(t, db.Create(acct).Error)
	return acct
}
