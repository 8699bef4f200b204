// Package database provides shared test database helpers.
package database

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/roseybot/rosey/pkg/database"
)

// NewTestClient creates a database client backed by a throwaway SQLite file
// under the test's temp directory, with all system migrations applied. The
// client is closed automatically when the test ends.
func NewTestClient(t *testing.T) *database.Client {
	t.Helper()

	path := filepath.Join(t.TempDir(), "rosey_test.db")
	client, err := database.NewClient(context.Background(), database.Config{
		Path:         path,
		MaxOpenConns: 4,
		MaxIdleConns: 2,
	})
	require.NoError(t, err)

	t.Cleanup(func() {
		require.NoError(t, client.Close())
	})
	return client
}
