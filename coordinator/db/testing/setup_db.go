// Package testing allows for spinning up a real bolt database instance for
// coordinator tests.
package testing

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/zkmpc/coordinator/coordinator/db/iface"
	"github.com/zkmpc/coordinator/coordinator/db/kv"
)

// SetupDB instantiates and returns a database backed by a temporary
// directory, closed automatically when the test ends.
func SetupDB(t testing.TB) iface.Database {
	db, err := kv.NewKVStore(context.Background(), t.TempDir())
	require.NoError(t, err, "Failed to instantiate database")
	t.Cleanup(func() {
		require.NoError(t, db.Close(), "Failed to close database")
	})
	return db
}
