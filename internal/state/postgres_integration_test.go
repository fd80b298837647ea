//go:build integration

package state

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ad-tracker/channel-announcer/internal/db/testutil"
)

func TestPostgresBackend_Integration(t *testing.T) {
	td := testutil.SetupTestDatabase(t)
	defer td.Cleanup(t)

	ctx := context.Background()
	backend := NewPostgresBackend(td.Pool)

	t.Run("empty table reads as nil", func(t *testing.T) {
		td.TruncateTables(t)
		data, err := backend.Read(ctx)
		require.NoError(t, err)
		assert.Nil(t, data)
	})

	t.Run("upsert replaces the document", func(t *testing.T) {
		td.TruncateTables(t)
		require.NoError(t, backend.Write(ctx, []byte(`{"g:UC1":{"knownUploadIds":["a"],"knownLiveIds":[]}}`)))
		require.NoError(t, backend.Write(ctx, []byte(`{"g:UC1":{"knownUploadIds":["a","b"],"knownLiveIds":["c"]}}`)))

		data, err := backend.Read(ctx)
		require.NoError(t, err)
		assert.JSONEq(t, `{"g:UC1":{"knownUploadIds":["a","b"],"knownLiveIds":["c"]}}`, string(data))

		var rows int
		require.NoError(t, td.Pool.QueryRow(ctx, `SELECT COUNT(*) FROM watch_state`).Scan(&rows))
		assert.Equal(t, 1, rows)
	})

	t.Run("store survives restart", func(t *testing.T) {
		td.TruncateTables(t)

		first := NewStore(backend, Options{})
		require.NoError(t, first.Load(ctx))
		first.MarkKnown(key, "x", false)
		first.MarkKnown(key, "y", true)
		require.NoError(t, first.Flush(ctx))

		second := NewStore(backend, Options{})
		require.NoError(t, second.Load(ctx))
		assert.True(t, second.IsKnown(key, "x", false))
		assert.True(t, second.IsKnown(key, "y", true))
	})

	t.Run("ping", func(t *testing.T) {
		assert.NoError(t, backend.Ping(ctx))
	})
}
