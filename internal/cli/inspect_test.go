package cli

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/convtrack/internal/attribution"
	"github.com/roach88/convtrack/internal/store"
)

func seedDatabase(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "convtrack.db")
	st, err := store.Open(path)
	require.NoError(t, err)
	defer st.Close()

	ctx := context.Background()
	now := time.Now()
	require.NoError(t, st.Jar().Put(ctx, attribution.Slot{
		Domain: "example.com", Name: "_adm_aid", Value: "abc", HTTPOnly: true,
		ExpiresAt: now.Add(time.Hour), UpdatedAt: now,
	}))
	require.NoError(t, st.Jar().Put(ctx, attribution.Slot{
		Domain: "other.org", Name: "deduplication_adm", Value: "google",
		ExpiresAt: now.Add(time.Hour), UpdatedAt: now,
	}))
	require.NoError(t, st.Jar().Put(ctx, attribution.Slot{
		Domain: "example.com", Name: "stale", Value: "x",
		ExpiresAt: now.Add(-time.Hour), UpdatedAt: now.Add(-2 * time.Hour),
	}))

	ok, err := st.MarkPostback(ctx, store.Postback{
		Key: "k-0123456789abcdef", OrderID: "O-1", PaymentType: "sale", VisitorID: "abc", Reason: "cookie",
	})
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, st.FinishPostback(ctx, "k-0123456789abcdef", store.PostbackSent, nil, now))
	return path
}

func TestInspectSlots(t *testing.T) {
	db := seedDatabase(t)

	out, err := execute(t, "--format", "json", "inspect", "slots", "--db", db)
	require.NoError(t, err)
	var rows []SlotRow
	decodeData(t, out, &rows)
	require.Len(t, rows, 2)
	assert.Equal(t, "example.com", rows[0].Domain)
	assert.Equal(t, "_adm_aid", rows[0].Name)
	assert.True(t, rows[0].HTTPOnly)
	assert.Equal(t, "other.org", rows[1].Domain)

	out, err = execute(t, "inspect", "slots", "--db", db, "--domain", "other.org")
	require.NoError(t, err)
	assert.Contains(t, out, "deduplication_adm")
	assert.NotContains(t, out, "_adm_aid")
}

func TestInspectPostbacks(t *testing.T) {
	db := seedDatabase(t)

	out, err := execute(t, "--format", "json", "inspect", "postbacks", "--db", db)
	require.NoError(t, err)
	var rows []PostbackRow
	decodeData(t, out, &rows)
	require.Len(t, rows, 1)
	assert.Equal(t, "O-1", rows[0].OrderID)
	assert.Equal(t, "sent", rows[0].Status)
	assert.Equal(t, 1, rows[0].Attempts)

	out, err = execute(t, "inspect", "postbacks", "--db", db)
	require.NoError(t, err)
	assert.Contains(t, out, "k-0123456789")
	assert.Contains(t, out, "cookie")

	_, err = execute(t, "inspect", "postbacks", "--db", db, "--key", "missing")
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
}

func TestInspect_MissingDatabaseIsNotCreated(t *testing.T) {
	path := filepath.Join(t.TempDir(), "absent.db")

	_, err := execute(t, "inspect", "slots", "--db", path)
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, err.Error(), "database not found")

	_, statErr := os.Stat(path)
	assert.True(t, os.IsNotExist(statErr))
}
