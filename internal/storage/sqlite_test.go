package storage

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kalambet/acctintel/internal/conversation"
)

var _ conversation.Backend = (*Store)(nil)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestOpen_ReopenDoesNotReapplyMigrations(t *testing.T) {
	dir := t.TempDir()

	first, err := Open(dir)
	require.NoError(t, err)
	before, err := first.AppliedMigrations()
	require.NoError(t, err)
	require.NoError(t, first.Close())

	second, err := Open(dir)
	require.NoError(t, err)
	defer second.Close()
	after, err := second.AppliedMigrations()
	require.NoError(t, err)

	assert.Equal(t, before, after)
	assert.IsIncreasing(t, after)
}

func TestOpen_CreatesSchema(t *testing.T) {
	s := openTestStore(t)

	for _, name := range []string{"kv", "jobs", "idx_jobs_status_run_after"} {
		var n int
		err := s.db.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE name = ?", name).Scan(&n)
		require.NoError(t, err)
		assert.Equal(t, 1, n, "schema object %s", name)
	}
}

func TestParseMigrationVersion(t *testing.T) {
	v, err := parseMigrationVersion("0007_add_things.sql")
	require.NoError(t, err)
	assert.Equal(t, 7, v)

	_, err = parseMigrationVersion("init.sql")
	assert.Error(t, err)
}

func TestValues_LastWriteWins(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	_, ok, err := s.GetValue(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.SetValue(ctx, conversation.KeyActive, "c1"))
	require.NoError(t, s.SetValue(ctx, conversation.KeyActive, "c2"))

	v, ok, err := s.GetValue(ctx, conversation.KeyActive)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "c2", v)
}

func TestValues_SurviveReopen(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	s1, err := Open(dir)
	require.NoError(t, err)
	store := conversation.New(s1)
	store.Load(ctx)
	c := store.CreatePlaceholder(ctx, "Full Analysis")
	require.NoError(t, s1.Close())

	s2, err := Open(dir)
	require.NoError(t, err)
	defer s2.Close()

	reloaded := conversation.New(s2)
	convs := reloaded.Load(ctx)
	require.Len(t, convs, 1)
	assert.Equal(t, c.ID, convs[0].ID)

	active, ok := reloaded.Active()
	require.True(t, ok)
	assert.Equal(t, c.ID, active.ID)
}
