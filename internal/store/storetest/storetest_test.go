package storetest

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaybot-dev/relaybot/internal/store"
)

func TestFakeAdminStore_AddIsAdminRemove(t *testing.T) {
	ctx := context.Background()
	s := NewFakeAdminStore("owner@example")

	ok, err := s.IsAdmin(ctx, "owner@example")
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, s.AddAdmin(ctx, "alice@example"))
	ok, _ = s.IsAdmin(ctx, "alice@example")
	assert.True(t, ok)

	require.NoError(t, s.RemoveAdmin(ctx, "alice@example"))
	ok, _ = s.IsAdmin(ctx, "alice@example")
	assert.False(t, ok)
}

func TestFakeBanStore_BanUnban(t *testing.T) {
	ctx := context.Background()
	s := NewFakeBanStore()

	ok, _ := s.IsBanned(ctx, "spammer@example")
	assert.False(t, ok)

	require.NoError(t, s.Ban(ctx, "spammer@example", "spam"))
	ok, _ = s.IsBanned(ctx, "spammer@example")
	assert.True(t, ok)

	require.NoError(t, s.Unban(ctx, "spammer@example"))
	ok, _ = s.IsBanned(ctx, "spammer@example")
	assert.False(t, ok)
}

func TestFakeModeStore_FailNextForcesFallback(t *testing.T) {
	ctx := context.Background()
	s := NewFakeModeStore(store.ModePublic)

	s.FailNext()
	_, err := s.GetMode(ctx)
	assert.Error(t, err)

	mode, err := s.GetMode(ctx)
	require.NoError(t, err)
	assert.Equal(t, store.ModePublic, mode)
}

func TestFakeJobRecordStore_SaveDeleteListByPlugin(t *testing.T) {
	ctx := context.Background()
	s := NewFakeJobRecordStore()

	require.NoError(t, s.SaveJob(ctx, store.JobRecord{JobID: "reminders:daily", PluginName: "reminders", CronExpr: "0 9 * * *", Timezone: "UTC"}))
	require.NoError(t, s.SaveJob(ctx, store.JobRecord{JobID: "reminders:weekly", PluginName: "reminders", CronExpr: "0 9 * * MON", Timezone: "UTC"}))
	require.NoError(t, s.SaveJob(ctx, store.JobRecord{JobID: "other:job", PluginName: "other", CronExpr: "* * * * *", Timezone: "UTC"}))

	recs, err := s.JobsForPlugin(ctx, "reminders")
	require.NoError(t, err)
	assert.Len(t, recs, 2)

	require.NoError(t, s.DeleteJob(ctx, "reminders:daily"))
	recs, _ = s.JobsForPlugin(ctx, "reminders")
	assert.Len(t, recs, 1)
}
