package repository

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"raw-uart-service/internal/model"
)

func TestMemoryRepositoryNewestFirst(t *testing.T) {
	repo := NewMemoryEventRepository(3)
	ctx := context.Background()

	for i, connected := range []bool{true, false, true, false} {
		e := model.NewDeviceEvent("rf0", model.EventDeviceConnected, connected, "")
		e.Detail = string(rune('a' + i))
		require.NoError(t, repo.Create(ctx, e))
	}
	require.NoError(t, repo.Create(ctx, model.NewDeviceEvent("rf1", model.EventDeviceReset, true, "")))

	events, err := repo.ListByDevice(ctx, "rf0", 0)
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, "d", events[0].Detail)
	assert.Equal(t, "b", events[2].Detail)

	events, err = repo.ListByDevice(ctx, "rf0", 1)
	require.NoError(t, err)
	assert.Len(t, events, 1)

	events, err = repo.ListByDevice(ctx, "missing", 10)
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestMemoryRepositoryDeleteOlderThan(t *testing.T) {
	repo := NewMemoryEventRepository(10)
	ctx := context.Background()

	old := model.NewDeviceEvent("rf0", model.EventDeviceDisconnected, false, "")
	old.Timestamp = time.Now().Add(-48 * time.Hour)
	require.NoError(t, repo.Create(ctx, old))
	require.NoError(t, repo.Create(ctx, model.NewDeviceEvent("rf0", model.EventDeviceConnected, true, "")))

	deleted, err := repo.DeleteOlderThan(ctx, time.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)

	events, err := repo.ListByDevice(ctx, "rf0", 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.True(t, events[0].Connected)
}
