package memory

import (
	"context"
	"testing"

	"github.com/adwski/moshi-moshi/backend/presence"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemStore(t *testing.T) {
	ctx := context.Background()
	ms := NewMemStore(presence.Profile{UserID: "u1", Username: "alice", Rate: "1.11"})

	require.NoError(t, ms.SetStatus(ctx, "u1", presence.OnACall))
	require.NoError(t, ms.SetRoomMessage(ctx, "u1", "hi there"))

	p, err := ms.GetProfile(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "alice", p.Username)
	assert.Equal(t, presence.OnACall, p.Status)
	assert.Equal(t, "hi there", p.RoomMessage)

	p.Username = "mutated"
	again, err := ms.GetProfile(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "alice", again.Username, "returned profile is a copy")
}

func TestMemStore_Missing(t *testing.T) {
	ctx := context.Background()
	ms := NewMemStore()

	_, err := ms.GetProfile(ctx, "nobody")
	assert.ErrorIs(t, err, presence.ErrProfileNotFound)
	assert.ErrorIs(t, ms.SetStatus(ctx, "nobody", presence.Online), presence.ErrProfileNotFound)
}
