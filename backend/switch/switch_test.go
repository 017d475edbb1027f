package _switch

import (
	"context"
	"testing"
	"time"

	"github.com/adwski/moshi-moshi/backend/model"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSwitch() *Switch {
	logger := zerolog.Nop()
	return NewSwitch(&logger)
}

func receive(t *testing.T, tx <-chan model.Announcement) model.Announcement {
	t.Helper()
	select {
	case ann := <-tx:
		return ann
	case <-time.After(2 * time.Second):
		t.Fatal("announcement was not delivered")
	}
	return model.Announcement{}
}

func TestSwitch_ConnectRejectsTakenIdentity(t *testing.T) {
	sw := newTestSwitch()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	first := model.NewWire()
	require.NoError(t, sw.Connect(ctx, "alice", first))
	assert.ErrorIs(t, sw.Connect(ctx, "alice", model.NewWire()), model.ErrIdentityTaken)
	assert.True(t, sw.Registered("alice"))
}

func TestSwitch_StaleDisconnectKeepsNewRegistration(t *testing.T) {
	sw := newTestSwitch()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	first := model.NewWire()
	require.NoError(t, sw.Connect(ctx, "alice", first))
	require.NoError(t, sw.Disconnect("alice", first))
	assert.False(t, sw.Registered("alice"))

	second := model.NewWire()
	require.NoError(t, sw.Connect(ctx, "alice", second))
	require.NoError(t, sw.Disconnect("alice", first))
	assert.True(t, sw.Registered("alice"))
}

func TestSwitch_ForwardsToDestination(t *testing.T) {
	sw := newTestSwitch()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	alice, bob := model.NewWire(), model.NewWire()
	require.NoError(t, sw.Connect(ctx, "alice", alice))
	require.NoError(t, sw.Connect(ctx, "bob", bob))

	ann, err := model.NewAnnouncement(model.AnnouncementTypeOffer, "bob", "alice",
		model.Offer{ConnectionID: "c1", Kind: model.ConnectionKindData, SDP: "v=0"})
	require.NoError(t, err)
	bob.RX <- ann

	got := receive(t, alice.TX)
	assert.Equal(t, model.AnnouncementTypeOffer, got.Type)
	assert.Equal(t, "bob", got.SRC)
	assert.JSONEq(t, `{"connection_id":"c1","kind":"data","sdp":"v=0"}`, string(got.Payload))
}

func TestSwitch_ExpiresUnknownDestination(t *testing.T) {
	sw := newTestSwitch()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bob := model.NewWire()
	require.NoError(t, sw.Connect(ctx, "bob", bob))

	bob.RX <- model.Announcement{SRC: "bob", DST: "carol", Type: model.AnnouncementTypeOffer}

	got := receive(t, bob.TX)
	assert.Equal(t, model.AnnouncementTypeExpire, got.Type)
	assert.Equal(t, "carol", got.SRC)
	assert.Equal(t, "bob", got.DST)
}
