package peer

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/adwski/moshi-moshi/backend/model"
	wsserver "github.com/adwski/moshi-moshi/backend/server/websocket"
	"github.com/adwski/moshi-moshi/backend/service"
	sw "github.com/adwski/moshi-moshi/backend/switch"
	"github.com/adwski/moshi-moshi/backend/transport"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newSignalServer(t *testing.T) string {
	t.Helper()
	logger := zerolog.Nop()
	svc := service.NewService(service.Config{
		Switch: sw.NewSwitch(&logger),
		Logger: &logger,
	})
	srv := wsserver.NewServer(wsserver.Config{Logger: &logger, SignalingService: svc})
	ts := httptest.NewServer(srv.Handler)
	t.Cleanup(ts.Close)
	return "ws" + strings.TrimPrefix(ts.URL, "http")
}

func newTestTransport(signalURL string) *Transport {
	logger := zerolog.Nop()
	return New(&Config{Logger: &logger, SignalURL: signalURL})
}

func register(t *testing.T, tr *Transport, identity string) transport.Session {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	s, err := tr.Register(ctx, identity)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Teardown() })
	return s
}

// caller is a bare signaling client standing in for the calling party.
type caller struct {
	t    *testing.T
	conn *websocket.Conn
}

func dialCaller(t *testing.T, signalURL, identity string) *caller {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(signalURL+"/signal/"+identity, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	c := &caller{t: t, conn: conn}
	require.Equal(t, model.AnnouncementTypeOpen, c.read().Type)
	return c
}

func (c *caller) send(typ, dst string, payload any) {
	c.t.Helper()
	ann, err := model.NewAnnouncement(typ, "", dst, payload)
	require.NoError(c.t, err)
	require.NoError(c.t, c.conn.WriteJSON(&ann))
}

func (c *caller) read() model.Announcement {
	c.t.Helper()
	require.NoError(c.t, c.conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	var ann model.Announcement
	require.NoError(c.t, c.conn.ReadJSON(&ann))
	return ann
}

func nextEvent(t *testing.T, s transport.Session) transport.Event {
	t.Helper()
	select {
	case ev := <-s.Events():
		return ev
	case <-time.After(3 * time.Second):
		t.Fatal("no transport event")
	}
	return nil
}

func TestRegister(t *testing.T) {
	signalURL := newSignalServer(t)
	tr := newTestTransport(signalURL)

	s := register(t, tr, "alice")
	assert.Equal(t, "alice", s.Identity())

	_, err := tr.Register(context.Background(), "alice")
	assert.ErrorIs(t, err, transport.ErrRegistration)
	assert.ErrorIs(t, err, transport.ErrIdentityTaken)

	_, err = tr.Register(context.Background(), "")
	assert.ErrorIs(t, err, transport.ErrEmptyIdentity)

	_, err = tr.Register(context.Background(), "bad name")
	assert.ErrorIs(t, err, transport.ErrRejected)
}

func TestRegister_Unreachable(t *testing.T) {
	tr := newTestTransport("ws://127.0.0.1:1")
	_, err := tr.Register(context.Background(), "alice")
	assert.ErrorIs(t, err, transport.ErrRegistration)
	assert.ErrorIs(t, err, transport.ErrUnreachable)
}

func TestRegister_TeardownFreesIdentity(t *testing.T) {
	signalURL := newSignalServer(t)
	tr := newTestTransport(signalURL)

	s := register(t, tr, "alice")
	require.NoError(t, s.Teardown())
	assert.NoError(t, s.Teardown())

	require.Eventually(t, func() bool {
		s, err := tr.Register(context.Background(), "alice")
		if err != nil {
			return false
		}
		_ = s.Teardown()
		return true
	}, 3*time.Second, 50*time.Millisecond)
}

func TestSession_IncomingCallAndRemoteLeave(t *testing.T) {
	signalURL := newSignalServer(t)
	s := register(t, newTestTransport(signalURL), "alice")
	bob := dialCaller(t, signalURL, "bob")

	bob.send(model.AnnouncementTypeOffer, "alice", model.Offer{
		ConnectionID: "c-1", Kind: model.ConnectionKindMedia, SDP: "v=0",
	})
	ev := nextEvent(t, s)
	incoming, ok := ev.(transport.IncomingCall)
	require.True(t, ok, "got %T", ev)
	assert.Equal(t, "bob", incoming.From)
	assert.Equal(t, "bob", incoming.Call.Remote())
	assert.False(t, incoming.Call.Open())

	bob.send(model.AnnouncementTypeLeave, "alice", model.Leave{ConnectionID: "c-1"})
	ev = nextEvent(t, s)
	closed, ok := ev.(transport.CallClosed)
	require.True(t, ok, "got %T", ev)
	assert.Equal(t, incoming.Call, closed.Call)
}

func TestSession_DeclineSendsLeave(t *testing.T) {
	signalURL := newSignalServer(t)
	s := register(t, newTestTransport(signalURL), "alice")
	bob := dialCaller(t, signalURL, "bob")

	bob.send(model.AnnouncementTypeOffer, "alice", model.Offer{
		ConnectionID: "c-2", Kind: model.ConnectionKindMedia, SDP: "v=0",
	})
	incoming := nextEvent(t, s).(transport.IncomingCall)

	assert.ErrorIs(t, incoming.Call.Answer(plainAudio{}), ErrUnsupportedAudio)
	require.NoError(t, incoming.Call.Close())
	require.NoError(t, incoming.Call.Close())

	ann := bob.read()
	assert.Equal(t, model.AnnouncementTypeLeave, ann.Type)
	assert.Equal(t, "alice", ann.SRC)
	var leave model.Leave
	require.NoError(t, json.Unmarshal(ann.Payload, &leave))
	assert.Equal(t, "c-2", leave.ConnectionID)

	assert.ErrorIs(t, incoming.Call.Answer(plainAudio{}), ErrUnsupportedAudio)
}

func newDetachedSession(identity string) *session {
	return &session{
		logger:   zerolog.Nop(),
		identity: identity,
		events:   make(chan transport.Event, defaultEventQueue),
		out:      make(chan model.Announcement, defaultOutQueue),
		done:     make(chan struct{}),
		conns:    make(map[string]connection),
	}
}

func offerFrom(t *testing.T, src, id string) model.Announcement {
	t.Helper()
	ann, err := model.NewAnnouncement(model.AnnouncementTypeOffer, src, "alice", model.Offer{
		ConnectionID: id, Kind: model.ConnectionKindMedia, SDP: "v=0",
	})
	require.NoError(t, err)
	return ann
}

func TestSession_ExpireClosesCallsOfGoneRemote(t *testing.T) {
	s := newDetachedSession("alice")
	s.dispatch(offerFrom(t, "bob", "c-3"))
	s.dispatch(offerFrom(t, "bob", "c-4"))
	s.dispatch(offerFrom(t, "carol", "c-5"))
	for i := 0; i < 3; i++ {
		_ = nextEvent(t, s)
	}

	s.dispatch(model.Announcement{Type: model.AnnouncementTypeExpire, SRC: "bob"})

	closed := map[string]bool{}
	for i := 0; i < 2; i++ {
		ev, ok := nextEvent(t, s).(transport.CallClosed)
		require.True(t, ok)
		closed[ev.Call.(*call).id] = true
	}
	assert.Equal(t, map[string]bool{"c-3": true, "c-4": true}, closed)
	assert.NotNil(t, s.lookup("c-5"))
	assert.Nil(t, s.lookup("c-3"))
}

func TestSession_DuplicateConnectionIgnored(t *testing.T) {
	s := newDetachedSession("alice")
	s.dispatch(offerFrom(t, "bob", "c-6"))
	s.dispatch(offerFrom(t, "bob", "c-6"))

	_ = nextEvent(t, s)
	select {
	case ev := <-s.events:
		t.Fatalf("unexpected event %T", ev)
	default:
	}
}

func TestSession_ErrorAnnouncement(t *testing.T) {
	s := newDetachedSession("alice")
	ann, err := model.NewAnnouncement(model.AnnouncementTypeError, "", "alice", model.Notice{Message: "server error"})
	require.NoError(t, err)

	s.dispatch(ann)

	ev, ok := nextEvent(t, s).(transport.RegistrationError)
	require.True(t, ok)
	assert.EqualError(t, ev.Err, "server error")
}

func TestSession_CandidatesHeldUntilAnswer(t *testing.T) {
	s := newDetachedSession("alice")
	s.dispatch(offerFrom(t, "bob", "c-7"))
	incoming := nextEvent(t, s).(transport.IncomingCall)

	mid := "0"
	ann, err := model.NewAnnouncement(model.AnnouncementTypeCandidate, "bob", "alice", model.Candidate{
		ConnectionID: "c-7", Candidate: "candidate:1 1 udp 2130706431 127.0.0.1 5000 typ host", SDPMid: &mid,
	})
	require.NoError(t, err)
	s.dispatch(ann)

	c := incoming.Call.(*call)
	c.mx.Lock()
	defer c.mx.Unlock()
	require.Len(t, c.remotePending, 1)
	assert.Equal(t, "0", *c.remotePending[0].SDPMid)
}

func TestSession_InvalidOfferIgnored(t *testing.T) {
	signalURL := newSignalServer(t)
	s := register(t, newTestTransport(signalURL), "alice")
	bob := dialCaller(t, signalURL, "bob")

	bob.send(model.AnnouncementTypeOffer, "alice", model.Offer{Kind: model.ConnectionKindMedia})
	bob.send(model.AnnouncementTypeOffer, "alice", model.Offer{ConnectionID: "x", Kind: "video"})
	bob.send(model.AnnouncementTypeOffer, "alice", model.Offer{
		ConnectionID: "c-5", Kind: model.ConnectionKindMedia, SDP: "v=0",
	})

	incoming, ok := nextEvent(t, s).(transport.IncomingCall)
	require.True(t, ok)
	assert.Equal(t, "bob", incoming.From)
}

type plainAudio struct{}

func (plainAudio) Stop() {}
