package callsession

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/adwski/moshi-moshi/backend/presence"
	"github.com/adwski/moshi-moshi/backend/storage/memory"
	"github.com/adwski/moshi-moshi/backend/transport"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

type fakeSession struct {
	identity string
	events   chan transport.Event

	mx   sync.Mutex
	torn bool
}

func (s *fakeSession) Identity() string { return s.identity }

func (s *fakeSession) Events() <-chan transport.Event { return s.events }

func (s *fakeSession) Teardown() error {
	s.mx.Lock()
	defer s.mx.Unlock()
	s.torn = true
	return nil
}

func (s *fakeSession) tornDown() bool {
	s.mx.Lock()
	defer s.mx.Unlock()
	return s.torn
}

type fakeTransport struct {
	mx       sync.Mutex
	err      error
	sessions []*fakeSession
}

func (tr *fakeTransport) Register(_ context.Context, identity string) (transport.Session, error) {
	tr.mx.Lock()
	defer tr.mx.Unlock()
	if tr.err != nil {
		return nil, tr.err
	}
	s := &fakeSession{identity: identity, events: make(chan transport.Event)}
	tr.sessions = append(tr.sessions, s)
	return s, nil
}

func (tr *fakeTransport) last() *fakeSession {
	tr.mx.Lock()
	defer tr.mx.Unlock()
	if len(tr.sessions) == 0 {
		return nil
	}
	return tr.sessions[len(tr.sessions)-1]
}

func (tr *fakeTransport) registrations() int {
	tr.mx.Lock()
	defer tr.mx.Unlock()
	return len(tr.sessions)
}

type fakeCall struct {
	remote string

	mx        sync.Mutex
	answerErr error
	answered  transport.LocalAudio
	open      bool
	closed    int
}

func (c *fakeCall) Remote() string { return c.remote }

func (c *fakeCall) Answer(audio transport.LocalAudio) error {
	c.mx.Lock()
	defer c.mx.Unlock()
	if c.answerErr != nil {
		return c.answerErr
	}
	c.answered = audio
	return nil
}

func (c *fakeCall) Open() bool {
	c.mx.Lock()
	defer c.mx.Unlock()
	return c.open
}

func (c *fakeCall) Close() error {
	c.mx.Lock()
	defer c.mx.Unlock()
	c.closed++
	c.open = false
	return nil
}

func (c *fakeCall) closedCount() int {
	c.mx.Lock()
	defer c.mx.Unlock()
	return c.closed
}

func (c *fakeCall) answeredWith() transport.LocalAudio {
	c.mx.Lock()
	defer c.mx.Unlock()
	return c.answered
}

type fakeChannel struct {
	remote string

	mx     sync.Mutex
	open   bool
	sent   []string
	closed int
}

func newFakeChannel(remote string) *fakeChannel {
	return &fakeChannel{remote: remote, open: true}
}

func (ch *fakeChannel) Remote() string { return ch.remote }

func (ch *fakeChannel) Open() bool {
	ch.mx.Lock()
	defer ch.mx.Unlock()
	return ch.open
}

func (ch *fakeChannel) Send(text string) {
	ch.mx.Lock()
	defer ch.mx.Unlock()
	if ch.open {
		ch.sent = append(ch.sent, text)
	}
}

func (ch *fakeChannel) Close() error {
	ch.mx.Lock()
	defer ch.mx.Unlock()
	ch.open = false
	ch.closed++
	return nil
}

func (ch *fakeChannel) sentTexts() []string {
	ch.mx.Lock()
	defer ch.mx.Unlock()
	return append([]string(nil), ch.sent...)
}

func (ch *fakeChannel) closedCount() int {
	ch.mx.Lock()
	defer ch.mx.Unlock()
	return ch.closed
}

type fakeAudio struct {
	mx      sync.Mutex
	stopped int
}

func (a *fakeAudio) Stop() {
	a.mx.Lock()
	defer a.mx.Unlock()
	a.stopped++
}

func (a *fakeAudio) stops() int {
	a.mx.Lock()
	defer a.mx.Unlock()
	return a.stopped
}

// fakeSource hands out a new fakeAudio per call. A non-nil gate blocks
// Acquire until it is closed.
type fakeSource struct {
	mx     sync.Mutex
	err    error
	gate   chan struct{}
	issued []*fakeAudio
}

func (s *fakeSource) Acquire(ctx context.Context) (transport.LocalAudio, error) {
	s.mx.Lock()
	gate, err := s.gate, s.err
	s.mx.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	a := &fakeAudio{}
	s.mx.Lock()
	s.issued = append(s.issued, a)
	s.mx.Unlock()
	return a, nil
}

func (s *fakeSource) setErr(err error) {
	s.mx.Lock()
	defer s.mx.Unlock()
	s.err = err
}

func (s *fakeSource) setGate(gate chan struct{}) {
	s.mx.Lock()
	defer s.mx.Unlock()
	s.gate = gate
}

func (s *fakeSource) audios() []*fakeAudio {
	s.mx.Lock()
	defer s.mx.Unlock()
	return append([]*fakeAudio(nil), s.issued...)
}

type fakeStream struct {
	tracks int
}

func (s fakeStream) AudioTracks() int { return s.tracks }

// counter records Start/Stop style calls.
type counter struct {
	mx     sync.Mutex
	starts int
	stops  int
}

func (c *counter) Start() {
	c.mx.Lock()
	defer c.mx.Unlock()
	c.starts++
}

func (c *counter) Stop() {
	c.mx.Lock()
	defer c.mx.Unlock()
	c.stops++
}

func (c *counter) Play() { c.Start() }

func (c *counter) counts() (int, int) {
	c.mx.Lock()
	defer c.mx.Unlock()
	return c.starts, c.stops
}

type fakePipeline struct {
	counter
	remote string
}

func (p *fakePipeline) Start(remote string, _ transport.RemoteStream) {
	p.mx.Lock()
	p.remote = remote
	p.mx.Unlock()
	p.counter.Start()
}

// fakePublisher records derived writes and applies awaited ones to store.
type fakePublisher struct {
	store    presence.Store
	mx       sync.Mutex
	statuses []presence.Status
}

func (p *fakePublisher) PublishWait(status presence.Status) <-chan error {
	result := make(chan error, 1)
	result <- p.store.SetStatus(context.Background(), testUserID, status)
	return result
}

func (p *fakePublisher) Publish(status presence.Status) {
	p.mx.Lock()
	defer p.mx.Unlock()
	p.statuses = append(p.statuses, status)
}

func (p *fakePublisher) published() []presence.Status {
	p.mx.Lock()
	defer p.mx.Unlock()
	return append([]presence.Status(nil), p.statuses...)
}

// failingStore fails writes while err is set.
type failingStore struct {
	*memory.MemStore

	mx  sync.Mutex
	err error
}

func (s *failingStore) setErr(err error) {
	s.mx.Lock()
	defer s.mx.Unlock()
	s.err = err
}

func (s *failingStore) fail() error {
	s.mx.Lock()
	defer s.mx.Unlock()
	return s.err
}

func (s *failingStore) SetStatus(ctx context.Context, userID string, status presence.Status) error {
	if err := s.fail(); err != nil {
		return err
	}
	return s.MemStore.SetStatus(ctx, userID, status)
}

func (s *failingStore) SetRoomMessage(ctx context.Context, userID string, text string) error {
	if err := s.fail(); err != nil {
		return err
	}
	return s.MemStore.SetRoomMessage(ctx, userID, text)
}

type fakeClock struct {
	mx  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mx.Lock()
	defer c.mx.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mx.Lock()
	defer c.mx.Unlock()
	c.now = c.now.Add(d)
}

var errStoreDown = errors.New("store is down")

const testUserID = "u-1"

type harness struct {
	t         *testing.T
	m         *Machine
	tr        *fakeTransport
	store     *failingStore
	source    *fakeSource
	pipeline  *fakePipeline
	ringer    *counter
	chime     *counter
	publisher *fakePublisher
	clock     *fakeClock

	mx          sync.Mutex
	transitions [][2]State
}

func newHarness(t *testing.T, profile presence.Profile, opts ...func(*Config)) *harness {
	t.Helper()
	logger := zerolog.Nop()
	h := &harness{
		t:         t,
		tr:        &fakeTransport{},
		store:     &failingStore{MemStore: memory.NewMemStore(profile)},
		source:    &fakeSource{},
		pipeline:  &fakePipeline{},
		ringer:    &counter{},
		chime:     &counter{},
		clock:     &fakeClock{now: time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)},
	}
	h.publisher = &fakePublisher{store: h.store}
	cfg := &Config{
		Logger:        &logger,
		Transport:     h.tr,
		Store:         h.store,
		Presence:      h.publisher,
		Audio:         h.source,
		Pipeline:      h.pipeline,
		Ringer:        h.ringer,
		Chime:         h.chime,
		UserID:        profile.UserID,
		SendAutoReply: true,
		EndedLinger:   time.Hour,
		Clock:         h.clock.Now,
		OnTransition: func(from, to State) {
			h.mx.Lock()
			defer h.mx.Unlock()
			h.transitions = append(h.transitions, [2]State{from, to})
		},
	}
	for _, opt := range opts {
		opt(cfg)
	}
	h.m = New(cfg)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = h.m.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return h
}

func (h *harness) snapshot() Snapshot {
	h.t.Helper()
	snap, err := h.m.Snapshot(context.Background())
	require.NoError(h.t, err)
	return snap
}

func (h *harness) waitRegistered() *fakeSession {
	h.t.Helper()
	require.Eventually(h.t, func() bool {
		return h.snapshot().Registered
	}, time.Second, 5*time.Millisecond)
	return h.tr.last()
}

// emit delivers ev to the loop. The loop has applied it once the next
// command is served.
func (h *harness) emit(s *fakeSession, ev transport.Event) {
	h.t.Helper()
	select {
	case s.events <- ev:
	case <-time.After(time.Second):
		h.t.Fatalf("event %T was not consumed", ev)
	}
}

func (h *harness) ring(s *fakeSession, from string) *fakeCall {
	h.t.Helper()
	call := &fakeCall{remote: from}
	h.emit(s, transport.IncomingCall{From: from, Call: call})
	require.Equal(h.t, Ringing, h.snapshot().State)
	return call
}

// activate takes a ringing call to Active.
func (h *harness) activate(s *fakeSession, call *fakeCall) {
	h.t.Helper()
	require.NoError(h.t, h.m.Accept(context.Background()))
	require.Equal(h.t, Connecting, h.snapshot().State)
	h.emit(s, transport.CallStream{Call: call, Stream: fakeStream{tracks: 1}})
	require.Equal(h.t, Active, h.snapshot().State)
}

func (h *harness) recordedTransitions() [][2]State {
	h.mx.Lock()
	defer h.mx.Unlock()
	return append([][2]State(nil), h.transitions...)
}

func testProfile() presence.Profile {
	return presence.Profile{
		UserID:   testUserID,
		Username: "alice",
		Status:   presence.Online,
		Rate:     "$1.50/min",
	}
}
