// Package callsession drives the single call a creator can hold. One loop
// goroutine owns all state: transport events, user commands and results of
// background work (media acquisition, registration, store writes) are all
// applied there in arrival order.
package callsession

import (
	"context"
	"errors"
	"time"

	"github.com/adwski/moshi-moshi/backend/chat"
	"github.com/adwski/moshi-moshi/backend/presence"
	"github.com/adwski/moshi-moshi/backend/transport"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
)

const (
	defaultEndedLinger     = 2 * time.Second
	defaultRegisterTimeout = 10 * time.Second
	defaultStoreTimeout    = 5 * time.Second
)

// Transcript texts.
const (
	DeclineText      = "Cannot come to the phone right now 😔"
	roomIntroText    = "This is your room"
	autoReplyTipText = "💡 We suggest you set an auto-reply for your room. Callers see it as soon as they connect."
	emptyMessageText = "No message to send"
	mediaAccessText  = "Microphone is unavailable, check permissions and try again"
	storeErrorText   = "Error occurred, refresh the page and try again"
	savedReplyText   = "Saved auto-reply"
	channelEndText   = "Connection closed"
	registrationLost = "Connection to the signaling server was lost"
)

var (
	ErrStopped      = errors.New("call session is stopped")
	ErrInvalidState = errors.New("operation is not valid in the current call state")
	ErrAcquiring    = errors.New("audio input is already being acquired")
	ErrMediaAccess  = errors.New("audio input is unavailable")
	ErrAnswer       = errors.New("unable to answer call")
	ErrCancelled    = errors.New("operation was cancelled")
	ErrBusy         = errors.New("a call is in progress")
	ErrNoIdentity   = errors.New("no endpoint identity configured")
)

type (
	// AudioSource hands out the local input track for an answered call.
	AudioSource interface {
		Acquire(ctx context.Context) (transport.LocalAudio, error)
	}

	// AudioPipeline plays the remote party's audio.
	AudioPipeline interface {
		Start(remote string, stream transport.RemoteStream)
		Stop()
	}

	// Ringer loops the ringtone. Start and Stop are idempotent.
	Ringer interface {
		Start()
		Stop()
	}

	// Notifier plays the outgoing-message chime.
	Notifier interface {
		Play()
	}

	// StatusPublisher writes presence without blocking the caller. Both
	// methods feed one ordered queue.
	StatusPublisher interface {
		Publish(status presence.Status)
		PublishWait(status presence.Status) <-chan error
	}
)

type Config struct {
	Logger    *zerolog.Logger
	Transport transport.Transport
	Store     presence.Store
	Presence  StatusPublisher
	Audio     AudioSource
	Pipeline  AudioPipeline
	Ringer    Ringer
	Chime     Notifier

	Registerer prometheus.Registerer

	UserID string
	// Identity overrides the profile username as endpoint identity.
	Identity string
	// SendAutoReply sends the saved auto-reply when a data channel opens.
	SendAutoReply bool

	EndedLinger     time.Duration
	RegisterTimeout time.Duration
	StoreTimeout    time.Duration

	Clock func() time.Time
	// OnTransition is called on the loop goroutine after every state change.
	OnTransition func(from, to State)
}

// Snapshot is a consistent view of the session taken on the loop.
type Snapshot struct {
	State       State           `json:"state"`
	Remote      string          `json:"remote,omitempty"`
	Identity    string          `json:"identity"`
	Registered  bool            `json:"registered"`
	Status      presence.Status `json:"status"`
	Rate        string          `json:"rate,omitempty"`
	Elapsed     time.Duration   `json:"-"`
	ElapsedText string          `json:"elapsed"`
	ChannelOpen bool            `json:"channel_open"`
	Acquiring   bool            `json:"acquiring"`
	AutoReply   string          `json:"auto_reply,omitempty"`
	Error       string          `json:"error,omitempty"`
	Messages    []chat.Message  `json:"messages"`
}

type acquisition struct {
	gen   uint64
	reply chan<- error
}

type Machine struct {
	logger    zerolog.Logger
	transport transport.Transport
	store     presence.Store
	presence  StatusPublisher
	owned     *presence.Publisher
	audioSrc  AudioSource
	pipeline  AudioPipeline
	ringer    Ringer
	chime     Notifier
	metrics   *metrics
	now       func() time.Time

	onTransition    func(from, to State)
	sendAutoReply   bool
	userID          string
	linger          time.Duration
	registerTimeout time.Duration
	storeTimeout    time.Duration

	commands chan func()
	internal chan func()
	done     chan struct{}
	runCtx   context.Context

	// Everything below is owned by the loop goroutine.
	identity    string
	rate        string
	status      presence.Status
	autoReply   string
	session     transport.Session
	registering bool
	regGen      uint64
	regWaiters  []func(error)

	state      State
	call       transport.CallHandle
	remote     string
	callGen    uint64
	acquiring  *acquisition
	early      transport.RemoteStream
	audio      transport.LocalAudio
	timer      callTimer
	pipelineOn bool
	ringing    bool
	onCall     bool
	lingerGen  uint64

	channel   transport.DataChannel
	log       chat.Log
	transient chat.Transient
}

func New(cfg *Config) *Machine {
	m := &Machine{
		logger:          cfg.Logger.With().Str("component", "call-session").Str("userID", cfg.UserID).Logger(),
		transport:       cfg.Transport,
		store:           cfg.Store,
		presence:        cfg.Presence,
		audioSrc:        cfg.Audio,
		pipeline:        cfg.Pipeline,
		ringer:          cfg.Ringer,
		chime:           cfg.Chime,
		metrics:         newMetrics(cfg.Registerer),
		now:             cfg.Clock,
		onTransition:    cfg.OnTransition,
		sendAutoReply:   cfg.SendAutoReply,
		userID:          cfg.UserID,
		identity:        cfg.Identity,
		linger:          cfg.EndedLinger,
		registerTimeout: cfg.RegisterTimeout,
		storeTimeout:    cfg.StoreTimeout,
		commands:        make(chan func()),
		internal:        make(chan func(), 16),
		done:            make(chan struct{}),
		runCtx:          context.Background(),
	}
	if m.now == nil {
		m.now = time.Now
	}
	if m.linger <= 0 {
		m.linger = defaultEndedLinger
	}
	if m.registerTimeout <= 0 {
		m.registerTimeout = defaultRegisterTimeout
	}
	if m.storeTimeout <= 0 {
		m.storeTimeout = defaultStoreTimeout
	}
	if m.presence == nil {
		m.owned = presence.NewPublisher(presence.PublisherConfig{
			Logger:       cfg.Logger,
			Store:        cfg.Store,
			UserID:       cfg.UserID,
			WriteTimeout: m.storeTimeout,
		})
		m.presence = m.owned
	}
	if m.pipeline == nil {
		m.pipeline = nopPipeline{}
	}
	if m.ringer == nil {
		m.ringer = nopRinger{}
	}
	if m.chime == nil {
		m.chime = nopNotifier{}
	}
	return m
}

// Run loads the profile, registers the endpoint and processes events until
// ctx is done. It must be called once.
func (m *Machine) Run(ctx context.Context) error {
	m.runCtx = ctx
	defer close(m.done)

	m.loadProfile(ctx)
	m.startRegistration(nil)

	for {
		var events <-chan transport.Event
		if m.session != nil {
			events = m.session.Events()
		}
		select {
		case <-ctx.Done():
			m.shutdown()
			m.logger.Debug().Msg("call session stopped")
			return nil
		case fn := <-m.commands:
			fn()
		case fn := <-m.internal:
			fn()
		case ev, ok := <-events:
			if !ok {
				m.registrationDown(registrationLost)
				continue
			}
			m.handle(ev)
		}
	}
}

// exec runs fn on the loop and waits for its reply. fn may hand the reply
// channel to background work and answer later.
func (m *Machine) exec(ctx context.Context, fn func(reply chan<- error)) error {
	reply := make(chan error, 1)
	select {
	case m.commands <- func() { fn(reply) }:
	case <-ctx.Done():
		return ctx.Err()
	case <-m.done:
		return ErrStopped
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-m.done:
		return ErrStopped
	}
}

// post schedules fn on the loop. It reports false if the loop has stopped.
func (m *Machine) post(fn func()) bool {
	select {
	case m.internal <- fn:
		return true
	case <-m.done:
		return false
	}
}

func (m *Machine) loadProfile(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, m.storeTimeout)
	defer cancel()

	m.appendMessage(chat.Notice(roomIntroText))
	profile, err := m.store.GetProfile(ctx, m.userID)
	if err != nil {
		m.logger.Error().Err(err).Msg("failed to load profile")
		m.appendMessage(chat.Notice(storeErrorText))
		return
	}
	if m.identity == "" {
		m.identity = profile.Username
	}
	m.rate = profile.Rate
	m.status = profile.Status
	m.autoReply = profile.RoomMessage
	if m.autoReply != "" {
		msg := chat.FromLocal(m.autoReply)
		msg.AutoReply = true
		m.appendMessage(msg)
	} else {
		m.appendMessage(chat.Notice(autoReplyTipText))
	}
}

func (m *Machine) shutdown() {
	if m.state.inCall() {
		m.release()
	}
	m.cancelRegistration(ErrStopped)
	m.closeChannel()
	m.dropSession()
	if m.owned != nil {
		m.owned.Close()
	}
}

func (m *Machine) handle(ev transport.Event) {
	switch e := ev.(type) {
	case transport.IncomingCall:
		m.incomingCall(e.From, e.Call)
	case transport.IncomingDataChannel:
		m.incomingChannel(e.Channel)
	case transport.CallStream:
		if m.isCurrentCall(e.Call) {
			m.stream(e.Stream)
		}
	case transport.CallClosed:
		if m.isCurrentCall(e.Call) {
			m.callClosed()
		}
	case transport.CallError:
		if m.isCurrentCall(e.Call) {
			m.logger.Error().Err(e.Err).Str("remote", m.remote).Msg("call error")
			m.fail("Call failed: " + e.Err.Error())
		}
	case transport.ChannelMessage:
		if e.Channel == m.channel && m.channel != nil {
			m.appendMessage(chat.FromRemote(e.Text))
		}
	case transport.ChannelClosed:
		if e.Channel == m.channel && m.channel != nil {
			m.channel = nil
			m.appendMessage(chat.Notice(channelEndText))
		}
	case transport.ChannelError:
		if e.Channel == m.channel && m.channel != nil {
			m.logger.Error().Err(e.Err).Str("remote", e.Channel.Remote()).Msg("data channel error")
			paired := m.callChannel() != nil
			m.closeChannel()
			m.appendMessage(chat.Notice(channelEndText))
			if paired {
				m.fail("Chat connection failed: " + e.Err.Error())
			}
		}
	case transport.RegistrationLost:
		m.registrationDown(registrationLost)
	case transport.RegistrationError:
		m.logger.Error().Err(e.Err).Msg("registration error")
		m.registrationDown(e.Err.Error())
	default:
		m.logger.Warn().Type("event", ev).Msg("unknown transport event")
	}
}

func (m *Machine) isCurrentCall(c transport.CallHandle) bool {
	if m.call == nil || c != m.call {
		m.logger.Debug().Msg("event for stale call ignored")
		return false
	}
	return true
}

func (m *Machine) transition(to State) {
	from := m.state
	if !CanTransition(from, to) {
		m.logger.Error().Stringer("from", from).Stringer("to", to).Msg("invalid call state transition")
		return
	}
	m.state = to
	m.metrics.transition(from, to)
	m.logger.Debug().Stringer("from", from).Stringer("to", to).Str("remote", m.remote).Msg("call state changed")
	if m.onTransition != nil {
		m.onTransition(from, to)
	}
}

func (m *Machine) appendMessage(msg chat.Message) {
	m.log.Append(msg)
	m.metrics.message(msg)
}

func (m *Machine) snapshot() Snapshot {
	now := m.now()
	elapsed := m.timer.elapsed(now)
	return Snapshot{
		State:       m.state,
		Remote:      m.remote,
		Identity:    m.identity,
		Registered:  m.session != nil,
		Status:      m.status,
		Rate:        m.rate,
		Elapsed:     elapsed,
		ElapsedText: FormatElapsed(elapsed),
		ChannelOpen: m.channel != nil && m.channel.Open(),
		Acquiring:   m.acquiring != nil,
		AutoReply:   m.autoReply,
		Error:       m.transient.Current(now),
		Messages:    m.log.Messages(),
	}
}

type (
	nopPipeline struct{}
	nopRinger   struct{}
	nopNotifier struct{}
)

func (nopPipeline) Start(string, transport.RemoteStream) {}
func (nopPipeline) Stop() {}
func (nopRinger) Start() {}
func (nopRinger) Stop() {}
func (nopNotifier) Play() {}
