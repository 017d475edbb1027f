package peer

import (
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/adwski/moshi-moshi/backend/model"
	"github.com/adwski/moshi-moshi/backend/transport"
	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v3"
	"github.com/rs/zerolog"
)

// connection is a call or a data channel negotiated over the registration.
type connection interface {
	addCandidate(c webrtc.ICECandidateInit)
	remoteLeft()
	remote() string
	shutdown()
}

type session struct {
	logger     zerolog.Logger
	identity   string
	conn       *websocket.Conn
	iceServers []webrtc.ICEServer

	events chan transport.Event
	out    chan model.Announcement
	done   chan struct{}
	once   sync.Once

	mx    sync.Mutex
	conns map[string]connection
}

func newSession(logger zerolog.Logger, identity string, conn *websocket.Conn, iceServers []webrtc.ICEServer) *session {
	s := &session{
		logger:     logger,
		identity:   identity,
		conn:       conn,
		iceServers: iceServers,
		events:     make(chan transport.Event, defaultEventQueue),
		out:        make(chan model.Announcement, defaultOutQueue),
		done:       make(chan struct{}),
		conns:      make(map[string]connection),
	}
	conn.SetPingHandler(func(data string) error {
		if err := conn.SetReadDeadline(time.Now().Add(defaultPingWait)); err != nil {
			return err
		}
		err := conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(defaultWriteDeadline))
		if errors.Is(err, websocket.ErrCloseSent) {
			return nil
		}
		return err
	})
	_ = conn.SetReadDeadline(time.Now().Add(defaultPingWait))

	go s.receive()
	go s.send()
	return s
}

func (s *session) Identity() string {
	return s.identity
}

func (s *session) Events() <-chan transport.Event {
	return s.events
}

func (s *session) Teardown() error {
	var err error
	s.once.Do(func() {
		close(s.done)

		s.mx.Lock()
		conns := s.conns
		s.conns = make(map[string]connection)
		s.mx.Unlock()
		for _, c := range conns {
			c.shutdown()
		}

		wsErr := s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(defaultCloseDeadline))
		if wsErr != nil && !errors.Is(wsErr, websocket.ErrCloseSent) {
			s.logger.Debug().Err(wsErr).Msg("cannot send close message")
		}
		err = s.conn.Close()
		s.logger.Debug().Msg("registration released")
	})
	return err
}

func (s *session) closing() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// emit delivers ev unless the session is torn down.
func (s *session) emit(ev transport.Event) {
	select {
	case <-s.done:
	default:
		select {
		case s.events <- ev:
		case <-s.done:
		}
	}
}

func (s *session) announce(typ, dst string, payload any) {
	ann, err := model.NewAnnouncement(typ, s.identity, dst, payload)
	if err != nil {
		s.logger.Error().Err(err).Str("type", typ).Msg("cannot build announcement")
		return
	}
	select {
	case s.out <- ann:
	case <-s.done:
	}
}

func (s *session) send() {
	for {
		select {
		case <-s.done:
			return
		case ann := <-s.out:
			if err := s.conn.SetWriteDeadline(time.Now().Add(defaultWriteDeadline)); err != nil {
				s.logger.Error().Err(err).Msg("cannot set write deadline")
				continue
			}
			if err := s.conn.WriteJSON(&ann); err != nil {
				s.logger.Error().Err(err).Str("type", ann.Type).Msg("cannot send announcement")
			}
		}
	}
}

func (s *session) receive() {
	for {
		var ann model.Announcement
		if err := s.conn.ReadJSON(&ann); err != nil {
			if s.closing() {
				return
			}
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Error().Err(err).Msg("signaling connection lost")
			} else {
				s.logger.Warn().Err(err).Msg("signaling connection closed")
			}
			s.emit(transport.RegistrationLost{})
			return
		}
		s.dispatch(ann)
	}
}

func (s *session) dispatch(ann model.Announcement) {
	logger := s.logger.With().Str("type", ann.Type).Str("src", ann.SRC).Logger()
	logger.Trace().Bytes("payload", ann.Payload).Msg("announcement received")
	switch ann.Type {
	case model.AnnouncementTypeOffer:
		var offer model.Offer
		if err := json.Unmarshal(ann.Payload, &offer); err != nil || offer.ConnectionID == "" {
			logger.Error().Err(err).Msg("invalid offer")
			return
		}
		switch offer.Kind {
		case model.ConnectionKindMedia:
			s.incomingCall(ann.SRC, &offer)
		case model.ConnectionKindData:
			s.incomingChannel(ann.SRC, &offer)
		default:
			logger.Warn().Str("kind", offer.Kind).Msg("unknown connection kind")
		}
	case model.AnnouncementTypeCandidate:
		var cand model.Candidate
		if err := json.Unmarshal(ann.Payload, &cand); err != nil {
			logger.Error().Err(err).Msg("invalid candidate")
			return
		}
		if c := s.lookup(cand.ConnectionID); c != nil {
			c.addCandidate(webrtc.ICECandidateInit{
				Candidate:     cand.Candidate,
				SDPMid:        cand.SDPMid,
				SDPMLineIndex: cand.SDPMLineIndex,
			})
		}
	case model.AnnouncementTypeLeave:
		var leave model.Leave
		if err := json.Unmarshal(ann.Payload, &leave); err != nil {
			logger.Error().Err(err).Msg("invalid leave")
			return
		}
		if c := s.remove(leave.ConnectionID); c != nil {
			c.remoteLeft()
		}
	case model.AnnouncementTypeExpire:
		// ann.SRC is no longer registered, nothing sent to it can arrive
		for _, c := range s.removeRemote(ann.SRC) {
			c.remoteLeft()
		}
	case model.AnnouncementTypeError:
		var notice model.Notice
		_ = json.Unmarshal(ann.Payload, &notice)
		s.emit(transport.RegistrationError{Err: errors.New(notice.Message)})
	default:
		logger.Debug().Msg("announcement ignored")
	}
}

func (s *session) incomingCall(from string, offer *model.Offer) {
	c := newCall(s, offer.ConnectionID, from, offer.SDP)
	if !s.track(offer.ConnectionID, c) {
		return
	}
	s.logger.Debug().Str("remote", from).Str("connectionID", offer.ConnectionID).Msg("incoming call")
	s.emit(transport.IncomingCall{From: from, Call: c})
}

func (s *session) incomingChannel(from string, offer *model.Offer) {
	ch := newChannel(s, offer.ConnectionID, from)
	if !s.track(offer.ConnectionID, ch) {
		return
	}
	if err := ch.negotiate(offer.SDP); err != nil {
		s.logger.Error().Err(err).Str("remote", from).Msg("cannot accept data channel")
		s.remove(offer.ConnectionID)
		ch.shutdown()
		s.announce(model.AnnouncementTypeLeave, from, model.Leave{ConnectionID: offer.ConnectionID})
	}
}

func (s *session) track(id string, c connection) bool {
	s.mx.Lock()
	defer s.mx.Unlock()
	if _, ok := s.conns[id]; ok {
		s.logger.Warn().Str("connectionID", id).Msg("duplicate connection id")
		return false
	}
	s.conns[id] = c
	return true
}

func (s *session) lookup(id string) connection {
	s.mx.Lock()
	defer s.mx.Unlock()
	return s.conns[id]
}

func (s *session) remove(id string) connection {
	s.mx.Lock()
	defer s.mx.Unlock()
	c, ok := s.conns[id]
	if !ok {
		return nil
	}
	delete(s.conns, id)
	return c
}

func (s *session) removeRemote(remote string) []connection {
	s.mx.Lock()
	defer s.mx.Unlock()
	var out []connection
	for id, c := range s.conns {
		if c.remote() == remote {
			out = append(out, c)
			delete(s.conns, id)
		}
	}
	return out
}
