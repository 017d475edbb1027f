package peer

import (
	"sync"

	"github.com/adwski/moshi-moshi/backend/model"
	"github.com/adwski/moshi-moshi/backend/transport"
	"github.com/pion/webrtc/v3"
)

// link is the negotiation state shared by calls and channels. Remote
// candidates are held until the offer is applied and local ones until the
// answer is sent.
type link struct {
	s      *session
	id     string
	peerID string

	mx            sync.Mutex
	pc            *webrtc.PeerConnection
	described     bool
	answered      bool
	closed        bool
	remotePending []webrtc.ICECandidateInit
	localPending  []model.Candidate
}

func (l *link) remote() string {
	return l.peerID
}

func (l *link) isClosed() bool {
	l.mx.Lock()
	defer l.mx.Unlock()
	return l.closed
}

// markClosed flips the link to closed once and hands out the connection to close.
func (l *link) markClosed() (*webrtc.PeerConnection, bool) {
	l.mx.Lock()
	defer l.mx.Unlock()
	if l.closed {
		return nil, false
	}
	l.closed = true
	return l.pc, true
}

func (l *link) addCandidate(c webrtc.ICECandidateInit) {
	l.mx.Lock()
	if l.closed {
		l.mx.Unlock()
		return
	}
	if !l.described {
		l.remotePending = append(l.remotePending, c)
		l.mx.Unlock()
		return
	}
	pc := l.pc
	l.mx.Unlock()

	if err := pc.AddICECandidate(c); err != nil {
		l.s.logger.Warn().Err(err).Str("connectionID", l.id).Msg("cannot add remote candidate")
	}
}

func (l *link) newPeerConnection() (*webrtc.PeerConnection, error) {
	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{ICEServers: l.s.iceServers})
	if err != nil {
		return nil, err
	}
	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		init := c.ToJSON()
		cand := model.Candidate{
			ConnectionID:  l.id,
			Candidate:     init.Candidate,
			SDPMid:        init.SDPMid,
			SDPMLineIndex: init.SDPMLineIndex,
		}
		l.mx.Lock()
		if !l.answered {
			l.localPending = append(l.localPending, cand)
			l.mx.Unlock()
			return
		}
		l.mx.Unlock()
		l.s.announce(model.AnnouncementTypeCandidate, l.peerID, cand)
	})
	return pc, nil
}

// answer applies the remote offer on pc and sends back the answer.
func (l *link) answer(pc *webrtc.PeerConnection, sdp string) error {
	if err := pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: sdp}); err != nil {
		return err
	}

	l.mx.Lock()
	if l.closed {
		l.mx.Unlock()
		return transport.ErrClosed
	}
	l.pc = pc
	l.described = true
	pending := l.remotePending
	l.remotePending = nil
	l.mx.Unlock()

	for _, c := range pending {
		if err := pc.AddICECandidate(c); err != nil {
			l.s.logger.Warn().Err(err).Str("connectionID", l.id).Msg("cannot add remote candidate")
		}
	}

	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		return err
	}
	if err = pc.SetLocalDescription(answer); err != nil {
		return err
	}
	l.s.announce(model.AnnouncementTypeAnswer, l.peerID, model.Answer{ConnectionID: l.id, SDP: answer.SDP})

	l.mx.Lock()
	l.answered = true
	local := l.localPending
	l.localPending = nil
	l.mx.Unlock()

	for _, c := range local {
		l.s.announce(model.AnnouncementTypeCandidate, l.peerID, c)
	}
	return nil
}

// leave notifies the remote side that the connection is gone.
func (l *link) leave() {
	l.s.remove(l.id)
	l.s.announce(model.AnnouncementTypeLeave, l.peerID, model.Leave{ConnectionID: l.id})
}
