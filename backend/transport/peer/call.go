package peer

import (
	"sync"
	"sync/atomic"

	"github.com/adwski/moshi-moshi/backend/transport"
	"github.com/pion/webrtc/v3"
)

// RemoteStream is the set of audio tracks received on a call so far.
type RemoteStream struct {
	tracks []*webrtc.TrackRemote
}

func (r *RemoteStream) AudioTracks() int {
	return len(r.tracks)
}

func (r *RemoteStream) Tracks() []*webrtc.TrackRemote {
	return r.tracks
}

type call struct {
	link
	offer string
	open  atomic.Bool

	tmx    sync.Mutex
	tracks []*webrtc.TrackRemote
}

func newCall(s *session, id, remote, offer string) *call {
	return &call{
		link:  link{s: s, id: id, peerID: remote},
		offer: offer,
	}
}

func (c *call) Remote() string {
	return c.peerID
}

func (c *call) Open() bool {
	return c.open.Load()
}

// Answer requires audio produced by the media package, which exposes a
// pion track.
func (c *call) Answer(audio transport.LocalAudio) error {
	src, ok := audio.(interface{ Track() webrtc.TrackLocal })
	if !ok {
		return ErrUnsupportedAudio
	}
	if c.isClosed() {
		return transport.ErrClosed
	}
	pc, err := c.newPeerConnection()
	if err != nil {
		return err
	}
	if _, err = pc.AddTrack(src.Track()); err != nil {
		_ = pc.Close()
		return err
	}
	pc.OnTrack(c.onTrack)
	pc.OnConnectionStateChange(c.onState)

	if err = c.answer(pc, c.offer); err != nil {
		_ = pc.Close()
		return err
	}
	c.s.logger.Debug().Str("remote", c.peerID).Str("connectionID", c.id).Msg("call answered")
	return nil
}

func (c *call) onTrack(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
	if track.Kind() != webrtc.RTPCodecTypeAudio {
		c.s.logger.Debug().Stringer("kind", track.Kind()).Msg("non audio track ignored")
		return
	}
	c.tmx.Lock()
	c.tracks = append(c.tracks, track)
	stream := &RemoteStream{tracks: append([]*webrtc.TrackRemote(nil), c.tracks...)}
	c.tmx.Unlock()

	c.s.emit(transport.CallStream{Call: c, Stream: stream})
}

func (c *call) onState(state webrtc.PeerConnectionState) {
	c.s.logger.Debug().Str("connectionID", c.id).Stringer("state", state).Msg("call connection state")
	switch state {
	case webrtc.PeerConnectionStateConnected:
		c.open.Store(true)
	case webrtc.PeerConnectionStateFailed:
		c.open.Store(false)
		if !c.isClosed() {
			c.s.emit(transport.CallError{Call: c, Err: ErrConnectionFailed})
		}
	case webrtc.PeerConnectionStateDisconnected, webrtc.PeerConnectionStateClosed:
		c.open.Store(false)
	}
}

// Close hangs up locally and tells the caller.
func (c *call) Close() error {
	pc, ok := c.markClosed()
	if !ok {
		return nil
	}
	c.open.Store(false)
	c.leave()
	if pc != nil {
		return pc.Close()
	}
	return nil
}

func (c *call) remoteLeft() {
	pc, ok := c.markClosed()
	if !ok {
		return
	}
	c.open.Store(false)
	if pc != nil {
		go func() { _ = pc.Close() }()
	}
	c.s.emit(transport.CallClosed{Call: c})
}

func (c *call) shutdown() {
	if pc, ok := c.markClosed(); ok && pc != nil {
		_ = pc.Close()
	}
}
