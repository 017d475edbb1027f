package peer

import (
	"sync"

	"github.com/adwski/moshi-moshi/backend/transport"
	"github.com/pion/webrtc/v3"
)

type channel struct {
	link

	dmx sync.Mutex
	dc  *webrtc.DataChannel
}

func newChannel(s *session, id, remote string) *channel {
	return &channel{link: link{s: s, id: id, peerID: remote}}
}

// negotiate answers a data offer right away, chat needs no user consent.
func (ch *channel) negotiate(offer string) error {
	pc, err := ch.newPeerConnection()
	if err != nil {
		return err
	}
	pc.OnDataChannel(ch.attach)
	if err = ch.answer(pc, offer); err != nil {
		_ = pc.Close()
		return err
	}
	return nil
}

func (ch *channel) attach(dc *webrtc.DataChannel) {
	ch.dmx.Lock()
	if ch.dc != nil {
		ch.dmx.Unlock()
		ch.s.logger.Warn().Str("label", dc.Label()).Msg("extra data channel refused")
		_ = dc.Close()
		return
	}
	ch.dc = dc
	ch.dmx.Unlock()

	dc.OnOpen(func() {
		ch.s.logger.Debug().Str("remote", ch.peerID).Str("label", dc.Label()).Msg("data channel open")
		ch.s.emit(transport.IncomingDataChannel{From: ch.peerID, Channel: ch})
	})
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		ch.s.emit(transport.ChannelMessage{Channel: ch, Text: string(msg.Data)})
	})
	dc.OnError(func(err error) {
		if !ch.isClosed() {
			ch.s.emit(transport.ChannelError{Channel: ch, Err: err})
		}
	})
	dc.OnClose(func() {
		ch.remoteLeft()
	})
}

func (ch *channel) current() *webrtc.DataChannel {
	ch.dmx.Lock()
	defer ch.dmx.Unlock()
	return ch.dc
}

func (ch *channel) Remote() string {
	return ch.peerID
}

func (ch *channel) Open() bool {
	dc := ch.current()
	return dc != nil && !ch.isClosed() && dc.ReadyState() == webrtc.DataChannelStateOpen
}

func (ch *channel) Send(text string) {
	if !ch.Open() {
		return
	}
	if err := ch.current().SendText(text); err != nil {
		ch.s.logger.Warn().Err(err).Str("remote", ch.peerID).Msg("cannot send chat message")
	}
}

func (ch *channel) Close() error {
	pc, ok := ch.markClosed()
	if !ok {
		return nil
	}
	ch.leave()
	if dc := ch.current(); dc != nil {
		_ = dc.Close()
	}
	if pc != nil {
		return pc.Close()
	}
	return nil
}

func (ch *channel) remoteLeft() {
	pc, ok := ch.markClosed()
	if !ok {
		return
	}
	ch.s.remove(ch.id)
	if pc != nil {
		go func() { _ = pc.Close() }()
	}
	ch.s.emit(transport.ChannelClosed{Channel: ch})
}

func (ch *channel) shutdown() {
	if pc, ok := ch.markClosed(); ok && pc != nil {
		_ = pc.Close()
	}
}
