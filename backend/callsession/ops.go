package callsession

import (
	"context"
	"errors"
	"time"

	"github.com/adwski/moshi-moshi/backend/chat"
	"github.com/adwski/moshi-moshi/backend/presence"
	"github.com/adwski/moshi-moshi/backend/transport"
)

// Accept answers the ringing call. It returns after local audio has been
// acquired and the answer sent, or with ErrMediaAccess leaving the call ringing.
func (m *Machine) Accept(ctx context.Context) error {
	return m.exec(ctx, m.accept)
}

// Decline rejects the ringing call. It is a no-op in any other state.
func (m *Machine) Decline(ctx context.Context) error {
	return m.exec(ctx, func(reply chan<- error) {
		m.decline()
		reply <- nil
	})
}

// End hangs up a connecting or active call. It is a no-op in any other state.
func (m *Machine) End(ctx context.Context) error {
	return m.exec(ctx, func(reply chan<- error) {
		m.end()
		reply <- nil
	})
}

// HangUp ends an answered call or declines a ringing one.
func (m *Machine) HangUp(ctx context.Context) error {
	return m.exec(ctx, func(reply chan<- error) {
		answered := m.call != nil && m.call.Open()
		switch {
		case answered || m.state == Connecting || m.state == Active:
			m.end()
		case m.state == Ringing:
			m.decline()
		default:
			m.logger.Debug().Stringer("state", m.state).Msg("hang up without a call")
		}
		reply <- nil
	})
}

// SendMessage appends text to the transcript and sends it over the data channel.
func (m *Machine) SendMessage(ctx context.Context, text string) error {
	return m.exec(ctx, func(reply chan<- error) {
		if text == "" {
			m.transient.Set(emptyMessageText, m.now())
			reply <- chat.ErrEmptyMessage
			return
		}
		m.appendMessage(chat.FromLocal(text))
		m.chime.Play()
		if m.channel != nil {
			m.channel.Send(text)
		} else {
			m.logger.Debug().Msg("no data channel, message kept locally")
		}
		reply <- nil
	})
}

// SetAutoReply saves text as the room message.
func (m *Machine) SetAutoReply(ctx context.Context, text string) error {
	return m.exec(ctx, func(reply chan<- error) {
		m.storeWrite(func(ctx context.Context) error {
			return m.store.SetRoomMessage(ctx, m.userID, text)
		}, func(err error) {
			if err != nil {
				m.logger.Error().Err(err).Msg("failed to save auto-reply")
				m.appendMessage(chat.Notice(storeErrorText))
				reply <- errors.Join(presence.ErrStore, err)
				return
			}
			m.autoReply = text
			m.appendMessage(chat.Notice(savedReplyText))
			msg := chat.FromLocal(text)
			msg.AutoReply = true
			m.appendMessage(msg)
			m.chime.Play()
			reply <- nil
		})
	})
}

// GoOnline registers the endpoint if needed and writes Online presence.
func (m *Machine) GoOnline(ctx context.Context) error {
	return m.exec(ctx, func(reply chan<- error) {
		m.startRegistration(func(err error) {
			if err != nil {
				reply <- err
				return
			}
			m.writeStatus(presence.Online, reply)
		})
	})
}

// GoOffline writes Offline presence and releases the registration.
func (m *Machine) GoOffline(ctx context.Context) error {
	return m.exec(ctx, func(reply chan<- error) {
		if m.state.inCall() {
			reply <- ErrBusy
			return
		}
		m.cancelRegistration(ErrCancelled)
		m.closeChannel()
		m.dropSession()
		m.writeStatus(presence.Offline, reply)
	})
}

func (m *Machine) Snapshot(ctx context.Context) (Snapshot, error) {
	var snap Snapshot
	err := m.exec(ctx, func(reply chan<- error) {
		snap = m.snapshot()
		reply <- nil
	})
	return snap, err
}

func (m *Machine) accept(reply chan<- error) {
	if m.state != Ringing {
		reply <- ErrInvalidState
		return
	}
	if m.acquiring != nil {
		reply <- ErrAcquiring
		return
	}
	gen := m.callGen
	m.acquiring = &acquisition{gen: gen, reply: reply}
	ctx := m.runCtx
	go func() {
		audio, err := m.audioSrc.Acquire(ctx)
		if !m.post(func() { m.acquired(gen, audio, err) }) && audio != nil {
			audio.Stop()
		}
	}()
}

func (m *Machine) acquired(gen uint64, audio transport.LocalAudio, err error) {
	acq := m.acquiring
	if acq == nil || acq.gen != gen || gen != m.callGen || m.state != Ringing {
		if audio != nil {
			audio.Stop()
		}
		m.logger.Debug().Msg("stale audio acquisition discarded")
		return
	}
	m.acquiring = nil

	if err != nil {
		m.logger.Warn().Err(err).Msg("failed to acquire audio input")
		m.transient.Set(mediaAccessText, m.now())
		acq.reply <- errors.Join(ErrMediaAccess, err)
		return
	}
	m.audio = audio
	if err = m.call.Answer(audio); err != nil {
		m.logger.Error().Err(err).Str("remote", m.remote).Msg("failed to answer call")
		m.fail("Could not answer the call")
		acq.reply <- errors.Join(ErrAnswer, err)
		return
	}
	m.transition(Connecting)
	acq.reply <- nil

	if early := m.early; early != nil {
		m.early = nil
		m.stream(early)
	}
}

func (m *Machine) incomingCall(from string, call transport.CallHandle) {
	if m.state == Ended || m.state == Failed {
		m.finish()
	}
	if m.state != Idle {
		m.logger.Warn().Str("remote", from).Msg("busy, incoming call rejected")
		if err := call.Close(); err != nil {
			m.logger.Debug().Err(err).Msg("failed to close rejected call")
		}
		return
	}
	m.callGen++
	m.call = call
	m.remote = from
	m.transition(Ringing)
	m.startRinging()
	m.appendMessage(chat.Notice("Call coming in"))
	m.logger.Info().Str("remote", from).Msg("incoming call")
}

func (m *Machine) stream(stream transport.RemoteStream) {
	switch m.state {
	case Ringing:
		m.early = stream
		m.logger.Debug().Msg("remote stream held until answered")
	case Connecting:
		if stream.AudioTracks() == 0 {
			m.logger.Warn().Str("remote", m.remote).Msg("remote stream has no audio tracks")
			return
		}
		m.stopRinging()
		m.timer.start(m.now())
		if !m.onCall {
			m.onCall = true
			m.status = presence.OnACall
			m.presence.Publish(presence.OnACall)
		}
		m.pipeline.Start(m.remote, stream)
		m.pipelineOn = true
		m.transition(Active)
		m.appendMessage(chat.Notice("Connected"))
	case Active:
		m.logger.Debug().Msg("duplicate remote stream ignored")
	default:
		m.logger.Debug().Stringer("state", m.state).Msg("remote stream without a call ignored")
	}
}

func (m *Machine) end() {
	switch m.state {
	case Active:
		m.release()
		m.transition(Ended)
		m.appendMessage(chat.Notice("Call ended"))
		m.scheduleIdle()
	case Connecting:
		m.release()
		m.transition(Failed)
		m.appendMessage(chat.Notice("Call ended before it connected"))
		m.scheduleIdle()
	default:
		m.logger.Debug().Stringer("state", m.state).Msg("end ignored")
	}
}

func (m *Machine) decline() {
	if m.state != Ringing {
		m.logger.Debug().Stringer("state", m.state).Msg("decline ignored")
		return
	}
	if ch := m.callChannel(); ch != nil && ch.Open() {
		ch.Send(DeclineText)
	}
	m.release()
	m.transition(Ended)
	m.appendMessage(chat.Notice("Call declined"))
	m.scheduleIdle()
}

func (m *Machine) callClosed() {
	switch m.state {
	case Ringing:
		m.release()
		m.transition(Ended)
		m.appendMessage(chat.Notice("Missed call from " + m.remote))
	case Connecting:
		m.release()
		m.transition(Failed)
		m.appendMessage(chat.Notice("Call ended before it connected"))
	case Active:
		m.release()
		m.transition(Ended)
		m.appendMessage(chat.Notice("Call ended"))
	default:
		return
	}
	m.scheduleIdle()
}

// fail moves a live call to Failed.
func (m *Machine) fail(reason string) {
	if !m.state.inCall() {
		return
	}
	m.release()
	m.transition(Failed)
	m.appendMessage(chat.Notice(reason))
	m.scheduleIdle()
}

// release frees everything a call holds. Every path out of a live call goes
// through here.
func (m *Machine) release() {
	now := m.now()
	m.stopRinging()
	if m.acquiring != nil {
		m.acquiring.reply <- ErrCancelled
		m.acquiring = nil
	}
	m.early = nil
	m.callGen++
	if m.pipelineOn {
		m.pipeline.Stop()
		m.pipelineOn = false
	}
	if d, ok := m.timer.stop(now); ok {
		m.metrics.callEnded(d)
		m.logger.Info().Str("remote", m.remote).Str("duration", FormatElapsed(d)).Msg("call finished")
	}
	if m.audio != nil {
		m.audio.Stop()
		m.audio = nil
	}
	if m.callChannel() != nil {
		m.closeChannel()
	}
	if m.call != nil {
		if err := m.call.Close(); err != nil {
			m.logger.Debug().Err(err).Msg("failed to close call")
		}
		m.call = nil
	}
	if m.onCall {
		m.onCall = false
		m.status = presence.Online
		m.presence.Publish(presence.Online)
	}
}

func (m *Machine) scheduleIdle() {
	m.lingerGen++
	gen := m.lingerGen
	time.AfterFunc(m.linger, func() {
		m.post(func() {
			if gen == m.lingerGen && (m.state == Ended || m.state == Failed) {
				m.finish()
			}
		})
	})
}

func (m *Machine) finish() {
	m.lingerGen++
	m.remote = ""
	m.transition(Idle)
}

func (m *Machine) startRinging() {
	if !m.ringing {
		m.ringing = true
		m.ringer.Start()
	}
}

func (m *Machine) stopRinging() {
	if m.ringing {
		m.ringing = false
		m.ringer.Stop()
	}
}

func (m *Machine) incomingChannel(ch transport.DataChannel) {
	if m.channel != nil && m.channel != ch {
		m.logger.Debug().Msg("data channel replaced")
		m.closeChannel()
	}
	m.channel = ch
	m.logger.Debug().Str("remote", ch.Remote()).Msg("data channel open")
	if m.sendAutoReply && m.autoReply != "" {
		ch.Send(m.autoReply)
	}
}

// callChannel returns the data channel paired with the current call's remote.
func (m *Machine) callChannel() transport.DataChannel {
	if m.channel == nil || m.remote == "" || m.channel.Remote() != m.remote {
		return nil
	}
	return m.channel
}

func (m *Machine) closeChannel() {
	if m.channel == nil {
		return
	}
	if err := m.channel.Close(); err != nil {
		m.logger.Debug().Err(err).Msg("failed to close data channel")
	}
	m.channel = nil
}

func (m *Machine) startRegistration(done func(error)) {
	if m.session != nil {
		if done != nil {
			done(nil)
		}
		return
	}
	if done != nil {
		m.regWaiters = append(m.regWaiters, done)
	}
	if m.registering {
		return
	}
	if m.identity == "" {
		m.logger.Error().Msg("cannot register without identity")
		m.appendMessage(chat.Notice(storeErrorText))
		m.notifyRegistration(ErrNoIdentity)
		return
	}
	m.registering = true
	m.regGen++
	gen := m.regGen
	identity := m.identity
	ctx := m.runCtx
	timeout := m.registerTimeout
	go func() {
		rctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		session, err := m.transport.Register(rctx, identity)
		if !m.post(func() { m.registered(gen, session, err) }) && session != nil {
			_ = session.Teardown()
		}
	}()
}

func (m *Machine) registered(gen uint64, session transport.Session, err error) {
	if gen != m.regGen || !m.registering {
		if session != nil {
			_ = session.Teardown()
		}
		return
	}
	m.registering = false
	if err != nil {
		m.logger.Error().Err(err).Str("identity", m.identity).Msg("registration failed")
		m.appendMessage(chat.Notice(err.Error()))
		m.notifyRegistration(err)
		return
	}
	m.dropSession()
	m.session = session
	m.logger.Info().Str("identity", session.Identity()).Msg("registered")
	m.notifyRegistration(nil)
}

func (m *Machine) notifyRegistration(err error) {
	waiters := m.regWaiters
	m.regWaiters = nil
	for _, w := range waiters {
		w(err)
	}
}

// cancelRegistration abandons an in-flight registration.
func (m *Machine) cancelRegistration(err error) {
	if !m.registering {
		return
	}
	m.registering = false
	m.regGen++
	m.notifyRegistration(err)
}

func (m *Machine) dropSession() {
	if m.session == nil {
		return
	}
	s := m.session
	m.session = nil
	if err := s.Teardown(); err != nil {
		m.logger.Debug().Err(err).Msg("failed to tear down registration")
	}
}

func (m *Machine) registrationDown(text string) {
	m.logger.Warn().Str("identity", m.identity).Msg(text)
	if m.state.inCall() {
		m.fail(text)
	} else {
		m.appendMessage(chat.Notice(text))
	}
	m.closeChannel()
	m.dropSession()
}

// writeStatus queues status behind any derived presence write so the store
// ends up with the last status the loop decided on.
func (m *Machine) writeStatus(status presence.Status, reply chan<- error) {
	result := m.presence.PublishWait(status)
	ctx := m.runCtx
	go func() {
		var err error
		select {
		case err = <-result:
		case <-ctx.Done():
			err = ctx.Err()
		}
		m.post(func() {
			if err != nil {
				m.logger.Error().Err(err).Stringer("status", status).Msg("failed to update presence")
				m.appendMessage(chat.Notice(storeErrorText))
				reply <- errors.Join(presence.ErrStore, err)
				return
			}
			m.status = status
			reply <- nil
		})
	}()
}

// storeWrite runs write off the loop and applies done on it.
func (m *Machine) storeWrite(write func(context.Context) error, done func(error)) {
	ctx := m.runCtx
	timeout := m.storeTimeout
	go func() {
		wctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		err := write(wctx)
		m.post(func() { done(err) })
	}()
}
