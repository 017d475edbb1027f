// Package transport defines the capability a call session is built on: a
// registration under an endpoint identity that surfaces inbound audio calls
// and text data channels as one ordered stream of typed events.
package transport

import (
	"context"
	"errors"
)

var (
	ErrRegistration  = errors.New("registration failed")
	ErrEmptyIdentity = errors.New("identity is empty")
	ErrIdentityTaken = errors.New("identity is already taken")
	ErrUnreachable   = errors.New("signaling server is unreachable")
	ErrRejected      = errors.New("signaling server rejected registration")
	ErrClosed        = errors.New("transport is closed")
)

type (
	Transport interface {
		// Register opens a registration under identity.
		Register(ctx context.Context, identity string) (Session, error)
	}

	Session interface {
		Identity() string
		// Events stops delivering after Teardown.
		Events() <-chan Event
		// Teardown releases the registration and closes every call and channel. Idempotent.
		Teardown() error
	}

	CallHandle interface {
		Remote() string
		// Answer accepts the call sending audio. The outcome arrives as
		// CallStream, CallClosed or CallError events.
		Answer(audio LocalAudio) error
		// Open reports whether media is flowing.
		Open() bool
		Close() error
	}

	DataChannel interface {
		Remote() string
		Open() bool
		// Send drops text silently when the channel is not open.
		Send(text string)
		Close() error
	}

	LocalAudio interface {
		// Stop releases the input device. Idempotent.
		Stop()
	}

	RemoteStream interface {
		AudioTracks() int
	}
)

// Event is one of the types below.
type Event interface {
	isEvent()
}

type (
	IncomingCall struct {
		From string
		Call CallHandle
	}
	IncomingDataChannel struct {
		From    string
		Channel DataChannel
	}
	CallStream struct {
		Call   CallHandle
		Stream RemoteStream
	}
	CallClosed struct {
		Call CallHandle
	}
	CallError struct {
		Call CallHandle
		Err  error
	}
	ChannelMessage struct {
		Channel DataChannel
		Text    string
	}
	ChannelClosed struct {
		Channel DataChannel
	}
	ChannelError struct {
		Channel DataChannel
		Err     error
	}
	RegistrationLost struct{}
	RegistrationError struct {
		Err error
	}
)

func (IncomingCall) isEvent()        {}
func (IncomingDataChannel) isEvent() {}
func (CallStream) isEvent()          {}
func (CallClosed) isEvent()          {}
func (CallError) isEvent()           {}
func (ChannelMessage) isEvent()      {}
func (ChannelClosed) isEvent()       {}
func (ChannelError) isEvent()        {}
func (RegistrationLost) isEvent()    {}
func (RegistrationError) isEvent()   {}
