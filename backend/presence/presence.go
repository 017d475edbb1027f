// Package presence holds the creator profile model, the store contract used to
// persist it and the fire-and-forget status publisher used by call sessions.
package presence

import (
	"context"
	"errors"
	"fmt"
)

var (
	ErrStore           = errors.New("profile store failure")
	ErrProfileNotFound = errors.New("profile not found")
	ErrUnknownStatus   = errors.New("unknown presence status")
)

// Status is the externally persisted availability of a creator.
type Status int

const (
	Offline Status = iota
	Online
	OnACall
)

func (s Status) String() string {
	switch s {
	case Offline:
		return "Offline"
	case Online:
		return "Online"
	case OnACall:
		return "On a call"
	default:
		return fmt.Sprintf("Status(%d)", int(s))
	}
}

// ParseStatus is the inverse of Status.String.
func ParseStatus(s string) (Status, error) {
	switch s {
	case "Offline":
		return Offline, nil
	case "Online":
		return Online, nil
	case "On a call":
		return OnACall, nil
	}
	return Offline, fmt.Errorf("%w: %q", ErrUnknownStatus, s)
}

func (s Status) MarshalText() ([]byte, error) {
	if s < Offline || s > OnACall {
		return nil, fmt.Errorf("%w: %d", ErrUnknownStatus, int(s))
	}
	return []byte(s.String()), nil
}

func (s *Status) UnmarshalText(b []byte) error {
	parsed, err := ParseStatus(string(b))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// Profile is the subset of the creator profile the call flow needs.
type Profile struct {
	UserID      string `json:"user_id"`
	Username    string `json:"username"`
	Status      Status `json:"status"`
	Rate        string `json:"rate"`
	RoomMessage string `json:"room_message,omitempty"`
}

// Store is the request/response profile service keyed by user id.
type Store interface {
	GetProfile(ctx context.Context, userID string) (*Profile, error)
	SetStatus(ctx context.Context, userID string, status Status) error
	SetRoomMessage(ctx context.Context, userID string, text string) error
}
