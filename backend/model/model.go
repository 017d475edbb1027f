package model

import (
	"encoding/json"
	"errors"
)

var (
	ErrIdentityTaken = errors.New("identity is already registered")
)

// Announcement types. The server originates open, id-taken, expire and error,
// everything else is relayed between endpoints untouched.
const (
	AnnouncementTypeOpen      = "open"
	AnnouncementTypeIDTaken   = "id-taken"
	AnnouncementTypeExpire    = "expire"
	AnnouncementTypeError     = "error"
	AnnouncementTypeOffer     = "offer"
	AnnouncementTypeAnswer    = "answer"
	AnnouncementTypeCandidate = "candidate"
	AnnouncementTypeLeave     = "leave"
)

// Connection kinds carried in offers.
const (
	ConnectionKindMedia = "media"
	ConnectionKindData  = "data"
)

type Announcement struct {
	DST     string          `json:"dst,omitempty"`
	SRC     string          `json:"src,omitempty"` // for inbound messages server re-assigns this based on websocket session
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Offer is the payload of an offer announcement.
type Offer struct {
	ConnectionID string `json:"connection_id"`
	Kind         string `json:"kind"`
	SDP          string `json:"sdp"`
	Label        string `json:"label,omitempty"`
}

// Answer is the payload of an answer announcement.
type Answer struct {
	ConnectionID string `json:"connection_id"`
	SDP          string `json:"sdp"`
}

// Candidate is the payload of a candidate announcement.
type Candidate struct {
	ConnectionID  string  `json:"connection_id"`
	Candidate     string  `json:"candidate"`
	SDPMid        *string `json:"sdp_mid,omitempty"`
	SDPMLineIndex *uint16 `json:"sdp_mline_index,omitempty"`
}

// Leave is the payload of a leave announcement.
type Leave struct {
	ConnectionID string `json:"connection_id"`
}

// Notice is the payload of server originated announcements.
type Notice struct {
	Message string `json:"message"`
}

// NewAnnouncement marshals payload into an announcement of the given type.
func NewAnnouncement(typ, src, dst string, payload any) (Announcement, error) {
	ann := Announcement{
		DST:  dst,
		SRC:  src,
		Type: typ,
	}
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return ann, err
		}
		ann.Payload = b
	}
	return ann, nil
}

type Wire struct {
	RX chan Announcement
	TX chan Announcement
}

func NewWire() Wire {
	return Wire{
		RX: make(chan Announcement),
		TX: make(chan Announcement),
	}
}
