// Package peer implements transport.Transport on top of the signaling
// server: a websocket registration carries offers, answers and candidates
// for pion peer connections, one per inbound call or data channel.
package peer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/adwski/moshi-moshi/backend/model"
	"github.com/adwski/moshi-moshi/backend/transport"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v3"
	"github.com/rs/zerolog"
)

const (
	defaultHandshakeTimeout = 5 * time.Second
	defaultWriteDeadline    = 5 * time.Second
	defaultCloseDeadline    = 2 * time.Second

	// server pings every 5s
	defaultPingWait = 15 * time.Second

	defaultEventQueue = 32
	defaultOutQueue   = 32
)

var (
	ErrUnsupportedAudio = errors.New("local audio cannot be sent over webrtc")
	ErrConnectionFailed = errors.New("peer connection failed")
)

type Config struct {
	Logger *zerolog.Logger
	// SignalURL is the websocket base of the signaling server, e.g. ws://localhost:8888
	SignalURL  string
	ICEServers []string
}

type Transport struct {
	logger     zerolog.Logger
	signalURL  string
	iceServers []webrtc.ICEServer
	dialer     *websocket.Dialer
}

func New(cfg *Config) *Transport {
	var servers []webrtc.ICEServer
	if len(cfg.ICEServers) > 0 {
		servers = []webrtc.ICEServer{{URLs: cfg.ICEServers}}
	}
	return &Transport{
		logger:     cfg.Logger.With().Str("component", "peer-transport").Logger(),
		signalURL:  strings.TrimRight(cfg.SignalURL, "/"),
		iceServers: servers,
		dialer: &websocket.Dialer{
			HandshakeTimeout: defaultHandshakeTimeout,
		},
	}
}

// Register connects to the signaling server and waits until it confirms
// identity. The returned error always wraps transport.ErrRegistration.
func (t *Transport) Register(ctx context.Context, identity string) (transport.Session, error) {
	if identity == "" {
		return nil, errors.Join(transport.ErrRegistration, transport.ErrEmptyIdentity)
	}
	endpoint := t.signalURL + "/signal/" + url.PathEscape(identity)

	conn, _, err := t.dialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		return nil, errors.Join(transport.ErrRegistration, transport.ErrUnreachable, err)
	}
	if err = t.awaitOpen(ctx, conn); err != nil {
		_ = conn.Close()
		return nil, errors.Join(transport.ErrRegistration, err)
	}

	logger := t.logger.With().
		Str("identity", identity).
		Str("registrationID", uuid.NewString()).
		Logger()
	logger.Debug().Msg("registered on signaling server")
	return newSession(logger, identity, conn, t.iceServers), nil
}

func (t *Transport) awaitOpen(ctx context.Context, conn *websocket.Conn) error {
	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(defaultHandshakeTimeout)
	}
	if err := conn.SetReadDeadline(deadline); err != nil {
		return err
	}
	var ann model.Announcement
	if err := conn.ReadJSON(&ann); err != nil {
		return fmt.Errorf("cannot read registration reply: %w", err)
	}
	switch ann.Type {
	case model.AnnouncementTypeOpen:
		return conn.SetReadDeadline(time.Time{})
	case model.AnnouncementTypeIDTaken:
		return transport.ErrIdentityTaken
	case model.AnnouncementTypeError:
		var notice model.Notice
		_ = json.Unmarshal(ann.Payload, &notice)
		return fmt.Errorf("%w: %s", transport.ErrRejected, notice.Message)
	}
	return fmt.Errorf("%w: unexpected %q announcement", transport.ErrRejected, ann.Type)
}
