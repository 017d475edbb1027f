package _switch

import (
	"context"
	"sync"
	"time"

	"github.com/adwski/moshi-moshi/backend/model"
	"github.com/rs/zerolog"
)

const (
	defaultFwdTimout = time.Second
)

// Switch is the rendezvous table: one wire per registered endpoint identity.
type Switch struct {
	logger zerolog.Logger
	mx     *sync.RWMutex
	fwd    map[string]model.Wire
}

func NewSwitch(logger *zerolog.Logger) *Switch {
	return &Switch{
		logger: logger.With().Str("component", "switch").Logger(),
		mx:     &sync.RWMutex{},
		fwd:    make(map[string]model.Wire),
	}
}

// Disconnect removes endpoint only if it is still bound to the given wire,
// so a late disconnect of a stale session never drops a newer registration.
func (sw *Switch) Disconnect(endpoint string, wire model.Wire) error {
	sw.mx.Lock()
	defer sw.mx.Unlock()

	current, ok := sw.fwd[endpoint]
	if ok && current == wire {
		delete(sw.fwd, endpoint)
		sw.logger.Debug().
			Str("endpoint", endpoint).
			Msg("endpoint disconnected")
	}
	return nil
}

func (sw *Switch) Connect(ctx context.Context, endpoint string, wire model.Wire) error {
	sw.mx.Lock()
	if _, ok := sw.fwd[endpoint]; ok {
		sw.mx.Unlock()
		return model.ErrIdentityTaken
	}
	sw.fwd[endpoint] = wire
	sw.mx.Unlock()

	sw.logger.Debug().
		Str("endpoint", endpoint).
		Msg("endpoint connected")
	go sw.forwardAnnouncements(ctx, wire.RX)
	return nil
}

// Registered reports whether endpoint currently holds a registration.
func (sw *Switch) Registered(endpoint string) bool {
	sw.mx.RLock()
	defer sw.mx.RUnlock()
	_, ok := sw.fwd[endpoint]
	return ok
}

func (sw *Switch) forwardAnnouncements(ctx context.Context, rx <-chan model.Announcement) {
fwdLoop:
	for {
		select {
		case <-ctx.Done():
			break fwdLoop
		case ann := <-rx:
			switch {
			case ann.SRC == "":
				sw.logger.Error().Msg("announcement with empty src")
			case ann.DST == "":
				sw.logger.Debug().
					Str("src", ann.SRC).
					Str("type", ann.Type).
					Msg("announcement without dst was dropped")
			default:
				if !sw.forward(ctx, ann) {
					sw.expire(ctx, ann)
				}
			}
		}
	}
}

// expire tells the sender that its destination is not registered.
func (sw *Switch) expire(ctx context.Context, ann model.Announcement) {
	if ann.Type == model.AnnouncementTypeLeave || ann.Type == model.AnnouncementTypeExpire {
		return
	}
	notice, err := model.NewAnnouncement(model.AnnouncementTypeExpire, ann.DST, ann.SRC,
		model.Notice{Message: "could not reach " + ann.DST})
	if err != nil {
		sw.logger.Error().Err(err).Msg("failed to build expire announcement")
		return
	}
	if !sw.forward(ctx, notice) {
		sw.logger.Debug().
			Str("src", ann.SRC).
			Str("dst", ann.DST).
			Msg("incoming announce was dropped, nowhere to forward")
	}
}

func (sw *Switch) forward(ctx context.Context, ann model.Announcement) bool {
	logger := sw.logger.With().
		Str("type", ann.Type).
		Str("src", ann.SRC).Logger()

	sw.mx.RLock()
	wire, ok := sw.fwd[ann.DST]
	sw.mx.RUnlock()

	if !ok {
		logger.Debug().Str("dst", ann.DST).Msg("cannot forward, dst not found")
		return false
	}
	sent, _ := send(ctx, ann, wire.TX, &logger)
	return sent
}

func send(ctx context.Context, ann model.Announcement, tx chan<- model.Announcement, logger *zerolog.Logger) (bool, bool) {
	var sent, canceled bool
	tCh := time.NewTimer(defaultFwdTimout)
	select {
	case <-ctx.Done():
		canceled = true
	case <-tCh.C:
		logger.Error().Str("dst", ann.DST).Msg("dead endpoint")
	case tx <- ann:
		logger.Trace().Str("dst", ann.DST).Msg("announce is forwarded")
		sent = true
	}
	tCh.Stop()
	return sent, canceled
}
