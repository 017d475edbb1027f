// Package alert makes the creator aware of incoming calls and messages: a
// looping ringtone and a one-shot chime, written as terminal bells.
package alert

import (
	"io"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const (
	defaultRingInterval = 2 * time.Second

	bell = "\a"
)

type Config struct {
	Logger *zerolog.Logger
	// Out receives the bell characters. Nil keeps alerts in the log only.
	Out          io.Writer
	RingInterval time.Duration
}

type Ringtone struct {
	logger   zerolog.Logger
	out      io.Writer
	interval time.Duration

	mx   sync.Mutex
	stop chan struct{}
	done chan struct{}
}

func NewRingtone(cfg *Config) *Ringtone {
	interval := cfg.RingInterval
	if interval <= 0 {
		interval = defaultRingInterval
	}
	return &Ringtone{
		logger:   cfg.Logger.With().Str("component", "ringtone").Logger(),
		out:      cfg.Out,
		interval: interval,
	}
}

// Start rings right away and then every interval. Repeated calls are no-ops.
func (r *Ringtone) Start() {
	r.mx.Lock()
	defer r.mx.Unlock()
	if r.stop != nil {
		return
	}
	r.stop = make(chan struct{})
	r.done = make(chan struct{})
	go r.loop(r.stop, r.done)
}

// Stop silences the ringtone and waits for the loop to exit.
func (r *Ringtone) Stop() {
	r.mx.Lock()
	defer r.mx.Unlock()
	if r.stop == nil {
		return
	}
	close(r.stop)
	<-r.done
	r.stop, r.done = nil, nil
}

func (r *Ringtone) loop(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		r.logger.Info().Msg("ring")
		write(r.out, &r.logger)
		select {
		case <-stop:
			return
		case <-ticker.C:
		}
	}
}

type Chime struct {
	logger zerolog.Logger
	out    io.Writer
}

func NewChime(cfg *Config) *Chime {
	return &Chime{
		logger: cfg.Logger.With().Str("component", "chime").Logger(),
		out:    cfg.Out,
	}
}

func (c *Chime) Play() {
	c.logger.Debug().Msg("chime")
	write(c.out, &c.logger)
}

func write(out io.Writer, logger *zerolog.Logger) {
	if out == nil {
		return
	}
	if _, err := io.WriteString(out, bell); err != nil {
		logger.Debug().Err(err).Msg("cannot write bell")
	}
}
