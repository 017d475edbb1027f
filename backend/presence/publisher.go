package presence

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
)

const (
	defaultQueueSize    = 16
	defaultWriteTimeout = 5 * time.Second
)

var (
	ErrQueueFull       = errors.New("presence queue is full")
	ErrPublisherClosed = errors.New("presence publisher is closed")
)

type PublisherConfig struct {
	Logger       *zerolog.Logger
	Store        Store
	UserID       string
	Registerer   prometheus.Registerer
	QueueSize    int
	WriteTimeout time.Duration
}

// Publisher writes status changes in order on a single worker. Writes are
// never retried and a full queue drops the update instead of blocking.
type Publisher struct {
	logger  zerolog.Logger
	store   Store
	userID  string
	timeout time.Duration
	queue   chan update
	writes  *prometheus.CounterVec
	done    chan struct{}

	mx     sync.Mutex
	closed bool
}

type update struct {
	status Status
	result chan<- error
}

func NewPublisher(cfg PublisherConfig) *Publisher {
	size := cfg.QueueSize
	if size <= 0 {
		size = defaultQueueSize
	}
	timeout := cfg.WriteTimeout
	if timeout <= 0 {
		timeout = defaultWriteTimeout
	}
	p := &Publisher{
		logger:  cfg.Logger.With().Str("component", "presence").Str("userID", cfg.UserID).Logger(),
		store:   cfg.Store,
		userID:  cfg.UserID,
		timeout: timeout,
		queue:   make(chan update, size),
		done:    make(chan struct{}),
		writes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "moshi_presence_writes_total",
			Help: "Presence status writes by status and result.",
		}, []string{"status", "result"}),
	}
	if cfg.Registerer != nil {
		cfg.Registerer.MustRegister(p.writes)
	}
	go p.work()
	return p
}

// Publish queues a status write and returns immediately.
func (p *Publisher) Publish(status Status) {
	if err := p.enqueue(update{status: status}); err != nil {
		p.logger.Warn().Err(err).Stringer("status", status).Msg("status dropped")
	}
}

// PublishWait queues a status write behind every earlier one and returns a
// channel that receives the write result. It does not block.
func (p *Publisher) PublishWait(status Status) <-chan error {
	result := make(chan error, 1)
	if err := p.enqueue(update{status: status, result: result}); err != nil {
		result <- errors.Join(ErrStore, err)
	}
	return result
}

func (p *Publisher) enqueue(u update) error {
	p.mx.Lock()
	defer p.mx.Unlock()
	if p.closed {
		return ErrPublisherClosed
	}
	select {
	case p.queue <- u:
		return nil
	default:
		p.writes.WithLabelValues(u.status.String(), "dropped").Inc()
		return ErrQueueFull
	}
}

// Close stops accepting updates and waits for queued writes to finish.
func (p *Publisher) Close() {
	p.mx.Lock()
	if !p.closed {
		p.closed = true
		close(p.queue)
	}
	p.mx.Unlock()
	<-p.done
}

func (p *Publisher) work() {
	defer close(p.done)
	for u := range p.queue {
		err := p.write(u.status)
		if u.result != nil {
			u.result <- err
		}
	}
}

func (p *Publisher) write(status Status) error {
	ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
	defer cancel()

	if err := p.store.SetStatus(ctx, p.userID, status); err != nil {
		p.writes.WithLabelValues(status.String(), "error").Inc()
		p.logger.Error().Err(err).Stringer("status", status).Msg("failed to update presence")
		return err
	}
	p.writes.WithLabelValues(status.String(), "ok").Inc()
	p.logger.Debug().Stringer("status", status).Msg("presence updated")
	return nil
}
