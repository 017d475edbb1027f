package media

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"time"

	"github.com/adwski/moshi-moshi/backend/transport"
	"github.com/pion/webrtc/v3"
	"github.com/pion/webrtc/v3/pkg/media/oggwriter"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
)

var unsafeName = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

type PipelineConfig struct {
	Logger     *zerolog.Logger
	Registerer prometheus.Registerer
	// RecordDir enables recording of remote audio to Ogg files.
	RecordDir string
}

// Pipeline consumes the remote audio of the active call. Packets are drained
// so the peer connection never stalls and written to disk when recording is on.
type Pipeline struct {
	logger  zerolog.Logger
	dir     string
	packets prometheus.Counter

	mx     sync.Mutex
	active chan struct{}
}

func NewPipeline(cfg *PipelineConfig) *Pipeline {
	p := &Pipeline{
		logger: cfg.Logger.With().Str("component", "audio-pipeline").Logger(),
		dir:    cfg.RecordDir,
		packets: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "moshi_remote_audio_packets_total",
			Help: "RTP packets received from callers.",
		}),
	}
	if cfg.Registerer != nil {
		cfg.Registerer.MustRegister(p.packets)
	}
	return p
}

// Start drains every track of stream until Stop or until the call closes.
func (p *Pipeline) Start(remote string, stream transport.RemoteStream) {
	src, ok := stream.(interface{ Tracks() []*webrtc.TrackRemote })
	if !ok {
		p.logger.Warn().Str("remote", remote).Msg("remote stream carries no rtp tracks")
		return
	}

	p.mx.Lock()
	defer p.mx.Unlock()
	if p.active != nil {
		close(p.active)
	}
	stop := make(chan struct{})
	p.active = stop

	started := time.Now().UTC()
	for i, track := range src.Tracks() {
		w := p.recorder(remote, started, i)
		go p.drain(stop, track, w)
	}
	p.logger.Debug().Str("remote", remote).Int("tracks", len(src.Tracks())).Msg("remote audio started")
}

// Stop is idempotent.
func (p *Pipeline) Stop() {
	p.mx.Lock()
	defer p.mx.Unlock()
	if p.active != nil {
		close(p.active)
		p.active = nil
		p.logger.Debug().Msg("remote audio stopped")
	}
}

func (p *Pipeline) recorder(remote string, started time.Time, idx int) *oggwriter.OggWriter {
	if p.dir == "" {
		return nil
	}
	if err := os.MkdirAll(p.dir, 0o750); err != nil {
		p.logger.Error().Err(err).Str("dir", p.dir).Msg("cannot create record dir")
		return nil
	}
	path := filepath.Join(p.dir, RecordingName(remote, started, idx))
	w, err := oggwriter.New(path, opusClockRate, opusChannels)
	if err != nil {
		p.logger.Error().Err(err).Str("path", path).Msg("cannot create recording")
		return nil
	}
	p.logger.Debug().Str("path", path).Msg("recording remote audio")
	return w
}

// RecordingName is the file name used for track idx of a call with remote.
func RecordingName(remote string, started time.Time, idx int) string {
	name := unsafeName.ReplaceAllString(remote, "_")
	if name == "" {
		name = "unknown"
	}
	return fmt.Sprintf("%s-%s-%d.ogg", name, started.Format("20060102T150405Z"), idx)
}

func (p *Pipeline) drain(stop <-chan struct{}, track *webrtc.TrackRemote, w *oggwriter.OggWriter) {
	defer func() {
		if w != nil {
			if err := w.Close(); err != nil {
				p.logger.Error().Err(err).Msg("cannot finalize recording")
			}
		}
	}()
	for {
		select {
		case <-stop:
			return
		default:
		}
		pkt, _, err := track.ReadRTP()
		if err != nil {
			p.logger.Debug().Err(err).Msg("remote track ended")
			return
		}
		p.packets.Inc()
		if w == nil {
			continue
		}
		if err = w.WriteRTP(pkt); err != nil {
			p.logger.Error().Err(err).Msg("cannot write recording")
			_ = w.Close()
			w = nil
		}
	}
}
