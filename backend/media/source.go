// Package media provides the local audio sent on an answered call and the
// pipeline consuming the remote party's audio.
package media

import (
	"context"
	"errors"
	"io"
	"os"
	"sync"
	"time"

	"github.com/adwski/moshi-moshi/backend/transport"
	"github.com/pion/webrtc/v3"
	"github.com/pion/webrtc/v3/pkg/media"
	"github.com/pion/webrtc/v3/pkg/media/oggreader"
	"github.com/rs/zerolog"
)

const (
	opusClockRate = 48000
	opusChannels  = 2

	pageInterval = 20 * time.Millisecond
)

var (
	ErrAccessDenied = errors.New("audio input is not accessible")
)

type SourceConfig struct {
	Logger *zerolog.Logger
	// Path is an Ogg/Opus file streamed as the creator's voice.
	Path string
	// Once disables looping at end of file.
	Once bool
}

// FileSource hands out one Input per answered call.
type FileSource struct {
	logger zerolog.Logger
	path   string
	loop   bool
}

func NewFileSource(cfg *SourceConfig) *FileSource {
	return &FileSource{
		logger: cfg.Logger.With().Str("component", "audio-source").Logger(),
		path:   cfg.Path,
		loop:   !cfg.Once,
	}
}

func (s *FileSource) Acquire(ctx context.Context) (transport.LocalAudio, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f, reader, err := openOgg(s.path)
	if err != nil {
		return nil, err
	}
	track, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: opusClockRate, Channels: opusChannels},
		"audio", "moshi")
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	in := &Input{
		logger: s.logger,
		track:  track,
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	go in.pump(s.path, s.loop, f, reader)
	s.logger.Debug().Str("path", s.path).Msg("audio input acquired")
	return in, nil
}

func openOgg(path string) (*os.File, *oggreader.OggReader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, errors.Join(ErrAccessDenied, err)
	}
	reader, _, err := oggreader.NewWith(f)
	if err != nil {
		_ = f.Close()
		return nil, nil, errors.Join(ErrAccessDenied, err)
	}
	return f, reader, nil
}

// Input is a running local audio track. Stop is idempotent.
type Input struct {
	logger zerolog.Logger
	track  *webrtc.TrackLocalStaticSample
	stop   chan struct{}
	done   chan struct{}
	once   sync.Once
}

func (in *Input) Track() webrtc.TrackLocal {
	return in.track
}

func (in *Input) Stop() {
	in.once.Do(func() {
		close(in.stop)
	})
	<-in.done
}

func (in *Input) pump(path string, loop bool, f *os.File, reader *oggreader.OggReader) {
	defer close(in.done)
	defer func() { _ = f.Close() }()

	ticker := time.NewTicker(pageInterval)
	defer ticker.Stop()

	var lastGranule uint64
	for {
		select {
		case <-in.stop:
			in.logger.Debug().Msg("audio input stopped")
			return
		case <-ticker.C:
		}

		page, header, err := reader.ParseNextPage()
		if errors.Is(err, io.EOF) && loop {
			_ = f.Close()
			if f, reader, err = openOgg(path); err != nil {
				in.logger.Error().Err(err).Msg("cannot rewind audio input")
				return
			}
			lastGranule = 0
			continue
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				in.logger.Error().Err(err).Msg("cannot read audio input")
			}
			<-in.stop
			return
		}

		samples := header.GranulePosition - lastGranule
		lastGranule = header.GranulePosition
		duration := time.Duration(samples) * time.Second / opusClockRate
		if err = in.track.WriteSample(media.Sample{Data: page, Duration: duration}); err != nil {
			in.logger.Trace().Err(err).Msg("audio sample dropped")
		}
	}
}
