package alert

import (
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type syncBuffer struct {
	mx sync.Mutex
	sb strings.Builder
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mx.Lock()
	defer b.mx.Unlock()
	return b.sb.Write(p)
}

func (b *syncBuffer) bells() int {
	b.mx.Lock()
	defer b.mx.Unlock()
	return strings.Count(b.sb.String(), bell)
}

func TestRingtone_LoopsUntilStopped(t *testing.T) {
	logger := zerolog.Nop()
	out := &syncBuffer{}
	r := NewRingtone(&Config{Logger: &logger, Out: out, RingInterval: 5 * time.Millisecond})

	r.Start()
	r.Start()
	require.Eventually(t, func() bool {
		return out.bells() >= 3
	}, time.Second, time.Millisecond)

	r.Stop()
	rung := out.bells()
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, rung, out.bells())

	r.Stop()
}

func TestRingtone_RestartAfterStop(t *testing.T) {
	logger := zerolog.Nop()
	out := &syncBuffer{}
	r := NewRingtone(&Config{Logger: &logger, Out: out, RingInterval: time.Hour})

	r.Start()
	r.Stop()
	r.Start()
	r.Stop()
	assert.Equal(t, 2, out.bells())
}

func TestRingtone_NilOut(t *testing.T) {
	logger := zerolog.Nop()
	r := NewRingtone(&Config{Logger: &logger})
	r.Start()
	r.Stop()
}

func TestChime_Play(t *testing.T) {
	logger := zerolog.Nop()
	out := &syncBuffer{}
	c := NewChime(&Config{Logger: &logger, Out: out})

	c.Play()
	c.Play()
	assert.Equal(t, 2, out.bells())
}
