// Package chat implements the in-call transcript shared by both parties of a
// call: an append-only message log and the transient error slot shown next to
// the compose box.
package chat

import (
	"errors"
	"sync"
	"time"
)

// TransientTTL is how long a transient error stays visible.
const TransientTTL = 3 * time.Second

var (
	ErrEmptyMessage = errors.New("no message to send")
)

type Direction int

const (
	Incoming Direction = iota
	Outgoing
	System
)

func (d Direction) String() string {
	switch d {
	case Incoming:
		return "incoming"
	case Outgoing:
		return "outgoing"
	case System:
		return "server"
	}
	return "unknown"
}

func (d Direction) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

type Origin int

const (
	TransportNotice Origin = iota
	LocalParty
	RemoteParty
)

func (o Origin) String() string {
	switch o {
	case TransportNotice:
		return "transport"
	case LocalParty:
		return "creator"
	case RemoteParty:
		return "caller"
	}
	return "unknown"
}

func (o Origin) MarshalText() ([]byte, error) {
	return []byte(o.String()), nil
}

// Message is an immutable transcript entry.
type Message struct {
	Text      string    `json:"text"`
	Direction Direction `json:"type"`
	Origin    Origin    `json:"source"`
	AutoReply bool      `json:"auto_reply,omitempty"`
}

func Notice(text string) Message {
	return Message{Text: text, Direction: System, Origin: TransportNotice}
}

func FromLocal(text string) Message {
	return Message{Text: text, Direction: Outgoing, Origin: LocalParty}
}

func FromRemote(text string) Message {
	return Message{Text: text, Direction: Incoming, Origin: RemoteParty}
}

// Log is the append-only transcript. Insertion order is display order.
type Log struct {
	mx   sync.RWMutex
	msgs []Message
}

// Append adds m and returns its stable index.
func (l *Log) Append(m Message) int {
	l.mx.Lock()
	defer l.mx.Unlock()
	l.msgs = append(l.msgs, m)
	return len(l.msgs) - 1
}

func (l *Log) Len() int {
	l.mx.RLock()
	defer l.mx.RUnlock()
	return len(l.msgs)
}

// Messages returns a copy of the transcript.
func (l *Log) Messages() []Message {
	l.mx.RLock()
	defer l.mx.RUnlock()
	out := make([]Message, len(l.msgs))
	copy(out, l.msgs)
	return out
}

// Transient holds a single short-lived error text.
type Transient struct {
	text    string
	expires time.Time
}

// Set shows text for TransientTTL starting at now.
func (t *Transient) Set(text string, now time.Time) {
	t.text = text
	t.expires = now.Add(TransientTTL)
}

// Current returns the text if it has not expired yet.
func (t *Transient) Current(now time.Time) string {
	if t.text == "" || !now.Before(t.expires) {
		return ""
	}
	return t.text
}
