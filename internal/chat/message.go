// Package chat holds the server's domain state: message records, the
// message pool, connection records, and the connection pool.
//
// Concurrency model
// -----------------
//   - The server owns one engine goroutine; every mutation of the pools and
//     of connection records happens there, so Conn and ConnPool carry no
//     locks (same ownership rule as a hub goroutine owning its clients map).
//   - MessagePool keeps its own RWMutex so queries from tests and metrics
//     can run outside the engine.
package chat

import (
	"slices"
	"time"

	"github.com/google/uuid"
)

// DestType tags where a message is addressed: a broadcast channel or a
// private peer-to-peer thread.
type DestType string

const (
	DestChannel DestType = "channel"
	DestPrivate DestType = "private"
)

// GeneralChannel is the only channel materialized in this version; every
// connection starts out viewing it.
const GeneralChannel = "general"

// Scope is the (type, name) pair a connection is currently viewing.  For a
// message it doubles as the destination: Channel(name) or Private(recipient).
type Scope struct {
	Type DestType
	Name string
}

// DefaultScope is the scope every fresh connection starts in.
func DefaultScope() Scope {
	return Scope{Type: DestChannel, Name: GeneralChannel}
}

// Message is one chat message.  Everything except ReceivedBy is immutable
// after creation.
type Message struct {
	ID        string
	CreatedAt time.Time
	Creator   string
	Dest      Scope
	Body      string

	// ReceivedBy lists the users that acknowledged delivery.  It grows
	// monotonically and accepts duplicate appends.
	ReceivedBy []string
}

// NewMessage creates a message with a fresh id and timestamp.
func NewMessage(creator string, dest Scope, body string) *Message {
	return &Message{
		ID:        uuid.NewString(),
		CreatedAt: time.Now(),
		Creator:   creator,
		Dest:      dest,
		Body:      body,
	}
}

// MarkReceived records that user has seen the message.  Duplicates are kept.
func (m *Message) MarkReceived(user string) {
	m.ReceivedBy = append(m.ReceivedBy, user)
}

// Received reports whether user already acknowledged the message.
func (m *Message) Received(user string) bool {
	return slices.Contains(m.ReceivedBy, user)
}

// DeliversTo reports whether the message should reach a viewer with the
// given scope and user name:
//   - a channel message reaches viewers whose scope is that channel;
//   - a private message reaches the addressed user while they are viewing
//     any private thread.
func (m *Message) DeliversTo(scope Scope, viewer string) bool {
	switch scope.Type {
	case DestChannel:
		return m.Dest.Type == DestChannel && m.Dest.Name == scope.Name
	case DestPrivate:
		return m.Dest.Type == DestPrivate && m.Dest.Name == viewer
	}
	return false
}
