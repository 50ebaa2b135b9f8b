package chat

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func channelMsg(creator, channel, body string) *Message {
	return &Message{
		ID:        "m-" + body,
		CreatedAt: time.Now(),
		Creator:   creator,
		Dest:      Scope{Type: DestChannel, Name: channel},
		Body:      body,
	}
}

func privateMsg(creator, recipient, body string) *Message {
	return &Message{
		ID:        "m-" + body,
		CreatedAt: time.Now(),
		Creator:   creator,
		Dest:      Scope{Type: DestPrivate, Name: recipient},
		Body:      body,
	}
}

func TestDeliversToChannel(t *testing.T) {
	msg := channelMsg("alice", GeneralChannel, "hi")

	assert.True(t, msg.DeliversTo(Scope{Type: DestChannel, Name: GeneralChannel}, "bart"))
	assert.False(t, msg.DeliversTo(Scope{Type: DestChannel, Name: "not_general"}, "bart"))
	assert.False(t, msg.DeliversTo(Scope{Type: DestPrivate, Name: "alice"}, "bart"))
}

func TestDeliversToPrivate(t *testing.T) {
	msg := privateMsg("alice", "bart", "psst")

	// The addressed user sees it while viewing any private thread.
	assert.True(t, msg.DeliversTo(Scope{Type: DestPrivate, Name: "alice"}, "bart"))
	// Someone else in private mode does not.
	assert.False(t, msg.DeliversTo(Scope{Type: DestPrivate, Name: "alice"}, "homer"))
	// The addressed user in channel mode does not.
	assert.False(t, msg.DeliversTo(Scope{Type: DestChannel, Name: GeneralChannel}, "bart"))
}

func TestMarkReceivedKeepsDuplicates(t *testing.T) {
	msg := channelMsg("alice", GeneralChannel, "hi")

	msg.MarkReceived("bob")
	msg.MarkReceived("bob")

	assert.Equal(t, []string{"bob", "bob"}, msg.ReceivedBy)
	assert.True(t, msg.Received("bob"))
	assert.False(t, msg.Received("carol"))
}

func TestNewMessageUniqueIDs(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		m := NewMessage("alice", DefaultScope(), "x")
		assert.False(t, seen[m.ID], "duplicate id %s", m.ID)
		seen[m.ID] = true
	}
}

func TestDefaultScope(t *testing.T) {
	assert.Equal(t, Scope{Type: DestChannel, Name: GeneralChannel}, DefaultScope())
}
