package chat

import (
	"fmt"
	"time"
)

// Transport is the writable handle for one peer.  net.Conn satisfies it; the
// server wraps it with a buffered session writer, and tests plug in fakes.
// Writes to a dead transport must fail (or no-op) without panicking.
type Transport interface {
	Write(p []byte) (n int, err error)
	Close() error
}

// Policy bundles the posting limits applied to every connection.
type Policy struct {
	RateLimit          int           // max posts to the default channel per window
	ComplaintThreshold int           // complaints needed to trigger a ban
	BanDuration        time.Duration // how long a triggered ban lasts
}

// DefaultPolicy mirrors the server's stock limits.
var DefaultPolicy = Policy{
	RateLimit:          20,
	ComplaintThreshold: 3,
	BanDuration:        240 * time.Minute,
}

// Conn is the per-session state for one connected peer.  All fields are
// mutated only on the engine goroutine; the transport is the one part other
// goroutines touch (writes only).
type Conn struct {
	Transport Transport

	// Name is empty until name negotiation succeeds, then immutable.
	Name string

	// Scope is what the peer is currently viewing.
	Scope Scope

	// MsgsSent counts posts to the default channel in the current
	// rate-limit window.
	MsgsSent int

	// Complainants lists users that issued ban_user against this peer.
	// Duplicates are kept, so one user can push the count to the threshold.
	Complainants []string

	// BanUntil, when in the future, blocks posting.
	BanUntil time.Time

	policy Policy
}

// NewConn creates a connection record viewing the default channel.
func NewConn(t Transport, policy Policy) *Conn {
	return &Conn{
		Transport: t,
		Scope:     DefaultScope(),
		policy:    policy,
	}
}

// RecordComplaint registers a ban request from another user.  When the
// complaint count reaches the threshold the connection is banned for the
// policy's duration, the complaint list resets, and true is returned.
func (c *Conn) RecordComplaint(by string) bool {
	c.Complainants = append(c.Complainants, by)
	if len(c.Complainants) < c.policy.ComplaintThreshold {
		return false
	}
	c.Complainants = nil
	c.BanUntil = time.Now().Add(c.policy.BanDuration)
	return true
}

// BanNotice is the free-text line shown to a banned user.
func (c *Conn) BanNotice() string {
	return fmt.Sprintf(
		"You have been banned until %s and you can't send messages",
		c.BanUntil.Format(time.RFC1123))
}

// CanPost reports whether the peer may post a message right now.  An active
// ban always denies; the rate limit applies only when posting into the
// default channel.  On allow, the caller increments MsgsSent iff
// intoDefaultChannel holds.
func (c *Conn) CanPost(intoDefaultChannel bool) (ok bool, reason string) {
	now := time.Now()
	if !c.BanUntil.IsZero() && c.BanUntil.After(now) {
		return false, c.BanNotice()
	}
	if intoDefaultChannel && c.MsgsSent >= c.policy.RateLimit {
		return false, fmt.Sprintf(
			"You have reached the limit of %d messages per window",
			c.policy.RateLimit)
	}
	return true, ""
}
