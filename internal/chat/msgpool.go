package chat

import (
	"sync"
	"time"
)

// MessagePool is the append-only collection of every message the server has
// accepted.  Insertion order is preserved; queries return messages in that
// order.  An RWMutex serialises writes so reads can run concurrently.
type MessagePool struct {
	mu        sync.RWMutex
	pool      []*Message
	retention time.Duration
}

// NewMessagePool creates an empty pool.  retention bounds how long a
// delivered message survives before ReapDelivered may remove it.
func NewMessagePool(retention time.Duration) *MessagePool {
	return &MessagePool{retention: retention}
}

// Add appends msg to the pool.
func (p *MessagePool) Add(msg *Message) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pool = append(p.pool, msg)
}

// Count returns the number of stored messages.
func (p *MessagePool) Count() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.pool)
}

// GetByID returns the message with the given id, or nil.  A linear scan is
// fine at this scale.
func (p *MessagePool) GetByID(id string) *Message {
	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, m := range p.pool {
		if m.ID == id {
			return m
		}
	}
	return nil
}

// Query narrows a GetMessages scan.  Zero-valued fields are ignored; the
// set ones are combined with AND logic.
type Query struct {
	DestType        DestType // match destination type
	DestName        string   // match destination name
	Creator         string   // match sender
	NotFromCreator  string   // exclude this sender
	NotReceivedUser string   // exclude messages this user already acknowledged
}

// GetMessages returns every message created before now that matches q, in
// insertion order.
func (p *MessagePool) GetMessages(q Query) []*Message {
	p.mu.RLock()
	defer p.mu.RUnlock()

	now := time.Now()
	var out []*Message
	for _, m := range p.pool {
		if !m.CreatedAt.Before(now) {
			continue
		}
		if q.DestType != "" && m.Dest.Type != q.DestType {
			continue
		}
		if q.DestName != "" && m.Dest.Name != q.DestName {
			continue
		}
		if q.Creator != "" && m.Creator != q.Creator {
			continue
		}
		if q.NotFromCreator != "" && m.Creator == q.NotFromCreator {
			continue
		}
		if q.NotReceivedUser != "" && m.Received(q.NotReceivedUser) {
			continue
		}
		out = append(out, m)
	}
	return out
}

// ReapDelivered removes every message that is older than the retention
// threshold and has at least one acknowledgement.  Returns how many were
// removed.
func (p *MessagePool) ReapDelivered() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	cutoff := time.Now().Add(-p.retention)
	kept := p.pool[:0]
	removed := 0
	for _, m := range p.pool {
		if m.CreatedAt.Before(cutoff) && len(m.ReceivedBy) > 0 {
			removed++
			continue
		}
		kept = append(kept, m)
	}
	// Zero the tail so reaped messages can be collected.
	for i := len(kept); i < len(p.pool); i++ {
		p.pool[i] = nil
	}
	p.pool = kept
	return removed
}
