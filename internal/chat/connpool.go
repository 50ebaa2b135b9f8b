package chat

// ConnPool is the registry of live connections, keyed by transport.  It is
// owned by the engine goroutine: no locking, same rule as the rest of the
// engine state.  Insertion order is kept so fan-out and statistics are
// deterministic.
type ConnPool struct {
	conns []*Conn
}

// NewConnPool creates an empty registry.
func NewConnPool() *ConnPool {
	return &ConnPool{}
}

// Add registers a connection.
func (p *ConnPool) Add(c *Conn) {
	p.conns = append(p.conns, c)
}

// Len returns the number of registered connections.
func (p *ConnPool) Len() int { return len(p.conns) }

// GetByTransport returns the connection bound to t, or nil.
func (p *ConnPool) GetByTransport(t Transport) *Conn {
	for _, c := range p.conns {
		if c.Transport == t {
			return c
		}
	}
	return nil
}

// GetByName returns the connection whose negotiated name is name, or nil.
// Connections still negotiating have no name and never match.
func (p *ConnPool) GetByName(name string) *Conn {
	if name == "" {
		return nil
	}
	for _, c := range p.conns {
		if c.Name == name {
			return c
		}
	}
	return nil
}

// RemoveByTransport drops the connection bound to t, if any.
func (p *ConnPool) RemoveByTransport(t Transport) {
	for i, c := range p.conns {
		if c.Transport == t {
			p.conns = append(p.conns[:i], p.conns[i+1:]...)
			return
		}
	}
}

// AllNames returns the negotiated names of every named connection.
func (p *ConnPool) AllNames() []string {
	out := make([]string, 0, len(p.conns))
	for _, c := range p.conns {
		if c.Name != "" {
			out = append(out, c.Name)
		}
	}
	return out
}

// AllChannelNames returns the distinct channel names currently being viewed
// by connections in channel mode.
func (p *ConnPool) AllChannelNames() []string {
	seen := make(map[string]bool)
	var out []string
	for _, c := range p.conns {
		if c.Scope.Type != DestChannel || seen[c.Scope.Name] {
			continue
		}
		seen[c.Scope.Name] = true
		out = append(out, c.Scope.Name)
	}
	return out
}

// AllTransports returns the transports of every registered connection.
func (p *ConnPool) AllTransports() []Transport {
	out := make([]Transport, 0, len(p.conns))
	for _, c := range p.conns {
		out = append(out, c.Transport)
	}
	return out
}

// ClearRateWindows zeroes every connection's rate-window counter.  Runs at
// the start of each rate-limit window.
func (p *ConnPool) ClearRateWindows() {
	for _, c := range p.conns {
		c.MsgsSent = 0
	}
}

// Route writes frame to every connection other than the sender whose scope
// and name satisfy the message's routing predicate.  Returns how many peers
// the frame reached.  Write failures on dying transports are ignored; the
// disconnect path cleans those connections up.
func (p *ConnPool) Route(m *Message, frame []byte) int {
	delivered := 0
	for _, c := range p.conns {
		if c.Name == m.Creator {
			continue
		}
		if !m.DeliversTo(c.Scope, c.Name) {
			continue
		}
		if _, err := c.Transport.Write(frame); err == nil {
			delivered++
		}
	}
	return delivered
}
