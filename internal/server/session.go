package server

import (
	"bufio"
	"net"
	"sync"
)

const sendBufSize = 256 // buffered send channel capacity

// session wraps one TCP connection.
//
// Two goroutines run per session:
//
//	readPump  – reads newline-delimited frames from the TCP connection and
//	            posts them to the engine goroutine.
//	writePump – drains the send channel and writes frames to the connection.
//
// This decouples reading from writing so a slow writer never blocks readers.
// session implements chat.Transport: the engine and the delivery loop write
// through Write, which enqueues on the send channel.
type session struct {
	id   string
	conn net.Conn
	srv  *Server

	// mu guards closed and the close of send: the engine closes the
	// channel on disconnect while the delivery loop may still be writing.
	mu     sync.Mutex
	closed bool
	send   chan []byte
}

func newSession(id string, conn net.Conn, srv *Server) *session {
	return &session{
		id:   id,
		conn: conn,
		srv:  srv,
		send: make(chan []byte, sendBufSize),
	}
}

// Write queues frame for delivery to the peer.  It never blocks: writes to a
// closed session fail with net.ErrClosed, and a full buffer drops the frame
// rather than stalling the engine on a stuck client.
func (s *session) Write(frame []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, net.ErrClosed
	}
	select {
	case s.send <- frame:
		return len(frame), nil
	default:
		s.srv.log.Warn().Str("conn", s.id).Msg("send buffer full, frame dropped")
		return len(frame), nil
	}
}

// Close shuts the underlying TCP connection.
func (s *session) Close() error { return s.conn.Close() }

// shutdownSend marks the session closed and releases writePump.  Called by
// the engine on disconnect and on server shutdown; calls after the first are
// no-ops.
func (s *session) shutdownSend() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.send)
}

// readPump reads frames line by line and posts them to the engine.  When the
// connection drops it posts a disconnect event and returns.
func (s *session) readPump() {
	defer func() {
		s.srv.post(event{kind: evDisconnect, sess: s})
		s.conn.Close()
	}()

	scanner := bufio.NewScanner(s.conn)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		s.srv.post(event{kind: evFrame, sess: s, line: line})
	}
}

// writePump drains the send channel onto the TCP connection.  It exits when
// the engine closes the channel or the peer stops accepting writes.
func (s *session) writePump() {
	defer s.conn.Close()

	for frame := range s.send {
		if _, err := s.conn.Write(frame); err != nil {
			return
		}
	}
}
