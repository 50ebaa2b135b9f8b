// Package server implements the TCP chat server.
//
// Concurrency overview
// --------------------
//
//	┌─────────────────────────────────────────────────────────┐
//	│  Listener goroutine                                      │
//	│  Accepts TCP connections; spawns readPump + writePump    │
//	│  goroutines for each session.                            │
//	└───────────────────┬─────────────────────────────────────┘
//	                    │  connect / frame / disconnect events
//	                    ▼
//	┌─────────────────────────────────────────────────────────┐
//	│  Engine goroutine                                        │
//	│  Owns the connection pool and drives the protocol state  │
//	│  machine; also runs the rate-window and retention timers.│
//	└─────────────────────────────────────────────────────────┘
//
//	┌─────────────────────────────────────────────────────────┐
//	│  Delivery goroutine                                      │
//	│  Drains the replay queue and writes history pushes to    │
//	│  their target transports.                                │
//	└─────────────────────────────────────────────────────────┘
//
// Every mutation of the pools happens on the engine goroutine, so the
// protocol handlers need no locks.  A misbehaving connection never unwinds
// past its handler: malformed frames are logged and dropped.
package server

import (
	"fmt"
	"net"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"gochat/internal/chat"
	"gochat/internal/config"
	"gochat/internal/metrics"
	"gochat/internal/protocol"
)

// ---------------------------------------------------------------------------
// Engine events
// ---------------------------------------------------------------------------

type eventKind int

const (
	evConnect eventKind = iota
	evFrame
	evDisconnect
)

type event struct {
	kind eventKind
	sess *session
	line string // raw frame, evFrame only
}

// ---------------------------------------------------------------------------
// Server
// ---------------------------------------------------------------------------

// Server ties together the connection pool, the message pool, the engine,
// and the replay delivery queue.
type Server struct {
	cfg *config.Config
	log zerolog.Logger
	met *metrics.Metrics

	msgs   *chat.MessagePool
	conns  *chat.ConnPool
	policy chat.Policy

	events   chan event
	replay   chan replayItem
	listener net.Listener
	done     chan struct{}
	stopped  chan struct{} // closed when the engine goroutine exits

	connID atomic.Uint64 // monotonically increasing connection counter
}

// New creates a Server from cfg.
func New(cfg *config.Config, log zerolog.Logger, met *metrics.Metrics) *Server {
	return &Server{
		cfg:   cfg,
		log:   log,
		met:   met,
		msgs:  chat.NewMessagePool(cfg.Retention),
		conns: chat.NewConnPool(),
		policy: chat.Policy{
			RateLimit:          cfg.RateLimit,
			ComplaintThreshold: cfg.ComplaintThreshold,
			BanDuration:        cfg.BanDuration,
		},
		events:  make(chan event, 256),
		replay:  make(chan replayItem, replayQueueSize),
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
}

// Listen binds addr and starts the engine and delivery loops.
func (s *Server) Listen(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("server: listen on %s: %w", addr, err)
	}
	s.listener = ln
	s.log.Info().Str("addr", ln.Addr().String()).Msg("listening")

	go s.run()
	go s.deliverLoop()
	return nil
}

// Addr returns the bound listener address.  Valid after Listen.
func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}

// ListenAndServe binds addr and accepts TCP connections until Shutdown
// closes the listener.
func (s *Server) ListenAndServe(addr string) error {
	if err := s.Listen(addr); err != nil {
		return err
	}
	return s.Serve()
}

// Serve accepts connections on the bound listener.
func (s *Server) Serve() error {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.done:
				// Closed by Shutdown.
				return nil
			default:
				return fmt.Errorf("server: accept: %w", err)
			}
		}
		go s.serveConn(conn)
	}
}

// Shutdown cleanly stops the server: no new connections, engine and delivery
// loops stop, every live transport is closed.  It returns once the engine
// goroutine has exited.
func (s *Server) Shutdown() {
	close(s.done)
	if s.listener == nil {
		return
	}
	s.listener.Close()
	<-s.stopped
}

// serveConn wires a session for conn and runs its read pump.
func (s *Server) serveConn(conn net.Conn) {
	id := fmt.Sprintf("conn-%d", s.connID.Add(1))
	sess := newSession(id, conn, s)
	s.post(event{kind: evConnect, sess: sess})

	// writePump runs in its own goroutine; readPump runs in this one.
	go sess.writePump()
	sess.readPump()
}

// post hands ev to the engine, giving up if the server is shutting down.
func (s *Server) post(ev event) {
	select {
	case s.events <- ev:
	case <-s.done:
	}
}

// ---------------------------------------------------------------------------
// Engine
// ---------------------------------------------------------------------------

// run is the engine goroutine: the single owner of the connection pool and
// the only writer of protocol state.  Housekeeping timers run here too, so
// rate-window resets and retention sweeps are serialised with the handlers.
func (s *Server) run() {
	defer close(s.stopped)

	rateTick := time.NewTicker(s.cfg.RateWindow)
	defer rateTick.Stop()
	reapTick := time.NewTicker(s.cfg.ReapInterval)
	defer reapTick.Stop()

	for {
		select {
		case ev := <-s.events:
			switch ev.kind {
			case evConnect:
				s.handleConnect(ev.sess)
			case evFrame:
				s.handleFrame(ev.sess, ev.line)
			case evDisconnect:
				s.handleDisconnect(ev.sess)
			}

		case <-rateTick.C:
			s.conns.ClearRateWindows()
			s.log.Debug().Msg("rate windows cleared")

		case <-reapTick.C:
			if n := s.msgs.ReapDelivered(); n > 0 {
				s.met.Reaped.Add(float64(n))
				s.met.PoolSize.Set(float64(s.msgs.Count()))
				s.log.Info().Int("reaped", n).Msg("retention sweep")
			}

		case <-s.done:
			// Close every transport and release its writePump.
			for _, tr := range s.conns.AllTransports() {
				tr.Close()
				if sess, ok := tr.(*session); ok {
					sess.shutdownSend()
				}
			}
			return
		}
	}
}

func (s *Server) handleConnect(sess *session) {
	s.conns.Add(chat.NewConn(sess, s.policy))
	s.met.Connections.Inc()
	sess.Write(protocol.Frame(protocol.OpChooseName, ""))
	s.log.Info().Str("conn", sess.id).Msg("connected")
}

func (s *Server) handleDisconnect(sess *session) {
	conn := s.conns.GetByTransport(sess)
	if conn == nil {
		return
	}
	s.conns.RemoveByTransport(sess)
	sess.shutdownSend()
	s.met.Connections.Dec()
	if conn.Name != "" {
		s.met.NamedUsers.Dec()
	}
	s.log.Info().Str("conn", sess.id).Str("user", conn.Name).Msg("disconnected")
	s.pushStatistics(nil)
}

// handleFrame drives the per-connection state machine: a connection without
// a name is still negotiating, everything else is command dispatch.
func (s *Server) handleFrame(sess *session, line string) {
	conn := s.conns.GetByTransport(sess)
	if conn == nil {
		// Frame raced with the disconnect path.
		return
	}
	if conn.Name == "" {
		s.negotiateName(sess, conn, line)
		return
	}

	op, payload := protocol.Split(line)
	switch op {
	case protocol.OpGetStatistic:
		s.sendStatistics(sess)
	case protocol.OpMessageApprove:
		s.handleApprove(sess, payload)
	case protocol.OpChangeChat:
		s.handleChangeChat(sess, conn, line, payload)
	case protocol.OpBanUser:
		s.handleBanUser(conn, payload)
	case protocol.OpMessageFromClient:
		s.handlePost(sess, conn, payload)
	default:
		s.log.Warn().Str("conn", sess.id).Str("op", string(op)).Msg("unknown operator")
	}
}

// ---------------------------------------------------------------------------
// Name negotiation and history replay
// ---------------------------------------------------------------------------

// negotiateName treats any inbound frame as a candidate name.  Only named
// connections count for the uniqueness check; two peers racing for the same
// name resolve by arrival order at the engine.
func (s *Server) negotiateName(sess *session, conn *chat.Conn, line string) {
	name := strings.TrimSpace(line)
	if name == "" || s.conns.GetByName(name) != nil {
		sess.Write(protocol.Frame(protocol.OpNameRejected, ""))
		return
	}

	conn.Name = name
	sess.Write(protocol.Frame(protocol.OpNameAccepted, name))
	s.met.NamedUsers.Inc()
	s.log.Info().Str("conn", sess.id).Str("user", name).Msg("name accepted")

	s.pushStatistics(sess)
	s.replayHistory(conn)
}

// replayHistory enqueues the most recent messages for a freshly named user.
// Anything older than the history window is marked received so later scope
// changes do not resend it.
func (s *Server) replayHistory(conn *chat.Conn) {
	msgs := s.msgs.GetMessages(chat.Query{})
	if len(msgs) > s.cfg.HistoryInit {
		cut := len(msgs) - s.cfg.HistoryInit
		for _, m := range msgs[:cut] {
			m.MarkReceived(conn.Name)
		}
		msgs = msgs[cut:]
	}
	for _, m := range msgs {
		s.enqueueReplay(m, conn.Transport)
	}
}

// ---------------------------------------------------------------------------
// Command handlers
// ---------------------------------------------------------------------------

func (s *Server) handleApprove(sess *session, payload string) {
	var p protocol.ApprovePayload
	if err := protocol.UnmarshalPayload(payload, &p); err != nil || p.UUID == "" || p.User == "" {
		s.log.Warn().Str("conn", sess.id).Msg("malformed message_approve payload")
		return
	}
	msg := s.msgs.GetByID(p.UUID)
	if msg == nil {
		s.log.Debug().Str("msg", p.UUID).Msg("approve for unknown message")
		return
	}
	msg.MarkReceived(p.User)
}

func (s *Server) handleChangeChat(sess *session, conn *chat.Conn, line, payload string) {
	chatType, chatName, err := protocol.ParseChangeChat(payload)
	if err != nil {
		s.log.Warn().Str("conn", sess.id).Err(err).Msg("malformed change_chat payload")
		return
	}

	conn.Scope = chat.Scope{Type: chat.DestType(chatType), Name: chatName}
	sess.Write([]byte(line + "\n")) // echo so the client updates its view

	var q chat.Query
	switch conn.Scope.Type {
	case chat.DestChannel:
		q = chat.Query{
			DestType:        chat.DestChannel,
			DestName:        chatName,
			NotReceivedUser: conn.Name,
			NotFromCreator:  conn.Name,
		}
	case chat.DestPrivate:
		q = chat.Query{
			DestType:        chat.DestPrivate,
			DestName:        conn.Name,
			Creator:         chatName,
			NotReceivedUser: conn.Name,
			NotFromCreator:  conn.Name,
		}
	}
	for _, m := range s.msgs.GetMessages(q) {
		s.enqueueReplay(m, conn.Transport)
	}
}

func (s *Server) handleBanUser(complainant *chat.Conn, payload string) {
	target := s.conns.GetByName(strings.TrimSpace(payload))
	if target == nil {
		s.log.Warn().Str("target", payload).Msg("ban_user for unknown user")
		return
	}
	if !target.RecordComplaint(complainant.Name) {
		return
	}
	s.log.Info().Str("user", target.Name).Time("until", target.BanUntil).Msg("user banned")
	if _, err := target.Transport.Write([]byte(target.BanNotice() + "\n")); err != nil {
		s.log.Debug().Str("user", target.Name).Msg("ban notice write failed")
	}
}

func (s *Server) handlePost(sess *session, conn *chat.Conn, body string) {
	if body == "" {
		s.log.Warn().Str("conn", sess.id).Msg("message_from_client without body")
		return
	}

	intoDefault := conn.Scope == chat.DefaultScope()
	ok, reason := conn.CanPost(intoDefault)
	if !ok {
		sess.Write([]byte(reason + "\n"))
		s.met.PostsDenied.WithLabelValues(denyReason(conn)).Inc()
		return
	}
	if intoDefault {
		conn.MsgsSent++
	}

	msg := chat.NewMessage(conn.Name, conn.Scope, body)
	s.msgs.Add(msg)
	s.met.MessagesPosted.Inc()
	s.met.PoolSize.Set(float64(s.msgs.Count()))

	frame, err := encodeMessage(msg)
	if err != nil {
		s.log.Error().Err(err).Str("msg", msg.ID).Msg("encode message")
		return
	}
	delivered := s.conns.Route(msg, frame)
	s.met.MessagesRouted.Add(float64(delivered))
	s.log.Debug().Str("msg", msg.ID).Str("user", conn.Name).Int("delivered", delivered).Msg("routed")
}

// denyReason labels the posts_denied metric.
func denyReason(conn *chat.Conn) string {
	if !conn.BanUntil.IsZero() && conn.BanUntil.After(time.Now()) {
		return "ban"
	}
	return "rate_limit"
}

// ---------------------------------------------------------------------------
// Statistics
// ---------------------------------------------------------------------------

func (s *Server) statisticsFrame() []byte {
	frame, err := protocol.FrameJSON(protocol.OpSetStatistic, protocol.Statistics{
		Users:    s.conns.AllNames(),
		Channels: s.conns.AllChannelNames(),
	})
	if err != nil {
		s.log.Error().Err(err).Msg("encode statistics")
		return nil
	}
	return frame
}

func (s *Server) sendStatistics(sess *session) {
	if frame := s.statisticsFrame(); frame != nil {
		sess.Write(frame)
	}
}

// pushStatistics sends the current statistics to every connection except
// the given one.  Runs on join and on disconnect so clients keep a live
// view of who is around.
func (s *Server) pushStatistics(except *session) {
	frame := s.statisticsFrame()
	if frame == nil {
		return
	}
	for _, tr := range s.conns.AllTransports() {
		if except != nil && tr == chat.Transport(except) {
			continue
		}
		tr.Write(frame)
	}
}

// encodeMessage renders m as a message_from_srv frame.
func encodeMessage(m *chat.Message) ([]byte, error) {
	return protocol.FrameJSON(protocol.OpMessageFromSrv, protocol.WireMessage{
		UUID:            m.ID,
		Creator:         m.Creator,
		DestinationType: string(m.Dest.Type),
		DestinationName: m.Dest.Name,
		Message:         m.Body,
	})
}
