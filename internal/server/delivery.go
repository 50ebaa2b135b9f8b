package server

import (
	"gochat/internal/chat"
)

const replayQueueSize = 1024

// replayItem is one unit of replay work: deliver msg to the transport.
// The queue carries only replay pushes (history on join, history on scope
// change); live broadcasts are written directly by ConnPool.Route.
type replayItem struct {
	msg *chat.Message
	tr  chat.Transport
}

// enqueueReplay submits a replay delivery without blocking the engine.  A
// full queue drops the item; the not-received filter will pick the message
// up again on the next scope change.
func (s *Server) enqueueReplay(m *chat.Message, tr chat.Transport) {
	select {
	case s.replay <- replayItem{msg: m, tr: tr}:
		s.met.Replayed.Inc()
	default:
		s.log.Warn().Str("msg", m.ID).Msg("replay queue full, delivery dropped")
	}
}

// deliverLoop drains the replay queue and writes each message to its target
// transport.  Writes to transports that died in the meantime fail silently;
// the disconnect path already removed those connections.
func (s *Server) deliverLoop() {
	for {
		select {
		case item := <-s.replay:
			frame, err := encodeMessage(item.msg)
			if err != nil {
				s.log.Error().Err(err).Str("msg", item.msg.ID).Msg("encode replay")
				continue
			}
			if _, err := item.tr.Write(frame); err != nil {
				s.log.Debug().Str("msg", item.msg.ID).Msg("replay write to dead transport")
			}
		case <-s.done:
			return
		}
	}
}
