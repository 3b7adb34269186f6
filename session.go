package main

import (
	"encoding/json"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"clanforge/hub/internal/logging"
	"clanforge/hub/internal/protocol"
	"clanforge/hub/internal/ratelimit"
	"clanforge/hub/internal/registry"
	"clanforge/hub/internal/rooms"
)

// session runs the reader and writer tasks for one connection. The reader
// owns command handling; the writer owns the socket for outbound frames and
// pings.
type session struct {
	hub  *Hub
	conn *registry.Connection
	ws   *websocket.Conn
	log  *logging.Logger

	lastPingNano atomic.Int64
	pingPending  atomic.Bool
	closed       atomic.Bool
}

func newSession(h *Hub, conn *registry.Connection, ws *websocket.Conn) *session {
	return &session{
		hub:  h,
		conn: conn,
		ws:   ws,
		log: h.log.With(
			logging.String("conn_id", conn.ID),
			logging.String("user_id", conn.Principal.UserID),
		),
	}
}

// run drives the session until either task exits, then tears the connection
// down exactly once.
func (s *session) run() {
	defer s.close()

	s.sendAuthOK()

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		s.writeLoop()
	}()

	s.readLoop()
	<-writerDone
}

func (s *session) close() {
	if !s.closed.CompareAndSwap(false, true) {
		return
	}
	s.hub.teardown(s.conn)
	_ = s.ws.Close()
	s.log.Info("session closed",
		logging.String("state", s.conn.State().String()))
}

// extendReadDeadline keeps the transport deadline past the third missed ping
// so unresponsive clients leave through the health path, with its close
// reason, rather than through a bare read error.
func (s *session) extendReadDeadline() {
	window := s.hub.cfg.HeartbeatInterval + s.hub.cfg.HeartbeatTimeout
	_ = s.ws.SetReadDeadline(time.Now().Add(4 * window))
}

// evict announces the eviction reason in a close frame before dropping the
// socket.
func (s *session) evict(reason string) {
	s.log.Warn("connection evicted", logging.String("reason", reason))
	writeControlClose(s.ws, websocket.ClosePolicyViolation, reason)
	_ = s.ws.Close()
}

// readLoop consumes client frames until the socket errors or the connection
// is evicted.
func (s *session) readLoop() {
	s.ws.SetPongHandler(func(string) error {
		s.extendReadDeadline()
		s.pingPending.Store(false)
		sent := s.lastPingNano.Load()
		if sent == 0 {
			return nil
		}
		rtt := time.Since(time.Unix(0, sent))
		s.hub.metrics.ResponseTime.Observe(rtt.Seconds())
		if health := s.conn.RecordPong(rtt); health.Evict {
			s.evict(health.Reason)
		}
		return nil
	})
	s.extendReadDeadline()

	for {
		_, raw, err := s.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.log.Debug("read failed", logging.Error(err))
			}
			return
		}
		s.extendReadDeadline()
		s.conn.Touch()

		var frame protocol.ClientFrame
		if err := json.Unmarshal(raw, &frame); err != nil {
			s.recordCommand(true)
			continue
		}
		s.handleFrame(&frame)
		if s.conn.State() == registry.StateEvicted {
			return
		}
	}
}

// writeLoop drains the outbound queue and drives the heartbeat pings. Each
// ping arms a pong deadline so a miss is charged after HeartbeatTimeout, not
// at the next ping interval.
func (s *session) writeLoop() {
	ticker := time.NewTicker(s.hub.cfg.HeartbeatInterval)
	defer ticker.Stop()

	pongDeadline := time.NewTimer(s.hub.cfg.HeartbeatTimeout)
	if !pongDeadline.Stop() {
		<-pongDeadline.C
	}
	defer pongDeadline.Stop()

	node := s.hub.cfg.NodeID
	for {
		select {
		case frame, ok := <-s.conn.Outbound():
			if !ok {
				_ = s.ws.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutdown"),
					time.Now().Add(time.Second))
				return
			}
			_ = s.ws.SetWriteDeadline(time.Now().Add(s.hub.cfg.HeartbeatTimeout))
			if err := s.ws.WriteJSON(frame.ServerFrameFor(node)); err != nil {
				s.log.Debug("write failed", logging.Error(err))
				_ = s.ws.Close()
				return
			}
		case <-pongDeadline.C:
			if !s.pingPending.CompareAndSwap(true, false) {
				continue
			}
			if health := s.conn.RecordMissedPing(); health.Evict {
				s.evict(health.Reason)
				return
			}
		case <-ticker.C:
			// Fallback for configs where the timeout exceeds the interval;
			// the swap fails when the deadline already charged the miss.
			if s.pingPending.CompareAndSwap(true, false) {
				if health := s.conn.RecordMissedPing(); health.Evict {
					s.evict(health.Reason)
					return
				}
			}
			s.lastPingNano.Store(time.Now().UnixNano())
			s.pingPending.Store(true)
			deadline := time.Now().Add(s.hub.cfg.HeartbeatTimeout)
			if err := s.ws.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				_ = s.ws.Close()
				return
			}
			if !pongDeadline.Stop() {
				select {
				case <-pongDeadline.C:
				default:
				}
			}
			pongDeadline.Reset(s.hub.cfg.HeartbeatTimeout)
		}
	}
}

// reply enqueues a server frame for this connection only, echoing the client
// frame id so callers can correlate.
func (s *session) reply(id, kind string, payload any) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return
	}
	s.conn.Enqueue(&protocol.OutFrame{
		Kind:      kind,
		Payload:   raw,
		EmittedAt: time.Now(),
		Node:      s.hub.cfg.NodeID,
		ID:        id,
	})
}

func (s *session) recordCommand(failed bool) {
	if failed {
		s.hub.metrics.RecordRequest(true, "command")
	} else {
		s.hub.metrics.RecordRequest(false, "")
	}
	if health := s.conn.RecordRequest(failed); health.Evict {
		s.evict(health.Reason)
	}
}

func (s *session) sendAuthOK() {
	s.reply("", protocol.FrameAuthOK, map[string]any{
		"connId":    s.conn.ID,
		"userId":    s.conn.Principal.UserID,
		"roles":     s.conn.Principal.RoleNames(),
		"anonymous": s.conn.Principal.Anonymous,
		"heartbeat": s.hub.cfg.HeartbeatInterval.Milliseconds(),
	})
}

type joinRequest struct {
	RoomID     string   `json:"roomId"`
	ClanID     string   `json:"clanId"`
	ProposalID string   `json:"proposalId"`
	ContentID  string   `json:"contentId"`
	Kinds      []string `json:"kinds"`
}

func (s *session) handleFrame(frame *protocol.ClientFrame) {
	var req joinRequest
	if len(frame.D) > 0 {
		if err := json.Unmarshal(frame.D, &req); err != nil {
			s.recordCommand(true)
			s.reply(frame.ID, protocol.FrameSubscriptionFailed, map[string]string{"reason": "malformed_payload"})
			return
		}
	}

	switch frame.T {
	case protocol.FrameHeartbeat:
		s.reply(frame.ID, protocol.FrameHeartbeatAck, map[string]any{
			"state":          s.conn.State().String(),
			"responseTimeMs": s.conn.ResponseTime().Milliseconds(),
			"serverTime":     time.Now().UTC().Format(time.RFC3339Nano),
		})
		s.recordCommand(false)

	case protocol.FrameJoinRoom:
		s.joinRoom(frame.ID, req.RoomID, req.Kinds, ratelimit.ClassClanJoin, ratelimit.Context{})

	case protocol.FrameLeaveRoom:
		s.hub.rooms.Leave(s.conn, req.RoomID)
		if s.hub.bridge != nil {
			s.hub.bridge.RemoveTopic(protocol.TargetRoom(req.RoomID).Topic())
		}
		s.reply(frame.ID, protocol.FrameRoomLeft, map[string]string{"roomId": req.RoomID})
		s.recordCommand(false)

	case protocol.FrameUserSubscribe:
		s.conn.SetDefaultPrefs(protocol.NewSubscriptionPrefs(req.Kinds))
		s.reply(frame.ID, protocol.FrameSubscribed, map[string]any{"kinds": req.Kinds})
		s.recordCommand(false)

	case protocol.FrameClanJoin, protocol.FrameClanSubscribe:
		s.joinRoom(frame.ID, "clan:"+req.ClanID, req.Kinds, ratelimit.ClassClanJoin,
			ratelimit.Context{ClanID: req.ClanID})

	case protocol.FrameVotingSubscribe:
		s.joinRoom(frame.ID, "voting:"+req.ProposalID, req.Kinds, ratelimit.ClassAuthVoting,
			ratelimit.Context{ProposalID: req.ProposalID})

	case protocol.FrameContentSubscribe:
		s.joinRoom(frame.ID, "content:"+req.ContentID, req.Kinds, ratelimit.ClassAuthStandard,
			ratelimit.Context{})

	default:
		s.recordCommand(true)
		s.reply(frame.ID, protocol.FrameSubscriptionFailed, map[string]string{
			"reason": "unknown_command",
			"t":      frame.T,
		})
	}
}

// joinRoom runs the shared admission path: rate limit, admit, subscribe the
// cluster topic, acknowledge.
func (s *session) joinRoom(frameID, roomID string, kinds []string, class ratelimit.Class, rlCtx ratelimit.Context) {
	identifier := s.conn.Principal.UserID
	if identifier == "" {
		identifier = s.conn.RemoteAddr
	}
	decision := s.hub.limiter.Check(identifier, class, rlCtx)
	if !decision.Allowed {
		s.recordCommand(true)
		s.reply(frameID, protocol.FrameRateLimited, map[string]any{
			"roomId":     roomID,
			"retryAfter": decision.RetryAfter.Milliseconds(),
		})
		return
	}

	if err := s.hub.rooms.Join(s.conn, roomID, protocol.NewSubscriptionPrefs(kinds)); err != nil {
		reason := "invalid_room"
		if denyReason, ok := rooms.Denied(err); ok {
			reason = string(denyReason)
		}
		s.recordCommand(true)
		s.reply(frameID, protocol.FrameRoomJoinFailed, map[string]string{
			"roomId": roomID,
			"reason": reason,
		})
		return
	}
	if s.hub.bridge != nil {
		s.hub.bridge.AddTopic(protocol.TargetRoom(roomID).Topic())
	}
	s.reply(frameID, protocol.FrameRoomJoined, map[string]any{
		"roomId":  roomID,
		"members": s.hub.rooms.Size(roomID),
	})
	s.recordCommand(false)
}
