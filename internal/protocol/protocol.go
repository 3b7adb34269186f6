// Package protocol defines the wire frames exchanged with clients and the
// internal event model the dispatcher fans out.
package protocol

import (
	"encoding/json"
	"strings"
	"time"
)

// Client command kinds (client to server).
const (
	FrameAuth             = "auth"
	FrameHeartbeat        = "heartbeat"
	FrameJoinRoom         = "join_room"
	FrameLeaveRoom        = "leave_room"
	FrameUserSubscribe    = "user:subscribe_updates"
	FrameClanJoin         = "clan:join"
	FrameClanSubscribe    = "clan:subscribe"
	FrameVotingSubscribe  = "voting:subscribe"
	FrameContentSubscribe = "content:subscribe"
)

// Server frame kinds (server to client).
const (
	FrameAuthOK             = "auth_ok"
	FrameAuthFail           = "auth_fail"
	FrameHeartbeatAck       = "heartbeat_ack"
	FrameRoomJoined         = "room_joined"
	FrameRoomLeft           = "room_left"
	FrameRoomJoinFailed     = "room_join_failed"
	FrameSubscribed         = "subscribed"
	FrameSubscriptionFailed = "subscription_failed"
	FrameRateLimited        = "rate_limited"
	FrameBatch              = "batch"
	FrameServerShutdown     = "system.server_shutdown"
)

// ClientFrame is a single JSON command received from a client.
type ClientFrame struct {
	T  string          `json:"t"`
	D  json.RawMessage `json:"d,omitempty"`
	ID string          `json:"id,omitempty"`
}

// ServerFrame is a single JSON frame written to a client. TS is ISO-8601 UTC
// and Node identifies the hub node that framed the event.
type ServerFrame struct {
	T    string          `json:"t"`
	D    json.RawMessage `json:"d,omitempty"`
	TS   string          `json:"ts"`
	Node string          `json:"node"`
	ID   string          `json:"id,omitempty"`
}

// TargetKind discriminates the addressing mode of a publish.
type TargetKind int

const (
	TargetKindUser TargetKind = iota
	TargetKindRoom
	TargetKindUsers
	TargetKindGlobal
)

// TargetSpec addresses a publish at a single user, a room, a set of users or
// every active connection.
type TargetSpec struct {
	Kind    TargetKind
	UserID  string
	UserIDs []string
	RoomID  string
}

// TargetUser addresses every connection of a single user.
func TargetUser(userID string) TargetSpec {
	return TargetSpec{Kind: TargetKindUser, UserID: userID}
}

// TargetRoom addresses the members of a room.
func TargetRoom(roomID string) TargetSpec {
	return TargetSpec{Kind: TargetKindRoom, RoomID: roomID}
}

// TargetUsers addresses every connection of each listed user.
func TargetUsers(userIDs ...string) TargetSpec {
	return TargetSpec{Kind: TargetKindUsers, UserIDs: userIDs}
}

// TargetGlobal addresses every active connection on the cluster.
func TargetGlobal() TargetSpec {
	return TargetSpec{Kind: TargetKindGlobal}
}

// Topic derives the cluster pub/sub topic for the target.
func (t TargetSpec) Topic() string {
	switch t.Kind {
	case TargetKindUser:
		return "hub.user." + t.UserID
	case TargetKindRoom:
		return "hub.room." + sanitizeTopic(t.RoomID)
	case TargetKindUsers:
		return "hub.users"
	default:
		return "hub.global"
	}
}

func sanitizeTopic(roomID string) string {
	return strings.ReplaceAll(roomID, ":", ".")
}

// Event is an immutable domain event accepted by the publish API.
type Event struct {
	Kind       string          `json:"kind"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	OriginNode string          `json:"origin_node,omitempty"`
	EmittedAt  time.Time       `json:"emitted_at"`
	Target     TargetSpec      `json:"-"`
}

// OutFrame is what fan-out actually writes to one client.
type OutFrame struct {
	Kind      string          `json:"kind"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	EmittedAt time.Time       `json:"emitted_at"`
	Node      string          `json:"node"`
	RoomID    string          `json:"room_id,omitempty"`
	ID        string          `json:"id,omitempty"`
}

// ServerFrameFor renders the out-frame into the client wire shape.
func (f *OutFrame) ServerFrameFor(node string) *ServerFrame {
	if f == nil {
		return nil
	}
	payload := f.Payload
	if f.RoomID != "" {
		// Inject the room so multiplexed clients can route without parsing
		// the kind.
		wrapped := map[string]json.RawMessage{}
		if len(payload) > 0 {
			_ = json.Unmarshal(payload, &wrapped)
		}
		room, _ := json.Marshal(f.RoomID)
		wrapped["roomId"] = room
		if merged, err := json.Marshal(wrapped); err == nil {
			payload = merged
		}
	}
	return &ServerFrame{
		T:    f.Kind,
		D:    payload,
		TS:   f.EmittedAt.UTC().Format(time.RFC3339Nano),
		Node: node,
		ID:   f.ID,
	}
}

// SubscriptionPrefs is an allow-list of event kinds a connection wishes to
// receive for a room or domain. Empty means "all". Entries may end in '*' to
// match a prefix, and may name either the full kind ("clan.member_joined") or
// the bare suffix ("member_*").
type SubscriptionPrefs struct {
	kinds []string
}

// NewSubscriptionPrefs normalises the allow-list.
func NewSubscriptionPrefs(kinds []string) *SubscriptionPrefs {
	cleaned := make([]string, 0, len(kinds))
	for _, kind := range kinds {
		if k := strings.TrimSpace(kind); k != "" {
			cleaned = append(cleaned, k)
		}
	}
	return &SubscriptionPrefs{kinds: cleaned}
}

// Empty reports whether the prefs allow every kind.
func (p *SubscriptionPrefs) Empty() bool {
	return p == nil || len(p.kinds) == 0
}

// Allows reports whether the namespaced kind passes the allow-list.
func (p *SubscriptionPrefs) Allows(kind string) bool {
	if p.Empty() {
		return true
	}
	suffix := kind
	if idx := strings.IndexByte(kind, '.'); idx >= 0 {
		suffix = kind[idx+1:]
	}
	for _, pattern := range p.kinds {
		if matchKind(pattern, kind) || matchKind(pattern, suffix) {
			return true
		}
	}
	return false
}

// Kinds returns a copy of the allow-list for the admin surface.
func (p *SubscriptionPrefs) Kinds() []string {
	if p == nil {
		return nil
	}
	return append([]string(nil), p.kinds...)
}

func matchKind(pattern, kind string) bool {
	if strings.HasSuffix(pattern, "*") {
		return strings.HasPrefix(kind, strings.TrimSuffix(pattern, "*"))
	}
	return pattern == kind
}
