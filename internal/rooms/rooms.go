// Package rooms owns the typed room registry: admission control, membership
// sets, join/leave counters and emptiness-based garbage collection.
package rooms

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"clanforge/hub/internal/auth"
	"clanforge/hub/internal/logging"
	"clanforge/hub/internal/protocol"
	"clanforge/hub/internal/registry"
)

// Type classifies a room and selects its admission rule.
type Type string

const (
	TypeUser      Type = "user"
	TypeClan      Type = "clan"
	TypeContent   Type = "content"
	TypeVoting    Type = "voting"
	TypeGlobal    Type = "global"
	TypeModerator Type = "moderator"
	TypeAdmin     Type = "admin"
)

// DenyReason explains a refused join. The reason is surfaced verbatim in the
// room_join_failed frame.
type DenyReason string

const (
	DenyOwnerOnly              DenyReason = "owner_only"
	DenyClanMembershipRequired DenyReason = "clan_membership_required"
	DenyRoleRequired           DenyReason = "role_required"
	DenyUnauthenticated        DenyReason = "unauthenticated"
	DenyCapacityExceeded       DenyReason = "capacity_exceeded"
	DenyInvalidRoom            DenyReason = "invalid_room"
)

// DeniedError is the typed admission failure returned by Join.
type DeniedError struct {
	Reason DenyReason
	RoomID string
}

func (e *DeniedError) Error() string {
	return fmt.Sprintf("join %s denied: %s", e.RoomID, e.Reason)
}

// Denied unwraps the reason when err is an admission failure.
func Denied(err error) (DenyReason, bool) {
	if denied, ok := err.(*DeniedError); ok {
		return denied.Reason, true
	}
	return "", false
}

// rule is one row of the admission table.
type rule struct {
	maxMembers int
	persistent bool
	admit      func(p *auth.Principal, suffix string) DenyReason
}

var admissionTable = map[Type]rule{
	TypeUser: {maxMembers: 1, persistent: true, admit: func(p *auth.Principal, suffix string) DenyReason {
		if p == nil || p.UserID != suffix {
			return DenyOwnerOnly
		}
		return ""
	}},
	TypeClan: {maxMembers: 1000, persistent: true, admit: func(p *auth.Principal, suffix string) DenyReason {
		if p == nil || p.ClanID != suffix {
			return DenyClanMembershipRequired
		}
		return ""
	}},
	TypeContent: {maxMembers: 500, persistent: false, admit: func(*auth.Principal, string) DenyReason {
		return ""
	}},
	TypeVoting: {maxMembers: 10000, persistent: false, admit: func(p *auth.Principal, _ string) DenyReason {
		if p == nil || p.Anonymous || p.UserID == "" {
			return DenyUnauthenticated
		}
		return ""
	}},
	TypeGlobal: {maxMembers: 50000, persistent: true, admit: func(*auth.Principal, string) DenyReason {
		return ""
	}},
	TypeModerator: {maxMembers: 100, persistent: true, admit: func(p *auth.Principal, _ string) DenyReason {
		if p == nil || (!p.HasRole(auth.RoleModerator) && !p.HasRole(auth.RoleAdmin)) {
			return DenyRoleRequired
		}
		return ""
	}},
	TypeAdmin: {maxMembers: 50, persistent: true, admit: func(p *auth.Principal, _ string) DenyReason {
		if p == nil || !p.HasRole(auth.RoleAdmin) {
			return DenyRoleRequired
		}
		return ""
	}},
}

// ParseRoomID splits a typed room id into its type and suffix.
func ParseRoomID(roomID string) (Type, string, bool) {
	idx := strings.IndexByte(roomID, ':')
	if idx <= 0 || idx == len(roomID)-1 {
		return "", "", false
	}
	roomType := Type(roomID[:idx])
	if _, ok := admissionTable[roomType]; !ok {
		return "", "", false
	}
	return roomType, roomID[idx+1:], true
}

// Room is a named multicast group. Members hold connection ids.
type Room struct {
	ID         string
	Type       Type
	CreatedAt  time.Time
	MaxMembers int
	Persistent bool

	mu           sync.Mutex
	members      map[string]struct{}
	lastActivity time.Time
	emptySince   time.Time
	joins        int64
	leaves       int64
	peak         int
}

// Info is the admin-surface snapshot of a room.
type Info struct {
	ID         string   `json:"id"`
	Type       string   `json:"type"`
	Members    []string `json:"members"`
	Size       int      `json:"size"`
	MaxMembers int      `json:"max_members"`
	Persistent bool     `json:"persistent"`
	Joins      int64    `json:"joins"`
	Leaves     int64    `json:"leaves"`
	Peak       int      `json:"peak"`
	CreatedAt  string   `json:"created_at"`
}

func (r *Room) snapshot() Info {
	r.mu.Lock()
	defer r.mu.Unlock()
	members := make([]string, 0, len(r.members))
	for id := range r.members {
		members = append(members, id)
	}
	return Info{
		ID:         r.ID,
		Type:       string(r.Type),
		Members:    members,
		Size:       len(members),
		MaxMembers: r.MaxMembers,
		Persistent: r.Persistent,
		Joins:      r.joins,
		Leaves:     r.leaves,
		Peak:       r.peak,
		CreatedAt:  r.CreatedAt.UTC().Format(time.RFC3339),
	}
}

// Registry owns all rooms. Rooms are created lazily inside Join; there is no
// external constructor path.
type Registry struct {
	log *logging.Logger
	now func() time.Time
	ttl time.Duration

	mu    sync.RWMutex
	rooms map[string]*Room
}

// Options configures the room registry.
type Options struct {
	Logger       *logging.Logger
	EmptyRoomTTL time.Duration
	TimeSource   func() time.Time
}

// New constructs an empty room registry.
func New(opts Options) *Registry {
	logger := opts.Logger
	if logger == nil {
		logger = logging.L()
	}
	now := opts.TimeSource
	if now == nil {
		now = time.Now
	}
	ttl := opts.EmptyRoomTTL
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &Registry{
		log:   logger,
		now:   now,
		ttl:   ttl,
		rooms: make(map[string]*Room),
	}
}

// Join admits the connection into the room, creating it lazily. Membership
// and the connection's reverse index are updated together; a repeated join
// only refreshes the subscription prefs.
func (reg *Registry) Join(conn *registry.Connection, roomID string, prefs *protocol.SubscriptionPrefs) error {
	if reg == nil || conn == nil {
		return &DeniedError{Reason: DenyInvalidRoom, RoomID: roomID}
	}
	roomType, suffix, ok := ParseRoomID(roomID)
	if !ok {
		return &DeniedError{Reason: DenyInvalidRoom, RoomID: roomID}
	}
	tableRule := admissionTable[roomType]
	if reason := tableRule.admit(conn.Principal, suffix); reason != "" {
		return &DeniedError{Reason: reason, RoomID: roomID}
	}

	room := reg.ensureRoom(roomID, roomType, tableRule)

	room.mu.Lock()
	if _, member := room.members[conn.ID]; member {
		room.lastActivity = reg.now()
		room.mu.Unlock()
		conn.SetRoomPrefs(roomID, prefs)
		return nil
	}
	if len(room.members) >= room.MaxMembers {
		room.mu.Unlock()
		return &DeniedError{Reason: DenyCapacityExceeded, RoomID: roomID}
	}
	room.members[conn.ID] = struct{}{}
	room.joins++
	if len(room.members) > room.peak {
		room.peak = len(room.members)
	}
	room.lastActivity = reg.now()
	room.emptySince = time.Time{}
	room.mu.Unlock()

	conn.AddRoom(roomID, prefs)
	return nil
}

func (reg *Registry) ensureRoom(roomID string, roomType Type, tableRule rule) *Room {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	room, ok := reg.rooms[roomID]
	if !ok {
		now := reg.now()
		room = &Room{
			ID:           roomID,
			Type:         roomType,
			CreatedAt:    now,
			MaxMembers:   tableRule.maxMembers,
			Persistent:   tableRule.persistent,
			members:      make(map[string]struct{}),
			lastActivity: now,
		}
		reg.rooms[roomID] = room
	}
	return room
}

// Leave removes the connection from the room and the reverse index.
func (reg *Registry) Leave(conn *registry.Connection, roomID string) {
	if reg == nil || conn == nil {
		return
	}
	reg.mu.RLock()
	room, ok := reg.rooms[roomID]
	reg.mu.RUnlock()
	if !ok {
		conn.RemoveRoom(roomID)
		return
	}

	room.mu.Lock()
	if _, member := room.members[conn.ID]; member {
		delete(room.members, conn.ID)
		room.leaves++
		room.lastActivity = reg.now()
		if len(room.members) == 0 {
			room.emptySince = reg.now()
		}
	}
	room.mu.Unlock()

	conn.RemoveRoom(roomID)
}

// Cleanup removes the connection from every room it joined in one pass,
// driven by the connection's reverse index.
func (reg *Registry) Cleanup(conn *registry.Connection) {
	if reg == nil || conn == nil {
		return
	}
	for _, roomID := range conn.Rooms() {
		reg.Leave(conn, roomID)
	}
}

// Members returns the connection ids currently in the room.
func (reg *Registry) Members(roomID string) []string {
	if reg == nil {
		return nil
	}
	reg.mu.RLock()
	room, ok := reg.rooms[roomID]
	reg.mu.RUnlock()
	if !ok {
		return nil
	}
	room.mu.Lock()
	defer room.mu.Unlock()
	members := make([]string, 0, len(room.members))
	for id := range room.members {
		members = append(members, id)
	}
	return members
}

// Size reports the member count without copying the set.
func (reg *Registry) Size(roomID string) int {
	if reg == nil {
		return 0
	}
	reg.mu.RLock()
	room, ok := reg.rooms[roomID]
	reg.mu.RUnlock()
	if !ok {
		return 0
	}
	room.mu.Lock()
	defer room.mu.Unlock()
	return len(room.members)
}

// GC deletes non-persistent rooms that have been empty beyond the TTL and
// returns how many were removed.
func (reg *Registry) GC() int {
	if reg == nil {
		return 0
	}
	cutoff := reg.now().Add(-reg.ttl)

	reg.mu.Lock()
	defer reg.mu.Unlock()
	removed := 0
	for id, room := range reg.rooms {
		room.mu.Lock()
		expired := !room.Persistent && len(room.members) == 0 &&
			!room.emptySince.IsZero() && room.emptySince.Before(cutoff)
		room.mu.Unlock()
		if expired {
			delete(reg.rooms, id)
			removed++
		}
	}
	if removed > 0 {
		reg.log.Debug("room gc", logging.Int("removed", removed))
	}
	return removed
}

// Count reports the live room population.
func (reg *Registry) Count() int {
	if reg == nil {
		return 0
	}
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	return len(reg.rooms)
}

// Inspect returns the admin snapshot for one room.
func (reg *Registry) Inspect(roomID string) (Info, bool) {
	if reg == nil {
		return Info{}, false
	}
	reg.mu.RLock()
	room, ok := reg.rooms[roomID]
	reg.mu.RUnlock()
	if !ok {
		return Info{}, false
	}
	return room.snapshot(), true
}

// List returns admin snapshots for every live room.
func (reg *Registry) List() []Info {
	if reg == nil {
		return nil
	}
	reg.mu.RLock()
	snapshot := make([]*Room, 0, len(reg.rooms))
	for _, room := range reg.rooms {
		snapshot = append(snapshot, room)
	}
	reg.mu.RUnlock()

	infos := make([]Info, 0, len(snapshot))
	for _, room := range snapshot {
		infos = append(infos, room.snapshot())
	}
	return infos
}
