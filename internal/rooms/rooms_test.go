package rooms

import (
	"testing"
	"time"

	"clanforge/hub/internal/auth"
	"clanforge/hub/internal/logging"
	"clanforge/hub/internal/registry"
)

func newConn(t *testing.T, reg *registry.Registry, principal *auth.Principal) *registry.Connection {
	t.Helper()
	conn, err := reg.Register(principal, "", "")
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	return conn
}

func newFixtures(clock *time.Time) (*registry.Registry, *Registry) {
	connOpts := registry.Options{Logger: logging.NewTestLogger()}
	roomOpts := Options{Logger: logging.NewTestLogger()}
	if clock != nil {
		src := func() time.Time { return *clock }
		connOpts.TimeSource = src
		roomOpts.TimeSource = src
	}
	return registry.New(connOpts), New(roomOpts)
}

func member(userID, clanID string, roles ...string) *auth.Principal {
	set := make(map[string]struct{}, len(roles)+1)
	set[auth.RoleMember] = struct{}{}
	for _, role := range roles {
		set[role] = struct{}{}
	}
	return &auth.Principal{UserID: userID, ClanID: clanID, Roles: set}
}

func TestParseRoomID(t *testing.T) {
	cases := []struct {
		id     string
		ok     bool
		kind   Type
		suffix string
	}{
		{"user:u1", true, TypeUser, "u1"},
		{"clan:x", true, TypeClan, "x"},
		{"voting:p1", true, TypeVoting, "p1"},
		{"global:system", true, TypeGlobal, "system"},
		{"bogus:x", false, "", ""},
		{"user:", false, "", ""},
		{"noseparator", false, "", ""},
	}
	for _, tc := range cases {
		kind, suffix, ok := ParseRoomID(tc.id)
		if ok != tc.ok || kind != tc.kind || suffix != tc.suffix {
			t.Fatalf("ParseRoomID(%q) = %v %v %v", tc.id, kind, suffix, ok)
		}
	}
}

func TestUserRoomOwnerOnly(t *testing.T) {
	connReg, roomReg := newFixtures(nil)
	conn := newConn(t, connReg, member("u1", ""))

	if err := roomReg.Join(conn, "user:u2", nil); err == nil {
		t.Fatal("expected owner-only denial")
	} else if reason, ok := Denied(err); !ok || reason != DenyOwnerOnly {
		t.Fatalf("expected DenyOwnerOnly, got %v", err)
	}
	if roomReg.Size("user:u2") != 0 {
		t.Fatal("denied join must not mutate membership")
	}

	if err := roomReg.Join(conn, "user:u1", nil); err != nil {
		t.Fatalf("owner join failed: %v", err)
	}
	if got := roomReg.Members("user:u1"); len(got) != 1 || got[0] != conn.ID {
		t.Fatalf("unexpected members %v", got)
	}
}

func TestClanRoomRequiresMembership(t *testing.T) {
	connReg, roomReg := newFixtures(nil)
	inClan := newConn(t, connReg, member("u1", "x"))
	outClan := newConn(t, connReg, member("u2", "y"))

	if err := roomReg.Join(inClan, "clan:x", nil); err != nil {
		t.Fatalf("clan member join failed: %v", err)
	}
	if err := roomReg.Join(outClan, "clan:x", nil); err == nil {
		t.Fatal("expected clan membership denial")
	} else if reason, _ := Denied(err); reason != DenyClanMembershipRequired {
		t.Fatalf("expected DenyClanMembershipRequired, got %v", reason)
	}
}

func TestVotingRoomRequiresAuthentication(t *testing.T) {
	connReg, roomReg := newFixtures(nil)
	anon := newConn(t, connReg, auth.Anonymous())

	if err := roomReg.Join(anon, "voting:p1", nil); err == nil {
		t.Fatal("expected unauthenticated denial")
	} else if reason, _ := Denied(err); reason != DenyUnauthenticated {
		t.Fatalf("expected DenyUnauthenticated, got %v", reason)
	}
	if err := roomReg.Join(anon, "content:c1", nil); err != nil {
		t.Fatalf("content rooms admit anonymous connections: %v", err)
	}
}

func TestRoleRooms(t *testing.T) {
	connReg, roomReg := newFixtures(nil)
	mod := newConn(t, connReg, member("u1", "", auth.RoleModerator))
	admin := newConn(t, connReg, member("u2", "", auth.RoleAdmin))
	plain := newConn(t, connReg, member("u3", ""))

	if err := roomReg.Join(mod, "moderator:reports", nil); err != nil {
		t.Fatalf("moderator join failed: %v", err)
	}
	if err := roomReg.Join(admin, "moderator:reports", nil); err != nil {
		t.Fatalf("admin join to moderator room failed: %v", err)
	}
	if err := roomReg.Join(plain, "moderator:reports", nil); err == nil {
		t.Fatal("member must not join moderator room")
	}
	if err := roomReg.Join(mod, "admin:ops", nil); err == nil {
		t.Fatal("moderator must not join admin room")
	} else if reason, _ := Denied(err); reason != DenyRoleRequired {
		t.Fatalf("expected DenyRoleRequired, got %v", reason)
	}
}

func TestAdminRoomCapacity(t *testing.T) {
	connReg, roomReg := newFixtures(nil)
	for i := 0; i < 50; i++ {
		conn := newConn(t, connReg, member(string(rune('a'+i%26))+string(rune('0'+i/26)), "", auth.RoleAdmin))
		if err := roomReg.Join(conn, "admin:ops", nil); err != nil {
			t.Fatalf("admin %d join failed: %v", i, err)
		}
	}
	extra := newConn(t, connReg, member("z9", "", auth.RoleAdmin))
	if err := roomReg.Join(extra, "admin:ops", nil); err == nil {
		t.Fatal("51st admin join must be denied")
	} else if reason, _ := Denied(err); reason != DenyCapacityExceeded {
		t.Fatalf("expected DenyCapacityExceeded, got %v", reason)
	}
}

func TestJoinLeaveJoinIdempotence(t *testing.T) {
	connReg, roomReg := newFixtures(nil)
	conn := newConn(t, connReg, member("u1", "x"))

	if err := roomReg.Join(conn, "clan:x", nil); err != nil {
		t.Fatalf("join: %v", err)
	}
	roomReg.Leave(conn, "clan:x")
	if err := roomReg.Join(conn, "clan:x", nil); err != nil {
		t.Fatalf("rejoin: %v", err)
	}

	members := roomReg.Members("clan:x")
	if len(members) != 1 || members[0] != conn.ID {
		t.Fatalf("expected single membership, got %v", members)
	}
	if got := conn.Rooms(); len(got) != 1 || got[0] != "clan:x" {
		t.Fatalf("reverse index mismatch: %v", got)
	}
}

func TestDoubleJoinKeepsSingleMembership(t *testing.T) {
	connReg, roomReg := newFixtures(nil)
	conn := newConn(t, connReg, member("u1", "x"))

	if err := roomReg.Join(conn, "clan:x", nil); err != nil {
		t.Fatalf("join: %v", err)
	}
	if err := roomReg.Join(conn, "clan:x", nil); err != nil {
		t.Fatalf("repeat join: %v", err)
	}
	if size := roomReg.Size("clan:x"); size != 1 {
		t.Fatalf("connection appears %d times in member set", size)
	}
}

func TestCleanupRemovesFromAllRooms(t *testing.T) {
	connReg, roomReg := newFixtures(nil)
	conn := newConn(t, connReg, member("u1", "x"))

	for _, id := range []string{"user:u1", "clan:x", "content:c1", "global:lobby"} {
		if err := roomReg.Join(conn, id, nil); err != nil {
			t.Fatalf("join %s: %v", id, err)
		}
	}
	roomReg.Cleanup(conn)

	for _, id := range []string{"user:u1", "clan:x", "content:c1", "global:lobby"} {
		if roomReg.Size(id) != 0 {
			t.Fatalf("room %s still has members after cleanup", id)
		}
	}
	if len(conn.Rooms()) != 0 {
		t.Fatal("reverse index not cleared")
	}
}

func TestSymmetricMembershipInvariant(t *testing.T) {
	connReg, roomReg := newFixtures(nil)
	conns := []*registry.Connection{
		newConn(t, connReg, member("u1", "x")),
		newConn(t, connReg, member("u2", "x")),
		newConn(t, connReg, member("u3", "x")),
	}
	for _, conn := range conns {
		if err := roomReg.Join(conn, "clan:x", nil); err != nil {
			t.Fatalf("join: %v", err)
		}
	}
	roomReg.Leave(conns[1], "clan:x")

	memberSet := make(map[string]bool)
	for _, id := range roomReg.Members("clan:x") {
		memberSet[id] = true
	}
	for _, conn := range conns {
		inRoom := conn.InRoom("clan:x")
		if inRoom != memberSet[conn.ID] {
			t.Fatalf("membership asymmetry for %s: index=%v set=%v", conn.ID, inRoom, memberSet[conn.ID])
		}
	}
}

func TestGCDeletesEmptyNonPersistentRooms(t *testing.T) {
	clock := time.Date(2025, time.March, 1, 0, 0, 0, 0, time.UTC)
	connReg, roomReg := newFixtures(&clock)
	conn := newConn(t, connReg, member("u1", "x"))

	if err := roomReg.Join(conn, "content:c1", nil); err != nil {
		t.Fatalf("join: %v", err)
	}
	if err := roomReg.Join(conn, "clan:x", nil); err != nil {
		t.Fatalf("join: %v", err)
	}
	roomReg.Leave(conn, "content:c1")
	roomReg.Leave(conn, "clan:x")

	clock = clock.Add(11 * time.Minute)
	removed := roomReg.GC()
	if removed != 1 {
		t.Fatalf("expected only the content room removed, got %d", removed)
	}
	if _, ok := roomReg.Inspect("clan:x"); !ok {
		t.Fatal("persistent clan room must survive gc")
	}
	if _, ok := roomReg.Inspect("content:c1"); ok {
		t.Fatal("content room should be gone")
	}
}

func TestOccupiedRoomSurvivesGC(t *testing.T) {
	clock := time.Date(2025, time.March, 1, 0, 0, 0, 0, time.UTC)
	connReg, roomReg := newFixtures(&clock)
	conn := newConn(t, connReg, member("u1", ""))

	if err := roomReg.Join(conn, "content:c1", nil); err != nil {
		t.Fatalf("join: %v", err)
	}
	clock = clock.Add(time.Hour)
	if removed := roomReg.GC(); removed != 0 {
		t.Fatalf("occupied room must not be collected, removed %d", removed)
	}
}

func TestInspectCounters(t *testing.T) {
	connReg, roomReg := newFixtures(nil)
	c1 := newConn(t, connReg, member("u1", "x"))
	c2 := newConn(t, connReg, member("u2", "x"))

	roomReg.Join(c1, "clan:x", nil)
	roomReg.Join(c2, "clan:x", nil)
	roomReg.Leave(c1, "clan:x")

	info, ok := roomReg.Inspect("clan:x")
	if !ok {
		t.Fatal("room should exist")
	}
	if info.Joins != 2 || info.Leaves != 1 || info.Peak != 2 || info.Size != 1 {
		t.Fatalf("unexpected counters %+v", info)
	}
}
