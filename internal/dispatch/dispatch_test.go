package dispatch

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"clanforge/hub/internal/auth"
	"clanforge/hub/internal/logging"
	"clanforge/hub/internal/monitor"
	"clanforge/hub/internal/protocol"
	"clanforge/hub/internal/registry"
	"clanforge/hub/internal/rooms"
)

type fixture struct {
	conns   *registry.Registry
	rooms   *rooms.Registry
	metrics *monitor.Metrics
	disp    *Dispatcher
}

func newFixture(t *testing.T, queueSize int) *fixture {
	t.Helper()
	logger := logging.NewTestLogger()
	conns := registry.New(registry.Options{Logger: logger, QueueSize: queueSize})
	roomReg := rooms.New(rooms.Options{Logger: logger})
	metrics := monitor.NewMetrics()
	disp := New(Options{
		Connections: conns,
		Rooms:       roomReg,
		Metrics:     metrics,
		Logger:      logger,
		NodeID:      "n1",
	})
	return &fixture{conns: conns, rooms: roomReg, metrics: metrics, disp: disp}
}

func (f *fixture) connect(t *testing.T, userID, clanID string) *registry.Connection {
	t.Helper()
	principal := &auth.Principal{
		UserID: userID,
		ClanID: clanID,
		Roles:  map[string]struct{}{auth.RoleMember: {}},
	}
	conn, err := f.conns.Register(principal, "127.0.0.1:1234", "test")
	if err != nil {
		t.Fatalf("register %s: %v", userID, err)
	}
	conn.MarkActive()
	return conn
}

func drain(conn *registry.Connection) []*protocol.OutFrame {
	var frames []*protocol.OutFrame
	for {
		select {
		case frame := <-conn.Outbound():
			frames = append(frames, frame)
		default:
			return frames
		}
	}
}

func TestRoomFanOutReachesMembersOnly(t *testing.T) {
	f := newFixture(t, 16)
	a := f.connect(t, "alice", "alpha")
	b := f.connect(t, "bob", "alpha")
	c := f.connect(t, "carol", "alpha")
	outsider := f.connect(t, "dave", "beta")

	for _, conn := range []*registry.Connection{a, b, c} {
		if err := f.rooms.Join(conn, "clan:alpha", nil); err != nil {
			t.Fatalf("join: %v", err)
		}
	}

	err := f.disp.Publish(&protocol.Event{
		Kind:    "clan.member_joined",
		Payload: []byte(`{"userId":"carol"}`),
		Target:  protocol.TargetRoom("clan:alpha"),
	})
	if err != nil {
		t.Fatalf("publish: %v", err)
	}

	for _, conn := range []*registry.Connection{a, b, c} {
		frames := drain(conn)
		if len(frames) != 1 {
			t.Fatalf("member %s should receive exactly one frame, got %d", conn.Principal.UserID, len(frames))
		}
		if frames[0].RoomID != "clan:alpha" {
			t.Fatalf("frame should carry the room id, got %q", frames[0].RoomID)
		}
		if frames[0].Node != "n1" {
			t.Fatalf("frame should carry the origin node, got %q", frames[0].Node)
		}
	}
	if frames := drain(outsider); len(frames) != 0 {
		t.Fatalf("non-member should receive nothing, got %d frames", len(frames))
	}
}

func TestSubscriptionPrefsFilter(t *testing.T) {
	f := newFixture(t, 16)
	conn := f.connect(t, "alice", "alpha")
	prefs := protocol.NewSubscriptionPrefs([]string{"chat.*"})
	if err := f.rooms.Join(conn, "clan:alpha", prefs); err != nil {
		t.Fatalf("join: %v", err)
	}

	_ = f.disp.Publish(&protocol.Event{
		Kind:   "clan.war_declared",
		Target: protocol.TargetRoom("clan:alpha"),
	})
	if frames := drain(conn); len(frames) != 0 {
		t.Fatalf("filtered kind should not be delivered, got %d frames", len(frames))
	}
	filtered := testutil.ToFloat64(f.metrics.FramesFiltered.WithLabelValues("clan.war_declared"))
	if filtered != 1 {
		t.Fatalf("expected one filtered frame, got %v", filtered)
	}

	_ = f.disp.Publish(&protocol.Event{
		Kind:   "chat.message",
		Target: protocol.TargetRoom("clan:alpha"),
	})
	if frames := drain(conn); len(frames) != 1 {
		t.Fatalf("allowed kind should be delivered, got %d frames", len(frames))
	}
}

func TestBackpressureDropsAndDegrades(t *testing.T) {
	f := newFixture(t, 2)
	conn := f.connect(t, "alice", "alpha")

	for i := 0; i < 3; i++ {
		_ = f.disp.Publish(&protocol.Event{
			Kind:   "user.notification",
			Target: protocol.TargetUser("alice"),
		})
	}

	drops := testutil.ToFloat64(f.metrics.BackpressureDrops.WithLabelValues("user.notification"))
	if drops != 1 {
		t.Fatalf("third publish should be dropped, got %v drops", drops)
	}
	if conn.State() != registry.StateDegraded {
		t.Fatalf("full queue should degrade the connection, got %v", conn.State())
	}
	if frames := drain(conn); len(frames) != 2 {
		t.Fatalf("queue should hold the first two frames, got %d", len(frames))
	}
}

func TestEvictedConnectionReceivesNothing(t *testing.T) {
	f := newFixture(t, 16)
	conn := f.connect(t, "alice", "alpha")
	conn.Evict()

	_ = f.disp.Publish(&protocol.Event{
		Kind:   "user.notification",
		Target: protocol.TargetUser("alice"),
	})

	if frames := drain(conn); len(frames) != 0 {
		t.Fatalf("evicted connection should receive nothing, got %d frames", len(frames))
	}
	drops := testutil.ToFloat64(f.metrics.BackpressureDrops.WithLabelValues("user.notification"))
	if drops != 0 {
		t.Fatalf("eviction is not backpressure, got %v drops", drops)
	}
}

type recordingMirror struct {
	events []*protocol.Event
}

func (m *recordingMirror) Mirror(event *protocol.Event) error {
	m.events = append(m.events, event)
	return nil
}

func TestMirrorOnlyForLocalOrigin(t *testing.T) {
	f := newFixture(t, 16)
	conn := f.connect(t, "alice", "alpha")
	mirror := &recordingMirror{}
	f.disp.SetMirror(mirror)

	_ = f.disp.Publish(&protocol.Event{
		Kind:   "user.notification",
		Target: protocol.TargetUser("alice"),
	})
	if len(mirror.events) != 1 {
		t.Fatalf("local publish should be mirrored once, got %d", len(mirror.events))
	}
	if mirror.events[0].OriginNode != "n1" {
		t.Fatalf("mirrored event should carry this node, got %q", mirror.events[0].OriginNode)
	}

	f.disp.PublishLocal(&protocol.Event{
		Kind:       "user.notification",
		OriginNode: "n2",
		EmittedAt:  time.Now(),
		Target:     protocol.TargetUser("alice"),
	})
	if len(mirror.events) != 1 {
		t.Fatalf("remote events must not be mirrored back, got %d", len(mirror.events))
	}

	frames := drain(conn)
	if len(frames) != 2 {
		t.Fatalf("both events should reach the user, got %d frames", len(frames))
	}
	if frames[1].Node != "n2" {
		t.Fatalf("remote frame should name its origin node, got %q", frames[1].Node)
	}
}

func TestTargetUsersDeduplicates(t *testing.T) {
	f := newFixture(t, 16)
	alice := f.connect(t, "alice", "alpha")
	bob := f.connect(t, "bob", "alpha")

	_ = f.disp.Publish(&protocol.Event{
		Kind:   "clan.leaderboard_changed",
		Target: protocol.TargetUsers("alice", "bob", "alice"),
	})

	if frames := drain(alice); len(frames) != 1 {
		t.Fatalf("duplicate target ids must not double-deliver, got %d", len(frames))
	}
	if frames := drain(bob); len(frames) != 1 {
		t.Fatalf("bob should receive one frame, got %d", len(frames))
	}
}

func TestPublishRejectsEmptyKind(t *testing.T) {
	f := newFixture(t, 16)
	if err := f.disp.Publish(&protocol.Event{Target: protocol.TargetGlobal()}); err != ErrNoKind {
		t.Fatalf("expected ErrNoKind, got %v", err)
	}
}
