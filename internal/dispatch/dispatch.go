// Package dispatch routes domain events to the outbound queues of the
// connections their target resolves to, applying subscription filtering and
// mirroring cluster-wide events onto the substrate.
package dispatch

import (
	"errors"
	"time"

	"clanforge/hub/internal/logging"
	"clanforge/hub/internal/monitor"
	"clanforge/hub/internal/protocol"
	"clanforge/hub/internal/registry"
	"clanforge/hub/internal/rooms"
)

// ErrNoKind rejects events published without a kind.
var ErrNoKind = errors.New("dispatch: event kind is empty")

// Mirror forwards locally published events to the cluster substrate. The
// bridge implements it; a nil mirror means single-node operation.
type Mirror interface {
	Mirror(event *protocol.Event) error
}

// Dispatcher fans events out to local connections.
type Dispatcher struct {
	conns   *registry.Registry
	rooms   *rooms.Registry
	metrics *monitor.Metrics
	log     *logging.Logger
	node    string
	now     func() time.Time
	mirror  Mirror
}

// Options configures a Dispatcher.
type Options struct {
	Connections *registry.Registry
	Rooms       *rooms.Registry
	Metrics     *monitor.Metrics
	Logger      *logging.Logger
	NodeID      string
	Mirror      Mirror
	TimeSource  func() time.Time
}

// New constructs a dispatcher for the given node.
func New(opts Options) *Dispatcher {
	logger := opts.Logger
	if logger == nil {
		logger = logging.L()
	}
	now := opts.TimeSource
	if now == nil {
		now = time.Now
	}
	return &Dispatcher{
		conns:   opts.Connections,
		rooms:   opts.Rooms,
		metrics: opts.Metrics,
		log:     logger,
		node:    opts.NodeID,
		now:     now,
		mirror:  opts.Mirror,
	}
}

// SetMirror wires the cluster bridge after construction. The bridge needs the
// dispatcher for re-injection, so the two are cross-wired by the hub.
func (d *Dispatcher) SetMirror(mirror Mirror) {
	if d != nil {
		d.mirror = mirror
	}
}

// Publish accepts a locally originated event: it is stamped with this node's
// identity, mirrored to the cluster when a bridge is wired, and fanned out to
// local connections.
func (d *Dispatcher) Publish(event *protocol.Event) error {
	if d == nil || event == nil {
		return nil
	}
	if event.Kind == "" {
		return ErrNoKind
	}
	if event.OriginNode == "" {
		event.OriginNode = d.node
	}
	if event.EmittedAt.IsZero() {
		event.EmittedAt = d.now()
	}

	if d.mirror != nil && event.OriginNode == d.node {
		if err := d.mirror.Mirror(event); err != nil {
			// Remote delivery degrades, local fan-out proceeds.
			d.log.Warn("cluster mirror failed",
				logging.String("kind", event.Kind),
				logging.Error(err))
		}
	}

	d.deliver(event)
	return nil
}

// PublishLocal fans a remote event out to local connections only. The bridge
// calls it for events received from other nodes, which must not be mirrored
// back onto the substrate.
func (d *Dispatcher) PublishLocal(event *protocol.Event) {
	if d == nil || event == nil || event.Kind == "" {
		return
	}
	d.deliver(event)
}

func (d *Dispatcher) deliver(event *protocol.Event) {
	d.metrics.EventsPublished.WithLabelValues(event.Kind).Inc()

	targets, roomID := d.resolve(event.Target)
	if len(targets) == 0 {
		return
	}

	frame := &protocol.OutFrame{
		Kind:      event.Kind,
		Payload:   event.Payload,
		EmittedAt: event.EmittedAt,
		Node:      event.OriginNode,
		RoomID:    roomID,
	}
	latency := d.now().Sub(event.EmittedAt)

	for _, conn := range targets {
		if !conn.AllowsKind(event.Kind, roomID) {
			d.metrics.FramesFiltered.WithLabelValues(event.Kind).Inc()
			continue
		}
		if !conn.Enqueue(frame) {
			if conn.State() != registry.StateEvicted {
				d.metrics.BackpressureDrops.WithLabelValues(event.Kind).Inc()
				d.log.Warn("outbound queue full, frame dropped",
					logging.String("conn_id", conn.ID),
					logging.String("kind", event.Kind))
			}
			continue
		}
		d.metrics.FramesDelivered.WithLabelValues(event.Kind).Inc()
		if latency >= 0 {
			d.metrics.EventLatency.Observe(latency.Seconds())
		}
	}
}

// resolve maps the target spec onto live connections. Room targets also
// report the room id so the frame can carry it.
func (d *Dispatcher) resolve(target protocol.TargetSpec) ([]*registry.Connection, string) {
	switch target.Kind {
	case protocol.TargetKindUser:
		return d.conns.ConnectionsForUser(target.UserID), ""
	case protocol.TargetKindUsers:
		seen := make(map[string]struct{})
		var out []*registry.Connection
		for _, userID := range target.UserIDs {
			for _, conn := range d.conns.ConnectionsForUser(userID) {
				if _, dup := seen[conn.ID]; dup {
					continue
				}
				seen[conn.ID] = struct{}{}
				out = append(out, conn)
			}
		}
		return out, ""
	case protocol.TargetKindRoom:
		var out []*registry.Connection
		for _, connID := range d.rooms.Members(target.RoomID) {
			if conn, ok := d.conns.Get(connID); ok {
				out = append(out, conn)
			}
		}
		return out, target.RoomID
	default:
		return d.conns.ActiveConnections(), ""
	}
}
