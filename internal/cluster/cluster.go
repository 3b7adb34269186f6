// Package cluster mirrors locally published events onto a pub/sub substrate
// and re-injects events published by other hub nodes into local fan-out.
package cluster

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/golang/snappy"
	"github.com/nats-io/nats.go"

	"clanforge/hub/internal/logging"
	"clanforge/hub/internal/monitor"
	"clanforge/hub/internal/protocol"
)

// ErrDegraded reports that the substrate is down and the hub is running in
// local-only mode.
var ErrDegraded = errors.New("cluster: substrate unavailable, local-only mode")

// Topics every node always listens on, independent of room membership.
var baseTopics = []string{"hub.global", "hub.users"}

// reconnect backoff bounds.
const (
	backoffInitial = time.Second
	backoffMax     = 30 * time.Second
)

// Subscription is one active topic subscription.
type Subscription interface {
	Unsubscribe() error
}

// Substrate abstracts the pub/sub system so the bridge can be tested without
// a broker. The production implementation wraps a NATS connection.
type Substrate interface {
	Publish(topic string, data []byte) error
	Subscribe(topic string, handler func(topic string, data []byte)) (Subscription, error)
	IsConnected() bool
	Close()
}

// LocalPublisher re-injects remote events into local fan-out. The dispatcher
// satisfies it.
type LocalPublisher interface {
	PublishLocal(event *protocol.Event)
}

// envelope is the cross-node wire shape. The target spec travels explicitly
// because the receiving node must resolve it against its own registries.
type envelope struct {
	Kind       string          `json:"kind"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	OriginNode string          `json:"origin_node"`
	EmittedAt  time.Time       `json:"emitted_at"`

	TargetKind protocol.TargetKind `json:"target_kind"`
	UserID     string              `json:"user_id,omitempty"`
	UserIDs    []string            `json:"user_ids,omitempty"`
	RoomID     string              `json:"room_id,omitempty"`
}

// Bridge maintains the substrate connection, the topic subscription set and
// the loop guard.
type Bridge struct {
	dial    func() (Substrate, error)
	local   LocalPublisher
	metrics *monitor.Metrics
	log     *logging.Logger
	node    string

	mu        sync.Mutex
	substrate Substrate
	refs      map[string]int
	subs      map[string]Subscription
	degraded  bool
}

// Options configures a Bridge.
type Options struct {
	// Dial establishes a substrate connection. Called at start and on
	// every reconnect attempt.
	Dial    func() (Substrate, error)
	Local   LocalPublisher
	Metrics *monitor.Metrics
	Logger  *logging.Logger
	NodeID  string
}

// New constructs a bridge; Connect or Run must be called before it mirrors.
func New(opts Options) *Bridge {
	logger := opts.Logger
	if logger == nil {
		logger = logging.L()
	}
	b := &Bridge{
		dial:     opts.Dial,
		local:    opts.Local,
		metrics:  opts.Metrics,
		log:      logger,
		node:     opts.NodeID,
		refs:     make(map[string]int),
		subs:     make(map[string]Subscription),
		degraded: true,
	}
	for _, topic := range baseTopics {
		b.refs[topic] = 1
	}
	return b
}

// Connect dials the substrate and establishes the current subscription set.
func (b *Bridge) Connect() error {
	if b == nil || b.dial == nil {
		return ErrDegraded
	}
	substrate, err := b.dial()
	if err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.substrate = substrate
	b.degraded = false
	for topic := range b.refs {
		if err := b.subscribeLocked(topic); err != nil {
			b.log.Warn("topic subscribe failed",
				logging.String("topic", topic),
				logging.Error(err))
		}
	}
	b.log.Info("cluster substrate connected",
		logging.String("node", b.node),
		logging.Int("topics", len(b.subs)))
	return nil
}

// Run keeps the substrate connection alive: on loss it tears the
// subscriptions down and redials with exponential backoff, restoring every
// topic the local state still references.
func (b *Bridge) Run(ctx context.Context) {
	if b == nil {
		return
	}
	backoff := backoffInitial
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			b.Close()
			return
		case <-ticker.C:
		}

		b.mu.Lock()
		healthy := b.substrate != nil && b.substrate.IsConnected()
		if healthy {
			b.degraded = false
			b.mu.Unlock()
			backoff = backoffInitial
			continue
		}
		if !b.degraded {
			b.log.Warn("cluster substrate lost, entering local-only mode")
		}
		b.degraded = true
		b.teardownLocked()
		b.mu.Unlock()

		if err := b.Connect(); err != nil {
			b.log.Warn("cluster reconnect failed",
				logging.Duration("retry_in", backoff),
				logging.Error(err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > backoffMax {
				backoff = backoffMax
			}
		} else {
			backoff = backoffInitial
		}
	}
}

// Degraded reports whether the hub currently runs in local-only mode.
func (b *Bridge) Degraded() bool {
	if b == nil {
		return true
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.degraded
}

// Mirror serializes the event and publishes it on the topic derived from the
// target. In degraded mode the event is silently kept local.
func (b *Bridge) Mirror(event *protocol.Event) error {
	if b == nil || event == nil {
		return nil
	}
	b.mu.Lock()
	substrate := b.substrate
	degraded := b.degraded
	b.mu.Unlock()
	if degraded || substrate == nil {
		return ErrDegraded
	}

	env := envelope{
		Kind:       event.Kind,
		Payload:    event.Payload,
		OriginNode: event.OriginNode,
		EmittedAt:  event.EmittedAt,
		TargetKind: event.Target.Kind,
		UserID:     event.Target.UserID,
		UserIDs:    event.Target.UserIDs,
		RoomID:     event.Target.RoomID,
	}
	raw, err := json.Marshal(env)
	if err != nil {
		b.metrics.ClusterErrors.Inc()
		return err
	}
	if err := substrate.Publish(event.Target.Topic(), snappy.Encode(nil, raw)); err != nil {
		b.metrics.ClusterErrors.Inc()
		b.mu.Lock()
		b.degraded = true
		b.mu.Unlock()
		return err
	}
	b.metrics.ClusterPublished.Inc()
	return nil
}

// handleMessage decodes one substrate message and re-injects it locally. The
// origin-node guard prevents echo loops.
func (b *Bridge) handleMessage(_ string, data []byte) {
	raw, err := snappy.Decode(nil, data)
	if err != nil {
		b.metrics.ClusterErrors.Inc()
		b.log.Warn("cluster payload decompress failed", logging.Error(err))
		return
	}
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		b.metrics.ClusterErrors.Inc()
		b.log.Warn("cluster payload decode failed", logging.Error(err))
		return
	}
	if env.OriginNode == b.node {
		b.metrics.ClusterDiscarded.Inc()
		return
	}
	b.metrics.ClusterReceived.Inc()

	b.local.PublishLocal(&protocol.Event{
		Kind:       env.Kind,
		Payload:    env.Payload,
		OriginNode: env.OriginNode,
		EmittedAt:  env.EmittedAt,
		Target: protocol.TargetSpec{
			Kind:    env.TargetKind,
			UserID:  env.UserID,
			UserIDs: env.UserIDs,
			RoomID:  env.RoomID,
		},
	})
}

// AddTopic registers interest in a topic, subscribing on first reference.
// The hub calls it when a room gains its first local member and when a user
// connects.
func (b *Bridge) AddTopic(topic string) {
	if b == nil || topic == "" {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refs[topic]++
	if b.refs[topic] > 1 {
		return
	}
	if b.substrate == nil || b.degraded {
		return
	}
	if err := b.subscribeLocked(topic); err != nil {
		b.log.Warn("topic subscribe failed",
			logging.String("topic", topic),
			logging.Error(err))
	}
}

// RemoveTopic drops one reference, unsubscribing when none remain.
func (b *Bridge) RemoveTopic(topic string) {
	if b == nil || topic == "" {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	count, ok := b.refs[topic]
	if !ok {
		return
	}
	if count > 1 {
		b.refs[topic] = count - 1
		return
	}
	delete(b.refs, topic)
	if sub, ok := b.subs[topic]; ok {
		if err := sub.Unsubscribe(); err != nil {
			b.log.Warn("topic unsubscribe failed",
				logging.String("topic", topic),
				logging.Error(err))
		}
		delete(b.subs, topic)
	}
}

// Topics reports the current subscription set, for the admin surface.
func (b *Bridge) Topics() []string {
	if b == nil {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	topics := make([]string, 0, len(b.refs))
	for topic := range b.refs {
		topics = append(topics, topic)
	}
	return topics
}

// Close tears down every subscription and the substrate connection.
func (b *Bridge) Close() {
	if b == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.teardownLocked()
	if b.substrate != nil {
		b.substrate.Close()
		b.substrate = nil
	}
	b.degraded = true
}

func (b *Bridge) subscribeLocked(topic string) error {
	sub, err := b.substrate.Subscribe(topic, b.handleMessage)
	if err != nil {
		return err
	}
	b.subs[topic] = sub
	return nil
}

func (b *Bridge) teardownLocked() {
	for topic, sub := range b.subs {
		_ = sub.Unsubscribe()
		delete(b.subs, topic)
	}
}

// natsSubstrate adapts a NATS connection to the Substrate interface.
type natsSubstrate struct {
	conn *nats.Conn
}

type natsSubscription struct {
	sub *nats.Subscription
}

func (s *natsSubscription) Unsubscribe() error { return s.sub.Unsubscribe() }

func (s *natsSubstrate) Publish(topic string, data []byte) error {
	return s.conn.Publish(topic, data)
}

func (s *natsSubstrate) Subscribe(topic string, handler func(topic string, data []byte)) (Subscription, error) {
	sub, err := s.conn.Subscribe(topic, func(msg *nats.Msg) {
		handler(msg.Subject, msg.Data)
	})
	if err != nil {
		return nil, err
	}
	return &natsSubscription{sub: sub}, nil
}

func (s *natsSubstrate) IsConnected() bool { return s.conn.IsConnected() }

func (s *natsSubstrate) Close() { s.conn.Close() }

// NATSDialer returns a Dial function for the production substrate. Client
// side reconnects are disabled; the bridge owns the reconnect state machine
// so the subscription set is rebuilt from local state.
func NATSDialer(url, nodeID string, logger *logging.Logger) func() (Substrate, error) {
	if logger == nil {
		logger = logging.L()
	}
	return func() (Substrate, error) {
		conn, err := nats.Connect(url,
			nats.Name("hub-"+nodeID),
			nats.MaxReconnects(0),
			nats.Timeout(5*time.Second),
			nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
				logger.Warn("nats disconnected", logging.Error(err))
			}),
			nats.ClosedHandler(func(_ *nats.Conn) {
				logger.Info("nats connection closed")
			}),
		)
		if err != nil {
			return nil, err
		}
		return &natsSubstrate{conn: conn}, nil
	}
}
