// Package registry owns every live connection: identity, health, heartbeat
// bookkeeping, room membership reverse index and the outbound frame queue.
package registry

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"clanforge/hub/internal/auth"
	"clanforge/hub/internal/logging"
	"clanforge/hub/internal/protocol"
)

// ErrOverloaded rejects handshakes once the registry is at capacity.
var ErrOverloaded = errors.New("connection capacity reached")

// State tracks the per-connection lifecycle.
type State int

const (
	StateHandshaking State = iota
	StateAuthenticated
	StateActive
	StateDegraded
	StateEvicted
)

func (s State) String() string {
	switch s {
	case StateHandshaking:
		return "handshaking"
	case StateAuthenticated:
		return "authenticated"
	case StateActive:
		return "active"
	case StateDegraded:
		return "degraded"
	case StateEvicted:
		return "evicted"
	default:
		return "unknown"
	}
}

// errorWindow is the rolling request window used for the error-rate check.
const errorWindow = 100

// Policy holds the eviction thresholds. Each condition is an independently
// sufficient and independently switchable trigger.
type Policy struct {
	MaxMissedHeartbeats int
	MaxErrorRate        float64
	MaxResponseTime     time.Duration
	// LatencyStrikes is how many consecutive over-limit heartbeats evict.
	// A single one only degrades.
	LatencyStrikes          int
	EvictOnErrorRate        bool
	EvictOnResponseTime     bool
	EvictOnMissedHeartbeats bool
}

// DefaultPolicy returns the production eviction thresholds.
func DefaultPolicy() Policy {
	return Policy{
		MaxMissedHeartbeats:     3,
		MaxErrorRate:            0.10,
		MaxResponseTime:         time.Second,
		LatencyStrikes:          3,
		EvictOnErrorRate:        true,
		EvictOnResponseTime:     true,
		EvictOnMissedHeartbeats: true,
	}
}

// HealthCheck is the outcome of a heartbeat or request observation.
type HealthCheck struct {
	State  State
	Evict  bool
	Reason string
}

// Connection is one authenticated client session. All mutation goes through
// the owning registry or the connection's own methods; the dispatcher only
// reads snapshots and enqueues to the outbound channel.
type Connection struct {
	ID          string
	Principal   *auth.Principal
	RemoteAddr  string
	UserAgent   string
	ConnectedAt time.Time

	policy Policy
	now    func() time.Time

	mu               sync.Mutex
	state            State
	lastActivity     time.Time
	lastHeartbeat    time.Time
	missedHeartbeats int
	latencyStrikes   int
	lateStreak       int
	responseTime     time.Duration
	requestCount     int64
	errorCount       int64
	window           [errorWindow]bool
	windowLen        int
	windowPos        int
	rooms            map[string]*protocol.SubscriptionPrefs
	defaultPrefs     *protocol.SubscriptionPrefs

	outbound chan *protocol.OutFrame
	closed   bool
}

// State reports the current lifecycle state.
func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Healthy reports whether the connection is in the Active state.
func (c *Connection) Healthy() bool {
	return c.State() == StateActive
}

// Outbound exposes the bounded frame queue consumed by the writer task.
func (c *Connection) Outbound() <-chan *protocol.OutFrame {
	return c.outbound
}

// Enqueue pushes a frame onto the outbound queue without blocking. A full
// queue drops the frame, degrades the connection and reports false.
func (c *Connection) Enqueue(frame *protocol.OutFrame) bool {
	if c == nil || frame == nil {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.state == StateEvicted {
		return false
	}
	select {
	case c.outbound <- frame:
		return true
	default:
		if c.state == StateActive {
			c.state = StateDegraded
		}
		return false
	}
}

// CloseOutbound wakes the writer task so it can flush and exit. Safe to call
// more than once, and safe against concurrent Enqueue: the close happens
// under the same lock that guards the send.
func (c *Connection) CloseOutbound() {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.outbound)
}

// Touch records request activity for the idle sweep.
func (c *Connection) Touch() {
	c.mu.Lock()
	c.lastActivity = c.now()
	c.mu.Unlock()
}

// LastActivity reports the most recent client activity.
func (c *Connection) LastActivity() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastActivity
}

// MarkActive promotes the connection after a successful handshake.
func (c *Connection) MarkActive() {
	c.mu.Lock()
	if c.state == StateHandshaking || c.state == StateAuthenticated {
		c.state = StateActive
	}
	c.mu.Unlock()
}

// Evict transitions the connection to its terminal state.
func (c *Connection) Evict() {
	c.mu.Lock()
	c.state = StateEvicted
	c.mu.Unlock()
}

// RecordRequest feeds the rolling error window and returns an eviction
// verdict when the error rate crosses the policy threshold.
func (c *Connection) RecordRequest(failed bool) HealthCheck {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.lastActivity = c.now()
	c.requestCount++
	if failed {
		c.errorCount++
	}
	c.window[c.windowPos] = failed
	c.windowPos = (c.windowPos + 1) % errorWindow
	if c.windowLen < errorWindow {
		c.windowLen++
	}

	if c.policy.EvictOnErrorRate && c.windowLen == errorWindow {
		failures := 0
		for _, bad := range c.window {
			if bad {
				failures++
			}
		}
		rate := float64(failures) / float64(errorWindow)
		if rate >= c.policy.MaxErrorRate {
			c.state = StateEvicted
			return HealthCheck{State: c.state, Evict: true, Reason: "error_rate"}
		}
	}
	return HealthCheck{State: c.state}
}

// RecordPong processes a heartbeat response and applies the recovery and
// latency rules. A round trip at or above the policy limit counts as late.
func (c *Connection) RecordPong(rtt time.Duration) HealthCheck {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	c.lastHeartbeat = now
	c.lastActivity = now
	c.missedHeartbeats = 0
	c.responseTime = rtt

	if rtt >= c.policy.MaxResponseTime {
		c.lateStreak++
		c.latencyStrikes++
		if c.policy.EvictOnResponseTime && c.latencyStrikes >= c.policy.LatencyStrikes {
			c.state = StateEvicted
			return HealthCheck{State: c.state, Evict: true, Reason: "response_time"}
		}
		if c.lateStreak >= 2 && c.state == StateActive {
			c.state = StateDegraded
		}
		return HealthCheck{State: c.state}
	}

	c.lateStreak = 0
	c.latencyStrikes = 0
	if c.state == StateDegraded {
		c.state = StateActive
	}
	return HealthCheck{State: c.state}
}

// RecordMissedPing counts an unanswered ping. The third miss evicts.
func (c *Connection) RecordMissedPing() HealthCheck {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.missedHeartbeats++
	if c.policy.EvictOnMissedHeartbeats && c.missedHeartbeats >= c.policy.MaxMissedHeartbeats {
		c.state = StateEvicted
		return HealthCheck{State: c.state, Evict: true, Reason: "health_evicted"}
	}
	if c.state == StateActive && c.missedHeartbeats >= 1 {
		c.state = StateDegraded
	}
	return HealthCheck{State: c.state}
}

// ResponseTime reports the most recent heartbeat round trip.
func (c *Connection) ResponseTime() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.responseTime
}

// Counters reports the cumulative request and error counts.
func (c *Connection) Counters() (requests, errs int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.requestCount, c.errorCount
}

// AddRoom records room membership in the reverse index with optional prefs.
func (c *Connection) AddRoom(roomID string, prefs *protocol.SubscriptionPrefs) {
	c.mu.Lock()
	c.rooms[roomID] = prefs
	c.mu.Unlock()
}

// RemoveRoom drops the reverse index entry.
func (c *Connection) RemoveRoom(roomID string) {
	c.mu.Lock()
	delete(c.rooms, roomID)
	c.mu.Unlock()
}

// Rooms returns a snapshot of the room ids the connection belongs to.
func (c *Connection) Rooms() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	ids := make([]string, 0, len(c.rooms))
	for id := range c.rooms {
		ids = append(ids, id)
	}
	return ids
}

// InRoom reports membership without copying the whole index.
func (c *Connection) InRoom(roomID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.rooms[roomID]
	return ok
}

// SetDefaultPrefs installs the connection-wide subscription allow-list.
func (c *Connection) SetDefaultPrefs(prefs *protocol.SubscriptionPrefs) {
	c.mu.Lock()
	c.defaultPrefs = prefs
	c.mu.Unlock()
}

// SetRoomPrefs replaces the per-room allow-list.
func (c *Connection) SetRoomPrefs(roomID string, prefs *protocol.SubscriptionPrefs) {
	c.mu.Lock()
	if _, ok := c.rooms[roomID]; ok {
		c.rooms[roomID] = prefs
	}
	c.mu.Unlock()
}

// AllowsKind consults the per-room prefs first and falls back to the
// connection-wide allow-list.
func (c *Connection) AllowsKind(kind, roomID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if roomID != "" {
		if prefs, ok := c.rooms[roomID]; ok && !prefs.Empty() {
			return prefs.Allows(kind)
		}
	}
	return c.defaultPrefs.Allows(kind)
}

// Registry owns all live connections and the per-user index.
type Registry struct {
	log            *logging.Logger
	now            func() time.Time
	policy         Policy
	maxConnections int
	sessionTimeout time.Duration
	queueSize      int

	mu     sync.RWMutex
	conns  map[string]*Connection
	byUser map[string]map[string]*Connection
}

// Options configures the registry.
type Options struct {
	Logger         *logging.Logger
	Policy         *Policy
	MaxConnections int
	SessionTimeout time.Duration
	QueueSize      int
	TimeSource     func() time.Time
}

// New constructs an empty registry.
func New(opts Options) *Registry {
	logger := opts.Logger
	if logger == nil {
		logger = logging.L()
	}
	now := opts.TimeSource
	if now == nil {
		now = time.Now
	}
	policy := DefaultPolicy()
	if opts.Policy != nil {
		policy = *opts.Policy
	}
	maxConnections := opts.MaxConnections
	if maxConnections <= 0 {
		maxConnections = 10000
	}
	sessionTimeout := opts.SessionTimeout
	if sessionTimeout <= 0 {
		sessionTimeout = 24 * time.Hour
	}
	queueSize := opts.QueueSize
	if queueSize <= 0 {
		queueSize = 1024
	}
	return &Registry{
		log:            logger,
		now:            now,
		policy:         policy,
		maxConnections: maxConnections,
		sessionTimeout: sessionTimeout,
		queueSize:      queueSize,
		conns:          make(map[string]*Connection),
		byUser:         make(map[string]map[string]*Connection),
	}
}

// Register admits an authenticated principal, enforcing the capacity bound.
func (r *Registry) Register(principal *auth.Principal, remoteAddr, userAgent string) (*Connection, error) {
	if r == nil {
		return nil, errors.New("registry not initialised")
	}
	if principal == nil {
		principal = auth.Anonymous()
	}
	now := r.now()
	conn := &Connection{
		ID:           uuid.NewString(),
		Principal:    principal,
		RemoteAddr:   remoteAddr,
		UserAgent:    userAgent,
		ConnectedAt:  now,
		policy:       r.policy,
		now:          r.now,
		state:        StateAuthenticated,
		lastActivity: now,
		rooms:        make(map[string]*protocol.SubscriptionPrefs),
		outbound:     make(chan *protocol.OutFrame, r.queueSize),
	}

	r.mu.Lock()
	if len(r.conns) >= r.maxConnections {
		r.mu.Unlock()
		return nil, ErrOverloaded
	}
	r.conns[conn.ID] = conn
	if principal.UserID != "" {
		byUser, ok := r.byUser[principal.UserID]
		if !ok {
			byUser = make(map[string]*Connection)
			r.byUser[principal.UserID] = byUser
		}
		byUser[conn.ID] = conn
	}
	r.mu.Unlock()

	conn.MarkActive()
	return conn, nil
}

// Remove deletes the connection from the registry and the user index. The
// caller is responsible for the ordered teardown around this call.
func (r *Registry) Remove(id string) *Connection {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	conn, ok := r.conns[id]
	if !ok {
		r.mu.Unlock()
		return nil
	}
	delete(r.conns, id)
	if conn.Principal != nil && conn.Principal.UserID != "" {
		if byUser, ok := r.byUser[conn.Principal.UserID]; ok {
			delete(byUser, id)
			if len(byUser) == 0 {
				delete(r.byUser, conn.Principal.UserID)
			}
		}
	}
	r.mu.Unlock()
	return conn
}

// Get returns the connection by id.
func (r *Registry) Get(id string) (*Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conn, ok := r.conns[id]
	return conn, ok
}

// ConnectionsForUser returns every live connection of the user; a user may be
// connected from multiple devices.
func (r *Registry) ConnectionsForUser(userID string) []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	byUser, ok := r.byUser[userID]
	if !ok {
		return nil
	}
	conns := make([]*Connection, 0, len(byUser))
	for _, conn := range byUser {
		conns = append(conns, conn)
	}
	return conns
}

// ActiveConnections snapshots every connection not yet evicted. Register
// promotes connections to Active before publishing them, so the snapshot
// holds Active and Degraded sessions; Degraded ones still receive
// broadcasts while their health is probed.
func (r *Registry) ActiveConnections() []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conns := make([]*Connection, 0, len(r.conns))
	for _, conn := range r.conns {
		if conn.State() != StateEvicted {
			conns = append(conns, conn)
		}
	}
	return conns
}

// Counts reports population metrics for the monitor.
func (r *Registry) Counts() (total, authenticated, healthy int) {
	r.mu.RLock()
	snapshot := make([]*Connection, 0, len(r.conns))
	for _, conn := range r.conns {
		snapshot = append(snapshot, conn)
	}
	r.mu.RUnlock()

	for _, conn := range snapshot {
		total++
		if conn.Principal != nil && !conn.Principal.Anonymous {
			authenticated++
		}
		if conn.Healthy() {
			healthy++
		}
	}
	return total, authenticated, healthy
}

// SweepIdle returns connections whose last activity is older than the session
// timeout, marking them evicted. The caller closes their transports.
func (r *Registry) SweepIdle() []*Connection {
	cutoff := r.now().Add(-r.sessionTimeout)

	r.mu.RLock()
	snapshot := make([]*Connection, 0, len(r.conns))
	for _, conn := range r.conns {
		snapshot = append(snapshot, conn)
	}
	r.mu.RUnlock()

	var idle []*Connection
	for _, conn := range snapshot {
		if conn.LastActivity().Before(cutoff) {
			conn.Evict()
			idle = append(idle, conn)
		}
	}
	if len(idle) > 0 {
		r.log.Info("idle session sweep", logging.Int("evicted", len(idle)))
	}
	return idle
}
