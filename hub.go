package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"clanforge/hub/internal/aggregate"
	"clanforge/hub/internal/auth"
	"clanforge/hub/internal/cluster"
	"clanforge/hub/internal/config"
	"clanforge/hub/internal/dispatch"
	"clanforge/hub/internal/ingress"
	"clanforge/hub/internal/logging"
	"clanforge/hub/internal/monitor"
	"clanforge/hub/internal/protocol"
	"clanforge/hub/internal/ratelimit"
	"clanforge/hub/internal/registry"
	"clanforge/hub/internal/rooms"
)

// Hub owns every subsystem and wires them together in startup order.
type Hub struct {
	cfg *config.Config
	log *logging.Logger

	metrics    *monitor.Metrics
	limiter    *ratelimit.Limiter
	verifier   *auth.Verifier
	conns      *registry.Registry
	rooms      *rooms.Registry
	bridge     *cluster.Bridge
	dispatcher *dispatch.Dispatcher
	aggregator *aggregate.Aggregator
	ingress    *ingress.Handlers
	collector  *monitor.Collector
	analyzer   *monitor.Analyzer

	upgrader websocket.Upgrader

	startedAt  time.Time
	startupErr error
	accepting  atomic.Bool
	sessions   sync.WaitGroup
	cancel     context.CancelFunc
}

// NewHub constructs every subsystem. Order follows the dependency chain:
// metrics, rate limiter, connection registry, room registry, bridge,
// dispatcher, aggregator, ingress.
func NewHub(cfg *config.Config, logger *logging.Logger) (*Hub, error) {
	if cfg == nil {
		return nil, errors.New("hub: nil config")
	}
	if logger == nil {
		logger = logging.L()
	}

	h := &Hub{cfg: cfg, log: logger, startedAt: time.Now()}

	h.metrics = monitor.NewMetrics()
	h.limiter = ratelimit.New(logger, limiterOptions(cfg)...)

	if cfg.AuthSecret != "" {
		verifier, err := auth.NewVerifier(cfg.AuthSecret, 30*time.Second)
		if err != nil {
			return nil, err
		}
		h.verifier = verifier
	} else if !cfg.AuthOptional {
		return nil, errors.New("hub: auth secret required")
	}

	h.conns = registry.New(registry.Options{
		Logger:         logger,
		MaxConnections: cfg.MaxConnections,
		SessionTimeout: cfg.SessionTimeout,
		QueueSize:      cfg.OutboundQueue,
	})
	h.rooms = rooms.New(rooms.Options{
		Logger:       logger,
		EmptyRoomTTL: cfg.EmptyRoomTTL,
	})

	h.dispatcher = dispatch.New(dispatch.Options{
		Connections: h.conns,
		Rooms:       h.rooms,
		Metrics:     h.metrics,
		Logger:      logger,
		NodeID:      cfg.NodeID,
	})

	if cfg.NATSURL != "" {
		h.bridge = cluster.New(cluster.Options{
			Dial:    cluster.NATSDialer(cfg.NATSURL, cfg.NodeID, logger),
			Local:   h.dispatcher,
			Metrics: h.metrics,
			Logger:  logger,
			NodeID:  cfg.NodeID,
		})
		h.dispatcher.SetMirror(h.bridge)
	}

	h.aggregator = aggregate.New(aggregate.Options{
		Publisher: h.dispatcher,
		Metrics:   h.metrics,
		Logger:    logger,
		Window:    cfg.AggregateWindow,
		BatchSize: cfg.AggregateBatch,
	})
	h.ingress = ingress.New(ingress.Options{Publisher: h.aggregator})

	h.collector = monitor.NewCollector(h.metrics, monitor.Sources{
		ConnCounts: h.conns.Counts,
		RoomCount:  h.rooms.Count,
	}, logger)
	h.analyzer = monitor.NewAnalyzer(h.collector, logger,
		monitor.WithMitigator(&mitigator{limiter: h.limiter}),
		monitor.WithAlertSink(h.broadcastAlert))

	h.upgrader = websocket.Upgrader{
		HandshakeTimeout: cfg.HandshakeTimeout,
		CheckOrigin:      originChecker(cfg.AllowedOrigins),
	}
	return h, nil
}

// limiterOptions folds the configured class-table overrides over the default
// limits.
func limiterOptions(cfg *config.Config) []ratelimit.Option {
	if len(cfg.RateLimits) == 0 {
		return nil
	}
	limits := make(map[ratelimit.Class]ratelimit.Limit, len(ratelimit.DefaultLimits))
	for class, limit := range ratelimit.DefaultLimits {
		limits[class] = limit
	}
	for name, override := range cfg.RateLimits {
		limits[ratelimit.Class(name)] = ratelimit.Limit{
			MaxTokens: override.MaxTokens,
			Window:    override.Window,
			Burst:     override.Burst,
		}
	}
	return []ratelimit.Option{ratelimit.WithLimits(limits)}
}

// originChecker admits requests whose Origin host matches the allow-list. An
// empty list admits everything, matching non-browser clients that send no
// Origin header at all.
func originChecker(allowed []string) func(*http.Request) bool {
	if len(allowed) == 0 {
		return func(*http.Request) bool { return true }
	}
	hosts := make(map[string]struct{}, len(allowed))
	for _, origin := range allowed {
		origin = strings.TrimSpace(strings.ToLower(origin))
		if origin == "" {
			continue
		}
		if parsed, err := url.Parse(origin); err == nil && parsed.Host != "" {
			hosts[parsed.Host] = struct{}{}
		} else {
			hosts[origin] = struct{}{}
		}
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		parsed, err := url.Parse(origin)
		if err != nil {
			return false
		}
		_, ok := hosts[strings.ToLower(parsed.Host)]
		return ok
	}
}

// mitigator adapts the analyzer's auto-mitigation hooks onto the runtime and
// the rate limiter.
type mitigator struct {
	limiter *ratelimit.Limiter
}

func (m *mitigator) ForceGC() { runtime.GC() }

func (m *mitigator) TightenRateLimits(factor float64) { m.limiter.SetRegime(factor) }

func (m *mitigator) RestoreRateLimits() { m.limiter.SetRegime(1) }

// broadcastAlert pushes critical analyzer alerts to every connection through
// the system family.
func (h *Hub) broadcastAlert(alert monitor.Alert) {
	if alert.Severity != monitor.SeverityCritical {
		return
	}
	payload, err := json.Marshal(alert)
	if err != nil {
		return
	}
	_ = h.ingress.HandleSystem(ingress.SystemEvent{Kind: ingress.KindSystemAlert, Payload: payload})
}

// Start launches the background tasks and opens the door to handshakes.
func (h *Hub) Start(ctx context.Context) {
	ctx, h.cancel = context.WithCancel(ctx)

	if h.bridge != nil {
		if err := h.bridge.Connect(); err != nil {
			// Local-only until the reconnect loop succeeds.
			h.log.Warn("cluster substrate unavailable at startup", logging.Error(err))
		}
		go h.bridge.Run(ctx)
	}

	go h.collector.Run(ctx)
	go h.analyzer.Run(ctx)
	go h.aggregator.Run(ctx)
	go h.sweepLoop(ctx)

	h.startedAt = time.Now()
	h.accepting.Store(true)
	h.log.Info("hub started",
		logging.String("node", h.cfg.NodeID),
		logging.String("addr", h.cfg.Address))
}

// sweepLoop runs the periodic janitors: idle session eviction and empty-room
// garbage collection.
func (h *Hub) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, conn := range h.conns.SweepIdle() {
				h.teardown(conn)
			}
			h.rooms.GC()
		}
	}
}

// ServeWS upgrades the request and runs the connection session. The auth
// handshake must complete within the configured deadline.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	if !h.accepting.Load() {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.metrics.RecordRequest(true, "transport")
		h.log.Warn("websocket upgrade failed", logging.Error(err))
		return
	}
	ws.SetReadLimit(h.cfg.MaxPayloadBytes)

	principal, authErr := h.handshake(ws, r)
	if authErr != nil {
		h.metrics.RecordRequest(true, "auth")
		writeControlClose(ws, websocket.ClosePolicyViolation, authErr.Error())
		_ = ws.Close()
		return
	}

	conn, err := h.conns.Register(principal, r.RemoteAddr, r.UserAgent())
	if err != nil {
		h.metrics.RecordRequest(true, "capacity")
		writeControlClose(ws, websocket.CloseTryAgainLater, "overloaded")
		_ = ws.Close()
		return
	}
	h.metrics.RecordRequest(false, "")
	if h.bridge != nil && conn.Principal.UserID != "" {
		h.bridge.AddTopic(protocol.TargetUser(conn.Principal.UserID).Topic())
	}

	s := newSession(h, conn, ws)
	h.sessions.Add(1)
	go func() {
		defer h.sessions.Done()
		s.run()
	}()
}

// authRequest is the payload of the first client frame. Either a session
// token or a signed wallet challenge authenticates the principal.
type authRequest struct {
	Token     string `json:"token,omitempty"`
	Wallet    string `json:"wallet,omitempty"`
	Challenge string `json:"challenge,omitempty"`
	Signature string `json:"signature,omitempty"`
}

// handshake reads the auth frame and resolves the principal. Rate limiting
// keys on the remote address because no identity exists yet.
func (h *Hub) handshake(ws *websocket.Conn, r *http.Request) (*auth.Principal, error) {
	decision := h.limiter.Check(remoteHost(r.RemoteAddr), ratelimit.ClassAuthStandard, ratelimit.Context{})
	if !decision.Allowed {
		return nil, errors.New("auth rate limit exceeded")
	}

	_ = ws.SetReadDeadline(time.Now().Add(h.cfg.HandshakeTimeout))
	defer ws.SetReadDeadline(time.Time{})

	var frame protocol.ClientFrame
	if err := ws.ReadJSON(&frame); err != nil {
		return nil, errors.New("auth frame not received in time")
	}
	if frame.T != protocol.FrameAuth {
		return nil, errors.New("first frame must be auth")
	}
	var req authRequest
	if len(frame.D) > 0 {
		if err := json.Unmarshal(frame.D, &req); err != nil {
			return nil, errors.New("malformed auth payload")
		}
	}

	switch {
	case req.Token != "":
		if h.verifier == nil {
			return nil, errors.New("token auth not configured")
		}
		return h.verifier.Verify(req.Token)
	case req.Wallet != "":
		if h.verifier == nil {
			return nil, errors.New("wallet auth not configured")
		}
		if err := h.verifier.VerifyWalletChallenge(req.Wallet, req.Challenge, req.Signature); err != nil {
			return nil, err
		}
		return &auth.Principal{
			UserID:        req.Wallet,
			WalletAddress: req.Wallet,
			Roles:         map[string]struct{}{auth.RoleMember: {}},
		}, nil
	case h.cfg.AuthOptional:
		return auth.Anonymous(), nil
	default:
		return nil, errors.New("credentials required")
	}
}

// teardown removes a connection from every structure it touches. Safe to
// call from the session exit path and the sweepers; only the caller that
// wins the registry removal releases topic references, so a sibling
// connection of the same user keeps its subscriptions.
func (h *Hub) teardown(conn *registry.Connection) {
	if conn == nil {
		return
	}
	if h.conns.Remove(conn.ID) == nil {
		return
	}
	for _, roomID := range conn.Rooms() {
		if h.bridge != nil {
			h.bridge.RemoveTopic(protocol.TargetRoom(roomID).Topic())
		}
	}
	h.rooms.Cleanup(conn)
	if h.bridge != nil && conn.Principal != nil && conn.Principal.UserID != "" {
		h.bridge.RemoveTopic(protocol.TargetUser(conn.Principal.UserID).Topic())
	}
	conn.Evict()
	conn.CloseOutbound()
	h.metrics.Disconnects.Inc()
}

// Shutdown runs the reverse of startup: stop accepting, close the bridge,
// notify clients, drain, then release everything.
func (h *Hub) Shutdown(ctx context.Context) {
	h.accepting.Store(false)

	if h.bridge != nil {
		h.bridge.Close()
	}

	notice, _ := json.Marshal(map[string]string{"reason": "maintenance"})
	h.dispatcher.PublishLocal(&protocol.Event{
		Kind:       protocol.FrameServerShutdown,
		Payload:    notice,
		OriginNode: h.cfg.NodeID,
		EmittedAt:  time.Now(),
		Target:     protocol.TargetGlobal(),
	})
	h.aggregator.FlushAll()

	grace := h.cfg.ShutdownGrace
	deadline, cancel := context.WithTimeout(ctx, grace)
	defer cancel()

	for _, conn := range h.conns.ActiveConnections() {
		conn.CloseOutbound()
	}

	done := make(chan struct{})
	go func() {
		h.sessions.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-deadline.Done():
		h.log.Warn("shutdown grace elapsed with sessions still open")
	}

	for _, conn := range h.conns.ActiveConnections() {
		h.teardown(conn)
	}
	if h.cancel != nil {
		h.cancel()
	}
	_ = h.log.Sync()
}

// SnapshotConnCounts implements the readiness provider.
func (h *Hub) SnapshotConnCounts() (total, authenticated, healthy int) {
	return h.conns.Counts()
}

// StartupError implements the readiness provider.
func (h *Hub) StartupError() error { return h.startupErr }

// Uptime implements the readiness provider.
func (h *Hub) Uptime() time.Duration { return time.Since(h.startedAt) }

// Ingress exposes the ingress handlers for the backend event intake.
func (h *Hub) Ingress() *ingress.Handlers { return h.ingress }

func remoteHost(addr string) string {
	if idx := strings.LastIndexByte(addr, ':'); idx > 0 {
		return addr[:idx]
	}
	return addr
}

func writeControlClose(ws *websocket.Conn, code int, reason string) {
	message := websocket.FormatCloseMessage(code, reason)
	_ = ws.WriteControl(websocket.CloseMessage, message, time.Now().Add(time.Second))
}
