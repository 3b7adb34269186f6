// Package httpapi exposes the hub's operational surface: health probes,
// statistics, room inspection, the alert log and Prometheus metrics.
package httpapi

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"clanforge/hub/internal/ingress"
	"clanforge/hub/internal/logging"
	"clanforge/hub/internal/monitor"
	"clanforge/hub/internal/rooms"
)

// ReadinessProvider exposes hub state required for readiness checks.
type ReadinessProvider interface {
	SnapshotConnCounts() (total, authenticated, healthy int)
	StartupError() error
	Uptime() time.Duration
}

// RoomInspector exposes the room registry to the admin surface.
type RoomInspector interface {
	List() []rooms.Info
	Inspect(roomID string) (rooms.Info, bool)
	Count() int
}

// HealthReporter exposes the analyzer output.
type HealthReporter interface {
	HealthScore() float64
	Trends() []monitor.Trend
	Alerts() []monitor.Alert
}

// ClusterStatus reports the bridge state.
type ClusterStatus interface {
	Degraded() bool
	Topics() []string
}

// RateLimiter gates how frequently sensitive operations may be invoked.
type RateLimiter interface {
	Allow() bool
}

// Options configures the HandlerSet.
type Options struct {
	Logger       *logging.Logger
	Readiness    ReadinessProvider
	Rooms        RoomInspector
	Health       HealthReporter
	Cluster      ClusterStatus
	IngressStats func() ingress.Stats
	Intake       EventIntake
	Registry     *prometheus.Registry
	AdminToken   string
	RateLimiter  RateLimiter
	TimeSource   func() time.Time
}

// HandlerSet bundles the hub operational handlers.
type HandlerSet struct {
	logger       *logging.Logger
	readiness    ReadinessProvider
	rooms        RoomInspector
	health       HealthReporter
	cluster      ClusterStatus
	ingressStats func() ingress.Stats
	intake       EventIntake
	registry     *prometheus.Registry
	adminToken   string
	rateLimiter  RateLimiter
	now          func() time.Time
}

// NewHandlerSet constructs a HandlerSet using the provided options.
func NewHandlerSet(opts Options) *HandlerSet {
	logger := opts.Logger
	if logger == nil {
		logger = logging.L()
	}
	now := opts.TimeSource
	if now == nil {
		now = time.Now
	}
	return &HandlerSet{
		logger:       logger,
		readiness:    opts.Readiness,
		rooms:        opts.Rooms,
		health:       opts.Health,
		cluster:      opts.Cluster,
		ingressStats: opts.IngressStats,
		intake:       opts.Intake,
		registry:     opts.Registry,
		adminToken:   strings.TrimSpace(opts.AdminToken),
		rateLimiter:  opts.RateLimiter,
		now:          now,
	}
}

// Register attaches all handlers to the provided mux.
func (h *HandlerSet) Register(mux *http.ServeMux) {
	if mux == nil {
		return
	}
	mux.HandleFunc("/livez", h.LivenessHandler())
	mux.HandleFunc("/readyz", h.ReadinessHandler())
	mux.HandleFunc("/stats", h.StatsHandler())
	mux.HandleFunc("/rooms", h.RoomsHandler())
	mux.HandleFunc("/rooms/", h.RoomsHandler())
	mux.HandleFunc("/alerts", h.AlertsHandler())
	mux.Handle("/metrics", h.MetricsHandler())
	for _, family := range []string{"user", "clan", "voting", "content", "system"} {
		mux.HandleFunc("/events/"+family, h.IntakeHandler(family))
	}
}

// LivenessHandler reports that the HTTP server is reachable.
func (h *HandlerSet) LivenessHandler() http.HandlerFunc {
	type response struct {
		Status    string `json:"status"`
		Timestamp string `json:"timestamp"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, response{
			Status:    "alive",
			Timestamp: h.now().UTC().Format(time.RFC3339Nano),
		})
	}
}

// ReadinessHandler reports hub readiness, connection counts and cluster
// state. A degraded cluster is advisory; the node still serves locally.
func (h *HandlerSet) ReadinessHandler() http.HandlerFunc {
	type response struct {
		Status          string  `json:"status"`
		Message         string  `json:"message,omitempty"`
		UptimeSeconds   float64 `json:"uptime_seconds"`
		Connections     int     `json:"connections"`
		Authenticated   int     `json:"authenticated"`
		Healthy         int     `json:"healthy"`
		ClusterDegraded bool    `json:"cluster_degraded"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		status := http.StatusOK
		resp := response{Status: "ok"}
		if h.readiness != nil {
			total, authenticated, healthy := h.readiness.SnapshotConnCounts()
			resp.Connections = total
			resp.Authenticated = authenticated
			resp.Healthy = healthy
			resp.UptimeSeconds = h.readiness.Uptime().Seconds()
			if err := h.readiness.StartupError(); err != nil {
				status = http.StatusServiceUnavailable
				resp.Status = "error"
				resp.Message = err.Error()
			}
		}
		if h.cluster != nil {
			resp.ClusterDegraded = h.cluster.Degraded()
		}
		writeJSON(w, status, resp)
	}
}

// StatsHandler reports the per-family ingress counters, room count and the
// current health score.
func (h *HandlerSet) StatsHandler() http.HandlerFunc {
	type response struct {
		Ingress       ingress.Stats `json:"ingress"`
		Rooms         int           `json:"rooms"`
		Connections   int           `json:"connections"`
		Authenticated int           `json:"authenticated"`
		Healthy       int           `json:"healthy"`
		HealthScore   float64       `json:"health_score"`
		ClusterTopics int           `json:"cluster_topics"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		resp := response{}
		if h.ingressStats != nil {
			resp.Ingress = h.ingressStats()
		}
		if h.rooms != nil {
			resp.Rooms = h.rooms.Count()
		}
		if h.readiness != nil {
			resp.Connections, resp.Authenticated, resp.Healthy = h.readiness.SnapshotConnCounts()
		}
		if h.health != nil {
			resp.HealthScore = h.health.HealthScore()
		}
		if h.cluster != nil {
			resp.ClusterTopics = len(h.cluster.Topics())
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

// RoomsHandler lists rooms or inspects a single one. Member ids are
// sensitive, so the endpoint requires the admin token.
func (h *HandlerSet) RoomsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !h.admitAdmin(w, r, "rooms") {
			return
		}
		if h.rooms == nil {
			http.Error(w, "room inspection is unavailable", http.StatusServiceUnavailable)
			return
		}
		roomID := strings.TrimPrefix(r.URL.Path, "/rooms")
		roomID = strings.TrimPrefix(roomID, "/")
		if roomID == "" {
			writeJSON(w, http.StatusOK, h.rooms.List())
			return
		}
		info, ok := h.rooms.Inspect(roomID)
		if !ok {
			http.Error(w, "room not found", http.StatusNotFound)
			return
		}
		writeJSON(w, http.StatusOK, info)
	}
}

// AlertsHandler reports the retained alert log and the current trends.
func (h *HandlerSet) AlertsHandler() http.HandlerFunc {
	type response struct {
		HealthScore float64         `json:"health_score"`
		Alerts      []monitor.Alert `json:"alerts"`
		Trends      []monitor.Trend `json:"trends"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		if !h.admitAdmin(w, r, "alerts") {
			return
		}
		if h.health == nil {
			http.Error(w, "health analysis is unavailable", http.StatusServiceUnavailable)
			return
		}
		writeJSON(w, http.StatusOK, response{
			HealthScore: h.health.HealthScore(),
			Alerts:      h.health.Alerts(),
			Trends:      h.health.Trends(),
		})
	}
}

// MetricsHandler serves the Prometheus registry.
func (h *HandlerSet) MetricsHandler() http.Handler {
	registry := h.registry
	if registry == nil {
		registry = prometheus.NewRegistry()
	}
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}

// admitAdmin authorises and rate limits a sensitive request, writing the
// refusal itself when the request is denied.
func (h *HandlerSet) admitAdmin(w http.ResponseWriter, r *http.Request, handler string) bool {
	reqLogger := h.logger.With(
		logging.String("handler", handler),
		logging.String("remote_addr", r.RemoteAddr),
	)
	if h.adminToken == "" {
		reqLogger.Warn("admin request denied: admin auth disabled")
		http.Error(w, "admin authentication not configured", http.StatusForbidden)
		return false
	}
	if !h.authorise(r) {
		reqLogger.Warn("admin request denied: unauthorized")
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return false
	}
	if h.rateLimiter != nil && !h.rateLimiter.Allow() {
		reqLogger.Warn("admin request denied: rate limit exceeded")
		http.Error(w, "too many requests", http.StatusTooManyRequests)
		return false
	}
	return true
}

func (h *HandlerSet) authorise(r *http.Request) bool {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	var token string
	if len(header) > 7 && strings.EqualFold(header[:7], "Bearer ") {
		token = strings.TrimSpace(header[7:])
	} else if header != "" {
		token = header
	}
	if token == "" {
		token = strings.TrimSpace(r.Header.Get("X-Admin-Token"))
	}
	if token == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(h.adminToken)) == 1
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	if status != http.StatusOK {
		w.WriteHeader(status)
	}
	_ = json.NewEncoder(w).Encode(payload)
}
