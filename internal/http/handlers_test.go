package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"clanforge/hub/internal/ingress"
	"clanforge/hub/internal/logging"
	"clanforge/hub/internal/monitor"
	"clanforge/hub/internal/rooms"
)

type stubReadiness struct {
	total         int
	authenticated int
	healthy       int
	uptime        time.Duration
	err           error
}

func (s *stubReadiness) SnapshotConnCounts() (int, int, int) {
	return s.total, s.authenticated, s.healthy
}
func (s *stubReadiness) StartupError() error   { return s.err }
func (s *stubReadiness) Uptime() time.Duration { return s.uptime }

type stubRooms struct {
	infos map[string]rooms.Info
}

func (s *stubRooms) List() []rooms.Info {
	out := make([]rooms.Info, 0, len(s.infos))
	for _, info := range s.infos {
		out = append(out, info)
	}
	return out
}

func (s *stubRooms) Inspect(roomID string) (rooms.Info, bool) {
	info, ok := s.infos[roomID]
	return info, ok
}

func (s *stubRooms) Count() int { return len(s.infos) }

type stubHealth struct {
	score  float64
	alerts []monitor.Alert
	trends []monitor.Trend
}

func (s *stubHealth) HealthScore() float64    { return s.score }
func (s *stubHealth) Alerts() []monitor.Alert { return s.alerts }
func (s *stubHealth) Trends() []monitor.Trend { return s.trends }

type stubCluster struct {
	degraded bool
	topics   []string
}

func (s *stubCluster) Degraded() bool   { return s.degraded }
func (s *stubCluster) Topics() []string { return s.topics }

type stubLimiter struct {
	remaining int
}

func (s *stubLimiter) Allow() bool {
	if s.remaining <= 0 {
		return false
	}
	s.remaining--
	return true
}

func TestLivenessHandlerReturnsJSON(t *testing.T) {
	fixed := time.Date(2025, time.March, 1, 12, 0, 0, 0, time.UTC)
	handlers := NewHandlerSet(Options{Logger: logging.NewTestLogger(), TimeSource: func() time.Time { return fixed }})
	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/livez", nil)

	handlers.LivenessHandler().ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	var payload struct {
		Status    string `json:"status"`
		Timestamp string `json:"timestamp"`
	}
	if err := json.NewDecoder(rr.Body).Decode(&payload); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if payload.Status != "alive" {
		t.Fatalf("unexpected status %q", payload.Status)
	}
	if payload.Timestamp != fixed.Format(time.RFC3339Nano) {
		t.Fatalf("unexpected timestamp %q", payload.Timestamp)
	}
}

func TestReadinessHandlerUnavailable(t *testing.T) {
	readiness := &stubReadiness{total: 3, authenticated: 2, healthy: 2, uptime: 45 * time.Second, err: errors.New("boom")}
	handlers := NewHandlerSet(Options{Logger: logging.NewTestLogger(), Readiness: readiness})

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/readyz", nil)
	handlers.ReadinessHandler().ServeHTTP(rr, req)

	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rr.Code)
	}
	var payload struct {
		Status      string `json:"status"`
		Message     string `json:"message"`
		Connections int    `json:"connections"`
	}
	if err := json.NewDecoder(rr.Body).Decode(&payload); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if payload.Status != "error" || payload.Message != "boom" || payload.Connections != 3 {
		t.Fatalf("unexpected payload: %+v", payload)
	}
}

func TestReadinessReportsClusterDegraded(t *testing.T) {
	handlers := NewHandlerSet(Options{
		Logger:    logging.NewTestLogger(),
		Readiness: &stubReadiness{total: 1},
		Cluster:   &stubCluster{degraded: true},
	})

	rr := httptest.NewRecorder()
	handlers.ReadinessHandler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/readyz", nil))

	if rr.Code != http.StatusOK {
		t.Fatalf("degraded cluster is advisory, expected 200, got %d", rr.Code)
	}
	var payload struct {
		ClusterDegraded bool `json:"cluster_degraded"`
	}
	_ = json.NewDecoder(rr.Body).Decode(&payload)
	if !payload.ClusterDegraded {
		t.Fatal("response should flag the degraded cluster")
	}
}

func TestStatsHandlerAggregates(t *testing.T) {
	handlers := NewHandlerSet(Options{
		Logger:       logging.NewTestLogger(),
		Readiness:    &stubReadiness{total: 5, authenticated: 4, healthy: 3},
		Rooms:        &stubRooms{infos: map[string]rooms.Info{"clan:alpha": {ID: "clan:alpha"}}},
		Health:       &stubHealth{score: 92},
		IngressStats: func() ingress.Stats { return ingress.Stats{User: 10, Clan: 4} },
	})

	rr := httptest.NewRecorder()
	handlers.StatsHandler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/stats", nil))

	var payload struct {
		Ingress     ingress.Stats `json:"ingress"`
		Rooms       int           `json:"rooms"`
		Connections int           `json:"connections"`
		HealthScore float64       `json:"health_score"`
	}
	if err := json.NewDecoder(rr.Body).Decode(&payload); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if payload.Ingress.User != 10 || payload.Rooms != 1 || payload.Connections != 5 || payload.HealthScore != 92 {
		t.Fatalf("unexpected payload: %+v", payload)
	}
}

func TestRoomsHandlerRequiresToken(t *testing.T) {
	handlers := NewHandlerSet(Options{
		Logger:     logging.NewTestLogger(),
		Rooms:      &stubRooms{infos: map[string]rooms.Info{}},
		AdminToken: "secret",
	})

	rr := httptest.NewRecorder()
	handlers.RoomsHandler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/rooms", nil))
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", rr.Code)
	}

	rr = httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/rooms", nil)
	req.Header.Set("Authorization", "Bearer secret")
	handlers.RoomsHandler().ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200 with token, got %d", rr.Code)
	}
}

func TestRoomsHandlerInspectsSingleRoom(t *testing.T) {
	handlers := NewHandlerSet(Options{
		Logger: logging.NewTestLogger(),
		Rooms: &stubRooms{infos: map[string]rooms.Info{
			"clan:alpha": {ID: "clan:alpha", Size: 2},
		}},
		AdminToken: "secret",
	})

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/rooms/clan:alpha", nil)
	req.Header.Set("X-Admin-Token", "secret")
	handlers.RoomsHandler().ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	var info rooms.Info
	if err := json.NewDecoder(rr.Body).Decode(&info); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if info.ID != "clan:alpha" || info.Size != 2 {
		t.Fatalf("unexpected info: %+v", info)
	}

	rr = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/rooms/clan:missing", nil)
	req.Header.Set("X-Admin-Token", "secret")
	handlers.RoomsHandler().ServeHTTP(rr, req)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rr.Code)
	}
}

func TestAlertsHandlerRateLimited(t *testing.T) {
	handlers := NewHandlerSet(Options{
		Logger:      logging.NewTestLogger(),
		Health:      &stubHealth{score: 88},
		AdminToken:  "secret",
		RateLimiter: &stubLimiter{remaining: 1},
	})

	req := httptest.NewRequest(http.MethodGet, "/alerts", nil)
	req.Header.Set("Authorization", "Bearer secret")

	rr := httptest.NewRecorder()
	handlers.AlertsHandler().ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("first request should pass, got %d", rr.Code)
	}

	rr = httptest.NewRecorder()
	handlers.AlertsHandler().ServeHTTP(rr, req)
	if rr.Code != http.StatusTooManyRequests {
		t.Fatalf("second request should be limited, got %d", rr.Code)
	}
}

func TestAdminDisabledWithoutToken(t *testing.T) {
	handlers := NewHandlerSet(Options{Logger: logging.NewTestLogger(), Health: &stubHealth{}})

	rr := httptest.NewRecorder()
	handlers.AlertsHandler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/alerts", nil))
	if rr.Code != http.StatusForbidden {
		t.Fatalf("expected 403 when admin auth is disabled, got %d", rr.Code)
	}
}

func TestSlidingWindowLimiter(t *testing.T) {
	current := time.Date(2025, time.March, 1, 12, 0, 0, 0, time.UTC)
	limiter := NewSlidingWindowLimiter(time.Minute, 2, func() time.Time { return current })

	if !limiter.Allow() || !limiter.Allow() {
		t.Fatal("first two events should pass")
	}
	if limiter.Allow() {
		t.Fatal("third event inside the window should be limited")
	}
	if limiter.InFlight() != 2 {
		t.Fatalf("expected two in-flight events, got %d", limiter.InFlight())
	}

	current = current.Add(61 * time.Second)
	if !limiter.Allow() {
		t.Fatal("expired window should admit again")
	}
}
