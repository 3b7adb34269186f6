package ratelimit

import (
	"fmt"
	"math"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"

	"clanforge/hub/internal/logging"
)

// Class identifies a rate-limited operation family.
type Class string

// Operation classes enforced by the hub. The table is fixed at startup.
const (
	ClassAuthStandard   Class = "auth.standard"
	ClassAuthTournament Class = "auth.tournament"
	ClassAuthVoting     Class = "auth.voting"
	ClassAuthAdmin      Class = "auth.admin"
	ClassWalletSign     Class = "wallet.sign"
	ClassWalletTx       Class = "wallet.tx"
	ClassClanJoin       Class = "clan.join_request"
	ClassChatMessage    Class = "chat.msg"
)

// Limit describes one row of the class table.
type Limit struct {
	MaxTokens float64
	Window    time.Duration
	Burst     int
}

// DefaultLimits is the production class table.
var DefaultLimits = map[Class]Limit{
	ClassAuthStandard:   {MaxTokens: 10, Window: 60 * time.Second, Burst: 5},
	ClassAuthTournament: {MaxTokens: 20, Window: 60 * time.Second, Burst: 10},
	ClassAuthVoting:     {MaxTokens: 5, Window: 300 * time.Second, Burst: 2},
	ClassAuthAdmin:      {MaxTokens: 50, Window: 60 * time.Second, Burst: 20},
	ClassWalletSign:     {MaxTokens: 30, Window: 60 * time.Second, Burst: 10},
	ClassWalletTx:       {MaxTokens: 10, Window: 300 * time.Second, Burst: 3},
	ClassClanJoin:       {MaxTokens: 3, Window: 3600 * time.Second, Burst: 1},
	ClassChatMessage:    {MaxTokens: 60, Window: 60 * time.Second, Burst: 20},
}

// Context folds the gaming context into the bucket key so tournaments, clans
// and proposals are throttled independently.
type Context struct {
	TournamentID string
	ClanID       string
	ProposalID   string
}

func (c Context) hash() string {
	if c.TournamentID == "" && c.ClanID == "" && c.ProposalID == "" {
		return "-"
	}
	return strings.Join([]string{c.TournamentID, c.ClanID, c.ProposalID}, "|")
}

// Decision is the outcome of a limiter check.
type Decision struct {
	Allowed    bool
	Remaining  int
	ResetAt    time.Time
	RetryAfter time.Duration
}

// burstWindow is how recently the previous request must have landed for the
// burst allowance to apply.
const burstWindow = time.Second

// bucketTTL removes buckets untouched for this long.
const bucketTTL = time.Hour

// maxBuckets bounds the bucket store; eviction beyond TTL is size-based LRU.
const maxBuckets = 1 << 16

type bucket struct {
	mu             sync.Mutex
	tokens         float64
	burstRemaining int
	lastRefill     time.Time
	lastRequest    time.Time
}

// Limiter enforces token-bucket limits per identifier, per class and global.
// Buckets are node local; cross-node fairness relies on sticky routing.
type Limiter struct {
	limits    map[Class]Limit
	store     *lru.LRU[string, *bucket]
	now       func() time.Time
	log       *logging.Logger
	scaleBits atomic.Uint64
	incidents atomic.Int64
}

// Option mutates a Limiter during construction.
type Option func(*Limiter)

// WithClock overrides the limiter clock for deterministic tests.
func WithClock(clock func() time.Time) Option {
	return func(l *Limiter) {
		if clock != nil {
			l.now = clock
		}
	}
}

// WithLimits replaces the class table; used for configured overrides and in
// tests.
func WithLimits(limits map[Class]Limit) Option {
	return func(l *Limiter) {
		if len(limits) > 0 {
			l.limits = limits
		}
	}
}

// New constructs a Limiter using the default class table.
func New(logger *logging.Logger, opts ...Option) *Limiter {
	if logger == nil {
		logger = logging.L()
	}
	l := &Limiter{
		limits: DefaultLimits,
		store:  lru.NewLRU[string, *bucket](maxBuckets, nil, bucketTTL),
		now:    time.Now,
		log:    logger,
	}
	l.scaleBits.Store(math.Float64bits(1.0))
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// SetRegime scales every class capacity by factor. The monitor tightens the
// regime under CPU pressure and restores it when the pressure clears.
func (l *Limiter) SetRegime(factor float64) {
	if l == nil {
		return
	}
	if factor <= 0 || factor > 1 {
		factor = 1
	}
	l.scaleBits.Store(math.Float64bits(factor))
	l.log.Info("rate limit regime changed", logging.Float64("factor", factor))
}

// Regime reports the current capacity scale factor.
func (l *Limiter) Regime() float64 {
	if l == nil {
		return 1
	}
	return math.Float64frombits(l.scaleBits.Load())
}

// Incidents reports how many internal failures caused a fail-open allow.
func (l *Limiter) Incidents() int64 {
	if l == nil {
		return 0
	}
	return l.incidents.Load()
}

// BucketCount reports the live bucket population for the admin surface.
func (l *Limiter) BucketCount() int {
	if l == nil || l.store == nil {
		return 0
	}
	return l.store.Len()
}

// globalCapacityFactor sizes the shared per-class bucket relative to one
// identifier's row. A single noisy identifier exhausts its own bucket long
// before it can drain the shared one.
const globalCapacityFactor = 100

// Check applies the token-bucket law for the identifier and, when the
// identifier is user-scoped, the shared global bucket for the class. Both must
// allow. The identifier bucket is consulted first so a denied caller never
// burns shared capacity. Internal errors fail open with the incident recorded.
func (l *Limiter) Check(identifier string, class Class, ctx Context) Decision {
	if l == nil {
		return Decision{Allowed: true, Remaining: 1}
	}
	limit, ok := l.limits[class]
	if !ok || limit.MaxTokens <= 0 || limit.Window <= 0 {
		l.incidents.Add(1)
		l.log.Error("rate limit class misconfigured", logging.String("class", string(class)))
		return Decision{Allowed: true, Remaining: 1}
	}

	now := l.now()
	identifier = strings.TrimSpace(identifier)
	suffix := string(class) + "|" + ctx.hash()

	key := identifier
	if key == "" {
		key = "global"
	}
	decision := l.take(key+"|"+suffix, limit, now)
	if !decision.Allowed || identifier == "" || identifier == "global" {
		return decision
	}

	shared := Limit{
		MaxTokens: limit.MaxTokens * globalCapacityFactor,
		Window:    limit.Window,
		Burst:     limit.Burst * globalCapacityFactor,
	}
	if global := l.take("global|"+suffix, shared, now); !global.Allowed {
		return global
	}
	return decision
}

func (l *Limiter) take(key string, limit Limit, now time.Time) Decision {
	b, ok := l.store.Get(key)
	if !ok {
		b = &bucket{
			tokens:         limit.MaxTokens,
			burstRemaining: limit.Burst,
			lastRefill:     now,
		}
		l.store.Add(key, b)
	}

	scale := l.Regime()
	capTokens := limit.MaxTokens * scale
	if capTokens < 1 {
		capTokens = 1
	}
	refillPerSecond := limit.MaxTokens / limit.Window.Seconds()

	b.mu.Lock()
	defer b.mu.Unlock()

	elapsed := now.Sub(b.lastRefill).Seconds()
	if elapsed > 0 {
		b.tokens = math.Min(capTokens, b.tokens+elapsed*refillPerSecond)
		b.lastRefill = now
	}
	if b.tokens > capTokens {
		b.tokens = capTokens
	}

	if b.tokens >= 1 {
		b.tokens--
		b.lastRequest = now
		return Decision{
			Allowed:   true,
			Remaining: int(math.Floor(b.tokens)),
			ResetAt:   now.Add(limit.Window),
		}
	}

	// Burst tokens only cover short reactive flurries right after activity.
	if b.burstRemaining > 0 && !b.lastRequest.IsZero() && now.Sub(b.lastRequest) < burstWindow {
		b.burstRemaining--
		b.lastRequest = now
		return Decision{
			Allowed:   true,
			Remaining: 0,
			ResetAt:   now.Add(limit.Window),
		}
	}

	retry := time.Duration(((1 - b.tokens) / refillPerSecond) * float64(time.Second))
	if retry <= 0 {
		retry = time.Millisecond
	}
	return Decision{
		Allowed:    false,
		RetryAfter: retry,
		ResetAt:    now.Add(retry),
	}
}

// Snapshot reports limiter state for the admin surface.
func (l *Limiter) Snapshot() map[string]any {
	if l == nil {
		return nil
	}
	return map[string]any{
		"buckets":   l.BucketCount(),
		"regime":    l.Regime(),
		"incidents": l.Incidents(),
	}
}

// String renders the class table for startup logging.
func (l *Limiter) String() string {
	if l == nil {
		return "<nil limiter>"
	}
	return fmt.Sprintf("limiter(classes=%d, regime=%.2f)", len(l.limits), l.Regime())
}
