package ratelimit

import (
	"strconv"
	"testing"
	"time"

	"clanforge/hub/internal/logging"
)

func newTestLimiter(t *testing.T, clock *time.Time, opts ...Option) *Limiter {
	t.Helper()
	opts = append(opts, WithClock(func() time.Time { return *clock }))
	return New(logging.NewTestLogger(), opts...)
}

func TestVotingClassThrottles(t *testing.T) {
	clock := time.Date(2025, time.March, 1, 12, 0, 0, 0, time.UTC)
	limiter := newTestLimiter(t, &clock)

	for i := 0; i < 5; i++ {
		clock = clock.Add(2 * time.Second)
		if d := limiter.Check("u1", ClassAuthVoting, Context{ProposalID: "p1"}); !d.Allowed {
			t.Fatalf("request %d should be allowed", i+1)
		}
	}
	// The fifth consume exhausted the bucket and the burst allowance only
	// covers requests within one second of the previous one.
	clock = clock.Add(2 * time.Second)
	d := limiter.Check("u1", ClassAuthVoting, Context{ProposalID: "p1"})
	if d.Allowed {
		t.Fatal("sixth voting request should be denied")
	}
	if d.RetryAfter <= 0 {
		t.Fatalf("denial must carry a positive retry hint, got %v", d.RetryAfter)
	}
}

func TestBurstAllowanceWithinOneSecond(t *testing.T) {
	clock := time.Date(2025, time.March, 1, 12, 0, 0, 0, time.UTC)
	limits := map[Class]Limit{ClassChatMessage: {MaxTokens: 2, Window: time.Minute, Burst: 2}}
	limiter := newTestLimiter(t, &clock, WithLimits(limits))

	if !limiter.Check("u1", ClassChatMessage, Context{}).Allowed {
		t.Fatal("first message should pass")
	}
	if !limiter.Check("u1", ClassChatMessage, Context{}).Allowed {
		t.Fatal("second message should pass")
	}
	clock = clock.Add(200 * time.Millisecond)
	if !limiter.Check("u1", ClassChatMessage, Context{}).Allowed {
		t.Fatal("burst token should cover a rapid follow-up")
	}
	clock = clock.Add(5 * time.Second)
	if limiter.Check("u1", ClassChatMessage, Context{}).Allowed {
		t.Fatal("burst must not apply after a quiet second")
	}
}

func TestTokenBucketRefillLaw(t *testing.T) {
	clock := time.Date(2025, time.March, 1, 12, 0, 0, 0, time.UTC)
	limits := map[Class]Limit{ClassChatMessage: {MaxTokens: 60, Window: time.Minute, Burst: 0}}
	limiter := newTestLimiter(t, &clock, WithLimits(limits))

	// Drain the bucket completely.
	for i := 0; i < 60; i++ {
		if !limiter.Check("u1", ClassChatMessage, Context{}).Allowed {
			t.Fatalf("drain request %d unexpectedly denied", i)
		}
	}
	if limiter.Check("u1", ClassChatMessage, Context{}).Allowed {
		t.Fatal("drained bucket should deny")
	}

	// 10 idle seconds at 1 token/s restores 10 tokens (one consumed per check).
	clock = clock.Add(10 * time.Second)
	allowed := 0
	for i := 0; i < 12; i++ {
		if limiter.Check("u1", ClassChatMessage, Context{}).Allowed {
			allowed++
		}
	}
	if allowed != 10 {
		t.Fatalf("expected 10 refilled tokens, got %d", allowed)
	}
}

func TestContextsThrottledIndependently(t *testing.T) {
	clock := time.Date(2025, time.March, 1, 12, 0, 0, 0, time.UTC)
	limits := map[Class]Limit{ClassAuthVoting: {MaxTokens: 1, Window: time.Minute, Burst: 0}}
	limiter := newTestLimiter(t, &clock, WithLimits(limits))

	if !limiter.Check("u1", ClassAuthVoting, Context{ProposalID: "p1"}).Allowed {
		t.Fatal("first proposal vote should pass")
	}
	if limiter.Check("u1", ClassAuthVoting, Context{ProposalID: "p1"}).Allowed {
		t.Fatal("second vote on same proposal should be throttled")
	}
	if !limiter.Check("u1", ClassAuthVoting, Context{ProposalID: "p2"}).Allowed {
		t.Fatal("a different proposal owns an independent bucket")
	}
}

func TestExhaustedUserDoesNotStarveOthers(t *testing.T) {
	clock := time.Date(2025, time.March, 1, 12, 0, 0, 0, time.UTC)
	limiter := newTestLimiter(t, &clock)
	ctx := Context{ProposalID: "p1"}

	// u1 drains its own voting bucket and keeps hammering past the limit.
	for i := 0; i < 10; i++ {
		clock = clock.Add(2 * time.Second)
		limiter.Check("u1", ClassAuthVoting, ctx)
	}
	clock = clock.Add(2 * time.Second)
	if limiter.Check("u1", ClassAuthVoting, ctx).Allowed {
		t.Fatal("u1 should be throttled by now")
	}
	d := limiter.Check("u2", ClassAuthVoting, ctx)
	if !d.Allowed {
		t.Fatalf("u2 must not inherit u1's exhaustion, got %+v", d)
	}
}

func TestSharedCapacityStillBounds(t *testing.T) {
	clock := time.Date(2025, time.March, 1, 12, 0, 0, 0, time.UTC)
	limits := map[Class]Limit{ClassAuthVoting: {MaxTokens: 1, Window: time.Hour, Burst: 0}}
	limiter := newTestLimiter(t, &clock, WithLimits(limits))

	// The shared bucket carries globalCapacityFactor tokens for a one-token
	// row; distinct identifiers drain it one token each.
	for i := 0; i < globalCapacityFactor; i++ {
		d := limiter.Check("user-"+strconv.Itoa(i), ClassAuthVoting, Context{})
		if !d.Allowed {
			t.Fatalf("identifier %d should pass before the shared cap, got %+v", i, d)
		}
	}
	if limiter.Check("fresh-user", ClassAuthVoting, Context{}).Allowed {
		t.Fatal("shared capacity exhausted, fresh identifier must be denied")
	}
}

func TestUnknownClassFailsOpen(t *testing.T) {
	clock := time.Date(2025, time.March, 1, 12, 0, 0, 0, time.UTC)
	limiter := newTestLimiter(t, &clock)

	d := limiter.Check("u1", Class("made.up"), Context{})
	if !d.Allowed || d.Remaining != 1 {
		t.Fatalf("unknown class must fail open, got %+v", d)
	}
	if limiter.Incidents() != 1 {
		t.Fatalf("fail-open must record an incident, got %d", limiter.Incidents())
	}
}

func TestRegimeTightensCapacity(t *testing.T) {
	clock := time.Date(2025, time.March, 1, 12, 0, 0, 0, time.UTC)
	limits := map[Class]Limit{ClassChatMessage: {MaxTokens: 10, Window: time.Minute, Burst: 0}}
	limiter := newTestLimiter(t, &clock, WithLimits(limits))

	limiter.SetRegime(0.5)
	allowed := 0
	for i := 0; i < 10; i++ {
		if limiter.Check("u1", ClassChatMessage, Context{}).Allowed {
			allowed++
		}
	}
	if allowed != 5 {
		t.Fatalf("expected halved capacity under tight regime, got %d", allowed)
	}

	limiter.SetRegime(1)
	if limiter.Regime() != 1 {
		t.Fatalf("expected regime restored, got %v", limiter.Regime())
	}
}
