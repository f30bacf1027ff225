package ratelimit

import (
	"testing"
	"time"
)

type fakeClock struct {
	t time.Time
}

func (c *fakeClock) now() time.Time { return c.t }

func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestLimiter(clock *fakeClock, anon int) *Limiter {
	return New(Options{
		Window:      time.Minute,
		AnonCeiling: anon,
		TierCeilings: map[Tier]int{
			TierBasic:     5,
			TierPro:       50,
			TierUnlimited: Unlimited,
		},
		Now: clock.now,
	})
}

func TestWindowCeilingAndReset(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1700000000, 0)}
	l := newTestLimiter(clock, 3)
	id := Identity{IP: "10.0.0.1"}

	for i := 0; i < 3; i++ {
		d := l.Check(id)
		if !d.Allowed {
			t.Fatalf("request %d rejected: %+v", i, d)
		}
		if d.Limit != 3 {
			t.Fatalf("limit = %d", d.Limit)
		}
		if d.Remaining != 3-(i+1) {
			t.Fatalf("remaining after %d = %d", i+1, d.Remaining)
		}
	}

	d := l.Check(id)
	if d.Allowed {
		t.Fatalf("4th request must be rejected")
	}
	if d.RetryAfter <= 0 || d.RetryAfter > time.Minute {
		t.Fatalf("retry after = %s", d.RetryAfter)
	}

	clock.advance(time.Minute + time.Second)
	d = l.Check(id)
	if !d.Allowed {
		t.Fatalf("request after window must succeed: %+v", d)
	}
	if d.Remaining != 2 {
		t.Fatalf("fresh window should start at count 1, remaining = %d", d.Remaining)
	}
}

func TestTierCeilings(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1700000000, 0)}
	l := newTestLimiter(clock, 3)

	basic := Identity{Principal: "alice", Tier: TierBasic}
	for i := 0; i < 5; i++ {
		if d := l.Check(basic); !d.Allowed {
			t.Fatalf("basic request %d rejected", i)
		}
	}
	if d := l.Check(basic); d.Allowed {
		t.Fatalf("basic 6th request must be rejected")
	}

	unlimited := Identity{Principal: "bob", Tier: TierUnlimited}
	for i := 0; i < 1000; i++ {
		d := l.Check(unlimited)
		if !d.Allowed {
			t.Fatalf("unlimited rejected at %d", i)
		}
		if d.Limit != Unlimited {
			t.Fatalf("limit = %d, want sentinel", d.Limit)
		}
	}
}

func TestAdminBypass(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1700000000, 0)}
	l := newTestLimiter(clock, 1)
	admin := Identity{Principal: "root", Tier: TierBasic, Admin: true}
	for i := 0; i < 100; i++ {
		if d := l.Check(admin); !d.Allowed {
			t.Fatalf("admin rejected at %d", i)
		}
	}
}

func TestOverrideBeatsTier(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1700000000, 0)}
	l := newTestLimiter(clock, 3)

	id := Identity{Principal: "alice", Tier: TierBasic} // tier ceiling 5
	if err := l.SetOverride(id.Key(), 2, time.Time{}); err != nil {
		t.Fatalf("set override: %v", err)
	}

	l.Check(id)
	l.Check(id)
	if d := l.Check(id); d.Allowed {
		t.Fatalf("override ceiling of 2 not enforced")
	}

	if err := l.ClearOverride(id.Key()); err != nil {
		t.Fatalf("clear override: %v", err)
	}
	clock.advance(2 * time.Minute)
	for i := 0; i < 5; i++ {
		if d := l.Check(id); !d.Allowed {
			t.Fatalf("tier ceiling should apply again, rejected at %d", i)
		}
	}
}

func TestOverrideExpiry(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1700000000, 0)}
	l := newTestLimiter(clock, 3)
	id := Identity{IP: "10.0.0.9"}

	_ = l.SetOverride(id.Key(), 1, clock.t.Add(30*time.Second))
	l.Check(id)
	if d := l.Check(id); d.Allowed {
		t.Fatalf("override of 1 not enforced")
	}

	clock.advance(2 * time.Minute)
	// override expired: back to anon ceiling 3
	for i := 0; i < 3; i++ {
		if d := l.Check(id); !d.Allowed {
			t.Fatalf("rejected at %d after override expiry", i)
		}
	}
}

func TestBlockedIdentity(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1700000000, 0)}
	l := newTestLimiter(clock, 3)
	id := Identity{IP: "10.0.0.66"}

	if err := l.Block(id.Key(), "abuse"); err != nil {
		t.Fatalf("block: %v", err)
	}
	d := l.Check(id)
	if d.Allowed || !d.Blocked {
		t.Fatalf("blocked identity allowed: %+v", d)
	}

	if err := l.Unblock(id.Key()); err != nil {
		t.Fatalf("unblock: %v", err)
	}
	if d := l.Check(id); !d.Allowed {
		t.Fatalf("unblocked identity rejected: %+v", d)
	}
}

func TestAssignedTierWinsOverClaimed(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1700000000, 0)}
	l := newTestLimiter(clock, 3)

	_ = l.AssignTier("alice", TierUnlimited)
	id := Identity{Principal: "Alice", Tier: TierBasic}
	for i := 0; i < 100; i++ {
		if d := l.Check(id); !d.Allowed {
			t.Fatalf("assigned unlimited tier ignored at %d", i)
		}
	}

	_ = l.RemoveTier("alice")
	clock.advance(2 * time.Minute)
	for i := 0; i < 5; i++ {
		l.Check(id)
	}
	if d := l.Check(id); d.Allowed {
		t.Fatalf("basic ceiling should apply after tier removal")
	}
}

func TestWarnThreshold(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1700000000, 0)}
	l := New(Options{Window: time.Minute, AnonCeiling: 10, Now: clock.now})
	id := Identity{IP: "10.1.1.1"}

	for i := 1; i <= 10; i++ {
		d := l.Check(id)
		if i < 8 && d.Warn {
			t.Fatalf("warn raised too early at %d", i)
		}
		if i >= 8 && !d.Warn {
			t.Fatalf("warn missing at %d", i)
		}
	}
}

func TestSweepRemovesStaleWindows(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1700000000, 0)}
	l := newTestLimiter(clock, 3)

	l.Check(Identity{IP: "10.0.0.1"})
	l.Check(Identity{IP: "10.0.0.2"})
	_ = l.SetOverride("ip:10.0.0.3", 5, clock.t.Add(time.Minute))

	clock.advance(10 * time.Minute)
	removed := l.Sweep()
	if removed != 3 {
		t.Fatalf("swept %d entries, want 3", removed)
	}
}
