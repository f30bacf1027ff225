package ratelimit

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// Unlimited is the sentinel ceiling for identities that bypass counting.
const Unlimited = -1

const (
	defaultWindow      = time.Minute
	defaultAnonCeiling = 30
	warnUtilization    = 0.8
	sweepAge           = 5 // windows older than sweepAge windows are removed
)

// Tier names an authenticated principal's rate class.
type Tier string

const (
	TierAnonymous Tier = "anonymous"
	TierBasic     Tier = "basic"
	TierPro       Tier = "pro"
	TierUnlimited Tier = "unlimited"
)

// Identity resolves who a request counts against: the authenticated
// principal when present, otherwise the remote IP.
type Identity struct {
	Principal string
	IP        string
	Tier      Tier
	Admin     bool
}

// Key returns the counter key for this identity.
func (id Identity) Key() string {
	if id.Principal != "" {
		return "user:" + strings.ToLower(id.Principal)
	}
	return "ip:" + id.IP
}

// Decision is the per-request quota telemetry.
type Decision struct {
	Allowed    bool
	Blocked    bool
	Limit      int
	Remaining  int
	ResetAt    time.Time
	RetryAfter time.Duration
	Warn       bool
}

type window struct {
	count       int
	windowStart time.Time
}

type override struct {
	ceiling   int
	expiresAt time.Time // zero means no expiry
}

// Store persists overrides, blocks, and tier assignments. Mutators write
// the store first, then memory; a failed memory update after a store
// write is an accepted eventual-consistency edge.
type Store interface {
	SaveOverride(identity string, ceiling int, expiresAt time.Time) error
	DeleteOverride(identity string) error
	SaveBlock(identity, reason string, createdAt time.Time) error
	DeleteBlock(identity string) error
	SaveTier(principal string, tier string) error
	DeleteTier(principal string) error
	Load() (overrides map[string]OverrideRow, blocks map[string]string, tiers map[string]string, err error)
}

// OverrideRow is the persisted shape of one override.
type OverrideRow struct {
	Ceiling   int
	ExpiresAt time.Time
}

// Limiter enforces sliding-window ceilings per identity with tier
// defaults, per-identity overrides, blocks, and unconditional admin
// bypass. All window reads and increments happen atomically under one
// mutex.
type Limiter struct {
	windowLen    time.Duration
	anonCeiling  int
	tierCeilings map[Tier]int
	sweepEvery   time.Duration

	mu        sync.Mutex
	windows   map[string]*window
	overrides map[string]override
	blocks    map[string]string
	tiers     map[string]Tier

	store Store
	now   func() time.Time
}

type Options struct {
	// Window is the sliding window length; 0 means one minute.
	Window time.Duration
	// AnonCeiling is the per-IP ceiling for unauthenticated requests.
	AnonCeiling int
	// TierCeilings maps tier name to requests per window. Unlimited is
	// the sentinel, never a literal large number.
	TierCeilings map[Tier]int
	// SweepInterval is the expiry sweep cadence; 0 means once per window.
	SweepInterval time.Duration
	Store         Store
	Now           func() time.Time
}

func New(opts Options) *Limiter {
	windowLen := opts.Window
	if windowLen <= 0 {
		windowLen = defaultWindow
	}
	anon := opts.AnonCeiling
	if anon <= 0 && anon != Unlimited {
		anon = defaultAnonCeiling
	}
	ceilings := opts.TierCeilings
	if ceilings == nil {
		ceilings = map[Tier]int{
			TierBasic:     60,
			TierPro:       600,
			TierUnlimited: Unlimited,
		}
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	sweepEvery := opts.SweepInterval
	if sweepEvery <= 0 {
		sweepEvery = windowLen
	}
	return &Limiter{
		windowLen:    windowLen,
		anonCeiling:  anon,
		tierCeilings: ceilings,
		sweepEvery:   sweepEvery,
		windows:      make(map[string]*window),
		overrides:    make(map[string]override),
		blocks:       make(map[string]string),
		tiers:        make(map[string]Tier),
		store:        opts.Store,
		now:          now,
	}
}

// LoadState primes the in-memory indices from the backing store. Called
// once at startup.
func (l *Limiter) LoadState() error {
	if l.store == nil {
		return nil
	}
	overrides, blocks, tiers, err := l.store.Load()
	if err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	for identity, row := range overrides {
		l.overrides[identity] = override{ceiling: row.Ceiling, expiresAt: row.ExpiresAt}
	}
	for identity, reason := range blocks {
		l.blocks[identity] = reason
	}
	for principal, tier := range tiers {
		l.tiers[strings.ToLower(principal)] = Tier(tier)
	}
	return nil
}

// Check records one request against the identity's window and returns
// the quota decision. The read-compare-increment is a single atomic step
// with respect to concurrent requests for the same identity.
func (l *Limiter) Check(id Identity) Decision {
	if id.Admin {
		return Decision{Allowed: true, Limit: Unlimited, Remaining: Unlimited}
	}

	now := l.now()
	key := id.Key()

	l.mu.Lock()
	defer l.mu.Unlock()

	if _, blocked := l.blocks[key]; blocked {
		return Decision{Blocked: true}
	}

	ceiling := l.ceilingLocked(id, now)
	if ceiling == Unlimited {
		return Decision{Allowed: true, Limit: Unlimited, Remaining: Unlimited}
	}

	w := l.windows[key]
	if w == nil || !now.Before(w.windowStart.Add(l.windowLen)) {
		w = &window{windowStart: now}
		l.windows[key] = w
	}
	resetAt := w.windowStart.Add(l.windowLen)

	if w.count >= ceiling {
		return Decision{
			Limit:      ceiling,
			Remaining:  0,
			ResetAt:    resetAt,
			RetryAfter: resetAt.Sub(now),
		}
	}

	w.count++
	remaining := ceiling - w.count
	return Decision{
		Allowed:   true,
		Limit:     ceiling,
		Remaining: remaining,
		ResetAt:   resetAt,
		Warn:      float64(w.count) >= float64(ceiling)*warnUtilization,
	}
}

func (l *Limiter) ceilingLocked(id Identity, now time.Time) int {
	key := id.Key()
	if ov, ok := l.overrides[key]; ok {
		if ov.expiresAt.IsZero() || now.Before(ov.expiresAt) {
			return ov.ceiling
		}
		delete(l.overrides, key)
	}

	if id.Principal == "" {
		return l.anonCeiling
	}

	tier := id.Tier
	if assigned, ok := l.tiers[strings.ToLower(id.Principal)]; ok {
		tier = assigned
	}
	if ceiling, ok := l.tierCeilings[tier]; ok {
		return ceiling
	}
	return l.anonCeiling
}

// Block rejects every request from the identity until unblocked.
func (l *Limiter) Block(identity, reason string) error {
	if l.store != nil {
		if err := l.store.SaveBlock(identity, reason, l.now()); err != nil {
			return err
		}
	}
	l.mu.Lock()
	l.blocks[identity] = reason
	l.mu.Unlock()
	return nil
}

func (l *Limiter) Unblock(identity string) error {
	if l.store != nil {
		if err := l.store.DeleteBlock(identity); err != nil {
			return err
		}
	}
	l.mu.Lock()
	delete(l.blocks, identity)
	l.mu.Unlock()
	return nil
}

// SetOverride installs a custom ceiling for the identity, independent of
// tier. A zero expiresAt means no expiry.
func (l *Limiter) SetOverride(identity string, ceiling int, expiresAt time.Time) error {
	if l.store != nil {
		if err := l.store.SaveOverride(identity, ceiling, expiresAt); err != nil {
			return err
		}
	}
	l.mu.Lock()
	l.overrides[identity] = override{ceiling: ceiling, expiresAt: expiresAt}
	l.mu.Unlock()
	return nil
}

func (l *Limiter) ClearOverride(identity string) error {
	if l.store != nil {
		if err := l.store.DeleteOverride(identity); err != nil {
			return err
		}
	}
	l.mu.Lock()
	delete(l.overrides, identity)
	l.mu.Unlock()
	return nil
}

// AssignTier pins a principal to a tier regardless of what the request
// claims.
func (l *Limiter) AssignTier(principal string, tier Tier) error {
	if l.store != nil {
		if err := l.store.SaveTier(principal, string(tier)); err != nil {
			return err
		}
	}
	l.mu.Lock()
	l.tiers[strings.ToLower(principal)] = tier
	l.mu.Unlock()
	return nil
}

func (l *Limiter) RemoveTier(principal string) error {
	if l.store != nil {
		if err := l.store.DeleteTier(principal); err != nil {
			return err
		}
	}
	l.mu.Lock()
	delete(l.tiers, strings.ToLower(principal))
	l.mu.Unlock()
	return nil
}

// Sweep removes expired windows and overrides to bound memory. Returns
// the number of entries removed.
func (l *Limiter) Sweep() int {
	now := l.now()
	expireBefore := now.Add(-time.Duration(sweepAge) * l.windowLen)

	l.mu.Lock()
	defer l.mu.Unlock()

	removed := 0
	for key, w := range l.windows {
		if w.windowStart.Before(expireBefore) {
			delete(l.windows, key)
			removed++
		}
	}
	for key, ov := range l.overrides {
		if !ov.expiresAt.IsZero() && !now.Before(ov.expiresAt) {
			delete(l.overrides, key)
			removed++
		}
	}
	return removed
}

// Run sweeps on a fixed schedule until ctx ends.
func (l *Limiter) Run(ctx context.Context) {
	ticker := time.NewTicker(l.sweepEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := l.Sweep(); n > 0 {
				slog.Debug("ratelimit: swept expired entries", "removed", n)
			}
		}
	}
}
