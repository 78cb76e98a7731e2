// Package policy implements the per-tenant tool policy gate.
package policy

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"toolgate/internal/domain"
)

// DenialError carries the human-readable reason a tool run was refused.
// The reason is recorded in the audit trail before the denial surfaces.
type DenialError struct {
	Reason string
}

func (e *DenialError) Error() string { return e.Reason }

// Unwrap lets callers match errors.Is(err, domain.ErrPolicyDenied)
func (e *DenialError) Unwrap() error { return domain.ErrPolicyDenied }

// Deny builds a DenialError
func Deny(format string, args ...any) error {
	return &DenialError{Reason: fmt.Sprintf(format, args...)}
}

// DenialReason extracts the reason from a policy denial, or the plain error
// text otherwise
func DenialReason(err error) string {
	var d *DenialError
	if errors.As(err, &d) {
		return d.Reason
	}
	return err.Error()
}

// Gate authorizes tool executions against the tenant's tool policy. Checks
// run cheapest first and short-circuit: known key, policy exists and is
// enabled, key allowlisted, rate window below ceiling.
type Gate struct {
	store   domain.PolicyStore
	limiter *rateLimiter
}

// NewGate creates a policy gate backed by the given policy store
func NewGate(store domain.PolicyStore) *Gate {
	return &Gate{
		store:   store,
		limiter: newRateLimiter(),
	}
}

// Authorize decides whether tenantID may run toolKey now. A nil return
// also consumes one slot in the tenant's rate window.
func (g *Gate) Authorize(ctx context.Context, tenantID string, toolKey domain.ToolKey) (*domain.ToolPolicy, error) {
	if !domain.ValidToolKey(string(toolKey)) {
		return nil, Deny("unknown tool key %q", toolKey)
	}

	pol, err := g.store.GetToolPolicy(ctx, tenantID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, Deny("tools are disabled for this tenant (no policy configured)")
		}
		return nil, fmt.Errorf("loading tool policy: %w", err)
	}

	if !pol.Enabled {
		return nil, Deny("tools are disabled for this tenant")
	}

	if !pol.Allows(toolKey) {
		return nil, Deny("tool %s is not allowed by tenant policy", toolKey)
	}

	if pol.RateLimitPerMinute > 0 && !g.limiter.allow(tenantID, pol.RateLimitPerMinute) {
		return nil, Deny("rate limit exceeded: %d tool calls per minute", pol.RateLimitPerMinute)
	}

	return pol, nil
}

// =============================================================================
// Rate limiting
// =============================================================================

// rateLimiter is a per-tenant sliding one-minute window. Rate limiting is
// the throttle for concurrent runs within a tenant; runs are never
// serialized by a lock.
type rateLimiter struct {
	mu      sync.Mutex
	windows map[string][]time.Time
	now     func() time.Time
}

func newRateLimiter() *rateLimiter {
	return &rateLimiter{
		windows: make(map[string][]time.Time),
		now:     time.Now,
	}
}

// allow records one call for the tenant if the window is below the ceiling
func (l *rateLimiter) allow(tenantID string, perMinute int) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	cutoff := now.Add(-time.Minute)

	window := l.windows[tenantID]
	kept := window[:0]
	for _, t := range window {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}

	if len(kept) >= perMinute {
		l.windows[tenantID] = kept
		return false
	}

	l.windows[tenantID] = append(kept, now)
	return true
}
