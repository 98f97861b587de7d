package policy

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cerberus-gate/cerberus/internal/domain/governance"
)

// DefaultCacheTTL bounds staleness of cached effective sets.
const DefaultCacheTTL = 10 * time.Second

// Resolver computes the effective policy set for a request context:
// a flat scope query, a group-by-winner merge, and a canonical ordering.
type Resolver struct {
	store  Store
	cache  Cache
	ttl    time.Duration
	logger *slog.Logger
	clock  func() time.Time
}

// ResolverOption configures a Resolver.
type ResolverOption func(*Resolver)

// WithCache attaches a KV cache for resolved sets.
func WithCache(c Cache, ttl time.Duration) ResolverOption {
	return func(r *Resolver) {
		r.cache = c
		if ttl > 0 {
			r.ttl = ttl
		}
	}
}

// WithResolverClock substitutes the time source, for tests.
func WithResolverClock(clock func() time.Time) ResolverOption {
	return func(r *Resolver) { r.clock = clock }
}

// NewResolver builds a Resolver over a policy store.
func NewResolver(store Store, logger *slog.Logger, opts ...ResolverOption) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Resolver{
		store:  store,
		ttl:    DefaultCacheTTL,
		logger: logger,
		clock:  time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve returns the effective policy set for a request context.
//
// The cache is consulted first; a cache failure only logs. On a store
// failure the workspace fail mode decides: closed wraps ErrPolicyLoad,
// open returns an empty set and logs the degradation.
func (r *Resolver) Resolve(ctx context.Context, reqCtx *governance.RequestContext) (*governance.EffectivePolicySet, error) {
	if r.cache != nil {
		cached, err := r.cache.Get(ctx, reqCtx.TenantID, reqCtx.WorkspaceID, reqCtx.AgentID)
		if err != nil {
			r.logger.Warn("policy cache read failed", "error", err, "request_id", reqCtx.RequestID)
		} else if cached != nil {
			return cached, nil
		}
	}

	policies, err := r.store.ListForScope(ctx, reqCtx.TenantID, reqCtx.WorkspaceID, reqCtx.AgentID)
	if err != nil {
		if reqCtx.FailMode == governance.FailOpen {
			r.logger.Warn("policy store unreachable, failing open with empty set",
				"error", err, "request_id", reqCtx.RequestID)
			return &governance.EffectivePolicySet{ResolvedAt: r.clock()}, nil
		}
		return nil, fmt.Errorf("%w: %v", governance.ErrPolicyLoad, err)
	}

	set := Merge(policies, reqCtx, r.clock())

	if r.cache != nil {
		if err := r.cache.Set(ctx, reqCtx.TenantID, reqCtx.WorkspaceID, reqCtx.AgentID, set, r.ttl); err != nil {
			r.logger.Warn("policy cache write failed", "error", err, "request_id", reqCtx.RequestID)
		}
	}

	return set, nil
}

// Merge reduces a flat policy list to the effective set: policies are
// grouped by guardrail type, the winner of each group is the row with the
// most specific scope (agent > workspace > tenant) and then the highest
// priority, and the winners are emitted in canonical pipeline order.
func Merge(policies []*Policy, reqCtx *governance.RequestContext, resolvedAt time.Time) *governance.EffectivePolicySet {
	winners := make(map[governance.GuardrailType]*Policy, len(policies))
	for _, p := range policies {
		if !p.Enabled || p.DeletedAt != nil || !p.Matches(reqCtx) {
			continue
		}
		current, ok := winners[p.GuardrailType]
		if !ok || beats(p, current) {
			winners[p.GuardrailType] = p
		}
	}

	set := &governance.EffectivePolicySet{ResolvedAt: resolvedAt}
	for _, t := range governance.CanonicalOrder {
		p, ok := winners[t]
		if !ok {
			continue
		}
		set.Policies = append(set.Policies, governance.EffectivePolicy{
			GuardrailType: p.GuardrailType,
			Action:        p.Action,
			Config:        p.Config,
			Scope:         p.Scope(),
			Priority:      p.Priority,
		})
	}
	return set
}

// beats reports whether a should replace b as a group winner.
func beats(a, b *Policy) bool {
	as, bs := a.Scope().Specificity(), b.Scope().Specificity()
	if as != bs {
		return as > bs
	}
	return a.Priority > b.Priority
}
