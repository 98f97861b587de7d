package governance

import (
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// Deps carries the shared infrastructure injected into evaluator
// constructors.
type Deps struct {
	// Counters is the rate-limit counter backend.
	Counters CounterStore
	// Logger receives evaluator diagnostics.
	Logger *slog.Logger
	// Clock supplies the current time; tests substitute a fixed one.
	Clock func() time.Time
}

func (d Deps) withDefaults() Deps {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.Clock == nil {
		d.Clock = time.Now
	}
	return d
}

// Constructor builds an evaluator from a resolved policy entry.
type Constructor func(p EffectivePolicy, deps Deps) (*Evaluator, error)

// CanonicalOrder is the fixed evaluation order: cheap structural checks
// first, content-scanning checks last.
var CanonicalOrder = []GuardrailType{
	TypeRBAC,
	TypeRateLimitPerMinute,
	TypeRateLimitPerHour,
	TypePIISSN,
	TypePIICreditCard,
	TypePIIEmail,
	TypePIIPhone,
	TypePIIIPAddress,
	TypeContentLargeDocuments,
	TypeContentStructuredData,
	TypeContentSourceCode,
}

// Registry maps guardrail types to evaluator constructors.
type Registry struct {
	constructors map[GuardrailType]Constructor
	deps         Deps
}

// NewRegistry builds a registry with all built-in guardrails registered.
func NewRegistry(deps Deps) *Registry {
	r := &Registry{
		constructors: make(map[GuardrailType]Constructor),
		deps:         deps.withDefaults(),
	}

	r.Register(TypeRBAC, newRBACEvaluator)
	r.Register(TypeRateLimitPerMinute, newRateLimitEvaluator)
	r.Register(TypeRateLimitPerHour, newRateLimitEvaluator)
	for t := range piiDetectors {
		r.Register(t, newPIIEvaluator)
	}
	r.Register(TypeContentLargeDocuments, newContentSizeEvaluator)
	r.Register(TypeContentStructuredData, newContentSizeEvaluator)
	r.Register(TypeContentSourceCode, newContentSizeEvaluator)

	return r
}

// Register installs a constructor for a guardrail type.
func (r *Registry) Register(t GuardrailType, c Constructor) {
	r.constructors[t] = c
}

// Build instantiates evaluators for an effective policy set in canonical
// order. Policies referencing unknown guardrail types are skipped with a
// warning: they come from control planes newer than this binary. A policy
// whose constructor fails is a different matter, that guardrail was
// configured to enforce and cannot; the failure is returned alongside the
// evaluators that did build, so the caller can apply the workspace fail
// mode instead of silently running without enforcement.
func (r *Registry) Build(set *EffectivePolicySet) ([]*Evaluator, error) {
	byType := make(map[GuardrailType]*EffectivePolicy, len(set.Policies))
	for i := range set.Policies {
		p := &set.Policies[i]
		if _, known := r.constructors[p.GuardrailType]; !known {
			r.deps.Logger.Warn("skipping unknown guardrail type",
				"guardrail_type", p.GuardrailType)
			continue
		}
		byType[p.GuardrailType] = p
	}

	var buildErrs []error
	evaluators := make([]*Evaluator, 0, len(byType))
	for _, t := range CanonicalOrder {
		p, ok := byType[t]
		if !ok {
			continue
		}
		ev, err := r.constructors[t](*p, r.deps)
		if err != nil {
			r.deps.Logger.Warn("guardrail construction failed",
				"guardrail_type", t, "error", err)
			buildErrs = append(buildErrs, fmt.Errorf("%s: %w", t, err))
			continue
		}
		evaluators = append(evaluators, ev)
	}
	return evaluators, errors.Join(buildErrs...)
}
