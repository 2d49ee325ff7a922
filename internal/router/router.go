// Package router maps a requested Claude model name to a concrete
// (provider, model) pair per a tiered configuration, and tracks the
// "current selection" for each tier as an atomically swappable cell.
package router

import (
	"strings"
	"sync"

	"github.com/crispinlab/cc-proxy/internal/apierr"
)

// Tier is one of the three routing buckets.
type Tier string

const (
	TierSmall  Tier = "small"
	TierMiddle Tier = "middle"
	TierBig    Tier = "big"
)

// ProviderType distinguishes upstreams that speak OpenAI's wire protocol
// from ones that speak Claude's natively, in which case translation is
// skipped entirely.
type ProviderType string

const (
	ProviderOpenAI    ProviderType = "openai"
	ProviderAnthropic ProviderType = "anthropic"
)

// ProviderModels is one configured provider's capability listing: which
// concrete models it serves at each tier.
type ProviderModels struct {
	Name         string
	Type         ProviderType
	BigModels    []string
	MiddleModels []string
	SmallModels  []string
}

func (p ProviderModels) modelsForTier(t Tier) []string {
	switch t {
	case TierSmall:
		return p.SmallModels
	case TierMiddle:
		return p.MiddleModels
	default:
		return p.BigModels
	}
}

func (p ProviderModels) allModels() []string {
	all := make([]string, 0, len(p.BigModels)+len(p.MiddleModels)+len(p.SmallModels))
	all = append(all, p.BigModels...)
	all = append(all, p.MiddleModels...)
	all = append(all, p.SmallModels...)

	return all
}

// Selection is a resolved (provider, concrete model) pair.
type Selection struct {
	Provider      string
	ConcreteModel string
	Type          ProviderType
}

// Router picks a tier by substring match on the requested model name, then
// resolves the tier's current selection against the configured provider
// catalog. Current-selection cells use copy-on-write: Select takes a read
// lock, UpdateSelection takes a write lock, matching the concurrency model
// in the component design.
type Router struct {
	mu        sync.RWMutex
	providers []ProviderModels
	current   map[Tier]string // "ProviderName:concreteModel" or bare model

	countersMu sync.Mutex
	counters   map[string]int64
}

func New(providers []ProviderModels, defaults map[Tier]string) *Router {
	current := make(map[Tier]string, len(defaults))
	for t, v := range defaults {
		current[t] = v
	}

	return &Router{
		providers: providers,
		current:   current,
		counters:  make(map[string]int64),
	}
}

// tierForModel implements the substring order from the component design:
// haiku -> small, sonnet -> middle, opus -> big, anything else -> big.
func tierForModel(model string) Tier {
	lower := strings.ToLower(model)

	switch {
	case strings.Contains(lower, "haiku"):
		return TierSmall
	case strings.Contains(lower, "sonnet"):
		return TierMiddle
	case strings.Contains(lower, "opus"):
		return TierBig
	default:
		return TierBig
	}
}

// looksConcrete reports whether a model name already names a specific
// upstream model rather than a Claude tier alias — the pass-through
// behavior carried over from the original model manager.
func looksConcrete(model string) bool {
	lower := strings.ToLower(model)
	for _, prefix := range []string{"gpt-", "o1-", "ep-", "doubao-", "deepseek-"} {
		if strings.HasPrefix(lower, prefix) {
			return true
		}
	}

	return false
}

// findProviderForModel returns the first configured provider that lists
// model among its capable models, scanning in configuration order.
func (r *Router) findProviderForModel(model string) (ProviderModels, bool) {
	for _, p := range r.providers {
		for _, m := range p.allModels() {
			if m == model {
				return p, true
			}
		}
	}

	return ProviderModels{}, false
}

// Select resolves the requested Claude model string to a concrete
// selection. It first checks the pass-through case (§12 supplement), then
// falls back to tier substring routing against the tier's current
// selection.
func (r *Router) Select(requestedModel string) (Selection, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if looksConcrete(requestedModel) {
		if p, ok := r.findProviderForModel(requestedModel); ok {
			r.bumpCounter("passthrough:" + requestedModel)
			return Selection{Provider: p.Name, ConcreteModel: requestedModel, Type: p.Type}, nil
		}
	}

	tier := tierForModel(requestedModel)
	r.bumpCounter(string(tier))

	sel := r.current[tier]
	if sel == "" {
		return Selection{}, apierr.New(apierr.KindNoProvider, "no provider advertises tier %q", tier)
	}

	return r.resolveSelectionString(tier, sel)
}

// resolveSelectionString parses a "ProviderName:concreteModel" or bare
// concrete-model selection string into a full Selection.
func (r *Router) resolveSelectionString(tier Tier, sel string) (Selection, error) {
	if name, model, ok := strings.Cut(sel, ":"); ok {
		for _, p := range r.providers {
			if p.Name != name {
				continue
			}

			for _, m := range p.modelsForTier(tier) {
				if m == model {
					return Selection{Provider: p.Name, ConcreteModel: model, Type: p.Type}, nil
				}
			}

			return Selection{}, apierr.New(apierr.KindUnknownModel,
				"provider %q does not list model %q for tier %q", name, model, tier)
		}

		return Selection{}, apierr.New(apierr.KindUnknownModel, "unknown provider %q", name)
	}

	// Bare model name: first provider listing it for this tier wins.
	for _, p := range r.providers {
		for _, m := range p.modelsForTier(tier) {
			if m == sel {
				return Selection{Provider: p.Name, ConcreteModel: sel, Type: p.Type}, nil
			}
		}
	}

	return Selection{}, apierr.New(apierr.KindUnknownModel, "no provider lists model %q for tier %q", sel, tier)
}

// CurrentSelections returns a snapshot of every tier's current-selection
// string, for the /api/config/get surface.
func (r *Router) CurrentSelections() map[Tier]string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[Tier]string, len(r.current))
	for t, v := range r.current {
		out[t] = v
	}

	return out
}

// UpdateSelection validates and atomically swaps a tier's current
// selection. Setting it to its current value is a documented no-op: the
// write still happens but resolves to the same observable state.
func (r *Router) UpdateSelection(tier Tier, sel string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, err := r.resolveSelectionStringLocked(tier, sel); err != nil {
		return err
	}

	r.current[tier] = sel

	return nil
}

func (r *Router) resolveSelectionStringLocked(tier Tier, sel string) (Selection, error) {
	return r.resolveSelectionString(tier, sel)
}

func (r *Router) bumpCounter(key string) {
	r.countersMu.Lock()
	defer r.countersMu.Unlock()
	r.counters[key]++
}

// Counters returns a snapshot of per-tier (and per-passthrough-model)
// request counts, the introspection surface carried over from §12.
func (r *Router) Counters() map[string]int64 {
	r.countersMu.Lock()
	defer r.countersMu.Unlock()

	out := make(map[string]int64, len(r.counters))
	for k, v := range r.counters {
		out[k] = v
	}

	return out
}
