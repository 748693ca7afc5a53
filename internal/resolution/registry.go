// Package resolution decides who won a market. Adapters are picked by an
// ordered table: source-prefix overrides first, then category rules.
package resolution

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/alanyoungcy/predictamm/internal/domain"
)

// Adapter resolves one market. A result of domain.ResultPending means the
// source has not decided yet and the caller should try again later.
type Adapter interface {
	Name() string
	Resolve(ctx context.Context, m domain.Market) (domain.SettlementOutcome, error)
}

type categoryRule struct {
	category domain.Category
	adapter  Adapter
}

type prefixRule struct {
	prefix  string
	adapter Adapter
}

// Registry is the adapter lookup table. It is built once at startup and is
// read-only afterwards.
type Registry struct {
	overrides []prefixRule
	rules     []categoryRule
	now       func() time.Time
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{now: func() time.Time { return time.Now().UTC() }}
}

// Register appends a category rule. Earlier rules win.
func (r *Registry) Register(category domain.Category, a Adapter) *Registry {
	r.rules = append(r.rules, categoryRule{category: category, adapter: a})
	return r
}

// Override routes every market whose resolution source starts with prefix
// to a, regardless of category. Earlier overrides win.
func (r *Registry) Override(prefix string, a Adapter) *Registry {
	r.overrides = append(r.overrides, prefixRule{prefix: prefix, adapter: a})
	return r
}

// Select returns the adapter for m.
func (r *Registry) Select(m domain.Market) (Adapter, error) {
	for _, o := range r.overrides {
		if strings.HasPrefix(m.ResolutionSource, o.prefix) {
			return o.adapter, nil
		}
	}
	for _, rule := range r.rules {
		if rule.category == m.Category {
			return rule.adapter, nil
		}
	}
	return nil, domain.Errorf(domain.ErrNotFound, "no resolution adapter for market %s (category %q)", m.ID, m.Category)
}

// Resolve selects an adapter and runs it. The returned outcome always carries
// the adapter name and a resolution time.
func (r *Registry) Resolve(ctx context.Context, m domain.Market) (domain.SettlementOutcome, error) {
	a, err := r.Select(m)
	if err != nil {
		return domain.SettlementOutcome{}, err
	}
	out, err := a.Resolve(ctx, m)
	if err != nil {
		return domain.SettlementOutcome{}, fmt.Errorf("resolution: %s adapter for %s: %w", a.Name(), m.ID, err)
	}
	out.Adapter = a.Name()
	if out.ResolvedAt.IsZero() {
		out.ResolvedAt = r.now()
	}
	return out, nil
}
