package dedupe

import (
	"fmt"
	"sort"
	"sync"

	"github.com/xelth-com/catalogsync/internal/catalog"
)

// Built-in survivor policies
const (
	PolicyKeepNewest = "keep-newest"
	PolicyKeepOldest = "keep-oldest"
)

// Policy orders the products of a duplicate group so the survivor comes first
type Policy interface {
	Name() string
	Order(products []catalog.ProductSummary)
}

type keepNewest struct{}

func (keepNewest) Name() string { return PolicyKeepNewest }

// Order sorts by created_at descending, ties by id ascending
func (keepNewest) Order(products []catalog.ProductSummary) {
	sort.SliceStable(products, func(i, j int) bool {
		a, b := products[i], products[j]
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.After(b.CreatedAt)
		}
		return a.ID < b.ID
	})
}

type keepOldest struct{}

func (keepOldest) Name() string { return PolicyKeepOldest }

// Order sorts by created_at ascending, ties by id ascending
func (keepOldest) Order(products []catalog.ProductSummary) {
	sort.SliceStable(products, func(i, j int) bool {
		a, b := products[i], products[j]
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})
}

// PolicyRegistry holds the survivor policies selectable by name
type PolicyRegistry struct {
	mu       sync.RWMutex
	policies map[string]Policy
}

// NewPolicyRegistry creates a registry with keep-newest and keep-oldest
func NewPolicyRegistry() *PolicyRegistry {
	r := &PolicyRegistry{policies: make(map[string]Policy)}
	r.policies[PolicyKeepNewest] = keepNewest{}
	r.policies[PolicyKeepOldest] = keepOldest{}
	return r
}

// Register adds a policy
func (r *PolicyRegistry) Register(p Policy) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	name := p.Name()
	if name == "" {
		return fmt.Errorf("policy name cannot be empty")
	}
	if _, exists := r.policies[name]; exists {
		return fmt.Errorf("policy %s is already registered", name)
	}
	r.policies[name] = p
	return nil
}

// Get returns a policy by name. An empty name selects keep-newest.
func (r *PolicyRegistry) Get(name string) (Policy, error) {
	if name == "" {
		name = PolicyKeepNewest
	}
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, exists := r.policies[name]
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrUnknownPolicy, name)
	}
	return p, nil
}

// Names lists the registered policy names in order
func (r *PolicyRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.policies))
	for name := range r.policies {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
