package stream

import (
	"slices"
	"sync"

	"github.com/ariadne-xds/ariadne/ads"
	"github.com/ariadne-xds/ariadne/internal/utils"
)

// SubscriptionManager tracks, per resource type, the set of resource names currently subscribed to
// on the stream. It is pure bookkeeping: reconciling a new desired set reports whether anything
// changed, and the caller decides whether a request needs to go out.
type SubscriptionManager struct {
	mu     sync.Mutex
	active map[ads.ResourceType]utils.Set[string]
}

func NewSubscriptionManager() *SubscriptionManager {
	m := &SubscriptionManager{active: make(map[ads.ResourceType]utils.Set[string], len(ads.ResourceTypes))}
	for _, typ := range ads.ResourceTypes {
		m.active[typ] = utils.NewSet[string]()
	}
	return m
}

// Reconcile replaces the active set for the given type with desired, reporting whether the two
// differed. Duplicate names in desired are collapsed.
func (m *SubscriptionManager) Reconcile(typ ads.ResourceType, desired []string) (changed bool) {
	next := utils.NewSet(desired...)

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active[typ].Equals(next) {
		return false
	}
	m.active[typ] = next
	return true
}

// Names returns the active subscription set for the given type, sorted for deterministic requests.
func (m *SubscriptionManager) Names(typ ads.ResourceType) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	names := make([]string, 0, len(m.active[typ]))
	for name := range m.active[typ] {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// HasSubscriptions reports whether at least one name of the given type is subscribed to.
func (m *SubscriptionManager) HasSubscriptions(typ ads.ResourceType) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.active[typ]) > 0
}
