// Package store implements the versioned resource store backing the resolver: the last accepted
// body and version of every resource, keyed by (type, name).
package store

import (
	"github.com/ariadne-xds/ariadne/ads"
	"github.com/ariadne-xds/ariadne/internal/utils"
)

// An Entry is the accepted state of a single resource: its decoded body and the version of the
// response it arrived in. Version tokens are server-assigned and compared for equality only, the
// store never orders them.
type Entry struct {
	Version string
	Update  ads.Update
}

// Store maps (resource type, resource name) to the last accepted [Entry]. It is exclusively owned
// by the resolver task: every method must be called from the serialized resolver callback, which
// is what makes the store safe without internal locking.
type Store struct {
	resources map[ads.ResourceType]map[string]Entry
}

func New() *Store {
	s := &Store{resources: make(map[ads.ResourceType]map[string]Entry, len(ads.ResourceTypes))}
	for _, typ := range ads.ResourceTypes {
		s.resources[typ] = make(map[string]Entry)
	}
	return s
}

// ApplyResponse merges the fully decoded contents of one discovery response into the store and
// returns the names whose accepted state changed. Re-delivery of a resource at its already
// accepted version is a no-op for that name. For types that carry the full state of the world in
// every response (see [ads.ResourceType.FullStateInSotW]), stored resources absent from the
// response have been withdrawn by the control plane and are removed; pseudo-delta types only ever
// merge.
//
// The caller guarantees that every resource in updates decoded successfully: responses containing
// any malformed resource are NACKed wholesale and never reach the store.
func (s *Store) ApplyResponse(typ ads.ResourceType, version string, updates map[string]ads.Update) utils.Set[string] {
	changed := utils.NewSet[string]()
	entries := s.resources[typ]

	if typ.FullStateInSotW() {
		for name := range entries {
			if _, ok := updates[name]; !ok {
				delete(entries, name)
				changed.Add(name)
			}
		}
	}

	for name, update := range updates {
		if prev, ok := entries[name]; ok && prev.Version == version {
			continue
		}
		entries[name] = Entry{Version: version, Update: update}
		changed.Add(name)
	}

	return changed
}

// Get returns the accepted entry for the given resource, or false if none has been accepted.
func (s *Store) Get(typ ads.ResourceType, name string) (Entry, bool) {
	e, ok := s.resources[typ][name]
	return e, ok
}
