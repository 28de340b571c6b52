package store

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ariadne-xds/ariadne/ads"
	"github.com/ariadne-xds/ariadne/internal/utils"
)

func listener(name string) ads.Update {
	return &ads.ListenerUpdate{Name: name, RouteConfigName: name + "-routes"}
}

func endpoints(name string) ads.Update {
	return &ads.EndpointsUpdate{Name: name}
}

func TestApplyResponseReportsChanges(t *testing.T) {
	s := New()

	changed := s.ApplyResponse(ads.ListenerType, "1", map[string]ads.Update{"a": listener("a"), "b": listener("b")})
	require.Equal(t, utils.NewSet("a", "b"), changed)

	entry, ok := s.Get(ads.ListenerType, "a")
	require.True(t, ok)
	require.Equal(t, "1", entry.Version)
	require.Equal(t, "a", entry.Update.ResourceName())

	_, ok = s.Get(ads.ListenerType, "missing")
	require.False(t, ok)
}

func TestSameVersionRedeliveryIsNoop(t *testing.T) {
	s := New()
	s.ApplyResponse(ads.ListenerType, "1", map[string]ads.Update{"a": listener("a")})

	changed := s.ApplyResponse(ads.ListenerType, "1", map[string]ads.Update{"a": listener("a")})
	require.Empty(t, changed)
}

func TestFullStateResponseRemovesAbsentNames(t *testing.T) {
	s := New()
	s.ApplyResponse(ads.ListenerType, "1", map[string]ads.Update{"a": listener("a"), "b": listener("b")})

	// Listener responses carry the full state of the world: "b" being absent withdraws it.
	changed := s.ApplyResponse(ads.ListenerType, "2", map[string]ads.Update{"a": listener("a")})
	require.Equal(t, utils.NewSet("a", "b"), changed)

	_, ok := s.Get(ads.ListenerType, "b")
	require.False(t, ok)
	_, ok = s.Get(ads.ListenerType, "a")
	require.True(t, ok)
}

func TestPseudoDeltaResponseMerges(t *testing.T) {
	s := New()
	s.ApplyResponse(ads.EndpointType, "1", map[string]ads.Update{"e1": endpoints("e1")})

	// Endpoint responses are pseudo-delta: a response naming only "e2" does not withdraw "e1".
	changed := s.ApplyResponse(ads.EndpointType, "2", map[string]ads.Update{"e2": endpoints("e2")})
	require.Equal(t, utils.NewSet("e2"), changed)

	_, ok := s.Get(ads.EndpointType, "e1")
	require.True(t, ok)
	_, ok = s.Get(ads.EndpointType, "e2")
	require.True(t, ok)
}

func TestTypesAreIndependent(t *testing.T) {
	s := New()
	s.ApplyResponse(ads.ListenerType, "1", map[string]ads.Update{"a": listener("a")})
	s.ApplyResponse(ads.EndpointType, "1", map[string]ads.Update{"a": endpoints("a")})

	entry, ok := s.Get(ads.ListenerType, "a")
	require.True(t, ok)
	require.IsType(t, &ads.ListenerUpdate{}, entry.Update)

	entry, ok = s.Get(ads.EndpointType, "a")
	require.True(t, ok)
	require.IsType(t, &ads.EndpointsUpdate{}, entry.Update)
}
