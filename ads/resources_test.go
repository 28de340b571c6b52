package ads

import (
	"testing"

	core "github.com/envoyproxy/go-control-plane/envoy/config/core/v3"
	"github.com/stretchr/testify/require"
)

func TestListenerReferences(t *testing.T) {
	t.Run("rds reference", func(t *testing.T) {
		l := &ListenerUpdate{Name: "lis", RouteConfigName: "routes"}
		require.Equal(t, []Reference{{Type: RouteType, Name: "routes"}}, l.References())
	})
	t.Run("inline route table references clusters directly", func(t *testing.T) {
		l := &ListenerUpdate{Name: "lis", InlineRouteConfig: &RouteUpdate{
			VirtualHosts: []VirtualHostUpdate{{
				Domains: []string{"*"},
				Routes:  []RouteRule{{PathPrefix: "/", Cluster: "c1"}, {PathPrefix: "/x", Cluster: "c2"}},
			}},
		}}
		require.Equal(t, []Reference{
			{Type: ClusterType, Name: "c1"},
			{Type: ClusterType, Name: "c2"},
		}, l.References())
	})
}

func TestRouteReferencesDeduped(t *testing.T) {
	r := &RouteUpdate{VirtualHosts: []VirtualHostUpdate{
		{Domains: []string{"a"}, Routes: []RouteRule{{Cluster: "c1"}, {Cluster: "c2"}}},
		{Domains: []string{"b"}, Routes: []RouteRule{{Cluster: "c1"}, {NonForwarding: true}}},
	}}
	require.Equal(t, []Reference{
		{Type: ClusterType, Name: "c1"},
		{Type: ClusterType, Name: "c2"},
	}, r.References())
}

func TestVirtualHostFor(t *testing.T) {
	exact := VirtualHostUpdate{Domains: []string{"foo.example.com"}}
	suffix := VirtualHostUpdate{Domains: []string{"*.example.com"}}
	prefix := VirtualHostUpdate{Domains: []string{"foo.*"}}
	catchAll := VirtualHostUpdate{Domains: []string{"*"}}
	r := &RouteUpdate{VirtualHosts: []VirtualHostUpdate{catchAll, prefix, suffix, exact}}

	tests := []struct {
		authority string
		expected  *VirtualHostUpdate
	}{
		{"foo.example.com", &exact},
		{"bar.example.com", &suffix},
		{"foo.other.org", &prefix},
		{"unrelated.io", &catchAll},
	}
	for _, test := range tests {
		got := r.VirtualHostFor(test.authority)
		require.NotNil(t, got, test.authority)
		require.Equal(t, test.expected.Domains, got.Domains, test.authority)
	}

	require.Nil(t, (&RouteUpdate{VirtualHosts: []VirtualHostUpdate{exact}}).VirtualHostFor("nope.io"))
}

func TestRouteForFirstMatchWins(t *testing.T) {
	vh := &VirtualHostUpdate{
		Domains: []string{"*"},
		Routes: []RouteRule{
			{PathPrefix: "/svc", Cluster: "short"},
			{PathPrefix: "/svc/method", Cluster: "long"},
		},
	}
	// Both prefixes match, the first declared rule wins even though the second is longer.
	require.Equal(t, "short", vh.RouteFor("/svc/method").Cluster)
	require.Nil(t, vh.RouteFor("/other"))
}

func TestHealthyAddresses(t *testing.T) {
	e := &EndpointsUpdate{Localities: []LocalityUpdate{
		{Endpoints: []EndpointAddress{
			{Address: "10.0.0.1:80", Health: core.HealthStatus_HEALTHY},
			{Address: "10.0.0.2:80", Health: core.HealthStatus_UNHEALTHY},
		}},
		{Endpoints: []EndpointAddress{
			{Address: "10.0.0.3:80", Health: core.HealthStatus_UNKNOWN},
		}},
	}}
	require.Equal(t, []string{"10.0.0.1:80", "10.0.0.3:80"}, e.HealthyAddresses())
}

func TestLookupResourceType(t *testing.T) {
	for _, typ := range ResourceTypes {
		got, ok := LookupResourceType(typ.URL())
		require.True(t, ok)
		require.Equal(t, typ, got)
	}
	_, ok := LookupResourceType("type.googleapis.com/envoy.config.core.v3.Node")
	require.False(t, ok)
}

func TestFullStateInSotW(t *testing.T) {
	require.True(t, ListenerType.FullStateInSotW())
	require.False(t, RouteType.FullStateInSotW())
	require.True(t, ClusterType.FullStateInSotW())
	require.False(t, EndpointType.FullStateInSotW())
}
