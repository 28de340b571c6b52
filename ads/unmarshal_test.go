package ads_test

import (
	"testing"

	cluster "github.com/envoyproxy/go-control-plane/envoy/config/cluster/v3"
	core "github.com/envoyproxy/go-control-plane/envoy/config/core/v3"
	hcm "github.com/envoyproxy/go-control-plane/envoy/extensions/filters/network/http_connection_manager/v3"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/types/known/anypb"

	"github.com/ariadne-xds/ariadne/ads"
	"github.com/ariadne-xds/ariadne/testutils"
)

func TestUnmarshalListener(t *testing.T) {
	t.Run("api listener with rds", func(t *testing.T) {
		raw := testutils.MustMarshalAny(t, testutils.ClientListener(t, "lis", "routes"))
		update, err := ads.UnmarshalResource(ads.ListenerType, raw)
		require.NoError(t, err)
		l := update.(*ads.ListenerUpdate)
		require.Equal(t, "lis", l.Name)
		require.Equal(t, "routes", l.RouteConfigName)
		require.Nil(t, l.InlineRouteConfig)
	})

	t.Run("filter chain with inline route table", func(t *testing.T) {
		raw := testutils.MustMarshalAny(t, testutils.ServerListener(t, "srv"))
		update, err := ads.UnmarshalResource(ads.ListenerType, raw)
		require.NoError(t, err)
		l := update.(*ads.ListenerUpdate)
		require.Empty(t, l.RouteConfigName)
		require.NotNil(t, l.InlineRouteConfig)
		// Inline tables resolve with the listener, they carry no resource name of their own.
		require.Empty(t, l.InlineRouteConfig.Name)
		require.Empty(t, l.References())
		rule := l.InlineRouteConfig.VirtualHosts[0].RouteFor("/any/path")
		require.NotNil(t, rule)
		require.True(t, rule.NonForwarding)
	})

	t.Run("neither api listener nor filter chains", func(t *testing.T) {
		raw := testutils.MustMarshalAny(t, &ads.Listener{Name: "empty"})
		_, err := ads.UnmarshalResource(ads.ListenerType, raw)
		require.ErrorContains(t, err, "neither")
	})

	t.Run("rds reference without a name", func(t *testing.T) {
		lis := testutils.ClientListener(t, "lis", "routes")
		var m hcm.HttpConnectionManager
		require.NoError(t, lis.GetApiListener().GetApiListener().UnmarshalTo(&m))
		m.GetRds().RouteConfigName = ""
		lis.GetApiListener().ApiListener = testutils.MustMarshalAny(t, &m)
		_, err := ads.UnmarshalResource(ads.ListenerType, testutils.MustMarshalAny(t, lis))
		require.ErrorContains(t, err, "missing the route config name")
	})

	t.Run("mismatched type URL", func(t *testing.T) {
		raw := testutils.MustMarshalAny(t, testutils.EDSCluster("c", "e"))
		_, err := ads.UnmarshalResource(ads.ListenerType, raw)
		require.ErrorContains(t, err, "unexpected resource type URL")
	})

	t.Run("garbage payload", func(t *testing.T) {
		raw := testutils.MustMarshalAny(t, testutils.ClientListener(t, "lis", "routes"))
		raw.Value = []byte{0xff, 0xff}
		_, err := ads.UnmarshalResource(ads.ListenerType, raw)
		require.Error(t, err)
	})
}

func TestUnmarshalRouteConfig(t *testing.T) {
	raw := testutils.MustMarshalAny(t, testutils.RouteConfig("routes", "test-server", "cluster0"))
	update, err := ads.UnmarshalResource(ads.RouteType, raw)
	require.NoError(t, err)
	r := update.(*ads.RouteUpdate)
	require.Equal(t, "routes", r.ResourceName())
	require.Equal(t, []ads.Reference{{Type: ads.ClusterType, Name: "cluster0"}}, r.References())

	vh := r.VirtualHostFor("test-server")
	require.NotNil(t, vh)
	require.Equal(t, "cluster0", vh.RouteFor("/service/method").Cluster)
}

func TestUnmarshalCluster(t *testing.T) {
	t.Run("eds cluster", func(t *testing.T) {
		raw := testutils.MustMarshalAny(t, testutils.EDSCluster("cluster0", "eds-service-0"))
		update, err := ads.UnmarshalResource(ads.ClusterType, raw)
		require.NoError(t, err)
		c := update.(*ads.ClusterUpdate)
		require.Equal(t, "eds-service-0", c.EDSServiceName)
		require.Equal(t, cluster.Cluster_ROUND_ROBIN, c.LBPolicy)
		require.Equal(t, []ads.Reference{{Type: ads.EndpointType, Name: "eds-service-0"}}, c.References())
	})

	t.Run("service name defaults to cluster name", func(t *testing.T) {
		raw := testutils.MustMarshalAny(t, testutils.EDSCluster("cluster0", ""))
		update, err := ads.UnmarshalResource(ads.ClusterType, raw)
		require.NoError(t, err)
		require.Equal(t, "cluster0", update.(*ads.ClusterUpdate).EDSServiceName)
	})

	t.Run("non-eds cluster rejected", func(t *testing.T) {
		c := testutils.EDSCluster("cluster0", "eds-service-0")
		c.ClusterDiscoveryType = &cluster.Cluster_Type{Type: cluster.Cluster_STATIC}
		_, err := ads.UnmarshalResource(ads.ClusterType, testutils.MustMarshalAny(t, c))
		require.ErrorContains(t, err, "only EDS is supported")
	})
}

func TestUnmarshalEndpoints(t *testing.T) {
	raw := testutils.MustMarshalAny(t, testutils.Endpoints("eds-service-0", "127.0.0.1", 4242, core.HealthStatus_HEALTHY))
	update, err := ads.UnmarshalResource(ads.EndpointType, raw)
	require.NoError(t, err)
	e := update.(*ads.EndpointsUpdate)
	require.Equal(t, "eds-service-0", e.ResourceName())
	require.Empty(t, e.References())
	require.Equal(t, []string{"127.0.0.1:4242"}, e.HealthyAddresses())
	require.Equal(t, uint32(1), e.Localities[0].Weight)
}

func TestUnmarshalEndpointsMissingAddress(t *testing.T) {
	e := testutils.Endpoints("eds-service-0", "127.0.0.1", 4242, core.HealthStatus_HEALTHY)
	e.Endpoints[0].LbEndpoints[0].GetEndpoint().Address = nil
	_, err := ads.UnmarshalResource(ads.EndpointType, testutils.MustMarshalAny(t, e))
	require.ErrorContains(t, err, "missing a socket address")
}

func TestUnmarshalRejectsUnparseableAny(t *testing.T) {
	raw := &anypb.Any{TypeUrl: ads.RouteType.URL(), Value: []byte("not a proto")}
	_, err := ads.UnmarshalResource(ads.RouteType, raw)
	require.Error(t, err)
}
