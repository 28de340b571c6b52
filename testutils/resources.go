package testutils

import (
	"testing"

	cluster "github.com/envoyproxy/go-control-plane/envoy/config/cluster/v3"
	core "github.com/envoyproxy/go-control-plane/envoy/config/core/v3"
	endpoint "github.com/envoyproxy/go-control-plane/envoy/config/endpoint/v3"
	listener "github.com/envoyproxy/go-control-plane/envoy/config/listener/v3"
	route "github.com/envoyproxy/go-control-plane/envoy/config/route/v3"
	hcm "github.com/envoyproxy/go-control-plane/envoy/extensions/filters/network/http_connection_manager/v3"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/anypb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/ariadne-xds/ariadne/ads"
)

// MustMarshalAny wraps the given message in an [anypb.Any], failing the test on error.
func MustMarshalAny(t testing.TB, m proto.Message) *anypb.Any {
	t.Helper()
	a, err := anypb.New(m)
	require.NoError(t, err)
	return a
}

func adsConfigSource() *core.ConfigSource {
	return &core.ConfigSource{
		ConfigSourceSpecifier: &core.ConfigSource_Ads{Ads: &core.AggregatedConfigSource{}},
	}
}

// ClientListener returns an API listener whose routing table arrives by RDS reference, the shape a
// client resolving a target authority receives.
func ClientListener(t testing.TB, name, routeConfigName string) *ads.Listener {
	t.Helper()
	m := &ads.HTTPConnectionManager{
		RouteSpecifier: &hcm.HttpConnectionManager_Rds{
			Rds: &hcm.Rds{
				RouteConfigName: routeConfigName,
				ConfigSource:    adsConfigSource(),
			},
		},
	}
	return &ads.Listener{
		Name:        name,
		ApiListener: &listener.ApiListener{ApiListener: MustMarshalAny(t, m)},
	}
}

// ServerListener returns a listener with the routing table inlined in its filter chain: a single
// catch-all virtual host whose routes terminate in a non-forwarding action, the shape a server
// resolving its bind address receives.
func ServerListener(t testing.TB, name string) *ads.Listener {
	t.Helper()
	m := &ads.HTTPConnectionManager{
		RouteSpecifier: &hcm.HttpConnectionManager_RouteConfig{
			RouteConfig: &ads.Route{
				Name: "inline",
				VirtualHosts: []*ads.VirtualHost{{
					Name:    "local",
					Domains: []string{"*"},
					Routes: []*route.Route{{
						Match:  &route.RouteMatch{PathSpecifier: &route.RouteMatch_Prefix{Prefix: "/"}},
						Action: &route.Route_NonForwardingAction{NonForwardingAction: &route.NonForwardingAction{}},
					}},
				}},
			},
		},
	}
	return &ads.Listener{
		Name: name,
		FilterChains: []*listener.FilterChain{{
			Filters: []*listener.Filter{{
				Name:       "hcm",
				ConfigType: &listener.Filter_TypedConfig{TypedConfig: MustMarshalAny(t, m)},
			}},
		}},
	}
}

// RouteConfig returns a route configuration with a single virtual host matching the given domain
// and forwarding every path to the given cluster.
func RouteConfig(name, domain, clusterName string) *ads.Route {
	return &ads.Route{
		Name: name,
		VirtualHosts: []*ads.VirtualHost{{
			Name:    name + "-vh",
			Domains: []string{domain},
			Routes: []*route.Route{{
				Match: &route.RouteMatch{PathSpecifier: &route.RouteMatch_Prefix{Prefix: ""}},
				Action: &route.Route_Route{Route: &route.RouteAction{
					ClusterSpecifier: &route.RouteAction_Cluster{Cluster: clusterName},
				}},
			}},
		}},
	}
}

// EDSCluster returns a round-robin EDS cluster resolving its endpoints through the aggregated
// stream under the given service name.
func EDSCluster(name, edsServiceName string) *ads.Cluster {
	return &ads.Cluster{
		Name:                 name,
		ClusterDiscoveryType: &cluster.Cluster_Type{Type: cluster.Cluster_EDS},
		EdsClusterConfig: &cluster.Cluster_EdsClusterConfig{
			EdsConfig:   adsConfigSource(),
			ServiceName: edsServiceName,
		},
		LbPolicy: cluster.Cluster_ROUND_ROBIN,
	}
}

// Endpoints returns an endpoint assignment with a single locality holding one endpoint.
func Endpoints(name, host string, port uint32, health core.HealthStatus) *ads.Endpoint {
	return &ads.Endpoint{
		ClusterName: name,
		Endpoints: []*endpoint.LocalityLbEndpoints{{
			Locality:            &core.Locality{Region: "region", Zone: "zone"},
			LoadBalancingWeight: wrapperspb.UInt32(1),
			Priority:            0,
			LbEndpoints: []*endpoint.LbEndpoint{{
				HealthStatus: health,
				HostIdentifier: &endpoint.LbEndpoint_Endpoint{Endpoint: &endpoint.Endpoint{
					Address: &core.Address{Address: &core.Address_SocketAddress{SocketAddress: &core.SocketAddress{
						Address:       host,
						PortSpecifier: &core.SocketAddress_PortValue{PortValue: port},
					}}},
				}},
			}},
		}},
	}
}
