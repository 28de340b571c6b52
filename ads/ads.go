/*
Package ads provides the core definitions shared by every layer of this module: convenient aliases
for the xDS protocol types, the [ResourceType] enum describing the four resource types resolved by
the client and their position in the LDS -> RDS -> CDS -> EDS dependency chain, and the decoded,
validated views of the raw resources received from the control plane.
*/
package ads

import (
	cluster "github.com/envoyproxy/go-control-plane/envoy/config/cluster/v3"
	core "github.com/envoyproxy/go-control-plane/envoy/config/core/v3"
	endpoint "github.com/envoyproxy/go-control-plane/envoy/config/endpoint/v3"
	listener "github.com/envoyproxy/go-control-plane/envoy/config/listener/v3"
	route "github.com/envoyproxy/go-control-plane/envoy/config/route/v3"
	hcm "github.com/envoyproxy/go-control-plane/envoy/extensions/filters/network/http_connection_manager/v3"
	discovery "github.com/envoyproxy/go-control-plane/envoy/service/discovery/v3"
	types "github.com/envoyproxy/go-control-plane/pkg/resource/v3"

	"github.com/ariadne-xds/ariadne/internal/utils"
)

// Alias to xDS types, for convenience and brevity.
type (
	// Client is the client-side view of the "Aggregated" discovery service (ADS). All four resource
	// types are multiplexed over the single bidirectional stream it provides, which avoids needing to
	// open one stream per type and makes cross-type ordering tractable.
	Client = discovery.AggregatedDiscoveryServiceClient
	// Stream is an alias for the state-of-the-world client stream type
	// [discovery.AggregatedDiscoveryService_StreamAggregatedResourcesClient].
	Stream = discovery.AggregatedDiscoveryService_StreamAggregatedResourcesClient
	// Node is an alias for the client identity included in the first request of every stream [core.Node].
	Node = core.Node
	// NodeUserAgentVersion is an alias for the user agent version variant of the node identity
	// [core.Node_UserAgentVersion].
	NodeUserAgentVersion = core.Node_UserAgentVersion

	// DiscoveryRequest is an alias for the state-of-the-world request type [discovery.DiscoveryRequest].
	DiscoveryRequest = discovery.DiscoveryRequest
	// DiscoveryResponse is an alias for the state-of-the-world response type
	// [discovery.DiscoveryResponse].
	DiscoveryResponse = discovery.DiscoveryResponse
)

// These aliases mirror the constants declared in [github.com/envoyproxy/go-control-plane/pkg/resource/v3]
type (
	Listener              = listener.Listener
	Route                 = route.RouteConfiguration
	VirtualHost           = route.VirtualHost
	Cluster               = cluster.Cluster
	Endpoint              = endpoint.ClusterLoadAssignment
	HTTPConnectionManager = hcm.HttpConnectionManager
)

// A ResourceType identifies one of the four resource types resolved by the client. The zero value
// is ListenerType, the root of the dependency chain, and the declaration order of the constants
// matches the chain: a Listener references a RouteConfiguration, a RouteConfiguration references
// Clusters and a Cluster references an Endpoint. [ResourceTypes] iterates in that order.
type ResourceType int

const (
	// ListenerType is the root resource type (LDS).
	ListenerType ResourceType = iota
	// RouteType is the routing table resource type (RDS).
	RouteType
	// ClusterType is the upstream cluster resource type (CDS).
	ClusterType
	// EndpointType is the endpoint assignment resource type (EDS).
	EndpointType
)

// ResourceTypes holds the valid [ResourceType] values, in dependency order.
var ResourceTypes = [...]ResourceType{ListenerType, RouteType, ClusterType, EndpointType}

var typeURLs = [...]string{types.ListenerType, types.RouteType, types.ClusterType, types.EndpointType}
var typeNames = [...]string{"Listener", "RouteConfiguration", "Cluster", "ClusterLoadAssignment"}

// URL returns the canonical wire type URL for this type, e.g.
// "type.googleapis.com/envoy.config.listener.v3.Listener".
func (t ResourceType) URL() string {
	return typeURLs[t]
}

func (t ResourceType) String() string {
	return typeNames[t]
}

// FullStateInSotW reports whether every state-of-the-world response for this type must carry the
// complete set of subscribed resources. When true, a previously accepted resource that is absent
// from a subsequent response has been withdrawn by the control plane. Listener and Cluster are the
// only types with this property, everything else behaves pseudo-delta (see
// [utils.IsPseudoDeltaSotW]).
func (t ResourceType) FullStateInSotW() bool {
	return !utils.IsPseudoDeltaSotW(t.URL())
}

// LookupResourceType resolves the given type URL to its [ResourceType]. Returns false if the URL
// does not name one of the four supported types.
func LookupResourceType(typeURL string) (ResourceType, bool) {
	for _, t := range ResourceTypes {
		if t.URL() == typeURL {
			return t, true
		}
	}
	return 0, false
}
