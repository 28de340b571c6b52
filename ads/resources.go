package ads

import (
	"strings"

	cluster "github.com/envoyproxy/go-control-plane/envoy/config/cluster/v3"
	core "github.com/envoyproxy/go-control-plane/envoy/config/core/v3"
)

// An Update is the decoded, validated view of a resource accepted from the discovery stream. The
// concrete types are [*ListenerUpdate], [*RouteUpdate], [*ClusterUpdate] and [*EndpointsUpdate].
// Each variant knows which resources it references, letting the dependency-closure computation be
// written once over References instead of switching on the concrete type at every step.
type Update interface {
	// ResourceName returns the name of the resource, unique within its type.
	ResourceName() string
	// Type returns the resource's type.
	Type() ResourceType
	// References returns the resources this resource depends on. The closure rooted at a Listener is
	// complete only once every transitively referenced resource is present.
	References() []Reference
}

// A Reference names a resource that another resource depends on.
type Reference struct {
	Type ResourceType
	Name string
}

// ListenerUpdate is the decoded view of an [ads.Listener]. Exactly one of RouteConfigName and
// InlineRouteConfig is set: a client-side API listener names the routing table it requires (an RDS
// reference), while a server-side listener embeds it directly in its filter chain.
type ListenerUpdate struct {
	Name string
	// RouteConfigName is the name of the RouteConfiguration to subscribe to. Empty if the routing
	// table is inlined.
	RouteConfigName string
	// InlineRouteConfig is the routing table embedded in the listener's filter chain. Nil if the
	// listener references an RDS resource instead.
	InlineRouteConfig *RouteUpdate
}

func (l *ListenerUpdate) ResourceName() string { return l.Name }
func (l *ListenerUpdate) Type() ResourceType   { return ListenerType }

func (l *ListenerUpdate) References() []Reference {
	if l.RouteConfigName != "" {
		return []Reference{{Type: RouteType, Name: l.RouteConfigName}}
	}
	// An inline routing table skips the RDS hop and references its clusters directly.
	return l.InlineRouteConfig.References()
}

// RouteUpdate is the decoded view of an [ads.Route] (an RDS RouteConfiguration), or of a routing
// table inlined in a Listener, in which case Name is empty.
type RouteUpdate struct {
	Name         string
	VirtualHosts []VirtualHostUpdate
}

func (r *RouteUpdate) ResourceName() string { return r.Name }
func (r *RouteUpdate) Type() ResourceType   { return RouteType }

func (r *RouteUpdate) References() []Reference {
	var refs []Reference
	seen := make(map[string]struct{})
	for _, vh := range r.VirtualHosts {
		for _, rule := range vh.Routes {
			if rule.Cluster == "" {
				continue
			}
			if _, ok := seen[rule.Cluster]; ok {
				continue
			}
			seen[rule.Cluster] = struct{}{}
			refs = append(refs, Reference{Type: ClusterType, Name: rule.Cluster})
		}
	}
	return refs
}

// VirtualHostFor returns the virtual host that best matches the given authority, or nil if none
// does. Exact domain matches are preferred over suffix wildcards (e.g. "*.example.com"), which are
// preferred over prefix wildcards, which are preferred over the universal wildcard "*". Longer
// wildcard matches beat shorter ones.
func (r *RouteUpdate) VirtualHostFor(authority string) *VirtualHostUpdate {
	var best *VirtualHostUpdate
	bestScore := -1
	for i := range r.VirtualHosts {
		vh := &r.VirtualHosts[i]
		for _, domain := range vh.Domains {
			score, ok := matchDomain(domain, authority)
			if ok && score > bestScore {
				best, bestScore = vh, score
			}
		}
	}
	return best
}

// matchDomain scores how well the given domain pattern matches the host. Higher is better: exact
// matches always win, then longer wildcard patterns.
func matchDomain(domain, host string) (score int, ok bool) {
	switch {
	case domain == "*":
		return 0, true
	case !strings.Contains(domain, "*"):
		if domain == host {
			return 1 << 30, true
		}
		return 0, false
	case strings.HasPrefix(domain, "*"):
		if strings.HasSuffix(host, domain[1:]) {
			return len(domain), true
		}
		return 0, false
	case strings.HasSuffix(domain, "*"):
		if strings.HasPrefix(host, domain[:len(domain)-1]) {
			return len(domain), true
		}
		return 0, false
	default:
		// Wildcards in the middle of a domain are not supported.
		return 0, false
	}
}

// VirtualHostUpdate matches on domain and holds the ordered route rules for that domain.
type VirtualHostUpdate struct {
	Domains []string
	Routes  []RouteRule
}

// RouteFor returns the first rule whose path prefix matches the given path. Rules are evaluated in
// declaration order and the first match wins, independent of prefix length. Returns nil if no rule
// matches.
func (v *VirtualHostUpdate) RouteFor(path string) *RouteRule {
	for i := range v.Routes {
		if strings.HasPrefix(path, v.Routes[i].PathPrefix) {
			return &v.Routes[i]
		}
	}
	return nil
}

// A RouteRule matches a path prefix and either forwards to a named Cluster (client side) or
// terminates in a non-forwarding accept-and-handle action (server side). Exactly one of Cluster and
// NonForwarding is set.
type RouteRule struct {
	PathPrefix string
	// Cluster is the name of the target cluster. Empty for non-forwarding rules.
	Cluster string
	// NonForwarding is true for terminal rules that accept and handle the request locally.
	NonForwarding bool
}

// ClusterUpdate is the decoded view of an [ads.Cluster]. Only EDS clusters are supported: the
// cluster's endpoints are resolved through a separate EDS subscription to EDSServiceName, which may
// differ from the cluster's own name.
type ClusterUpdate struct {
	Name string
	// EDSServiceName is the name of the EndpointType resource backing this cluster. Defaults to the
	// cluster name when the cluster does not specify one.
	EDSServiceName string
	LBPolicy       cluster.Cluster_LbPolicy
}

func (c *ClusterUpdate) ResourceName() string { return c.Name }
func (c *ClusterUpdate) Type() ResourceType   { return ClusterType }

func (c *ClusterUpdate) References() []Reference {
	return []Reference{{Type: EndpointType, Name: c.EDSServiceName}}
}

// EndpointsUpdate is the decoded view of an [ads.Endpoint] (a ClusterLoadAssignment): weighted
// localities, each holding a set of endpoints with their reported health. Health statuses are
// preserved exactly as received, traffic selection based on them happens downstream.
type EndpointsUpdate struct {
	Name       string
	Localities []LocalityUpdate
}

func (e *EndpointsUpdate) ResourceName() string { return e.Name }
func (e *EndpointsUpdate) Type() ResourceType   { return EndpointType }
func (e *EndpointsUpdate) References() []Reference {
	return nil
}

// HealthyAddresses returns the "host:port" addresses of every endpoint eligible for traffic
// selection, across all localities.
func (e *EndpointsUpdate) HealthyAddresses() []string {
	var out []string
	for _, loc := range e.Localities {
		for _, ep := range loc.Endpoints {
			if ep.Healthy() {
				out = append(out, ep.Address)
			}
		}
	}
	return out
}

// LocalityUpdate groups the endpoints of one locality under a load-balancing weight and priority.
type LocalityUpdate struct {
	Weight    uint32
	Priority  uint32
	Endpoints []EndpointAddress
}

// EndpointAddress is a single network endpoint and its health status as reported by the control
// plane.
type EndpointAddress struct {
	// Address is the endpoint's "host:port".
	Address string
	Health  core.HealthStatus
}

// Healthy reports whether the endpoint is eligible for traffic selection. Endpoints with an UNKNOWN
// health status are considered healthy, matching the protocol's default.
func (e EndpointAddress) Healthy() bool {
	return e.Health == core.HealthStatus_HEALTHY || e.Health == core.HealthStatus_UNKNOWN
}
