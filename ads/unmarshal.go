package ads

import (
	"errors"
	"fmt"
	"net"
	"strconv"

	cluster "github.com/envoyproxy/go-control-plane/envoy/config/cluster/v3"
	endpoint "github.com/envoyproxy/go-control-plane/envoy/config/endpoint/v3"
	listener "github.com/envoyproxy/go-control-plane/envoy/config/listener/v3"
	route "github.com/envoyproxy/go-control-plane/envoy/config/route/v3"
	hcm "github.com/envoyproxy/go-control-plane/envoy/extensions/filters/network/http_connection_manager/v3"
	"google.golang.org/protobuf/types/known/anypb"
)

// UnmarshalResource decodes and validates a single resource received in a discovery response. A
// non-nil error means the resource is malformed and the whole response must be NACKed, leaving
// previously accepted state untouched.
func UnmarshalResource(typ ResourceType, raw *anypb.Any) (Update, error) {
	if url := raw.GetTypeUrl(); url != typ.URL() {
		return nil, fmt.Errorf("unexpected resource type URL %q in %v response", url, typ)
	}
	switch typ {
	case ListenerType:
		return unmarshalListener(raw)
	case RouteType:
		return unmarshalRouteConfig(raw)
	case ClusterType:
		return unmarshalCluster(raw)
	case EndpointType:
		return unmarshalEndpoints(raw)
	default:
		return nil, fmt.Errorf("unsupported resource type %d", typ)
	}
}

func unmarshalListener(raw *anypb.Any) (*ListenerUpdate, error) {
	var l listener.Listener
	if err := raw.UnmarshalTo(&l); err != nil {
		return nil, fmt.Errorf("failed to unmarshal Listener: %w", err)
	}
	if l.GetName() == "" {
		return nil, errors.New("Listener is missing a name")
	}
	update := &ListenerUpdate{Name: l.GetName()}

	switch {
	case l.GetApiListener() != nil:
		// Client-side API listener: the HttpConnectionManager inside it either names an RDS resource
		// or inlines the routing table.
		var m hcm.HttpConnectionManager
		if err := l.GetApiListener().GetApiListener().UnmarshalTo(&m); err != nil {
			return nil, fmt.Errorf("Listener %q: failed to unmarshal api_listener: %w", l.GetName(), err)
		}
		if err := applyRouteSpecifier(update, &m); err != nil {
			return nil, err
		}
	case len(l.GetFilterChains()) > 0:
		// Server-side listener: find the connection manager in the filter chains.
		m, err := connectionManagerFromChains(l.GetFilterChains())
		if err != nil {
			return nil, fmt.Errorf("Listener %q: %w", l.GetName(), err)
		}
		if err := applyRouteSpecifier(update, m); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("Listener %q carries neither an api_listener nor filter_chains", l.GetName())
	}

	return update, nil
}

func applyRouteSpecifier(update *ListenerUpdate, m *hcm.HttpConnectionManager) error {
	switch rs := m.GetRouteSpecifier().(type) {
	case *hcm.HttpConnectionManager_Rds:
		if rs.Rds.GetRouteConfigName() == "" {
			return fmt.Errorf("Listener %q: RDS reference is missing the route config name", update.Name)
		}
		update.RouteConfigName = rs.Rds.GetRouteConfigName()
	case *hcm.HttpConnectionManager_RouteConfig:
		inline, err := convertRouteConfig(rs.RouteConfig)
		if err != nil {
			return fmt.Errorf("Listener %q: invalid inline route config: %w", update.Name, err)
		}
		// Inline routing tables are anonymous, they resolve with the listener itself.
		inline.Name = ""
		update.InlineRouteConfig = inline
	default:
		return fmt.Errorf("Listener %q: unsupported route specifier %T", update.Name, rs)
	}
	return nil
}

func connectionManagerFromChains(chains []*listener.FilterChain) (*hcm.HttpConnectionManager, error) {
	for _, chain := range chains {
		for _, filter := range chain.GetFilters() {
			tc := filter.GetTypedConfig()
			if tc.MessageIs((*hcm.HttpConnectionManager)(nil)) {
				var m hcm.HttpConnectionManager
				if err := tc.UnmarshalTo(&m); err != nil {
					return nil, fmt.Errorf("filter %q: failed to unmarshal HttpConnectionManager: %w", filter.GetName(), err)
				}
				return &m, nil
			}
		}
	}
	return nil, errors.New("no HttpConnectionManager found in filter_chains")
}

func unmarshalRouteConfig(raw *anypb.Any) (*RouteUpdate, error) {
	var rc route.RouteConfiguration
	if err := raw.UnmarshalTo(&rc); err != nil {
		return nil, fmt.Errorf("failed to unmarshal RouteConfiguration: %w", err)
	}
	if rc.GetName() == "" {
		return nil, errors.New("RouteConfiguration is missing a name")
	}
	update, err := convertRouteConfig(&rc)
	if err != nil {
		return nil, fmt.Errorf("RouteConfiguration %q: %w", rc.GetName(), err)
	}
	return update, nil
}

func convertRouteConfig(rc *route.RouteConfiguration) (*RouteUpdate, error) {
	update := &RouteUpdate{Name: rc.GetName()}
	for _, vh := range rc.GetVirtualHosts() {
		if len(vh.GetDomains()) == 0 {
			return nil, fmt.Errorf("virtual host %q matches no domains", vh.GetName())
		}
		vhUpdate := VirtualHostUpdate{Domains: vh.GetDomains()}
		for _, r := range vh.GetRoutes() {
			rule, err := convertRoute(r)
			if err != nil {
				return nil, fmt.Errorf("virtual host %q: %w", vh.GetName(), err)
			}
			vhUpdate.Routes = append(vhUpdate.Routes, rule)
		}
		update.VirtualHosts = append(update.VirtualHosts, vhUpdate)
	}
	return update, nil
}

func convertRoute(r *route.Route) (RouteRule, error) {
	var rule RouteRule

	switch m := r.GetMatch().GetPathSpecifier().(type) {
	case *route.RouteMatch_Prefix:
		rule.PathPrefix = m.Prefix
	case nil:
		return rule, errors.New("route has no match")
	default:
		return rule, fmt.Errorf("unsupported path specifier %T", m)
	}

	switch a := r.GetAction().(type) {
	case *route.Route_Route:
		if a.Route.GetCluster() == "" {
			return rule, errors.New("route action does not name a cluster")
		}
		rule.Cluster = a.Route.GetCluster()
	case *route.Route_NonForwardingAction:
		rule.NonForwarding = true
	default:
		return rule, fmt.Errorf("unsupported route action %T", a)
	}

	return rule, nil
}

func unmarshalCluster(raw *anypb.Any) (*ClusterUpdate, error) {
	var c cluster.Cluster
	if err := raw.UnmarshalTo(&c); err != nil {
		return nil, fmt.Errorf("failed to unmarshal Cluster: %w", err)
	}
	if c.GetName() == "" {
		return nil, errors.New("Cluster is missing a name")
	}
	if c.GetType() != cluster.Cluster_EDS {
		return nil, fmt.Errorf("Cluster %q: unsupported discovery type %v, only EDS is supported", c.GetName(), c.GetType())
	}
	if c.GetEdsClusterConfig().GetEdsConfig().GetAds() == nil {
		return nil, fmt.Errorf("Cluster %q: EDS config source must be the aggregated stream", c.GetName())
	}

	update := &ClusterUpdate{
		Name:           c.GetName(),
		EDSServiceName: c.GetEdsClusterConfig().GetServiceName(),
		LBPolicy:       c.GetLbPolicy(),
	}
	if update.EDSServiceName == "" {
		update.EDSServiceName = c.GetName()
	}
	return update, nil
}

func unmarshalEndpoints(raw *anypb.Any) (*EndpointsUpdate, error) {
	var cla endpoint.ClusterLoadAssignment
	if err := raw.UnmarshalTo(&cla); err != nil {
		return nil, fmt.Errorf("failed to unmarshal ClusterLoadAssignment: %w", err)
	}
	if cla.GetClusterName() == "" {
		return nil, errors.New("ClusterLoadAssignment is missing a cluster name")
	}

	update := &EndpointsUpdate{Name: cla.GetClusterName()}
	for _, loc := range cla.GetEndpoints() {
		locUpdate := LocalityUpdate{
			Weight:   loc.GetLoadBalancingWeight().GetValue(),
			Priority: loc.GetPriority(),
		}
		for _, lb := range loc.GetLbEndpoints() {
			sock := lb.GetEndpoint().GetAddress().GetSocketAddress()
			if sock == nil {
				return nil, fmt.Errorf("ClusterLoadAssignment %q: endpoint is missing a socket address", cla.GetClusterName())
			}
			locUpdate.Endpoints = append(locUpdate.Endpoints, EndpointAddress{
				Address: net.JoinHostPort(sock.GetAddress(), strconv.Itoa(int(sock.GetPortValue()))),
				Health:  lb.GetHealthStatus(),
			})
		}
		update.Localities = append(update.Localities, locUpdate)
	}
	return update, nil
}
