package ariadne

import (
	"github.com/ariadne-xds/ariadne/ads"
)

// A ConfigSnapshot is the fully resolved configuration subtree rooted at a single Listener: the
// listener itself, the routing table it selects (RDS-referenced or inline), and every cluster the
// routing table forwards to along with its endpoint assignment. Snapshots are immutable: a
// configuration change produces a new snapshot, it never mutates a delivered one.
type ConfigSnapshot struct {
	// Root is the name of the Listener this snapshot is rooted at.
	Root string
	// Listener is the resolved root listener.
	Listener *ads.ListenerUpdate
	// RouteConfig is the routing table in effect. Points at Listener.InlineRouteConfig when the
	// listener inlines its routes.
	RouteConfig *ads.RouteUpdate
	// Clusters maps each cluster name referenced by RouteConfig to its resolved state. Every
	// referenced cluster is present, a snapshot is never delivered with holes.
	Clusters map[string]ClusterSnapshot
}

// A ClusterSnapshot pairs a resolved cluster with its endpoint assignment.
type ClusterSnapshot struct {
	Cluster   *ads.ClusterUpdate
	Endpoints *ads.EndpointsUpdate
}

// A ConfigSink receives the resolved configuration for one watched root. Invocations for a given
// registration are strictly ordered and never concurrent. Implementations must not block: both
// methods are invoked from the client's resolver task, and a slow sink delays all other sinks.
type ConfigSink interface {
	// OnUpdate delivers a new snapshot. Called at most once per distinct completed subtree: a
	// response that leaves the resolved subtree unchanged does not produce a call, and an
	// incomplete subtree keeps the previously delivered snapshot current.
	OnUpdate(snapshot *ConfigSnapshot)
	// OnResolutionError reports that the root cannot currently be resolved, e.g. a resource in its
	// subtree failed to decode, was withdrawn, or never arrived within the watch expiry window. A
	// previously delivered snapshot remains in effect until superseded.
	OnResolutionError(err error)
}
