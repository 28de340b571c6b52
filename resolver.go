package ariadne

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"time"

	"google.golang.org/protobuf/types/known/anypb"

	"github.com/ariadne-xds/ariadne/ads"
	"github.com/ariadne-xds/ariadne/internal/store"
	"github.com/ariadne-xds/ariadne/internal/syncutil"
	"github.com/ariadne-xds/ariadne/internal/utils"
	clientstats "github.com/ariadne-xds/ariadne/stats/client"
)

// subscriber is the resolver's outbound dependency: declaring the full desired name set per type.
// Satisfied by [stream.Stream], narrowed to an interface so resolver tests can run without a
// network.
type subscriber interface {
	SetSubscriptions(typ ads.ResourceType, names []string)
}

// resolver walks the dependency graph rooted at each watched Listener, declares the resulting
// subscription sets on the stream and delivers a [ConfigSnapshot] to the registered sinks whenever
// a root's subtree becomes complete with new content. All state (the store, the watcher table, the
// delivery bookkeeping) is owned by a single serialized task: the stream's receive path, watch
// registration and expiry timers all funnel their events through the serializer, so closure
// recomputation never observes a half-applied mutation and sinks never run concurrently.
type resolver struct {
	serializer  *syncutil.CallbackSerializer
	store       *store.Store
	subscriber  subscriber
	watchExpiry time.Duration
	stats       clientstats.Handler

	// The fields below are only accessed from serializer callbacks.
	watchers     map[string][]ConfigSink
	lastVersions map[string]map[ads.Reference]string // Versions of every resource in the closure at last delivery.
	lastSnap     map[string]*ConfigSnapshot
	expiryTimers map[ads.Reference]*time.Timer // Running timers for desired resources that have not arrived.
	expired      map[ads.Reference]bool        // Resources whose expiry already fired, cleared on arrival.
}

func newResolver(ctx context.Context, sub subscriber, watchExpiry time.Duration, stats clientstats.Handler) *resolver {
	return &resolver{
		serializer:   syncutil.NewCallbackSerializer(ctx),
		store:        store.New(),
		subscriber:   sub,
		watchExpiry:  watchExpiry,
		stats:        stats,
		watchers:     make(map[string][]ConfigSink),
		lastVersions: make(map[string]map[ads.Reference]string),
		lastSnap:     make(map[string]*ConfigSnapshot),
		expiryTimers: make(map[ads.Reference]*time.Timer),
		expired:      make(map[ads.Reference]bool),
	}
}

// OnResponse decodes every resource in the response. Decoding is all-or-nothing: a single
// malformed resource fails the entire response, which the stream then NACKs, and the store is left
// holding only previously accepted state. On success the store mutation and closure recomputation
// are handed to the resolver task and the response is ACKed.
func (r *resolver) OnResponse(typ ads.ResourceType, version, nonce string, resources []*anypb.Any) error {
	updates := make(map[string]ads.Update, len(resources))
	var errs []error
	for _, raw := range resources {
		update, err := ads.UnmarshalResource(typ, raw)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		updates[update.ResourceName()] = update
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}

	r.serializer.Schedule(func(ctx context.Context) {
		changed := r.store.ApplyResponse(typ, version, updates)
		if len(changed) > 0 {
			slog.Debug("Accepted resources", "type", typ, "version", version, "changed", changed)
		}
		r.recompute(ctx)
	})
	return nil
}

// OnStreamError implements the stream's event handler. Transport failures are recovered by the
// stream's own reconnect loop and previously delivered snapshots remain in effect, so there is
// nothing to do here.
func (r *resolver) OnStreamError(err error) {}

// addWatch registers a sink for the given root. A root already resolved gets its current snapshot
// replayed immediately so late registrants do not wait for the next control plane push, and a root
// already blocked on an expired dependency gets the resolution error replayed for the same reason.
func (r *resolver) addWatch(root string, sink ConfigSink) {
	r.serializer.Schedule(func(ctx context.Context) {
		r.watchers[root] = append(r.watchers[root], sink)
		if snap := r.lastSnap[root]; snap != nil {
			sink.OnUpdate(snap)
		} else {
			_, missing := r.closure(root)
			for _, ref := range missing {
				if r.expired[ref] {
					sink.OnResolutionError(r.resolutionErr(root, ref))
					break
				}
			}
		}
		r.recompute(ctx)
	})
}

// removeWatch drops a previously registered sink. When the last sink for a root goes away the root
// leaves the closure entirely, unsubscribing any resources no other root requires.
func (r *resolver) removeWatch(root string, sink ConfigSink) {
	r.serializer.Schedule(func(ctx context.Context) {
		sinks := r.watchers[root]
		for i, s := range sinks {
			if s == sink {
				r.watchers[root] = append(sinks[:i:i], sinks[i+1:]...)
				break
			}
		}
		if len(r.watchers[root]) == 0 {
			delete(r.watchers, root)
			delete(r.lastSnap, root)
			delete(r.lastVersions, root)
		}
		r.recompute(ctx)
	})
}

// stop cancels all pending expiry timers. The serializer itself is stopped through its context.
func (r *resolver) stop() {
	r.serializer.Schedule(func(context.Context) {
		for ref, timer := range r.expiryTimers {
			timer.Stop()
			delete(r.expiryTimers, ref)
		}
	})
}

// closure walks the references reachable from the given root Listener, splitting them into the
// resolved part (with the version each resource was accepted at) and the references whose target
// has not (yet) arrived. The walk is breadth-first over [ads.Update.References], it never inspects
// concrete types.
func (r *resolver) closure(root string) (versions map[ads.Reference]string, missing []ads.Reference) {
	versions = make(map[ads.Reference]string)
	seen := utils.NewSet[ads.Reference]()
	queue := []ads.Reference{{Type: ads.ListenerType, Name: root}}
	for len(queue) > 0 {
		ref := queue[0]
		queue = queue[1:]
		if !seen.Add(ref) {
			continue
		}
		entry, ok := r.store.Get(ref.Type, ref.Name)
		if !ok {
			missing = append(missing, ref)
			continue
		}
		versions[ref] = entry.Version
		queue = append(queue, entry.Update.References()...)
	}
	return versions, missing
}

// recompute is the resolver's core loop body, re-run after every event: recompute each watched
// root's closure, reconcile the per-type subscription sets and expiry timers against the union of
// all closures, and deliver a snapshot for every root whose subtree is complete with content not
// delivered before. Resolution work is shared: a resource reachable from two roots is fetched and
// stored once.
func (r *resolver) recompute(ctx context.Context) {
	desired := make(map[ads.ResourceType]utils.Set[string], len(ads.ResourceTypes))
	for _, typ := range ads.ResourceTypes {
		desired[typ] = utils.NewSet[string]()
	}
	allMissing := utils.NewSet[ads.Reference]()

	type rootState struct {
		versions map[ads.Reference]string
		missing  []ads.Reference
	}
	roots := make(map[string]rootState, len(r.watchers))

	for root := range r.watchers {
		versions, missing := r.closure(root)
		for ref := range versions {
			desired[ref.Type].Add(ref.Name)
		}
		for _, ref := range missing {
			desired[ref.Type].Add(ref.Name)
			allMissing.Add(ref)
		}
		roots[root] = rootState{versions: versions, missing: missing}
	}

	for _, typ := range ads.ResourceTypes {
		names := make([]string, 0, len(desired[typ]))
		for name := range desired[typ] {
			names = append(names, name)
		}
		r.subscriber.SetSubscriptions(typ, names)
	}

	r.reconcileExpiry(desired, allMissing)

	for root, state := range roots {
		if len(state.missing) > 0 {
			continue
		}
		if maps.Equal(state.versions, r.lastVersions[root]) {
			// Same closure content as last delivery, e.g. a same-version re-delivery or a
			// dependency that was withdrawn and re-resolved unchanged.
			continue
		}
		snap := r.buildSnapshot(root)
		r.lastVersions[root] = state.versions
		r.lastSnap[root] = snap
		slog.Debug("Delivering config snapshot", "root", root, "clusters", len(snap.Clusters))
		for _, sink := range r.watchers[root] {
			sink.OnUpdate(snap)
		}
		if r.stats != nil {
			r.stats.HandleClientEvent(ctx, &clientstats.SnapshotDelivered{Root: root})
		}
	}
}

// reconcileExpiry keeps one running timer per desired-but-absent resource. Arrival of the resource
// stops its timer, and a reference dropping out of every closure does too. A timer that fires
// inside the bounded wait raises a resolution error on every root still requiring the resource.
func (r *resolver) reconcileExpiry(desired map[ads.ResourceType]utils.Set[string], missing utils.Set[ads.Reference]) {
	for ref, timer := range r.expiryTimers {
		if !missing.Contains(ref) {
			timer.Stop()
			delete(r.expiryTimers, ref)
		}
	}
	for ref := range r.expired {
		if !desired[ref.Type].Contains(ref.Name) || !missing.Contains(ref) {
			delete(r.expired, ref)
		}
	}
	for ref := range missing {
		if _, ok := r.expiryTimers[ref]; ok || r.expired[ref] {
			continue
		}
		r.expiryTimers[ref] = time.AfterFunc(r.watchExpiry, func() {
			r.serializer.Schedule(func(ctx context.Context) {
				r.expire(ctx, ref)
			})
		})
	}
}

// expire handles a fired expiry timer: if the resource is still required and still absent, every
// root whose closure needs it is notified that resolution failed. A late arrival after expiry
// resumes the normal flow.
func (r *resolver) expire(ctx context.Context, ref ads.Reference) {
	if _, ok := r.expiryTimers[ref]; !ok {
		// Raced with arrival or unsubscription.
		return
	}
	delete(r.expiryTimers, ref)
	if _, ok := r.store.Get(ref.Type, ref.Name); ok {
		return
	}
	r.expired[ref] = true

	slog.Warn("Resource watch expired", "type", ref.Type, "name", ref.Name, "timeout", r.watchExpiry)
	for root := range r.watchers {
		_, missing := r.closure(root)
		for _, m := range missing {
			if m == ref {
				for _, sink := range r.watchers[root] {
					sink.OnResolutionError(r.resolutionErr(root, ref))
				}
				if r.stats != nil {
					r.stats.HandleClientEvent(ctx, &clientstats.ResolutionFailed{Root: root, Err: r.expiryErr(ref)})
				}
				break
			}
		}
	}
}

func (r *resolver) expiryErr(ref ads.Reference) error {
	return fmt.Errorf("%v %q was not received from the control plane within %v", ref.Type, ref.Name, r.watchExpiry)
}

func (r *resolver) resolutionErr(root string, ref ads.Reference) error {
	return fmt.Errorf("cannot resolve %q: %w", root, r.expiryErr(ref))
}

// buildSnapshot assembles the immutable snapshot for a root whose closure is known to be complete.
func (r *resolver) buildSnapshot(root string) *ConfigSnapshot {
	entry, _ := r.store.Get(ads.ListenerType, root)
	lis := entry.Update.(*ads.ListenerUpdate)
	snap := &ConfigSnapshot{
		Root:     root,
		Listener: lis,
		Clusters: make(map[string]ClusterSnapshot),
	}
	if lis.InlineRouteConfig != nil {
		snap.RouteConfig = lis.InlineRouteConfig
	} else {
		routeEntry, _ := r.store.Get(ads.RouteType, lis.RouteConfigName)
		snap.RouteConfig = routeEntry.Update.(*ads.RouteUpdate)
	}
	for _, ref := range snap.RouteConfig.References() {
		clusterEntry, _ := r.store.Get(ads.ClusterType, ref.Name)
		c := clusterEntry.Update.(*ads.ClusterUpdate)
		endpointsEntry, _ := r.store.Get(ads.EndpointType, c.EDSServiceName)
		snap.Clusters[c.Name] = ClusterSnapshot{
			Cluster:   c,
			Endpoints: endpointsEntry.Update.(*ads.EndpointsUpdate),
		}
	}
	return snap
}
