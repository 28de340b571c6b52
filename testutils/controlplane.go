package testutils

import (
	"net"
	"strconv"
	"sync"
	"testing"

	discovery "github.com/envoyproxy/go-control-plane/envoy/service/discovery/v3"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/anypb"

	"github.com/ariadne-xds/ariadne/ads"
	"github.com/ariadne-xds/ariadne/internal/utils"
)

// ControlPlane is an in-process fake ADS server with settable per-type resource snapshots. Every
// call to [ControlPlane.SetResources] bumps the type's version and pushes the new state to all
// connected streams with a matching subscription. It implements the SotW protocol only, and only
// as much of it as the client exercises: ACKs are recognized and left unanswered, NACKs are
// recorded and not retried.
type ControlPlane struct {
	discovery.UnimplementedAggregatedDiscoveryServiceServer

	// Requests receives a copy of every discovery request, for asserting on ACK/NACK and node
	// identity behavior. Buffered; once full, requests are silently dropped.
	Requests chan *ads.DiscoveryRequest

	mu      sync.Mutex
	state   map[ads.ResourceType]*typeSnapshot
	streams map[*cpStream]bool
}

type typeSnapshot struct {
	version   int
	resources map[string]*anypb.Any
}

type cpStream struct {
	stream discovery.AggregatedDiscoveryService_StreamAggregatedResourcesServer

	sendMu sync.Mutex

	mu   sync.Mutex
	subs map[ads.ResourceType]utils.Set[string]
}

func NewControlPlane() *ControlPlane {
	cp := &ControlPlane{
		Requests: make(chan *ads.DiscoveryRequest, 1000),
		state:    make(map[ads.ResourceType]*typeSnapshot, len(ads.ResourceTypes)),
		streams:  make(map[*cpStream]bool),
	}
	for _, typ := range ads.ResourceTypes {
		cp.state[typ] = &typeSnapshot{resources: make(map[string]*anypb.Any)}
	}
	return cp
}

// StartControlPlane serves a new [ControlPlane] on a random localhost port for the duration of the
// test, returning it along with its address.
func StartControlPlane(t testing.TB) (*ControlPlane, string) {
	t.Helper()
	cp := NewControlPlane()

	listener, err := net.Listen("tcp", "localhost:0")
	require.NoError(t, err)

	server := grpc.NewServer()
	discovery.RegisterAggregatedDiscoveryServiceServer(server, cp)
	go func() {
		_ = server.Serve(listener)
	}()
	t.Cleanup(server.Stop)

	return cp, listener.Addr().String()
}

// SetResources replaces the full state of the given type and pushes it to subscribed streams.
// Replacement rather than merge means absent names model control plane removals for the full-state
// types.
func (cp *ControlPlane) SetResources(t testing.TB, typ ads.ResourceType, resources map[string]proto.Message) {
	t.Helper()
	raw := make(map[string]*anypb.Any, len(resources))
	for name, resource := range resources {
		raw[name] = MustMarshalAny(t, resource)
	}
	cp.SetRawResources(typ, raw)
}

// SetRawResources is [ControlPlane.SetResources] without the marshaling step, allowing tests to
// inject malformed resources that the client is expected to NACK.
func (cp *ControlPlane) SetRawResources(typ ads.ResourceType, resources map[string]*anypb.Any) {
	cp.mu.Lock()
	snap := cp.state[typ]
	snap.version++
	snap.resources = resources
	streams := make([]*cpStream, 0, len(cp.streams))
	for cs := range cp.streams {
		streams = append(streams, cs)
	}
	cp.mu.Unlock()

	for _, cs := range streams {
		cp.push(cs, typ)
	}
}

func (cp *ControlPlane) StreamAggregatedResources(stream discovery.AggregatedDiscoveryService_StreamAggregatedResourcesServer) error {
	cs := &cpStream{
		stream: stream,
		subs:   make(map[ads.ResourceType]utils.Set[string], len(ads.ResourceTypes)),
	}
	cp.mu.Lock()
	cp.streams[cs] = true
	cp.mu.Unlock()
	defer func() {
		cp.mu.Lock()
		delete(cp.streams, cs)
		cp.mu.Unlock()
	}()

	for {
		req, err := stream.Recv()
		if err != nil {
			return err
		}
		select {
		case cp.Requests <- req:
		default:
		}

		typ, ok := ads.LookupResourceType(req.GetTypeUrl())
		if !ok {
			continue
		}

		desired := utils.NewSet(req.GetResourceNames()...)
		cs.mu.Lock()
		subscriptionChanged := !cs.subs[typ].Equals(desired)
		cs.subs[typ] = desired
		cs.mu.Unlock()

		if req.GetErrorDetail() != nil {
			// NACK. The corrected state arrives through SetResources, resending the rejected
			// response would just loop.
			continue
		}

		cp.mu.Lock()
		version := cp.state[typ].version
		cp.mu.Unlock()
		if version == 0 {
			// Nothing to serve yet, the subscription is answered by the first SetResources.
			continue
		}
		if subscriptionChanged || req.GetVersionInfo() != strconv.Itoa(version) {
			cp.push(cs, typ)
		}
	}
}

// push sends the current state of the given type restricted to the stream's subscribed names.
// Subscribed names with no backing resource are simply absent from the response.
func (cp *ControlPlane) push(cs *cpStream, typ ads.ResourceType) {
	cs.mu.Lock()
	subscribed := cs.subs[typ]
	cs.mu.Unlock()
	if len(subscribed) == 0 {
		return
	}

	cp.mu.Lock()
	snap := cp.state[typ]
	version := strconv.Itoa(snap.version)
	var resources []*anypb.Any
	for name := range subscribed {
		if raw, ok := snap.resources[name]; ok {
			resources = append(resources, raw)
		}
	}
	cp.mu.Unlock()

	cs.sendMu.Lock()
	defer cs.sendMu.Unlock()
	_ = cs.stream.Send(&ads.DiscoveryResponse{
		TypeUrl:     typ.URL(),
		VersionInfo: version,
		Nonce:       utils.NewNonce(),
		Resources:   resources,
	})
}
