package stream

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/anypb"

	"github.com/ariadne-xds/ariadne/ads"
)

type fakeStream struct {
	grpc.ClientStream

	ctx       context.Context
	requests  chan *ads.DiscoveryRequest
	responses chan *ads.DiscoveryResponse
	recvErr   chan error
}

func newFakeStream(ctx context.Context) *fakeStream {
	return &fakeStream{
		ctx:       ctx,
		requests:  make(chan *ads.DiscoveryRequest, 100),
		responses: make(chan *ads.DiscoveryResponse, 100),
		recvErr:   make(chan error, 1),
	}
}

func (f *fakeStream) Context() context.Context { return f.ctx }

func (f *fakeStream) Send(req *ads.DiscoveryRequest) error {
	f.requests <- req
	return nil
}

func (f *fakeStream) Recv() (*ads.DiscoveryResponse, error) {
	select {
	case resp := <-f.responses:
		return resp, nil
	case err := <-f.recvErr:
		return nil, err
	case <-f.ctx.Done():
		return nil, f.ctx.Err()
	}
}

func (f *fakeStream) expectRequest(t *testing.T) *ads.DiscoveryRequest {
	t.Helper()
	select {
	case req := <-f.requests:
		return req
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for a discovery request")
		return nil
	}
}

func (f *fakeStream) expectNoRequest(t *testing.T) {
	t.Helper()
	select {
	case req := <-f.requests:
		t.Fatalf("expected no discovery request, got %v", req)
	case <-time.After(100 * time.Millisecond):
	}
}

type testHandler struct {
	responses chan ads.ResourceType
	errs      chan error

	mu      sync.Mutex
	nextErr error
}

func newTestHandler() *testHandler {
	return &testHandler{
		responses: make(chan ads.ResourceType, 100),
		errs:      make(chan error, 100),
	}
}

// failNext makes the next OnResponse invocation report a decode failure, triggering a NACK.
func (h *testHandler) failNext(err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.nextErr = err
}

func (h *testHandler) OnResponse(typ ads.ResourceType, version, nonce string, resources []*anypb.Any) error {
	h.responses <- typ
	h.mu.Lock()
	defer h.mu.Unlock()
	err := h.nextErr
	h.nextErr = nil
	return err
}

func (h *testHandler) OnStreamError(err error) {
	h.errs <- err
}

// newStreams returns a NewStream implementation fed by the returned channel, so tests control
// exactly which transport stream each (re)connection attempt yields.
func newStreams(capacity int) (chan *fakeStream, func(ctx context.Context) (ads.Stream, error)) {
	streams := make(chan *fakeStream, capacity)
	return streams, func(streamCtx context.Context) (ads.Stream, error) {
		select {
		case next := <-streams:
			// Like a real transport stream, Recv must unblock when the stream context given to
			// NewStream is cancelled, otherwise Stream.Stop deadlocks.
			next.ctx = streamCtx
			return next, nil
		case <-streamCtx.Done():
			return nil, streamCtx.Err()
		}
	}
}

func TestFirstRequestCarriesNode(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	fs := newFakeStream(ctx)
	streams, newStream := newStreams(1)
	streams <- fs
	handler := newTestHandler()
	s := New(Options{
		NewStream: newStream,
		Node:      &ads.Node{Id: "test-node"},
		Handler:   handler,
		Backoff:   func(int) time.Duration { return 0 },
	})
	t.Cleanup(s.Stop)

	s.SetSubscriptions(ads.ListenerType, []string{"b", "a"})
	req := fs.expectRequest(t)
	require.Equal(t, ads.ListenerType.URL(), req.GetTypeUrl())
	require.Equal(t, "test-node", req.GetNode().GetId())
	require.Equal(t, []string{"a", "b"}, req.GetResourceNames())
	require.Empty(t, req.GetVersionInfo())
	require.Empty(t, req.GetResponseNonce())

	// The node identity is only attached to the first request of the stream.
	s.SetSubscriptions(ads.ClusterType, []string{"c"})
	req = fs.expectRequest(t)
	require.Equal(t, ads.ClusterType.URL(), req.GetTypeUrl())
	require.Nil(t, req.GetNode())
}

func TestAckAndNack(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	fs := newFakeStream(ctx)
	streams, newStream := newStreams(1)
	streams <- fs
	handler := newTestHandler()
	s := New(Options{
		NewStream: newStream,
		Node:      &ads.Node{Id: "test-node"},
		Handler:   handler,
		Backoff:   func(int) time.Duration { return 0 },
	})
	t.Cleanup(s.Stop)

	s.SetSubscriptions(ads.ListenerType, []string{"a"})
	fs.expectRequest(t)

	fs.responses <- &ads.DiscoveryResponse{TypeUrl: ads.ListenerType.URL(), VersionInfo: "1", Nonce: "n1"}
	ack := fs.expectRequest(t)
	require.Equal(t, "1", ack.GetVersionInfo())
	require.Equal(t, "n1", ack.GetResponseNonce())
	require.Nil(t, ack.GetErrorDetail())

	// A response the handler rejects is NACKed with the previously accepted version, the new
	// nonce and an error detail.
	handler.failNext(errors.New("bad resource"))
	fs.responses <- &ads.DiscoveryResponse{TypeUrl: ads.ListenerType.URL(), VersionInfo: "2", Nonce: "n2"}
	nack := fs.expectRequest(t)
	require.Equal(t, "1", nack.GetVersionInfo())
	require.Equal(t, "n2", nack.GetResponseNonce())
	require.Contains(t, nack.GetErrorDetail().GetMessage(), "bad resource")

	// Acceptance resumes from where the NACK left off.
	fs.responses <- &ads.DiscoveryResponse{TypeUrl: ads.ListenerType.URL(), VersionInfo: "3", Nonce: "n3"}
	ack = fs.expectRequest(t)
	require.Equal(t, "3", ack.GetVersionInfo())
	require.Equal(t, "n3", ack.GetResponseNonce())
	require.Nil(t, ack.GetErrorDetail())
}

func TestReconnectResendsSubscriptionsFromScratch(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	fs := newFakeStream(ctx)
	streams, newStream := newStreams(1)
	streams <- fs
	handler := newTestHandler()
	s := New(Options{
		NewStream: newStream,
		Node:      &ads.Node{Id: "test-node"},
		Handler:   handler,
		Backoff:   func(int) time.Duration { return 0 },
	})
	t.Cleanup(s.Stop)

	s.SetSubscriptions(ads.ListenerType, []string{"a"})
	fs.expectRequest(t)
	fs.responses <- &ads.DiscoveryResponse{TypeUrl: ads.ListenerType.URL(), VersionInfo: "7", Nonce: "n7"}
	fs.expectRequest(t)
	require.Equal(t, ads.ListenerType, <-handler.responses)

	// Break the stream. The runner reports the failure and establishes a new stream on which the
	// full subscription state is resent with version and nonce cleared, forcing a full response.
	next := newFakeStream(ctx)
	streams <- next
	fs.recvErr <- errors.New("transport reset")
	require.ErrorContains(t, <-handler.errs, "transport reset")

	req := next.expectRequest(t)
	require.Equal(t, ads.ListenerType.URL(), req.GetTypeUrl())
	require.Equal(t, []string{"a"}, req.GetResourceNames())
	require.Empty(t, req.GetVersionInfo())
	require.Empty(t, req.GetResponseNonce())
	require.Equal(t, "test-node", req.GetNode().GetId())
}

func TestUnchangedSubscriptionsSendNothing(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	fs := newFakeStream(ctx)
	streams, newStream := newStreams(1)
	streams <- fs
	s := New(Options{
		NewStream: newStream,
		Node:      &ads.Node{Id: "test-node"},
		Handler:   newTestHandler(),
		Backoff:   func(int) time.Duration { return 0 },
	})
	t.Cleanup(s.Stop)

	s.SetSubscriptions(ads.RouteType, []string{"r1", "r2"})
	fs.expectRequest(t)

	// Same set, different order: no request goes out.
	s.SetSubscriptions(ads.RouteType, []string{"r2", "r1"})
	fs.expectNoRequest(t)

	s.SetSubscriptions(ads.RouteType, []string{"r1"})
	req := fs.expectRequest(t)
	require.Equal(t, []string{"r1"}, req.GetResourceNames())
}

func TestUnsupportedTypeURLIgnored(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	fs := newFakeStream(ctx)
	streams, newStream := newStreams(1)
	streams <- fs
	handler := newTestHandler()
	s := New(Options{
		NewStream: newStream,
		Node:      &ads.Node{Id: "test-node"},
		Handler:   handler,
		Backoff:   func(int) time.Duration { return 0 },
	})
	t.Cleanup(s.Stop)

	s.SetSubscriptions(ads.ListenerType, []string{"a"})
	fs.expectRequest(t)

	// Neither ACKed, NACKed nor handed to the handler.
	fs.responses <- &ads.DiscoveryResponse{TypeUrl: "type.googleapis.com/envoy.config.core.v3.Node", VersionInfo: "1", Nonce: "n1"}
	fs.expectNoRequest(t)
	require.Empty(t, handler.responses)
}
