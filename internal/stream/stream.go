// Package stream implements the client side of the aggregated discovery stream: a single
// bidirectional stream over which all four resource types are requested, with per-type version and
// nonce bookkeeping, ACK/NACK semantics and reconnection with exponential backoff.
package stream

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"
	cpb "google.golang.org/genproto/googleapis/rpc/code"
	statuspb "google.golang.org/genproto/googleapis/rpc/status"
	"google.golang.org/protobuf/types/known/anypb"

	"github.com/ariadne-xds/ariadne/ads"
	"github.com/ariadne-xds/ariadne/internal/buffer"
	clientstats "github.com/ariadne-xds/ariadne/stats/client"
)

// EventHandler receives the events of the discovery stream. Methods may be invoked from the
// stream's internal goroutines and must be safe for concurrent use.
type EventHandler interface {
	// OnResponse is invoked for every discovery response whose type URL names one of the four
	// supported types, before the response is acknowledged. A non-nil return value means the
	// response could not be decoded in its entirety: the stream NACKs it, echoing the previously
	// accepted version, and the handler must leave previously accepted state untouched.
	OnResponse(typ ads.ResourceType, version, nonce string, resources []*anypb.Any) error
	// OnStreamError is invoked whenever the stream breaks. The stream reconnects on its own, this
	// is purely a notification.
	OnStreamError(err error)
}

// Options configures a [Stream].
type Options struct {
	// NewStream opens a new discovery stream on the underlying transport. Invoked once per
	// (re)connection attempt.
	NewStream func(ctx context.Context) (ads.Stream, error)
	// Node identifies this client to the control plane. Sent on the first request of every stream
	// only, the protocol does not require it on subsequent requests.
	Node *ads.Node
	// Handler receives decoded responses and stream failures.
	Handler EventHandler
	// Backoff returns the delay before the given reconnection attempt, counted from 0.
	Backoff func(retries int) time.Duration
	// Limiter paces subscription-driven discovery requests. ACKs and NACKs are never delayed. A
	// limit of [rate.Inf] (the default used by the client) disables pacing.
	Limiter *rate.Limiter
	// Stats, if non-nil, receives stream events.
	Stats clientstats.Handler
}

// state corresponding to a resource type.
type typeState struct {
	version      string // Last accepted version, reset when the stream breaks to force a full response.
	nonce        string // Last received nonce, reset when the stream breaks.
	pendingWrite bool   // True if a request for this type still needs to be sent.
}

// Stream owns the aggregated discovery stream. Outbound requests are sent by a dedicated goroutine
// fed by subscription changes, inbound responses are consumed by a receive loop that performs the
// ACK/NACK bookkeeping. A runner goroutine re-establishes the stream with backoff whenever it
// breaks, resending the full subscription state from scratch.
type Stream struct {
	newStream func(ctx context.Context) (ads.Stream, error)
	node      *ads.Node
	handler   EventHandler
	backoff   func(int) time.Duration
	limiter   *rate.Limiter
	stats     clientstats.Handler

	subs *SubscriptionManager

	streamCh     chan ads.Stream                     // Most recently established stream, consumed by the send loop.
	requestCh    *buffer.Unbounded[ads.ResourceType] // Types whose subscription set changed.
	runnerDoneCh chan struct{}
	cancel       context.CancelFunc

	// mu guards the fields below and serializes all Sends on the underlying stream.
	mu           sync.Mutex
	state        map[ads.ResourceType]*typeState
	firstRequest bool // True until the first request of the current stream is sent.
}

// New creates a Stream and immediately starts connecting. Callers that want lazy connection
// establishment should defer calling New until the first subscription exists.
func New(opts Options) *Stream {
	s := &Stream{
		newStream:    opts.NewStream,
		node:         opts.Node,
		handler:      opts.Handler,
		backoff:      opts.Backoff,
		limiter:      opts.Limiter,
		stats:        opts.Stats,
		subs:         NewSubscriptionManager(),
		streamCh:     make(chan ads.Stream, 1),
		requestCh:    buffer.NewUnbounded[ads.ResourceType](),
		runnerDoneCh: make(chan struct{}),
		state:        make(map[ads.ResourceType]*typeState, len(ads.ResourceTypes)),
	}
	if s.limiter == nil {
		s.limiter = rate.NewLimiter(rate.Inf, 1)
	}
	for _, typ := range ads.ResourceTypes {
		s.state[typ] = new(typeState)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	go s.runner(ctx)
	return s
}

// Stop tears the stream down and blocks until all spawned goroutines exit.
func (s *Stream) Stop() {
	s.cancel()
	s.requestCh.Close()
	<-s.runnerDoneCh
	slog.Debug("Discovery stream shut down")
}

// SetSubscriptions declares the full set of names of the given type the client is currently
// interested in. If the set differs from the active one, a fresh discovery request is issued
// carrying the last accepted version and most recent nonce for the type.
func (s *Stream) SetSubscriptions(typ ads.ResourceType, names []string) {
	if !s.subs.Reconcile(typ, names) {
		return
	}
	s.mu.Lock()
	s.state[typ].pendingWrite = true
	s.mu.Unlock()
	s.requestCh.Put(typ)
}

// runner establishes the stream, re-establishing it with backoff whenever it breaks. Backoff state
// resets upon successful receipt of at least one message from the control plane.
func (s *Stream) runner(ctx context.Context) {
	defer close(s.runnerDoneCh)

	go s.send(ctx)

	retries := 0
	for ctx.Err() == nil {
		if retries > 0 {
			timer := time.NewTimer(s.backoff(retries - 1))
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case <-timer.C:
			}
		}
		retries++

		stream, err := s.newStream(ctx)
		if err != nil {
			s.onError(err)
			continue
		}
		slog.Debug("Discovery stream established")

		s.mu.Lock()
		// The previous stream's nonces are meaningless on the new one, and versions are cleared so
		// the control plane responds with its full current state for every type.
		for _, state := range s.state {
			state.version = ""
			state.nonce = ""
		}
		s.firstRequest = true
		s.mu.Unlock()

		// Ensure the most recently created stream is the one the send loop uses.
		select {
		case <-s.streamCh:
		default:
		}
		s.streamCh <- stream

		if s.recv(ctx, stream) {
			retries = 0
		}
	}
}

// send is a long running goroutine that sends discovery requests in two scenarios: a subscription
// changed, or a new stream was established after the previous one failed.
func (s *Stream) send(ctx context.Context) {
	var stream ads.Stream
	for {
		select {
		case <-ctx.Done():
			return
		case stream = <-s.streamCh:
			if err := s.sendExisting(stream); err != nil {
				// Send failed, the runner will hand the send loop a new stream.
				stream = nil
			}
		case typ, ok := <-s.requestCh.Get():
			if !ok {
				return
			}
			s.requestCh.Load()
			if stream == nil {
				// Not connected. The request is not lost: the full subscription state is resent
				// once a stream is established.
				continue
			}
			if err := s.limiter.Wait(ctx); err != nil {
				return
			}
			if err := s.sendPending(stream, typ); err != nil {
				stream = nil
			}
		}
	}
}

// sendExisting resends the full current subscription state for every type on a newly established
// stream, version and nonce fields cleared by the runner.
func (s *Stream) sendExisting(stream ads.Stream) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, typ := range ads.ResourceTypes {
		if !s.subs.HasSubscriptions(typ) {
			continue
		}
		s.state[typ].pendingWrite = true
		if err := s.sendMessageLocked(stream, typ, nil); err != nil {
			return err
		}
	}
	return nil
}

func (s *Stream) sendPending(stream ads.Stream, typ ads.ResourceType) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sendMessageLocked(stream, typ, nil)
}

// sendMessageLocked sends a discovery request for the given type if one is pending, carrying the
// current subscribed names and the type's version/nonce state. A non-nil nackErr turns the request
// into a NACK: the caller is responsible for having rolled the version back first.
//
// Caller must hold s.mu.
func (s *Stream) sendMessageLocked(stream ads.Stream, typ ads.ResourceType, nackErr error) error {
	state := s.state[typ]
	if !state.pendingWrite {
		return nil
	}

	req := &ads.DiscoveryRequest{
		TypeUrl:       typ.URL(),
		ResourceNames: s.subs.Names(typ),
		VersionInfo:   state.version,
		ResponseNonce: state.nonce,
	}
	if s.firstRequest {
		req.Node = s.node
	}
	if nackErr != nil {
		req.ErrorDetail = &statuspb.Status{
			Code: int32(cpb.Code_INVALID_ARGUMENT), Message: nackErr.Error(),
		}
	}

	if err := stream.Send(req); err != nil {
		slog.Warn("Failed to send discovery request",
			"type", typ, "names", req.ResourceNames, "version", req.VersionInfo, "nonce", req.ResponseNonce, "err", err)
		return err
	}
	state.pendingWrite = false
	s.firstRequest = false

	slog.Debug("Sent discovery request",
		"type", typ, "names", req.ResourceNames, "version", req.VersionInfo, "nonce", req.ResponseNonce, "nack", nackErr != nil)
	if s.stats != nil {
		s.stats.HandleClientEvent(stream.Context(), &clientstats.RequestSent{
			TypeURL:       req.TypeUrl,
			ResourceNames: req.ResourceNames,
			Version:       req.VersionInfo,
			Nonce:         req.ResponseNonce,
			IsNACK:        nackErr != nil,
		})
	}
	return nil
}

// recv consumes responses until the stream breaks. Returns whether at least one message was
// received, which resets the runner's backoff.
func (s *Stream) recv(ctx context.Context, stream ads.Stream) (msgReceived bool) {
	for {
		resp, err := stream.Recv()
		if err != nil {
			s.onError(err)
			return msgReceived
		}
		msgReceived = true

		slog.Debug("Received discovery response",
			"typeURL", resp.GetTypeUrl(), "version", resp.GetVersionInfo(), "nonce", resp.GetNonce(), "resources", len(resp.GetResources()))
		if s.stats != nil {
			s.stats.HandleClientEvent(ctx, &clientstats.ResponseReceived{
				TypeURL:       resp.GetTypeUrl(),
				Version:       resp.GetVersionInfo(),
				Nonce:         resp.GetNonce(),
				ResourceCount: len(resp.GetResources()),
			})
		}

		typ, ok := ads.LookupResourceType(resp.GetTypeUrl())
		if !ok {
			// The server sent a type this client never asked for. ACKing would claim it is valid,
			// NACKing would claim it is not; neither is known, so the response is ignored.
			slog.Warn("Ignoring response for unsupported type URL", "typeURL", resp.GetTypeUrl())
			continue
		}

		nackErr := s.handler.OnResponse(typ, resp.GetVersionInfo(), resp.GetNonce(), resp.GetResources())
		s.acknowledge(stream, typ, resp.GetVersionInfo(), resp.GetNonce(), nackErr)
	}
}

// acknowledge updates the type's version/nonce state from the response and sends the ACK, or on a
// decode failure the NACK echoing the previously accepted version.
func (s *Stream) acknowledge(stream ads.Stream, typ ads.ResourceType, version, nonce string, nackErr error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	state := s.state[typ]
	state.nonce = nonce
	if nackErr != nil {
		slog.Warn("NACKing discovery response", "type", typ, "version", version, "nonce", nonce, "err", nackErr)
	} else {
		state.version = version
	}

	state.pendingWrite = true
	// Send errors are ignored here: the receive loop observes the same failure and triggers the
	// reconnect path.
	_ = s.sendMessageLocked(stream, typ, nackErr)
}

func (s *Stream) onError(err error) {
	slog.Warn("Discovery stream broken", "err", err)
	if s.stats != nil {
		s.stats.HandleClientEvent(context.Background(), &clientstats.StreamFailure{Err: err})
	}
	s.handler.OnStreamError(err)
}
