package clientstats

import (
	"context"
)

// Handler will be invoked with an event of the corresponding type when said event occurs.
type Handler interface {
	HandleClientEvent(context.Context, Event)
}

// Event contains information about a specific event that happened in the client.
type Event interface {
	isClientEvent()
}

// RequestSent contains the stats of a discovery request sent on the stream, including ACKs and
// NACKs.
type RequestSent struct {
	// The requested type URL.
	TypeURL string
	// The resource names carried in the request.
	ResourceNames []string
	// The version and nonce echoed back to the control plane.
	Version, Nonce string
	// Whether the request is a NACK. Note that this is an important stat that usually requires human
	// intervention, it means the control plane sent a resource this client considers malformed.
	IsNACK bool
}

func (s *RequestSent) isClientEvent() {}

// ResponseReceived contains the stats of a discovery response received from the control plane.
type ResponseReceived struct {
	// The response's type URL, version and nonce.
	TypeURL        string
	Version, Nonce string
	// The number of resources in the response.
	ResourceCount int
}

func (s *ResponseReceived) isClientEvent() {}

// StreamFailure contains the stats of a discovery stream breaking. The client recovers by
// reconnecting with backoff, so a steady trickle of these is worth investigating but not fatal.
type StreamFailure struct {
	Err error
}

func (s *StreamFailure) isClientEvent() {}

// SnapshotDelivered contains the stats of a completed configuration snapshot being delivered to
// the sinks watching a root.
type SnapshotDelivered struct {
	// The root listener name the snapshot resolves.
	Root string
}

func (s *SnapshotDelivered) isClientEvent() {}

// ResolutionFailed contains the stats of a root becoming unresolvable: its listener is missing or
// malformed, or part of its dependency closure never arrived within the watch expiry window.
type ResolutionFailed struct {
	Root string
	Err  error
}

func (s *ResolutionFailed) isClientEvent() {}
