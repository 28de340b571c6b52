/*
Package ariadne implements the client side of the xDS aggregated discovery protocol (ADS): a
resolver that, over a single bidirectional stream, subscribes to the four resource types of the
standard LDS -> RDS -> CDS -> EDS flow and assembles them into coherent, dependency-complete
configuration snapshots. A consumer names the root [ads.Listener] it cares about, and the client
takes care of discovering and decoding everything that listener transitively references.

# Watching a root

The entry point is [Client.Watch]: register a [ConfigSink] for a root Listener name and the client
subscribes to the listener, follows its route configuration reference (or its inline route table),
subscribes to every cluster the routes forward to, and to the endpoint assignment backing each
cluster. Once, and only once, that entire subtree is present and decoded, the sink receives an
immutable [ConfigSnapshot]. Subsequent control plane pushes produce new snapshots, but never
partial ones: if a push leaves the subtree incomplete (a cluster withdrawn, a route config not yet
arrived), the previously delivered snapshot simply remains current. Consistency is preferred over
freshness throughout.

Both roles of a communication stack are served by the same machinery. A client resolves the
listener named after its target authority, whose route table arrives by RDS reference; a server
resolves the listener derived from its bind address (see [Config.ListenerResourceName]), whose
route table is typically inlined in the listener's filter chain with non-forwarding terminal
actions.

# Protocol handling

The stream layer implements the state-of-the-world ACK/NACK contract: every response is either
acknowledged by echoing its version and nonce, or — when any contained resource fails to decode —
rejected with the previously accepted version, the new nonce and an error detail, leaving
previously accepted state untouched. Stream failures are recovered internally with jittered
exponential backoff, resending the full subscription state on the fresh stream. None of this is
visible to sinks, which only ever observe complete snapshots and resolution errors.

A resource that never arrives within the watch expiry window (see [WithWatchExpiryTimeout]) raises
a resolution error on every root that requires it, so a misnamed reference does not stall its
watchers forever.
*/
package ariadne
