package utils

import (
	"strconv"
	"time"

	types "github.com/envoyproxy/go-control-plane/pkg/resource/v3"
)

// NewNonce creates a new unique nonce based on the current UNIX time in nanos, hex encoded. Nonces
// only need to be unique within a single stream, which the monotonicity of the clock guarantees.
func NewNonce() string {
	// The second parameter to FormatInt is the base, 16 means hex encoding, e.g.
	// 1704239351400 => "18ccc94c668".
	const hexBase = 16
	return strconv.FormatInt(time.Now().UnixNano(), hexBase)
}

// IsPseudoDeltaSotW checks whether the given resource type url is intended to behave as a "pseudo
// delta" resource. Instead of sending the entire state of the world for every resource change, the
// server is expected to only send the changed resource. From [the spec]:
//
//	In the SotW protocol variants, all resource types except for Listener and Cluster are grouped into
//	responses in the same way as in the incremental protocol variants. However, Listener and Cluster
//	resource types are handled differently: the server must include the complete state of the world,
//	meaning that all resources of the relevant type that are needed by the client must be included,
//	even if they did not change since the last response.
//
// In other words, for everything except Listener and Cluster, a response that omits a previously
// sent resource does not mean the resource was removed.
//
// [the spec]: https://www.envoyproxy.io/docs/envoy/latest/api-docs/xds_protocol#grouping-resources-into-responses
func IsPseudoDeltaSotW(typeURL string) bool {
	return !(typeURL == types.ListenerType || typeURL == types.ClusterType)
}
