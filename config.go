package ariadne

import (
	"errors"
	"fmt"
	"strings"

	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/ariadne-xds/ariadne/ads"
)

// Config holds the static configuration of a [Client]: where the control plane lives, how this
// client identifies itself to it, and how server-side listener names are derived. All fields are
// plain typed values set once before [NewClient], there is no runtime configuration dictionary.
type Config struct {
	// ServerURI is the target of the control plane's ADS service, in any form accepted by
	// grpc.NewClient. Required.
	ServerURI string
	// NodeID uniquely identifies this client to the control plane. Required.
	NodeID string
	// NodeCluster is the local service cluster label attached to the node identity. Optional.
	NodeCluster string
	// Credentials secures the connection to the control plane. Defaults to insecure credentials
	// when nil.
	Credentials credentials.TransportCredentials
	// ServerListenerResourceNameTemplate derives the Listener resource name for the server role
	// from a listening address, via [Config.ListenerResourceName]. Optional, only required when
	// watching server-side listeners by address.
	ServerListenerResourceNameTemplate string
}

func (c *Config) validate() error {
	if c.ServerURI == "" {
		return errors.New("config: ServerURI is required")
	}
	if c.NodeID == "" {
		return errors.New("config: NodeID is required")
	}
	return nil
}

func (c *Config) credentials() credentials.TransportCredentials {
	if c.Credentials == nil {
		return insecure.NewCredentials()
	}
	return c.Credentials
}

// node builds the identity sent on the first request of every stream.
func (c *Config) node() *ads.Node {
	return &ads.Node{
		Id:                   c.NodeID,
		Cluster:              c.NodeCluster,
		UserAgentName:        userAgentName,
		UserAgentVersionType: &ads.NodeUserAgentVersion{UserAgentVersion: userAgentVersion},
	}
}

// ListenerResourceName expands ServerListenerResourceNameTemplate for the given listening address.
// Templates follow the xDS convention: "%s" is replaced by the address, a template without "%s" is
// used verbatim with the address appended after the "=" separator already present in conventional
// templates such as "grpc/server?xds.resource.listening_address=".
func (c *Config) ListenerResourceName(listeningAddress string) (string, error) {
	tmpl := c.ServerListenerResourceNameTemplate
	if tmpl == "" {
		return "", errors.New("config: ServerListenerResourceNameTemplate is not set")
	}
	if strings.Contains(tmpl, "%s") {
		return fmt.Sprintf(tmpl, listeningAddress), nil
	}
	return tmpl + listeningAddress, nil
}
