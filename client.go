package ariadne

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	discovery "github.com/envoyproxy/go-control-plane/envoy/service/discovery/v3"
	"golang.org/x/time/rate"
	"google.golang.org/grpc"

	"github.com/ariadne-xds/ariadne/ads"
	"github.com/ariadne-xds/ariadne/internal/backoff"
	"github.com/ariadne-xds/ariadne/internal/stream"
	clientstats "github.com/ariadne-xds/ariadne/stats/client"
)

const (
	userAgentName    = "ariadne"
	userAgentVersion = "0.1.0"

	defaultWatchExpiryTimeout = 15 * time.Second
)

// Client resolves xDS configuration from a control plane: it maintains the aggregated discovery
// stream, tracks the dependency graph rooted at each watched Listener and delivers complete
// [ConfigSnapshot]s to the registered [ConfigSink]s. A single Client serves any number of watches,
// sharing the stream and all resolution work between them.
type Client struct {
	config   Config
	stream   *stream.Stream
	resolver *resolver
	conn     *grpc.ClientConn
	cancel   context.CancelFunc

	mu      sync.Mutex
	watches map[string]map[ConfigSink]bool
	closed  bool
}

// ClientOption configures how a [Client] is initialized.
type ClientOption interface {
	apply(c *clientSettings)
}

type clientOption func(c *clientSettings)

func (f clientOption) apply(c *clientSettings) {
	f(c)
}

type clientSettings struct {
	backoff     func(retries int) time.Duration
	watchExpiry time.Duration
	limit       rate.Limit
	stats       clientstats.Handler
	adsClient   ads.Client
}

// WithBackoff overrides the delay between stream reconnection attempts. retries counts failed
// attempts since the last successful exchange, starting at 0. The default is exponential backoff
// with jitter, capped at 2 minutes.
func WithBackoff(f func(retries int) time.Duration) ClientOption {
	return clientOption(func(c *clientSettings) {
		c.backoff = f
	})
}

// WithWatchExpiryTimeout overrides how long the client waits for a subscribed resource before
// reporting a resolution error to the sinks that transitively require it. Defaults to 15s.
func WithWatchExpiryTimeout(timeout time.Duration) ClientOption {
	return clientOption(func(c *clientSettings) {
		c.watchExpiry = timeout
	})
}

// WithRequestRateLimit sets the maximum rate of subscription-driven discovery requests. ACKs and
// NACKs are never delayed. If the given limit is negative, 0 or [rate.Inf], requests are sent as
// fast as the transport accepts them, which is the default.
func WithRequestRateLimit(limit rate.Limit) ClientOption {
	return clientOption(func(c *clientSettings) {
		c.limit = limit
	})
}

// WithClientStatsHandler registers a handler for the client's stats events. See the
// [clientstats.Event] implementations in stats/client for the events published.
func WithClientStatsHandler(statsHandler clientstats.Handler) ClientOption {
	return clientOption(func(c *clientSettings) {
		c.stats = statsHandler
	})
}

// WithADSClient provides the discovery service stub directly instead of dialing
// [Config.ServerURI]. Intended for tests and for embedding in processes that already hold a
// connection to the control plane.
func WithADSClient(client ads.Client) ClientOption {
	return clientOption(func(c *clientSettings) {
		c.adsClient = client
	})
}

func defaultLimit(limit rate.Limit) rate.Limit {
	if limit <= 0 {
		return rate.Inf
	}
	return limit
}

// NewClient creates a [Client] for the given configuration and immediately begins establishing the
// discovery stream. The returned client must be released with [Client.Close].
func NewClient(config Config, options ...ClientOption) (*Client, error) {
	if err := config.validate(); err != nil {
		return nil, err
	}

	settings := clientSettings{
		backoff:     backoff.DefaultExponential.Backoff,
		watchExpiry: defaultWatchExpiryTimeout,
		limit:       rate.Inf,
	}
	for _, opt := range options {
		opt.apply(&settings)
	}

	c := &Client{
		config:  config,
		watches: make(map[string]map[ConfigSink]bool),
	}

	adsClient := settings.adsClient
	if adsClient == nil {
		conn, err := grpc.NewClient(config.ServerURI, grpc.WithTransportCredentials(config.credentials()))
		if err != nil {
			return nil, fmt.Errorf("failed to create channel to %q: %w", config.ServerURI, err)
		}
		c.conn = conn
		adsClient = discovery.NewAggregatedDiscoveryServiceClient(conn)
	}

	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel

	// The resolver drives the stream's subscriptions and the stream hands inbound responses to the
	// resolver. The indirection below breaks the construction cycle: the resolver only declares
	// subscriptions from watch registrations, which cannot happen before NewClient returns.
	c.resolver = newResolver(ctx, subscriberFunc(func(typ ads.ResourceType, names []string) {
		c.stream.SetSubscriptions(typ, names)
	}), settings.watchExpiry, settings.stats)

	c.stream = stream.New(stream.Options{
		NewStream: func(ctx context.Context) (ads.Stream, error) {
			return adsClient.StreamAggregatedResources(ctx)
		},
		Node:    config.node(),
		Handler: c.resolver,
		Backoff: settings.backoff,
		Limiter: rate.NewLimiter(defaultLimit(settings.limit), 1),
		Stats:   settings.stats,
	})

	return c, nil
}

type subscriberFunc func(typ ads.ResourceType, names []string)

func (f subscriberFunc) SetSubscriptions(typ ads.ResourceType, names []string) {
	f(typ, names)
}

// Watch registers sink for the configuration subtree rooted at the Listener named root. The sink
// receives a [ConfigSnapshot] whenever the subtree is completely resolved with new content,
// starting with the current snapshot if the root is already resolved. The returned cancel function
// releases the registration and is idempotent. Registering the same (root, sink) pair twice is a
// programming error and fails immediately.
func (c *Client) Watch(root string, sink ConfigSink) (cancel func(), err error) {
	if root == "" {
		return nil, errors.New("cannot watch an empty root name")
	}
	if sink == nil {
		return nil, errors.New("cannot watch with a nil sink")
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, errors.New("client is closed")
	}
	if c.watches[root][sink] {
		return nil, fmt.Errorf("sink already registered for root %q", root)
	}
	if c.watches[root] == nil {
		c.watches[root] = make(map[ConfigSink]bool)
	}
	c.watches[root][sink] = true

	c.resolver.addWatch(root, sink)

	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			delete(c.watches[root], sink)
			if len(c.watches[root]) == 0 {
				delete(c.watches, root)
			}
			closed := c.closed
			c.mu.Unlock()
			if !closed {
				c.resolver.removeWatch(root, sink)
			}
		})
	}, nil
}

// ServerListenerResourceName expands the configured server listener resource name template for the
// given listening address, yielding the root name the server role should watch.
func (c *Client) ServerListenerResourceName(listeningAddress string) (string, error) {
	return c.config.ListenerResourceName(listeningAddress)
}

// Close tears down the discovery stream and the resolver task, and waits until both have fully
// stopped. No sink is invoked after Close returns. Closing an already closed client is a no-op.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.resolver.stop()
	c.stream.Stop()
	c.cancel()
	<-c.resolver.serializer.Done()
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}
