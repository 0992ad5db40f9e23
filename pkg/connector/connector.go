// Package connector implements the per-remote-connection actor (C3): it
// either spawns Replicators immediately against a preset link set (the
// recovery path) or polls the peer's acceptor for its log heads at a fixed
// interval until it learns them, then spawns one Replicator per common log
// name exactly once.
package connector

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"replicore/pkg/discovery"
	"replicore/pkg/eventlog"
	"replicore/pkg/replication"
	"replicore/pkg/replicator"
	"replicore/pkg/scheduling"
	"replicore/pkg/transport"
	"replicore/pkg/types"
	"replicore/pkg/wire"
)

// SpawnFunc launches a Replicator for link and returns its handle; supplied
// by the endpoint facade so the connector never constructs a Replicator's
// full dependency set (log lookup, detector wiring) itself.
type SpawnFunc func(ctx context.Context, link replication.Link) *replicator.Handle

// Connector drives one remote connection from unconnected to connected,
// then holds the resulting Replicator handles for the caller to notify or
// stop alongside it.
type Connector struct {
	remoteEndpointID types.EndpointID
	conn             replication.Connection
	localLogs        map[types.LogName]eventlog.Log
	selfID           types.EndpointID
	appName          types.ApplicationName
	appVersion       types.ApplicationVersion
	retryDelay       time.Duration

	transport transport.PeerTransport
	registry  *discovery.Registry // nil disables dynamic address resolution
	spawn     SpawnFunc

	log *slog.Logger

	mu        sync.Mutex
	connected bool
	handles   []*replicator.Handle
}

// Config bundles the identity and retry parameters a Connector needs,
// mirroring replicator.Config's role for the per-link state machine.
type Config struct {
	SelfID     types.EndpointID
	AppName    types.ApplicationName
	AppVersion types.ApplicationVersion
	RetryDelay time.Duration
}

// New builds a Connector for one remote connection. localLogs maps every
// local log's name to its handle, used both to compute common_log_names
// against the peer's advertised heads and to fill in each link's target.
func New(
	remoteEndpointID types.EndpointID,
	conn replication.Connection,
	localLogs map[types.LogName]eventlog.Log,
	cfg Config,
	pt transport.PeerTransport,
	registry *discovery.Registry,
	spawn SpawnFunc,
) *Connector {
	return &Connector{
		remoteEndpointID: remoteEndpointID,
		conn:             conn,
		localLogs:        localLogs,
		selfID:           cfg.SelfID,
		appName:          cfg.AppName,
		appVersion:       cfg.AppVersion,
		retryDelay:       cfg.RetryDelay,
		transport:        pt,
		registry:         registry,
		spawn:            spawn,
		log:              slog.With("component", "connector", "remote", string(remoteEndpointID)),
	}
}

// RunPreset immediately spawns one Replicator per link and marks the
// connector connected: the recovery path, where the link set is already
// known from an earlier read_endpoint_info step.
func (c *Connector) RunPreset(ctx context.Context, links []replication.Link) {
	c.mu.Lock()
	if c.connected {
		c.mu.Unlock()
		return
	}
	c.connected = true
	c.mu.Unlock()

	for _, link := range links {
		c.spawnLink(ctx, link)
	}
}

// Run polls GetReplicationEndpointInfo at retryDelay, starting at t=0,
// until the first success, then spawns Replicators for every common log
// name and stops polling. It blocks until ctx is canceled or the first
// success is processed. Additional successes after the first are a no-op
// per §4.2 (Run returns after spawning, so nothing else could hit it, but
// the connected flag also guards concurrent Run calls from double-spawning
// a preset connector).
func (c *Connector) Run(ctx context.Context) {
	c.mu.Lock()
	alreadyConnected := c.connected
	c.mu.Unlock()
	if alreadyConnected {
		return
	}

	addr := c.peerAddress(ctx)

	ticker := backoff.NewTicker(scheduling.UnboundedFixedInterval(ctx, c.retryDelay))
	defer ticker.Stop()

	if c.tryConnect(ctx, addr) {
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-ticker.C:
			if !ok {
				return
			}
			addr = c.peerAddress(ctx)
			if c.tryConnect(ctx, addr) {
				return
			}
		}
	}
}

func (c *Connector) peerAddress(ctx context.Context) types.PeerAddress {
	if c.registry == nil {
		return c.conn.Address("tcp")
	}
	if resolved, err := c.registry.Resolve(c.remoteEndpointID); err == nil {
		return resolved
	}
	return c.conn.Address("tcp")
}

// tryConnect issues one GetReplicationEndpointInfo attempt; on success it
// spawns Replicators and reports true so the caller stops polling.
func (c *Connector) tryConnect(ctx context.Context, addr types.PeerAddress) bool {
	reqCtx, cancel := context.WithTimeout(ctx, c.retryDelay)
	defer cancel()

	info, err := c.transport.GetReplicationEndpointInfo(reqCtx, addr, wire.GetReplicationEndpointInfo{RequesterID: c.selfID})
	if err != nil {
		c.log.Debug("peer info request failed", "error", err)
		return false
	}

	c.mu.Lock()
	if c.connected {
		c.mu.Unlock()
		return true // an earlier concurrent success already won
	}
	c.connected = true
	c.mu.Unlock()

	links := c.linksFor(addr, info)
	c.log.Info("connected", "common_logs", len(links))
	for _, link := range links {
		c.spawnLink(ctx, link)
	}
	return true
}

// linksFor computes {Link(Source(info, name), Target(self, name)) | name in
// common_log_names(info)} per §4.2.
func (c *Connector) linksFor(addr types.PeerAddress, info wire.ReplicationEndpointInfo) []replication.Link {
	links := make([]replication.Link, 0, len(info.LogSequenceNrs))
	for name, log := range c.localLogs {
		if _, ok := info.LogSequenceNrs[name]; !ok {
			continue
		}
		links = append(links, replication.Link{
			Source: replication.Source{
				EndpointID:   c.remoteEndpointID,
				LogName:      name,
				LogID:        types.DeriveLogID(c.remoteEndpointID, name),
				AcceptorAddr: addr,
			},
			Target: replication.Target{
				OwningEndpoint: c.selfID,
				LogName:        name,
				LogID:          log.ID(),
				Log:            log,
			},
		})
	}
	return links
}

func (c *Connector) spawnLink(ctx context.Context, link replication.Link) {
	handle := c.spawn(ctx, link)
	c.mu.Lock()
	c.handles = append(c.handles, handle)
	c.mu.Unlock()
}

// Handles returns every Replicator handle spawned so far, used by the
// endpoint facade to list link states.
func (c *Connector) Handles() []*replicator.Handle {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*replicator.Handle, len(c.handles))
	copy(out, c.handles)
	return out
}

// Connected reports whether this connector has finished bootstrapping.
func (c *Connector) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}
