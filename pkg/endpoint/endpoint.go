// Package endpoint implements the facade (C7) that owns everything a
// single replication endpoint needs: its local logs, one connector per
// remote connection, and the local acceptor, exposing the three lifecycle
// operations everything else in this module exists to serve: activate,
// recover, and delete.
package endpoint

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"replicore/pkg/acceptor"
	"replicore/pkg/connector"
	"replicore/pkg/detector"
	"replicore/pkg/discovery"
	"replicore/pkg/eventbus"
	"replicore/pkg/eventlog"
	"replicore/pkg/filters"
	"replicore/pkg/peerauth"
	"replicore/pkg/recovery"
	"replicore/pkg/replerrors"
	"replicore/pkg/replication"
	"replicore/pkg/replicator"
	"replicore/pkg/snapshot"
	"replicore/pkg/transport"
	"replicore/pkg/types"
)

// Config bundles the identity, timeouts and batch sizing every component
// an Endpoint builds needs, mirroring the configuration keys of §6.
type Config struct {
	SelfID     types.EndpointID
	AppName    types.ApplicationName
	AppVersion types.ApplicationVersion

	WriteBatchSize         int
	WriteTimeout           time.Duration
	ReadTimeout            time.Duration
	RemoteReadTimeout      time.Duration
	RemoteScanLimit        int
	RetryDelay             time.Duration
	FailureDetectionLimit  time.Duration
	AuthTokenTTL           time.Duration

	// AuthSecret, if non-empty, turns on JWT peer authentication for both
	// outgoing reads (signed) and incoming ones (verified).
	AuthSecret []byte
}

type detectorKey struct {
	endpoint types.EndpointID
	log      types.LogName
}

// Endpoint owns one process's share of the replicated log set.
type Endpoint struct {
	cfg         Config
	logs        map[types.LogName]eventlog.Log
	connections map[types.EndpointID]replication.Connection

	transport transport.PeerTransport
	registry  *discovery.Registry // nil disables dynamic address resolution
	snapshots *snapshot.Index

	bus      *eventbus.Bus[detector.AvailabilityEvent]
	signer   *peerauth.Signer
	verifier *peerauth.Verifier

	acceptor *acceptor.Acceptor

	mu         sync.Mutex
	connectors map[types.EndpointID]*connector.Connector
	detectors  map[detectorKey]*detector.Detector

	activated atomic.Bool

	log *slog.Logger
}

// New builds an Endpoint in Recovery mode. It fails at construction if any
// two (endpoint, log name) sources this endpoint could ever see would
// derive the same log_id, per the module's open question (b): silent
// collisions would corrupt progress tracking, so this is detected eagerly
// rather than left to surface later as data loss.
func New(
	cfg Config,
	logs map[types.LogName]eventlog.Log,
	connections map[types.EndpointID]replication.Connection,
	filterProvider filters.Provider,
	pt transport.PeerTransport,
	registry *discovery.Registry,
) (*Endpoint, error) {
	if err := checkLogIDCollisions(logs, connections); err != nil {
		return nil, err
	}

	var signer *peerauth.Signer
	var verifier *peerauth.Verifier
	if len(cfg.AuthSecret) > 0 {
		ttl := cfg.AuthTokenTTL
		if ttl <= 0 {
			ttl = time.Minute
		}
		signer = peerauth.NewSigner(cfg.AuthSecret, ttl)
		verifier = peerauth.NewVerifier(cfg.AuthSecret)
	}

	snapshots := snapshot.NewIndex()
	acc := acceptor.New(cfg.SelfID, cfg.AppName, cfg.AppVersion, logs, filterProvider, verifier, snapshots)

	return &Endpoint{
		cfg:         cfg,
		logs:        logs,
		connections: connections,
		transport:   pt,
		registry:    registry,
		snapshots:   snapshots,
		bus:         eventbus.New[detector.AvailabilityEvent](),
		signer:      signer,
		verifier:    verifier,
		acceptor:    acc,
		connectors:  make(map[types.EndpointID]*connector.Connector),
		detectors:   make(map[detectorKey]*detector.Detector),
		log:         slog.With("component", "endpoint", "id", string(cfg.SelfID)),
	}, nil
}

// checkLogIDCollisions computes every log_id this endpoint could produce,
// either as a local log's own identity or as the derived identity of a
// (remote endpoint, local log name) source, and fails if any two of them
// coincide.
func checkLogIDCollisions(logs map[types.LogName]eventlog.Log, connections map[types.EndpointID]replication.Connection) error {
	seen := make(map[types.LogID]string, len(logs)+len(connections)*len(logs))
	claim := func(id types.LogID, owner string) error {
		if prev, ok := seen[id]; ok {
			return fmt.Errorf("%w: %s and %s both derive log id %q", replerrors.ErrLogIDCollision, prev, owner, id)
		}
		seen[id] = owner
		return nil
	}

	for name, log := range logs {
		if err := claim(log.ID(), fmt.Sprintf("local log %q", name)); err != nil {
			return err
		}
	}
	for remoteID := range connections {
		for name := range logs {
			id := types.DeriveLogID(remoteID, name)
			if err := claim(id, fmt.Sprintf("source (%s,%s)", remoteID, name)); err != nil {
				return err
			}
		}
	}
	return nil
}

// Acceptor exposes the local acceptor so a transport.Server can dispatch
// incoming requests to it.
func (e *Endpoint) Acceptor() *acceptor.Acceptor { return e.acceptor }

// Activate starts the acceptor in Normal mode and every configured
// connector, per §4.1: normal startup, as opposed to disaster recovery.
// It fails with ErrIllegalState if this endpoint has already activated or
// recovered.
func (e *Endpoint) Activate(ctx context.Context) error {
	if !e.activated.CompareAndSwap(false, true) {
		return fmt.Errorf("%w: endpoint already activated or recovering", replerrors.ErrIllegalState)
	}

	e.acceptor.EnterNormalMode()
	for remoteID, conn := range e.connections {
		c := e.buildConnector(ctx, remoteID, conn)
		e.mu.Lock()
		e.connectors[remoteID] = c
		e.mu.Unlock()
		go c.Run(ctx)
	}
	e.log.Info("activated", "connections", len(e.connections))
	return nil
}

// Recover runs the disaster recovery coordinator and, only on success,
// activates the acceptor and every connector exactly as Activate does.
// Guarded by the same atomic flag as Activate: recovery and activation are
// mutually exclusive first actions on a given Endpoint.
func (e *Endpoint) Recover(ctx context.Context) error {
	if !e.activated.CompareAndSwap(false, true) {
		return fmt.Errorf("%w: endpoint already activated or recovering", replerrors.ErrIllegalState)
	}
	if len(e.connections) == 0 {
		return fmt.Errorf("%w: recover requires at least one replication connection", replerrors.ErrIllegalState)
	}

	coordinator := recovery.New(recovery.Config{
		SelfID:            e.cfg.SelfID,
		AppName:           e.cfg.AppName,
		AppVersion:        e.cfg.AppVersion,
		ReadTimeout:       e.cfg.ReadTimeout,
		RemoteReadTimeout: e.cfg.RemoteReadTimeout,
		WriteTimeout:      e.cfg.WriteTimeout,
		WriteBatchSize:    e.cfg.WriteBatchSize,
		RemoteScanLimit:   e.cfg.RemoteScanLimit,
		RetryDelay:        e.cfg.RetryDelay,
	}, e.logs, e.connections, e.transport, e.snapshots)
	if e.signer != nil {
		coordinator = coordinator.WithSigner(e.signer)
	}

	if err := coordinator.Recover(ctx); err != nil {
		// The activated flag is left set: a caller must inspect the
		// RecoveryError's PartialUpdate to judge whether it is safe to
		// build a fresh Endpoint and retry, per §4's contract.
		return err
	}

	e.acceptor.EnterNormalMode()
	for remoteID, conn := range e.connections {
		c := e.buildConnector(ctx, remoteID, conn)
		e.mu.Lock()
		e.connectors[remoteID] = c
		e.mu.Unlock()
		go c.Run(ctx)
	}
	e.log.Info("recovered", "connections", len(e.connections))
	return nil
}

// Delete records a logical deletion watermark on the named local log, per
// §4.1: the effective watermark becomes max(previous, min(toSeq,
// current_sequence_nr)); physical deletion is left to the external
// storage engine once every named remote has pulled past it.
func (e *Endpoint) Delete(ctx context.Context, logName types.LogName, toSeq types.SequenceNr, remoteEndpointIDs []types.EndpointID) (types.SequenceNr, error) {
	log, ok := e.logs[logName]
	if !ok {
		return 0, fmt.Errorf("unknown local log %q", logName)
	}
	remoteLogIDs := make([]types.LogID, len(remoteEndpointIDs))
	for i, id := range remoteEndpointIDs {
		remoteLogIDs[i] = types.DeriveLogID(id, logName)
	}
	return log.Delete(ctx, toSeq, remoteLogIDs)
}

// LogID returns f(self.endpoint_id, log_name), the canonical identity a
// remote would derive for one of this endpoint's logs.
func (e *Endpoint) LogID(logName types.LogName) types.LogID {
	return types.DeriveLogID(e.cfg.SelfID, logName)
}

// CommonLogNames computes self.log_names ∩ info.log_names.
func (e *Endpoint) CommonLogNames(info replication.EndpointInfo) map[types.LogName]struct{} {
	self := make(map[types.LogName]struct{}, len(e.logs))
	for name := range e.logs {
		self[name] = struct{}{}
	}
	return replication.CommonLogNames(self, info.LogNames())
}

// buildConnector wires a Connector whose SpawnFunc builds a Replicator
// backed by this endpoint's shared failure detector bus, signer, and
// acceptor subscription list.
func (e *Endpoint) buildConnector(ctx context.Context, remoteID types.EndpointID, conn replication.Connection) *connector.Connector {
	spawn := func(spawnCtx context.Context, link replication.Link) *replicator.Handle {
		det := e.detectorFor(spawnCtx, link.Source.EndpointID, link.Source.LogName)

		r := replicator.New(link, replicator.Config{
			WriteBatchSize:    e.cfg.WriteBatchSize,
			ReadTimeout:       e.cfg.ReadTimeout,
			RemoteReadTimeout: e.cfg.RemoteReadTimeout,
			WriteTimeout:      e.cfg.WriteTimeout,
			RemoteScanLimit:   e.cfg.RemoteScanLimit,
			RetryDelay:        e.cfg.RetryDelay,
		}, e.transport, det, e.cfg.SelfID, e.cfg.AppName, e.cfg.AppVersion)

		handle := r.Handle()
		r = r.WithWriteNotifier(func() { e.acceptor.NotifyWriteSuccess(link.Target.LogID, handle) })
		if e.signer != nil {
			r = r.WithSigner(e.signer)
		}

		e.acceptor.Subscribe(handle)
		go r.Run(spawnCtx)
		return handle
	}

	return connector.New(remoteID, conn, e.logs, connector.Config{
		SelfID:     e.cfg.SelfID,
		AppName:    e.cfg.AppName,
		AppVersion: e.cfg.AppVersion,
		RetryDelay: e.cfg.RetryDelay,
	}, e.transport, e.registry, spawn)
}

// detectorFor returns the shared failure detector for (remoteID, logName),
// creating and starting one on first use.
func (e *Endpoint) detectorFor(ctx context.Context, remoteID types.EndpointID, logName types.LogName) *detector.Detector {
	key := detectorKey{endpoint: remoteID, log: logName}

	e.mu.Lock()
	defer e.mu.Unlock()
	if d, ok := e.detectors[key]; ok {
		return d
	}

	d, err := detector.New(remoteID, logName, e.cfg.FailureDetectionLimit, e.cfg.RemoteReadTimeout, e.cfg.RetryDelay, e.bus)
	if err != nil {
		e.log.Error("failed to build failure detector", "remote", remoteID, "log", logName, "error", err)
		return nil
	}
	d.Start(ctx)
	e.detectors[key] = d
	return d
}

// Subscribe returns a new subscription, with a mailbox of buffer events, to
// every AvailabilityEvent this endpoint's failure detectors publish.
func (e *Endpoint) Subscribe(buffer int) *eventbus.Subscription[detector.AvailabilityEvent] {
	return e.bus.Subscribe(buffer)
}

// Status summarizes this endpoint's lifecycle state for the admin API.
type Status struct {
	SelfID      types.EndpointID
	Activated   bool
	AcceptorMode string
	Connections int
}

// Status reports the endpoint's current lifecycle state.
func (e *Endpoint) Status() Status {
	return Status{
		SelfID:       e.cfg.SelfID,
		Activated:    e.activated.Load(),
		AcceptorMode: e.acceptorMode(),
		Connections:  len(e.connections),
	}
}

func (e *Endpoint) acceptorMode() string {
	if e.acceptor.ModeIs(acceptor.Normal) {
		return "normal"
	}
	return "recovery"
}

// LinkStatus reports one Replicator's identity and state, per §4.3.
type LinkStatus struct {
	RemoteEndpointID types.EndpointID
	SourceLogID      types.LogID
	TargetLogID      types.LogID
	State            string
}

// Links reports the current state of every Replicator spawned by every
// connector this endpoint owns.
func (e *Endpoint) Links() []LinkStatus {
	e.mu.Lock()
	connectors := make([]*connector.Connector, 0, len(e.connectors))
	for _, c := range e.connectors {
		connectors = append(connectors, c)
	}
	e.mu.Unlock()

	var out []LinkStatus
	for _, c := range connectors {
		for _, h := range c.Handles() {
			out = append(out, LinkStatus{
				RemoteEndpointID: h.SourceEndpointID(),
				SourceLogID:      h.SourceLogID(),
				TargetLogID:      h.TargetLogID(),
				State:            h.State().String(),
			})
		}
	}
	return out
}
