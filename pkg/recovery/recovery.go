// Package recovery implements the disaster recovery coordinator (C6): the
// sequential, five-step procedure an endpoint runs instead of a normal
// activation when its local logs may have lost data and need their
// replication progress and causal history reconciled with every remote
// before the acceptor is allowed to serve routine traffic again.
package recovery

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"replicore/pkg/eventlog"
	"replicore/pkg/peerauth"
	"replicore/pkg/replerrors"
	"replicore/pkg/replication"
	"replicore/pkg/scheduling"
	"replicore/pkg/snapshot"
	"replicore/pkg/transport"
	"replicore/pkg/types"
	"replicore/pkg/wire"
)

// Config bundles the timeouts and identity a Coordinator needs to drive
// recover_links the same way a Replicator drives ordinary replication.
type Config struct {
	SelfID            types.EndpointID
	AppName           types.ApplicationName
	AppVersion        types.ApplicationVersion
	ReadTimeout       time.Duration
	RemoteReadTimeout time.Duration
	WriteTimeout      time.Duration
	WriteBatchSize    int
	RemoteScanLimit   int
	RetryDelay        time.Duration
}

// Coordinator drives the five-step disaster recovery procedure of §4.6
// across every configured remote connection.
type Coordinator struct {
	cfg         Config
	localLogs   map[types.LogName]eventlog.Log
	connections map[types.EndpointID]replication.Connection
	transport   transport.PeerTransport
	snapshots   *snapshot.Index
	signer      *peerauth.Signer // nil disables outgoing auth tokens (test/dev)

	log *slog.Logger
}

// New builds a Coordinator. connections is keyed by remote endpoint id,
// mirroring how an Endpoint holds one Connector per remote connection.
func New(
	cfg Config,
	localLogs map[types.LogName]eventlog.Log,
	connections map[types.EndpointID]replication.Connection,
	pt transport.PeerTransport,
	snapshots *snapshot.Index,
) *Coordinator {
	return &Coordinator{
		cfg:         cfg,
		localLogs:   localLogs,
		connections: connections,
		transport:   pt,
		snapshots:   snapshots,
		log:         slog.With("component", "recovery", "endpoint", string(cfg.SelfID)),
	}
}

// WithSigner attaches a peerauth.Signer so recovery reads carry a signed
// token, matching how a Replicator authenticates its own reads.
func (c *Coordinator) WithSigner(signer *peerauth.Signer) *Coordinator {
	c.signer = signer
	return c
}

// Recover runs the five sequential steps of §4.6 and returns nil only once
// every link has caught up and local clocks have been adjusted. With no
// connections it returns replerrors.ErrNoConnections unwrapped; every other
// failure is wrapped in a replerrors.RecoveryError naming the step and
// whether any replication write had already occurred by that point.
func (c *Coordinator) Recover(ctx context.Context) error {
	if len(c.connections) == 0 {
		return replerrors.ErrNoConnections
	}

	localInfo, err := c.readLocalInfo(ctx)
	if err != nil {
		return replerrors.NewRecoveryError("read_endpoint_info", err, nil)
	}
	c.log.Info("read local endpoint info", "logs", len(localInfo.LogSequenceNrs))

	links, err := c.synchronizeProgresses(ctx, localInfo)
	if err != nil {
		return replerrors.NewRecoveryError("synchronize_replication_progresses_with_remote", err, nil)
	}
	c.log.Info("synchronized replication progress", "links", len(links))

	unfiltered, filtered := partitionByFilter(links, c.connections)

	progress := newRecoveryProgress()
	if err := c.recoverLinks(ctx, unfiltered, progress); err != nil {
		return replerrors.NewRecoveryError("recover_links(unfiltered)", err, progress.snapshot())
	}
	if err := c.recoverLinks(ctx, filtered, progress); err != nil {
		return replerrors.NewRecoveryError("recover_links(filtered)", err, progress.snapshot())
	}

	if err := c.adjustLocalClocks(ctx); err != nil {
		return replerrors.NewRecoveryError("adjust_event_log_clocks", err, progress.snapshot())
	}

	return nil
}

// recoveryProgress tracks, per remote endpoint, the highest
// remote_sequence_nr any of its links has fully caught up to so far, so a
// mid-recovery failure can report exactly how much durable progress
// already occurred.
type recoveryProgress struct {
	mu   sync.Mutex
	seen map[types.EndpointID]types.SequenceNr
}

func newRecoveryProgress() *recoveryProgress {
	return &recoveryProgress{seen: make(map[types.EndpointID]types.SequenceNr)}
}

func (p *recoveryProgress) markComplete(remoteID types.EndpointID, seq types.SequenceNr) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if seq > p.seen[remoteID] {
		p.seen[remoteID] = seq
	}
}

func (p *recoveryProgress) snapshot() map[types.EndpointID]types.SequenceNr {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[types.EndpointID]types.SequenceNr, len(p.seen))
	for k, v := range p.seen {
		out[k] = v
	}
	return out
}

// readLocalInfo builds the wire.ReplicationEndpointInfo describing this
// endpoint's own log heads, step 1 of §4.6.
func (c *Coordinator) readLocalInfo(ctx context.Context) (wire.ReplicationEndpointInfo, error) {
	heads := make(map[types.LogName]types.SequenceNr, len(c.localLogs))
	for name, log := range c.localLogs {
		seq, err := log.CurrentSequenceNr(ctx)
		if err != nil {
			return wire.ReplicationEndpointInfo{}, fmt.Errorf("current sequence nr of %q: %w", name, err)
		}
		heads[name] = seq
	}
	return wire.ReplicationEndpointInfo{EndpointID: c.cfg.SelfID, LogSequenceNrs: heads}, nil
}

// synchronizeProgresses asks every remote to forget its stored progress
// ingesting from this endpoint and report its own heads, step 2 of §4.6.
// It fails fast on the first remote error, per the step's partial_update=
// false contract: nothing has been written locally yet at this point.
func (c *Coordinator) synchronizeProgresses(ctx context.Context, localInfo wire.ReplicationEndpointInfo) ([]replication.RecoveryLink, error) {
	type result struct {
		links []replication.RecoveryLink
		err   error
	}

	results := make(chan result, len(c.connections))
	for remoteID, conn := range c.connections {
		remoteID, conn := remoteID, conn
		go func() {
			addr := conn.Address("tcp")
			reqCtx, cancel := context.WithTimeout(ctx, c.cfg.ReadTimeout)
			defer cancel()

			info, err := c.transport.SynchronizeProgress(reqCtx, addr, wire.SynchronizeProgressRequest{
				RequesterID: c.cfg.SelfID,
				LocalInfo:   localInfo,
			})
			if err != nil {
				results <- result{err: fmt.Errorf("synchronize progress with %q: %w", remoteID, err)}
				return
			}

			links := make([]replication.RecoveryLink, 0, len(info.LogSequenceNrs))
			for name, log := range c.localLogs {
				remoteSeq, ok := info.LogSequenceNrs[name]
				if !ok {
					continue
				}
				links = append(links, replication.RecoveryLink{
					Link: replication.Link{
						Source: replication.Source{
							EndpointID:   remoteID,
							LogName:      name,
							LogID:        types.DeriveLogID(remoteID, name),
							AcceptorAddr: addr,
						},
						Target: replication.Target{
							OwningEndpoint: c.cfg.SelfID,
							LogName:        name,
							LogID:          log.ID(),
							Log:            log,
						},
					},
					RemoteSequenceNr: remoteSeq,
				})
			}
			results <- result{links: links}
		}()
	}

	var all []replication.RecoveryLink
	for range c.connections {
		r := <-results
		if r.err != nil {
			return nil, r.err
		}
		all = append(all, r.links...)
	}
	return all, nil
}

// partitionByFilter splits links per §4.6 step 3's is_filtered_link rule:
// a link is filtered iff its owning connection applies a non-trivial
// filter to that link's log name.
func partitionByFilter(links []replication.RecoveryLink, connections map[types.EndpointID]replication.Connection) (unfiltered, filtered []replication.RecoveryLink) {
	for _, rl := range links {
		conn := connections[rl.Link.Source.EndpointID]
		if conn.IsFiltered(rl.Link.Source.LogName) {
			filtered = append(filtered, rl)
		} else {
			unfiltered = append(unfiltered, rl)
		}
	}
	return unfiltered, filtered
}

// recoverLinks drives every link in the set to completion concurrently,
// returning the first error encountered across all of them. progress
// records how far each completed link got, for the caller's
// RecoveryError.PartialUpdate if a sibling link then fails.
func (c *Coordinator) recoverLinks(ctx context.Context, links []replication.RecoveryLink, progress *recoveryProgress) error {
	if len(links) == 0 {
		return nil
	}

	var wg sync.WaitGroup
	errs := make(chan error, len(links))
	for _, rl := range links {
		rl := rl
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := c.recoverLink(ctx, rl, progress); err != nil {
				errs <- fmt.Errorf("recover link %q<-%q: %w", rl.Link.Target.LogID, rl.Link.Source.LogID, err)
			}
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

// recoverLink drives fetch/read/write for one link until the target log's
// vector time shows it has observed everything the remote had at
// remote_sequence_nr when recovery started.
func (c *Coordinator) recoverLink(ctx context.Context, rl replication.RecoveryLink, progress *recoveryProgress) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		vt, err := rl.Link.Target.Log.CurrentVectorTime(ctx)
		if err != nil {
			return fmt.Errorf("current vector time: %w", err)
		}
		if vt[rl.Link.Source.EndpointID] >= rl.RemoteSequenceNr {
			break
		}

		progress, targetVT, err := rl.Link.Target.Log.GetReplicationProgress(ctx, rl.Link.Source.LogID)
		if err != nil {
			return fmt.Errorf("get replication progress: %w", err)
		}

		env := wire.ReplicationReadEnvelope{
			Read: wire.ReplicationRead{
				FromSeq:     progress + 1,
				MaxEvents:   c.cfg.WriteBatchSize,
				ScanLimit:   c.cfg.RemoteScanLimit,
				TargetLogID: rl.Link.Target.LogID,
				TargetVT:    targetVT,
			},
			SourceLogName: rl.Link.Source.LogName,
			AppName:       c.cfg.AppName,
			AppVersion:    c.cfg.AppVersion,
		}
		if c.signer != nil {
			if token, err := c.signer.Sign(c.cfg.SelfID); err == nil {
				env.AuthToken = token
			}
		}

		readCtx, cancel := context.WithTimeout(ctx, c.cfg.RemoteReadTimeout)
		result, err := c.transport.ReplicationRead(readCtx, rl.Link.Source.AcceptorAddr, env)
		cancel()
		if err != nil {
			return fmt.Errorf("replication read: %w", err)
		}

		writeCtx, cancel := context.WithTimeout(ctx, c.cfg.WriteTimeout)
		_, err = rl.Link.Target.Log.ReplicationWrite(writeCtx, result.Events, result.NewProgress, rl.Link.Source.LogID, result.SourceVT, result.Continue())
		cancel()
		if err != nil {
			return fmt.Errorf("replication write: %w", err)
		}

		if len(result.Events) == 0 && !result.Continue() {
			delay := scheduling.Jitter(c.cfg.RetryDelay, 0.1)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}

	progress.markComplete(rl.Link.Source.EndpointID, rl.RemoteSequenceNr)
	return nil
}

// adjustLocalClocks restores I5 for every local log: sequence_nr must be
// at or above vector_time[self], which disaster recovery may have
// violated if fewer events were recovered than were originally emitted
// locally. Per the module's open question (a), a log already satisfying
// I5 is left untouched.
//
// This is also where recovery invalidates local read snapshots (§4.6 step
// 5 supplement): a log's vector time only grows during ordinary
// bidirectional catch-up, so a snapshot taken before recovery started
// stays valid unless recovery actually failed to recover something the
// snapshot had already observed — the case AdjustClock exists for in the
// first place.
func (c *Coordinator) adjustLocalClocks(ctx context.Context) error {
	for name, log := range c.localLogs {
		vt, err := log.CurrentVectorTime(ctx)
		if err != nil {
			return fmt.Errorf("current vector time of %q: %w", name, err)
		}
		if err := log.AdjustClock(ctx, vt[c.cfg.SelfID]); err != nil {
			return fmt.Errorf("adjust clock of %q: %w", name, err)
		}
		if c.snapshots != nil {
			c.snapshots.InvalidateBelow(log.ID(), vt)
		}
	}
	return nil
}
