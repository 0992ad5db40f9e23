// Package acceptor implements the local replication server (C5): the
// mode-gated contract of answering peer requests, either narrowly (Recovery
// mode: endpoint info and progress synchronization only) or fully (Normal
// mode: reads too, after the
// application-compatibility gate and filter resolution), plus fanning out
// write-success push hints to sibling Replicators sharing a target log.
package acceptor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"replicore/pkg/eventlog"
	"replicore/pkg/filters"
	"replicore/pkg/peerauth"
	"replicore/pkg/replerrors"
	"replicore/pkg/replicator"
	"replicore/pkg/snapshot"
	"replicore/pkg/transport"
	"replicore/pkg/types"
	"replicore/pkg/wire"
)

// Mode names the two operating modes of §4.7.
type Mode int

const (
	// Recovery answers GetReplicationEndpointInfo and SynchronizeProgress
	// only.
	Recovery Mode = iota
	// Normal additionally serves ReplicationReadEnvelope.
	Normal
)

func (m Mode) String() string {
	if m == Normal {
		return "normal"
	}
	return "recovery"
}

// Acceptor is the local replication server for one endpoint.
type Acceptor struct {
	selfID     types.EndpointID
	appName    types.ApplicationName
	appVersion types.ApplicationVersion

	logsByName map[types.LogName]eventlog.Log
	logsByID   map[types.LogID]eventlog.Log
	filters    filters.Provider
	verifier   *peerauth.Verifier // nil disables JWT verification (test/dev)
	snapshots  *snapshot.Index    // nil disables recovery-invalidation tracking (test/dev)

	mu   sync.RWMutex
	mode Mode

	// subscribers maps a local target LogID to every Replicator handle
	// currently writing into it, so a write success can push ReplicationDue
	// to every sibling link sharing that target.
	subMu       sync.Mutex
	subscribers map[types.LogID]map[*replicator.Handle]struct{}

	log *slog.Logger
}

// New builds an Acceptor in Recovery mode, the mandatory starting mode
// until the endpoint successfully activates or recovers.
func New(
	selfID types.EndpointID,
	appName types.ApplicationName,
	appVersion types.ApplicationVersion,
	logs map[types.LogName]eventlog.Log,
	filterProvider filters.Provider,
	verifier *peerauth.Verifier,
	snapshots *snapshot.Index,
) *Acceptor {
	byID := make(map[types.LogID]eventlog.Log, len(logs))
	for _, log := range logs {
		byID[log.ID()] = log
	}
	return &Acceptor{
		selfID:      selfID,
		appName:     appName,
		appVersion:  appVersion,
		logsByName:  logs,
		logsByID:    byID,
		filters:     filterProvider,
		verifier:    verifier,
		snapshots:   snapshots,
		mode:        Recovery,
		subscribers: make(map[types.LogID]map[*replicator.Handle]struct{}),
		log:         slog.With("component", "acceptor", "endpoint", string(selfID)),
	}
}

// EnterNormalMode switches to Normal mode, called once activation or
// recovery succeeds. Per §5's cancellation rule, no outstanding recovery
// request is retried across this transition; it is purely a gate change.
func (a *Acceptor) EnterNormalMode() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.mode = Normal
	a.log.Info("entered normal mode")
}

// ModeIs reports the current mode.
func (a *Acceptor) ModeIs(m Mode) bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.mode == m
}

// Subscribe registers h as interested in ReplicationDue pushes for the
// target log it writes into.
func (a *Acceptor) Subscribe(h *replicator.Handle) {
	a.subMu.Lock()
	defer a.subMu.Unlock()
	set, ok := a.subscribers[h.TargetLogID()]
	if !ok {
		set = make(map[*replicator.Handle]struct{})
		a.subscribers[h.TargetLogID()] = set
	}
	set[h] = struct{}{}
}

// Unsubscribe removes h, called when its Replicator terminates.
func (a *Acceptor) Unsubscribe(h *replicator.Handle) {
	a.subMu.Lock()
	defer a.subMu.Unlock()
	if set, ok := a.subscribers[h.TargetLogID()]; ok {
		delete(set, h)
	}
}

// NotifyWriteSuccess fans ReplicationDue to every sibling Replicator
// writing into targetLogID other than the one that just wrote (source
// push, per §4.3's "Push notification").
func (a *Acceptor) NotifyWriteSuccess(targetLogID types.LogID, writer *replicator.Handle) {
	a.subMu.Lock()
	handles := make([]*replicator.Handle, 0, len(a.subscribers[targetLogID]))
	for h := range a.subscribers[targetLogID] {
		handles = append(handles, h)
	}
	a.subMu.Unlock()

	for _, h := range handles {
		if h != writer {
			h.NotifyDue()
		}
	}
}

// GetReplicationEndpointInfo answers a peer's info request in either mode.
func (a *Acceptor) GetReplicationEndpointInfo(ctx context.Context, req wire.GetReplicationEndpointInfo) (wire.ReplicationEndpointInfo, error) {
	heads := make(map[types.LogName]types.SequenceNr, len(a.logsByName))
	for name, log := range a.logsByName {
		seq, err := log.CurrentSequenceNr(ctx)
		if err != nil {
			return wire.ReplicationEndpointInfo{}, fmt.Errorf("current sequence nr: %w", err)
		}
		heads[name] = seq
	}
	return wire.ReplicationEndpointInfo{EndpointID: a.selfID, LogSequenceNrs: heads}, nil
}

// SynchronizeProgress serves disaster recovery step 2 on behalf of a
// recovering peer: forget whatever progress this endpoint had recorded
// ingesting from the requester, since the requester's own sequence
// numbering may no longer match after its recovery, then report this
// endpoint's own current heads so the requester learns remote_sequence_nr
// per link.
func (a *Acceptor) SynchronizeProgress(ctx context.Context, req wire.SynchronizeProgressRequest) (wire.ReplicationEndpointInfo, error) {
	for name := range req.LocalInfo.LogSequenceNrs {
		sourceLogID := types.DeriveLogID(req.RequesterID, name)
		for _, log := range a.logsByID {
			if err := log.ResetReplicationProgress(ctx, sourceLogID); err != nil {
				return wire.ReplicationEndpointInfo{}, fmt.Errorf("reset progress for %q: %w", sourceLogID, err)
			}
		}
	}
	return a.GetReplicationEndpointInfo(ctx, wire.GetReplicationEndpointInfo{RequesterID: req.RequesterID})
}

// HandleReplicationRead applies the mode gate, application-compatibility
// gate, peer authentication, and filter resolution, then serves the read
// from the named local log.
func (a *Acceptor) HandleReplicationRead(ctx context.Context, env wire.ReplicationReadEnvelope) (wire.ReplicationReadSuccess, error) {
	if !a.ModeIs(Normal) {
		return wire.ReplicationReadSuccess{}, fmt.Errorf("%w: acceptor is in recovery mode", replerrors.ErrIllegalState)
	}

	if a.verifier != nil {
		if _, err := a.verifier.Verify(env.AuthToken); err != nil {
			return wire.ReplicationReadSuccess{}, fmt.Errorf("peer authentication failed: %w", err)
		}
	}

	if env.AppName == a.appName && !env.AppVersion.AtLeast(a.appVersion) {
		return wire.ReplicationReadSuccess{}, fmt.Errorf("%w: peer application version %s < %s", replerrors.ErrIncompatibleApplication, env.AppVersion, a.appVersion)
	}

	log, ok := a.logsByID[env.Read.TargetLogID]
	if !ok {
		return wire.ReplicationReadSuccess{}, fmt.Errorf("unknown target log %q", env.Read.TargetLogID)
	}

	// Register a read snapshot covering the log's vector time before
	// scanning, so a concurrent disaster recovery pass that leaves this
	// log's vector time unable to account for what the snapshot covered
	// (via Index.InvalidateBelow) can invalidate the read before the
	// reply goes out, rather than letting the peer trust events recovery
	// has since determined were lost.
	var snap snapshot.Handle
	if a.snapshots != nil {
		vt, err := log.CurrentVectorTime(ctx)
		if err != nil {
			return wire.ReplicationReadSuccess{}, fmt.Errorf("current vector time %q: %w", env.Read.TargetLogID, err)
		}
		snap = a.snapshots.Take(env.Read.TargetLogID, vt)
		defer snap.Close()
	}

	filter := a.filters.FilterFor(env.Read.TargetLogID, env.SourceLogName)
	events, newProgress, err := log.Read(ctx, env.Read.FromSeq, env.Read.MaxEvents, env.Read.ScanLimit, filter)
	if err != nil {
		return wire.ReplicationReadSuccess{}, fmt.Errorf("read %q: %w", env.Read.TargetLogID, err)
	}

	if snap != nil && !snap.Valid() {
		return wire.ReplicationReadSuccess{}, fmt.Errorf("%w: read of %q invalidated by concurrent recovery", replerrors.ErrIllegalState, env.Read.TargetLogID)
	}

	vt, err := log.CurrentVectorTime(ctx)
	if err != nil {
		return wire.ReplicationReadSuccess{}, fmt.Errorf("current vector time %q: %w", env.Read.TargetLogID, err)
	}

	return wire.ReplicationReadSuccess{
		Events:      events,
		FromSeq:     env.Read.FromSeq,
		NewProgress: newProgress,
		TargetLogID: env.Read.TargetLogID,
		SourceVT:    vt,
	}, nil
}

// Handle is the transport.Server dispatch entrypoint: decode the
// discriminator byte, run the matching handler, and frame the reply.
func (a *Acceptor) Handle(ctx context.Context, payload []byte) []byte {
	kind, body, err := transport.DecodeRequest(payload)
	if err != nil {
		return transport.EncodeReadFailureReply(err)
	}

	switch kind {
	case transport.RequestKindInfo:
		req, err := wire.DecodeInfoRequest(body)
		if err != nil {
			return transport.EncodeReadFailureReply(err)
		}
		info, err := a.GetReplicationEndpointInfo(ctx, req)
		if err != nil {
			return transport.EncodeReadFailureReply(err)
		}
		reply, err := transport.EncodeEndpointInfoReply(info)
		if err != nil {
			return transport.EncodeReadFailureReply(err)
		}
		return reply

	case transport.RequestKindSync:
		req, err := wire.DecodeSynchronizeProgressRequest(body)
		if err != nil {
			return transport.EncodeReadFailureReply(err)
		}
		info, err := a.SynchronizeProgress(ctx, req)
		if err != nil {
			return transport.EncodeReadFailureReply(err)
		}
		reply, err := transport.EncodeEndpointInfoReply(info)
		if err != nil {
			return transport.EncodeReadFailureReply(err)
		}
		return reply

	case transport.RequestKindRead:
		env, err := wire.DecodeReadEnvelope(body)
		if err != nil {
			return transport.EncodeReadFailureReply(err)
		}
		result, err := a.HandleReplicationRead(ctx, env)
		if err != nil {
			a.log.Warn("replication read rejected", "error", err)
			return transport.EncodeReadFailureReply(err)
		}
		reply, err := transport.EncodeReadSuccessReply(result)
		if err != nil {
			return transport.EncodeReadFailureReply(err)
		}
		return reply

	default:
		return transport.EncodeReadFailureReply(fmt.Errorf("unknown request kind %d", kind))
	}
}
