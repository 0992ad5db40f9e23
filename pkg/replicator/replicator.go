// Package replicator implements the per-link replication state machine
// (C2): fetch progress, remote read, local write, idle, in a strict cycle,
// deduplicating causally via vector times carried on every message rather
// than performed by the replicator itself.
package replicator

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"replicore/pkg/detector"
	"replicore/pkg/eventlog"
	"replicore/pkg/peerauth"
	"replicore/pkg/replerrors"
	"replicore/pkg/replication"
	"replicore/pkg/scheduling"
	"replicore/pkg/transport"
	"replicore/pkg/types"
	"replicore/pkg/vtime"
	"replicore/pkg/wire"
)

// State names the four states of §4.3.
type State int

const (
	Fetching State = iota
	Reading
	Writing
	Idle
)

func (s State) String() string {
	switch s {
	case Fetching:
		return "fetching"
	case Reading:
		return "reading"
	case Writing:
		return "writing"
	case Idle:
		return "idle"
	default:
		return "unknown"
	}
}

// Config bundles the timeouts and batch sizing a link needs.
type Config struct {
	WriteBatchSize    int
	ReadTimeout       time.Duration
	RemoteReadTimeout time.Duration
	WriteTimeout      time.Duration
	RemoteScanLimit   int
	RetryDelay        time.Duration
}

// internal mailbox message types, one per transition input in §4.3's table.
type fetchProgressSuccess struct {
	progress types.SequenceNr
	targetVT vtime.VectorTime
}
type fetchProgressFailure struct{ cause error }
type readSuccess struct{ msg wire.ReplicationReadSuccess }
type readFailure struct{ cause error }
type writeSuccess struct {
	result       eventlog.WriteResult
	sourceLogID  types.LogID
	fromSeq      types.SequenceNr
	continueFlag bool
}
type writeFailure struct{ cause error }
type replicationDue struct{}
type fetchRetryFired struct{}

type mailboxMsg struct {
	fetchOK    *fetchProgressSuccess
	fetchErr   *fetchProgressFailure
	readOK     *readSuccess
	readErr    *readFailure
	writeOK    *writeSuccess
	writeErr   *writeFailure
	due        *replicationDue
	fetchRetry *fetchRetryFired
}

// Handle is the externally visible reference to a running Replicator, used
// by the local acceptor to deliver push notifications (ReplicationDue) and
// by the endpoint to report the link's state. The Replicator itself stops
// when the context passed to Run is cancelled.
type Handle struct {
	link  replication.Link
	due   chan mailboxMsg
	state *atomic.Int32
}

// TargetLogID reports which local log this replicator writes into, used
// by the acceptor to find subscribers for a given target log.
func (h *Handle) TargetLogID() types.LogID { return h.link.Target.LogID }

// SourceLogID reports which remote-derived log this link reads from, used
// by the admin API's link listing.
func (h *Handle) SourceLogID() types.LogID { return h.link.Source.LogID }

// SourceEndpointID reports the remote endpoint this link replicates from.
func (h *Handle) SourceEndpointID() types.EndpointID { return h.link.Source.EndpointID }

// State reports the replicator's current state, read without
// synchronization against the actor loop, safe for concurrent status
// reporting.
func (h *Handle) State() State { return State(h.state.Load()) }

// NotifyDue delivers a push ReplicationDue hint.
func (h *Handle) NotifyDue() {
	select {
	case h.due <- mailboxMsg{due: &replicationDue{}}:
	default:
	}
}

// Replicator drives one Link through Fetching -> Reading -> Writing -> Idle.
type Replicator struct {
	link      replication.Link
	cfg       Config
	transport transport.PeerTransport
	detector  *detector.Detector
	signer    *peerauth.Signer // nil disables outgoing auth tokens (test/dev)

	appName    types.ApplicationName
	appVersion types.ApplicationVersion
	selfID     types.EndpointID

	onWrite func() // nil disables the write-success push-notification hook

	in         chan mailboxMsg
	state      State
	stateAtomic atomic.Int32

	pendingTimer context.CancelFunc
	log          *slog.Logger
}

// setState updates both the actor-local state and the value Handle.State
// reads, keeping the two in lockstep on every transition.
func (r *Replicator) setState(s State) {
	r.state = s
	r.stateAtomic.Store(int32(s))
}

// New builds a Replicator for link, initially in the Fetching state.
func New(
	link replication.Link,
	cfg Config,
	pt transport.PeerTransport,
	det *detector.Detector,
	selfID types.EndpointID,
	appName types.ApplicationName,
	appVersion types.ApplicationVersion,
) *Replicator {
	return &Replicator{
		link:         link,
		cfg:          cfg,
		transport:    pt,
		detector:     det,
		selfID:       selfID,
		appName:      appName,
		appVersion:   appVersion,
		in:           make(chan mailboxMsg, 16),
		state:        Fetching,
		pendingTimer: func() {},
		log:          slog.With("component", "replicator", "link", string(link.Target.LogID)),
	}
}

// Handle returns the externally addressable handle for this replicator.
func (r *Replicator) Handle() *Handle {
	return &Handle{link: r.link, due: r.in, state: &r.stateAtomic}
}

// WithSigner attaches a peerauth.Signer so outgoing reads carry a signed
// token the remote acceptor can verify. Returns r for chaining.
func (r *Replicator) WithSigner(signer *peerauth.Signer) *Replicator {
	r.signer = signer
	return r
}

// WithWriteNotifier attaches fn to be called after every successful local
// write, so the owning endpoint can fan out a push notification to any
// sibling Replicator sharing this link's target log. Returns r for
// chaining.
func (r *Replicator) WithWriteNotifier(fn func()) *Replicator {
	r.onWrite = fn
	return r
}

// Run drives the state machine until ctx is canceled. It is meant to be
// launched on its own goroutine.
func (r *Replicator) Run(ctx context.Context) {
	r.enterFetching(ctx)
	for {
		select {
		case <-ctx.Done():
			r.pendingTimer()
			return
		case m := <-r.in:
			r.dispatch(ctx, m)
		}
	}
}

func (r *Replicator) dispatch(ctx context.Context, m mailboxMsg) {
	switch {
	case m.fetchOK != nil && r.state == Fetching:
		r.onFetchSuccess(ctx, *m.fetchOK)
	case m.fetchErr != nil && r.state == Fetching:
		r.onFetchFailure(ctx, *m.fetchErr)
	case m.readOK != nil && r.state == Reading:
		r.onReadSuccess(ctx, *m.readOK)
	case m.readErr != nil && r.state == Reading:
		r.onReadFailure(ctx, *m.readErr)
	case m.writeOK != nil && r.state == Writing:
		r.onWriteSuccess(ctx, *m.writeOK)
	case m.writeErr != nil && r.state == Writing:
		r.onWriteFailure(ctx, *m.writeErr)
	case m.due != nil && r.state == Idle:
		r.pendingTimer()
		r.enterFetching(ctx)
	case m.due != nil:
		// "any | ReplicationDue while not Idle -> ignore"
	case m.fetchRetry != nil && r.state == Fetching:
		r.enterFetching(ctx)
	case m.fetchRetry != nil:
		// stale retry timer from a state we've since left
	}
}

func (r *Replicator) enterFetching(ctx context.Context) {
	r.setState(Fetching)
	go func() {
		fetchCtx, cancel := context.WithTimeout(ctx, r.cfg.ReadTimeout)
		defer cancel()

		progress, targetVT, err := r.link.Target.Log.GetReplicationProgress(fetchCtx, r.link.Source.LogID)
		if err != nil {
			r.send(ctx, mailboxMsg{fetchErr: &fetchProgressFailure{cause: err}})
			return
		}
		r.send(ctx, mailboxMsg{fetchOK: &fetchProgressSuccess{progress: progress, targetVT: targetVT}})
	}()
}

func (r *Replicator) onFetchSuccess(ctx context.Context, m fetchProgressSuccess) {
	r.setState(Reading)
	r.issueRead(ctx, m.progress+1, m.targetVT)
}

func (r *Replicator) onFetchFailure(ctx context.Context, m fetchProgressFailure) {
	r.log.Warn("fetch progress failed", "error", m.cause)
	r.scheduleFetchRetry(ctx)
}

func (r *Replicator) issueRead(ctx context.Context, fromSeq types.SequenceNr, targetVT vtime.VectorTime) {
	go func() {
		readCtx, cancel := context.WithTimeout(ctx, r.cfg.RemoteReadTimeout)
		defer cancel()

		env := wire.ReplicationReadEnvelope{
			Read: wire.ReplicationRead{
				FromSeq:     fromSeq,
				MaxEvents:   r.cfg.WriteBatchSize,
				ScanLimit:   r.cfg.RemoteScanLimit,
				TargetLogID: r.link.Target.LogID,
				TargetVT:    targetVT,
			},
			SourceLogName: r.link.Source.LogName,
			AppName:       r.appName,
			AppVersion:    r.appVersion,
		}
		if r.signer != nil {
			if token, err := r.signer.Sign(r.selfID); err == nil {
				env.AuthToken = token
			}
		}

		result, err := r.transport.ReplicationRead(readCtx, r.link.Source.AcceptorAddr, env)
		if err != nil {
			cause := err
			if readCtx.Err() != nil {
				cause = replerrors.ErrReplicationReadTimeout
			}
			r.send(ctx, mailboxMsg{readErr: &readFailure{cause: cause}})
			return
		}
		r.send(ctx, mailboxMsg{readOK: &readSuccess{msg: result}})
	}()
}

func (r *Replicator) onReadSuccess(ctx context.Context, m readSuccess) {
	if r.detector != nil {
		r.detector.AvailabilityDetected()
	}
	r.setState(Writing)
	continueFlag := m.msg.Continue()
	go func() {
		writeCtx, cancel := context.WithTimeout(ctx, r.cfg.WriteTimeout)
		defer cancel()

		result, err := r.link.Target.Log.ReplicationWrite(writeCtx, m.msg.Events, m.msg.NewProgress, r.link.Source.LogID, m.msg.SourceVT, continueFlag)
		if err != nil {
			r.send(ctx, mailboxMsg{writeErr: &writeFailure{cause: err}})
			return
		}
		r.send(ctx, mailboxMsg{writeOK: &writeSuccess{
			result:       result,
			sourceLogID:  r.link.Source.LogID,
			fromSeq:      m.msg.FromSeq,
			continueFlag: continueFlag,
		}})
	}()
}

func (r *Replicator) onReadFailure(ctx context.Context, m readFailure) {
	if r.detector != nil {
		r.detector.FailureDetected(m.cause)
	}
	r.setState(Idle)
	r.scheduleDue(ctx)
}

func (r *Replicator) onWriteSuccess(ctx context.Context, m writeSuccess) {
	if r.onWrite != nil {
		r.onWrite()
	}
	if m.continueFlag {
		r.setState(Reading)
		r.issueRead(ctx, m.result.StoredProgress+1, m.result.TargetVT)
		return
	}
	r.setState(Idle)
	r.scheduleDue(ctx)
}

func (r *Replicator) onWriteFailure(ctx context.Context, m writeFailure) {
	r.log.Warn("replication write failed", "error", m.cause)
	r.setState(Idle)
	r.scheduleDue(ctx)
}

// scheduleDue arms a timer that self-delivers a ReplicationDue push after a
// jittered retry_delay, the transition Idle waits on to re-enter Fetching.
func (r *Replicator) scheduleDue(ctx context.Context) {
	delay := scheduling.Jitter(r.cfg.RetryDelay, 0.1)
	timerCtx, cancel := context.WithCancel(ctx)
	r.pendingTimer = cancel
	go func() {
		select {
		case <-time.After(delay):
			select {
			case r.in <- mailboxMsg{due: &replicationDue{}}:
			case <-timerCtx.Done():
			}
		case <-timerCtx.Done():
		}
	}()
}

// scheduleFetchRetry arms a timer that re-attempts GetReplicationProgress
// directly after a jittered retry_delay, without passing through Idle: per
// §4.3 a fetch failure retries fetching, it does not go idle.
func (r *Replicator) scheduleFetchRetry(ctx context.Context) {
	delay := scheduling.Jitter(r.cfg.RetryDelay, 0.1)
	timerCtx, cancel := context.WithCancel(ctx)
	r.pendingTimer = cancel
	go func() {
		select {
		case <-time.After(delay):
			select {
			case r.in <- mailboxMsg{fetchRetry: &fetchRetryFired{}}:
			case <-timerCtx.Done():
			}
		case <-timerCtx.Done():
		}
	}()
}

func (r *Replicator) send(ctx context.Context, m mailboxMsg) {
	select {
	case r.in <- m:
	case <-ctx.Done():
	}
}
