package recovery

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"replicore/pkg/event"
	"replicore/pkg/eventlog"
	"replicore/pkg/filters"
	"replicore/pkg/replerrors"
	"replicore/pkg/replication"
	"replicore/pkg/snapshot"
	"replicore/pkg/types"
	"replicore/pkg/vtime"
	"replicore/pkg/wire"
)

// fakeLog is a minimal eventlog.Log double: it tracks a vector time keyed
// by emitter so recoverLink's catch-up check can be driven deterministically
// from test-supplied write results.
type fakeLog struct {
	mu sync.Mutex

	id       types.LogID
	seq      types.SequenceNr
	vt       vtime.VectorTime
	progress map[types.LogID]types.SequenceNr

	writeCalls int
	writeErr   error
}

func newFakeLog(id types.LogID) *fakeLog {
	return &fakeLog{id: id, vt: vtime.VectorTime{}, progress: make(map[types.LogID]types.SequenceNr)}
}

func (f *fakeLog) ID() types.LogID { return f.id }

func (f *fakeLog) Append(ctx context.Context, payload []byte, causalContext vtime.VectorTime, emitter types.EndpointID) (event.DurableEvent, error) {
	return event.DurableEvent{}, errors.New("not used by recovery tests")
}

func (f *fakeLog) Read(ctx context.Context, fromSeq types.SequenceNr, maxEvents, scanLimit int, filter filters.Filter) ([]event.DurableEvent, types.SequenceNr, error) {
	return nil, 0, errors.New("not used by recovery tests")
}

func (f *fakeLog) GetReplicationProgress(ctx context.Context, sourceLogID types.LogID) (types.SequenceNr, vtime.VectorTime, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.progress[sourceLogID], f.vt.Copy(), nil
}

func (f *fakeLog) ReplicationWrite(ctx context.Context, events []event.DurableEvent, progress types.SequenceNr, sourceLogID types.LogID, sourceVT vtime.VectorTime, continueFlag bool) (eventlog.WriteResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writeCalls++
	if f.writeErr != nil {
		return eventlog.WriteResult{}, f.writeErr
	}
	f.vt = f.vt.Merge(sourceVT)
	if progress > f.progress[sourceLogID] {
		f.progress[sourceLogID] = progress
	}
	return eventlog.WriteResult{StoredProgress: f.progress[sourceLogID], TargetVT: f.vt.Copy(), Applied: len(events)}, nil
}

func (f *fakeLog) ResetReplicationProgress(ctx context.Context, sourceLogID types.LogID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.progress, sourceLogID)
	return nil
}

func (f *fakeLog) Delete(ctx context.Context, toSeq types.SequenceNr, remoteLogIDs []types.LogID) (types.SequenceNr, error) {
	return 0, errors.New("not used by recovery tests")
}

func (f *fakeLog) CurrentSequenceNr(ctx context.Context) (types.SequenceNr, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.seq, nil
}

func (f *fakeLog) CurrentVectorTime(ctx context.Context) (vtime.VectorTime, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.vt.Copy(), nil
}

func (f *fakeLog) AdjustClock(ctx context.Context, minSequenceNr types.SequenceNr) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.seq < minSequenceNr {
		f.seq = minSequenceNr
	}
	return nil
}

var _ eventlog.Log = (*fakeLog)(nil)

// fakeRecoveryTransport answers SynchronizeProgress with a canned reply and
// ReplicationRead with a single batch that brings the caller's vector time
// up to remoteSeq for the given remote endpoint. The reply's NewProgress
// (remoteSeq) is at or above its FromSeq, so Continue() is true and
// recoverLink's loop re-checks the catch-up condition at once and exits.
type fakeRecoveryTransport struct {
	syncReply    wire.ReplicationEndpointInfo
	syncErr      error
	remoteID     types.EndpointID
	remoteSeq    types.SequenceNr
	readErr      error
	readsIssued  int
	mu           sync.Mutex
}

func (f *fakeRecoveryTransport) GetReplicationEndpointInfo(ctx context.Context, addr types.PeerAddress, r wire.GetReplicationEndpointInfo) (wire.ReplicationEndpointInfo, error) {
	return wire.ReplicationEndpointInfo{}, errors.New("not used by recovery tests")
}

func (f *fakeRecoveryTransport) SynchronizeProgress(ctx context.Context, addr types.PeerAddress, r wire.SynchronizeProgressRequest) (wire.ReplicationEndpointInfo, error) {
	if f.syncErr != nil {
		return wire.ReplicationEndpointInfo{}, f.syncErr
	}
	return f.syncReply, nil
}

func (f *fakeRecoveryTransport) ReplicationRead(ctx context.Context, addr types.PeerAddress, env wire.ReplicationReadEnvelope) (wire.ReplicationReadSuccess, error) {
	f.mu.Lock()
	f.readsIssued++
	f.mu.Unlock()
	if f.readErr != nil {
		return wire.ReplicationReadSuccess{}, f.readErr
	}
	return wire.ReplicationReadSuccess{
		Events:      nil,
		FromSeq:     env.Read.FromSeq,
		NewProgress: f.remoteSeq,
		TargetLogID: env.Read.TargetLogID,
		SourceVT:    vtime.New(map[types.EndpointID]types.SequenceNr{f.remoteID: f.remoteSeq}),
	}, nil
}

func testConfig() Config {
	return Config{
		SelfID:            types.EndpointID("local"),
		AppName:           "app",
		AppVersion:        types.DefaultApplicationVersion(),
		ReadTimeout:       time.Second,
		RemoteReadTimeout: time.Second,
		WriteTimeout:      time.Second,
		WriteBatchSize:    10,
		RemoteScanLimit:   100,
		RetryDelay:        time.Millisecond,
	}
}

func TestCoordinatorFailsWithoutConnections(t *testing.T) {
	c := New(testConfig(), map[types.LogName]eventlog.Log{}, map[types.EndpointID]replication.Connection{}, &fakeRecoveryTransport{}, snapshot.NewIndex())
	if err := c.Recover(context.Background()); err == nil {
		t.Fatal("expected an error with no configured connections")
	}
}

func TestCoordinatorRecoversAndAdjustsClocks(t *testing.T) {
	local := newFakeLog(types.LogID("local-orders"))
	localLogs := map[types.LogName]eventlog.Log{"orders": local}

	remoteID := types.EndpointID("remote")
	connections := map[types.EndpointID]replication.Connection{
		remoteID: {Host: "127.0.0.1", Port: 7000, PeerSystemName: "remote"},
	}

	transport := &fakeRecoveryTransport{
		remoteID:  remoteID,
		remoteSeq: 5,
		syncReply: wire.ReplicationEndpointInfo{
			EndpointID:     remoteID,
			LogSequenceNrs: map[types.LogName]types.SequenceNr{"orders": 5},
		},
	}

	idx := snapshot.NewIndex()
	// A snapshot taken before recovery that observed nothing the log
	// didn't already know about (the ordinary bidirectional catch-up
	// case, with no local data loss) must survive recovery: a log's
	// vector time only grows during normal replication, so a covered
	// vector time of {} stays <= whatever the log ends up at.
	handle := idx.Take(local.ID(), vtime.VectorTime{})

	c := New(testConfig(), localLogs, connections, transport, idx)
	if err := c.Recover(context.Background()); err != nil {
		t.Fatalf("recover: %v", err)
	}

	if transport.readsIssued == 0 {
		t.Fatal("expected recoverLink to issue at least one replication read")
	}
	if got := local.vt[remoteID]; got != 5 {
		t.Fatalf("local vector time[remote] = %d, want 5", got)
	}
	if !handle.Valid() {
		t.Fatal("a snapshot covering no lost data must remain valid after recovery")
	}
	if local.seq < local.vt[types.EndpointID("local")] {
		t.Fatal("adjustLocalClocks did not restore I5")
	}
}

func TestCoordinatorRecoveryInvalidatesSnapshotsCoveringLostData(t *testing.T) {
	local := newFakeLog(types.LogID("local-orders"))
	localLogs := map[types.LogName]eventlog.Log{"orders": local}

	remoteID := types.EndpointID("remote")
	connections := map[types.EndpointID]replication.Connection{
		remoteID: {Host: "127.0.0.1", Port: 7000, PeerSystemName: "remote"},
	}

	transport := &fakeRecoveryTransport{
		remoteID:  remoteID,
		remoteSeq: 5,
		syncReply: wire.ReplicationEndpointInfo{
			EndpointID:     remoteID,
			LogSequenceNrs: map[types.LogName]types.SequenceNr{"orders": 5},
		},
	}

	idx := snapshot.NewIndex()
	// A snapshot that had observed a locally emitted event recovery never
	// recovers (simulating the log having lost that event) covers a
	// vector time the log's post-recovery vector time can no longer
	// account for, and must be invalidated.
	lossy := idx.Take(local.ID(), vtime.New(map[types.EndpointID]types.SequenceNr{"local": 3}))

	c := New(testConfig(), localLogs, connections, transport, idx)
	if err := c.Recover(context.Background()); err != nil {
		t.Fatalf("recover: %v", err)
	}

	if lossy.Valid() {
		t.Fatal("expected a snapshot covering data the log never recovered to be invalidated")
	}
}

func TestCoordinatorWrapsSynchronizeFailureAsNonPartialRecoveryError(t *testing.T) {
	localLogs := map[types.LogName]eventlog.Log{"orders": newFakeLog(types.LogID("local-orders"))}
	connections := map[types.EndpointID]replication.Connection{
		types.EndpointID("remote"): {Host: "127.0.0.1", Port: 7000, PeerSystemName: "remote"},
	}
	transport := &fakeRecoveryTransport{syncErr: errors.New("peer unreachable")}

	c := New(testConfig(), localLogs, connections, transport, snapshot.NewIndex())
	err := c.Recover(context.Background())
	if err == nil {
		t.Fatal("expected an error")
	}
	var recErr *replerrors.RecoveryError
	if !errors.As(err, &recErr) {
		t.Fatalf("expected a *replerrors.RecoveryError, got %T", err)
	}
	if recErr.Step != "synchronize_replication_progresses_with_remote" {
		t.Fatalf("step = %q, want synchronize_replication_progresses_with_remote", recErr.Step)
	}
	if len(recErr.PartialUpdate) != 0 {
		t.Fatalf("partial update = %v, want empty (no writes could have occurred yet)", recErr.PartialUpdate)
	}
}
