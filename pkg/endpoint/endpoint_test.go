package endpoint

import (
	"context"
	"errors"
	"testing"
	"time"

	"replicore/pkg/eventlog"
	"replicore/pkg/filters"
	"replicore/pkg/replerrors"
	"replicore/pkg/replication"
	"replicore/pkg/types"
	"replicore/pkg/wire"
)

type fakeTransport struct{}

func (f *fakeTransport) GetReplicationEndpointInfo(ctx context.Context, addr types.PeerAddress, r wire.GetReplicationEndpointInfo) (wire.ReplicationEndpointInfo, error) {
	return wire.ReplicationEndpointInfo{}, errors.New("peer unreachable")
}

func (f *fakeTransport) SynchronizeProgress(ctx context.Context, addr types.PeerAddress, r wire.SynchronizeProgressRequest) (wire.ReplicationEndpointInfo, error) {
	return wire.ReplicationEndpointInfo{}, errors.New("peer unreachable")
}

func (f *fakeTransport) ReplicationRead(ctx context.Context, addr types.PeerAddress, env wire.ReplicationReadEnvelope) (wire.ReplicationReadSuccess, error) {
	return wire.ReplicationReadSuccess{}, errors.New("peer unreachable")
}

func testConfig() Config {
	return Config{
		SelfID:                types.EndpointID("local"),
		AppName:               "app",
		AppVersion:            types.DefaultApplicationVersion(),
		WriteBatchSize:        10,
		WriteTimeout:          time.Second,
		ReadTimeout:           time.Second,
		RemoteReadTimeout:     time.Second,
		RemoteScanLimit:       100,
		RetryDelay:            10 * time.Millisecond,
		FailureDetectionLimit: time.Second,
	}
}

func TestNewRejectsCollidingLogIDs(t *testing.T) {
	// A local log whose own id happens to equal the derived source id of
	// one of its own remote connections is a real collision the endpoint
	// must catch at construction rather than silently corrupt progress
	// tracking for later.
	remoteID := types.EndpointID("remote")
	collidingID := types.DeriveLogID(remoteID, "orders")

	logs := map[types.LogName]eventlog.Log{"orders": eventlog.NewMemLog(collidingID)}
	connections := map[types.EndpointID]replication.Connection{
		remoteID: {Host: "127.0.0.1", Port: 7000, PeerSystemName: "remote"},
	}

	_, err := New(testConfig(), logs, connections, filters.NoFilters(), &fakeTransport{}, nil)
	if !errors.Is(err, replerrors.ErrLogIDCollision) {
		t.Fatalf("expected ErrLogIDCollision, got %v", err)
	}
}

func TestActivateIsExclusiveWithRecover(t *testing.T) {
	logs := map[types.LogName]eventlog.Log{"orders": eventlog.NewMemLog(types.LogID("local-orders"))}
	connections := map[types.EndpointID]replication.Connection{
		types.EndpointID("remote"): {Host: "127.0.0.1", Port: 7000, PeerSystemName: "remote"},
	}

	e, err := New(testConfig(), logs, connections, filters.NoFilters(), &fakeTransport{}, nil)
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := e.Activate(ctx); err != nil {
		t.Fatalf("activate: %v", err)
	}
	if err := e.Activate(ctx); !errors.Is(err, replerrors.ErrIllegalState) {
		t.Fatalf("second activate: got %v, want ErrIllegalState", err)
	}
	if err := e.Recover(ctx); !errors.Is(err, replerrors.ErrIllegalState) {
		t.Fatalf("recover after activate: got %v, want ErrIllegalState", err)
	}
}

func TestRecoverFailsWithoutConnections(t *testing.T) {
	logs := map[types.LogName]eventlog.Log{"orders": eventlog.NewMemLog(types.LogID("local-orders"))}
	e, err := New(testConfig(), logs, map[types.EndpointID]replication.Connection{}, filters.NoFilters(), &fakeTransport{}, nil)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if err := e.Recover(context.Background()); !errors.Is(err, replerrors.ErrIllegalState) {
		t.Fatalf("recover with no connections: got %v, want ErrIllegalState", err)
	}
}

func TestDeleteAdvancesWatermark(t *testing.T) {
	logs := map[types.LogName]eventlog.Log{"orders": eventlog.NewMemLog(types.LogID("local-orders"))}
	e, err := New(testConfig(), logs, map[types.EndpointID]replication.Connection{}, filters.NoFilters(), &fakeTransport{}, nil)
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	watermark, err := e.Delete(context.Background(), "orders", 5, []types.EndpointID{"remote"})
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	if watermark != 0 {
		t.Fatalf("watermark = %d, want 0 (empty log, min(5, 0))", watermark)
	}
}

func TestLogIDMatchesDerivation(t *testing.T) {
	logs := map[types.LogName]eventlog.Log{"orders": eventlog.NewMemLog(types.LogID("local-orders"))}
	e, err := New(testConfig(), logs, map[types.EndpointID]replication.Connection{}, filters.NoFilters(), &fakeTransport{}, nil)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	want := types.DeriveLogID(types.EndpointID("local"), "orders")
	if got := e.LogID("orders"); got != want {
		t.Fatalf("LogID = %q, want %q", got, want)
	}
}

func TestCommonLogNames(t *testing.T) {
	logs := map[types.LogName]eventlog.Log{
		"orders": eventlog.NewMemLog(types.LogID("local-orders")),
		"audit":  eventlog.NewMemLog(types.LogID("local-audit")),
	}
	e, err := New(testConfig(), logs, map[types.EndpointID]replication.Connection{}, filters.NoFilters(), &fakeTransport{}, nil)
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	common := e.CommonLogNames(replication.EndpointInfo{
		EndpointID:     "remote",
		LogSequenceNrs: map[types.LogName]types.SequenceNr{"orders": 3, "unrelated": 1},
	})
	if _, ok := common["orders"]; !ok || len(common) != 1 {
		t.Fatalf("common log names = %v, want {orders}", common)
	}
}
