package connector

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"replicore/pkg/eventlog"
	"replicore/pkg/replication"
	"replicore/pkg/replicator"
	"replicore/pkg/types"
	"replicore/pkg/wire"
)

type fakeInfoTransport struct {
	mu     sync.Mutex
	calls  int
	failN  int // fail this many times before succeeding
	result wire.ReplicationEndpointInfo
}

func (f *fakeInfoTransport) GetReplicationEndpointInfo(ctx context.Context, addr types.PeerAddress, r wire.GetReplicationEndpointInfo) (wire.ReplicationEndpointInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.calls <= f.failN {
		return wire.ReplicationEndpointInfo{}, errors.New("peer unreachable")
	}
	return f.result, nil
}

func (f *fakeInfoTransport) SynchronizeProgress(ctx context.Context, addr types.PeerAddress, r wire.SynchronizeProgressRequest) (wire.ReplicationEndpointInfo, error) {
	return wire.ReplicationEndpointInfo{}, errors.New("not used by connector tests")
}

func (f *fakeInfoTransport) ReplicationRead(ctx context.Context, addr types.PeerAddress, env wire.ReplicationReadEnvelope) (wire.ReplicationReadSuccess, error) {
	return wire.ReplicationReadSuccess{}, errors.New("not used by connector tests")
}

func TestConnectorSpawnsOneReplicatorPerCommonLogName(t *testing.T) {
	localLogs := map[types.LogName]eventlog.Log{
		"orders": eventlog.NewMemLog(types.LogID("local-orders")),
		"audit":  eventlog.NewMemLog(types.LogID("local-audit")),
	}

	transport := &fakeInfoTransport{
		failN: 2,
		result: wire.ReplicationEndpointInfo{
			EndpointID: types.EndpointID("remote"),
			LogSequenceNrs: map[types.LogName]types.SequenceNr{
				"orders": 10,
				// "audit" intentionally absent: not a common log name.
				"unrelated": 3,
			},
		},
	}

	var spawnedMu sync.Mutex
	var spawnedLinks []replication.Link
	spawn := func(ctx context.Context, link replication.Link) *replicator.Handle {
		spawnedMu.Lock()
		spawnedLinks = append(spawnedLinks, link)
		spawnedMu.Unlock()
		r := replicator.New(link, replicator.Config{ReadTimeout: time.Second, RemoteReadTimeout: time.Second, WriteTimeout: time.Second, RetryDelay: time.Second}, transport, nil, types.EndpointID("local"), "app", types.DefaultApplicationVersion())
		return r.Handle()
	}

	c := New(
		types.EndpointID("remote"),
		replication.Connection{Host: "127.0.0.1", Port: 7000, PeerSystemName: "remote"},
		localLogs,
		Config{SelfID: types.EndpointID("local"), AppName: "app", AppVersion: types.DefaultApplicationVersion(), RetryDelay: 2 * time.Millisecond},
		transport,
		nil,
		spawn,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() {
		c.Run(ctx)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("connector.Run did not return after a successful info exchange")
	}

	if !c.Connected() {
		t.Fatal("connector did not mark itself connected")
	}

	spawnedMu.Lock()
	defer spawnedMu.Unlock()
	if len(spawnedLinks) != 1 {
		t.Fatalf("spawned %d links, want 1 (only the common log name)", len(spawnedLinks))
	}
	if spawnedLinks[0].Target.LogName != "orders" {
		t.Fatalf("spawned link target log name = %q, want orders", spawnedLinks[0].Target.LogName)
	}
	if spawnedLinks[0].Target.Log == nil {
		t.Fatal("spawned link's target log handle is nil")
	}
}

func TestConnectorPresetLinksSpawnImmediatelyWithoutPolling(t *testing.T) {
	localLogs := map[types.LogName]eventlog.Log{
		"orders": eventlog.NewMemLog(types.LogID("local-orders")),
	}
	transport := &fakeInfoTransport{failN: 1000} // would never succeed if polled

	var spawnCount int
	var mu sync.Mutex
	spawn := func(ctx context.Context, link replication.Link) *replicator.Handle {
		mu.Lock()
		spawnCount++
		mu.Unlock()
		r := replicator.New(link, replicator.Config{ReadTimeout: time.Second, RemoteReadTimeout: time.Second, WriteTimeout: time.Second, RetryDelay: time.Second}, transport, nil, types.EndpointID("local"), "app", types.DefaultApplicationVersion())
		return r.Handle()
	}

	c := New(
		types.EndpointID("remote"),
		replication.Connection{Host: "127.0.0.1", Port: 7000, PeerSystemName: "remote"},
		localLogs,
		Config{SelfID: types.EndpointID("local"), AppName: "app", AppVersion: types.DefaultApplicationVersion(), RetryDelay: time.Second},
		transport,
		nil,
		spawn,
	)

	link := replication.Link{
		Source: replication.Source{EndpointID: "remote", LogName: "orders", LogID: "remote-orders"},
		Target: replication.Target{OwningEndpoint: "local", LogName: "orders", LogID: "local-orders", Log: localLogs["orders"]},
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c.RunPreset(ctx, []replication.Link{link})

	mu.Lock()
	defer mu.Unlock()
	if spawnCount != 1 {
		t.Fatalf("spawn count = %d, want 1", spawnCount)
	}
	if transport.calls != 0 {
		t.Fatalf("preset connector polled the peer %d times, want 0", transport.calls)
	}
	if !c.Connected() {
		t.Fatal("preset connector did not mark itself connected")
	}
}
