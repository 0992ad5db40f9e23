package acceptor

import (
	"context"
	"testing"
	"time"

	"replicore/pkg/eventlog"
	"replicore/pkg/filters"
	"replicore/pkg/peerauth"
	"replicore/pkg/replication"
	"replicore/pkg/replicator"
	"replicore/pkg/snapshot"
	"replicore/pkg/types"
	"replicore/pkg/wire"
)

func newTestAcceptor() (*Acceptor, eventlog.Log) {
	log := eventlog.NewMemLog(types.LogID("local-orders"))
	logs := map[types.LogName]eventlog.Log{"orders": log}
	a := New(types.EndpointID("local"), "app", types.DefaultApplicationVersion(), logs, filters.NoFilters(), nil, snapshot.NewIndex())
	return a, log
}

func TestAcceptorRejectsReadsInRecoveryMode(t *testing.T) {
	a, log := newTestAcceptor()
	ctx := context.Background()
	_, err := log.Append(ctx, []byte("payload"), nil, types.EndpointID("local"))
	if err != nil {
		t.Fatalf("append: %v", err)
	}

	env := wire.ReplicationReadEnvelope{
		Read:          wire.ReplicationRead{TargetLogID: types.LogID("local-orders"), FromSeq: 1, MaxEvents: 10, ScanLimit: 10},
		SourceLogName: "orders",
		AppName:       "app",
		AppVersion:    types.DefaultApplicationVersion(),
	}
	_, err = a.HandleReplicationRead(ctx, env)
	if err == nil {
		t.Fatal("expected an error while in recovery mode, got nil")
	}
}

func TestAcceptorServesReadsAfterEnteringNormalMode(t *testing.T) {
	a, log := newTestAcceptor()
	ctx := context.Background()
	if _, err := log.Append(ctx, []byte("payload"), nil, types.EndpointID("local")); err != nil {
		t.Fatalf("append: %v", err)
	}
	a.EnterNormalMode()

	env := wire.ReplicationReadEnvelope{
		Read:          wire.ReplicationRead{TargetLogID: types.LogID("local-orders"), FromSeq: 1, MaxEvents: 10, ScanLimit: 10},
		SourceLogName: "orders",
		AppName:       "app",
		AppVersion:    types.DefaultApplicationVersion(),
	}
	result, err := a.HandleReplicationRead(ctx, env)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(result.Events) != 1 {
		t.Fatalf("got %d events, want 1", len(result.Events))
	}
}

func TestAcceptorRejectsIncompatibleApplicationVersion(t *testing.T) {
	a, _ := newTestAcceptor()
	a.EnterNormalMode()

	env := wire.ReplicationReadEnvelope{
		Read:          wire.ReplicationRead{TargetLogID: types.LogID("local-orders"), FromSeq: 1, MaxEvents: 10, ScanLimit: 10},
		SourceLogName: "orders",
		AppName:       "app", // same application name as self
		AppVersion:    types.ApplicationVersion{Major: 0}, // below self's default (1.0.0)
	}
	_, err := a.HandleReplicationRead(context.Background(), env)
	if err == nil {
		t.Fatal("expected an incompatibility error, got nil")
	}
}

func TestAcceptorAllowsDifferentApplicationNameUnconditionally(t *testing.T) {
	a, _ := newTestAcceptor()
	a.EnterNormalMode()

	env := wire.ReplicationReadEnvelope{
		Read:          wire.ReplicationRead{TargetLogID: types.LogID("local-orders"), FromSeq: 1, MaxEvents: 10, ScanLimit: 10},
		SourceLogName: "orders",
		AppName:       "other-app",
		AppVersion:    types.ApplicationVersion{Major: 0},
	}
	if _, err := a.HandleReplicationRead(context.Background(), env); err != nil {
		t.Fatalf("expected differing application name to bypass the gate, got: %v", err)
	}
}

func TestAcceptorRejectsInvalidAuthToken(t *testing.T) {
	log := eventlog.NewMemLog(types.LogID("local-orders"))
	logs := map[types.LogName]eventlog.Log{"orders": log}
	verifier := peerauth.NewVerifier([]byte("secret"))
	a := New(types.EndpointID("local"), "app", types.DefaultApplicationVersion(), logs, filters.NoFilters(), verifier, snapshot.NewIndex())
	a.EnterNormalMode()

	env := wire.ReplicationReadEnvelope{
		Read:          wire.ReplicationRead{TargetLogID: types.LogID("local-orders"), FromSeq: 1, MaxEvents: 10, ScanLimit: 10},
		SourceLogName: "orders",
		AppName:       "app",
		AppVersion:    types.DefaultApplicationVersion(),
		AuthToken:     "not-a-real-token",
	}
	if _, err := a.HandleReplicationRead(context.Background(), env); err == nil {
		t.Fatal("expected an authentication error, got nil")
	}
}

func TestAcceptorAcceptsSignedAuthToken(t *testing.T) {
	log := eventlog.NewMemLog(types.LogID("local-orders"))
	logs := map[types.LogName]eventlog.Log{"orders": log}
	secret := []byte("secret")
	verifier := peerauth.NewVerifier(secret)
	signer := peerauth.NewSigner(secret, time.Minute)
	a := New(types.EndpointID("local"), "app", types.DefaultApplicationVersion(), logs, filters.NoFilters(), verifier, snapshot.NewIndex())
	a.EnterNormalMode()

	token, err := signer.Sign(types.EndpointID("remote"))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	env := wire.ReplicationReadEnvelope{
		Read:          wire.ReplicationRead{TargetLogID: types.LogID("local-orders"), FromSeq: 1, MaxEvents: 10, ScanLimit: 10},
		SourceLogName: "orders",
		AppName:       "app",
		AppVersion:    types.DefaultApplicationVersion(),
		AuthToken:     token,
	}
	if _, err := a.HandleReplicationRead(context.Background(), env); err != nil {
		t.Fatalf("expected a validly signed token to be accepted, got: %v", err)
	}
}

func TestAcceptorNotifyWriteSuccessDoesNotPanicWithNoSubscribers(t *testing.T) {
	a, _ := newTestAcceptor()
	targetLogID := types.LogID("local-orders")
	link := replication.Link{Target: replication.Target{LogID: targetLogID}}
	writer := replicator.New(link, replicator.Config{ReadTimeout: time.Second, RemoteReadTimeout: time.Second, WriteTimeout: time.Second, RetryDelay: time.Second}, nil, nil, "local", "app", types.DefaultApplicationVersion()).Handle()

	// No subscribers registered yet: NotifyWriteSuccess must be a no-op,
	// not a panic on a missing map entry.
	a.NotifyWriteSuccess(targetLogID, writer)
}

func TestAcceptorSubscribeUnsubscribeRoundTrip(t *testing.T) {
	a, _ := newTestAcceptor()
	targetLogID := types.LogID("local-orders")
	link := replication.Link{Target: replication.Target{LogID: targetLogID}}
	h := replicator.New(link, replicator.Config{ReadTimeout: time.Second, RemoteReadTimeout: time.Second, WriteTimeout: time.Second, RetryDelay: time.Second}, nil, nil, "local", "app", types.DefaultApplicationVersion()).Handle()

	a.Subscribe(h)
	if len(a.subscribers[targetLogID]) != 1 {
		t.Fatalf("subscriber count = %d, want 1", len(a.subscribers[targetLogID]))
	}
	a.Unsubscribe(h)
	if len(a.subscribers[targetLogID]) != 0 {
		t.Fatalf("subscriber count after unsubscribe = %d, want 0", len(a.subscribers[targetLogID]))
	}
}
