package adminapi

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"replicore/pkg/endpoint"
	"replicore/pkg/eventlog"
	"replicore/pkg/filters"
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

func newTestServer(t *testing.T) *Server {
	t.Helper()
	logs := map[types.LogName]eventlog.Log{"orders": eventlog.NewMemLog(types.LogID("local-orders"))}
	ep, err := endpoint.New(endpoint.Config{
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
	}, logs, map[types.EndpointID]replication.Connection{}, filters.NoFilters(), &fakeTransport{}, nil)
	if err != nil {
		t.Fatalf("new endpoint: %v", err)
	}
	return NewServer(ep, prometheus.NewRegistry(), "127.0.0.1:0")
}

func TestHealthEndpoint(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	s.router().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
}

func TestStatusEndpointReportsActivation(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	rec := httptest.NewRecorder()
	s.router().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
}

func TestActivateThenRecoverConflicts(t *testing.T) {
	s := newTestServer(t)

	rec := httptest.NewRecorder()
	s.router().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/activate", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("activate status = %d, want 200", rec.Code)
	}

	rec = httptest.NewRecorder()
	s.router().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/recover", nil))
	if rec.Code != http.StatusConflict {
		t.Fatalf("recover after activate status = %d, want 409", rec.Code)
	}
}

func TestDeleteRejectsMissingLogName(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodPost, "/delete", nil)
	rec := httptest.NewRecorder()
	s.router().ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestMetricsEndpointServesRegistry(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	s.router().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
}
