// Command replnode runs one replication endpoint process: it loads
// configuration, builds the endpoint facade, serves the peer wire protocol
// and the admin HTTP API, and blocks until interrupted.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"replicore/internal/config"
	"replicore/pkg/adminapi"
	"replicore/pkg/discovery"
	"replicore/pkg/endpoint"
	"replicore/pkg/eventlog"
	"replicore/pkg/filters"
	"replicore/pkg/metrics"
	"replicore/pkg/replication"
	"replicore/pkg/transport"
	"replicore/pkg/types"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	configPath := os.Getenv("REPLICORE_CONFIG")
	if configPath == "" {
		configPath = "replicore.yaml"
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	initLogger(cfg)

	if cfg.Endpoint.ID == "" {
		slog.Error("endpoint.id is required")
		os.Exit(1)
	}

	appVersion, err := cfg.ApplicationVersion()
	if err != nil {
		slog.Error("invalid application version", "error", err)
		os.Exit(1)
	}

	connections, err := buildConnections(cfg)
	if err != nil {
		slog.Error("invalid endpoint.connections", "error", err)
		os.Exit(1)
	}

	// A single "orders" log is the demo/reference in-memory log; a real
	// deployment plugs in an eventlog.Log backed by the durable engine it
	// runs alongside.
	logs := map[types.LogName]eventlog.Log{
		"orders": eventlog.NewMemLog(types.DeriveLogID(types.EndpointID(cfg.Endpoint.ID), "orders")),
	}

	pt := transport.NewClient(cfg.Log.Replication.RemoteReadTimeout)

	var registry *discovery.Registry
	if zkServers := os.Getenv("REPLICORE_ZK_SERVERS"); zkServers != "" {
		registry, err = discovery.NewRegistry(strings.Split(zkServers, ","), "/replicore")
		if err != nil {
			slog.Error("connect to zookeeper", "error", err)
			os.Exit(1)
		}
		defer registry.Close()
	}

	var authSecret []byte
	if cfg.Auth.Secret != "" {
		authSecret = []byte(cfg.Auth.Secret)
	}

	ep, err := endpoint.New(endpoint.Config{
		SelfID:                types.EndpointID(cfg.Endpoint.ID),
		AppName:               cfg.ApplicationName(),
		AppVersion:            appVersion,
		WriteBatchSize:        cfg.Log.WriteBatchSize,
		WriteTimeout:          cfg.Log.WriteTimeout,
		ReadTimeout:           cfg.Log.ReadTimeout,
		RemoteReadTimeout:     cfg.Log.Replication.RemoteReadTimeout,
		RemoteScanLimit:       cfg.Log.Replication.RemoteScanLimit,
		RetryDelay:            cfg.Log.Replication.RetryDelay,
		FailureDetectionLimit: cfg.Log.Replication.FailureDetectionLimit,
		AuthTokenTTL:          cfg.Auth.TokenTTL,
		AuthSecret:            authSecret,
	}, logs, connections, filters.NoFilters(), pt, registry)
	if err != nil {
		slog.Error("build endpoint", "error", err)
		os.Exit(1)
	}

	if registry != nil {
		selfAddr, err := parsePeerAddress("tcp", cfg.Endpoint.ListenAddress)
		if err != nil {
			slog.Error("parse endpoint.listen-address", "error", err)
			os.Exit(1)
		}
		if err := registry.RegisterSelf(types.EndpointID(cfg.Endpoint.ID), selfAddr); err != nil {
			slog.Error("register self in zookeeper", "error", err)
			os.Exit(1)
		}
	}

	wireServer, err := transport.NewServer("tcp://"+cfg.Endpoint.ListenAddress, ep.Acceptor().Handle)
	if err != nil {
		slog.Error("start wire server", "error", err)
		os.Exit(1)
	}
	defer wireServer.Close()
	go func() {
		if err := wireServer.Serve(ctx); err != nil && ctx.Err() == nil {
			slog.Error("wire server stopped", "error", err)
		}
	}()

	promRegistry := prometheus.NewRegistry()
	collector := metrics.NewPrometheus(promRegistry)
	go metrics.PublishSelfHealth(ctx, collector, 15*time.Second)

	admin := adminapi.NewServer(ep, promRegistry, cfg.Admin.ListenAddress)
	admin.Start()

	// Recover and Activate are mutually exclusive on a given *Endpoint: a
	// failed Recover leaves it permanently activated (DESIGN.md Open
	// Question 3), so there is no in-process fallback to plain activation
	// after a failed recovery attempt. An operator must restart the
	// process to retry from a fresh Endpoint.
	if len(connections) > 0 {
		if err := ep.Recover(ctx); err != nil {
			slog.Error("recover endpoint", "error", err)
			os.Exit(1)
		}
	} else if err := ep.Activate(ctx); err != nil {
		slog.Error("activate endpoint", "error", err)
		os.Exit(1)
	}

	slog.Info("replnode running", "endpoint_id", cfg.Endpoint.ID, "listen", cfg.Endpoint.ListenAddress, "admin", cfg.Admin.ListenAddress)

	<-ctx.Done()
	slog.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := admin.Stop(shutdownCtx); err != nil {
		slog.Warn("admin server shutdown", "error", err)
	}
}

func initLogger(cfg config.Config) {
	var handler slog.Handler
	opts := &slog.HandlerOptions{AddSource: false}
	if cfg.Logger.JSON {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	slog.SetDefault(slog.New(handler))
}

// buildConnections parses "remote-endpoint-id@host:port" entries.
func buildConnections(cfg config.Config) (map[types.EndpointID]replication.Connection, error) {
	connections := make(map[types.EndpointID]replication.Connection, len(cfg.Endpoint.Connections))
	for _, raw := range cfg.Endpoint.Connections {
		id, hostport, ok := strings.Cut(raw, "@")
		if !ok {
			return nil, fmt.Errorf("connection %q: expected form \"endpoint-id@host:port\"", raw)
		}
		host, portStr, err := net.SplitHostPort(hostport)
		if err != nil {
			return nil, fmt.Errorf("connection %q: %w", raw, err)
		}
		port, err := strconv.Atoi(portStr)
		if err != nil {
			return nil, fmt.Errorf("connection %q: invalid port: %w", raw, err)
		}
		connections[types.EndpointID(id)] = replication.Connection{
			Host:           host,
			Port:           port,
			PeerSystemName: "acceptor",
		}
	}
	return connections, nil
}

func parsePeerAddress(proto, listenAddr string) (types.PeerAddress, error) {
	host, portStr, err := net.SplitHostPort(listenAddr)
	if err != nil {
		return types.PeerAddress{}, err
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return types.PeerAddress{}, err
	}
	return types.PeerAddress{Protocol: proto, SystemName: "acceptor", Host: host, Port: port}, nil
}
