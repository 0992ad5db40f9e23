// Package discovery resolves a remote endpoint's acceptor address
// dynamically instead of relying only on a static config-supplied
// host:port, so a Connector can keep working across peer restarts that
// change the bound port or host. Endpoints register an ephemeral znode
// under a shared root path; a Connector resolves it on each connection
// attempt, falling back to its configured address when resolution fails.
package discovery

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/go-zookeeper/zk"

	"replicore/pkg/types"
)

// Registry publishes this endpoint's own acceptor address and resolves
// peers' addresses, both backed by a ZooKeeper ensemble.
type Registry struct {
	conn     *zk.Conn
	rootPath string
}

// NewRegistry connects to the given ZooKeeper ensemble. rootPath is the
// znode prefix under which every endpoint registers, e.g. "/replicore".
func NewRegistry(servers []string, rootPath string) (*Registry, error) {
	conn, _, err := zk.Connect(servers, 5*time.Second)
	if err != nil {
		return nil, fmt.Errorf("zk connect: %w", err)
	}
	return &Registry{conn: conn, rootPath: strings.TrimSuffix(rootPath, "/")}, nil
}

// Close releases the ZooKeeper session.
func (r *Registry) Close() error {
	r.conn.Close()
	return nil
}

func (r *Registry) endpointPath(id types.EndpointID) string {
	return fmt.Sprintf("%s/endpoints/%s", r.rootPath, string(id))
}

func (r *Registry) ensurePath(path string) error {
	cur := ""
	for _, part := range strings.Split(path, "/") {
		if part == "" {
			continue
		}
		cur = cur + "/" + part
		exists, _, err := r.conn.Exists(cur)
		if err != nil {
			return fmt.Errorf("zk exists %s: %w", cur, err)
		}
		if !exists {
			if _, err := r.conn.Create(cur, nil, 0, zk.WorldACL(zk.PermAll)); err != nil && err != zk.ErrNodeExists {
				return fmt.Errorf("zk create %s: %w", cur, err)
			}
		}
	}
	return nil
}

func (r *Registry) waitConnected(timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		switch r.conn.State() {
		case zk.StateConnected, zk.StateHasSession:
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("zk: not connected after %s", timeout)
		}
		time.Sleep(200 * time.Millisecond)
	}
}

// RegisterSelf publishes addr as this endpoint's acceptor address under an
// ephemeral znode: it disappears automatically if the process dies without
// deregistering, so stale entries can't outlive their owner.
func (r *Registry) RegisterSelf(id types.EndpointID, addr types.PeerAddress) error {
	if err := r.waitConnected(10 * time.Second); err != nil {
		return err
	}
	if err := r.ensurePath(r.rootPath + "/endpoints"); err != nil {
		return err
	}

	data, err := json.Marshal(addr)
	if err != nil {
		return fmt.Errorf("marshal peer address: %w", err)
	}

	path := r.endpointPath(id)
	if _, err := r.conn.Create(path, data, zk.FlagEphemeral, zk.WorldACL(zk.PermAll)); err != nil {
		if err != zk.ErrNodeExists {
			return fmt.Errorf("create endpoint znode %s: %w", path, err)
		}
		// A prior session's ephemeral node hasn't expired yet; overwrite it
		// with our current address rather than failing to register.
		if _, err := r.conn.Set(path, data, -1); err != nil {
			return fmt.Errorf("update endpoint znode %s: %w", path, err)
		}
	}
	return nil
}

// Resolve reads the current acceptor address for a remote endpoint.
func (r *Registry) Resolve(id types.EndpointID) (types.PeerAddress, error) {
	data, _, err := r.conn.Get(r.endpointPath(id))
	if err != nil {
		return types.PeerAddress{}, fmt.Errorf("resolve endpoint %s: %w", id, err)
	}
	var addr types.PeerAddress
	if err := json.Unmarshal(data, &addr); err != nil {
		return types.PeerAddress{}, fmt.Errorf("decode endpoint %s address: %w", id, err)
	}
	return addr, nil
}

// Watch streams every subsequent acceptor address for id until ctx is
// canceled, starting with the address current at the time Watch is called.
// A read error, other than ctx cancellation, is logged and the read is
// retried after two seconds; the stream ends only when ctx is canceled.
func (r *Registry) Watch(ctx context.Context, id types.EndpointID) <-chan types.PeerAddress {
	out := make(chan types.PeerAddress, 1)
	path := r.endpointPath(id)
	go func() {
		defer close(out)
		for {
			data, _, events, err := r.conn.GetW(path)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				slog.Warn("discovery: watch failed, retrying", "endpoint", id, "error", err)
				select {
				case <-time.After(2 * time.Second):
					continue
				case <-ctx.Done():
					return
				}
			}
			var addr types.PeerAddress
			if err := json.Unmarshal(data, &addr); err == nil {
				select {
				case out <- addr:
				case <-ctx.Done():
					return
				}
			}
			select {
			case <-events:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}
