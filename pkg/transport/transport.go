// Package transport implements the peer-to-peer request/response channel
// replication links use to talk to a remote acceptor: a reliable,
// message-oriented transport with a symbolic peer address, per §6/§9. The
// concrete implementation is a mangos REQ/REP socket pair wrapped in a
// per-peer circuit breaker so a wedged peer fails fast instead of hanging
// every in-flight replicator.
package transport

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"go.nanomsg.org/mangos/v3"
	"go.nanomsg.org/mangos/v3/protocol/rep"
	"go.nanomsg.org/mangos/v3/protocol/req"
	_ "go.nanomsg.org/mangos/v3/transport/tcp"

	"replicore/pkg/types"
	"replicore/pkg/wire"
)

// PeerTransport is what a Connector/Replicator uses to talk to a remote
// acceptor. ReplicationWrite is intentionally absent: it is always a local
// log operation, never sent over the wire (spec §6).
type PeerTransport interface {
	GetReplicationEndpointInfo(ctx context.Context, addr types.PeerAddress, req wire.GetReplicationEndpointInfo) (wire.ReplicationEndpointInfo, error)
	ReplicationRead(ctx context.Context, addr types.PeerAddress, env wire.ReplicationReadEnvelope) (wire.ReplicationReadSuccess, error)
	SynchronizeProgress(ctx context.Context, addr types.PeerAddress, req wire.SynchronizeProgressRequest) (wire.ReplicationEndpointInfo, error)
}

// Client is a mangos-backed PeerTransport with one circuit breaker and one
// REQ socket per distinct peer address, opened lazily and reused.
type Client struct {
	mu       sync.Mutex
	sockets  map[string]mangos.Socket
	breakers map[string]*gobreaker.CircuitBreaker
	dialTimeout time.Duration
}

// NewClient builds a Client. dialTimeout is set as each new socket's
// default receive deadline; a call whose context carries a deadline
// replaces it with that deadline.
func NewClient(dialTimeout time.Duration) *Client {
	return &Client{
		sockets:     make(map[string]mangos.Socket),
		breakers:    make(map[string]*gobreaker.CircuitBreaker),
		dialTimeout: dialTimeout,
	}
}

func (c *Client) breakerFor(key string) *gobreaker.CircuitBreaker {
	c.mu.Lock()
	defer c.mu.Unlock()
	if b, ok := c.breakers[key]; ok {
		return b
	}
	b := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        key,
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	})
	c.breakers[key] = b
	return b
}

func (c *Client) socketFor(addr types.PeerAddress) (mangos.Socket, error) {
	key := addr.DialString()

	c.mu.Lock()
	if sock, ok := c.sockets[key]; ok {
		c.mu.Unlock()
		return sock, nil
	}
	c.mu.Unlock()

	sock, err := req.NewSocket()
	if err != nil {
		return nil, fmt.Errorf("new req socket: %w", err)
	}
	if err := sock.SetOption(mangos.OptionRecvDeadline, c.dialTimeout); err != nil {
		return nil, fmt.Errorf("set recv deadline: %w", err)
	}
	if err := sock.Dial(key); err != nil {
		return nil, fmt.Errorf("dial %s: %w", key, err)
	}

	c.mu.Lock()
	c.sockets[key] = sock
	c.mu.Unlock()
	return sock, nil
}

func (c *Client) call(ctx context.Context, addr types.PeerAddress, payload []byte) ([]byte, error) {
	key := addr.DialString()
	breaker := c.breakerFor(key)

	result, err := breaker.Execute(func() (interface{}, error) {
		sock, err := c.socketFor(addr)
		if err != nil {
			return nil, err
		}
		if deadline, ok := ctx.Deadline(); ok {
			_ = sock.SetOption(mangos.OptionSendDeadline, time.Until(deadline))
			_ = sock.SetOption(mangos.OptionRecvDeadline, time.Until(deadline))
		}
		if err := sock.Send(payload); err != nil {
			return nil, fmt.Errorf("send to %s: %w", key, err)
		}
		reply, err := sock.Recv()
		if err != nil {
			return nil, fmt.Errorf("recv from %s: %w", key, err)
		}
		return reply, nil
	})
	if err != nil {
		return nil, err
	}
	return result.([]byte), nil
}

// Message kind discriminators: the first byte of every frame names which
// wire schema follows, since a single REQ/REP socket pair carries info,
// read and progress-synchronization requests.
const (
	kindInfoRequest      byte = 1
	kindReadEnvelope     byte = 2
	kindSyncProgressReq  byte = 3
	kindEndpointInfo     byte = 1
	kindReadSuccess      byte = 2
	kindReadFailure      byte = 3
)

// GetReplicationEndpointInfo implements PeerTransport.
func (c *Client) GetReplicationEndpointInfo(ctx context.Context, addr types.PeerAddress, r wire.GetReplicationEndpointInfo) (wire.ReplicationEndpointInfo, error) {
	body, err := wire.EncodeInfoRequest(r)
	if err != nil {
		return wire.ReplicationEndpointInfo{}, fmt.Errorf("encode info request: %w", err)
	}
	reply, err := c.call(ctx, addr, append([]byte{kindInfoRequest}, body...))
	if err != nil {
		return wire.ReplicationEndpointInfo{}, err
	}
	if len(reply) < 1 || reply[0] != kindEndpointInfo {
		return wire.ReplicationEndpointInfo{}, fmt.Errorf("unexpected reply kind to info request")
	}
	return wire.DecodeEndpointInfo(reply[1:])
}

// SynchronizeProgress implements PeerTransport.
func (c *Client) SynchronizeProgress(ctx context.Context, addr types.PeerAddress, r wire.SynchronizeProgressRequest) (wire.ReplicationEndpointInfo, error) {
	body, err := wire.EncodeSynchronizeProgressRequest(r)
	if err != nil {
		return wire.ReplicationEndpointInfo{}, fmt.Errorf("encode synchronize progress request: %w", err)
	}
	reply, err := c.call(ctx, addr, append([]byte{kindSyncProgressReq}, body...))
	if err != nil {
		return wire.ReplicationEndpointInfo{}, err
	}
	if len(reply) < 1 || reply[0] != kindEndpointInfo {
		return wire.ReplicationEndpointInfo{}, fmt.Errorf("unexpected reply kind to synchronize progress request")
	}
	return wire.DecodeEndpointInfo(reply[1:])
}

// ReplicationRead implements PeerTransport.
func (c *Client) ReplicationRead(ctx context.Context, addr types.PeerAddress, env wire.ReplicationReadEnvelope) (wire.ReplicationReadSuccess, error) {
	body, err := wire.EncodeReadEnvelope(env)
	if err != nil {
		return wire.ReplicationReadSuccess{}, fmt.Errorf("encode read envelope: %w", err)
	}
	reply, err := c.call(ctx, addr, append([]byte{kindReadEnvelope}, body...))
	if err != nil {
		return wire.ReplicationReadSuccess{}, err
	}
	if len(reply) < 1 {
		return wire.ReplicationReadSuccess{}, fmt.Errorf("empty reply to read request")
	}
	switch reply[0] {
	case kindReadSuccess:
		return wire.DecodeReadSuccess(reply[1:])
	case kindReadFailure:
		return wire.ReplicationReadSuccess{}, fmt.Errorf("remote read failed: %s", string(reply[1:]))
	default:
		return wire.ReplicationReadSuccess{}, fmt.Errorf("unexpected reply kind %d to read request", reply[0])
	}
}

// Close tears down every open socket.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	var firstErr error
	for _, sock := range c.sockets {
		if err := sock.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

var _ PeerTransport = (*Client)(nil)

// Server exposes a local Acceptor over a mangos REP socket.
type Server struct {
	sock    mangos.Socket
	handler func(ctx context.Context, payload []byte) []byte
}

// NewServer binds a REP socket at bindAddr (a dial string such as
// "tcp://0.0.0.0:7000") and dispatches every request to handle.
func NewServer(bindAddr string, handle func(ctx context.Context, payload []byte) []byte) (*Server, error) {
	sock, err := rep.NewSocket()
	if err != nil {
		return nil, fmt.Errorf("new rep socket: %w", err)
	}
	if err := sock.Listen(bindAddr); err != nil {
		return nil, fmt.Errorf("listen %s: %w", bindAddr, err)
	}
	return &Server{sock: sock, handler: handle}, nil
}

// Serve blocks, dispatching requests until ctx is canceled.
func (s *Server) Serve(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		msg, err := s.sock.Recv()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			continue
		}
		reply := s.handler(ctx, msg)
		if err := s.sock.Send(reply); err != nil {
			continue
		}
	}
}

// Close shuts the listening socket down.
func (s *Server) Close() error {
	return s.sock.Close()
}

// DecodeRequest inspects a raw frame's discriminator byte and reports
// which handler on the acceptor side should process it.
func DecodeRequest(frame []byte) (kind byte, body []byte, err error) {
	if len(frame) < 1 {
		return 0, nil, fmt.Errorf("empty request frame")
	}
	return frame[0], frame[1:], nil
}

// EncodeEndpointInfoReply frames a ReplicationEndpointInfo reply.
func EncodeEndpointInfoReply(info wire.ReplicationEndpointInfo) ([]byte, error) {
	body, err := wire.EncodeEndpointInfo(info)
	if err != nil {
		return nil, err
	}
	return append([]byte{kindEndpointInfo}, body...), nil
}

// EncodeReadSuccessReply frames a ReplicationReadSuccess reply.
func EncodeReadSuccessReply(msg wire.ReplicationReadSuccess) ([]byte, error) {
	body, err := wire.EncodeReadSuccess(msg)
	if err != nil {
		return nil, err
	}
	return append([]byte{kindReadSuccess}, body...), nil
}

// EncodeReadFailureReply frames a read failure as a plain error string.
func EncodeReadFailureReply(cause error) []byte {
	return append([]byte{kindReadFailure}, []byte(cause.Error())...)
}

// RequestKindInfo/RequestKindRead/RequestKindSync expose the discriminator constants to
// callers outside this package (the acceptor's dispatch table).
const (
	RequestKindInfo = kindInfoRequest
	RequestKindRead = kindReadEnvelope
	RequestKindSync = kindSyncProgressReq
)
