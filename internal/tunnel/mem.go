package tunnel

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"bdt/internal/protocol"
	"bdt/internal/types"
)

const memInboxSize = 256

// MemNetwork relie des piles dans le même processus. Chaque package traverse
// l'encodage du protocole comme sur un vrai transport.
type MemNetwork struct {
	logger *slog.Logger

	mu    sync.RWMutex
	nodes map[types.DeviceId]Handler
	seq   uint32
}

func NewMemNetwork(logger *slog.Logger) *MemNetwork {
	if logger == nil {
		logger = slog.Default().With("component", "mem_network")
	}
	return &MemNetwork{logger: logger, nodes: make(map[types.DeviceId]Handler)}
}

// Register rend id joignable; h reçoit ses tunnels entrants.
func (n *MemNetwork) Register(id types.DeviceId, h Handler) {
	n.mu.Lock()
	n.nodes[id] = h
	n.mu.Unlock()
}

func (n *MemNetwork) Unregister(id types.DeviceId) {
	n.mu.Lock()
	delete(n.nodes, id)
	n.mu.Unlock()
}

// Connector retourne un Connector sortant depuis local.
func (n *MemNetwork) Connector(local types.DeviceId) Connector {
	return &memConnector{net: n, local: local}
}

type memConnector struct {
	net   *MemNetwork
	local types.DeviceId
}

func (mc *memConnector) Connect(ctx context.Context, desc types.DeviceDesc, h Handler) (Tunnel, error) {
	mc.net.mu.Lock()
	remoteHandler, ok := mc.net.nodes[desc.Id]
	mc.net.seq++
	seq := mc.net.seq
	mc.net.mu.Unlock()
	if !ok {
		return nil, types.NewError(types.NotConnected, "device %s unreachable", desc.Id)
	}

	local := newMemTunnel(desc.Id, h, mc.net.logger)
	remote := newMemTunnel(mc.local, remoteHandler, mc.net.logger)
	local.peer, remote.peer = remote, local
	go local.run()
	go remote.run()

	syn, err := roundTrip(&protocol.SynTunnel{From: mc.local, Seq: seq, Timestamp: uint64(time.Now().UnixMicro())})
	if err != nil {
		local.Close("handshake encode failed")
		return nil, err
	}
	if err := remoteHandler.OnTunnelEstablished(ctx, syn, remote); err != nil {
		local.Close("handshake refused")
		return nil, err
	}
	return local, nil
}

func roundTrip(pkg protocol.Package) (protocol.Package, error) {
	b, err := protocol.Encode(pkg)
	if err != nil {
		return nil, err
	}
	return protocol.Decode(b)
}

// memTunnel est une extrémité d'une paire de tunnels en mémoire.
type memTunnel struct {
	remote  types.DeviceId
	handler Handler
	peer    *memTunnel
	logger  *slog.Logger

	inbox     chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

func newMemTunnel(remote types.DeviceId, h Handler, logger *slog.Logger) *memTunnel {
	return &memTunnel{
		remote:  remote,
		handler: h,
		logger:  logger,
		inbox:   make(chan []byte, memInboxSize),
		done:    make(chan struct{}),
	}
}

func (t *memTunnel) Remote() types.DeviceId { return t.remote }

func (t *memTunnel) Done() <-chan struct{} { return t.done }

func (t *memTunnel) Send(ctx context.Context, pkg protocol.Package) error {
	b, err := protocol.Encode(pkg)
	if err != nil {
		return err
	}
	select {
	case <-t.done:
		return ErrTunnelClosed
	case <-t.peer.done:
		return ErrTunnelClosed
	default:
	}
	select {
	case t.peer.inbox <- b:
		return nil
	case <-t.done:
		return ErrTunnelClosed
	case <-t.peer.done:
		return ErrTunnelClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (t *memTunnel) Close(reason string) error {
	first := false
	t.closeOnce.Do(func() {
		first = true
		t.logger.Debug("Memory tunnel closed", "remote", t.remote, "reason", reason)
		close(t.done)
	})
	// Hors du Once: le pair rappelle Close sur cette extrémité.
	if first && t.peer != nil {
		t.peer.Close(reason)
	}
	return nil
}

func (t *memTunnel) run() {
	for {
		select {
		case <-t.done:
			return
		case b := <-t.inbox:
			pkg, err := protocol.Decode(b)
			if err != nil {
				t.logger.Warn("Dropping undecodable package", "remote", t.remote, "error", err)
				continue
			}
			t.handler.OnPackage(t, pkg)
		}
	}
}
