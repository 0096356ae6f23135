package tunnel

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"bdt/internal/framing"
	"bdt/internal/protocol"
	"bdt/internal/types"

	"github.com/quic-go/quic-go"
)

const (
	alpnProtocol                = "bdt"
	defaultDialTimeout          = 5 * time.Second
	defaultHandshakeIdleTimeout = 10 * time.Second
	defaultMaxIdleTimeout       = 60 * time.Second
	defaultKeepAlivePeriod      = 15 * time.Second
	defaultMaxRetries           = 2
	defaultRetryBaseDelay       = 500 * time.Millisecond
	defaultSynTimeout           = 5 * time.Second
	closeErrorCodeNoError       = 0
	closeErrorCodeRefused       = 1
)

var ErrHandshakeRejected = errors.New("tunnel handshake rejected")

// QuicConfig configure le Connector QUIC.
type QuicConfig struct {
	Local                types.DeviceId
	TLSClientConfig      *tls.Config
	DialTimeout          time.Duration
	HandshakeIdleTimeout time.Duration
	MaxIdleTimeout       time.Duration
	KeepAlivePeriod      time.Duration
	MaxRetries           int // 0 signifie une seule tentative par endpoint
	RetryBaseDelay       time.Duration
	Logger               *slog.Logger
}

func (c *QuicConfig) setDefaults() {
	if c.DialTimeout <= 0 {
		c.DialTimeout = defaultDialTimeout
	}
	if c.HandshakeIdleTimeout <= 0 {
		c.HandshakeIdleTimeout = defaultHandshakeIdleTimeout
	}
	if c.MaxIdleTimeout <= 0 {
		c.MaxIdleTimeout = defaultMaxIdleTimeout
	}
	if c.KeepAlivePeriod <= 0 {
		c.KeepAlivePeriod = defaultKeepAlivePeriod
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = defaultMaxRetries
	}
	if c.RetryBaseDelay <= 0 {
		c.RetryBaseDelay = defaultRetryBaseDelay
	}
	if c.Logger == nil {
		c.Logger = slog.Default().With("component", "quic_connector")
	}
}

// QuicConnector ouvre un tunnel par connexion QUIC, sur un flux bidirectionnel unique.
type QuicConnector struct {
	config QuicConfig
	seq    atomic.Uint32
}

func NewQuicConnector(config QuicConfig) *QuicConnector {
	config.setDefaults()
	return &QuicConnector{config: config}
}

func (qc *QuicConnector) quicConfig() *quic.Config {
	return &quic.Config{
		MaxIdleTimeout:       qc.config.MaxIdleTimeout,
		HandshakeIdleTimeout: qc.config.HandshakeIdleTimeout,
		KeepAlivePeriod:      qc.config.KeepAlivePeriod,
	}
}

func (qc *QuicConnector) Connect(ctx context.Context, desc types.DeviceDesc, h Handler) (Tunnel, error) {
	if len(desc.Endpoints) == 0 {
		return nil, types.NewError(types.NotConnected, "no endpoint known for %s", desc.Id)
	}
	var lastErr error
	for _, addr := range desc.Endpoints {
		conn, err := qc.dial(ctx, addr)
		if err != nil {
			lastErr = err
			continue
		}
		t, err := qc.handshake(ctx, conn, desc.Id)
		if err != nil {
			qc.config.Logger.Warn("Tunnel handshake failed", "address", addr, "remote", desc.Id, "error", err)
			_ = conn.CloseWithError(closeErrorCodeRefused, "handshake failed")
			lastErr = err
			continue
		}
		go t.readLoop(h)
		return t, nil
	}
	return nil, lastErr
}

func (qc *QuicConnector) dial(ctx context.Context, addr string) (quic.Connection, error) {
	tlsConf := qc.config.TLSClientConfig
	if tlsConf == nil {
		tlsConf = &tls.Config{}
	}
	tlsConfCopy := tlsConf.Clone()
	tlsConfCopy.NextProtos = []string{alpnProtocol}

	var lastErr error
	for i := 0; i <= qc.config.MaxRetries; i++ {
		dialCtx, dialCancel := context.WithTimeout(ctx, qc.config.DialTimeout)
		qc.config.Logger.Debug("Attempting to dial QUIC connection", "address", addr, "attempt", i+1)
		conn, err := quic.DialAddr(dialCtx, addr, tlsConfCopy, qc.quicConfig())
		dialCancel()
		if err == nil {
			qc.config.Logger.Info("Successfully established QUIC connection", "address", addr)
			return conn, nil
		}
		lastErr = err
		qc.config.Logger.Warn("Failed to dial QUIC connection", "address", addr, "attempt", i+1, "error", err)

		if i < qc.config.MaxRetries {
			delay := qc.config.RetryBaseDelay * (1 << i) // Backoff exponentiel
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil, fmt.Errorf("dial context cancelled during retry: %w", ctx.Err())
			}
		}
	}
	return nil, fmt.Errorf("dial %s: %w", addr, lastErr)
}

func (qc *QuicConnector) handshake(ctx context.Context, conn quic.Connection, remote types.DeviceId) (*quicTunnel, error) {
	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		return nil, fmt.Errorf("open tunnel stream: %w", err)
	}
	t := newQuicTunnel(conn, stream, qc.config.Logger)
	t.remote = remote

	syn := &protocol.SynTunnel{From: qc.config.Local, Seq: qc.seq.Add(1), Timestamp: uint64(time.Now().UnixMicro())}
	if err := t.Send(ctx, syn); err != nil {
		return nil, err
	}
	ackCtx, cancel := context.WithTimeout(ctx, defaultSynTimeout)
	defer cancel()
	pkg, err := t.readPackage(ackCtx)
	if err != nil {
		return nil, fmt.Errorf("read tunnel ack: %w", err)
	}
	ack, ok := pkg.(*protocol.AckTunnel)
	if !ok {
		return nil, fmt.Errorf("%w: expected ack_tunnel, got %s", ErrHandshakeRejected, pkg.Cmd())
	}
	if ack.Result != types.Ok {
		return nil, fmt.Errorf("%w: %s", ErrHandshakeRejected, ack.Result)
	}
	if ack.From != remote {
		return nil, fmt.Errorf("%w: peer is %s, expected %s", ErrHandshakeRejected, ack.From, remote)
	}
	return t, nil
}

// --- Listener ---

type ListenerConfig struct {
	Addr                 string
	TLSConfig            *tls.Config
	HandshakeIdleTimeout time.Duration
	MaxIdleTimeout       time.Duration
	SynTimeout           time.Duration
	Logger               *slog.Logger
}

func (c *ListenerConfig) setDefaults() {
	if c.HandshakeIdleTimeout <= 0 {
		c.HandshakeIdleTimeout = defaultHandshakeIdleTimeout
	}
	if c.MaxIdleTimeout <= 0 {
		c.MaxIdleTimeout = defaultMaxIdleTimeout
	}
	if c.SynTimeout <= 0 {
		c.SynTimeout = defaultSynTimeout
	}
	if c.Logger == nil {
		c.Logger = slog.Default().With("component", "quic_listener")
	}
}

// Listener accepte les tunnels QUIC entrants et les remet au Handler.
type Listener struct {
	config  ListenerConfig
	ln      *quic.Listener
	handler Handler
	wg      sync.WaitGroup
	closed  atomic.Bool

	mu       sync.Mutex
	active   map[*quicTunnel]struct{}
	stopping bool
}

func Listen(config ListenerConfig, h Handler) (*Listener, error) {
	config.setDefaults()
	if config.TLSConfig == nil {
		return nil, errors.New("TLSConfig must be specified in ListenerConfig")
	}
	tlsConf := config.TLSConfig.Clone()
	tlsConf.NextProtos = []string{alpnProtocol}

	ln, err := quic.ListenAddr(config.Addr, tlsConf, &quic.Config{
		MaxIdleTimeout:       config.MaxIdleTimeout,
		HandshakeIdleTimeout: config.HandshakeIdleTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", config.Addr, err)
	}
	config.Logger.Info("Tunnel listener started", "address", ln.Addr().String())
	return &Listener{config: config, ln: ln, handler: h, active: make(map[*quicTunnel]struct{})}, nil
}

func (l *Listener) Addr() net.Addr { return l.ln.Addr() }

// Serve accepte des connexions jusqu'à l'annulation de ctx. Au retour, les tunnels
// entrants sont fermés et leurs boucles de lecture terminées.
func (l *Listener) Serve(ctx context.Context) error {
	defer func() {
		l.closeActive()
		l.wg.Wait()
	}()
	for {
		conn, err := l.ln.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil || l.closed.Load() {
				l.config.Logger.Info("Tunnel listener stopping")
				return nil
			}
			return fmt.Errorf("accept: %w", err)
		}
		l.wg.Add(1)
		go func() {
			defer l.wg.Done()
			l.handleConn(ctx, conn)
		}()
	}
}

func (l *Listener) handleConn(ctx context.Context, conn quic.Connection) {
	logger := l.config.Logger.With("peer_addr", conn.RemoteAddr().String())
	synCtx, cancel := context.WithTimeout(ctx, l.config.SynTimeout)
	defer cancel()

	stream, err := conn.AcceptStream(synCtx)
	if err != nil {
		logger.Warn("No tunnel stream opened by peer", "error", err)
		_ = conn.CloseWithError(closeErrorCodeRefused, "no tunnel stream")
		return
	}
	t := newQuicTunnel(conn, stream, logger)
	first, err := t.readPackage(synCtx)
	if err != nil {
		logger.Warn("Failed to read first tunnel package", "error", err)
		_ = t.Close("unreadable first package")
		return
	}
	if syn, ok := first.(*protocol.SynTunnel); ok {
		t.remote = syn.From
	}
	if err := l.handler.OnTunnelEstablished(ctx, first, t); err != nil {
		logger.Warn("Inbound tunnel rejected", "command", first.Cmd(), "error", err)
		_ = t.Close(err.Error())
		return
	}
	if !l.track(t) {
		_ = t.Close("listener stopping")
		return
	}
	defer l.untrack(t)
	t.readLoop(l.handler)
}

func (l *Listener) track(t *quicTunnel) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.stopping {
		return false
	}
	l.active[t] = struct{}{}
	return true
}

func (l *Listener) untrack(t *quicTunnel) {
	l.mu.Lock()
	delete(l.active, t)
	l.mu.Unlock()
}

// closeActive ferme les tunnels entrants encore ouverts, ce qui termine leurs readLoop.
func (l *Listener) closeActive() {
	l.mu.Lock()
	l.stopping = true
	active := make([]*quicTunnel, 0, len(l.active))
	for t := range l.active {
		active = append(active, t)
	}
	l.mu.Unlock()
	for _, t := range active {
		_ = t.Close("listener stopping")
	}
}

func (l *Listener) Close() error {
	if !l.closed.CompareAndSwap(false, true) {
		return nil
	}
	return l.ln.Close()
}

// --- quicTunnel ---

type quicTunnel struct {
	conn   quic.Connection
	stream quic.Stream
	remote types.DeviceId
	logger *slog.Logger

	writeMu sync.Mutex
	writer  framing.Writer
	reader  framing.Reader

	done      chan struct{}
	closeOnce sync.Once
}

func newQuicTunnel(conn quic.Connection, stream quic.Stream, logger *slog.Logger) *quicTunnel {
	return &quicTunnel{
		conn:   conn,
		stream: stream,
		logger: logger,
		writer: framing.NewFrameWriter(stream, logger),
		reader: framing.NewFrameReader(stream, logger),
		done:   make(chan struct{}),
	}
}

func (t *quicTunnel) Remote() types.DeviceId { return t.remote }

func (t *quicTunnel) Done() <-chan struct{} { return t.done }

func (t *quicTunnel) Send(ctx context.Context, pkg protocol.Package) error {
	select {
	case <-t.done:
		return ErrTunnelClosed
	default:
	}
	b, err := protocol.Encode(pkg)
	if err != nil {
		return err
	}
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	return t.writer.WriteFrame(ctx, b)
}

func (t *quicTunnel) readPackage(ctx context.Context) (protocol.Package, error) {
	frame, err := t.reader.ReadFrame(ctx)
	if err != nil {
		return nil, err
	}
	return protocol.Decode(frame)
}

func (t *quicTunnel) readLoop(h Handler) {
	ctx := t.conn.Context()
	for {
		frame, err := t.reader.ReadFrame(ctx)
		if err != nil {
			if !errors.Is(err, io.EOF) && ctx.Err() == nil {
				t.logger.Warn("Tunnel read failed", "remote", t.remote, "error", err)
			}
			_ = t.Close("read loop ended")
			return
		}
		pkg, err := protocol.Decode(frame)
		if err != nil {
			t.logger.Warn("Dropping undecodable package", "remote", t.remote, "error", err)
			continue
		}
		h.OnPackage(t, pkg)
	}
}

func (t *quicTunnel) Close(reason string) error {
	var err error
	t.closeOnce.Do(func() {
		close(t.done)
		_ = t.stream.Close()
		err = t.conn.CloseWithError(quic.ApplicationErrorCode(closeErrorCodeNoError), reason)
	})
	return err
}
