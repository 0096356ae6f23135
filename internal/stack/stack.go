// Package stack assemble les couches d'un noeud: stockage, tunnels, channels,
// downloaders et tâches, et les fait tourner sous un même contexte.
package stack

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"time"

	"bdt/internal/channel"
	"bdt/internal/chunk"
	"bdt/internal/config"
	"bdt/internal/download"
	"bdt/internal/task"
	"bdt/internal/tunnel"
	"bdt/internal/types"

	"golang.org/x/sync/errgroup"
)

const downloadReferer = "bdtnode"

type options struct {
	logger    *slog.Logger
	connector tunnel.Connector
	memNet    *tunnel.MemNetwork
	serverTLS *tls.Config
}

type Option func(*options)

func WithLogger(l *slog.Logger) Option { return func(o *options) { o.logger = l } }

// WithMemNetwork remplace QUIC par un réseau en mémoire; le noeud y est enregistré.
func WithMemNetwork(n *tunnel.MemNetwork) Option { return func(o *options) { o.memNet = n } }

func WithConnector(c tunnel.Connector) Option { return func(o *options) { o.connector = c } }

func WithServerTLS(c *tls.Config) Option { return func(o *options) { o.serverTLS = c } }

// Stack est un noeud complet.
type Stack struct {
	config *config.Config
	id     types.DeviceId
	logger *slog.Logger

	store     *chunk.BoltStore
	tunnels   *tunnel.Manager
	channels  *channel.Manager
	chunks    *download.Manager
	scheduler task.Scheduler
	listener  *tunnel.Listener
}

func New(cfg *config.Config, opts ...Option) (*Stack, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	id := cfg.DeviceId()
	if o.logger == nil {
		o.logger = slog.Default()
	}
	logger := o.logger.With("node", id)

	if dir := filepath.Dir(cfg.StorePath); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create store directory: %w", err)
		}
	}
	store, err := chunk.OpenStore(chunk.StoreConfig{
		Path:   cfg.StorePath,
		Logger: logger.With("component", "chunk_store"),
	})
	if err != nil {
		return nil, err
	}
	s := &Stack{config: cfg, id: id, logger: logger, store: store}

	connector := o.connector
	switch {
	case connector != nil:
	case o.memNet != nil:
		connector = o.memNet.Connector(id)
	default:
		connector = tunnel.NewQuicConnector(tunnel.QuicConfig{
			Local:           id,
			TLSClientConfig: ClientTLS(cfg.TLS),
			Logger:          logger.With("component", "quic_connector"),
		})
	}

	s.tunnels = tunnel.NewManager(tunnel.ManagerConfig{
		Local:     id,
		Connector: connector,
		Container: cfg.Tunnel,
		Logger:    logger.With("component", "tunnel_manager"),
	})
	s.channels = channel.NewManager(channel.ManagerConfig{
		Local:   id,
		Channel: cfg.Channel,
		Store:   store,
		Logger:  logger.With("component", "channel_manager"),
	}, s.tunnels)
	s.chunks = download.NewManager(download.ManagerConfig{
		Reader:         store,
		Channels:       s.channels,
		ProbeTimeout:   cfg.Download.ProbeTimeout,
		ChannelTimeout: cfg.Download.ChannelTimeout,
		Logger:         logger.With("component", "chunk_manager"),
	})
	schedCfg := cfg.Scheduler
	schedCfg.Logger = logger.With("component", "task_scheduler")
	s.scheduler = task.NewScheduler(schedCfg, s.chunks)

	if o.memNet != nil {
		o.memNet.Register(id, s.channels)
	}
	if cfg.Listen != "" && o.memNet == nil {
		serverTLS := o.serverTLS
		if serverTLS == nil {
			if serverTLS, err = ServerTLS(cfg.TLS, logger); err != nil {
				s.Close()
				return nil, err
			}
		}
		s.listener, err = tunnel.Listen(tunnel.ListenerConfig{
			Addr:      cfg.Listen,
			TLSConfig: serverTLS,
			Logger:    logger.With("component", "quic_listener"),
		}, s.channels)
		if err != nil {
			s.Close()
			return nil, err
		}
	}
	logger.Info("Node stack ready", "store", cfg.StorePath, "listen", s.Addr(), "peers", len(cfg.Peers))
	return s, nil
}

func (s *Stack) Id() types.DeviceId { return s.id }

func (s *Stack) Store() *chunk.BoltStore { return s.store }

func (s *Stack) Channels() *channel.Manager { return s.channels }

func (s *Stack) Scheduler() task.Scheduler { return s.scheduler }

// Desc décrit ce noeud tel qu'un pair doit le joindre.
func (s *Stack) Desc() types.DeviceDesc {
	desc := types.DeviceDesc{Id: s.id}
	if addr := s.Addr(); addr != nil {
		desc.Endpoints = []string{addr.String()}
	}
	return desc
}

// Addr retourne l'adresse d'écoute QUIC, nil sans listener.
func (s *Stack) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Run fait tourner le noeud jusqu'à l'annulation de ctx.
func (s *Stack) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	if s.listener != nil {
		g.Go(func() error { return s.listener.Serve(gctx) })
	}
	g.Go(func() error { return s.scheduler.Run(gctx) })
	g.Go(func() error {
		s.tick(gctx, s.config.Scheduler.Interval, func(now time.Time) {
			s.channels.OnSchedule(now)
			if n := s.tunnels.Recycle(now); n > 0 {
				s.logger.Debug("Recycled idle tunnels", "count", n)
			}
		})
		return nil
	})
	g.Go(func() error {
		s.tick(gctx, s.config.TimeEscapeInterval, s.channels.OnTimeEscape)
		return nil
	})
	return g.Wait()
}

func (s *Stack) tick(ctx context.Context, interval time.Duration, f func(now time.Time)) {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			f(now)
		}
	}
}

// DownloadChunk planifie une tâche pour id depuis sources. Les sources sans adresse
// sont complétées par les pairs configurés.
func (s *Stack) DownloadChunk(id types.ChunkId, sources []types.DeviceDesc, writers ...chunk.Writer) (*task.ChunkTask, error) {
	return s.scheduler.Submit(id, s.contextOf(sources), writers...)
}

// DownloadRange télécharge le chunk entier mais ne livre aux writers que les octets de rng.
func (s *Stack) DownloadRange(id types.ChunkId, rng types.Range, sources []types.DeviceDesc, writers ...chunk.Writer) (*task.ChunkTask, error) {
	return s.scheduler.SubmitRange(id, rng, s.contextOf(sources), writers...)
}

// contextOf complète les sources sans adresse avec les pairs configurés.
func (s *Stack) contextOf(sources []types.DeviceDesc) *download.SingleContext {
	sctx := &download.SingleContext{Referer: downloadReferer}
	for _, desc := range sources {
		if len(desc.Endpoints) == 0 {
			if peer, ok := s.config.Peer(desc.Id); ok {
				desc = peer
			}
		}
		sctx.Sources = append(sctx.Sources, download.Source{Target: desc})
	}
	return sctx
}

// Close arrête les couches de haut en bas puis ferme le stockage.
func (s *Stack) Close() error {
	var errs []error
	if s.listener != nil {
		errs = append(errs, s.listener.Close())
	}
	if s.scheduler != nil {
		if err := s.scheduler.Close(); err != nil && !errors.Is(err, task.ErrSchedulerClosed) {
			errs = append(errs, err)
		}
	}
	if s.chunks != nil {
		errs = append(errs, ignoreClosed(s.chunks.Close(), download.ErrClosed))
	}
	if s.channels != nil {
		errs = append(errs, ignoreClosed(s.channels.Close(), channel.ErrManagerClosed))
	}
	if s.tunnels != nil {
		errs = append(errs, ignoreClosed(s.tunnels.Close(), tunnel.ErrManagerClosed))
	}
	errs = append(errs, s.store.Close())
	return errors.Join(errs...)
}

func ignoreClosed(err, closed error) error {
	if errors.Is(err, closed) {
		return nil
	}
	return err
}
