package download

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"bdt/internal/channel"
	"bdt/internal/chunk"
	"bdt/internal/metrics"
	"bdt/internal/resource"
	"bdt/internal/types"
)

const (
	defaultProbeTimeout   = 10 * time.Second
	defaultChannelTimeout = 5 * time.Second
)

// ChannelSource fournit le channel vers un pair; implémenté par channel.Manager.
type ChannelSource interface {
	CreateChannel(ctx context.Context, desc types.DeviceDesc) (*channel.Channel, error)
}

// ManagerConfig contient la configuration du registre de downloaders.
type ManagerConfig struct {
	Reader         chunk.Reader // stockage local sondé à la création de chaque downloader
	Channels       ChannelSource
	ProbeTimeout   time.Duration
	ChannelTimeout time.Duration
	Logger         *slog.Logger
}

func (c *ManagerConfig) setDefaults() {
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = defaultProbeTimeout
	}
	if c.ChannelTimeout <= 0 {
		c.ChannelTimeout = defaultChannelTimeout
	}
	if c.Logger == nil {
		c.Logger = slog.Default().With("component", "chunk_manager")
	}
}

// Manager est le registre ChunkId -> Downloader partagé par toutes les tâches.
type Manager struct {
	config ManagerConfig

	mu          sync.RWMutex
	downloaders map[types.ChunkId]*Downloader
	closed      bool

	sessionSeq atomic.Uint32
	wg         sync.WaitGroup
}

func NewManager(config ManagerConfig) *Manager {
	config.setDefaults()
	return &Manager{
		config:      config,
		downloaders: make(map[types.ChunkId]*Downloader),
	}
}

// GenSessionId retourne un identifiant de session non nul, unique pour ce processus.
func (m *Manager) GenSessionId() uint32 {
	for {
		if id := m.sessionSeq.Add(1); id != 0 {
			return id
		}
	}
}

// DownloaderOf retourne le downloader enregistré pour id, ou nil.
func (m *Manager) DownloaderOf(id types.ChunkId) *Downloader {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.downloaders[id]
}

func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.downloaders)
}

// StartDownload retourne le downloader de id, créé au besoin. Un downloader annulé est remplacé.
// ctx est ajouté à ses sources et le noeud de ressource du downloader est rattaché à owner.
func (m *Manager) StartDownload(id types.ChunkId, ctx *SingleContext, owner *resource.Manager) (*Downloader, error) {
	if id.IsZero() {
		return nil, types.NewError(types.InvalidInput, "empty chunk id")
	}
	d, err := m.getOrCreate(id)
	if err != nil {
		return nil, err
	}
	m.attach(d, ctx, owner)
	return d, nil
}

func (m *Manager) getOrCreate(id types.ChunkId) (*Downloader, error) {
	m.mu.RLock()
	if m.closed {
		m.mu.RUnlock()
		return nil, ErrClosed
	}
	if d, ok := m.downloaders[id]; ok && !canceled(d) {
		m.mu.RUnlock()
		return d, nil
	}
	m.mu.RUnlock()

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	// Double-vérification sous le verrou complet
	if d, ok := m.downloaders[id]; ok && !canceled(d) {
		return d, nil
	}
	d := newDownloader(m, id)
	m.downloaders[id] = d
	metrics.DownloadersActive.Set(float64(len(m.downloaders)))
	m.config.Logger.Debug("Chunk downloader created", "chunk", id)
	return d, nil
}

func canceled(d *Downloader) bool {
	state, _ := d.State()
	return state == StateCanceled
}

func (m *Manager) attach(d *Downloader, ctx *SingleContext, owner *resource.Manager) {
	if ctx != nil {
		d.AddContext(ctx)
	}
	if owner != nil {
		owner.AddChild(d.res)
	}
}

func (m *Manager) detach(d *Downloader, ctx *SingleContext, owner *resource.Manager) {
	if ctx != nil {
		d.RemoveContext(ctx)
	}
	if owner != nil {
		owner.RemoveChild(d.res)
	}
}

// RenewDownloader remplace stale par un downloader neuf, qui refait la lecture locale puis
// le réseau. Si stale a déjà été remplacé, le remplaçant en place est réutilisé.
func (m *Manager) RenewDownloader(id types.ChunkId, stale *Downloader, ctx *SingleContext, owner *resource.Manager) (*Downloader, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrClosed
	}
	d, ok := m.downloaders[id]
	if !ok || d == stale {
		d = newDownloader(m, id)
		m.downloaders[id] = d
		m.config.Logger.Info("Chunk downloader renewed", "chunk", id)
	}
	metrics.DownloadersActive.Set(float64(len(m.downloaders)))
	m.mu.Unlock()

	if stale != nil && stale != d {
		m.detach(stale, ctx, owner)
		m.retire(stale)
	}
	m.attach(d, ctx, owner)
	return d, nil
}

// Release retire ctx et owner de d. Un downloader sans plus aucun contexte quitte le registre;
// s'il téléchargeait encore, sa session est annulée.
func (m *Manager) Release(d *Downloader, ctx *SingleContext, owner *resource.Manager) {
	m.detach(d, ctx, owner)
	if d.ctx.Len() > 0 {
		return
	}
	m.mu.Lock()
	if cur, ok := m.downloaders[d.chunk]; ok && cur == d {
		delete(m.downloaders, d.chunk)
	}
	metrics.DownloadersActive.Set(float64(len(m.downloaders)))
	m.mu.Unlock()
	m.retire(d)
}

// retire arrête d s'il n'est plus référencé par aucune tâche.
func (m *Manager) retire(d *Downloader) {
	if d.ctx.Len() > 0 {
		return
	}
	d.close()
}

// Close annule tous les downloaders et attend leurs goroutines.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	m.closed = true
	downloaders := m.downloaders
	m.downloaders = make(map[types.ChunkId]*Downloader)
	metrics.DownloadersActive.Set(0)
	m.mu.Unlock()

	for _, d := range downloaders {
		d.close()
	}
	m.wg.Wait()
	return nil
}
