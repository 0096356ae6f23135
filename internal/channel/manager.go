package channel

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"bdt/internal/metrics"
	"bdt/internal/protocol"
	"bdt/internal/speed"
	"bdt/internal/tunnel"
	"bdt/internal/types"
)

// Manager détient un unique Channel par pair et reçoit les packages de tous les tunnels.
type Manager struct {
	config  ManagerConfig
	tunnels *tunnel.Manager

	mu       sync.RWMutex
	channels map[types.DeviceId]*Channel
	closed   bool

	downCur     atomic.Uint32
	upCur       atomic.Uint32
	downHistory *speed.History
	upHistory   *speed.History
}

// NewManager crée le manager et l'enregistre comme handler de tunnels.
func NewManager(config ManagerConfig, tunnels *tunnel.Manager) *Manager {
	config.setDefaults()
	now := time.Now()
	m := &Manager{
		config:      config,
		tunnels:     tunnels,
		channels:    make(map[types.DeviceId]*Channel),
		downHistory: speed.NewHistory(0, now, config.Channel.History),
		upHistory:   speed.NewHistory(0, now, config.Channel.History),
	}
	tunnels.SetHandler(m)
	return m
}

func (m *Manager) Local() types.DeviceId { return m.config.Local }

// CreateChannel retourne le channel vers desc.Id, en créant si besoin son conteneur de tunnel.
// Un channel existant repart d'une fenêtre de recyclage vide; l'appelant qui le garde
// au-delà d'un tick de planification doit le retenir (Retain/Release).
func (m *Manager) CreateChannel(ctx context.Context, desc types.DeviceDesc) (*Channel, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	container, err := m.tunnels.CreateContainer(desc)
	if err != nil {
		return nil, err
	}
	return m.channelFor(container)
}

func (m *Manager) channelFor(container *tunnel.Container) (*Channel, error) {
	remote := container.Remote()
	m.mu.RLock()
	if m.closed {
		m.mu.RUnlock()
		return nil, ErrManagerClosed
	}
	if ch, ok := m.channels[remote]; ok {
		ch.markInUse()
		m.mu.RUnlock()
		return ch, nil
	}
	m.mu.RUnlock()

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrManagerClosed
	}
	// Double-vérification sous le verrou complet
	if ch, ok := m.channels[remote]; ok {
		ch.markInUse()
		return ch, nil
	}
	ch := newChannel(container.Retain(), m.config.Channel, m.config.Store, m.config.Logger)
	m.channels[remote] = ch
	metrics.ChannelsActive.Set(float64(len(m.channels)))
	m.config.Logger.Debug("Channel created", "remote", remote)
	return ch, nil
}

// ChannelOf retourne le channel existant vers remote, ou nil.
func (m *Manager) ChannelOf(remote types.DeviceId) *Channel {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.channels[remote]
}

func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.channels)
}

func (m *Manager) snapshot() []*Channel {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Channel, 0, len(m.channels))
	for _, ch := range m.channels {
		out = append(out, ch)
	}
	return out
}

// --- Planification ---

// OnSchedule calcule les débits, recycle les channels inactifs puis met à jour l'historique.
func (m *Manager) OnSchedule(now time.Time) {
	var down, up uint32
	downActive, upActive := false, false
	for _, ch := range m.snapshot() {
		d, u := ch.CalcSpeed(now)
		down += d
		up += u
		downActive = downActive || ch.DownloadSessionCount() > 0
		upActive = upActive || ch.UploadSessionCount() > 0
	}
	m.downCur.Store(down)
	m.upCur.Store(up)

	cfg := m.config.Channel
	var removed []*Channel
	m.mu.Lock()
	for id, ch := range m.channels {
		if ch.checkRecycle(now, cfg.ReserveTimeout, cfg.RetainTimeout) {
			delete(m.channels, id)
			removed = append(removed, ch)
		}
	}
	metrics.ChannelsActive.Set(float64(len(m.channels)))
	m.mu.Unlock()
	for _, ch := range removed {
		m.config.Logger.Info("Recycling idle channel", "remote", ch.Remote())
		ch.close()
	}

	if downActive {
		m.downHistory.Update(&down, now)
	} else {
		m.downHistory.Update(nil, now)
	}
	if upActive {
		m.upHistory.Update(&up, now)
	} else {
		m.upHistory.Update(nil, now)
	}

	metrics.SpeedBytes.WithLabelValues("download", "current").Set(float64(down))
	metrics.SpeedBytes.WithLabelValues("upload", "current").Set(float64(up))
	metrics.SpeedBytes.WithLabelValues("download", "history").Set(float64(m.downHistory.Average()))
	metrics.SpeedBytes.WithLabelValues("upload", "history").Set(float64(m.upHistory.Average()))
}

// OnTimeEscape propage le tick de temporisation à chaque channel.
func (m *Manager) OnTimeEscape(now time.Time) {
	for _, ch := range m.snapshot() {
		ch.OnTimeEscape(now)
	}
}

func (m *Manager) DownloadCurSpeed() uint32 { return m.downCur.Load() }

func (m *Manager) DownloadHistorySpeed() uint32 { return m.downHistory.Average() }

func (m *Manager) UploadCurSpeed() uint32 { return m.upCur.Load() }

func (m *Manager) UploadHistorySpeed() uint32 { return m.upHistory.Average() }

// --- tunnel.Handler ---

// OnTunnelEstablished accepte un tunnel entrant dont la première unité est un SynTunnel.
func (m *Manager) OnTunnelEstablished(ctx context.Context, first protocol.Package, t tunnel.Tunnel) error {
	syn, ok := first.(*protocol.SynTunnel)
	if !ok {
		return types.NewError(types.InvalidInput, "first package on tunnel is %s, want %s", first.Cmd(), protocol.CmdSynTunnel)
	}
	if syn.From.IsZero() {
		return types.NewError(types.InvalidInput, "syn without sender id")
	}
	metrics.PackagesTotal.WithLabelValues(first.Cmd().String()).Inc()

	container, err := m.tunnels.AcceptContainer(syn.From, t)
	if err != nil {
		return err
	}
	if _, err := m.channelFor(container); err != nil {
		return err
	}
	ack := &protocol.AckTunnel{From: m.config.Local, Seq: syn.Seq, Result: types.Ok}
	if err := t.Send(ctx, ack); err != nil {
		return err
	}
	m.config.Logger.Debug("Inbound tunnel accepted", "remote", syn.From, "seq", syn.Seq)
	return nil
}

func (m *Manager) OnPackage(t tunnel.Tunnel, pkg protocol.Package) {
	metrics.PackagesTotal.WithLabelValues(pkg.Cmd().String()).Inc()
	switch pkg.Cmd() {
	case protocol.CmdSynTunnel, protocol.CmdAckTunnel:
		return
	}
	ch := m.ChannelOf(t.Remote())
	if ch == nil {
		container := m.tunnels.ContainerOf(t.Remote())
		if container == nil {
			m.config.Logger.Debug("Dropping package from unknown remote", "remote", t.Remote(), "command", pkg.Cmd())
			return
		}
		var err error
		if ch, err = m.channelFor(container); err != nil {
			m.config.Logger.Debug("Dropping package", "remote", t.Remote(), "command", pkg.Cmd(), "error", err)
			return
		}
	}
	ch.OnPackage(pkg)
}

// Close ferme tous les channels; les conteneurs de tunnel restent au tunnel.Manager.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrManagerClosed
	}
	m.closed = true
	channels := m.channels
	m.channels = make(map[types.DeviceId]*Channel)
	metrics.ChannelsActive.Set(0)
	m.mu.Unlock()

	m.config.Logger.Info("Closing all channels", "count", len(channels))
	for _, ch := range channels {
		ch.close()
	}
	return nil
}
