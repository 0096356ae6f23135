package tunnel

import (
	"log/slog"
	"sync"
	"time"

	"bdt/internal/metrics"
	"bdt/internal/types"
)

// ManagerConfig contient la configuration du Manager de tunnels.
type ManagerConfig struct {
	Local     types.DeviceId
	Connector Connector // Optionnel: sans connector, seuls les tunnels entrants sont utilisables.
	Container ContainerConfig
	Logger    *slog.Logger
}

func (c *ManagerConfig) setDefaults() {
	c.Container.setDefaults()
	if c.Logger == nil {
		c.Logger = slog.Default().With("component", "tunnel_manager")
	}
}

// Manager détient un unique Container par pair distant.
type Manager struct {
	config ManagerConfig

	mu      sync.RWMutex
	entries map[types.DeviceId]*Container
	handler Handler
	closed  bool
}

func NewManager(config ManagerConfig) *Manager {
	config.setDefaults()
	return &Manager{
		config:  config,
		entries: make(map[types.DeviceId]*Container),
	}
}

func (m *Manager) Local() types.DeviceId { return m.config.Local }

// SetHandler enregistre le destinataire des packages des tunnels sortants.
func (m *Manager) SetHandler(h Handler) {
	m.mu.Lock()
	m.handler = h
	m.mu.Unlock()
}

func (m *Manager) dialDeps() (Connector, Handler, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, nil, ErrManagerClosed
	}
	if m.config.Connector == nil {
		return nil, nil, ErrNoConnector
	}
	if m.handler == nil {
		return nil, nil, ErrNoHandler
	}
	return m.config.Connector, m.handler, nil
}

// CreateContainer retourne le conteneur de desc.Id, en le créant si besoin.
// Un seul conteneur est jamais créé par pair, même sous appels concurrents.
func (m *Manager) CreateContainer(desc types.DeviceDesc) (*Container, error) {
	if desc.Id.IsZero() {
		return nil, types.NewError(types.InvalidInput, "empty remote device id")
	}
	if desc.Id == m.config.Local {
		return nil, types.NewError(types.InvalidInput, "cannot open a tunnel to the local device")
	}

	m.mu.RLock()
	if m.closed {
		m.mu.RUnlock()
		return nil, ErrManagerClosed
	}
	if c, ok := m.entries[desc.Id]; ok {
		m.mu.RUnlock()
		c.markInUse(desc.Endpoints)
		return c, nil
	}
	m.mu.RUnlock()

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrManagerClosed
	}
	// Double-vérification sous le verrou complet
	if c, ok := m.entries[desc.Id]; ok {
		c.markInUse(desc.Endpoints)
		return c, nil
	}
	c := newContainer(m, desc, m.config.Container)
	m.entries[desc.Id] = c
	metrics.TunnelsActive.Set(float64(len(m.entries)))
	m.config.Logger.Debug("Tunnel container created", "remote", desc.Id, "endpoints", desc.Endpoints)
	return c, nil
}

// ContainerOf retourne le conteneur existant de remote, ou nil.
func (m *Manager) ContainerOf(remote types.DeviceId) *Container {
	m.mu.RLock()
	c, ok := m.entries[remote]
	m.mu.RUnlock()
	if !ok {
		return nil
	}
	c.markInUse(nil)
	return c
}

// AcceptContainer attache un tunnel entrant au conteneur de remote.
func (m *Manager) AcceptContainer(remote types.DeviceId, t Tunnel) (*Container, error) {
	c, err := m.CreateContainer(types.DeviceDesc{Id: remote})
	if err != nil {
		return nil, err
	}
	c.setTunnel(t)
	m.config.Logger.Debug("Inbound tunnel attached", "remote", remote)
	return c, nil
}

// Recycle retire les conteneurs inactifs. Les tunnels sont fermés hors du verrou.
func (m *Manager) Recycle(now time.Time) int {
	var removed []*Container
	m.mu.Lock()
	for id, c := range m.entries {
		if c.checkRecycle(now) {
			delete(m.entries, id)
			removed = append(removed, c)
		}
	}
	metrics.TunnelsActive.Set(float64(len(m.entries)))
	m.mu.Unlock()

	for _, c := range removed {
		m.config.Logger.Info("Recycling idle tunnel", "remote", c.Remote())
		c.reset("idle recycle")
		metrics.TunnelsRecycledTotal.Inc()
	}
	return len(removed)
}

func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}

// Close ferme tous les tunnels; le manager refuse ensuite toute création.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrManagerClosed
	}
	m.closed = true
	entries := m.entries
	m.entries = make(map[types.DeviceId]*Container)
	metrics.TunnelsActive.Set(0)
	m.mu.Unlock()

	m.config.Logger.Info("Closing all tunnels", "count", len(entries))
	for _, c := range entries {
		c.reset("tunnel manager shutdown")
	}
	return nil
}
