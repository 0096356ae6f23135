package tunnel

import (
	"context"
	"fmt"
	"sync"
	"time"

	"bdt/internal/protocol"
	"bdt/internal/types"
)

const (
	defaultReserveTimeout = 30 * time.Second
	defaultRetainTimeout  = 60 * time.Second
	defaultConnectTimeout = 5 * time.Second
)

// ContainerConfig règle le recyclage et la connexion d'un conteneur.
type ContainerConfig struct {
	ReserveTimeout time.Duration `yaml:"reserve_timeout"`
	RetainTimeout  time.Duration `yaml:"retain_timeout"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
}

func (c *ContainerConfig) setDefaults() {
	if c.ReserveTimeout <= 0 {
		c.ReserveTimeout = defaultReserveTimeout
	}
	if c.RetainTimeout <= 0 {
		c.RetainTimeout = defaultRetainTimeout
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = defaultConnectTimeout
	}
}

// Container porte le tunnel actif vers un pair. Le manager détient une référence;
// chaque consommateur (channel) en détient une de plus via Retain.
type Container struct {
	remote types.DeviceId
	mgr    *Manager
	config ContainerConfig

	dialMu sync.Mutex // sérialise les connexions sortantes

	mu        sync.Mutex
	endpoints []string
	tunnel    Tunnel
	refs      int
	reserving time.Time
	lastUsed  time.Time
}

func newContainer(mgr *Manager, desc types.DeviceDesc, config ContainerConfig) *Container {
	return &Container{
		remote:    desc.Id,
		mgr:       mgr,
		config:    config,
		endpoints: append([]string(nil), desc.Endpoints...),
		refs:      1,
		lastUsed:  time.Now(),
	}
}

func (c *Container) Remote() types.DeviceId { return c.remote }

func (c *Container) Endpoints() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.endpoints...)
}

func (c *Container) Retain() *Container {
	c.mu.Lock()
	c.refs++
	c.reserving = time.Time{}
	c.mu.Unlock()
	return c
}

func (c *Container) Release() {
	c.mu.Lock()
	if c.refs > 1 {
		c.refs--
	}
	c.mu.Unlock()
}

func (c *Container) Refs() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.refs
}

func (c *Container) markInUse(endpoints []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reserving = time.Time{}
	c.lastUsed = time.Now()
	if len(endpoints) > 0 {
		c.endpoints = append([]string(nil), endpoints...)
	}
}

// checkRecycle applique la règle d'inactivité: plus d'une référence n'est jamais éligible;
// une seule référence arme une échéance now+ReserveTimeout au premier constat, puis devient
// éligible quand cette échéance est dépassée de plus de RetainTimeout.
func (c *Container) checkRecycle(now time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.refs > 1 {
		c.reserving = time.Time{}
		return false
	}
	if c.reserving.IsZero() {
		c.reserving = now.Add(c.config.ReserveTimeout)
		return false
	}
	return now.After(c.reserving) && now.Sub(c.reserving) > c.config.RetainTimeout
}

// Tunnel retourne le tunnel actif, ou nil.
func (c *Container) Tunnel() Tunnel {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.tunnel != nil && isClosed(c.tunnel) {
		c.tunnel = nil
	}
	return c.tunnel
}

func (c *Container) setTunnel(t Tunnel) {
	c.mu.Lock()
	old := c.tunnel
	c.tunnel = t
	c.lastUsed = time.Now()
	c.mu.Unlock()
	if old != nil && old != t {
		_ = old.Close("replaced by a new tunnel")
	}
}

// Send émet pkg sur le tunnel, en se connectant au pair si nécessaire.
func (c *Container) Send(ctx context.Context, pkg protocol.Package) error {
	t, err := c.connect(ctx)
	if err != nil {
		return err
	}
	if err := t.Send(ctx, pkg); err != nil {
		return fmt.Errorf("send %s to %s: %w", pkg.Cmd(), c.remote, err)
	}
	return nil
}

func (c *Container) connect(ctx context.Context) (Tunnel, error) {
	if t := c.Tunnel(); t != nil {
		return t, nil
	}
	c.dialMu.Lock()
	defer c.dialMu.Unlock()
	// Double-vérification: une autre goroutine a pu connecter pendant l'attente
	if t := c.Tunnel(); t != nil {
		return t, nil
	}

	connector, handler, err := c.mgr.dialDeps()
	if err != nil {
		return nil, err
	}
	dialCtx, cancel := context.WithTimeout(ctx, c.config.ConnectTimeout)
	defer cancel()

	desc := types.DeviceDesc{Id: c.remote, Endpoints: c.Endpoints()}
	t, err := connector.Connect(dialCtx, desc, handler)
	if err != nil {
		return nil, fmt.Errorf("connect %s: %w: %w", c.remote, types.ErrNotConnected, err)
	}
	c.setTunnel(t)
	c.mgr.config.Logger.Debug("Tunnel connected", "remote", c.remote)
	return t, nil
}

func (c *Container) reset(reason string) {
	c.mu.Lock()
	t := c.tunnel
	c.tunnel = nil
	c.mu.Unlock()
	if t != nil {
		_ = t.Close(reason)
	}
}
