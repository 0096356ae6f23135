// Package resource comptabilise l'usage de bande passante dans un arbre de noeuds.
// Un noeud agrège son propre usage plus celui de chacun de ses enfants, divisé par
// le nombre de propriétaires de l'enfant.
package resource

import (
	"sync"
	"time"
)

// Usage est un débit en octets/seconde ou un volume en octets selon le contexte.
type Usage struct {
	Downstream uint64
	Upstream   uint64
}

type Manager struct {
	name string

	mu          sync.Mutex
	owners      int
	children    []*Manager
	pendingDown uint64
	pendingUp   uint64
	created     time.Time
	last        time.Time

	// résultat du dernier collect, réutilisé si plusieurs propriétaires agrègent au même instant
	collectedAt time.Time
	delta       Usage

	total  Usage
	latest Usage
}

// New crée un noeud. Si parent n'est pas nil, le noeud y est rattaché comme enfant.
func New(name string, parent *Manager) *Manager {
	now := time.Now()
	m := &Manager{name: name, created: now, last: now}
	if parent != nil {
		parent.AddChild(m)
	}
	return m
}

func (m *Manager) Name() string { return m.name }

func (m *Manager) AddChild(child *Manager) {
	if child == nil || child == m {
		return
	}
	m.mu.Lock()
	for _, c := range m.children {
		if c == child {
			m.mu.Unlock()
			return
		}
	}
	m.children = append(m.children, child)
	m.mu.Unlock()

	child.mu.Lock()
	child.owners++
	child.mu.Unlock()
}

func (m *Manager) RemoveChild(child *Manager) bool {
	m.mu.Lock()
	found := false
	for i, c := range m.children {
		if c == child {
			m.children = append(m.children[:i], m.children[i+1:]...)
			found = true
			break
		}
	}
	m.mu.Unlock()

	if found {
		child.mu.Lock()
		child.owners--
		child.mu.Unlock()
	}
	return found
}

func (m *Manager) Children() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.children)
}

func (m *Manager) UseDownstream(n uint64) {
	m.mu.Lock()
	m.pendingDown += n
	m.mu.Unlock()
}

func (m *Manager) UseUpstream(n uint64) {
	m.mu.Lock()
	m.pendingUp += n
	m.mu.Unlock()
}

// Aggregate consomme les octets accumulés dans le sous-arbre et met à jour le débit courant.
func (m *Manager) Aggregate(now time.Time) Usage {
	m.collect(now)
	return m.LatestUsage()
}

func (m *Manager) collect(now time.Time) Usage {
	m.mu.Lock()
	if !m.collectedAt.IsZero() && now.Equal(m.collectedAt) {
		d := m.delta
		m.mu.Unlock()
		return d
	}
	delta := Usage{Downstream: m.pendingDown, Upstream: m.pendingUp}
	m.pendingDown, m.pendingUp = 0, 0
	children := append([]*Manager(nil), m.children...)
	m.mu.Unlock()

	for _, c := range children {
		cd := c.collect(now)
		owners := uint64(c.ownerCount())
		if owners == 0 {
			owners = 1
		}
		delta.Downstream += cd.Downstream / owners
		delta.Upstream += cd.Upstream / owners
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	elapsed := now.Sub(m.last).Microseconds()
	if elapsed > 0 {
		m.latest = Usage{
			Downstream: delta.Downstream * 1_000_000 / uint64(elapsed),
			Upstream:   delta.Upstream * 1_000_000 / uint64(elapsed),
		}
		m.last = now
	}
	m.total.Downstream += delta.Downstream
	m.total.Upstream += delta.Upstream
	m.collectedAt = now
	m.delta = delta
	return delta
}

func (m *Manager) ownerCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.owners
}

// LatestUsage retourne le débit calculé au dernier Aggregate.
func (m *Manager) LatestUsage() Usage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.latest
}

// AvgUsage retourne le débit moyen depuis la création du noeud, en incluant les octets non encore agrégés.
func (m *Manager) AvgUsage(now time.Time) Usage {
	m.mu.Lock()
	defer m.mu.Unlock()
	elapsed := now.Sub(m.created).Microseconds()
	if elapsed <= 0 {
		return Usage{}
	}
	return Usage{
		Downstream: (m.total.Downstream + m.pendingDown) * 1_000_000 / uint64(elapsed),
		Upstream:   (m.total.Upstream + m.pendingUp) * 1_000_000 / uint64(elapsed),
	}
}

// Total retourne le volume agrégé en octets.
func (m *Manager) Total() Usage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.total
}
