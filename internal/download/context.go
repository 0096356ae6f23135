package download

import (
	"sort"
	"sync"

	"bdt/internal/protocol"
	"bdt/internal/types"
)

// redirectPriority place les sources proposées par un pair avant celles des tâches.
const redirectPriority = 1 << 20

// Source est une source distante candidate pour un chunk.
type Source struct {
	Target   types.DeviceDesc   `yaml:"target"`
	Referer  string             `yaml:"referer,omitempty"`
	Desc     protocol.CodecDesc `yaml:"-"`
	Priority int                `yaml:"priority,omitempty"`
}

// SingleContext est la vue d'une tâche: ses sources candidates et les chunks qu'elles servent.
type SingleContext struct {
	Referer string
	Sources []Source
	// Chunks restreint les chunks servis par ces sources; vide signifie tous.
	Chunks []types.ChunkId
}

// Accepts indique si les sources du contexte peuvent servir chunk.
func (c *SingleContext) Accepts(chunk types.ChunkId) bool {
	if len(c.Chunks) == 0 {
		return true
	}
	for _, id := range c.Chunks {
		if id == chunk {
			return true
		}
	}
	return false
}

// MultiContext agrège les contextes de toutes les tâches d'un downloader.
type MultiContext struct {
	mu       sync.RWMutex
	contexts []*SingleContext
	extra    []Source
	failed   map[types.DeviceId]error
}

func NewMultiContext() *MultiContext {
	return &MultiContext{failed: make(map[types.DeviceId]error)}
}

func (m *MultiContext) Add(ctx *SingleContext) {
	if ctx == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.contexts {
		if c == ctx {
			return
		}
	}
	m.contexts = append(m.contexts, ctx)
	// de nouvelles sources peuvent redonner une chance aux pairs en échec
	for _, src := range ctx.Sources {
		delete(m.failed, src.Target.Id)
	}
}

func (m *MultiContext) Remove(ctx *SingleContext) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, c := range m.contexts {
		if c == ctx {
			m.contexts = append(m.contexts[:i], m.contexts[i+1:]...)
			return true
		}
	}
	return false
}

func (m *MultiContext) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.contexts)
}

// AddSource ajoute une source hors contexte, typiquement une redirection.
func (m *MultiContext) AddSource(src Source) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.failed, src.Target.Id)
	m.extra = append(m.extra, src)
}

// MarkFailed exclut target des prochaines sélections.
func (m *MultiContext) MarkFailed(target types.DeviceId, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failed[target] = err
}

// SourcesOf retourne au plus limit sources pour chunk, sans doublon ni source en échec,
// par priorité décroissante.
func (m *MultiContext) SourcesOf(chunk types.ChunkId, limit int) []Source {
	m.mu.RLock()
	defer m.mu.RUnlock()

	best := make(map[types.DeviceId]int)
	var out []Source
	add := func(src Source, referer string) {
		if src.Target.Id.IsZero() {
			return
		}
		if _, failed := m.failed[src.Target.Id]; failed {
			return
		}
		if src.Referer == "" {
			src.Referer = referer
		}
		if i, ok := best[src.Target.Id]; ok {
			if src.Priority > out[i].Priority {
				out[i] = src
			}
			return
		}
		best[src.Target.Id] = len(out)
		out = append(out, src)
	}
	for _, src := range m.extra {
		add(src, "")
	}
	for _, c := range m.contexts {
		if !c.Accepts(chunk) {
			continue
		}
		for _, src := range c.Sources {
			add(src, c.Referer)
		}
	}

	sort.SliceStable(out, func(i, j int) bool { return out[i].Priority > out[j].Priority })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// HasCandidates indique s'il reste au moins une source utilisable pour chunk.
func (m *MultiContext) HasCandidates(chunk types.ChunkId) bool {
	return len(m.SourcesOf(chunk, 1)) > 0
}
