// Package speed mesure des débits instantanés et leur historique atténué.
package speed

import (
	"sync"
	"time"
)

const (
	defaultAttenuation = 0.5
	defaultAtomic      = time.Second
	defaultExpire      = 20 * time.Second
)

// Counter accumule des octets et calcule un débit en octets/seconde à chaque Update.
type Counter struct {
	mu    sync.Mutex
	last  time.Time
	bytes uint64
	cur   uint32
}

func NewCounter(now time.Time) *Counter {
	return &Counter{last: now}
}

func (c *Counter) OnRecv(n int) {
	if n <= 0 {
		return
	}
	c.mu.Lock()
	c.bytes += uint64(n)
	c.mu.Unlock()
}

// Update calcule le débit depuis le dernier Update puis remet l'accumulateur à zéro.
func (c *Counter) Update(now time.Time) uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	elapsed := now.Sub(c.last).Microseconds()
	if elapsed <= 0 {
		return c.cur
	}
	c.cur = uint32(c.bytes * 1_000_000 / uint64(elapsed))
	c.bytes = 0
	c.last = now
	return c.cur
}

func (c *Counter) Cur() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cur
}

// HistoryConfig règle l'atténuation: à chaque pas Atomic, les échantillons existants
// sont multipliés par Attenuation; seuls Expire/Atomic échantillons sont conservés.
type HistoryConfig struct {
	Attenuation float64       `yaml:"attenuation"`
	Atomic      time.Duration `yaml:"atomic"`
	Expire      time.Duration `yaml:"expire"`
}

func (c *HistoryConfig) setDefaults() {
	if c.Attenuation <= 0 || c.Attenuation > 1 {
		c.Attenuation = defaultAttenuation
	}
	if c.Atomic <= 0 {
		c.Atomic = defaultAtomic
	}
	if c.Expire < c.Atomic {
		c.Expire = defaultExpire
		if c.Expire < c.Atomic {
			c.Expire = c.Atomic
		}
	}
}

// History est une estimation de débit atténuée exponentiellement.
type History struct {
	mu      sync.Mutex
	cfg     HistoryConfig
	samples []float64 // le plus récent en tête
	last    time.Time
	avg     uint32
}

func NewHistory(initial uint32, now time.Time, cfg HistoryConfig) *History {
	cfg.setDefaults()
	h := &History{cfg: cfg, last: now}
	if initial > 0 {
		h.samples = []float64{float64(initial)}
		h.avg = initial
	}
	return h
}

// Update enregistre un échantillon. cur == nil signifie "pas d'échantillon" sur ce pas
// et pousse zéro, ce qui fait tendre l'historique vers zéro.
func (h *History) Update(cur *uint32, now time.Time) uint32 {
	h.mu.Lock()
	defer h.mu.Unlock()
	if now.Sub(h.last) < h.cfg.Atomic {
		return h.avg
	}
	h.last = now

	for i := range h.samples {
		h.samples[i] *= h.cfg.Attenuation
	}
	var sample float64
	if cur != nil {
		sample = float64(*cur)
	}
	h.samples = append([]float64{sample}, h.samples...)

	maxSamples := int(h.cfg.Expire / h.cfg.Atomic)
	if len(h.samples) > maxSamples {
		h.samples = h.samples[:maxSamples]
	}

	var sum float64
	for _, s := range h.samples {
		sum += s
	}
	h.avg = uint32(sum / float64(len(h.samples)))
	return h.avg
}

func (h *History) Average() uint32 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.avg
}
