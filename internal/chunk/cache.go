package chunk

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"bdt/internal/protocol"
	"bdt/internal/types"

	"github.com/RoaringBitmap/roaring"
)

var (
	ErrNoStorage   = errors.New("chunk cache has no memory backing")
	ErrNotLoaded   = errors.New("chunk cache is not loaded")
	ErrPieceIndex  = errors.New("piece index out of range")
	ErrPieceLength = errors.New("piece length mismatch")
)

// Cache assemble les pièces d'un chunk. Sa source est soit un tampon mémoire
// alloué à la demande, soit le stockage local (après une lecture locale réussie).
type Cache struct {
	id    types.ChunkId
	step  int
	count uint32

	mu       sync.RWMutex
	mem      []byte
	store    Reader
	pieces   *roaring.Bitmap
	received uint64
	loaded   bool
	loadedCh chan struct{}
}

// NewCache crée un cache vide pour id, découpé en pièces de step octets.
func NewCache(id types.ChunkId, step int) *Cache {
	if step <= 0 {
		step = protocol.MaxPiecePayload
	}
	return &Cache{
		id:       id,
		step:     step,
		count:    protocol.PieceCount(id.Len(), step),
		pieces:   roaring.New(),
		loadedCh: make(chan struct{}),
	}
}

func (c *Cache) Chunk() types.ChunkId { return c.id }

func (c *Cache) Step() int { return c.step }

func (c *Cache) PieceCount() uint32 { return c.count }

// HasStorage indique si le cache a une source (mémoire ou stockage local).
func (c *Cache) HasStorage() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.mem != nil || c.store != nil
}

// Alloc attribue un tampon mémoire si le cache n'a pas encore de source.
func (c *Cache) Alloc() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.mem != nil || c.store != nil {
		return
	}
	c.mem = make([]byte, c.id.Len())
	if c.count == 0 {
		c.markLoadedLocked()
	}
}

// LoadFrom lit le chunk depuis r et, si sa taille correspond, fait de r la source du cache.
func (c *Cache) LoadFrom(ctx context.Context, r Reader) error {
	ok, err := r.Exists(ctx, c.id)
	if err != nil {
		return fmt.Errorf("probe chunk %s: %w", c.id, err)
	}
	if !ok {
		return types.NewError(types.NotFound, "chunk %s not in local store", c.id)
	}
	data, err := r.Get(ctx, c.id)
	if err != nil {
		return fmt.Errorf("read chunk %s: %w", c.id, err)
	}
	if uint64(len(data)) != c.id.Len() {
		return types.NewError(types.InvalidData, "chunk %s: got %d bytes, want %d", c.id, len(data), c.id.Len())
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.store = r
	if c.count > 0 {
		c.pieces.AddRange(0, uint64(c.count))
	}
	c.received = uint64(len(data))
	c.markLoadedLocked()
	return nil
}

// PushPiece écrit une pièce. Retourne false si la pièce était déjà présente.
func (c *Cache) PushPiece(index uint32, data []byte) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.mem == nil {
		return false, ErrNoStorage
	}
	if index >= c.count {
		return false, fmt.Errorf("%w: %d >= %d", ErrPieceIndex, index, c.count)
	}
	if c.pieces.Contains(index) {
		return false, nil
	}
	start, end := c.pieceRangeLocked(index)
	if uint64(len(data)) != end-start {
		return false, fmt.Errorf("%w: piece %d has %d bytes, want %d", ErrPieceLength, index, len(data), end-start)
	}
	copy(c.mem[start:end], data)
	c.pieces.Add(index)
	c.received += uint64(len(data))

	if uint32(c.pieces.GetCardinality()) == c.count {
		if !c.id.Verify(c.mem) {
			c.pieces.Clear()
			c.received = 0
			return false, types.NewError(types.InvalidData, "chunk %s: assembled content does not match id", c.id)
		}
		c.markLoadedLocked()
	}
	return true, nil
}

func (c *Cache) pieceRangeLocked(index uint32) (uint64, uint64) {
	start := uint64(index) * uint64(c.step)
	end := start + uint64(c.step)
	if end > c.id.Len() {
		end = c.id.Len()
	}
	return start, end
}

func (c *Cache) markLoadedLocked() {
	if c.loaded {
		return
	}
	c.loaded = true
	close(c.loadedCh)
}

func (c *Cache) Loaded() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.loaded
}

// LoadedCh est fermé quand le chunk est complet.
func (c *Cache) LoadedCh() <-chan struct{} { return c.loadedCh }

func (c *Cache) Received() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.received
}

func (c *Cache) HasPiece(index uint32) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.pieces.Contains(index)
}

// Missing retourne au plus limit index de pièces absents, inférieurs ou égaux à maxIndex.
func (c *Cache) Missing(maxIndex uint32, limit int) []uint32 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.count == 0 {
		return nil
	}
	if maxIndex >= c.count {
		maxIndex = c.count - 1
	}
	want := roaring.New()
	want.AddRange(0, uint64(maxIndex)+1)
	want.AndNot(c.pieces)

	out := make([]uint32, 0, limit)
	it := want.Iterator()
	for it.HasNext() && len(out) < limit {
		out = append(out, it.Next())
	}
	return out
}

// Bytes retourne une copie du contenu complet, depuis la mémoire ou le stockage local.
func (c *Cache) Bytes(ctx context.Context) ([]byte, error) {
	c.mu.RLock()
	loaded, mem, store := c.loaded, c.mem, c.store
	c.mu.RUnlock()
	if !loaded {
		return nil, ErrNotLoaded
	}
	if store != nil {
		data, err := store.Get(ctx, c.id)
		if err != nil {
			return nil, fmt.Errorf("read chunk %s from local store: %w", c.id, err)
		}
		if uint64(len(data)) != c.id.Len() {
			return nil, types.NewError(types.InvalidData, "chunk %s: local store returned %d bytes, want %d", c.id, len(data), c.id.Len())
		}
		return data, nil
	}
	out := make([]byte, len(mem))
	copy(out, mem)
	return out, nil
}
