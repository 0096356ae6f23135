package chunk

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"bdt/internal/types"

	"github.com/fxamacker/cbor/v2"
	"go.etcd.io/bbolt"
)

var (
	bucketChunks = []byte("chunks")
	bucketIndex  = []byte("chunk_index")

	ErrStoreClosed = errors.New("chunk store is closed")
)

const defaultOpenTimeout = 1 * time.Second

// StoreConfig configure le stockage local de chunks.
type StoreConfig struct {
	Path        string
	OpenTimeout time.Duration
	Logger      *slog.Logger
}

func (c *StoreConfig) setDefaults() {
	if c.OpenTimeout <= 0 {
		c.OpenTimeout = defaultOpenTimeout
	}
	if c.Logger == nil {
		c.Logger = slog.Default().With("component", "chunk_store")
	}
}

// IndexRecord est la métadonnée conservée pour chaque chunk stocké.
type IndexRecord struct {
	Length   uint64 `cbor:"1,keyasint"`
	StoredAt int64  `cbor:"2,keyasint"`
	Origin   string `cbor:"3,keyasint,omitempty"`
}

// BoltStore est le stockage local adressé par contenu, persistant dans BoltDB.
// Il sert de Reader pour les sondes locales et l'upload, et de Writer pour les tâches.
type BoltStore struct {
	config StoreConfig
	db     *bbolt.DB
	origin string
}

// OpenStore ouvre (ou crée) la base à config.Path.
func OpenStore(config StoreConfig) (*BoltStore, error) {
	config.setDefaults()
	if config.Path == "" {
		return nil, errors.New("Path must be specified in StoreConfig")
	}

	db, err := bbolt.Open(config.Path, 0600, &bbolt.Options{Timeout: config.OpenTimeout})
	if err != nil {
		return nil, fmt.Errorf("failed to open bolt database at %s: %w", config.Path, err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketChunks); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(bucketIndex)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create chunk buckets: %w", err)
	}

	config.Logger.Info("Chunk store opened", "db_path", config.Path)
	return &BoltStore{config: config, db: db}, nil
}

// WithOrigin retourne une vue du store qui marque les chunks écrits avec origin.
func (s *BoltStore) WithOrigin(origin string) *BoltStore {
	return &BoltStore{config: s.config, db: s.db, origin: origin}
}

func (s *BoltStore) Close() error {
	s.config.Logger.Info("Closing chunk store.")
	return s.db.Close()
}

// Put stocke data sous id après vérification du contenu.
func (s *BoltStore) Put(ctx context.Context, id types.ChunkId, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !id.Verify(data) {
		return types.NewError(types.InvalidData, "content does not match chunk %s", id)
	}
	rec, err := cbor.Marshal(IndexRecord{Length: uint64(len(data)), StoredAt: time.Now().Unix(), Origin: s.origin})
	if err != nil {
		return fmt.Errorf("failed to encode index record for %s: %w", id, err)
	}
	err = s.db.Update(func(tx *bbolt.Tx) error {
		if err := tx.Bucket(bucketChunks).Put(id[:], data); err != nil {
			return err
		}
		return tx.Bucket(bucketIndex).Put(id[:], rec)
	})
	if err != nil {
		return fmt.Errorf("failed to persist chunk %s: %w", id, err)
	}
	s.config.Logger.Debug("Chunk stored", "chunk", id, "length", len(data))
	return nil
}

func (s *BoltStore) Exists(ctx context.Context, id types.ChunkId) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	var found bool
	err := s.db.View(func(tx *bbolt.Tx) error {
		found = tx.Bucket(bucketIndex).Get(id[:]) != nil
		return nil
	})
	return found, err
}

func (s *BoltStore) Get(ctx context.Context, id types.ChunkId) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var data []byte
	err := s.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket(bucketChunks).Get(id[:])
		if v == nil {
			return types.NewError(types.NotFound, "chunk %s", id)
		}
		// les slices bbolt ne sont valides que pendant la transaction
		data = append([]byte(nil), v...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return data, nil
}

// Stat retourne la métadonnée d'un chunk stocké.
func (s *BoltStore) Stat(id types.ChunkId) (IndexRecord, error) {
	var rec IndexRecord
	err := s.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket(bucketIndex).Get(id[:])
		if v == nil {
			return types.NewError(types.NotFound, "chunk %s", id)
		}
		return cbor.Unmarshal(v, &rec)
	})
	return rec, err
}

func (s *BoltStore) Delete(id types.ChunkId) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		if err := tx.Bucket(bucketChunks).Delete(id[:]); err != nil {
			return err
		}
		return tx.Bucket(bucketIndex).Delete(id[:])
	})
}

// List retourne les identifiants de tous les chunks stockés.
func (s *BoltStore) List() ([]types.ChunkId, error) {
	var ids []types.ChunkId
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketIndex).ForEach(func(k, _ []byte) error {
			id, err := types.ChunkIdFromBytes(k)
			if err != nil {
				return err
			}
			ids = append(ids, id)
			return nil
		})
	})
	return ids, err
}

// --- Writer ---

func (s *BoltStore) Write(ctx context.Context, id types.ChunkId, data []byte, _ *types.Range) error {
	return s.Put(ctx, id, data)
}

func (s *BoltStore) Finish(context.Context) error { return nil }

func (s *BoltStore) Err(_ context.Context, code types.ErrorCode) error {
	s.config.Logger.Debug("Chunk download ended without content for store", "code", code)
	return nil
}
