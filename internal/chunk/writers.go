package chunk

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"bdt/internal/types"
)

var ErrWriterClosed = errors.New("chunk writer already finished")

// MemoryWriter garde en mémoire les chunks écrits, par identifiant.
type MemoryWriter struct {
	mu       sync.Mutex
	chunks   map[types.ChunkId][]byte
	finished bool
	errCode  types.ErrorCode
	done     chan struct{}
}

func NewMemoryWriter() *MemoryWriter {
	return &MemoryWriter{chunks: make(map[types.ChunkId][]byte), done: make(chan struct{})}
}

func (w *MemoryWriter) Write(_ context.Context, id types.ChunkId, data []byte, rng *types.Range) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.finished {
		return ErrWriterClosed
	}
	if rng != nil {
		r := rng.Clamp(uint64(len(data)))
		data = data[r.Start:r.End]
	}
	w.chunks[id] = append([]byte(nil), data...)
	return nil
}

func (w *MemoryWriter) Finish(context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.finished {
		return ErrWriterClosed
	}
	w.finished = true
	close(w.done)
	return nil
}

func (w *MemoryWriter) Err(_ context.Context, code types.ErrorCode) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.finished {
		return ErrWriterClosed
	}
	w.finished = true
	w.errCode = code
	close(w.done)
	return nil
}

// Done est fermé après Finish ou Err.
func (w *MemoryWriter) Done() <-chan struct{} { return w.done }

func (w *MemoryWriter) Get(id types.ChunkId) ([]byte, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	data, ok := w.chunks[id]
	return data, ok
}

// Result retourne l'état final: (true, Ok) après Finish, (true, code) après Err.
func (w *MemoryWriter) Result() (bool, types.ErrorCode) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.finished, w.errCode
}

// FileWriter écrit le chunk dans un fichier. Le contenu passe par un fichier temporaire
// renommé à Finish; Err supprime le fichier temporaire.
type FileWriter struct {
	path   string
	logger *slog.Logger

	mu  sync.Mutex
	tmp *os.File
}

func NewFileWriter(path string, logger *slog.Logger) *FileWriter {
	if logger == nil {
		logger = slog.Default().With("component", "file_writer")
	}
	return &FileWriter{path: path, logger: logger.With("path", path)}
}

func (w *FileWriter) Write(_ context.Context, id types.ChunkId, data []byte, rng *types.Range) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.tmp == nil {
		if err := os.MkdirAll(filepath.Dir(w.path), 0755); err != nil {
			return fmt.Errorf("failed to create destination directory: %w", err)
		}
		f, err := os.CreateTemp(filepath.Dir(w.path), filepath.Base(w.path)+".part-*")
		if err != nil {
			return fmt.Errorf("failed to create temp file: %w", err)
		}
		w.tmp = f
	}
	if rng != nil {
		r := rng.Clamp(uint64(len(data)))
		data = data[r.Start:r.End]
	}
	if _, err := w.tmp.Write(data); err != nil {
		return fmt.Errorf("failed to write chunk %s: %w", id, err)
	}
	w.logger.Debug("Chunk written to temp file", "chunk", id, "bytes", len(data))
	return nil
}

func (w *FileWriter) Finish(context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.tmp == nil {
		return ErrWriterClosed
	}
	tmpPath := w.tmp.Name()
	if err := w.tmp.Sync(); err != nil {
		w.tmp.Close()
		return fmt.Errorf("failed to sync %s: %w", tmpPath, err)
	}
	if err := w.tmp.Close(); err != nil {
		return fmt.Errorf("failed to close %s: %w", tmpPath, err)
	}
	w.tmp = nil
	if err := os.Rename(tmpPath, w.path); err != nil {
		return fmt.Errorf("failed to move %s to %s: %w", tmpPath, w.path, err)
	}
	w.logger.Info("Chunk file complete")
	return nil
}

func (w *FileWriter) Err(_ context.Context, code types.ErrorCode) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.logger.Warn("Chunk download failed, discarding output", "code", code)
	if w.tmp == nil {
		return nil
	}
	tmpPath := w.tmp.Name()
	w.tmp.Close()
	w.tmp = nil
	return os.Remove(tmpPath)
}
