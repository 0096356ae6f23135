package datagen

import (
	"bytes"
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"bdt/internal/chunk"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openStore(t *testing.T, path string) *chunk.BoltStore {
	t.Helper()
	store, err := chunk.OpenStore(chunk.StoreConfig{Path: path})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestGenerator_Run_GenerateNew(t *testing.T) {
	tempDir, err := os.MkdirTemp("", "datagen-test-*")
	require.NoError(t, err)
	defer os.RemoveAll(tempDir)

	cfg := DefaultConfig()
	cfg.OutputDir = filepath.Join(tempDir, "out")
	cfg.NumNodes = 2
	cfg.GenerationMode.TotalSize = 2*1024*1024 + 100
	cfg.ChunkSize = 1 * 1024 * 1024

	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))
	gen, err := NewGenerator(cfg, logger)
	require.NoError(t, err)

	manifest, err := gen.Run(context.Background())
	require.NoError(t, err)
	require.Len(t, manifest.Chunks, 3)
	assert.Equal(t, []string{"node001", "node002"}, manifest.Nodes)
	assert.Equal(t, int64(100), manifest.Chunks[2].Length)
	assert.Equal(t, []string{"node001"}, manifest.Chunks[0].Nodes)
	assert.Equal(t, []string{"node002"}, manifest.Chunks[1].Nodes)
	assert.Equal(t, []string{"node001"}, manifest.Chunks[2].Nodes)

	reread, err := ReadManifest(cfg.OutputDir)
	require.NoError(t, err)
	assert.Equal(t, manifest, reread)

	node1 := openStore(t, StorePath(cfg.OutputDir, 0))
	ids, err := node1.List()
	require.NoError(t, err)
	assert.Len(t, ids, 2)
	data, err := node1.Get(context.Background(), manifest.Chunks[2].Chunk)
	require.NoError(t, err)
	assert.Len(t, data, 100)
}

func TestGenerator_Run_ExistingFileWithReplicas(t *testing.T) {
	tempDir, err := os.MkdirTemp("", "datagen-test-file-*")
	require.NoError(t, err)
	defer os.RemoveAll(tempDir)

	content := bytes.Repeat([]byte("0123456789"), 2500) // 25000 octets
	input := filepath.Join(tempDir, "input.dat")
	require.NoError(t, os.WriteFile(input, content, 0644))

	cfg := DefaultConfig()
	cfg.InputPath = input
	cfg.OutputDir = filepath.Join(tempDir, "out")
	cfg.NumNodes = 3
	cfg.Replicas = 2
	cfg.ChunkSize = 10000

	gen, err := NewGenerator(cfg, nil)
	require.NoError(t, err)
	manifest, err := gen.Run(context.Background())
	require.NoError(t, err)
	require.Len(t, manifest.Chunks, 3)

	var rebuilt []byte
	for i, e := range manifest.Chunks {
		assert.Equal(t, "input.dat", e.File)
		assert.Len(t, e.Nodes, 2)
		assert.Equal(t, int64(i*10000), e.Offset)

		store := openStore(t, StorePath(cfg.OutputDir, i%3))
		data, err := store.Get(context.Background(), e.Chunk)
		require.NoError(t, err)
		rebuilt = append(rebuilt, data...)
		require.NoError(t, store.Close())
	}
	assert.Equal(t, content, rebuilt)
}

func TestNewGenerator_InvalidConfig(t *testing.T) {
	cfg := DefaultConfig()
	cfg.NumNodes = 0
	_, err := NewGenerator(cfg, nil)
	assert.Error(t, err)

	cfg = DefaultConfig()
	cfg.Replicas = 5
	_, err = NewGenerator(cfg, nil)
	assert.Error(t, err)
}
