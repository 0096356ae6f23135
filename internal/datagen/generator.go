package datagen

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"

	"bdt/internal/chunk"
	"bdt/internal/types"
)

const (
	manifestName  = "manifest.json"
	storeFileName = "chunks.db"
)

// ManifestEntry décrit un chunk produit: sa place dans le fichier source et les noeuds qui le détiennent.
type ManifestEntry struct {
	File   string        `json:"file"`
	Offset int64         `json:"offset"`
	Length int64         `json:"length"`
	Chunk  types.ChunkId `json:"chunk"`
	Nodes  []string      `json:"nodes"`
}

type Manifest struct {
	ChunkSize int64           `json:"chunk_size"`
	Nodes     []string        `json:"nodes"`
	Chunks    []ManifestEntry `json:"chunks"`
}

// Generator orchestrates the chunk generation process.
type Generator struct {
	config     *Config
	logger     *slog.Logger
	sourceRoot string
	stores     []*chunk.BoltStore
	nodes      []string
}

// NewGenerator creates a new chunk generator instance.
func NewGenerator(config *Config, logger *slog.Logger) (*Generator, error) {
	if config.NumNodes <= 0 {
		return nil, fmt.Errorf("number of nodes must be positive")
	}
	if config.ChunkSize <= 0 || uint64(config.ChunkSize) > uint64(^uint32(0)) {
		return nil, fmt.Errorf("chunk size must be positive and fit in 32 bits")
	}
	if config.Replicas <= 0 {
		config.Replicas = 1
	}
	if config.Replicas > config.NumNodes {
		return nil, fmt.Errorf("replicas (%d) exceed number of nodes (%d)", config.Replicas, config.NumNodes)
	}
	if logger == nil {
		logger = slog.Default().With("component", "chunkgen")
	}
	return &Generator{config: config, logger: logger}, nil
}

// StorePath retourne le chemin du stockage du noeud d'index i (à partir de 0).
func StorePath(outputDir string, i int) string {
	return filepath.Join(outputDir, nodeName(i), storeFileName)
}

func nodeName(i int) string { return fmt.Sprintf("node%03d", i+1) }

// Run découpe les données en chunks, les répartit dans les stockages des noeuds
// et écrit le manifeste.
func (g *Generator) Run(ctx context.Context) (*Manifest, error) {
	g.logger.Info("Starting chunk generation", "output_dir", g.config.OutputDir)

	if err := os.RemoveAll(g.config.OutputDir); err != nil {
		return nil, fmt.Errorf("failed to clean output directory: %w", err)
	}
	if err := g.openStores(); err != nil {
		return nil, err
	}
	defer g.closeStores()

	manifest := &Manifest{ChunkSize: g.config.ChunkSize, Nodes: g.nodes}
	var err error
	if g.config.InputPath != "" {
		g.logger.Info("Processing existing input", "path", g.config.InputPath)
		manifest.Chunks, err = g.processInputPath(ctx, g.config.InputPath)
	} else {
		g.logger.Info("Generating new data", "size", g.config.GenerationMode.TotalSize)
		manifest.Chunks, err = g.generate(ctx)
	}
	if err != nil {
		return nil, err
	}
	if err := g.writeManifest(manifest); err != nil {
		return nil, err
	}
	g.logger.Info("Chunk generation complete", "chunks", len(manifest.Chunks), "nodes", len(g.nodes))
	return manifest, nil
}

func (g *Generator) openStores() error {
	for i := 0; i < g.config.NumNodes; i++ {
		path := StorePath(g.config.OutputDir, i)
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return fmt.Errorf("failed to create directory for %s: %w", nodeName(i), err)
		}
		store, err := chunk.OpenStore(chunk.StoreConfig{Path: path, Logger: g.logger})
		if err != nil {
			g.closeStores()
			return err
		}
		g.stores = append(g.stores, store.WithOrigin("chunkgen"))
		g.nodes = append(g.nodes, nodeName(i))
	}
	return nil
}

func (g *Generator) closeStores() {
	for _, s := range g.stores {
		if err := s.Close(); err != nil {
			g.logger.Warn("Failed to close store", "error", err)
		}
	}
	g.stores = nil
}

func (g *Generator) processInputPath(ctx context.Context, path string) ([]ManifestEntry, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("could not stat input path %s: %w", path, err)
	}
	if !info.IsDir() {
		g.sourceRoot = filepath.Dir(path)
		return g.processFile(ctx, path, 0)
	}

	g.sourceRoot = path
	var entries []ManifestEntry
	err = filepath.WalkDir(path, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		g.logger.Info("Processing file in directory", "path", p)
		fileEntries, procErr := g.processFile(ctx, p, len(entries))
		if procErr != nil {
			return fmt.Errorf("failed to process file %s: %w", p, procErr)
		}
		entries = append(entries, fileEntries...)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("error walking directory %s: %w", path, err)
	}
	return entries, nil
}

func (g *Generator) processFile(ctx context.Context, filePath string, first int) ([]ManifestEntry, error) {
	file, err := os.Open(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open input file %s: %w", filePath, err)
	}
	defer file.Close()

	relPath, err := filepath.Rel(g.sourceRoot, filePath)
	if err != nil {
		return nil, fmt.Errorf("could not find relative path for %s from root %s: %w", filePath, g.sourceRoot, err)
	}
	info, err := file.Stat()
	if err != nil {
		return nil, fmt.Errorf("failed to stat input file %s: %w", filePath, err)
	}
	if info.Size() == 0 {
		g.logger.Info("Skipping empty file", "path", filePath)
		return nil, nil
	}
	return g.split(ctx, relPath, file, info.Size(), first)
}

func (g *Generator) generate(ctx context.Context) ([]ManifestEntry, error) {
	var src io.Reader = rand.Reader
	if g.config.GenerationMode.Readable {
		src = newPatternReader(g.config.GenerationMode.Pattern)
	}
	return g.split(ctx, "generated_file.dat", src, g.config.GenerationMode.TotalSize, 0)
}

// split lit total octets de r par tranches de ChunkSize et stocke chaque chunk.
// Le chunk de rang global n va aux noeuds n, n+1, ... modulo NumNodes.
func (g *Generator) split(ctx context.Context, name string, r io.Reader, total int64, first int) ([]ManifestEntry, error) {
	var entries []ManifestEntry
	buf := make([]byte, g.config.ChunkSize)
	for offset := int64(0); offset < total; offset += g.config.ChunkSize {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		n := g.config.ChunkSize
		if remaining := total - offset; remaining < n {
			n = remaining
		}
		data := buf[:n]
		if _, err := io.ReadFull(r, data); err != nil {
			return nil, fmt.Errorf("failed to read %s at %d: %w", name, offset, err)
		}
		id, err := types.ChunkIdFromData(data)
		if err != nil {
			return nil, err
		}

		entry := ManifestEntry{File: name, Offset: offset, Length: n, Chunk: id}
		index := first + len(entries)
		for k := 0; k < g.config.Replicas; k++ {
			node := (index + k) % len(g.stores)
			if err := g.stores[node].Put(ctx, id, data); err != nil {
				return nil, fmt.Errorf("failed to store chunk %s on %s: %w", id, g.nodes[node], err)
			}
			entry.Nodes = append(entry.Nodes, g.nodes[node])
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

func (g *Generator) writeManifest(m *Manifest) error {
	path := filepath.Join(g.config.OutputDir, manifestName)
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create manifest: %w", err)
	}
	defer f.Close()
	encoder := json.NewEncoder(f)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(m); err != nil {
		return fmt.Errorf("failed to write manifest: %w", err)
	}
	g.logger.Info("Successfully wrote manifest", "path", path)
	return nil
}

// ReadManifest relit un manifeste écrit par Run.
func ReadManifest(outputDir string) (*Manifest, error) {
	f, err := os.Open(filepath.Join(outputDir, manifestName))
	if err != nil {
		return nil, err
	}
	defer f.Close()
	var m Manifest
	if err := json.NewDecoder(f).Decode(&m); err != nil {
		return nil, fmt.Errorf("failed to decode manifest: %w", err)
	}
	return &m, nil
}

// patternReader is an infinite reader that repeats a given pattern.
type patternReader struct {
	pattern []byte
	pos     int
}

func newPatternReader(pattern string) *patternReader {
	return &patternReader{pattern: []byte(pattern)}
}

func (r *patternReader) Read(p []byte) (n int, err error) {
	if len(r.pattern) == 0 {
		return 0, io.EOF
	}
	for i := 0; i < len(p); i++ {
		p[i] = r.pattern[r.pos]
		r.pos = (r.pos + 1) % len(r.pattern)
	}
	return len(p), nil
}
