package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"bdt/internal/chunk"
	"bdt/internal/config"
	"bdt/internal/stack"
	"bdt/internal/task"
	"bdt/internal/types"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
)

// peerList accumule les flags -peer de la forme id@host:port.
type peerList []types.DeviceDesc

func (p *peerList) String() string { return fmt.Sprint(len(*p)) }

func (p *peerList) Set(v string) error {
	desc, err := parsePeer(v)
	if err != nil {
		return err
	}
	*p = append(*p, desc)
	return nil
}

// parseDeviceId accepte un identifiant base58 ou un nom de noeud.
func parseDeviceId(s string) types.DeviceId {
	if id, err := types.ParseDeviceId(s); err == nil {
		return id
	}
	return types.DeviceIdFromName(s)
}

func parsePeer(v string) (types.DeviceDesc, error) {
	id, addr, ok := strings.Cut(v, "@")
	if !ok || id == "" || addr == "" {
		return types.DeviceDesc{}, fmt.Errorf("peer %q: expected id@host:port", v)
	}
	return types.DeviceDesc{Id: parseDeviceId(id), Endpoints: []string{addr}}, nil
}

func main() {
	configPath := flag.String("config", "", "Path to a YAML node configuration file")
	name := flag.String("name", "", "Node name, the device id is derived from it. Overrides config.")
	listenAddr := flag.String("listen", "", "QUIC listen address (e.g. :7100). Overrides config.")
	storePath := flag.String("store", "", "Path of the chunk store. Overrides config.")
	metricsAddr := flag.String("metrics", "", "HTTP address for /metrics. Overrides config.")
	logLevelStr := flag.String("loglevel", "", "Log level (debug, info, warn, error). Overrides config.")
	fetch := flag.String("fetch", "", "Comma-separated chunk ids to download, then exit")
	from := flag.String("from", "", "Peer (id or name) to download from; defaults to every configured peer")
	outDir := flag.String("out", "downloads", "Directory receiving fetched chunks")
	var peers peerList
	flag.Var(&peers, "peer", "Peer as id@host:port (repeatable)")
	flag.Parse()

	cfg := config.DefaultConfig()
	if *configPath != "" {
		loaded, err := config.LoadConfig(*configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to load config %s: %v\n", *configPath, err)
			os.Exit(1)
		}
		cfg = loaded
	}
	if *name != "" {
		cfg.Name = *name
		cfg.Id = types.DeviceId{}
	}
	if *listenAddr != "" {
		cfg.Listen = *listenAddr
	}
	if *storePath != "" {
		cfg.StorePath = *storePath
	}
	if *metricsAddr != "" {
		cfg.MetricsAddr = *metricsAddr
	}
	if *logLevelStr != "" {
		cfg.LogLevel = *logLevelStr
	}
	cfg.Peers = append(cfg.Peers, peers...)

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: config.ParseLevel(cfg.LogLevel)}))
	slog.SetDefault(logger)

	node, err := stack.New(cfg, stack.WithLogger(logger))
	if err != nil {
		logger.Error("Failed to build node", "error", err)
		os.Exit(1)
	}
	logger.Info("bdt node starting up...", "device_id", node.Id(), "listen", node.Addr(), "store", cfg.StorePath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return node.Run(gctx) })
	if cfg.MetricsAddr != "" {
		srv := &http.Server{Addr: cfg.MetricsAddr, Handler: metricsMux()}
		g.Go(func() error {
			logger.Info("Serving metrics", "address", cfg.MetricsAddr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	exitCode := 0
	if *fetch != "" {
		if err := fetchChunks(gctx, node, cfg, *fetch, *from, *outDir, logger); err != nil {
			logger.Error("Fetch failed", "error", err)
			exitCode = 1
		}
		stop()
	} else {
		logger.Info("Node is running. Press Ctrl+C to exit.")
		<-gctx.Done()
	}

	if err := g.Wait(); err != nil {
		logger.Error("Node stopped with error", "error", err)
		exitCode = 1
	}
	if err := node.Close(); err != nil {
		logger.Warn("Node close reported errors", "error", err)
	}
	logger.Info("Node shutdown complete.")
	os.Exit(exitCode)
}

func metricsMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	return mux
}

// fetchChunks télécharge chaque chunk vers outDir/<id> et attend toutes les tâches.
func fetchChunks(ctx context.Context, node *stack.Stack, cfg *config.Config, list, from, outDir string, logger *slog.Logger) error {
	var sources []types.DeviceDesc
	if from != "" {
		sources = []types.DeviceDesc{{Id: parseDeviceId(from)}}
	} else {
		sources = cfg.Peers
	}

	var tasks []*task.ChunkTask
	for _, s := range strings.Split(list, ",") {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		id, err := types.ParseChunkId(s)
		if err != nil {
			return fmt.Errorf("chunk %q: %w", s, err)
		}
		out := chunk.NewFileWriter(filepath.Join(outDir, id.String()), logger)
		t, err := node.DownloadChunk(id, sources, out, node.Store())
		if err != nil {
			return err
		}
		logger.Info("Chunk download scheduled", "task_id", t.Id(), "chunk", id)
		tasks = append(tasks, t)
	}

	var errs []error
	for _, t := range tasks {
		state, err := t.Wait(ctx)
		if state != task.StateFinished {
			errs = append(errs, fmt.Errorf("chunk %s: %s: %w", t.Chunk(), state, err))
			continue
		}
		logger.Info("Chunk downloaded", "chunk", t.Chunk(), "avg_bps", t.ControlState().Average)
	}
	return errors.Join(errs...)
}
