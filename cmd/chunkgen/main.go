package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"bdt/internal/datagen"
)

func main() {
	configPath := flag.String("config", "", "Path to a YAML configuration file.")

	// Flags to override config file settings
	inputPath := flag.String("input", "", "Path to an input file or directory. Overrides config.")
	outputDir := flag.String("output-dir", "", "Output directory for node stores. Overrides config.")
	numNodes := flag.Int("nodes", 0, "Number of node stores. Overrides config.")
	replicas := flag.Int("replicas", 0, "Number of stores holding each chunk. Overrides config.")
	chunkSize := flag.Int64("chunk-size", 0, "Chunk size in bytes. Overrides config.")
	genSize := flag.Int64("gen-size", 0, "Total size of generated data in bytes. Overrides config.")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	var config *datagen.Config
	var err error
	if *configPath != "" {
		config, err = datagen.LoadConfig(*configPath)
		if err != nil {
			logger.Error("Failed to load configuration file", "path", *configPath, "error", err)
			os.Exit(1)
		}
		logger.Info("Loaded configuration from file", "path", *configPath)
	} else {
		config = datagen.DefaultConfig()
		logger.Info("Using default configuration.")
	}

	if *inputPath != "" {
		config.InputPath = *inputPath
	}
	if *outputDir != "" {
		config.OutputDir = *outputDir
	}
	if *numNodes > 0 {
		config.NumNodes = *numNodes
	}
	if *replicas > 0 {
		config.Replicas = *replicas
	}
	if *chunkSize > 0 {
		config.ChunkSize = *chunkSize
	}
	if *genSize > 0 {
		config.GenerationMode.TotalSize = *genSize
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	generator, err := datagen.NewGenerator(config, logger)
	if err != nil {
		logger.Error("Failed to initialize chunk generator", "error", err)
		os.Exit(1)
	}
	manifest, err := generator.Run(ctx)
	if err != nil {
		logger.Error("Failed to run chunk generation", "error", err)
		os.Exit(1)
	}

	// une ligne par chunk sur stdout: id, fichier, offset, noeuds
	for _, e := range manifest.Chunks {
		fmt.Printf("%s\t%s\t%d\t%v\n", e.Chunk, e.File, e.Offset, e.Nodes)
	}
	logger.Info("Chunk generation completed successfully.", "store", datagen.StorePath(config.OutputDir, 0))
}
