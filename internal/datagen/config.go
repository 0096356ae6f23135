package datagen

import (
	"os"

	"gopkg.in/yaml.v3"
)

// Config holds all the configuration for the chunk generation tool.
type Config struct {
	// InputPath is a single file or a directory to be chunked.
	// If empty, new data will be generated.
	InputPath string `yaml:"input_path"`

	// OutputDir will contain one store per node ('node001/chunks.db', ...) and manifest.json.
	OutputDir string `yaml:"output_dir"`

	// NumNodes is the number of node stores the chunks are spread over.
	NumNodes int `yaml:"num_nodes"`

	// Replicas is the number of stores holding each chunk, at most NumNodes.
	Replicas int `yaml:"replicas"`

	// GenerationMode settings are used when InputPath is empty.
	GenerationMode GenerationConfig `yaml:"generation_mode"`

	// ChunkSize is the size of each chunk in bytes.
	ChunkSize int64 `yaml:"chunk_size"`
}

// GenerationConfig specifies how to generate new data.
type GenerationConfig struct {
	TotalSize int64 `yaml:"total_size"`

	// Readable repeats Pattern; otherwise the data is random.
	Readable bool   `yaml:"readable"`
	Pattern  string `yaml:"pattern"`
}

// LoadConfig reads a YAML configuration file from the given path.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	config := DefaultConfig()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, err
	}
	return config, nil
}

// DefaultConfig returns a default configuration.
func DefaultConfig() *Config {
	return &Config{
		OutputDir: "bdt_data",
		NumNodes:  2,
		Replicas:  1,
		ChunkSize: 1 * 1024 * 1024, // 1 MiB
		GenerationMode: GenerationConfig{
			TotalSize: 10 * 1024 * 1024, // 10 MiB
			Readable:  true,
			Pattern:   "This is a sample text pattern for generated data. ",
		},
	}
}
