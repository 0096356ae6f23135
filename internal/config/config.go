package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"bdt/internal/channel"
	"bdt/internal/task"
	"bdt/internal/tunnel"
	"bdt/internal/types"

	"gopkg.in/yaml.v3"
)

var ErrInvalidConfig = errors.New("invalid node configuration")

// Config contient toute la configuration d'un noeud.
type Config struct {
	// Name dérive l'identifiant du noeud quand Id est vide.
	Name string         `yaml:"name"`
	Id   types.DeviceId `yaml:"id"`

	// Listen est l'adresse QUIC des tunnels entrants. Vide: le noeud ne sert pas de chunks.
	Listen    string `yaml:"listen"`
	StorePath string `yaml:"store_path"`
	LogLevel  string `yaml:"log_level"`
	// MetricsAddr expose /metrics en HTTP si non vide.
	MetricsAddr string `yaml:"metrics_addr"`

	TLS       TLSConfig              `yaml:"tls"`
	Tunnel    tunnel.ContainerConfig `yaml:"tunnel"`
	Channel   channel.Config         `yaml:"channel"`
	Download  DownloadConfig         `yaml:"download"`
	Scheduler task.SchedulerConfig   `yaml:"scheduler"`

	// TimeEscapeInterval cadence les renvois et délais des sessions.
	TimeEscapeInterval time.Duration `yaml:"time_escape_interval"`

	Peers []types.DeviceDesc `yaml:"peers"`
}

type TLSConfig struct {
	CertFile           string `yaml:"cert_file"`
	KeyFile            string `yaml:"key_file"`
	InsecureSkipVerify bool   `yaml:"insecure_skip_verify"`
}

type DownloadConfig struct {
	ProbeTimeout   time.Duration `yaml:"probe_timeout"`
	ChannelTimeout time.Duration `yaml:"channel_timeout"`
}

// LoadConfig lit un fichier YAML. Les champs absents gardent les valeurs de DefaultConfig.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	config := DefaultConfig()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// DefaultConfig returns a default configuration.
func DefaultConfig() *Config {
	return &Config{
		Name:               "bdt-node",
		StorePath:          "bdt_data/chunks.db",
		LogLevel:           "info",
		TimeEscapeInterval: 200 * time.Millisecond,
		Scheduler: task.SchedulerConfig{
			Interval: time.Second,
		},
		TLS: TLSConfig{InsecureSkipVerify: true},
	}
}

func (c *Config) Validate() error {
	if c.Id.IsZero() && c.Name == "" {
		return fmt.Errorf("%w: name or id is required", ErrInvalidConfig)
	}
	if c.StorePath == "" {
		return fmt.Errorf("%w: store_path is required", ErrInvalidConfig)
	}
	if (c.TLS.CertFile == "") != (c.TLS.KeyFile == "") {
		return fmt.Errorf("%w: tls cert_file and key_file go together", ErrInvalidConfig)
	}
	for i, p := range c.Peers {
		if p.Id.IsZero() {
			return fmt.Errorf("%w: peer %d has no id", ErrInvalidConfig, i)
		}
		if len(p.Endpoints) == 0 {
			return fmt.Errorf("%w: peer %s has no endpoint", ErrInvalidConfig, p.Id)
		}
	}
	return nil
}

// DeviceId retourne l'identifiant du noeud, dérivé de Name si Id n'est pas fixé.
func (c *Config) DeviceId() types.DeviceId {
	if !c.Id.IsZero() {
		return c.Id
	}
	return types.DeviceIdFromName(c.Name)
}

// Peer cherche un pair configuré par identifiant.
func (c *Config) Peer(id types.DeviceId) (types.DeviceDesc, bool) {
	for _, p := range c.Peers {
		if p.Id == id {
			return p, true
		}
	}
	return types.DeviceDesc{}, false
}

func ParseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
