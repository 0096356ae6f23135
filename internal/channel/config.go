package channel

import (
	"errors"
	"log/slog"
	"time"

	"bdt/internal/chunk"
	"bdt/internal/speed"
	"bdt/internal/types"
)

const (
	defaultReserveTimeout    = 30 * time.Second
	defaultRetainTimeout     = 60 * time.Second
	defaultResendInterval    = 500 * time.Millisecond
	defaultMaxResendInterval = 8 * time.Second
	defaultSessionTimeout    = 30 * time.Second
	defaultContinueInterval  = 2 * time.Second
	defaultUploadIdleTimeout = 60 * time.Second
	defaultSendTimeout       = 10 * time.Second
	maxLostIndexPerControl   = 64
)

var (
	ErrChannelClosed  = errors.New("channel is closed")
	ErrManagerClosed  = errors.New("channel manager is closed")
	ErrSessionExists  = errors.New("download session already registered")
	ErrUnknownSession = errors.New("no session for package")
)

// Config règle les channels et leurs sessions.
type Config struct {
	ReserveTimeout    time.Duration       `yaml:"reserve_timeout"`
	RetainTimeout     time.Duration       `yaml:"retain_timeout"`
	ResendInterval    time.Duration       `yaml:"resend_interval"`     // premier délai de renvoi d'un Interest sans réponse
	MaxResendInterval time.Duration       `yaml:"max_resend_interval"` // plafond du délai de renvoi, doublé à chaque essai
	SessionTimeout    time.Duration       `yaml:"session_timeout"`     // session annulée sans activité pendant ce délai
	ContinueInterval  time.Duration       `yaml:"continue_interval"`   // délai de silence avant un PieceControl Continue
	UploadIdleTimeout time.Duration       `yaml:"upload_idle_timeout"`
	UploadRate        float64             `yaml:"upload_rate"` // octets/s par channel, 0 = illimité
	SendTimeout       time.Duration       `yaml:"send_timeout"`
	History           speed.HistoryConfig `yaml:"history"`
}

func (c *Config) setDefaults() {
	if c.ReserveTimeout <= 0 {
		c.ReserveTimeout = defaultReserveTimeout
	}
	if c.RetainTimeout <= 0 {
		c.RetainTimeout = defaultRetainTimeout
	}
	if c.ResendInterval <= 0 {
		c.ResendInterval = defaultResendInterval
	}
	if c.MaxResendInterval < c.ResendInterval {
		c.MaxResendInterval = defaultMaxResendInterval
		if c.MaxResendInterval < c.ResendInterval {
			c.MaxResendInterval = c.ResendInterval
		}
	}
	if c.SessionTimeout <= 0 {
		c.SessionTimeout = defaultSessionTimeout
	}
	if c.ContinueInterval <= 0 {
		c.ContinueInterval = defaultContinueInterval
	}
	if c.UploadIdleTimeout <= 0 {
		c.UploadIdleTimeout = defaultUploadIdleTimeout
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = defaultSendTimeout
	}
}

// ManagerConfig contient la configuration du Manager de channels.
type ManagerConfig struct {
	Local   types.DeviceId
	Channel Config
	Store   chunk.Reader // source des uploads; nil refuse tous les Interest
	Logger  *slog.Logger
}

func (c *ManagerConfig) setDefaults() {
	c.Channel.setDefaults()
	if c.Logger == nil {
		c.Logger = slog.Default().With("component", "channel_manager")
	}
}
