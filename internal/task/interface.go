package task

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"bdt/internal/chunk"
	"bdt/internal/download"
	"bdt/internal/resource"
	"bdt/internal/types"
)

const (
	defaultMaxReacquire     = 8
	defaultRetryBaseDelay   = 100 * time.Millisecond
	defaultRetryMaxDelay    = 5 * time.Second
	defaultReadTimeout      = 10 * time.Second
	defaultWriteTimeout     = 30 * time.Second
	defaultScheduleInterval = time.Second
)

var (
	ErrAlreadyStarted  = errors.New("chunk task already started")
	ErrTaskNotFound    = errors.New("chunk task not found")
	ErrSchedulerClosed = errors.New("task scheduler is closed")
)

// Config règle une ChunkTask.
type Config struct {
	// MaxReacquire borne les remplacements du downloader après un échec de lecture;
	// une valeur négative les rend illimités.
	MaxReacquire   int           `yaml:"max_reacquire"`
	RetryBaseDelay time.Duration `yaml:"retry_base_delay"`
	RetryMaxDelay  time.Duration `yaml:"retry_max_delay"`
	ReadTimeout    time.Duration `yaml:"read_timeout"`
	WriteTimeout   time.Duration `yaml:"write_timeout"`
	Logger         *slog.Logger  `yaml:"-"`
}

func (c *Config) setDefaults() {
	if c.MaxReacquire == 0 {
		c.MaxReacquire = defaultMaxReacquire
	}
	if c.RetryBaseDelay <= 0 {
		c.RetryBaseDelay = defaultRetryBaseDelay
	}
	if c.RetryMaxDelay < c.RetryBaseDelay {
		c.RetryMaxDelay = defaultRetryMaxDelay
		if c.RetryMaxDelay < c.RetryBaseDelay {
			c.RetryMaxDelay = c.RetryBaseDelay
		}
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = defaultReadTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = defaultWriteTimeout
	}
	if c.Logger == nil {
		c.Logger = slog.Default().With("component", "chunk_task")
	}
}

// SchedulerConfig contient la configuration du Scheduler de tâches.
type SchedulerConfig struct {
	Interval time.Duration `yaml:"interval"`
	Task     Config        `yaml:"task"`
	Logger   *slog.Logger  `yaml:"-"`
}

func (c *SchedulerConfig) setDefaults() {
	if c.Interval <= 0 {
		c.Interval = defaultScheduleInterval
	}
	if c.Logger == nil {
		c.Logger = slog.Default().With("component", "task_scheduler")
	}
	if c.Task.Logger == nil {
		c.Task.Logger = c.Logger
	}
	c.Task.setDefaults()
}

// Scheduler détient les tâches de téléchargement de chunks et les fait progresser
// à chaque tick en appelant leur OnDrain.
type Scheduler interface {
	// CreateTask crée une tâche non démarrée pour id, servie par les sources de sctx.
	CreateTask(id types.ChunkId, sctx *download.SingleContext, writers ...chunk.Writer) (*ChunkTask, error)
	// Submit crée puis démarre une tâche.
	Submit(id types.ChunkId, sctx *download.SingleContext, writers ...chunk.Writer) (*ChunkTask, error)
	// SubmitRange démarre une tâche dont les writers ne reçoivent que les octets de rng.
	SubmitRange(id types.ChunkId, rng types.Range, sctx *download.SingleContext, writers ...chunk.Writer) (*ChunkTask, error)
	TaskOf(taskId string) (*ChunkTask, error)
	Tasks() []*ChunkTask
	// Root est le noeud de ressource auquel chaque tâche est rattachée.
	Root() *resource.Manager
	// OnSchedule agrège l'usage de bande passante puis draine chaque tâche active.
	OnSchedule(now time.Time)
	// Run appelle OnSchedule à chaque Interval jusqu'à l'annulation de ctx.
	Run(ctx context.Context) error
	// Close annule les tâches en cours.
	Close() error
}
