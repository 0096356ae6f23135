package task

import (
	"context"
	"sort"
	"sync"
	"time"

	"bdt/internal/chunk"
	"bdt/internal/download"
	"bdt/internal/resource"
	"bdt/internal/types"

	"github.com/google/uuid"
)

type schedulerImpl struct {
	config SchedulerConfig
	chunks *download.Manager
	root   *resource.Manager

	mu     sync.RWMutex
	tasks  map[string]*ChunkTask
	closed bool
}

// NewScheduler crée un Scheduler dont les tâches obtiennent leurs downloaders de chunks.
func NewScheduler(config SchedulerConfig, chunks *download.Manager) Scheduler {
	config.setDefaults()
	return &schedulerImpl{
		config: config,
		chunks: chunks,
		root:   resource.New("tasks", nil),
		tasks:  make(map[string]*ChunkTask),
	}
}

func (s *schedulerImpl) Root() *resource.Manager { return s.root }

func (s *schedulerImpl) CreateTask(id types.ChunkId, sctx *download.SingleContext, writers ...chunk.Writer) (*ChunkTask, error) {
	if id.IsZero() {
		return nil, types.NewError(types.InvalidInput, "empty chunk id")
	}
	taskId := "task-" + uuid.NewString()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrSchedulerClosed
	}
	t := NewChunkTask(taskId, id, sctx, writers, s.chunks, s.root, s.config.Task)
	s.tasks[taskId] = t
	s.config.Logger.Debug("Chunk task created", "task_id", taskId, "chunk", id, "writers", len(writers))
	return t, nil
}

func (s *schedulerImpl) Submit(id types.ChunkId, sctx *download.SingleContext, writers ...chunk.Writer) (*ChunkTask, error) {
	t, err := s.CreateTask(id, sctx, writers...)
	if err != nil {
		return nil, err
	}
	if err := t.Start(); err != nil {
		return nil, err
	}
	return t, nil
}

func (s *schedulerImpl) SubmitRange(id types.ChunkId, rng types.Range, sctx *download.SingleContext, writers ...chunk.Writer) (*ChunkTask, error) {
	if rng.Len() == 0 || rng.End > id.Len() {
		return nil, types.NewError(types.InvalidInput, "range [%d, %d) outside chunk of %d bytes", rng.Start, rng.End, id.Len())
	}
	t, err := s.CreateTask(id, sctx, writers...)
	if err != nil {
		return nil, err
	}
	if err := t.WithRange(rng).Start(); err != nil {
		return nil, err
	}
	return t, nil
}

func (s *schedulerImpl) TaskOf(taskId string) (*ChunkTask, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tasks[taskId]
	if !ok {
		return nil, ErrTaskNotFound
	}
	return t, nil
}

// Tasks retourne les tâches suivies, par identifiant.
func (s *schedulerImpl) Tasks() []*ChunkTask {
	s.mu.RLock()
	out := make([]*ChunkTask, 0, len(s.tasks))
	for _, t := range s.tasks {
		out = append(out, t)
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

func (s *schedulerImpl) OnSchedule(now time.Time) {
	s.root.Aggregate(now)

	var finished []*ChunkTask
	for _, t := range s.Tasks() {
		state, _ := t.State()
		if state.Terminal() {
			finished = append(finished, t)
			continue
		}
		t.OnDrain(0)
	}

	if len(finished) == 0 {
		return
	}
	s.mu.Lock()
	for _, t := range finished {
		delete(s.tasks, t.id)
	}
	s.mu.Unlock()
	for _, t := range finished {
		s.root.RemoveChild(t.res)
	}
	s.config.Logger.Debug("Removed completed tasks", "count", len(finished))
}

func (s *schedulerImpl) Run(ctx context.Context) error {
	s.config.Logger.Info("Starting task scheduler", "interval", s.config.Interval)
	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.config.Logger.Info("Task scheduler stopping due to context cancellation.")
			return nil
		case now := <-ticker.C:
			s.OnSchedule(now)
		}
	}
}

func (s *schedulerImpl) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSchedulerClosed
	}
	s.closed = true
	tasks := make([]*ChunkTask, 0, len(s.tasks))
	for _, t := range s.tasks {
		tasks = append(tasks, t)
	}
	s.mu.Unlock()

	for _, t := range tasks {
		if err := t.Cancel(); err != nil {
			s.config.Logger.Debug("Task not canceled on close", "task_id", t.id, "error", err)
		}
	}
	for _, t := range tasks {
		state, _ := t.State()
		if state == StateWriting {
			<-t.Done()
		}
	}
	return nil
}
