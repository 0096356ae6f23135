package task

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"bdt/internal/chunk"
	"bdt/internal/download"
	"bdt/internal/metrics"
	"bdt/internal/resource"
	"bdt/internal/types"
)

// ScheduleState est l'avancement interne d'une tâche.
type ScheduleState int

const (
	StatePending ScheduleState = iota
	StateDownloading
	StateWriting
	StateFinished
	StateCanceled
)

func (s ScheduleState) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateDownloading:
		return "downloading"
	case StateWriting:
		return "writing"
	case StateFinished:
		return "finished"
	case StateCanceled:
		return "canceled"
	default:
		return "unknown"
	}
}

func (s ScheduleState) Terminal() bool { return s == StateFinished || s == StateCanceled }

// ControlKind classe la projection externe de l'état d'une tâche.
type ControlKind int

const (
	ControlDownloading ControlKind = iota
	ControlPaused
	ControlFinished
	ControlCanceled
)

func (k ControlKind) String() string {
	switch k {
	case ControlDownloading:
		return "downloading"
	case ControlPaused:
		return "paused"
	case ControlFinished:
		return "finished"
	case ControlCanceled:
		return "canceled"
	default:
		return "unknown"
	}
}

// ControlState est l'état observable d'une tâche. Current et Reserved sont en octets/s
// pendant le téléchargement; Average est le débit moyen une fois la tâche terminée.
type ControlState struct {
	Kind     ControlKind
	Current  uint64
	Reserved uint64
	Average  uint64
	Err      error
}

// ChunkTask est une demande de chunk: elle pilote un downloader partagé et livre
// le contenu à chacun de ses writers.
type ChunkTask struct {
	id      string
	chunk   types.ChunkId
	sctx    *download.SingleContext
	rng     *types.Range
	writers []chunk.Writer
	chunks  *download.Manager
	res     *resource.Manager
	config  Config
	logger  *slog.Logger

	mu         sync.Mutex
	state      ScheduleState
	downloader *download.Downloader
	err        error
	paused     bool
	started    bool
	average    uint64
	reacquired int

	cancelCh    chan struct{}
	cancelOnce  sync.Once
	releaseOnce sync.Once
	done        chan struct{}
}

// NewChunkTask crée une tâche non démarrée. Son noeud de ressource est rattaché à parent.
func NewChunkTask(id string, chunkId types.ChunkId, sctx *download.SingleContext, writers []chunk.Writer,
	chunks *download.Manager, parent *resource.Manager, config Config) *ChunkTask {
	config.setDefaults()
	if sctx == nil {
		sctx = &download.SingleContext{}
	}
	return &ChunkTask{
		id:       id,
		chunk:    chunkId,
		sctx:     sctx,
		writers:  writers,
		chunks:   chunks,
		res:      resource.New(id, parent),
		config:   config,
		logger:   config.Logger.With("task_id", id, "chunk", chunkId),
		state:    StatePending,
		cancelCh: make(chan struct{}),
		done:     make(chan struct{}),
	}
}

func (t *ChunkTask) Id() string { return t.id }

func (t *ChunkTask) Chunk() types.ChunkId { return t.chunk }

func (t *ChunkTask) Resource() *resource.Manager { return t.res }

// WithRange restreint la livraison aux octets [Start, End) du chunk. Sans effet une fois
// la tâche démarrée.
func (t *ChunkTask) WithRange(rng types.Range) *ChunkTask {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.started {
		t.rng = &rng
	}
	return t
}

// Range retourne la sous-plage livrée aux writers, nil pour le chunk entier.
func (t *ChunkTask) Range() *types.Range {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.rng == nil {
		return nil
	}
	r := *t.rng
	return &r
}

func (t *ChunkTask) State() (ScheduleState, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state, t.err
}

// Downloader retourne le downloader courant, nil avant le démarrage.
func (t *ChunkTask) Downloader() *download.Downloader {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.downloader
}

// Reacquired compte les remplacements du downloader après un échec de lecture.
func (t *ChunkTask) Reacquired() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.reacquired
}

// Done est fermé quand la tâche est terminée ou annulée, writers notifiés.
func (t *ChunkTask) Done() <-chan struct{} { return t.done }

func (t *ChunkTask) Wait(ctx context.Context) (ScheduleState, error) {
	select {
	case <-t.done:
		return t.State()
	case <-ctx.Done():
		return StateCanceled, ctx.Err()
	}
}

// Start obtient le downloader du chunk puis suit son état. Un seul appel est permis.
func (t *ChunkTask) Start() error {
	t.mu.Lock()
	if t.started {
		t.mu.Unlock()
		return ErrAlreadyStarted
	}
	t.started = true
	if t.state != StatePending {
		t.mu.Unlock()
		return types.NewError(types.ErrorState, "task %s is %s", t.id, t.state)
	}
	t.mu.Unlock()

	go t.run()
	return nil
}

func (t *ChunkTask) run() {
	d, err := t.chunks.StartDownload(t.chunk, t.sctx, t.res)
	if err != nil {
		t.logger.Error("Failed to obtain chunk downloader", "error", err)
		t.fail(err)
		return
	}
	if !t.setDownloader(d) {
		t.chunks.Release(d, t.sctx, t.res)
		return
	}
	t.logger.Debug("Chunk task downloading")
	t.syncChunkState(d)
}

// setDownloader installe d et passe en Downloading, sauf si la tâche est déjà terminée.
func (t *ChunkTask) setDownloader(d *download.Downloader) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state.Terminal() {
		return false
	}
	t.downloader = d
	t.state = StateDownloading
	return true
}

// syncChunkState attend l'issue du downloader. Un échec de lecture après un succès
// déclenche le remplacement du downloader, borné par MaxReacquire.
func (t *ChunkTask) syncChunkState(d *download.Downloader) {
	for {
		select {
		case <-d.Done():
		case <-t.cancelCh:
			return
		}

		state, err := d.State()
		if state == download.StateCanceled {
			t.fail(err)
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), t.config.ReadTimeout)
		data, err := d.Read(ctx)
		cancel()
		if err == nil {
			t.deliver(data)
			return
		}

		t.mu.Lock()
		t.reacquired++
		attempt := t.reacquired
		t.mu.Unlock()
		metrics.TaskReacquireTotal.Inc()
		if t.config.MaxReacquire >= 0 && attempt > t.config.MaxReacquire {
			t.fail(types.NewError(types.OutOfLimit, "chunk %s unreadable after %d downloaders: %v", t.chunk, attempt, err))
			return
		}
		delay := t.backoff(attempt)
		t.logger.Warn("Reading finished chunk failed, renewing downloader", "attempt", attempt, "retry_in", delay, "error", err)

		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-t.cancelCh:
			timer.Stop()
			return
		}

		next, err := t.chunks.RenewDownloader(t.chunk, d, t.sctx, t.res)
		if err != nil {
			t.fail(err)
			return
		}
		if !t.setDownloader(next) {
			t.chunks.Release(next, t.sctx, t.res)
			return
		}
		d = next
	}
}

func (t *ChunkTask) backoff(attempt int) time.Duration {
	delay := t.config.RetryBaseDelay
	for i := 1; i < attempt && delay < t.config.RetryMaxDelay; i++ {
		delay *= 2
	}
	if delay > t.config.RetryMaxDelay {
		delay = t.config.RetryMaxDelay
	}
	return delay
}

// deliver écrit le contenu dans chaque writer. Les erreurs d'un writer sont journalisées
// et n'affectent ni les autres writers ni l'issue de la tâche. Un writer dont Write échoue
// reçoit Err à la place de Finish, pour rendre ce qu'il détient sans valider une sortie partielle.
func (t *ChunkTask) deliver(data []byte) {
	t.mu.Lock()
	if t.state.Terminal() {
		t.mu.Unlock()
		return
	}
	t.state = StateWriting
	rng := t.rng
	t.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), t.config.WriteTimeout)
	defer cancel()
	for i, w := range t.writers {
		if err := w.Write(ctx, t.chunk, data, rng); err != nil {
			t.logger.Warn("Writer failed", "writer", i, "error", err)
			if herr := w.Err(ctx, types.CodeOf(err)); herr != nil {
				t.logger.Warn("Writer error hook failed", "writer", i, "error", herr)
			}
			continue
		}
		if err := w.Finish(ctx); err != nil {
			t.logger.Warn("Writer finish failed", "writer", i, "error", err)
		}
	}

	t.release()
	avg := t.res.AvgUsage(time.Now()).Downstream
	t.mu.Lock()
	t.state = StateFinished
	t.average = avg
	t.mu.Unlock()
	close(t.done)
	metrics.TasksTotal.WithLabelValues(StateFinished.String()).Inc()
	t.logger.Info("Chunk task finished", "bytes", len(data), "writers", len(t.writers), "avg_bps", avg)
}

// fail annule la tâche et notifie chaque writer du code d'erreur. Retourne false si la
// tâche est déjà terminée ou en cours d'écriture.
func (t *ChunkTask) fail(err error) bool {
	if err == nil {
		err = types.ErrInterrupted
	}
	t.mu.Lock()
	if t.state.Terminal() || t.state == StateWriting {
		t.mu.Unlock()
		return false
	}
	t.state = StateCanceled
	t.err = err
	t.mu.Unlock()
	t.cancelOnce.Do(func() { close(t.cancelCh) })

	code := types.CodeOf(err)
	ctx, cancel := context.WithTimeout(context.Background(), t.config.WriteTimeout)
	defer cancel()
	for i, w := range t.writers {
		if werr := w.Err(ctx, code); werr != nil {
			t.logger.Warn("Writer error hook failed", "writer", i, "error", werr)
		}
	}

	t.release()
	close(t.done)
	metrics.TasksTotal.WithLabelValues(StateCanceled.String()).Inc()
	t.logger.Info("Chunk task canceled", "code", code, "error", err)
	return true
}

func (t *ChunkTask) release() {
	t.releaseOnce.Do(func() {
		if d := t.Downloader(); d != nil {
			t.chunks.Release(d, t.sctx, t.res)
		}
	})
}

// --- Contrôle ---

// OnDrain fait progresser le downloader de la tâche; sans effet en pause ou hors téléchargement.
func (t *ChunkTask) OnDrain(hint uint32) uint32 {
	t.mu.Lock()
	if t.paused || t.state != StateDownloading {
		t.mu.Unlock()
		return 0
	}
	d := t.downloader
	t.mu.Unlock()
	return d.OnDrain(hint)
}

func (t *ChunkTask) ControlState() ControlState {
	t.mu.Lock()
	state, err, paused, avg, d := t.state, t.err, t.paused, t.average, t.downloader
	t.mu.Unlock()

	switch state {
	case StateFinished:
		return ControlState{Kind: ControlFinished, Average: avg}
	case StateCanceled:
		return ControlState{Kind: ControlCanceled, Err: err}
	}
	if paused {
		return ControlState{Kind: ControlPaused}
	}
	cs := ControlState{Kind: ControlDownloading, Current: t.res.LatestUsage().Downstream}
	if d != nil {
		cs.Reserved = uint64(d.HistorySpeed())
	}
	return cs
}

// Pause suspend les drains de la tâche; le downloader et sa session éventuelle sont conservés.
func (t *ChunkTask) Pause() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state.Terminal() || t.state == StateWriting {
		return types.NewError(types.ErrorState, "cannot pause %s task", t.state)
	}
	t.paused = true
	return nil
}

func (t *ChunkTask) Resume() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state.Terminal() || t.state == StateWriting {
		return types.NewError(types.ErrorState, "cannot resume %s task", t.state)
	}
	t.paused = false
	return nil
}

func (t *ChunkTask) Paused() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.paused
}

// Cancel annule la tâche avec Interrupted. Idempotent sur une tâche annulée;
// une tâche en écriture ou terminée ne peut plus l'être.
func (t *ChunkTask) Cancel() error {
	if t.fail(types.NewError(types.Interrupted, "task %s canceled", t.id)) {
		return nil
	}
	state, _ := t.State()
	if state == StateCanceled {
		return nil
	}
	return types.NewError(types.ErrorState, "cannot cancel %s task", state)
}
