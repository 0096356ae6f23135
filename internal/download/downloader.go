package download

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"bdt/internal/channel"
	"bdt/internal/chunk"
	"bdt/internal/protocol"
	"bdt/internal/resource"
	"bdt/internal/types"
)

var (
	ErrNotFinished = errors.New("chunk download is not finished")
	ErrClosed      = errors.New("chunk downloader is closed")
)

// State est l'état d'un Downloader.
type State int

const (
	StateLoading State = iota
	StateDownloading
	StateFinished
	StateCanceled
)

func (s State) String() string {
	switch s {
	case StateLoading:
		return "loading"
	case StateDownloading:
		return "downloading"
	case StateFinished:
		return "finished"
	case StateCanceled:
		return "canceled"
	default:
		return "unknown"
	}
}

func (s State) Terminal() bool { return s == StateFinished || s == StateCanceled }

// Downloader coordonne l'obtention d'un chunk pour toutes les tâches qui le demandent:
// lecture locale d'abord, puis au plus une session réseau à la fois.
type Downloader struct {
	chunk  types.ChunkId
	mgr    *Manager
	cache  *chunk.Cache
	ctx    *MultiContext
	res    *resource.Manager
	logger *slog.Logger

	mu       sync.Mutex
	state    State
	err      error
	session  *channel.DownloadSession
	sessions int
	metered  uint64

	probed   chan struct{}
	done     chan struct{}
	stop     chan struct{}
	stopOnce sync.Once
}

func newDownloader(mgr *Manager, id types.ChunkId) *Downloader {
	d := &Downloader{
		chunk:  id,
		mgr:    mgr,
		cache:  chunk.NewCache(id, protocol.MaxPiecePayload),
		ctx:    NewMultiContext(),
		res:    resource.New("chunk:"+id.String(), nil),
		logger: mgr.config.Logger.With("chunk", id),
		state:  StateLoading,
		probed: make(chan struct{}),
		done:   make(chan struct{}),
		stop:   make(chan struct{}),
	}
	mgr.wg.Add(1)
	go func() {
		defer mgr.wg.Done()
		d.probe()
	}()
	return d
}

// probe tente la lecture locale; hors du goroutine de planification car elle bloque sur le disque.
func (d *Downloader) probe() {
	defer close(d.probed)
	var err error
	if d.mgr.config.Reader == nil {
		err = types.NewError(types.NotFound, "no local reader")
	} else {
		ctx, cancel := context.WithTimeout(context.Background(), d.mgr.config.ProbeTimeout)
		err = d.cache.LoadFrom(ctx, d.mgr.config.Reader)
		cancel()
	}

	d.mu.Lock()
	if d.state != StateLoading {
		d.mu.Unlock()
		return
	}
	if err == nil {
		d.state = StateFinished
		close(d.done)
		d.mu.Unlock()
		d.logger.Debug("Chunk found in local store")
		return
	}
	d.state = StateDownloading
	d.mu.Unlock()
	d.logger.Debug("Chunk not available locally, downloading", "reason", err)
}

func (d *Downloader) Chunk() types.ChunkId { return d.chunk }

func (d *Downloader) Cache() *chunk.Cache { return d.cache }

func (d *Downloader) Context() *MultiContext { return d.ctx }

func (d *Downloader) Resource() *resource.Manager { return d.res }

func (d *Downloader) State() (State, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state, d.err
}

// Probed est fermé quand la lecture locale initiale est résolue.
func (d *Downloader) Probed() <-chan struct{} { return d.probed }

// Done est fermé quand le downloader atteint Finished ou Canceled.
func (d *Downloader) Done() <-chan struct{} { return d.done }

// SessionsStarted compte les sessions réseau démarrées par ce downloader.
func (d *Downloader) SessionsStarted() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.sessions
}

func (d *Downloader) AddContext(ctx *SingleContext) { d.ctx.Add(ctx) }

func (d *Downloader) RemoveContext(ctx *SingleContext) bool { return d.ctx.Remove(ctx) }

// OnDrain fait progresser le téléchargement: installe au plus une session et retourne son débit.
func (d *Downloader) OnDrain(hint uint32) uint32 {
	d.meter()

	d.mu.Lock()
	if d.state != StateDownloading {
		d.mu.Unlock()
		return 0
	}
	if d.session != nil {
		s := d.session
		d.mu.Unlock()
		return s.CurSpeed()
	}
	d.mu.Unlock()

	sources := d.ctx.SourcesOf(d.chunk, 1)
	if len(sources) == 0 {
		return 0
	}
	src := sources[0]
	if !d.cache.HasStorage() {
		d.cache.Alloc()
	}
	desc := d.resolveDesc(src.Desc)

	ctx, cancel := context.WithTimeout(context.Background(), d.mgr.config.ChannelTimeout)
	ch, err := d.mgr.config.Channels.CreateChannel(ctx, src.Target)
	cancel()
	if err != nil {
		d.logger.Warn("Cannot open channel to source", "remote", src.Target.Id, "error", err)
		d.sourceFailed(src, nil, err)
		return 0
	}
	// retenu jusqu'à la fin de la session: le tick de planification ne peut pas le recycler
	ch.Retain()
	s := channel.NewDownloadSession(ch, channel.SessionConfig{
		Chunk:      d.chunk,
		SessionId:  d.mgr.GenSessionId(),
		Referer:    src.Referer,
		Desc:       desc,
		Cache:      d.cache,
		OnRedirect: d.onRedirect,
	})

	d.mu.Lock()
	if d.state != StateDownloading {
		d.mu.Unlock()
		ch.Release()
		return 0
	}
	if d.session != nil {
		// un autre drain a installé sa session entre-temps: la nôtre n'est jamais démarrée
		winner := d.session
		d.mu.Unlock()
		ch.Release()
		return winner.CurSpeed()
	}
	d.session = s
	d.sessions++
	d.mu.Unlock()

	if err := ch.Download(s); err != nil {
		ch.Release()
		d.logger.Warn("Channel refused session", "remote", src.Target.Id, "error", err)
		d.sourceFailed(src, s, err)
		return 0
	}
	d.logger.Debug("Download session installed", "remote", src.Target.Id, "session_id", s.SessionId())

	d.mgr.wg.Add(1)
	go func() {
		defer d.mgr.wg.Done()
		d.watch(s, src)
	}()
	return s.CurSpeed()
}

// resolveDesc complète le descripteur de la source; la taille de pièce suit toujours le cache.
func (d *Downloader) resolveDesc(desc protocol.CodecDesc) protocol.CodecDesc {
	count := d.cache.PieceCount()
	if desc.IsUnknown() {
		return protocol.StreamDesc(0, count, int32(d.cache.Step()))
	}
	step := int32(d.cache.Step())
	if desc.Step < 0 {
		step = -step
	}
	desc.Step = step
	if desc.End == 0 || desc.End > count {
		desc.End = count
	}
	if desc.Start > desc.End {
		desc.Start = desc.End
	}
	return desc
}

func (d *Downloader) onRedirect(target types.DeviceDesc, referer string) {
	d.logger.Info("Source redirected", "target", target.Id)
	d.ctx.AddSource(Source{Target: target, Referer: referer, Priority: redirectPriority})
}

// watch attend la fin de la session installée puis rend la référence sur son channel.
func (d *Downloader) watch(s *channel.DownloadSession, src Source) {
	defer s.Channel().Release()
	select {
	case <-s.Done():
	case <-d.stop:
		return
	}
	state, err := s.State()
	if state == channel.SessionFinished {
		d.finish()
		return
	}
	d.sourceFailed(src, s, err)
}

func (d *Downloader) clearSession(s *channel.DownloadSession) {
	d.mu.Lock()
	if d.session == s {
		d.session = nil
	}
	d.mu.Unlock()
}

// sourceFailed écarte la source avant de libérer la place de la session s, pour qu'un drain
// concurrent ne la choisisse pas de nouveau. Sans autre candidat le downloader est annulé.
func (d *Downloader) sourceFailed(src Source, s *channel.DownloadSession, err error) {
	if err == nil {
		err = types.ErrInterrupted
	}
	d.ctx.MarkFailed(src.Target.Id, err)
	if s != nil {
		d.clearSession(s)
	}
	if d.ctx.HasCandidates(d.chunk) {
		return
	}
	d.cancel(err)
}

func (d *Downloader) finish() {
	d.mu.Lock()
	if d.state.Terminal() {
		d.mu.Unlock()
		return
	}
	d.state = StateFinished
	close(d.done)
	d.mu.Unlock()
	d.meter()
	d.logger.Info("Chunk downloaded", "bytes", d.cache.Received())
}

func (d *Downloader) cancel(err error) {
	d.mu.Lock()
	if d.state.Terminal() {
		d.mu.Unlock()
		return
	}
	d.state = StateCanceled
	d.err = err
	s := d.session
	d.session = nil
	close(d.done)
	d.mu.Unlock()
	if s != nil {
		s.Cancel(err)
	}
	d.logger.Info("Chunk download canceled", "error", err)
}

// close arrête le downloader; une session en cours est annulée.
func (d *Downloader) close() {
	d.stopOnce.Do(func() { close(d.stop) })
	d.cancel(types.NewError(types.Interrupted, "chunk downloader closed"))
}

// meter reporte dans le noeud de ressource les octets reçus depuis le dernier appel.
func (d *Downloader) meter() {
	received := d.cache.Received()
	d.mu.Lock()
	var delta uint64
	if received > d.metered {
		delta = received - d.metered
		d.metered = received
	}
	d.mu.Unlock()
	if delta > 0 {
		d.res.UseDownstream(delta)
	}
}

// WaitFinish attend l'issue du téléchargement.
func (d *Downloader) WaitFinish(ctx context.Context) (State, error) {
	select {
	case <-d.done:
		return d.State()
	case <-ctx.Done():
		return StateCanceled, ctx.Err()
	}
}

// Read retourne le contenu du chunk une fois le téléchargement terminé.
func (d *Downloader) Read(ctx context.Context) ([]byte, error) {
	state, err := d.State()
	switch state {
	case StateFinished:
		return d.cache.Bytes(ctx)
	case StateCanceled:
		return nil, err
	default:
		return nil, ErrNotFinished
	}
}

func (d *Downloader) liveSession() *channel.DownloadSession {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.session
}

// CalcSpeed retourne le débit de la session en cours sans toucher à ses compteurs:
// seul le tick du channel (channel.Manager.OnSchedule) les fait avancer.
func (d *Downloader) CalcSpeed(time.Time) uint32 { return d.CurSpeed() }

func (d *Downloader) CurSpeed() uint32 {
	if s := d.liveSession(); s != nil {
		return s.CurSpeed()
	}
	return 0
}

func (d *Downloader) HistorySpeed() uint32 {
	if s := d.liveSession(); s != nil {
		return s.HistorySpeed()
	}
	return 0
}
