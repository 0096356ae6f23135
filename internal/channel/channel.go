package channel

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"bdt/internal/chunk"
	"bdt/internal/metrics"
	"bdt/internal/protocol"
	"bdt/internal/speed"
	"bdt/internal/tunnel"
	"bdt/internal/types"

	"golang.org/x/time/rate"
)

type sessionKey struct {
	chunk   types.ChunkId
	session uint32
}

// Channel est la couche d'échange de pièces au-dessus du tunnel vers un pair.
type Channel struct {
	remote    types.DeviceId
	container *tunnel.Container
	config    Config
	store     chunk.Reader
	logger    *slog.Logger
	limiter   *rate.Limiter

	downCounter *speed.Counter
	upCounter   *speed.Counter
	downHistory *speed.History
	upHistory   *speed.History

	mu        sync.RWMutex
	downloads map[sessionKey]*DownloadSession
	uploads   map[sessionKey]*UploadSession
	refs      int
	reserving time.Time
	closed    bool

	wg sync.WaitGroup
}

// newChannel prend possession d'une référence déjà retenue sur container.
func newChannel(container *tunnel.Container, config Config, store chunk.Reader, logger *slog.Logger) *Channel {
	now := time.Now()
	burst := protocol.MaxPieceSize
	limit := rate.Inf
	if config.UploadRate > 0 {
		limit = rate.Limit(config.UploadRate)
		if int(config.UploadRate) > burst {
			burst = int(config.UploadRate)
		}
	}
	return &Channel{
		remote:      container.Remote(),
		container:   container,
		config:      config,
		store:       store,
		logger:      logger.With("remote", container.Remote()),
		limiter:     rate.NewLimiter(limit, burst),
		downCounter: speed.NewCounter(now),
		upCounter:   speed.NewCounter(now),
		downHistory: speed.NewHistory(0, now, config.History),
		upHistory:   speed.NewHistory(0, now, config.History),
		downloads:   make(map[sessionKey]*DownloadSession),
		uploads:     make(map[sessionKey]*UploadSession),
		refs:        1,
	}
}

func (c *Channel) Remote() types.DeviceId { return c.remote }

// Refs compte la référence du manager plus celles des consommateurs (Retain).
func (c *Channel) Refs() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.refs
}

func (c *Channel) Retain() *Channel {
	c.mu.Lock()
	c.refs++
	c.reserving = time.Time{}
	c.mu.Unlock()
	return c
}

func (c *Channel) Release() {
	c.mu.Lock()
	if c.refs > 1 {
		c.refs--
	}
	c.mu.Unlock()
}

// markInUse repart d'une fenêtre de recyclage vide, comme pour un conteneur retrouvé.
func (c *Channel) markInUse() {
	c.mu.Lock()
	c.reserving = time.Time{}
	c.mu.Unlock()
}

func (c *Channel) send(ctx context.Context, pkg protocol.Package) error {
	return c.container.Send(ctx, pkg)
}

// spawn lance f dans une goroutine suivie par close. Retourne false si le channel est fermé.
func (c *Channel) spawn(f func()) bool {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return false
	}
	c.wg.Add(1)
	c.mu.Unlock()
	go func() {
		defer c.wg.Done()
		f()
	}()
	return true
}

// --- Sessions ---

// Download enregistre la session puis envoie son premier Interest.
func (c *Channel) Download(s *DownloadSession) error {
	if s.channel != c {
		return types.NewError(types.InvalidInput, "session belongs to channel %s", s.channel.remote)
	}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrChannelClosed
	}
	if _, ok := c.downloads[s.key()]; ok {
		c.mu.Unlock()
		return ErrSessionExists
	}
	c.downloads[s.key()] = s
	c.reserving = time.Time{}
	c.mu.Unlock()

	metrics.SessionsActive.WithLabelValues("download").Inc()
	s.start()
	return nil
}

// DownloadSessionOf retourne la session enregistrée pour (chunk, sessionId), ou nil.
func (c *Channel) DownloadSessionOf(chunk types.ChunkId, sessionId uint32) *DownloadSession {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.downloads[sessionKey{chunk: chunk, session: sessionId}]
}

func (c *Channel) UploadSessionOf(chunk types.ChunkId, sessionId uint32) *UploadSession {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.uploads[sessionKey{chunk: chunk, session: sessionId}]
}

// DownloadSessionCount compte les sessions de téléchargement non terminées.
func (c *Channel) DownloadSessionCount() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	n := 0
	for _, s := range c.downloads {
		if s.IsActive() {
			n++
		}
	}
	return n
}

func (c *Channel) UploadSessionCount() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	n := 0
	for _, u := range c.uploads {
		if u.IsActive() {
			n++
		}
	}
	return n
}

func (c *Channel) snapshot() ([]*DownloadSession, []*UploadSession) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	downs := make([]*DownloadSession, 0, len(c.downloads))
	for _, s := range c.downloads {
		downs = append(downs, s)
	}
	ups := make([]*UploadSession, 0, len(c.uploads))
	for _, u := range c.uploads {
		ups = append(ups, u)
	}
	return downs, ups
}

// --- Débits ---

// CalcSpeed met à jour les débits du channel et de ses sessions pour ce tick.
func (c *Channel) CalcSpeed(now time.Time) (down, up uint32) {
	downs, ups := c.snapshot()
	downActive, upActive := false, false
	for _, s := range downs {
		s.CalcSpeed(now)
		downActive = downActive || s.IsActive()
	}
	for _, u := range ups {
		u.CalcSpeed(now)
		upActive = upActive || u.IsActive()
	}

	down = c.downCounter.Update(now)
	up = c.upCounter.Update(now)
	if downActive {
		c.downHistory.Update(&down, now)
	} else {
		c.downHistory.Update(nil, now)
	}
	if upActive {
		c.upHistory.Update(&up, now)
	} else {
		c.upHistory.Update(nil, now)
	}
	return down, up
}

func (c *Channel) DownloadCurSpeed() uint32 { return c.downCounter.Cur() }

func (c *Channel) DownloadHistorySpeed() uint32 { return c.downHistory.Average() }

func (c *Channel) UploadCurSpeed() uint32 { return c.upCounter.Cur() }

func (c *Channel) UploadHistorySpeed() uint32 { return c.upHistory.Average() }

// --- Packages entrants ---

func (c *Channel) OnPackage(pkg protocol.Package) {
	switch p := pkg.(type) {
	case *protocol.Interest:
		c.spawn(func() { c.onInterest(p) })
	case *protocol.RespInterest:
		if s := c.DownloadSessionOf(p.Chunk, p.SessionId); s != nil {
			s.onRespInterest(p)
			return
		}
		c.logger.Debug("Dropping package", "command", pkg.Cmd(), "chunk", p.Chunk, "session_id", p.SessionId, "error", ErrUnknownSession)
	case *protocol.PieceData:
		if s := c.DownloadSessionOf(p.Chunk, p.SessionId); s != nil {
			s.onPieceData(p)
			return
		}
		c.logger.Debug("Dropping package", "command", pkg.Cmd(), "chunk", p.Chunk, "session_id", p.SessionId, "error", ErrUnknownSession)
	case *protocol.PieceControl:
		if u := c.UploadSessionOf(p.Chunk, p.SessionId); u != nil {
			u.onControl(p)
			return
		}
		c.logger.Debug("Dropping package", "command", pkg.Cmd(), "chunk", p.Chunk, "session_id", p.SessionId, "error", ErrUnknownSession)
	default:
		c.logger.Warn("Unexpected package on channel", "command", pkg.Cmd())
	}
}

func (c *Channel) respond(in *protocol.Interest, code types.ErrorCode) {
	ctx, cancel := context.WithTimeout(context.Background(), c.config.SendTimeout)
	defer cancel()
	err := c.send(ctx, &protocol.RespInterest{SessionId: in.SessionId, Chunk: in.Chunk, Err: code})
	if err != nil {
		c.logger.Warn("Failed to answer interest", "chunk", in.Chunk, "session_id", in.SessionId, "error", err)
	}
}

// onInterest sert un Interest depuis le stockage local.
func (c *Channel) onInterest(in *protocol.Interest) {
	logger := c.logger.With("chunk", in.Chunk, "session_id", in.SessionId)
	key := sessionKey{chunk: in.Chunk, session: in.SessionId}

	// Interest renvoyé par le pair: la réponse a pu se perdre
	if u := c.UploadSessionOf(in.Chunk, in.SessionId); u != nil {
		if u.IsActive() {
			c.respond(in, types.Ok)
		}
		return
	}
	if c.store == nil {
		c.respond(in, types.NotFound)
		return
	}
	desc := in.Desc.FillValues(in.Chunk, 0)
	if desc.PieceSize() > protocol.MaxPieceSize {
		logger.Warn("Interest piece size too large", "piece_size", desc.PieceSize())
		c.respond(in, types.InvalidInput)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.config.SendTimeout)
	data, err := c.loadChunk(ctx, in.Chunk)
	cancel()
	if err != nil {
		logger.Info("Cannot serve interest", "error", err)
		c.respond(in, types.CodeOf(err))
		return
	}

	u := newUploadSession(c, in, desc, data)
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	if _, ok := c.uploads[key]; ok {
		c.mu.Unlock()
		c.respond(in, types.Ok)
		return
	}
	c.uploads[key] = u
	c.reserving = time.Time{}
	c.mu.Unlock()

	metrics.SessionsActive.WithLabelValues("upload").Inc()
	logger.Debug("Upload session started", "pieces", len(desc.Indices()))
	c.respond(in, types.Ok)
	u.run()
}

func (c *Channel) loadChunk(ctx context.Context, id types.ChunkId) ([]byte, error) {
	ok, err := c.store.Exists(ctx, id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, types.NewError(types.NotFound, "chunk %s not stored", id)
	}
	data, err := c.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if uint64(len(data)) != id.Len() {
		return nil, types.NewError(types.InvalidData, "chunk %s: stored %d bytes, want %d", id, len(data), id.Len())
	}
	return data, nil
}

// --- Maintenance ---

// OnTimeEscape fait avancer les temporisations des sessions puis retire les sessions terminées.
func (c *Channel) OnTimeEscape(now time.Time) {
	downs, ups := c.snapshot()
	for _, s := range downs {
		s.onTimeEscape(now)
	}
	for _, u := range ups {
		u.onTimeEscape(now)
	}

	var reapedDown, reapedUp int
	c.mu.Lock()
	for k, s := range c.downloads {
		if !s.IsActive() {
			delete(c.downloads, k)
			reapedDown++
		}
	}
	for k, u := range c.uploads {
		if !u.IsActive() {
			delete(c.uploads, k)
			reapedUp++
		}
	}
	c.mu.Unlock()
	metrics.SessionsActive.WithLabelValues("download").Sub(float64(reapedDown))
	metrics.SessionsActive.WithLabelValues("upload").Sub(float64(reapedUp))
}

// checkRecycle suit la même règle que les conteneurs de tunnel; une session
// en cours rend aussi le channel inéligible.
func (c *Channel) checkRecycle(now time.Time, reserve, retain time.Duration) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	busy := c.refs > 1
	for _, s := range c.downloads {
		busy = busy || s.IsActive()
	}
	for _, u := range c.uploads {
		busy = busy || u.IsActive()
	}
	if busy {
		c.reserving = time.Time{}
		return false
	}
	if c.reserving.IsZero() {
		c.reserving = now.Add(reserve)
		return false
	}
	return now.After(c.reserving) && now.Sub(c.reserving) > retain
}

// close annule toutes les sessions, attend les envois en cours et rend le conteneur.
func (c *Channel) close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	downloads, uploads := c.downloads, c.uploads
	c.downloads = make(map[sessionKey]*DownloadSession)
	c.uploads = make(map[sessionKey]*UploadSession)
	c.mu.Unlock()

	for _, s := range downloads {
		s.cancel(types.NewError(types.Interrupted, "channel to %s closed", c.remote), false)
	}
	for _, u := range uploads {
		u.stop(types.ErrInterrupted)
	}
	metrics.SessionsActive.WithLabelValues("download").Sub(float64(len(downloads)))
	metrics.SessionsActive.WithLabelValues("upload").Sub(float64(len(uploads)))

	c.wg.Wait()
	c.container.Release()
	c.logger.Debug("Channel closed")
}
