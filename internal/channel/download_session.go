package channel

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"bdt/internal/chunk"
	"bdt/internal/metrics"
	"bdt/internal/protocol"
	"bdt/internal/speed"
	"bdt/internal/types"
)

// SessionState est l'état d'une session de téléchargement.
type SessionState int

const (
	SessionInteresting SessionState = iota
	SessionDownloading
	SessionFinished
	SessionCanceled
)

func (s SessionState) String() string {
	switch s {
	case SessionInteresting:
		return "interesting"
	case SessionDownloading:
		return "downloading"
	case SessionFinished:
		return "finished"
	case SessionCanceled:
		return "canceled"
	default:
		return "unknown"
	}
}

func (s SessionState) terminal() bool { return s == SessionFinished || s == SessionCanceled }

// SessionConfig décrit une session de téléchargement à créer.
type SessionConfig struct {
	Chunk     types.ChunkId
	SessionId uint32
	Referer   string
	Desc      protocol.CodecDesc
	Cache     *chunk.Cache
	// OnRedirect est appelé quand le pair refuse l'Interest en proposant une autre source.
	OnRedirect func(target types.DeviceDesc, referer string)
}

// DownloadSession est une tentative d'échange de pièces pour un chunk sur un channel.
type DownloadSession struct {
	channel *Channel
	config  SessionConfig
	logger  *slog.Logger

	counter *speed.Counter
	history *speed.History

	mu             sync.Mutex
	state          SessionState
	err            error
	started        bool
	lastSend       time.Time
	lastActive     time.Time
	resendInterval time.Duration
	done           chan struct{}
}

// NewDownloadSession construit une session sans la démarrer; Channel.Download la démarre.
func NewDownloadSession(ch *Channel, config SessionConfig) *DownloadSession {
	now := time.Now()
	return &DownloadSession{
		channel: ch,
		config:  config,
		logger:  ch.logger.With("chunk", config.Chunk, "session_id", config.SessionId),
		counter: speed.NewCounter(now),
		history: speed.NewHistory(0, now, ch.config.History),
		state:   SessionInteresting,
		done:    make(chan struct{}),
	}
}

func (s *DownloadSession) Chunk() types.ChunkId { return s.config.Chunk }

func (s *DownloadSession) SessionId() uint32 { return s.config.SessionId }

func (s *DownloadSession) Channel() *Channel { return s.channel }

func (s *DownloadSession) Desc() protocol.CodecDesc { return s.config.Desc }

func (s *DownloadSession) key() sessionKey {
	return sessionKey{chunk: s.config.Chunk, session: s.config.SessionId}
}

func (s *DownloadSession) interest() *protocol.Interest {
	return &protocol.Interest{
		SessionId: s.config.SessionId,
		Chunk:     s.config.Chunk,
		Desc:      s.config.Desc,
		Referer:   s.config.Referer,
	}
}

func (s *DownloadSession) start() {
	now := time.Now()
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return
	}
	s.started = true
	s.lastSend = now
	s.lastActive = now
	s.resendInterval = s.channel.config.ResendInterval
	s.mu.Unlock()

	s.logger.Debug("Download session started", "remote", s.channel.remote)
	s.sendAsync(s.interest(), true)
}

// sendAsync émet pkg hors du goroutine appelant; un échec annule la session si cancelOnErr.
func (s *DownloadSession) sendAsync(pkg protocol.Package, cancelOnErr bool) {
	s.channel.spawn(func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.channel.config.SendTimeout)
		defer cancel()
		if err := s.channel.send(ctx, pkg); err != nil {
			s.logger.Warn("Failed to send session package", "command", pkg.Cmd(), "error", err)
			if cancelOnErr {
				s.cancel(err, false)
			}
		}
	})
}

func (s *DownloadSession) State() (SessionState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state, s.err
}

func (s *DownloadSession) IsActive() bool {
	state, _ := s.State()
	return !state.terminal()
}

// Done est fermé quand la session est terminée ou annulée.
func (s *DownloadSession) Done() <-chan struct{} { return s.done }

func (s *DownloadSession) Wait(ctx context.Context) (SessionState, error) {
	select {
	case <-s.done:
		return s.State()
	case <-ctx.Done():
		return SessionCanceled, ctx.Err()
	}
}

// Cancel annule la session et prévient le pair.
func (s *DownloadSession) Cancel(err error) {
	if err == nil {
		err = types.ErrInterrupted
	}
	s.cancel(err, true)
}

func (s *DownloadSession) cancel(err error, notify bool) {
	s.mu.Lock()
	if s.state.terminal() {
		s.mu.Unlock()
		return
	}
	s.state = SessionCanceled
	s.err = err
	close(s.done)
	s.mu.Unlock()

	s.logger.Info("Download session canceled", "remote", s.channel.remote, "error", err)
	if notify {
		s.sendAsync(&protocol.PieceControl{
			SessionId: s.config.SessionId,
			Chunk:     s.config.Chunk,
			Command:   protocol.ControlCancel,
		}, false)
	}
}

func (s *DownloadSession) finish() {
	s.mu.Lock()
	if s.state.terminal() {
		s.mu.Unlock()
		return
	}
	s.state = SessionFinished
	close(s.done)
	s.mu.Unlock()

	s.logger.Debug("Download session finished", "remote", s.channel.remote)
	s.sendAsync(&protocol.PieceControl{
		SessionId: s.config.SessionId,
		Chunk:     s.config.Chunk,
		Command:   protocol.ControlFinish,
	}, false)
}

func (s *DownloadSession) onRespInterest(resp *protocol.RespInterest) {
	if resp.Err != types.Ok {
		if resp.Redirect != nil && s.config.OnRedirect != nil {
			s.logger.Debug("Interest redirected", "target", resp.Redirect.Id)
			s.config.OnRedirect(*resp.Redirect, resp.RedirectReferer)
		}
		s.cancel(types.NewError(resp.Err, "remote %s refused interest", s.channel.remote), false)
		return
	}
	s.mu.Lock()
	if s.state == SessionInteresting {
		s.state = SessionDownloading
	}
	s.lastActive = time.Now()
	s.mu.Unlock()
}

func (s *DownloadSession) onPieceData(p *protocol.PieceData) {
	s.mu.Lock()
	if s.state.terminal() {
		s.mu.Unlock()
		return
	}
	s.state = SessionDownloading
	s.lastActive = time.Now()
	s.mu.Unlock()

	added, err := s.config.Cache.PushPiece(p.Index, p.Data)
	if err != nil {
		if errors.Is(err, types.ErrInvalidData) {
			s.cancel(err, true)
			return
		}
		s.logger.Debug("Ignoring piece", "index", p.Index, "error", err)
		return
	}
	if added {
		s.counter.OnRecv(len(p.Data))
		s.channel.downCounter.OnRecv(len(p.Data))
		metrics.BytesTotal.WithLabelValues("download").Add(float64(len(p.Data)))
	}
	if s.config.Cache.Loaded() {
		s.finish()
	}
}

// onTimeEscape renvoie l'Interest avec un délai doublé, relance le pair s'il se tait,
// et annule la session après SessionTimeout sans activité.
func (s *DownloadSession) onTimeEscape(now time.Time) {
	var pkg protocol.Package
	s.mu.Lock()
	if !s.started || s.state.terminal() {
		s.mu.Unlock()
		return
	}
	cfg := s.channel.config
	if now.Sub(s.lastActive) > cfg.SessionTimeout {
		s.mu.Unlock()
		s.cancel(types.NewError(types.Timeout, "no activity from %s", s.channel.remote), true)
		return
	}
	switch s.state {
	case SessionInteresting:
		if now.Sub(s.lastSend) >= s.resendInterval {
			pkg = s.interest()
			s.lastSend = now
			s.resendInterval *= 2
			if s.resendInterval > cfg.MaxResendInterval {
				s.resendInterval = cfg.MaxResendInterval
			}
		}
	case SessionDownloading:
		if now.Sub(s.lastActive) >= cfg.ContinueInterval && now.Sub(s.lastSend) >= cfg.ContinueInterval {
			cache := s.config.Cache
			maxIndex := uint32(0)
			if cache.PieceCount() > 0 {
				maxIndex = cache.PieceCount() - 1
			}
			pkg = &protocol.PieceControl{
				SessionId: s.config.SessionId,
				Chunk:     s.config.Chunk,
				Command:   protocol.ControlContinue,
				MaxIndex:  maxIndex,
				LostIndex: cache.Missing(maxIndex, maxLostIndexPerControl),
			}
			s.lastSend = now
		}
	}
	s.mu.Unlock()

	if pkg != nil {
		s.logger.Debug("Session resending", "command", pkg.Cmd())
		s.sendAsync(pkg, false)
	}
}

// CalcSpeed met à jour le débit de la session pour ce tick.
func (s *DownloadSession) CalcSpeed(now time.Time) uint32 {
	cur := s.counter.Update(now)
	if s.IsActive() {
		s.history.Update(&cur, now)
	} else {
		s.history.Update(nil, now)
	}
	return cur
}

func (s *DownloadSession) CurSpeed() uint32 { return s.counter.Cur() }

func (s *DownloadSession) HistorySpeed() uint32 { return s.history.Average() }
