package channel

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"bdt/internal/metrics"
	"bdt/internal/protocol"
	"bdt/internal/speed"
	"bdt/internal/types"
)

// UploadSession envoie les pièces d'un chunk local à un pair qui a émis un Interest.
type UploadSession struct {
	channel   *Channel
	chunk     types.ChunkId
	sessionId uint32
	desc      protocol.CodecDesc
	data      []byte
	logger    *slog.Logger

	counter *speed.Counter
	history *speed.History

	mu         sync.Mutex
	lastActive time.Time
	finished   bool
	err        error
	lost       chan []uint32
	done       chan struct{}
}

func newUploadSession(ch *Channel, in *protocol.Interest, desc protocol.CodecDesc, data []byte) *UploadSession {
	now := time.Now()
	return &UploadSession{
		channel:    ch,
		chunk:      in.Chunk,
		sessionId:  in.SessionId,
		desc:       desc,
		data:       data,
		logger:     ch.logger.With("chunk", in.Chunk, "session_id", in.SessionId, "direction", "upload"),
		counter:    speed.NewCounter(now),
		history:    speed.NewHistory(0, now, ch.config.History),
		lastActive: now,
		lost:       make(chan []uint32, 4),
		done:       make(chan struct{}),
	}
}

func (u *UploadSession) Chunk() types.ChunkId { return u.chunk }

func (u *UploadSession) SessionId() uint32 { return u.sessionId }

func (u *UploadSession) key() sessionKey { return sessionKey{chunk: u.chunk, session: u.sessionId} }

func (u *UploadSession) IsActive() bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	return !u.finished
}

func (u *UploadSession) Err() error {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.err
}

func (u *UploadSession) Done() <-chan struct{} { return u.done }

func (u *UploadSession) stop(err error) {
	u.mu.Lock()
	if u.finished {
		u.mu.Unlock()
		return
	}
	u.finished = true
	u.err = err
	close(u.done)
	u.mu.Unlock()
	if err != nil {
		u.logger.Debug("Upload session stopped", "error", err)
	} else {
		u.logger.Debug("Upload session finished")
	}
}

func (u *UploadSession) touch() {
	u.mu.Lock()
	u.lastActive = time.Now()
	u.mu.Unlock()
}

// run envoie toutes les pièces du descripteur, puis sert les renvois demandés
// par PieceControl Continue jusqu'à Finish, Cancel ou inactivité.
func (u *UploadSession) run() {
	for _, index := range u.desc.Indices() {
		if err := u.sendPiece(index); err != nil {
			u.stop(err)
			return
		}
	}
	for {
		select {
		case <-u.done:
			return
		case indices := <-u.lost:
			for _, index := range indices {
				if err := u.sendPiece(index); err != nil {
					u.stop(err)
					return
				}
			}
		}
	}
}

func (u *UploadSession) sendPiece(index uint32) error {
	select {
	case <-u.done:
		return nil
	default:
	}
	step := u.desc.PieceSize()
	start := uint64(index) * uint64(step)
	if start >= uint64(len(u.data)) {
		return types.NewError(types.InvalidInput, "piece %d out of chunk range", index)
	}
	end := start + uint64(step)
	if end > uint64(len(u.data)) {
		end = uint64(len(u.data))
	}
	payload := u.data[start:end]

	ctx, cancel := context.WithTimeout(context.Background(), u.channel.config.SendTimeout)
	defer cancel()
	if err := u.channel.limiter.WaitN(ctx, len(payload)); err != nil {
		return err
	}
	err := u.channel.send(ctx, &protocol.PieceData{
		SessionId: u.sessionId,
		Chunk:     u.chunk,
		Index:     index,
		Data:      payload,
	})
	if err != nil {
		return err
	}
	u.touch()
	u.counter.OnRecv(len(payload))
	u.channel.upCounter.OnRecv(len(payload))
	metrics.BytesTotal.WithLabelValues("upload").Add(float64(len(payload)))
	return nil
}

func (u *UploadSession) onControl(ctrl *protocol.PieceControl) {
	u.touch()
	switch ctrl.Command {
	case protocol.ControlFinish:
		u.stop(nil)
	case protocol.ControlCancel:
		u.stop(types.ErrInterrupted)
	case protocol.ControlContinue:
		if len(ctrl.LostIndex) == 0 {
			return
		}
		select {
		case u.lost <- append([]uint32(nil), ctrl.LostIndex...):
		default:
			u.logger.Debug("Resend queue full, dropping continue request", "lost", len(ctrl.LostIndex))
		}
	}
}

func (u *UploadSession) onTimeEscape(now time.Time) {
	u.mu.Lock()
	idle := !u.finished && now.Sub(u.lastActive) > u.channel.config.UploadIdleTimeout
	u.mu.Unlock()
	if idle {
		u.stop(types.NewError(types.Timeout, "upload idle for %s", u.channel.config.UploadIdleTimeout))
	}
}

func (u *UploadSession) CalcSpeed(now time.Time) uint32 {
	cur := u.counter.Update(now)
	if u.IsActive() {
		u.history.Update(&cur, now)
	} else {
		u.history.Update(nil, now)
	}
	return cur
}

func (u *UploadSession) CurSpeed() uint32 { return u.counter.Cur() }

func (u *UploadSession) HistorySpeed() uint32 { return u.history.Average() }
