package task

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"bdt/internal/channel"
	"bdt/internal/chunk"
	"bdt/internal/download"
	"bdt/internal/protocol"
	"bdt/internal/tunnel"
	"bdt/internal/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

type testNode struct {
	id        types.DeviceId
	store     *chunk.BoltStore
	tunnels   *tunnel.Manager
	channels  *channel.Manager
	chunks    *download.Manager
	scheduler Scheduler
}

func (n *testNode) close() {
	n.scheduler.Close()
	n.chunks.Close()
	n.channels.Close()
	n.tunnels.Close()
}

// newTestNode monte une pile complète; reader remplace le stockage pour la sonde locale si non nil.
func newTestNode(t *testing.T, net *tunnel.MemNetwork, name string, reader chunk.Reader, config Config) *testNode {
	t.Helper()
	dir, err := os.MkdirTemp("", "task-test-*")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })
	store, err := chunk.OpenStore(chunk.StoreConfig{Path: filepath.Join(dir, "chunks.db"), Logger: testLogger()})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	if reader == nil {
		reader = store
	}

	id := types.DeviceIdFromName(name)
	logger := testLogger().With("node", name)
	tunnels := tunnel.NewManager(tunnel.ManagerConfig{Local: id, Connector: net.Connector(id), Logger: logger})
	channels := channel.NewManager(channel.ManagerConfig{Local: id, Store: store, Logger: logger}, tunnels)
	net.Register(id, channels)
	chunks := download.NewManager(download.ManagerConfig{Reader: reader, Channels: channels, Logger: logger})
	config.Logger = logger
	scheduler := NewScheduler(SchedulerConfig{Task: config, Logger: logger}, chunks)
	return &testNode{id: id, store: store, tunnels: tunnels, channels: channels, chunks: chunks, scheduler: scheduler}
}

func sourcesOf(ids ...types.DeviceId) *download.SingleContext {
	sctx := &download.SingleContext{Referer: "test"}
	for _, id := range ids {
		sctx.Sources = append(sctx.Sources, download.Source{Target: types.DeviceDesc{Id: id}})
	}
	return sctx
}

// drive appelle OnSchedule jusqu'à la fin de la tâche.
func drive(t *testing.T, s Scheduler, task *ChunkTask) ScheduleState {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case <-task.Done():
			state, _ := task.State()
			return state
		case <-deadline:
			t.Fatalf("task %s did not complete", task.Id())
		case <-time.After(10 * time.Millisecond):
			s.OnSchedule(time.Now())
		}
	}
}

// flakyReader annonce toujours le chunk; Get réussit selon ok(n), n étant le rang de l'appel.
type flakyReader struct {
	data []byte
	ok   func(n int) bool

	mu    sync.Mutex
	calls int
}

func (r *flakyReader) Exists(context.Context, types.ChunkId) (bool, error) { return true, nil }

func (r *flakyReader) Get(_ context.Context, id types.ChunkId) ([]byte, error) {
	r.mu.Lock()
	r.calls++
	n := r.calls
	r.mu.Unlock()
	if r.ok(n) {
		return append([]byte(nil), r.data...), nil
	}
	return nil, errors.New("simulated read failure")
}

type mockWriter struct{ mock.Mock }

func (m *mockWriter) Write(_ context.Context, id types.ChunkId, data []byte, rng *types.Range) error {
	return m.Called(id, data, rng).Error(0)
}

func (m *mockWriter) Finish(context.Context) error { return m.Called().Error(0) }

func (m *mockWriter) Err(_ context.Context, code types.ErrorCode) error {
	return m.Called(code).Error(0)
}

// silentHandler accepte les tunnels entrants et ignore tout package.
type silentHandler struct{}

func (silentHandler) OnTunnelEstablished(context.Context, protocol.Package, tunnel.Tunnel) error {
	return nil
}

func (silentHandler) OnPackage(tunnel.Tunnel, protocol.Package) {}

func TestChunkTask_EndToEndTwoSinks(t *testing.T) {
	defer goleak.VerifyNone(t)

	net := tunnel.NewMemNetwork(testLogger())
	local := newTestNode(t, net, "local", nil, Config{})
	remote := newTestNode(t, net, "remote", nil, Config{})
	defer remote.close()
	defer local.close()

	data := []byte("0123456789abcdef0123456789ABCDEF") // 32 octets
	id := types.MustChunkIdFromData(data)
	require.NoError(t, remote.store.Put(context.Background(), id, data))

	sinkA, sinkB := chunk.NewMemoryWriter(), chunk.NewMemoryWriter()
	task, err := local.scheduler.Submit(id, sourcesOf(remote.id), sinkA, sinkB)
	require.NoError(t, err)
	assert.ErrorIs(t, task.Start(), ErrAlreadyStarted)

	// le premier drain après la sonde locale crée la session vers remote
	require.Eventually(t, func() bool {
		d := task.Downloader()
		if d == nil {
			return false
		}
		select {
		case <-d.Probed():
			return true
		default:
			return false
		}
	}, 2*time.Second, 5*time.Millisecond)
	task.OnDrain(0)
	assert.Equal(t, 1, task.Downloader().SessionsStarted())

	require.Equal(t, StateFinished, drive(t, local.scheduler, task))

	for _, sink := range []*chunk.MemoryWriter{sinkA, sinkB} {
		got, ok := sink.Get(id)
		require.True(t, ok)
		assert.Equal(t, data, got)
		finished, code := sink.Result()
		assert.True(t, finished)
		assert.Equal(t, types.Ok, code)
	}
	cs := task.ControlState()
	assert.Equal(t, ControlFinished, cs.Kind)
	assert.Equal(t, 1, task.Downloader().SessionsStarted())
}

func TestChunkTask_ReacquiresDownloaderAfterReadFailure(t *testing.T) {
	defer goleak.VerifyNone(t)

	data := []byte("resilient chunk content, 32 byte")
	id := types.MustChunkIdFromData(data)
	// la sonde du premier downloader réussit, toutes les lectures suivantes échouent
	reader := &flakyReader{data: data, ok: func(n int) bool { return n == 1 }}

	net := tunnel.NewMemNetwork(testLogger())
	local := newTestNode(t, net, "local", reader, Config{RetryBaseDelay: 5 * time.Millisecond})
	remote := newTestNode(t, net, "remote", nil, Config{})
	defer remote.close()
	defer local.close()
	require.NoError(t, remote.store.Put(context.Background(), id, data))

	sink := chunk.NewMemoryWriter()
	task, err := local.scheduler.Submit(id, sourcesOf(remote.id), sink)
	require.NoError(t, err)

	require.Equal(t, StateFinished, drive(t, local.scheduler, task))
	_, taskErr := task.State()
	assert.NoError(t, taskErr)
	assert.Equal(t, 1, task.Reacquired())

	got, ok := sink.Get(id)
	require.True(t, ok)
	assert.Equal(t, data, got)
	// le second downloader est passé par le réseau
	assert.Equal(t, 1, task.Downloader().SessionsStarted())
}

func TestChunkTask_ReacquireBounded(t *testing.T) {
	defer goleak.VerifyNone(t)

	data := []byte("always unreadable after probing")
	id := types.MustChunkIdFromData(data)
	// sondes (appels impairs) réussies, lectures (appels pairs) en échec
	reader := &flakyReader{data: data, ok: func(n int) bool { return n%2 == 1 }}

	net := tunnel.NewMemNetwork(testLogger())
	local := newTestNode(t, net, "local", reader, Config{MaxReacquire: 2, RetryBaseDelay: time.Millisecond})
	defer local.close()

	sink := chunk.NewMemoryWriter()
	task, err := local.scheduler.Submit(id, nil, sink)
	require.NoError(t, err)

	require.Equal(t, StateCanceled, drive(t, local.scheduler, task))
	_, taskErr := task.State()
	assert.ErrorIs(t, taskErr, types.ErrOutOfLimit)
	assert.Equal(t, 3, task.Reacquired())

	finished, code := sink.Result()
	assert.True(t, finished)
	assert.Equal(t, types.OutOfLimit, code)
}

func TestChunkTask_CancelWhileDownloading(t *testing.T) {
	defer goleak.VerifyNone(t)

	net := tunnel.NewMemNetwork(testLogger())
	local := newTestNode(t, net, "local", nil, Config{})
	defer local.close()
	silent := types.DeviceIdFromName("silent")
	net.Register(silent, silentHandler{})

	id := types.MustChunkIdFromData([]byte("never answered"))
	sink := chunk.NewMemoryWriter()
	task, err := local.scheduler.Submit(id, sourcesOf(silent), sink)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		local.scheduler.OnSchedule(time.Now())
		d := task.Downloader()
		return d != nil && d.SessionsStarted() == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, ControlDownloading, task.ControlState().Kind)

	require.NoError(t, task.Cancel())
	require.NoError(t, task.Cancel())

	state, err := task.Wait(context.Background())
	assert.Equal(t, StateCanceled, state)
	assert.ErrorIs(t, err, types.ErrInterrupted)
	cs := task.ControlState()
	assert.Equal(t, ControlCanceled, cs.Kind)
	assert.ErrorIs(t, cs.Err, types.ErrInterrupted)

	finished, code := sink.Result()
	assert.True(t, finished)
	assert.Equal(t, types.Interrupted, code)
	// plus aucune tâche ne référence le downloader: il quitte le registre
	assert.Nil(t, local.chunks.DownloaderOf(id))
}

func TestChunkTask_CancelBeforeStartAndAfterFinish(t *testing.T) {
	net := tunnel.NewMemNetwork(testLogger())
	local := newTestNode(t, net, "local", nil, Config{})
	defer local.close()

	data := []byte("already stored")
	id := types.MustChunkIdFromData(data)
	require.NoError(t, local.store.Put(context.Background(), id, data))

	notified := new(mockWriter)
	notified.On("Err", types.Interrupted).Return(nil).Once()
	pending, err := local.scheduler.CreateTask(id, nil, notified)
	require.NoError(t, err)
	require.NoError(t, pending.Cancel())
	notified.AssertExpectations(t)
	notified.AssertNotCalled(t, "Write", mock.Anything, mock.Anything, mock.Anything)
	state, _ := pending.State()
	assert.Equal(t, StateCanceled, state)
	assert.Error(t, pending.Start())

	sink := chunk.NewMemoryWriter()
	done, err := local.scheduler.Submit(id, nil, sink)
	require.NoError(t, err)
	require.Equal(t, StateFinished, drive(t, local.scheduler, done))
	assert.ErrorIs(t, done.Cancel(), types.ErrErrorState)
	assert.ErrorIs(t, done.Pause(), types.ErrErrorState)
	assert.Equal(t, 0, done.Downloader().SessionsStarted())
}

func TestChunkTask_PauseSuspendsDrains(t *testing.T) {
	defer goleak.VerifyNone(t)

	net := tunnel.NewMemNetwork(testLogger())
	local := newTestNode(t, net, "local", nil, Config{})
	remote := newTestNode(t, net, "remote", nil, Config{})
	defer remote.close()
	defer local.close()

	data := make([]byte, 3000)
	for i := range data {
		data[i] = byte(i)
	}
	id := types.MustChunkIdFromData(data)
	require.NoError(t, remote.store.Put(context.Background(), id, data))

	task, err := local.scheduler.CreateTask(id, sourcesOf(remote.id), chunk.NewMemoryWriter())
	require.NoError(t, err)
	require.NoError(t, task.Pause())
	require.NoError(t, task.Start())
	assert.Equal(t, ControlPaused, task.ControlState().Kind)

	require.Eventually(t, func() bool {
		d := task.Downloader()
		return d != nil && func() bool {
			select {
			case <-d.Probed():
				return true
			default:
				return false
			}
		}()
	}, 2*time.Second, 5*time.Millisecond)
	for i := 0; i < 5; i++ {
		local.scheduler.OnSchedule(time.Now())
	}
	assert.Equal(t, 0, task.Downloader().SessionsStarted())

	require.NoError(t, task.Resume())
	require.Equal(t, StateFinished, drive(t, local.scheduler, task))
	assert.Equal(t, 1, task.Downloader().SessionsStarted())
}

func TestChunkTask_WriterFailureIsolated(t *testing.T) {
	defer goleak.VerifyNone(t)

	net := tunnel.NewMemNetwork(testLogger())
	local := newTestNode(t, net, "local", nil, Config{})
	defer local.close()

	data := []byte("delivered despite a broken sink")
	id := types.MustChunkIdFromData(data)
	require.NoError(t, local.store.Put(context.Background(), id, data))

	// le writer en échec reçoit Err pour libérer ses ressources, jamais Finish
	broken := new(mockWriter)
	broken.On("Write", id, data, mock.Anything).Return(errors.New("disk full")).Once()
	broken.On("Err", types.Other).Return(nil).Once()
	healthy := new(mockWriter)
	healthy.On("Write", id, data, mock.Anything).Return(nil).Once()
	healthy.On("Finish").Return(errors.New("flush failed")).Once()
	sink := chunk.NewMemoryWriter()

	task, err := local.scheduler.Submit(id, nil, broken, healthy, sink)
	require.NoError(t, err)
	require.Equal(t, StateFinished, drive(t, local.scheduler, task))

	broken.AssertExpectations(t)
	broken.AssertNotCalled(t, "Finish")
	healthy.AssertExpectations(t)
	got, ok := sink.Get(id)
	require.True(t, ok)
	assert.Equal(t, data, got)
	_, taskErr := task.State()
	assert.NoError(t, taskErr)
}

func TestChunkTask_RangeDeliveredToEverySink(t *testing.T) {
	defer goleak.VerifyNone(t)

	net := tunnel.NewMemNetwork(testLogger())
	local := newTestNode(t, net, "local", nil, Config{})
	remote := newTestNode(t, net, "remote", nil, Config{})
	defer remote.close()
	defer local.close()

	data := []byte("0123456789abcdef0123456789ABCDEF")
	id := types.MustChunkIdFromData(data)
	require.NoError(t, remote.store.Put(context.Background(), id, data))

	rng := types.Range{Start: 4, End: 20}
	ranged := new(mockWriter)
	ranged.On("Write", id, data, &rng).Return(nil).Once()
	ranged.On("Finish").Return(nil).Once()
	sink := chunk.NewMemoryWriter()

	task, err := local.scheduler.SubmitRange(id, rng, sourcesOf(remote.id), ranged, sink)
	require.NoError(t, err)
	require.Equal(t, &rng, task.Range())
	require.Equal(t, StateFinished, drive(t, local.scheduler, task))

	ranged.AssertExpectations(t)
	got, ok := sink.Get(id)
	require.True(t, ok)
	assert.Equal(t, data[4:20], got)

	_, err = local.scheduler.SubmitRange(id, types.Range{Start: 0, End: 33}, nil, chunk.NewMemoryWriter())
	assert.ErrorIs(t, err, types.ErrInvalidInput)

	// une plage posée après le démarrage est ignorée
	whole, err := local.scheduler.Submit(id, sourcesOf(remote.id), chunk.NewMemoryWriter())
	require.NoError(t, err)
	assert.Nil(t, whole.WithRange(rng).Range())
	require.Equal(t, StateFinished, drive(t, local.scheduler, whole))
}
