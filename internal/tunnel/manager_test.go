package tunnel

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"bdt/internal/protocol"
	"bdt/internal/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

// recordingHandler accepte tout tunnel commençant par SynTunnel et garde les packages reçus.
type recordingHandler struct {
	local types.DeviceId
	mu    sync.Mutex
	pkgs  []protocol.Package
	got   chan protocol.Package
}

func newRecordingHandler(local types.DeviceId) *recordingHandler {
	return &recordingHandler{local: local, got: make(chan protocol.Package, 16)}
}

func (h *recordingHandler) OnTunnelEstablished(ctx context.Context, first protocol.Package, t Tunnel) error {
	syn, ok := first.(*protocol.SynTunnel)
	if !ok {
		return types.NewError(types.InvalidInput, "expected syn")
	}
	return t.Send(ctx, &protocol.AckTunnel{From: h.local, Seq: syn.Seq})
}

func (h *recordingHandler) OnPackage(t Tunnel, pkg protocol.Package) {
	h.mu.Lock()
	h.pkgs = append(h.pkgs, pkg)
	h.mu.Unlock()
	h.got <- pkg
}

func TestCreateContainer_ConcurrentCallersShareOneInstance(t *testing.T) {
	defer goleak.VerifyNone(t)

	m := NewManager(ManagerConfig{Local: types.DeviceIdFromName("local"), Logger: testLogger()})
	defer m.Close()
	remote := types.DeviceDesc{Id: types.DeviceIdFromName("remote"), Endpoints: []string{"127.0.0.1:1"}}

	const callers = 32
	results := make([]*Container, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			c, err := m.CreateContainer(remote)
			assert.NoError(t, err)
			results[i] = c
		}(i)
	}
	wg.Wait()

	require.Equal(t, 1, m.Len())
	for _, c := range results {
		assert.Same(t, results[0], c)
	}
	assert.Same(t, results[0], m.ContainerOf(remote.Id))
}

func TestCreateContainer_InvalidInput(t *testing.T) {
	local := types.DeviceIdFromName("local")
	m := NewManager(ManagerConfig{Local: local, Logger: testLogger()})

	_, err := m.CreateContainer(types.DeviceDesc{})
	assert.ErrorIs(t, err, types.ErrInvalidInput)
	_, err = m.CreateContainer(types.DeviceDesc{Id: local})
	assert.ErrorIs(t, err, types.ErrInvalidInput)
	assert.Equal(t, 0, m.Len())

	require.NoError(t, m.Close())
	_, err = m.CreateContainer(types.DeviceDesc{Id: types.DeviceIdFromName("x")})
	assert.ErrorIs(t, err, ErrManagerClosed)
}

func TestRecycle_IdleContainerRemovedAfterRetain(t *testing.T) {
	m := NewManager(ManagerConfig{
		Local:     types.DeviceIdFromName("local"),
		Container: ContainerConfig{ReserveTimeout: time.Second, RetainTimeout: 2 * time.Second},
		Logger:    testLogger(),
	})
	defer m.Close()
	c, err := m.CreateContainer(types.DeviceDesc{Id: types.DeviceIdFromName("idle")})
	require.NoError(t, err)
	require.Equal(t, 1, c.Refs())

	t0 := time.Now()
	assert.Equal(t, 0, m.Recycle(t0)) // arme l'échéance t0+1s
	assert.Equal(t, 0, m.Recycle(t0.Add(2*time.Second)))
	assert.Equal(t, 0, m.Recycle(t0.Add(3*time.Second)))
	assert.Equal(t, 1, m.Recycle(t0.Add(3*time.Second+time.Millisecond)))
	assert.Nil(t, m.ContainerOf(c.Remote()))
}

func TestRecycle_RetainedContainerNeverRemoved(t *testing.T) {
	m := NewManager(ManagerConfig{
		Local:     types.DeviceIdFromName("local"),
		Container: ContainerConfig{ReserveTimeout: time.Millisecond, RetainTimeout: time.Millisecond},
		Logger:    testLogger(),
	})
	defer m.Close()
	c, err := m.CreateContainer(types.DeviceDesc{Id: types.DeviceIdFromName("busy")})
	require.NoError(t, err)
	c.Retain()

	t0 := time.Now()
	for i := 0; i < 5; i++ {
		assert.Equal(t, 0, m.Recycle(t0.Add(time.Duration(i)*time.Hour)))
	}

	// relâché: le cycle d'inactivité recommence à zéro
	c.Release()
	assert.Equal(t, 0, m.Recycle(t0.Add(10*time.Hour)))
	assert.Equal(t, 1, m.Recycle(t0.Add(11*time.Hour)))
}

func TestContainer_LazyConnectOverMemNetwork(t *testing.T) {
	defer goleak.VerifyNone(t)

	net := NewMemNetwork(testLogger())
	localId := types.DeviceIdFromName("local")
	remoteId := types.DeviceIdFromName("remote")

	remote := newRecordingHandler(remoteId)
	net.Register(remoteId, remote)

	local := newRecordingHandler(localId)
	m := NewManager(ManagerConfig{Local: localId, Connector: net.Connector(localId), Logger: testLogger()})
	m.SetHandler(local)
	defer m.Close()

	c, err := m.CreateContainer(types.DeviceDesc{Id: remoteId})
	require.NoError(t, err)
	assert.Nil(t, c.Tunnel())

	chunk := types.MustChunkIdFromData([]byte("ping"))
	require.NoError(t, c.Send(context.Background(), &protocol.Interest{SessionId: 1, Chunk: chunk}))
	require.NotNil(t, c.Tunnel())

	select {
	case pkg := <-remote.got:
		in, ok := pkg.(*protocol.Interest)
		require.True(t, ok)
		assert.Equal(t, chunk, in.Chunk)
	case <-time.After(2 * time.Second):
		t.Fatal("interest not delivered")
	}

	// l'ack du handshake revient au handler local
	select {
	case pkg := <-local.got:
		assert.Equal(t, protocol.CmdAckTunnel, pkg.Cmd())
	case <-time.After(2 * time.Second):
		t.Fatal("ack not delivered")
	}
}

func TestContainer_ConnectFailure(t *testing.T) {
	net := NewMemNetwork(testLogger())
	localId := types.DeviceIdFromName("local")
	m := NewManager(ManagerConfig{Local: localId, Connector: net.Connector(localId), Logger: testLogger()})
	m.SetHandler(newRecordingHandler(localId))
	defer m.Close()

	c, err := m.CreateContainer(types.DeviceDesc{Id: types.DeviceIdFromName("nobody")})
	require.NoError(t, err)
	err = c.Send(context.Background(), &protocol.PieceControl{})
	assert.ErrorIs(t, err, types.ErrNotConnected)
	assert.Equal(t, 1, m.Len())
}
