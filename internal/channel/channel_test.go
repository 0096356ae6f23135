package channel

import (
	"bytes"
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"bdt/internal/chunk"
	"bdt/internal/protocol"
	"bdt/internal/tunnel"
	"bdt/internal/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

type testNode struct {
	id       types.DeviceId
	store    *chunk.BoltStore
	tunnels  *tunnel.Manager
	channels *Manager
}

func (n *testNode) close() {
	n.channels.Close()
	n.tunnels.Close()
}

func newTestNode(t *testing.T, net *tunnel.MemNetwork, name string, config Config) *testNode {
	t.Helper()
	dir, err := os.MkdirTemp("", "channel-test-*")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })
	store, err := chunk.OpenStore(chunk.StoreConfig{Path: filepath.Join(dir, "chunks.db"), Logger: testLogger()})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	id := types.DeviceIdFromName(name)
	logger := testLogger().With("node", name)
	tunnels := tunnel.NewManager(tunnel.ManagerConfig{Local: id, Connector: net.Connector(id), Logger: logger})
	channels := NewManager(ManagerConfig{Local: id, Channel: config, Store: store, Logger: logger}, tunnels)
	net.Register(id, channels)
	return &testNode{id: id, store: store, tunnels: tunnels, channels: channels}
}

func testData(n int) []byte {
	data := make([]byte, n)
	for i := range data {
		data[i] = byte(i*7 + i/251)
	}
	return data
}

func newSession(t *testing.T, ch *Channel, id types.ChunkId, sessionId uint32) (*DownloadSession, *chunk.Cache) {
	t.Helper()
	cache := chunk.NewCache(id, protocol.MaxPiecePayload)
	cache.Alloc()
	s := NewDownloadSession(ch, SessionConfig{
		Chunk:     id,
		SessionId: sessionId,
		Desc:      protocol.CodecDesc{}.FillValues(id, protocol.MaxPiecePayload),
		Cache:     cache,
	})
	return s, cache
}

func TestCreateChannel_ConcurrentCallersShareOneInstance(t *testing.T) {
	defer goleak.VerifyNone(t)

	net := tunnel.NewMemNetwork(testLogger())
	a := newTestNode(t, net, "a", Config{})
	defer a.close()
	remote := types.DeviceDesc{Id: types.DeviceIdFromName("b")}

	const callers = 16
	results := make([]*Channel, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ch, err := a.channels.CreateChannel(context.Background(), remote)
			assert.NoError(t, err)
			results[i] = ch
		}(i)
	}
	wg.Wait()

	require.Equal(t, 1, a.channels.Len())
	require.Equal(t, 1, a.tunnels.Len())
	for _, ch := range results {
		assert.Same(t, results[0], ch)
	}
	assert.Same(t, results[0], a.channels.ChannelOf(remote.Id))
	// une référence pour le tunnel.Manager, une pour le channel
	assert.Equal(t, 2, a.tunnels.ContainerOf(remote.Id).Refs())
}

func TestCreateChannel_TunnelErrorsReturned(t *testing.T) {
	net := tunnel.NewMemNetwork(testLogger())
	a := newTestNode(t, net, "a", Config{})
	defer a.close()

	_, err := a.channels.CreateChannel(context.Background(), types.DeviceDesc{Id: a.id})
	assert.ErrorIs(t, err, types.ErrInvalidInput)
	assert.Equal(t, 0, a.channels.Len())
}

func TestDownloadSession_TransfersChunk(t *testing.T) {
	defer goleak.VerifyNone(t)

	net := tunnel.NewMemNetwork(testLogger())
	a := newTestNode(t, net, "a", Config{})
	b := newTestNode(t, net, "b", Config{})
	defer b.close()
	defer a.close()

	data := testData(40_000) // trois pièces, la dernière partielle
	id := types.MustChunkIdFromData(data)
	require.NoError(t, b.store.Put(context.Background(), id, data))

	ch, err := a.channels.CreateChannel(context.Background(), types.DeviceDesc{Id: b.id})
	require.NoError(t, err)
	s, cache := newSession(t, ch, id, 7)
	require.NoError(t, ch.Download(s))
	assert.ErrorIs(t, ch.Download(s), ErrSessionExists)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	state, err := s.Wait(ctx)
	require.NoError(t, err)
	require.Equal(t, SessionFinished, state)

	got, err := cache.Bytes(ctx)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(data, got))

	// côté b: le channel entrant a été créé par le SynTunnel
	require.NotNil(t, b.channels.ChannelOf(a.id))
}

func TestDownloadSession_NotFoundCancels(t *testing.T) {
	defer goleak.VerifyNone(t)

	net := tunnel.NewMemNetwork(testLogger())
	a := newTestNode(t, net, "a", Config{})
	b := newTestNode(t, net, "b", Config{})
	defer b.close()
	defer a.close()

	id := types.MustChunkIdFromData([]byte("absent chunk"))
	ch, err := a.channels.CreateChannel(context.Background(), types.DeviceDesc{Id: b.id})
	require.NoError(t, err)
	s, _ := newSession(t, ch, id, 1)
	require.NoError(t, ch.Download(s))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	state, err := s.Wait(ctx)
	assert.Equal(t, SessionCanceled, state)
	assert.ErrorIs(t, err, types.ErrNotFound)
	assert.Equal(t, 0, ch.DownloadSessionCount())
}

func TestDownloadSession_RedirectHook(t *testing.T) {
	net := tunnel.NewMemNetwork(testLogger())
	a := newTestNode(t, net, "a", Config{})
	defer a.close()

	ch, err := a.channels.CreateChannel(context.Background(), types.DeviceDesc{Id: types.DeviceIdFromName("b")})
	require.NoError(t, err)
	id := types.MustChunkIdFromData([]byte("redirected"))
	target := types.DeviceDesc{Id: types.DeviceIdFromName("c"), Endpoints: []string{"10.0.0.3:4242"}}

	var got types.DeviceDesc
	var referer string
	s := NewDownloadSession(ch, SessionConfig{
		Chunk:     id,
		SessionId: 3,
		Cache:     chunk.NewCache(id, 0),
		OnRedirect: func(d types.DeviceDesc, r string) {
			got, referer = d, r
		},
	})
	s.onRespInterest(&protocol.RespInterest{
		SessionId:       3,
		Chunk:           id,
		Err:             types.NotFound,
		Redirect:        &target,
		RedirectReferer: "via-b",
	})

	assert.Equal(t, target.Id, got.Id)
	assert.Equal(t, "via-b", referer)
	state, err := s.State()
	assert.Equal(t, SessionCanceled, state)
	assert.ErrorIs(t, err, types.ErrNotFound)
}

func TestOnTunnelEstablished_RejectsNonSyn(t *testing.T) {
	net := tunnel.NewMemNetwork(testLogger())
	a := newTestNode(t, net, "a", Config{})
	defer a.close()

	id := types.MustChunkIdFromData([]byte("x"))
	err := a.channels.OnTunnelEstablished(context.Background(), &protocol.Interest{SessionId: 1, Chunk: id}, nil)
	assert.ErrorIs(t, err, types.ErrInvalidInput)
	assert.Equal(t, 0, a.channels.Len())
	assert.Equal(t, 0, a.tunnels.Len())
}

func TestOnSchedule_HistoryDecaysWithoutSessions(t *testing.T) {
	net := tunnel.NewMemNetwork(testLogger())
	a := newTestNode(t, net, "a", Config{})
	defer a.close()

	t0 := time.Now().Add(time.Minute)
	sample := uint32(1 << 20)
	a.channels.downHistory.Update(&sample, t0)
	prev := a.channels.DownloadHistorySpeed()
	require.Greater(t, prev, uint32(0))

	for i := 1; i <= 25; i++ {
		a.channels.OnSchedule(t0.Add(time.Duration(i) * time.Second))
		cur := a.channels.DownloadHistorySpeed()
		assert.LessOrEqual(t, cur, prev, "tick %d", i)
		prev = cur
	}
	assert.Equal(t, uint32(0), a.channels.DownloadCurSpeed())
	assert.Less(t, prev, sample/16)
}

func TestOnSchedule_RecyclesIdleChannel(t *testing.T) {
	net := tunnel.NewMemNetwork(testLogger())
	a := newTestNode(t, net, "a", Config{ReserveTimeout: time.Second, RetainTimeout: 2 * time.Second})
	defer a.close()

	remote := types.DeviceDesc{Id: types.DeviceIdFromName("b")}
	ch, err := a.channels.CreateChannel(context.Background(), remote)
	require.NoError(t, err)

	t0 := time.Now()
	a.channels.OnSchedule(t0)
	a.channels.OnSchedule(t0.Add(3 * time.Second))
	require.Same(t, ch, a.channels.ChannelOf(remote.Id))

	// un consommateur qui retient le channel bloque le recyclage
	ch.Retain()
	a.channels.OnSchedule(t0.Add(time.Hour))
	require.NotNil(t, a.channels.ChannelOf(remote.Id))
	ch.Release()

	t1 := t0.Add(2 * time.Hour)
	a.channels.OnSchedule(t1)
	a.channels.OnSchedule(t1.Add(3*time.Second + time.Millisecond))
	assert.Nil(t, a.channels.ChannelOf(remote.Id))
	assert.Equal(t, 1, a.tunnels.ContainerOf(remote.Id).Refs())
}

func TestCreateChannel_HitResetsRecycleWindow(t *testing.T) {
	defer goleak.VerifyNone(t)

	net := tunnel.NewMemNetwork(testLogger())
	a := newTestNode(t, net, "a", Config{ReserveTimeout: time.Second, RetainTimeout: 2 * time.Second})
	b := newTestNode(t, net, "b", Config{})
	defer b.close()
	defer a.close()

	data := testData(1000)
	id := types.MustChunkIdFromData(data)
	require.NoError(t, b.store.Put(context.Background(), id, data))

	remote := types.DeviceDesc{Id: b.id}
	ch, err := a.channels.CreateChannel(context.Background(), remote)
	require.NoError(t, err)

	t0 := time.Now()
	a.channels.OnSchedule(t0)
	again, err := a.channels.CreateChannel(context.Background(), remote)
	require.NoError(t, err)
	require.Same(t, ch, again)

	// la fenêtre armée à t0 aurait expiré; le second appel l'a remise à zéro
	a.channels.OnSchedule(t0.Add(3*time.Second + time.Millisecond))
	require.Same(t, ch, a.channels.ChannelOf(remote.Id))

	s, cache := newSession(t, ch, id, 11)
	require.NoError(t, ch.Download(s))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	state, err := s.Wait(ctx)
	require.NoError(t, err)
	require.Equal(t, SessionFinished, state)
	got, err := cache.Bytes(ctx)
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

func TestChannel_RetainedSurvivesRecycle(t *testing.T) {
	net := tunnel.NewMemNetwork(testLogger())
	a := newTestNode(t, net, "a", Config{ReserveTimeout: time.Second, RetainTimeout: time.Second})
	defer a.close()

	remote := types.DeviceDesc{Id: types.DeviceIdFromName("b")}
	ch, err := a.channels.CreateChannel(context.Background(), remote)
	require.NoError(t, err)
	ch.Retain()

	t0 := time.Now()
	for i := 0; i < 5; i++ {
		a.channels.OnSchedule(t0.Add(time.Duration(i) * time.Minute))
	}
	require.Same(t, ch, a.channels.ChannelOf(remote.Id))

	ch.Release()
	ch.Release() // la référence du manager n'est jamais rendue par Release
	t1 := t0.Add(time.Hour)
	a.channels.OnSchedule(t1)
	a.channels.OnSchedule(t1.Add(3 * time.Second))
	assert.Nil(t, a.channels.ChannelOf(remote.Id))
}
