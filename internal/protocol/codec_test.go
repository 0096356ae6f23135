package protocol

import (
	"testing"

	"bdt/internal/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/encoding/protowire"
)

func TestEncodeDecode_Interest(t *testing.T) {
	chunk := types.MustChunkIdFromData([]byte("hello chunk"))
	in := &Interest{
		SessionId: 42,
		Chunk:     chunk,
		Desc:      StreamDesc(0, 3, -4),
		Referer:   "ndn://ref",
		From:      types.DeviceIdFromName("origin"),
	}
	b, err := Encode(in)
	require.NoError(t, err)
	assert.Equal(t, byte(CmdInterest), b[0])

	pkg, err := Decode(b)
	require.NoError(t, err)
	assert.Equal(t, in, pkg)
}

func TestEncodeDecode_RespInterestRedirect(t *testing.T) {
	resp := &RespInterest{
		SessionId: 7,
		Chunk:     types.MustChunkIdFromData([]byte("x")),
		Err:       types.NotFound,
		Redirect: &types.DeviceDesc{
			Id:        types.DeviceIdFromName("other"),
			Endpoints: []string{"10.0.0.1:4242", "10.0.0.2:4242"},
		},
		RedirectReferer: "via-other",
	}
	b, err := Encode(resp)
	require.NoError(t, err)

	pkg, err := Decode(b)
	require.NoError(t, err)
	assert.Equal(t, resp, pkg)
}

func TestEncodeDecode_PieceControlLostIndex(t *testing.T) {
	ctrl := &PieceControl{
		SessionId: 1,
		Chunk:     types.MustChunkIdFromData([]byte("y")),
		Command:   ControlContinue,
		MaxIndex:  9,
		LostIndex: []uint32{0, 3, 300},
	}
	b, err := Encode(ctrl)
	require.NoError(t, err)

	pkg, err := Decode(b)
	require.NoError(t, err)
	assert.Equal(t, ctrl, pkg)
}

func TestDecode_Errors(t *testing.T) {
	_, err := Decode(nil)
	assert.ErrorIs(t, err, ErrEmptyPackage)

	_, err = Decode([]byte{0x7f})
	assert.ErrorIs(t, err, ErrUnknownCommand)

	// identifiant tronqué
	bad := []byte{byte(CmdPieceData)}
	bad = protowire.AppendTag(bad, 2, protowire.BytesType)
	bad = protowire.AppendBytes(bad, []byte{1, 2, 3})
	_, err = Decode(bad)
	assert.ErrorIs(t, err, types.ErrInvalidData)
}

func TestDecode_SkipsUnknownFields(t *testing.T) {
	b, err := Encode(&SynTunnel{From: types.DeviceIdFromName("a"), Seq: 3, Timestamp: 99})
	require.NoError(t, err)
	b = protowire.AppendTag(b, 15, protowire.VarintType)
	b = protowire.AppendVarint(b, 123)

	pkg, err := Decode(b)
	require.NoError(t, err)
	syn, ok := pkg.(*SynTunnel)
	require.True(t, ok)
	assert.Equal(t, uint32(3), syn.Seq)
}

func TestCodecDesc_FillValues(t *testing.T) {
	chunk := types.MustChunkIdFromData(make([]byte, 100))

	d := CodecDesc{}.FillValues(chunk, 32)
	assert.Equal(t, StreamDesc(0, 4, 32), d)
	assert.Equal(t, []uint32{0, 1, 2, 3}, d.Indices())

	rev := StreamDesc(1, 0, -32).FillValues(chunk, 0)
	assert.Equal(t, []uint32{3, 2, 1}, rev.Indices())
	assert.Equal(t, 32, rev.PieceSize())

	assert.Equal(t, uint32(1), PieceCount(1, MaxPiecePayload))
	assert.Equal(t, uint32(0), PieceCount(0, MaxPiecePayload))
}
