package framing

import (
	"bytes"
	"context"
	"encoding/binary"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	ctx := context.Background()
	w := NewFrameWriter(&buf, nil)

	require.NoError(t, w.WriteFrame(ctx, []byte("first")))
	require.NoError(t, w.WriteFrame(ctx, bytes.Repeat([]byte{0xab}, 70000)))

	r := NewFrameReader(&buf, nil)
	first, err := r.ReadFrame(ctx)
	require.NoError(t, err)
	assert.Equal(t, []byte("first"), first)

	second, err := r.ReadFrame(ctx)
	require.NoError(t, err)
	assert.Len(t, second, 70000)

	_, err = r.ReadFrame(ctx)
	assert.ErrorIs(t, err, io.EOF)
}

func TestWriteFrame_Rejects(t *testing.T) {
	w := NewFrameWriter(io.Discard, nil)
	assert.ErrorIs(t, w.WriteFrame(context.Background(), nil), ErrEmptyFramePayload)
	assert.ErrorIs(t, w.WriteFrame(context.Background(), make([]byte, MaxFrameSize+1)), ErrFrameTooLarge)
}

func TestReadFrame_TruncatedPayload(t *testing.T) {
	raw := binary.AppendUvarint(nil, 10)
	raw = append(raw, []byte("short")...)

	r := NewFrameReader(bytes.NewReader(raw), nil)
	_, err := r.ReadFrame(context.Background())
	assert.ErrorIs(t, err, ErrIncompleteFrame)
}

func TestReadFrame_OversizedPrefix(t *testing.T) {
	raw := binary.AppendUvarint(nil, MaxFrameSize+1)
	r := NewFrameReader(bytes.NewReader(raw), nil)
	_, err := r.ReadFrame(context.Background())
	assert.ErrorIs(t, err, ErrFrameTooLarge)
}
