package types

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChunkId_LengthAndVerify(t *testing.T) {
	data := []byte("0123456789abcdef0123456789abcdef")
	id, err := ChunkIdFromData(data)
	require.NoError(t, err)

	assert.Equal(t, uint64(32), id.Len())
	assert.True(t, id.Verify(data))
	assert.False(t, id.Verify(data[:31]))
	assert.False(t, id.IsZero())

	parsed, err := ParseChunkId(id.String())
	require.NoError(t, err)
	assert.Equal(t, id, parsed)
}

func TestDeviceId_TextForm(t *testing.T) {
	id := DeviceIdFromName("node-a")
	assert.NotEqual(t, id, DeviceIdFromName("node-b"))

	text, err := id.MarshalText()
	require.NoError(t, err)

	var back DeviceId
	require.NoError(t, back.UnmarshalText(text))
	assert.Equal(t, id, back)

	_, err = ParseDeviceId("abc")
	assert.ErrorIs(t, err, ErrInvalidIdLength)
}

func TestError_IsMatchesCode(t *testing.T) {
	err := fmt.Errorf("lookup: %w", NewError(NotFound, "chunk %s", "x"))
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NotErrorIs(t, err, ErrTimeout)
	assert.Equal(t, NotFound, CodeOf(err))

	assert.Equal(t, Ok, CodeOf(nil))
	assert.Equal(t, Timeout, CodeOf(context.DeadlineExceeded))
	assert.Equal(t, Interrupted, CodeOf(context.Canceled))
	assert.Equal(t, Other, CodeOf(errors.New("boom")))
	assert.Nil(t, ErrorFromCode(Ok))
}

func TestRange_Clamp(t *testing.T) {
	r := Range{Start: 10, End: 100}.Clamp(32)
	assert.Equal(t, Range{Start: 10, End: 32}, r)
	assert.Equal(t, uint64(22), r.Len())
	assert.Equal(t, uint64(0), Range{Start: 40, End: 50}.Clamp(32).Len())
}
