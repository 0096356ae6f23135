package framing

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"
)

const (
	// MaxFrameSize borne la taille d'un payload de trame.
	MaxFrameSize = 4 * 1024 * 1024

	// readTimeout s'applique à chaque lecture bloquante si le flux supporte SetReadDeadline.
	readTimeout = 30 * time.Second
)

var (
	ErrFrameTooLarge     = errors.New("frame exceeds maximum allowed size")
	ErrInvalidUvarint    = errors.New("malformed uvarint length prefix")
	ErrIncompleteFrame   = errors.New("incomplete frame read (less data than specified by length prefix)")
	ErrEmptyFramePayload = errors.New("cannot write empty frame")
)

const defaultInitialBufferSize = 4 * 1024

var bufferPool = sync.Pool{
	New: func() interface{} {
		b := make([]byte, 0, defaultInitialBufferSize)
		return &b
	},
}

func GetBuffer() *[]byte {
	bufPtr := bufferPool.Get().(*[]byte)
	*bufPtr = (*bufPtr)[:0]
	return bufPtr
}

func PutBuffer(bufPtr *[]byte) {
	// Ne pas garder en pool les buffers devenus énormes
	if cap(*bufPtr) > 1024*1024 {
		return
	}
	bufferPool.Put(bufPtr)
}

// --- Writer ---

type frameWriter struct {
	w      io.Writer
	logger *slog.Logger
}

// NewFrameWriter crée un Writer de trames sur w.
func NewFrameWriter(w io.Writer, logger *slog.Logger) Writer {
	if logger == nil {
		logger = slog.Default().With("component", "framing_writer")
	}
	return &frameWriter{w: w, logger: logger}
}

func (fw *frameWriter) WriteFrame(ctx context.Context, payload []byte) error {
	if len(payload) == 0 {
		return ErrEmptyFramePayload
	}
	if len(payload) > MaxFrameSize {
		return fmt.Errorf("%w: frame size %d, max %d", ErrFrameTooLarge, len(payload), MaxFrameSize)
	}

	// Préfixe et payload dans un seul buffer: une seule écriture sur le flux
	bufPtr := GetBuffer()
	defer PutBuffer(bufPtr)
	buf := binary.AppendUvarint(*bufPtr, uint64(len(payload)))
	buf = append(buf, payload...)
	*bufPtr = buf

	return fw.writeWithContext(ctx, buf)
}

func (fw *frameWriter) writeWithContext(ctx context.Context, data []byte) error {
	totalWritten := 0
	for totalWritten < len(data) {
		select {
		case <-ctx.Done():
			return fmt.Errorf("write cancelled: %w", ctx.Err())
		default:
		}

		n, err := fw.w.Write(data[totalWritten:])
		totalWritten += n
		if err != nil {
			if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
				return fmt.Errorf("write context error: %w", err)
			}
			return fmt.Errorf("write error after %d bytes: %w", totalWritten, err)
		}
	}
	return nil
}

// --- Reader ---

type frameReader struct {
	r      *bufio.Reader
	raw    io.Reader
	logger *slog.Logger
}

// NewFrameReader crée un Reader de trames sur r.
func NewFrameReader(r io.Reader, logger *slog.Logger) Reader {
	if logger == nil {
		logger = slog.Default().With("component", "framing_reader")
	}
	br, ok := r.(*bufio.Reader)
	if !ok {
		br = bufio.NewReader(r)
	}
	return &frameReader{r: br, raw: r, logger: logger}
}

func (fr *frameReader) setDeadline(ctx context.Context) func() {
	conn, ok := fr.raw.(interface{ SetReadDeadline(time.Time) error })
	if !ok {
		return func() {}
	}
	// Sans deadline de contexte, un flux de tunnel peut rester silencieux indéfiniment
	dl, hasDeadline := ctx.Deadline()
	if !hasDeadline {
		return func() {}
	}
	if limit := time.Now().Add(readTimeout); limit.Before(dl) {
		dl = limit
	}
	_ = conn.SetReadDeadline(dl)
	return func() { _ = conn.SetReadDeadline(time.Time{}) }
}

func (fr *frameReader) ReadFrame(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("read cancelled: %w", err)
	}
	resetDeadline := fr.setDeadline(ctx)
	defer resetDeadline()

	frameLen, err := binary.ReadUvarint(fr.r)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("read length cancelled: %w", ctx.Err())
		}
		if errors.Is(err, io.EOF) {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("%w: %w", ErrInvalidUvarint, err)
	}
	if frameLen == 0 || frameLen > MaxFrameSize {
		return nil, fmt.Errorf("%w: frame claims size %d, max %d", ErrFrameTooLarge, frameLen, MaxFrameSize)
	}

	payload := make([]byte, frameLen)
	n, err := io.ReadFull(fr.r, payload)
	if err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, fmt.Errorf("%w: expected %d bytes, got %d: %w", ErrIncompleteFrame, frameLen, n, err)
		}
		if ctx.Err() != nil {
			return nil, fmt.Errorf("read payload cancelled: %w", ctx.Err())
		}
		return nil, fmt.Errorf("failed to read frame payload (expected %d bytes): %w", frameLen, err)
	}
	return payload, nil
}
