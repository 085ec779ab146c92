package dataconn

import (
	"fmt"
	"io"
	"sync/atomic"

	"github.com/pkg/errors"

	"github.com/netdump/netdump/pkg/types"
)

const (
	TransferOpRead  = "read"
	TransferOpWrite = "write"
)

var (
	ErrShortStream   = errors.New("disc stream ended before the declared length")
	ErrInvalidLength = errors.New("invalid disc stream length")
)

// TransferError is returned once the Game header may already be on the wire. There is
// no way to report it to the client other than dropping the connection.
type TransferError struct {
	Op       string
	Sent     int64
	Declared int64
	Err      error
}

func (e *TransferError) Error() string {
	return fmt.Sprintf("game transfer %s failed after %d of %d bytes: %v", e.Op, e.Sent, e.Declared, e.Err)
}

func (e *TransferError) Unwrap() error {
	return e.Err
}

func (e *TransferError) Cause() error {
	return e.Err
}

// StreamTransfer moves a disc image to the wire one chunk at a time. A chunk is
// written completely before the next one is read, so memory use is one chunk no
// matter how large the disc is.
type StreamTransfer struct {
	wire      *Wire
	src       types.DataStream
	chunkSize int
	declared  int64
	sent      atomic.Int64
}

func NewStreamTransfer(wire *Wire, src types.DataStream, chunkSize int) *StreamTransfer {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	return &StreamTransfer{
		wire:      wire,
		src:       src,
		chunkSize: chunkSize,
		declared:  src.Size(),
	}
}

func (t *StreamTransfer) Declared() int64 {
	return t.declared
}

func (t *StreamTransfer) Sent() int64 {
	return t.sent.Load()
}

// Run writes the Game header followed by exactly Declared() bytes, or fails.
func (t *StreamTransfer) Run() error {
	if t.declared < 0 {
		return errors.Wrapf(ErrInvalidLength, "%d", t.declared)
	}

	if err := t.wire.WriteAnswer(&GameAnswer{Length: uint64(t.declared)}); err != nil {
		return t.fail(TransferOpWrite, err)
	}
	if t.declared == 0 {
		return nil
	}

	out, err := t.wire.BodyWriter()
	if err != nil {
		return t.fail(TransferOpWrite, err)
	}

	bufSize := t.chunkSize
	if int64(bufSize) > t.declared {
		bufSize = int(t.declared)
	}
	buf := make([]byte, bufSize)

	for remaining := t.declared; remaining > 0; {
		n := len(buf)
		if int64(n) > remaining {
			n = int(remaining)
		}
		if _, err := io.ReadFull(t.src, buf[:n]); err != nil {
			if err == io.EOF || err == io.ErrUnexpectedEOF {
				err = ErrShortStream
			}
			return t.fail(TransferOpRead, err)
		}
		if err := t.writeFull(out, buf[:n]); err != nil {
			return t.fail(TransferOpWrite, err)
		}
		remaining -= int64(n)
	}
	return nil
}

// writeFull keeps writing until p is gone. A writer that makes no progress without
// reporting an error is treated as a short write.
func (t *StreamTransfer) writeFull(w io.Writer, p []byte) error {
	for len(p) > 0 {
		n, err := w.Write(p)
		t.sent.Add(int64(n))
		if err != nil {
			return err
		}
		if n == 0 {
			return io.ErrShortWrite
		}
		p = p[n:]
	}
	return nil
}

func (t *StreamTransfer) fail(op string, err error) error {
	return &TransferError{
		Op:       op,
		Sent:     t.Sent(),
		Declared: t.declared,
		Err:      err,
	}
}
