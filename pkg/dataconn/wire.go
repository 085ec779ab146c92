package dataconn

import (
	"bufio"
	"bytes"
	"io"
	"net"
	"time"

	"github.com/mxk/go-flowrate/flowrate"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/netdump/netdump/pkg/types"
)

// EncodeRequest builds a request packet. Servers only accept ProtocolVersion, other
// versions are only useful to exercise the mismatch path.
func EncodeRequest(version uint32, cmd types.Command) []byte {
	buf := make([]byte, headerSize)
	putHeader(buf, version, uint32(cmd))
	return buf
}

func EncodeCommand(cmd types.Command) []byte {
	return EncodeRequest(ProtocolVersion, cmd)
}

// DecodeCommand consumes exactly one request packet. The magic is checked before
// anything else is looked at.
func DecodeCommand(buf []byte) (types.Command, error) {
	if len(buf) < headerSize {
		return 0, errors.Wrapf(ErrTruncated, "got %d of %d request bytes", len(buf), headerSize)
	}
	if string(buf[:magicSize]) != Magic {
		return 0, ErrMalformedMagic
	}
	offset := magicSize

	version := byteOrder.Uint32(buf[offset:])
	if version != ProtocolVersion {
		return 0, errors.Wrapf(ErrVersionMismatch, "request version %d, expected %d", version, ProtocolVersion)
	}
	offset += 4

	cmd := types.Command(byteOrder.Uint32(buf[offset:]))
	if !cmd.Valid() {
		return cmd, errors.Wrapf(ErrUnknownCommand, "0x%08x", uint32(cmd))
	}
	return cmd, nil
}

// EncodeResponse produces the common prefix and the body selected by the answer.
// For a GameAnswer only the length header is produced.
func EncodeResponse(a Answer) []byte {
	size := headerSize
	switch a.(type) {
	case *DiscInfoAnswer:
		size += discInfoBodySize
	case *BCAAnswer:
		size += types.BCASize
	case *GameAnswer:
		size += gameHeaderBodySize
	}

	buf := make([]byte, size)
	offset := putHeader(buf, ProtocolVersion, uint32(a.Kind()))

	switch answer := a.(type) {
	case *DiscInfoAnswer:
		buf[offset] = byte(answer.Info.Type)
		offset++
		offset += putName(buf[offset:offset+types.GameNameSize], answer.Info.GameName)
		putName(buf[offset:offset+types.InternalNameSize], answer.Info.InternalName)
	case *BCAAnswer:
		copy(buf[offset:], answer.Data[:])
	case *GameAnswer:
		byteOrder.PutUint64(buf[offset:], answer.Length)
	}
	return buf
}

// DecodeResponse reads one response. For the Game answer it stops after the length
// header, the body is left in r.
func DecodeResponse(r io.Reader) (Answer, error) {
	header := make([]byte, headerSize)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, wrapReadError(err, "response header")
	}
	if string(header[:magicSize]) != Magic {
		return nil, ErrMalformedMagic
	}
	if version := byteOrder.Uint32(header[magicSize:]); version != ProtocolVersion {
		return nil, errors.Wrapf(ErrVersionMismatch, "response version %d, expected %d", version, ProtocolVersion)
	}

	kind := types.CommandAnswer(byteOrder.Uint32(header[magicSize+4:]))
	switch kind {
	case types.AnswerOk, types.AnswerProtocolError, types.AnswerNoDiscError,
		types.AnswerCouldntEjectError, types.AnswerUnknownDiscTypeError:
		return StatusAnswer(kind), nil
	case types.AnswerDiscInfo:
		body := make([]byte, discInfoBodySize)
		if _, err := io.ReadFull(r, body); err != nil {
			return nil, wrapReadError(err, "disc info body")
		}
		nameEnd := 1 + types.GameNameSize
		return &DiscInfoAnswer{
			Info: types.DiscInfo{
				Type:         types.DiscType(body[0]),
				GameName:     getName(body[1:nameEnd]),
				InternalName: getName(body[nameEnd:]),
			},
		}, nil
	case types.AnswerBCA:
		answer := &BCAAnswer{}
		if _, err := io.ReadFull(r, answer.Data[:]); err != nil {
			return nil, wrapReadError(err, "BCA body")
		}
		return answer, nil
	case types.AnswerGame:
		body := make([]byte, gameHeaderBodySize)
		if _, err := io.ReadFull(r, body); err != nil {
			return nil, wrapReadError(err, "game length")
		}
		return &GameAnswer{Length: byteOrder.Uint64(body)}, nil
	}
	return nil, errors.Wrapf(ErrUnknownAnswer, "0x%08x", uint32(kind))
}

func putHeader(buf []byte, version, tag uint32) int {
	offset := copy(buf, Magic)
	byteOrder.PutUint32(buf[offset:], version)
	offset += 4
	byteOrder.PutUint32(buf[offset:], tag)
	offset += 4
	return offset
}

// Names are zero padded. Anything longer than the field is cut at the field width.
func putName(field []byte, name string) int {
	copy(field, name)
	return len(field)
}

func getName(field []byte) string {
	return string(bytes.TrimRight(field, "\x00"))
}

func wrapReadError(err error, what string) error {
	if err == io.EOF || err == io.ErrUnexpectedEOF {
		return errors.Wrapf(ErrTruncated, "reading %s: %v", what, err)
	}
	return errors.Wrapf(err, "reading %s", what)
}

type Wire struct {
	conn       net.Conn
	out        *flowrate.Writer
	writer     *bufio.Writer
	reader     io.Reader
	readHeader []byte
}

// NewWire wraps conn. bandwidthLimit is in bytes per second, zero or less means
// unlimited.
func NewWire(conn net.Conn, bandwidthLimit int64) *Wire {
	out := flowrate.NewWriter(conn, bandwidthLimit)
	return &Wire{
		conn:       conn,
		out:        out,
		writer:     bufio.NewWriterSize(out, writeBufferSize),
		reader:     bufio.NewReaderSize(conn, readBufferSize),
		readHeader: make([]byte, headerSize),
	}
}

func (w *Wire) ReadCommand() (types.Command, error) {
	if _, err := io.ReadFull(w.reader, w.readHeader); err != nil {
		return 0, wrapReadError(err, "command packet")
	}
	return DecodeCommand(w.readHeader)
}

func (w *Wire) WriteAnswer(a Answer) error {
	if _, err := w.writer.Write(EncodeResponse(a)); err != nil {
		return err
	}
	return w.writer.Flush()
}

// BodyWriter flushes anything buffered and returns the sink bulk bodies go to.
func (w *Wire) BodyWriter() (io.Writer, error) {
	if err := w.writer.Flush(); err != nil {
		return nil, err
	}
	return w.out, nil
}

func (w *Wire) SetReadDeadline(t time.Time) error {
	return w.conn.SetReadDeadline(t)
}

func (w *Wire) RemoteAddr() string {
	if addr := w.conn.RemoteAddr(); addr != nil {
		return addr.String()
	}
	return ""
}

// Status reports the transfer rate of everything written so far.
func (w *Wire) Status() flowrate.Status {
	return w.out.Status()
}

func (w *Wire) Close() error {
	return w.conn.Close()
}

// Abort closes the connection so the peer observes a reset instead of a clean EOF.
func (w *Wire) Abort() error {
	if tcpConn, ok := w.conn.(*net.TCPConn); ok {
		if err := tcpConn.SetLinger(0); err != nil {
			logrus.WithError(err).Debug("Failed to reset linger before abort")
		}
	}
	return w.conn.Close()
}
