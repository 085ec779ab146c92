package dataconn

import (
	"encoding/binary"

	"github.com/pkg/errors"

	"github.com/netdump/netdump/pkg/meta"
	"github.com/netdump/netdump/pkg/types"
)

const (
	Magic           = "NETDUMP"
	ProtocolVersion = uint32(meta.ProtocolVersion)

	magicSize          = len(Magic)
	headerSize         = magicSize + 4 + 4 // magic, version, command or answer
	discInfoBodySize   = 1 + types.GameNameSize + types.InternalNameSize
	gameHeaderBodySize = 8

	// DefaultChunkSize bounds the memory used by a game transfer. It is not visible on
	// the wire.
	DefaultChunkSize = 32 * 1024

	readBufferSize  = 512
	writeBufferSize = 8096
)

// All multi-byte integers on the wire are big-endian.
var byteOrder = binary.BigEndian

var (
	ErrTruncated       = errors.New("truncated message")
	ErrMalformedMagic  = errors.New("malformed magic")
	ErrVersionMismatch = errors.New("protocol version mismatch")
	ErrUnknownCommand  = errors.New("unknown command")
	ErrUnknownAnswer   = errors.New("unknown command answer")
)

// Answer is the tagged body of a response. The concrete type selects the body shape.
type Answer interface {
	Kind() types.CommandAnswer
}

// StatusAnswer covers Ok and the error answers, none of which carry a body.
type StatusAnswer types.CommandAnswer

const (
	AnswerOk              = StatusAnswer(types.AnswerOk)
	AnswerProtocolError   = StatusAnswer(types.AnswerProtocolError)
	AnswerNoDisc          = StatusAnswer(types.AnswerNoDiscError)
	AnswerCouldntEject    = StatusAnswer(types.AnswerCouldntEjectError)
	AnswerUnknownDiscType = StatusAnswer(types.AnswerUnknownDiscTypeError)
)

func (a StatusAnswer) Kind() types.CommandAnswer {
	return types.CommandAnswer(a)
}

type DiscInfoAnswer struct {
	Info types.DiscInfo
}

func (a *DiscInfoAnswer) Kind() types.CommandAnswer {
	return types.AnswerDiscInfo
}

type BCAAnswer struct {
	Data [types.BCASize]byte
}

func (a *BCAAnswer) Kind() types.CommandAnswer {
	return types.AnswerBCA
}

// GameAnswer only describes the header. The body is written by StreamTransfer.
type GameAnswer struct {
	Length uint64
}

func (a *GameAnswer) Kind() types.CommandAnswer {
	return types.AnswerGame
}
