package types

import (
	"fmt"
	"io"
	"time"

	"github.com/pkg/errors"
)

type DataServerProtocol string

const (
	DataServerProtocolTCP  = DataServerProtocol("tcp")
	DataServerProtocolUNIX = DataServerProtocol("unix")

	DefaultPort           = 9875
	DefaultCommandTimeout = 30 * time.Second
)

const (
	GameNameSize     = 32
	InternalNameSize = 512
	BCASize          = 64
)

var (
	ErrNoDisc          = errors.New("no disc in drive")
	ErrCouldntEject    = errors.New("couldn't eject disc")
	ErrUnknownDiscType = errors.New("unknown disc type")
	ErrEmptyBCA        = errors.New("disc carries no BCA data")
	ErrUnsupported     = errors.New("operation not supported by this drive")
)

// Command is sent by the client, exactly one per connection.
type Command uint32

const (
	CommandDisconnect      = Command(0xFFFFFFFF)
	CommandExitProgram     = Command(0xFFFFFFFE)
	CommandShutdownConsole = Command(0xFFFFFFFD)
	CommandEjectDisc       = Command(1)
	CommandGetDiscInfo     = Command(2)
	CommandDumpBCA         = Command(3)
	CommandDumpGame        = Command(4)
)

func (c Command) Valid() bool {
	switch c {
	case CommandDisconnect, CommandExitProgram, CommandShutdownConsole,
		CommandEjectDisc, CommandGetDiscInfo, CommandDumpBCA, CommandDumpGame:
		return true
	}
	return false
}

// Lifecycle reports whether the command asks the server process to act after answering.
func (c Command) Lifecycle() bool {
	return c == CommandDisconnect || c == CommandExitProgram || c == CommandShutdownConsole
}

func (c Command) String() string {
	switch c {
	case CommandDisconnect:
		return "Disconnect"
	case CommandExitProgram:
		return "ExitProgram"
	case CommandShutdownConsole:
		return "ShutdownConsole"
	case CommandEjectDisc:
		return "EjectDisc"
	case CommandGetDiscInfo:
		return "GetDiscInfo"
	case CommandDumpBCA:
		return "DumpBCA"
	case CommandDumpGame:
		return "DumpGame"
	}
	return fmt.Sprintf("Command(0x%08x)", uint32(c))
}

// CommandAnswer selects the shape of the response body.
type CommandAnswer uint32

const (
	AnswerProtocolError        = CommandAnswer(0xFFFFFFFF)
	AnswerNoDiscError          = CommandAnswer(0xFFFFFFFE)
	AnswerCouldntEjectError    = CommandAnswer(0xFFFFFFFD)
	AnswerUnknownDiscTypeError = CommandAnswer(0xFFFFFFFC)
	AnswerOk                   = CommandAnswer(0)
	AnswerDiscInfo             = CommandAnswer(1)
	AnswerBCA                  = CommandAnswer(2)
	AnswerGame                 = CommandAnswer(3)
)

func (a CommandAnswer) Valid() bool {
	switch a {
	case AnswerProtocolError, AnswerNoDiscError, AnswerCouldntEjectError, AnswerUnknownDiscTypeError,
		AnswerOk, AnswerDiscInfo, AnswerBCA, AnswerGame:
		return true
	}
	return false
}

func (a CommandAnswer) String() string {
	switch a {
	case AnswerProtocolError:
		return "ProtocolError"
	case AnswerNoDiscError:
		return "NoDiscError"
	case AnswerCouldntEjectError:
		return "CouldntEjectError"
	case AnswerUnknownDiscTypeError:
		return "UnknownDiscTypeError"
	case AnswerOk:
		return "Ok"
	case AnswerDiscInfo:
		return "DiscInfo"
	case AnswerBCA:
		return "Bca"
	case AnswerGame:
		return "Game"
	}
	return fmt.Sprintf("CommandAnswer(0x%08x)", uint32(a))
}

type DiscType uint8

const (
	DiscTypeGC             = DiscType(0)
	DiscTypeWiiSingleSided = DiscType(1)
	DiscTypeWiiDoubleSided = DiscType(2)
)

func (t DiscType) Valid() bool {
	return t <= DiscTypeWiiDoubleSided
}

func (t DiscType) String() string {
	switch t {
	case DiscTypeGC:
		return "GameCube"
	case DiscTypeWiiSingleSided:
		return "Wii Single-Sided"
	case DiscTypeWiiDoubleSided:
		return "Wii Double-Sided"
	}
	return fmt.Sprintf("DiscType(%d)", uint8(t))
}

func (t DiscType) MarshalText() ([]byte, error) {
	switch t {
	case DiscTypeGC:
		return []byte("GC"), nil
	case DiscTypeWiiSingleSided:
		return []byte("WiiSingleSided"), nil
	case DiscTypeWiiDoubleSided:
		return []byte("WiiDoubleSided"), nil
	}
	return nil, errors.Wrapf(ErrUnknownDiscType, "cannot marshal disc type %d", uint8(t))
}

func (t *DiscType) UnmarshalText(text []byte) error {
	switch string(text) {
	case "GC":
		*t = DiscTypeGC
	case "WiiSingleSided":
		*t = DiscTypeWiiSingleSided
	case "WiiDoubleSided":
		*t = DiscTypeWiiDoubleSided
	default:
		return errors.Wrapf(ErrUnknownDiscType, "cannot unmarshal disc type %q", string(text))
	}
	return nil
}

type DiscInfo struct {
	Type         DiscType `json:"disc_type"`
	GameName     string   `json:"game_name"`
	InternalName string   `json:"internal_name"`
}

// DataStream is the raw disc image. Size is known before the first byte is read.
type DataStream interface {
	io.ReadCloser
	Size() int64
}

// Drive is the only shared resource across sessions. Implementations are expected to
// serialize access themselves, see drive.Locked.
type Drive interface {
	Eject() error
	DiscInfo() (*DiscInfo, error)
	ReadBCA() ([BCASize]byte, error)
	OpenDataStream() (DataStream, error)
}
