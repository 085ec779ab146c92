package dataconn

import (
	"net"
	"sync"
	"time"

	"github.com/docker/go-units"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/netdump/netdump/pkg/types"
)

type SessionState int32

const (
	StateAwaitingCommand SessionState = iota
	StateDispatching
	StateResponding
	StateClosed
)

func (s SessionState) String() string {
	switch s {
	case StateAwaitingCommand:
		return "awaiting-command"
	case StateDispatching:
		return "dispatching"
	case StateResponding:
		return "responding"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

func (s SessionState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// LifecycleHook is called after an Ok answer to Disconnect, ExitProgram or
// ShutdownConsole has been flushed and the connection closed.
type LifecycleHook func(cmd types.Command)

type SessionOptions struct {
	ChunkSize      int
	CommandTimeout time.Duration
	BandwidthLimit int64
	Lifecycle      LifecycleHook
}

type SessionStatus struct {
	ID            string          `json:"id"`
	Remote        string          `json:"remote"`
	State         SessionState    `json:"state"`
	Command       string          `json:"command,omitempty"`
	Answer        string          `json:"answer,omitempty"`
	BytesDeclared int64           `json:"bytesDeclared"`
	BytesSent     int64           `json:"bytesSent"`
	DiscInfo      *types.DiscInfo `json:"discInfo,omitempty"`
	Started       time.Time       `json:"started"`
	Error         string          `json:"error,omitempty"`
}

// Session serves exactly one command on one connection:
// AwaitingCommand -> Dispatching -> Responding -> Closed, never looping back.
type Session struct {
	id      string
	wire    *Wire
	drive   types.Drive
	options SessionOptions
	started time.Time
	log     logrus.FieldLogger

	lock      sync.RWMutex
	state     SessionState
	command   *types.Command
	answer    *types.CommandAnswer
	discInfo  *types.DiscInfo
	transfer  *StreamTransfer
	lastError error
}

func NewSession(id string, conn net.Conn, drive types.Drive, options SessionOptions) *Session {
	if options.ChunkSize <= 0 {
		options.ChunkSize = DefaultChunkSize
	}
	wire := NewWire(conn, options.BandwidthLimit)
	return &Session{
		id:      id,
		wire:    wire,
		drive:   drive,
		options: options,
		started: time.Now(),
		log: logrus.WithFields(logrus.Fields{
			"session": id,
			"remote":  wire.RemoteAddr(),
		}),
		state: StateAwaitingCommand,
	}
}

func (s *Session) ID() string {
	return s.id
}

// Handle runs the session to the Closed state. The connection is closed on every
// path; a failed game transfer closes it abruptly since the declared length can no
// longer be honored.
func (s *Session) Handle() (err error) {
	abort := false
	defer func() {
		s.finish(err)

		closeFunc := s.wire.Close
		if abort {
			closeFunc = s.wire.Abort
		}
		if closeErr := closeFunc(); closeErr != nil {
			s.log.WithError(closeErr).Debug("Failed to close connection")
		}

		if err == nil && s.options.Lifecycle != nil {
			if cmd := s.Command(); cmd != nil && cmd.Lifecycle() {
				s.options.Lifecycle(*cmd)
			}
		}
	}()

	cmd, err := s.readCommand()
	if err != nil {
		if !errors.Is(err, ErrVersionMismatch) && !errors.Is(err, ErrUnknownCommand) {
			// Without a valid frame there is nothing that can be answered safely.
			return err
		}
		s.log.WithError(err).Warn("Rejecting request")
		s.setState(StateResponding)
		s.setAnswer(AnswerProtocolError.Kind())
		if writeErr := s.wire.WriteAnswer(AnswerProtocolError); writeErr != nil {
			return errors.Wrap(writeErr, "failed to write protocol error")
		}
		return err
	}
	s.setCommand(cmd)
	s.log.Debugf("Received command %v", cmd)

	s.setState(StateDispatching)
	answer, stream := s.dispatch(cmd)

	s.setState(StateResponding)
	if stream != nil {
		defer func() {
			if closeErr := stream.Close(); closeErr != nil {
				s.log.WithError(closeErr).Warn("Failed to release disc stream")
			}
		}()
		if err = s.streamGame(stream); err != nil {
			abort = true
		}
		return err
	}

	s.setAnswer(answer.Kind())
	if err := s.wire.WriteAnswer(answer); err != nil {
		return errors.Wrapf(err, "failed to write %v answer", answer.Kind())
	}
	return nil
}

func (s *Session) readCommand() (types.Command, error) {
	if s.options.CommandTimeout > 0 {
		if err := s.wire.SetReadDeadline(time.Now().Add(s.options.CommandTimeout)); err != nil {
			return 0, errors.Wrap(err, "failed to set command read deadline")
		}
	}
	cmd, err := s.wire.ReadCommand()
	if err != nil {
		return cmd, err
	}
	// The transfer that may follow is never bounded by a deadline.
	if err := s.wire.SetReadDeadline(time.Time{}); err != nil {
		return cmd, errors.Wrap(err, "failed to clear command read deadline")
	}
	return cmd, nil
}

func (s *Session) dispatch(cmd types.Command) (Answer, types.DataStream) {
	switch cmd {
	case types.CommandDisconnect, types.CommandExitProgram, types.CommandShutdownConsole:
		return AnswerOk, nil

	case types.CommandEjectDisc:
		if err := s.drive.Eject(); err != nil {
			s.log.WithError(err).Warn("Failed to eject disc")
			if errors.Is(err, types.ErrNoDisc) {
				return AnswerNoDisc, nil
			}
			return AnswerCouldntEject, nil
		}
		return AnswerOk, nil

	case types.CommandGetDiscInfo:
		info, err := s.drive.DiscInfo()
		if err != nil {
			return s.driveErrorAnswer(err, "read disc info"), nil
		}
		if !info.Type.Valid() {
			s.log.Warnf("Drive reported invalid disc type %d", uint8(info.Type))
			return AnswerUnknownDiscType, nil
		}
		s.setDiscInfo(info)
		return &DiscInfoAnswer{Info: *info}, nil

	case types.CommandDumpBCA:
		data, err := s.drive.ReadBCA()
		if err != nil {
			return s.driveErrorAnswer(err, "read BCA"), nil
		}
		return &BCAAnswer{Data: data}, nil

	case types.CommandDumpGame:
		stream, err := s.drive.OpenDataStream()
		if err != nil {
			return s.driveErrorAnswer(err, "open disc stream"), nil
		}
		return nil, stream
	}
	return AnswerProtocolError, nil
}

func (s *Session) driveErrorAnswer(err error, op string) StatusAnswer {
	switch {
	case errors.Is(err, types.ErrNoDisc):
		s.log.Infof("Cannot %v: no disc in drive", op)
		return AnswerNoDisc
	case errors.Is(err, types.ErrUnknownDiscType):
		s.log.WithError(err).Warnf("Cannot %v", op)
		return AnswerUnknownDiscType
	}
	s.log.WithError(err).Errorf("Failed to %v", op)
	return AnswerProtocolError
}

func (s *Session) streamGame(stream types.DataStream) error {
	transfer := NewStreamTransfer(s.wire, stream, s.options.ChunkSize)
	s.lock.Lock()
	s.transfer = transfer
	s.lock.Unlock()
	s.setAnswer(types.AnswerGame)

	s.log.Infof("Streaming game image of %v", units.BytesSize(float64(transfer.Declared())))
	if err := transfer.Run(); err != nil {
		s.log.WithError(err).Error("Aborting game transfer")
		return err
	}

	status := s.wire.Status()
	s.log.Infof("Streamed %v in %v (%v/s)", units.BytesSize(float64(transfer.Sent())),
		status.Duration.Round(time.Millisecond), units.BytesSize(float64(status.AvgRate)))
	return nil
}

func (s *Session) setState(state SessionState) {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.state = state
}

func (s *Session) setCommand(cmd types.Command) {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.command = &cmd
}

func (s *Session) setAnswer(answer types.CommandAnswer) {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.answer = &answer
}

func (s *Session) setDiscInfo(info *types.DiscInfo) {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.discInfo = info
}

func (s *Session) finish(err error) {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.state = StateClosed
	s.lastError = err
}

func (s *Session) State() SessionState {
	s.lock.RLock()
	defer s.lock.RUnlock()
	return s.state
}

func (s *Session) Command() *types.Command {
	s.lock.RLock()
	defer s.lock.RUnlock()
	return s.command
}

func (s *Session) Status() SessionStatus {
	s.lock.RLock()
	defer s.lock.RUnlock()

	status := SessionStatus{
		ID:       s.id,
		Remote:   s.wire.RemoteAddr(),
		State:    s.state,
		DiscInfo: s.discInfo,
		Started:  s.started,
	}
	if s.command != nil {
		status.Command = s.command.String()
	}
	if s.answer != nil {
		status.Answer = s.answer.String()
	}
	if s.transfer != nil {
		status.BytesDeclared = s.transfer.Declared()
		status.BytesSent = s.transfer.Sent()
	}
	if s.lastError != nil {
		status.Error = s.lastError.Error()
	}
	return status
}
