package server

import (
	"context"
	"fmt"
	"net"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/netdump/netdump/pkg/dataconn"
	"github.com/netdump/netdump/pkg/events"
	"github.com/netdump/netdump/pkg/types"
	"github.com/netdump/netdump/pkg/util"
)

const (
	recordTimeout = 5 * time.Second

	minAcceptDelay = 5 * time.Millisecond
	maxAcceptDelay = time.Second
)

// DataServer accepts NETDUMP connections and runs one session per connection.
type DataServer struct {
	protocol types.DataServerProtocol
	address  string
	drive    types.Drive
	options  dataconn.SessionOptions
	recorder events.Recorder

	lock     sync.Mutex
	listener net.Listener
	closed   bool

	sessions sync.Map // map[string]*dataconn.Session
	wg       sync.WaitGroup
}

func NewDataServer(protocol types.DataServerProtocol, address string, drive types.Drive,
	options dataconn.SessionOptions, recorder events.Recorder) *DataServer {
	if recorder == nil {
		recorder = events.Nop{}
	}
	return &DataServer{
		protocol: protocol,
		address:  address,
		drive:    drive,
		options:  options,
		recorder: recorder,
	}
}

func (s *DataServer) Listen() error {
	var (
		l   net.Listener
		err error
	)
	switch s.protocol {
	case types.DataServerProtocolTCP:
		l, err = s.listenTCP()
	case types.DataServerProtocolUNIX:
		l, err = s.listenUNIX()
	default:
		return fmt.Errorf("unsupported protocol: %v", s.protocol)
	}
	if err != nil {
		return errors.Wrapf(err, "failed to listen on %v", s.address)
	}

	s.lock.Lock()
	defer s.lock.Unlock()
	if s.closed {
		l.Close()
		return fmt.Errorf("data server on %v is closed", s.address)
	}
	s.listener = l
	logrus.Infof("Listening on %v %v", s.protocol, l.Addr())
	return nil
}

func (s *DataServer) listenTCP() (net.Listener, error) {
	addr, err := net.ResolveTCPAddr("tcp", s.address)
	if err != nil {
		return nil, err
	}
	return net.ListenTCP("tcp", addr)
}

func (s *DataServer) listenUNIX() (net.Listener, error) {
	unixAddr, err := net.ResolveUnixAddr("unix", s.address)
	if err != nil {
		return nil, err
	}
	return net.ListenUnix("unix", unixAddr)
}

// Addr is the bound address, nil before Listen.
func (s *DataServer) Addr() net.Addr {
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Serve accepts connections until Close is called.
func (s *DataServer) Serve() error {
	s.lock.Lock()
	l := s.listener
	s.lock.Unlock()
	if l == nil {
		return fmt.Errorf("data server on %v is not listening", s.address)
	}

	var delay time.Duration
	for {
		conn, err := l.Accept()
		if err != nil {
			if s.isClosed() || errors.Is(err, net.ErrClosed) {
				return nil
			}
			if delay == 0 {
				delay = minAcceptDelay
			} else {
				delay *= 2
			}
			if delay > maxAcceptDelay {
				delay = maxAcceptDelay
			}
			logrus.WithError(err).Errorf("failed to accept %v connection, retrying in %v", s.protocol, delay)
			time.Sleep(delay)
			continue
		}
		delay = 0

		logrus.Infof("New connection from: %v", conn.RemoteAddr())

		s.wg.Add(1)
		go func(conn net.Conn) {
			defer s.wg.Done()
			s.handle(conn)
		}(conn)
	}
}

func (s *DataServer) handle(conn net.Conn) {
	id := util.UUID()
	session := dataconn.NewSession(id, conn, s.drive, s.options)
	s.sessions.Store(id, session)
	defer s.sessions.Delete(id)

	s.record(eventFromStatus(events.TypeSessionStarted, session.Status()))

	err := session.Handle()

	status := session.Status()
	log := logrus.WithFields(logrus.Fields{
		"session": id,
		"remote":  status.Remote,
		"command": status.Command,
		"answer":  status.Answer,
	})
	if err != nil {
		log.WithError(err).Warn("Session failed")
	} else {
		log.Debug("Session finished")
	}
	s.record(eventFromStatus(events.TypeSessionFinished, status))
}

func (s *DataServer) record(event *events.Event) {
	ctx, cancel := context.WithTimeout(context.Background(), recordTimeout)
	defer cancel()
	events.RecordAndLog(ctx, s.recorder, event)
}

func eventFromStatus(t events.Type, status dataconn.SessionStatus) *events.Event {
	event := &events.Event{
		Type:          t,
		SessionID:     status.ID,
		Remote:        status.Remote,
		Command:       status.Command,
		Answer:        status.Answer,
		BytesDeclared: status.BytesDeclared,
		BytesSent:     status.BytesSent,
		Error:         status.Error,
		DiscInfo:      status.DiscInfo,
		Timestamp:     time.Now(),
	}
	if t == events.TypeSessionFinished {
		event.DurationMS = event.Timestamp.Sub(status.Started).Milliseconds()
	}
	return event
}

// Sessions returns a snapshot of the live sessions, oldest first.
func (s *DataServer) Sessions() []dataconn.SessionStatus {
	statuses := []dataconn.SessionStatus{}
	s.sessions.Range(func(key, value interface{}) bool {
		statuses = append(statuses, value.(*dataconn.Session).Status())
		return true
	})
	sort.Slice(statuses, func(i, j int) bool {
		return statuses[i].Started.Before(statuses[j].Started)
	})
	return statuses
}

func (s *DataServer) Session(id string) (dataconn.SessionStatus, bool) {
	value, ok := s.sessions.Load(id)
	if !ok {
		return dataconn.SessionStatus{}, false
	}
	return value.(*dataconn.Session).Status(), true
}

func (s *DataServer) isClosed() bool {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.closed
}

// Close stops accepting connections. Sessions in flight run to completion, see Wait.
func (s *DataServer) Close() error {
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if s.listener == nil {
		return nil
	}
	return s.listener.Close()
}

// Wait blocks until every accepted session is done.
func (s *DataServer) Wait() {
	s.wg.Wait()
}
