package dataconn

import (
	"bytes"
	"io"
	"net"
	"sync"
	"testing/iotest"
	"time"

	"github.com/pkg/errors"
	. "gopkg.in/check.v1"

	"github.com/netdump/netdump/pkg/types"
)

var errConnReset = errors.New("connection reset by peer")

type fakeAddr struct{}

func (fakeAddr) Network() string { return "tcp" }
func (fakeAddr) String() string  { return "192.168.1.20:51234" }

// fakeConn serves a fixed request and records everything written. Writes fail once
// limit bytes have been accepted, limit < 0 never fails.
type fakeConn struct {
	request *bytes.Reader
	out     bytes.Buffer
	limit   int
	closed  bool
}

func newFakeConn(request []byte) *fakeConn {
	return &fakeConn{request: bytes.NewReader(request), limit: -1}
}

func (f *fakeConn) Read(p []byte) (int, error) {
	return f.request.Read(p)
}

func (f *fakeConn) Write(p []byte) (int, error) {
	if f.closed {
		return 0, net.ErrClosed
	}
	if f.limit >= 0 && f.out.Len()+len(p) > f.limit {
		n := f.limit - f.out.Len()
		f.out.Write(p[:n])
		return n, errConnReset
	}
	return f.out.Write(p)
}

func (f *fakeConn) Close() error {
	f.closed = true
	return nil
}

func (f *fakeConn) LocalAddr() net.Addr                { return fakeAddr{} }
func (f *fakeConn) RemoteAddr() net.Addr               { return fakeAddr{} }
func (f *fakeConn) SetDeadline(t time.Time) error      { return nil }
func (f *fakeConn) SetReadDeadline(t time.Time) error  { return nil }
func (f *fakeConn) SetWriteDeadline(t time.Time) error { return nil }

type fakeStream struct {
	reader io.Reader
	size   int64
	read   int64
	closed bool
}

func (s *fakeStream) Read(p []byte) (int, error) {
	n, err := s.reader.Read(p)
	s.read += int64(n)
	return n, err
}

func (s *fakeStream) Size() int64 {
	return s.size
}

func (s *fakeStream) Close() error {
	s.closed = true
	return nil
}

type fakeDrive struct {
	lock sync.Mutex

	ejectErr error
	infoErr  error
	bcaErr   error
	openErr  error

	info *types.DiscInfo
	bca  [types.BCASize]byte

	// data is served as the disc image. A non-nil readErr replaces everything past
	// readErrAt, size overrides the declared length when non-zero.
	data      []byte
	size      int64
	readErr   error
	readErrAt int

	calls   []string
	streams []*fakeStream
}

// record notes a call and returns with the lock held.
func (d *fakeDrive) record(call string) {
	d.lock.Lock()
	d.calls = append(d.calls, call)
}

// update changes the drive while sessions may be running.
func (d *fakeDrive) update(f func()) {
	d.lock.Lock()
	defer d.lock.Unlock()
	f()
}

func (d *fakeDrive) Calls() []string {
	d.lock.Lock()
	defer d.lock.Unlock()
	return append([]string{}, d.calls...)
}

func (d *fakeDrive) Eject() error {
	d.record("eject")
	defer d.lock.Unlock()
	return d.ejectErr
}

func (d *fakeDrive) DiscInfo() (*types.DiscInfo, error) {
	d.record("info")
	defer d.lock.Unlock()
	if d.infoErr != nil {
		return nil, d.infoErr
	}
	info := *d.info
	return &info, nil
}

func (d *fakeDrive) ReadBCA() ([types.BCASize]byte, error) {
	d.record("bca")
	defer d.lock.Unlock()
	return d.bca, d.bcaErr
}

func (d *fakeDrive) OpenDataStream() (types.DataStream, error) {
	d.record("open")
	defer d.lock.Unlock()
	if d.openErr != nil {
		return nil, d.openErr
	}

	stream := &fakeStream{reader: bytes.NewReader(d.data), size: int64(len(d.data))}
	if d.readErr != nil {
		stream.reader = io.MultiReader(bytes.NewReader(d.data[:d.readErrAt]), iotest.ErrReader(d.readErr))
	}
	if d.size != 0 {
		stream.size = d.size
	}
	d.streams = append(d.streams, stream)
	return stream, nil
}

func gameData(size int) []byte {
	data := make([]byte, size)
	for i := range data {
		data[i] = byte(i*31 + 7)
	}
	return data
}

func testDiscInfo() *types.DiscInfo {
	return &types.DiscInfo{
		Type:         types.DiscTypeWiiSingleSided,
		GameName:     "RMGE01",
		InternalName: "Super Mario Galaxy",
	}
}

func handle(c *C, drive types.Drive, options SessionOptions, request []byte) (*Session, *fakeConn, error) {
	conn := newFakeConn(request)
	session := NewSession("test-session", conn, drive, options)
	c.Assert(session.State(), Equals, StateAwaitingCommand)

	err := session.Handle()
	c.Assert(conn.closed, Equals, true)
	c.Assert(session.State(), Equals, StateClosed)
	return session, conn, err
}

func (s *TestSuite) TestSessionEjectFailureBytes(c *C) {
	drive := &fakeDrive{ejectErr: errors.New("tray jammed")}

	_, conn, err := handle(c, drive, SessionOptions{}, EncodeCommand(types.CommandEjectDisc))
	c.Assert(err, IsNil)
	c.Assert(conn.out.Bytes(), DeepEquals,
		[]byte{'N', 'E', 'T', 'D', 'U', 'M', 'P', 0, 0, 0, 1, 0xff, 0xff, 0xff, 0xfd})
}

func (s *TestSuite) TestSessionEject(c *C) {
	drive := &fakeDrive{}
	_, conn, err := handle(c, drive, SessionOptions{}, EncodeCommand(types.CommandEjectDisc))
	c.Assert(err, IsNil)
	c.Assert(conn.out.Bytes(), DeepEquals, EncodeResponse(AnswerOk))

	drive = &fakeDrive{ejectErr: errors.Wrap(types.ErrNoDisc, "tray open")}
	_, conn, err = handle(c, drive, SessionOptions{}, EncodeCommand(types.CommandEjectDisc))
	c.Assert(err, IsNil)
	c.Assert(conn.out.Bytes(), DeepEquals, EncodeResponse(AnswerNoDisc))
}

func (s *TestSuite) TestSessionVersionMismatch(c *C) {
	for _, version := range []uint32{0, 2, 0xFFFFFFFF} {
		drive := &fakeDrive{info: testDiscInfo()}

		_, conn, err := handle(c, drive, SessionOptions{}, EncodeRequest(version, types.CommandGetDiscInfo))
		c.Assert(errors.Is(err, ErrVersionMismatch), Equals, true)
		c.Assert(conn.out.Bytes(), DeepEquals,
			[]byte{'N', 'E', 'T', 'D', 'U', 'M', 'P', 0, 0, 0, 1, 0xff, 0xff, 0xff, 0xff})
		c.Assert(drive.Calls(), HasLen, 0)
	}
}

func (s *TestSuite) TestSessionUnknownCommand(c *C) {
	drive := &fakeDrive{}
	session, conn, err := handle(c, drive, SessionOptions{}, EncodeRequest(ProtocolVersion, types.Command(9)))
	c.Assert(errors.Is(err, ErrUnknownCommand), Equals, true)
	c.Assert(conn.out.Bytes(), DeepEquals, EncodeResponse(AnswerProtocolError))
	c.Assert(drive.Calls(), HasLen, 0)
	c.Assert(session.Status().Answer, Equals, "ProtocolError")
}

func (s *TestSuite) TestSessionBadMagicGetsNoReply(c *C) {
	drive := &fakeDrive{}
	request := EncodeCommand(types.CommandGetDiscInfo)
	request[0] = 'X'

	_, conn, err := handle(c, drive, SessionOptions{}, request)
	c.Assert(err, Equals, ErrMalformedMagic)
	c.Assert(conn.out.Len(), Equals, 0)
	c.Assert(drive.Calls(), HasLen, 0)
}

func (s *TestSuite) TestSessionTruncatedRequest(c *C) {
	drive := &fakeDrive{}
	_, conn, err := handle(c, drive, SessionOptions{}, EncodeCommand(types.CommandEjectDisc)[:10])
	c.Assert(errors.Is(err, ErrTruncated), Equals, true)
	c.Assert(conn.out.Len(), Equals, 0)
	c.Assert(drive.Calls(), HasLen, 0)
}

func (s *TestSuite) TestSessionCommandTimeout(c *C) {
	server, client := net.Pipe()
	defer client.Close()

	session := NewSession("idle", server, &fakeDrive{}, SessionOptions{CommandTimeout: 50 * time.Millisecond})
	done := make(chan error, 1)
	go func() {
		done <- session.Handle()
	}()

	response, err := io.ReadAll(client)
	c.Assert(err, IsNil)
	c.Assert(response, HasLen, 0)
	c.Assert(<-done, NotNil)
	c.Assert(session.State(), Equals, StateClosed)
}

func (s *TestSuite) TestSessionDiscInfo(c *C) {
	drive := &fakeDrive{info: testDiscInfo()}

	session, conn, err := handle(c, drive, SessionOptions{}, EncodeCommand(types.CommandGetDiscInfo))
	c.Assert(err, IsNil)

	answer, err := DecodeResponse(bytes.NewReader(conn.out.Bytes()))
	c.Assert(err, IsNil)
	c.Assert(answer, DeepEquals, &DiscInfoAnswer{Info: *testDiscInfo()})

	status := session.Status()
	c.Assert(status.Command, Equals, "GetDiscInfo")
	c.Assert(status.Answer, Equals, "DiscInfo")
	c.Assert(status.DiscInfo, DeepEquals, testDiscInfo())
	c.Assert(status.Remote, Equals, "192.168.1.20:51234")
	c.Assert(status.Error, Equals, "")
}

func (s *TestSuite) TestSessionDiscInfoErrors(c *C) {
	cases := []struct {
		drive  *fakeDrive
		answer StatusAnswer
	}{
		{&fakeDrive{infoErr: errors.Wrap(types.ErrNoDisc, "drive empty")}, AnswerNoDisc},
		{&fakeDrive{infoErr: types.ErrUnknownDiscType}, AnswerUnknownDiscType},
		{&fakeDrive{info: &types.DiscInfo{Type: types.DiscType(9)}}, AnswerUnknownDiscType},
		{&fakeDrive{infoErr: errors.New("medium error")}, AnswerProtocolError},
	}

	for _, t := range cases {
		_, conn, err := handle(c, t.drive, SessionOptions{}, EncodeCommand(types.CommandGetDiscInfo))
		c.Assert(err, IsNil)
		c.Assert(conn.out.Bytes(), DeepEquals, EncodeResponse(t.answer))
	}
}

func (s *TestSuite) TestSessionDumpBCA(c *C) {
	drive := &fakeDrive{bca: testBCA()}
	_, conn, err := handle(c, drive, SessionOptions{}, EncodeCommand(types.CommandDumpBCA))
	c.Assert(err, IsNil)
	c.Assert(conn.out.Bytes(), DeepEquals, EncodeResponse(&BCAAnswer{Data: testBCA()}))

	// A GameCube disc is answered with an all zero BCA.
	drive = &fakeDrive{}
	_, conn, err = handle(c, drive, SessionOptions{}, EncodeCommand(types.CommandDumpBCA))
	c.Assert(err, IsNil)
	c.Assert(conn.out.Bytes(), HasLen, 15+64)
	c.Assert(IsEmptyBCA(conn.out.Bytes()[15:]), Equals, true)

	drive = &fakeDrive{bcaErr: types.ErrNoDisc}
	_, conn, err = handle(c, drive, SessionOptions{}, EncodeCommand(types.CommandDumpBCA))
	c.Assert(err, IsNil)
	c.Assert(conn.out.Bytes(), DeepEquals, EncodeResponse(AnswerNoDisc))
}

func (s *TestSuite) TestSessionDumpGame(c *C) {
	cases := []struct {
		size      int
		chunkSize int
	}{
		{0, 4096},
		{1, 4096},
		{1000, 4096},
		{4096, 4096},
		{8192, 4096},
		{100003, 4096},
		{777, 1},
		{10000, 7},
		{200000, 0},
	}

	for _, t := range cases {
		data := gameData(t.size)
		drive := &fakeDrive{data: data}

		session, conn, err := handle(c, drive, SessionOptions{ChunkSize: t.chunkSize}, EncodeCommand(types.CommandDumpGame))
		c.Assert(err, IsNil)

		expected := append(EncodeResponse(&GameAnswer{Length: uint64(t.size)}), data...)
		c.Assert(conn.out.Len(), Equals, len(expected))
		c.Assert(bytes.Equal(conn.out.Bytes(), expected), Equals, true)

		c.Assert(drive.streams, HasLen, 1)
		c.Assert(drive.streams[0].closed, Equals, true)

		status := session.Status()
		c.Assert(status.Answer, Equals, "Game")
		c.Assert(status.BytesDeclared, Equals, int64(t.size))
		c.Assert(status.BytesSent, Equals, int64(t.size))
	}
}

func (s *TestSuite) TestSessionDumpGameNoDisc(c *C) {
	drive := &fakeDrive{openErr: errors.Wrap(types.ErrNoDisc, "drive empty")}
	_, conn, err := handle(c, drive, SessionOptions{}, EncodeCommand(types.CommandDumpGame))
	c.Assert(err, IsNil)
	c.Assert(conn.out.Bytes(), DeepEquals, EncodeResponse(AnswerNoDisc))
	c.Assert(drive.streams, HasLen, 0)
}

func (s *TestSuite) TestSessionDumpGameWriteFailure(c *C) {
	const size = 100000
	data := gameData(size)
	drive := &fakeDrive{data: data}

	conn := newFakeConn(EncodeCommand(types.CommandDumpGame))
	conn.limit = 15 + 8 + size*4/10

	session := NewSession("write-failure", conn, drive, SessionOptions{ChunkSize: 4096})
	err := session.Handle()
	c.Assert(err, NotNil)

	transferErr, ok := err.(*TransferError)
	c.Assert(ok, Equals, true)
	c.Assert(transferErr.Op, Equals, TransferOpWrite)
	c.Assert(transferErr.Sent, Equals, int64(size*4/10))
	c.Assert(transferErr.Declared, Equals, int64(size))
	c.Assert(errors.Is(err, errConnReset), Equals, true)

	c.Assert(session.State(), Equals, StateClosed)
	c.Assert(conn.closed, Equals, true)
	c.Assert(conn.out.Len(), Equals, conn.limit)
	c.Assert(bytes.Equal(conn.out.Bytes()[23:], data[:size*4/10]), Equals, true)

	// Nothing is read from the drive past the chunk that failed.
	c.Assert(drive.streams, HasLen, 1)
	c.Assert(drive.streams[0].closed, Equals, true)
	c.Assert(drive.streams[0].read <= int64(size*4/10+4096), Equals, true)

	c.Assert(session.Status().Error, Not(Equals), "")
}

func (s *TestSuite) TestSessionDumpGameReadFailure(c *C) {
	data := gameData(10000)
	drive := &fakeDrive{data: data, readErr: errors.New("medium error"), readErrAt: 5000}

	_, conn, err := handle(c, drive, SessionOptions{ChunkSize: 1000}, EncodeCommand(types.CommandDumpGame))
	transferErr, ok := err.(*TransferError)
	c.Assert(ok, Equals, true)
	c.Assert(transferErr.Op, Equals, TransferOpRead)
	c.Assert(transferErr.Sent, Equals, int64(5000))
	c.Assert(err, ErrorMatches, "game transfer read failed after 5000 of 10000 bytes: medium error")

	c.Assert(conn.out.Len(), Equals, 23+5000)
	c.Assert(drive.streams[0].closed, Equals, true)
}

func (s *TestSuite) TestSessionDumpGameShortStream(c *C) {
	drive := &fakeDrive{data: gameData(6000), size: 10000}

	_, conn, err := handle(c, drive, SessionOptions{ChunkSize: 4096}, EncodeCommand(types.CommandDumpGame))
	c.Assert(errors.Is(err, ErrShortStream), Equals, true)
	c.Assert(conn.out.Len(), Equals, 23+4096)
	c.Assert(drive.streams[0].closed, Equals, true)
}

func (s *TestSuite) TestSessionDumpGameInvalidLength(c *C) {
	drive := &fakeDrive{size: -1}

	_, conn, err := handle(c, drive, SessionOptions{}, EncodeCommand(types.CommandDumpGame))
	c.Assert(errors.Is(err, ErrInvalidLength), Equals, true)
	c.Assert(conn.out.Len(), Equals, 0)
	c.Assert(drive.streams[0].closed, Equals, true)
}

func (s *TestSuite) TestSessionLifecycleHook(c *C) {
	for _, cmd := range []types.Command{types.CommandDisconnect, types.CommandExitProgram, types.CommandShutdownConsole} {
		conn := newFakeConn(EncodeCommand(cmd))
		var called []types.Command
		closedBeforeHook := false

		session := NewSession("lifecycle", conn, &fakeDrive{}, SessionOptions{
			Lifecycle: func(cmd types.Command) {
				called = append(called, cmd)
				closedBeforeHook = conn.closed
			},
		})
		c.Assert(session.Handle(), IsNil)
		c.Assert(conn.out.Bytes(), DeepEquals, EncodeResponse(AnswerOk))
		c.Assert(called, DeepEquals, []types.Command{cmd})
		c.Assert(closedBeforeHook, Equals, true)
	}

	// Other commands and failed sessions never reach the hook.
	for _, request := range [][]byte{
		EncodeCommand(types.CommandEjectDisc),
		EncodeRequest(2, types.CommandExitProgram),
		EncodeCommand(types.CommandShutdownConsole)[:8],
	} {
		called := false
		_, _, _ = handle(c, &fakeDrive{}, SessionOptions{
			Lifecycle: func(types.Command) { called = true },
		}, request)
		c.Assert(called, Equals, false)
	}
}
