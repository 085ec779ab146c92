package dataconn

import (
	"bytes"
	"io"
	"net"

	"github.com/pkg/errors"
	. "gopkg.in/check.v1"

	"github.com/netdump/netdump/pkg/types"
)

type ClientSuite struct {
	listener net.Listener
	drive    *fakeDrive
	options  SessionOptions
	client   *Client

	lifecycle chan types.Command
}

var _ = Suite(&ClientSuite{})

func (s *ClientSuite) SetUpTest(c *C) {
	var err error
	s.listener, err = net.Listen("tcp", "127.0.0.1:0")
	c.Assert(err, IsNil)

	s.drive = &fakeDrive{info: testDiscInfo()}
	s.lifecycle = make(chan types.Command, 3)
	lifecycle := s.lifecycle
	s.options = SessionOptions{
		ChunkSize: 4096,
		Lifecycle: func(cmd types.Command) {
			lifecycle <- cmd
		},
	}
	s.client = NewClient("tcp", s.listener.Addr().String())

	go s.serve()
}

func (s *ClientSuite) TearDownTest(c *C) {
	s.listener.Close()
}

func (s *ClientSuite) serve() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			return
		}
		go NewSession("client-test", conn, s.drive, s.options).Handle()
	}
}

func (s *ClientSuite) TestDiscInfo(c *C) {
	info, err := s.client.DiscInfo()
	c.Assert(err, IsNil)
	c.Assert(info, DeepEquals, testDiscInfo())

	s.drive.update(func() { s.drive.infoErr = types.ErrNoDisc })
	_, err = s.client.DiscInfo()
	c.Assert(err, Equals, types.ErrNoDisc)
}

func (s *ClientSuite) TestDumpBCA(c *C) {
	s.drive.update(func() { s.drive.bca = testBCA() })
	data, err := s.client.DumpBCA()
	c.Assert(err, IsNil)
	expected := testBCA()
	c.Assert(data, DeepEquals, expected[:])
}

func (s *ClientSuite) TestDumpBCAGameCube(c *C) {
	s.drive.update(func() {
		s.drive.info = &types.DiscInfo{Type: types.DiscTypeGC, GameName: "GM8E01", InternalName: "Metroid Prime"}
	})

	data, err := s.client.DumpBCA()
	c.Assert(err, Equals, types.ErrEmptyBCA)
	c.Assert(data, HasLen, types.BCASize)
	c.Assert(IsEmptyBCA(data), Equals, true)
}

func (s *ClientSuite) TestEject(c *C) {
	c.Assert(s.client.Eject(), IsNil)

	s.drive.update(func() { s.drive.ejectErr = errors.New("tray jammed") })
	c.Assert(s.client.Eject(), Equals, types.ErrCouldntEject)

	s.drive.update(func() { s.drive.ejectErr = types.ErrNoDisc })
	c.Assert(s.client.Eject(), Equals, types.ErrNoDisc)
}

func (s *ClientSuite) TestLifecycleCommands(c *C) {
	c.Assert(s.client.Disconnect(), IsNil)
	c.Assert(<-s.lifecycle, Equals, types.CommandDisconnect)
	c.Assert(s.client.ExitProgram(), IsNil)
	c.Assert(<-s.lifecycle, Equals, types.CommandExitProgram)
	c.Assert(s.client.Shutdown(), IsNil)
	c.Assert(<-s.lifecycle, Equals, types.CommandShutdownConsole)
}

func (s *ClientSuite) TestDumpGame(c *C) {
	data := gameData(100003)
	s.drive.update(func() { s.drive.data = data })

	buf := &bytes.Buffer{}
	n, err := s.client.DumpGame(buf)
	c.Assert(err, IsNil)
	c.Assert(n, Equals, int64(100003))
	c.Assert(bytes.Equal(buf.Bytes(), data), Equals, true)
}

func (s *ClientSuite) TestDumpGameEmpty(c *C) {
	game, err := s.client.OpenGame()
	c.Assert(err, IsNil)
	defer game.Close()

	c.Assert(game.Length(), Equals, int64(0))
	data, err := io.ReadAll(game)
	c.Assert(err, IsNil)
	c.Assert(data, HasLen, 0)
}

func (s *ClientSuite) TestDumpGameNoDisc(c *C) {
	s.drive.update(func() { s.drive.openErr = types.ErrNoDisc })
	_, err := s.client.DumpGame(io.Discard)
	c.Assert(err, Equals, types.ErrNoDisc)
}

func (s *ClientSuite) TestDumpGameInterrupted(c *C) {
	s.drive.update(func() {
		s.drive.data = gameData(100000)
		s.drive.readErr = errors.New("medium error")
		s.drive.readErrAt = 50000
	})

	n, err := s.client.DumpGame(io.Discard)
	c.Assert(err, NotNil)
	c.Assert(n < 100000, Equals, true)
}

func (s *ClientSuite) TestUnreachableServer(c *C) {
	s.listener.Close()
	_, err := s.client.DiscInfo()
	c.Assert(err, ErrorMatches, "failed to connect to .*")
}

func (s *ClientSuite) TestGameReaderEarlyEOF(c *C) {
	server, client := net.Pipe()
	go func() {
		server.Write(EncodeResponse(&GameAnswer{Length: 10}))
		server.Write([]byte("abcd"))
		server.Close()
	}()

	answer, err := DecodeResponse(client)
	c.Assert(err, IsNil)
	game := &GameReader{conn: client, reader: client, length: int64(answer.(*GameAnswer).Length)}
	defer game.Close()

	data, err := io.ReadAll(game)
	c.Assert(errors.Is(err, io.ErrUnexpectedEOF), Equals, true)
	c.Assert(string(data), Equals, "abcd")
	c.Assert(game.Received(), Equals, int64(4))
}

func (s *ClientSuite) TestDumpGameLengthOutOfRange(c *C) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	c.Assert(err, IsNil)
	defer l.Close()

	go func() {
		conn, err := l.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		io.ReadFull(conn, make([]byte, headerSize))
		conn.Write(EncodeResponse(&GameAnswer{Length: 1 << 63}))
		conn.Write([]byte("123456789"))
	}()

	n, err := NewClient("tcp", l.Addr().String()).DumpGame(io.Discard)
	c.Assert(errors.Is(err, ErrUnexpectedAnswer), Equals, true)
	c.Assert(n, Equals, int64(0))
}
