package dataconn

import (
	"bufio"
	"bytes"
	"io"
	"math"
	"net"
	"time"

	"github.com/mxk/go-flowrate/flowrate"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/netdump/netdump/pkg/types"
)

var (
	ErrProtocol         = errors.New("server reported a protocol error")
	ErrUnexpectedAnswer = errors.New("unexpected answer from server")

	opDialTimeout = 10 * time.Second
)

// Client talks to a NETDUMP server. Every call uses its own connection since the
// server answers a single command per connection.
type Client struct {
	network        string
	address        string
	dialTimeout    time.Duration
	bandwidthLimit int64
}

func NewClient(network, address string) *Client {
	return &Client{
		network:     network,
		address:     address,
		dialTimeout: opDialTimeout,
	}
}

// SetBandwidthLimit limits reads from the server, in bytes per second.
func (c *Client) SetBandwidthLimit(limit int64) {
	c.bandwidthLimit = limit
}

func (c *Client) Address() string {
	return c.address
}

func (c *Client) Eject() error {
	return c.simple(types.CommandEjectDisc)
}

func (c *Client) ExitProgram() error {
	return c.simple(types.CommandExitProgram)
}

func (c *Client) Shutdown() error {
	return c.simple(types.CommandShutdownConsole)
}

func (c *Client) Disconnect() error {
	return c.simple(types.CommandDisconnect)
}

func (c *Client) DiscInfo() (*types.DiscInfo, error) {
	conn, answer, err := c.request(types.CommandGetDiscInfo)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	info, ok := answer.(*DiscInfoAnswer)
	if !ok {
		return nil, answerError(answer, types.AnswerDiscInfo)
	}
	if !info.Info.Type.Valid() {
		return nil, errors.Wrapf(types.ErrUnknownDiscType, "server sent disc type %d", uint8(info.Info.Type))
	}
	return &info.Info, nil
}

// DumpBCA returns the BCA as sent. A GameCube disc has no BCA and is sent as all
// zeroes, in which case the data is returned together with types.ErrEmptyBCA.
func (c *Client) DumpBCA() ([]byte, error) {
	conn, answer, err := c.request(types.CommandDumpBCA)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	bca, ok := answer.(*BCAAnswer)
	if !ok {
		return nil, answerError(answer, types.AnswerBCA)
	}
	data := bca.Data[:]
	if IsEmptyBCA(data) {
		return data, types.ErrEmptyBCA
	}
	return data, nil
}

func IsEmptyBCA(data []byte) bool {
	return len(data) == 0 || bytes.Count(data, []byte{0}) == len(data)
}

// OpenGame starts a game dump. The caller must read the returned GameReader to the
// end and close it.
func (c *Client) OpenGame() (*GameReader, error) {
	conn, answer, reader, err := c.requestWithReader(types.CommandDumpGame)
	if err != nil {
		return nil, err
	}

	game, ok := answer.(*GameAnswer)
	if !ok {
		conn.Close()
		return nil, answerError(answer, types.AnswerGame)
	}
	if game.Length > math.MaxInt64 {
		conn.Close()
		return nil, errors.Wrapf(ErrUnexpectedAnswer, "game length %d is out of range", game.Length)
	}
	return &GameReader{
		conn:   conn,
		reader: reader,
		length: int64(game.Length),
	}, nil
}

// DumpGame copies the whole game image into w and returns the number of bytes copied.
func (c *Client) DumpGame(w io.Writer) (int64, error) {
	game, err := c.OpenGame()
	if err != nil {
		return 0, err
	}
	defer game.Close()

	return io.Copy(w, game)
}

func (c *Client) simple(cmd types.Command) error {
	conn, answer, err := c.request(cmd)
	if err != nil {
		return err
	}
	defer conn.Close()

	if answer.Kind() != types.AnswerOk {
		return answerError(answer, types.AnswerOk)
	}
	return nil
}

func (c *Client) request(cmd types.Command) (net.Conn, Answer, error) {
	conn, answer, _, err := c.requestWithReader(cmd)
	return conn, answer, err
}

func (c *Client) requestWithReader(cmd types.Command) (net.Conn, Answer, io.Reader, error) {
	conn, err := net.DialTimeout(c.network, c.address, c.dialTimeout)
	if err != nil {
		return nil, nil, nil, errors.Wrapf(err, "failed to connect to %v", c.address)
	}

	if _, err := conn.Write(EncodeCommand(cmd)); err != nil {
		conn.Close()
		return nil, nil, nil, errors.Wrapf(err, "failed to send %v", cmd)
	}

	reader := bufio.NewReaderSize(flowrate.NewReader(conn, c.bandwidthLimit), DefaultChunkSize)
	answer, err := DecodeResponse(reader)
	if err != nil {
		conn.Close()
		return nil, nil, nil, errors.Wrapf(err, "failed to read answer to %v", cmd)
	}
	logrus.Debugf("Server answered %v to %v", answer.Kind(), cmd)
	return conn, answer, reader, nil
}

func answerError(answer Answer, expected types.CommandAnswer) error {
	switch answer.Kind() {
	case types.AnswerNoDiscError:
		return types.ErrNoDisc
	case types.AnswerCouldntEjectError:
		return types.ErrCouldntEject
	case types.AnswerUnknownDiscTypeError:
		return types.ErrUnknownDiscType
	case types.AnswerProtocolError:
		return ErrProtocol
	}
	return errors.Wrapf(ErrUnexpectedAnswer, "got %v, expected %v", answer.Kind(), expected)
}

// GameReader yields exactly the declared number of bytes. If the server drops the
// connection early, Read fails with io.ErrUnexpectedEOF.
type GameReader struct {
	conn   net.Conn
	reader io.Reader
	length int64
	read   int64
}

func (g *GameReader) Length() int64 {
	return g.length
}

func (g *GameReader) Received() int64 {
	return g.read
}

func (g *GameReader) Read(p []byte) (int, error) {
	remaining := g.length - g.read
	if remaining <= 0 {
		return 0, io.EOF
	}
	if int64(len(p)) > remaining {
		p = p[:remaining]
	}
	n, err := g.reader.Read(p)
	g.read += int64(n)
	switch {
	case err == io.EOF && g.read < g.length:
		return n, errors.Wrapf(io.ErrUnexpectedEOF, "server closed the connection after %d of %d bytes", g.read, g.length)
	case err == io.EOF:
		return n, nil
	case err != nil:
		return n, errors.Wrapf(err, "transfer interrupted after %d of %d bytes", g.read, g.length)
	}
	return n, nil
}

func (g *GameReader) Close() error {
	return g.conn.Close()
}
