package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/docker/go-units"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli"
	"gopkg.in/cheggaaa/pb.v2"

	"github.com/netdump/netdump/pkg/dataconn"
	"github.com/netdump/netdump/pkg/types"
	"github.com/netdump/netdump/pkg/util"
)

const (
	DefaultGameFile = "game.iso"
	DefaultBCAFile  = "game.bca"
	DefaultInfoFile = "info.json"
)

func getClient(c *cli.Context) (*dataconn.Client, error) {
	address := c.GlobalString("address")
	if address == "" {
		return nil, errors.New("address of the server is required")
	}
	protocol, dialAddress, err := util.ParseDataAddress(address, c.GlobalInt("port"))
	if err != nil {
		return nil, err
	}
	client := dataconn.NewClient(string(protocol), dialAddress)

	if limit := c.String("bandwidth-limit"); limit != "" {
		bytes, err := units.FromHumanSize(limit)
		if err != nil {
			return nil, errors.Wrapf(err, "invalid bandwidth limit %q", limit)
		}
		client.SetBandwidthLimit(bytes)
	}
	return client, nil
}

var bandwidthLimitFlag = cli.StringFlag{
	Name:  "bandwidth-limit",
	Usage: "Limit the transfer rate per second in human readable form, 10MB",
}

func InfoCmd() cli.Command {
	return cli.Command{
		Name:  "info",
		Usage: "show the disc type (GC, Wii Single-sided or Wii Double-sided), game ID and game name",
		Flags: []cli.Flag{
			cli.StringFlag{
				Name:  "output, o",
				Usage: "Write info dump as JSON to a file",
			},
		},
		Action: func(c *cli.Context) {
			if err := info(c); err != nil {
				logrus.WithError(err).Fatalf("Error running info command")
			}
		},
	}
}

func info(c *cli.Context) error {
	client, err := getClient(c)
	if err != nil {
		return err
	}
	disc, err := client.DiscInfo()
	if err != nil {
		return err
	}

	if output := c.String("output"); output != "" {
		return writeInfo(output, disc)
	}
	fmt.Fprintf(c.App.Writer, "Disc Type: %v\nGame Name: %v\nInternal Name: %v\n",
		disc.Type, disc.GameName, disc.InternalName)
	return nil
}

func writeInfo(path string, disc *types.DiscInfo) error {
	output, err := json.MarshalIndent(disc, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, append(output, '\n'), 0644)
}

func BCACmd() cli.Command {
	return cli.Command{
		Name:  "bca",
		Usage: "dump the disc BCA only",
		Flags: []cli.Flag{
			cli.StringFlag{
				Name:  "output, o",
				Value: "./" + DefaultBCAFile,
				Usage: "Where to write the BCA dump",
			},
			cli.BoolFlag{
				Name:  "stdout, s",
				Usage: "Output to stdout rather than to a file, 'output' is ignored",
			},
		},
		Action: func(c *cli.Context) {
			if err := dumpBCA(c); err != nil {
				logrus.WithError(err).Fatalf("Error running bca command")
			}
		},
	}
}

func dumpBCA(c *cli.Context) error {
	client, err := getClient(c)
	if err != nil {
		return err
	}
	data, err := client.DumpBCA()
	if err != nil && err != types.ErrEmptyBCA {
		return err
	}

	if c.Bool("stdout") {
		_, err := c.App.Writer.Write(data)
		return err
	}
	if err == types.ErrEmptyBCA {
		logrus.Warnf("The disc has no BCA, skipping %v", c.String("output"))
		return nil
	}
	return os.WriteFile(c.String("output"), data, 0644)
}

func GameCmd() cli.Command {
	return cli.Command{
		Name:  "game",
		Usage: "dump the game image only",
		Flags: []cli.Flag{
			cli.StringFlag{
				Name:  "output, o",
				Value: "./" + DefaultGameFile,
				Usage: "Where to write the game dump",
			},
			cli.BoolFlag{
				Name:  "stdout, s",
				Usage: "Output to stdout rather than to a file, 'output' is ignored",
			},
			bandwidthLimitFlag,
		},
		Action: func(c *cli.Context) {
			if err := dumpGameCmd(c); err != nil {
				logrus.WithError(err).Fatalf("Error running game command")
			}
		},
	}
}

func dumpGameCmd(c *cli.Context) error {
	client, err := getClient(c)
	if err != nil {
		return err
	}
	if c.Bool("stdout") {
		_, err := dumpGame(client, c.App.Writer, false)
		return err
	}
	return dumpGameToFile(client, c.String("output"))
}

func dumpGameToFile(client *dataconn.Client, path string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	n, err := dumpGame(client, f, true)
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return errors.Wrapf(err, "game dump to %v is incomplete", path)
	}
	logrus.Infof("Dumped %v of game data to %v", units.BytesSize(float64(n)), path)
	return nil
}

// dumpGame copies the game into w and fails unless every declared byte arrived.
func dumpGame(client *dataconn.Client, w io.Writer, progress bool) (int64, error) {
	game, err := client.OpenGame()
	if err != nil {
		return 0, err
	}
	defer game.Close()

	var src io.Reader = game
	if progress {
		bar := pb.New64(game.Length()).Set(pb.Bytes, true)
		bar.Start()
		defer bar.Finish()
		src = bar.NewProxyReader(game)
	}

	n, err := io.Copy(w, src)
	if err != nil {
		return n, err
	}
	if n != game.Length() {
		return n, errors.Errorf("received %d of %d bytes", n, game.Length())
	}
	return n, nil
}

func FullCmd() cli.Command {
	return cli.Command{
		Name:  "full",
		Usage: "dump the game, BCA and info to three separate files",
		Flags: []cli.Flag{
			cli.StringFlag{
				Name:  "output, o",
				Value: ".",
				Usage: "Where the files will be written to",
			},
			bandwidthLimitFlag,
		},
		Action: func(c *cli.Context) {
			if err := fullDump(c); err != nil {
				logrus.WithError(err).Fatalf("Error running full command")
			}
		},
	}
}

func fullDump(c *cli.Context) error {
	client, err := getClient(c)
	if err != nil {
		return err
	}
	dir := c.String("output")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	disc, err := client.DiscInfo()
	if err != nil {
		return err
	}
	if err := writeInfo(filepath.Join(dir, DefaultInfoFile), disc); err != nil {
		return err
	}
	logrus.Infof("Dumping %v (%v, %v)", disc.InternalName, disc.GameName, disc.Type)

	bca, err := client.DumpBCA()
	switch err {
	case nil:
		if err := os.WriteFile(filepath.Join(dir, DefaultBCAFile), bca, 0644); err != nil {
			return err
		}
	case types.ErrEmptyBCA:
		logrus.Warnf("%v has no BCA, skipping %v", disc.Type, DefaultBCAFile)
	default:
		return err
	}

	return dumpGameToFile(client, filepath.Join(dir, DefaultGameFile))
}

func simpleCmd(name, usage string, call func(*dataconn.Client) error) cli.Command {
	return cli.Command{
		Name:  name,
		Usage: usage,
		Action: func(c *cli.Context) {
			if err := runSimple(c, call); err != nil {
				logrus.WithError(err).Fatalf("Error running %v command", name)
			}
		},
	}
}

func runSimple(c *cli.Context, call func(*dataconn.Client) error) error {
	client, err := getClient(c)
	if err != nil {
		return err
	}
	err = call(client)
	switch err {
	case types.ErrNoDisc:
		fmt.Fprintln(c.App.Writer, "No disc in drive")
		return nil
	case types.ErrCouldntEject:
		fmt.Fprintln(c.App.Writer, "Couldn't eject disc")
		return nil
	}
	return err
}

func EjectCmd() cli.Command {
	return simpleCmd("eject", "eject the disc from the drive", (*dataconn.Client).Eject)
}

func ExitCmd() cli.Command {
	return simpleCmd("exit", "exit the program on the server", (*dataconn.Client).ExitProgram)
}

func ShutdownCmd() cli.Command {
	return simpleCmd("shutdown", "shut down the server machine", (*dataconn.Client).Shutdown)
}
