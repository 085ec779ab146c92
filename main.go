package main

import (
	"os"

	"github.com/sirupsen/logrus"
	"github.com/urfave/cli"

	"github.com/netdump/netdump/app/cmd"
	"github.com/netdump/netdump/pkg/meta"
	"github.com/netdump/netdump/pkg/types"
	"github.com/netdump/netdump/pkg/util"
)

func main() {
	a := cli.NewApp()
	a.Name = "netdump"
	a.Usage = "dump GameCube and Wii discs over the network"
	a.Version = meta.Version
	a.Before = func(c *cli.Context) error {
		if c.GlobalBool("debug") {
			logrus.SetLevel(logrus.DebugLevel)
		}
		return util.SetUpLogger(util.LogFileOptions{Path: c.GlobalString("log-file")})
	}
	a.Flags = []cli.Flag{
		cli.BoolFlag{
			Name: "debug",
		},
		cli.StringFlag{
			Name:  "log-file",
			Usage: "Also write logs to this file, rotated",
		},
		cli.StringFlag{
			Name:  "address, a",
			Usage: "Address of the server, host, host:port, tcp://host:port or unix:///path",
		},
		cli.IntFlag{
			Name:  "port, p",
			Value: types.DefaultPort,
			Usage: "Port of the server when the address carries none",
		},
	}
	a.Commands = []cli.Command{
		cmd.ServerCmd(),
		cmd.InfoCmd(),
		cmd.BCACmd(),
		cmd.GameCmd(),
		cmd.FullCmd(),
		cmd.EjectCmd(),
		cmd.ExitCmd(),
		cmd.ShutdownCmd(),
		VersionCmd(),
	}
	if err := a.Run(os.Args); err != nil {
		logrus.Fatal("Error when executing command: ", err)
	}
}
