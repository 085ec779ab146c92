package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli"

	"github.com/netdump/netdump/pkg/meta"
)

const versionTimeout = 10 * time.Second

func VersionCmd() cli.Command {
	return cli.Command{
		Name: "version",
		Flags: []cli.Flag{
			cli.StringFlag{
				Name:  "status-url",
				Usage: "Status endpoint of a server, http://host:port, to also report its version",
			},
		},
		Action: func(c *cli.Context) {
			if err := version(c); err != nil {
				logrus.Fatalln("Error running version command:", err)
			}
		},
	}
}

type VersionOutput struct {
	ClientVersion *meta.VersionOutput `json:"clientVersion"`
	ServerVersion *meta.VersionOutput `json:"serverVersion"`
}

func version(c *cli.Context) error {
	clientVersion := meta.GetVersion()
	v := VersionOutput{ClientVersion: &clientVersion}

	if url := c.String("status-url"); url != "" {
		serverVersion, err := getServerVersion(url)
		if err != nil {
			return err
		}
		v.ServerVersion = serverVersion
	}
	output, err := json.MarshalIndent(v, "", "\t")
	if err != nil {
		return err
	}

	fmt.Fprintln(c.App.Writer, string(output))
	return nil
}

func getServerVersion(url string) (*meta.VersionOutput, error) {
	client := &http.Client{Timeout: versionTimeout}
	resp, err := client.Get(strings.TrimSuffix(url, "/") + "/v1/version")
	if err != nil {
		return nil, errors.Wrapf(err, "failed to get server version from %v", url)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, errors.Errorf("failed to get server version from %v: %v", url, resp.Status)
	}

	version := &meta.VersionOutput{}
	if err := json.NewDecoder(resp.Body).Decode(version); err != nil {
		return nil, errors.Wrapf(err, "invalid version response from %v", url)
	}
	return version, nil
}
