// hvagentctl submits provisioning requests to hvagentd.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	cli "github.com/urfave/cli/v2"

	"github.com/spin-stack/hvagent/internal/paths"
	"github.com/spin-stack/hvagent/internal/version"
	"github.com/spin-stack/hvagent/pkg/api"
)

const (
	socketFlag  = "socket"
	timeoutFlag = "timeout"
)

var appCommands = []*cli.Command{
	createCommand,
	bootCommand,
	shutdownCommand,
	diskImageCommand,
	launchProcessCommand,
	launchTaskCommand,
	listCommand,
}

func app() *cli.App {
	return &cli.App{
		Name:     "hvagentctl",
		Usage:    "manage guests of a partitioning hypervisor through hvagentd",
		Version:  version.Info(),
		Commands: appCommands,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    socketFlag,
				Usage:   "agent socket",
				EnvVars: []string{paths.SocketEnvVar},
			},
			&cli.DurationFlag{
				Name:  timeoutFlag,
				Usage: "request timeout",
				Value: 2 * time.Minute,
			},
		},
		ExitErrHandler: errHandler,
	}
}

func errHandler(c *cli.Context, err error) {
	if err == nil {
		return
	}
	n := c.App.Name
	if c.Command != nil {
		if nn := c.Command.FullName(); nn != "" {
			n += " " + nn
		}
	}
	cli.HandleExitCoder(cli.Exit(fmt.Errorf("%s: %w", n, err), 1))
}

// withClient dials the agent and runs fn under the request timeout.
func withClient(c *cli.Context, fn func(context.Context, *api.Client) error) error {
	ctx, cancel := context.WithTimeout(c.Context, c.Duration(timeoutFlag))
	defer cancel()

	client, err := api.Dial(ctx, paths.ClientSocketPath(c.String(socketFlag)))
	if err != nil {
		return err
	}
	defer client.Close()
	return fn(ctx, client)
}

func main() {
	if err := app().Run(os.Args); err != nil {
		os.Exit(1)
	}
}
