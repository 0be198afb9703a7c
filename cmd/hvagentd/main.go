//go:build linux

// hvagentd is the privileged provisioning agent. It owns host CPU
// hotplug, physical memory staging and the hypercall device, and serves
// provisioning requests on a unix socket.
package main

import (
	"fmt"
	"os"

	"github.com/containerd/log"
	cli "github.com/urfave/cli/v2"

	"github.com/spin-stack/hvagent/internal/version"
)

const (
	configFlag    = "config"
	logLevelFlag  = "log-level"
	logFormatFlag = "log-format"
)

func app() *cli.App {
	return &cli.App{
		Name:    "hvagentd",
		Usage:   "partitioning hypervisor provisioning agent",
		Version: version.Info(),
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    configFlag,
				Usage:   "path to the configuration file",
				EnvVars: []string{"HVAGENT_CONFIG"},
			},
			&cli.StringFlag{
				Name:  logLevelFlag,
				Usage: "log level (trace, debug, info, warn, error)",
				Value: "info",
			},
			&cli.StringFlag{
				Name:  logFormatFlag,
				Usage: "log format (text, json)",
				Value: string(log.TextFormat),
			},
		},
		Before:         setupLogging,
		Action:         serve,
		ExitErrHandler: errHandler,
	}
}

func setupLogging(c *cli.Context) error {
	if err := log.SetLevel(c.String(logLevelFlag)); err != nil {
		return fmt.Errorf("log level: %w", err)
	}
	if err := log.SetFormat(log.OutputFormat(c.String(logFormatFlag))); err != nil {
		return fmt.Errorf("log format: %w", err)
	}
	return nil
}

func errHandler(c *cli.Context, err error) {
	if err == nil {
		return
	}
	log.G(c.Context).WithError(err).Error("exiting with error")
	cli.HandleExitCoder(cli.Exit("", 1))
}

func main() {
	if err := app().Run(os.Args); err != nil {
		os.Exit(1)
	}
}
