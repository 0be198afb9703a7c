package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"text/tabwriter"

	cli "github.com/urfave/cli/v2"

	"github.com/spin-stack/hvagent/pkg/api"
)

var cpusFlag = &cli.StringFlag{
	Name:     "cpus",
	Usage:    "cpu list to hand to the guest, e.g. 2-3",
	Required: true,
}

var createCommand = &cli.Command{
	Name:  "create",
	Usage: "create a VM",
	Flags: []cli.Flag{
		cpusFlag,
		&cli.Uint64Flag{Name: "kind", Usage: "VM type of a structured create"},
		&cli.StringFlag{Name: "firmware", Usage: "firmware image file"},
		&cli.StringFlag{Name: "kernel", Usage: "kernel image file"},
		&cli.StringFlag{Name: "ramdisk", Usage: "ramdisk image file"},
		&cli.StringFlag{Name: "raw-config", Usage: "opaque hypervisor configuration file; selects a raw create"},
		&cli.Int64Flag{Name: "id", Usage: "VM id to ask for in a raw create", Value: -1},
		&cli.StringFlag{Name: "disk-image", Usage: "disk image path to record for the VM"},
	},
	Action: func(c *cli.Context) error {
		req := &api.CreateRequest{
			CPUs:          c.String("cpus"),
			Kind:          c.Uint64("kind"),
			DiskImagePath: c.String("disk-image"),
		}
		var err error
		if req.Firmware, err = readImage(c.String("firmware")); err != nil {
			return err
		}
		if req.Kernel, err = readImage(c.String("kernel")); err != nil {
			return err
		}
		if req.Ramdisk, err = readImage(c.String("ramdisk")); err != nil {
			return err
		}
		if path := c.String("raw-config"); path != "" {
			cfg, err := readImage(path)
			if err != nil {
				return err
			}
			req.Raw = &api.RawConfig{Config: cfg}
			if id := c.Int64("id"); id >= 0 {
				hint := uint64(id)
				req.Raw.IDHint = &hint
			}
		}

		return withClient(c, func(ctx context.Context, client *api.Client) error {
			vm, err := client.Create(ctx, req)
			if err != nil {
				return err
			}
			fmt.Fprintf(c.App.Writer, "%d\n", vm.ID)
			return nil
		})
	},
}

var bootCommand = &cli.Command{
	Name:      "boot",
	Usage:     "start a created VM",
	ArgsUsage: "ID",
	Action: vmAction(func(ctx context.Context, client *api.Client, id uint64) error {
		return client.Boot(ctx, id)
	}),
}

var shutdownCommand = &cli.Command{
	Name:      "shutdown",
	Usage:     "stop a VM",
	ArgsUsage: "ID",
	Action: vmAction(func(ctx context.Context, client *api.Client, id uint64) error {
		return client.Shutdown(ctx, id)
	}),
}

var diskImageCommand = &cli.Command{
	Name:      "disk-image",
	Usage:     "print the disk image path recorded for a VM",
	ArgsUsage: "ID",
	Action: func(c *cli.Context) error {
		return vmAction(func(ctx context.Context, client *api.Client, id uint64) error {
			path, err := client.DiskImagePath(ctx, id)
			if err != nil {
				return err
			}
			fmt.Fprintln(c.App.Writer, path)
			return nil
		})(c)
	},
}

var launchProcessCommand = &cli.Command{
	Name:  "launch-process",
	Usage: "hand CPUs to the hypervisor",
	Flags: []cli.Flag{cpusFlag},
	Action: func(c *cli.Context) error {
		return withClient(c, func(ctx context.Context, client *api.Client) error {
			return client.LaunchProcess(ctx, c.String("cpus"))
		})
	},
}

var launchTaskCommand = &cli.Command{
	Name:      "launch-task",
	Usage:     "hand CPUs and a set of images to the hypervisor",
	ArgsUsage: "IMAGE...",
	Flags: []cli.Flag{
		cpusFlag,
		&cli.Uint64Flag{Name: "type", Usage: "task type"},
	},
	Action: func(c *cli.Context) error {
		req := &api.LaunchTaskRequest{
			CPUs: c.String("cpus"),
			Type: c.Uint64("type"),
		}
		for _, path := range c.Args().Slice() {
			img, err := readImage(path)
			if err != nil {
				return err
			}
			req.Images = append(req.Images, img)
		}
		return withClient(c, func(ctx context.Context, client *api.Client) error {
			return client.LaunchTask(ctx, req)
		})
	},
}

var listCommand = &cli.Command{
	Name:    "list",
	Aliases: []string{"ls"},
	Usage:   "list VMs and the host CPU split",
	Action: func(c *cli.Context) error {
		return withClient(c, func(ctx context.Context, client *api.Client) error {
			resp, err := client.List(ctx)
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(c.App.Writer, 1, 8, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tMODE\tCPUS\tDISK IMAGE\tCREATED")
			for _, vm := range resp.VMs {
				fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\n", vm.ID, vm.Mode, vm.CPUs, vm.DiskImagePath, vm.CreatedAt)
			}
			if err := w.Flush(); err != nil {
				return err
			}
			fmt.Fprintf(c.App.Writer, "\nassignable: %s\nwithdrawn:  %s\n", resp.Assignable, resp.Withdrawn)
			return nil
		})
	},
}

func vmAction(fn func(context.Context, *api.Client, uint64) error) cli.ActionFunc {
	return func(c *cli.Context) error {
		if c.NArg() != 1 {
			return fmt.Errorf("expected exactly one VM id")
		}
		id, err := strconv.ParseUint(c.Args().First(), 10, 64)
		if err != nil {
			return fmt.Errorf("vm id %q: %w", c.Args().First(), err)
		}
		return withClient(c, func(ctx context.Context, client *api.Client) error {
			return fn(ctx, client, id)
		})
	}
}

func readImage(path string) (api.Image, error) {
	if path == "" {
		return api.Image{}, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return api.Image{}, err
	}
	return api.Image{Data: data}, nil
}
