package main

import (
	"fmt"
	"io"
	"log"
	"os"

	"github.com/urfave/cli/v2"

	blockfs "github.com/sixv/blockfs"
	"github.com/sixv/blockfs/internal/diag"
)

func main() {
	app := cli.App{
		Usage: "Manage blockfs container images",
		Commands: []*cli.Command{
			{
				Name:      "mkfs",
				Usage:     "Create a new container",
				Action:    mkfs,
				ArgsUsage: "IMAGE",
				Flags: []cli.Flag{
					&cli.Uint64Flag{Name: "inodes", Value: blockfs.DefaultOptions().InodeCount},
					&cli.Uint64Flag{Name: "blocks", Value: blockfs.DefaultOptions().MaxDataBlocks},
				},
			},
			{
				Name:      "mkdir",
				Usage:     "Create a directory inside a container",
				Action:    withOpenImage(mkdir),
				ArgsUsage: "IMAGE PATH",
			},
			{
				Name:      "ls",
				Usage:     "List a directory's contents",
				Action:    withOpenImage(ls),
				ArgsUsage: "IMAGE PATH",
			},
			{
				Name:      "cat",
				Usage:     "Print a file's contents to stdout",
				Action:    withOpenImage(cat),
				ArgsUsage: "IMAGE PATH",
			},
			{
				Name:      "cp",
				Usage:     "Copy a file or directory tree within a container",
				Action:    withOpenImage(cp),
				ArgsUsage: "IMAGE SRC DEST",
			},
			{
				Name:      "mv",
				Usage:     "Move or rename an entry within a container",
				Action:    withOpenImage(mv),
				ArgsUsage: "IMAGE SRC DEST",
			},
			{
				Name:      "rm",
				Usage:     "Remove a directory entry",
				Action:    withOpenImage(rm),
				ArgsUsage: "IMAGE PATH",
			},
			{
				Name:      "fsck",
				Usage:     "Audit a container's inode table",
				Action:    withOpenImage(fsck),
				ArgsUsage: "IMAGE",
				Flags: []cli.Flag{
					&cli.BoolFlag{Name: "csv", Usage: "print one CSV row per inode instead of a summary"},
				},
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatalf("blockfsctl: %s", err)
	}
}

func mkfs(ctx *cli.Context) error {
	if ctx.Args().Len() != 1 {
		return cli.Exit("usage: blockfsctl mkfs IMAGE", 1)
	}
	opts := blockfs.Options{
		InodeCount:    ctx.Uint64("inodes"),
		MaxDataBlocks: ctx.Uint64("blocks"),
		CacheSlots:    blockfs.DefaultOptions().CacheSlots,
	}
	fs, err := blockfs.Create(ctx.Args().Get(0), opts)
	if err != nil {
		return err
	}
	return fs.Close()
}

// withOpenImage wraps action so every other subcommand opens ctx.Args().Get(0)
// as a container, passes the rest of the arguments through, and always
// closes it afterward.
func withOpenImage(action func(ctx *cli.Context, fs *blockfs.Filesystem) error) cli.ActionFunc {
	return func(ctx *cli.Context) error {
		if ctx.Args().Len() < 1 {
			return cli.Exit("missing IMAGE argument", 1)
		}
		fs, err := blockfs.Open(ctx.Args().Get(0))
		if err != nil {
			return err
		}
		defer fs.Close()
		return action(ctx, fs)
	}
}

func mkdir(ctx *cli.Context, fs *blockfs.Filesystem) error {
	if ctx.Args().Len() != 2 {
		return cli.Exit("usage: blockfsctl mkdir IMAGE PATH", 1)
	}
	return fs.MakeDir(ctx.Args().Get(1))
}

func ls(ctx *cli.Context, fs *blockfs.Filesystem) error {
	if ctx.Args().Len() != 2 {
		return cli.Exit("usage: blockfsctl ls IMAGE PATH", 1)
	}
	entries, err := fs.Walk(ctx.Args().Get(1), nil)
	if err != nil {
		return err
	}
	for _, e := range entries {
		fmt.Println(e)
	}
	return nil
}

func cat(ctx *cli.Context, fs *blockfs.Filesystem) error {
	if ctx.Args().Len() != 2 {
		return cli.Exit("usage: blockfsctl cat IMAGE PATH", 1)
	}
	h, err := fs.Open(ctx.Args().Get(1), blockfs.ReadOnly, false)
	if err != nil {
		return err
	}
	defer h.Close()

	_, err = io.Copy(os.Stdout, h)
	return err
}

func cp(ctx *cli.Context, fs *blockfs.Filesystem) error {
	if ctx.Args().Len() != 3 {
		return cli.Exit("usage: blockfsctl cp IMAGE SRC DEST", 1)
	}
	return fs.Copy(ctx.Args().Get(1), ctx.Args().Get(2))
}

func mv(ctx *cli.Context, fs *blockfs.Filesystem) error {
	if ctx.Args().Len() != 3 {
		return cli.Exit("usage: blockfsctl mv IMAGE SRC DEST", 1)
	}
	return fs.Move(ctx.Args().Get(1), ctx.Args().Get(2))
}

func rm(ctx *cli.Context, fs *blockfs.Filesystem) error {
	if ctx.Args().Len() != 2 {
		return cli.Exit("usage: blockfsctl rm IMAGE PATH", 1)
	}
	return fs.Remove(ctx.Args().Get(1))
}

func fsck(ctx *cli.Context, fs *blockfs.Filesystem) error {
	if ctx.Bool("csv") {
		rows, err := fs.AuditRows()
		if err != nil {
			return err
		}
		return diag.WriteInodeAudit(os.Stdout, rows)
	}

	report, err := fs.Fsck()
	if err != nil {
		return err
	}
	fmt.Printf("checked %d inodes\n", report.InodesChecked)
	fmt.Printf("orphaned inodes: %v\n", report.OrphansFound)
	fmt.Printf("bitmap mismatches: %v\n", report.BitmapMismatches)
	return nil
}
