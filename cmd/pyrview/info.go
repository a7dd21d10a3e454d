package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/google/subcommands"
)

type infoCmd struct {
	source sourceFlags
}

func (c *infoCmd) Name() string     { return "info" }
func (c *infoCmd) Synopsis() string { return "print the pyramid descriptor of a dataset" }
func (c *infoCmd) Usage() string {
	return "pyrview info [-config <path>] [-i <source>] [-dataset <name>]\n"
}
func (c *infoCmd) SetFlags(f *flag.FlagSet) {
	c.source.register(f)
}

func (c *infoCmd) Execute(ctx context.Context, _ *flag.FlagSet, _ ...any) subcommands.ExitStatus {
	cfg, err := c.source.load()
	if err != nil {
		log.Println(err)
		return subcommands.ExitUsageError
	}
	logger, logCloser, err := cfg.Logging.NewLogger(os.Stderr)
	if err != nil {
		log.Println(err)
		return subcommands.ExitFailure
	}
	defer logCloser.Close()

	src, closer, err := openSource(cfg, logger)
	if err != nil {
		log.Println(err)
		return subcommands.ExitFailure
	}
	defer closer.Close()

	desc, err := src.FetchInfo(ctx, cfg.Source.Dataset)
	if err != nil {
		log.Println(err)
		return subcommands.ExitFailure
	}
	desc.Normalize()

	fmt.Printf("name: %s\ndims: %dD\ntype: %v\n", desc.Name, desc.Dims, desc.DataType)
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', tabwriter.AlignRight)
	fmt.Fprintln(w, "level\tsize\ttile\ttiles\tbytes\t")
	for i, l := range desc.Levels {
		count := l.TileCount()
		size := uint64(l.Width) * uint64(l.Height) * uint64(l.Depth) * uint64(desc.DataType.Size())
		fmt.Fprintf(w, "%d\t%dx%dx%d\t%dx%dx%d\t%s\t%s\t\n", i,
			l.Width, l.Height, l.Depth,
			l.TileWidth, l.TileHeight, l.TileDepth,
			humanize.Comma(int64(count[0]*count[1]*count[2])),
			humanize.IBytes(size))
	}
	if err := w.Flush(); err != nil {
		log.Println(err)
		return subcommands.ExitFailure
	}
	return subcommands.ExitSuccess
}
