package main

import (
	"context"
	"flag"
	"log"
	"os"

	"github.com/google/subcommands"
)

type configCmd struct {
	source sourceFlags
}

func (c *configCmd) Name() string     { return "config" }
func (c *configCmd) Synopsis() string { return "print the effective configuration" }
func (c *configCmd) Usage() string {
	return "pyrview config [-config <path>] [-i <source>]\n"
}
func (c *configCmd) SetFlags(f *flag.FlagSet) {
	c.source.register(f)
}

func (c *configCmd) Execute(_ context.Context, _ *flag.FlagSet, _ ...any) subcommands.ExitStatus {
	cfg, err := c.source.load()
	if err != nil {
		log.Println(err)
		return subcommands.ExitUsageError
	}
	if err := cfg.Dump(os.Stdout); err != nil {
		log.Println(err)
		return subcommands.ExitFailure
	}
	return subcommands.ExitSuccess
}
