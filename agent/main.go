package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/golang/glog"
	"github.com/spf13/cobra"
)

func Command() *cobra.Command {
	c := &cobra.Command{
		Use:          "agent",
		Short:        "Joins a collabtext session and mirrors or edits one document",
		SilenceUsage: true,
	}
	flags := c.PersistentFlags()
	AddFlags(flags)
	// glog flags, e.g. --v=1 --logtostderr
	flags.AddGoFlagSet(flag.CommandLine)

	c.AddCommand(
		watchCommand(),
		insertCommand(),
		deleteCommand(),
		historyCommand(),
	)
	return c
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := Command().ExecuteContext(ctx)
	stop()
	glog.Flush()
	if err != nil {
		os.Exit(1)
	}
}
