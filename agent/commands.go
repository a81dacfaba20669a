package main

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"collabtext/protocol"
)

const (
	OutputKey = "output"
	FromKey   = "from"
)

func watchCommand() *cobra.Command {
	c := &cobra.Command{
		Use:   "watch",
		Short: "Mirrors the document until interrupted",
		Args:  cobra.NoArgs,
		RunE:  watchFunc,
	}
	c.Flags().String(OutputKey, "", "File rewritten with the content on every change (stdout when empty)")
	return c
}

func watchFunc(c *cobra.Command, args []string) error {
	config, err := ParseFlags(c.Flags())
	if err != nil {
		return err
	}
	output, err := c.Flags().GetString(OutputKey)
	if err != nil {
		return err
	}

	ctx := c.Context()
	a, err := openAgent(ctx, config)
	if err != nil {
		return err
	}
	defer a.Close()

	shown := -1
	for {
		if err := a.failed(); err != nil {
			return err
		}
		if snap := a.doc.Snapshot(); snap.Version != shown {
			shown = snap.Version
			if output == "" {
				fmt.Fprintf(c.OutOrStdout(), "--- v%d\n%s\n", snap.Version, snap.Content)
			} else if err := os.WriteFile(output, []byte(snap.Content), 0644); err != nil {
				return err
			}
		}
		select {
		case <-a.events:
		case <-ctx.Done():
			return nil
		}
	}
}

func insertCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "insert <position> <text>",
		Short: "Inserts text and waits for it to be acknowledged",
		Args:  cobra.ExactArgs(2),
		RunE: func(c *cobra.Command, args []string) error {
			position, err := parsePosition(args[0])
			if err != nil {
				return err
			}
			return edit(c, protocol.NewInsert(position, args[1]))
		},
	}
}

func deleteCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <position> [text]",
		Short: "Deletes text, or one character, and waits for it to be acknowledged",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(c *cobra.Command, args []string) error {
			position, err := parsePosition(args[0])
			if err != nil {
				return err
			}
			text := ""
			if 1 < len(args) {
				text = args[1]
			}
			return edit(c, protocol.NewDelete(position, text))
		},
	}
}

func parsePosition(arg string) (int, error) {
	position, err := strconv.Atoi(arg)
	if err != nil || position < 0 {
		return 0, fmt.Errorf("position %q must be a non negative integer", arg)
	}
	return position, nil
}

// edit submits op, including whatever the outbox held, and waits until the
// store answered all of them.
func edit(c *cobra.Command, op protocol.Operation) error {
	config, err := ParseFlags(c.Flags())
	if err != nil {
		return err
	}

	ctx := c.Context()
	a, err := openAgent(ctx, config)
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.doc.SendOperation(op.Kind, op.Position, op.Content); err != nil {
		return err
	}
	if err := a.wait(ctx, a.idle); err != nil {
		return err
	}
	if rejected := a.takeRejected(); 0 < len(rejected) {
		return errors.New("rejected " + strings.Join(rejected, ", "))
	}
	fmt.Fprintf(c.OutOrStdout(), "v%d\n", a.doc.Version())
	return nil
}

func historyCommand() *cobra.Command {
	c := &cobra.Command{
		Use:   "history",
		Short: "Prints the stored operations after a version",
		Args:  cobra.NoArgs,
		RunE:  historyFunc,
	}
	c.Flags().Int(FromKey, 0, "Print operations after this version")
	return c
}

func historyFunc(c *cobra.Command, args []string) error {
	config, err := ParseFlags(c.Flags())
	if err != nil {
		return err
	}
	from, err := c.Flags().GetInt(FromKey)
	if err != nil {
		return err
	}

	ctx := c.Context()
	a, err := openAgent(ctx, config)
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.doc.GetHistory(from); err != nil {
		return err
	}
	var ops []protocol.Operation
	err = a.wait(ctx, func() (bool, error) {
		select {
		case ops = <-a.history:
			return true, nil
		default:
			return false, a.failed()
		}
	})
	if err != nil {
		return err
	}
	for _, op := range ops {
		fmt.Fprintf(c.OutOrStdout(), "v%d %s\n", op.Version, op)
	}
	return nil
}
