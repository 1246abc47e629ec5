package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/fatih/color"

	"github.com/agentworkforce/slotsync/internal/journal"
	"github.com/agentworkforce/slotsync/internal/render"
	"github.com/agentworkforce/slotsync/internal/slotstate"
	"github.com/agentworkforce/slotsync/internal/syncendpoint"
)

var errQuit = errors.New("quit")

var errorColor = color.New(color.FgRed, color.Bold)

const consoleHelp = `commands:
  connect [address]     open the channel (default address from flags)
  disconnect            close the channel
  set <slot> <status>   set a slot locally and push it (status: empty|occupied|reserved|0|1|2)
  sync [slot...]        request full_sync, or part_sync for the listed slots
  show                  draw the slot grid
  state                 print the channel state
  journal [n]           print the last n journal entries
  quit                  exit
`

type console struct {
	endpoint       *syncendpoint.Endpoint
	journal        journal.Journal
	out            io.Writer
	defaultAddress string
}

func (c *console) run(ctx context.Context, in io.Reader) {
	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}
		err := c.execute(ctx, scanner.Text())
		if errors.Is(err, errQuit) {
			return
		}
		if err != nil {
			errorColor.Fprintf(c.out, "error: %v\n", err)
		}
	}
}

func (c *console) execute(ctx context.Context, line string) error {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return nil
	}
	args := fields[1:]
	switch strings.ToLower(fields[0]) {
	case "connect":
		address := c.defaultAddress
		if len(args) > 0 {
			address = args[0]
		}
		if address == "" {
			return fmt.Errorf("connect: address required")
		}
		if err := c.endpoint.Open(ctx, address); err != nil {
			return err
		}
		fmt.Fprintf(c.out, "connected to %s\n", address)
		return nil
	case "disconnect":
		return c.endpoint.Close()
	case "set":
		if len(args) != 2 {
			return fmt.Errorf("usage: set <slot> <status>")
		}
		status, err := slotstate.ParseStatus(args[1])
		if err != nil {
			return err
		}
		err = c.endpoint.Update(ctx, args[0], status)
		if errors.Is(err, syncendpoint.ErrNotConnected) {
			fmt.Fprintf(c.out, "slot %s set to %s locally (not connected)\n", args[0], status)
			return nil
		}
		return err
	case "sync":
		if len(args) == 0 {
			return c.endpoint.SyncFull(ctx)
		}
		return c.endpoint.SyncPartial(ctx, args)
	case "show":
		if err := render.Grid(c.out, c.endpoint.Store()); err != nil {
			return err
		}
		return render.Legend(c.out, c.endpoint.Store())
	case "state":
		fmt.Fprintf(c.out, "%s %s\n", c.endpoint.State(), c.endpoint.Address())
		return nil
	case "journal":
		return c.printJournal(args)
	case "help", "?":
		fmt.Fprint(c.out, consoleHelp)
		return nil
	case "quit", "exit":
		return errQuit
	default:
		return fmt.Errorf("unknown command %q (try help)", fields[0])
	}
}

func (c *console) printJournal(args []string) error {
	if c.journal == nil {
		return fmt.Errorf("journal disabled (set --journal)")
	}
	limit := 10
	if len(args) > 0 {
		n, err := strconv.Atoi(args[0])
		if err != nil || n <= 0 {
			return fmt.Errorf("journal: invalid count %q", args[0])
		}
		limit = n
	}
	entries, err := c.journal.Recent(limit)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		line := fmt.Sprintf("%s %-8s %s", entry.RecordedAt.Format("15:04:05.000"), entry.Direction, entry.Action)
		if entry.CorrelationID != "" {
			line += " id=" + entry.CorrelationID
		}
		if entry.Reason != "" {
			line += " (" + entry.Reason + ")"
		}
		fmt.Fprintln(c.out, line)
	}
	return nil
}
