// Package render draws the slot grid for a terminal.
package render

import (
	"fmt"
	"io"
	"strings"

	"github.com/fatih/color"

	"github.com/agentworkforce/slotsync/internal/slotstate"
)

var (
	occupied = color.New(color.FgBlack, color.BgWhite, color.Bold)
	empty    = color.New(color.FgRed)
	reserved = color.New(color.FgMagenta, color.Bold)
	header   = color.New(color.FgCyan)
)

func colorFor(status slotstate.Status) *color.Color {
	switch status {
	case slotstate.Occupied:
		return occupied
	case slotstate.Reserved:
		return reserved
	default:
		return empty
	}
}

// Grid writes one line per layout row. Slots without a known value are
// left blank.
func Grid(w io.Writer, store *slotstate.Store) error {
	layout := store.Layout()
	width := 0
	for _, slot := range layout.Slots() {
		if len(slot) > width {
			width = len(slot)
		}
	}
	values := store.All()
	for _, row := range layout.Rows() {
		cells := make([]string, 0, len(row))
		for _, slot := range row {
			status, ok := values[slot]
			if !ok {
				cells = append(cells, strings.Repeat(" ", width+2))
				continue
			}
			cells = append(cells, colorFor(status).Sprintf("[%*s]", width, slot))
		}
		if _, err := fmt.Fprintln(w, strings.TrimRight(strings.Join(cells, " "), " ")); err != nil {
			return err
		}
	}
	return nil
}

// Legend writes the colour key and a count per status.
func Legend(w io.Writer, store *slotstate.Store) error {
	counts := map[slotstate.Status]int{}
	for _, status := range store.All() {
		counts[status]++
	}
	unknown := store.Layout().Len() - counts[slotstate.Empty] - counts[slotstate.Occupied] - counts[slotstate.Reserved]
	_, err := fmt.Fprintf(w, "%s %s %s %s\n",
		empty.Sprintf("empty:%d", counts[slotstate.Empty]),
		occupied.Sprintf("occupied:%d", counts[slotstate.Occupied]),
		reserved.Sprintf("reserved:%d", counts[slotstate.Reserved]),
		header.Sprintf("unknown:%d", unknown),
	)
	return err
}
