package slotstate

import (
	"fmt"
	"strconv"
	"strings"
)

// Layout is the provisioned slot set together with its display geometry.
// Rows are drawn top to bottom, slots left to right.
type Layout struct {
	rows  [][]string
	index map[string]int
}

// DefaultLayout is the reference deployment: two rows of eight, "1".."8" over "9".."16".
func DefaultLayout() Layout {
	top := make([]string, 0, 8)
	bottom := make([]string, 0, 8)
	for i := 0; i < 8; i++ {
		top = append(top, strconv.Itoa(i+1))
		bottom = append(bottom, strconv.Itoa(i+9))
	}
	layout, _ := NewLayout([][]string{top, bottom})
	return layout
}

func NewLayout(rows [][]string) (Layout, error) {
	layout := Layout{
		rows:  make([][]string, 0, len(rows)),
		index: map[string]int{},
	}
	for r, row := range rows {
		cleaned := make([]string, 0, len(row))
		for _, slot := range row {
			slot = strings.TrimSpace(slot)
			if slot == "" {
				return Layout{}, fmt.Errorf("row %d: empty slot id", r)
			}
			if _, dup := layout.index[slot]; dup {
				return Layout{}, fmt.Errorf("row %d: duplicate slot id %q", r, slot)
			}
			layout.index[slot] = len(layout.index)
			cleaned = append(cleaned, slot)
		}
		layout.rows = append(layout.rows, cleaned)
	}
	if len(layout.index) == 0 {
		return Layout{}, fmt.Errorf("layout has no slots")
	}
	return layout, nil
}

func (l Layout) Contains(slot string) bool {
	_, ok := l.index[slot]
	return ok
}

func (l Layout) Len() int {
	return len(l.index)
}

// Slots returns every provisioned slot in display order.
func (l Layout) Slots() []string {
	out := make([]string, 0, len(l.index))
	for _, row := range l.rows {
		out = append(out, row...)
	}
	return out
}

func (l Layout) Rows() [][]string {
	out := make([][]string, len(l.rows))
	for i, row := range l.rows {
		out[i] = append([]string(nil), row...)
	}
	return out
}
