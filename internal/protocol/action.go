package protocol

import "strings"

const (
	ActionFullSync          = "full_sync"
	ActionPartSync          = "part_sync"
	ActionUpdatePlaceStatus = "update_place_status"
)

// Normalize maps a wire action name to its handler identifier: each run of
// non-alphanumeric characters is removed and the character after it is
// upper-cased, so "full_sync" becomes "fullSync". Input that is already a
// handler identifier is returned unchanged.
func Normalize(action string) string {
	var b strings.Builder
	b.Grow(len(action))
	upperNext := false
	for i := 0; i < len(action); i++ {
		c := action[i]
		if !isAlphanumeric(c) {
			upperNext = true
			continue
		}
		if upperNext && 'a' <= c && c <= 'z' {
			c -= 'a' - 'A'
		}
		upperNext = false
		b.WriteByte(c)
	}
	return b.String()
}

func isAlphanumeric(c byte) bool {
	return ('a' <= c && c <= 'z') || ('A' <= c && c <= 'Z') || ('0' <= c && c <= '9')
}
