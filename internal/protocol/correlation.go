package protocol

import (
	"crypto/rand"
	"fmt"
)

const (
	CorrelationIDLength = 24
	correlationAlphabet = "0123456789abcdefghijklmnopqrstuvwxyz"
	// bytes at or above this value are rejected to keep the alphabet uniform
	correlationRejectAbove = 256 - 256%len(correlationAlphabet)
)

// NewCorrelationID returns a fresh 24-character base36 identifier. Ids are
// independent across calls; uniqueness is statistical (36^24 space), not
// enforced here.
func NewCorrelationID() string {
	out := make([]byte, 0, CorrelationIDLength)
	buf := make([]byte, CorrelationIDLength*2)
	for len(out) < CorrelationIDLength {
		if _, err := rand.Read(buf); err != nil {
			panic(fmt.Sprintf("protocol: read random bytes: %v", err))
		}
		for _, b := range buf {
			if int(b) >= correlationRejectAbove {
				continue
			}
			out = append(out, correlationAlphabet[int(b)%len(correlationAlphabet)])
			if len(out) == CorrelationIDLength {
				break
			}
		}
	}
	return string(out)
}
