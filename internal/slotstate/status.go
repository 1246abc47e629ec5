package slotstate

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

var (
	ErrUnknownSlot   = errors.New("unknown slot")
	ErrInvalidStatus = errors.New("invalid status")
)

// Status is the condition of a slot. The wire form is the integer value.
type Status int

const (
	Empty Status = iota
	Occupied
	Reserved
)

func (s Status) Valid() bool {
	return s >= Empty && s <= Reserved
}

func (s Status) String() string {
	switch s {
	case Empty:
		return "empty"
	case Occupied:
		return "occupied"
	case Reserved:
		return "reserved"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

func (s *Status) UnmarshalJSON(data []byte) error {
	var raw int
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("%w: %s", ErrInvalidStatus, strings.TrimSpace(string(data)))
	}
	value := Status(raw)
	if !value.Valid() {
		return fmt.Errorf("%w: %d", ErrInvalidStatus, raw)
	}
	*s = value
	return nil
}

// ParseStatus accepts either the wire integer or the status name.
func ParseStatus(raw string) (Status, error) {
	raw = strings.ToLower(strings.TrimSpace(raw))
	switch raw {
	case "0", "empty", "free":
		return Empty, nil
	case "1", "occupied", "taken":
		return Occupied, nil
	case "2", "reserved":
		return Reserved, nil
	default:
		return Empty, fmt.Errorf("%w: %q", ErrInvalidStatus, raw)
	}
}

// SlotError reports a mutation rejected for a single slot.
type SlotError struct {
	Slot string
	Err  error
}

func (e *SlotError) Error() string {
	return fmt.Sprintf("slot %q: %v", e.Slot, e.Err)
}

func (e *SlotError) Unwrap() error {
	return e.Err
}
