package syncendpoint

import (
	"errors"
	"fmt"
)

var (
	ErrNotConnected     = errors.New("not connected")
	ErrChannel          = errors.New("channel failure")
	ErrInvalidAddress   = errors.New("invalid address")
	ErrSuperseded       = errors.New("open superseded")
	ErrRequestTimeout   = errors.New("request timed out")
	ErrRequestAbandoned = errors.New("request abandoned")
	ErrPeer             = errors.New("peer reported error")
)

// ChannelError is a transport failure. The endpoint is Closed by the time a
// caller sees one.
type ChannelError struct {
	Op      string
	Address string
	Err     error
}

func (e *ChannelError) Error() string {
	if e.Address != "" {
		return fmt.Sprintf("channel %s %s: %v", e.Op, e.Address, e.Err)
	}
	return fmt.Sprintf("channel %s: %v", e.Op, e.Err)
}

func (e *ChannelError) Is(target error) bool {
	return target == ErrChannel
}

func (e *ChannelError) Unwrap() error {
	return e.Err
}

// PeerError is a response that came back with status "error".
type PeerError struct {
	Action string
	ID     string
	Data   string
}

func (e *PeerError) Error() string {
	if e.Data == "" {
		return fmt.Sprintf("peer error for %s (%s)", e.Action, e.ID)
	}
	return fmt.Sprintf("peer error for %s (%s): %s", e.Action, e.ID, e.Data)
}

func (e *PeerError) Is(target error) bool {
	return target == ErrPeer
}
