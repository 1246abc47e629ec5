package protocol

import (
	"errors"
	"fmt"
)

var (
	ErrMalformedFrame = errors.New("malformed frame")
	ErrUnknownAction  = errors.New("unknown action")
)

// MalformedFrameError reports an inbound frame that is not well-formed
// structured data, violates the envelope schema, or carries a payload that
// does not match its action.
type MalformedFrameError struct {
	Action string
	Reason string
	Err    error
}

func (e *MalformedFrameError) Error() string {
	msg := "malformed frame"
	if e.Action != "" {
		msg += " for " + e.Action
	}
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *MalformedFrameError) Is(target error) bool {
	return target == ErrMalformedFrame
}

func (e *MalformedFrameError) Unwrap() error {
	return e.Err
}

// UnknownActionError reports a decoded packet whose action has no handler.
type UnknownActionError struct {
	Action  string
	Handler string
}

func (e *UnknownActionError) Error() string {
	return fmt.Sprintf("unknown action %q (handler %q)", e.Action, e.Handler)
}

func (e *UnknownActionError) Is(target error) bool {
	return target == ErrUnknownAction
}
