package syncendpoint

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/agentworkforce/slotsync/internal/protocol"
	"github.com/agentworkforce/slotsync/internal/slotstate"
)

// HandlerFunc reacts to one inbound packet. The returned value is the reply
// payload; it is ignored for handlers registered without Reply.
type HandlerFunc func(packet protocol.Packet) (any, error)

type Handler struct {
	Action string
	Reply  bool
	Fn     HandlerFunc
}

// Registry maps handler identifiers (normalized action names) to handlers.
type Registry struct {
	codec *protocol.Codec

	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewRegistry returns an empty registry. When codec is non-nil, payloads are
// validated against its schemas before a handler runs.
func NewRegistry(codec *protocol.Codec) *Registry {
	return &Registry{
		codec:    codec,
		handlers: map[string]Handler{},
	}
}

// NewDefaultRegistry returns a registry with full_sync, part_sync and
// update_place_status bound to store.
func NewDefaultRegistry(codec *protocol.Codec, store *slotstate.Store) *Registry {
	r := NewRegistry(codec)
	registerBuiltins(r, store)
	return r
}

// Register installs fn for action, replacing any handler with the same
// identifier.
func (r *Registry) Register(action string, reply bool, fn HandlerFunc) error {
	name := protocol.Normalize(action)
	if name == "" {
		return fmt.Errorf("register handler: empty action")
	}
	if fn == nil {
		return fmt.Errorf("register handler %s: nil func", action)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[name] = Handler{Action: action, Reply: reply, Fn: fn}
	return nil
}

func (r *Registry) Lookup(action string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[protocol.Normalize(action)]
	return h, ok
}

// Actions lists the registered wire names, sorted.
func (r *Registry) Actions() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.handlers))
	for _, h := range r.handlers {
		out = append(out, h.Action)
	}
	sort.Strings(out)
	return out
}

// Dispatch runs the handler for packet. It returns the reply to send, or nil
// when the handler does not reply or the packet carried no id. Unknown
// actions fail with *protocol.UnknownActionError without running anything.
func (r *Registry) Dispatch(packet protocol.Packet) (*protocol.Packet, error) {
	h, ok := r.Lookup(packet.Action)
	if !ok {
		return nil, &protocol.UnknownActionError{Action: packet.Action, Handler: packet.HandlerName()}
	}
	if r.codec != nil {
		if err := r.codec.ValidatePayload(packet.Action, packet.Data); err != nil {
			return nil, err
		}
	}
	result, err := h.Fn(packet)
	if err != nil {
		return nil, fmt.Errorf("%s handler: %w", h.Action, err)
	}
	if !h.Reply || packet.ID == "" {
		return nil, nil
	}
	data, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("%s handler: encode reply: %w", h.Action, err)
	}
	return &protocol.Packet{
		Action: packet.Action,
		ID:     packet.ID,
		Status: protocol.StatusOK,
		Data:   data,
	}, nil
}

func registerBuiltins(r *Registry, store *slotstate.Store) {
	_ = r.Register(protocol.ActionFullSync, true, func(protocol.Packet) (any, error) {
		return store.All(), nil
	})
	_ = r.Register(protocol.ActionPartSync, true, func(packet protocol.Packet) (any, error) {
		var slots []string
		if err := json.Unmarshal(packet.Data, &slots); err != nil {
			return nil, &protocol.MalformedFrameError{Action: packet.Action, Reason: "payload", Err: err}
		}
		return store.Subset(slots), nil
	})
	_ = r.Register(protocol.ActionUpdatePlaceStatus, false, func(packet protocol.Packet) (any, error) {
		var updates map[string]slotstate.Status
		if err := json.Unmarshal(packet.Data, &updates); err != nil {
			return nil, &protocol.MalformedFrameError{Action: packet.Action, Reason: "payload", Err: err}
		}
		return nil, store.SetMany(updates)
	})
}
