package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

const (
	StatusOK    = "ok"
	StatusError = "error"
)

// Packet is the wire envelope. ID is present on request/response pairs and
// absent on pushes; Data is kept raw until the handler for Action decodes it.
type Packet struct {
	Action string          `json:"action"`
	ID     string          `json:"id,omitempty"`
	Status string          `json:"status,omitempty"`
	Data   json.RawMessage `json:"data,omitempty"`
}

// HandlerName is the normalized form of the packet's action.
func (p Packet) HandlerName() string {
	return Normalize(p.Action)
}

const schemaBaseURL = "https://slotsync.local/schema/"

const envelopeSchema = `{
	"type": "object",
	"required": ["action"],
	"properties": {
		"action": {"type": "string", "minLength": 1},
		"id": {"type": "string"},
		"status": {"enum": ["ok", "error"]}
	}
}`

var builtinPayloadSchemas = map[string]string{
	ActionPartSync: `{
		"type": "array",
		"items": {"type": "string", "minLength": 1}
	}`,
	ActionUpdatePlaceStatus: `{
		"type": "object",
		"additionalProperties": {"type": "integer", "minimum": 0, "maximum": 2}
	}`,
}

// Codec encodes and decodes packets and validates action payloads against
// JSON schemas. Payload schemas are keyed by handler name, so every wire
// spelling of an action shares one schema.
type Codec struct {
	envelope *jsonschema.Schema

	mu       sync.RWMutex
	payloads map[string]*jsonschema.Schema
}

func NewCodec() (*Codec, error) {
	envelope, err := compileSchema("envelope.json", envelopeSchema)
	if err != nil {
		return nil, fmt.Errorf("compile envelope schema: %w", err)
	}
	c := &Codec{
		envelope: envelope,
		payloads: map[string]*jsonschema.Schema{},
	}
	for action, src := range builtinPayloadSchemas {
		if err := c.RegisterPayloadSchema(action, src); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// RegisterPayloadSchema installs or replaces the request payload schema for action.
func (c *Codec) RegisterPayloadSchema(action, schema string) error {
	name := Normalize(action)
	if name == "" {
		return fmt.Errorf("payload schema: empty action")
	}
	compiled, err := compileSchema("payload/"+name+".json", schema)
	if err != nil {
		return fmt.Errorf("compile payload schema for %s: %w", action, err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.payloads[name] = compiled
	return nil
}

// Decode parses one frame. Any failure is a *MalformedFrameError.
func (c *Codec) Decode(raw []byte) (Packet, error) {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return Packet{}, &MalformedFrameError{Reason: "invalid json", Err: err}
	}
	if err := c.envelope.Validate(doc); err != nil {
		return Packet{}, &MalformedFrameError{Reason: "envelope", Err: err}
	}
	if err := checkEnvelopeKeys(doc); err != nil {
		return Packet{}, &MalformedFrameError{Reason: "envelope", Err: err}
	}
	var packet Packet
	if err := json.Unmarshal(raw, &packet); err != nil {
		return Packet{}, &MalformedFrameError{Reason: "envelope", Err: err}
	}
	return packet, nil
}

// Encode writes the packet as compact JSON. The action is sent exactly as given.
func (c *Codec) Encode(packet Packet) ([]byte, error) {
	if strings.TrimSpace(packet.Action) == "" {
		return nil, fmt.Errorf("encode packet: action is required")
	}
	return json.Marshal(packet)
}

// ValidatePayload checks data against the schema registered for action.
// Actions without a schema accept any payload.
func (c *Codec) ValidatePayload(action string, data json.RawMessage) error {
	c.mu.RLock()
	schema, ok := c.payloads[Normalize(action)]
	c.mu.RUnlock()
	if !ok {
		return nil
	}
	if len(data) == 0 {
		data = json.RawMessage("null")
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return &MalformedFrameError{Action: action, Reason: "payload", Err: err}
	}
	if err := schema.Validate(doc); err != nil {
		return &MalformedFrameError{Action: action, Reason: "payload", Err: err}
	}
	return nil
}

var envelopeFields = []string{"action", "id", "status", "data"}

// checkEnvelopeKeys rejects keys that differ from an envelope field only in
// case. The schema sees exact keys while json.Unmarshal folds case, so such
// a key could override the field the schema validated.
func checkEnvelopeKeys(doc any) error {
	obj, ok := doc.(map[string]any)
	if !ok {
		return nil
	}
	for key := range obj {
		for _, field := range envelopeFields {
			if key != field && strings.EqualFold(key, field) {
				return fmt.Errorf("key %q shadows field %q", key, field)
			}
		}
	}
	return nil
}

func compileSchema(name, src string) (*jsonschema.Schema, error) {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(src))
	if err != nil {
		return nil, err
	}
	url := schemaBaseURL + name
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(url, doc); err != nil {
		return nil, err
	}
	return compiler.Compile(url)
}
