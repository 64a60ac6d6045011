package relay

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/santhosh-tekuri/jsonschema/v6"
	"github.com/zeebo/blake3"
)

type MessageType string

const (
	MessageRequest  MessageType = "request"
	MessageResponse MessageType = "response"
	MessageError    MessageType = "error"
	MessageStatus   MessageType = "status"
)

// Envelope is the unit carried through a mailbox: one JSON document per
// file, written whole before it becomes visible.
type Envelope struct {
	ID        string         `json:"id"`
	Type      MessageType    `json:"type"`
	Content   map[string]any `json:"content"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	Timestamp string         `json:"timestamp"`
}

const envelopeSchemaText = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["type", "content"],
  "properties": {
    "id": {"type": "string"},
    "type": {"enum": ["request", "response", "error", "status"]},
    "content": {"type": "object", "minProperties": 1},
    "metadata": {"type": "object"},
    "timestamp": {"type": "string"}
  }
}`

var envelopeSchema = mustCompileEnvelopeSchema()

func mustCompileEnvelopeSchema() *jsonschema.Schema {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader([]byte(envelopeSchemaText)))
	if err != nil {
		panic(err)
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("envelope.json", doc); err != nil {
		panic(err)
	}
	schema, err := compiler.Compile("envelope.json")
	if err != nil {
		panic(err)
	}
	return schema
}

func NewEnvelope(messageType MessageType, content, metadata map[string]any) Envelope {
	return Envelope{
		ID:        uuid.NewString(),
		Type:      messageType,
		Content:   content,
		Metadata:  metadata,
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
	}
}

// Reply builds a response envelope referencing e. The relay produces exactly
// one reply per processed request.
func (e Envelope) Reply(content map[string]any) Envelope {
	reply := NewEnvelope(MessageResponse, content, map[string]any{
		"in_reply_to": e.ID,
	})
	if agent, ok := e.Metadata["agent"]; ok {
		reply.Metadata["agent"] = agent
	}
	return reply
}

// ValidateEnvelopeBytes checks raw file bytes against the envelope schema
// before any side effect occurs. A schema violation is a *ValidationError
// and is never retried.
func ValidateEnvelopeBytes(data []byte) error {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return &ValidationError{Reason: "malformed JSON: " + err.Error()}
	}
	if err := envelopeSchema.Validate(doc); err != nil {
		return &ValidationError{Reason: err.Error()}
	}
	return nil
}

func (e Envelope) Validate() error {
	data, err := json.Marshal(e)
	if err != nil {
		return &ValidationError{Reason: err.Error()}
	}
	return ValidateEnvelopeBytes(data)
}

// HashBytes is the dedup identity of a message: BLAKE3 over the raw file
// bytes, hex-encoded.
func HashBytes(data []byte) string {
	sum := blake3.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func (e Envelope) Hash() string {
	data, err := json.Marshal(e)
	if err != nil {
		return ""
	}
	return HashBytes(data)
}
