package inbox

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

type eventSchemaRegistry struct {
	once     sync.Once
	initErr  error
	envelope *jsonschema.Schema
	payloads map[SourceKind]*jsonschema.Schema
}

var eventSchemas eventSchemaRegistry

func initEventSchemas() error {
	eventSchemas.once.Do(func() {
		docs := map[string]string{
			"envelope.json":                      eventEnvelopeSchema,
			string(SourceChannels) + ".json":     channelEventSchema,
			string(SourceMessages) + ".json":     messageEventSchema,
			string(SourceMetadata) + ".json":     metadataEventSchema,
			string(SourceReadReceipts) + ".json": readReceiptEventSchema,
		}
		compiler := jsonschema.NewCompiler()
		compiler.AssertFormat()
		for name, raw := range docs {
			doc, err := jsonschema.UnmarshalJSON(strings.NewReader(raw))
			if err != nil {
				eventSchemas.initErr = fmt.Errorf("parse schema %s: %w", name, err)
				return
			}
			if err := compiler.AddResource(schemaURL(name), doc); err != nil {
				eventSchemas.initErr = err
				return
			}
		}
		envelope, err := compiler.Compile(schemaURL("envelope.json"))
		if err != nil {
			eventSchemas.initErr = err
			return
		}
		eventSchemas.envelope = envelope
		eventSchemas.payloads = make(map[SourceKind]*jsonschema.Schema, len(SourceKinds))
		for _, kind := range SourceKinds {
			compiled, err := compiler.Compile(schemaURL(string(kind) + ".json"))
			if err != nil {
				eventSchemas.initErr = err
				return
			}
			eventSchemas.payloads[kind] = compiled
		}
	})
	return eventSchemas.initErr
}

func schemaURL(name string) string {
	return "https://relayinbox.local/schemas/" + name
}

type eventEnvelope struct {
	Kind    string          `json:"kind"`
	Key     string          `json:"key"`
	Payload json.RawMessage `json:"payload"`
}

// DecodeRecord decodes a source record. The record key is used when the
// payload does not carry an envelope key.
func DecodeRecord(record Record) (Event, error) {
	return decodeEvent(record.Source, record.Value, record.Key)
}

// DecodeEvent validates raw against the schema for kind and decodes it. raw
// is either the bare payload or an envelope {"kind","key","payload"}.
func DecodeEvent(kind SourceKind, raw []byte) (Event, error) {
	return decodeEvent(kind, raw, "")
}

func decodeEvent(kind SourceKind, raw []byte, key string) (Event, error) {
	if err := initEventSchemas(); err != nil {
		return Event{}, err
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return Event{}, malformed(kind, key, "invalid json: %v", err)
	}

	payloadDoc := doc
	payloadRaw := raw
	if obj, ok := doc.(map[string]any); ok {
		if _, wrapped := obj["payload"]; wrapped {
			if err := eventSchemas.envelope.Validate(doc); err != nil {
				return Event{}, malformed(kind, "", "envelope: %v", err)
			}
			var env eventEnvelope
			if err := json.Unmarshal(raw, &env); err != nil {
				return Event{}, malformed(kind, "", "envelope: %v", err)
			}
			envKind, err := ParseSourceKind(env.Kind)
			if err != nil {
				return Event{}, malformed(kind, env.Key, "unknown kind %q", env.Kind)
			}
			if envKind != kind {
				return Event{}, malformed(kind, env.Key, "kind %s does not belong on the %s source", envKind, kind)
			}
			if env.Key != "" {
				key = env.Key
			}
			payloadDoc = obj["payload"]
			payloadRaw = env.Payload
		}
	}

	schema, ok := eventSchemas.payloads[kind]
	if !ok {
		return Event{}, fmt.Errorf("%w: unknown source %q", ErrInvalidInput, kind)
	}
	if err := schema.Validate(payloadDoc); err != nil {
		return Event{}, malformed(kind, key, "%v", err)
	}

	ev := Event{Kind: kind, Key: key}
	switch kind {
	case SourceChannels:
		var ch Channel
		if err := json.Unmarshal(payloadRaw, &ch); err != nil {
			return Event{}, malformed(kind, key, "%v", err)
		}
		ev.Channel = &ch
		if ev.Key == "" {
			ev.Key = ch.ID
		}
	case SourceMessages:
		var msg Message
		if err := json.Unmarshal(payloadRaw, &msg); err != nil {
			return Event{}, malformed(kind, key, "%v", err)
		}
		msg.Unread = false
		ev.Message = &msg
		if ev.Key == "" {
			ev.Key = msg.ID
		}
	case SourceMetadata:
		var update MetadataUpdate
		if err := json.Unmarshal(payloadRaw, &update); err != nil {
			return Event{}, malformed(kind, key, "%v", err)
		}
		ev.Metadata = &update
		if ev.Key == "" {
			ev.Key = update.SubjectType + ":" + update.SubjectID + ":" + update.Key
		}
	case SourceReadReceipts:
		var receipt ReadReceipt
		if err := json.Unmarshal(payloadRaw, &receipt); err != nil {
			return Event{}, malformed(kind, key, "%v", err)
		}
		ev.ReadReceipt = &receipt
		if ev.Key == "" {
			ev.Key = receipt.ConversationID
		}
	}
	return ev, nil
}

const eventEnvelopeSchema = `{
  "type": "object",
  "required": ["kind", "payload"],
  "properties": {
    "kind": { "type": "string", "minLength": 1 },
    "key": { "type": "string" },
    "payload": { "type": "object" }
  },
  "additionalProperties": false
}`

const channelEventSchema = `{
  "type": "object",
  "required": ["id", "connectionState"],
  "properties": {
    "id": { "type": "string", "minLength": 1 },
    "source": { "type": "string" },
    "sourceChannelId": { "type": "string" },
    "name": { "type": "string" },
    "connectionState": { "enum": ["connecting", "connected", "disconnected", "error"] },
    "token": { "type": "string" }
  },
  "additionalProperties": true
}`

const messageEventSchema = `{
  "type": "object",
  "required": ["id", "conversationId", "direction", "sentAt"],
  "properties": {
    "id": { "type": "string", "minLength": 1 },
    "conversationId": { "type": "string", "minLength": 1 },
    "channelId": { "type": "string" },
    "direction": { "enum": ["inbound", "outbound"] },
    "content": { "type": "string" },
    "sentAt": { "type": "string", "format": "date-time" },
    "state": { "enum": ["pending", "delivered", "read", "failed"] }
  },
  "additionalProperties": true
}`

const metadataEventSchema = `{
  "type": "object",
  "required": ["subjectType", "subjectId", "key", "updatedAt"],
  "properties": {
    "subjectType": { "enum": ["conversation", "channel"] },
    "subjectId": { "type": "string", "minLength": 1 },
    "key": { "type": "string", "pattern": "^[A-Za-z0-9_-]+(\\.[A-Za-z0-9_-]+)*$" },
    "value": { "type": "string" },
    "updatedAt": { "type": "string", "format": "date-time" }
  },
  "additionalProperties": true
}`

const readReceiptEventSchema = `{
  "type": "object",
  "required": ["conversationId", "readAt"],
  "properties": {
    "conversationId": { "type": "string", "minLength": 1 },
    "reader": { "type": "string" },
    "readAt": { "type": "string", "format": "date-time" }
  },
  "additionalProperties": true
}`
