package httpapi

import (
	"bytes"
	"encoding/json"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

const (
	frameConnect     = "connect"
	frameSubscribe   = "subscribe"
	frameUnsubscribe = "unsubscribe"
	framePing        = "ping"
)

// clientFrame is any client -> server frame.
type clientFrame struct {
	Type  string `json:"type"`
	Token string `json:"token,omitempty"`
	Topic string `json:"topic,omitempty"`
}

type ackFrame struct {
	Type  string `json:"type"`
	Op    string `json:"op"`
	Topic string `json:"topic,omitempty"`
}

type errorFrame struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

type pongFrame struct {
	Type string `json:"type"`
}

func encodeFrame(v any) []byte {
	payload, _ := json.Marshal(v)
	return payload
}

func ackPayload(op, topic string) []byte {
	return encodeFrame(ackFrame{Type: "ack", Op: op, Topic: topic})
}

func errorPayload(code, message string) []byte {
	return encodeFrame(errorFrame{Type: "error", Code: code, Message: message})
}

var clientFrameSchema struct {
	once    sync.Once
	initErr error
	schema  *jsonschema.Schema
}

func initClientFrameSchema() error {
	clientFrameSchema.once.Do(func() {
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(clientFrameSchemaJSON))
		if err != nil {
			clientFrameSchema.initErr = err
			return
		}
		compiler := jsonschema.NewCompiler()
		const url = "https://relayinbox.local/schemas/client_frame.json"
		if err := compiler.AddResource(url, doc); err != nil {
			clientFrameSchema.initErr = err
			return
		}
		clientFrameSchema.schema, clientFrameSchema.initErr = compiler.Compile(url)
	})
	return clientFrameSchema.initErr
}

// decodeClientFrame validates raw against the client frame schema before
// decoding it.
func decodeClientFrame(raw []byte) (clientFrame, error) {
	if err := initClientFrameSchema(); err != nil {
		return clientFrame{}, err
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return clientFrame{}, err
	}
	if err := clientFrameSchema.schema.Validate(doc); err != nil {
		return clientFrame{}, err
	}
	var frame clientFrame
	if err := json.Unmarshal(raw, &frame); err != nil {
		return clientFrame{}, err
	}
	return frame, nil
}

const clientFrameSchemaJSON = `{
  "oneOf": [
    {
      "type": "object",
      "required": ["type", "token"],
      "properties": {
        "type": {"const": "connect"},
        "token": {"type": "string", "minLength": 1}
      },
      "additionalProperties": false
    },
    {
      "type": "object",
      "required": ["type", "topic"],
      "properties": {
        "type": {"enum": ["subscribe", "unsubscribe"]},
        "topic": {"type": "string", "minLength": 1, "maxLength": 512}
      },
      "additionalProperties": false
    },
    {
      "type": "object",
      "required": ["type"],
      "properties": {
        "type": {"const": "ping"}
      },
      "additionalProperties": false
    }
  ]
}`
