// Package eventlog is the durable, ordered, replayable store of session
// events. It owns sequence-number assignment: for any session the seqs
// of successfully appended events are unique, strictly increasing, and
// gapless, for any interleaving of concurrent appends within a process.
package eventlog

import (
	"encoding/json"
	"fmt"
	"time"
)

// SeqBeforeAll is the afterSeq sentinel that selects a session's full
// history. It is also what GetLatestSeq returns for an empty log.
const SeqBeforeAll int64 = -1

// Event is one immutable, sequence-numbered record belonging to a session.
type Event struct {
	SessionID string    `json:"session_id"`
	Seq       int64     `json:"seq"`
	Channel   string    `json:"channel"`
	Type      string    `json:"type"`
	Payload   Payload   `json:"payload"`
	Timestamp time.Time `json:"timestamp"`
}

// Record is the caller-supplied portion of an event; the log assigns
// the sequence number and timestamp on append.
type Record struct {
	Channel string
	Type    string
	Payload Payload
}

// AppendResult reports the assigned position of a durable append.
type AppendResult struct {
	Seq       int64     `json:"seq"`
	Timestamp time.Time `json:"timestamp"`
}

// Payload is a tagged variant: either raw bytes or a JSON-structured
// value. The log stores structured values as canonical JSON and retries
// the structured decode on read, falling back to raw bytes when the
// stored blob is not valid JSON. It never silently coerces.
type Payload struct {
	raw        []byte
	structured interface{}
	isJSON     bool
}

// BytesPayload wraps raw bytes.
func BytesPayload(b []byte) Payload {
	return Payload{raw: b}
}

// StringPayload wraps a string as raw bytes.
func StringPayload(s string) Payload {
	return Payload{raw: []byte(s)}
}

// StructuredPayload wraps a JSON-serializable value.
func StructuredPayload(v interface{}) Payload {
	return Payload{structured: v, isJSON: true}
}

// IsStructured reports whether the payload carries a JSON value.
func (p Payload) IsStructured() bool {
	return p.isJSON
}

// Bytes returns the raw bytes. For a structured payload this is its
// canonical JSON encoding.
func (p Payload) Bytes() []byte {
	if p.isJSON && p.raw == nil {
		data, err := json.Marshal(p.structured)
		if err != nil {
			return nil
		}
		return data
	}
	return p.raw
}

// Structured returns the decoded value and whether the payload is
// structured.
func (p Payload) Structured() (interface{}, bool) {
	if !p.isJSON {
		return nil, false
	}
	return p.structured, true
}

// String renders the payload for logs and tests.
func (p Payload) String() string {
	return string(p.Bytes())
}

// MarshalJSON encodes structured payloads as their value and raw
// payloads as a JSON string.
func (p Payload) MarshalJSON() ([]byte, error) {
	if p.isJSON {
		return json.Marshal(p.structured)
	}
	return json.Marshal(string(p.raw))
}

// encodePayload produces the blob stored in the payload column.
// A structured value that fails to serialize is a programmer error.
func encodePayload(p Payload) ([]byte, error) {
	if p.isJSON {
		data, err := json.Marshal(p.structured)
		if err != nil {
			return nil, fmt.Errorf("failed to encode structured payload: %w", err)
		}
		return data, nil
	}
	return p.raw, nil
}

// decodePayload reverses encodePayload: a blob that decodes as JSON
// comes back structured, anything else comes back as raw bytes.
func decodePayload(blob []byte) Payload {
	if len(blob) > 0 {
		var v interface{}
		if err := json.Unmarshal(blob, &v); err == nil {
			return Payload{structured: v, isJSON: true, raw: blob}
		}
	}
	return Payload{raw: blob}
}
