package gateway

import "encoding/json"

// Client request types.
const (
	MsgAuth   = "auth"
	MsgAttach = "attach"
	MsgDetach = "detach"
	MsgPing   = "ping"
)

// Server response types.
const (
	MsgAuthOK   = "auth_ok"
	MsgAttached = "attached"
	MsgDetached = "detached"
	MsgEvent    = "event"
	MsgError    = "error"
	MsgPong     = "pong"
)

// ClientMessage is a request from an attached client.
type ClientMessage struct {
	Type        string `json:"type"`
	Secret      string `json:"secret,omitempty"`
	SessionID   string `json:"session_id,omitempty"`
	LastSeenSeq *int64 `json:"last_seen_seq,omitempty"`
}

// ServerMessage is a response or streamed event sent to a client.
type ServerMessage struct {
	Type      string          `json:"type"`
	SessionID string          `json:"session_id,omitempty"`
	Seq       int64           `json:"seq,omitempty"`
	Channel   string          `json:"channel,omitempty"`
	EventType string          `json:"event_type,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp int64           `json:"timestamp,omitempty"`
	Replayed  int             `json:"replayed,omitempty"`
	LatestSeq *int64          `json:"latest_seq,omitempty"`
	Message   string          `json:"message,omitempty"`
}
