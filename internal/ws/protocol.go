package ws

import (
	"encoding/json"
	"strings"
)

// Control events a client may send, and the ack the server returns.
const (
	EventJoin   = "join"
	EventLeave  = "leave"
	EventJoined = "joined"
)

// MaxTopicLen bounds the topic a client may join. Longer topics are
// ignored like any other malformed control message.
const MaxTopicLen = 256

// Frame is the JSON text frame exchanged in both directions.
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// outFrame is what the writer serializes. Invalidation events carry no data.
type outFrame struct {
	Event string `json:"event"`
	Data  string `json:"data,omitempty"`
}

// parseControl decodes a join/leave frame. ok is false for anything that is
// not a join or leave with a non-empty string topic of at most MaxTopicLen
// bytes.
func parseControl(msg []byte) (event, topic string, ok bool) {
	var f Frame
	if err := json.Unmarshal(msg, &f); err != nil {
		return "", "", false
	}
	if f.Event != EventJoin && f.Event != EventLeave {
		return "", "", false
	}
	if len(f.Data) == 0 {
		return "", "", false
	}
	if err := json.Unmarshal(f.Data, &topic); err != nil {
		return "", "", false
	}
	if strings.TrimSpace(topic) == "" || len(topic) > MaxTopicLen {
		return "", "", false
	}
	return f.Event, topic, true
}
