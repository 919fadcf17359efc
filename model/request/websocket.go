package request

import (
	"time"

	"ollama_run/model"
)

// Message types sent by the snapshot publisher
const (
	MsgTypeSnapshot   = "snapshot"
	MsgTypeTransition = "transition"
)

// WebSocketMessage represents a message sent over WebSocket
type WebSocketMessage struct {
	Type    string      `json:"type"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
	Success bool        `json:"success"`
}

// SnapshotData is the payload of a snapshot message
type SnapshotData struct {
	Host     string             `json:"host"`
	State    model.ServiceState `json:"state"`
	Snapshot model.Snapshot     `json:"snapshot"`
	Signals  []model.Signal     `json:"signals"`
	SentAt   time.Time          `json:"sent_at"`
	Worst    string             `json:"worst"`
}

// TransitionData is sent when the published service state differs from the previous message
type TransitionData struct {
	Host string             `json:"host"`
	From model.ServiceState `json:"from"`
	To   model.ServiceState `json:"to"`
	At   time.Time          `json:"at"`
}
