package model

import (
	"fmt"
	"time"
)

// ConnectionState is the recording state of a connection.
type ConnectionState string

const (
	StateIdle      ConnectionState = "idle"
	StateRecording ConnectionState = "recording"
)

// ConnectionInfo is a point-in-time snapshot of one sender.
type ConnectionInfo struct {
	ID            string          `json:"id"`
	State         ConnectionState `json:"state"`
	Active        bool            `json:"active"`
	BufferSize    int             `json:"buffer_size"`
	BufferUsed    int             `json:"buffer_used"`
	Datagrams     uint64          `json:"datagrams"`
	Bytes         uint64          `json:"bytes"`
	FirstSeen     time.Time       `json:"first_seen"`
	LastSeen      time.Time       `json:"last_seen"`
	RecordingPath string          `json:"recording_path,omitempty"`
}

// Recording describes one WAV file produced from a sender's stream.
type Recording struct {
	ID       string    `json:"id"`
	SenderID string    `json:"sender_id"`
	Path     string    `json:"path"`
	Started  time.Time `json:"started"`
	Stopped  time.Time `json:"stopped,omitempty"`
	PreRoll  int64     `json:"preroll_bytes"` // bytes flushed from the ring buffer at start
	Bytes    int64     `json:"bytes"`         // PCM bytes written, pre-roll included
}

// Duration returns the wall-clock length of the recording session.
func (r Recording) Duration() time.Duration {
	if r.Stopped.IsZero() {
		return 0
	}
	return r.Stopped.Sub(r.Started)
}

// EventKind classifies connection lifecycle events.
type EventKind string

const (
	EventAdmitted         EventKind = "admitted"
	EventRemoved          EventKind = "removed"
	EventReaped           EventKind = "reaped"
	EventActivated        EventKind = "activated"
	EventDeactivated      EventKind = "deactivated"
	EventRecordingStarted EventKind = "recording_started"
	EventRecordingStopped EventKind = "recording_stopped"
	EventRecordingFailed  EventKind = "recording_failed"
)

// Event is a connection lifecycle notification. Recording is set for
// recording_started and recording_stopped events.
type Event struct {
	Timestamp time.Time  `json:"timestamp"`
	Kind      EventKind  `json:"kind"`
	SenderID  string     `json:"sender_id"`
	Detail    string     `json:"detail,omitempty"`
	Recording *Recording `json:"recording,omitempty"`
}

// String returns a brief summary of the event.
func (e Event) String() string {
	s := fmt.Sprintf("%s %s %s", e.Timestamp.Format(time.RFC3339), e.Kind, e.SenderID)
	if e.Detail != "" {
		s += " (" + e.Detail + ")"
	}
	return s
}
