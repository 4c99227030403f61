package storage

import (
	"time"

	"github.com/soucevi1/diploma-thesis-server/internal/model"
)

// EventStore defines the interface for persisting and querying connection
// lifecycle events.
type EventStore interface {
	// Insert stores one or more events.
	Insert(events []model.Event) error

	// Recent returns events from the last duration d, most recent first, up
	// to limit results. If limit is 0, all matching events are returned.
	Recent(d time.Duration, limit int) ([]model.Event, error)

	// Close releases any resources held by the storage backend.
	Close() error
}

// RecordingCatalog indexes the WAV files produced by the server.
type RecordingCatalog interface {
	// SaveRecording inserts or updates a recording by id.
	SaveRecording(rec model.Recording) error

	// Recordings returns recordings started within the last duration d,
	// most recent first. If senderID is non-empty only that sender's
	// recordings are returned.
	Recordings(d time.Duration, senderID string, limit int) ([]model.Recording, error)
}
