package storage

import (
	"fmt"
	"testing"
	"time"

	"github.com/soucevi1/diploma-thesis-server/internal/model"
)

func TestEventBuffer_InsertAndLen(t *testing.T) {
	eb := NewEventBuffer(10)

	if eb.Len() != 0 {
		t.Errorf("empty buffer Len() = %d, want 0", eb.Len())
	}

	now := time.Now()
	events := []model.Event{
		makeTestEvent(model.EventAdmitted, "10.0.0.1:5000", now),
		makeTestEvent(model.EventActivated, "10.0.0.1:5000", now),
	}
	if err := eb.Insert(events); err != nil {
		t.Fatalf("Insert failed: %v", err)
	}

	if eb.Len() != 2 {
		t.Errorf("Len() = %d, want 2", eb.Len())
	}
}

func TestEventBuffer_Overflow(t *testing.T) {
	eb := NewEventBuffer(3)

	now := time.Now()
	for i := 0; i < 5; i++ {
		ev := makeTestEvent(model.EventAdmitted, fmt.Sprintf("10.0.0.%d:5000", i), now.Add(time.Duration(i)*time.Millisecond))
		if err := eb.Insert([]model.Event{ev}); err != nil {
			t.Fatalf("Insert %d failed: %v", i, err)
		}
	}

	if eb.Len() != 3 {
		t.Fatalf("Len() = %d, want 3", eb.Len())
	}

	last := eb.Last(0)
	want := []string{"10.0.0.4:5000", "10.0.0.3:5000", "10.0.0.2:5000"}
	for i, w := range want {
		if last[i].SenderID != w {
			t.Errorf("last[%d].SenderID = %s, want %s", i, last[i].SenderID, w)
		}
	}
}

func TestEventBuffer_RecentTimeFilter(t *testing.T) {
	eb := NewEventBuffer(10)

	now := time.Now()
	events := []model.Event{
		makeTestEvent(model.EventAdmitted, "10.0.0.1:5000", now.Add(-30*time.Minute)),
		makeTestEvent(model.EventAdmitted, "10.0.0.2:5000", now.Add(-5*time.Minute)),
		makeTestEvent(model.EventAdmitted, "10.0.0.3:5000", now),
	}
	if err := eb.Insert(events); err != nil {
		t.Fatalf("Insert failed: %v", err)
	}

	recent, err := eb.Recent(10*time.Minute, 0)
	if err != nil {
		t.Fatalf("Recent failed: %v", err)
	}
	if len(recent) != 2 {
		t.Fatalf("Recent(10m) returned %d events, want 2", len(recent))
	}
	if recent[0].SenderID != "10.0.0.3:5000" {
		t.Errorf("recent[0].SenderID = %s, want most recent", recent[0].SenderID)
	}
}

func TestEventBuffer_RecentWithLimit(t *testing.T) {
	eb := NewEventBuffer(10)

	now := time.Now()
	for i := 0; i < 8; i++ {
		ev := makeTestEvent(model.EventAdmitted, "10.0.0.1:5000", now.Add(-time.Duration(i)*time.Second))
		eb.Insert([]model.Event{ev})
	}

	recent, err := eb.Recent(time.Hour, 3)
	if err != nil {
		t.Fatalf("Recent failed: %v", err)
	}
	if len(recent) != 3 {
		t.Errorf("Recent(1h, limit=3) returned %d events, want 3", len(recent))
	}
}

func TestEventBuffer_LastClampsToCount(t *testing.T) {
	eb := NewEventBuffer(5)
	eb.Insert([]model.Event{makeTestEvent(model.EventAdmitted, "10.0.0.1:5000", time.Now())})

	if got := len(eb.Last(10)); got != 1 {
		t.Errorf("Last(10) returned %d events, want 1", got)
	}
	if got := len(NewEventBuffer(0).Last(1)); got != 0 {
		t.Errorf("Last on empty buffer returned %d events", got)
	}
}

var (
	_ EventStore       = (*EventBuffer)(nil)
	_ EventStore       = (*SQLiteStore)(nil)
	_ RecordingCatalog = (*SQLiteStore)(nil)
)
