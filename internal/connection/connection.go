package connection

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/soucevi1/diploma-thesis-server/internal/model"
	"github.com/soucevi1/diploma-thesis-server/internal/ring"
	"github.com/soucevi1/diploma-thesis-server/internal/wav"
)

// timestampLayout is the second-granularity suffix of recording file names.
const timestampLayout = "2006.01.02.15.04.05"

var (
	ErrAlreadyRecording = errors.New("connection is already being recorded")
	ErrNotRecording     = errors.New("connection is not being recorded")
	// ErrFileExists wraps os.ErrExist so callers can match either.
	ErrFileExists = fmt.Errorf("recording file already exists: %w", os.ErrExist)
)

// Connection holds the pre-roll buffer and recording state of one sender.
//
// mu serializes chunk routing against the start/stop transitions: a chunk
// goes wholly to the buffer or wholly to the file, and no chunk accepted
// after StartRecording returns can land in the buffer.
type Connection struct {
	id        string
	format    wav.Format
	firstSeen time.Time
	lastSeen  atomic.Int64 // unix nanos
	datagrams atomic.Uint64
	bytes     atomic.Uint64
	resizeTo  atomic.Int64 // pending buffer capacity, 0 if none

	clock  func() time.Time
	notify func(...model.Event) // lifecycle events raised by the connection itself

	mu        sync.Mutex
	buffer    *ring.Buffer
	recording bool
	dir       string
	maxBytes  int64 // data bytes per file before rolling over
	writer    *wav.Writer
	current   model.Recording
}

// New creates an idle connection with a pre-roll buffer of bufferSize bytes.
func New(id string, bufferSize int, format wav.Format, now time.Time) (*Connection, error) {
	buf, err := ring.New(bufferSize)
	if err != nil {
		return nil, fmt.Errorf("connection %s: %w", id, err)
	}
	c := &Connection{
		id:        id,
		format:    format,
		firstSeen: now,
		clock:     time.Now,
		notify:    func(...model.Event) {},
		buffer:    buf,
		maxBytes:  wav.MaxDataSize,
	}
	c.lastSeen.Store(now.UnixNano())
	return c, nil
}

// ID returns the sender id.
func (c *Connection) ID() string {
	return c.id
}

// Touch records that a datagram of n bytes was received at now.
func (c *Connection) Touch(now time.Time, n int) {
	c.lastSeen.Store(now.UnixNano())
	c.datagrams.Add(1)
	c.bytes.Add(uint64(n))
}

// LastSeen returns the time of the most recent datagram.
func (c *Connection) LastSeen() time.Time {
	return time.Unix(0, c.lastSeen.Load())
}

// IsRecording reports whether chunks are currently routed to a file.
func (c *Connection) IsRecording() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.recording
}

// WriteChunk routes one received chunk to the pre-roll buffer when idle or to
// the recording file when recording. A file that would outgrow the WAV size
// limit is finalized and the recording continues in a new file.
func (c *Connection) WriteChunk(p []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.recording {
		c.applyResizeLocked()
		c.buffer.Write(p)
		return nil
	}
	if c.writer.Written()+int64(len(p)) > c.maxBytes {
		return c.rolloverLocked(p)
	}
	if _, err := c.writer.Write(p); err != nil {
		return fmt.Errorf("connection %s: %w", c.id, err)
	}
	return nil
}

// rolloverLocked finishes the current file and continues in a new one
// starting with p. If the new file cannot be created the connection goes
// back to buffering and p is kept in the buffer.
func (c *Connection) rolloverLocked(p []byte) error {
	now := c.clock()
	prev, finishErr := c.finishLocked(now)
	events := []model.Event{{Timestamp: now, Kind: model.EventRecordingStopped, SenderID: c.id,
		Detail: "file size limit reached", Recording: &prev}}

	next, err := c.startLocked(c.dir, now)
	if err != nil {
		c.buffer.Write(p)
		events = append(events, model.Event{Timestamp: now, Kind: model.EventRecordingFailed, SenderID: c.id,
			Detail: err.Error()})
		c.notify(events...)
		return errors.Join(finishErr, fmt.Errorf("connection %s: continuing after %s: %w", c.id, prev.Path, err))
	}
	events = append(events, model.Event{Timestamp: now, Kind: model.EventRecordingStarted, SenderID: c.id,
		Detail: "continues " + prev.Path, Recording: &next})
	c.notify(events...)

	if _, err := c.writer.Write(p); err != nil {
		return errors.Join(finishErr, fmt.Errorf("connection %s: %w", c.id, err))
	}
	return finishErr
}

// FileName returns the recording file name for a session started at now.
func FileName(id string, now time.Time) string {
	return model.SanitizeID(id) + "_" + now.Format(timestampLayout) + ".wav"
}

// StartRecording opens a new WAV file in dir, flushes the buffered pre-roll
// into it and switches the connection to recording. On any failure the
// connection stays idle and keeps its buffered audio.
func (c *Connection) StartRecording(dir string, now time.Time) (model.Recording, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.recording {
		return c.current, ErrAlreadyRecording
	}
	return c.startLocked(dir, now)
}

func (c *Connection) startLocked(dir string, now time.Time) (model.Recording, error) {
	path := filepath.Join(dir, FileName(c.id, now))
	w, err := wav.Create(path, c.format)
	if err != nil {
		if errors.Is(err, os.ErrExist) {
			return model.Recording{}, fmt.Errorf("%w: %s", ErrFileExists, path)
		}
		return model.Recording{}, fmt.Errorf("connection %s: %w", c.id, err)
	}

	c.applyResizeLocked()
	preroll := c.buffer.ReadAll()
	if _, err := w.Write(preroll); err != nil {
		w.Close()
		os.Remove(path)
		c.buffer.Write(preroll)
		return model.Recording{}, fmt.Errorf("connection %s: writing pre-roll: %w", c.id, err)
	}

	c.writer = w
	c.recording = true
	c.dir = dir
	c.current = model.Recording{
		ID:       uuid.NewString(),
		SenderID: c.id,
		Path:     path,
		Started:  now,
		PreRoll:  int64(len(preroll)),
	}
	return c.current, nil
}

// StopRecording finalizes the WAV file and switches back to buffering.
// The returned Recording is complete even when closing the file failed.
func (c *Connection) StopRecording(now time.Time) (model.Recording, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.recording {
		return model.Recording{}, ErrNotRecording
	}
	return c.finishLocked(now)
}

func (c *Connection) finishLocked(now time.Time) (model.Recording, error) {
	c.recording = false
	rec := c.current
	rec.Stopped = now
	rec.Bytes = c.writer.Written()
	err := c.writer.Close()
	c.writer = nil
	c.current = model.Recording{}

	if err != nil {
		return rec, fmt.Errorf("connection %s: finalizing %s: %w", c.id, rec.Path, err)
	}
	return rec, nil
}

// ResizeBuffer schedules a new pre-roll capacity. It never waits for the
// connection lock; the buffer is resized, keeping the newest audio, the next
// time the connection is used.
func (c *Connection) ResizeBuffer(size int) error {
	if size <= 0 {
		return fmt.Errorf("connection %s: %w", c.id, ring.ErrInvalidCapacity)
	}
	c.resizeTo.Store(int64(size))
	return nil
}

func (c *Connection) applyResizeLocked() {
	size := c.resizeTo.Swap(0)
	if size == 0 || int(size) == c.buffer.Size() {
		return
	}
	// size was validated by ResizeBuffer.
	_ = c.buffer.Resize(int(size))
}

// Info returns a snapshot of the connection. Active is filled in by the registry.
func (c *Connection) Info() model.ConnectionInfo {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.applyResizeLocked()
	info := model.ConnectionInfo{
		ID:         c.id,
		State:      model.StateIdle,
		BufferSize: c.buffer.Size(),
		BufferUsed: c.buffer.Used(),
		Datagrams:  c.datagrams.Load(),
		Bytes:      c.bytes.Load(),
		FirstSeen:  c.firstSeen,
		LastSeen:   c.LastSeen(),
	}
	if c.recording {
		info.State = model.StateRecording
		info.RecordingPath = c.current.Path
	}
	return info
}
