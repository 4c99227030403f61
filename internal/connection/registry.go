package connection

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/soucevi1/diploma-thesis-server/internal/config"
	"github.com/soucevi1/diploma-thesis-server/internal/logging"
	"github.com/soucevi1/diploma-thesis-server/internal/model"
	"github.com/soucevi1/diploma-thesis-server/internal/wav"
)

var (
	// ErrRejected is wrapped by every admission failure.
	ErrRejected     = errors.New("connection rejected")
	ErrRegistryFull = fmt.Errorf("%w: connection limit reached", ErrRejected)
	ErrCoolingDown  = fmt.Errorf("%w: sender was removed recently", ErrRejected)
	ErrNotFound     = errors.New("connection not found")
)

// eventQueueSize bounds undelivered lifecycle events.
const eventQueueSize = 256

// EventHandler receives connection lifecycle events. It runs on the
// registry's delivery goroutine, never under registry locks.
type EventHandler func(model.Event)

// Option configures a Registry.
type Option func(*Registry)

// WithEventHandler installs a lifecycle event handler.
func WithEventHandler(h EventHandler) Option {
	return func(r *Registry) { r.onEvent = h }
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// Registry tracks every known sender, the active sender, admission limits
// and the cooldown list of manually removed senders.
//
// ctl serializes the control path (removal, reaping, recording start/stop,
// Close), so a connection cannot be removed while its recording is being
// started. mu guards the maps and the active slot and is never held while
// waiting for a Connection lock, so the receive loop's Resolve and IsActive
// never wait on file I/O. Lock order is ctl, then mu or Connection.mu.
type Registry struct {
	cfg    config.RegistryConfig
	recDir string
	format wav.Format
	now    func() time.Time
	log    *logging.Logger

	ctl sync.Mutex

	mu         sync.RWMutex
	conns      map[string]*Connection
	active     string
	cooldown   map[string]time.Time // manual removal time per id
	bufferSize int
	slots      int // reserved slots when rebalancing

	onEvent      EventHandler
	events       chan model.Event
	eventsMu     sync.RWMutex
	eventsClosed bool
	eventsWg     sync.WaitGroup

	stopReap  chan struct{}
	reapWg    sync.WaitGroup
	startOnce sync.Once
	closeOnce sync.Once
}

// NewRegistry creates an empty registry. Recordings are written to
// rec.Dir in rec's PCM format.
func NewRegistry(cfg config.RegistryConfig, rec config.RecordingConfig, opts ...Option) *Registry {
	r := &Registry{
		cfg:    cfg,
		recDir: rec.Dir,
		format: wav.Format{
			SampleRate:    rec.SampleRate,
			Channels:      rec.Channels,
			BitsPerSample: rec.BitsPerSample,
		},
		now:        time.Now,
		log:        logging.Default().Named("registry"),
		conns:      make(map[string]*Connection),
		cooldown:   make(map[string]time.Time),
		bufferSize: cfg.BufferBytes(),
		slots:      cfg.ReservedSlots,
		stopReap:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}

	if r.onEvent != nil {
		r.events = make(chan model.Event, eventQueueSize)
		r.eventsWg.Add(1)
		go r.deliverEvents()
	}
	return r
}

// BufferSize returns the pre-roll capacity given to new connections.
func (r *Registry) BufferSize() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.bufferSize
}

// Start launches the idle reaper.
func (r *Registry) Start() {
	r.startOnce.Do(func() {
		r.reapWg.Add(1)
		go r.reapLoop()
	})
}

// Close stops the reaper and finalizes every connection that is still
// recording so no WAV file is left truncated. Connections stay registered.
func (r *Registry) Close() {
	r.closeOnce.Do(func() {
		close(r.stopReap)
		r.reapWg.Wait()

		r.ctl.Lock()
		var stopped []model.Event
		for _, c := range r.snapshot() {
			if ev, ok := r.stopForRemoval(c); ok {
				stopped = append(stopped, ev)
			}
		}
		r.ctl.Unlock()
		r.emit(stopped...)

		if r.events != nil {
			r.eventsMu.Lock()
			r.eventsClosed = true
			close(r.events)
			r.eventsMu.Unlock()
			r.eventsWg.Wait()
		}
	})
}

// Resolve returns the connection for id, admitting a new one when the
// registry has room and id is not cooling down.
func (r *Registry) Resolve(id string) (*Connection, error) {
	r.mu.RLock()
	c, ok := r.conns[id]
	r.mu.RUnlock()
	if ok {
		return c, nil
	}

	now := r.now()
	r.mu.Lock()
	if c, ok := r.conns[id]; ok {
		r.mu.Unlock()
		return c, nil
	}
	if removed, ok := r.cooldown[id]; ok {
		if now.Sub(removed) < r.cfg.Cooldown {
			r.mu.Unlock()
			return nil, ErrCoolingDown
		}
		delete(r.cooldown, id)
	}
	if r.cfg.MaxConnections > 0 && len(r.conns) >= r.cfg.MaxConnections {
		r.mu.Unlock()
		return nil, ErrRegistryFull
	}
	if err := r.growSlotsLocked(len(r.conns) + 1); err != nil {
		r.mu.Unlock()
		return nil, err
	}

	c, err := New(id, r.bufferSize, r.format, now)
	if err != nil {
		r.mu.Unlock()
		return nil, err
	}
	c.clock = r.now
	c.notify = r.emit
	r.conns[id] = c

	events := []model.Event{{Timestamp: now, Kind: model.EventAdmitted, SenderID: id,
		Detail: fmt.Sprintf("buffer %d B", r.bufferSize)}}
	if r.active == "" && r.cfg.AutoActivate {
		r.active = id
		events = append(events, model.Event{Timestamp: now, Kind: model.EventActivated, SenderID: id})
	}
	r.mu.Unlock()

	r.log.Info("New connection %s", id)
	r.emit(events...)
	return c, nil
}

// Get returns the connection for id without admitting it.
func (r *Registry) Get(id string) (*Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.conns[id]
	return c, ok
}

// Len returns the number of registered connections.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// snapshot returns the registered connections.
func (r *Registry) snapshot() []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conns := make([]*Connection, 0, len(r.conns))
	for _, c := range r.conns {
		conns = append(conns, c)
	}
	return conns
}

// List returns a snapshot of all connections sorted by id.
func (r *Registry) List() []model.ConnectionInfo {
	conns := r.snapshot()
	active := r.Active()

	infos := make([]model.ConnectionInfo, 0, len(conns))
	for _, c := range conns {
		info := c.Info()
		info.Active = info.ID == active
		infos = append(infos, info)
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].ID < infos[j].ID })
	return infos
}

// Info returns the snapshot of a single connection.
func (r *Registry) Info(id string) (model.ConnectionInfo, error) {
	r.mu.RLock()
	c, ok := r.conns[id]
	active := r.active
	r.mu.RUnlock()
	if !ok {
		return model.ConnectionInfo{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	info := c.Info()
	info.Active = id == active
	return info, nil
}

// Active returns the active sender id, or "" when none is selected.
func (r *Registry) Active() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.active
}

// IsActive reports whether id is the active sender.
func (r *Registry) IsActive(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.active != "" && r.active == id
}

// SetActive selects the sender whose audio is played back. It does not
// touch the recording state of either connection.
func (r *Registry) SetActive(id string) (previous string, err error) {
	r.mu.Lock()
	if _, ok := r.conns[id]; !ok {
		r.mu.Unlock()
		return "", fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	previous = r.active
	r.active = id
	r.mu.Unlock()

	r.emit(model.Event{Timestamp: r.now(), Kind: model.EventActivated, SenderID: id, Detail: replacedDetail(previous)})
	return previous, nil
}

// ClearActive deselects the active sender.
func (r *Registry) ClearActive() {
	r.mu.Lock()
	previous := r.active
	r.active = ""
	r.mu.Unlock()

	if previous != "" {
		r.emit(model.Event{Timestamp: r.now(), Kind: model.EventDeactivated, SenderID: previous})
	}
}

// Remove unregisters id. A recording in progress is finalized first, then
// the active slot is cleared, then the connection leaves the map. Manual
// removal bans the id from re-admission for the cooldown window.
func (r *Registry) Remove(id string, manual bool) error {
	r.ctl.Lock()
	defer r.ctl.Unlock()

	c, ok := r.Get(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	kind := model.EventReaped
	if manual {
		kind = model.EventRemoved
	}
	events := r.teardown(c, r.now(), kind, "")

	r.log.Info("Connection %s removed (%s)", id, kind)
	r.emit(events...)
	return nil
}

// teardown stops c's recording outside mu, then detaches it from the
// registry. A manual removal starts the id's cooldown in the same critical
// section, so no datagram can re-admit it in between. r.ctl must be held.
func (r *Registry) teardown(c *Connection, now time.Time, kind model.EventKind, detail string) []model.Event {
	var events []model.Event
	if ev, ok := r.stopForRemoval(c); ok {
		events = append(events, ev)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.conns[c.id] != c {
		return events
	}
	if r.active == c.id {
		r.active = ""
		events = append(events, model.Event{Timestamp: now, Kind: model.EventDeactivated, SenderID: c.id})
	}
	delete(r.conns, c.id)
	if kind == model.EventRemoved {
		r.cooldown[c.id] = now
	}
	r.shrinkSlotsLocked()

	return append(events, model.Event{Timestamp: now, Kind: kind, SenderID: c.id, Detail: detail})
}

// stopForRemoval finalizes c's recording if one is running.
func (r *Registry) stopForRemoval(c *Connection) (model.Event, bool) {
	rec, err := c.StopRecording(r.now())
	if errors.Is(err, ErrNotRecording) {
		return model.Event{}, false
	}
	if err != nil {
		r.log.Error("Finalizing recording of %s: %v", c.id, err)
	}
	r.log.Info("File %s created (%d B)", rec.Path, rec.Bytes)
	return model.Event{Timestamp: rec.Stopped, Kind: model.EventRecordingStopped, SenderID: c.id, Recording: &rec}, true
}

// StartRecording starts persisting id's stream. The control lock is held so
// the connection cannot be removed mid-transition.
func (r *Registry) StartRecording(id string) (model.Recording, error) {
	r.ctl.Lock()
	c, ok := r.Get(id)
	if !ok {
		r.ctl.Unlock()
		return model.Recording{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	rec, err := c.StartRecording(r.recDir, r.now())
	r.ctl.Unlock()

	switch {
	case errors.Is(err, ErrAlreadyRecording):
		return rec, err
	case err != nil:
		r.log.Warn("Cannot start recording %s: %v", id, err)
		r.emit(model.Event{Timestamp: r.now(), Kind: model.EventRecordingFailed, SenderID: id, Detail: err.Error()})
		return rec, err
	}

	r.log.Info("Recording the connection %s to %s (%d B pre-roll)", id, rec.Path, rec.PreRoll)
	r.emit(model.Event{Timestamp: rec.Started, Kind: model.EventRecordingStarted, SenderID: id, Recording: &rec})
	return rec, nil
}

// StopRecording finalizes id's recording and returns its summary.
func (r *Registry) StopRecording(id string) (model.Recording, error) {
	r.ctl.Lock()
	c, ok := r.Get(id)
	if !ok {
		r.ctl.Unlock()
		return model.Recording{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	rec, err := c.StopRecording(r.now())
	r.ctl.Unlock()

	if errors.Is(err, ErrNotRecording) {
		return rec, err
	}
	if err != nil {
		r.log.Error("Stopping recording of %s: %v", id, err)
	}
	r.log.Info("File %s created (%d B)", rec.Path, rec.Bytes)
	r.emit(model.Event{Timestamp: rec.Stopped, Kind: model.EventRecordingStopped, SenderID: id, Recording: &rec})
	return rec, err
}

func (r *Registry) emit(events ...model.Event) {
	if r.events == nil {
		return
	}
	r.eventsMu.RLock()
	defer r.eventsMu.RUnlock()
	if r.eventsClosed {
		return
	}
	for _, ev := range events {
		select {
		case r.events <- ev:
		default:
			r.log.Warn("Event queue full, dropping %s event for %s", ev.Kind, ev.SenderID)
		}
	}
}

func (r *Registry) deliverEvents() {
	defer r.eventsWg.Done()
	for ev := range r.events {
		r.onEvent(ev)
	}
}

func replacedDetail(previous string) string {
	if previous == "" {
		return ""
	}
	return "replaced " + previous
}
