package connection

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/soucevi1/diploma-thesis-server/internal/config"
	"github.com/soucevi1/diploma-thesis-server/internal/model"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: testStart}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type eventLog struct {
	mu     sync.Mutex
	events []model.Event
}

func (l *eventLog) handle(ev model.Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, ev)
}

func (l *eventLog) kinds() []model.EventKind {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]model.EventKind, len(l.events))
	for i, ev := range l.events {
		out[i] = ev.Kind
	}
	return out
}

func testRegistryConfig() config.RegistryConfig {
	return config.RegistryConfig{
		MaxMemoryMB:     1,
		MaxConnections:  2,
		IdleTimeout:     2 * time.Second,
		ReapInterval:    time.Hour,
		Cooldown:        10 * time.Second,
		AutoActivate:    true,
		RebalanceFactor: 10,
		ReservedSlots:   10,
	}
}

func newTestRegistry(t *testing.T, cfg config.RegistryConfig, opts ...Option) (*Registry, *fakeClock) {
	t.Helper()
	clock := newFakeClock()
	rec := config.RecordingConfig{Dir: t.TempDir(), SampleRate: 44100, Channels: 1, BitsPerSample: 16}
	r := NewRegistry(cfg, rec, append([]Option{WithClock(clock.Now)}, opts...)...)
	t.Cleanup(r.Close)
	return r, clock
}

func TestRegistry_ResolveCreatesOnce(t *testing.T) {
	r, _ := newTestRegistry(t, testRegistryConfig())

	a, err := r.Resolve("10.0.0.1:5000")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	b, err := r.Resolve("10.0.0.1:5000")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if a != b {
		t.Error("Resolve returned different connections for the same id")
	}
	if r.Len() != 1 {
		t.Errorf("Len() = %d, want 1", r.Len())
	}
	if got := a.Info().BufferSize; got != 500000 {
		t.Errorf("buffer size = %d, want 1MB/2 connections", got)
	}
}

func TestRegistry_AdmissionAndCooldown(t *testing.T) {
	r, clock := newTestRegistry(t, testRegistryConfig())

	r.Resolve("10.0.0.1:1")
	r.Resolve("10.0.0.2:2")
	if _, err := r.Resolve("10.0.0.3:3"); !errors.Is(err, ErrRegistryFull) || !errors.Is(err, ErrRejected) {
		t.Fatalf("third sender error = %v, want ErrRegistryFull", err)
	}

	if err := r.Remove("10.0.0.2:2", true); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if _, err := r.Resolve("10.0.0.2:2"); !errors.Is(err, ErrCoolingDown) {
		t.Fatalf("re-admission during cooldown error = %v, want ErrCoolingDown", err)
	}
	if !r.CoolingDown("10.0.0.2:2") {
		t.Error("CoolingDown should report true")
	}

	// A different sender may take the free slot.
	if _, err := r.Resolve("10.0.0.3:3"); err != nil {
		t.Fatalf("other sender should be admitted: %v", err)
	}
	r.Remove("10.0.0.3:3", false)

	clock.Advance(10 * time.Second)
	if _, err := r.Resolve("10.0.0.2:2"); err != nil {
		t.Fatalf("re-admission after cooldown failed: %v", err)
	}
}

func TestRegistry_TimeoutRemovalDoesNotBlacklist(t *testing.T) {
	r, _ := newTestRegistry(t, testRegistryConfig())
	r.Resolve("10.0.0.1:1")
	r.Remove("10.0.0.1:1", false)
	if _, err := r.Resolve("10.0.0.1:1"); err != nil {
		t.Fatalf("non-manual removal must not cool down: %v", err)
	}
}

func TestRegistry_RemoveUnknown(t *testing.T) {
	r, _ := newTestRegistry(t, testRegistryConfig())
	if err := r.Remove("10.0.0.9:9", true); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Remove unknown error = %v, want ErrNotFound", err)
	}
	if r.CoolingDown("10.0.0.9:9") {
		t.Error("unknown id should not be put on cooldown")
	}
}

func TestRegistry_ActiveSelection(t *testing.T) {
	r, _ := newTestRegistry(t, testRegistryConfig())
	r.Resolve("10.0.0.1:1")
	r.Resolve("10.0.0.2:2")

	if r.Active() != "10.0.0.1:1" {
		t.Fatalf("first sender should auto-activate, Active() = %q", r.Active())
	}
	r.StartRecording("10.0.0.1:1")

	prev, err := r.SetActive("10.0.0.2:2")
	if err != nil || prev != "10.0.0.1:1" {
		t.Fatalf("SetActive = %q, %v", prev, err)
	}
	if !r.IsActive("10.0.0.2:2") || r.IsActive("10.0.0.1:1") {
		t.Error("IsActive does not reflect the switch")
	}
	c, _ := r.Get("10.0.0.1:1")
	if !c.IsRecording() {
		t.Error("switching active must not stop recording of the previous sender")
	}
	if _, err := r.SetActive("10.0.0.7:7"); !errors.Is(err, ErrNotFound) {
		t.Errorf("SetActive unknown error = %v, want ErrNotFound", err)
	}

	infos := r.List()
	if len(infos) != 2 || infos[0].ID != "10.0.0.1:1" || infos[0].Active || !infos[1].Active {
		t.Errorf("List = %+v", infos)
	}
	if infos[0].State != model.StateRecording {
		t.Errorf("List state = %s, want recording", infos[0].State)
	}

	r.ClearActive()
	if r.Active() != "" {
		t.Errorf("Active() = %q after ClearActive", r.Active())
	}
}

func TestRegistry_NoAutoActivate(t *testing.T) {
	cfg := testRegistryConfig()
	cfg.AutoActivate = false
	r, _ := newTestRegistry(t, cfg)
	r.Resolve("10.0.0.1:1")
	if r.Active() != "" {
		t.Errorf("Active() = %q, want none", r.Active())
	}
}

func TestRegistry_RemoveActiveRecordingConnection(t *testing.T) {
	events := &eventLog{}
	r, _ := newTestRegistry(t, testRegistryConfig(), WithEventHandler(events.handle))
	c, _ := r.Resolve("10.0.0.1:1")
	c.WriteChunk(chunk(9, 12))
	rec, err := r.StartRecording("10.0.0.1:1")
	if err != nil {
		t.Fatalf("StartRecording: %v", err)
	}
	c.WriteChunk(chunk(8, 4))

	if err := r.Remove("10.0.0.1:1", true); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if r.Active() != "" || r.Len() != 0 {
		t.Fatalf("Active=%q Len=%d after removal", r.Active(), r.Len())
	}
	if c.IsRecording() {
		t.Error("removed connection is still recording")
	}
	if got := readRecording(t, rec.Path); len(got) != 16 {
		t.Errorf("finalized file has %d bytes, want 16", len(got))
	}

	r.Close()
	want := []model.EventKind{
		model.EventAdmitted, model.EventActivated, model.EventRecordingStarted,
		model.EventRecordingStopped, model.EventDeactivated, model.EventRemoved,
	}
	got := events.kinds()
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Errorf("events = %v, want %v", got, want)
	}
}

func TestRegistry_RecordingGuards(t *testing.T) {
	r, _ := newTestRegistry(t, testRegistryConfig())
	if _, err := r.StartRecording("10.0.0.1:1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("StartRecording unknown error = %v", err)
	}
	r.Resolve("10.0.0.1:1")
	if _, err := r.StopRecording("10.0.0.1:1"); !errors.Is(err, ErrNotRecording) {
		t.Errorf("StopRecording idle error = %v, want ErrNotRecording", err)
	}
	if _, err := r.StartRecording("10.0.0.1:1"); err != nil {
		t.Fatalf("StartRecording: %v", err)
	}
	if _, err := r.StartRecording("10.0.0.1:1"); !errors.Is(err, ErrAlreadyRecording) {
		t.Errorf("second StartRecording error = %v, want ErrAlreadyRecording", err)
	}
	rec, err := r.StopRecording("10.0.0.1:1")
	if err != nil || rec.Stopped.IsZero() {
		t.Errorf("StopRecording = %+v, %v", rec, err)
	}
}

func TestRegistry_ReapIdle(t *testing.T) {
	events := &eventLog{}
	r, clock := newTestRegistry(t, testRegistryConfig(), WithEventHandler(events.handle))
	stale, _ := r.Resolve("10.0.0.1:1")
	fresh, _ := r.Resolve("10.0.0.2:2")
	stale.Touch(clock.Now(), 10)
	r.StartRecording("10.0.0.1:1")

	clock.Advance(3 * time.Second)
	fresh.Touch(clock.Now(), 10)

	removed := r.ReapIdle(clock.Now())
	if len(removed) != 1 || removed[0] != "10.0.0.1:1" {
		t.Fatalf("ReapIdle removed %v, want [10.0.0.1:1]", removed)
	}
	if _, ok := r.Get("10.0.0.2:2"); !ok {
		t.Error("recently touched connection was reaped")
	}
	if stale.IsRecording() {
		t.Error("reaped connection still recording")
	}
	// Reaping does not blacklist.
	if _, err := r.Resolve("10.0.0.1:1"); err != nil {
		t.Errorf("reaped sender should be re-admitted: %v", err)
	}

	r.Close()
	var reaped *model.Event
	for _, ev := range events.events {
		if ev.Kind == model.EventReaped {
			ev := ev
			reaped = &ev
		}
	}
	if reaped == nil || reaped.SenderID != "10.0.0.1:1" || reaped.Detail == "" {
		t.Errorf("reaped event = %+v", reaped)
	}
}

func TestRegistry_ReapIdlePurgesCooldown(t *testing.T) {
	r, clock := newTestRegistry(t, testRegistryConfig())
	r.Resolve("10.0.0.1:1")
	r.Remove("10.0.0.1:1", true)
	clock.Advance(11 * time.Second)
	r.ReapIdle(clock.Now())

	r.mu.RLock()
	n := len(r.cooldown)
	r.mu.RUnlock()
	if n != 0 {
		t.Errorf("cooldown entries = %d after expiry sweep, want 0", n)
	}
}

func TestRegistry_ReaperLoop(t *testing.T) {
	cfg := testRegistryConfig()
	cfg.IdleTimeout = 20 * time.Millisecond
	cfg.ReapInterval = 10 * time.Millisecond
	rec := config.RecordingConfig{Dir: t.TempDir(), SampleRate: 44100, Channels: 1, BitsPerSample: 16}
	r := NewRegistry(cfg, rec)
	r.Start()
	defer r.Close()

	r.Resolve("10.0.0.1:1")
	deadline := time.After(2 * time.Second)
	for r.Len() != 0 {
		select {
		case <-deadline:
			t.Fatal("reaper did not remove the idle connection")
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestRegistry_CloseFinalizesRecordings(t *testing.T) {
	r, _ := newTestRegistry(t, testRegistryConfig())
	c, _ := r.Resolve("10.0.0.1:1")
	rec, _ := r.StartRecording("10.0.0.1:1")
	c.WriteChunk(chunk(1, 10))

	r.Close()
	r.Close()
	if c.IsRecording() {
		t.Error("Close left a connection recording")
	}
	if got := readRecording(t, rec.Path); len(got) != 10 {
		t.Errorf("file has %d bytes, want 10", len(got))
	}
	// Operations after Close must not panic.
	r.Remove("10.0.0.1:1", true)
}

func TestRegistry_Rebalance(t *testing.T) {
	cfg := testRegistryConfig()
	cfg.MaxConnections = 0
	cfg.Rebalance = true
	cfg.RebalanceFactor = 2
	cfg.ReservedSlots = 2
	r, _ := newTestRegistry(t, cfg)

	a, _ := r.Resolve("10.0.0.1:1")
	r.Resolve("10.0.0.2:2")
	if a.Info().BufferSize != 500000 {
		t.Fatalf("initial buffer = %d, want 500000", a.Info().BufferSize)
	}

	c, err := r.Resolve("10.0.0.3:3")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if a.Info().BufferSize != 250000 || c.Info().BufferSize != 250000 || r.BufferSize() != 250000 {
		t.Errorf("after growth buffers = %d/%d, want 250000", a.Info().BufferSize, c.Info().BufferSize)
	}

	r.Remove("10.0.0.3:3", false)
	r.Remove("10.0.0.2:2", false)
	if a.Info().BufferSize != 500000 {
		t.Errorf("after shrink buffer = %d, want 500000", a.Info().BufferSize)
	}
}

func TestRegistry_UnlimitedWithoutRebalanceKeepsCeiling(t *testing.T) {
	cfg := testRegistryConfig()
	cfg.MaxConnections = 0
	cfg.Rebalance = false
	cfg.ReservedSlots = 2
	r, _ := newTestRegistry(t, cfg)

	r.Resolve("10.0.0.1:1")
	r.Resolve("10.0.0.2:2")
	if _, err := r.Resolve("10.0.0.3:3"); !errors.Is(err, ErrRegistryFull) {
		t.Errorf("third sender error = %v, want ErrRegistryFull", err)
	}
}

func TestRegistry_ConcurrentResolveRemove(t *testing.T) {
	cfg := testRegistryConfig()
	cfg.MaxConnections = 0
	cfg.Rebalance = true
	cfg.MaxMemoryMB = 10
	r, clock := newTestRegistry(t, cfg)

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				id := fmt.Sprintf("10.0.%d.%d:%d", w, i%5, 1000+i%5)
				if c, err := r.Resolve(id); err == nil {
					c.Touch(clock.Now(), 4)
					c.WriteChunk([]byte{1, 2, 3, 4})
				}
				if i%7 == 0 {
					r.Remove(id, false)
				}
				if i%11 == 0 {
					r.SetActive(id)
					r.List()
				}
			}
		}(w)
	}
	wg.Wait()

	if active := r.Active(); active != "" {
		if _, ok := r.Get(active); !ok {
			t.Errorf("active id %q is not registered", active)
		}
	}
}

// holdConnection locks c as a worker does while writing a chunk and returns
// the function that releases it.
func holdConnection(c *Connection) func() {
	c.mu.Lock()
	return c.mu.Unlock
}

// within fails the test if fn does not return before the deadline.
func within(t *testing.T, d time.Duration, what string, fn func()) {
	t.Helper()
	done := make(chan struct{})
	go func() {
		defer close(done)
		fn()
	}()
	select {
	case <-done:
	case <-time.After(d):
		t.Fatalf("%s blocked for more than %s", what, d)
	}
}

func TestRegistry_ControlPathDoesNotStallIngest(t *testing.T) {
	tests := []struct {
		name    string
		control func(r *Registry, clock *fakeClock)
	}{
		{"remove", func(r *Registry, _ *fakeClock) { r.Remove("10.0.0.1:1", true) }},
		{"reap", func(r *Registry, clock *fakeClock) { r.ReapIdle(clock.Now().Add(time.Hour)) }},
		{"stop recording", func(r *Registry, _ *fakeClock) { r.StopRecording("10.0.0.1:1") }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testRegistryConfig()
			cfg.MaxConnections = 4
			r, clock := newTestRegistry(t, cfg)
			a, _ := r.Resolve("10.0.0.1:1")
			r.Resolve("10.0.0.2:2")
			if _, err := r.StartRecording("10.0.0.1:1"); err != nil {
				t.Fatalf("StartRecording: %v", err)
			}

			release := holdConnection(a)
			controlDone := make(chan struct{})
			go func() {
				defer close(controlDone)
				tt.control(r, clock)
			}()
			// Let the control path reach the held connection.
			time.Sleep(20 * time.Millisecond)

			within(t, 500*time.Millisecond, "ingest path", func() {
				if _, err := r.Resolve("10.0.0.2:2"); err != nil {
					t.Errorf("Resolve existing: %v", err)
				}
				r.IsActive("10.0.0.2:2")
				if _, err := r.Resolve("10.0.0.3:3"); err != nil {
					t.Errorf("Resolve new: %v", err)
				}
			})

			release()
			select {
			case <-controlDone:
			case <-time.After(2 * time.Second):
				t.Fatal("control operation did not finish after the connection was released")
			}
			if a.IsRecording() {
				t.Error("connection still recording after the control operation")
			}
		})
	}
}

func TestRegistry_RebalanceDoesNotWaitForConnections(t *testing.T) {
	cfg := testRegistryConfig()
	cfg.MaxConnections = 0
	cfg.Rebalance = true
	cfg.RebalanceFactor = 2
	cfg.ReservedSlots = 2
	r, _ := newTestRegistry(t, cfg)

	a, _ := r.Resolve("10.0.0.1:1")
	r.Resolve("10.0.0.2:2")

	release := holdConnection(a)
	within(t, 500*time.Millisecond, "admission with resize", func() {
		if _, err := r.Resolve("10.0.0.3:3"); err != nil {
			t.Errorf("Resolve: %v", err)
		}
	})
	release()

	if got := a.Info().BufferSize; got != 250000 {
		t.Errorf("held connection resized to %d after release, want 250000", got)
	}
}

func TestRegistry_ManualRemoveDuringRecordingStartsCooldown(t *testing.T) {
	r, _ := newTestRegistry(t, testRegistryConfig())
	r.Resolve("10.0.0.1:1")
	r.StartRecording("10.0.0.1:1")

	if err := r.Remove("10.0.0.1:1", true); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if _, err := r.Resolve("10.0.0.1:1"); !errors.Is(err, ErrCoolingDown) {
		t.Errorf("Resolve after manual removal = %v, want ErrCoolingDown", err)
	}
}
