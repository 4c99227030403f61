// Package ingest receives audio datagrams over UDP and hands each one to the
// connection of its sender through a pool of workers.
package ingest

import (
	"errors"
	"hash/fnv"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/soucevi1/diploma-thesis-server/internal/config"
	"github.com/soucevi1/diploma-thesis-server/internal/connection"
	"github.com/soucevi1/diploma-thesis-server/internal/logging"
	"github.com/soucevi1/diploma-thesis-server/internal/model"
	"github.com/soucevi1/diploma-thesis-server/internal/playback"
)

// dropWarnInterval limits how often queue overflows are logged.
const dropWarnInterval = time.Second

// Resolver maps a sender id to its connection, admitting new senders.
type Resolver interface {
	Resolve(id string) (*connection.Connection, error)
	IsActive(id string) bool
}

// Stats is a snapshot of dispatcher counters.
type Stats struct {
	Received       uint64 `json:"received"`
	Rejected       uint64 `json:"rejected"`
	Dropped        uint64 `json:"dropped"`
	WriteErrors    uint64 `json:"write_errors"`
	PlaybackErrors uint64 `json:"playback_errors"`
}

type task struct {
	conn   *connection.Connection
	data   []byte
	active bool
}

// Dispatcher owns the UDP socket and the worker pool.
type Dispatcher struct {
	cfg  config.ServerConfig
	reg  Resolver
	sink playback.Sink
	log  *logging.Logger

	mu      sync.Mutex
	conn    *net.UDPConn
	stopped bool
	done    chan struct{}

	queues    []chan task
	workersWg sync.WaitGroup

	received       atomic.Uint64
	rejected       atomic.Uint64
	dropped        atomic.Uint64
	writeErrors    atomic.Uint64
	playbackErrors atomic.Uint64
	lastDropWarn   atomic.Int64
}

// New creates a Dispatcher. A nil sink discards playback data.
func New(cfg config.ServerConfig, reg Resolver, sink playback.Sink) *Dispatcher {
	if sink == nil {
		sink = playback.Discard
	}
	return &Dispatcher{
		cfg:  cfg,
		reg:  reg,
		sink: sink,
		log:  logging.Default().Named("ingest"),
		done: make(chan struct{}),
	}
}

// Start listens on the configured UDP port, starts the workers and runs the
// receive loop. It blocks until Stop is called or listening fails.
func (d *Dispatcher) Start() error {
	conn, err := net.ListenUDP("udp", &net.UDPAddr{Port: d.cfg.Port})
	if err != nil {
		close(d.done)
		return err
	}
	if d.cfg.ReadBuffer > 0 {
		if err := conn.SetReadBuffer(d.cfg.ReadBuffer); err != nil {
			d.log.Warn("Failed to set UDP read buffer to %d: %v", d.cfg.ReadBuffer, err)
		}
	}

	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		conn.Close()
		close(d.done)
		return nil
	}
	d.conn = conn
	d.mu.Unlock()

	workers := d.cfg.Workers
	if workers <= 0 {
		workers = 1
	}
	d.queues = make([]chan task, workers)
	for i := range d.queues {
		d.queues[i] = make(chan task, d.cfg.QueueDepth)
		d.workersWg.Add(1)
		go d.worker(d.queues[i])
	}

	d.log.Info("Listening on UDP %s (%d workers)", conn.LocalAddr(), workers)

	d.readLoop(conn)

	for _, q := range d.queues {
		close(q)
	}
	d.workersWg.Wait()
	close(d.done)
	return nil
}

// readLoop reads datagrams until the socket is closed.
func (d *Dispatcher) readLoop(conn *net.UDPConn) {
	size := d.cfg.DatagramSize
	if size <= 0 {
		size = 65535
	}
	buf := make([]byte, size)
	for {
		n, remoteAddr, err := conn.ReadFromUDP(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			d.log.Error("UDP read error: %v", err)
			continue
		}
		d.received.Add(1)

		id := model.SenderID(remoteAddr)
		c, err := d.reg.Resolve(id)
		if err != nil {
			d.rejected.Add(1)
			d.log.Debug("Datagram from %s rejected: %v", id, err)
			continue
		}
		c.Touch(time.Now(), n)

		// Copy data so buffer can be reused immediately.
		data := make([]byte, n)
		copy(data, buf[:n])

		t := task{conn: c, data: data, active: d.reg.IsActive(id)}
		select {
		case d.queues[d.shard(id)] <- t:
		default:
			d.dropped.Add(1)
			d.warnDrop(id)
		}
	}
}

// shard picks the queue for a sender so its chunks are handled in order.
func (d *Dispatcher) shard(id string) int {
	h := fnv.New32a()
	h.Write([]byte(id))
	return int(h.Sum32() % uint32(len(d.queues)))
}

func (d *Dispatcher) warnDrop(id string) {
	now := time.Now().UnixNano()
	last := d.lastDropWarn.Load()
	if now-last < int64(dropWarnInterval) || !d.lastDropWarn.CompareAndSwap(last, now) {
		return
	}
	d.log.Warn("Worker queue full, dropping datagrams (last from %s, %d dropped total)", id, d.dropped.Load())
}

func (d *Dispatcher) worker(queue <-chan task) {
	defer d.workersWg.Done()
	for t := range queue {
		if err := t.conn.WriteChunk(t.data); err != nil {
			d.writeErrors.Add(1)
			d.log.Error("Chunk write failed: %v", err)
		}
		if !t.active {
			continue
		}
		if err := d.sink.Write(t.data); err != nil {
			d.playbackErrors.Add(1)
			d.log.Warn("Playback of %s failed: %v", t.conn.ID(), err)
		}
	}
}

// Stop closes the socket, causing Start to return once queued datagrams
// have been handled.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return
	}
	d.stopped = true
	conn := d.conn
	d.mu.Unlock()

	if conn == nil {
		return
	}
	conn.Close()
	<-d.done
}

// Addr returns the local address of the listener, or nil if the dispatcher
// has not been started.
func (d *Dispatcher) Addr() net.Addr {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.conn == nil {
		return nil
	}
	return d.conn.LocalAddr()
}

// Stats returns the current counters.
func (d *Dispatcher) Stats() Stats {
	return Stats{
		Received:       d.received.Load(),
		Rejected:       d.rejected.Load(),
		Dropped:        d.dropped.Load(),
		WriteErrors:    d.writeErrors.Load(),
		PlaybackErrors: d.playbackErrors.Load(),
	}
}
