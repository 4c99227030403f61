// Package playback plays the active sender's PCM stream on a local audio
// device.
package playback

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"github.com/soucevi1/diploma-thesis-server/internal/config"
)

// ErrClosed is returned by writes to a closed sink.
var ErrClosed = errors.New("playback: sink closed")

// Sink consumes raw little-endian PCM chunks.
type Sink interface {
	Write(p []byte) error
	Close() error
}

// Discard is a Sink that drops everything, used when playback is disabled.
var Discard Sink = discard{}

type discard struct{}

func (discard) Write([]byte) error { return nil }
func (discard) Close() error       { return nil }

// serialized lets exactly one goroutine write to the device at a time.
type serialized struct {
	mu     sync.Mutex
	sink   Sink
	closed bool
}

// Serialized wraps s so that concurrent callers never interleave writes.
func Serialized(s Sink) Sink {
	return &serialized{sink: s}
}

func (s *serialized) Write(p []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	return s.sink.Write(p)
}

func (s *serialized) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.sink.Close()
}

// Open returns the playback sink described by cfg, already serialized.
// A disabled config yields Discard.
func Open(cfg config.PlaybackConfig, rec config.RecordingConfig) (Sink, error) {
	if !cfg.Enabled {
		return Discard, nil
	}
	if rec.BitsPerSample != 16 {
		return nil, fmt.Errorf("playback: only 16-bit PCM is supported, got %d-bit", rec.BitsPerSample)
	}
	dev, err := openDevice(cfg, rec)
	if err != nil {
		return nil, err
	}
	return Serialized(dev), nil
}

// sampleDecoder turns a byte stream into S16LE samples, carrying an odd
// trailing byte over to the next chunk.
type sampleDecoder struct {
	carry   []byte
	samples []int16
}

func (d *sampleDecoder) decode(p []byte) []int16 {
	if len(d.carry) > 0 {
		p = append(d.carry, p...)
		d.carry = d.carry[:0]
	}
	n := len(p) / 2
	if cap(d.samples) < n {
		d.samples = make([]int16, n)
	}
	d.samples = d.samples[:n]
	for i := 0; i < n; i++ {
		d.samples[i] = int16(binary.LittleEndian.Uint16(p[2*i:]))
	}
	if len(p)%2 == 1 {
		d.carry = append(d.carry[:0], p[len(p)-1])
	}
	return d.samples
}
