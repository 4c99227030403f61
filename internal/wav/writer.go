// Package wav writes canonical PCM RIFF/WAVE files whose sizes are
// back-patched when the writer is closed.
package wav

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"sync"
)

// HeaderSize is the size of the canonical 44-byte PCM WAV header.
const HeaderSize = 44

// MaxDataSize is the largest data chunk a RIFF file can describe.
const MaxDataSize = math.MaxUint32 - HeaderSize

const formatPCM = 1

var (
	// ErrClosed is returned by Write after Close.
	ErrClosed = errors.New("wav: writer closed")
	// ErrTooLarge is returned when the data chunk would exceed the 32-bit RIFF limit.
	ErrTooLarge = errors.New("wav: data chunk exceeds 4 GiB")
	// ErrInvalidHeader is returned by ReadFile for anything but canonical PCM WAV.
	ErrInvalidHeader = errors.New("wav: not a canonical PCM file")
)

// Format describes the PCM layout of the data chunk.
type Format struct {
	SampleRate    int
	Channels      int
	BitsPerSample int
}

// DefaultFormat is 44.1 kHz mono signed 16-bit little-endian PCM.
var DefaultFormat = Format{SampleRate: 44100, Channels: 1, BitsPerSample: 16}

// BlockAlign returns the size of one frame in bytes.
func (f Format) BlockAlign() int {
	return f.Channels * ((f.BitsPerSample + 7) / 8)
}

// ByteRate returns the number of data bytes per second.
func (f Format) ByteRate() int {
	return f.SampleRate * f.BlockAlign()
}

// Writer appends PCM bytes to a WAV file. It is safe for concurrent use.
type Writer struct {
	mu       sync.Mutex
	file     *os.File
	path     string
	format   Format
	dataSize uint32
	closed   bool
}

// Create creates a new WAV file at path and writes a placeholder header.
// It never overwrites: if path exists the returned error wraps os.ErrExist.
func Create(path string, format Format) (*Writer, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return nil, fmt.Errorf("wav: create %s: %w", path, err)
	}

	w := &Writer{file: f, path: path, format: format}
	if err := w.writeHeader(); err != nil {
		f.Close()
		os.Remove(path)
		return nil, err
	}
	return w, nil
}

// Write appends raw PCM bytes to the data chunk.
func (w *Writer) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return 0, ErrClosed
	}
	if uint64(w.dataSize)+uint64(len(p)) > MaxDataSize {
		return 0, ErrTooLarge
	}
	n, err := w.file.Write(p)
	w.dataSize += uint32(n)
	if err != nil {
		return n, fmt.Errorf("wav: write %s: %w", w.path, err)
	}
	return n, nil
}

// Close rewrites the header with the final sizes and closes the file.
// Closing twice is a no-op.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil
	}
	w.closed = true

	var errs []error
	if _, err := w.file.Seek(0, io.SeekStart); err != nil {
		errs = append(errs, fmt.Errorf("wav: seek header: %w", err))
	} else if err := w.writeHeader(); err != nil {
		errs = append(errs, err)
	}
	if err := w.file.Close(); err != nil {
		errs = append(errs, fmt.Errorf("wav: close %s: %w", w.path, err))
	}
	return errors.Join(errs...)
}

// Written returns the number of PCM bytes in the data chunk so far.
func (w *Writer) Written() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return int64(w.dataSize)
}

// Path returns the file path.
func (w *Writer) Path() string {
	return w.path
}

// Format returns the PCM format of the file.
func (w *Writer) Format() Format {
	return w.format
}

func (w *Writer) writeHeader() error {
	var hdr [HeaderSize]byte

	// RIFF header.
	copy(hdr[0:4], "RIFF")
	binary.LittleEndian.PutUint32(hdr[4:8], HeaderSize-8+w.dataSize)
	copy(hdr[8:12], "WAVE")

	// fmt sub-chunk.
	copy(hdr[12:16], "fmt ")
	binary.LittleEndian.PutUint32(hdr[16:20], 16)
	binary.LittleEndian.PutUint16(hdr[20:22], formatPCM)
	binary.LittleEndian.PutUint16(hdr[22:24], uint16(w.format.Channels))
	binary.LittleEndian.PutUint32(hdr[24:28], uint32(w.format.SampleRate))
	binary.LittleEndian.PutUint32(hdr[28:32], uint32(w.format.ByteRate()))
	binary.LittleEndian.PutUint16(hdr[32:34], uint16(w.format.BlockAlign()))
	binary.LittleEndian.PutUint16(hdr[34:36], uint16(w.format.BitsPerSample))

	// data sub-chunk.
	copy(hdr[36:40], "data")
	binary.LittleEndian.PutUint32(hdr[40:44], w.dataSize)

	if _, err := w.file.Write(hdr[:]); err != nil {
		return fmt.Errorf("wav: write header: %w", err)
	}
	return nil
}

// ReadFile parses a canonical PCM WAV file written by Writer and returns its
// format and data chunk.
func ReadFile(path string) (Format, []byte, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Format{}, nil, err
	}
	if len(raw) < HeaderSize ||
		string(raw[0:4]) != "RIFF" || string(raw[8:12]) != "WAVE" ||
		string(raw[12:16]) != "fmt " || string(raw[36:40]) != "data" ||
		binary.LittleEndian.Uint16(raw[20:22]) != formatPCM {
		return Format{}, nil, ErrInvalidHeader
	}

	f := Format{
		Channels:      int(binary.LittleEndian.Uint16(raw[22:24])),
		SampleRate:    int(binary.LittleEndian.Uint32(raw[24:28])),
		BitsPerSample: int(binary.LittleEndian.Uint16(raw[34:36])),
	}
	riffSize := binary.LittleEndian.Uint32(raw[4:8])
	dataSize := binary.LittleEndian.Uint32(raw[40:44])
	if int(dataSize) != len(raw)-HeaderSize || riffSize != dataSize+HeaderSize-8 {
		return f, nil, fmt.Errorf("%w: sizes riff=%d data=%d file=%d", ErrInvalidHeader, riffSize, dataSize, len(raw))
	}
	return f, raw[HeaderSize:], nil
}
