//go:build darwin && cgo

package playback

import (
	"fmt"

	"github.com/gordonklaus/portaudio"

	"github.com/soucevi1/diploma-thesis-server/internal/config"
	"github.com/soucevi1/diploma-thesis-server/internal/logging"
)

// portAudioSink plays S16LE audio on the default PortAudio output using
// blocking writes of whole periods.
type portAudioSink struct {
	stream  *portaudio.Stream
	out     []int16 // the stream's bound write buffer
	pending []int16
	dec     sampleDecoder
}

func openDevice(cfg config.PlaybackConfig, rec config.RecordingConfig) (Sink, error) {
	if err := portaudio.Initialize(); err != nil {
		return nil, fmt.Errorf("playback: portaudio init: %w", err)
	}
	frames := rec.SampleRate * cfg.PeriodMs / 1000
	if frames <= 0 {
		frames = rec.SampleRate / 10
	}
	s := &portAudioSink{out: make([]int16, frames*rec.Channels)}
	stream, err := portaudio.OpenDefaultStream(0, rec.Channels, float64(rec.SampleRate), frames, &s.out)
	if err != nil {
		portaudio.Terminate() //nolint:errcheck
		return nil, fmt.Errorf("playback: portaudio open stream: %w", err)
	}
	if err := stream.Start(); err != nil {
		stream.Close()
		portaudio.Terminate() //nolint:errcheck
		return nil, fmt.Errorf("playback: portaudio start stream: %w", err)
	}
	s.stream = stream
	logging.Default().Named("playback").Info("Playing %d Hz %d-ch S16 on the default PortAudio output", rec.SampleRate, rec.Channels)
	return s, nil
}

func (s *portAudioSink) Write(p []byte) error {
	s.pending = append(s.pending, s.dec.decode(p)...)
	for len(s.pending) >= len(s.out) {
		copy(s.out, s.pending[:len(s.out)])
		s.pending = s.pending[len(s.out):]
		if err := s.stream.Write(); err != nil {
			return fmt.Errorf("playback: portaudio write: %w", err)
		}
	}
	// Compact so pending does not grow without bound.
	s.pending = append(s.pending[:0:0], s.pending...)
	return nil
}

func (s *portAudioSink) Close() error {
	err := s.stream.Stop()
	if cerr := s.stream.Close(); err == nil {
		err = cerr
	}
	portaudio.Terminate() //nolint:errcheck
	return err
}
