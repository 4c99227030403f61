//go:build linux && cgo

package playback

import (
	"errors"
	"fmt"

	alsa "github.com/cocoonlife/goalsa"

	"github.com/soucevi1/diploma-thesis-server/internal/config"
	"github.com/soucevi1/diploma-thesis-server/internal/logging"
)

// alsaSink plays S16LE audio on an ALSA playback device.
type alsaSink struct {
	dev *alsa.PlaybackDevice
	dec sampleDecoder
	log *logging.Logger
}

func openDevice(cfg config.PlaybackConfig, rec config.RecordingConfig) (Sink, error) {
	period := rec.SampleRate * cfg.PeriodMs / 1000
	if period <= 0 {
		period = rec.SampleRate / 10
	}
	params := alsa.BufferParams{
		BufferFrames: period * 20,
		PeriodFrames: period,
		Periods:      20,
	}
	dev, err := alsa.NewPlaybackDevice(cfg.Device, rec.Channels, alsa.FormatS16LE, rec.SampleRate, params)
	if err != nil {
		return nil, fmt.Errorf("playback: open ALSA device %q: %w", cfg.Device, err)
	}
	log := logging.Default().Named("playback")
	log.Info("Playing %d Hz %d-ch S16_LE on ALSA device %q", rec.SampleRate, rec.Channels, cfg.Device)
	return &alsaSink{dev: dev, log: log}, nil
}

func (s *alsaSink) Write(p []byte) error {
	samples := s.dec.decode(p)
	if len(samples) == 0 {
		return nil
	}
	if _, err := s.dev.Write(samples); err != nil {
		if errors.Is(err, alsa.ErrUnderrun) {
			s.log.Debug("ALSA underrun, continuing")
			return nil
		}
		return fmt.Errorf("playback: ALSA write: %w", err)
	}
	return nil
}

func (s *alsaSink) Close() error {
	s.dev.Close()
	return nil
}
