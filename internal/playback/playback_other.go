//go:build !(linux && cgo) && !(darwin && cgo)

package playback

import (
	"fmt"
	"runtime"

	"github.com/soucevi1/diploma-thesis-server/internal/config"
)

// openDevice is a stub for builds without an audio backend.
func openDevice(cfg config.PlaybackConfig, rec config.RecordingConfig) (Sink, error) {
	return nil, fmt.Errorf("playback: no audio backend on %s (requires cgo with ALSA on Linux or PortAudio on macOS)", runtime.GOOS)
}
