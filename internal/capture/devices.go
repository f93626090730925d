package capture

import (
	"fmt"

	"github.com/gordonklaus/portaudio"
)

// Device describes one PortAudio device for operator listings.
type Device struct {
	Index             int
	Name              string
	MaxInputChannels  int
	MaxOutputChannels int
	DefaultSampleRate float64
	LowLatencyMs      float64
	HighLatencyMs     float64
	DefaultInput      bool
}

// ListDevices enumerates the host's audio devices. It initialises and
// terminates PortAudio around the query, so it must not run while a
// capture stream is open.
func ListDevices() ([]Device, error) {
	if err := portaudio.Initialize(); err != nil {
		return nil, fmt.Errorf("capture: portaudio init: %w", err)
	}
	defer portaudio.Terminate() //nolint:errcheck

	devices, err := portaudio.Devices()
	if err != nil {
		return nil, fmt.Errorf("capture: list devices: %w", err)
	}

	var defaultName string
	if def, err := portaudio.DefaultInputDevice(); err == nil {
		defaultName = def.Name
	}

	out := make([]Device, 0, len(devices))
	for i, dev := range devices {
		out = append(out, Device{
			Index:             i,
			Name:              dev.Name,
			MaxInputChannels:  dev.MaxInputChannels,
			MaxOutputChannels: dev.MaxOutputChannels,
			DefaultSampleRate: dev.DefaultSampleRate,
			LowLatencyMs:      dev.DefaultLowInputLatency.Seconds() * 1000,
			HighLatencyMs:     dev.DefaultHighInputLatency.Seconds() * 1000,
			DefaultInput:      dev.MaxInputChannels > 0 && dev.Name == defaultName,
		})
	}
	return out, nil
}
