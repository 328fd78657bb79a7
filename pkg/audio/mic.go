// Package audio carries media between local devices and the peer
// connection: an opus microphone source pumped onto a local track, and a
// sink draining the remote track into a player.
package audio

import (
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/pion/webrtc/v3"
	"github.com/pion/webrtc/v3/pkg/media"
)

// DefaultFrameDuration is the opus frame duration the pump assumes when the
// source does not report one.
const DefaultFrameDuration = 20 * time.Millisecond

// Source yields encoded opus frames from a capture device. ReadFrame blocks
// until a frame is available and returns io.EOF when the device closes.
type Source interface {
	// ReadFrame returns one encoded opus frame.
	ReadFrame() ([]byte, error)

	// Close releases the capture device.
	Close() error
}

// Microphone pumps frames from a Source onto a local opus track. While
// disabled, frames are still drained from the source (keeping device timing
// intact) but not written to the track.
type Microphone struct {
	track  *webrtc.TrackLocalStaticSample
	source Source

	mu      sync.Mutex
	enabled bool
	stopped bool
	done    chan struct{}
}

// NewMicrophone creates a microphone around source and starts the pump.
// The microphone starts disabled; callers enable it once a session is live.
func NewMicrophone(source Source) (*Microphone, error) {
	track, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{
		MimeType:  webrtc.MimeTypeOpus,
		ClockRate: 48000,
		Channels:  2,
	}, "audio", "microphone")
	if err != nil {
		return nil, err
	}

	m := &Microphone{
		track:  track,
		source: source,
		done:   make(chan struct{}),
	}
	go m.pump()
	return m, nil
}

// Track returns the local track to attach to a peer connection.
func (m *Microphone) Track() webrtc.TrackLocal { return m.track }

// SetEnabled mutes or unmutes the captured input. Muting drops frames
// instead of pausing the device.
func (m *Microphone) SetEnabled(enabled bool) {
	m.mu.Lock()
	m.enabled = enabled
	m.mu.Unlock()
}

// Enabled reports whether frames are being forwarded.
func (m *Microphone) Enabled() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.enabled
}

// Stop closes the capture device and ends the pump. Safe to call more than
// once.
func (m *Microphone) Stop() {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return
	}
	m.stopped = true
	m.mu.Unlock()

	if err := m.source.Close(); err != nil {
		slog.Debug("audio: close mic source", "error", err)
	}
	<-m.done
}

func (m *Microphone) pump() {
	defer close(m.done)
	for {
		frame, err := m.source.ReadFrame()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				slog.Warn("audio: mic read failed", "error", err)
			}
			return
		}
		if !m.Enabled() {
			continue
		}
		if err := m.track.WriteSample(media.Sample{
			Data:     frame,
			Duration: DefaultFrameDuration,
		}); err != nil {
			slog.Warn("audio: write mic sample", "error", err)
		}
	}
}
