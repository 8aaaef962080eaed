// Package capture owns the microphone side of a realtime session: it acquires
// the input device, slices the hardware callback stream into fixed-size mono
// PCM frames, and forwards them to a single subscriber.
package capture

import (
	"sync"

	"github.com/arkenza/voicewire/pkg/core"
)

// Status reflects the capture state machine.
type Status string

const (
	StatusIdle      Status = "idle"
	StatusRecording Status = "recording"
	StatusPaused    Status = "paused"
)

// Device abstracts the input hardware so the source can be tested without a
// microphone. Open acquires the device and begins delivering raw PCM to the
// callback; Close releases it.
type Device interface {
	Open(onData func(pcm []byte)) error
	Close() error
}

// FrameFunc receives one fixed-size mono PCM (s16le) frame per invocation.
type FrameFunc func(pcm []byte)

const defaultFrameBytes = 960 // 20ms at 24kHz mono s16le

// Source wraps an input Device and produces fixed-size frames while recording.
// Only one subscriber is active at a time; Record replaces any previous one.
type Source struct {
	dev        Device
	frameBytes int

	mu      sync.Mutex
	begun   bool
	status  Status
	onFrame FrameFunc
	pending []byte
}

// Option configures a Source.
type Option func(*Source)

// WithFrameBytes overrides the emitted frame size in bytes.
func WithFrameBytes(n int) Option {
	return func(s *Source) {
		if n > 0 {
			s.frameBytes = n
		}
	}
}

// NewSource creates a capture source over the given device.
func NewSource(dev Device, opts ...Option) *Source {
	s := &Source{
		dev:        dev,
		frameBytes: defaultFrameBytes,
		status:     StatusIdle,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Begin acquires the microphone. Idempotent if already begun.
func (s *Source) Begin() error {
	s.mu.Lock()
	if s.begun {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	if err := s.dev.Open(s.handleData); err != nil {
		return core.NewDeviceError("open input device", err)
	}

	s.mu.Lock()
	s.begun = true
	s.status = StatusIdle
	s.mu.Unlock()
	return nil
}

// Record starts forwarding frames to onFrame. Calling Record again replaces
// the subscriber. Requires a prior Begin.
func (s *Source) Record(onFrame FrameFunc) error {
	if onFrame == nil {
		return core.NewInvalidRequestError("record requires a frame callback")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.begun {
		return core.NewInvalidRequestError("record before begin")
	}
	s.onFrame = onFrame
	s.pending = s.pending[:0]
	s.status = StatusRecording
	return nil
}

// Pause stops forwarding frames but keeps the device warm.
func (s *Source) Pause() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.begun {
		return core.NewInvalidRequestError("pause before begin")
	}
	if s.status == StatusRecording {
		s.status = StatusPaused
	}
	return nil
}

// End releases the device entirely. Safe to call repeatedly; the session
// teardown path relies on that.
func (s *Source) End() error {
	s.mu.Lock()
	wasBegun := s.begun
	s.begun = false
	s.status = StatusIdle
	s.onFrame = nil
	s.pending = nil
	s.mu.Unlock()

	if !wasBegun {
		return nil
	}
	if err := s.dev.Close(); err != nil {
		return core.NewDeviceError("release input device", err)
	}
	return nil
}

// Status returns the current capture status.
func (s *Source) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// handleData runs on the device callback. It accumulates raw PCM until whole
// frames are available and forwards each one in capture order. Nothing is
// dropped while recording; paused input is discarded by contract.
func (s *Source) handleData(pcm []byte) {
	s.mu.Lock()
	if s.status != StatusRecording || s.onFrame == nil {
		s.mu.Unlock()
		return
	}
	s.pending = append(s.pending, pcm...)
	var frames [][]byte
	for len(s.pending) >= s.frameBytes {
		frame := make([]byte, s.frameBytes)
		copy(frame, s.pending[:s.frameBytes])
		s.pending = s.pending[s.frameBytes:]
		frames = append(frames, frame)
	}
	onFrame := s.onFrame
	s.mu.Unlock()

	for _, frame := range frames {
		onFrame(frame)
	}
}
