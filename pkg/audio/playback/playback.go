// Package playback owns the speaker side of a realtime session. PCM chunks
// arrive tagged with a logical track id (one track per assistant item); the
// sink plays tracks in arrival order and can interrupt mid-track, reporting
// exactly how many samples were rendered so the caller can cancel the
// remainder upstream.
package playback

import (
	"sync"

	"github.com/arkenza/voicewire/pkg/core"
)

// Output abstracts the audio output device.
type Output interface {
	Open() error
	// Write hands PCM to the device; it may block for pacing.
	Write(pcm []byte) error
	// Reset drops any device-side buffered audio immediately.
	Reset() error
	Close() error
}

// Interruption reports where playback stopped.
type Interruption struct {
	TrackID      string
	SampleOffset int64
}

const writeQuantum = 960 // bytes per device write, 20ms at 24kHz mono s16le

type track struct {
	queued []byte
	played int64 // samples handed to the device
}

// Sink queues per-track PCM and renders tracks in arrival order.
type Sink struct {
	out Output

	mu        sync.Mutex
	cond      *sync.Cond
	connected bool
	closed    bool
	gen       int
	tracks    map[string]*track
	order     []string
	current   string

	errCh chan error
}

// NewSink creates a sink over the given output device.
func NewSink(out Output) *Sink {
	s := &Sink{
		out:    out,
		tracks: make(map[string]*track),
		errCh:  make(chan error, 1),
	}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// Connect acquires the output device and starts the render pump.
func (s *Sink) Connect() error {
	s.mu.Lock()
	if s.connected {
		s.mu.Unlock()
		return nil
	}
	if s.closed {
		s.mu.Unlock()
		return core.NewClosedError("playback sink is closed")
	}
	s.mu.Unlock()

	if err := s.out.Open(); err != nil {
		return core.NewDeviceError("open output device", err)
	}

	s.mu.Lock()
	s.connected = true
	s.mu.Unlock()
	go s.pump()
	return nil
}

// Enqueue appends PCM to the named track, creating it on first use.
func (s *Sink) Enqueue(trackID string, pcm []byte) error {
	if trackID == "" {
		return core.NewInvalidRequestError("enqueue requires a track id")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.connected || s.closed {
		return core.NewClosedError("playback sink is not connected")
	}
	tr, ok := s.tracks[trackID]
	if !ok {
		tr = &track{}
		s.tracks[trackID] = tr
		s.order = append(s.order, trackID)
	}
	if len(pcm) > 0 {
		tr.queued = append(tr.queued, pcm...)
		s.cond.Signal()
	}
	return nil
}

// Interrupt stops playback immediately, clears every queued chunk, and
// returns the track and exact rendered sample offset of whatever was playing.
// The second return is false when nothing was playing.
func (s *Sink) Interrupt() (Interruption, bool) {
	s.mu.Lock()
	var (
		result Interruption
		active bool
	)
	if s.current != "" {
		if tr := s.tracks[s.current]; tr != nil {
			result = Interruption{TrackID: s.current, SampleOffset: tr.played}
			active = true
		}
	}
	s.gen++
	s.tracks = make(map[string]*track)
	s.order = nil
	s.current = ""
	connected := s.connected
	s.mu.Unlock()

	if connected {
		if err := s.out.Reset(); err != nil {
			s.emitErr(core.NewDeviceError("reset output device", err))
		}
	}
	return result, active
}

// Close releases the output device. Idempotent.
func (s *Sink) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	wasConnected := s.connected
	s.closed = true
	s.connected = false
	s.tracks = make(map[string]*track)
	s.order = nil
	s.current = ""
	s.cond.Broadcast()
	s.mu.Unlock()

	if !wasConnected {
		return nil
	}
	if err := s.out.Close(); err != nil {
		return core.NewDeviceError("close output device", err)
	}
	return nil
}

// Err yields asynchronous device errors from the render pump.
func (s *Sink) Err() <-chan error {
	return s.errCh
}

func (s *Sink) pump() {
	for {
		s.mu.Lock()
		for !s.closed && !s.hasPendingLocked() {
			s.cond.Wait()
		}
		if s.closed {
			s.mu.Unlock()
			return
		}
		s.advanceCurrentLocked()
		tr := s.tracks[s.current]
		n := writeQuantum
		if n > len(tr.queued) {
			n = len(tr.queued)
		}
		buf := make([]byte, n)
		copy(buf, tr.queued[:n])
		tr.queued = tr.queued[n:]
		gen := s.gen
		s.mu.Unlock()

		if err := s.out.Write(buf); err != nil {
			s.emitErr(core.NewDeviceError("write output device", err))
			continue
		}

		s.mu.Lock()
		// Late write accounting after an interrupt is discarded: those
		// samples belong to a flushed track.
		if s.gen == gen {
			if tr := s.tracks[s.current]; tr != nil {
				tr.played += int64(n / 2)
			}
		}
		s.mu.Unlock()
	}
}

func (s *Sink) hasPendingLocked() bool {
	if s.current != "" {
		if tr := s.tracks[s.current]; tr != nil && len(tr.queued) > 0 {
			return true
		}
	}
	for _, id := range s.order {
		if id == s.current {
			continue
		}
		if tr := s.tracks[id]; tr != nil && len(tr.queued) > 0 {
			return true
		}
	}
	return false
}

// advanceCurrentLocked keeps the current track while it has queued audio and
// otherwise moves to the oldest track with pending data. The finished track
// stays known until replaced so an interrupt can still report its offset.
func (s *Sink) advanceCurrentLocked() {
	if s.current != "" {
		if tr := s.tracks[s.current]; tr != nil && len(tr.queued) > 0 {
			return
		}
	}
	for _, id := range s.order {
		if tr := s.tracks[id]; tr != nil && len(tr.queued) > 0 {
			s.current = id
			return
		}
	}
}

func (s *Sink) emitErr(err error) {
	select {
	case s.errCh <- err:
	default:
	}
}
