package playback

import (
	"fmt"
	"sync"

	"github.com/ebitengine/oto/v3"
)

// OtoOutput is the production Output backed by oto. The oto player pulls PCM
// via io.Reader, so writes land in an internal buffer the player drains.
type OtoOutput struct {
	sampleRate int
	channels   int

	mu      sync.Mutex
	cond    *sync.Cond
	ctx     *oto.Context
	player  *oto.Player
	buf     []byte
	playing bool
	closed  bool
}

// NewOtoOutput creates an unopened speaker output.
func NewOtoOutput(sampleRate, channels int) *OtoOutput {
	if sampleRate <= 0 {
		sampleRate = 24000
	}
	if channels <= 0 {
		channels = 1
	}
	o := &OtoOutput{sampleRate: sampleRate, channels: channels}
	o.cond = sync.NewCond(&o.mu)
	return o
}

// Open initializes the oto context. The player itself is created lazily on
// first write so an idle session makes no sound.
func (o *OtoOutput) Open() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.ctx != nil {
		return nil
	}
	opts := &oto.NewContextOptions{
		SampleRate:   o.sampleRate,
		ChannelCount: o.channels,
		Format:       oto.FormatSignedInt16LE,
		// ~100ms buffer keeps latency low enough for conversational turns.
		BufferSize: o.sampleRate * o.channels * 2 / 10,
	}
	ctx, ready, err := oto.NewContext(opts)
	if err != nil {
		return fmt.Errorf("init speaker: %w", err)
	}
	<-ready
	o.ctx = ctx
	return nil
}

// Write appends PCM for the player to drain.
func (o *OtoOutput) Write(pcm []byte) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.ctx == nil || o.closed {
		return fmt.Errorf("speaker is not open")
	}
	o.buf = append(o.buf, pcm...)
	if !o.playing {
		o.playing = true
		o.player = o.ctx.NewPlayer(o)
		o.player.Play()
	}
	o.cond.Signal()
	return nil
}

// Read implements io.Reader for the oto player pull loop.
func (o *OtoOutput) Read(p []byte) (int, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	for len(o.buf) == 0 && !o.closed {
		o.cond.Wait()
	}
	if o.closed && len(o.buf) == 0 {
		// Feed silence so oto drains gracefully.
		for i := range p {
			p[i] = 0
		}
		return len(p), nil
	}
	n := copy(p, o.buf)
	o.buf = o.buf[n:]
	return n, nil
}

// Reset drops buffered audio and tears down the current player so stale
// samples never overlap the next track.
func (o *OtoOutput) Reset() error {
	o.mu.Lock()
	o.buf = o.buf[:0]
	player := o.player
	o.player = nil
	o.playing = false
	o.mu.Unlock()

	if player != nil {
		player.Pause()
		_ = player.Close()
	}
	return nil
}

// Close releases the player. The oto context has no teardown; it lives for
// the process.
func (o *OtoOutput) Close() error {
	o.mu.Lock()
	o.closed = true
	player := o.player
	o.player = nil
	o.cond.Broadcast()
	o.mu.Unlock()

	if player != nil {
		return player.Close()
	}
	return nil
}
