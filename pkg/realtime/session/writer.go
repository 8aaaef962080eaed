package session

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/arkenza/voicewire/pkg/core"
)

// outboundWriter serializes frame writes to the transport. Control frames
// (response_cancel, session_update) go through the priority lane and preempt
// queued audio; bulk input_audio rides the normal lane in order.
type outboundWriter struct {
	t        Transport
	priority chan []byte
	normal   chan []byte
	done     chan struct{}

	errMu sync.Mutex
	err   error
}

func newOutboundWriter(t Transport) *outboundWriter {
	return &outboundWriter{
		t:        t,
		priority: make(chan []byte, 64),
		normal:   make(chan []byte, 4096),
		done:     make(chan struct{}),
	}
}

func (w *outboundWriter) run() {
	defer close(w.done)

	priority := w.priority
	normal := w.normal
	var pendingNormal []byte

	for {
		// Hard priority: drain the priority lane before writing normal frames.
		select {
		case data, ok := <-priority:
			if !ok {
				priority = nil
				continue
			}
			if err := w.t.WriteFrame(data); err != nil {
				w.setErr(err)
				return
			}
			continue
		default:
		}

		// A newly-queued priority frame may still preempt a parked normal
		// frame before it goes out.
		if pendingNormal != nil {
			select {
			case data, ok := <-priority:
				if !ok {
					priority = nil
					continue
				}
				if err := w.t.WriteFrame(data); err != nil {
					w.setErr(err)
					return
				}
				continue
			default:
			}
			if err := w.t.WriteFrame(pendingNormal); err != nil {
				w.setErr(err)
				return
			}
			pendingNormal = nil
			continue
		}

		// Exit cleanly once both lanes are closed and drained.
		if priority == nil && normal == nil {
			return
		}

		select {
		case data, ok := <-priority:
			if !ok {
				priority = nil
				continue
			}
			if err := w.t.WriteFrame(data); err != nil {
				w.setErr(err)
				return
			}
		case data, ok := <-normal:
			if !ok {
				normal = nil
				continue
			}
			pendingNormal = data
		}
	}
}

func (w *outboundWriter) sendPriority(frame any) error {
	return w.send(w.priority, frame)
}

func (w *outboundWriter) sendNormal(frame any) error {
	return w.send(w.normal, frame)
}

func (w *outboundWriter) send(lane chan []byte, frame any) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return core.NewInvalidRequestError(fmt.Sprintf("encode outbound frame: %v", err))
	}
	select {
	case lane <- data:
		return nil
	case <-w.done:
		return core.NewClosedError("outbound writer stopped")
	}
}

// shutdown closes both lanes and waits for the writer to drain. Only the
// session loop calls this, after it has stopped producing frames.
func (w *outboundWriter) shutdown() {
	close(w.priority)
	close(w.normal)
	<-w.done
}

func (w *outboundWriter) setErr(err error) {
	w.errMu.Lock()
	defer w.errMu.Unlock()
	if w.err == nil {
		w.err = err
	}
}

func (w *outboundWriter) lastErr() error {
	w.errMu.Lock()
	defer w.errMu.Unlock()
	return w.err
}
