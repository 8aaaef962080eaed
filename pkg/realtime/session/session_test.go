package session

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/arkenza/voicewire/pkg/audio/capture"
	"github.com/arkenza/voicewire/pkg/audio/playback"
	"github.com/arkenza/voicewire/pkg/core"
	"github.com/arkenza/voicewire/pkg/realtime/conversation"
	"github.com/arkenza/voicewire/pkg/realtime/protocol"
	"github.com/arkenza/voicewire/pkg/realtime/tools"
)

type fakeTransport struct {
	mu      sync.Mutex
	frames  [][]byte
	inbound chan []byte
	closed  bool
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{inbound: make(chan []byte, 64)}
}

func (t *fakeTransport) WriteFrame(data []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return errors.New("transport closed")
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	t.frames = append(t.frames, cp)
	return nil
}

func (t *fakeTransport) ReadFrame() ([]byte, error) {
	data, ok := <-t.inbound
	if !ok {
		return nil, io.EOF
	}
	return data, nil
}

func (t *fakeTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.closed {
		t.closed = true
		close(t.inbound)
	}
	return nil
}

func (t *fakeTransport) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

func (t *fakeTransport) serve(frame string) {
	t.inbound <- []byte(frame)
}

func (t *fakeTransport) countType(typ string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, data := range t.frames {
		var envelope struct {
			Type string `json:"type"`
		}
		if json.Unmarshal(data, &envelope) == nil && envelope.Type == typ {
			n++
		}
	}
	return n
}

func (t *fakeTransport) lastOfType(typ string, out any) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i := len(t.frames) - 1; i >= 0; i-- {
		var envelope struct {
			Type string `json:"type"`
		}
		if json.Unmarshal(t.frames[i], &envelope) == nil && envelope.Type == typ {
			return json.Unmarshal(t.frames[i], out) == nil
		}
	}
	return false
}

type fakeMic struct {
	mu      sync.Mutex
	onData  func([]byte)
	opens   int
	closes  int
	openErr error
}

func (m *fakeMic) Open(onData func(pcm []byte)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.openErr != nil {
		return m.openErr
	}
	m.opens++
	m.onData = onData
	return nil
}

func (m *fakeMic) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closes++
	m.onData = nil
	return nil
}

func (m *fakeMic) push(pcm []byte) {
	m.mu.Lock()
	cb := m.onData
	m.mu.Unlock()
	if cb != nil {
		cb(pcm)
	}
}

func (m *fakeMic) stats() (opens, closes int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.opens, m.closes
}

type fakeSpeaker struct {
	mu         sync.Mutex
	written    []byte
	blockAfter int
	gate       chan struct{}
	gateOnce   sync.Once
	waiting    bool
	resets     int
}

func newFakeSpeaker(blockAfter int) *fakeSpeaker {
	return &fakeSpeaker{blockAfter: blockAfter, gate: make(chan struct{})}
}

func (s *fakeSpeaker) Open() error { return nil }

func (s *fakeSpeaker) Write(pcm []byte) error {
	s.mu.Lock()
	if s.blockAfter > 0 && len(s.written) >= s.blockAfter {
		s.waiting = true
		s.mu.Unlock()
		<-s.gate
		s.mu.Lock()
		s.waiting = false
	}
	s.written = append(s.written, pcm...)
	s.mu.Unlock()
	return nil
}

func (s *fakeSpeaker) Reset() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resets++
	return nil
}

func (s *fakeSpeaker) Close() error { return nil }

func (s *fakeSpeaker) release() {
	s.gateOnce.Do(func() { close(s.gate) })
}

func (s *fakeSpeaker) bytesWritten() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.written)
}

func (s *fakeSpeaker) rendered() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]byte, len(s.written))
	copy(out, s.written)
	return out
}

func (s *fakeSpeaker) isWaiting() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.waiting
}

type harness struct {
	ctrl *Controller
	tr   *fakeTransport
	mic  *fakeMic
	spk  *fakeSpeaker
}

func newHarness(t *testing.T, cfg Config, reg *tools.Registry, blockAfter int) *harness {
	t.Helper()
	h := &harness{
		tr:  newFakeTransport(),
		mic: &fakeMic{},
		spk: newFakeSpeaker(blockAfter),
	}
	if cfg.TurnDetection == "" {
		cfg.TurnDetection = protocol.TurnDetectionManual
	}
	cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))

	ctrl, err := New(cfg, Deps{
		Dial:          func(ctx context.Context) (Transport, error) { return h.tr, nil },
		CaptureDevice: func() capture.Device { return h.mic },
		Output:        func() playback.Output { return h.spk },
		Tools:         reg,
	})
	if err != nil {
		t.Fatalf("new controller: %v", err)
	}
	h.ctrl = ctrl
	t.Cleanup(func() { _ = ctrl.Close() })
	t.Cleanup(h.spk.release)
	return h
}

func deltaFrame(itemID, text string, audio []byte) string {
	frame := map[string]any{"type": "item_delta", "item_id": itemID, "role": "assistant"}
	if text != "" {
		frame["text"] = text
	}
	if len(audio) > 0 {
		frame["audio_b64"] = base64.StdEncoding.EncodeToString(audio)
	}
	data, _ := json.Marshal(frame)
	return string(data)
}

func pcmPattern(n int, seed byte) []byte {
	out := make([]byte, n)
	for i := range out {
		out[i] = seed + byte(i%16)
	}
	return out
}

func TestConnectThenDisconnectReleasesDevices(t *testing.T) {
	h := newHarness(t, Config{}, nil, 0)

	if err := h.ctrl.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if h.ctrl.State() != StateConnected {
		t.Fatalf("state=%s", h.ctrl.State())
	}
	if err := h.ctrl.Disconnect(); err != nil {
		t.Fatalf("disconnect: %v", err)
	}
	if h.ctrl.State() != StateDisconnected {
		t.Fatalf("state=%s", h.ctrl.State())
	}
	if h.ctrl.IsRecording() {
		t.Fatal("still recording after disconnect")
	}
	opens, closes := h.mic.stats()
	if opens != 1 || closes != 1 {
		t.Fatalf("mic opens=%d closes=%d", opens, closes)
	}
	// Disconnect is idempotent.
	if err := h.ctrl.Disconnect(); err != nil {
		t.Fatalf("second disconnect: %v", err)
	}
	if _, closes = h.mic.stats(); closes != 1 {
		t.Fatalf("double release: closes=%d", closes)
	}
}

func TestConnectRollsBackOnMicFailure(t *testing.T) {
	h := newHarness(t, Config{}, nil, 0)
	h.mic.openErr = errors.New("permission denied")

	err := h.ctrl.Connect(context.Background())
	if !core.IsType(err, core.ErrDevice) {
		t.Fatalf("error: %v", err)
	}
	if h.ctrl.State() != StateDisconnected {
		t.Fatalf("state=%s", h.ctrl.State())
	}
	if !h.tr.isClosed() {
		t.Fatal("transport left open after rollback")
	}
}

func TestConnectReportsDialFailure(t *testing.T) {
	ctrl, err := New(Config{Logger: slog.New(slog.NewTextHandler(io.Discard, nil))}, Deps{
		Dial:          func(ctx context.Context) (Transport, error) { return nil, errors.New("refused") },
		CaptureDevice: func() capture.Device { return &fakeMic{} },
		Output:        func() playback.Output { return newFakeSpeaker(0) },
	})
	if err != nil {
		t.Fatalf("new controller: %v", err)
	}
	defer ctrl.Close()

	connectErr := ctrl.Connect(context.Background())
	if !core.IsType(connectErr, core.ErrConnect) {
		t.Fatalf("error: %v", connectErr)
	}
	if ctrl.State() != StateDisconnected {
		t.Fatalf("state=%s", ctrl.State())
	}
}

func TestServerDrivenModeStreamsFromConnect(t *testing.T) {
	h := newHarness(t, Config{TurnDetection: protocol.TurnDetectionServerVAD}, nil, 0)

	if err := h.ctrl.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if !h.ctrl.IsRecording() {
		t.Fatal("server-driven connect did not begin capture")
	}

	h.mic.push(pcmPattern(960, 1))
	waitUntil(t, func() bool { return h.tr.countType("input_audio") >= 1 }, "captured frame never sent")
}

func TestManualTurnProducesOneResponseRequest(t *testing.T) {
	h := newHarness(t, Config{}, nil, 0)
	if err := h.ctrl.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if h.ctrl.IsRecording() {
		t.Fatal("manual mode began capture on connect")
	}

	if err := h.ctrl.StartTurn(); err != nil {
		t.Fatalf("start turn: %v", err)
	}
	if !h.ctrl.IsRecording() {
		t.Fatal("start turn did not begin capture")
	}
	// No frames captured in between; exactly one response request still goes out.
	if err := h.ctrl.EndTurn(); err != nil {
		t.Fatalf("end turn: %v", err)
	}
	if h.ctrl.IsRecording() {
		t.Fatal("end turn did not pause capture")
	}
	waitUntil(t, func() bool { return h.tr.countType("response_create") == 1 }, "response request never sent")

	// EndTurn without a preceding StartTurn is a no-op.
	if err := h.ctrl.EndTurn(); err != nil {
		t.Fatalf("repeated end turn: %v", err)
	}
	if got := h.tr.countType("response_create"); got != 1 {
		t.Fatalf("response_create count=%d, want 1", got)
	}
	if opens, _ := h.mic.stats(); opens != 1 {
		t.Fatalf("capture opened %d times", opens)
	}
}

func TestStartTurnCancelsPlaybackAtExactOffset(t *testing.T) {
	h := newHarness(t, Config{}, nil, 9600)
	if err := h.ctrl.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}

	h.tr.serve(deltaFrame("t1", "", pcmPattern(10560, 7)))
	// Wait for the renderer to sit blocked in the device write just past
	// 4800 samples; everything before it is credited as played.
	waitUntil(t, func() bool { return h.spk.bytesWritten() >= 9600 && h.spk.isWaiting() }, "playback never reached the gate")

	if err := h.ctrl.StartTurn(); err != nil {
		t.Fatalf("start turn: %v", err)
	}
	var cancel protocol.ResponseCancel
	waitUntil(t, func() bool { return h.tr.lastOfType("response_cancel", &cancel) }, "cancel never sent")
	if cancel.ItemID != "t1" || cancel.SampleOffset != 4800 {
		t.Fatalf("cancel=%+v, want t1@4800", cancel)
	}
	if !h.ctrl.IsRecording() {
		t.Fatal("capture did not begin after the interrupt")
	}
}

func TestDeltasAccumulateInArrivalOrder(t *testing.T) {
	var (
		audioMu  sync.Mutex
		wavItem  string
		wavBytes []byte
	)
	cfg := Config{OnItemAudio: func(itemID string, wav []byte) {
		audioMu.Lock()
		defer audioMu.Unlock()
		wavItem = itemID
		wavBytes = append([]byte(nil), wav...)
	}}
	h := newHarness(t, cfg, nil, 0)
	if err := h.ctrl.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}

	chunkX := pcmPattern(960, 10)
	chunkY := pcmPattern(960, 90)
	h.tr.serve(deltaFrame("a1", "hel", chunkX))
	h.tr.serve(deltaFrame("a1", "lo", chunkY))
	h.tr.serve(`{"type":"item_completed","item_id":"a1"}`)

	waitUntil(t, func() bool {
		items := h.ctrl.Items()
		return len(items) == 1 && items[0].Status == conversation.StatusCompleted
	}, "item never completed")

	item := h.ctrl.Items()[0]
	if item.ID != "a1" || item.Text != "hello" {
		t.Fatalf("item: %+v", item)
	}
	if !bytes.Equal(item.Audio(), append(append([]byte(nil), chunkX...), chunkY...)) {
		t.Fatal("audio not concatenated in arrival order")
	}

	waitUntil(t, func() bool { return h.spk.bytesWritten() == 1920 }, "playback incomplete")
	if !bytes.Equal(h.spk.rendered(), append(append([]byte(nil), chunkX...), chunkY...)) {
		t.Fatal("rendered audio out of order")
	}

	audioMu.Lock()
	defer audioMu.Unlock()
	if wavItem != "a1" {
		t.Fatalf("wav item=%q", wavItem)
	}
	if len(wavBytes) != 44+1920 || !bytes.Equal(wavBytes[:4], []byte("RIFF")) {
		t.Fatalf("wav export: %d bytes", len(wavBytes))
	}
}

func TestUnknownToolReportsErrorResult(t *testing.T) {
	h := newHarness(t, Config{}, nil, 0)
	if err := h.ctrl.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}

	h.tr.serve(`{"type":"tool_call","call_id":"c1","name":"nope","arguments":{}}`)

	var result protocol.ToolResult
	waitUntil(t, func() bool { return h.tr.lastOfType("tool_result", &result) }, "tool result never sent")
	if !result.IsError || result.CallID != "c1" {
		t.Fatalf("result: %+v", result)
	}
	if h.ctrl.State() != StateConnected {
		t.Fatal("unknown tool terminated the session")
	}
}

func TestToolResultRoundTrip(t *testing.T) {
	reg := tools.NewRegistry()
	mustRegister(t, reg, tools.Func("add", "Add two numbers", func(ctx context.Context, input struct {
		A int `json:"a"`
		B int `json:"b"`
	}) (int, error) {
		return input.A + input.B, nil
	}))
	mustRegister(t, reg, tools.Func("boom", "Always panics", func(ctx context.Context, _ struct{}) (string, error) {
		panic("kaboom")
	}))

	h := newHarness(t, Config{}, reg, 0)
	if err := h.ctrl.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}

	h.tr.serve(`{"type":"tool_call","call_id":"c1","name":"add","arguments":{"a":2,"b":3}}`)
	var result protocol.ToolResult
	waitUntil(t, func() bool {
		return h.tr.lastOfType("tool_result", &result) && result.CallID == "c1"
	}, "tool result never sent")
	if result.IsError || string(result.Output) != "5" {
		t.Fatalf("result: %+v", result)
	}

	h.tr.serve(`{"type":"tool_call","call_id":"c2","name":"boom","arguments":{}}`)
	waitUntil(t, func() bool {
		return h.tr.lastOfType("tool_result", &result) && result.CallID == "c2"
	}, "panic result never sent")
	if !result.IsError {
		t.Fatalf("panic not reported as error: %+v", result)
	}
	if h.ctrl.State() != StateConnected {
		t.Fatal("handler panic terminated the session")
	}
}

func TestInterruptedFlushesWithoutStartingCapture(t *testing.T) {
	h := newHarness(t, Config{}, nil, 1920)
	if err := h.ctrl.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}

	h.tr.serve(deltaFrame("t1", "", pcmPattern(2880, 3)))
	waitUntil(t, func() bool { return h.spk.bytesWritten() >= 1920 && h.spk.isWaiting() }, "playback never reached the gate")

	h.tr.serve(`{"type":"interrupted","item_id":"t1"}`)
	var cancel protocol.ResponseCancel
	waitUntil(t, func() bool { return h.tr.lastOfType("response_cancel", &cancel) }, "cancel never sent")
	if cancel.ItemID != "t1" || cancel.SampleOffset != 960 {
		t.Fatalf("cancel=%+v, want t1@960", cancel)
	}
	if h.ctrl.IsRecording() {
		t.Fatal("interrupted notification must not start capture in manual mode")
	}
}

func TestModeSetWhileDisconnectedHonoredOnConnect(t *testing.T) {
	h := newHarness(t, Config{}, nil, 0)

	if err := h.ctrl.SetTurnDetectionMode(protocol.TurnDetectionServerVAD); err != nil {
		t.Fatalf("set mode: %v", err)
	}
	if opens, _ := h.mic.stats(); opens != 0 {
		t.Fatal("mode change touched the device while disconnected")
	}

	if err := h.ctrl.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if !h.ctrl.IsRecording() {
		t.Fatal("server-driven mode not honored on connect")
	}
	var update protocol.SessionUpdate
	waitUntil(t, func() bool { return h.tr.lastOfType("session_update", &update) }, "session update never sent")
	if update.TurnDetection != protocol.TurnDetectionServerVAD {
		t.Fatalf("turn_detection=%q", update.TurnDetection)
	}
}

func TestDeleteItem(t *testing.T) {
	h := newHarness(t, Config{}, nil, 0)
	if err := h.ctrl.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}

	h.tr.serve(deltaFrame("a1", "hi", nil))
	waitUntil(t, func() bool { return len(h.ctrl.Items()) == 1 }, "item never arrived")

	// Unknown id: no error, no state change, nothing sent.
	if err := h.ctrl.DeleteItem("missing"); err != nil {
		t.Fatalf("delete unknown: %v", err)
	}
	if got := h.tr.countType("item_delete"); got != 0 {
		t.Fatalf("item_delete sent for unknown id: %d", got)
	}

	if err := h.ctrl.DeleteItem("a1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if len(h.ctrl.Items()) != 0 {
		t.Fatal("item not removed locally")
	}
	waitUntil(t, func() bool { return h.tr.countType("item_delete") == 1 }, "remote not notified")
}

func TestMalformedInboundFrameIsNotFatal(t *testing.T) {
	h := newHarness(t, Config{}, nil, 0)
	if err := h.ctrl.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}

	h.tr.serve(`{"type":"item_delta"}`) // missing item_id
	h.tr.serve(deltaFrame("a1", "still alive", nil))

	waitUntil(t, func() bool { return len(h.ctrl.Items()) == 1 }, "session stopped processing frames")
	if h.ctrl.State() != StateConnected {
		t.Fatalf("state=%s", h.ctrl.State())
	}

	found := false
	for _, ev := range h.ctrl.EventLog().Events() {
		if ev.Type == "protocol_error" {
			found = true
		}
	}
	if !found {
		t.Fatal("protocol error not recorded in the event log")
	}
}

func TestServerErrorWithCloseTearsDown(t *testing.T) {
	h := newHarness(t, Config{}, nil, 0)
	if err := h.ctrl.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}

	h.tr.serve(`{"type":"error","code":"overloaded","message":"try later","close":true}`)
	waitUntil(t, func() bool { return h.ctrl.State() == StateDisconnected }, "session never tore down")
	if _, closes := h.mic.stats(); closes != 1 {
		t.Fatal("microphone not released on server-initiated close")
	}
}

func TestStartingPromptSentOnConnect(t *testing.T) {
	h := newHarness(t, Config{StartingPrompt: "Hello there."}, nil, 0)
	if err := h.ctrl.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}

	var create protocol.ItemCreate
	waitUntil(t, func() bool { return h.tr.lastOfType("item_create", &create) }, "starting prompt never sent")
	if create.Text != "Hello there." || create.Role != "user" {
		t.Fatalf("item_create: %+v", create)
	}
	items := h.ctrl.Items()
	if len(items) != 1 || items[0].Text != "Hello there." {
		t.Fatalf("local transcript: %+v", items)
	}
}

func mustRegister(t *testing.T, reg *tools.Registry, tool tools.Tool) {
	t.Helper()
	if err := reg.Register(tool); err != nil {
		t.Fatalf("register %s: %v", tool.Name, err)
	}
}
