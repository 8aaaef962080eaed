// Package session implements the realtime session controller: the component
// that owns one live bidirectional audio/event stream with a remote model
// endpoint. It wires microphone capture into the outbound channel, routes
// inbound deltas to playback and the transcript store, dispatches tool calls,
// and keeps precise interruption accounting.
//
// Concurrency model: one run-loop goroutine per controller owns all mutable
// session state. Capture callbacks, the transport read pump, tool handler
// completions, and public commands all post messages into that loop; no two
// handlers ever interleave their mutations.
package session

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/arkenza/voicewire/pkg/audio/capture"
	"github.com/arkenza/voicewire/pkg/audio/playback"
	"github.com/arkenza/voicewire/pkg/audio/wavenc"
	"github.com/arkenza/voicewire/pkg/core"
	"github.com/arkenza/voicewire/pkg/realtime/conversation"
	"github.com/arkenza/voicewire/pkg/realtime/protocol"
	"github.com/arkenza/voicewire/pkg/realtime/tools"
)

// State is the session lifecycle state.
type State string

const (
	StateDisconnected  State = "disconnected"
	StateConnecting    State = "connecting"
	StateConnected     State = "connected"
	StateDisconnecting State = "disconnecting"
)

// Config configures a Controller.
type Config struct {
	// Instructions is the opaque system prompt, sent in the session update.
	Instructions string
	// StartingPrompt, when set, is pushed as an initial user item right after
	// the session is configured.
	StartingPrompt string
	// Voice and TranscriptionModel are passed through opaquely.
	Voice              string
	TranscriptionModel string

	// TurnDetection selects protocol.TurnDetectionManual (push-to-talk) or
	// protocol.TurnDetectionServerVAD. Defaults to manual.
	TurnDetection string

	AudioIn  protocol.AudioFormat
	AudioOut protocol.AudioFormat

	// OnItemAudio receives a completed item's accumulated audio as a WAV
	// unit. Called from the session loop; keep it fast.
	OnItemAudio func(itemID string, wav []byte)

	Logger *slog.Logger
}

// Deps supplies the external collaborators. Capture and playback devices are
// opened fresh per connect so a torn-down session can never pin the hardware.
type Deps struct {
	Dial          Dialer
	CaptureDevice func() capture.Device
	Output        func() playback.Output
	Tools         *tools.Registry
}

// liveSession holds the per-connection state. A fresh one is created on every
// connect; nothing from a previous connection is reused.
type liveSession struct {
	gen       int
	id        string
	transport Transport
	writer    *outboundWriter
	source    *capture.Source
	sink      *playback.Sink

	seq        int64
	turnActive bool
}

type command struct {
	fn   func() error
	errc chan error
}

type captureFrame struct {
	gen int
	pcm []byte
}

type inboundFrame struct {
	gen   int
	frame any
}

type inboundError struct {
	gen int
	err error
}

type transportDown struct {
	gen int
	err error
}

type toolDone struct {
	gen    int
	callID string
	name   string
	output any
	err    error
}

// Controller owns the realtime session lifecycle and is the single entry
// point for the UI layer: commands in, observable transcript and event log
// out.
type Controller struct {
	cfg    Config
	deps   Deps
	logger *slog.Logger

	store    *conversation.Store
	eventLog *conversation.EventLog

	loopCh    chan any
	closed    chan struct{}
	closeOnce sync.Once

	mu     sync.Mutex
	state  State
	mode   string
	sess   *liveSession
	genSeq int

	updates chan struct{}
}

// New creates a controller. The run loop starts immediately; Close releases it.
func New(cfg Config, deps Deps) (*Controller, error) {
	if deps.Dial == nil {
		return nil, core.NewInvalidRequestError("a transport dialer is required")
	}
	if deps.CaptureDevice == nil {
		return nil, core.NewInvalidRequestError("a capture device factory is required")
	}
	if deps.Output == nil {
		return nil, core.NewInvalidRequestError("an output device factory is required")
	}
	if deps.Tools == nil {
		deps.Tools = tools.NewRegistry()
	}

	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.TurnDetection == "" {
		cfg.TurnDetection = protocol.TurnDetectionManual
	}
	if cfg.AudioIn == (protocol.AudioFormat{}) {
		cfg.AudioIn = defaultAudioFormat()
	}
	if cfg.AudioOut == (protocol.AudioFormat{}) {
		cfg.AudioOut = defaultAudioFormat()
	}

	c := &Controller{
		cfg:      cfg,
		deps:     deps,
		logger:   cfg.Logger,
		store:    conversation.NewStore(),
		eventLog: conversation.NewEventLog(),
		loopCh:   make(chan any, 256),
		closed:   make(chan struct{}),
		state:    StateDisconnected,
		mode:     cfg.TurnDetection,
		updates:  make(chan struct{}, 1),
	}
	if err := protocol.ValidateSessionUpdate(c.sessionFrame()); err != nil {
		return nil, core.NewInvalidRequestError(err.Error())
	}

	go c.run()
	return c, nil
}

func defaultAudioFormat() protocol.AudioFormat {
	return protocol.AudioFormat{Encoding: "pcm_s16le", SampleRateHz: 24000, Channels: 1}
}

// Connect opens the transport, the microphone, and the speaker, in that
// order. If any of the three fails the others are rolled back and the session
// returns to Disconnected. Valid only while Disconnected.
func (c *Controller) Connect(ctx context.Context) error {
	return c.exec(func() error { return c.connect(ctx) })
}

// Disconnect tears the session down: capture released, playback flushed with
// an interruption offset, transport closed. Idempotent; always ends in
// Disconnected.
func (c *Controller) Disconnect() error {
	return c.exec(c.disconnect)
}

// StartTurn begins a push-to-talk turn: any in-flight assistant speech is
// interrupted and cancelled with its exact played offset, then capture
// streaming begins. Valid only while Connected in manual mode.
func (c *Controller) StartTurn() error {
	return c.exec(c.startTurn)
}

// EndTurn pauses capture and requests a response. A no-op without a
// preceding StartTurn.
func (c *Controller) EndTurn() error {
	return c.exec(c.endTurn)
}

// SetTurnDetectionMode switches between manual and server-driven detection.
// While disconnected it only records the preference, honored at the next
// connect; while connected it reconfigures the remote session and adjusts
// capture accordingly.
func (c *Controller) SetTurnDetectionMode(mode string) error {
	return c.exec(func() error { return c.setTurnDetectionMode(mode) })
}

// DeleteItem removes an item locally and notifies the remote side. Deleting
// an unknown id is a no-op.
func (c *Controller) DeleteItem(id string) error {
	return c.exec(func() error { return c.deleteItem(id) })
}

// Close disconnects and stops the run loop. The controller is unusable after.
func (c *Controller) Close() error {
	err := c.Disconnect()
	c.closeOnce.Do(func() { close(c.closed) })
	return err
}

// State returns the lifecycle state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// IsConnected reports whether the session is live.
func (c *Controller) IsConnected() bool {
	return c.State() == StateConnected
}

// IsRecording reports whether capture frames are streaming out.
func (c *Controller) IsRecording() bool {
	c.mu.Lock()
	sess := c.sess
	c.mu.Unlock()
	return sess != nil && sess.source.Status() == capture.StatusRecording
}

// Mode returns the active turn detection mode.
func (c *Controller) Mode() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mode
}

// SessionID returns the remote-assigned session id, empty before the ack.
func (c *Controller) SessionID() string {
	c.mu.Lock()
	sess := c.sess
	c.mu.Unlock()
	if sess == nil {
		return ""
	}
	return sess.id
}

// Items returns the transcript in creation order.
func (c *Controller) Items() []conversation.Item {
	return c.store.Items()
}

// EventLog exposes the protocol event log.
func (c *Controller) EventLog() *conversation.EventLog {
	return c.eventLog
}

// Updates signals (best effort) whenever observable state changed, so a
// presentation layer can re-render.
func (c *Controller) Updates() <-chan struct{} {
	return c.updates
}

func (c *Controller) exec(fn func() error) error {
	errc := make(chan error, 1)
	select {
	case c.loopCh <- command{fn: fn, errc: errc}:
	case <-c.closed:
		return core.NewClosedError("controller is closed")
	}
	select {
	case err := <-errc:
		return err
	case <-c.closed:
		return core.NewClosedError("controller is closed")
	}
}

func (c *Controller) post(msg any) {
	select {
	case c.loopCh <- msg:
	case <-c.closed:
	}
}

func (c *Controller) run() {
	for {
		select {
		case msg := <-c.loopCh:
			c.dispatch(msg)
		case <-c.closed:
			return
		}
	}
}

func (c *Controller) dispatch(msg any) {
	switch m := msg.(type) {
	case command:
		m.errc <- m.fn()
	case captureFrame:
		c.handleCaptureFrame(m)
	case inboundFrame:
		c.handleInbound(m)
	case inboundError:
		c.handleInboundError(m)
	case transportDown:
		c.handleTransportDown(m)
	case toolDone:
		c.handleToolDone(m)
	}
}

func (c *Controller) connect(ctx context.Context) error {
	if c.State() != StateDisconnected {
		return core.NewInvalidRequestError("connect is only valid while disconnected")
	}
	c.setState(StateConnecting)

	transport, err := c.deps.Dial(ctx)
	if err != nil {
		c.setState(StateDisconnected)
		if core.IsType(err, core.ErrConnect) {
			return err
		}
		return core.NewConnectError("open transport", err)
	}

	source := capture.NewSource(c.deps.CaptureDevice(), capture.WithFrameBytes(frameBytesFor(c.cfg.AudioIn)))
	if err := source.Begin(); err != nil {
		_ = transport.Close()
		c.setState(StateDisconnected)
		return err
	}

	sink := playback.NewSink(c.deps.Output())
	if err := sink.Connect(); err != nil {
		_ = source.End()
		_ = transport.Close()
		c.setState(StateDisconnected)
		return err
	}

	c.mu.Lock()
	c.genSeq++
	sess := &liveSession{
		gen:       c.genSeq,
		transport: transport,
		writer:    newOutboundWriter(transport),
		source:    source,
		sink:      sink,
	}
	c.sess = sess
	c.mu.Unlock()

	go sess.writer.run()
	go c.readPump(sess.gen, transport)

	c.sendClient(sess, true, c.sessionFrame())
	if prompt := strings.TrimSpace(c.cfg.StartingPrompt); prompt != "" {
		itemID := localItemID()
		c.store.Upsert(itemID, conversation.Patch{Role: conversation.RoleUser, Text: prompt, Complete: true})
		c.sendClient(sess, false, protocol.ItemCreate{Type: "item_create", ItemID: itemID, Role: string(conversation.RoleUser), Text: prompt})
	}

	c.setState(StateConnected)
	c.logger.Info("session connected", "mode", c.Mode())

	if c.Mode() == protocol.TurnDetectionServerVAD {
		c.startStreaming(sess)
	}
	return nil
}

func (c *Controller) disconnect() error {
	if c.State() == StateDisconnected {
		return nil
	}
	c.setState(StateDisconnecting)

	c.mu.Lock()
	sess := c.sess
	c.mu.Unlock()

	if sess != nil {
		// Release errors are logged and teardown proceeds regardless;
		// disconnect must always reach Disconnected.
		if err := sess.source.End(); err != nil {
			c.logger.Warn("release input device", "error", err)
		}
		if cut, ok := sess.sink.Interrupt(); ok {
			c.sendClient(sess, true, protocol.ResponseCancel{Type: "response_cancel", ItemID: cut.TrackID, SampleOffset: cut.SampleOffset})
		}
		sess.writer.shutdown()
		if err := sess.writer.lastErr(); err != nil {
			c.logger.Warn("outbound writer stopped", "error", err)
		}
		if err := sess.transport.Close(); err != nil {
			c.logger.Warn("close transport", "error", err)
		}
		if err := sess.sink.Close(); err != nil {
			c.logger.Warn("close output device", "error", err)
		}
	}

	c.mu.Lock()
	c.sess = nil
	c.mu.Unlock()
	c.setState(StateDisconnected)
	c.logger.Info("session disconnected")
	return nil
}

func (c *Controller) startTurn() error {
	sess := c.currentSession()
	if sess == nil || c.State() != StateConnected {
		return core.NewInvalidRequestError("start turn requires a connected session")
	}
	if c.Mode() != protocol.TurnDetectionManual {
		return core.NewInvalidRequestError("start turn is a manual mode operation")
	}

	// A new user utterance always preempts in-flight assistant speech.
	if cut, ok := sess.sink.Interrupt(); ok {
		c.sendClient(sess, true, protocol.ResponseCancel{Type: "response_cancel", ItemID: cut.TrackID, SampleOffset: cut.SampleOffset})
	}
	c.startStreaming(sess)
	sess.turnActive = true
	c.notifyUpdate()
	return nil
}

func (c *Controller) endTurn() error {
	sess := c.currentSession()
	if sess == nil || !sess.turnActive {
		return nil
	}
	if err := sess.source.Pause(); err != nil {
		c.logger.Warn("pause capture", "error", err)
	}
	sess.turnActive = false
	c.sendClient(sess, false, protocol.ResponseCreate{Type: "response_create"})
	c.notifyUpdate()
	return nil
}

func (c *Controller) setTurnDetectionMode(mode string) error {
	switch mode {
	case protocol.TurnDetectionManual, protocol.TurnDetectionServerVAD:
	default:
		return core.NewInvalidRequestError(fmt.Sprintf("unsupported turn detection mode %q", mode))
	}

	c.mu.Lock()
	c.mode = mode
	c.mu.Unlock()

	sess := c.currentSession()
	if sess == nil || c.State() != StateConnected {
		// Recorded preference only; no device is touched while disconnected.
		return nil
	}

	c.sendClient(sess, true, c.sessionFrame())
	switch mode {
	case protocol.TurnDetectionManual:
		if sess.source.Status() == capture.StatusRecording {
			if err := sess.source.Pause(); err != nil {
				c.logger.Warn("pause capture", "error", err)
			}
		}
		sess.turnActive = false
	case protocol.TurnDetectionServerVAD:
		c.startStreaming(sess)
	}
	c.notifyUpdate()
	return nil
}

func (c *Controller) deleteItem(id string) error {
	if !c.store.Delete(id) {
		return nil
	}
	if sess := c.currentSession(); sess != nil && c.State() == StateConnected {
		c.sendClient(sess, false, protocol.ItemDelete{Type: "item_delete", ItemID: id})
	}
	c.notifyUpdate()
	return nil
}

// startStreaming subscribes the capture source to the session loop. Frames
// carry the session generation so frames from a torn-down session are dropped.
func (c *Controller) startStreaming(sess *liveSession) {
	gen := sess.gen
	if err := sess.source.Record(func(pcm []byte) {
		c.post(captureFrame{gen: gen, pcm: pcm})
	}); err != nil {
		c.logger.Warn("start capture streaming", "error", err)
		return
	}
	c.notifyUpdate()
}

func (c *Controller) handleCaptureFrame(m captureFrame) {
	sess := c.currentSession()
	if sess == nil || sess.gen != m.gen {
		return
	}
	sess.seq++
	c.sendClient(sess, false, protocol.InputAudio{
		Type:    "input_audio",
		Seq:     sess.seq,
		DataB64: base64.StdEncoding.EncodeToString(m.pcm),
	})
}

func (c *Controller) handleInbound(m inboundFrame) {
	sess := c.currentSession()
	if sess == nil || sess.gen != m.gen {
		return
	}
	c.eventLog.Record(conversation.Event{Source: conversation.SourceServer, Type: protocol.TypeOf(m.frame), Payload: m.frame})

	switch f := m.frame.(type) {
	case protocol.SessionAck:
		sess.id = f.SessionID
		c.logger.Info("session acknowledged", "session_id", f.SessionID)
	case protocol.ItemDelta:
		c.handleItemDelta(sess, f)
	case protocol.ItemCompleted:
		c.handleItemCompleted(f)
	case protocol.ItemDeleted:
		c.store.Delete(f.ItemID)
		c.notifyUpdate()
	case protocol.ToolCall:
		c.dispatchToolCall(sess, f)
	case protocol.Interrupted:
		// Server-side barge-in: flush playback and cancel the remainder.
		// Capture is never auto-started here, even in manual mode.
		if cut, ok := sess.sink.Interrupt(); ok {
			c.sendClient(sess, true, protocol.ResponseCancel{Type: "response_cancel", ItemID: cut.TrackID, SampleOffset: cut.SampleOffset})
		}
		c.notifyUpdate()
	case protocol.ServerError:
		c.logger.Warn("server error", "code", f.Code, "message", f.Message)
		if f.Close {
			_ = c.disconnect()
		}
	case protocol.Unknown:
		c.logger.Debug("unknown inbound frame", "type", f.FrameType)
	}
}

func (c *Controller) handleItemDelta(sess *liveSession, f protocol.ItemDelta) {
	patch := conversation.Patch{Role: conversation.Role(f.Role), Text: f.Text}
	if f.AudioB64 != "" {
		audio, err := base64.StdEncoding.DecodeString(f.AudioB64)
		if err != nil {
			c.logger.Warn("undecodable audio delta", "item_id", f.ItemID, "error", err)
		} else {
			patch.Audio = audio
		}
	}
	c.store.Upsert(f.ItemID, patch)
	if len(patch.Audio) > 0 {
		if err := sess.sink.Enqueue(f.ItemID, patch.Audio); err != nil {
			c.logger.Warn("enqueue playback", "item_id", f.ItemID, "error", err)
		}
	}
	c.notifyUpdate()
}

func (c *Controller) handleItemCompleted(f protocol.ItemCompleted) {
	item := c.store.Upsert(f.ItemID, conversation.Patch{Complete: true})
	if item != nil && item.AudioLen() > 0 && c.cfg.OnItemAudio != nil {
		wav, err := wavenc.Encode(item.Audio(), c.cfg.AudioOut.SampleRateHz, c.cfg.AudioOut.Channels)
		if err != nil {
			c.logger.Warn("encode item audio", "item_id", f.ItemID, "error", err)
		} else {
			c.cfg.OnItemAudio(f.ItemID, wav)
		}
	}
	c.notifyUpdate()
}

func (c *Controller) handleInboundError(m inboundError) {
	sess := c.currentSession()
	if sess == nil || sess.gen != m.gen {
		return
	}
	// Malformed frames are never fatal; a long-lived session must survive
	// the occasional bad frame.
	c.eventLog.Record(conversation.Event{Source: conversation.SourceServer, Type: "protocol_error", Payload: m.err.Error()})
	c.logger.Warn("malformed inbound frame", "error", core.NewProtocolError("decode inbound frame", m.err))
}

func (c *Controller) handleTransportDown(m transportDown) {
	sess := c.currentSession()
	if sess == nil || sess.gen != m.gen {
		return
	}
	if m.err != nil && !errors.Is(m.err, io.EOF) {
		c.logger.Warn("transport closed", "error", m.err)
	} else {
		c.logger.Info("remote closed the session")
	}
	_ = c.disconnect()
}

func (c *Controller) dispatchToolCall(sess *liveSession, call protocol.ToolCall) {
	tool, ok := c.deps.Tools.Lookup(call.Name)
	if !ok {
		c.logger.Warn("tool not registered", "name", call.Name)
		c.sendClient(sess, false, protocol.ToolResult{
			Type:    "tool_result",
			CallID:  call.CallID,
			IsError: true,
			Message: fmt.Sprintf("tool %q is not registered", call.Name),
		})
		return
	}

	gen := sess.gen
	go func() {
		output, err := runToolHandler(tool, call.Arguments)
		c.post(toolDone{gen: gen, callID: call.CallID, name: call.Name, output: output, err: err})
	}()
}

// runToolHandler executes the handler in its own goroutine frame so a panic
// becomes a failed tool result instead of crashing the session.
func runToolHandler(tool tools.Tool, args json.RawMessage) (output any, err error) {
	defer func() {
		if r := recover(); r != nil {
			output = nil
			err = core.NewToolError(fmt.Sprintf("tool %s panicked: %v", tool.Name, r), "tool_panicked")
		}
	}()
	return tool.Handler(context.Background(), args)
}

func (c *Controller) handleToolDone(m toolDone) {
	sess := c.currentSession()
	if sess == nil || sess.gen != m.gen {
		// The session moved past the state this result applies to.
		c.logger.Debug("late tool result discarded", "tool", m.name, "call_id", m.callID)
		return
	}

	result := protocol.ToolResult{Type: "tool_result", CallID: m.callID}
	switch {
	case m.err != nil:
		result.IsError = true
		result.Message = m.err.Error()
		c.logger.Warn("tool failed", "tool", m.name, "error", m.err)
	default:
		data, err := json.Marshal(m.output)
		if err != nil {
			result.IsError = true
			result.Message = fmt.Sprintf("encode tool output: %v", err)
		} else {
			result.Output = data
		}
	}
	c.sendClient(sess, false, result)
}

func (c *Controller) readPump(gen int, t Transport) {
	for {
		data, err := t.ReadFrame()
		if err != nil {
			c.post(transportDown{gen: gen, err: err})
			return
		}
		frame, err := protocol.DecodeServerMessage(data)
		if err != nil {
			c.post(inboundError{gen: gen, err: err})
			continue
		}
		c.post(inboundFrame{gen: gen, frame: frame})
	}
}

// sendClient queues one outbound frame and records it in the event log.
// Priority frames preempt queued audio in the writer.
func (c *Controller) sendClient(sess *liveSession, priority bool, frame any) {
	var err error
	if priority {
		err = sess.writer.sendPriority(frame)
	} else {
		err = sess.writer.sendNormal(frame)
	}
	if err != nil {
		c.logger.Warn("drop outbound frame", "type", protocol.TypeOf(frame), "error", err)
		return
	}
	c.eventLog.Record(conversation.Event{Source: conversation.SourceClient, Type: protocol.TypeOf(frame), Payload: frame})
}

func (c *Controller) sessionFrame() protocol.SessionUpdate {
	audioIn := c.cfg.AudioIn
	audioOut := c.cfg.AudioOut
	return protocol.SessionUpdate{
		Type:               "session_update",
		TurnDetection:      c.Mode(),
		Instructions:       c.cfg.Instructions,
		Voice:              c.cfg.Voice,
		TranscriptionModel: c.cfg.TranscriptionModel,
		AudioIn:            &audioIn,
		AudioOut:           &audioOut,
	}
}

func (c *Controller) currentSession() *liveSession {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sess
}

func (c *Controller) setState(st State) {
	c.mu.Lock()
	c.state = st
	c.mu.Unlock()
	c.notifyUpdate()
}

func (c *Controller) notifyUpdate() {
	select {
	case c.updates <- struct{}{}:
	default:
	}
}

// frameBytesFor sizes capture frames to 20ms of the negotiated input format.
func frameBytesFor(f protocol.AudioFormat) int {
	n := f.SampleRateHz * f.Channels * 2 / 50
	if n <= 0 {
		n = 960
	}
	return n
}

func localItemID() string {
	return "item_local_" + strconv.FormatInt(time.Now().UnixNano(), 36)
}
