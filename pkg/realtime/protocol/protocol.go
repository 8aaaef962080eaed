// Package protocol defines the typed frames exchanged over a realtime voice
// session channel. The transport carries JSON text frames; every frame has a
// "type" discriminator.
package protocol

import (
	"encoding/json"
	"fmt"
	"strings"
)

const (
	ProtocolVersion1 = "1"

	TurnDetectionManual    = "manual"
	TurnDetectionServerVAD = "server_vad"
)

type DecodeError struct {
	Code    string
	Message string
	Param   string
}

func (e *DecodeError) Error() string {
	if e == nil {
		return ""
	}
	if strings.TrimSpace(e.Param) == "" {
		return e.Message
	}
	return fmt.Sprintf("%s (%s)", e.Message, e.Param)
}

func badFrame(message, param string) *DecodeError {
	return &DecodeError{Code: "bad_frame", Message: message, Param: param}
}

func unsupported(message, param string) *DecodeError {
	return &DecodeError{Code: "unsupported", Message: message, Param: param}
}

// AudioFormat describes the negotiated PCM shape on one direction.
type AudioFormat struct {
	Encoding     string `json:"encoding"`
	SampleRateHz int    `json:"sample_rate_hz"`
	Channels     int    `json:"channels"`
}

// SessionUpdate reconfigures the remote session. Sent once after connect and
// again whenever the turn detection mode changes.
type SessionUpdate struct {
	Type          string `json:"type"`
	TurnDetection string `json:"turn_detection"`
	Instructions  string `json:"instructions,omitempty"`
	Voice         string `json:"voice,omitempty"`
	// TranscriptionModel opts into input audio transcription; passed through
	// opaquely to the remote side.
	TranscriptionModel string       `json:"transcription_model,omitempty"`
	AudioIn            *AudioFormat `json:"audio_in,omitempty"`
	AudioOut           *AudioFormat `json:"audio_out,omitempty"`
}

// ItemCreate pushes a locally-originated text item (the starting prompt or a
// typed user message) into the remote conversation.
type ItemCreate struct {
	Type   string `json:"type"`
	ItemID string `json:"item_id"`
	Role   string `json:"role"`
	Text   string `json:"text"`
}

// InputAudio appends one captured PCM frame to the remote input buffer.
type InputAudio struct {
	Type    string `json:"type"`
	Seq     int64  `json:"seq,omitempty"`
	DataB64 string `json:"data_b64"`
}

// ResponseCreate explicitly requests a model response (manual turn mode).
type ResponseCreate struct {
	Type string `json:"type"`
}

// ResponseCancel tells the remote side exactly how much of an assistant turn
// was heard before interruption so it can drop the unplayed remainder.
type ResponseCancel struct {
	Type         string `json:"type"`
	ItemID       string `json:"item_id"`
	SampleOffset int64  `json:"sample_offset"`
}

// ItemDelete removes a conversation item on the remote side.
type ItemDelete struct {
	Type   string `json:"type"`
	ItemID string `json:"item_id"`
}

// ToolResult carries a client tool invocation result back to the remote model.
type ToolResult struct {
	Type    string          `json:"type"`
	CallID  string          `json:"call_id"`
	Output  json.RawMessage `json:"output,omitempty"`
	IsError bool            `json:"is_error,omitempty"`
	Message string          `json:"message,omitempty"`
}

// SessionAck is the first server frame after a successful connect.
type SessionAck struct {
	Type            string      `json:"type"`
	ProtocolVersion string      `json:"protocol_version"`
	SessionID       string      `json:"session_id"`
	AudioIn         AudioFormat `json:"audio_in"`
	AudioOut        AudioFormat `json:"audio_out"`
}

// ItemDelta streams one incremental update to a conversation item. Text and
// audio accumulate on the client in arrival order.
type ItemDelta struct {
	Type     string `json:"type"`
	ItemID   string `json:"item_id"`
	Role     string `json:"role,omitempty"`
	Text     string `json:"text,omitempty"`
	AudioB64 string `json:"audio_b64,omitempty"`
}

// ItemCompleted marks an item immutable.
type ItemCompleted struct {
	Type   string `json:"type"`
	ItemID string `json:"item_id"`
}

// ItemDeleted confirms a remote-initiated or echoed deletion.
type ItemDeleted struct {
	Type   string `json:"type"`
	ItemID string `json:"item_id"`
}

// ToolCall asks the client to invoke a registered tool.
type ToolCall struct {
	Type      string          `json:"type"`
	CallID    string          `json:"call_id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

// Interrupted signals that the remote side detected the user speaking over
// in-flight assistant audio.
type Interrupted struct {
	Type   string `json:"type"`
	ItemID string `json:"item_id,omitempty"`
}

// ServerError is an in-band error report; non-fatal unless Close is set.
type ServerError struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
	Close   bool   `json:"close,omitempty"`
}

// Unknown preserves frames with an unrecognized type for the event log.
type Unknown struct {
	FrameType string
	Raw       json.RawMessage
}

// TypeOf returns the wire type string of a decoded frame.
func TypeOf(frame any) string {
	switch f := frame.(type) {
	case SessionUpdate:
		return f.Type
	case ItemCreate:
		return f.Type
	case InputAudio:
		return f.Type
	case ResponseCreate:
		return f.Type
	case ResponseCancel:
		return f.Type
	case ItemDelete:
		return f.Type
	case ToolResult:
		return f.Type
	case SessionAck:
		return f.Type
	case ItemDelta:
		return f.Type
	case ItemCompleted:
		return f.Type
	case ItemDeleted:
		return f.Type
	case ToolCall:
		return f.Type
	case Interrupted:
		return f.Type
	case ServerError:
		return f.Type
	case Unknown:
		return f.FrameType
	default:
		return ""
	}
}

// DecodeServerMessage decodes one inbound text frame. Unrecognized types are
// returned as Unknown rather than rejected; a realtime session must survive
// frames it does not understand.
func DecodeServerMessage(data []byte) (any, error) {
	var envelope struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, badFrame("invalid json frame", "")
	}
	typ := strings.TrimSpace(envelope.Type)
	if typ == "" {
		return nil, badFrame("missing type", "type")
	}

	switch typ {
	case "session_ack":
		var msg SessionAck
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badFrame("invalid session_ack", "")
		}
		if strings.TrimSpace(msg.SessionID) == "" {
			return nil, badFrame("session_ack.session_id is required", "session_id")
		}
		return msg, nil
	case "item_delta":
		var msg ItemDelta
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badFrame("invalid item_delta", "")
		}
		if strings.TrimSpace(msg.ItemID) == "" {
			return nil, badFrame("item_delta.item_id is required", "item_id")
		}
		return msg, nil
	case "item_completed":
		var msg ItemCompleted
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badFrame("invalid item_completed", "")
		}
		if strings.TrimSpace(msg.ItemID) == "" {
			return nil, badFrame("item_completed.item_id is required", "item_id")
		}
		return msg, nil
	case "item_deleted":
		var msg ItemDeleted
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badFrame("invalid item_deleted", "")
		}
		return msg, nil
	case "tool_call":
		var msg ToolCall
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badFrame("invalid tool_call", "")
		}
		if strings.TrimSpace(msg.Name) == "" {
			return nil, badFrame("tool_call.name is required", "name")
		}
		if strings.TrimSpace(msg.CallID) == "" {
			return nil, badFrame("tool_call.call_id is required", "call_id")
		}
		return msg, nil
	case "interrupted":
		var msg Interrupted
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badFrame("invalid interrupted", "")
		}
		return msg, nil
	case "error":
		var msg ServerError
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badFrame("invalid error frame", "")
		}
		return msg, nil
	default:
		return Unknown{FrameType: typ, Raw: append(json.RawMessage(nil), data...)}, nil
	}
}

// ValidateSessionUpdate checks a client frame before it is queued for send.
func ValidateSessionUpdate(msg SessionUpdate) error {
	switch strings.TrimSpace(msg.TurnDetection) {
	case TurnDetectionManual, TurnDetectionServerVAD:
	default:
		return unsupported("unsupported turn detection mode", "turn_detection")
	}
	if msg.AudioIn != nil {
		if err := validateFormat(*msg.AudioIn, "audio_in"); err != nil {
			return err
		}
	}
	if msg.AudioOut != nil {
		if err := validateFormat(*msg.AudioOut, "audio_out"); err != nil {
			return err
		}
	}
	return nil
}

func validateFormat(f AudioFormat, param string) error {
	if strings.TrimSpace(f.Encoding) == "" {
		return badFrame(param+".encoding is required", param+".encoding")
	}
	if f.SampleRateHz <= 0 {
		return badFrame(param+".sample_rate_hz must be > 0", param+".sample_rate_hz")
	}
	if f.Channels <= 0 {
		return badFrame(param+".channels must be > 0", param+".channels")
	}
	return nil
}
