package protocol

import (
	"encoding/json"
	"testing"
)

func TestDecodeServerMessage_ItemDelta(t *testing.T) {
	raw := []byte(`{"type":"item_delta","item_id":"a1","role":"assistant","text":"hel","audio_b64":"AAA="}`)
	frame, err := DecodeServerMessage(raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	delta, ok := frame.(ItemDelta)
	if !ok {
		t.Fatalf("frame type %T, want ItemDelta", frame)
	}
	if delta.ItemID != "a1" || delta.Text != "hel" || delta.AudioB64 != "AAA=" {
		t.Fatalf("unexpected delta: %+v", delta)
	}
}

func TestDecodeServerMessage_MissingFields(t *testing.T) {
	cases := []struct {
		name string
		raw  string
	}{
		{"no type", `{"item_id":"a1"}`},
		{"delta without id", `{"type":"item_delta","text":"x"}`},
		{"tool_call without name", `{"type":"tool_call","call_id":"c1"}`},
		{"tool_call without call_id", `{"type":"tool_call","name":"alert"}`},
		{"ack without session id", `{"type":"session_ack","protocol_version":"1"}`},
		{"not json", `{`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := DecodeServerMessage([]byte(tc.raw)); err == nil {
				t.Fatalf("expected decode error for %s", tc.raw)
			}
		})
	}
}

func TestDecodeServerMessage_UnknownTypeSurvives(t *testing.T) {
	raw := []byte(`{"type":"rate_limit_notice","limit":10}`)
	frame, err := DecodeServerMessage(raw)
	if err != nil {
		t.Fatalf("unknown types must not fail decode: %v", err)
	}
	unknown, ok := frame.(Unknown)
	if !ok {
		t.Fatalf("frame type %T, want Unknown", frame)
	}
	if unknown.FrameType != "rate_limit_notice" {
		t.Fatalf("FrameType=%q", unknown.FrameType)
	}
	var echo map[string]any
	if err := json.Unmarshal(unknown.Raw, &echo); err != nil {
		t.Fatalf("raw payload not preserved: %v", err)
	}
}

func TestDecodeServerMessage_Interrupted(t *testing.T) {
	frame, err := DecodeServerMessage([]byte(`{"type":"interrupted","item_id":"t1"}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	in, ok := frame.(Interrupted)
	if !ok || in.ItemID != "t1" {
		t.Fatalf("got %#v", frame)
	}
}

func TestValidateSessionUpdate(t *testing.T) {
	ok := SessionUpdate{
		Type:          "session_update",
		TurnDetection: TurnDetectionServerVAD,
		AudioIn:       &AudioFormat{Encoding: "pcm_s16le", SampleRateHz: 24000, Channels: 1},
	}
	if err := ValidateSessionUpdate(ok); err != nil {
		t.Fatalf("valid update rejected: %v", err)
	}

	bad := SessionUpdate{Type: "session_update", TurnDetection: "half_duplex"}
	if err := ValidateSessionUpdate(bad); err == nil {
		t.Fatal("unsupported mode accepted")
	}

	badFormat := ok
	badFormat.AudioIn = &AudioFormat{Encoding: "pcm_s16le", SampleRateHz: 0, Channels: 1}
	if err := ValidateSessionUpdate(badFormat); err == nil {
		t.Fatal("zero sample rate accepted")
	}
}

func TestTypeOf(t *testing.T) {
	if got := TypeOf(ResponseCancel{Type: "response_cancel"}); got != "response_cancel" {
		t.Fatalf("TypeOf=%q", got)
	}
	if got := TypeOf(Unknown{FrameType: "mystery"}); got != "mystery" {
		t.Fatalf("TypeOf=%q", got)
	}
	if got := TypeOf(42); got != "" {
		t.Fatalf("TypeOf on foreign value=%q", got)
	}
}
