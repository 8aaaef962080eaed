// Package config loads the client configuration from the environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/arkenza/voicewire/pkg/realtime/protocol"
)

type Config struct {
	// Endpoint is the realtime websocket endpoint; http(s) schemes are
	// rewritten to ws(s) on dial.
	Endpoint string
	// APIKey is supplied at construction and never persisted or prompted for.
	APIKey string

	Instructions   string
	StartingPrompt string
	Voice          string
	// TranscriptionModel opts into input transcription, passed through opaquely.
	TranscriptionModel string
	TurnDetection      string

	SampleRateHz int
	Channels     int

	// HistoryPath is the sqlite transcript archive; empty disables archiving.
	HistoryPath string
}

func LoadFromEnv() (Config, error) {
	cfg := Config{
		Endpoint:           envOr("VOICEWIRE_ENDPOINT", "wss://api.arkenza.io/v1/realtime"),
		APIKey:             strings.TrimSpace(os.Getenv("VOICEWIRE_API_KEY")),
		Instructions:       envOr("VOICEWIRE_INSTRUCTIONS", ""),
		StartingPrompt:     envOr("VOICEWIRE_STARTING_PROMPT", ""),
		Voice:              envOr("VOICEWIRE_VOICE", ""),
		TranscriptionModel: envOr("VOICEWIRE_TRANSCRIPTION_MODEL", ""),
		TurnDetection:      envOr("VOICEWIRE_TURN_DETECTION", protocol.TurnDetectionManual),
		SampleRateHz:       envIntOr("VOICEWIRE_SAMPLE_RATE_HZ", 24000),
		Channels:           envIntOr("VOICEWIRE_CHANNELS", 1),
		HistoryPath:        envOr("VOICEWIRE_HISTORY_PATH", "voicewire.db"),
	}

	if strings.TrimSpace(cfg.Endpoint) == "" {
		return Config{}, fmt.Errorf("VOICEWIRE_ENDPOINT must not be empty")
	}
	switch cfg.TurnDetection {
	case protocol.TurnDetectionManual, protocol.TurnDetectionServerVAD:
	default:
		return Config{}, fmt.Errorf("VOICEWIRE_TURN_DETECTION must be one of manual|server_vad")
	}
	if cfg.SampleRateHz <= 0 {
		return Config{}, fmt.Errorf("VOICEWIRE_SAMPLE_RATE_HZ must be > 0")
	}
	if cfg.Channels <= 0 {
		return Config{}, fmt.Errorf("VOICEWIRE_CHANNELS must be > 0")
	}

	return cfg, nil
}

// AudioFormat returns the negotiated PCM shape for both directions.
func (c Config) AudioFormat() protocol.AudioFormat {
	return protocol.AudioFormat{
		Encoding:     "pcm_s16le",
		SampleRateHz: c.SampleRateHz,
		Channels:     c.Channels,
	}
}

func envOr(key, def string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return v
}

func envIntOr(key string, def int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}
