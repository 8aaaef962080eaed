// Package wavenc turns accumulated s16le PCM into a playable WAV unit, used
// when a completed conversation item's audio is handed to downstream
// consumers (export, history).
package wavenc

import (
	"encoding/binary"
	"fmt"
	"time"
)

const (
	riffHeaderBytes = 44
	bytesPerSample  = 2
)

// Encode wraps raw s16le PCM in a RIFF/WAVE container.
func Encode(pcm []byte, sampleRateHz, channels int) ([]byte, error) {
	if sampleRateHz <= 0 {
		return nil, fmt.Errorf("sample rate must be > 0, got %d", sampleRateHz)
	}
	if channels <= 0 {
		return nil, fmt.Errorf("channels must be > 0, got %d", channels)
	}
	if len(pcm)%bytesPerSample != 0 {
		return nil, fmt.Errorf("pcm length %d is not sample aligned", len(pcm))
	}

	out := make([]byte, riffHeaderBytes+len(pcm))
	byteRate := sampleRateHz * channels * bytesPerSample
	blockAlign := channels * bytesPerSample

	copy(out[0:4], "RIFF")
	binary.LittleEndian.PutUint32(out[4:8], uint32(36+len(pcm)))
	copy(out[8:12], "WAVE")
	copy(out[12:16], "fmt ")
	binary.LittleEndian.PutUint32(out[16:20], 16)
	binary.LittleEndian.PutUint16(out[20:22], 1) // PCM
	binary.LittleEndian.PutUint16(out[22:24], uint16(channels))
	binary.LittleEndian.PutUint32(out[24:28], uint32(sampleRateHz))
	binary.LittleEndian.PutUint32(out[28:32], uint32(byteRate))
	binary.LittleEndian.PutUint16(out[32:34], uint16(blockAlign))
	binary.LittleEndian.PutUint16(out[34:36], bytesPerSample*8)
	copy(out[36:40], "data")
	binary.LittleEndian.PutUint32(out[40:44], uint32(len(pcm)))
	copy(out[riffHeaderBytes:], pcm)
	return out, nil
}

// Duration reports the play time of raw s16le PCM at the given shape.
func Duration(pcmBytes, sampleRateHz, channels int) time.Duration {
	byteRate := sampleRateHz * channels * bytesPerSample
	if byteRate <= 0 || pcmBytes <= 0 {
		return 0
	}
	return time.Duration(pcmBytes) * time.Second / time.Duration(byteRate)
}
