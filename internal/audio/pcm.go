// Package audio provides PCM sample conversion for the voice pipeline.
// The inference service consumes 16-bit little-endian PCM at 16kHz and
// produces it at 24kHz; capture and playback work in float32 samples.
package audio

import (
	"encoding/binary"
	"time"
)

const (
	// InputSampleRate is the fixed capture rate sent to the inference service.
	InputSampleRate = 16000
	// OutputSampleRate is the fixed rate of audio returned by the service.
	OutputSampleRate = 24000
)

// Float32ToPCM16 converts normalized float32 samples to 16-bit
// little-endian PCM, clamping values outside [-1, 1).
func Float32ToPCM16(samples []float32) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		v := float64(s) * 32768
		if v > 32767 {
			v = 32767
		} else if v < -32768 {
			v = -32768
		}
		binary.LittleEndian.PutUint16(out[i*2:], uint16(int16(v)))
	}
	return out
}

// PCM16ToFloat32 converts 16-bit little-endian PCM to normalized float32
// samples. A trailing odd byte is ignored.
func PCM16ToFloat32(pcm []byte) []float32 {
	n := len(pcm) / 2
	out := make([]float32, n)
	for i := 0; i < n; i++ {
		v := int16(binary.LittleEndian.Uint16(pcm[i*2:]))
		out[i] = float32(v) / 32768.0
	}
	return out
}

// Duration returns the playback duration of sampleCount mono samples at
// the given rate.
func Duration(sampleCount, sampleRate int) time.Duration {
	if sampleRate <= 0 {
		return 0
	}
	return time.Duration(sampleCount) * time.Second / time.Duration(sampleRate)
}
