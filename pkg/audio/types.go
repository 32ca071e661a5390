package audio

import (
	"math"
	"time"
)

// Standard audio formats used throughout the VoxBridge pipeline.
const (
	// CaptureSampleRate is the microphone capture rate in Hz. All VAD
	// classification and upstream transmission happens at this rate.
	CaptureSampleRate = 16000

	// PlaybackSampleRate is the rate of translated audio returned by the
	// upstream service, in Hz.
	PlaybackSampleRate = 24000

	// CaptureChunkDuration is the duration of one capture chunk. The capture
	// source delivers fixed-size chunks of this length.
	CaptureChunkDuration = 100 * time.Millisecond

	// CaptureChunkBytes is the size of one capture chunk in bytes:
	// 16000 Hz * 2 bytes/sample * 100 ms.
	CaptureChunkBytes = CaptureSampleRate * 2 / 10

	// ClassifierFrameDuration is the granularity at which ML-based detectors
	// operate. Capture chunks are split into frames of this length before
	// classification.
	ClassifierFrameDuration = 30 * time.Millisecond
)

// Chunk is a single unit of captured audio flowing through the pipeline.
// Chunks are immutable once produced: the capture source fills PCM and
// computes the amplitude, and downstream stages only read.
type Chunk struct {
	// PCM is raw little-endian 16-bit mono audio data.
	PCM []byte

	// Timestamp marks when this chunk was captured.
	Timestamp time.Time

	// RMS is the root-mean-square amplitude of PCM, normalized to [0, 1].
	RMS float64
}

// Duration returns the play time of the chunk at the given sample rate.
func (c Chunk) Duration(sampleRate int) time.Duration {
	if sampleRate <= 0 {
		return 0
	}
	samples := len(c.PCM) / 2
	return time.Duration(samples) * time.Second / time.Duration(sampleRate)
}

// RMS computes the root-mean-square amplitude of little-endian 16-bit mono
// PCM, normalized to [0, 1]. Returns 0 for empty or truncated input.
func RMS(pcm []byte) float64 {
	samples := len(pcm) / 2
	if samples == 0 {
		return 0
	}
	var sumSquares float64
	for i := 0; i < samples; i++ {
		s := float64(int16(pcm[i*2]) | int16(pcm[i*2+1])<<8)
		sumSquares += s * s
	}
	return math.Sqrt(sumSquares/float64(samples)) / 32768.0
}

// NewChunk builds a Chunk from raw PCM, stamping it with now and computing
// the amplitude once so downstream stages never rescan the data.
func NewChunk(pcm []byte, now time.Time) Chunk {
	return Chunk{PCM: pcm, Timestamp: now, RMS: RMS(pcm)}
}
