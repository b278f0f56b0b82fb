// Package stt defines the Transcriber interface for speech-to-text backends.
//
// A transcriber turns one complete recording into text. medscribe never
// streams partial transcripts to the user: audio is buffered for the whole
// consultation and submitted once the recording finishes, so the interface is
// a single blocking call.
//
// Implementations must be safe for concurrent use.
package stt

import "context"

// Default audio format of recordings handed to transcribers.
const (
	DefaultSampleRate = 16000
	DefaultChannels   = 1
)

// Request is one complete recording to transcribe.
type Request struct {
	// Audio is raw 16-bit signed little-endian PCM.
	Audio []byte

	// SampleRate in Hz. Zero means DefaultSampleRate.
	SampleRate int

	// Channels is the channel count. Zero means DefaultChannels.
	Channels int

	// APIKey, when non-empty, overrides the transcriber's configured
	// credential for this request only.
	APIKey string
}

// Format returns the effective sample rate and channel count of r.
func (r Request) Format() (sampleRate, channels int) {
	sampleRate, channels = r.SampleRate, r.Channels
	if sampleRate <= 0 {
		sampleRate = DefaultSampleRate
	}
	if channels <= 0 {
		channels = DefaultChannels
	}
	return sampleRate, channels
}

// Transcriber converts a recording into text.
type Transcriber interface {
	// Transcribe submits req and blocks until the backend returns the full
	// transcript or fails. Upstream failures should be reported as
	// *types.StatusError or *types.NetworkError so callers can classify them.
	Transcribe(ctx context.Context, req Request) (string, error)
}
