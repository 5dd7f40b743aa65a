// Package stt defines the Provider interface for streaming speech
// recognition backends.
//
// A provider wraps a real-time transcription service and exposes a uniform
// streaming interface modelled on a continuously listening microphone: once
// opened, a session accepts raw PCM audio and emits two streams of
// Transcript values — low-latency partials for the visible running
// transcript and authoritative finals that are forwarded as completed
// utterances.
//
// Recognition engines stop themselves: silence timeouts, server-side idle
// limits, and transport drops all end a session without the caller asking
// for it. The Ended channel makes that involuntary stop observable so a
// supervising loop (internal/speech) can decide whether to restart.
//
// Implementations must be safe for concurrent use.
package stt

import "context"

// StreamConfig describes the audio format and recognition behaviour for a
// new session.
type StreamConfig struct {
	// SampleRate is the audio sample rate in Hz (e.g. 16000).
	SampleRate int

	// Channels is the number of audio channels. 1 = mono, which is what
	// recognition services want; implementors may downmix internally.
	Channels int

	// Language is the BCP-47 recognition language tag (e.g. "en-US").
	// Recognition language is fixed for the lifetime of the session.
	Language string

	// Interim enables low-latency partial results on the Partials channel.
	Interim bool

	// Continuous keeps the session listening across pauses instead of
	// finalising after the first utterance. Engines may still stop
	// involuntarily after a long silence; see SessionHandle.Ended.
	Continuous bool
}

// SessionHandle is an open streaming recognition session. It is an
// interface so test code can substitute a mock engine without a live
// provider connection.
//
// Callers must call Close when the session is no longer needed; failing to
// do so leaks goroutines and network connections inside the provider.
// All methods must be safe for concurrent use.
type SessionHandle interface {
	// SendAudio delivers a chunk of raw PCM audio for transcription. The
	// chunk must match the SampleRate, Channels, and bit depth agreed in
	// StreamConfig. Calling SendAudio after the session has ended returns
	// an error.
	SendAudio(chunk []byte) error

	// Partials returns a read-only channel emitting interim Transcript
	// values. Suitable for driving a visible running transcript; never
	// treated as a completed utterance. Closed when the session ends.
	Partials() <-chan Transcript

	// Finals returns a read-only channel emitting authoritative Transcript
	// values once the engine has committed to a result. Closed when the
	// session ends.
	Finals() <-chan Transcript

	// Ended returns a channel that is closed when the session stops for
	// any reason — explicit Close, engine silence timeout, or transport
	// failure. After Ended is closed, Err reports why.
	Ended() <-chan struct{}

	// Err returns the reason the session ended. It is nil for an explicit
	// Close or a benign engine self-stop, and non-nil for failures.
	// Err must only be called after Ended is closed.
	Err() error

	// Close terminates the session, flushes pending audio, and releases
	// all resources. Calling Close more than once is safe and returns nil.
	Close() error
}

// Provider is the abstraction over any streaming recognition backend.
type Provider interface {
	// StartStream opens a new streaming recognition session. The returned
	// SessionHandle is ready to accept audio immediately.
	//
	// Returns an error if the session cannot be established (authentication
	// failure, unsupported configuration, ctx already cancelled). The
	// caller owns the handle and must call Close when done.
	StartStream(ctx context.Context, cfg StreamConfig) (SessionHandle, error)
}
