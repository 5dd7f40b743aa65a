package stt

import "errors"

// Sentinel errors reported by SessionHandle.Err. Supervising code uses
// errors.Is against these to pick a recovery policy; anything else is an
// unclassified engine failure and is surfaced to the caller.
var (
	// ErrNoSpeech indicates the engine gave up because it heard nothing.
	// Benign: the session may be restarted immediately.
	ErrNoSpeech = errors.New("stt: no speech detected")

	// ErrPermissionDenied indicates microphone or service access was
	// refused. Terminal for the current attempt; do not auto-retry.
	ErrPermissionDenied = errors.New("stt: permission denied")

	// ErrAborted indicates the session was cut short by the engine or the
	// transport rather than by Close. Whether this is benign depends on
	// whether the caller still wants to be listening.
	ErrAborted = errors.New("stt: session aborted")

	// ErrSessionClosed is returned by SendAudio after the session ended.
	ErrSessionClosed = errors.New("stt: session is closed")
)
