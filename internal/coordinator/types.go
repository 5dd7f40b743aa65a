// Package coordinator provides the REST client for the assistant backend
// that owns the authoritative player state.
//
// Every player mode transition is a request/response exchange with this
// service; the player keeps only a cache of the last response. Calls are
// best-effort: there is no retry or backoff here — a failed call is
// reported to the caller, which logs it and keeps its previous state.
package coordinator

import "time"

// Mode is the server-authoritative player mode vocabulary.
type Mode string

const (
	// ModeIdle shows no media.
	ModeIdle Mode = "idle"

	// ModeLoop plays the cheap pre-recorded clip.
	ModeLoop Mode = "loop"

	// ModeHeygen streams the expensive live avatar.
	ModeHeygen Mode = "heygen"
)

// IsValid reports whether m is a recognised mode.
func (m Mode) IsValid() bool {
	switch m {
	case ModeIdle, ModeLoop, ModeHeygen:
		return true
	}
	return false
}

// String returns m as a plain string.
func (m Mode) String() string { return string(m) }

// PlayerState is the authoritative per-session player state as reported by
// the coordinator. The player overwrites its local cache with this value
// wholesale on every applied response.
type PlayerState struct {
	// Mode is the active video source.
	Mode Mode `json:"mode"`

	// IsPlaying reports whether the active video element is advancing.
	IsPlaying bool `json:"isPlaying"`

	// CurrentVideo identifies the clip bound to loop mode; empty outside
	// loop mode.
	CurrentVideo string `json:"currentVideo,omitempty"`

	// LoopCount is how many times the idle clip has replayed since the
	// last mode entry.
	LoopCount int `json:"loopCount"`

	// LastInteraction is the most recent recorded user input.
	LastInteraction time.Time `json:"lastInteraction"`

	// SessionActive reports whether the owning conversation session is
	// still valid.
	SessionActive bool `json:"sessionActive"`
}

// InitResult is the outcome of an init call.
type InitResult struct {
	State    PlayerState
	VideoURL string
}

// SwitchResult is the outcome of a switch-heygen or switch-loop call.
// VideoURL is populated only for switches into loop mode.
type SwitchResult struct {
	State    PlayerState
	VideoURL string
}

// InactivityResult is the outcome of a check-inactivity call. Switched
// reports whether the coordinator reverted the session to loop mode.
type InactivityResult struct {
	Switched bool
	State    PlayerState
	VideoURL string
}
