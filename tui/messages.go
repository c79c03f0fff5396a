package tui

import (
	voicetutor "github.com/lingopeer/voicetutor"
	"github.com/lingopeer/voicetutor/chat"
)

// CallToggledMsg carries the result of starting or ending a call.
type CallToggledMsg struct {
	Err error
}

// MicToggledMsg carries the result of toggling microphone streaming.
type MicToggledMsg struct {
	Err error
}

// MuteToggledMsg carries the new output-mute value.
type MuteToggledMsg struct {
	Muted bool
}

// SnapshotMsg is the periodic pull of controller state.
type SnapshotMsg struct {
	State       chat.CallState
	Transcript  []voicetutor.Message
	PartialUser string
	PartialAI   string
}

// TickMsg drives the snapshot poll.
type TickMsg struct{}
