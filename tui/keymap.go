package tui

// Key binding constants used in handleKey.
const (
	KeyQuit       = "q"
	KeyQuitUpper  = "Q"
	KeyCtrlC      = "ctrl+c"
	KeyCallToggle = "c"
	KeyMuteToggle = "m"
	KeyMicToggle  = " "
)
