package stt

// State is the connection state of a Session
type State string

const (
	// StateDisconnected is the initial and terminal state
	StateDisconnected State = "Disconnected"

	// StateConnecting indicates the transport is being opened
	StateConnecting State = "Connecting"

	// StateConfiguring indicates the stream configuration is being sent
	StateConfiguring State = "Configuring"

	// StateStreaming indicates audio and transcripts are flowing
	StateStreaming State = "Streaming"

	// StateClosing indicates the transport is being torn down
	StateClosing State = "Closing"
)

// String returns the string representation of the state
func (s State) String() string {
	return string(s)
}
