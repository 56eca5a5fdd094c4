// Package events defines the named events and payload types exchanged over
// the in-process bus between the session engine, the audio pipelines, and the
// external streaming client.
//
// Events fall into two sets. The engine publishes the outbound set
// (CreateSession through StopAudio) for the streaming client to act on, and
// consumes the inbound set (SessionCreated through ModelTimedOut) that the
// client injects as the remote model produces output. StatusChanged is local:
// it carries UI status transitions and never leaves the process.
package events

// Outbound: published by the session engine, consumed by the streaming client.
const (
	// CreateSession asks the client to open a new remote session.
	// Payload: none.
	CreateSession = "createSession"

	// InitiateSession registers the session's tools and starts the remote
	// handshake. Payload: [InitiateSessionPayload].
	InitiateSession = "initiateSession"

	// PromptStart begins the prompt phase of the handshake. Payload: none.
	PromptStart = "promptStart"

	// SystemPrompt carries the system prompt text. Payload: string.
	SystemPrompt = "systemPrompt"

	// AudioStart signals readiness to stream audio. Payload: none.
	AudioStart = "audioStart"

	// AudioInput carries one transport-encoded capture chunk. Payload: string.
	AudioInput = "audioInput"

	// StopAudio asks the client to close a session. Payload: [StopAudioPayload].
	StopAudio = "stopAudio"
)

// Inbound: published by the streaming client, consumed by the session engine.
const (
	// SessionCreated reports the identifier of a freshly created remote
	// session. Payload: string (session id).
	SessionCreated = "sessionCreated"

	// SessionInitiated reports handshake completion. Payload: none.
	SessionInitiated = "sessionInitiated"

	// TextOutput carries one transcript fragment. Payload: [TextOutputPayload].
	TextOutput = "textOutput"

	// AudioOutput carries one transport-encoded audio chunk from the model.
	// Payload: [AudioOutputPayload].
	AudioOutput = "audioOutput"

	// ContentEnd marks the end of a content block. Payload: [ContentEndPayload].
	ContentEnd = "contentEnd"

	// StreamComplete signals a normal end of conversation. Payload: none.
	StreamComplete = "streamComplete"

	// Error carries a remote-side error. Payload: [ErrorPayload].
	Error = "error"

	// ModelTimedOut signals that the remote model timed out and the session
	// should be restarted. Payload: none.
	ModelTimedOut = "modelTimedOut"
)

// StatusChanged is published by the session engine on every status
// transition. Payload: [Status]. Local to the process.
const StatusChanged = "statusChanged"

// Roles used in transcript and content events.
const (
	RoleUser      = "USER"
	RoleAssistant = "ASSISTANT"
)

// ContentTypeText identifies textual content blocks in ContentEnd events.
const ContentTypeText = "TEXT"

// InitiateSessionPayload carries the session id and the tool registrations
// for the handshake. Tools is kept as an opaque any so the events package
// does not depend on the tool registry; the streaming client re-types it.
type InitiateSessionPayload struct {
	SessionID string
	Tools     any
}

// StopAudioPayload identifies the session to close.
type StopAudioPayload struct {
	SessionID string
}

// TextOutputPayload is one transcript fragment with its speaker role.
type TextOutputPayload struct {
	Role    string
	Content string
}

// AudioOutputPayload is one transport-encoded model audio chunk.
type AudioOutputPayload struct {
	Content string
}

// ContentEndPayload marks the end of a content block of the given type
// produced by the given role.
type ContentEndPayload struct {
	Type string
	Role string
}

// ErrorPayload is a remote-side error surfaced to the user as status.
type ErrorPayload struct {
	Message string
	Details string
}

// StatusClass is the presentation class of a status update.
type StatusClass string

const (
	ClassDisconnected StatusClass = "disconnected"
	ClassConnecting   StatusClass = "connecting"
	ClassReady        StatusClass = "ready"
	ClassRecording    StatusClass = "recording"
	ClassProcessing   StatusClass = "processing"
	ClassError        StatusClass = "error"
)

// Status is the user-visible session status.
type Status struct {
	Text      string
	ClassName StatusClass
}
