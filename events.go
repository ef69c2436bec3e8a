package chatcore

// SessionEventType enumerates the notifications a session exposes to its host.
type SessionEventType string

const (
	EventMessage          SessionEventType = "message"
	EventTyping           SessionEventType = "typing"
	EventConnectionStatus SessionEventType = "connection_status"
	EventError            SessionEventType = "error"
	EventRecoveryAttempt  SessionEventType = "recovery_attempt"
	EventRecoverySuccess  SessionEventType = "recovery_success"
	EventRecoveryFailed   SessionEventType = "recovery_failed"
	EventMessageQueued    SessionEventType = "message_queued"
	EventMessageSent      SessionEventType = "message_sent"
	EventMessageFailed    SessionEventType = "message_failed"
	EventQueueEmpty       SessionEventType = "queue_empty"
)

// SessionEvent is the payload delivered to host listeners. Only the fields
// relevant to Type are populated.
type SessionEvent struct {
	Type SessionEventType

	// EventMessage
	Frame *Frame

	// EventTyping
	ParticipantID string
	IsTyping      bool

	// EventConnectionStatus
	Status ConnState

	// EventError / recovery events
	Err    error
	Record *ErrorRecord

	// EventRecoveryAttempt
	Attempt int

	// EventRecoveryFailed
	Terminal bool

	// Message lifecycle events
	MessageID string
	Reason    string
}
