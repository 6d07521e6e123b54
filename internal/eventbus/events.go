package eventbus

// Event types published for the presentation layer. The websocket adapter
// forwards these verbatim; payload shapes below are the wire contract.
const (
	TypeSessionChallenge    = "session.challenge"
	TypeSessionReady        = "session.ready"
	TypeSessionDisconnected = "session.disconnected"
	TypeSessionRemoved      = "session.removed"
	TypeDispatchProgress    = "dispatch.progress"
	TypeDispatchFinished    = "dispatch.finished"
	TypeLogEntry            = "log.entry"
)

var knownTypes = map[string]struct{}{
	TypeSessionChallenge:    {},
	TypeSessionReady:        {},
	TypeSessionDisconnected: {},
	TypeSessionRemoved:      {},
	TypeDispatchProgress:    {},
	TypeDispatchFinished:    {},
	TypeLogEntry:            {},
}

// ValidType reports whether t is one of the declared presentation event types.
func ValidType(t string) bool {
	_, ok := knownTypes[t]
	return ok
}

// SessionChallenge carries a credential-challenge artifact (QR payload).
// Payload is the raw challenge string; the presentation adapter decides how
// to render it (the bundled UI expects a scannable image).
type SessionChallenge struct {
	SessionID string `json:"session_id"`
	Payload   string `json:"payload"`
}

type SessionReady struct {
	SessionID   string `json:"session_id"`
	PhoneNumber string `json:"phone_number"`
}

type SessionDisconnected struct {
	SessionID string `json:"session_id"`
	Reason    string `json:"reason,omitempty"`
}

// SessionRemoved is distinct from a disconnect: the persisted session record
// is gone (explicit removal or an authentication failure).
type SessionRemoved struct {
	SessionID   string `json:"session_id"`
	AuthFailure bool   `json:"auth_failure"`
	Reason      string `json:"reason,omitempty"`
}

type DispatchProgress struct {
	Name   string `json:"name"`
	Phone  string `json:"phone"`
	Sent   bool   `json:"sent"`
	Reason string `json:"reason,omitempty"`
}

type DispatchFinished struct {
	Outcome     string `json:"outcome"`
	SentCount   int    `json:"sent_count"`
	FailedCount int    `json:"failed_count"`
}

type LogEntry struct {
	Level string `json:"level"`
	Text  string `json:"text"`
}
