package store

import (
	"context"
	"errors"
	"time"
)

var ErrNotFound = errors.New("store: not found")

// Config configures the sqlite store.
type Config struct {
	Path        string
	BusyTimeout time.Duration // 0 means default
}

// Contact statuses. Values are stored as-is; they also surface on the API.
const (
	ContactPrepared = "prepared"
	ContactSent     = "sent"
	ContactFailed   = "failed"
)

// Session statuses.
const (
	SessionPending      = "pending"
	SessionConnecting   = "connecting"
	SessionConnected    = "connected"
	SessionDisconnected = "disconnected"
	SessionInvalid      = "invalid"
)

// Contact is one dispatch target. Phone is normalized (digits only) and is
// the natural key for status updates; duplicates share status.
type Contact struct {
	Name   string `json:"name"`
	Phone  string `json:"phone"`
	Status string `json:"status"`
}

// Session is the persisted record of one messaging account.
// PhoneNumber is empty until the session first reaches connected.
type Session struct {
	ID          string `json:"session_id"`
	Name        string `json:"name"`
	PhoneNumber string `json:"phone_number,omitempty"`
	Status      string `json:"status"`
}

// AuditEntry records an operator action. Keep it compact and schema-stable.
type AuditEntry struct {
	At     time.Time
	Action string
	Target string
	OK     int
	Fail   int
	Error  string
	TookMS int64
}

// Store is the persistence API used by the registry, dispatcher and importer.
type Store interface {
	// ReplaceContacts swaps the whole contact table for rows. Rows whose
	// normalized phone already has status sent keep that status.
	ReplaceContacts(ctx context.Context, rows []Contact) error
	ListContacts(ctx context.Context) ([]Contact, error)
	ListPrepared(ctx context.Context) ([]Contact, error)
	UpdateContactStatus(ctx context.Context, phone, status string) error

	ListSessions(ctx context.Context) ([]Session, error)
	GetSession(ctx context.Context, id string) (Session, error)
	UpsertSession(ctx context.Context, s Session) error
	DeleteSession(ctx context.Context, id string) error
	UpdateSessionStatus(ctx context.Context, id, status string) error

	AppendAudit(ctx context.Context, e AuditEntry) error
	PruneAudit(ctx context.Context, before time.Time) (int64, error)
	Optimize(ctx context.Context) error

	Close() error
}
