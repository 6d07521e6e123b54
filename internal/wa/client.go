package wa

import (
	"context"
	"errors"
)

var ErrNotConnected = errors.New("wa: client is not connected")

// EventKind identifies a session lifecycle event.
type EventKind string

const (
	// EventChallenge carries a credential-challenge payload (QR code data).
	// May fire several times before the session becomes ready.
	EventChallenge EventKind = "challenge"
	// EventReady means the session is authenticated and connected.
	EventReady EventKind = "ready"
	// EventDisconnected is recoverable; the session can be reconnected.
	EventDisconnected EventKind = "disconnected"
	// EventAuthFailure is terminal: credentials were invalidated remotely.
	EventAuthFailure EventKind = "auth_failure"
)

type Event struct {
	Kind        EventKind
	Payload     string // challenge only
	PhoneNumber string // ready only
	Reason      string // disconnected / auth_failure
}

// Client is one authenticated connection to the messaging network.
// Implementations emit lifecycle events on Events(); the channel is owned by
// the client and events for a single session arrive in order.
type Client interface {
	// Connect begins the authentication handshake asynchronously. Lifecycle
	// progress is reported via Events(), not the return value.
	Connect(ctx context.Context) error
	// Disconnect tears the connection down without touching credentials.
	Disconnect()
	// Logout invalidates the stored credentials and disconnects.
	Logout(ctx context.Context) error

	SendMessage(ctx context.Context, phone, body string) error
	IsRegistered(ctx context.Context, phone string) (bool, error)

	Events() <-chan Event
}

// Factory builds a Client bound to a session's credential namespace.
// phoneNumber is empty for brand-new sessions and set on reconnect, letting
// the implementation reuse persisted credential material.
type Factory func(ctx context.Context, sessionID, phoneNumber string) (Client, error)
