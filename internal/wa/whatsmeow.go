package wa

import (
	"context"
	"fmt"
	"strings"

	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	waLog "go.mau.fi/whatsmeow/util/log"
	"google.golang.org/protobuf/proto"

	_ "github.com/mattn/go-sqlite3"

	logx "github.com/Guzinn01/disp-whtas/pkg/logx"
)

// ManagerConfig configures the whatsmeow-backed client factory.
type ManagerConfig struct {
	// StorePath is the sqlite file holding whatsmeow device credentials for
	// all sessions. One device per session.
	StorePath string
	// CountryPrefix is prepended to numbers that don't already carry it.
	CountryPrefix string
	// LogLevel for whatsmeow's internal logger (DEBUG/INFO/WARN/ERROR).
	LogLevel string
}

// Manager owns the shared whatsmeow credential container and builds one
// client per session.
type Manager struct {
	container *sqlstore.Container
	cfg       ManagerConfig
	log       logx.Logger
}

func NewManager(ctx context.Context, cfg ManagerConfig, log logx.Logger) (*Manager, error) {
	if strings.TrimSpace(cfg.StorePath) == "" {
		return nil, fmt.Errorf("wa: store path is required")
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "WARN"
	}
	if cfg.CountryPrefix == "" {
		cfg.CountryPrefix = "55"
	}
	dbLog := waLog.Stdout("Database", cfg.LogLevel, true)
	container, err := sqlstore.New(ctx, "sqlite3",
		"file:"+cfg.StorePath+"?_foreign_keys=on", dbLog)
	if err != nil {
		return nil, fmt.Errorf("wa: open credential store: %w", err)
	}
	return &Manager{container: container, cfg: cfg, log: log}, nil
}

// NewClient implements Factory. For a session with a known phone number the
// persisted device is reused; otherwise a fresh device is created and the
// connect path will emit QR challenges.
func (m *Manager) NewClient(ctx context.Context, sessionID, phoneNumber string) (Client, error) {
	device, err := m.device(ctx, phoneNumber)
	if err != nil {
		return nil, err
	}

	clientLog := waLog.Stdout("Client", m.cfg.LogLevel, true)
	wm := whatsmeow.NewClient(device, clientLog)

	c := &meowClient{
		wm:     wm,
		prefix: m.cfg.CountryPrefix,
		events: make(chan Event, 16),
		log:    m.log.With(logx.String("session", sessionID)),
	}
	wm.AddEventHandler(c.handleEvent)
	return c, nil
}

func (m *Manager) device(ctx context.Context, phoneNumber string) (*store.Device, error) {
	if phoneNumber == "" {
		return m.container.NewDevice(), nil
	}
	devices, err := m.container.GetAllDevices(ctx)
	if err != nil {
		return nil, fmt.Errorf("wa: list devices: %w", err)
	}
	for _, d := range devices {
		if d.ID != nil && d.ID.User == phoneNumber {
			return d, nil
		}
	}
	// Credentials gone (e.g. store wiped); fall back to a fresh pairing.
	return m.container.NewDevice(), nil
}

type meowClient struct {
	wm     *whatsmeow.Client
	prefix string
	events chan Event
	log    logx.Logger
}

func (c *meowClient) Events() <-chan Event { return c.events }

func (c *meowClient) Connect(ctx context.Context) error {
	if c.wm.Store.ID == nil {
		// Unpaired device: QR channel must be requested before Connect.
		qrChan, err := c.wm.GetQRChannel(ctx)
		if err != nil {
			return fmt.Errorf("wa: qr channel: %w", err)
		}
		go c.pumpQR(qrChan)
	}
	if err := c.wm.Connect(); err != nil {
		return fmt.Errorf("wa: connect: %w", err)
	}
	return nil
}

func (c *meowClient) pumpQR(qrChan <-chan whatsmeow.QRChannelItem) {
	for item := range qrChan {
		switch item.Event {
		case whatsmeow.QRChannelEventCode:
			c.emit(Event{Kind: EventChallenge, Payload: item.Code})
		case whatsmeow.QRChannelSuccess.Event:
			// Ready is emitted via *events.Connected.
		default:
			// timeout / unexpected state / error
			reason := item.Event
			if item.Error != nil {
				reason = item.Error.Error()
			}
			c.emit(Event{Kind: EventDisconnected, Reason: reason})
		}
	}
}

func (c *meowClient) handleEvent(evt interface{}) {
	switch v := evt.(type) {
	case *events.Connected:
		phone := ""
		if id := c.wm.Store.ID; id != nil {
			phone = id.User
		}
		c.emit(Event{Kind: EventReady, PhoneNumber: phone})
	case *events.Disconnected:
		c.emit(Event{Kind: EventDisconnected, Reason: "connection closed"})
	case *events.StreamReplaced:
		c.emit(Event{Kind: EventDisconnected, Reason: "stream replaced by another client"})
	case *events.LoggedOut:
		c.emit(Event{Kind: EventAuthFailure, Reason: fmt.Sprintf("logged out (%v)", v.Reason)})
	}
}

func (c *meowClient) emit(e Event) {
	select {
	case c.events <- e:
	default:
		// Lifecycle events are rare; a full buffer means the registry pump
		// is gone. Dropping beats blocking whatsmeow's handler goroutine.
		c.log.Warn("dropping lifecycle event", logx.String("kind", string(e.Kind)))
	}
}

func (c *meowClient) Disconnect() {
	c.wm.Disconnect()
}

func (c *meowClient) Logout(ctx context.Context) error {
	if err := c.wm.Logout(ctx); err != nil {
		return fmt.Errorf("wa: logout: %w", err)
	}
	return nil
}

func (c *meowClient) SendMessage(ctx context.Context, phone, body string) error {
	if !c.wm.IsLoggedIn() {
		return ErrNotConnected
	}
	jid := types.NewJID(EnsurePrefix(phone, c.prefix), "s.whatsapp.net")
	msg := &waE2E.Message{Conversation: proto.String(body)}
	if _, err := c.wm.SendMessage(ctx, jid, msg); err != nil {
		return fmt.Errorf("wa: send to %s: %w", jid.User, err)
	}
	return nil
}

func (c *meowClient) IsRegistered(ctx context.Context, phone string) (bool, error) {
	if !c.wm.IsLoggedIn() {
		return false, ErrNotConnected
	}
	if err := ctx.Err(); err != nil {
		return false, err
	}
	resp, err := c.wm.IsOnWhatsApp(ctx, []string{"+" + EnsurePrefix(phone, c.prefix)})
	if err != nil {
		return false, fmt.Errorf("wa: registration check: %w", err)
	}
	if len(resp) == 0 {
		return false, nil
	}
	return resp[0].IsIn, nil
}
