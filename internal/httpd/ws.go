package httpd

import (
	"encoding/base64"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	qrcode "github.com/skip2/go-qrcode"

	"github.com/Guzinn01/disp-whtas/internal/eventbus"
	logx "github.com/Guzinn01/disp-whtas/pkg/logx"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPingPeriod = 30 * time.Second
	wsBuffer     = 64
	qrImageSize  = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// The UI is served from arbitrary hosts (packaged desktop shells
		// included), so origin checking buys nothing here.
		return true
	},
}

// wsFrame is the wire shape of one pushed event.
type wsFrame struct {
	Type string    `json:"type"`
	Time time.Time `json:"time"`
	Data any       `json:"data"`
}

// challengeFrame augments the raw challenge with a rendered PNG so the UI
// can show a scannable image without a client-side QR library.
type challengeFrame struct {
	SessionID string `json:"session_id"`
	Payload   string `json:"payload"`
	Image     string `json:"image,omitempty"`
}

// handleWebSocket streams bus events to one client until it disconnects.
// Delivery is best-effort: a slow client drops events rather than stalling
// the publishers.
func (s *Server) handleWebSocket(c echo.Context) error {
	conn, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return err
	}

	events, unsubscribe := s.bus.Subscribe(wsBuffer)
	defer unsubscribe()

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(wsPingPeriod)
	defer ping.Stop()
	defer conn.Close()

	for {
		select {
		case <-closed:
			return nil
		case <-c.Request().Context().Done():
			return nil
		case <-ping.C:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return nil
			}
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteJSON(s.frame(ev)); err != nil {
				return nil
			}
		}
	}
}

func (s *Server) frame(ev eventbus.Event) wsFrame {
	f := wsFrame{Type: ev.Type, Time: ev.Time, Data: ev.Data}
	if ch, ok := ev.Data.(eventbus.SessionChallenge); ok {
		f.Data = challengeFrame{
			SessionID: ch.SessionID,
			Payload:   ch.Payload,
			Image:     s.renderQR(ch.Payload),
		}
	}
	return f
}

func (s *Server) renderQR(payload string) string {
	png, err := qrcode.Encode(payload, qrcode.Medium, qrImageSize)
	if err != nil {
		s.log.Warn("qr render failed", logx.Err(err))
		return ""
	}
	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(png)
}
