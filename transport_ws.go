package foldercast

import (
	"context"
	"fmt"
	"time"

	"github.com/gorilla/websocket"
)

type WsSenderSettings struct {
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	AckTimeout       time.Duration
}

func DefaultWsSenderSettings() *WsSenderSettings {
	return &WsSenderSettings{
		HandshakeTimeout: 10 * time.Second,
		WriteTimeout:     30 * time.Second,
		AckTimeout:       30 * time.Second,
	}
}

// WsSender delivers tokens over a short-lived websocket per send:
// dial, write the token, wait for the ack echo, close. Subscription
// traffic is infrequent enough that holding connections open is not
// worth the bookkeeping.
type WsSender struct {
	settings *WsSenderSettings
	dialer   *websocket.Dialer
}

func NewWsSenderWithDefaults() *WsSender {
	return NewWsSender(DefaultWsSenderSettings())
}

func NewWsSender(settings *WsSenderSettings) *WsSender {
	return &WsSender{
		settings: settings,
		dialer: &websocket.Dialer{
			HandshakeTimeout: settings.HandshakeTimeout,
		},
	}
}

func (self *WsSender) Send(ctx context.Context, address string, token string) error {
	url := fmt.Sprintf("ws://%s/sync", address)
	ws, _, err := self.dialer.DialContext(ctx, url, nil)
	if err != nil {
		return err
	}
	defer ws.Close()

	ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
	if err := ws.WriteMessage(websocket.TextMessage, []byte(token)); err != nil {
		return err
	}

	ws.SetReadDeadline(time.Now().Add(self.settings.AckTimeout))
	messageType, message, err := ws.ReadMessage()
	if err != nil {
		return err
	}
	switch messageType {
	case websocket.TextMessage:
		if string(message) != "ok" {
			return fmt.Errorf("bad ack %q", string(message))
		}
	default:
		return fmt.Errorf("bad ack message type %d", messageType)
	}
	return nil
}
