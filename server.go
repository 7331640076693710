package foldercast

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/websocket"
)

type NodeServerSettings struct {
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

func DefaultNodeServerSettings() *NodeServerSettings {
	return &NodeServerSettings{
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
}

// NodeServer is the inbound peer surface: one websocket request per
// message, the mirror of [WsSender]. A verified envelope is dispatched
// to the manager and acked with "ok"; anything else gets the error
// text back.
type NodeServer struct {
	ctx    context.Context
	cancel context.CancelFunc

	manager    *Manager
	signingKey []byte
	settings   *NodeServerSettings

	upgrader   *websocket.Upgrader
	httpServer *http.Server
	listener   net.Listener
}

func NewNodeServerWithDefaults(ctx context.Context, manager *Manager, signingKey []byte, listenAddress string) (*NodeServer, error) {
	return NewNodeServer(ctx, manager, signingKey, listenAddress, DefaultNodeServerSettings())
}

func NewNodeServer(ctx context.Context, manager *Manager, signingKey []byte, listenAddress string, settings *NodeServerSettings) (*NodeServer, error) {
	cancelCtx, cancel := context.WithCancel(ctx)

	listener, err := net.Listen("tcp", listenAddress)
	if err != nil {
		cancel()
		return nil, err
	}

	nodeServer := &NodeServer{
		ctx:        cancelCtx,
		cancel:     cancel,
		manager:    manager,
		signingKey: signingKey,
		settings:   settings,
		upgrader: &websocket.Upgrader{
			HandshakeTimeout: settings.ReadTimeout,
		},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/sync", nodeServer.handleSync)
	nodeServer.httpServer = &http.Server{
		Handler: mux,
	}
	nodeServer.listener = listener

	go HandleError(func() {
		if err := nodeServer.httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
			glog.Infof("[server]serve error = %s\n", err)
		}
	})
	go HandleError(func() {
		<-cancelCtx.Done()
		nodeServer.httpServer.Close()
	})

	return nodeServer, nil
}

// Address is the bound listen address, useful when the configured port
// was 0.
func (self *NodeServer) Address() string {
	return self.listener.Addr().String()
}

func (self *NodeServer) Close() {
	self.cancel()
}

func (self *NodeServer) handleSync(w http.ResponseWriter, r *http.Request) {
	ws, err := self.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer ws.Close()

	ws.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
	messageType, token, err := ws.ReadMessage()
	if err != nil || messageType != websocket.TextMessage {
		return
	}

	ack := "ok"
	if err := self.dispatch(r.Context(), string(token)); err != nil {
		glog.Infof("[server]dispatch error = %s\n", err)
		ack = err.Error()
	}

	ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
	ws.WriteMessage(websocket.TextMessage, []byte(ack))
}

func (self *NodeServer) dispatch(ctx context.Context, token string) error {
	message, err := VerifyMessage(token, self.signingKey)
	if err != nil {
		return err
	}
	sender, err := ParseName(message.Sender)
	if err != nil {
		return err
	}
	recipient, err := ParseName(message.Recipient)
	if err != nil {
		return err
	}

	switch message.Kind {
	case MessageKindStateResponse:
		return self.manager.SubscriberCurrentStateResponse(
			ctx,
			message.SubscriptionId,
			sender,
			message.Tree,
			message.SymmetricKey,
		)
	case MessageKindSubscribe:
		_, err := self.manager.SubscribeToSharedFolder(
			ctx,
			sender,
			recipient.Profile,
			message.FolderPath,
			message.Payment,
			message.HttpPreferred,
		)
		return err
	case MessageKindUnsubscribe:
		return self.manager.UnsubscribeFromSharedFolder(
			ctx,
			sender,
			recipient.Profile,
			message.FolderPath,
		)
	default:
		return fmt.Errorf("%w: unhandled message kind %s", ErrInvalidRequest, message.Kind)
	}
}
