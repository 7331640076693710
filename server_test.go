package foldercast

import (
	"context"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

func newTestServer(t *testing.T, engine *testEngine) (*NodeServer, *Transport) {
	ctx := context.Background()

	server, err := NewNodeServerWithDefaults(ctx, engine.manager, testSigningKey, "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(server.Close)

	// the subscriber's outbound transport, pointed at the server
	subscriberTransport := NewTransport(
		engine.subscriber,
		testSigningKey,
		&addressResolver{address: server.Address()},
		NewWsSenderWithDefaults(),
	)
	return server, subscriberTransport
}

type addressResolver struct {
	address string
}

func (self *addressResolver) Resolve(ctx context.Context, name Name) (*PeerIdentity, error) {
	return &PeerIdentity{
		Name:       name,
		Address:    self.address,
		SigningKey: testSigningKey,
	}, nil
}

func TestServerSubscribeOverWire(t *testing.T) {
	engine := newTestEngine(t)
	ctx := context.Background()
	t0 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	engine.fs.WriteLeaf("/docs/a.txt", []byte("alpha"), t0)
	engine.share(t, "/docs")

	_, subscriberTransport := newTestServer(t, engine)

	err := subscriberTransport.SendMessage(ctx, engine.streamer, &Message{
		Kind:       MessageKindSubscribe,
		FolderPath: "/docs",
	})
	assert.Equal(t, err, nil)

	subscribers, err := engine.manager.GetNodeSubscribers(ctx, "/docs")
	assert.Equal(t, err, nil)
	assert.Equal(t, len(subscribers["/docs"]), 1)
	assert.Equal(t, subscribers["/docs"][0].Subscriber, engine.subscriber)

	err = subscriberTransport.SendMessage(ctx, engine.streamer, &Message{
		Kind:       MessageKindUnsubscribe,
		FolderPath: "/docs",
	})
	assert.Equal(t, err, nil)

	subscribers, err = engine.manager.GetNodeSubscribers(ctx, "/docs")
	assert.Equal(t, err, nil)
	assert.Equal(t, len(subscribers["/docs"]), 0)
}

func TestServerStateResponseOverWire(t *testing.T) {
	engine := newTestEngine(t)
	ctx := context.Background()
	t0 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	engine.fs.WriteLeaf("/docs/a.txt", []byte("alpha"), t0)
	engine.share(t, "/docs")
	subscription := engine.subscribe(t, "/docs")

	_, subscriberTransport := newTestServer(t, engine)

	err := subscriberTransport.SendMessage(ctx, engine.streamer, &Message{
		Kind:           MessageKindStateResponse,
		SubscriptionId: subscription.Id,
		Tree:           NewEmptyTree(),
		SymmetricKey:   "wire key",
	})
	assert.Equal(t, err, nil)

	waitFor(t, 5*time.Second, func() bool {
		version, ok := engine.manager.SyncVersion(subscription.Id)
		return ok && version == 1
	})

	bundles := engine.sender.messagesOfKind(t, MessageKindTreeBundle)
	assert.Equal(t, len(bundles), 1)
	assert.Equal(t, bundles[0].SymmetricKey, "wire key")
}

func TestServerRejectsUnsharedSubscribe(t *testing.T) {
	engine := newTestEngine(t)
	ctx := context.Background()

	_, subscriberTransport := newTestServer(t, engine)

	// the error ack comes back through the sender
	err := subscriberTransport.SendMessage(ctx, engine.streamer, &Message{
		Kind:       MessageKindSubscribe,
		FolderPath: "/never-shared",
	})
	assert.NotEqual(t, err, nil)
}
