package foldercast

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/foldercast/foldercast/store"
	"github.com/foldercast/foldercast/vfs"

	"github.com/go-playground/assert/v2"
)

var testSigningKey = []byte("test signing key")

type staticResolver struct {
	signingKey []byte
}

func (self *staticResolver) Resolve(ctx context.Context, name Name) (*PeerIdentity, error) {
	return &PeerIdentity{
		Name:       name,
		Address:    "127.0.0.1:0",
		SigningKey: self.signingKey,
	}, nil
}

type recordingSender struct {
	mutex    sync.Mutex
	tokens   []string
	attempts int
	failures int
}

func (self *recordingSender) Send(ctx context.Context, address string, token string) error {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	self.attempts += 1
	if 0 < self.failures {
		self.failures -= 1
		return errors.New("peer unreachable")
	}
	self.tokens = append(self.tokens, token)
	return nil
}

// failNext makes the next n sends fail without recording
func (self *recordingSender) failNext(n int) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	self.failures = n
}

func (self *recordingSender) attemptCount() int {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	return self.attempts
}

func (self *recordingSender) messages(t *testing.T) []*Message {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	out := []*Message{}
	for _, token := range self.tokens {
		message, err := VerifyMessage(token, testSigningKey)
		if err != nil {
			t.Fatal(err)
		}
		out = append(out, message)
	}
	return out
}

func (self *recordingSender) messagesOfKind(t *testing.T, kind MessageKind) []*Message {
	out := []*Message{}
	for _, message := range self.messages(t) {
		if message.Kind == kind {
			out = append(out, message)
		}
	}
	return out
}

type testEngine struct {
	manager    *Manager
	fs         *vfs.MemFs
	store      *store.Store
	queue      *JobQueue
	sender     *recordingSender
	streamer   Name
	subscriber Name
}

func newTestEngine(t *testing.T) *testEngine {
	ctx := context.Background()

	streamer := NewNameWithProfile("@@streamer.foldercast", "main")
	subscriber := NewNameWithProfile("@@subscriber.foldercast", "main")

	fs := vfs.NewMemFs(streamer.Node)
	s, err := store.Open(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		s.Close()
	})
	queue := NewJobQueue(s)

	sender := &recordingSender{}
	transport := NewTransport(
		streamer,
		testSigningKey,
		&staticResolver{signingKey: testSigningKey},
		sender,
	)

	settings := DefaultManagerSettings()
	settings.TestMode = true

	manager := NewManager(
		ctx,
		streamer,
		NewRef[vfs.Filesystem](fs),
		NewRef(s),
		NewRef(transport),
		NewEmptyRef[HttpLinksProvider](),
		queue,
		settings,
	)
	t.Cleanup(manager.Close)

	return &testEngine{
		manager:    manager,
		fs:         fs,
		store:      s,
		queue:      queue,
		sender:     sender,
		streamer:   streamer,
		subscriber: subscriber,
	}
}

func (self *testEngine) share(t *testing.T, folderPath string) {
	err := self.manager.CreateShareableFolder(
		context.Background(),
		folderPath,
		self.streamer,
		&FolderRequirement{
			IsFree: true,
		},
		nil,
	)
	assert.Equal(t, err, nil)
}

func (self *testEngine) subscribe(t *testing.T, folderPath string) *Subscription {
	subscription, err := self.manager.SubscribeToSharedFolder(
		context.Background(),
		self.subscriber,
		self.streamer.Profile,
		folderPath,
		nil,
		false,
	)
	assert.Equal(t, err, nil)
	return subscription
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	endTime := time.Now().Add(timeout)
	for time.Now().Before(endTime) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not reached")
}

func TestVersionMonotonicity(t *testing.T) {
	engine := newTestEngine(t)
	t0 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	engine.fs.WriteLeaf("/docs/a.txt", []byte("alpha"), t0)
	engine.share(t, "/docs")

	version, ok := engine.manager.FolderVersion("main", "/docs")
	assert.Equal(t, ok, true)
	assert.Equal(t, version, uint64(1))

	// recompute with no change keeps the version
	for i := 0; i < 3; i += 1 {
		_, err := engine.manager.AvailableSharedFolders(context.Background(), engine.streamer, "main", "/")
		assert.Equal(t, err, nil)
		version, _ = engine.manager.FolderVersion("main", "/docs")
		assert.Equal(t, version, uint64(1))
	}

	// a content change bumps by exactly 1
	engine.fs.WriteLeaf("/docs/b.txt", []byte("beta"), t0.Add(time.Hour))
	_, err := engine.manager.AvailableSharedFolders(context.Background(), engine.streamer, "main", "/")
	assert.Equal(t, err, nil)
	version, _ = engine.manager.FolderVersion("main", "/docs")
	assert.Equal(t, version, uint64(2))
}

func TestRootRescanInvalidation(t *testing.T) {
	engine := newTestEngine(t)
	t0 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	engine.fs.WriteLeaf("/a/x.txt", []byte("x"), t0)
	engine.fs.WriteLeaf("/b/y.txt", []byte("y"), t0)
	engine.share(t, "/a")
	engine.share(t, "/b")

	// a folder cached under a different profile must survive the rescan
	engine.manager.cache.put(folderKey("other", "/c"), &SharedFolderInfo{
		Path:    "/c",
		Profile: "other",
		Tree:    NewEmptyTree(),
	})

	err := engine.manager.UnshareFolder(context.Background(), "/a", engine.streamer)
	assert.Equal(t, err, nil)

	infos, err := engine.manager.AvailableSharedFolders(context.Background(), engine.streamer, "main", "/")
	assert.Equal(t, err, nil)
	assert.Equal(t, len(infos), 1)
	assert.Equal(t, infos[0].Path, "/b")

	_, _, ok := engine.manager.cache.get(folderKey("main", "/a"))
	assert.Equal(t, ok, false)
	_, _, ok = engine.manager.cache.get(folderKey("main", "/b"))
	assert.Equal(t, ok, true)
	_, _, ok = engine.manager.cache.get(folderKey("other", "/c"))
	assert.Equal(t, ok, true)
}

func TestIdempotentResubscribe(t *testing.T) {
	engine := newTestEngine(t)
	t0 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	engine.fs.WriteLeaf("/docs/a.txt", []byte("alpha"), t0)
	engine.share(t, "/docs")

	first := engine.subscribe(t, "/docs")
	second := engine.subscribe(t, "/docs")
	assert.Equal(t, first.Id, second.Id)

	subscribers, err := engine.manager.GetNodeSubscribers(context.Background(), "")
	assert.Equal(t, err, nil)
	assert.Equal(t, len(subscribers["/docs"]), 1)
}

func TestSubscribeValidation(t *testing.T) {
	engine := newTestEngine(t)
	t0 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	// not shared at all
	_, err := engine.manager.SubscribeToSharedFolder(context.Background(), engine.subscriber, "main", "/docs", nil, false)
	assert.Equal(t, errors.Is(err, ErrNotFound), true)

	engine.fs.WriteLeaf("/docs/a.txt", []byte("alpha"), t0)
	err = engine.manager.CreateShareableFolder(
		context.Background(),
		"/docs",
		engine.streamer,
		&FolderRequirement{
			MonthlyPayment: &Payment{
				Kind:   PaymentUsd,
				Amount: "5.00",
			},
		},
		nil,
	)
	assert.Equal(t, err, nil)

	// missing and mismatched payment are rejected
	_, err = engine.manager.SubscribeToSharedFolder(context.Background(), engine.subscriber, "main", "/docs", nil, false)
	assert.Equal(t, errors.Is(err, ErrInvalidRequest), true)
	_, err = engine.manager.SubscribeToSharedFolder(
		context.Background(),
		engine.subscriber,
		"main",
		"/docs",
		&Payment{
			Kind:   PaymentUsd,
			Amount: "1.00",
		},
		false,
	)
	assert.Equal(t, errors.Is(err, ErrInvalidRequest), true)

	subscription, err := engine.manager.SubscribeToSharedFolder(
		context.Background(),
		engine.subscriber,
		"main",
		"/docs",
		&Payment{
			Kind:   PaymentUsd,
			Amount: "5.00",
		},
		false,
	)
	assert.Equal(t, err, nil)
	assert.Equal(t, subscription.Status, SubscriptionConfirmed)
}

func TestStateResponseIdentityValidation(t *testing.T) {
	engine := newTestEngine(t)
	t0 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	engine.fs.WriteLeaf("/docs/a.txt", []byte("alpha"), t0)
	engine.share(t, "/docs")
	subscription := engine.subscribe(t, "/docs")

	impostor := NewNameWithProfile("@@impostor.foldercast", "main")
	err := engine.manager.SubscriberCurrentStateResponse(
		context.Background(),
		subscription.Id,
		impostor,
		NewEmptyTree(),
		"key",
	)
	assert.Equal(t, errors.Is(err, ErrInvalidRequest), true)

	unknown := NewSubscriptionId(engine.streamer, "/other", engine.subscriber)
	err = engine.manager.SubscriberCurrentStateResponse(
		context.Background(),
		unknown,
		engine.subscriber,
		NewEmptyTree(),
		"key",
	)
	assert.Equal(t, errors.Is(err, ErrNotFound), true)
}

func TestDiffEmptinessImpliesNoOp(t *testing.T) {
	engine := newTestEngine(t)
	t0 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	engine.fs.WriteLeaf("/docs/a.txt", []byte("alpha"), t0)
	engine.share(t, "/docs")
	subscription := engine.subscribe(t, "/docs")

	info, _, _ := engine.manager.cache.get(folderKey("main", "/docs"))
	err := engine.manager.SubscriberCurrentStateResponse(
		context.Background(),
		subscription.Id,
		engine.subscriber,
		info.Tree.Clone(),
		"key",
	)
	assert.Equal(t, err, nil)

	waitFor(t, 5*time.Second, func() bool {
		version, ok := engine.manager.SyncVersion(subscription.Id)
		return ok && version == 1
	})

	// in sync means nothing was sent
	assert.Equal(t, len(engine.sender.messagesOfKind(t, MessageKindTreeBundle)), 0)
}

func TestEndToEndInitialSync(t *testing.T) {
	engine := newTestEngine(t)
	ctx := context.Background()
	t0 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	engine.fs.WriteLeaf("/docs/a.txt", []byte("alpha"), t0)
	engine.fs.WriteLeaf("/docs/b.txt", []byte("beta"), t0)
	engine.share(t, "/docs")

	version, _ := engine.manager.FolderVersion("main", "/docs")
	assert.Equal(t, version, uint64(1))

	subscription := engine.subscribe(t, "/docs")

	// subscriber reports an empty tree, one job is queued and drained
	err := engine.manager.SubscriberCurrentStateResponse(ctx, subscription.Id, engine.subscriber, NewEmptyTree(), "transfer key")
	assert.Equal(t, err, nil)

	waitFor(t, 5*time.Second, func() bool {
		version, ok := engine.manager.SyncVersion(subscription.Id)
		return ok && version == 1
	})

	bundles := engine.sender.messagesOfKind(t, MessageKindTreeBundle)
	assert.Equal(t, len(bundles), 1)
	assert.Equal(t, bundles[0].SubscriptionId, subscription.Id)
	assert.Equal(t, bundles[0].SymmetricKey, "transfer key")

	bundle, err := OpenBundle(bundles[0].Bundle)
	assert.Equal(t, err, nil)
	assert.Equal(t, bundle.Leaves["/docs/a.txt"], []byte("alpha"))
	assert.Equal(t, bundle.Leaves["/docs/b.txt"], []byte("beta"))
	assert.Equal(t, bundle.Manifest.Version, uint64(1))

	// a tick with no content change asks this subscriber nothing
	err = engine.manager.RequestSubscriberStates(ctx)
	assert.Equal(t, err, nil)
	assert.Equal(t, len(engine.sender.messagesOfKind(t, MessageKindStateRequest)), 0)
}

func TestEndToEndIncrementalSync(t *testing.T) {
	engine := newTestEngine(t)
	ctx := context.Background()
	t0 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	engine.fs.WriteLeaf("/docs/a.txt", []byte("alpha"), t0)
	engine.fs.WriteLeaf("/docs/b.txt", []byte("beta"), t0)
	engine.share(t, "/docs")
	subscription := engine.subscribe(t, "/docs")

	err := engine.manager.SubscriberCurrentStateResponse(ctx, subscription.Id, engine.subscriber, NewEmptyTree(), "key")
	assert.Equal(t, err, nil)
	waitFor(t, 5*time.Second, func() bool {
		version, ok := engine.manager.SyncVersion(subscription.Id)
		return ok && version == 1
	})
	syncedTree, _, _ := engine.manager.cache.get(folderKey("main", "/docs"))
	subscriberTree := syncedTree.Tree.Clone()

	// streamer adds a file while sync state is still at version 1
	engine.fs.WriteLeaf("/docs/c.txt", []byte("gamma"), t0.Add(time.Hour))

	// the next tick rescans, sees version 2, and asks the subscriber
	err = engine.manager.RequestSubscriberStates(ctx)
	assert.Equal(t, err, nil)

	version, _ := engine.manager.FolderVersion("main", "/docs")
	assert.Equal(t, version, uint64(2))

	requests := engine.sender.messagesOfKind(t, MessageKindStateRequest)
	assert.Equal(t, len(requests), 1)
	assert.Equal(t, requests[0].SubscriptionId, subscription.Id)

	// subscriber reports the old tree, the diff is c.txt only
	err = engine.manager.SubscriberCurrentStateResponse(ctx, subscription.Id, engine.subscriber, subscriberTree, "key")
	assert.Equal(t, err, nil)
	waitFor(t, 5*time.Second, func() bool {
		version, ok := engine.manager.SyncVersion(subscription.Id)
		return ok && version == 2
	})

	bundles := engine.sender.messagesOfKind(t, MessageKindTreeBundle)
	assert.Equal(t, len(bundles), 2)

	bundle, err := OpenBundle(bundles[1].Bundle)
	assert.Equal(t, err, nil)
	assert.Equal(t, len(bundle.Leaves), 1)
	assert.Equal(t, bundle.Leaves["/docs/c.txt"], []byte("gamma"))
}

func TestWebAlternativeSkipsStateRequests(t *testing.T) {
	engine := newTestEngine(t)
	ctx := context.Background()
	t0 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	engine.fs.WriteLeaf("/docs/a.txt", []byte("alpha"), t0)
	err := engine.manager.CreateShareableFolder(
		context.Background(),
		"/docs",
		engine.streamer,
		&FolderRequirement{
			IsFree:            true,
			HasWebAlternative: true,
		},
		&UploadCredentials{
			AccessKeyId:     "AKIA",
			SecretAccessKey: "secret",
			Endpoint:        "https://storage.example.com",
			Bucket:          "shared",
		},
	)
	assert.Equal(t, err, nil)
	engine.subscribe(t, "/docs")

	// content changed, but the folder syncs over HTTP instead
	engine.fs.WriteLeaf("/docs/b.txt", []byte("beta"), t0.Add(time.Hour))
	err = engine.manager.RequestSubscriberStates(ctx)
	assert.Equal(t, err, nil)
	assert.Equal(t, len(engine.sender.messagesOfKind(t, MessageKindStateRequest)), 0)

	credentials, err := engine.manager.GetUploadCredentials(ctx, "main", "/docs")
	assert.Equal(t, err, nil)
	assert.Equal(t, credentials.Bucket, "shared")
}

func TestDroppedCollaboratorsAreUnavailable(t *testing.T) {
	engine := newTestEngine(t)
	t0 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	engine.fs.WriteLeaf("/docs/a.txt", []byte("alpha"), t0)
	engine.share(t, "/docs")

	engine.manager.fs.Drop()
	_, err := engine.manager.AvailableSharedFolders(context.Background(), engine.streamer, "main", "/")
	assert.Equal(t, errors.Is(err, ErrUnavailable), true)

	engine.manager.store.Drop()
	_, err = engine.manager.GetNodeSubscribers(context.Background(), "")
	assert.Equal(t, errors.Is(err, ErrUnavailable), true)
}

func TestFailedSendRetriesOnReReport(t *testing.T) {
	engine := newTestEngine(t)
	ctx := context.Background()
	t0 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	engine.fs.WriteLeaf("/docs/a.txt", []byte("alpha"), t0)
	engine.share(t, "/docs")
	subscription := engine.subscribe(t, "/docs")

	// the first bundle send fails, the job must stay queued
	engine.sender.failNext(1)
	err := engine.manager.SubscriberCurrentStateResponse(ctx, subscription.Id, engine.subscriber, NewEmptyTree(), "key")
	assert.Equal(t, err, nil)

	waitFor(t, 5*time.Second, func() bool {
		return 1 <= engine.sender.attemptCount() && engine.manager.inFlight.size() == 0
	})
	_, ok := engine.manager.SyncVersion(subscription.Id)
	assert.Equal(t, ok, false)
	keys, err := engine.queue.Keys()
	assert.Equal(t, err, nil)
	assert.Equal(t, keys, []SubscriptionId{subscription.Id})

	// the subscriber reports again. The push deduplicates against the
	// queued job but still wakes the drain loop, which retries it.
	err = engine.manager.SubscriberCurrentStateResponse(ctx, subscription.Id, engine.subscriber, NewEmptyTree(), "key")
	assert.Equal(t, err, nil)

	waitFor(t, 5*time.Second, func() bool {
		version, ok := engine.manager.SyncVersion(subscription.Id)
		return ok && version == 1
	})
	bundles := engine.sender.messagesOfKind(t, MessageKindTreeBundle)
	assert.Equal(t, len(bundles), 1)
	keys, err = engine.queue.Keys()
	assert.Equal(t, err, nil)
	assert.Equal(t, len(keys), 0)
}

func TestFailedSendRetriesOnRefreshTick(t *testing.T) {
	engine := newTestEngine(t)
	ctx := context.Background()
	t0 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	engine.fs.WriteLeaf("/docs/a.txt", []byte("alpha"), t0)
	engine.share(t, "/docs")
	subscription := engine.subscribe(t, "/docs")

	engine.sender.failNext(1)
	err := engine.manager.SubscriberCurrentStateResponse(ctx, subscription.Id, engine.subscriber, NewEmptyTree(), "key")
	assert.Equal(t, err, nil)

	waitFor(t, 5*time.Second, func() bool {
		return 1 <= engine.sender.attemptCount() && engine.manager.inFlight.size() == 0
	})
	_, ok := engine.manager.SyncVersion(subscription.Id)
	assert.Equal(t, ok, false)

	// no further report arrives. The refresh tick alone must wake the
	// drain loop and retry the queued job.
	err = engine.manager.RequestSubscriberStates(ctx)
	assert.Equal(t, err, nil)

	waitFor(t, 5*time.Second, func() bool {
		version, ok := engine.manager.SyncVersion(subscription.Id)
		return ok && version == 1
	})
	bundles := engine.sender.messagesOfKind(t, MessageKindTreeBundle)
	assert.Equal(t, len(bundles), 1)
}

func TestUnreadableEntryDegradesToPlaceholder(t *testing.T) {
	engine := newTestEngine(t)
	ctx := context.Background()
	t0 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	engine.fs.WriteLeaf("/docs/a.txt", []byte("alpha"), t0)
	engine.fs.WriteLeaf("/docs/b.txt", []byte("beta"), t0)
	engine.share(t, "/docs")
	subscription := engine.subscribe(t, "/docs")

	// b.txt disappears between the scan and the pack. The bundle must
	// degrade it to a placeholder instead of aborting.
	engine.fs.RemoveLeaf("/docs/b.txt")

	err := engine.manager.SubscriberCurrentStateResponse(ctx, subscription.Id, engine.subscriber, NewEmptyTree(), "key")
	assert.Equal(t, err, nil)

	waitFor(t, 5*time.Second, func() bool {
		version, ok := engine.manager.SyncVersion(subscription.Id)
		return ok && version == 1
	})

	bundles := engine.sender.messagesOfKind(t, MessageKindTreeBundle)
	assert.Equal(t, len(bundles), 1)
	bundle, err := OpenBundle(bundles[0].Bundle)
	assert.Equal(t, err, nil)

	assert.Equal(t, bundle.Leaves["/docs/a.txt"], []byte("alpha"))
	_, leafOk := bundle.Leaves["/docs/b.txt"]
	assert.Equal(t, leafOk, false)

	placeholder := false
	for _, path := range bundle.Folders {
		if path == "/docs/b.txt" {
			placeholder = true
		}
	}
	assert.Equal(t, placeholder, true)
}
