package foldercast

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/foldercast/foldercast/store"
	"github.com/foldercast/foldercast/vfs"

	"github.com/golang/glog"
)

type ManagerSettings struct {
	// how often subscribers are asked to report their trees
	StateUpdateInterval time.Duration
	// max subscriptions diffed/packed/sent concurrently
	WorkerCount int
	// bound on one diff-pack-send pass
	JobTimeout time.Duration
	// age at which a cached folder tree is recomputed on read
	CacheStaleTimeout time.Duration
	// disables the periodic state-update loop so tests drive ticks
	TestMode bool
}

func DefaultManagerSettings() *ManagerSettings {
	return &ManagerSettings{
		StateUpdateInterval: 5 * time.Minute,
		WorkerCount:         2,
		JobTimeout:          2 * time.Minute,
		CacheStaleTimeout:   5 * time.Minute,
		TestMode:            false,
	}
}

// HttpLinksProvider serves pre-uploaded mirror links for folders that
// have a web alternative.
type HttpLinksProvider interface {
	CachedSubscriptionFileLinks(folderPath string) []FileLink
}

// Manager is the streamer-side sync engine: it computes and versions
// shared folder trees, asks out-of-sync subscribers to report their
// state, and drains the reported trees through the diff and pack
// workers. Collaborators are held as droppable handles so the engine
// never keeps its host alive; a dropped handle surfaces as
// ErrUnavailable on use.
type Manager struct {
	ctx    context.Context
	cancel context.CancelFunc

	localName Name
	settings  *ManagerSettings

	fs        *Ref[vfs.Filesystem]
	store     *Ref[*store.Store]
	transport *Ref[*Transport]
	httpLinks *Ref[HttpLinksProvider]

	queue *JobQueue

	cache      *folderCache
	syncStates *syncStateMap

	inFlight *inFlightSet
	// woken when a worker finishes, so the drain loop can reclaim
	workMonitor *Monitor
}

func NewManagerWithDefaults(
	ctx context.Context,
	localName Name,
	fs *Ref[vfs.Filesystem],
	s *Ref[*store.Store],
	transport *Ref[*Transport],
	httpLinks *Ref[HttpLinksProvider],
	queue *JobQueue,
) *Manager {
	return NewManager(ctx, localName, fs, s, transport, httpLinks, queue, DefaultManagerSettings())
}

func NewManager(
	ctx context.Context,
	localName Name,
	fs *Ref[vfs.Filesystem],
	s *Ref[*store.Store],
	transport *Ref[*Transport],
	httpLinks *Ref[HttpLinksProvider],
	queue *JobQueue,
	settings *ManagerSettings,
) *Manager {
	cancelCtx, cancel := context.WithCancel(ctx)
	manager := &Manager{
		ctx:         cancelCtx,
		cancel:      cancel,
		localName:   localName,
		settings:    settings,
		fs:          fs,
		store:       s,
		transport:   transport,
		httpLinks:   httpLinks,
		queue:       queue,
		cache:       newFolderCache(),
		syncStates:  newSyncStateMap(),
		inFlight:    newInFlightSet(),
		workMonitor: NewMonitor(),
	}
	if !settings.TestMode {
		go HandleError(manager.stateUpdateLoop)
	}
	go HandleError(manager.processLoop)
	return manager
}

func (self *Manager) Close() {
	self.cancel()
}

func (self *Manager) requireFs() (vfs.Filesystem, error) {
	if fs, ok := self.fs.Upgrade(); ok {
		return fs, nil
	}
	return nil, fmt.Errorf("%w: filesystem", ErrUnavailable)
}

func (self *Manager) requireStore() (*store.Store, error) {
	if s, ok := self.store.Upgrade(); ok {
		return s, nil
	}
	return nil, fmt.Errorf("%w: store", ErrUnavailable)
}

func (self *Manager) requireTransport() (*Transport, error) {
	if transport, ok := self.transport.Upgrade(); ok {
		return transport, nil
	}
	return nil, fmt.Errorf("%w: transport", ErrUnavailable)
}

// AvailableSharedFolders recomputes the shared folders visible to the
// requester under path for one of this node's profiles. A rescan from
// the root first evicts every cached folder of the profile, so folders
// unshared since the last scan disappear. Each recomputed folder
// overwrites its cache entry whole and bumps the ephemeral version
// when the computed value changed. Any error aborts the whole call and
// caches nothing further.
func (self *Manager) AvailableSharedFolders(ctx context.Context, requester Name, profile string, path string) ([]*SharedFolderInfo, error) {
	fs, err := self.requireFs()
	if err != nil {
		return nil, err
	}
	s, err := self.requireStore()
	if err != nil {
		return nil, err
	}

	if path == "/" {
		self.cache.evictProfile(profile)
	}

	reader, err := fs.NewReader(ctx, requester.String(), path, self.localName.Node)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidRequest, err)
	}
	permissions, err := fs.FindPathsWithReadPermissions(ctx, reader, []vfs.ReadPermission{
		vfs.ReadPermissionPublic,
		vfs.ReadPermissionWhitelist,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrUnavailable, err)
	}

	permissionForPath := map[string]vfs.ReadPermission{}
	paths := []string{}
	for _, permission := range permissions {
		permissionForPath[permission.Path] = permission.ReadPermission
		paths = append(paths, permission.Path)
	}

	infos := []*SharedFolderInfo{}
	for _, folderPath := range FilterTopLevelPaths(paths) {
		info, err := self.computeSharedFolderInfo(ctx, fs, s, requester, profile, folderPath, string(permissionForPath[folderPath]))
		if err != nil {
			return nil, err
		}
		self.cache.put(folderKey(profile, folderPath), info)
		infos = append(infos, info)
	}
	return infos, nil
}

func (self *Manager) computeSharedFolderInfo(
	ctx context.Context,
	fs vfs.Filesystem,
	s *store.Store,
	requester Name,
	profile string,
	folderPath string,
	permission string,
) (*SharedFolderInfo, error) {
	requirementRow, err := s.GetFolderRequirement(profile, folderPath)
	var requirement *FolderRequirement
	if err == nil {
		requirement = requirementFromRow(requirementRow)
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrUnavailable, err)
	}

	var webLinks []FileLink
	if requirement != nil && requirement.HasWebAlternative {
		if provider, ok := self.httpLinks.Upgrade(); ok {
			webLinks = provider.CachedSubscriptionFileLinks(folderPath)
		}
	}

	tree, err := self.buildTree(ctx, fs, requester, folderPath)
	if err != nil {
		return nil, err
	}

	return &SharedFolderInfo{
		Path:        folderPath,
		Permission:  permission,
		Profile:     profile,
		Tree:        tree,
		Requirement: requirement,
		WebLinks:    webLinks,
	}, nil
}

func (self *Manager) buildTree(ctx context.Context, fs vfs.Filesystem, requester Name, folderPath string) (*EntryTree, error) {
	reader, err := fs.NewReader(ctx, requester.String(), folderPath, self.localName.Node)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidRequest, err)
	}
	entry, err := fs.RetrieveEntry(ctx, reader)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrUnavailable, err)
	}
	return entryToTree(entry), nil
}

func entryToTree(entry *vfs.Entry) *EntryTree {
	children := []*EntryTree{}
	for _, child := range entry.Children {
		children = append(children, entryToTree(child))
	}
	return treeFromEntry(entry.Name, entry.Path, entry.LastModified, children)
}

// CreateShareableFolder marks the folder public, persists its
// subscription requirement and optional upload credentials, and warms
// the cache for it. Only a local profile can share.
func (self *Manager) CreateShareableFolder(ctx context.Context, folderPath string, requester Name, requirement *FolderRequirement, credentials *UploadCredentials) error {
	if requester.Node != self.localName.Node {
		return fmt.Errorf("%w: only a local profile can share", ErrInvalidRequest)
	}
	fs, err := self.requireFs()
	if err != nil {
		return err
	}
	s, err := self.requireStore()
	if err != nil {
		return err
	}

	writer, err := fs.NewWriter(ctx, requester.String(), folderPath, self.localName.Node)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrInvalidRequest, err)
	}
	if err := fs.UpdatePermissionsRecursively(ctx, writer, vfs.ReadPermissionPublic, vfs.WritePermissionPrivate); err != nil {
		return fmt.Errorf("%w: %s", ErrUnavailable, err)
	}

	requirement.Path = folderPath
	if err := s.SetFolderRequirement(requirementToRow(requester.Profile, requirement)); err != nil {
		return fmt.Errorf("%w: %s", ErrUnavailable, err)
	}
	if credentials != nil {
		credentials.FolderPath = folderPath
		if err := s.SetUploadCredentials(credentialsToRow(requester.Profile, credentials)); err != nil {
			return fmt.Errorf("%w: %s", ErrUnavailable, err)
		}
	}
	if err := s.AddProfile(requester.Node, requester.Profile); err != nil {
		return fmt.Errorf("%w: %s", ErrUnavailable, err)
	}

	info, err := self.computeSharedFolderInfo(ctx, fs, s, requester, requester.Profile, folderPath, string(vfs.ReadPermissionPublic))
	if err != nil {
		return err
	}
	self.cache.put(folderKey(requester.Profile, folderPath), info)
	return nil
}

// UnshareFolder makes the folder private again and forgets its
// requirement, credentials, and cache entry. Existing subscription
// records are left in place; the next rescan simply no longer offers
// the folder.
func (self *Manager) UnshareFolder(ctx context.Context, folderPath string, requester Name) error {
	if requester.Node != self.localName.Node {
		return fmt.Errorf("%w: only a local profile can unshare", ErrInvalidRequest)
	}
	fs, err := self.requireFs()
	if err != nil {
		return err
	}
	s, err := self.requireStore()
	if err != nil {
		return err
	}

	writer, err := fs.NewWriter(ctx, requester.String(), folderPath, self.localName.Node)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrInvalidRequest, err)
	}
	if err := fs.UpdatePermissionsRecursively(ctx, writer, vfs.ReadPermissionPrivate, vfs.WritePermissionPrivate); err != nil {
		return fmt.Errorf("%w: %s", ErrUnavailable, err)
	}

	if err := s.RemoveFolderRequirement(requester.Profile, folderPath); err != nil {
		return fmt.Errorf("%w: %s", ErrUnavailable, err)
	}
	if err := s.RemoveUploadCredentials(requester.Profile, folderPath); err != nil {
		return fmt.Errorf("%w: %s", ErrUnavailable, err)
	}
	self.cache.evict(folderKey(requester.Profile, folderPath))
	return nil
}

// UpdateShareableFolderRequirements replaces the requirement of an
// already shared folder.
func (self *Manager) UpdateShareableFolderRequirements(ctx context.Context, folderPath string, requester Name, requirement *FolderRequirement) error {
	if requester.Node != self.localName.Node {
		return fmt.Errorf("%w: only a local profile can update requirements", ErrInvalidRequest)
	}
	s, err := self.requireStore()
	if err != nil {
		return err
	}
	if _, err := s.GetFolderRequirement(requester.Profile, folderPath); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("%w: folder %s is not shared", ErrNotFound, folderPath)
		}
		return fmt.Errorf("%w: %s", ErrUnavailable, err)
	}
	requirement.Path = folderPath
	if err := s.SetFolderRequirement(requirementToRow(requester.Profile, requirement)); err != nil {
		return fmt.Errorf("%w: %s", ErrUnavailable, err)
	}
	return nil
}

// SubscribeToSharedFolder validates the subscriber's terms against the
// folder's requirement and persists the subscription. Subscribing again
// with the same five identities returns the existing subscription with
// the same id.
func (self *Manager) SubscribeToSharedFolder(ctx context.Context, subscriber Name, streamerProfile string, folderPath string, payment *Payment, httpPreferred bool) (*Subscription, error) {
	s, err := self.requireStore()
	if err != nil {
		return nil, err
	}

	requirementRow, err := s.GetFolderRequirement(streamerProfile, folderPath)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%w: folder %s is not shared", ErrNotFound, folderPath)
		}
		return nil, fmt.Errorf("%w: %s", ErrUnavailable, err)
	}
	requirement := requirementFromRow(requirementRow)

	if !requirement.IsFree {
		required := requirement.MonthlyPayment
		if required == nil || required.Kind == PaymentFree {
			// misconfigured share. Treat as free.
		} else if payment == nil || payment.Kind != required.Kind || payment.Amount != required.Amount {
			return nil, fmt.Errorf("%w: folder %s requires %s %s", ErrInvalidRequest, folderPath, required.Kind, required.Amount)
		}
	}

	streamer := NewNameWithProfile(self.localName.Node, streamerProfile)
	subscriptionId := NewSubscriptionId(streamer, folderPath, subscriber)
	if existingRow, err := s.GetSubscription(subscriptionId.String()); err == nil {
		return subscriptionFromRow(existingRow), nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrUnavailable, err)
	}

	subscription := NewSubscription(streamer, folderPath, subscriber, payment, httpPreferred)
	subscription.Status = SubscriptionConfirmed
	if err := s.UpsertSubscription(subscriptionToRow(subscription)); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrUnavailable, err)
	}
	return subscription, nil
}

func (self *Manager) UnsubscribeFromSharedFolder(ctx context.Context, subscriber Name, streamerProfile string, folderPath string) error {
	s, err := self.requireStore()
	if err != nil {
		return err
	}
	streamer := NewNameWithProfile(self.localName.Node, streamerProfile)
	subscriptionId := NewSubscriptionId(streamer, folderPath, subscriber)
	if err := s.RemoveSubscription(subscriptionId.String()); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("%w: subscription %s", ErrNotFound, subscriptionId)
		}
		return fmt.Errorf("%w: %s", ErrUnavailable, err)
	}
	self.syncStates.remove(subscriptionId)
	return nil
}

// SubscriberCurrentStateResponse turns a subscriber's tree report into
// a queued job. The reporting identity must match the stored
// subscription. A job already queued for the subscription makes the
// push a no-op, so a duplicate report cannot double-process.
func (self *Manager) SubscriberCurrentStateResponse(ctx context.Context, subscriptionId SubscriptionId, subscriber Name, tree *EntryTree, symmetricKey string) error {
	s, err := self.requireStore()
	if err != nil {
		return err
	}
	row, err := s.GetSubscription(subscriptionId.String())
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("%w: subscription %s", ErrNotFound, subscriptionId)
		}
		return fmt.Errorf("%w: %s", ErrUnavailable, err)
	}
	subscription := subscriptionFromRow(row)
	if subscription.Subscriber != subscriber {
		return fmt.Errorf(
			"%w: state report for %s from %s",
			ErrInvalidRequest,
			subscriptionId,
			subscriber,
		)
	}

	if tree == nil {
		tree = NewEmptyTree()
	}
	_, err = self.queue.Push(&SubscriptionWithTree{
		Subscription:   subscription,
		SubscriberTree: tree,
		SymmetricKey:   symmetricKey,
	})
	return err
}

// GetNodeSubscribers groups subscriptions by folder path. An empty
// path means all folders.
func (self *Manager) GetNodeSubscribers(ctx context.Context, folderPath string) (map[string][]*Subscription, error) {
	s, err := self.requireStore()
	if err != nil {
		return nil, err
	}

	var rows []*store.SubscriptionRow
	if folderPath == "" {
		rows, err = s.AllSubscriptions()
	} else {
		rows, err = s.SubscriptionsForFolder(folderPath)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrUnavailable, err)
	}

	out := map[string][]*Subscription{}
	for _, row := range rows {
		subscription := subscriptionFromRow(row)
		out[subscription.FolderPath] = append(out[subscription.FolderPath], subscription)
	}
	return out, nil
}

// GetCachedSharedFolderTree returns the cached folder snapshot,
// recomputing it first when missing or older than the stale timeout.
func (self *Manager) GetCachedSharedFolderTree(ctx context.Context, profile string, folderPath string) (*SharedFolderInfo, error) {
	key := folderKey(profile, folderPath)
	if info, computedAt, ok := self.cache.get(key); ok {
		if time.Since(computedAt) < self.settings.CacheStaleTimeout {
			return info, nil
		}
	}

	fs, err := self.requireFs()
	if err != nil {
		return nil, err
	}
	s, err := self.requireStore()
	if err != nil {
		return nil, err
	}
	requester := NewNameWithProfile(self.localName.Node, profile)
	permission := string(vfs.ReadPermissionPublic)
	if permissions, err := fs.PathPermissions(ctx, requester.String(), []string{folderPath}); err == nil && 0 < len(permissions) {
		permission = string(permissions[0].ReadPermission)
	}
	info, err := self.computeSharedFolderInfo(ctx, fs, s, requester, profile, folderPath, permission)
	if err != nil {
		return nil, err
	}
	self.cache.put(key, info)
	return info, nil
}

// GetUploadCredentials returns the stored object store credentials for
// a shared folder with a web alternative.
func (self *Manager) GetUploadCredentials(ctx context.Context, profile string, folderPath string) (*UploadCredentials, error) {
	s, err := self.requireStore()
	if err != nil {
		return nil, err
	}
	row, err := s.GetUploadCredentials(profile, folderPath)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%w: upload credentials for %s", ErrNotFound, folderPath)
		}
		return nil, fmt.Errorf("%w: %s", ErrUnavailable, err)
	}
	return credentialsFromRow(row), nil
}

// FolderVersion is the current ephemeral version for a folder key, or
// false if the folder was never computed since start.
func (self *Manager) FolderVersion(profile string, folderPath string) (uint64, bool) {
	return self.cache.version(folderKey(profile, folderPath))
}

// SyncVersion is the version the subscription was last synced to, or
// false if it never synced since start.
func (self *Manager) SyncVersion(subscriptionId SubscriptionId) (uint64, bool) {
	state, ok := self.syncStates.get(subscriptionId)
	if !ok {
		return 0, false
	}
	return state.version, true
}

// UpdateSharedFolders rescans every known profile of this node from the
// root, refreshing trees and versions. Errors on one profile do not
// stop the others.
func (self *Manager) UpdateSharedFolders(ctx context.Context) error {
	s, err := self.requireStore()
	if err != nil {
		return err
	}
	profiles, err := s.ProfilesForNode(self.localName.Node)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrUnavailable, err)
	}

	var lastErr error
	for _, profile := range profiles {
		requester := NewNameWithProfile(self.localName.Node, profile)
		if _, err := self.AvailableSharedFolders(ctx, requester, profile, "/"); err != nil {
			glog.Infof("[manager]rescan %s error = %s\n", profile, err)
			lastErr = err
		}
	}
	return lastErr
}
