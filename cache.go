package foldercast

import (
	"strings"
	"sync"
	"time"

	"golang.org/x/exp/maps"
)

// folderCache holds the computed SharedFolderInfo per folder key and
// the ephemeral version counter per folder key. Cache entries are
// evicted on a root rescan; versions never are, and the last computed
// value is retained beside the version so a recompute after eviction
// still bumps only on a real change. Versions reset on restart.
//
// The read-then-write between a caller computing a fresh info and put
// comparing it against the previous one is not atomic. Two racing
// rescans can cost one extra version bump, which only costs one extra
// state request.
type folderCache struct {
	mutex    sync.Mutex
	entries  map[string]*folderCacheEntry
	versions map[string]*folderVersion
}

type folderCacheEntry struct {
	info       *SharedFolderInfo
	computedAt time.Time
}

type folderVersion struct {
	version uint64
	// the value the version was last bumped for
	last *SharedFolderInfo
}

func newFolderCache() *folderCache {
	return &folderCache{
		entries:  map[string]*folderCacheEntry{},
		versions: map[string]*folderVersion{},
	}
}

func (self *folderCache) get(key string) (*SharedFolderInfo, time.Time, bool) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	entry, ok := self.entries[key]
	if !ok {
		return nil, time.Time{}, false
	}
	return entry.info, entry.computedAt, true
}

// put overwrites the cache entry whole and bumps the version exactly
// when the new value differs from the last one the version covers.
// The first computation for a key starts at version 1.
// Returns the version after the bump.
func (self *folderCache) put(key string, info *SharedFolderInfo) uint64 {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	self.entries[key] = &folderCacheEntry{
		info:       info,
		computedAt: time.Now(),
	}

	version, ok := self.versions[key]
	if !ok {
		version = &folderVersion{
			version: 1,
			last:    info,
		}
		self.versions[key] = version
		return version.version
	}
	if !info.Equal(version.last) {
		version.version += 1
		version.last = info
	}
	return version.version
}

func (self *folderCache) version(key string) (uint64, bool) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	version, ok := self.versions[key]
	if !ok {
		return 0, false
	}
	return version.version, true
}

// evictProfile drops the cache entries for every folder of the profile.
// Versions and their last values are kept.
func (self *folderCache) evictProfile(profile string) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	prefix := profile + ":::"
	for _, key := range maps.Keys(self.entries) {
		if strings.HasPrefix(key, prefix) {
			delete(self.entries, key)
		}
	}
}

// evict drops the cache entry for one folder key. The version and its
// last value are kept.
func (self *folderCache) evict(key string) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	delete(self.entries, key)
}

// syncStateMap tracks the last version each subscription was synced
// to. In memory only; a restart re-requests state from everyone.
type syncStateMap struct {
	mutex  sync.Mutex
	states map[SubscriptionId]syncState
}

type syncState struct {
	folderPath string
	version    uint64
}

func newSyncStateMap() *syncStateMap {
	return &syncStateMap{
		states: map[SubscriptionId]syncState{},
	}
}

func (self *syncStateMap) get(subscriptionId SubscriptionId) (syncState, bool) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	state, ok := self.states[subscriptionId]
	return state, ok
}

func (self *syncStateMap) set(subscriptionId SubscriptionId, folderPath string, version uint64) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	self.states[subscriptionId] = syncState{
		folderPath: folderPath,
		version:    version,
	}
}

func (self *syncStateMap) remove(subscriptionId SubscriptionId) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	delete(self.states, subscriptionId)
}

// inFlightSet guards against double-claiming a subscription while a
// worker holds it. The queue itself is the source of truth for pending
// work; this set only exists so the drain loop does not spawn two
// workers for one key. Claims must be released on every exit path.
type inFlightSet struct {
	mutex sync.Mutex
	ids   map[SubscriptionId]bool
}

func newInFlightSet() *inFlightSet {
	return &inFlightSet{
		ids: map[SubscriptionId]bool{},
	}
}

// claim marks the id in flight. Returns false if it already was.
func (self *inFlightSet) claim(subscriptionId SubscriptionId) bool {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	if self.ids[subscriptionId] {
		return false
	}
	self.ids[subscriptionId] = true
	return true
}

func (self *inFlightSet) release(subscriptionId SubscriptionId) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	delete(self.ids, subscriptionId)
}

func (self *inFlightSet) size() int {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	return len(self.ids)
}
