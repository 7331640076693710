package foldercast

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang/glog"
)

// stateUpdateLoop periodically asks out-of-sync subscribers to report
// their trees. It decides only whether to ask, never what changed.
func (self *Manager) stateUpdateLoop() {
	for {
		select {
		case <-self.ctx.Done():
			return
		case <-time.After(self.settings.StateUpdateInterval):
		}
		if err := self.RequestSubscriberStates(self.ctx); err != nil {
			glog.Infof("[manager]state update error = %s\n", err)
		}
	}
}

// RequestSubscriberStates runs one tick of the state-update loop:
// rescan the shared folders, then send a state request to every
// subscriber whose folder version moved past its last synced version.
// Folders with a web alternative bypass peer push and are skipped.
// A send failure skips that subscriber until the next tick.
func (self *Manager) RequestSubscriberStates(ctx context.Context) error {
	s, err := self.requireStore()
	if err != nil {
		return err
	}
	transport, err := self.requireTransport()
	if err != nil {
		return err
	}

	if err := self.UpdateSharedFolders(ctx); err != nil {
		// keep going with whatever trees are cached
		glog.Infof("[manager]rescan before tick error = %s\n", err)
	}

	rows, err := s.AllSubscriptions()
	if err != nil {
		return fmt.Errorf("%w: %s", ErrUnavailable, err)
	}

	for _, row := range rows {
		subscription := subscriptionFromRow(row)

		requirementRow, err := s.GetFolderRequirement(subscription.Streamer.Profile, subscription.FolderPath)
		if err == nil && requirementFromRow(requirementRow).HasWebAlternative {
			continue
		}

		key := folderKey(subscription.Streamer.Profile, subscription.FolderPath)
		version, ok := self.cache.version(key)
		if !ok {
			// never computed since start, nothing to push yet
			continue
		}
		if state, ok := self.syncStates.get(subscription.Id); ok && state.version == version {
			continue
		}

		if err := transport.SendStateRequest(ctx, subscription); err != nil {
			glog.Infof("[manager]state request %s error = %s\n", subscription.Id, err)
		}
	}

	// queued jobs whose last run failed get another chance each tick
	self.workMonitor.NotifyAll()
	return nil
}

// processLoop drains the job queue with at most WorkerCount jobs in
// flight. When a full batch was claimed the loop turns around
// immediately to keep a saturated pool busy; otherwise it waits for a
// push or for a worker to finish.
func (self *Manager) processLoop() {
	wake := self.queue.SubscribeToAll()
	for {
		select {
		case <-self.ctx.Done():
			return
		default:
		}

		claimed := self.claimJobs()
		for _, subscriptionId := range claimed {
			subscriptionId := subscriptionId
			go HandleError(func() {
				self.runJob(subscriptionId)
			})
		}

		if len(claimed) == self.settings.WorkerCount {
			continue
		}
		select {
		case <-self.ctx.Done():
			return
		case <-wake:
		case <-self.workMonitor.NotifyChannel():
		}
	}
}

// claimJobs picks up to WorkerCount queued ids that are not already in
// flight, counting jobs still running from earlier iterations against
// the bound.
func (self *Manager) claimJobs() []SubscriptionId {
	open := self.settings.WorkerCount - self.inFlight.size()
	if open <= 0 {
		return nil
	}
	keys, err := self.queue.Keys()
	if err != nil {
		glog.Infof("[manager]claim error = %s\n", err)
		return nil
	}

	claimed := []SubscriptionId{}
	for _, subscriptionId := range keys {
		if len(claimed) == open {
			break
		}
		if self.inFlight.claim(subscriptionId) {
			claimed = append(claimed, subscriptionId)
		}
	}
	return claimed
}

// runJob processes one claimed job: peek, diff and pack, and dequeue
// only on success. A failed job stays queued and is retried when the
// next report push or refresh tick wakes the drain loop; waking it
// from here would spin on a stuck job. The in-flight claim is released
// on every path.
func (self *Manager) runJob(subscriptionId SubscriptionId) {
	defer self.inFlight.release(subscriptionId)

	ctx, cancel := context.WithTimeout(self.ctx, self.settings.JobTimeout)
	defer cancel()

	job, err := TraceWithReturnError(
		fmt.Sprintf("[manager]peek %s", subscriptionId),
		func() (*SubscriptionWithTree, error) {
			return self.queue.Peek(subscriptionId)
		},
	)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			glog.Infof("[manager]peek %s error = %s\n", subscriptionId, err)
		}
		return
	}

	var processErr error
	Trace(fmt.Sprintf("[manager]process %s", subscriptionId), func() {
		processErr = self.processJob(ctx, job)
	})
	if processErr != nil {
		glog.Infof("[manager]process %s error = %s\n", subscriptionId, processErr)
		return
	}

	if _, err := self.queue.Dequeue(subscriptionId); err != nil {
		glog.Infof("[manager]dequeue %s error = %s\n", subscriptionId, err)
	}
	self.workMonitor.NotifyAll()
}

// processJob is the diff and pack path for one reported tree. A
// missing cached tree is a transient failure, not a data error, since
// the cache may not have warmed yet. Unreadable entries become folder
// placeholders so the subscriber can still reconcile structure.
func (self *Manager) processJob(ctx context.Context, job *SubscriptionWithTree) error {
	subscription := job.Subscription
	key := folderKey(subscription.Streamer.Profile, subscription.FolderPath)

	info, _, ok := self.cache.get(key)
	if !ok {
		return fmt.Errorf("%w: no cached tree for %s", ErrUnavailable, key)
	}
	version, _ := self.cache.version(key)

	diff := CompareTrees(job.SubscriberTree, info.Tree)
	changedNodes := diff.CollectChangedNodes()
	deletions := diff.FindDeletions()

	if len(changedNodes) == 0 && len(deletions) == 0 {
		// already in sync, nothing to read or send
		self.syncStates.set(subscription.Id, subscription.FolderPath, version)
		return nil
	}

	fs, err := self.requireFs()
	if err != nil {
		return err
	}
	transport, err := self.requireTransport()
	if err != nil {
		return err
	}

	bundleWriter := NewBundleWriter(subscription.Id, subscription.FolderPath, version)
	for _, node := range changedNodes {
		reader, err := fs.NewReader(ctx, subscription.Subscriber.String(), node.Path, subscription.Streamer.Node)
		if err != nil {
			if placeholderErr := bundleWriter.AddFolderPlaceholder(node.Path, node.LastModified); placeholderErr != nil {
				return placeholderErr
			}
			continue
		}
		content, err := fs.RetrieveLeaf(ctx, reader)
		if err != nil {
			if placeholderErr := bundleWriter.AddFolderPlaceholder(node.Path, node.LastModified); placeholderErr != nil {
				return placeholderErr
			}
			continue
		}
		if err := bundleWriter.AddLeaf(node.Path, node.LastModified, content); err != nil {
			return err
		}
	}
	bundleWriter.SetDeletions(deletions)

	bundle, err := bundleWriter.Seal()
	if err != nil {
		return err
	}
	if err := transport.SendBundle(ctx, subscription, job.SymmetricKey, bundle); err != nil {
		return err
	}

	self.syncStates.set(subscription.Id, subscription.FolderPath, version)
	glog.V(1).Infof("[manager]synced %s to version %d\n", subscription.Id, version)
	return nil
}
