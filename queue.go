package foldercast

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/foldercast/foldercast/store"
)

// JobQueue is the durable queue of pending sync jobs, one slot per
// subscription id. A push to an occupied slot is a no-op, which is the
// mechanism behind at most one in-flight job per subscription.
// Payloads survive restart; wake subscriptions do not.
type JobQueue struct {
	store *store.Store

	subscribers *CallbackList[chan struct{}]
}

func NewJobQueue(s *store.Store) *JobQueue {
	return &JobQueue{
		store:       s,
		subscribers: NewCallbackList[chan struct{}](),
	}
}

// Push stores the job under its subscription id unless a job is already
// stored there. Returns whether the job was stored. Every push wakes
// all subscribers, a deduplicated one included: the occupied slot may
// hold a job whose last run failed, and the duplicate report is the
// retry signal for it.
func (self *JobQueue) Push(job *SubscriptionWithTree) (bool, error) {
	payload, err := json.Marshal(job)
	if err != nil {
		return false, err
	}
	pushed, err := self.store.QueuePush(job.Subscription.Id.String(), payload)
	if err != nil {
		return false, fmt.Errorf("%w: queue push: %s", ErrUnavailable, err)
	}
	self.notifyAll()
	return pushed, nil
}

func (self *JobQueue) Peek(subscriptionId SubscriptionId) (*SubscriptionWithTree, error) {
	payload, err := self.store.QueuePeek(subscriptionId.String())
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%w: job %s", ErrNotFound, subscriptionId)
		}
		return nil, fmt.Errorf("%w: queue peek: %s", ErrUnavailable, err)
	}
	return decodeJob(payload)
}

func (self *JobQueue) Dequeue(subscriptionId SubscriptionId) (*SubscriptionWithTree, error) {
	payload, err := self.store.QueueDequeue(subscriptionId.String())
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%w: job %s", ErrNotFound, subscriptionId)
		}
		return nil, fmt.Errorf("%w: queue dequeue: %s", ErrUnavailable, err)
	}
	return decodeJob(payload)
}

func decodeJob(payload []byte) (*SubscriptionWithTree, error) {
	job := &SubscriptionWithTree{}
	if err := json.Unmarshal(payload, job); err != nil {
		return nil, err
	}
	return job, nil
}

// Keys lists the queued subscription ids, oldest push first.
func (self *JobQueue) Keys() ([]SubscriptionId, error) {
	keys, err := self.store.QueueKeys()
	if err != nil {
		return nil, fmt.Errorf("%w: queue keys: %s", ErrUnavailable, err)
	}
	out := make([]SubscriptionId, len(keys))
	for i, key := range keys {
		out[i] = SubscriptionId(key)
	}
	return out, nil
}

// SubscribeToAll returns a channel that receives after every push, for
// any key. The channel is buffered and never blocks a push; a full
// buffer coalesces wakes, which is fine for a drain loop.
func (self *JobQueue) SubscribeToAll() <-chan struct{} {
	subscriber := make(chan struct{}, 32)
	self.subscribers.Add(subscriber)
	return subscriber
}

func (self *JobQueue) notifyAll() {
	for _, subscriber := range self.subscribers.Get() {
		select {
		case subscriber <- struct{}{}:
		default:
		}
	}
}
