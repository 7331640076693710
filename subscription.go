package foldercast

import (
	"fmt"
	"strings"
	"time"
)

// SubscriptionId is the deterministic composite key for one subscriber's
// subscription to one shared folder. Two requests for the same five-tuple
// always produce the same id, which makes subscribe idempotent and lets
// the id double as the job queue key and the store primary key.
type SubscriptionId string

func NewSubscriptionId(streamer Name, folderPath string, subscriber Name) SubscriptionId {
	return SubscriptionId(strings.Join(
		[]string{
			streamer.Node,
			streamer.Profile,
			folderPath,
			subscriber.Node,
			subscriber.Profile,
		},
		":::",
	))
}

func ParseSubscriptionId(value string) (SubscriptionId, error) {
	parts := strings.Split(value, ":::")
	if len(parts) != 5 {
		return "", fmt.Errorf("%w: malformed subscription id %q", ErrInvalidRequest, value)
	}
	return SubscriptionId(value), nil
}

func (self SubscriptionId) Streamer() Name {
	parts := strings.Split(string(self), ":::")
	return NewNameWithProfile(parts[0], parts[1])
}

func (self SubscriptionId) FolderPath() string {
	return strings.Split(string(self), ":::")[2]
}

func (self SubscriptionId) Subscriber() Name {
	parts := strings.Split(string(self), ":::")
	return NewNameWithProfile(parts[3], parts[4])
}

func (self SubscriptionId) String() string {
	return string(self)
}

// folderKey is the cache key for one profile's shared folder
func folderKey(profile string, folderPath string) string {
	return profile + ":::" + folderPath
}

type SubscriptionStatus string

const (
	SubscriptionRequested       SubscriptionStatus = "SubscriptionRequested"
	SubscriptionConfirmed       SubscriptionStatus = "SubscriptionConfirmed"
	UnsubscribeRequested        SubscriptionStatus = "UnsubscribeRequested"
	UnsubscribeConfirmed        SubscriptionStatus = "UnsubscribeConfirmed"
	UpdateSubscriptionRequested SubscriptionStatus = "UpdateSubscriptionRequested"
	UpdateSubscriptionConfirmed SubscriptionStatus = "UpdateSubscriptionConfirmed"
)

type PaymentKind string

const (
	PaymentFree PaymentKind = "Free"
	PaymentUsd  PaymentKind = "USD"
)

type Payment struct {
	Kind PaymentKind `json:"kind"`
	// decimal string, unset when Kind is Free
	Amount string `json:"amount,omitempty"`
}

// FolderRequirement is what a streamer asks of subscribers to a folder:
// delegation minimums, payment terms, and whether an HTTP mirror exists
// that bypasses peer push entirely.
type FolderRequirement struct {
	Path                      string   `json:"path"`
	MinimumTokenDelegation    uint64   `json:"minimum_token_delegation,omitempty"`
	MinimumTimeDelegatedHours uint64   `json:"minimum_time_delegated_hours,omitempty"`
	MonthlyPayment            *Payment `json:"monthly_payment,omitempty"`
	IsFree                    bool     `json:"is_free"`
	HasWebAlternative         bool     `json:"has_web_alternative"`
	FolderDescription         string   `json:"folder_description,omitempty"`
}

func (self *FolderRequirement) Equal(other *FolderRequirement) bool {
	if self == nil || other == nil {
		return self == other
	}
	selfPayment := Payment{Kind: PaymentFree}
	if self.MonthlyPayment != nil {
		selfPayment = *self.MonthlyPayment
	}
	otherPayment := Payment{Kind: PaymentFree}
	if other.MonthlyPayment != nil {
		otherPayment = *other.MonthlyPayment
	}
	return self.Path == other.Path &&
		self.MinimumTokenDelegation == other.MinimumTokenDelegation &&
		self.MinimumTimeDelegatedHours == other.MinimumTimeDelegatedHours &&
		selfPayment == otherPayment &&
		self.IsFree == other.IsFree &&
		self.HasWebAlternative == other.HasWebAlternative &&
		self.FolderDescription == other.FolderDescription
}

// UploadCredentials grants a streamer's external object store to the
// mirror uploader for folders with a web alternative.
type UploadCredentials struct {
	FolderPath      string `json:"folder_path"`
	AccessKeyId     string `json:"access_key_id"`
	SecretAccessKey string `json:"secret_access_key"`
	Endpoint        string `json:"endpoint"`
	Bucket          string `json:"bucket"`
}

// Subscription is the durable record of one subscriber following one
// shared folder. Owned by the store; caches refer to it by id only.
type Subscription struct {
	Id            SubscriptionId     `json:"subscription_id"`
	FolderPath    string             `json:"shared_folder"`
	Streamer      Name               `json:"streamer"`
	Subscriber    Name               `json:"subscriber"`
	Description   string             `json:"description,omitempty"`
	Payment       *Payment           `json:"payment,omitempty"`
	Status        SubscriptionStatus `json:"status"`
	HttpPreferred bool               `json:"http_preferred,omitempty"`
	DateCreated   time.Time          `json:"date_created"`
	LastModified  time.Time          `json:"last_modified"`
	LastSyncTime  time.Time          `json:"last_sync_time,omitempty"`
}

func NewSubscription(streamer Name, folderPath string, subscriber Name, payment *Payment, httpPreferred bool) *Subscription {
	now := time.Now().UTC()
	return &Subscription{
		Id:            NewSubscriptionId(streamer, folderPath, subscriber),
		FolderPath:    folderPath,
		Streamer:      streamer,
		Subscriber:    subscriber,
		Payment:       payment,
		Status:        SubscriptionRequested,
		HttpPreferred: httpPreferred,
		DateCreated:   now,
		LastModified:  now,
	}
}

func (self *Subscription) WithStatus(status SubscriptionStatus) *Subscription {
	out := *self
	out.Status = status
	out.LastModified = time.Now().UTC()
	return &out
}

// SharedFolderInfo is the streamer-side snapshot of one shared folder:
// the computed tree plus the metadata a subscriber needs to decide
// whether and how to subscribe. Recomputed whole on every rescan,
// never patched in place.
type SharedFolderInfo struct {
	Path        string             `json:"path"`
	Permission  string             `json:"permission"`
	Profile     string             `json:"profile"`
	Tree        *EntryTree         `json:"tree"`
	Requirement *FolderRequirement `json:"subscription_requirement,omitempty"`
	// mirror links, present only when the requirement has a web alternative
	WebLinks []FileLink `json:"web_links,omitempty"`
}

type FileLink struct {
	Path         string    `json:"path"`
	Link         string    `json:"link"`
	LastModified time.Time `json:"last_modified"`
}

func (self *SharedFolderInfo) Equal(other *SharedFolderInfo) bool {
	if self == nil || other == nil {
		return self == other
	}
	if self.Path != other.Path || self.Permission != other.Permission || self.Profile != other.Profile {
		return false
	}
	if !self.Tree.Equal(other.Tree) {
		return false
	}
	if !self.Requirement.Equal(other.Requirement) {
		return false
	}
	if len(self.WebLinks) != len(other.WebLinks) {
		return false
	}
	for i := range self.WebLinks {
		if self.WebLinks[i].Path != other.WebLinks[i].Path ||
			self.WebLinks[i].Link != other.WebLinks[i].Link ||
			!self.WebLinks[i].LastModified.Equal(other.WebLinks[i].LastModified) {
			return false
		}
	}
	return true
}

// SubscriptionWithTree is the unit of queued work: a subscriber's
// self-reported tree, the subscription it belongs to, and the symmetric
// key the reply transfer is wrapped with. Consumed once per worker pass
// and never requeued automatically.
type SubscriptionWithTree struct {
	Subscription   *Subscription `json:"subscription"`
	SubscriberTree *EntryTree    `json:"subscriber_tree"`
	SymmetricKey   string        `json:"symmetric_key"`
}
