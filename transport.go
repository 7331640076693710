package foldercast

import (
	"context"
	"fmt"

	"github.com/golang/glog"
)

// PeerIdentity is a resolved peer: where to reach it and the key that
// signs envelopes exchanged with it. ProxyAddress, when set, is the
// relay the peer asked to be reached through.
type PeerIdentity struct {
	Name         Name
	Address      string
	SigningKey   []byte
	ProxyAddress string
}

// IdentityResolver maps a peer name to its network identity.
// Resolution may hit a shared cache or the network.
type IdentityResolver interface {
	Resolve(ctx context.Context, name Name) (*PeerIdentity, error)
}

// PeerSender delivers one signed token to one address. Fire and forget;
// the only feedback is the error. Retry policy belongs to the caller.
type PeerSender interface {
	Send(ctx context.Context, address string, token string) error
}

type PeerSenderFunc func(ctx context.Context, address string, token string) error

func (self PeerSenderFunc) Send(ctx context.Context, address string, token string) error {
	return self(ctx, address, token)
}

// Transport signs outbound messages and routes them to the resolved
// peer address, indirecting through the peer's proxy when it has one.
type Transport struct {
	localName  Name
	signingKey []byte
	resolver   IdentityResolver
	sender     PeerSender
}

func NewTransport(localName Name, signingKey []byte, resolver IdentityResolver, sender PeerSender) *Transport {
	return &Transport{
		localName:  localName,
		signingKey: signingKey,
		resolver:   resolver,
		sender:     sender,
	}
}

func (self *Transport) SendMessage(ctx context.Context, recipient Name, message *Message) error {
	message.Sender = self.localName.String()
	message.Recipient = recipient.String()

	identity, err := self.resolver.Resolve(ctx, recipient)
	if err != nil {
		return fmt.Errorf("%w: resolve %s: %s", ErrUnavailable, recipient, err)
	}
	token, err := SignMessage(message, self.signingKey)
	if err != nil {
		return err
	}

	address := identity.Address
	if identity.ProxyAddress != "" {
		address = identity.ProxyAddress
	}
	if err := self.sender.Send(ctx, address, token); err != nil {
		return fmt.Errorf("%w: send to %s at %s: %s", ErrUnavailable, recipient, address, err)
	}
	glog.V(1).Infof("[t]%s %s->%s\n", message.Kind, self.localName, recipient)
	return nil
}

// SendStateRequest asks the subscriber to report its current tree for
// the subscription.
func (self *Transport) SendStateRequest(ctx context.Context, subscription *Subscription) error {
	return self.SendMessage(ctx, subscription.Subscriber, &Message{
		Kind:           MessageKindStateRequest,
		SubscriptionId: subscription.Id,
		FolderPath:     subscription.FolderPath,
	})
}

// SendBundle delivers a sealed diff bundle together with the symmetric
// key the subscriber handed out for this transfer.
func (self *Transport) SendBundle(ctx context.Context, subscription *Subscription, symmetricKey string, bundle []byte) error {
	return self.SendMessage(ctx, subscription.Subscriber, &Message{
		Kind:           MessageKindTreeBundle,
		SubscriptionId: subscription.Id,
		FolderPath:     subscription.FolderPath,
		SymmetricKey:   symmetricKey,
		Bundle:         bundle,
	})
}
