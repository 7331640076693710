package foldercast

import (
	"errors"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

func TestSignVerifyMessage(t *testing.T) {
	signingKey := []byte("signing key")
	streamer := NewNameWithProfile("@@streamer.foldercast", "main")
	subscriber := NewNameWithProfile("@@subscriber.foldercast", "main")

	message := &Message{
		Kind:           MessageKindStateRequest,
		Sender:         streamer.String(),
		Recipient:      subscriber.String(),
		SubscriptionId: NewSubscriptionId(streamer, "/docs", subscriber),
		FolderPath:     "/docs",
	}
	token, err := SignMessage(message, signingKey)
	assert.Equal(t, err, nil)

	verified, err := VerifyMessage(token, signingKey)
	assert.Equal(t, err, nil)
	assert.Equal(t, verified.Kind, MessageKindStateRequest)
	assert.Equal(t, verified.SubscriptionId, message.SubscriptionId)
	assert.Equal(t, verified.FolderPath, "/docs")

	// wrong key
	_, err = VerifyMessage(token, []byte("other key"))
	assert.Equal(t, errors.Is(err, ErrInvalidRequest), true)

	// tampered token
	_, err = VerifyMessage(token+"x", signingKey)
	assert.Equal(t, errors.Is(err, ErrInvalidRequest), true)
}

func TestMessageBundleRoundTrip(t *testing.T) {
	signingKey := []byte("signing key")
	t0 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	streamer := NewNameWithProfile("@@streamer.foldercast", "main")
	subscriber := NewNameWithProfile("@@subscriber.foldercast", "main")
	subscriptionId := NewSubscriptionId(streamer, "/docs", subscriber)

	bundleWriter := NewBundleWriter(subscriptionId, "/docs", 1)
	assert.Equal(t, bundleWriter.AddLeaf("/docs/a.txt", t0, []byte("alpha")), nil)
	data, err := bundleWriter.Seal()
	assert.Equal(t, err, nil)

	token, err := SignMessage(&Message{
		Kind:           MessageKindTreeBundle,
		Sender:         streamer.String(),
		Recipient:      subscriber.String(),
		SubscriptionId: subscriptionId,
		SymmetricKey:   "key",
		Bundle:         data,
	}, signingKey)
	assert.Equal(t, err, nil)

	verified, err := VerifyMessage(token, signingKey)
	assert.Equal(t, err, nil)

	bundle, err := OpenBundle(verified.Bundle)
	assert.Equal(t, err, nil)
	assert.Equal(t, bundle.Leaves["/docs/a.txt"], []byte("alpha"))
}
