package foldercast

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

type MessageKind string

const (
	// streamer asking a subscriber to report its current tree
	MessageKindStateRequest MessageKind = "state_request"
	// subscriber reporting its current tree back to the streamer
	MessageKindStateResponse MessageKind = "state_response"
	// streamer delivering a packed diff bundle
	MessageKindTreeBundle  MessageKind = "tree_bundle"
	MessageKindSubscribe   MessageKind = "subscribe"
	MessageKindUnsubscribe MessageKind = "unsubscribe"
)

// Message is one peer-to-peer envelope. Only the fields for the kind
// are set. Bundle is base64 in the JSON encoding.
type Message struct {
	Kind           MessageKind    `json:"kind"`
	Sender         string         `json:"sender"`
	Recipient      string         `json:"recipient"`
	SubscriptionId SubscriptionId `json:"subscription_id,omitempty"`
	FolderPath     string         `json:"folder_path,omitempty"`
	Tree           *EntryTree     `json:"tree,omitempty"`
	SymmetricKey   string         `json:"symmetric_key,omitempty"`
	Bundle         []byte         `json:"bundle,omitempty"`
	Payment        *Payment       `json:"payment,omitempty"`
	HttpPreferred  bool           `json:"http_preferred,omitempty"`
}

type messageClaims struct {
	Message *Message `json:"message"`
	jwt.RegisteredClaims
}

const messageTtl = 10 * time.Minute

// SignMessage wraps the message in a signed compact token. The
// recipient verifies with the same key, which the identity layer
// distributes out of band.
func SignMessage(message *Message, signingKey []byte) (string, error) {
	now := time.Now().UTC()
	claims := &messageClaims{
		Message: message,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Issuer:    message.Sender,
			Subject:   message.Recipient,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(messageTtl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(signingKey)
}

// VerifyMessage checks the signature and expiry and returns the
// enclosed message. Errors wrap ErrInvalidRequest.
func VerifyMessage(token string, signingKey []byte) (*Message, error) {
	claims := &messageClaims{}
	parsed, err := jwt.ParseWithClaims(
		token,
		claims,
		func(token *jwt.Token) (any, error) {
			if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method %s", token.Method.Alg())
			}
			return signingKey, nil
		},
	)
	if err != nil {
		return nil, fmt.Errorf("%w: bad message token: %s", ErrInvalidRequest, err)
	}
	if !parsed.Valid || claims.Message == nil {
		return nil, fmt.Errorf("%w: bad message token", ErrInvalidRequest)
	}
	return claims.Message, nil
}
