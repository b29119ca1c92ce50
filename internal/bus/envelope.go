package bus

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/google/uuid"

	"github.com/Klingon-tech/klingswap/pkg/helpers"
)

// Common errors
var (
	ErrTimeout          = errors.New("timed out waiting for message")
	ErrUnknownKind      = errors.New("unknown message kind")
	ErrBadSignature     = errors.New("message signature invalid")
	ErrUnexpectedSigner = errors.New("message signed by unexpected key")
	ErrClosed           = errors.New("bus closed")
)

// TopicPrefix prefixes every per-swap topic.
const TopicPrefix = "swapv2/"

// Topic derives the topic of a swap.
func Topic(id uuid.UUID) string {
	return TopicPrefix + hex.EncodeToString(id[:])
}

// Envelope is the signed body of every message.
type Envelope struct {
	Kind      Kind             `json:"kind"`
	SwapUUID  helpers.HexBytes `json:"swap_uuid"`
	Payload   json.RawMessage  `json:"payload"`
	Timestamp int64            `json:"timestamp"`
}

// SignedMessage is the wire form. PubKey and Signature are empty for
// unsigned messages.
type SignedMessage struct {
	Message   json.RawMessage  `json:"msg"`
	PubKey    helpers.HexBytes `json:"pubkey,omitempty"`
	Signature helpers.HexBytes `json:"sig,omitempty"`
}

// Received is a decoded, signature-checked message.
type Received struct {
	Envelope Envelope
	// Signer is the compressed public key that signed the envelope, or nil.
	Signer []byte
}

// Encode wraps msg for swap id, signing it when key is not nil.
func Encode(id uuid.UUID, msg Message, key *btcec.PrivateKey) ([]byte, error) {
	payload, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", msg.Kind(), err)
	}
	body, err := json.Marshal(Envelope{
		Kind:      msg.Kind(),
		SwapUUID:  id[:],
		Payload:   payload,
		Timestamp: time.Now().Unix(),
	})
	if err != nil {
		return nil, fmt.Errorf("encode envelope: %w", err)
	}

	signed := SignedMessage{Message: body}
	if key != nil {
		digest := sha256.Sum256(body)
		sig, err := schnorr.Sign(key, digest[:])
		if err != nil {
			return nil, fmt.Errorf("sign %s: %w", msg.Kind(), err)
		}
		signed.PubKey = key.PubKey().SerializeCompressed()
		signed.Signature = sig.Serialize()
	}
	return json.Marshal(signed)
}

// Decode parses wire bytes and verifies the signature if one is present.
func Decode(data []byte) (*Received, error) {
	var signed SignedMessage
	if err := json.Unmarshal(data, &signed); err != nil {
		return nil, fmt.Errorf("decode signed message: %w", err)
	}

	var signer []byte
	if len(signed.Signature) > 0 || len(signed.PubKey) > 0 {
		pub, err := btcec.ParsePubKey(signed.PubKey)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrBadSignature, err)
		}
		sig, err := schnorr.ParseSignature(signed.Signature)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrBadSignature, err)
		}
		digest := sha256.Sum256(signed.Message)
		if !sig.Verify(digest[:], pub) {
			return nil, ErrBadSignature
		}
		signer = pub.SerializeCompressed()
	}

	var env Envelope
	if err := json.Unmarshal(signed.Message, &env); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	return &Received{Envelope: env, Signer: signer}, nil
}

// Message decodes the typed payload.
func (r *Received) Message() (Message, error) {
	return DecodePayload(r.Envelope.Kind, r.Envelope.Payload)
}
