package relay

import (
	"encoding/json"
	"fmt"

	"github.com/DoubleLatte/ntp/crypto"
)

// Envelope types form a closed set. Anything else is dropped by the hub.
const (
	TypeChat             = "chat"
	TypePeerSignal       = "peer-signal"
	TypeProfile          = "profile"
	TypeFileRequest      = "file-request"
	TypeFileAutoAccepted = "file-auto-accepted"
	TypeFileRejected     = "file-rejected"
	TypeInviteRequest    = "invite-request"
	TypeInviteAccepted   = "invite-accepted"
	TypeUpdateRequest    = "update-request"
	TypeUpdateResponse   = "update-response"
)

// GroupAll is the wildcard group reaching every connected session.
const GroupAll = "all"

// Envelope is the JSON message relayed between sessions. It travels on the
// wire only inside an AES-256-GCM frame.
type Envelope struct {
	Type          string          `json:"type"`
	SenderAddress string          `json:"senderAddress,omitempty"`
	TargetAddress string          `json:"targetAddress,omitempty"`
	Group         string          `json:"group,omitempty"`
	Payload       json.RawMessage `json:"payload,omitempty"`
}

// SealEnvelope encrypts an envelope into a binary wire frame.
func SealEnvelope(key []byte, env Envelope) ([]byte, error) {
	plaintext, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("encode envelope: %w", err)
	}
	return crypto.Seal(key, plaintext)
}

// OpenEnvelope decrypts a binary wire frame back into an envelope.
func OpenEnvelope(key []byte, frame []byte) (Envelope, error) {
	plaintext, err := crypto.Open(key, frame)
	if err != nil {
		return Envelope{}, err
	}

	var env Envelope
	if err := json.Unmarshal(plaintext, &env); err != nil {
		return Envelope{}, fmt.Errorf("decode envelope: %w", err)
	}
	return env, nil
}

func mustPayload(v any) json.RawMessage {
	raw, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage("{}")
	}
	return raw
}
