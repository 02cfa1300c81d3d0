// Package pairing connects two devices over a direct data channel. Connection
// descriptors are exchanged out of band; each side contributes an ephemeral
// P-256 key and every message is sealed under the derived session key.
package pairing

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	"github.com/pinbridge/vault/internal/util"
)

// ProtocolVersion is the descriptor version this build speaks
const ProtocolVersion = 1

// Role is the side of a pairing session
type Role string

// Roles
const (
	RoleOffer  Role = "offer"
	RoleAnswer Role = "answer"
)

// Descriptor is the out-of-band connection descriptor. Offer and PubA are set
// by the offering side, Answer and PubB by the answering side. T is the session
// expiration in epoch milliseconds.
type Descriptor struct {
	V      int    `json:"v"`
	SID    string `json:"sid"`
	T      int64  `json:"t"`
	Offer  string `json:"offer,omitempty"`
	Answer string `json:"answer,omitempty"`
	PubA   string `json:"pubA,omitempty"`
	PubB   string `json:"pubB,omitempty"`
}

// Encode renders the descriptor as base64url JSON text
func (d *Descriptor) Encode() (string, error) {
	raw, err := json.Marshal(d)
	if err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}

// DecodeDescriptor parses descriptor text. Padding and surrounding whitespace
// introduced by copy and paste are tolerated.
func DecodeDescriptor(text string) (*Descriptor, error) {
	raw, err := decodeText(text)
	if err != nil {
		return nil, fmt.Errorf("%w: descriptor is not base64: %v", util.ErrProtocol, err)
	}
	var d Descriptor
	if err := json.Unmarshal(raw, &d); err != nil {
		return nil, fmt.Errorf("%w: descriptor is not JSON: %v", util.ErrProtocol, err)
	}
	return &d, nil
}

// Validate rejects descriptors of another protocol version, expired
// descriptors and descriptors missing the fields of from. It runs before any
// key material is touched.
func (d *Descriptor) Validate(now time.Time, from Role) error {
	if d.V != ProtocolVersion {
		return fmt.Errorf("%w: unsupported protocol version %d", util.ErrProtocol, d.V)
	}
	if d.T <= 0 || now.UnixMilli() > d.T {
		return util.ErrSessionExpired
	}
	if d.SID == "" {
		return fmt.Errorf("%w: descriptor has no session id", util.ErrProtocol)
	}

	switch from {
	case RoleOffer:
		if d.Offer == "" || d.PubA == "" {
			return fmt.Errorf("%w: not an offer descriptor", util.ErrProtocol)
		}
	case RoleAnswer:
		if d.Answer == "" || d.PubB == "" {
			return fmt.Errorf("%w: not an answer descriptor", util.ErrProtocol)
		}
	default:
		return fmt.Errorf("%w: unknown role %q", util.ErrProtocol, from)
	}
	return nil
}

// Expiration returns T as a time
func (d *Descriptor) Expiration() time.Time {
	return time.UnixMilli(d.T)
}
