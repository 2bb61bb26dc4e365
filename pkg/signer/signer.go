// Package signer implements HMAC-SHA256 command signing for authenticated
// vehicle commands, derived from a per-session key supplied by the caller.
package signer

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/binary"
	"fmt"
)

var (
	labelAuthenticatedCommand = []byte("authenticated command")
	labelSessionInfo          = []byte("session info")
)

// tagEnd is written as a bare byte before the payload, with no length
// prefix: metadata || 0xFF || payload.
const tagEnd = 0xFF

// Metadata TLV tag numbers. Order in the encoded stream is fixed: epoch,
// expires_at, counter, then flags if non-zero.
const (
	tagEpoch     = 0x01
	tagExpiresAt = 0x02
	tagCounter   = 0x03
	tagFlags     = 0x04
)

// Metadata is the signing metadata attached to every authenticated command.
// Epoch is the per-session random value established at handshake time;
// ExpiresAt is a near-future deadline; Counter must strictly increase for
// every command signed within a session.
type Metadata struct {
	Epoch     [16]byte
	ExpiresAt uint32
	Counter   uint32
	Flags     uint8
}

// Encode serializes Metadata as TLV: each field as a one-byte tag, a
// one-byte length, then the big-endian value. Flags is omitted when zero.
func (m Metadata) Encode() []byte {
	buf := make([]byte, 0, 2+len(m.Epoch)+2+4+2+4+2+1)

	buf = append(buf, tagEpoch, byte(len(m.Epoch)))
	buf = append(buf, m.Epoch[:]...)

	var expires [4]byte
	binary.BigEndian.PutUint32(expires[:], m.ExpiresAt)
	buf = append(buf, tagExpiresAt, byte(len(expires)))
	buf = append(buf, expires[:]...)

	var counter [4]byte
	binary.BigEndian.PutUint32(counter[:], m.Counter)
	buf = append(buf, tagCounter, byte(len(counter)))
	buf = append(buf, counter[:]...)

	if m.Flags != 0 {
		buf = append(buf, tagFlags, 1, m.Flags)
	}

	return buf
}

// DeriveSigningKey derives the command signing key from a session key:
// HMAC-SHA256(sessionKey, "authenticated command").
func DeriveSigningKey(sessionKey []byte) []byte {
	mac := hmac.New(sha256.New, sessionKey)
	mac.Write(labelAuthenticatedCommand)
	return mac.Sum(nil)
}

// DeriveSessionInfoKey derives the session-info verification key from a
// session key: HMAC-SHA256(sessionKey, "session info").
func DeriveSessionInfoKey(sessionKey []byte) []byte {
	mac := hmac.New(sha256.New, sessionKey)
	mac.Write(labelSessionInfo)
	return mac.Sum(nil)
}

// ComputeHMACTag computes the HMAC-SHA256 authentication tag over
// metadataBytes || 0xFF || payloadBytes, using signingKey (as produced by
// DeriveSigningKey). The 0xFF separator carries no length prefix.
func ComputeHMACTag(signingKey, metadataBytes, payloadBytes []byte) []byte {
	mac := hmac.New(sha256.New, signingKey)
	mac.Write(metadataBytes)
	mac.Write([]byte{tagEnd})
	mac.Write(payloadBytes)
	return mac.Sum(nil)
}

// VerifySessionInfoTag reports whether expectedTag is the valid HMAC-SHA256
// tag of sessionInfoBytes under sessionInfoKey, using constant-time
// comparison.
func VerifySessionInfoTag(sessionInfoKey, sessionInfoBytes, expectedTag []byte) bool {
	mac := hmac.New(sha256.New, sessionInfoKey)
	mac.Write(sessionInfoBytes)
	computed := mac.Sum(nil)
	return subtle.ConstantTimeCompare(computed, expectedTag) == 1
}

// Session tracks the per-session signing state: the derived signing key and
// a strictly increasing command counter. A fresh Session must be created
// for every new handshake; the counter never resets within a session's
// lifetime and is never reused.
type Session struct {
	signingKey []byte
	epoch      [16]byte
	counter    uint32
}

// NewSession derives the signing key for sessionKey and seeds the epoch
// used to tag every command signed within this session.
func NewSession(sessionKey []byte, epoch [16]byte) *Session {
	return &Session{
		signingKey: DeriveSigningKey(sessionKey),
		epoch:      epoch,
	}
}

// Sign builds TLV metadata for the next counter value and computes the
// authentication tag over payload. expiresAt is a unix timestamp in the
// near future. It returns the encoded metadata and the 32-byte tag, both of
// which the caller attaches to the outbound signed command.
func (s *Session) Sign(payload []byte, expiresAt uint32) (metadataBytes, tag []byte, err error) {
	if s.counter == 1<<32-1 {
		return nil, nil, fmt.Errorf("signer: session counter exhausted, a new session is required")
	}
	s.counter++
	md := Metadata{Epoch: s.epoch, ExpiresAt: expiresAt, Counter: s.counter}
	metadataBytes = md.Encode()
	tag = ComputeHMACTag(s.signingKey, metadataBytes, payload)
	return metadataBytes, tag, nil
}

// Counter returns the most recently used counter value, 0 before the first
// Sign call.
func (s *Session) Counter() uint32 {
	return s.counter
}
