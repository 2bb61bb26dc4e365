package signer

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDeriveKeysDifferByLabel(t *testing.T) {
	sessionKey := []byte("a shared session key")
	signingKey := DeriveSigningKey(sessionKey)
	infoKey := DeriveSessionInfoKey(sessionKey)
	require.Len(t, signingKey, 32)
	require.Len(t, infoKey, 32)
	require.NotEqual(t, signingKey, infoKey)
}

func TestComputeHMACTagDeterministic(t *testing.T) {
	key := []byte("signing key")
	metadata := []byte{0x01, 0x02, 0x03}
	payload := []byte("command payload")

	tag1 := ComputeHMACTag(key, metadata, payload)
	tag2 := ComputeHMACTag(key, metadata, payload)
	require.Equal(t, tag1, tag2)
	require.Len(t, tag1, 32)
}

func TestComputeHMACTagSensitiveToPayload(t *testing.T) {
	key := []byte("signing key")
	metadata := []byte{0x01, 0x02, 0x03}

	tagA := ComputeHMACTag(key, metadata, []byte("payload A"))
	tagB := ComputeHMACTag(key, metadata, []byte("payload B"))
	require.NotEqual(t, tagA, tagB)
}

func TestVerifySessionInfoTagRoundTrip(t *testing.T) {
	sessionKey := []byte("shared secret")
	infoKey := DeriveSessionInfoKey(sessionKey)
	body := []byte("session info bytes")

	require.True(t, VerifySessionInfoTag(infoKey, body, rawHMAC(infoKey, body)))
}

func TestVerifySessionInfoTagRejectsTamperedBody(t *testing.T) {
	infoKey := DeriveSessionInfoKey([]byte("shared secret"))
	body := []byte("session info bytes")
	tag := rawHMAC(infoKey, body)

	require.False(t, VerifySessionInfoTag(infoKey, []byte("tampered bytes!!"), tag))
}

func TestMetadataEncodeOrderingAndLength(t *testing.T) {
	var epoch [16]byte
	_, err := rand.Read(epoch[:])
	require.NoError(t, err)

	md := Metadata{Epoch: epoch, ExpiresAt: 1234, Counter: 7}
	encoded := md.Encode()

	require.Equal(t, byte(tagEpoch), encoded[0])
	require.Equal(t, byte(16), encoded[1])
	offset := 2 + 16
	require.Equal(t, byte(tagExpiresAt), encoded[offset])
	offset += 2 + 4
	require.Equal(t, byte(tagCounter), encoded[offset])
	require.Len(t, encoded, 2+16+2+4+2+4)
}

func TestMetadataEncodeOmitsZeroFlags(t *testing.T) {
	md := Metadata{ExpiresAt: 1, Counter: 1}
	encoded := md.Encode()
	// Without flags the stream ends right after the counter value.
	require.Len(t, encoded, 2+16+2+4+2+4)

	withFlags := Metadata{ExpiresAt: 1, Counter: 1, Flags: 0x02}
	require.Len(t, withFlags.Encode(), 2+16+2+4+2+4+3)
}

func TestSessionCounterStrictlyIncreasing(t *testing.T) {
	var epoch [16]byte
	s := NewSession([]byte("session key"), epoch)

	_, _, err := s.Sign([]byte("payload one"), 100)
	require.NoError(t, err)
	require.EqualValues(t, 1, s.Counter())

	_, _, err = s.Sign([]byte("payload two"), 100)
	require.NoError(t, err)
	require.EqualValues(t, 2, s.Counter())
}

func TestSessionSignTagMatchesComputeHMACTag(t *testing.T) {
	var epoch [16]byte
	copy(epoch[:], "0123456789abcdef")
	s := NewSession([]byte("session key"), epoch)

	payload := []byte("vehicle command")
	metadata, tag, err := s.Sign(payload, 999)
	require.NoError(t, err)

	want := ComputeHMACTag(DeriveSigningKey([]byte("session key")), metadata, payload)
	require.Equal(t, want, tag)
}

func rawHMAC(key, body []byte) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write(body)
	return mac.Sum(nil)
}
