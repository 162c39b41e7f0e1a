package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeriveLoginKeyDeterministic(t *testing.T) {
	key1 := DeriveLoginKey("alice", "hunter2")
	key2 := DeriveLoginKey("alice", "hunter2")
	assert.Equal(t, key1, key2)
	assert.Len(t, key1, LoginKeySize)
}

func TestDeriveLoginKeySaltedByUsername(t *testing.T) {
	// Same password, different usernames: the salt keeps the keys apart.
	assert.NotEqual(t, DeriveLoginKey("alice", "hunter2"), DeriveLoginKey("bob", "hunter2"))
	assert.NotEqual(t, DeriveLoginKey("alice", "hunter2"), DeriveLoginKey("alice", "hunter3"))
}

func TestChallengeDigestVerify(t *testing.T) {
	key := DeriveLoginKey("alice", "hunter2")
	nonce, err := NewNonce()
	require.NoError(t, err)

	digest := ChallengeDigest(key, nonce)
	assert.True(t, VerifyDigest(key, nonce, digest))
}

func TestVerifyDigestWrongKey(t *testing.T) {
	nonce, err := NewNonce()
	require.NoError(t, err)

	digest := ChallengeDigest(DeriveLoginKey("alice", "hunter2"), nonce)
	assert.False(t, VerifyDigest(DeriveLoginKey("alice", "wrong"), nonce, digest))
}

func TestVerifyDigestWrongNonce(t *testing.T) {
	key := DeriveLoginKey("alice", "hunter2")
	nonce1, err := NewNonce()
	require.NoError(t, err)
	nonce2, err := NewNonce()
	require.NoError(t, err)

	digest := ChallengeDigest(key, nonce1)
	assert.False(t, VerifyDigest(key, nonce2, digest))
}

func TestNewNonceUnique(t *testing.T) {
	nonce1, err := NewNonce()
	require.NoError(t, err)
	nonce2, err := NewNonce()
	require.NoError(t, err)

	assert.Len(t, nonce1, NonceSize)
	assert.NotEqual(t, nonce1, nonce2)
}
