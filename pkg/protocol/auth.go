package protocol

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"

	"golang.org/x/crypto/pbkdf2"
)

const (
	// NonceSize is the length of a challenge nonce in bytes.
	NonceSize = 32

	// LoginKeySize is the length of a derived login key in bytes.
	LoginKeySize = 32

	// loginKeyIterations is the PBKDF2 round count. Fixed by the wire
	// protocol: client and server must derive identical keys.
	loginKeyIterations = 10000
)

// DeriveLoginKey derives the stored password hash from a plaintext
// password, salted with the username. The plaintext never crosses the
// wire; both sides hold only this key.
func DeriveLoginKey(username, password string) []byte {
	return pbkdf2.Key([]byte(password), []byte(username), loginKeyIterations, LoginKeySize, sha256.New)
}

// ChallengeDigest computes the proof the client returns for a challenge
// nonce: HMAC-SHA256 keyed with the login key.
func ChallengeDigest(loginKey, nonce []byte) []byte {
	mac := hmac.New(sha256.New, loginKey)
	mac.Write(nonce)
	return mac.Sum(nil)
}

// VerifyDigest compares a client-supplied digest against the expected one
// in constant time.
func VerifyDigest(loginKey, nonce, digest []byte) bool {
	return hmac.Equal(ChallengeDigest(loginKey, nonce), digest)
}

// NewNonce returns a fresh random challenge nonce.
func NewNonce() ([]byte, error) {
	nonce := make([]byte, NonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	return nonce, nil
}
