package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"math/big"
)

// TokenAlphabet is the human-friendly character set for every generated
// credential: 32 characters, no 0/O/1/I/L.
const TokenAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

// Credential sizes.
const (
	BootstrapSecretLength = 30
	BackupCodeLength      = 30
	BackupCodeCount       = 10
	RecoveryTokenLength   = 200
	sessionTokenBytes     = 32
)

// randomToken draws n characters from TokenAlphabet using crypto/rand.
func randomToken(n int) (string, error) {
	max := big.NewInt(int64(len(TokenAlphabet)))
	buf := make([]byte, n)
	for i := range buf {
		idx, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", fmt.Errorf("auth: random token: %w", err)
		}
		buf[i] = TokenAlphabet[idx.Int64()]
	}
	return string(buf), nil
}

// newSessionToken returns a 256-bit random token in hex.
func newSessionToken() (string, error) {
	buf := make([]byte, sessionTokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("auth: session token: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// hashToken returns the hex SHA-256 of a credential. Only hashes are
// persisted; the cleartext exists exactly once, on its way to the owner.
func hashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// verifyToken compares a presented credential against a stored hash in
// constant time.
func verifyToken(presented, storedHash string) bool {
	if storedHash == "" {
		return false
	}
	got := hashToken(presented)
	return subtle.ConstantTimeCompare([]byte(got), []byte(storedHash)) == 1
}
