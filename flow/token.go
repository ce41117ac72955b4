package flow

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// TokenSigner mints and verifies HMAC-signed callback tokens.
//
// Token format:
//
//	{approvalID}:{expiresUnix}:{nonce}:{signature}
//
// where signature is the hex HMAC-SHA256 of the first three fields
// under the signing key. The token binds both the approval identity
// and its expiry, so a tampered expiry fails verification the same
// way a tampered ID does.
//
// Possession of a valid token is the only credential needed to decide
// an approval; tokens are treated as secrets.
//
// Fail closed: a signer with an empty key refuses to mint and rejects
// every token.
type TokenSigner struct {
	key []byte
}

// NewTokenSigner creates a TokenSigner with the given signing key.
func NewTokenSigner(key string) *TokenSigner {
	return &TokenSigner{key: []byte(key)}
}

// Mint generates a callback token for an approval expiring at
// expiresAt. Returns an error if no signing key is configured.
func (s *TokenSigner) Mint(approvalID string, expiresAt time.Time) (string, error) {
	if len(s.key) == 0 {
		return "", fmt.Errorf("no signing key configured")
	}

	nonce := make([]byte, 16)
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("failed to generate token nonce: %w", err)
	}

	msg := approvalID + ":" + strconv.FormatInt(expiresAt.Unix(), 10) + ":" + base64.RawURLEncoding.EncodeToString(nonce)
	return msg + ":" + s.sign(msg), nil
}

// Verify checks a token's signature and extracts the approval ID and
// expiry it binds. Returns ErrTokenInvalid for malformed tokens, bad
// signatures, or when no signing key is configured.
//
// Verify does not enforce the expiry; the approval service compares
// against the authoritative expires_at on the approval row so that a
// late submit reports ErrApprovalExpired rather than a generic token
// failure.
func (s *TokenSigner) Verify(token string) (approvalID string, expiresAt time.Time, err error) {
	// Fail closed when unconfigured.
	if len(s.key) == 0 {
		return "", time.Time{}, ErrTokenInvalid
	}

	parts := strings.Split(token, ":")
	if len(parts) != 4 {
		return "", time.Time{}, ErrTokenInvalid
	}

	msg := parts[0] + ":" + parts[1] + ":" + parts[2]
	expected := s.sign(msg)
	// Constant-time comparison to prevent timing attacks.
	if !hmac.Equal([]byte(parts[3]), []byte(expected)) {
		return "", time.Time{}, ErrTokenInvalid
	}

	unix, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return "", time.Time{}, ErrTokenInvalid
	}

	return parts[0], time.Unix(unix, 0).UTC(), nil
}

func (s *TokenSigner) sign(msg string) string {
	mac := hmac.New(sha256.New, s.key)
	mac.Write([]byte(msg))
	return hex.EncodeToString(mac.Sum(nil))
}
