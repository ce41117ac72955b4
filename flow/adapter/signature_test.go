package adapter

import (
	"errors"
	"strconv"
	"testing"
	"time"
)

func unixNow() string {
	return strconv.FormatInt(time.Now().Unix(), 10)
}

// TestValidateRoundTrip verifies a signature produced by Sign passes
// Validate.
func TestValidateRoundTrip(t *testing.T) {
	v := NewSignatureValidator("shared-secret")
	ts := unixNow()
	body := []byte(`{"decision":"approve"}`)

	sig := v.Sign(ts, body)
	if err := v.Validate(ts, sig, body); err != nil {
		t.Errorf("Validate failed for a valid signature: %v", err)
	}
}

// TestValidateRejects walks the rejection cases.
func TestValidateRejects(t *testing.T) {
	v := NewSignatureValidator("shared-secret")
	body := []byte(`{"decision":"approve"}`)
	now := unixNow()
	goodSig := v.Sign(now, body)

	stale := strconv.FormatInt(time.Now().Add(-6*time.Minute).Unix(), 10)
	future := strconv.FormatInt(time.Now().Add(6*time.Minute).Unix(), 10)

	tests := []struct {
		name      string
		timestamp string
		signature string
		body      []byte
	}{
		{"tampered body", now, goodSig, []byte(`{"decision":"reject"}`)},
		{"wrong signature", now, "v0=deadbeef", body},
		{"stale timestamp", stale, v.Sign(stale, body), body},
		{"future timestamp", future, v.Sign(future, body), body},
		{"malformed timestamp", "yesterday", goodSig, body},
		{"timestamp not signed", strconv.FormatInt(time.Now().Unix()-1, 10), goodSig, body},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := v.Validate(tt.timestamp, tt.signature, tt.body); !errors.Is(err, ErrSignatureInvalid) {
				t.Errorf("Validate error = %v, want ErrSignatureInvalid", err)
			}
		})
	}
}

// TestValidateFailClosed verifies a validator with no secret rejects
// even a correctly computed signature.
func TestValidateFailClosed(t *testing.T) {
	v := NewSignatureValidator("")
	ts := unixNow()
	body := []byte(`{}`)

	if err := v.Validate(ts, v.Sign(ts, body), body); !errors.Is(err, ErrSignatureInvalid) {
		t.Errorf("empty-secret Validate error = %v, want ErrSignatureInvalid", err)
	}
}

// TestValidateDifferentSecrets verifies signatures do not transfer
// between validators.
func TestValidateDifferentSecrets(t *testing.T) {
	a := NewSignatureValidator("secret-a")
	b := NewSignatureValidator("secret-b")
	ts := unixNow()
	body := []byte(`{"ok":true}`)

	if err := b.Validate(ts, a.Sign(ts, body), body); !errors.Is(err, ErrSignatureInvalid) {
		t.Errorf("cross-secret Validate error = %v, want ErrSignatureInvalid", err)
	}
}
