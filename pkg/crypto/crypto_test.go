package crypto

import (
	"strings"
	"testing"
)

func testKey() string { return strings.Repeat("k", 32) }

func TestEncryptDecryptRoundTrip(t *testing.T) {
	v, err := NewFromString(testKey())
	if err != nil {
		t.Fatalf("NewFromString: %v", err)
	}

	tests := []struct {
		name  string
		plain string
	}{
		{"token", "abc123-access-token"},
		{"empty", ""},
		{"unicode", "tök€n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			enc, err := v.Encrypt(tt.plain)
			if err != nil {
				t.Fatalf("Encrypt: %v", err)
			}
			if !IsEncrypted(enc) {
				t.Errorf("expected vault prefix on %q", enc)
			}
			if strings.Contains(enc, tt.plain) && tt.plain != "" {
				t.Errorf("ciphertext leaks plaintext")
			}

			dec, err := v.Decrypt(enc)
			if err != nil {
				t.Fatalf("Decrypt: %v", err)
			}
			if dec != tt.plain {
				t.Errorf("round trip mismatch: got %q want %q", dec, tt.plain)
			}
		})
	}
}

func TestEncryptIsNonDeterministic(t *testing.T) {
	v, _ := NewFromString(testKey())
	a, _ := v.Encrypt("same")
	b, _ := v.Encrypt("same")
	if a == b {
		t.Error("two encryptions of the same plaintext should differ (random nonce)")
	}
}

func TestDecryptRejectsGarbage(t *testing.T) {
	v, _ := NewFromString(testKey())

	for _, input := range []string{"", "plaintext", "enc:v1:", "enc:v1:!!!!", "enc:v1:aGVsbG8="} {
		if _, err := v.Decrypt(input); err == nil {
			t.Errorf("Decrypt(%q) should fail", input)
		}
	}
}

func TestDecryptWithWrongKeyFails(t *testing.T) {
	v1, _ := NewFromString(testKey())
	v2, _ := NewFromString(strings.Repeat("x", 32))

	enc, err := v1.Encrypt("secret")
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	if _, err := v2.Decrypt(enc); err != ErrDecryptionFailed {
		t.Errorf("expected ErrDecryptionFailed, got %v", err)
	}
}

func TestKeyValidation(t *testing.T) {
	if _, err := New([]byte("short")); err != ErrInvalidKey {
		t.Errorf("expected ErrInvalidKey, got %v", err)
	}
	// 64 hex chars decode to 32 bytes.
	if _, err := NewFromString(strings.Repeat("ab", 32)); err != nil {
		t.Errorf("hex key rejected: %v", err)
	}
}
