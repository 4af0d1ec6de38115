package crypto

import (
	"bytes"
	"testing"
)

func TestEncryptDecryptRoundTrip(t *testing.T) {
	encrypted, err := EncryptString("a-key", "attack at dawn")
	if err != nil {
		t.Fatalf("EncryptString: %v", err)
	}
	if bytes.Contains(encrypted, []byte("attack at dawn")) {
		t.Fatal("ciphertext contains plaintext")
	}
	plain, err := DecryptToString("a-key", encrypted)
	if err != nil {
		t.Fatalf("DecryptToString: %v", err)
	}
	if plain != "attack at dawn" {
		t.Fatalf("round trip yielded %q", plain)
	}
}

func TestDecryptWithWrongKeyFails(t *testing.T) {
	encrypted, err := EncryptString("a-key", "attack at dawn")
	if err != nil {
		t.Fatalf("EncryptString: %v", err)
	}
	if _, err := DecryptToString("another-key", encrypted); err == nil {
		t.Fatal("expected decryption failure with wrong key")
	}
}

func TestDecryptTruncatedPayloadFails(t *testing.T) {
	if _, err := DecryptToString("a-key", []byte{0x01, 0x02}); err == nil {
		t.Fatal("expected error for payload shorter than nonce")
	}
}

func TestEncryptIsNonDeterministic(t *testing.T) {
	first, err := EncryptString("a-key", "same input")
	if err != nil {
		t.Fatalf("EncryptString: %v", err)
	}
	second, err := EncryptString("a-key", "same input")
	if err != nil {
		t.Fatalf("EncryptString: %v", err)
	}
	if bytes.Equal(first, second) {
		t.Fatal("two encryptions of the same input must differ")
	}
}

func TestPasswordHashing(t *testing.T) {
	hash, err := HashPassword("hunter2hunter2")
	if err != nil {
		t.Fatalf("HashPassword: %v", err)
	}
	if err := ComparePassword(hash, "hunter2hunter2"); err != nil {
		t.Fatalf("ComparePassword with correct password: %v", err)
	}
	if err := ComparePassword(hash, "wrong"); err == nil {
		t.Fatal("expected mismatch for wrong password")
	}
}

func TestGenerateSecret(t *testing.T) {
	secret, err := GenerateSecret(16)
	if err != nil {
		t.Fatalf("GenerateSecret: %v", err)
	}
	if len(secret) != 32 {
		t.Fatalf("expected 32 hex chars for 16 bytes, got %d", len(secret))
	}
	other, err := GenerateSecret(16)
	if err != nil {
		t.Fatalf("GenerateSecret: %v", err)
	}
	if secret == other {
		t.Fatal("consecutive secrets must differ")
	}
	if _, err := GenerateSecret(0); err == nil {
		t.Fatal("expected error for non-positive length")
	}
}
