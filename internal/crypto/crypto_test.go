package crypto

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestSharedSecretIsSymmetric(t *testing.T) {
	alice, err := GenerateKeyPair()
	if err != nil {
		t.Fatal(err)
	}
	bob, err := GenerateKeyPair()
	if err != nil {
		t.Fatal(err)
	}

	ab, err := SharedSecret(alice.Private, bob.Public)
	if err != nil {
		t.Fatal(err)
	}
	ba, err := SharedSecret(bob.Private, alice.Public)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(ab, ba) {
		t.Fatal("shared secrets differ")
	}
	if len(ab) != KeySize {
		t.Errorf("secret length = %d, want %d", len(ab), KeySize)
	}
}

func TestSealOpen(t *testing.T) {
	key, _ := NewKey()
	sealed, err := Seal(key, []byte("hello"))
	if err != nil {
		t.Fatal(err)
	}
	plain, err := Open(key, sealed)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if string(plain) != "hello" {
		t.Errorf("Open() = %q, want hello", plain)
	}

	other, _ := NewKey()
	if _, err := Open(other, sealed); !errors.Is(err, ErrDecrypt) {
		t.Errorf("Open() with wrong key error = %v, want ErrDecrypt", err)
	}

	sealed[len(sealed)-1] ^= 0xff
	if _, err := Open(key, sealed); !errors.Is(err, ErrDecrypt) {
		t.Errorf("Open() tampered error = %v, want ErrDecrypt", err)
	}
}

func TestEncryptString(t *testing.T) {
	key, _ := NewKey()
	enc, err := EncryptString(key, "rad-value")
	if err != nil {
		t.Fatal(err)
	}
	dec, err := DecryptString(key, enc)
	if err != nil {
		t.Fatal(err)
	}
	if dec != "rad-value" {
		t.Errorf("DecryptString() = %q, want rad-value", dec)
	}
}

func TestSignVerify(t *testing.T) {
	k, err := GenerateSigningKey()
	if err != nil {
		t.Fatal(err)
	}
	sig := Sign(k.Private, []byte("msg"))
	if !Verify(k.Public, []byte("msg"), sig) {
		t.Error("Verify() = false for valid signature")
	}
	if Verify(k.Public, []byte("other"), sig) {
		t.Error("Verify() = true for wrong message")
	}
	if Verify(nil, []byte("msg"), sig) {
		t.Error("Verify() = true for nil key")
	}
}

func TestHashStable(t *testing.T) {
	if Hash([]byte("abc")) != Hash([]byte("abc")) {
		t.Error("Hash not deterministic")
	}
	if len(Hash(nil)) != 64 {
		t.Errorf("Hash length = %d, want 64 hex chars", len(Hash(nil)))
	}
}

func TestFileRoundTrip(t *testing.T) {
	sizes := []int{0, 10, fileChunkSize, fileChunkSize + 1, 3*fileChunkSize - 7}
	for _, size := range sizes {
		dir := t.TempDir()
		src := filepath.Join(dir, "plain")
		enc := filepath.Join(dir, "enc")
		dst := filepath.Join(dir, "out")

		data := bytes.Repeat([]byte{0xab, 0x01, 0x7f}, size/3+1)[:size]
		if err := os.WriteFile(src, data, 0600); err != nil {
			t.Fatal(err)
		}
		key, _ := NewKey()
		if err := EncryptFile(key, src, enc); err != nil {
			t.Fatalf("size %d: EncryptFile() error = %v", size, err)
		}
		if err := DecryptFile(key, enc, dst); err != nil {
			t.Fatalf("size %d: DecryptFile() error = %v", size, err)
		}
		got, _ := os.ReadFile(dst)
		if !bytes.Equal(got, data) {
			t.Errorf("size %d: round trip mismatch", size)
		}
	}
}

func TestFileTruncationDetected(t *testing.T) {
	key, _ := NewKey()
	var enc bytes.Buffer
	data := bytes.Repeat([]byte("x"), 2*fileChunkSize+5)
	if err := EncryptStream(key, bytes.NewReader(data), &enc); err != nil {
		t.Fatal(err)
	}
	// Drop the final chunk entirely.
	chunk := 4 + fileChunkSize + 16
	truncated := enc.Bytes()[:1+filePrefixSize+2*chunk]
	if err := DecryptStream(key, bytes.NewReader(truncated), &bytes.Buffer{}); err == nil {
		t.Error("DecryptStream() accepted a truncated stream")
	}
}

func TestPasswordSealOpen(t *testing.T) {
	sealed, err := PasswordSeal([]byte("backup"), "correct horse")
	if err != nil {
		t.Fatal(err)
	}
	plain, err := PasswordOpen(sealed, "correct horse")
	if err != nil {
		t.Fatalf("PasswordOpen() error = %v", err)
	}
	if string(plain) != "backup" {
		t.Errorf("PasswordOpen() = %q, want backup", plain)
	}
	if _, err := PasswordOpen(sealed, "wrong"); err == nil {
		t.Error("PasswordOpen() with wrong password should fail")
	}
}
