package crypto

import (
	"bytes"
	"io"
	"testing"
)

// S6 — Encrypt round-trip.
func TestEncryptDecrypt_RoundTrip(t *testing.T) {
	plaintext := []byte("hello")

	frame, err := Encrypt(plaintext, "pw")
	if err != nil {
		t.Fatalf("Encrypt failed: %v", err)
	}

	decrypted, err := Decrypt(frame, "pw")
	if err != nil {
		t.Fatalf("Decrypt failed: %v", err)
	}
	if !bytes.Equal(decrypted, plaintext) {
		t.Errorf("expected %q, got %q", plaintext, decrypted)
	}
}

func TestDecrypt_WrongPassphraseFails(t *testing.T) {
	frame, err := Encrypt([]byte("hello"), "pw")
	if err != nil {
		t.Fatalf("Encrypt failed: %v", err)
	}

	if _, err := Decrypt(frame, "wrong"); err == nil {
		t.Fatal("expected decryption with wrong passphrase to fail")
	}
}

// Invariant 6 — Encryption header: every encrypted stream begins with the
// four bytes 5A 49 4D 45, followed by 16 bytes salt, 16 bytes IV.
func TestEncrypt_HeaderLayout(t *testing.T) {
	frame, err := Encrypt([]byte("data"), "pw")
	if err != nil {
		t.Fatalf("Encrypt failed: %v", err)
	}

	if len(frame) < 4+16+16 {
		t.Fatalf("frame too short: %d bytes", len(frame))
	}
	want := []byte{0x5A, 0x49, 0x4D, 0x45}
	if !bytes.Equal(frame[:4], want) {
		t.Errorf("expected magic %x, got %x", want, frame[:4])
	}
}

func TestEncrypt_EmptyPassphraseFails(t *testing.T) {
	if _, err := Encrypt([]byte("data"), ""); err != ErrPassphraseRequired {
		t.Errorf("expected ErrPassphraseRequired, got %v", err)
	}
}

func TestDecrypt_TooShortFrame(t *testing.T) {
	if _, err := Decrypt([]byte("ZIME"), "pw"); err != ErrInvalidHeader {
		t.Errorf("expected ErrInvalidHeader, got %v", err)
	}
}

func TestDecrypt_BadMagicRejected(t *testing.T) {
	frame, _ := Encrypt([]byte("data"), "pw")
	frame[0] = 'X'
	if _, err := Decrypt(frame, "pw"); err != ErrInvalidHeader {
		t.Errorf("expected ErrInvalidHeader, got %v", err)
	}
}

func TestEncryptWriterDecryptReader_RoundTrip(t *testing.T) {
	sizes := []int{0, 1, 15, 16, 17, 31, 32, 1000}
	for _, size := range sizes {
		plaintext := bytes.Repeat([]byte{0x5a}, size)

		var frame bytes.Buffer
		w, err := NewEncryptWriter(&frame, "pw")
		if err != nil {
			t.Fatalf("NewEncryptWriter failed: %v", err)
		}
		if _, err := w.Write(plaintext); err != nil {
			t.Fatalf("Write failed: %v", err)
		}
		if err := w.Close(); err != nil {
			t.Fatalf("Close failed: %v", err)
		}

		r, err := NewDecryptReader(bytes.NewReader(frame.Bytes()), "pw")
		if err != nil {
			t.Fatalf("NewDecryptReader failed: %v", err)
		}
		got, err := io.ReadAll(r)
		if err != nil {
			t.Fatalf("reading decrypted stream failed: %v", err)
		}
		if !bytes.Equal(got, plaintext) {
			t.Errorf("size %d: round trip mismatch, got %d bytes want %d", size, len(got), len(plaintext))
		}
	}
}

func TestEncryptWriterDecryptReader_MatchesWholeBufferForm(t *testing.T) {
	plaintext := []byte("streamed and buffered forms must agree byte for byte")

	var frame bytes.Buffer
	w, err := NewEncryptWriter(&frame, "pw")
	if err != nil {
		t.Fatalf("NewEncryptWriter failed: %v", err)
	}
	if _, err := w.Write(plaintext[:10]); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if _, err := w.Write(plaintext[10:]); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	decrypted, err := Decrypt(frame.Bytes(), "pw")
	if err != nil {
		t.Fatalf("Decrypt failed: %v", err)
	}
	if !bytes.Equal(decrypted, plaintext) {
		t.Errorf("expected %q, got %q", plaintext, decrypted)
	}
}

func TestEncrypt_DifferentSaltEachCall(t *testing.T) {
	frame1, _ := Encrypt([]byte("data"), "pw")
	frame2, _ := Encrypt([]byte("data"), "pw")
	if bytes.Equal(frame1, frame2) {
		t.Error("expected different salt/IV to produce different ciphertext across calls")
	}
}
