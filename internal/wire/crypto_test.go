package wire

import (
	"bytes"
	"errors"
	"testing"

	"github.com/marci1175/szechat/internal/chaterr"
)

func TestDeriveSessionKeyDeterministic(t *testing.T) {
	client := []byte("client-contribution")
	server := []byte("server-contribution")

	k1, err := DeriveSessionKey(client, server)
	if err != nil {
		t.Fatalf("DeriveSessionKey: %v", err)
	}
	k2, err := DeriveSessionKey(client, server)
	if err != nil {
		t.Fatalf("DeriveSessionKey: %v", err)
	}
	if k1 != k2 {
		t.Fatalf("expected deterministic key derivation, got different keys")
	}

	k3, err := DeriveSessionKey(client, []byte("different-server-contribution"))
	if err != nil {
		t.Fatalf("DeriveSessionKey: %v", err)
	}
	if k1 == k3 {
		t.Fatalf("expected different contributions to yield different keys")
	}
}

func TestCipherSealOpenRoundTrip(t *testing.T) {
	key, err := DeriveSessionKey([]byte("a"), []byte("b"))
	if err != nil {
		t.Fatalf("DeriveSessionKey: %v", err)
	}
	c, err := NewCipher(key)
	if err != nil {
		t.Fatalf("NewCipher: %v", err)
	}

	plaintext := []byte("hello room")
	sealed, err := c.Seal(plaintext)
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	if bytes.Contains(sealed, plaintext) {
		t.Fatalf("sealed buffer should not contain the plaintext verbatim")
	}

	opened, err := c.Open(sealed)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if !bytes.Equal(opened, plaintext) {
		t.Fatalf("got %v, want %v", opened, plaintext)
	}
}

func TestCipherOpenRejectsTamperedBuffer(t *testing.T) {
	key, _ := DeriveSessionKey([]byte("a"), []byte("b"))
	c, _ := NewCipher(key)

	sealed, err := c.Seal([]byte("hello room"))
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	tampered := append([]byte{}, sealed...)
	tampered[len(tampered)-1] ^= 0xff

	if _, err := c.Open(tampered); !errors.Is(err, chaterr.ErrDecryptFailed) {
		t.Fatalf("want ErrDecryptFailed, got %v", err)
	}
}

func TestCipherOpenRejectsWrongKey(t *testing.T) {
	keyA, _ := DeriveSessionKey([]byte("a"), []byte("b"))
	keyB, _ := DeriveSessionKey([]byte("x"), []byte("y"))

	cA, _ := NewCipher(keyA)
	cB, _ := NewCipher(keyB)

	sealed, err := cA.Seal([]byte("hello room"))
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	if _, err := cB.Open(sealed); !errors.Is(err, chaterr.ErrDecryptFailed) {
		t.Fatalf("want ErrDecryptFailed, got %v", err)
	}
}

func TestCipherOpenRejectsShortBuffer(t *testing.T) {
	key, _ := DeriveSessionKey([]byte("a"), []byte("b"))
	c, _ := NewCipher(key)
	if _, err := c.Open([]byte{1, 2, 3}); !errors.Is(err, chaterr.ErrDecryptFailed) {
		t.Fatalf("want ErrDecryptFailed, got %v", err)
	}
}
