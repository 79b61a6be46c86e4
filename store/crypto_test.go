package store

import "testing"

func TestCryptoRoundTrip(t *testing.T) {
	c, err := NewCrypto("test-key-material")
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	enc, err := c.Encrypt("access-sandbox-123")
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	if !c.IsEncrypted(enc) {
		t.Fatalf("ciphertext lacks prefix: %q", enc)
	}
	if enc == "access-sandbox-123" {
		t.Fatal("value not encrypted")
	}

	// encrypting an already-encrypted value is a no-op
	again, err := c.Encrypt(enc)
	if err != nil {
		t.Fatalf("re-encrypt: %v", err)
	}
	if again != enc {
		t.Fatal("double encryption changed the value")
	}

	plain, err := c.Decrypt(enc)
	if err != nil {
		t.Fatalf("decrypt: %v", err)
	}
	if plain != "access-sandbox-123" {
		t.Fatalf("plain = %q", plain)
	}
}

func TestCryptoNilPassthrough(t *testing.T) {
	c, err := NewCrypto("")
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if c != nil {
		t.Fatal("empty key should disable encryption")
	}

	enc, err := c.Encrypt("value")
	if err != nil || enc != "value" {
		t.Fatalf("enc = %q, err = %v", enc, err)
	}
	dec, err := c.Decrypt("value")
	if err != nil || dec != "value" {
		t.Fatalf("dec = %q, err = %v", dec, err)
	}
}

func TestCryptoWrongKeyFails(t *testing.T) {
	a, _ := NewCrypto("key-a")
	b, _ := NewCrypto("key-b")

	enc, err := a.Encrypt("secret")
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	if _, err := b.Decrypt(enc); err == nil {
		t.Fatal("decrypt with wrong key succeeded")
	}
}
