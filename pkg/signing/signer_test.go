package signing

import "testing"

func TestSignerRoundTrip(t *testing.T) {
	signer, err := NewSigner()
	if err != nil {
		t.Fatalf("Failed to create signer: %v", err)
	}

	restored, err := FromHex(signer.PrivateKeyHex())
	if err != nil {
		t.Fatalf("Failed to restore signer: %v", err)
	}
	if restored.PublicKeyHex() != signer.PublicKeyHex() {
		t.Fatal("Restored signer has a different public key")
	}

	msg := []byte("candidate block header")
	sig := signer.Sign(msg)
	ok, err := Verify(signer.PublicKeyHex(), msg, sig)
	if err != nil || !ok {
		t.Fatalf("Expected signature to verify, got ok=%v err=%v", ok, err)
	}
	ok, err = Verify(signer.PublicKeyHex(), []byte("tampered"), sig)
	if err != nil || ok {
		t.Fatalf("Expected tampered message to fail, got ok=%v err=%v", ok, err)
	}
}

func TestFromHexRejectsGarbage(t *testing.T) {
	if _, err := FromHex("not hex"); err == nil {
		t.Fatal("Expected non-hex input to fail")
	}
	if _, err := FromHex("abcd"); err == nil {
		t.Fatal("Expected short key to fail")
	}
}
