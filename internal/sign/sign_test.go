package sign

import (
	"testing"
)

type testRecord struct {
	B         int    `json:"b"`
	A         int    `json:"a"`
	Signature string `json:"signature,omitempty"`
}

func TestKeyPairPEMRoundTrip(t *testing.T) {
	priv, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair: %v", err)
	}

	privPEM, err := MarshalPrivateKeyPEM(priv)
	if err != nil {
		t.Fatalf("MarshalPrivateKeyPEM: %v", err)
	}
	loaded, err := LoadPrivateKeyPEM(privPEM, nil)
	if err != nil {
		t.Fatalf("LoadPrivateKeyPEM: %v", err)
	}
	if loaded.N.Cmp(priv.N) != 0 {
		t.Fatal("loaded private key modulus does not match original")
	}

	pubPEM, err := MarshalPublicKeyPEM(&priv.PublicKey)
	if err != nil {
		t.Fatalf("MarshalPublicKeyPEM: %v", err)
	}
	pub, err := LoadPublicKeyPEM(pubPEM)
	if err != nil {
		t.Fatalf("LoadPublicKeyPEM: %v", err)
	}
	if pub.N.Cmp(priv.N) != 0 {
		t.Fatal("loaded public key modulus does not match original")
	}
}

func TestEncryptedPrivateKeyRoundTrip(t *testing.T) {
	priv, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair: %v", err)
	}

	pass := []byte("correct horse battery staple")
	encPEM, err := MarshalPrivateKeyPEMEncrypted(priv, pass)
	if err != nil {
		t.Fatalf("MarshalPrivateKeyPEMEncrypted: %v", err)
	}

	loaded, err := LoadPrivateKeyPEM(encPEM, pass)
	if err != nil {
		t.Fatalf("LoadPrivateKeyPEM with correct passphrase: %v", err)
	}
	if loaded.N.Cmp(priv.N) != 0 {
		t.Fatal("loaded private key modulus does not match original")
	}

	if _, err := LoadPrivateKeyPEM(encPEM, []byte("wrong passphrase")); err == nil {
		t.Fatal("expected error for wrong passphrase")
	}
}

func TestSignVerifyRoundTrip(t *testing.T) {
	priv, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair: %v", err)
	}

	record := testRecord{A: 1, B: 2}
	sigB64, err := Sign(priv, record)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}

	if err := Verify(&priv.PublicKey, record, sigB64); err != nil {
		t.Fatalf("Verify of a valid signature failed: %v", err)
	}
}

func TestVerifyRejectsTamperedRecord(t *testing.T) {
	priv, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair: %v", err)
	}

	record := testRecord{A: 1, B: 2}
	sigB64, err := Sign(priv, record)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}

	tampered := testRecord{A: 1, B: 3}
	if err := Verify(&priv.PublicKey, tampered, sigB64); err == nil {
		t.Fatal("expected verification failure for tampered record")
	}
}

func TestCanonicalizationIsStableUnderKeyOrder(t *testing.T) {
	// testRecord declares b before a; this struct declares a before b,
	// so the two marshal with their keys in opposite orders.
	a := testRecord{A: 1, B: 2, Signature: "should be stripped"}
	b := struct {
		A int `json:"a"`
		B int `json:"b"`
	}{A: 1, B: 2}

	equal, err := CanonicalEqual(a, b)
	if err != nil {
		t.Fatalf("CanonicalEqual: %v", err)
	}
	if !equal {
		t.Fatal("canonical forms should match regardless of struct field order and ignore signature")
	}
}
