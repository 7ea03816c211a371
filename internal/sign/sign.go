// Package sign implements C3: canonical JSON rendering of a
// FileRecord, RSA-4096 PSS sign/verify over its SHA-256, and
// PKCS#8/SubjectPublicKeyInfo PEM key I/O.
//
// Key derivation and the "derive a secret, report its fingerprint"
// shape are adapted from the teacher's own password-protection code;
// here they protect an exported private key instead of a steganography
// payload.
package sign

import (
	"bytes"
	"crypto"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"encoding/pem"
	"fmt"

	"golang.org/x/crypto/pbkdf2"

	"github.com/faanross/babelstorage/internal/bserr"
	"github.com/faanross/babelstorage/internal/spec"
)

const (
	pemTypePrivateKey          = "PRIVATE KEY"
	pemTypePublicKey           = "PUBLIC KEY"
	pemTypeEncryptedPrivateKey = "BABELSTORAGE ENCRYPTED PRIVATE KEY"

	pbkdf2Iterations = 200000
	aesKeySize       = 32
	saltSize         = 16
	nonceSize        = 12
)

// GenerateKeyPair produces a fresh RSA-4096 key pair (§3.1 KeyPair).
func GenerateKeyPair() (*rsa.PrivateKey, error) {
	priv, err := rsa.GenerateKey(rand.Reader, spec.RSAKeyBits)
	if err != nil {
		return nil, bserr.New(bserr.BadKey, "key generation failed", err)
	}
	return priv, nil
}

// MarshalPrivateKeyPEM renders priv as an unencrypted PKCS#8 PEM block.
func MarshalPrivateKeyPEM(priv *rsa.PrivateKey) ([]byte, error) {
	der, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return nil, bserr.New(bserr.BadKey, "PKCS8 marshal failed", err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: pemTypePrivateKey, Bytes: der}), nil
}

// MarshalPrivateKeyPEMEncrypted renders priv as a passphrase-protected
// PEM block: PKCS#8 DER sealed with AES-256-GCM, key derived from
// passphrase via PBKDF2-SHA256, salt and nonce carried as PEM headers.
func MarshalPrivateKeyPEMEncrypted(priv *rsa.PrivateKey, passphrase []byte) ([]byte, error) {
	der, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return nil, bserr.New(bserr.BadKey, "PKCS8 marshal failed", err)
	}

	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, bserr.New(bserr.BadKey, "salt generation failed", err)
	}
	key := pbkdf2.Key(passphrase, salt, pbkdf2Iterations, aesKeySize, sha256.New)

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, bserr.New(bserr.BadKey, "cipher init failed", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, bserr.New(bserr.BadKey, "GCM init failed", err)
	}
	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, bserr.New(bserr.BadKey, "nonce generation failed", err)
	}

	sealed := gcm.Seal(nil, nonce, der, nil)

	return pem.EncodeToMemory(&pem.Block{
		Type: pemTypeEncryptedPrivateKey,
		Headers: map[string]string{
			"Salt":  hex.EncodeToString(salt),
			"Nonce": hex.EncodeToString(nonce),
		},
		Bytes: sealed,
	}), nil
}

// LoadPrivateKeyPEM parses a PEM block produced by either
// MarshalPrivateKeyPEM or MarshalPrivateKeyPEMEncrypted. passphrase is
// ignored for unencrypted blocks and required for encrypted ones.
func LoadPrivateKeyPEM(data []byte, passphrase []byte) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, bserr.New(bserr.BadKey, "no PEM block found", nil)
	}

	der := block.Bytes
	switch block.Type {
	case pemTypePrivateKey:
		// unencrypted, fall through
	case pemTypeEncryptedPrivateKey:
		saltHex, nonceHex := block.Headers["Salt"], block.Headers["Nonce"]
		salt, err := hex.DecodeString(saltHex)
		if err != nil {
			return nil, bserr.New(bserr.BadKey, "malformed salt header", err)
		}
		nonce, err := hex.DecodeString(nonceHex)
		if err != nil {
			return nil, bserr.New(bserr.BadKey, "malformed nonce header", err)
		}
		key := pbkdf2.Key(passphrase, salt, pbkdf2Iterations, aesKeySize, sha256.New)
		aesBlock, err := aes.NewCipher(key)
		if err != nil {
			return nil, bserr.New(bserr.BadKey, "cipher init failed", err)
		}
		gcm, err := cipher.NewGCM(aesBlock)
		if err != nil {
			return nil, bserr.New(bserr.BadKey, "GCM init failed", err)
		}
		plain, err := gcm.Open(nil, nonce, der, nil)
		if err != nil {
			return nil, bserr.New(bserr.BadKey, "wrong passphrase or corrupted key file", err)
		}
		der = plain
	default:
		return nil, bserr.New(bserr.BadKey, fmt.Sprintf("unrecognized PEM block type %q", block.Type), nil)
	}

	key, err := x509.ParsePKCS8PrivateKey(der)
	if err != nil {
		return nil, bserr.New(bserr.BadKey, "PKCS8 parse failed", err)
	}
	rsaKey, ok := key.(*rsa.PrivateKey)
	if !ok {
		return nil, bserr.New(bserr.BadKey, "key is not RSA", nil)
	}
	return rsaKey, nil
}

// MarshalPublicKeyPEM renders pub as a SubjectPublicKeyInfo PEM block.
func MarshalPublicKeyPEM(pub *rsa.PublicKey) ([]byte, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return nil, bserr.New(bserr.BadKey, "PKIX marshal failed", err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: pemTypePublicKey, Bytes: der}), nil
}

// LoadPublicKeyPEM parses a SubjectPublicKeyInfo PEM block.
func LoadPublicKeyPEM(data []byte) (*rsa.PublicKey, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, bserr.New(bserr.BadKey, "no PEM block found", nil)
	}
	key, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, bserr.New(bserr.BadKey, "PKIX parse failed", err)
	}
	rsaKey, ok := key.(*rsa.PublicKey)
	if !ok {
		return nil, bserr.New(bserr.BadKey, "key is not RSA", nil)
	}
	return rsaKey, nil
}

// Fingerprint reports the hex SHA-256 of pub's PKIX DER encoding, for
// FileRecord.public_key_fingerprint.
func Fingerprint(pub *rsa.PublicKey) (string, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return "", bserr.New(bserr.BadKey, "PKIX marshal failed", err)
	}
	sum := sha256.Sum256(der)
	return hex.EncodeToString(sum[:]), nil
}

// Canonicalize renders v (normally a FileRecord) as canonical JSON per
// §4.3: the "signature" field removed, object keys sorted
// lexicographically at every level, no insignificant whitespace.
// encoding/json already sorts map[string]interface{} keys on marshal,
// so the canonical form is obtained by round-tripping through a
// generic map.
func Canonicalize(v interface{}) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("canonicalize: marshal failed: %w", err)
	}

	var generic interface{}
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, fmt.Errorf("canonicalize: unmarshal failed: %w", err)
	}

	if m, ok := generic.(map[string]interface{}); ok {
		delete(m, "signature")
	}

	canonical, err := json.Marshal(generic)
	if err != nil {
		return nil, fmt.Errorf("canonicalize: re-marshal failed: %w", err)
	}
	return canonical, nil
}

// Sign canonicalizes record, hashes it with SHA-256, and signs with
// RSA-PSS (MGF1-SHA256, salt length == hash length), returning the
// base64-encoded signature for FileRecord.signature.
func Sign(priv *rsa.PrivateKey, record interface{}) (string, error) {
	canonical, err := Canonicalize(record)
	if err != nil {
		return "", err
	}
	hash := sha256.Sum256(canonical)

	sig, err := rsa.SignPSS(rand.Reader, priv, crypto.SHA256, hash[:], &rsa.PSSOptions{
		SaltLength: rsa.PSSSaltLengthEqualsHash,
		Hash:       crypto.SHA256,
	})
	if err != nil {
		return "", bserr.New(bserr.BadKey, "RSA-PSS sign failed", err)
	}
	return base64.StdEncoding.EncodeToString(sig), nil
}

// Verify canonicalizes record (ignoring whatever its own Signature
// field currently holds — Canonicalize always strips it) and checks
// signatureB64 against pub.
func Verify(pub *rsa.PublicKey, record interface{}, signatureB64 string) error {
	if signatureB64 == "" {
		return bserr.New(bserr.MissingSignature, "no signature present", nil)
	}

	sig, err := base64.StdEncoding.DecodeString(signatureB64)
	if err != nil {
		return bserr.New(bserr.BadSignature, "signature is not valid base64", err)
	}

	canonical, err := Canonicalize(record)
	if err != nil {
		return err
	}
	hash := sha256.Sum256(canonical)

	err = rsa.VerifyPSS(pub, crypto.SHA256, hash[:], sig, &rsa.PSSOptions{
		SaltLength: rsa.PSSSaltLengthEqualsHash,
		Hash:       crypto.SHA256,
	})
	if err != nil {
		return bserr.New(bserr.BadSignature, "signature verification failed", err)
	}
	return nil
}

// CanonicalEqual reports whether two values canonicalize to the same
// bytes — used by tests to check property 7 (canonicalization
// stability under key reordering).
func CanonicalEqual(a, b interface{}) (bool, error) {
	ca, err := Canonicalize(a)
	if err != nil {
		return false, err
	}
	cb, err := Canonicalize(b)
	if err != nil {
		return false, err
	}
	return bytes.Equal(ca, cb), nil
}
