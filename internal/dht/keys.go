package dht

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"fmt"

	sha256 "github.com/minio/sha256-simd"
)

const (
	// PublicKeySize is the size of an item owner's public key.
	PublicKeySize = 32
	// PrivateKeySize is the size of the ed25519 private key (seed plus
	// public half).
	PrivateKeySize = 64
	// SignatureSize is the size of an item signature.
	SignatureSize = 64
)

// PublicKey identifies the owner of a set of mutable items.
type PublicKey [PublicKeySize]byte

// PrivateKey signs mutable items on behalf of its public key.
type PrivateKey [PrivateKeySize]byte

// Signature authenticates one mutable item at one sequence number.
type Signature [SignatureSize]byte

// Hex returns the lowercase hex encoding of the key.
func (k PublicKey) Hex() string { return hex.EncodeToString(k[:]) }

// Hex returns the lowercase hex encoding of the key.
func (k PrivateKey) Hex() string { return hex.EncodeToString(k[:]) }

// Hex returns the lowercase hex encoding of the signature.
func (s Signature) Hex() string { return hex.EncodeToString(s[:]) }

// PublicKeyFromHex parses a 32-byte public key from hex.
func PublicKeyFromHex(s string) (PublicKey, error) {
	var k PublicKey
	raw, err := hex.DecodeString(s)
	if err != nil {
		return k, fmt.Errorf("dht: bad public key hex: %w", err)
	}
	if len(raw) != PublicKeySize {
		return k, fmt.Errorf("dht: public key must be %d bytes, got %d", PublicKeySize, len(raw))
	}
	copy(k[:], raw)
	return k, nil
}

// PrivateKeyFromHex parses a 64-byte private key from hex.
func PrivateKeyFromHex(s string) (PrivateKey, error) {
	var k PrivateKey
	raw, err := hex.DecodeString(s)
	if err != nil {
		return k, fmt.Errorf("dht: bad private key hex: %w", err)
	}
	if len(raw) != PrivateKeySize {
		return k, fmt.Errorf("dht: private key must be %d bytes, got %d", PrivateKeySize, len(raw))
	}
	copy(k[:], raw)
	return k, nil
}

// KeyPair is an ed25519 keypair for mutable items.
type KeyPair struct {
	Pub  PublicKey
	Priv PrivateKey
}

// MakeNewKeyPair generates a fresh keypair.
func MakeNewKeyPair() (KeyPair, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return KeyPair{}, fmt.Errorf("dht: keypair generation: %w", err)
	}
	var kp KeyPair
	copy(kp.Pub[:], pub)
	copy(kp.Priv[:], priv)
	return kp, nil
}

// signingBuffer is the canonical byte string covered by an item
// signature: length-prefixed salt, big-endian sequence, then the raw
// value. All three inputs are bound so an item cannot be replayed under
// another salt or sequence.
func signingBuffer(value []byte, salt string, seq int64) []byte {
	buf := make([]byte, 0, 2+len(salt)+8+len(value))
	var n [8]byte
	binary.BigEndian.PutUint16(n[:2], uint16(len(salt)))
	buf = append(buf, n[:2]...)
	buf = append(buf, salt...)
	binary.BigEndian.PutUint64(n[:], uint64(seq))
	buf = append(buf, n[:]...)
	buf = append(buf, value...)
	return buf
}

// SignItem signs one mutable item. It is a pure function of its
// arguments; no shared state is captured.
func SignItem(value []byte, salt string, seq int64, pub PublicKey, priv PrivateKey) Signature {
	_ = pub // the public half is embedded in priv; kept for the caller-facing contract
	var sig Signature
	copy(sig[:], ed25519.Sign(ed25519.PrivateKey(priv[:]), signingBuffer(value, salt, seq)))
	return sig
}

// VerifyItem checks an item signature against its owner key.
func VerifyItem(value []byte, salt string, seq int64, pub PublicKey, sig Signature) bool {
	return ed25519.Verify(ed25519.PublicKey(pub[:]), signingBuffer(value, salt, seq), sig[:])
}

// InfoHash derives the correlation-map key for one (pubkey, salt) item.
// It is local to this process and distinct from the overlay's routing
// key.
func InfoHash(pubKeyHex, salt string) string {
	h := sha256.New()
	h.Write([]byte(pubKeyHex))
	h.Write([]byte{':'})
	h.Write([]byte(salt))
	return hex.EncodeToString(h.Sum(nil))
}

// Checksum returns the hex SHA-256 digest of data. Used as the record
// header's integrity metadata.
func Checksum(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
