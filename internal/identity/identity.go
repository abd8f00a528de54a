// Package identity provides the overlay identity: a curve25519 key pair and
// the shareable address built from its public key.
package identity

import (
	"crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/nacl/box"
)

const (
	// PublicKeySize is the size of a public key in bytes.
	PublicKeySize = 32

	// NoSpamSize is the size of the nospam value in bytes.
	NoSpamSize = 4

	// ChecksumSize is the size of the address checksum in bytes.
	ChecksumSize = 2

	// AddressSize is the size of a full overlay address in bytes.
	AddressSize = PublicKeySize + NoSpamSize + ChecksumSize
)

var (
	// ErrInvalidAddress is returned when an address string cannot be parsed
	// into exactly AddressSize bytes.
	ErrInvalidAddress = errors.New("invalid address")

	// ErrBadChecksum is returned when an address checksum does not match.
	ErrBadChecksum = errors.New("address checksum mismatch")

	// ErrInvalidPublicKey is returned when a public key string is malformed.
	ErrInvalidPublicKey = errors.New("invalid public key")
)

// PublicKey identifies a peer on the overlay.
type PublicKey [PublicKeySize]byte

// ParsePublicKey parses a hex encoded public key.
func ParsePublicKey(s string) (PublicKey, error) {
	var pk PublicKey
	b, err := hex.DecodeString(strings.TrimSpace(s))
	if err != nil {
		return pk, fmt.Errorf("%w: %v", ErrInvalidPublicKey, err)
	}
	if len(b) != PublicKeySize {
		return pk, fmt.Errorf("%w: got %d bytes", ErrInvalidPublicKey, len(b))
	}
	copy(pk[:], b)
	return pk, nil
}

// String returns the upper-case hex representation.
func (pk PublicKey) String() string {
	return strings.ToUpper(hex.EncodeToString(pk[:]))
}

// ShortString returns the first 8 hex characters, for logs.
func (pk PublicKey) ShortString() string {
	return pk.String()[:8]
}

// IsZero reports whether pk is uninitialized.
func (pk PublicKey) IsZero() bool {
	return pk == PublicKey{}
}

// KeyPair is the local identity.
type KeyPair struct {
	Public  PublicKey
	private [32]byte
}

// NewKeyPair generates a fresh identity using crypto/rand.
func NewKeyPair() (*KeyPair, error) {
	pub, priv, err := box.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate key pair: %w", err)
	}
	return &KeyPair{Public: PublicKey(*pub), private: *priv}, nil
}

// Seal encrypts and authenticates msg for peer. The nonce is random and
// returned alongside the ciphertext.
func (kp *KeyPair) Seal(peer PublicKey, msg []byte) (nonce [24]byte, sealed []byte, err error) {
	if _, err = rand.Read(nonce[:]); err != nil {
		return nonce, nil, fmt.Errorf("failed to generate nonce: %w", err)
	}
	peerKey := [32]byte(peer)
	sealed = box.Seal(nil, msg, &nonce, &peerKey, &kp.private)
	return nonce, sealed, nil
}

// Open decrypts a message sealed by peer. It fails if the message was not
// produced by the holder of peer's private key.
func (kp *KeyPair) Open(peer PublicKey, nonce [24]byte, sealed []byte) ([]byte, bool) {
	peerKey := [32]byte(peer)
	return box.Open(nil, sealed, &nonce, &peerKey, &kp.private)
}

// Address is the shareable overlay address: public key, nospam and checksum.
type Address [AddressSize]byte

// NewAddress builds an address for pk with the given nospam value.
func NewAddress(pk PublicKey, nospam uint32) Address {
	var a Address
	copy(a[:PublicKeySize], pk[:])
	binary.BigEndian.PutUint32(a[PublicKeySize:], nospam)
	sum := checksum(a[:PublicKeySize+NoSpamSize])
	copy(a[PublicKeySize+NoSpamSize:], sum[:])
	return a
}

// ParseAddress parses a hex address. Length and hex errors wrap
// ErrInvalidAddress; the checksum is verified separately by Verify.
func ParseAddress(s string) (Address, error) {
	var a Address
	b, err := hex.DecodeString(strings.TrimSpace(s))
	if err != nil {
		return a, fmt.Errorf("%w: %v", ErrInvalidAddress, err)
	}
	if len(b) != AddressSize {
		return a, fmt.Errorf("%w: got %d bytes, expected %d", ErrInvalidAddress, len(b), AddressSize)
	}
	copy(a[:], b)
	return a, nil
}

// PublicKey returns the key part of the address.
func (a Address) PublicKey() PublicKey {
	var pk PublicKey
	copy(pk[:], a[:PublicKeySize])
	return pk
}

// NoSpam returns the nospam part of the address.
func (a Address) NoSpam() uint32 {
	return binary.BigEndian.Uint32(a[PublicKeySize:])
}

// Verify checks the address checksum.
func (a Address) Verify() error {
	sum := checksum(a[:PublicKeySize+NoSpamSize])
	if sum[0] != a[AddressSize-2] || sum[1] != a[AddressSize-1] {
		return ErrBadChecksum
	}
	return nil
}

// String returns the upper-case hex representation.
func (a Address) String() string {
	return strings.ToUpper(hex.EncodeToString(a[:]))
}

// checksum folds data into two bytes by XOR.
func checksum(data []byte) [ChecksumSize]byte {
	var sum [ChecksumSize]byte
	for i, b := range data {
		sum[i%ChecksumSize] ^= b
	}
	return sum
}

// NewNoSpam returns a random nospam value.
func NewNoSpam() (uint32, error) {
	var b [NoSpamSize]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0, fmt.Errorf("failed to generate nospam: %w", err)
	}
	return binary.BigEndian.Uint32(b[:]), nil
}
