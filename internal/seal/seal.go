// Package seal protects persisted mappings. A Sealer can encrypt mapping
// records at rest with NaCl secretbox and sign them with a secp256k1 key so
// that a tampered or foreign mapping file is rejected on load.
package seal

import (
	"crypto/ecdsa"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"golang.org/x/crypto/nacl/secretbox"
)

var (
	// ErrNoKey is returned by Seal and Open when no encryption key is set.
	ErrNoKey = errors.New("seal: no encryption key configured")
	// ErrDecrypt means the ciphertext was not produced under this key.
	ErrDecrypt = errors.New("seal: decryption failed")
	// ErrBadSignature means a signature is malformed, does not match the
	// payload, or was made by a key other than ours.
	ErrBadSignature = errors.New("seal: bad signature")
)

const nonceSize = 24

// Sealer holds the optional encryption and signing keys. The zero value is
// usable and does nothing: Encrypts and Signs both report false.
type Sealer struct {
	box  *[32]byte
	sign *ecdsa.PrivateKey
	addr common.Address
}

// New creates a Sealer from hex-encoded keys (0x prefix optional). Either key
// may be empty to disable that half.
func New(encKeyHex, signKeyHex string) (*Sealer, error) {
	s := &Sealer{}
	if encKeyHex != "" {
		raw, err := decodeKey(encKeyHex)
		if err != nil {
			return nil, fmt.Errorf("seal: encryption key: %w", err)
		}
		s.box = new([32]byte)
		copy(s.box[:], raw)
	}
	if signKeyHex != "" {
		raw, err := decodeKey(signKeyHex)
		if err != nil {
			return nil, fmt.Errorf("seal: signing key: %w", err)
		}
		key, err := crypto.ToECDSA(raw)
		if err != nil {
			return nil, fmt.Errorf("seal: signing key: %w", err)
		}
		s.sign = key
		s.addr = crypto.PubkeyToAddress(key.PublicKey)
	}
	return s, nil
}

func decodeKey(h string) ([]byte, error) {
	raw, err := hex.DecodeString(strings.TrimPrefix(strings.TrimSpace(h), "0x"))
	if err != nil {
		return nil, fmt.Errorf("invalid hex: %w", err)
	}
	if len(raw) != 32 {
		return nil, fmt.Errorf("key must be 32 bytes, got %d", len(raw))
	}
	return raw, nil
}

// Encrypts reports whether an encryption key is configured.
func (s *Sealer) Encrypts() bool { return s != nil && s.box != nil }

// Signs reports whether a signing key is configured.
func (s *Sealer) Signs() bool { return s != nil && s.sign != nil }

// Address returns the checksummed address of the signing key, or "".
func (s *Sealer) Address() string {
	if !s.Signs() {
		return ""
	}
	return s.addr.Hex()
}

// Seal encrypts plaintext. The output is nonce || box.
func (s *Sealer) Seal(plaintext []byte) ([]byte, error) {
	if !s.Encrypts() {
		return nil, ErrNoKey
	}
	var nonce [nonceSize]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return nil, fmt.Errorf("seal: nonce: %w", err)
	}
	return secretbox.Seal(nonce[:], plaintext, &nonce, s.box), nil
}

// Open reverses Seal.
func (s *Sealer) Open(sealed []byte) ([]byte, error) {
	if !s.Encrypts() {
		return nil, ErrNoKey
	}
	if len(sealed) < nonceSize+secretbox.Overhead {
		return nil, ErrDecrypt
	}
	var nonce [nonceSize]byte
	copy(nonce[:], sealed[:nonceSize])
	out, ok := secretbox.Open(nil, sealed[nonceSize:], &nonce, s.box)
	if !ok {
		return nil, ErrDecrypt
	}
	return out, nil
}

// SealString is Seal with base64 output, for text columns and JSON fields.
func (s *Sealer) SealString(plaintext string) (string, error) {
	b, err := s.Seal([]byte(plaintext))
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(b), nil
}

// OpenString reverses SealString.
func (s *Sealer) OpenString(sealed string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(sealed)
	if err != nil {
		return "", ErrDecrypt
	}
	b, err := s.Open(raw)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// Sign returns a base64 recoverable secp256k1 signature over
// Keccak256(payload) and the signer's address. It returns empty strings
// when no signing key is configured.
func (s *Sealer) Sign(payload []byte) (sig, signer string, err error) {
	if !s.Signs() {
		return "", "", nil
	}
	raw, err := crypto.Sign(crypto.Keccak256(payload), s.sign)
	if err != nil {
		return "", "", fmt.Errorf("seal: sign: %w", err)
	}
	return base64.StdEncoding.EncodeToString(raw), s.addr.Hex(), nil
}

// Verify checks that sig is a signature over payload by signer. When this
// Sealer has a signing key, signer must also be its own address.
func (s *Sealer) Verify(payload []byte, sig, signer string) error {
	raw, err := base64.StdEncoding.DecodeString(sig)
	if err != nil || len(raw) != crypto.SignatureLength {
		return ErrBadSignature
	}
	if !common.IsHexAddress(signer) {
		return ErrBadSignature
	}
	pub, err := crypto.SigToPub(crypto.Keccak256(payload), raw)
	if err != nil {
		return ErrBadSignature
	}
	want := common.HexToAddress(signer)
	if crypto.PubkeyToAddress(*pub) != want {
		return ErrBadSignature
	}
	if s.Signs() && want != s.addr {
		return fmt.Errorf("%w: signed by %s, expected %s", ErrBadSignature, want.Hex(), s.addr.Hex())
	}
	return nil
}
