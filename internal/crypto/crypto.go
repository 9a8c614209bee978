// Package crypto provides content hashing, key derivation, and
// authenticated encryption for backup archives.
package crypto

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/pbkdf2"
)

const (
	// KeySize is the size of the AES-256 key (32 bytes).
	KeySize = 32

	// SaltSize is the size of the random per-key salt.
	SaltSize = 16

	// NonceSize is the size of the AES-GCM nonce (12 bytes standard).
	NonceSize = 12

	// DefaultIterations is the PBKDF2 iteration count. High enough to
	// resist brute force on the backup password.
	DefaultIterations = 100_000

	// AlgorithmAESGCM identifies the envelope encryption algorithm.
	AlgorithmAESGCM = "aes-256-gcm"
)

// envelopeMagic prefixes every serialized envelope so encrypted archives
// are recognizable without decryption.
var envelopeMagic = []byte("SGE1")

var (
	// ErrIntegrity indicates tampering or corruption: the authentication
	// tag did not verify, or the post-decryption checksum did not match.
	ErrIntegrity = errors.New("integrity check failed")
	// ErrWrongKey indicates decryption was attempted with the wrong key.
	ErrWrongKey = errors.New("wrong decryption key")
	// ErrInvalidEnvelope indicates the data is not a valid encryption envelope.
	ErrInvalidEnvelope = errors.New("invalid encryption envelope")
)

// Key holds derived key material for envelope encryption.
// Key material is never persisted in plaintext and never logged.
type Key struct {
	ID         string
	Material   []byte
	Salt       []byte
	Iterations int
	CreatedAt  time.Time
	Active     bool
}

// Hash computes the hex-encoded SHA-256 digest of the given bytes.
// Used for integrity and change detection, not secrecy.
func Hash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// HashFile computes the hex-encoded SHA-256 digest of a file's contents.
func HashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// DeriveKey derives key material from a password and salt using PBKDF2.
// The same (password, salt, iterations) always yields the same key.
func DeriveKey(password string, salt []byte, iterations int) []byte {
	return pbkdf2.Key([]byte(password), salt, iterations, KeySize, sha256.New)
}

// NewSalt generates a random per-key salt.
func NewSalt() ([]byte, error) {
	salt := make([]byte, SaltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, fmt.Errorf("generate salt: %w", err)
	}
	return salt, nil
}

// NewKey derives a new key from the given password with a fresh random salt.
func NewKey(password string) (*Key, error) {
	salt, err := NewSalt()
	if err != nil {
		return nil, err
	}
	return NewKeyWithSalt(password, salt, DefaultIterations), nil
}

// NewKeyWithSalt derives a key deterministically from password, salt, and
// iteration count.
func NewKeyWithSalt(password string, salt []byte, iterations int) *Key {
	return &Key{
		ID:         uuid.NewString(),
		Material:   DeriveKey(password, salt, iterations),
		Salt:       salt,
		Iterations: iterations,
		CreatedAt:  time.Now().UTC(),
		Active:     true,
	}
}

// checkValue derives a short key check value bound to the nonce. It lets
// Decrypt distinguish a wrong key from a tampered ciphertext.
func checkValue(material, nonce []byte) string {
	h := sha256.New()
	h.Write(material)
	h.Write(nonce)
	return hex.EncodeToString(h.Sum(nil))[:16]
}

// Envelope carries a ciphertext together with everything needed to verify
// it structurally without decryption and to decrypt it later: algorithm id,
// key id, KDF parameters, nonce, the original logical filename (bound as
// associated data so swapping encrypted payloads between files is
// detectable), and the plaintext checksum.
type Envelope struct {
	Algorithm         string `json:"algorithm"`
	KeyID             string `json:"key_id"`
	Salt              []byte `json:"salt"`
	Iterations        int    `json:"iterations"`
	Nonce             []byte `json:"nonce"`
	Filename          string `json:"filename"`
	KeyCheck          string `json:"key_check"`
	PlaintextChecksum string `json:"plaintext_checksum"`
	Ciphertext        []byte `json:"-"`
}

// Encrypt seals plaintext with AES-256-GCM under the given key. The
// filename is bound as associated data and recorded in the envelope.
func Encrypt(plaintext []byte, key *Key, filename string) (*Envelope, error) {
	block, err := aes.NewCipher(key.Material)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create GCM: %w", err)
	}

	nonce := make([]byte, NonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}

	return &Envelope{
		Algorithm:         AlgorithmAESGCM,
		KeyID:             key.ID,
		Salt:              key.Salt,
		Iterations:        key.Iterations,
		Nonce:             nonce,
		Filename:          filename,
		KeyCheck:          checkValue(key.Material, nonce),
		PlaintextChecksum: Hash(plaintext),
		Ciphertext:        gcm.Seal(nil, nonce, plaintext, []byte(filename)),
	}, nil
}

// Decrypt opens an envelope with the given key. A key whose check value
// does not match returns ErrWrongKey; an authentication tag or checksum
// mismatch returns ErrIntegrity.
func Decrypt(env *Envelope, key *Key) ([]byte, error) {
	if env.Algorithm != AlgorithmAESGCM {
		return nil, fmt.Errorf("%w: unsupported algorithm %q", ErrInvalidEnvelope, env.Algorithm)
	}
	if env.KeyCheck != "" && env.KeyCheck != checkValue(key.Material, env.Nonce) {
		return nil, ErrWrongKey
	}

	block, err := aes.NewCipher(key.Material)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create GCM: %w", err)
	}

	plaintext, err := gcm.Open(nil, env.Nonce, env.Ciphertext, []byte(env.Filename))
	if err != nil {
		return nil, ErrIntegrity
	}
	if Hash(plaintext) != env.PlaintextChecksum {
		return nil, ErrIntegrity
	}
	return plaintext, nil
}

// Marshal serializes the envelope as magic + header length + JSON header +
// ciphertext.
func (e *Envelope) Marshal() ([]byte, error) {
	header, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("marshal envelope header: %w", err)
	}

	var buf bytes.Buffer
	buf.Write(envelopeMagic)
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(header)))
	buf.Write(lenBuf[:])
	buf.Write(header)
	buf.Write(e.Ciphertext)
	return buf.Bytes(), nil
}

// ParseEnvelope deserializes an envelope produced by Marshal.
func ParseEnvelope(data []byte) (*Envelope, error) {
	if len(data) < len(envelopeMagic)+4 || !bytes.Equal(data[:len(envelopeMagic)], envelopeMagic) {
		return nil, ErrInvalidEnvelope
	}
	headerLen := binary.BigEndian.Uint32(data[len(envelopeMagic) : len(envelopeMagic)+4])
	headerStart := len(envelopeMagic) + 4
	if uint32(len(data)-headerStart) < headerLen {
		return nil, ErrInvalidEnvelope
	}

	var env Envelope
	if err := json.Unmarshal(data[headerStart:headerStart+int(headerLen)], &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEnvelope, err)
	}
	env.Ciphertext = data[headerStart+int(headerLen):]
	return &env, nil
}

// IsEnvelope reports whether the data carries the envelope magic prefix.
func IsEnvelope(data []byte) bool {
	return len(data) >= len(envelopeMagic) && bytes.Equal(data[:len(envelopeMagic)], envelopeMagic)
}
