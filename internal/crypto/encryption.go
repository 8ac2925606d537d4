package crypto

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"sync"
	"unicode/utf8"

	"golang.org/x/crypto/pbkdf2"
)

const (
	// ivSize is the number of ownerID bytes used as the CBC IV.
	ivSize = 16
	// keyIterations is the PBKDF2 iteration count for per-mailbox keys.
	keyIterations = 100000
	keySize       = 32
	tagSize       = sha256.Size
)

var errBadPadding = errors.New("bad padding")

// Vault encrypts secrets at rest, keyed per mailbox and owner.
//
// Two keys are derived from the server secret with the mailbox ID as salt: one for
// AES-256-CBC, one for HMAC-SHA256. The first 16 bytes of the owner ID are the IV.
// The tag covers the mailbox ID, the IV and the ciphertext, so a wrong mailbox or owner
// is always detected. Output is base64(ciphertext || tag).
//
// Neither Encrypt nor Decrypt ever fails. When encryption is not possible the input is
// returned unchanged, and when decryption fails the ciphertext is returned unchanged.
// Callers cannot tell "not encrypted" from "wrong key" apart, and rely on that.
type Vault struct {
	secret []byte

	mu   sync.Mutex
	keys map[string]mailboxKeys
}

type mailboxKeys struct {
	enc []byte
	mac []byte
}

// NewVault creates a new Vault with the given base64-encoded 32-byte server secret.
func NewVault(base64Secret string) (*Vault, error) {
	secret, err := base64.StdEncoding.DecodeString(base64Secret)
	if err != nil {
		return nil, fmt.Errorf("failed to decode encryption key: %w", err)
	}

	if len(secret) != keySize {
		return nil, fmt.Errorf("encryption key must be 32 bytes (256 bits), got %d bytes", len(secret))
	}

	return &Vault{secret: secret, keys: make(map[string]mailboxKeys)}, nil
}

// Encrypt encrypts secret for the given mailbox and owner and returns it base64-encoded.
// Returns secret unchanged if it is empty, if ownerID is shorter than 16 characters,
// or if the cipher cannot be set up.
func (v *Vault) Encrypt(secret, mailboxID, ownerID string) string {
	if secret == "" || !usableOwner(ownerID) {
		return secret
	}

	keys := v.keysFor(mailboxID)
	block, err := aes.NewCipher(keys.enc)
	if err != nil {
		return secret
	}

	iv := []byte(ownerID[:ivSize])
	sealed := pad([]byte(secret), aes.BlockSize)
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(sealed, sealed)

	sealed = append(sealed, tag(keys.mac, mailboxID, iv, sealed)...)
	return base64.StdEncoding.EncodeToString(sealed)
}

// Decrypt reverses Encrypt. On any failure (malformed input, wrong mailbox, wrong owner)
// it returns ciphertext unchanged.
func (v *Vault) Decrypt(ciphertext, mailboxID, ownerID string) string {
	if ciphertext == "" || !usableOwner(ownerID) {
		return ciphertext
	}

	raw, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return ciphertext
	}

	body := len(raw) - tagSize
	if body < aes.BlockSize || body%aes.BlockSize != 0 {
		return ciphertext
	}

	keys := v.keysFor(mailboxID)
	iv := []byte(ownerID[:ivSize])
	if !hmac.Equal(raw[body:], tag(keys.mac, mailboxID, iv, raw[:body])) {
		return ciphertext
	}

	block, err := aes.NewCipher(keys.enc)
	if err != nil {
		return ciphertext
	}

	plaintext := make([]byte, body)
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(plaintext, raw[:body])

	plaintext, err = unpad(plaintext, aes.BlockSize)
	if err != nil {
		return ciphertext
	}

	return string(plaintext)
}

// usableOwner reports whether ownerID has the 16 characters needed for an IV.
func usableOwner(ownerID string) bool {
	return utf8.RuneCountInString(ownerID) >= ivSize
}

func tag(key []byte, mailboxID string, iv, ciphertext []byte) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(mailboxID))
	mac.Write(iv)
	mac.Write(ciphertext)
	return mac.Sum(nil)
}

// pad applies PKCS#7 padding.
func pad(data []byte, blockSize int) []byte {
	n := blockSize - len(data)%blockSize
	return append(bytes.Clone(data), bytes.Repeat([]byte{byte(n)}, n)...)
}

func unpad(data []byte, blockSize int) ([]byte, error) {
	if len(data) == 0 || len(data)%blockSize != 0 {
		return nil, errBadPadding
	}
	n := int(data[len(data)-1])
	if n == 0 || n > blockSize {
		return nil, errBadPadding
	}
	for _, b := range data[len(data)-n:] {
		if int(b) != n {
			return nil, errBadPadding
		}
	}
	return data[:len(data)-n], nil
}

func (v *Vault) keysFor(mailboxID string) mailboxKeys {
	v.mu.Lock()
	defer v.mu.Unlock()

	if keys, ok := v.keys[mailboxID]; ok {
		return keys
	}

	material := pbkdf2.Key(v.secret, []byte(mailboxID), keyIterations, 2*keySize, sha256.New)
	keys := mailboxKeys{enc: material[:keySize], mac: material[keySize:]}
	v.keys[mailboxID] = keys
	return keys
}
