package gateway

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"strings"
)

const (
	keySize   = 32
	ivSize    = 16
	blockSize = aes.BlockSize
)

var (
	ErrConfiguration = errors.New("gateway configuration error")
	ErrFormat        = errors.New("invalid encrypted data format")
)

// Envelope encrypts and decrypts gateway payloads with AES-256-CBC under a fixed
// key and IV. Padding is applied by hand and ciphertext travels as uppercase hex.
type Envelope struct {
	block cipher.Block
	iv    []byte
}

func NewEnvelope(secretKey, iv []byte) (*Envelope, error) {
	if len(secretKey) != keySize {
		return nil, fmt.Errorf("%w: secret key must be %d bytes, got %d", ErrConfiguration, keySize, len(secretKey))
	}
	if len(iv) != ivSize {
		return nil, fmt.Errorf("%w: iv must be %d bytes, got %d", ErrConfiguration, ivSize, len(iv))
	}
	block, err := aes.NewCipher(secretKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConfiguration, err)
	}
	return &Envelope{block: block, iv: bytes.Clone(iv)}, nil
}

func (e *Envelope) Encrypt(plain []byte) string {
	padded := pad(plain)
	out := make([]byte, len(padded))
	cipher.NewCBCEncrypter(e.block, e.iv).CryptBlocks(out, padded)
	return strings.ToUpper(hex.EncodeToString(out))
}

// Decrypt accepts hex that may still be URL-encoded or surrounded by whitespace.
func (e *Envelope) Decrypt(encoded []byte) ([]byte, error) {
	s := string(encoded)
	if unescaped, err := url.QueryUnescape(s); err == nil {
		s = unescaped
	}
	s = strings.TrimSpace(s)
	if s == "" || len(s)%2 != 0 {
		return nil, ErrFormat
	}
	raw, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFormat, err)
	}
	if len(raw)%blockSize != 0 {
		return nil, fmt.Errorf("%w: ciphertext is not a multiple of the block size", ErrFormat)
	}
	out := make([]byte, len(raw))
	cipher.NewCBCDecrypter(e.block, e.iv).CryptBlocks(out, raw)
	return unpad(out), nil
}

func pad(data []byte) []byte {
	n := blockSize - len(data)%blockSize
	out := make([]byte, len(data), len(data)+n)
	copy(out, data)
	return append(out, bytes.Repeat([]byte{byte(n)}, n)...)
}

// unpad strips the trailing pad when its length byte is plausible and otherwise
// returns the input unchanged.
func unpad(data []byte) []byte {
	if len(data) == 0 {
		return data
	}
	n := int(data[len(data)-1])
	if n < 1 || n > blockSize || n > len(data) {
		return data
	}
	return data[:len(data)-n]
}

// sanitize keeps tab, LF, CR and printable ASCII.
func sanitize(data []byte) []byte {
	out := make([]byte, 0, len(data))
	for _, c := range data {
		if c == '\t' || c == '\n' || c == '\r' || (c >= 0x20 && c <= 0x7E) {
			out = append(out, c)
		}
	}
	return out
}
