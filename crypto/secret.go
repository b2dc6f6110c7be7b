package crypto

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

const envelopeKeyInfo = "ntp-relay-envelope-v1"

// DeriveEnvelopeKey expands the hex-encoded shared relay secret into the
// AES-256 envelope key. Both sides of a session derive the same key from
// the secret established out of band.
func DeriveEnvelopeKey(hexSecret string) ([]byte, error) {
	secret, err := hex.DecodeString(hexSecret)
	if err != nil {
		return nil, fmt.Errorf("decode relay secret: %w", err)
	}
	if len(secret) == 0 {
		return nil, errors.New("relay secret is required")
	}

	reader := hkdf.New(sha256.New, secret, nil, []byte(envelopeKeyInfo))
	key := make([]byte, aes256KeySize)
	if _, err := io.ReadFull(reader, key); err != nil {
		return nil, fmt.Errorf("derive envelope key: %w", err)
	}

	return key, nil
}
