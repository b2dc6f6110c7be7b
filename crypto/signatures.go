package crypto

import (
	"crypto/ed25519"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
)

// Sign signs data using an Ed25519 private key.
func Sign(privateKey ed25519.PrivateKey, data []byte) ([]byte, error) {
	if len(privateKey) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("invalid Ed25519 private key length: got %d want %d", len(privateKey), ed25519.PrivateKeySize)
	}
	if len(data) == 0 {
		return nil, errors.New("data is required")
	}

	return ed25519.Sign(privateKey, data), nil
}

// Verify verifies an Ed25519 signature.
func Verify(publicKey ed25519.PublicKey, data, signature []byte) bool {
	if len(publicKey) != ed25519.PublicKeySize {
		return false
	}
	if len(data) == 0 {
		return false
	}
	if len(signature) != ed25519.SignatureSize {
		return false
	}

	return ed25519.Verify(publicKey, data, signature)
}

// SignArtifactHex signs artifact bytes and returns the hex signature used
// in update metadata.
func SignArtifactHex(privateKey ed25519.PrivateKey, artifact []byte) (string, error) {
	signature, err := Sign(privateKey, artifact)
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(signature), nil
}

// VerifyArtifactHex verifies the exact artifact bytes against a hex
// signature from update metadata.
func VerifyArtifactHex(publicKey ed25519.PublicKey, artifact []byte, hexSignature string) bool {
	signature, err := hex.DecodeString(hexSignature)
	if err != nil {
		return false
	}
	return Verify(publicKey, artifact, signature)
}

// VerifyArtifactFile verifies a file on disk against a hex signature.
func VerifyArtifactFile(publicKey ed25519.PublicKey, path, hexSignature string) (bool, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return false, fmt.Errorf("read artifact for verification: %w", err)
	}
	return VerifyArtifactHex(publicKey, raw, hexSignature), nil
}
