package auth

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"strconv"
	"time"
)

// Request signing for the privileged surfaces: the dispatcher signs agent
// runtime invocations and the agent runtime signs credential API calls. Keys
// are Ed25519; each component holds only its own private key.

// RequestSigner signs outbound requests.
type RequestSigner struct {
	privateKey ed25519.PrivateKey
}

func NewRequestSigner(privateKeyBase64 string) (*RequestSigner, error) {
	privateKeyBytes, err := base64.StdEncoding.DecodeString(privateKeyBase64)
	if err != nil {
		return nil, fmt.Errorf("failed to decode private key: %w", err)
	}

	if len(privateKeyBytes) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("invalid private key size: expected %d, got %d", ed25519.PrivateKeySize, len(privateKeyBytes))
	}

	return &RequestSigner{
		privateKey: ed25519.PrivateKey(privateKeyBytes),
	}, nil
}

// SignRequest returns the signature headers for a request.
func (s *RequestSigner) SignRequest(method, path string, body []byte) map[string]string {
	timestampStr := strconv.FormatInt(time.Now().Unix(), 10)

	signature := ed25519.Sign(s.privateKey, canonicalRequest(method, path, timestampStr, body))

	return map[string]string{
		"X-Agent-Signature": "ed25519=" + base64.StdEncoding.EncodeToString(signature),
		"X-Agent-Timestamp": timestampStr,
	}
}

// SignatureVerifier verifies inbound request signatures.
type SignatureVerifier struct {
	publicKey ed25519.PublicKey
	tolerance time.Duration
}

func NewSignatureVerifier(publicKeyBase64 string, tolerance time.Duration) (*SignatureVerifier, error) {
	publicKeyBytes, err := base64.StdEncoding.DecodeString(publicKeyBase64)
	if err != nil {
		return nil, fmt.Errorf("failed to decode public key: %w", err)
	}

	if len(publicKeyBytes) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("invalid public key size: expected %d, got %d", ed25519.PublicKeySize, len(publicKeyBytes))
	}

	return &SignatureVerifier{
		publicKey: ed25519.PublicKey(publicKeyBytes),
		tolerance: tolerance,
	}, nil
}

// VerifyRequest checks the signature and timestamp headers of a request.
func (v *SignatureVerifier) VerifyRequest(method, path, signatureHeader, timestampHeader string, body []byte) error {
	if len(signatureHeader) < 9 || signatureHeader[:8] != "ed25519=" {
		return fmt.Errorf("invalid signature format")
	}

	signature, err := base64.StdEncoding.DecodeString(signatureHeader[8:])
	if err != nil {
		return fmt.Errorf("failed to decode signature: %w", err)
	}

	timestamp, err := strconv.ParseInt(timestampHeader, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid timestamp: %w", err)
	}

	diff := time.Since(time.Unix(timestamp, 0))
	if diff < 0 {
		diff = -diff
	}
	if diff > v.tolerance {
		return fmt.Errorf("timestamp outside allowed window")
	}

	if !ed25519.Verify(v.publicKey, canonicalRequest(method, path, timestampHeader, body), signature) {
		return fmt.Errorf("signature verification failed")
	}

	return nil
}

func canonicalRequest(method, path, timestamp string, body []byte) []byte {
	bodyHash := sha256.Sum256(body)
	return fmt.Appendf(nil, "%s\n%s\n%s\nsha256:%x", method, path, timestamp, bodyHash)
}

// GenerateKeyPair creates a base64-encoded Ed25519 key pair for a signing
// identity.
func GenerateKeyPair() (privateKeyBase64, publicKeyBase64 string, err error) {
	publicKey, privateKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return "", "", fmt.Errorf("failed to generate key pair: %w", err)
	}

	return base64.StdEncoding.EncodeToString(privateKey), base64.StdEncoding.EncodeToString(publicKey), nil
}
