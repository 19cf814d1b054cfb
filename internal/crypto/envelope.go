package crypto

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"

	"github.com/KyMidd/AgentCore-AgenticSlackBot/internal/domain"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// KeyWrapper encrypts per-record data keys under a master key. It is the
// swap point for a managed KMS backend; LocalKeyWrapper derives its wrapping
// key from a configured master secret.
type KeyWrapper interface {
	WrapDataKey(dataKey []byte) ([]byte, error)
	UnwrapDataKey(wrapped []byte) ([]byte, error)
}

const wrapKeySalt = "agentbot-credential-wrap"

// LocalKeyWrapper wraps data keys with XChaCha20-Poly1305 under a key derived
// from the master secret via HKDF-SHA256. The master secret never encrypts
// payloads directly.
type LocalKeyWrapper struct {
	wrapKey []byte
}

func NewLocalKeyWrapper(masterSecretBase64 string) (*LocalKeyWrapper, error) {
	masterSecret, err := base64.StdEncoding.DecodeString(masterSecretBase64)
	if err != nil {
		return nil, fmt.Errorf("invalid base64 master secret: %w", err)
	}

	if len(masterSecret) < 16 {
		return nil, fmt.Errorf("master secret too short: expected at least 16 bytes, got %d", len(masterSecret))
	}

	kdf := hkdf.New(sha256.New, masterSecret, []byte(wrapKeySalt), []byte("wrapping-key"))
	wrapKey := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(kdf, wrapKey); err != nil {
		return nil, fmt.Errorf("failed to derive wrapping key: %w", err)
	}

	return &LocalKeyWrapper{wrapKey: wrapKey}, nil
}

func (w *LocalKeyWrapper) WrapDataKey(dataKey []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(w.wrapKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create wrapping cipher: %w", err)
	}

	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("failed to generate wrap nonce: %w", err)
	}

	return aead.Seal(nonce, nonce, dataKey, nil), nil
}

func (w *LocalKeyWrapper) UnwrapDataKey(wrapped []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(w.wrapKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create wrapping cipher: %w", err)
	}

	if len(wrapped) < aead.NonceSize() {
		return nil, fmt.Errorf("wrapped data key too short")
	}

	nonce, ciphertext := wrapped[:aead.NonceSize()], wrapped[aead.NonceSize():]

	dataKey, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to unwrap data key: %w", err)
	}

	return dataKey, nil
}

// envelope is the stored ciphertext layout. JSON []byte fields are base64 on
// the wire, matching the credential record encoding.
type envelope struct {
	WrappedKey []byte `json:"wrapped_key"`
	Nonce      []byte `json:"nonce"`
	Ciphertext []byte `json:"ciphertext"`
}

// EnvelopeService implements domain.Encryptor with envelope encryption: a
// fresh data key per record seals the payload, the wrapper seals the data
// key, and the record key is bound in as associated data so a blob moved
// between records will not open.
type EnvelopeService struct {
	wrapper KeyWrapper
}

func NewEnvelopeService(wrapper KeyWrapper) *EnvelopeService {
	return &EnvelopeService{wrapper: wrapper}
}

func (s *EnvelopeService) Encrypt(ctx context.Context, key string, plaintext []byte) ([]byte, error) {
	dataKey := make([]byte, chacha20poly1305.KeySize)
	if _, err := rand.Read(dataKey); err != nil {
		return nil, fmt.Errorf("%w: failed to generate data key: %v", domain.ErrCryptoFailure, err)
	}

	aead, err := chacha20poly1305.New(dataKey)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to create payload cipher: %v", domain.ErrCryptoFailure, err)
	}

	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("%w: failed to generate nonce: %v", domain.ErrCryptoFailure, err)
	}

	ciphertext := aead.Seal(nil, nonce, plaintext, []byte(key))

	wrappedKey, err := s.wrapper.WrapDataKey(dataKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrCryptoFailure, err)
	}

	blob, err := json.Marshal(envelope{
		WrappedKey: wrappedKey,
		Nonce:      nonce,
		Ciphertext: ciphertext,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: failed to encode envelope: %v", domain.ErrCryptoFailure, err)
	}

	return blob, nil
}

func (s *EnvelopeService) Decrypt(ctx context.Context, key string, blob []byte) ([]byte, error) {
	var env envelope
	if err := json.Unmarshal(blob, &env); err != nil {
		return nil, fmt.Errorf("%w: failed to decode envelope: %v", domain.ErrCryptoFailure, err)
	}

	dataKey, err := s.wrapper.UnwrapDataKey(env.WrappedKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrCryptoFailure, err)
	}

	aead, err := chacha20poly1305.New(dataKey)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to create payload cipher: %v", domain.ErrCryptoFailure, err)
	}

	plaintext, err := aead.Open(nil, env.Nonce, env.Ciphertext, []byte(key))
	if err != nil {
		return nil, fmt.Errorf("%w: failed to decrypt payload: %v", domain.ErrCryptoFailure, err)
	}

	return plaintext, nil
}

// GenerateMasterSecret produces a base64 master secret suitable for
// LocalKeyWrapper configuration.
func GenerateMasterSecret() (string, error) {
	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		return "", fmt.Errorf("failed to generate master secret: %w", err)
	}

	return base64.StdEncoding.EncodeToString(secret), nil
}
