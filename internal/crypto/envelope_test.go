package crypto

import (
	"context"
	"errors"
	"testing"

	"github.com/KyMidd/AgentCore-AgenticSlackBot/internal/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestService(t *testing.T) *EnvelopeService {
	t.Helper()

	secret, err := GenerateMasterSecret()
	require.NoError(t, err)

	wrapper, err := NewLocalKeyWrapper(secret)
	require.NoError(t, err)

	return NewEnvelopeService(wrapper)
}

func TestEnvelopeService_RoundTrip(t *testing.T) {
	service := newTestService(t)
	ctx := context.Background()

	plaintext := []byte(`{"access_token":"secret-value","refresh_token":"other-secret"}`)

	blob, err := service.Encrypt(ctx, "user#U123#atlassian", plaintext)
	require.NoError(t, err)
	assert.NotContains(t, string(blob), "secret-value")

	decrypted, err := service.Decrypt(ctx, "user#U123#atlassian", blob)
	require.NoError(t, err)
	assert.Equal(t, plaintext, decrypted)
}

func TestEnvelopeService_UniqueCiphertexts(t *testing.T) {
	service := newTestService(t)
	ctx := context.Background()

	plaintext := []byte("same payload")

	first, err := service.Encrypt(ctx, "user#U123#atlassian", plaintext)
	require.NoError(t, err)

	second, err := service.Encrypt(ctx, "user#U123#atlassian", plaintext)
	require.NoError(t, err)

	assert.NotEqual(t, first, second)
}

func TestEnvelopeService_KeyMismatchFails(t *testing.T) {
	service := newTestService(t)
	ctx := context.Background()

	blob, err := service.Encrypt(ctx, "user#U123#atlassian", []byte("payload"))
	require.NoError(t, err)

	// A blob copied onto another record must not open.
	_, err = service.Decrypt(ctx, "user#U456#atlassian", blob)
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrCryptoFailure))
}

func TestEnvelopeService_TamperedBlobFails(t *testing.T) {
	service := newTestService(t)
	ctx := context.Background()

	blob, err := service.Encrypt(ctx, "user#U123#atlassian", []byte("payload"))
	require.NoError(t, err)

	tampered := make([]byte, len(blob))
	copy(tampered, blob)
	tampered[len(tampered)/2] ^= 0x01

	_, err = service.Decrypt(ctx, "user#U123#atlassian", tampered)
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrCryptoFailure))
}

func TestEnvelopeService_WrongMasterSecretFails(t *testing.T) {
	ctx := context.Background()

	firstSecret, err := GenerateMasterSecret()
	require.NoError(t, err)
	secondSecret, err := GenerateMasterSecret()
	require.NoError(t, err)

	firstWrapper, err := NewLocalKeyWrapper(firstSecret)
	require.NoError(t, err)
	secondWrapper, err := NewLocalKeyWrapper(secondSecret)
	require.NoError(t, err)

	blob, err := NewEnvelopeService(firstWrapper).Encrypt(ctx, "user#U123#atlassian", []byte("payload"))
	require.NoError(t, err)

	_, err = NewEnvelopeService(secondWrapper).Decrypt(ctx, "user#U123#atlassian", blob)
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrCryptoFailure))
}

func TestNewLocalKeyWrapper_Validation(t *testing.T) {
	tests := []struct {
		name    string
		secret  string
		wantErr bool
	}{
		{
			name:    "valid generated secret",
			secret:  mustGenerateSecret(t),
			wantErr: false,
		},
		{
			name:    "not base64",
			secret:  "not-valid-base64!!!",
			wantErr: true,
		},
		{
			name:    "too short",
			secret:  "c2hvcnQ=", // "short"
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewLocalKeyWrapper(tt.secret)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func mustGenerateSecret(t *testing.T) string {
	t.Helper()

	secret, err := GenerateMasterSecret()
	require.NoError(t, err)
	return secret
}
