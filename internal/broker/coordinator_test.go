package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/KyMidd/AgentCore-AgenticSlackBot/internal/domain"
	"github.com/KyMidd/AgentCore-AgenticSlackBot/internal/oauth"
	"github.com/KyMidd/AgentCore-AgenticSlackBot/internal/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// passthroughEncryptor stores plaintext as-is but still binds the record key,
// so tests can inspect stored payloads without real crypto.
type passthroughEncryptor struct{}

func (passthroughEncryptor) Encrypt(ctx context.Context, key string, plaintext []byte) ([]byte, error) {
	return append([]byte(key+"|"), plaintext...), nil
}

func (passthroughEncryptor) Decrypt(ctx context.Context, key string, blob []byte) ([]byte, error) {
	prefix := []byte(key + "|")
	if len(blob) < len(prefix) || string(blob[:len(prefix)]) != key+"|" {
		return nil, fmt.Errorf("%w: key mismatch", domain.ErrCryptoFailure)
	}
	return blob[len(prefix):], nil
}

type staticPortal struct{}

func (staticPortal) PortalURL(userID, displayName string) (string, error) {
	return "https://portal.example/?token=signed-for-" + userID, nil
}

type refreshServer struct {
	server *httptest.Server

	calls        atomic.Int64
	respondError string
	rotateTo     string
}

func newRefreshServer(t *testing.T) *refreshServer {
	t.Helper()

	rs := &refreshServer{}
	rs.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rs.calls.Add(1)

		require.NoError(t, r.ParseForm())
		require.Equal(t, "refresh_token", r.FormValue("grant_type"))

		w.Header().Set("Content-Type", "application/json")

		if rs.respondError != "" {
			w.WriteHeader(http.StatusBadRequest)
			json.NewEncoder(w).Encode(map[string]string{"error": rs.respondError})
			return
		}

		resp := map[string]any{
			"access_token": "refreshed-access-token",
			"token_type":   "bearer",
			"expires_in":   3600,
		}
		if rs.rotateTo != "" {
			resp["refresh_token"] = rs.rotateTo
		}
		json.NewEncoder(w).Encode(resp)
	}))
	t.Cleanup(rs.server.Close)

	return rs
}

func (rs *refreshServer) provider() oauth.Provider {
	return oauth.Provider{
		Name:         "atlassian",
		ClientID:     "client-id",
		ClientSecret: "client-secret",
		AuthURL:      rs.server.URL + "/authorize",
		TokenURL:     rs.server.URL + "/token",
	}
}

type coordinatorFixture struct {
	coordinator *Coordinator
	store       *store.MemoryStore
	refresh     *refreshServer
}

func newCoordinatorFixture(t *testing.T) *coordinatorFixture {
	t.Helper()

	rs := newRefreshServer(t)
	tokenStore := store.NewMemoryStore()

	coordinator := NewCoordinator(CoordinatorDependencies{
		Store:              tokenStore,
		Encryptor:          passthroughEncryptor{},
		Providers:          oauth.NewRegistry(rs.provider()),
		Portal:             staticPortal{},
		RefreshMargin:      60 * time.Second,
		MaxRefreshDuration: 2 * time.Minute,
		RecordTTL:          24 * time.Hour,
		RetryBackoff:       5 * time.Millisecond,
		MaxAttempts:        50,
	})

	return &coordinatorFixture{
		coordinator: coordinator,
		store:       tokenStore,
		refresh:     rs,
	}
}

func (f *coordinatorFixture) seedRecord(t *testing.T, userID string, expiresAt time.Time) string {
	t.Helper()

	key := domain.CredentialKey(userID, "atlassian")

	payload, err := json.Marshal(domain.TokenPayload{
		AccessToken:  "stored-access-token",
		RefreshToken: "stored-refresh-token",
		IssuedAt:     time.Now().Unix(),
	})
	require.NoError(t, err)

	ciphertext, err := passthroughEncryptor{}.Encrypt(context.Background(), key, payload)
	require.NoError(t, err)

	require.NoError(t, f.store.PutNew(context.Background(), domain.CredentialRecord{
		Key:        key,
		Ciphertext: ciphertext,
		ExpiresAt:  expiresAt,
		TTL:        time.Now().Add(24 * time.Hour),
		Version:    1,
	}))

	return key
}

func TestCoordinator_FreshTokenServedWithoutRefresh(t *testing.T) {
	f := newCoordinatorFixture(t)
	f.seedRecord(t, "U1", time.Now().Add(time.Hour))

	token, err := f.coordinator.AcquireToken(context.Background(), "U1", "atlassian")
	require.NoError(t, err)

	assert.Equal(t, "stored-access-token", token.AccessToken)
	assert.Equal(t, int64(0), f.refresh.calls.Load())
}

func TestCoordinator_ExpiredTokenRefreshed(t *testing.T) {
	f := newCoordinatorFixture(t)
	key := f.seedRecord(t, "U1", time.Now().Add(-time.Minute))

	token, err := f.coordinator.AcquireToken(context.Background(), "U1", "atlassian")
	require.NoError(t, err)

	assert.Equal(t, "refreshed-access-token", token.AccessToken)
	assert.Equal(t, int64(1), f.refresh.calls.Load())

	// The claim is released and the version advanced past the claim write.
	record, err := f.store.Get(context.Background(), key)
	require.NoError(t, err)
	assert.True(t, record.RefreshClaimedAt.IsZero())
	assert.Equal(t, int64(3), record.Version)
}

func TestCoordinator_ConcurrentAcquireSingleRefresh(t *testing.T) {
	f := newCoordinatorFixture(t)
	f.seedRecord(t, "U1", time.Now().Add(-time.Minute))

	const callers = 12

	var wg sync.WaitGroup
	tokens := make([]domain.BearerToken, callers)
	errs := make([]error, callers)

	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tokens[i], errs[i] = f.coordinator.AcquireToken(context.Background(), "U1", "atlassian")
		}(i)
	}
	wg.Wait()

	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, "refreshed-access-token", tokens[i].AccessToken)
	}

	// The invariant the coordinator exists for.
	assert.Equal(t, int64(1), f.refresh.calls.Load())
}

func TestCoordinator_RefreshTokenRotationStored(t *testing.T) {
	f := newCoordinatorFixture(t)
	f.refresh.rotateTo = "rotated-refresh-token"
	key := f.seedRecord(t, "U1", time.Now().Add(-time.Minute))

	_, err := f.coordinator.AcquireToken(context.Background(), "U1", "atlassian")
	require.NoError(t, err)

	record, err := f.store.Get(context.Background(), key)
	require.NoError(t, err)

	plaintext, err := passthroughEncryptor{}.Decrypt(context.Background(), key, record.Ciphertext)
	require.NoError(t, err)

	var payload domain.TokenPayload
	require.NoError(t, json.Unmarshal(plaintext, &payload))
	assert.Equal(t, "rotated-refresh-token", payload.RefreshToken)
}

func TestCoordinator_NonRotatingProviderKeepsRefreshToken(t *testing.T) {
	f := newCoordinatorFixture(t)
	key := f.seedRecord(t, "U1", time.Now().Add(-time.Minute))

	_, err := f.coordinator.AcquireToken(context.Background(), "U1", "atlassian")
	require.NoError(t, err)

	record, err := f.store.Get(context.Background(), key)
	require.NoError(t, err)

	plaintext, err := passthroughEncryptor{}.Decrypt(context.Background(), key, record.Ciphertext)
	require.NoError(t, err)

	var payload domain.TokenPayload
	require.NoError(t, json.Unmarshal(plaintext, &payload))
	assert.Equal(t, "stored-refresh-token", payload.RefreshToken)
}

func TestCoordinator_InvalidGrantDeletesRecord(t *testing.T) {
	f := newCoordinatorFixture(t)
	f.refresh.respondError = "invalid_grant"
	key := f.seedRecord(t, "U1", time.Now().Add(-time.Minute))

	_, err := f.coordinator.AcquireToken(context.Background(), "U1", "atlassian")

	var authErr *domain.AuthRequiredError
	require.ErrorAs(t, err, &authErr)
	assert.Equal(t, "U1", authErr.UserID)
	assert.Contains(t, authErr.AuthorizeURL, "https://portal.example/")

	_, err = f.store.Get(context.Background(), key)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestCoordinator_TransientFailureReleasesClaim(t *testing.T) {
	f := newCoordinatorFixture(t)
	f.refresh.respondError = "temporarily_unavailable"
	key := f.seedRecord(t, "U1", time.Now().Add(-time.Minute))

	_, err := f.coordinator.AcquireToken(context.Background(), "U1", "atlassian")

	var refreshErr *domain.RefreshFailedError
	require.ErrorAs(t, err, &refreshErr)
	assert.Equal(t, "atlassian", refreshErr.Provider)

	// The record survives and the claim is released for the next caller.
	record, err := f.store.Get(context.Background(), key)
	require.NoError(t, err)
	assert.True(t, record.RefreshClaimedAt.IsZero())
}

func TestCoordinator_StaleClaimReclaimed(t *testing.T) {
	f := newCoordinatorFixture(t)
	key := f.seedRecord(t, "U1", time.Now().Add(-time.Minute))

	// A previous refresher claimed the slot and then died. The stamp is well
	// past MaxRefreshDuration (2m in the fixture), so it no longer blocks.
	record, err := f.store.Get(context.Background(), key)
	require.NoError(t, err)
	abandoned := record
	abandoned.RefreshClaimedAt = time.Now().Add(-5 * time.Minute)
	abandoned.Version = record.Version + 1
	require.NoError(t, f.store.CompareAndSwap(context.Background(), record.Version, abandoned))

	token, err := f.coordinator.AcquireToken(context.Background(), "U1", "atlassian")
	require.NoError(t, err)

	assert.Equal(t, "refreshed-access-token", token.AccessToken)
	assert.Equal(t, int64(1), f.refresh.calls.Load())

	record, err = f.store.Get(context.Background(), key)
	require.NoError(t, err)
	assert.True(t, record.RefreshClaimedAt.IsZero())
}

func TestCoordinator_CryptoFailureReleasesClaim(t *testing.T) {
	f := newCoordinatorFixture(t)
	key := domain.CredentialKey("U1", "atlassian")

	// Ciphertext bound to a different record key fails decryption after the
	// refresh claim is already written.
	ciphertext, err := passthroughEncryptor{}.Encrypt(context.Background(), "user#U2#atlassian", []byte(`{}`))
	require.NoError(t, err)

	require.NoError(t, f.store.PutNew(context.Background(), domain.CredentialRecord{
		Key:        key,
		Ciphertext: ciphertext,
		ExpiresAt:  time.Now().Add(-time.Minute),
		TTL:        time.Now().Add(24 * time.Hour),
		Version:    1,
	}))

	_, err = f.coordinator.AcquireToken(context.Background(), "U1", "atlassian")
	require.ErrorIs(t, err, domain.ErrCryptoFailure)
	assert.Equal(t, int64(0), f.refresh.calls.Load())

	// The claim does not linger; the next caller may try immediately.
	record, err := f.store.Get(context.Background(), key)
	require.NoError(t, err)
	assert.True(t, record.RefreshClaimedAt.IsZero())
}

func TestCoordinator_MissingRecordNeedsAuthorization(t *testing.T) {
	f := newCoordinatorFixture(t)

	_, err := f.coordinator.AcquireToken(context.Background(), "U1", "atlassian")

	var authErr *domain.AuthRequiredError
	require.ErrorAs(t, err, &authErr)
	assert.Equal(t, "atlassian", authErr.Provider)
	assert.Equal(t, int64(0), f.refresh.calls.Load())
}

func TestCoordinator_StaleButValidServedDuringRefresh(t *testing.T) {
	f := newCoordinatorFixture(t)
	key := f.seedRecord(t, "U1", time.Now().Add(30*time.Second))

	// Simulate an in-flight refresh claimed by another caller.
	record, err := f.store.Get(context.Background(), key)
	require.NoError(t, err)
	claimed := record
	claimed.RefreshClaimedAt = time.Now()
	claimed.Version = record.Version + 1
	require.NoError(t, f.store.CompareAndSwap(context.Background(), record.Version, claimed))

	token, err := f.coordinator.AcquireToken(context.Background(), "U1", "atlassian")
	require.NoError(t, err)

	assert.Equal(t, "stored-access-token", token.AccessToken)
	assert.Equal(t, int64(0), f.refresh.calls.Load())
}

func TestCoordinator_UnknownProvider(t *testing.T) {
	f := newCoordinatorFixture(t)

	_, err := f.coordinator.AcquireToken(context.Background(), "U1", "github")
	assert.Error(t, err)
}
