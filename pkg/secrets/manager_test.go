package secrets

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnvironmentManager(t *testing.T) {
	t.Setenv("REWARDS_TEST_SECRET", "s3cr3t")

	m, err := NewManager(Config{Backend: BackendEnv})
	require.NoError(t, err)
	defer m.Close()

	t.Run("Success", func(t *testing.T) {
		value, err := m.GetSecret(context.Background(), "REWARDS_TEST_SECRET")
		require.NoError(t, err)
		assert.Equal(t, "s3cr3t", value)
	})

	t.Run("Missing key", func(t *testing.T) {
		_, err := m.GetSecret(context.Background(), "REWARDS_TEST_MISSING")
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestNewManager_UnsupportedBackend(t *testing.T) {
	_, err := NewManager(Config{Backend: "vault"})
	assert.Error(t, err)
}

func TestCachingManager_TTL(t *testing.T) {
	calls := 0
	fetch := func(_ context.Context, key string) (string, error) {
		calls++
		return key + "-value", nil
	}
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	m := newCachingManager(fetch, time.Minute)
	m.now = func() time.Time { return now }
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		value, err := m.GetSecret(ctx, "JWT_SECRET")
		require.NoError(t, err)
		assert.Equal(t, "JWT_SECRET-value", value)
	}
	assert.Equal(t, 1, calls)

	now = now.Add(2 * time.Minute)
	_, err := m.GetSecret(ctx, "JWT_SECRET")
	require.NoError(t, err)
	assert.Equal(t, 2, calls)

	require.NoError(t, m.Close())
	_, err = m.GetSecret(ctx, "JWT_SECRET")
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestOverlay(t *testing.T) {
	store := map[string]string{"JWT_SECRET": "from-store"}
	m := newCachingManager(envFetch(func(k string) (string, bool) {
		v, ok := store[k]
		return v, ok
	}), time.Minute)

	jwtSecret := "default-jwt"
	serviceToken := "default-token"
	err := Overlay(context.Background(), m, map[string]*string{
		"JWT_SECRET":    &jwtSecret,
		"SERVICE_TOKEN": &serviceToken,
	})
	require.NoError(t, err)
	assert.Equal(t, "from-store", jwtSecret)
	assert.Equal(t, "default-token", serviceToken)

	t.Run("Backend failure aborts", func(t *testing.T) {
		failing := newCachingManager(func(context.Context, string) (string, error) {
			return "", errors.New("throttled")
		}, time.Minute)
		value := "unchanged"
		err := Overlay(context.Background(), failing, map[string]*string{"JWT_SECRET": &value})
		assert.Error(t, err)
		assert.Equal(t, "unchanged", value)
	})
}
