package secrets

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/secretsmanager"
)

// ErrNotFound is returned when a backend has no value for a key
var ErrNotFound = errors.New("secret not found")

const (
	BackendEnv = "env"
	BackendAWS = "aws-secrets-manager"
)

// Manager resolves secrets by key
type Manager interface {
	GetSecret(ctx context.Context, key string) (string, error)
	Close() error
}

// Config holds secrets manager configuration
type Config struct {
	Backend   string        // "env" or "aws-secrets-manager"
	AWSRegion string        // AWS region for Secrets Manager
	Prefix    string        // prepended to keys looked up in Secrets Manager
	CacheTTL  time.Duration // how long a resolved secret is reused
}

// NewManager creates a secrets manager for the configured backend
func NewManager(cfg Config) (Manager, error) {
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = 5 * time.Minute
	}
	switch cfg.Backend {
	case BackendAWS, "aws":
		log.Printf("🔐 Initializing AWS Secrets Manager (region: %s)", cfg.AWSRegion)
		return newAWSManager(cfg)
	case BackendEnv, "environment", "":
		return newCachingManager(envFetch(os.LookupEnv), cfg.CacheTTL), nil
	default:
		return nil, fmt.Errorf("unsupported secrets backend: %s", cfg.Backend)
	}
}

type fetchFunc func(ctx context.Context, key string) (string, error)

type cachedSecret struct {
	value     string
	expiresAt time.Time
}

// cachingManager memoises a backend lookup per key for a fixed TTL
type cachingManager struct {
	fetch fetchFunc
	ttl   time.Duration
	now   func() time.Time

	mu    sync.RWMutex
	cache map[string]cachedSecret
}

func newCachingManager(fetch fetchFunc, ttl time.Duration) *cachingManager {
	return &cachingManager{
		fetch: fetch,
		ttl:   ttl,
		now:   time.Now,
		cache: make(map[string]cachedSecret),
	}
}

// GetSecret returns the cached value of key or loads it from the backend
func (m *cachingManager) GetSecret(ctx context.Context, key string) (string, error) {
	m.mu.RLock()
	cached, ok := m.cache[key]
	m.mu.RUnlock()
	if ok && m.now().Before(cached.expiresAt) {
		return cached.value, nil
	}

	value, err := m.fetch(ctx, key)
	if err != nil {
		return "", err
	}

	m.mu.Lock()
	m.cache[key] = cachedSecret{value: value, expiresAt: m.now().Add(m.ttl)}
	m.mu.Unlock()

	return value, nil
}

// Close drops every cached value
func (m *cachingManager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cache = make(map[string]cachedSecret)
	return nil
}

func envFetch(lookup func(string) (string, bool)) fetchFunc {
	return func(_ context.Context, key string) (string, error) {
		value, ok := lookup(key)
		if !ok || value == "" {
			return "", fmt.Errorf("%w: %s", ErrNotFound, key)
		}
		return value, nil
	}
}

func newAWSManager(cfg Config) (*cachingManager, error) {
	sess, err := session.NewSession(&aws.Config{
		Region: aws.String(cfg.AWSRegion),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create AWS session: %w", err)
	}
	client := secretsmanager.New(sess)

	fetch := func(ctx context.Context, key string) (string, error) {
		result, err := client.GetSecretValueWithContext(ctx, &secretsmanager.GetSecretValueInput{
			SecretId: aws.String(cfg.Prefix + key),
		})
		if err != nil {
			var aerr awserr.Error
			if errors.As(err, &aerr) && aerr.Code() == secretsmanager.ErrCodeResourceNotFoundException {
				return "", fmt.Errorf("%w: %s", ErrNotFound, key)
			}
			return "", fmt.Errorf("failed to get secret %s: %w", key, err)
		}
		if result.SecretString == nil {
			return "", fmt.Errorf("secret %s has no string value", key)
		}
		return *result.SecretString, nil
	}

	log.Printf("✅ AWS Secrets Manager initialized (cache duration: %s)", cfg.CacheTTL)
	return newCachingManager(fetch, cfg.CacheTTL), nil
}

// Overlay replaces each target with the secret stored under its key. Keys the
// backend does not hold keep their current value.
func Overlay(ctx context.Context, m Manager, targets map[string]*string) error {
	for key, target := range targets {
		value, err := m.GetSecret(ctx, key)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return err
		}
		*target = value
	}
	return nil
}
