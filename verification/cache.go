package verification

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// DefaultPolicyTTL is how long a fetched verification policy remains fresh.
const DefaultPolicyTTL = 5 * time.Second

// Shared store keys holding the verification policy.
const (
	revisionsKey      = "relay:allowed-revisions"
	runtimeVersionKey = "relay:min-runtime-version"
)

// Policy is the cached client verification policy.
type Policy struct {
	MinRuntimeVersion string
	AllowedRevisions  map[string]struct{}
}

// PolicySource fetches the current verification policy from the shared
// store.
type PolicySource interface {
	FetchPolicy(ctx context.Context) (revisions []string, minVersion string, err error)
}

// RedisPolicySource reads the policy from the shared coordination store.
type RedisPolicySource struct {
	client *redis.Client
}

func NewRedisPolicySource(client *redis.Client) *RedisPolicySource {
	return &RedisPolicySource{client: client}
}

func (s *RedisPolicySource) FetchPolicy(ctx context.Context) ([]string, string, error) {
	revisions, err := s.client.SMembers(ctx, revisionsKey).Result()
	if err != nil {
		return nil, "", fmt.Errorf("fetch allowed revisions: %w", err)
	}

	minVersion, err := s.client.Get(ctx, runtimeVersionKey).Result()
	if err != nil && err != redis.Nil {
		return nil, "", fmt.Errorf("fetch min runtime version: %w", err)
	}

	return revisions, minVersion, nil
}

// ConfigManager caches the verification policy with a short TTL. Accesses
// past expiry trigger a refresh; concurrent accessors await the same
// in-flight refresh rather than issuing duplicate fetches. A failed refresh
// halves the TTL and serves the stale policy.
type ConfigManager struct {
	source PolicySource
	ttl    time.Duration
	logger zerolog.Logger

	mu       sync.Mutex
	policy   Policy
	expiry   time.Time
	inflight chan struct{} // non-nil while a refresh is running
}

func NewConfigManager(source PolicySource, initial Policy, logger zerolog.Logger) *ConfigManager {
	if initial.AllowedRevisions == nil {
		initial.AllowedRevisions = make(map[string]struct{})
	}
	return &ConfigManager{
		source: source,
		ttl:    DefaultPolicyTTL,
		logger: logger.With().Str("com", "config-manager").Logger(),
		policy: initial,
	}
}

// Verify checks a client's build metadata against the current policy: the
// plugin version must match the strict version pattern, its revision must be
// in the allow-list, and its runtime version must meet the minimum.
func (m *ConfigManager) Verify(ctx context.Context, pv PluginVersions) bool {
	policy := m.get(ctx)
	return VerifyPluginVersion(pv.Version) &&
		VerifyRevision(policy.AllowedRevisions, pv.Revision) &&
		VerifyRuntimeVersion(pv.RuntimeVersion, policy.MinRuntimeVersion)
}

func (m *ConfigManager) get(ctx context.Context) Policy {
	m.mu.Lock()
	if time.Now().Before(m.expiry) {
		policy := m.policy
		m.mu.Unlock()
		return policy
	}

	if m.inflight == nil {
		m.inflight = make(chan struct{})
		// The refresh outlives any single caller's deadline.
		go m.refresh(context.WithoutCancel(ctx))
	}
	wait := m.inflight
	m.mu.Unlock()

	select {
	case <-wait:
	case <-ctx.Done():
	}

	m.mu.Lock()
	policy := m.policy
	m.mu.Unlock()
	return policy
}

func (m *ConfigManager) refresh(ctx context.Context) {
	revisions, minVersion, err := m.source.FetchPolicy(ctx)

	m.mu.Lock()
	defer func() {
		close(m.inflight)
		m.inflight = nil
		m.mu.Unlock()
	}()

	if err != nil {
		// Serve the stale policy but retry sooner.
		m.expiry = time.Now().Add(m.ttl / 2)
		m.logger.Error().Err(err).Msg("policy refresh failed")
		return
	}

	m.expiry = time.Now().Add(m.ttl)

	if len(revisions) > 0 {
		updated := make(map[string]struct{}, len(revisions))
		for _, rev := range revisions {
			updated[rev] = struct{}{}
		}
		if !revisionSetsEqual(updated, m.policy.AllowedRevisions) {
			m.logger.Info().Strs("revisions", revisions).Msg("allowed revisions updated")
			m.policy.AllowedRevisions = updated
		}
	}

	if minVersion != "" && minVersion != m.policy.MinRuntimeVersion {
		m.logger.Info().Str("min_runtime_version", minVersion).Msg("minimum runtime version updated")
		m.policy.MinRuntimeVersion = minVersion
	}
}

func revisionSetsEqual(a, b map[string]struct{}) bool {
	if len(a) != len(b) {
		return false
	}
	for rev := range a {
		if _, ok := b[rev]; !ok {
			return false
		}
	}
	return true
}
