package verification

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeSource struct {
	fetches   atomic.Int32
	unblock   chan struct{} // if non-nil, FetchPolicy blocks until closed
	revisions []string
	minVer    string
	err       error
}

func (s *fakeSource) FetchPolicy(ctx context.Context) ([]string, string, error) {
	s.fetches.Add(1)
	if s.unblock != nil {
		<-s.unblock
	}
	return s.revisions, s.minVer, s.err
}

// TestConfigManager_SingleFlight verifies that many concurrent verifications
// against an expired policy trigger exactly one fetch, with every caller
// observing the refreshed policy.
func TestConfigManager_SingleFlight(t *testing.T) {
	source := &fakeSource{
		unblock:   make(chan struct{}),
		revisions: []string{"abc123"},
	}
	m := NewConfigManager(source, Policy{}, zerolog.Nop())

	pv := PluginVersions{Version: "1.0.0", Revision: "abc123"}

	const callers = 20
	results := make([]bool, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = m.Verify(context.Background(), pv)
		}(i)
	}

	// Let every caller reach the wait before releasing the fetch.
	time.Sleep(50 * time.Millisecond)
	close(source.unblock)
	wg.Wait()

	if got := source.fetches.Load(); got != 1 {
		t.Errorf("expected a single policy fetch, got %d", got)
	}
	for i, ok := range results {
		if !ok {
			t.Errorf("caller %d rejected a revision in the refreshed allow-list", i)
		}
	}
}

// TestConfigManager_FreshPolicySkipsFetch verifies verifications within the
// TTL never touch the source.
func TestConfigManager_FreshPolicySkipsFetch(t *testing.T) {
	source := &fakeSource{revisions: []string{"abc123"}}
	m := NewConfigManager(source, Policy{}, zerolog.Nop())

	pv := PluginVersions{Version: "1.0.0", Revision: "abc123"}
	for i := 0; i < 5; i++ {
		m.Verify(context.Background(), pv)
	}

	if got := source.fetches.Load(); got != 1 {
		t.Errorf("expected one fetch for consecutive verifications, got %d", got)
	}
}

// TestConfigManager_FailedRefreshServesStale verifies a fetch failure keeps
// the previous policy in effect and schedules an earlier retry.
func TestConfigManager_FailedRefreshServesStale(t *testing.T) {
	source := &fakeSource{err: errors.New("store unavailable")}
	initial := Policy{
		MinRuntimeVersion: "1.11.13",
		AllowedRevisions:  map[string]struct{}{"abc123": {}},
	}
	m := NewConfigManager(source, initial, zerolog.Nop())

	pv := PluginVersions{Version: "1.0.0", Revision: "abc123", RuntimeVersion: "1.11.14"}
	if !m.Verify(context.Background(), pv) {
		t.Error("stale policy should still be served after a failed refresh")
	}

	m.mu.Lock()
	retryIn := time.Until(m.expiry)
	m.mu.Unlock()
	if retryIn <= 0 || retryIn > m.ttl/2 {
		t.Errorf("failed refresh should halve the TTL, next attempt in %v", retryIn)
	}
}

// TestConfigManager_PolicyUpdatesApplied verifies fetched revisions and
// minimum version replace the initial policy.
func TestConfigManager_PolicyUpdatesApplied(t *testing.T) {
	source := &fakeSource{
		revisions: []string{"new111"},
		minVer:    "1.12.0",
	}
	initial := Policy{AllowedRevisions: map[string]struct{}{"old000": {}}}
	m := NewConfigManager(source, initial, zerolog.Nop())

	ctx := context.Background()
	if m.Verify(ctx, PluginVersions{Version: "1.0.0", Revision: "old000", RuntimeVersion: "1.12.0"}) {
		t.Error("revision dropped from the allow-list should be rejected")
	}
	if !m.Verify(ctx, PluginVersions{Version: "1.0.0", Revision: "new111", RuntimeVersion: "1.12.0"}) {
		t.Error("newly allowed revision should be accepted")
	}
	if m.Verify(ctx, PluginVersions{Version: "1.0.0", Revision: "new111", RuntimeVersion: "1.11.0"}) {
		t.Error("runtime below the fetched minimum should be rejected")
	}
}

// TestConfigManager_CanceledCallerUsesCurrentPolicy verifies a caller whose
// context expires mid-refresh falls back to the policy it already has
// instead of blocking.
func TestConfigManager_CanceledCallerUsesCurrentPolicy(t *testing.T) {
	source := &fakeSource{unblock: make(chan struct{})}
	defer close(source.unblock)

	initial := Policy{AllowedRevisions: map[string]struct{}{"abc123": {}}}
	m := NewConfigManager(source, initial, zerolog.Nop())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	done := make(chan bool, 1)
	go func() {
		done <- m.Verify(ctx, PluginVersions{Version: "1.0.0", Revision: "abc123"})
	}()

	select {
	case ok := <-done:
		if !ok {
			t.Error("caller should be served the current policy when its context expires")
		}
	case <-time.After(time.Second):
		t.Fatal("Verify blocked past its context deadline")
	}
}
