package turn

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harborai/skiff/backend"
)

func testFingerprint() Fingerprint {
	return Fingerprint{
		ProfileID:              "default",
		ProviderSignature:      "sig-a",
		EffectiveModel:         "claude-sonnet-4",
		PluginMCPHash:          "mcp-1",
		ResourceIndexHash:      "res-1",
		HasInteractionCallback: true,
	}
}

func TestPoolReusesMatchingFingerprint(t *testing.T) {
	launcher := &fakeLauncher{}
	pool := NewPool(launcher, WithReaperInterval(time.Hour))
	defer pool.Close()

	fp := testFingerprint()
	s1, err := pool.Acquire(context.Background(), "c1", backend.SessionConfig{}, fp)
	require.NoError(t, err)
	s2, err := pool.Acquire(context.Background(), "c1", backend.SessionConfig{}, fp)
	require.NoError(t, err)

	assert.Same(t, s1, s2)
	assert.Equal(t, 1, launcher.launchCount())
}

func TestPoolRebuildsOnModelChange(t *testing.T) {
	launcher := &fakeLauncher{}
	pool := NewPool(launcher, WithReaperInterval(time.Hour))
	defer pool.Close()

	fp := testFingerprint()
	s1, err := pool.Acquire(context.Background(), "c1", backend.SessionConfig{}, fp)
	require.NoError(t, err)
	_, err = pool.Acquire(context.Background(), "c1", backend.SessionConfig{}, fp)
	require.NoError(t, err)

	changed := fp
	changed.EffectiveModel = "claude-opus-4"
	s3, err := pool.Acquire(context.Background(), "c1", backend.SessionConfig{}, changed)
	require.NoError(t, err)

	assert.NotSame(t, s1, s3)
	assert.Equal(t, 2, launcher.launchCount())
	assert.True(t, launcher.sessions[0].isClosed())
	assert.False(t, launcher.sessions[1].isClosed())
}

func TestPoolReusesStaleOnResourceChurn(t *testing.T) {
	launcher := &fakeLauncher{}
	pool := NewPool(launcher, WithReaperInterval(time.Hour), WithRebuildDebounce(time.Minute))
	defer pool.Close()

	fp := testFingerprint()
	s1, err := pool.Acquire(context.Background(), "c1", backend.SessionConfig{}, fp)
	require.NoError(t, err)

	// Resource index changes right after creation stay on the old handle.
	churned := fp
	churned.ResourceIndexHash = "res-2"
	s2, err := pool.Acquire(context.Background(), "c1", backend.SessionConfig{}, churned)
	require.NoError(t, err)
	assert.Same(t, s1, s2)
	assert.Equal(t, 1, launcher.launchCount())
}

func TestPoolRebuildsOnResourceChangeOutsideDebounce(t *testing.T) {
	launcher := &fakeLauncher{}
	pool := NewPool(launcher, WithReaperInterval(time.Hour), WithRebuildDebounce(time.Minute))
	defer pool.Close()

	fp := testFingerprint()
	_, err := pool.Acquire(context.Background(), "c1", backend.SessionConfig{}, fp)
	require.NoError(t, err)

	// Move the clock past the debounce window.
	base := time.Now()
	pool.now = func() time.Time { return base.Add(2 * time.Minute) }

	churned := fp
	churned.ResourceIndexHash = "res-2"
	_, err = pool.Acquire(context.Background(), "c1", backend.SessionConfig{}, churned)
	require.NoError(t, err)
	assert.Equal(t, 2, launcher.launchCount())
	assert.True(t, launcher.sessions[0].isClosed())
}

func TestPoolResourceChurnPlusOtherChangeRebuilds(t *testing.T) {
	launcher := &fakeLauncher{}
	pool := NewPool(launcher, WithReaperInterval(time.Hour), WithRebuildDebounce(time.Minute))
	defer pool.Close()

	fp := testFingerprint()
	_, err := pool.Acquire(context.Background(), "c1", backend.SessionConfig{}, fp)
	require.NoError(t, err)

	changed := fp
	changed.ResourceIndexHash = "res-2"
	changed.PluginMCPHash = "mcp-2"
	_, err = pool.Acquire(context.Background(), "c1", backend.SessionConfig{}, changed)
	require.NoError(t, err)
	assert.Equal(t, 2, launcher.launchCount())
}

func TestPoolReapsIdleSessions(t *testing.T) {
	launcher := &fakeLauncher{}
	pool := NewPool(launcher, WithReaperInterval(time.Hour), WithIdleTimeout(time.Minute))
	defer pool.Close()

	_, err := pool.Acquire(context.Background(), "c1", backend.SessionConfig{}, testFingerprint())
	require.NoError(t, err)

	base := time.Now()
	pool.now = func() time.Time { return base.Add(2 * time.Minute) }
	pool.reapIdle()

	assert.Equal(t, 0, pool.Size())
	assert.True(t, launcher.sessions[0].isClosed())
}

func TestPoolInvalidateAllClosesEverything(t *testing.T) {
	launcher := &fakeLauncher{}
	pool := NewPool(launcher, WithReaperInterval(time.Hour))
	defer pool.Close()

	fp := testFingerprint()
	_, err := pool.Acquire(context.Background(), "c1", backend.SessionConfig{}, fp)
	require.NoError(t, err)
	_, err = pool.Acquire(context.Background(), "c2", backend.SessionConfig{}, fp)
	require.NoError(t, err)

	pool.InvalidateAll()
	assert.Equal(t, 0, pool.Size())
	assert.True(t, launcher.sessions[0].isClosed())
	assert.True(t, launcher.sessions[1].isClosed())
}

func TestPoolDiscard(t *testing.T) {
	launcher := &fakeLauncher{}
	pool := NewPool(launcher, WithReaperInterval(time.Hour))
	defer pool.Close()

	_, err := pool.Acquire(context.Background(), "c1", backend.SessionConfig{}, testFingerprint())
	require.NoError(t, err)

	pool.Discard("c1")
	assert.Equal(t, 0, pool.Size())
	assert.True(t, launcher.sessions[0].isClosed())

	// Discarding an unknown conversation is a no-op.
	pool.Discard("c2")
}

func TestOnlyResourceIndexDiff(t *testing.T) {
	a := testFingerprint()
	b := a
	assert.False(t, onlyResourceIndexDiff(a, b))

	b.ResourceIndexHash = "res-2"
	assert.True(t, onlyResourceIndexDiff(a, b))

	b.EffectiveModel = "other"
	assert.False(t, onlyResourceIndexDiff(a, b))
}
