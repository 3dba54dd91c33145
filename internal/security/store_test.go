package security

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/charliepank/blockchain-relay-utility/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, path string, cfg model.SecurityConfig) {
	t.Helper()
	raw, err := json.MarshalIndent(cfg, "", "  ")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, raw, 0600))
}

func testConfig() model.SecurityConfig {
	return model.SecurityConfig{
		APIKeys: []model.APIKeyRecord{
			{
				Key:     "key-alpha",
				Name:    "alpha",
				Enabled: true,
				Wallet:  &model.WalletConfig{PrivateKey: "0xabc"},
			},
			{
				Key:        "key-bravo",
				Name:       "bravo",
				Enabled:    true,
				AllowedIPs: []string{"10.0.0.0/8"},
			},
			{
				Key:     "key-disabled",
				Name:    "disabled",
				Enabled: false,
			},
		},
		GlobalIPWhitelist: []string{"127.0.0.1"},
		Settings: model.SecuritySettings{
			RequireAPIKey:              true,
			EnforceIPWhitelist:         true,
			LogFailedAttempts:          true,
			RateLimitEnabled:           true,
			RateLimitRequestsPerMinute: 120,
		},
	}
}

func TestNewStore_CreatesDefaultFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "security-config.json")

	store, err := NewStore(path)
	require.NoError(t, err)
	defer store.Close()

	raw, err := os.ReadFile(path)
	require.NoError(t, err)

	var cfg model.SecurityConfig
	require.NoError(t, json.Unmarshal(raw, &cfg))
	assert.NotEmpty(t, cfg.APIKeys)
	assert.True(t, cfg.Settings.RequireAPIKey)

	// The default file is pretty-printed
	assert.Contains(t, string(raw), "\n  ")
}

func TestStore_IndexesEnabledKeysOnly(t *testing.T) {
	path := filepath.Join(t.TempDir(), "security-config.json")
	writeConfig(t, path, testConfig())

	store, err := NewStore(path)
	require.NoError(t, err)
	defer store.Close()

	record, ok := store.ValidateKey("key-alpha")
	require.True(t, ok)
	assert.Equal(t, "alpha", record.Name)
	assert.True(t, record.CanFund())

	_, ok = store.ValidateKey("key-disabled")
	assert.False(t, ok)
	_, ok = store.ValidateKey("unknown")
	assert.False(t, ok)
	_, ok = store.ValidateKey("")
	assert.False(t, ok)
}

func TestStore_IsAllowed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "security-config.json")
	writeConfig(t, path, testConfig())

	store, err := NewStore(path)
	require.NoError(t, err)
	defer store.Close()

	alpha, _ := store.ValidateKey("key-alpha")
	bravo, _ := store.ValidateKey("key-bravo")

	// Global whitelist admits any key
	assert.True(t, store.IsAllowed("127.0.0.1", bravo))
	// Empty per-key list admits any IP
	assert.True(t, store.IsAllowed("203.0.113.50", alpha))
	// Per-key CIDR
	assert.True(t, store.IsAllowed("10.20.30.40", bravo))
	assert.False(t, store.IsAllowed("203.0.113.50", bravo))
}

func TestStore_ReloadSwapsSnapshotAtomically(t *testing.T) {
	path := filepath.Join(t.TempDir(), "security-config.json")
	writeConfig(t, path, testConfig())

	store, err := NewStore(path)
	require.NoError(t, err)
	defer store.Close()

	// A request in flight captures the current snapshot
	captured := store.Snapshot()
	_, ok := captured.Index["key-alpha"]
	require.True(t, ok)

	// Rewrite the file without key-alpha and reload
	next := testConfig()
	next.APIKeys = next.APIKeys[1:]
	next.Settings.RateLimitRequestsPerMinute = 10
	writeConfig(t, path, next)
	require.NoError(t, store.load())

	// New lookups miss the removed key
	_, ok = store.ValidateKey("key-alpha")
	assert.False(t, ok)

	// The captured snapshot is untouched: keys and settings stay paired
	_, ok = captured.Index["key-alpha"]
	assert.True(t, ok)
	assert.Equal(t, 120, captured.Config.Settings.RateLimitRequestsPerMinute)

	fresh := store.Snapshot()
	assert.Equal(t, 10, fresh.Config.Settings.RateLimitRequestsPerMinute)
	assert.True(t, fresh.LoadedAt.After(captured.LoadedAt) || fresh.LoadedAt.Equal(captured.LoadedAt))
}

func TestStore_MalformedReloadKeepsPreviousSnapshot(t *testing.T) {
	path := filepath.Join(t.TempDir(), "security-config.json")
	writeConfig(t, path, testConfig())

	store, err := NewStore(path)
	require.NoError(t, err)
	defer store.Close()

	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0600))
	assert.Error(t, store.load())

	_, ok := store.ValidateKey("key-alpha")
	assert.True(t, ok, "previous snapshot must survive a bad rewrite")
}

func TestStore_WatcherPicksUpRewrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "security-config.json")
	writeConfig(t, path, testConfig())

	store, err := NewStore(path)
	require.NoError(t, err)
	require.NoError(t, store.Watch())
	defer store.Close()

	next := testConfig()
	next.APIKeys = append(next.APIKeys, model.APIKeyRecord{
		Key: "key-charlie", Name: "charlie", Enabled: true,
	})
	writeConfig(t, path, next)

	// Debounce plus filesystem latency
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if _, ok := store.ValidateKey("key-charlie"); ok {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatal("watcher did not pick up the rewritten config")
}

func TestStore_LimiterFor(t *testing.T) {
	path := filepath.Join(t.TempDir(), "security-config.json")
	writeConfig(t, path, testConfig())

	store, err := NewStore(path)
	require.NoError(t, err)
	defer store.Close()

	limiter := store.LimiterFor("key-alpha")
	require.NotNil(t, limiter)
	// 120/min burst admits immediate requests
	assert.True(t, limiter.Allow())
	// Same key reuses the limiter
	assert.Same(t, limiter, store.LimiterFor("key-alpha"))

	// Disabled rate limiting yields no limiter
	next := testConfig()
	next.Settings.RateLimitEnabled = false
	writeConfig(t, path, next)
	require.NoError(t, store.load())
	assert.Nil(t, store.LimiterFor("key-alpha"))
}
