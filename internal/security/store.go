package security

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/charliepank/blockchain-relay-utility/internal/model"
	"github.com/charliepank/blockchain-relay-utility/internal/pkg/logger"
	"github.com/fsnotify/fsnotify"
	"golang.org/x/time/rate"
)

// reloadDebounce absorbs the burst of fsnotify events a single editor
// save or atomic rename produces.
const reloadDebounce = 100 * time.Millisecond

// Snapshot is one immutable, atomically published view of the security
// configuration. Index contains enabled records only.
type Snapshot struct {
	Config   *model.SecurityConfig
	Index    map[string]*model.APIKeyRecord
	LoadedAt time.Time
}

// Store loads, watches, and serves the API-key configuration. Readers
// load the current snapshot once per request; the watcher goroutine swaps
// it wholesale so a reader never observes a torn view.
type Store struct {
	path    string
	matcher *ipMatcher

	snapshot atomic.Pointer[Snapshot]

	watcher *fsnotify.Watcher
	done    chan struct{}

	reloadMu    sync.Mutex
	reloadTimer *time.Timer

	limiterMu sync.Mutex
	limiters  map[string]*rate.Limiter
}

// NewStore reads the config at path, writing a well-formed default file
// first if it does not exist.
func NewStore(path string) (*Store, error) {
	s := &Store{
		path:     path,
		matcher:  newIPMatcher(),
		done:     make(chan struct{}),
		limiters: make(map[string]*rate.Limiter),
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		if err := s.writeDefault(); err != nil {
			return nil, fmt.Errorf("failed to create default security config: %w", err)
		}
		logger.Info("Created default security config", "path", path)
	}

	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

// Watch starts the file watcher. Reloads are debounced and atomic; a
// malformed rewrite keeps the previous snapshot in place.
func (s *Store) Watch() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	// Watch the directory, not the file: editors and atomic renames
	// replace the inode.
	if err := watcher.Add(filepath.Dir(s.path)); err != nil {
		watcher.Close()
		return fmt.Errorf("failed to watch config directory: %w", err)
	}
	s.watcher = watcher

	go func() {
		target := filepath.Clean(s.path)
		for {
			select {
			case <-s.done:
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != target {
					continue
				}
				if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				s.scheduleReload()
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logger.Warn("Security config watcher error", "error", err)
			}
		}
	}()
	return nil
}

func (s *Store) scheduleReload() {
	s.reloadMu.Lock()
	defer s.reloadMu.Unlock()
	if s.reloadTimer != nil {
		s.reloadTimer.Reset(reloadDebounce)
		return
	}
	s.reloadTimer = time.AfterFunc(reloadDebounce, func() {
		s.reloadMu.Lock()
		s.reloadTimer = nil
		s.reloadMu.Unlock()

		if err := s.load(); err != nil {
			logger.Error("Security config reload failed, keeping previous snapshot", "error", err)
			return
		}
		logger.Info("Security config reloaded", "path", s.path)
	})
}

// Close stops the watcher.
func (s *Store) Close() {
	close(s.done)
	if s.watcher != nil {
		s.watcher.Close()
	}
}

func (s *Store) load() error {
	raw, err := os.ReadFile(s.path)
	if err != nil {
		return fmt.Errorf("failed to read security config: %w", err)
	}

	var cfg model.SecurityConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return fmt.Errorf("failed to parse security config: %w", err)
	}

	index := make(map[string]*model.APIKeyRecord, len(cfg.APIKeys))
	for i := range cfg.APIKeys {
		record := &cfg.APIKeys[i]
		if !record.Enabled || record.Key == "" {
			continue
		}
		index[record.Key] = record
	}

	now := time.Now()
	cfg.LoadedAt = now
	s.snapshot.Store(&Snapshot{
		Config:   &cfg,
		Index:    index,
		LoadedAt: now,
	})

	// Limiters are keyed by API key; a reload may change the rate, so
	// they are rebuilt lazily against the new settings.
	s.limiterMu.Lock()
	s.limiters = make(map[string]*rate.Limiter)
	s.limiterMu.Unlock()

	return nil
}

// Snapshot returns the current immutable view.
func (s *Store) Snapshot() *Snapshot {
	return s.snapshot.Load()
}

// ValidateKey looks up an enabled API key in the current snapshot.
func (s *Store) ValidateKey(key string) (*model.APIKeyRecord, bool) {
	if key == "" {
		return nil, false
	}
	record, ok := s.Snapshot().Index[key]
	return record, ok
}

// Settings returns the current security settings.
func (s *Store) Settings() model.SecuritySettings {
	return s.Snapshot().Config.Settings
}

// IsAllowed reports whether ip passes the whitelist rules: the global
// whitelist admits any key, an empty per-key list admits any IP, and
// otherwise any per-key entry must match.
func (s *Store) IsAllowed(ip string, record *model.APIKeyRecord) bool {
	snap := s.Snapshot()
	for _, pattern := range snap.Config.GlobalIPWhitelist {
		if s.matcher.Matches(ip, pattern) {
			return true
		}
	}
	if record == nil || len(record.AllowedIPs) == 0 {
		return true
	}
	for _, pattern := range record.AllowedIPs {
		if s.matcher.Matches(ip, pattern) {
			return true
		}
	}
	return false
}

// LimiterFor returns the per-key rate limiter, creating it on first use
// from the current settings. Returns nil when rate limiting is disabled.
func (s *Store) LimiterFor(key string) *rate.Limiter {
	settings := s.Settings()
	if !settings.RateLimitEnabled {
		return nil
	}
	perMinute := settings.RateLimitRequestsPerMinute
	if perMinute <= 0 {
		perMinute = 60
	}

	s.limiterMu.Lock()
	defer s.limiterMu.Unlock()
	if limiter, ok := s.limiters[key]; ok {
		return limiter
	}
	limiter := rate.NewLimiter(rate.Limit(float64(perMinute)/60.0), perMinute)
	s.limiters[key] = limiter
	return limiter
}

func (s *Store) writeDefault() error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0755); err != nil {
		return err
	}
	cfg := model.SecurityConfig{
		APIKeys: []model.APIKeyRecord{
			{
				Key:         "change-me-example-key",
				Name:        "example",
				AllowedIPs:  []string{"127.0.0.1", "::1"},
				Enabled:     true,
				Description: "Example key created on first start; replace before production use",
			},
		},
		GlobalIPWhitelist: []string{"127.0.0.1", "::1"},
		Settings: model.SecuritySettings{
			RequireAPIKey:              true,
			EnforceIPWhitelist:         true,
			LogFailedAttempts:          true,
			RateLimitEnabled:           false,
			RateLimitRequestsPerMinute: 60,
		},
	}
	raw, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(s.path, raw, 0600)
}
