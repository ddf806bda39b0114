// Package rdb is the client-side realtime database SDK's public surface:
// a Database handle, collection/document references, auth, optimistic
// execution, and the error taxonomy. Everything that talks to the wire
// or the disk lives in internal/; this package only builds requests and
// hands them to internal/session.
package rdb

import (
	"encoding/base64"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/odinrealtime/rdb-go/internal/cache"
	"github.com/odinrealtime/rdb-go/internal/metrics"
	"github.com/odinrealtime/rdb-go/internal/model"
	"github.com/odinrealtime/rdb-go/internal/session"
	"github.com/odinrealtime/rdb-go/internal/subscription"
	"github.com/odinrealtime/rdb-go/internal/wire"
)

const systemSampleInterval = 15 * time.Second

// defaultMetrics is the one Prometheus-backed metric set shared by every
// Database opened without Options.Metrics: promauto registers globally, so
// a second metrics.NewMetrics() in the same process would panic.
var (
	defaultMetricsOnce sync.Once
	defaultMetrics     *metrics.Metrics
)

// Options configures Open. Zero value is valid except for APIKey, which
// must be supplied.
type Options struct {
	// APIKey identifies the database and, base64-decoded, names the
	// server host: ws://<base64-decode(APIKey)>, spec.md §6.
	APIKey string `json:"apiKey"`

	// CacheDir is the root directory for this api-key's on-disk cache.
	// Defaults to <platform user-cache dir>/rdb/<base64url(api-key)>.
	// Ignored if DisableCache is true.
	CacheDir string `json:"cacheDir,omitempty"`

	// DisableCache skips opening the on-disk cache entirely: fetches and
	// subscriptions work the same, but nothing survives a restart and
	// a fresh subscription has no last-known value to deliver before the
	// server responds.
	DisableCache bool `json:"disableCache,omitempty"`

	// CacheMaxSizeBytes and CacheTTLSeconds override the cache's pruning
	// thresholds; zero means the package defaults (100 MiB, unbounded).
	CacheMaxSizeBytes int64 `json:"cacheMaxSizeBytes,omitempty"`
	CacheTTLSeconds   int64 `json:"cacheTtlSeconds,omitempty"`

	// Logger receives every component's log output. Defaults to
	// log.New(os.Stderr, "[rdb] ", log.LstdFlags).
	Logger *log.Logger `json:"-"`

	// Metrics receives connection/queue/cache/subscription gauges and
	// counters. Defaults to one Prometheus-backed metrics.NewMetrics()
	// instance shared by every Database in the process that sets none.
	// Pass a no-op implementation to opt out of Prometheus registration.
	Metrics metrics.MetricsInterface `json:"-"`
}

// OptionsFromEnv returns opts with the environment-variable overrides a
// fleet deployment typically wants applied over its baked-in defaults:
// RDB_API_KEY, RDB_CACHE_DIR, RDB_DISABLE_CACHE. Mirrors the teacher's
// cmd/main.go applyEnvOverrides shape.
func OptionsFromEnv(opts Options) Options {
	if v := os.Getenv("RDB_API_KEY"); v != "" {
		opts.APIKey = v
	}
	if v := os.Getenv("RDB_CACHE_DIR"); v != "" {
		opts.CacheDir = v
	}
	switch os.Getenv("RDB_DISABLE_CACHE") {
	case "true":
		opts.DisableCache = true
	case "false":
		opts.DisableCache = false
	}
	return opts
}

// Database owns one session manager, one optional on-disk cache, and the
// subscription registry built over them, spec.md §4.7.
type Database struct {
	apiKey   string
	session  *session.Manager
	cache    *cache.Cache
	registry *subscription.Registry
	logger   *log.Logger
	metrics  metrics.MetricsInterface

	stopSampler chan struct{}

	// refs counts live Open() callers sharing this handle, guarded by
	// liveHandles.mu. Close only tears the handle down once it drops to
	// zero.
	refs int
}

// liveHandles is the explicit, GC-timing-independent replacement for the
// teacher's weakly-held process-wide handle list (spec.md §9): a handle
// per distinct api-key, created on first Open and destroyed once its
// last Close runs. Unlike a weak-reference list, a handle here never
// disappears out from under an in-flight caller just because nothing
// else happened to be holding a strong reference to it.
var liveHandles = struct {
	mu    sync.Mutex
	byKey map[string]*Database
}{byKey: make(map[string]*Database)}

// Open decodes opts.APIKey into a server URL and returns the Database
// handle for that api-key, opening a fresh session/cache on first call
// and sharing the existing handle (bumping its reference count) on
// every subsequent call with the same api-key, per spec.md §9's
// explicit-registry redesign of the source's weak-reference dedup.
// Callers must pair every successful Open with exactly one Close.
func Open(opts Options) (*Database, error) {
	if opts.APIKey == "" {
		return nil, model.New(model.KindInvalidRequest, "APIKey is required")
	}

	liveHandles.mu.Lock()
	if existing, ok := liveHandles.byKey[opts.APIKey]; ok {
		existing.refs++
		liveHandles.mu.Unlock()
		return existing, nil
	}
	liveHandles.mu.Unlock()

	db, err := newDatabase(opts)
	if err != nil {
		return nil, err
	}

	liveHandles.mu.Lock()
	if existing, ok := liveHandles.byKey[opts.APIKey]; ok {
		// lost a race with a concurrent Open for the same key: drop the
		// handle we just built in favor of the winner.
		existing.refs++
		liveHandles.mu.Unlock()
		db.teardown()
		return existing, nil
	}
	db.refs = 1
	liveHandles.byKey[opts.APIKey] = db
	liveHandles.mu.Unlock()
	return db, nil
}

// newDatabase builds a fresh handle for opts, with no registry bookkeeping.
func newDatabase(opts Options) (*Database, error) {
	url, err := decodeAPIKeyURL(opts.APIKey)
	if err != nil {
		return nil, err
	}

	logger := opts.Logger
	if logger == nil {
		logger = log.New(os.Stderr, "[rdb] ", log.LstdFlags)
	}
	m := opts.Metrics
	if m == nil {
		defaultMetricsOnce.Do(func() { defaultMetrics = metrics.NewMetrics() })
		m = defaultMetrics
	}

	var c *cache.Cache
	if !opts.DisableCache {
		dir := opts.CacheDir
		if dir == "" {
			dir, err = defaultCacheDir(opts.APIKey)
			if err != nil {
				return nil, model.Wrap(model.KindDefault, err)
			}
		}
		c, err = cache.Open(cache.Options{
			Dir:     dir,
			MaxSize: opts.CacheMaxSizeBytes,
			TTL:     opts.CacheTTLSeconds,
			Logger:  logger,
		}, m)
		if err != nil {
			return nil, model.Wrap(model.KindDefault, err)
		}
	}

	sessionMgr := session.New(session.Config{
		URL:     url,
		Codec:   wire.NewCodec(),
		Logger:  logger,
		Metrics: m,
	})

	db := &Database{
		apiKey:      opts.APIKey,
		session:     sessionMgr,
		cache:       c,
		logger:      logger,
		metrics:     m,
		stopSampler: make(chan struct{}),
	}
	db.registry = subscription.NewRegistry(sessionMgr, c, logger)

	go db.sampleSystemMetrics()
	sessionMgr.GoOnline()
	return db, nil
}

// Close releases this caller's reference to the api-key's shared handle.
// The underlying session, cache, and background sampler only tear down
// once every Open for this api-key has had a matching Close — the
// explicit lifecycle spec.md §9 asks for in place of the source's
// GC-timed weak-reference release.
func (db *Database) Close() error {
	liveHandles.mu.Lock()
	db.refs--
	remaining := db.refs
	if remaining <= 0 {
		delete(liveHandles.byKey, db.apiKey)
	}
	liveHandles.mu.Unlock()
	if remaining > 0 {
		return nil
	}
	return db.teardown()
}

// teardown unconditionally tears down this handle's session, cache, and
// background sampler, bypassing refcounting. Used both by the real
// last-Close path and to discard a handle that lost an Open() race.
func (db *Database) teardown() error {
	close(db.stopSampler)
	db.session.Stop()
	if db.cache != nil {
		return db.cache.Close()
	}
	return nil
}

func (db *Database) sampleSystemMetrics() {
	metrics.NewSystemSampler(db.metrics).Run(db.stopSampler, systemSampleInterval)
}

func decodeAPIKeyURL(apiKey string) (string, error) {
	decoded, err := base64.StdEncoding.DecodeString(apiKey)
	if err != nil {
		return "", model.WithReason(model.KindInvalidData, model.ReasonInvalidDocument,
			fmt.Sprintf("api key is not valid base64: %v", err))
	}
	host := strings.TrimSpace(string(decoded))
	if host == "" {
		return "", model.New(model.KindInvalidRequest, "api key decodes to an empty host")
	}
	return "ws://" + host, nil
}

func defaultCacheDir(apiKey string) (string, error) {
	base, err := os.UserCacheDir()
	if err != nil {
		if runtime.GOOS == "windows" {
			return "", err
		}
		base = os.TempDir()
	}
	safe := base64.RawURLEncoding.EncodeToString([]byte(apiKey))
	return filepath.Join(base, "rdb", safe), nil
}
