package rdb

import (
	"encoding/base64"
	"os"
	"testing"
)

func TestDecodeAPIKeyURL(t *testing.T) {
	key := base64.StdEncoding.EncodeToString([]byte("db.example.com:8443"))
	url, err := decodeAPIKeyURL(key)
	if err != nil {
		t.Fatalf("decodeAPIKeyURL: %v", err)
	}
	if url != "ws://db.example.com:8443" {
		t.Fatalf("url = %q, want ws://db.example.com:8443", url)
	}
}

func TestDecodeAPIKeyURLRejectsBadBase64(t *testing.T) {
	if _, err := decodeAPIKeyURL("not base64!!"); err == nil {
		t.Fatalf("expected an error decoding invalid base64")
	}
}

func TestDecodeAPIKeyURLRejectsEmptyHost(t *testing.T) {
	key := base64.StdEncoding.EncodeToString([]byte("   "))
	if _, err := decodeAPIKeyURL(key); err == nil {
		t.Fatalf("expected an error decoding a key that decodes to whitespace")
	}
}

func TestOpenRejectsMissingAPIKey(t *testing.T) {
	if _, err := Open(Options{}); err == nil {
		t.Fatalf("expected Open to reject an empty APIKey")
	}
}

func TestOptionsFromEnvOverridesAPIKey(t *testing.T) {
	t.Setenv("RDB_API_KEY", "env-key")
	t.Setenv("RDB_CACHE_DIR", "")
	os.Unsetenv("RDB_DISABLE_CACHE")

	opts := OptionsFromEnv(Options{APIKey: "baked-in"})
	if opts.APIKey != "env-key" {
		t.Fatalf("APIKey = %q, want env-key", opts.APIKey)
	}
}

func TestOptionsFromEnvDisableCache(t *testing.T) {
	t.Setenv("RDB_DISABLE_CACHE", "true")
	opts := OptionsFromEnv(Options{APIKey: "k"})
	if !opts.DisableCache {
		t.Fatalf("expected DisableCache=true from RDB_DISABLE_CACHE=true")
	}
}

// TestOpenDedupesByAPIKey exercises spec.md §9's explicit-registry
// redesign: two Opens for the same api-key share one handle, and the
// underlying session/cache only tear down once every Open has a
// matching Close.
func TestOpenDedupesByAPIKey(t *testing.T) {
	key := base64.StdEncoding.EncodeToString([]byte("registry.example.com:1"))
	opts := Options{APIKey: key, CacheDir: t.TempDir(), DisableCache: true}

	first, err := Open(opts)
	if err != nil {
		t.Fatalf("first Open: %v", err)
	}
	second, err := Open(opts)
	if err != nil {
		t.Fatalf("second Open: %v", err)
	}
	if first != second {
		t.Fatalf("expected Open to return the same handle for a repeated api-key")
	}

	liveHandles.mu.Lock()
	refs := first.refs
	liveHandles.mu.Unlock()
	if refs != 2 {
		t.Fatalf("refs = %d, want 2", refs)
	}

	if err := first.Close(); err != nil {
		t.Fatalf("first Close: %v", err)
	}
	liveHandles.mu.Lock()
	_, stillLive := liveHandles.byKey[key]
	liveHandles.mu.Unlock()
	if !stillLive {
		t.Fatalf("handle torn down after only one of two Closes")
	}

	if err := second.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	liveHandles.mu.Lock()
	_, stillLive = liveHandles.byKey[key]
	liveHandles.mu.Unlock()
	if stillLive {
		t.Fatalf("handle still registered after its last Close")
	}
}

// TestOpenDistinctAPIKeysGetDistinctHandles guards against the dedup
// logic accidentally collapsing unrelated databases.
func TestOpenDistinctAPIKeysGetDistinctHandles(t *testing.T) {
	keyA := base64.StdEncoding.EncodeToString([]byte("a.example.com:1"))
	keyB := base64.StdEncoding.EncodeToString([]byte("b.example.com:1"))

	a, err := Open(Options{APIKey: keyA, CacheDir: t.TempDir(), DisableCache: true})
	if err != nil {
		t.Fatalf("Open a: %v", err)
	}
	defer a.Close()
	b, err := Open(Options{APIKey: keyB, CacheDir: t.TempDir(), DisableCache: true})
	if err != nil {
		t.Fatalf("Open b: %v", err)
	}
	defer b.Close()

	if a == b {
		t.Fatalf("expected distinct handles for distinct api-keys")
	}
}
