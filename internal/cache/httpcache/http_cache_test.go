package httpcache

import (
	"io"
	"net/http"
	"strings"
	"testing"

	"github.com/iTrooz/offline-cache-proxy/internal/cache"
)

func newResponse(status int, body string) *http.Response {
	return &http.Response{
		StatusCode:    status,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		ContentLength: int64(len(body)),
		Body:          io.NopCloser(strings.NewReader(body)),
		Header:        http.Header{"Content-Type": []string{"text/html"}},
	}
}

func TestGenerateKey(t *testing.T) {
	tests := []struct {
		name      string
		method    string
		targetURL string
		want      string
	}{
		{
			name:      "root path",
			method:    "GET",
			targetURL: "https://app.example.com/",
			want:      "https/app.example.com/GET.bin",
		},
		{
			name:      "empty path is root",
			method:    "GET",
			targetURL: "https://app.example.com",
			want:      "https/app.example.com/GET.bin",
		},
		{
			name:      "nested path",
			method:    "GET",
			targetURL: "https://app.example.com/static/app.js",
			want:      "https/app.example.com/static/app%2Ejs/GET.bin",
		},
		{
			name:      "default port stripped",
			method:    "GET",
			targetURL: "http://app.example.com:80/offline.html",
			want:      "http/app.example.com/offline%2Ehtml/GET.bin",
		},
		{
			name:      "default port of the other scheme kept",
			method:    "GET",
			targetURL: "http://app.example.com:443/",
			want:      "http/app.example.com:443/GET.bin",
		},
		{
			name:      "custom port kept",
			method:    "GET",
			targetURL: "http://localhost:3000/",
			want:      "http/localhost:3000/GET.bin",
		},
		{
			name:      "host lowercased",
			method:    "GET",
			targetURL: "HTTPS://App.Example.COM/Page",
			want:      "https/app.example.com/Page/GET.bin",
		},
		{
			name:      "trailing slash marked",
			method:    "GET",
			targetURL: "https://app.example.com/a/",
			want:      "https/app.example.com/a/%/GET.bin",
		},
		{
			name:      "dot segments stay below the host",
			method:    "GET",
			targetURL: "https://app.example.com/../evil.example.com/x",
			want:      "https/app.example.com/%2E%2E/evil%2Eexample%2Ecom/x/GET.bin",
		},
		{
			name:      "encoded slash kept in its segment",
			method:    "GET",
			targetURL: "https://app.example.com/a%2Fb",
			want:      "https/app.example.com/a%2Fb/GET.bin",
		},
		{
			name:      "query params hashed",
			method:    "GET",
			targetURL: "https://api.github.com/users?page=1",
			want:      "https/api.github.com/users/GET_qc5c34f0fdf091a49.bin",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, err := http.NewRequest(tt.method, tt.targetURL, nil)
			if err != nil {
				t.Fatalf("Failed to create request: %v", err)
			}
			got, err := GenerateKey(req)
			if err != nil {
				t.Fatalf("GenerateKey() error = %v", err)
			}
			if got != tt.want {
				t.Errorf("GenerateKey() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestGenerateKeyDistinctURLs(t *testing.T) {
	urls := []string{
		"https://app.example.com/",
		"http://app.example.com/",
		"https://app.example.com:8443/",
		"https://app.example.com/a",
		"https://app.example.com/a/",
		"https://app.example.com/a//",
		"https://app.example.com//a",
		"https://app.example.com/a/b",
		"https://app.example.com/a%2Fb",
		"https://app.example.com/a/GET.bin",
		"https://app.example.com/a.b",
		"https://app.example.com/a?x=1",
		"https://app.example.com/a?x=2",
		"https://app.example.com/../evil.example.com/x",
		"https://evil.example.com/x",
		"https://app.example.com/./x",
		"https://app.example.com/x",
	}

	seen := make(map[string]string, len(urls))
	for _, target := range urls {
		req, err := http.NewRequest("GET", target, nil)
		if err != nil {
			t.Fatalf("Failed to create request for %s: %v", target, err)
		}
		key, err := GenerateKey(req)
		if err != nil {
			t.Fatalf("GenerateKey(%s) error = %v", target, err)
		}
		if other, ok := seen[key]; ok {
			t.Errorf("%s and %s share key %s", other, target, key)
		}
		seen[key] = target
	}
}

func TestGenerateKeyStaysInsideHostOnDisk(t *testing.T) {
	genericCache := cache.NewGenericDisk(t.TempDir())
	if err := genericCache.Init(); err != nil {
		t.Fatalf("Init() error = %v", err)
	}
	httpCache := New(genericCache)

	poisoned, _ := http.NewRequest("GET", "https://app.example.com/../evil.example.com/x", nil)
	if err := httpCache.SetReq(poisoned, newResponse(http.StatusOK, "poison")); err != nil {
		t.Fatalf("SetReq() error = %v", err)
	}

	foreign, _ := http.NewRequest("GET", "https://evil.example.com/x", nil)
	resp, err := httpCache.GetReq(foreign)
	if err != nil {
		t.Fatalf("GetReq() error = %v", err)
	}
	if resp != nil {
		t.Errorf("GetReq(%s) returned the entry stored for %s", foreign.URL, poisoned.URL)
	}
}

func TestGenerateKeyIgnoresHeaders(t *testing.T) {
	a, _ := http.NewRequest("GET", "https://app.example.com/page", nil)
	b, _ := http.NewRequest("GET", "https://app.example.com/page", nil)
	b.Header.Set("Accept", "text/html")
	b.Header.Set("Sec-Fetch-Mode", "navigate")

	keyA, _ := GenerateKey(a)
	keyB, _ := GenerateKey(b)
	if keyA != keyB {
		t.Errorf("Keys differ for same method and URL: %s != %s", keyA, keyB)
	}
}

func TestGenerateKeyRelativeURL(t *testing.T) {
	req := &http.Request{Method: "GET", URL: mustParse(t, "/relative")}
	if _, err := GenerateKey(req); err == nil {
		t.Error("GenerateKey() should reject relative URLs")
	}
}

func TestHTTPCacheGetAndSet(t *testing.T) {
	genericCache := cache.NewGenericDisk(t.TempDir())
	if err := genericCache.Init(); err != nil {
		t.Fatalf("Init() error = %v", err)
	}
	httpCache := New(genericCache)

	req, err := http.NewRequest("GET", "https://example.com/api/users", nil)
	if err != nil {
		t.Fatalf("Failed to create request: %v", err)
	}

	testData := "test response data"
	resp := newResponse(http.StatusOK, testData)

	if err := httpCache.SetReq(req, resp); err != nil {
		t.Fatalf("SetReq() error = %v", err)
	}

	// Serialize must leave the original body readable
	original, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("Failed to read original body: %v", err)
	}
	if string(original) != testData {
		t.Errorf("Original body = %s, want %s", string(original), testData)
	}

	cachedResp, err := httpCache.GetReq(req)
	if err != nil {
		t.Fatalf("GetReq() error = %v", err)
	}
	if cachedResp == nil {
		t.Fatalf("GetReq() returned nil response, want cached response")
	}
	if cachedResp.Request != req {
		t.Errorf("Cached response should reference the original request")
	}
	if cachedResp.Header.Get("Content-Type") != "text/html" {
		t.Errorf("Content-Type = %s, want text/html", cachedResp.Header.Get("Content-Type"))
	}

	cachedData, err := io.ReadAll(cachedResp.Body)
	if err != nil {
		t.Fatalf("Failed to read cached response body: %v", err)
	}
	if string(cachedData) != testData {
		t.Errorf("GetReq() data = %s, want %s", string(cachedData), testData)
	}
}

func TestHTTPCachePreservesErrorStatus(t *testing.T) {
	httpCache := New(memoryStore(t))
	req, _ := http.NewRequest("GET", "https://example.com/missing", nil)

	if err := httpCache.SetReq(req, newResponse(http.StatusNotFound, "not found")); err != nil {
		t.Fatalf("SetReq() error = %v", err)
	}

	cachedResp, err := httpCache.GetReq(req)
	if err != nil {
		t.Fatalf("GetReq() error = %v", err)
	}
	if cachedResp.StatusCode != http.StatusNotFound {
		t.Errorf("StatusCode = %d, want %d", cachedResp.StatusCode, http.StatusNotFound)
	}
}

func TestHTTPCacheMiss(t *testing.T) {
	httpCache := New(memoryStore(t))
	req, _ := http.NewRequest("GET", "https://example.com/never", nil)

	cachedResp, err := httpCache.GetReq(req)
	if err != nil {
		t.Errorf("GetReq() error = %v", err)
	}
	if cachedResp != nil {
		t.Errorf("GetReq() returned response for uncached request, want nil")
	}
}

func TestHTTPCacheDeleteAndKeys(t *testing.T) {
	httpCache := New(memoryStore(t))
	req, _ := http.NewRequest("GET", "https://example.com/a", nil)
	key, _ := GenerateKey(req)

	if err := httpCache.SetKey(key, newResponse(http.StatusOK, "a")); err != nil {
		t.Fatalf("SetKey() error = %v", err)
	}
	keys, err := httpCache.Keys()
	if err != nil || len(keys) != 1 || keys[0] != key {
		t.Fatalf("Keys() = %v, %v, want [%s]", keys, err, key)
	}

	if err := httpCache.DeleteKey(key); err != nil {
		t.Fatalf("DeleteKey() error = %v", err)
	}
	if resp, _ := httpCache.GetKey(key); resp != nil {
		t.Errorf("GetKey() after delete returned a response")
	}
}

func TestHTTPCacheCorruptEntry(t *testing.T) {
	store := memoryStore(t)
	if err := store.Set("broken", []byte("garbage")); err != nil {
		t.Fatalf("Set() error = %v", err)
	}

	if _, err := New(store).GetKey("broken"); err == nil {
		t.Error("GetKey() on corrupt entry should fail")
	}
}

func memoryStore(t *testing.T) cache.GenericCache {
	t.Helper()
	store, err := cache.NewMemoryStorage().Open("test")
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	return store
}
