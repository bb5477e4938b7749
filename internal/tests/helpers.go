package tests

import (
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"time"

	"github.com/iTrooz/offline-cache-proxy/internal/config"
	"github.com/iTrooz/offline-cache-proxy/internal/proxy"
)

// upstream is a test origin counting the requests it receives per method and path
type upstream struct {
	*httptest.Server
	mutex sync.Mutex
	hits  map[string]int
}

func (u *upstream) Hits(method, path string) int {
	u.mutex.Lock()
	defer u.mutex.Unlock()
	return u.hits[method+" "+path]
}

// fixture_upstream creates a test upstream server
func fixture_upstream() *upstream {
	u := &upstream{hits: make(map[string]int)}
	u.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, requ *http.Request) {
		u.mutex.Lock()
		u.hits[requ.Method+" "+requ.URL.Path]++
		u.mutex.Unlock()

		if requ.URL.Path == "/offline.html" {
			w.Header().Set("Content-Type", "text/html")
			_, _ = w.Write([]byte("<html>You are offline</html>"))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"message": "Hello from upstream", "method": "` + requ.Method + `", "path": "` + requ.URL.Path + `"}`))
	}))
	return u
}

// fixture_config creates a test config caching originURL
func fixture_config(originURL string, cache config.CacheConfig) *config.Config {
	cfg := &config.Config{
		Server: config.ServerConfig{Port: 0}, // Will be set by test server
		App:    config.AppConfig{Origin: originURL},
		Cache:  cache,
	}
	cfg.SetDefaults()
	return cfg
}

// fixture_proxy creates a proxy server with the given config and returns the server, test server, and HTTP client
func fixture_proxy(cfg *config.Config) (*proxy.Server, *httptest.Server, *http.Client, error) {
	proxyServer, err := proxy.New(cfg)
	if err != nil {
		return nil, nil, nil, err
	}

	// Create test proxy HTTP server using goproxy
	proxyTestServer := httptest.NewServer(proxyServer.GetProxy())

	// Create HTTP client that uses our proxy
	proxyURL, _ := url.Parse(proxyTestServer.URL)
	client := &http.Client{
		Transport: &http.Transport{
			Proxy: http.ProxyURL(proxyURL),
		},
		Timeout: 10 * time.Second,
	}

	return proxyServer, proxyTestServer, client, nil
}
