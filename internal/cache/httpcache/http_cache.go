package httpcache

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"

	"github.com/iTrooz/offline-cache-proxy/internal/cache"
)

// HTTPCache stores HTTP responses in a GenericCache, keyed by request method and URL
type HTTPCache struct {
	cache cache.GenericCache
}

func New(cache cache.GenericCache) *HTTPCache {
	return &HTTPCache{
		cache: cache,
	}
}

// GenerateKey generates a unique key for a request, based on its method and URL only.
// Headers and body never take part in the key.
//
// Keys look like scheme/host[:port]/segment.../METHOD[_qqueryhash].bin. Path segments
// are escaped so that they never contain a dot: no segment can climb out of its host
// or collide with the file name. An empty segment (a trailing or doubled slash) is
// written as "%".
func GenerateKey(request *http.Request) (string, error) {
	if request.URL == nil || request.URL.Host == "" || request.URL.Scheme == "" {
		return "", fmt.Errorf("request URL must be absolute: %v", request.URL)
	}

	scheme := strings.ToLower(request.URL.Scheme)
	host, err := keyHost(scheme, request.URL)
	if err != nil {
		return "", err
	}
	parts := []string{scheme, host}

	if p := strings.TrimPrefix(request.URL.EscapedPath(), "/"); p != "" {
		for _, segment := range strings.Split(p, "/") {
			escaped, err := keySegment(segment)
			if err != nil {
				return "", fmt.Errorf("invalid request path %q: %w", request.URL.EscapedPath(), err)
			}
			parts = append(parts, escaped)
		}
	}

	method := request.Method
	if method == "" {
		method = http.MethodGet
	}
	filename := url.PathEscape(method)
	if request.URL.RawQuery != "" {
		hash := sha256.Sum256([]byte(request.URL.RawQuery))
		filename += "_q" + hex.EncodeToString(hash[:8])
	}
	filename += ".bin"

	return strings.Join(append(parts, filename), "/"), nil
}

// keyHost lowercases the host and drops the port only when it is the scheme default
func keyHost(scheme string, u *url.URL) (string, error) {
	hostname := strings.ToLower(u.Hostname())
	if hostname == "" || hostname == "." || hostname == ".." || strings.ContainsAny(hostname, `/\`) {
		return "", fmt.Errorf("invalid request host: %q", u.Host)
	}

	port := u.Port()
	if (scheme == "http" && port == "80") || (scheme == "https" && port == "443") {
		port = ""
	}
	if port != "" {
		return net.JoinHostPort(hostname, port), nil
	}
	if strings.Contains(hostname, ":") {
		return "[" + hostname + "]", nil
	}
	return hostname, nil
}

func keySegment(segment string) (string, error) {
	if segment == "" {
		return "%", nil
	}
	decoded, err := url.PathUnescape(segment)
	if err != nil {
		return "", err
	}
	return strings.ReplaceAll(url.PathEscape(decoded), ".", "%2E"), nil
}

func (d *HTTPCache) SetReq(request *http.Request, resp *http.Response) error {
	cacheKey, err := GenerateKey(request)
	if err != nil {
		return fmt.Errorf("failed to generate cache key: %w", err)
	}

	return d.SetKey(cacheKey, resp)
}

func (d *HTTPCache) SetKey(requestKey string, resp *http.Response) error {
	data, err := Serialize(resp)
	if err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}

	return d.SetRaw(requestKey, data)
}

// SetRaw stores an already serialized response
func (d *HTTPCache) SetRaw(requestKey string, data []byte) error {
	if err := d.cache.Set(requestKey, data); err != nil {
		return fmt.Errorf("failed to set cache: %w", err)
	}
	return nil
}

// GetRaw returns the serialized response stored under requestKey, nil when missing
func (d *HTTPCache) GetRaw(requestKey string) ([]byte, error) {
	data, err := d.cache.Get(requestKey)
	if err != nil {
		return nil, fmt.Errorf("failed to get cache: %w", err)
	}
	return data, nil
}

func (d *HTTPCache) GetReq(req *http.Request) (*http.Response, error) {
	requestKey, err := GenerateKey(req)
	if err != nil {
		return nil, fmt.Errorf("failed to generate cache key: %w", err)
	}

	resp, err := d.GetKey(requestKey)
	if err != nil {
		return nil, err
	}
	// Handle no cache hit
	if resp == nil {
		return nil, nil
	}

	// Associate the original request with the response
	resp.Request = req
	return resp, nil
}

func (d *HTTPCache) GetKey(requestKey string) (*http.Response, error) {
	data, err := d.cache.Get(requestKey)
	if err != nil {
		return nil, fmt.Errorf("failed to get cache: %w", err)
	}
	if data == nil {
		return nil, nil // Cache miss
	}

	resp, err := Deserialize(data)
	if err != nil {
		return nil, fmt.Errorf("failed to deserialize response: %w", err)
	}
	return resp, nil
}

func (d *HTTPCache) DeleteKey(requestKey string) error {
	if err := d.cache.Delete(requestKey); err != nil {
		return fmt.Errorf("failed to delete cache entry: %w", err)
	}
	return nil
}

// Keys lists the keys of every stored response
func (d *HTTPCache) Keys() ([]string, error) {
	return d.cache.Keys()
}
