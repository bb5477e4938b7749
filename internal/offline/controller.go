// Package offline implements the offline cache controller: it pre-caches the
// application shell on install, drops stale cache versions on activate, and
// answers intercepted requests cache first, falling back to an offline page
// when a navigation cannot reach the network.
package offline

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/iTrooz/offline-cache-proxy/internal/cache"
	"github.com/iTrooz/offline-cache-proxy/internal/cache/httpcache"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

var (
	ErrBadStatus     = errors.New("unexpected response status")
	ErrNoOfflinePage = errors.New("offline page not cached")
	ErrNotInstalled  = errors.New("controller is not installed")
)

// Fetcher performs network requests. *http.Client satisfies it.
type Fetcher interface {
	Do(req *http.Request) (*http.Response, error)
}

// FetcherFunc adapts a function to the Fetcher interface
type FetcherFunc func(req *http.Request) (*http.Response, error)

func (f FetcherFunc) Do(req *http.Request) (*http.Response, error) {
	return f(req)
}

// Claimer makes the host route every subsequent request through c
type Claimer interface {
	Claim(ctx context.Context, c *Controller) error
}

// Options configures a Controller
type Options struct {
	Version     string
	Origin      *url.URL
	Assets      []string
	OfflinePage string
	Storage     cache.Storage
	Network     Fetcher
	Claimer     Claimer
}

// Controller owns one cache version
type Controller struct {
	version     string
	origin      *url.URL
	assets      []string
	offlinePage string
	storage     cache.Storage
	network     Fetcher
	claimer     Claimer

	state       atomic.Int32
	skipWaiting atomic.Bool
	writes      sync.WaitGroup
}

func New(opts Options) (*Controller, error) {
	if opts.Version == "" {
		return nil, errors.New("cache version is required")
	}
	if opts.Origin == nil || opts.Origin.Scheme == "" || opts.Origin.Host == "" {
		return nil, errors.New("absolute origin is required")
	}
	if opts.Storage == nil {
		return nil, errors.New("storage is required")
	}
	if opts.Network == nil {
		return nil, errors.New("network fetcher is required")
	}
	for _, asset := range opts.Assets {
		if _, err := parseAssetRef(asset); err != nil {
			return nil, err
		}
	}
	if opts.OfflinePage != "" {
		if _, err := parseAssetRef(opts.OfflinePage); err != nil {
			return nil, err
		}
	}
	return &Controller{
		version:     opts.Version,
		origin:      &url.URL{Scheme: opts.Origin.Scheme, Host: opts.Origin.Host},
		assets:      append([]string(nil), opts.Assets...),
		offlinePage: opts.OfflinePage,
		storage:     opts.Storage,
		network:     opts.Network,
		claimer:     opts.Claimer,
	}, nil
}

func (c *Controller) Version() string {
	return c.version
}

func (c *Controller) Origin() *url.URL {
	u := *c.origin
	return &u
}

func (c *Controller) State() State {
	return State(c.state.Load())
}

// SkipWaiting reports whether the host may activate c right after install,
// without waiting for the clients of the previous version to go away
func (c *Controller) SkipWaiting() bool {
	return c.skipWaiting.Load()
}

// Wait blocks until every background cache write has finished
func (c *Controller) Wait() {
	c.writes.Wait()
}

func (c *Controller) logger() *logrus.Entry {
	return logrus.WithField("version", c.version)
}

// resolve turns an origin-relative reference such as /app.js?v=2 into an absolute URL
func (c *Controller) resolve(ref string) (string, error) {
	u, err := parseAssetRef(ref)
	if err != nil {
		return "", err
	}
	return c.origin.ResolveReference(u).String(), nil
}

func parseAssetRef(ref string) (*url.URL, error) {
	u, err := url.Parse(ref)
	if err != nil {
		return nil, fmt.Errorf("invalid asset %q: %w", ref, err)
	}
	if u.Scheme != "" || u.Host != "" || !strings.HasPrefix(u.Path, "/") {
		return nil, fmt.Errorf("asset %q must be a path on the origin", ref)
	}
	return u, nil
}

func (c *Controller) open() (*httpcache.HTTPCache, error) {
	store, err := c.storage.Open(c.version)
	if err != nil {
		return nil, fmt.Errorf("failed to open store %s: %w", c.version, err)
	}
	return httpcache.New(store), nil
}

// Install fetches every asset and stores them under the controller version.
// Either all assets end up stored, or none of them is.
func (c *Controller) Install(ctx context.Context) error {
	c.state.Store(int32(StateInstalling))
	c.skipWaiting.Store(true)
	c.logger().Infof("Installing %d assets", len(c.assets))

	keys := make([]string, len(c.assets))
	fetched := make([][]byte, len(c.assets))

	g, gctx := errgroup.WithContext(ctx)
	for i, asset := range c.assets {
		i, asset := i, asset
		g.Go(func() error {
			key, data, err := c.fetchAsset(gctx, asset)
			if err != nil {
				return fmt.Errorf("fetching %s: %w", asset, err)
			}
			keys[i], fetched[i] = key, data
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		c.state.Store(int32(StateRedundant))
		c.logger().Errorf("Install failed: %v", err)
		return fmt.Errorf("install %s: %w", c.version, err)
	}

	names, err := c.storage.Names()
	if err != nil {
		c.state.Store(int32(StateRedundant))
		return fmt.Errorf("install %s: listing stores: %w", c.version, err)
	}
	existed := slices.Contains(names, c.version)

	store, err := c.open()
	if err != nil {
		c.state.Store(int32(StateRedundant))
		return fmt.Errorf("install %s: %w", c.version, err)
	}
	if err := populate(store, keys, fetched); err != nil {
		if !existed {
			if delErr := c.storage.Delete(c.version); delErr != nil {
				c.logger().Errorf("Failed to remove incomplete store: %v", delErr)
			}
		}
		c.state.Store(int32(StateRedundant))
		c.logger().Errorf("Install failed: %v", err)
		return fmt.Errorf("install %s: %w", c.version, err)
	}

	c.state.Store(int32(StateInstalled))
	c.logger().Infof("Installed")
	return nil
}

func (c *Controller) fetchAsset(ctx context.Context, asset string) (string, []byte, error) {
	target, err := c.resolve(asset)
	if err != nil {
		return "", nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return "", nil, err
	}
	key, err := httpcache.GenerateKey(req)
	if err != nil {
		return "", nil, err
	}

	resp, err := c.network.Do(req)
	if err != nil {
		return "", nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", nil, fmt.Errorf("%w: %d", ErrBadStatus, resp.StatusCode)
	}

	data, err := httpcache.Serialize(resp)
	if err != nil {
		return "", nil, err
	}
	return key, data, nil
}

// populate writes every entry, restoring the previous content of the store if one write fails
func populate(store *httpcache.HTTPCache, keys []string, values [][]byte) error {
	previous := make(map[string][]byte, len(keys))
	for _, key := range keys {
		if _, seen := previous[key]; seen {
			continue
		}
		data, err := store.GetRaw(key)
		if err != nil {
			return err
		}
		previous[key] = data
	}

	var written []string
	for i, key := range keys {
		if err := store.SetRaw(key, values[i]); err != nil {
			for _, w := range written {
				var rollbackErr error
				if previous[w] == nil {
					rollbackErr = store.DeleteKey(w)
				} else {
					rollbackErr = store.SetRaw(w, previous[w])
				}
				if rollbackErr != nil {
					logrus.Errorf("Failed to roll back cache entry %s: %v", w, rollbackErr)
				}
			}
			return err
		}
		written = append(written, key)
	}
	return nil
}

// Restore marks c installed when its store survived from a previous run,
// so it can be activated again without fetching anything
func (c *Controller) Restore() (bool, error) {
	names, err := c.storage.Names()
	if err != nil {
		return false, fmt.Errorf("restore %s: listing stores: %w", c.version, err)
	}
	if !slices.Contains(names, c.version) {
		return false, nil
	}
	c.state.Store(int32(StateInstalled))
	c.logger().Infof("Restored existing store")
	return true, nil
}

// Activate deletes every store but the current one, then claims the clients.
// A store that cannot be deleted is logged and kept, it never blocks the claim.
func (c *Controller) Activate(ctx context.Context) error {
	switch c.State() {
	case StateInstalled, StateActivated:
	default:
		return fmt.Errorf("activate %s: %w (state %s)", c.version, ErrNotInstalled, c.State())
	}
	c.state.Store(int32(StateActivating))

	names, err := c.storage.Names()
	if err != nil {
		c.state.Store(int32(StateInstalled))
		return fmt.Errorf("activate %s: listing stores: %w", c.version, err)
	}

	var errs []error
	for _, name := range names {
		if name == c.version {
			continue
		}
		if err := c.storage.Delete(name); err != nil {
			errs = append(errs, fmt.Errorf("deleting store %s: %w", name, err))
			continue
		}
		c.logger().Infof("Deleted stale store %s", name)
	}
	if len(errs) > 0 {
		c.logger().Warnf("Some stale stores were kept: %v", errors.Join(errs...))
	}

	if c.claimer != nil {
		if err := c.claimer.Claim(ctx, c); err != nil {
			c.state.Store(int32(StateInstalled))
			return fmt.Errorf("activate %s: claiming clients: %w", c.version, err)
		}
	}

	c.state.Store(int32(StateActivated))
	c.logger().Infof("Activated")
	return nil
}

// Intercepts reports whether Fetch applies its caching policy to req.
// Other requests should be forwarded untouched.
func (c *Controller) Intercepts(req *http.Request) bool {
	return req.Method == http.MethodGet
}

// Fetch answers req from the current store, or from the network.
// A successful same-origin network response is copied into the store in the background.
// When the network fails, navigation and HTML requests get the offline page.
func (c *Controller) Fetch(req *http.Request) (*http.Response, error) {
	if !c.Intercepts(req) {
		return c.network.Do(outgoing(req))
	}
	log := c.logger().WithField("url", req.URL.String())

	store, err := c.open()
	if err != nil {
		log.Errorf("Cache unavailable: %v", err)
		store = nil
	}

	if store != nil {
		resp, err := store.GetReq(req)
		if err != nil {
			log.Errorf("Failed to get cached data: %v", err)
		} else if resp != nil {
			log.Debugf("Serving from cache")
			resp.Header.Set("X-Cache", "HIT")
			return resp, nil
		}
	}

	resp, err := c.network.Do(outgoing(req))
	if err != nil {
		return c.fallback(store, req, err)
	}

	if store != nil && SameOrigin(req.URL, c.origin) && resp.StatusCode != http.StatusPartialContent {
		data, err := httpcache.Serialize(resp)
		if err != nil {
			_ = resp.Body.Close()
			return c.fallback(store, req, fmt.Errorf("reading response body: %w", err))
		}
		c.storeInBackground(store, req, data)
	}

	resp.Header.Set("X-Cache", "MISS")
	log.Debugf("Fetched from network -> %d", resp.StatusCode)
	return resp, nil
}

func (c *Controller) storeInBackground(store *httpcache.HTTPCache, req *http.Request, data []byte) {
	key, err := httpcache.GenerateKey(req)
	if err != nil {
		logrus.Debugf("Not caching %s: %v", req.URL, err)
		return
	}
	c.writes.Add(1)
	go func() {
		defer c.writes.Done()
		if err := store.SetRaw(key, data); err != nil {
			c.logger().Debugf("Failed to cache response for %s: %v", req.URL, err)
		}
	}()
}

func (c *Controller) fallback(store *httpcache.HTTPCache, req *http.Request, fetchErr error) (*http.Response, error) {
	if !IsNavigation(req) && !AcceptsHTML(req) {
		return nil, fetchErr
	}
	if store == nil || c.offlinePage == "" {
		return nil, fmt.Errorf("%w: %w", ErrNoOfflinePage, fetchErr)
	}

	target, err := c.resolve(c.offlinePage)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrNoOfflinePage, fetchErr)
	}
	offlineReq, err := http.NewRequest(http.MethodGet, target, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrNoOfflinePage, fetchErr)
	}
	resp, err := store.GetReq(offlineReq)
	if err != nil {
		c.logger().Errorf("Failed to get offline page: %v", err)
	}
	if resp == nil {
		return nil, fmt.Errorf("%w: %w", ErrNoOfflinePage, fetchErr)
	}

	c.logger().Infof("Network failed for %s, serving offline page: %v", req.URL, fetchErr)
	resp.Request = req
	resp.Header.Set("X-Cache", "OFFLINE")
	return resp, nil
}
