package proxy

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/iTrooz/offline-cache-proxy/internal/cache"
	"github.com/iTrooz/offline-cache-proxy/internal/config"
	"github.com/iTrooz/offline-cache-proxy/internal/offline"

	"github.com/elazarl/goproxy"
	"github.com/sirupsen/logrus"
)

// Server represents the offline cache proxy server.
// It hosts at most one active controller, which every intercepted request goes through.
type Server struct {
	config  *config.Config
	origin  *url.URL
	proxy   *goproxy.ProxyHttpServer
	storage cache.Storage
	network *http.Client

	active      atomic.Pointer[offline.Controller]
	updateMutex sync.Mutex

	retiredMutex sync.Mutex
	retired      []*offline.Controller

	httpServer  *http.Server
	listenMutex sync.Mutex
	httpsListen net.Listener
}

// New creates a new proxy server
func New(cfg *config.Config) (*Server, error) {
	origin, err := cfg.GetOrigin()
	if err != nil {
		return nil, fmt.Errorf("invalid origin: %w", err)
	}

	timeout, err := cfg.GetNetworkTimeout()
	if err != nil {
		return nil, fmt.Errorf("invalid network timeout: %w", err)
	}

	storage, err := cache.NewStorage(&cfg.Cache)
	if err != nil {
		return nil, fmt.Errorf("failed to create cache storage: %w", err)
	}

	server := &Server{
		config:  cfg,
		origin:  origin,
		proxy:   goproxy.NewProxyHttpServer(),
		storage: storage,
	}

	server.network = &http.Client{
		Transport: server.proxy.Tr,
		Timeout:   timeout,
		// Redirects go back to the browser untouched
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}

	if cfg.Server.HTTPS.Enabled {
		server.setupHTTPSProxyHandler()
	}
	server.proxy.OnRequest().DoFunc(server.handleRequest)

	server.httpServer = &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           server.proxy,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return server, nil
}

// GetProxy returns the HTTP handler of the proxy (exported for testing)
func (s *Server) GetProxy() http.Handler {
	return s.proxy
}

// Active returns the controller currently answering requests, nil if none is
func (s *Server) Active() *offline.Controller {
	return s.active.Load()
}

// Storage returns the cache storage shared by every controller
func (s *Server) Storage() cache.Storage {
	return s.storage
}

// Claim makes c the controller of every subsequent request
func (s *Server) Claim(ctx context.Context, c *offline.Controller) error {
	previous := s.active.Swap(c)
	if previous != nil && previous != c {
		logrus.Infof("Version %s replaces %s", c.Version(), previous.Version())
		s.retiredMutex.Lock()
		s.retired = append(s.retired, previous)
		s.retiredMutex.Unlock()
	} else if previous == nil {
		logrus.Infof("Version %s now controls %s", c.Version(), s.origin)
	}
	return nil
}

func (s *Server) newController(version string, assets []string) (*offline.Controller, error) {
	return offline.New(offline.Options{
		Version:     version,
		Origin:      s.origin,
		Assets:      assets,
		OfflinePage: s.config.App.OfflinePage,
		Storage:     s.storage,
		Network:     s.network,
		Claimer:     s,
	})
}

// Update installs a new version of the cache and activates it.
// When install fails the current controller keeps serving.
func (s *Server) Update(ctx context.Context, version string, assets []string) error {
	s.updateMutex.Lock()
	defer s.updateMutex.Unlock()

	c, err := s.newController(version, assets)
	if err != nil {
		return err
	}
	if err := c.Install(ctx); err != nil {
		return err
	}
	if !c.SkipWaiting() {
		logrus.Infof("Version %s installed, waiting for activation", version)
		return nil
	}
	return c.Activate(ctx)
}

// Resume activates the configured version from a store left by a previous run.
// It reports false when no such store exists.
func (s *Server) Resume(ctx context.Context) (bool, error) {
	s.updateMutex.Lock()
	defer s.updateMutex.Unlock()

	c, err := s.newController(s.config.App.Version, s.config.App.Assets)
	if err != nil {
		return false, err
	}
	ok, err := c.Restore()
	if err != nil || !ok {
		return false, err
	}
	return true, c.Activate(ctx)
}

func (s *Server) bootstrap(ctx context.Context) {
	resumed, err := s.Resume(ctx)
	if err != nil {
		logrus.Errorf("Failed to resume version %s: %v", s.config.App.Version, err)
	}
	if resumed {
		return
	}
	if err := s.Update(ctx, s.config.App.Version, s.config.App.Assets); err != nil {
		logrus.Errorf("Initial install failed, requests are forwarded without caching: %v", err)
	}
}

// Start starts the proxy server
func (s *Server) Start() error {
	s.bootstrap(context.Background())

	if addr := s.config.Server.HTTPS.TransparentAddr; s.config.Server.HTTPS.Enabled && addr != "" {
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			return fmt.Errorf("failed to listen for https connections: %w", err)
		}
		s.listenMutex.Lock()
		s.httpsListen = ln
		s.listenMutex.Unlock()
		go s.ServeTransparentHTTPS(ln)
	}

	logrus.Infof("Starting offline cache proxy on port %d", s.config.Server.Port)
	logrus.Infof("Origin: %s", s.origin)
	logrus.Infof("Cache version: %s", s.config.App.Version)
	logrus.Infof("Cache backend: %s", s.config.Cache.Backend)

	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Wait blocks until the background cache writes of every controller have finished
func (s *Server) Wait() {
	if c := s.active.Load(); c != nil {
		c.Wait()
	}
	s.retiredMutex.Lock()
	retired := append([]*offline.Controller(nil), s.retired...)
	s.retiredMutex.Unlock()
	for _, c := range retired {
		c.Wait()
	}
}

// Shutdown stops accepting requests, waits for pending cache writes and closes the storage
func (s *Server) Shutdown(ctx context.Context) error {
	var errs []error
	s.listenMutex.Lock()
	if s.httpsListen != nil {
		if err := s.httpsListen.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	s.listenMutex.Unlock()
	if err := s.httpServer.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}
	s.Wait()
	if err := s.storage.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (s *Server) handleRequest(requ *http.Request, ctx *goproxy.ProxyCtx) (*http.Request, *http.Response) {
	c := s.active.Load()
	if c == nil || !c.Intercepts(requ) {
		// goproxy forwards the request itself
		return requ, nil
	}

	removeProxyHeaders(requ)
	resp, err := c.Fetch(requ)
	if err != nil {
		logrus.Warnf("Failed to fetch %s: %v", requ.URL, err)
		return requ, goproxy.NewResponse(requ, goproxy.ContentTypeText, http.StatusBadGateway, err.Error())
	}

	logrus.Debugf("%s %s -> %d (%s)", requ.Method, requ.URL, resp.StatusCode, resp.Header.Get("X-Cache"))
	return requ, resp
}
