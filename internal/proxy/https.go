package proxy

import (
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"

	"github.com/iTrooz/offline-cache-proxy/internal/config"

	"github.com/elazarl/goproxy"
	"github.com/inconshreveable/go-vhost"
	"github.com/sirupsen/logrus"
)

func loadCertificate(cfg *config.Config) (*tls.Certificate, error) {
	if cfg.Server.HTTPS.CACertFile == "" || cfg.Server.HTTPS.CAKeyFile == "" {
		logrus.Debugf("No CA certificate configured, using goproxy default certificate")
		return nil, nil // Use default goproxy certificate
	}

	cert, err := tls.LoadX509KeyPair(cfg.Server.HTTPS.CACertFile, cfg.Server.HTTPS.CAKeyFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load CA certificate and key: %w", err)
	}
	logrus.Debugf("Loaded CA certificate from %s", cfg.Server.HTTPS.CACertFile)
	return &cert, nil
}

// setupHTTPSProxyHandler intercepts TLS connections to the application origin.
// Tunnels to any other host are left alone.
func (s *Server) setupHTTPSProxyHandler() {
	s.proxy.CertStore = newCertStore()

	// Load CA certificate
	caCert, err := loadCertificate(s.config)
	if err != nil {
		logrus.Errorf("Failed to load CA certificate: %v", err)
		return
	}

	mitm := goproxy.MitmConnect
	if caCert == nil {
		logrus.Warnf("TLS interception enabled but no CA certificate loaded, using goproxy default certificate")
	} else {
		// Make goproxy use our provided CA certificate
		mitm = &goproxy.ConnectAction{
			Action:    goproxy.ConnectMitm,
			TLSConfig: goproxy.TLSConfigFromCA(caCert),
		}
	}

	originHost := s.origin.Host
	if s.origin.Port() == "" {
		originHost = net.JoinHostPort(s.origin.Hostname(), "443")
	}
	s.proxy.OnRequest().HandleConnect(goproxy.FuncHttpsHandler(func(host string, ctx *goproxy.ProxyCtx) (*goproxy.ConnectAction, string) {
		if host != originHost && host != s.origin.Host {
			return goproxy.OkConnect, host
		}
		logrus.Debugf("Intercepting CONNECT request for %s", host)
		return mitm, host
	}))
}

// ServeTransparentHTTPS accepts raw TLS connections and routes them by SNI,
// as if the client had sent a CONNECT request. It returns once ln is closed.
func (s *Server) ServeTransparentHTTPS(ln net.Listener) {
	logrus.Infof("Transparent HTTPS listening on %s", ln.Addr())
	for {
		c, err := ln.Accept()
		if errors.Is(err, net.ErrClosed) {
			return
		}
		if err != nil {
			logrus.Errorf("Error accepting new connection: %v", err)
			continue
		}
		go func(c net.Conn) {
			tlsConn, err := vhost.TLS(c)
			if err != nil {
				logrus.Errorf("Error reading TLS client hello: %v", err)
				_ = c.Close()
				return
			}
			if tlsConn.Host() == "" {
				logrus.Warnf("Cannot support non-SNI enabled clients")
				_ = tlsConn.Close()
				return
			}
			connectReq := &http.Request{
				Method: http.MethodConnect,
				URL: &url.URL{
					Opaque: tlsConn.Host(),
					Host:   net.JoinHostPort(tlsConn.Host(), "443"),
				},
				Host:       net.JoinHostPort(tlsConn.Host(), "443"),
				Header:     make(http.Header),
				RemoteAddr: c.RemoteAddr().String(),
			}
			resp := dumbResponseWriter{tlsConn}
			s.proxy.ServeHTTP(resp, connectReq)
		}(c)
	}
}
