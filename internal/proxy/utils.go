package proxy

import (
	"bufio"
	"bytes"
	"net"
	"net/http"

	"github.com/sirupsen/logrus"
)

// removeProxyHeaders drops the headers only meant for this proxy.
// Accept-Encoding is dropped too, so the transport negotiates compression
// and the cache stores decoded bodies.
func removeProxyHeaders(requ *http.Request) {
	requ.Header.Del("Accept-Encoding")
	requ.Header.Del("Proxy-Connection")
	requ.Header.Del("Proxy-Authenticate")
	requ.Header.Del("Proxy-Authorization")
}

// dumbResponseWriter lets goproxy handle a raw connection as a hijacked CONNECT tunnel
type dumbResponseWriter struct {
	net.Conn
}

func (dumbResponseWriter) Header() http.Header {
	return make(http.Header)
}

func (dumbResponseWriter) WriteHeader(code int) {
	logrus.Debugf("Ignoring status %d written to transparent connection", code)
}

func (d dumbResponseWriter) Write(buf []byte) (int, error) {
	if bytes.HasPrefix(buf, []byte("HTTP/1.0 200 ")) && bytes.HasSuffix(buf, []byte("\r\n\r\n")) {
		return len(buf), nil // the client never sent a CONNECT, so it expects no answer
	}
	return d.Conn.Write(buf)
}

func (d dumbResponseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	return d, bufio.NewReadWriter(bufio.NewReader(d), bufio.NewWriter(d)), nil
}
