// Package nettransport implements NetCon, the bidirectional byte-stream
// abstraction spec §4.2 describes covering both plaintext and TLS
// sockets over the same interface. The dial/accept shape is grounded
// on the teacher's health.TCPChecker (pkg/health/tcp.go): a
// net.Dialer with an explicit timeout, wrapped in a small struct that
// exposes only the operations callers need.
package nettransport

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"github.com/patrickmn/go-cache"

	"github.com/cuemby/phineas/pkg/pcrypto"
)

// DefaultReadTimeout is the per-read timeout spec §4.2 mandates when a
// caller does not set one explicitly.
const DefaultReadTimeout = 5 * time.Second

// acceptPollInterval is how often Accept re-checks ctx.Done() while
// waiting for an incoming connection (spec §4.2: "Accept uses a short
// (≈2 s) poll so that shutdown can be observed").
const acceptPollInterval = 2 * time.Second

// NetCon is a bidirectional byte stream, plaintext or TLS, with a
// uniform interface regardless of which.
type NetCon interface {
	Read(buf []byte) (int, error)
	Write(buf []byte) (int, error)
	SetReadTimeout(d time.Duration) error
	Close() error
	RemoteHost() string
	IsLocalhost() bool
}

type conn struct {
	raw         net.Conn
	readTimeout time.Duration
}

func wrap(raw net.Conn) *conn {
	return &conn{raw: raw, readTimeout: DefaultReadTimeout}
}

// Read passes end-of-stream through as io.EOF, unchanged, so bufio and
// io.ReadFull callers see the usual end-of-stream error. A read that
// hits the read timeout is wrapped as a "read timeout" error.
func (c *conn) Read(buf []byte) (int, error) {
	if c.readTimeout > 0 {
		_ = c.raw.SetReadDeadline(time.Now().Add(c.readTimeout))
	}
	n, err := c.raw.Read(buf)
	if err != nil {
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			return n, fmt.Errorf("nettransport: read timeout: %w", err)
		}
		return n, err
	}
	return n, nil
}

func (c *conn) Write(buf []byte) (int, error) {
	return c.raw.Write(buf)
}

func (c *conn) SetReadTimeout(d time.Duration) error {
	c.readTimeout = d
	return nil
}

func (c *conn) Close() error {
	return c.raw.Close()
}

func (c *conn) RemoteHost() string {
	host, _, err := net.SplitHostPort(c.raw.RemoteAddr().String())
	if err != nil {
		return c.raw.RemoteAddr().String()
	}
	return host
}

func (c *conn) IsLocalhost() bool {
	host := c.RemoteHost()
	ip := net.ParseIP(host)
	if ip == nil {
		return host == "localhost"
	}
	return ip.IsLoopback()
}

// Listener binds a TCP or TLS socket and accepts NetCon connections
// from it.
type Listener struct {
	net.Listener
	tlsConfig *tls.Config
}

// Open binds host:port and listens; backlog must be > 0. Open only
// creates listeners: with backlog <= 0 it returns an error and does not
// connect anywhere, and client connections are made with Dial instead.
// ctx, if non-nil, is the TLS context to serve with.
func Open(host string, port int, backlog int, ctx *tls.Config) (*Listener, error) {
	addr := net.JoinHostPort(host, fmt.Sprintf("%d", port))
	if backlog <= 0 {
		return nil, fmt.Errorf("nettransport: Open requires backlog > 0 for a listener; use Dial for client connections")
	}
	lc := net.ListenConfig{}
	ln, err := lc.Listen(context.Background(), "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("nettransport: listen %s: %w", addr, err)
	}
	return &Listener{Listener: ln, tlsConfig: ctx}, nil
}

// Accept waits for an incoming connection, polling shutdownCtx every
// ~2s so a caller can observe cancellation without blocking forever in
// the underlying accept syscall.
func (l *Listener) Accept(shutdownCtx context.Context) (NetCon, error) {
	type result struct {
		c   net.Conn
		err error
	}

	for {
		if shutdownCtx != nil {
			select {
			case <-shutdownCtx.Done():
				return nil, shutdownCtx.Err()
			default:
			}
		}

		if tcpLn, ok := l.Listener.(*net.TCPListener); ok {
			_ = tcpLn.SetDeadline(time.Now().Add(acceptPollInterval))
		}

		raw, err := l.Listener.Accept()
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			return nil, err
		}

		if l.tlsConfig != nil {
			tlsConn := tls.Server(raw, l.tlsConfig)
			if err := tlsConn.Handshake(); err != nil {
				tlsConn.Close()
				return nil, fmt.Errorf("nettransport: TLS handshake: %w", err)
			}
			return wrap(tlsConn), nil
		}
		return wrap(raw), nil
	}
}

// Dial connects to host:port, performing a TLS handshake first when
// tlsConfig is non-nil.
func Dial(host string, port int, timeout time.Duration, tlsConfig *tls.Config) (NetCon, error) {
	addr := net.JoinHostPort(host, fmt.Sprintf("%d", port))
	dialer := &net.Dialer{Timeout: timeout}

	if tlsConfig != nil {
		raw, err := tls.DialWithDialer(dialer, "tcp", addr, tlsConfig)
		if err != nil {
			return nil, fmt.Errorf("nettransport: tls dial %s: %w", addr, err)
		}
		return wrap(raw), nil
	}

	raw, err := dialer.Dial("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("nettransport: dial %s: %w", addr, err)
	}
	return wrap(raw), nil
}

// tlsConfigCache memoizes constructed *tls.Config values by their
// source file paths, so a route or listener reused across many
// connections does not reparse its certificate bundle on every call.
var tlsConfigCache = cache.New(30*time.Minute, 10*time.Minute)

// TLSConfig builds a tls.Config from a certificate file (PEM, DER, or
// PKCS12), a private-key file (the same path is allowed if the key is
// bundled with the cert), a password for encrypted keys, and an
// optional CA bundle path. When the CA bundle is present,
// peer-verification is enabled (spec §4.2).
func TLSConfig(certFile, keyFile, password, caFile string) (*tls.Config, error) {
	key := strings.Join([]string{certFile, keyFile, caFile}, "|")
	if cached, ok := tlsConfigCache.Get(key); ok {
		return cached.(*tls.Config).Clone(), nil
	}

	certData, err := os.ReadFile(certFile)
	if err != nil {
		return nil, fmt.Errorf("nettransport: read cert %s: %w", certFile, err)
	}
	x509Cert, err := pcrypto.LoadCertificate(certData, password)
	if err != nil {
		return nil, fmt.Errorf("nettransport: load cert %s: %w", certFile, err)
	}

	keyData, err := os.ReadFile(keyFile)
	if err != nil {
		return nil, fmt.Errorf("nettransport: read key %s: %w", keyFile, err)
	}
	rsaKey, err := pcrypto.LoadPrivateKey(keyData, password)
	if err != nil {
		return nil, fmt.Errorf("nettransport: load key %s: %w", keyFile, err)
	}

	cert := tls.Certificate{
		Certificate: [][]byte{x509Cert.Raw},
		PrivateKey:  rsaKey,
		Leaf:        x509Cert,
	}

	cfg := &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}

	if caFile != "" {
		caPEM, err := os.ReadFile(caFile)
		if err != nil {
			return nil, fmt.Errorf("nettransport: read CA bundle %s: %w", caFile, err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caPEM) {
			return nil, fmt.Errorf("nettransport: no certificates found in CA bundle %s", caFile)
		}
		cfg.ClientCAs = pool
		cfg.ClientAuth = tls.RequireAndVerifyClientCert
		cfg.RootCAs = pool
	}

	tlsConfigCache.Set(key, cfg, cache.DefaultExpiration)
	return cfg.Clone(), nil
}
