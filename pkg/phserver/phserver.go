// Package phserver implements the concurrent HTTP(S) listener spec
// §4.3 describes: bind up to two listeners (plaintext and TLS), accept
// connections from each, frame requests byte-by-byte to end-of-headers
// plus Content-Length body, dispatch into a bounded TaskQ by path
// prefix, and frame the handler's response back onto the wire.
// Grounded on pkg/nettransport's Listener/Accept (itself grounded on
// the teacher's health.TCPChecker dial pattern) for the socket layer,
// and pkg/taskq.Pool for dispatch.
package phserver

import (
	"bufio"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net/textproto"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cuemby/phineas/pkg/nettransport"
	"github.com/cuemby/phineas/pkg/phlog"
	"github.com/cuemby/phineas/pkg/phruntime"
	"github.com/cuemby/phineas/pkg/receiver"
)

// Handler serves requests under one path prefix.
type Handler interface {
	Handle(req receiver.Request) receiver.Response
}

// HandlerFunc adapts a plain function to Handler.
type HandlerFunc func(req receiver.Request) receiver.Response

func (f HandlerFunc) Handle(req receiver.Request) receiver.Response { return f(req) }

const poolName = "phserver"

// maxRequestBodyBytes bounds the Content-Length a single request is
// allowed to declare, so a malformed or hostile header can't force a
// multi-gigabyte allocation before a single byte of the body is read.
// 256MiB comfortably covers any real ebXML manifest+payload MIME part;
// spec.md names no limit of its own.
const maxRequestBodyBytes = 256 << 20

// Server binds a plaintext listener, an optional TLS listener, and
// dispatches each accepted connection's requests to path-prefixed
// handlers.
type Server struct {
	Runtime    *phruntime.Runtime
	NumThreads int

	// Routes maps a path prefix to the handler that serves it. The
	// longest matching prefix wins; no match falls through to NotFound.
	Routes   map[string]Handler
	NotFound Handler
}

// ListenAndServe binds a plaintext listener on host:port and, when
// tlsConfig is non-nil, a TLS listener on host:tlsPort, then serves
// both (each in its own accept goroutine, per spec §4.3's "multiplexes
// readable sockets with a timed select" — adapted here as one
// poll-driven accept loop per listener feeding a shared dispatch pool)
// until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, host string, port int, tlsPort int, tlsConfig *tls.Config) error {
	plain, err := nettransport.Open(host, port, 64, nil)
	if err != nil {
		return fmt.Errorf("phserver: bind plain listener: %w", err)
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.Serve(ctx, plain)
	}()

	if tlsConfig != nil && tlsPort > 0 {
		secure, err := nettransport.Open(host, tlsPort, 64, tlsConfig)
		if err != nil {
			return fmt.Errorf("phserver: bind TLS listener: %w", err)
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.Serve(ctx, secure)
		}()
	}

	<-ctx.Done()
	wg.Wait()
	return nil
}

// Serve runs the accept loop for a single already-open listener until
// ctx is cancelled, dispatching each accepted connection's requests
// into the server's worker pool.
func (s *Server) Serve(ctx context.Context, ln *nettransport.Listener) {
	log := phlog.WithComponent("phserver")
	maxThreads := s.NumThreads
	if maxThreads <= 0 {
		maxThreads = 10
	}
	pool := s.Runtime.Pool(poolName, maxThreads, 60*time.Second)

	for {
		conn, err := ln.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Warn().Err(err).Msg("phserver: accept failed")
			continue
		}

		c := conn
		pool.Submit(func(any) {
			s.serveConn(c)
		}, nil)
	}
}

func (s *Server) serveConn(conn nettransport.NetCon) {
	defer conn.Close()
	log := phlog.WithComponent("phserver")

	// One reader for the whole connection: bufio.Reader's internal fill can
	// pull a pipelined second request's bytes into the buffer while framing
	// the first. A fresh reader per readRequest call would discard those
	// buffered bytes when it went out of scope, dropping the next request.
	reader := bufio.NewReader(conn)

	for {
		req, path, ok := readRequest(reader)
		if !ok {
			return
		}

		handler := s.route(path)
		resp := handler.Handle(req)

		shuttingDown := s.Runtime.ShuttingDown()
		if err := writeResponse(conn, resp, shuttingDown); err != nil {
			log.Warn().Err(err).Msg("phserver: write response failed")
			return
		}
		if shuttingDown {
			return
		}
	}
}

func (s *Server) route(path string) Handler {
	var best string
	var bestHandler Handler
	for prefix, h := range s.Routes {
		if strings.HasPrefix(path, prefix) && len(prefix) >= len(best) {
			best = prefix
			bestHandler = h
		}
	}
	if bestHandler == nil {
		return s.NotFound
	}
	return bestHandler
}

// readRequest frames one HTTP request off conn: request line, headers
// to blank line, and exactly Content-Length bytes of body (spec §4.3).
// ok is false when the connection was closed before a full request
// arrived.
func readRequest(reader *bufio.Reader) (req receiver.Request, path string, ok bool) {
	tp := textproto.NewReader(reader)

	requestLine, err := tp.ReadLine()
	if err != nil || requestLine == "" {
		return receiver.Request{}, "", false
	}
	fields := strings.Fields(requestLine)
	if len(fields) < 2 {
		return receiver.Request{}, "", false
	}
	path = fields[1]

	mimeHeaders, err := tp.ReadMIMEHeader()
	if err != nil && len(mimeHeaders) == 0 {
		return receiver.Request{}, "", false
	}

	headers := make(map[string]string, len(mimeHeaders))
	for k, v := range mimeHeaders {
		if len(v) > 0 {
			headers[strings.ToLower(k)] = v[0]
		}
	}

	contentLength := 0
	if cl := headers["content-length"]; cl != "" {
		contentLength, _ = strconv.Atoi(cl)
	}
	if contentLength < 0 || contentLength > maxRequestBodyBytes {
		return receiver.Request{}, "", false
	}

	body := make([]byte, contentLength)
	if contentLength > 0 {
		if _, err := io.ReadFull(reader, body); err != nil {
			return receiver.Request{}, "", false
		}
	}

	return receiver.Request{Headers: headers, Body: body}, path, true
}

// phraseFor maps a status code to the phrase table spec §4.3 defines:
// <300 -> OK, 401 -> Authorization Required, <500 -> NOT FOUND, else
// -> SERVER ERROR.
func phraseFor(code int) string {
	switch {
	case code < 300:
		return "OK"
	case code == 401:
		return "Authorization Required"
	case code < 500:
		return "NOT FOUND"
	default:
		return "SERVER ERROR"
	}
}

func writeResponse(conn nettransport.NetCon, resp receiver.Response, shuttingDown bool) error {
	var b strings.Builder
	fmt.Fprintf(&b, "HTTP/1.1 %d %s\r\n", resp.Code, phraseFor(resp.Code))
	for k, v := range resp.Headers {
		fmt.Fprintf(&b, "%s: %s\r\n", k, v)
	}
	fmt.Fprintf(&b, "Content-Length: %d\r\n", len(resp.Body))
	if shuttingDown {
		b.WriteString("Connection: Close\r\n")
	}
	b.WriteString("\r\n")

	if _, err := conn.Write([]byte(b.String())); err != nil {
		return err
	}
	_, err := conn.Write(resp.Body)
	return err
}
