package phserver

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cuemby/phineas/pkg/phruntime"
	"github.com/cuemby/phineas/pkg/receiver"
)

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	return ln.Addr().(*net.TCPAddr).Port
}

func sendRaw(t *testing.T, port int, request string) string {
	t.Helper()
	var conn net.Conn
	var err error
	for i := 0; i < 50; i++ {
		conn, err = net.Dial("tcp", "127.0.0.1:"+strconv.Itoa(port))
		if err == nil {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write([]byte(request))
	require.NoError(t, err)

	reader := bufio.NewReader(conn)
	var out []byte
	buf := make([]byte, 4096)
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		n, err := reader.Read(buf)
		out = append(out, buf[:n]...)
		if err != nil {
			break
		}
		if n == 0 {
			break
		}
	}
	return string(out)
}

func TestServerDispatchesByPathPrefix(t *testing.T) {
	port := freePort(t)
	rt := phruntime.New(nil, nil, nil)

	srv := &Server{
		Runtime:    rt,
		NumThreads: 2,
		Routes: map[string]Handler{
			"/phineas": HandlerFunc(func(req receiver.Request) receiver.Response {
				return receiver.Response{Code: 200, Headers: map[string]string{"Content-Type": "text/xml"}, Body: []byte("ack-body")}
			}),
		},
		NotFound: HandlerFunc(func(req receiver.Request) receiver.Response {
			return receiver.Response{Code: 404, Body: []byte("not found")}
		}),
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go srv.ListenAndServe(ctx, "127.0.0.1", port, 0, nil)

	body := "hello"
	req := fmt.Sprintf("POST /phineas/receive HTTP/1.1\r\nHost: x\r\nContent-Length: %d\r\n\r\n%s", len(body), body)
	resp := sendRaw(t, port, req)

	require.Contains(t, resp, "HTTP/1.1 200 OK")
	require.Contains(t, resp, "ack-body")
}

func TestServerUnmatchedPathFallsBackToNotFound(t *testing.T) {
	port := freePort(t)
	rt := phruntime.New(nil, nil, nil)

	srv := &Server{
		Runtime: rt,
		Routes:  map[string]Handler{},
		NotFound: HandlerFunc(func(req receiver.Request) receiver.Response {
			return receiver.Response{Code: 404, Body: []byte("nope")}
		}),
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go srv.ListenAndServe(ctx, "127.0.0.1", port, 0, nil)

	req := "GET /whatever HTTP/1.1\r\nHost: x\r\n\r\n"
	resp := sendRaw(t, port, req)

	require.Contains(t, resp, "HTTP/1.1 404 NOT FOUND")
	require.Contains(t, resp, "nope")
}

// TestServerRejectsNegativeContentLengthWithoutPanicking guards against
// make([]byte, contentLength) panicking on a malformed, negative
// Content-Length instead of the connection being closed cleanly.
func TestServerRejectsNegativeContentLengthWithoutPanicking(t *testing.T) {
	port := freePort(t)
	rt := phruntime.New(nil, nil, nil)

	srv := &Server{
		Runtime:    rt,
		NumThreads: 2,
		Routes: map[string]Handler{
			"/phineas": HandlerFunc(func(req receiver.Request) receiver.Response {
				return receiver.Response{Code: 200, Body: []byte("ack-body")}
			}),
		},
		NotFound: HandlerFunc(func(req receiver.Request) receiver.Response {
			return receiver.Response{Code: 404, Body: []byte("not found")}
		}),
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go srv.ListenAndServe(ctx, "127.0.0.1", port, 0, nil)

	req := "POST /phineas/receive HTTP/1.1\r\nHost: x\r\nContent-Length: -1\r\n\r\n"
	resp := sendRaw(t, port, req)

	require.NotContains(t, resp, "ack-body")

	// The server must still accept and serve the next, well-formed
	// request on a new connection.
	body := "hello"
	req2 := fmt.Sprintf("POST /phineas/receive HTTP/1.1\r\nHost: x\r\nContent-Length: %d\r\n\r\n%s", len(body), body)
	resp2 := sendRaw(t, port, req2)
	require.Contains(t, resp2, "HTTP/1.1 200 OK")
	require.Contains(t, resp2, "ack-body")
}

// TestServerRejectsOversizedContentLengthWithoutAllocating guards
// against a declared Content-Length far larger than any real request
// forcing a huge allocation before a single body byte is read.
func TestServerRejectsOversizedContentLengthWithoutAllocating(t *testing.T) {
	port := freePort(t)
	rt := phruntime.New(nil, nil, nil)

	srv := &Server{
		Runtime:    rt,
		NumThreads: 2,
		Routes: map[string]Handler{
			"/phineas": HandlerFunc(func(req receiver.Request) receiver.Response {
				return receiver.Response{Code: 200, Body: []byte("ack-body")}
			}),
		},
		NotFound: HandlerFunc(func(req receiver.Request) receiver.Response {
			return receiver.Response{Code: 404, Body: []byte("not found")}
		}),
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go srv.ListenAndServe(ctx, "127.0.0.1", port, 0, nil)

	req := "POST /phineas/receive HTTP/1.1\r\nHost: x\r\nContent-Length: 9999999999\r\n\r\n"
	resp := sendRaw(t, port, req)
	require.NotContains(t, resp, "ack-body")
}

// TestServerServesPipelinedRequestsOnSameConnection guards against
// readRequest allocating a fresh bufio.Reader per call: that would
// discard any bytes of a second, pipelined request the first call's
// reader had already buffered off the wire.
func TestServerServesPipelinedRequestsOnSameConnection(t *testing.T) {
	port := freePort(t)
	rt := phruntime.New(nil, nil, nil)

	srv := &Server{
		Runtime:    rt,
		NumThreads: 2,
		Routes: map[string]Handler{
			"/phineas": HandlerFunc(func(req receiver.Request) receiver.Response {
				return receiver.Response{Code: 200, Body: []byte("body-" + string(req.Body))}
			}),
		},
		NotFound: HandlerFunc(func(req receiver.Request) receiver.Response {
			return receiver.Response{Code: 404, Body: []byte("not found")}
		}),
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go srv.ListenAndServe(ctx, "127.0.0.1", port, 0, nil)

	req1 := "POST /phineas/a HTTP/1.1\r\nHost: x\r\nContent-Length: 5\r\n\r\nfirst"
	req2 := "POST /phineas/b HTTP/1.1\r\nHost: x\r\nContent-Length: 6\r\n\r\nsecond"
	resp := sendRaw(t, port, req1+req2)

	require.Contains(t, resp, "body-first", "first pipelined request must be answered")
	require.Contains(t, resp, "body-second", "second pipelined request's bytes must not be dropped by a fresh reader")
}

func TestPhraseForMapping(t *testing.T) {
	require.Equal(t, "OK", phraseFor(200))
	require.Equal(t, "Authorization Required", phraseFor(401))
	require.Equal(t, "NOT FOUND", phraseFor(404))
	require.Equal(t, "SERVER ERROR", phraseFor(500))
}
