package transmitter

import (
	"bufio"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cuemby/phineas/pkg/envelope"
	"github.com/cuemby/phineas/pkg/pcrypto"
	"github.com/cuemby/phineas/pkg/phconfig"
	"github.com/cuemby/phineas/pkg/queue"
	"github.com/cuemby/phineas/pkg/soapmsg"
)

// selfSignedCertPEM returns a throwaway self-signed certificate, PEM
// encoded the way a partner's .cer file would be.
func selfSignedCertPEM(t *testing.T) []byte {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	template := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "partner-a.example.org"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	require.NoError(t, err)

	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
}

// fixedCertResolver always resolves to the same certificate bytes,
// ignoring the locator.
type fixedCertResolver struct{ data []byte }

func (f fixedCertResolver) Resolve(string) ([]byte, error) { return f.data, nil }

// fakePeer accepts one connection, reads the request, and writes back a
// fixed SOAP ack so Send's attempt/applyReply path can be exercised
// without a real partner.
func fakePeer(t *testing.T, respond func(reqHead string) string) (host string, port int) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	addr := ln.Addr().(*net.TCPAddr)

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		defer ln.Close()

		reader := bufio.NewReader(conn)
		var head string
		for {
			line, err := reader.ReadString('\n')
			if err != nil {
				return
			}
			head += line
			if line == "\r\n" {
				break
			}
		}
		resp := respond(head)
		conn.Write([]byte(resp))
	}()

	return addr.IP.String(), addr.Port
}

func ackReply(t *testing.T, messageID string) string {
	msg := soapmsg.Message{
		Header:   soapmsg.Header{FromPartyId: "us.example.org", Action: "Acknowledgment", MessageId: messageID},
		Response: &soapmsg.Response{Status: "InsertSucceeded"},
	}
	body := msg.Render()
	return fmt.Sprintf("HTTP/1.1 200 OK\r\nContent-Type: text/xml\r\nContent-Length: %d\r\n\r\n%s", len(body), body)
}

// TestNextRetryDelayResetsOnConnectButDoublesOnConnectFailure guards
// spec's retry-delay rule: reset to the configured base delay when the
// prior attempt connected (even if it failed later, e.g. on read),
// double the current delay only when the connect itself failed.
func TestNextRetryDelayResetsOnConnectButDoublesOnConnectFailure(t *testing.T) {
	base := 50 * time.Millisecond

	require.Equal(t, base, nextRetryDelay(200*time.Millisecond, base, true),
		"a successful connect must reset to the base delay regardless of the current delay")
	require.Equal(t, 400*time.Millisecond, nextRetryDelay(200*time.Millisecond, base, false),
		"a failed connect must double the current delay, not reset it")
}

func TestSendPingSucceeds(t *testing.T) {
	host, port := fakePeer(t, func(string) string {
		msg := soapmsg.Message{Header: soapmsg.Header{Action: "Pong"}}
		body := msg.Render()
		return fmt.Sprintf("HTTP/1.1 200 OK\r\nContent-Type: text/xml\r\nContent-Length: %d\r\n\r\n%s", len(body), body)
	})

	tr := &Transmitter{
		PartyID:      "us.example.org",
		Organization: "phineas.example.org",
		MaxRetry:     1,
		DelayRetry:   10 * time.Millisecond,
		RouteLookup: func(name string) (phconfig.RouteConfig, bool) {
			return phconfig.RouteConfig{Name: name, Host: host, Port: port, Path: "/phineas", Protocol: "http", Timeout: 2 * time.Second}, true
		},
	}

	row := queue.NewRow(queue.SendTransportRowType)
	row.Set("MESSAGEID", "m1")
	row.Set("ROUTEINFO", "partner-a")
	row.Set("ACTION", "Ping")

	result := tr.Send(row)
	require.Equal(t, "success", result.Get("TRANSPORTSTATUS"))
	require.Equal(t, "done", result.Get("PROCESSINGSTATUS"))
}

func TestSendPayloadSucceedsAndWritesAck(t *testing.T) {
	host, port := fakePeer(t, func(string) string {
		return ackReply(t, "resp-1")
	})

	payloadDir := t.TempDir()
	ackDir := t.TempDir()
	payloadPath := filepath.Join(payloadDir, "invoice.txt.12345")
	require.NoError(t, os.WriteFile(payloadPath, []byte("invoice body"), 0o644))

	tr := &Transmitter{
		PartyID:      "us.example.org",
		Organization: "phineas.example.org",
		MaxRetry:     1,
		DelayRetry:   10 * time.Millisecond,
		AckDirectory: ackDir,
		RouteLookup: func(name string) (phconfig.RouteConfig, bool) {
			return phconfig.RouteConfig{Name: name, Host: host, Port: port, Path: "/phineas", Protocol: "http", Timeout: 2 * time.Second}, true
		},
	}

	row := queue.NewRow(queue.SendTransportRowType)
	row.Set("MESSAGEID", "invoices-out-12345")
	row.Set("ROUTEINFO", "partner-a")
	row.Set("ACTION", "SendInvoice")
	row.Set("SERVICE", "Invoices")
	row.Set("PAYLOADFILE", payloadPath)
	row.Set("DESTINATIONFILENAME", "invoice.txt")

	result := tr.Send(row)
	require.Equal(t, "success", result.Get("TRANSPORTSTATUS"))
	require.Equal(t, "InsertSucceeded", result.Get("APPLICATIONSTATUS"))

	ackBytes, err := os.ReadFile(filepath.Join(ackDir, "invoice.txt"))
	require.NoError(t, err)
	require.Contains(t, string(ackBytes), "TRANSPORTSTATUS=success")
}

func TestSendUnknownRouteFailsImmediately(t *testing.T) {
	tr := &Transmitter{
		RouteLookup: func(string) (phconfig.RouteConfig, bool) { return phconfig.RouteConfig{}, false },
	}
	row := queue.NewRow(queue.SendTransportRowType)
	row.Set("ROUTEINFO", "missing")

	result := tr.Send(row)
	require.Equal(t, "failed", result.Get("TRANSPORTSTATUS"))
	require.Contains(t, result.Get("TRANSPORTERRORCODE"), "unknown route")
}

func TestSendRetriesExhaustedWhenUnreachable(t *testing.T) {
	tr := &Transmitter{
		PartyID:      "us.example.org",
		Organization: "phineas.example.org",
		MaxRetry:     1,
		DelayRetry:   5 * time.Millisecond,
		RouteLookup: func(name string) (phconfig.RouteConfig, bool) {
			return phconfig.RouteConfig{Name: name, Host: "127.0.0.1", Port: 1, Protocol: "http", Timeout: 100 * time.Millisecond}, true
		},
	}
	row := queue.NewRow(queue.SendTransportRowType)
	row.Set("ROUTEINFO", "partner-a")
	row.Set("ACTION", "Ping")

	result := tr.Send(row)
	require.Equal(t, "failed", result.Get("TRANSPORTSTATUS"))
	require.Contains(t, result.Get("TRANSPORTERRORCODE"), "retries exhausted")
}

// TestSendDoesNotForwardBasicAuthToRedirectedHost guards against route
// credentials leaking to whatever host a 3xx Location header points at,
// which may not be the partner the route was configured for.
func TestSendDoesNotForwardBasicAuthToRedirectedHost(t *testing.T) {
	var redirectedHead string
	targetHost, targetPort := fakePeer(t, func(head string) string {
		redirectedHead = head
		return ackReply(t, "resp-redirected")
	})

	redirectHost, redirectPort := fakePeer(t, func(string) string {
		return fmt.Sprintf("HTTP/1.1 302 Found\r\nLocation: http://%s:%d/elsewhere\r\nContent-Length: 0\r\n\r\n", targetHost, targetPort)
	})

	payloadDir := t.TempDir()
	payloadPath := filepath.Join(payloadDir, "invoice.txt.12345")
	require.NoError(t, os.WriteFile(payloadPath, []byte("invoice body"), 0o644))

	tr := &Transmitter{
		PartyID:      "us.example.org",
		Organization: "phineas.example.org",
		MaxRetry:     1,
		DelayRetry:   10 * time.Millisecond,
		RouteLookup: func(name string) (phconfig.RouteConfig, bool) {
			return phconfig.RouteConfig{
				Name: name, Host: redirectHost, Port: redirectPort, Path: "/phineas", Protocol: "http",
				Timeout:        2 * time.Second,
				Authentication: phconfig.AuthConfig{Type: "basic", User: "partner-user", Password: "partner-secret"},
			}, true
		},
	}

	row := queue.NewRow(queue.SendTransportRowType)
	row.Set("MESSAGEID", "invoices-out-12345")
	row.Set("ROUTEINFO", "partner-a")
	row.Set("ACTION", "SendInvoice")
	row.Set("SERVICE", "Invoices")
	row.Set("PAYLOADFILE", payloadPath)
	row.Set("DESTINATIONFILENAME", "invoice.txt")

	result := tr.Send(row)
	require.Equal(t, "success", result.Get("TRANSPORTSTATUS"))
	require.NotEmpty(t, redirectedHead, "request must have followed the redirect")
	require.NotContains(t, redirectedHead, "Authorization:",
		"credentials configured for the original route must not be sent to the redirected host")
}

func TestBuildMessageSetsConversationIdFromSamePidAsMessageId(t *testing.T) {
	tr := &Transmitter{
		PartyID:      "us.example.org",
		Organization: "phineas.example.org",
	}
	row := queue.NewRow(queue.SendTransportRowType)
	row.Set("SERVICE", "Phineas")
	row.Set("ACTION", "Ping")

	soapBody, _, _, err := tr.buildMessage(row, phconfig.RouteConfig{Name: "partner-a"}, true)
	require.NoError(t, err)

	msg, err := soapmsg.Parse(soapBody)
	require.NoError(t, err)
	require.NotEmpty(t, msg.Header.ConversationId, "eb:ConversationId must not be empty")
	require.Contains(t, msg.Header.MessageId, msg.Header.ConversationId,
		"ConversationId and MessageId must derive from the same pid-ts value")
}

// TestBuildMessageEncryptsWithTransmitterAlgorithmNotRowEncryptionField
// guards against the regression where buildMessage read the algorithm
// from row.Get("ENCRYPTION"), a field that only ever holds "yes"/"no"
// (spec §8 Scenario 2). The algorithm comes from the per-map
// EncryptionAlgorithm the Transmitter was constructed with instead.
func TestBuildMessageEncryptsWithTransmitterAlgorithmNotRowEncryptionField(t *testing.T) {
	certPEM := selfSignedCertPEM(t)
	payloadDir := t.TempDir()
	payloadPath := filepath.Join(payloadDir, "invoice.txt.12345")
	require.NoError(t, os.WriteFile(payloadPath, []byte("invoice body"), 0o644))

	tr := &Transmitter{
		PartyID:             "us.example.org",
		Organization:        "phineas.example.org",
		CertResolver:        fixedCertResolver{data: certPEM},
		EncryptionAlgorithm: string(pcrypto.AES256CBC),
	}

	row := queue.NewRow(queue.SendTransportRowType)
	row.Set("SERVICE", "Invoices")
	row.Set("ACTION", "SendInvoice")
	row.Set("PAYLOADFILE", payloadPath)
	row.Set("DESTINATIONFILENAME", "invoice.txt")
	row.Set("ENCRYPTION", "yes")
	row.Set("CERTIFICATEURL", "file:///certs/partner-a.cer")

	_, payload, _, err := tr.buildMessage(row, phconfig.RouteConfig{Name: "partner-a"}, false)
	require.NoError(t, err, "encryption must use Transmitter.EncryptionAlgorithm, not the yes/no ENCRYPTION field")
	require.NotNil(t, payload)
	require.Equal(t, "text/xml", payload.ContentType)
	require.Contains(t, string(payload.Body), `Algorithm="`+string(pcrypto.AES256CBC)+`"`)

	env, err := envelope.Parse(payload.Body)
	require.NoError(t, err)
	require.Equal(t, pcrypto.AES256CBC, env.Algorithm)
}
