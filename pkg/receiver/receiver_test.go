package receiver

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/base64"
	"encoding/pem"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cuemby/phineas/pkg/envelope"
	"github.com/cuemby/phineas/pkg/pcrypto"
	"github.com/cuemby/phineas/pkg/phconfig"
	"github.com/cuemby/phineas/pkg/phhttp"
	"github.com/cuemby/phineas/pkg/queue"
	"github.com/cuemby/phineas/pkg/queue/dupcache"
	"github.com/cuemby/phineas/pkg/queue/filequeue"
	"github.com/cuemby/phineas/pkg/soapmsg"
)

func base64Encode(b []byte) string {
	return base64.StdEncoding.EncodeToString(b)
}

func newTestDedupCache(t *testing.T, path string) (*dupcache.Cache, error) {
	t.Helper()
	return dupcache.Open(path)
}

func selfSignedPair(t *testing.T, cn string) (certPEM, keyPEM []byte) {
	t.Helper()
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	template := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: cn, Organization: []string{"PHINEAS Test"}},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &priv.PublicKey, priv)
	require.NoError(t, err)

	certPEM = pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	keyPEM = pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(priv)})
	return certPEM, keyPEM
}

func newRegistry(t *testing.T) *queue.Registry {
	t.Helper()
	reg := queue.NewRegistry()
	reg.RegisterBackend(queue.ConnectionFile, filequeue.New)
	_, err := reg.RegisterQueue("inbound", queue.ReceiveRowType, &queue.Connection{
		Name:     "inbound-conn",
		Type:     queue.ConnectionFile,
		Resource: t.TempDir(),
	})
	require.NoError(t, err)
	return reg
}

func buildRequest(t *testing.T, soap soapmsg.Message, payloadContentType, payloadEncoding string, payloadBody []byte) ([]byte, string) {
	t.Helper()
	msg := envelope.Message{
		Boundary: "_Part_test_boundary",
		Start:    "ebxml-envelope@phineas.example.org",
		Parts: []envelope.Part{
			{
				ContentID:               "ebxml-envelope@phineas.example.org",
				ContentType:             "text/xml",
				ContentTransferEncoding: "8bit",
				Body:                    []byte(soap.Render()),
			},
			{
				ContentID:               "invoice.txt@phineas.example.org",
				ContentType:             payloadContentType,
				ContentTransferEncoding: payloadEncoding,
				ContentDisposition:      `attachment; name="invoice.txt"`,
				Body:                    payloadBody,
			},
		},
	}
	return msg.Build(), msg.ContentType()
}

func TestHandlePingShortCircuits(t *testing.T) {
	h := &Handler{PartyID: "us.example.org"}
	soap := soapmsg.Message{Header: soapmsg.Header{
		FromPartyId: "them.example.org",
		ToPartyId:   "us.example.org",
		Action:      "Ping",
		MessageId:   "msg-1",
	}}
	body, ct := buildRequest(t, soap, "application/octet-stream", "8bit", []byte("ignored"))

	resp := h.Handle(Request{
		Headers: map[string]string{"content-type": ct},
		Body:    body,
	})

	require.Equal(t, 200, resp.Code)
	require.Contains(t, string(resp.Body), "Pong")
}

func TestHandleUnauthorizedWithoutCredentials(t *testing.T) {
	h := &Handler{
		PartyID:   "us.example.org",
		BasicAuth: []phhttp.Credential{{UserID: "alice", Password: "secret"}},
	}
	soap := soapmsg.Message{Header: soapmsg.Header{Action: "Ping", MessageId: "msg-1"}}
	body, ct := buildRequest(t, soap, "application/octet-stream", "8bit", []byte("x"))

	resp := h.Handle(Request{Headers: map[string]string{"content-type": ct}, Body: body})
	require.Equal(t, 401, resp.Code)
}

func TestHandleUnknownServiceRejected(t *testing.T) {
	reg := newRegistry(t)
	h := &Handler{
		PartyID: "us.example.org",
		Maps:    nil,
		Queues:  reg,
	}
	soap := soapmsg.Message{Header: soapmsg.Header{
		FromPartyId: "them.example.org",
		Service:     "Invoices",
		Action:      "SendInvoice",
		MessageId:   "msg-2",
	}}
	body, ct := buildRequest(t, soap, "application/octet-stream", "8bit", []byte("data"))

	resp := h.Handle(Request{Headers: map[string]string{"content-type": ct}, Body: body})
	require.Equal(t, 200, resp.Code)
	require.Contains(t, string(resp.Body), "InsertFailed")
}

func TestHandleOctetStreamPayloadWrittenToDisk(t *testing.T) {
	reg := newRegistry(t)
	dir := t.TempDir()

	h := &Handler{
		PartyID: "us.example.org",
		Queues:  reg,
		Maps: []phconfig.ServiceMapConfig{
			{Name: "invoices-in", Service: "Invoices", Action: "SendInvoice", Queue: "inbound", Directory: dir},
		},
	}

	soap := soapmsg.Message{
		Header: soapmsg.Header{
			FromPartyId: "them.example.org",
			ToPartyId:   "us.example.org",
			Service:     "Invoices",
			Action:      "SendInvoice",
			MessageId:   "msg-3",
		},
		Manifest: &soapmsg.Manifest{
			Href:             "cid:invoice.txt@phineas.example.org",
			MessageRecipient: "accounts-payable",
			RecordId:         "rec-1",
		},
	}
	payload := []byte("INVOICE 12345\nTotal: $500\n")
	body, ct := buildRequest(t, soap, "application/octet-stream", "base64", []byte(base64Encode(payload)))

	resp := h.Handle(Request{Headers: map[string]string{"content-type": ct}, Body: body})
	require.Equal(t, 200, resp.Code)
	require.Contains(t, string(resp.Body), "InsertSucceeded")

	written, err := os.ReadFile(filepath.Join(dir, "invoice.txt"))
	require.NoError(t, err)
	require.Equal(t, payload, written)
}

func TestSanitizeFileNameStripsDirectoryTraversal(t *testing.T) {
	cases := map[string]string{
		"invoice.txt":       "invoice.txt",
		"../../etc/passwd":  "passwd",
		"/etc/passwd":       "passwd",
		"../../../tmp/evil": "evil",
		"..":                "",
		".":                 "",
		"":                  "",
		"a/b/../../../c":    "c",
	}
	for in, want := range cases {
		require.Equal(t, want, sanitizeFileName(in), "input %q", in)
	}
}

// TestHandleRejectsPathTraversalInContentDisposition guards against a
// remote sender using Content-Disposition's name= to escape
// svcMap.Directory and write the decrypted payload elsewhere on disk.
func TestHandleRejectsPathTraversalInContentDisposition(t *testing.T) {
	reg := newRegistry(t)
	dir := t.TempDir()
	outsideDir := t.TempDir()

	h := &Handler{
		PartyID: "us.example.org",
		Queues:  reg,
		Maps: []phconfig.ServiceMapConfig{
			{Name: "invoices-in", Service: "Invoices", Action: "SendInvoice", Queue: "inbound", Directory: dir},
		},
	}

	soap := soapmsg.Message{
		Header: soapmsg.Header{
			FromPartyId: "them.example.org",
			ToPartyId:   "us.example.org",
			Service:     "Invoices",
			Action:      "SendInvoice",
			MessageId:   "msg-evil",
		},
		Manifest: &soapmsg.Manifest{
			Href:             "cid:invoice.txt@phineas.example.org",
			MessageRecipient: "accounts-payable",
			RecordId:         "rec-evil",
		},
	}

	payload := []byte("malicious payload")
	msg := envelope.Message{
		Boundary: "_Part_test_boundary",
		Start:    "ebxml-envelope@phineas.example.org",
		Parts: []envelope.Part{
			{
				ContentID:               "ebxml-envelope@phineas.example.org",
				ContentType:             "text/xml",
				ContentTransferEncoding: "8bit",
				Body:                    []byte(soap.Render()),
			},
			{
				ContentID:               "invoice.txt@phineas.example.org",
				ContentType:             "application/octet-stream",
				ContentTransferEncoding: "base64",
				ContentDisposition:      fmt.Sprintf(`attachment; name="../../../../%s/evil.txt"`, filepath.Base(outsideDir)),
				Body:                    []byte(base64Encode(payload)),
			},
		},
	}
	body, ct := msg.Build(), msg.ContentType()

	resp := h.Handle(Request{Headers: map[string]string{"content-type": ct}, Body: body})
	require.Equal(t, 200, resp.Code)
	require.Contains(t, string(resp.Body), "InsertSucceeded")

	_, err := os.Stat(filepath.Join(outsideDir, "evil.txt"))
	require.True(t, os.IsNotExist(err), "payload must not escape the service directory")

	written, err := os.ReadFile(filepath.Join(dir, "evil.txt"))
	require.NoError(t, err)
	require.Equal(t, payload, written)
}

func TestHandleEncryptedXMLPayloadDecrypted(t *testing.T) {
	reg := newRegistry(t)
	dir := t.TempDir()
	certPEM, keyPEM := selfSignedPair(t, "us.example.org")

	keyDir := t.TempDir()
	keyPath := filepath.Join(keyDir, "recipient.key.pem")
	require.NoError(t, os.WriteFile(keyPath, keyPEM, 0o600))

	h := &Handler{
		PartyID:      "us.example.org",
		Queues:       reg,
		CertResolver: pcrypto.FileCertResolver{},
		Maps: []phconfig.ServiceMapConfig{
			{
				Name: "invoices-in", Service: "Invoices", Action: "SendInvoice",
				Queue: "inbound", Directory: dir,
				Encryption: phconfig.EncryptionConfig{Type: "x509", Unc: keyPath},
			},
		},
	}

	payload := []byte("encrypted invoice body")
	env, err := envelope.Encrypt(payload, certPEM, "", pcrypto.AES256CBC)
	require.NoError(t, err)

	soap := soapmsg.Message{
		Header: soapmsg.Header{
			FromPartyId: "them.example.org",
			ToPartyId:   "us.example.org",
			Service:     "Invoices",
			Action:      "SendInvoice",
			MessageId:   "msg-4",
		},
		Manifest: &soapmsg.Manifest{
			Href:     "cid:invoice.bin@phineas.example.org",
			RecordId: "rec-2",
		},
	}
	body, ct := buildRequest(t, soap, "text/xml", "8bit", []byte(env.Render()))

	resp := h.Handle(Request{Headers: map[string]string{"content-type": ct}, Body: body})
	require.Equal(t, 200, resp.Code)
	require.Contains(t, string(resp.Body), "InsertSucceeded")

	written, err := os.ReadFile(filepath.Join(dir, "invoice.bin"))
	require.NoError(t, err)
	require.Equal(t, payload, written)
}

func TestHandleDuplicateReturnsCachedAck(t *testing.T) {
	reg := newRegistry(t)
	dir := t.TempDir()
	cachePath := filepath.Join(t.TempDir(), "dedup.db")
	dedup, err := newTestDedupCache(t, cachePath)
	require.NoError(t, err)
	defer dedup.Close()

	h := &Handler{
		PartyID: "us.example.org",
		Queues:  reg,
		Dedup:   dedup,
		Maps: []phconfig.ServiceMapConfig{
			{Name: "invoices-in", Service: "Invoices", Action: "SendInvoice", Queue: "inbound", Directory: dir},
		},
	}

	soap := soapmsg.Message{
		Header: soapmsg.Header{
			FromPartyId: "them.example.org",
			Service:     "Invoices",
			Action:      "SendInvoice",
			MessageId:   "msg-5",
		},
		Manifest: &soapmsg.Manifest{Href: "cid:dup.txt@phineas.example.org", RecordId: "rec-dup"},
	}
	body, ct := buildRequest(t, soap, "application/octet-stream", "base64", []byte(base64Encode([]byte("dup body"))))

	first := h.Handle(Request{Headers: map[string]string{"content-type": ct}, Body: body})
	require.Equal(t, 200, first.Code)

	second := h.Handle(Request{Headers: map[string]string{"content-type": ct}, Body: body})
	require.Equal(t, 200, second.Code)
	require.Equal(t, first.Body, second.Body)
}

// TestHandleWithoutManifestNeverDedupesAcrossMessages guards against the
// dedup key degrading to just {FromPartyId} when a message carries no
// manifest (so RecordId is empty), which would make every such message
// from one sender look like a duplicate of the last.
func TestHandleWithoutManifestNeverDedupesAcrossMessages(t *testing.T) {
	reg := newRegistry(t)
	dir := t.TempDir()
	cachePath := filepath.Join(t.TempDir(), "dedup.db")
	dedup, err := newTestDedupCache(t, cachePath)
	require.NoError(t, err)
	defer dedup.Close()

	h := &Handler{
		PartyID: "us.example.org",
		Queues:  reg,
		Dedup:   dedup,
		Maps: []phconfig.ServiceMapConfig{
			{Name: "invoices-in", Service: "Invoices", Action: "SendInvoice", Queue: "inbound", Directory: dir},
		},
	}

	requestFor := func(messageID, payload string) ([]byte, string) {
		soap := soapmsg.Message{
			Header: soapmsg.Header{
				FromPartyId: "them.example.org",
				Service:     "Invoices",
				Action:      "SendInvoice",
				MessageId:   messageID,
			},
		}
		return buildRequest(t, soap, "application/octet-stream", "base64", []byte(base64Encode([]byte(payload))))
	}

	body1, ct1 := requestFor("msg-a", "first body")
	first := h.Handle(Request{Headers: map[string]string{"content-type": ct1}, Body: body1})
	require.Equal(t, 200, first.Code)

	body2, ct2 := requestFor("msg-b", "second body")
	second := h.Handle(Request{Headers: map[string]string{"content-type": ct2}, Body: body2})
	require.Equal(t, 200, second.Code)

	require.NotEqual(t, first.Body, second.Body, "second message must not be treated as a duplicate of the first")

	written, err := os.ReadFile(filepath.Join(dir, "invoice.txt"))
	require.NoError(t, err)
	require.Equal(t, []byte("second body"), written, "second message's payload must actually be processed and written")
}
