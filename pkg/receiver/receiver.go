// Package receiver implements the ebXML request pipeline spec §4.4
// describes: auth gate, MIME/SOAP parse, ping short-circuit,
// service-map lookup, duplicate detection, payload decryption, file
// write, and ack construction. Every stage failure produces a fully
// formed ack rather than raising to the HTTP layer (spec §4.4: "All
// stage failures produce a fully formed ack with a descriptive status
// string").
package receiver

import (
	"context"
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cuemby/phineas/pkg/envelope"
	"github.com/cuemby/phineas/pkg/filterexec"
	"github.com/cuemby/phineas/pkg/metrics"
	"github.com/cuemby/phineas/pkg/pcrypto"
	"github.com/cuemby/phineas/pkg/phconfig"
	"github.com/cuemby/phineas/pkg/phhttp"
	"github.com/cuemby/phineas/pkg/phlog"
	"github.com/cuemby/phineas/pkg/queue"
	"github.com/cuemby/phineas/pkg/queue/dupcache"
	"github.com/cuemby/phineas/pkg/soapmsg"
)

// Request is the framing-agnostic input to Handle: a parsed HTTP
// request, independent of whatever transport read it off the wire.
type Request struct {
	Headers map[string]string // canonical lower-cased header names
	Body    []byte
}

// Response is the framing-agnostic output: a status code, headers, and
// body. Callers (pkg/phserver) render it to the wire per spec §6.
type Response struct {
	Code    int
	Headers map[string]string
	Body    []byte
}

func (r Request) header(name string) string {
	return r.Headers[strings.ToLower(name)]
}

// Handler serves one receiver endpoint bound to a set of service maps
// and an organization identity.
type Handler struct {
	PartyID       string
	Organization  string
	BasicAuth     []phhttp.Credential
	Maps          []phconfig.ServiceMapConfig
	Queues        *queue.Registry
	Dedup         *dupcache.Cache
	CertResolver  pcrypto.CertResolver
	FilterTimeout time.Duration
}

func timestamp() string {
	return time.Now().Format("2006-01-02T15:04:05")
}

// Handle runs the full pipeline over one buffered request and returns
// a fully formed response.
func (h *Handler) Handle(req Request) Response {
	timer := metrics.NewTimer()
	route := "receiver"
	outcome := "ok"
	defer func() {
		metrics.ReceiverRequestsTotal.WithLabelValues(route, outcome).Inc()
		timer.ObserveDurationVec(metrics.ReceiverRequestDuration, route)
	}()

	// 1. Auth gate.
	if len(h.BasicAuth) > 0 {
		switch phhttp.Check(req.header("Authorization"), h.BasicAuth) {
		case phhttp.NotAttempted, phhttp.Rejected:
			outcome = "unauthorized"
			headers, body := phhttp.ChallengeBody(h.Organization)
			return Response{Code: 401, Headers: headers, Body: []byte(body)}
		}
	}

	// 2. MIME parse.
	boundary, err := envelope.BoundaryFromContentType(req.header("Content-Type"))
	if err != nil {
		outcome = "bad_request"
		return h.fail(nil, "InsertFailed", "missing MIME boundary: "+err.Error())
	}
	parts, err := envelope.ParseMultipart(req.Body, boundary)
	if err != nil || len(parts) < 2 {
		outcome = "bad_request"
		return h.fail(nil, "InsertFailed", "MIME parse failed")
	}
	soapPart, payloadPart := parts[0], parts[1]

	// 3. SOAP parse.
	msg, err := soapmsg.Parse(soapPart.Body)
	if err != nil {
		outcome = "bad_request"
		return h.fail(nil, "InsertFailed", "SOAP parse failed: "+err.Error())
	}

	// 4. Ping short-circuit.
	if msg.Header.Action == "Ping" {
		return h.ack(msg, "InsertSucceeded", "", "Pong")
	}

	// 5. Service-map lookup.
	svcMap, ok := h.findMap(msg.Header.Service, msg.Header.Action)
	if !ok {
		outcome = "unknown_service"
		return h.fail(msg, "InsertFailed", "Unknown Service/Action")
	}

	var recordID string
	if msg.Manifest != nil {
		recordID = msg.Manifest.RecordId
	}

	// 7. Duplicate detection. Key = {FromPartyId, SOAPDBRecordId}; a
	// message with no manifest has no RecordId to key on, so it is never
	// looked up or stored here rather than colliding with every other
	// manifest-less message from the same sender.
	dedupEligible := h.Dedup != nil && recordID != ""
	if dedupEligible {
		key := dupcache.Key{FromPartyID: msg.Header.FromPartyId, RecordID: recordID}
		if cached, found, err := h.Dedup.Lookup(key); err == nil && found {
			metrics.ReceiverDuplicatesTotal.WithLabelValues(route).Inc()
			return Response{Code: 200, Headers: map[string]string{"Content-Type": "text/xml"}, Body: cached}
		}
	}

	// 6. Row preparation.
	row := queue.NewRow(queue.ReceiveRowType)
	row.Set("MESSAGEID", msg.Header.MessageId)
	row.Set("SERVICE", msg.Header.Service)
	row.Set("ACTION", msg.Header.Action)
	row.Set("FROMPARTYID", msg.Header.FromPartyId)
	row.Set("RECEIVEDTIME", timestamp())
	row.Set("LASTUPDATETIME", timestamp())
	row.Set("PROCESSID", fmt.Sprintf("%d", os.Getpid()))
	row.Set("PROCESSINGSTATUS", "received")
	if msg.Manifest != nil {
		row.Set("MESSAGERECIPIENT", msg.Manifest.MessageRecipient)
		row.Set("ARGUMENTS", msg.Manifest.Arguments)
	}

	// 8. Payload decryption.
	payloadName := payloadFileName(payloadPart, msg)
	row.Set("PAYLOADNAME", payloadName)

	plaintext, err := h.decryptPayload(payloadPart, svcMap)
	if err != nil {
		metrics.ReceiverDecryptFailuresTotal.WithLabelValues(route).Inc()
		row.Set("ERRORCODE", "DecryptFailed")
		row.Set("ERRORMESSAGE", err.Error())
		h.persist(svcMap, row)
		outcome = "decrypt_failed"
		return h.fail(msg, "InsertFailed", "decrypt failed: "+err.Error())
	}
	if svcMap.Encryption.Unc != "" {
		row.Set("ENCRYPTION", "yes")
	} else {
		row.Set("ENCRYPTION", "no")
	}

	// 9. File write.
	dest := filepath.Join(svcMap.Directory, payloadName)
	final, err := filterexec.Run(context.Background(), svcMap.Filter, plaintext, h.FilterTimeout)
	if err != nil {
		row.Set("ERRORCODE", "FilterFailed")
		row.Set("ERRORMESSAGE", err.Error())
		h.persist(svcMap, row)
		outcome = "filter_failed"
		return h.fail(msg, "InsertFailed", "filter failed: "+err.Error())
	}
	if err := os.WriteFile(dest, final, 0o644); err != nil {
		row.Set("ERRORCODE", "WriteFailed")
		row.Set("ERRORMESSAGE", err.Error())
		h.persist(svcMap, row)
		outcome = "write_failed"
		return h.fail(msg, "InsertFailed", "write failed: "+err.Error())
	}
	row.Set("LOCALFILENAME", dest)
	row.Set("PROCESSINGSTATUS", "done")
	row.Set("APPLICATIONSTATUS", "InsertSucceeded")

	// 11. Persist row.
	h.persist(svcMap, row)

	// 10. Ack.
	resp := h.ack(msg, "InsertSucceeded", "", "")

	if dedupEligible {
		key := dupcache.Key{FromPartyID: msg.Header.FromPartyId, RecordID: recordID}
		_ = h.Dedup.Store(key, resp.Body)
	}

	return resp
}

func (h *Handler) findMap(service, action string) (phconfig.ServiceMapConfig, bool) {
	for _, m := range h.Maps {
		if m.Service == service && m.Action == action {
			return m, true
		}
	}
	return phconfig.ServiceMapConfig{}, false
}

func (h *Handler) persist(m phconfig.ServiceMapConfig, row *queue.Row) {
	if h.Queues == nil || m.Queue == "" {
		return
	}
	q, ok := h.Queues.Queue(m.Queue)
	if !ok {
		phlog.WithQueue(m.Queue).Warn().Msg("receiver: queue not registered, dropping row")
		return
	}
	if _, err := q.Push(row); err != nil {
		phlog.WithQueue(m.Queue).Error().Err(err).Msg("receiver: push row failed")
	}
}

func (h *Handler) decryptPayload(part envelope.Part, m phconfig.ServiceMapConfig) ([]byte, error) {
	ct := strings.ToLower(part.ContentType)
	switch {
	case strings.Contains(ct, "text/xml"):
		env, err := envelope.Parse(part.Body)
		if err != nil {
			return nil, fmt.Errorf("parse envelope: %w", err)
		}
		if m.Encryption.Unc == "" {
			return nil, fmt.Errorf("no decryption key configured for this service")
		}
		keyData, err := h.CertResolver.Resolve(m.Encryption.Unc)
		if err != nil {
			return nil, fmt.Errorf("resolve key: %w", err)
		}
		plain, _, err := envelope.Decrypt(env, keyData, m.Encryption.Password, "")
		if err != nil {
			return nil, fmt.Errorf("decrypt: %w", err)
		}
		return plain, nil
	case strings.Contains(ct, "application/octet-stream"):
		return decodeBase64Part(part)
	default:
		return nil, fmt.Errorf("unsupported payload Content-Type %q", part.ContentType)
	}
}

func decodeBase64Part(part envelope.Part) ([]byte, error) {
	if !strings.EqualFold(part.ContentTransferEncoding, "base64") {
		return nil, fmt.Errorf("unsupported Content-Transfer-Encoding %q", part.ContentTransferEncoding)
	}
	decoded, err := base64.StdEncoding.DecodeString(strings.Map(func(r rune) rune {
		if r == '\n' || r == '\r' {
			return -1
		}
		return r
	}, string(part.Body)))
	if err != nil {
		return nil, fmt.Errorf("decode base64 payload: %w", err)
	}
	return decoded, nil
}

// payloadFileName picks the local file name for the decrypted payload.
// Both sources it reads from, the MIME Content-Disposition header and
// the SOAP manifest Href, are attacker-controlled, so the result always
// goes through sanitizeFileName before it reaches a caller that joins it
// onto svcMap.Directory.
func payloadFileName(part envelope.Part, msg *soapmsg.Message) string {
	if part.ContentDisposition != "" {
		if name := dispositionName(part.ContentDisposition); name != "" {
			return sanitizeFileName(name)
		}
	}
	if msg.Manifest != nil {
		href := strings.TrimPrefix(msg.Manifest.Href, "cid:")
		if at := strings.IndexByte(href, '@'); at >= 0 {
			href = href[:at]
		}
		if name := sanitizeFileName(href); name != "" {
			return name
		}
	}
	return "payload"
}

// sanitizeFileName strips any directory component a remote sender might
// smuggle into a Content-Disposition name or manifest Href (e.g.
// "../../etc/passwd"), so dest := filepath.Join(svcMap.Directory, name)
// can never resolve outside svcMap.Directory.
func sanitizeFileName(name string) string {
	name = filepath.Base(filepath.Clean(name))
	if name == "." || name == ".." || name == string(filepath.Separator) {
		return ""
	}
	return name
}

func dispositionName(disposition string) string {
	const marker = `name="`
	i := strings.Index(disposition, marker)
	if i < 0 {
		return ""
	}
	rest := disposition[i+len(marker):]
	j := strings.IndexByte(rest, '"')
	if j < 0 {
		return ""
	}
	return rest[:j]
}

// ack builds the SOAP acknowledgment reply and wraps it in the
// single-part response body spec §4.4 step 10 describes.
func (h *Handler) ack(msg *soapmsg.Message, status, errText, actionOverride string) Response {
	action := "Acknowledgment"
	if actionOverride != "" {
		action = actionOverride
	}

	reply := soapmsg.Message{
		Header: soapmsg.Header{
			FromPartyId: h.PartyID,
			ToPartyId:   msg.Header.FromPartyId,
			CPAId:       msg.Header.CPAId,
			Action:      action,
			MessageId:   msg.Header.MessageId,
			Timestamp:   timestamp(),
		},
		Ack: &soapmsg.Ack{
			Timestamp:      timestamp(),
			RefToMessageId: msg.Header.MessageId,
		},
		Response: &soapmsg.Response{Status: status, Error: errText},
	}

	body := []byte(reply.Render())
	return Response{
		Code: 200,
		Headers: map[string]string{
			"Content-Type": "text/xml",
			"Connection":   "close",
			"Server":       "PHINEAS",
		},
		Body: body,
	}
}

// fail builds a descriptive-status ack without ever raising to the
// caller, matching spec §4.4: "All stage failures produce a fully
// formed ack with a descriptive status string — they do not raise to
// the HTTP layer." msg may be nil when the failure occurs before SOAP
// parsing succeeds.
func (h *Handler) fail(msg *soapmsg.Message, status, detail string) Response {
	if msg == nil {
		msg = &soapmsg.Message{Header: soapmsg.Header{MessageId: "unknown"}}
	}
	return h.ack(msg, status, detail, "")
}
