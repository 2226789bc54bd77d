// Package transmitter implements the sender's per-row ebXML delivery
// spec §4.8 describes: build the SOAP+payload multipart message,
// connect to the configured route (plaintext or TLS), send it with a
// retry/backoff loop that follows HTTP redirects, parse the reply, and
// persist final transport/application status on the row. Grounded on
// pkg/nettransport for the connection and pkg/envelope/pkg/soapmsg for
// message construction, the same building blocks pkg/receiver uses on
// the inbound side.
package transmitter

import (
	"bufio"
	"context"
	"crypto/tls"
	"encoding/base64"
	"fmt"
	"io"
	"math/rand"
	"net/textproto"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/cuemby/phineas/pkg/envelope"
	"github.com/cuemby/phineas/pkg/filterexec"
	"github.com/cuemby/phineas/pkg/metrics"
	"github.com/cuemby/phineas/pkg/nettransport"
	"github.com/cuemby/phineas/pkg/pcrypto"
	"github.com/cuemby/phineas/pkg/phconfig"
	"github.com/cuemby/phineas/pkg/phhttp"
	"github.com/cuemby/phineas/pkg/phlog"
	"github.com/cuemby/phineas/pkg/pidts"
	"github.com/cuemby/phineas/pkg/queue"
	"github.com/cuemby/phineas/pkg/soapmsg"
)

const maxRedirects = 5

// maxReplyBodyBytes bounds a partner's declared Content-Length before
// allocating a buffer for it, so a hostile or misbehaving endpoint can't
// force a multi-gigabyte allocation per delivery attempt.
const maxReplyBodyBytes = 256 << 20

// Transmitter sends one transport-bearing row to its configured route.
type Transmitter struct {
	PartyID      string
	Organization string
	MaxRetry     int
	DelayRetry   time.Duration
	CertResolver pcrypto.CertResolver
	RouteLookup  func(name string) (phconfig.RouteConfig, bool)
	// Filter is the optional external subprocess the originating
	// folder map configures (spec §4.8 step 2). One Transmitter is
	// constructed per folder map, so the filter is fixed per instance
	// rather than carried on the row.
	Filter        string
	FilterTimeout time.Duration
	// EncryptionAlgorithm is the originating folder map's
	// Encryption.Type (e.g. "tripledes-cbc"). The row only ever carries
	// the "yes"/"no" ENCRYPTION flag (spec §8 Scenario 2), so the actual
	// algorithm, like Filter above, is fixed per Transmitter instance
	// rather than carried on the row.
	EncryptionAlgorithm string
	// AckDirectory is the folder map's Acknowledged directory, or ""
	// to skip ack-file writing (spec §4.8 step 8).
	AckDirectory string
}

// endpoint is the mutable connection target, reassigned on redirect.
type endpoint struct {
	host     string
	port     int
	path     string
	protocol string
}

// Send delivers row and returns the final row with transport and
// application status fields set, ready for the caller to Push. It
// never returns an error itself: every failure is recorded on the row
// per spec §4.8 steps 6-7, matching the ack-not-raise discipline
// pkg/receiver also follows.
func (t *Transmitter) Send(row *queue.Row) *queue.Row {
	log := phlog.WithMessageID(row.Get("MESSAGEID"))
	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.TransmitterSendDuration, row.Get("ROUTEINFO"))

	route, ok := t.RouteLookup(row.Get("ROUTEINFO"))
	if !ok {
		row.Set("PROCESSINGSTATUS", "done")
		row.Set("TRANSPORTSTATUS", "failed")
		row.Set("TRANSPORTERRORCODE", fmt.Sprintf("unknown route %q", row.Get("ROUTEINFO")))
		return row
	}

	action := row.Get("ACTION")
	isPing := action == "Ping"

	soapBody, payloadPart, contentID, err := t.buildMessage(row, route, isPing)
	if err != nil {
		row.Set("PROCESSINGSTATUS", "done")
		row.Set("TRANSPORTSTATUS", "failed")
		row.Set("TRANSPORTERRORCODE", err.Error())
		return row
	}

	start := contentID
	boundary := fmt.Sprintf("_Part_%d_%d", time.Now().Unix(), rand.Int63())
	mimeMsg := envelope.Message{
		Boundary: boundary,
		Start:    start,
		Parts: []envelope.Part{
			{
				ContentID:               start,
				ContentType:             "text/xml",
				ContentTransferEncoding: "8bit",
				Body:                    soapBody,
			},
		},
	}
	if payloadPart != nil {
		mimeMsg.Parts = append(mimeMsg.Parts, *payloadPart)
	}
	body := mimeMsg.Build()

	row.Set("PROCESSINGSTATUS", "waiting")
	row.Set("TRANSPORTSTATUS", "attempted")

	ep := endpoint{host: route.Host, port: route.Port, path: route.Path, protocol: route.Protocol}

	retries := route.Retry
	if retries <= 0 {
		retries = t.MaxRetry
	}
	baseDelay := t.DelayRetry
	if baseDelay <= 0 {
		baseDelay = 30 * time.Second
	}
	delay := baseDelay

	var respBody []byte
	var respHeaders map[string]string
	hopsLeft := maxRedirects
	var lastErr error

	for attempt := 0; ; {
		status, headers, reply, connected, err := t.attempt(ep, route, body, mimeMsg.ContentType())
		if err != nil {
			lastErr = err
			if attempt >= retries {
				break
			}
			attempt++
			time.Sleep(delay)
			delay = nextRetryDelay(delay, baseDelay, connected)
			continue
		}
		row.Set("MESSAGESENTTIME", time.Now().Format("2006-01-02T15:04:05"))
		delay = baseDelay

		if status >= 300 && status < 400 {
			location := headers["location"]
			if location == "" || hopsLeft == 0 {
				lastErr = fmt.Errorf("redirect with no Location header or hop limit exceeded")
				break
			}
			newEP, perr := parseRedirect(location, ep)
			if perr != nil {
				lastErr = perr
				break
			}
			ep = newEP
			hopsLeft--
			continue
		}

		respBody = reply
		respHeaders = headers
		lastErr = nil
		break
	}

	if lastErr != nil {
		row.Set("PROCESSINGSTATUS", "done")
		row.Set("TRANSPORTSTATUS", "failed")
		row.Set("TRANSPORTERRORCODE", "retries exhausted: "+lastErr.Error())
		log.Warn().Err(lastErr).Msg("transmitter: delivery failed")
		return row
	}

	applyReply(row, respHeaders["content-type"], respBody, isPing)
	t.writeAckFile(row)
	return row
}

func (t *Transmitter) buildMessage(row *queue.Row, route phconfig.RouteConfig, isPing bool) (soapBody []byte, payload *envelope.Part, startContentID string, err error) {
	pid := pidts.Next()
	msgID := fmt.Sprintf("%s@%s", pid, t.Organization)
	header := soapmsg.Header{
		FromPartyId:    t.PartyID,
		ToPartyId:      route.PartyId,
		CPAId:          route.Cpa,
		ConversationId: pid,
		Service:        row.Get("SERVICE"),
		Action:         row.Get("ACTION"),
		MessageId:      msgID,
		Timestamp:      time.Now().Format("2006-01-02T15:04:05"),
	}
	startContentID = fmt.Sprintf("ebxml-envelope@%s", t.Organization)

	msg := soapmsg.Message{Header: header}

	if isPing {
		return []byte(msg.Render()), nil, startContentID, nil
	}

	payloadFile := row.Get("PAYLOADFILE")
	plaintext, err := os.ReadFile(payloadFile)
	if err != nil {
		return nil, nil, "", fmt.Errorf("read payload file: %w", err)
	}

	filtered, err := filterexec.Run(context.Background(), t.Filter, plaintext, t.FilterTimeout)
	if err != nil {
		return nil, nil, "", fmt.Errorf("filter payload: %w", err)
	}

	payloadContentID := fmt.Sprintf("%s@%s", row.Get("DESTINATIONFILENAME"), t.Organization)
	msg.Manifest = &soapmsg.Manifest{
		Href:             "cid:" + payloadContentID,
		MessageId:        msgID,
		MessageRecipient: row.Get("MESSAGERECIPIENT"),
		RecordId:         row.Get("MESSAGEID"),
		Arguments:        row.Get("ARGUMENTS"),
	}

	part := envelope.Part{
		ContentID:          payloadContentID,
		ContentDisposition: fmt.Sprintf(`attachment; name="%s"`, row.Get("DESTINATIONFILENAME")),
	}

	if row.Get("CERTIFICATEURL") != "" && t.CertResolver != nil {
		certData, rerr := t.CertResolver.Resolve(row.Get("CERTIFICATEURL"))
		if rerr != nil {
			return nil, nil, "", fmt.Errorf("resolve certificate: %w", rerr)
		}
		env, eerr := envelope.Encrypt(filtered, certData, "", pcrypto.Algorithm(t.EncryptionAlgorithm))
		if eerr != nil {
			return nil, nil, "", fmt.Errorf("encrypt payload: %w", eerr)
		}
		part.ContentType = "text/xml"
		part.ContentTransferEncoding = "8bit"
		part.Body = []byte(env.Render())
	} else {
		part.ContentType = "application/octet-stream"
		part.ContentTransferEncoding = "base64"
		part.Body = []byte(base64Wrap(filtered))
	}

	return []byte(msg.Render()), &part, startContentID, nil
}

// nextRetryDelay computes the sleep before the next attempt after a
// failure: reset to base on a successful connect (the write or reply
// read is what failed), double the current delay when the connect
// itself failed. A partner that accepts connections but answers slowly
// or drops the reply doesn't get an ever-growing backoff; one that
// refuses connections outright does.
func nextRetryDelay(current, base time.Duration, connected bool) time.Duration {
	if connected {
		return base
	}
	return current * 2
}

// attempt connects, sends one request and reads the reply. connected
// reports whether the TCP/TLS connect itself succeeded, independent of
// err: the retry loop in Send resets its backoff delay on a successful
// connect even when a later step (write, or read of the reply) is what
// actually failed (spec's retry-delay rule only conditions the reset on
// connect succeeding, not on the whole round trip succeeding).
func (t *Transmitter) attempt(ep endpoint, route phconfig.RouteConfig, body []byte, contentType string) (status int, headers map[string]string, replyBody []byte, connected bool, err error) {
	var tlsConfig *tls.Config
	if ep.protocol == "https" {
		tlsConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	conn, err := nettransport.Dial(ep.host, ep.port, route.Timeout, tlsConfig)
	if err != nil {
		return 0, nil, nil, false, fmt.Errorf("connect: %w", err)
	}
	connected = true
	defer conn.Close()
	_ = conn.SetReadTimeout(route.Timeout)

	var req strings.Builder
	fmt.Fprintf(&req, "POST %s HTTP/1.1\r\n", ep.path)
	fmt.Fprintf(&req, "Host: %s:%d\r\n", ep.host, ep.port)
	fmt.Fprintf(&req, "Content-Type: %s\r\n", contentType)
	fmt.Fprintf(&req, "Content-Length: %d\r\n", len(body))
	req.WriteString("Connection: Close\r\n")
	req.WriteString("SOAPAction: \"ebXML\"\r\n")
	// Only send credentials to the host and port the route was configured
	// for. A redirect can repoint ep at a different host or port;
	// Authentication belongs to the originally configured partner, not
	// wherever Location sends us.
	if route.Authentication.Type == "basic" && ep.host == route.Host && ep.port == route.Port {
		fmt.Fprintf(&req, "Authorization: %s\r\n", phhttp.RequestHeader(route.Authentication.User, route.Authentication.Password))
	}
	req.WriteString("\r\n")

	if _, err := conn.Write([]byte(req.String())); err != nil {
		return 0, nil, nil, connected, fmt.Errorf("write headers: %w", err)
	}
	if _, err := conn.Write(body); err != nil {
		return 0, nil, nil, connected, fmt.Errorf("write body: %w", err)
	}

	reader := bufio.NewReader(conn)
	tp := textproto.NewReader(reader)

	statusLine, err := tp.ReadLine()
	if err != nil {
		return 0, nil, nil, connected, fmt.Errorf("read status line: %w", err)
	}
	status, err = parseStatusLine(statusLine)
	if err != nil {
		return 0, nil, nil, connected, err
	}

	mimeHeaders, err := tp.ReadMIMEHeader()
	if err != nil && len(mimeHeaders) == 0 {
		return 0, nil, nil, connected, fmt.Errorf("read headers: %w", err)
	}

	headers = make(map[string]string, len(mimeHeaders))
	for k, v := range mimeHeaders {
		if len(v) > 0 {
			headers[strings.ToLower(k)] = v[0]
		}
	}

	contentLength := 0
	if cl := headers["content-length"]; cl != "" {
		contentLength, _ = strconv.Atoi(cl)
	}
	if contentLength < 0 || contentLength > maxReplyBodyBytes {
		return status, headers, nil, connected, fmt.Errorf("invalid Content-Length %d", contentLength)
	}
	replyBody = make([]byte, contentLength)
	if contentLength > 0 {
		if _, err := io.ReadFull(reader, replyBody); err != nil {
			return status, headers, nil, connected, fmt.Errorf("read body: %w", err)
		}
	}

	return status, headers, replyBody, connected, nil
}

const base64LineWrap = 76

// base64Wrap matches the 76-char line-broken base64 pkg/envelope uses
// for the octet-stream payload case (spec §6).
func base64Wrap(data []byte) string {
	encoded := base64.StdEncoding.EncodeToString(data)
	var b strings.Builder
	for i := 0; i < len(encoded); i += base64LineWrap {
		end := i + base64LineWrap
		if end > len(encoded) {
			end = len(encoded)
		}
		b.WriteString(encoded[i:end])
		if end < len(encoded) {
			b.WriteByte('\n')
		}
	}
	return b.String()
}

func parseStatusLine(line string) (int, error) {
	fields := strings.SplitN(line, " ", 3)
	if len(fields) < 2 {
		return 0, fmt.Errorf("malformed status line %q", line)
	}
	code, err := strconv.Atoi(fields[1])
	if err != nil {
		return 0, fmt.Errorf("malformed status code in %q: %w", line, err)
	}
	return code, nil
}

func parseRedirect(location string, current endpoint) (endpoint, error) {
	u, err := url.Parse(location)
	if err != nil {
		return endpoint{}, fmt.Errorf("parse Location header %q: %w", location, err)
	}
	protocol := u.Scheme
	if protocol == "" {
		protocol = current.protocol
	}
	host := u.Hostname()
	if host == "" {
		host = current.host
	}
	port := current.port
	if u.Port() != "" {
		port, _ = strconv.Atoi(u.Port())
	} else if u.Hostname() != "" {
		if protocol == "https" {
			port = 443
		} else {
			port = 80
		}
	}
	path := u.Path
	if path == "" {
		path = current.path
	}
	return endpoint{host: host, port: port, path: path, protocol: protocol}, nil
}

// applyReply parses the MIME reply, extracts the SOAP action, and
// records transport/application status per spec §4.8 step 7.
func applyReply(row *queue.Row, contentType string, replyBody []byte, isPing bool) {
	row.Set("PROCESSINGSTATUS", "done")

	var soapBytes []byte
	if boundary, err := envelope.BoundaryFromContentType(contentType); err == nil {
		if parts, perr := envelope.ParseMultipart(replyBody, boundary); perr == nil && len(parts) > 0 {
			soapBytes = parts[0].Body
		}
	}
	if soapBytes == nil {
		soapBytes = replyBody
	}

	reply, perr := soapmsg.Parse(soapBytes)
	if perr != nil {
		row.Set("TRANSPORTSTATUS", "failed")
		row.Set("TRANSPORTERRORCODE", "unparsable reply: "+perr.Error())
		return
	}

	switch {
	case reply.Error != nil:
		row.Set("TRANSPORTSTATUS", "failed")
		row.Set("TRANSPORTERRORCODE", reply.Error.ErrorCode)
		row.Set("APPLICATIONRESPONSE", reply.Error.Message)
	case isPing && reply.Header.Action == "Pong":
		row.Set("TRANSPORTSTATUS", "success")
		row.Set("APPLICATIONSTATUS", "success")
	case reply.Response != nil:
		row.Set("TRANSPORTSTATUS", "success")
		row.Set("APPLICATIONSTATUS", reply.Response.Status)
		row.Set("APPLICATIONERRORCODE", reply.Response.Error)
		row.Set("APPLICATIONRESPONSE", reply.Response.AppData)
	default:
		row.Set("TRANSPORTSTATUS", "success")
	}

	row.Set("MESSAGERECEIVEDTIME", time.Now().Format("2006-01-02T15:04:05"))
	if reply.Header.MessageId != "" {
		row.Set("RESPONSEMESSAGEID", reply.Header.MessageId)
	}
}

// writeAckFile writes a flat key=value acknowledgment file to the
// folder map's Acknowledged directory, if configured (spec §4.8 step
// 8).
func (t *Transmitter) writeAckFile(row *queue.Row) {
	dir := t.AckDirectory
	if dir == "" {
		return
	}
	name := row.Get("DESTINATIONFILENAME")
	if name == "" {
		name = row.Get("MESSAGEID")
	}

	var b strings.Builder
	for _, field := range []string{
		"PROCESSINGSTATUS", "TRANSPORTSTATUS", "TRANSPORTERRORCODE",
		"APPLICATIONSTATUS", "APPLICATIONERRORCODE", "APPLICATIONRESPONSE",
		"MESSAGESENTTIME", "MESSAGERECEIVEDTIME", "RESPONSEMESSAGEID",
	} {
		fmt.Fprintf(&b, "%s=%s\n", field, row.Get(field))
	}

	_ = os.WriteFile(dir+"/"+name, []byte(b.String()), 0o644)
}
