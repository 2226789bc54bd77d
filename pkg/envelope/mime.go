package envelope

import (
	"fmt"
	"strings"
)

// Part is one MIME body part of the multipart/related structure spec §6
// describes: a SOAP part and a payload part.
type Part struct {
	ContentID               string
	ContentType             string
	ContentTransferEncoding string
	ContentDisposition      string
	Body                    []byte
}

// Message is the assembled multipart/related body plus the headers spec
// §6 fixes for the outer HTTP request/response.
type Message struct {
	Boundary string
	Start    string // Content-ID of the "start" (SOAP) part
	Parts    []Part
}

func (p Part) headers() string {
	var b strings.Builder
	if p.ContentID != "" {
		fmt.Fprintf(&b, "Content-ID: <%s>\n", p.ContentID)
	}
	if p.ContentType != "" {
		fmt.Fprintf(&b, "Content-Type: %s\n", p.ContentType)
	}
	if p.ContentTransferEncoding != "" {
		fmt.Fprintf(&b, "Content-Transfer-Encoding: %s\n", p.ContentTransferEncoding)
	}
	if p.ContentDisposition != "" {
		fmt.Fprintf(&b, "Content-Disposition: %s\n", p.ContentDisposition)
	}
	return b.String()
}

// ContentType renders the outer multipart/related Content-Type header
// value (spec §6: `multipart/related; type="text/xml";
// start="ebxml-envelope@<org>"; boundary="_Part_<tsec>_<rand>"`).
func (m Message) ContentType() string {
	return fmt.Sprintf(`multipart/related; type="text/xml"; start="%s"; boundary="%s"`, m.Start, m.Boundary)
}

// Build assembles the multipart body: "\n--boundary" between parts,
// "\n--boundary--" terminating (spec §6).
func (m Message) Build() []byte {
	var b strings.Builder
	for _, part := range m.Parts {
		fmt.Fprintf(&b, "\n--%s\n", m.Boundary)
		b.WriteString(part.headers())
		b.WriteByte('\n')
		b.Write(part.Body)
	}
	fmt.Fprintf(&b, "\n--%s--\n", m.Boundary)
	return []byte(b.String())
}

// ParseMultipart splits raw on the given boundary and returns each part's
// headers and body. Exactly two parts are expected on the receive side
// (spec §4.4 step 2), but this function is boundary-count agnostic so it
// also serves transmitter reply parsing (spec §4.8 step 7).
func ParseMultipart(raw []byte, boundary string) ([]Part, error) {
	marker := "--" + boundary
	text := string(raw)

	segments := strings.Split(text, marker)
	if len(segments) < 3 {
		return nil, fmt.Errorf("envelope: boundary %q not found or no parts present", boundary)
	}
	// segments[0] is preamble; the last segment starts with "--\n" epilogue.
	body := segments[1 : len(segments)-1]

	parts := make([]Part, 0, len(body))
	for _, seg := range body {
		seg = strings.TrimPrefix(seg, "\n")
		headerEnd := strings.Index(seg, "\n\n")
		if headerEnd == -1 {
			return nil, fmt.Errorf("envelope: part missing header/body separator")
		}
		headerBlock := seg[:headerEnd]
		partBody := seg[headerEnd+2:]
		partBody = strings.TrimSuffix(partBody, "\n")

		part := Part{Body: []byte(partBody)}
		for _, line := range strings.Split(headerBlock, "\n") {
			line = strings.TrimSpace(line)
			if line == "" {
				continue
			}
			name, value, ok := strings.Cut(line, ":")
			if !ok {
				continue
			}
			value = strings.TrimSpace(value)
			switch strings.ToLower(strings.TrimSpace(name)) {
			case "content-id":
				part.ContentID = strings.Trim(value, "<>")
			case "content-type":
				part.ContentType = value
			case "content-transfer-encoding":
				part.ContentTransferEncoding = value
			case "content-disposition":
				part.ContentDisposition = value
			}
		}
		parts = append(parts, part)
	}
	return parts, nil
}

// BoundaryFromContentType extracts the boundary= parameter from a
// Content-Type header value (spec §4.4 step 2: "Split the multipart body
// using the boundary declared in Content-Type").
func BoundaryFromContentType(contentType string) (string, error) {
	idx := strings.Index(contentType, "boundary=")
	if idx == -1 {
		return "", fmt.Errorf("envelope: no boundary parameter in Content-Type %q", contentType)
	}
	rest := contentType[idx+len("boundary="):]
	rest = strings.TrimSpace(rest)
	if strings.HasPrefix(rest, `"`) {
		end := strings.Index(rest[1:], `"`)
		if end == -1 {
			return "", fmt.Errorf("envelope: unterminated boundary quote in %q", contentType)
		}
		return rest[1 : end+1], nil
	}
	if end := strings.IndexByte(rest, ';'); end != -1 {
		rest = rest[:end]
	}
	return strings.TrimSpace(rest), nil
}
