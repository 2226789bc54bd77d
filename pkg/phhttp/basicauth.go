// Package phhttp implements the small HTTP-adjacent helpers shared by
// the receiver and the transmitter: the basic-auth gate/header pair
// grounded on original_source's basicauth.c.
package phhttp

import (
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"strings"
)

// Credential is one configured {UserID, Password} pair a basic-auth
// realm accepts (basicauth.c walks a list of these under the
// configured XML path).
type Credential struct {
	UserID   string
	Password string
}

// CheckResult mirrors basicauth_check's three-way return: authenticated,
// rejected, or not attempted (no Authorization header present).
type CheckResult int

const (
	NotAttempted CheckResult = iota
	Authenticated
	Rejected
)

// Check inspects a request's Authorization header against the
// configured credential list. An empty creds list means basic auth is
// not required for this path, matching basicauth_check's "is basic
// auth required?" count check.
func Check(authorizationHeader string, creds []Credential) CheckResult {
	if len(creds) == 0 {
		return Authenticated
	}
	if authorizationHeader == "" {
		return NotAttempted
	}

	const prefix = "Basic "
	if !strings.HasPrefix(authorizationHeader, prefix) {
		return NotAttempted
	}

	decoded, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(authorizationHeader, prefix))
	if err != nil {
		return NotAttempted
	}

	parts := strings.SplitN(string(decoded), ":", 2)
	if len(parts) != 2 {
		return NotAttempted
	}
	uid, pw := parts[0], parts[1]

	for _, c := range creds {
		if constantTimeEqual(uid, c.UserID) && constantTimeEqual(pw, c.Password) {
			return Authenticated
		}
	}
	return Rejected
}

func constantTimeEqual(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// ChallengeBody renders the 401 response body basicauth_response
// produces: an HTML explanation plus the WWW-Authenticate challenge.
// Callers are responsible for the surrounding status line and headers
// (spec §6: "Response is always HTTP/1.1 <code> <phrase>").
func ChallengeBody(realm string) (headers map[string]string, body string) {
	body = "<html><body>Access restricted - Authorization required!</body></html>"
	return map[string]string{
		"WWW-Authenticate": fmt.Sprintf(`Basic realm="%s"`, realm),
	}, body
}

// RequestHeader renders the outbound Authorization header value a
// transmitter adds to a request bound for a route configured with
// Authentication.Type == "basic" (basicauth_request).
func RequestHeader(uid, password string) string {
	raw := fmt.Sprintf("%s:%s", uid, password)
	return "Basic " + base64.StdEncoding.EncodeToString([]byte(raw))
}

// ParseCredentials reads phconfig's flattened Receiver.BasicAuth /
// Console.BasicAuth string ("user:pass,user2:pass2") into the
// credential list Check expects. basicauth.c walked an indexed XML
// list instead; this module's config layer flattens that list to one
// string, so parsing happens here rather than in phconfig.
func ParseCredentials(raw string) []Credential {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	var creds []Credential
	for _, pair := range strings.Split(raw, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		parts := strings.SplitN(pair, ":", 2)
		if len(parts) != 2 {
			continue
		}
		creds = append(creds, Credential{UserID: parts[0], Password: parts[1]})
	}
	return creds
}
