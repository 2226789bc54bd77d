// Package pcrypto implements PHINEAS's cryptographic core (spec §4.5,
// §4.2): X.509 certificate/key loading in PEM, DER or PKCS12 form, RSA
// encrypt/decrypt of symmetric keys, symmetric encrypt/decrypt
// (3DES-CBC, AES-128/192/256-CBC), and subject-DN normalization.
// Grounded on the teacher's pkg/security/certs.go for the load/save
// idiom and error-wrapping style.
package pcrypto

import (
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"
	"strings"

	"golang.org/x/crypto/pkcs12"
)

// CertResolver locates a certificate given a locator string (a file path
// in every resolver this module ships). Spec §1 Non-goals: "no LDAP-based
// certificate lookup (the hook exists but resolution is local-file
// only)" — LDAPCertResolver below documents that hook without
// implementing network lookup.
type CertResolver interface {
	Resolve(locator string) ([]byte, error)
}

// FileCertResolver reads the locator directly as a filesystem path.
type FileCertResolver struct{}

func (FileCertResolver) Resolve(locator string) ([]byte, error) {
	data, err := os.ReadFile(locator)
	if err != nil {
		return nil, fmt.Errorf("pcrypto: read %q: %w", locator, err)
	}
	return data, nil
}

// LDAPCertResolver is the unimplemented hook spec.md §1 describes. It
// exists so deployments can wire an LDAP-backed resolver in without
// changing the CertResolver interface; PHINEAS itself never calls it.
type LDAPCertResolver struct {
	URL string
}

func (r LDAPCertResolver) Resolve(string) ([]byte, error) {
	return nil, fmt.Errorf("pcrypto: LDAP certificate resolution is not implemented (url=%s)", r.URL)
}

// LoadCertificate auto-detects PEM, then DER, then PKCS12 and returns the
// parsed X.509 certificate (spec §4.5 step 4: "Load the certificate
// (auto-detect PEM, DER, then PKCS12)").
func LoadCertificate(data []byte, password string) (*x509.Certificate, error) {
	if block, _ := pem.Decode(data); block != nil {
		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("pcrypto: parse PEM certificate: %w", err)
		}
		return cert, nil
	}

	if cert, err := x509.ParseCertificate(data); err == nil {
		return cert, nil
	}

	_, cert, err := pkcs12.Decode(data, password)
	if err != nil {
		return nil, fmt.Errorf("pcrypto: certificate is neither PEM, DER nor PKCS12: %w", err)
	}
	return cert, nil
}

// LoadPrivateKey auto-detects PEM, then DER, then PKCS12 and returns the
// parsed RSA private key (spec §4.5 step 2: "Load the private key
// (PEM→DER→PKCS12)").
func LoadPrivateKey(data []byte, password string) (*rsa.PrivateKey, error) {
	if block, _ := pem.Decode(data); block != nil {
		return parsePrivateKeyDER(block.Bytes)
	}

	if key, err := parsePrivateKeyDER(data); err == nil {
		return key, nil
	}

	key, _, err := pkcs12.DecodeFirst(data, password)
	if err != nil {
		return nil, fmt.Errorf("pcrypto: private key is neither PEM, DER nor PKCS12: %w", err)
	}
	rsaKey, ok := key.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("pcrypto: PKCS12 key material is not RSA")
	}
	return rsaKey, nil
}

func parsePrivateKeyDER(der []byte) (*rsa.PrivateKey, error) {
	if key, err := x509.ParsePKCS1PrivateKey(der); err == nil {
		return key, nil
	}
	key, err := x509.ParsePKCS8PrivateKey(der)
	if err != nil {
		return nil, fmt.Errorf("pcrypto: parse DER private key: %w", err)
	}
	rsaKey, ok := key.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("pcrypto: DER key material is not RSA")
	}
	return rsaKey, nil
}

// NormalizeDN renders a certificate's subject as a one-line DN,
// uppercasing each attribute name to the left of its "=" and listing
// attributes comma-separated in reverse order from how x509.Name stores
// them — the "reverse slashes to comma-separated order" transform spec
// §4.5 step 4 describes (the original source built the DN from an
// OpenSSL "/C=.../O=.../CN=..." one-liner; pkix.Name's Names slice is
// already in that left-to-right order, so reversing it yields the
// conventional CN-first comma form).
func NormalizeDN(cert *x509.Certificate) string {
	names := cert.Subject.Names
	parts := make([]string, 0, len(names))
	for i := len(names) - 1; i >= 0; i-- {
		attr := names[i]
		key := dnAttributeName(attr.Type.String())
		parts = append(parts, strings.ToUpper(key)+"="+fmt.Sprint(attr.Value))
	}
	return strings.Join(parts, ", ")
}

func dnAttributeName(oid string) string {
	switch oid {
	case "2.5.4.3":
		return "CN"
	case "2.5.4.10":
		return "O"
	case "2.5.4.11":
		return "OU"
	case "2.5.4.6":
		return "C"
	case "2.5.4.7":
		return "L"
	case "2.5.4.8":
		return "ST"
	default:
		return oid
	}
}
