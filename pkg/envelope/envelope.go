// Package envelope builds and parses PHINEAS's hybrid-crypto XML
// envelope (spec §4.5, §6) and the MIME multipart structure that carries
// it alongside a SOAP part (spec §4.4, §4.8, §6). It consumes
// encoding/base64 as the byte-accurate codec spec §1 names as an
// external collaborator, and pkg/pcrypto for the RSA/symmetric
// primitives — the envelope package itself only handles framing.
package envelope

import (
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/cuemby/phineas/pkg/pcrypto"
)

// lineWrap is the base64 line-break width spec §6 requires: "Both
// ciphertexts are base64 with 76-char line breaks."
const lineWrap = 76

// Envelope is the logical record of spec §3: "{Algorithm, CipherKey
// (RSA-encrypted symmetric key, base64), KeyName (subject DN),
// CipherValue (symmetric-encrypted, base64)}".
type Envelope struct {
	Algorithm   pcrypto.Algorithm
	CipherKey   string // base64, 76-char wrapped
	KeyName     string // subject DN, normalized
	CipherValue string // base64, 76-char wrapped
}

const envelopeTemplate = `<EncryptedData>
<EncryptionMethod Algorithm="%s"/>
<KeyInfo>
<EncryptedKey>
<EncryptionMethod Algorithm="rsa-1_5"/>
<KeyInfo><KeyName>%s</KeyName></KeyInfo>
<CipherData><CipherValue>
%s
</CipherValue></CipherData>
</EncryptedKey>
</KeyInfo>
<CipherData><CipherValue>
%s
</CipherValue></CipherData>
</EncryptedData>`

// Render produces the fixed-template XML document spec §4.5 step 6
// describes.
func (e *Envelope) Render() string {
	return fmt.Sprintf(envelopeTemplate, e.Algorithm, e.KeyName, e.CipherKey, e.CipherValue)
}

// Encrypt builds a hybrid-encrypted envelope for plaintext under the
// certificate found at certData (spec §4.5 "Encrypt"). alg defaults to
// pcrypto.DefaultAlgorithm when empty.
func Encrypt(plaintext []byte, certData []byte, certPassword string, alg pcrypto.Algorithm) (*Envelope, error) {
	if alg == "" {
		alg = pcrypto.DefaultAlgorithm
	}

	symKey, err := pcrypto.GenerateKey(alg)
	if err != nil {
		return nil, fmt.Errorf("envelope: generate symmetric key: %w", err)
	}

	cipherValue, err := pcrypto.Encrypt(alg, symKey, plaintext)
	if err != nil {
		return nil, fmt.Errorf("envelope: encrypt payload: %w", err)
	}

	cert, err := pcrypto.LoadCertificate(certData, certPassword)
	if err != nil {
		return nil, fmt.Errorf("envelope: load certificate: %w", err)
	}

	wrappedKey, err := pcrypto.WrapKey(cert, symKey)
	if err != nil {
		return nil, fmt.Errorf("envelope: wrap symmetric key: %w", err)
	}

	return &Envelope{
		Algorithm:   alg,
		CipherKey:   wrapLines(base64.StdEncoding.EncodeToString(wrappedKey)),
		KeyName:     pcrypto.NormalizeDN(cert),
		CipherValue: wrapLines(base64.StdEncoding.EncodeToString(cipherValue)),
	}, nil
}

// Decrypt reverses Encrypt given the recipient's private key material
// (spec §4.5 "Decrypt"). When expectedDN is non-empty it is compared
// against the envelope's KeyName (string-equal); when empty, the
// envelope's KeyName is returned as matchedDN so the caller can inspect
// it (spec §4.5: "if the supplied DN is empty, the envelope's value is
// reported back to the caller").
func Decrypt(env *Envelope, keyData []byte, keyPassword string, expectedDN string) (plaintext []byte, matchedDN string, err error) {
	if expectedDN != "" && expectedDN != env.KeyName {
		return nil, env.KeyName, fmt.Errorf("envelope: key name mismatch: got %q, want %q", env.KeyName, expectedDN)
	}

	priv, err := pcrypto.LoadPrivateKey(keyData, keyPassword)
	if err != nil {
		return nil, env.KeyName, fmt.Errorf("envelope: load private key: %w", err)
	}

	wrappedKey, err := base64.StdEncoding.DecodeString(unwrapLines(env.CipherKey))
	if err != nil {
		return nil, env.KeyName, fmt.Errorf("envelope: decode cipher key: %w", err)
	}
	keySize, err := env.Algorithm.KeySize()
	if err != nil {
		return nil, env.KeyName, fmt.Errorf("envelope: %w", err)
	}
	symKey, err := pcrypto.UnwrapKey(priv, wrappedKey, keySize)
	if err != nil {
		return nil, env.KeyName, fmt.Errorf("envelope: unwrap symmetric key: %w", err)
	}

	cipherValue, err := base64.StdEncoding.DecodeString(unwrapLines(env.CipherValue))
	if err != nil {
		return nil, env.KeyName, fmt.Errorf("envelope: decode cipher value: %w", err)
	}

	plain, err := pcrypto.Decrypt(env.Algorithm, symKey, cipherValue)
	if err != nil {
		return nil, env.KeyName, fmt.Errorf("envelope: decrypt payload: %w", err)
	}
	return plain, env.KeyName, nil
}

func wrapLines(s string) string {
	var b strings.Builder
	for i := 0; i < len(s); i += lineWrap {
		end := i + lineWrap
		if end > len(s) {
			end = len(s)
		}
		b.WriteString(s[i:end])
		if end < len(s) {
			b.WriteByte('\n')
		}
	}
	return b.String()
}

func unwrapLines(s string) string {
	return strings.ReplaceAll(strings.ReplaceAll(s, "\r", ""), "\n", "")
}
