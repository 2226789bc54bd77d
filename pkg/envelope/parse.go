package envelope

import (
	"encoding/xml"
	"fmt"
	"strings"

	"github.com/cuemby/phineas/pkg/pcrypto"
)

// wireEnvelope mirrors the fixed template's element nesting for decoding
// with encoding/xml. Spec §1 excludes a general XML DOM/parsing utility
// from scope; this struct-tag decode is the minimal, document-specific
// parse the envelope itself needs, not a reusable DOM.
type wireEnvelope struct {
	XMLName           xml.Name `xml:"EncryptedData"`
	EncryptionMethod  struct {
		Algorithm string `xml:"Algorithm,attr"`
	} `xml:"EncryptionMethod"`
	KeyInfo struct {
		EncryptedKey struct {
			KeyInfo struct {
				KeyName string `xml:"KeyName"`
			} `xml:"KeyInfo"`
			CipherData struct {
				CipherValue string `xml:"CipherValue"`
			} `xml:"CipherData"`
		} `xml:"EncryptedKey"`
	} `xml:"KeyInfo"`
	CipherData struct {
		CipherValue string `xml:"CipherValue"`
	} `xml:"CipherData"`
}

// Parse decodes the envelope XML document spec §4.5 "Decrypt" step 1
// describes: "Parse KeyInfo/EncryptedKey/CipherData/CipherValue ...
// Parse EncryptedData/CipherData/CipherValue".
func Parse(doc []byte) (*Envelope, error) {
	var w wireEnvelope
	if err := xml.Unmarshal(doc, &w); err != nil {
		return nil, fmt.Errorf("envelope: parse xml: %w", err)
	}
	if w.KeyInfo.EncryptedKey.CipherData.CipherValue == "" {
		return nil, fmt.Errorf("envelope: missing EncryptedKey CipherValue")
	}
	if w.CipherData.CipherValue == "" {
		return nil, fmt.Errorf("envelope: missing payload CipherValue")
	}
	return &Envelope{
		Algorithm:   pcrypto.Algorithm(w.EncryptionMethod.Algorithm),
		CipherKey:   strings.TrimSpace(w.KeyInfo.EncryptedKey.CipherData.CipherValue),
		KeyName:     strings.TrimSpace(w.KeyInfo.EncryptedKey.KeyInfo.KeyName),
		CipherValue: strings.TrimSpace(w.CipherData.CipherValue),
	}, nil
}
