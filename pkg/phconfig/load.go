package phconfig

import (
	"bytes"
	"fmt"
	"os"

	"github.com/cuemby/phineas/pkg/pcrypto"
)

// encMagic prefixes a config file that has been encrypted at rest. Any
// file without this prefix is treated as plain YAML.
var encMagic = []byte("PHINEAS-ENC-CONFIG\n")

// Load reads a configuration file from disk. If the file begins with
// encMagic it is decrypted first with AES-256-CBC (spec §9.3: config
// at rest is enforced to AES-256-CBC regardless of the per-route
// algorithm negotiated for message payloads) using key, then parsed as
// YAML. A nil key is only valid for plaintext files.
func Load(path string, key []byte) (*Tree, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("phconfig: read %s: %w", path, err)
	}

	if bytes.HasPrefix(raw, encMagic) {
		if len(key) == 0 {
			return nil, fmt.Errorf("phconfig: %s is encrypted but no key was supplied", path)
		}
		plain, err := pcrypto.Decrypt(pcrypto.AES256CBC, key, raw[len(encMagic):])
		if err != nil {
			return nil, fmt.Errorf("phconfig: decrypt %s: %w", path, err)
		}
		return Parse(plain)
	}

	return Parse(raw)
}

// Save writes a Tree's source YAML to path, encrypting it at rest with
// AES-256-CBC when key is non-empty. raw is the YAML document that
// produced (or will reproduce) the Tree; phconfig does not serialize a
// Tree back to YAML since maps parsed via yaml.v3 lose key ordering and
// comments, and the config file is meant to remain hand-edited.
func Save(path string, raw []byte, key []byte) error {
	out := raw
	if len(key) > 0 {
		ciphertext, err := pcrypto.Encrypt(pcrypto.AES256CBC, key, raw)
		if err != nil {
			return fmt.Errorf("phconfig: encrypt: %w", err)
		}
		out = append(append([]byte{}, encMagic...), ciphertext...)
	}
	if err := os.WriteFile(path, out, 0600); err != nil {
		return fmt.Errorf("phconfig: write %s: %w", path, err)
	}
	return nil
}

// IsEncrypted reports whether the file at path carries the encrypted
// config marker, without decrypting it.
func IsEncrypted(path string) (bool, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return false, fmt.Errorf("phconfig: read %s: %w", path, err)
	}
	return bytes.HasPrefix(raw, encMagic), nil
}
