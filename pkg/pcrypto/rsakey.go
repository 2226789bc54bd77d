package pcrypto

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"fmt"
	"io"
)

// WrapKey RSA-encrypts a symmetric key under the recipient's public
// certificate (spec §4.5 step 5). PKCS#1 v1.5 padding is used, matching
// the "rsa-1_5" algorithm identifier spec §6 fixes for key-wrapping.
func WrapKey(cert *x509.Certificate, symmetricKey []byte) ([]byte, error) {
	pub, ok := cert.PublicKey.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("pcrypto: certificate public key is not RSA")
	}
	wrapped, err := rsa.EncryptPKCS1v15(rand.Reader, pub, symmetricKey)
	if err != nil {
		return nil, fmt.Errorf("pcrypto: wrap key: %w", err)
	}
	return wrapped, nil
}

// UnwrapKey RSA-decrypts the symmetric key with the recipient's private
// key (spec §4.5 step 2). keySize must match the symmetric algorithm the
// envelope names (Algorithm.KeySize). It uses
// rsa.DecryptPKCS1v15SessionKey rather than a plain DecryptPKCS1v15: a
// malformed ciphertext doesn't surface a distinguishable "bad padding"
// error, it silently yields random bytes of the right length instead, so
// a remote attacker probing many crafted CipherKey values can't use the
// error signal to mount a Bleichenbacher padding-oracle attack against
// the private key. The caller's next step (symmetric decrypt with
// whatever key came back) fails on its own terms either way.
func UnwrapKey(priv *rsa.PrivateKey, wrapped []byte, keySize int) ([]byte, error) {
	sessionKey := make([]byte, keySize)
	if _, err := io.ReadFull(rand.Reader, sessionKey); err != nil {
		return nil, fmt.Errorf("pcrypto: unwrap key: seed session key: %w", err)
	}
	if err := rsa.DecryptPKCS1v15SessionKey(rand.Reader, priv, wrapped, sessionKey); err != nil {
		return nil, fmt.Errorf("pcrypto: unwrap key: %w", err)
	}
	return sessionKey, nil
}
