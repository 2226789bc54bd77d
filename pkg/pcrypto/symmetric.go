package pcrypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/des"
	"crypto/rand"
	"fmt"
	"io"
)

// Algorithm names the symmetric cipher used for the envelope's payload
// encryption (spec §4.5, §6).
type Algorithm string

const (
	TripleDESCBC Algorithm = "tripledes-cbc"
	AES128CBC    Algorithm = "aes128-cbc"
	AES192CBC    Algorithm = "aes192-cbc"
	AES256CBC    Algorithm = "aes256-cbc"
)

// DefaultAlgorithm is the envelope default when a folder map leaves
// Encryption.Type unset (spec §4.5: "algorithm (default 3DES)").
const DefaultAlgorithm = TripleDESCBC

// KeySize returns the symmetric key length alg uses, so callers unwrapping
// an RSA-wrapped key (pkg/pcrypto.UnwrapKey) know how many session-key
// bytes to generate ahead of time.
func (a Algorithm) KeySize() (int, error) {
	return a.keySize()
}

func (a Algorithm) keySize() (int, error) {
	switch a {
	case TripleDESCBC:
		return 24, nil
	case AES128CBC:
		return 16, nil
	case AES192CBC:
		return 24, nil
	case AES256CBC:
		return 32, nil
	default:
		return 0, fmt.Errorf("pcrypto: unknown algorithm %q", a)
	}
}

func (a Algorithm) newBlockCipher(key []byte) (cipher.Block, error) {
	switch a {
	case TripleDESCBC:
		return des.NewTripleDESCipher(key)
	case AES128CBC, AES192CBC, AES256CBC:
		return aes.NewCipher(key)
	default:
		return nil, fmt.Errorf("pcrypto: unknown algorithm %q", a)
	}
}

// GenerateKey returns a random key sized for algorithm. For 3DES, parity
// is forced odd per byte as real DES implementations expect (spec §4.5
// step 1).
func GenerateKey(alg Algorithm) ([]byte, error) {
	size, err := alg.keySize()
	if err != nil {
		return nil, err
	}
	key := make([]byte, size)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, fmt.Errorf("pcrypto: generate key: %w", err)
	}
	if alg == TripleDESCBC {
		forceOddParity(key)
	}
	return key, nil
}

func forceOddParity(key []byte) {
	for i, b := range key {
		parity := 0
		for bit := 0; bit < 8; bit++ {
			if b&(1<<uint(bit)) != 0 {
				parity++
			}
		}
		if parity%2 == 0 {
			key[i] ^= 1
		}
	}
}

func blockSize(alg Algorithm) int {
	if alg == TripleDESCBC {
		return des.BlockSize
	}
	return aes.BlockSize
}

// Encrypt CBC-encrypts plaintext under a fresh random IV and returns the
// IV, unencrypted, followed by the ciphertext; Decrypt reads the first
// block back as the IV. PKCS#7 padding is applied to reach a block
// boundary.
func Encrypt(alg Algorithm, key, plaintext []byte) ([]byte, error) {
	block, err := alg.newBlockCipher(key)
	if err != nil {
		return nil, fmt.Errorf("pcrypto: new cipher: %w", err)
	}

	bs := blockSize(alg)
	iv := make([]byte, bs)
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return nil, fmt.Errorf("pcrypto: generate iv: %w", err)
	}

	padded := pkcs7Pad(plaintext, bs)
	out := make([]byte, bs+len(padded))
	copy(out, iv)
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(out[bs:], padded)
	return out, nil
}

// Decrypt treats the first block of ciphertext as the IV and strips it
// from the returned plaintext (spec §4.5 step 4: "the first block is the
// IV and is stripped").
func Decrypt(alg Algorithm, key, ciphertext []byte) ([]byte, error) {
	block, err := alg.newBlockCipher(key)
	if err != nil {
		return nil, fmt.Errorf("pcrypto: new cipher: %w", err)
	}

	bs := blockSize(alg)
	if len(ciphertext) < bs || (len(ciphertext)-bs)%bs != 0 {
		return nil, fmt.Errorf("pcrypto: ciphertext length %d is not a multiple of block size %d", len(ciphertext), bs)
	}

	iv := ciphertext[:bs]
	body := append([]byte(nil), ciphertext[bs:]...)
	if len(body) == 0 {
		return nil, nil
	}
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(body, body)
	return pkcs7Unpad(body)
}

func pkcs7Pad(data []byte, blockSize int) []byte {
	padLen := blockSize - len(data)%blockSize
	padded := make([]byte, len(data)+padLen)
	copy(padded, data)
	for i := len(data); i < len(padded); i++ {
		padded[i] = byte(padLen)
	}
	return padded
}

func pkcs7Unpad(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("pcrypto: empty padded data")
	}
	padLen := int(data[len(data)-1])
	if padLen == 0 || padLen > len(data) {
		return nil, fmt.Errorf("pcrypto: invalid padding")
	}
	return data[:len(data)-padLen], nil
}
