package crypto

import (
	"crypto/hmac"
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20"
	"golang.org/x/crypto/hkdf"
)

const transformInfo = "tzapp-compute-v1"

// Transform encrypts input under key with ChaCha20, using a nonce synthesized from an
// HMAC-SHA256 of input. Equal inputs under the same key give equal outputs, of the same
// length as input, and distinct inputs never share a keystream.
func Transform(key, input []byte) ([]byte, error) {
	if len(key) != ComputeKeySize {
		return nil, ErrInvalidKey
	}

	subkeys := make([]byte, chacha20.KeySize+sha256.Size)
	defer zero(subkeys)

	if _, err := io.ReadFull(hkdf.New(sha256.New, key, nil, []byte(transformInfo)), subkeys); err != nil {
		return nil, fmt.Errorf("cannot derive transform keys, %w", err)
	}

	encKey := subkeys[:chacha20.KeySize]
	macKey := subkeys[chacha20.KeySize:]

	mac := hmac.New(sha256.New, macKey)
	mac.Write(input)
	siv := mac.Sum(nil)
	defer zero(siv)

	c, err := chacha20.NewUnauthenticatedCipher(encKey, siv[:chacha20.NonceSize])
	if err != nil {
		return nil, err
	}

	out := make([]byte, len(input))
	c.XORKeyStream(out, input)

	return out, nil
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
