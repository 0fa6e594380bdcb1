package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/btcsuite/btcd/btcec"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcutil/hdkeychain"
	"github.com/cosmos/btcutil/bech32"
	"github.com/cosmos/go-bip39"
	"golang.org/x/crypto/hkdf"
)

const (
	// PrivateKeySize is the length of a serialized secp256k1 private key.
	PrivateKeySize = 32

	// ComputeKeySize is the length of the symmetric compute key.
	ComputeKeySize = 32

	// IdentityHRP is the bech32 human readable part of attestation identities.
	IdentityHRP = "tzatt"

	mnemonicEntropyBits = 256
	computeKeyInfo      = "tzapp-compute-key-v1"
	reportDomain        = "tzapp-attestation-v1"
)

var ErrInvalidSeed = errors.New("invalid seed length")
var ErrInvalidKey = errors.New("invalid key")
var ErrBadSignature = errors.New("signature verification failed")

func RandomBytes(amount uint64) ([]byte, error) {
	if amount == 0 {
		return nil, fmt.Errorf("requested bytes amount is zero")
	}

	b := make([]byte, amount)
	_, err := rand.Read(b)
	if err != nil {
		return nil, err
	}

	return b, nil
}

// NewMnemonic returns a fresh 24 words BIP39 mnemonic.
func NewMnemonic() ([]string, error) {
	entropy, err := bip39.NewEntropy(mnemonicEntropyBits)
	if err != nil {
		return nil, fmt.Errorf("cannot generate entropy, %w", err)
	}

	mnemonic, err := bip39.NewMnemonic(entropy)
	if err != nil {
		return nil, err
	}

	return strings.Split(mnemonic, " "), nil
}

// SeedFromMnemonic turns a BIP39 mnemonic into a 64 bytes provisioning seed.
func SeedFromMnemonic(words []string, passphrase string) ([]byte, error) {
	seed, err := bip39.NewSeedWithErrorChecking(strings.Join(words, " "), passphrase)
	if err != nil {
		return nil, fmt.Errorf("cannot read mnemonic, %w", err)
	}

	return seed, nil
}

func checkSeed(seed []byte) error {
	if len(seed) < hdkeychain.MinSeedBytes || len(seed) > hdkeychain.MaxSeedBytes {
		return fmt.Errorf("seed is %d bytes, must be between %d and %d, %w",
			len(seed), hdkeychain.MinSeedBytes, hdkeychain.MaxSeedBytes, ErrInvalidSeed)
	}

	return nil
}

// DeriveAttestationKey derives the serialized attestation private key from seed, along
// AttestationPath.
func DeriveAttestationKey(seed []byte) ([]byte, error) {
	if err := checkSeed(seed); err != nil {
		return nil, err
	}

	master, err := hdkeychain.NewMaster(seed, &chaincfg.MainNetParams)
	if err != nil {
		return nil, err
	}

	key, err := KeyFromPath(master, AttestationPath)
	if err != nil {
		return nil, err
	}

	pk, err := key.ECPrivKey()
	if err != nil {
		return nil, err
	}

	return pk.Serialize(), nil
}

// DeriveComputeKey derives the symmetric compute key from seed.
func DeriveComputeKey(seed []byte) ([]byte, error) {
	if err := checkSeed(seed); err != nil {
		return nil, err
	}

	key := make([]byte, ComputeKeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, seed, Diversifier(), []byte(computeKeyInfo)), key); err != nil {
		return nil, fmt.Errorf("cannot derive compute key, %w", err)
	}

	return key, nil
}

func privKey(priv []byte) (*btcec.PrivateKey, *btcec.PublicKey, error) {
	if len(priv) != PrivateKeySize {
		return nil, nil, ErrInvalidKey
	}

	sk, pk := btcec.PrivKeyFromBytes(btcec.S256(), priv)

	return sk, pk, nil
}

// PublicKey returns the compressed public key matching priv.
func PublicKey(priv []byte) ([]byte, error) {
	_, pk, err := privKey(priv)
	if err != nil {
		return nil, err
	}

	return pk.SerializeCompressed(), nil
}

// Sign signs a 32 bytes digest with priv. Signatures are deterministic (RFC6979) and
// DER encoded.
func Sign(priv []byte, digest []byte) ([]byte, error) {
	sk, _, err := privKey(priv)
	if err != nil {
		return nil, err
	}

	signature, err := sk.Sign(digest)
	if err != nil {
		return nil, err
	}

	return signature.Serialize(), nil
}

// Verify checks a DER signature over digest against a serialized public key.
func Verify(pub, digest, sig []byte) error {
	pk, err := btcec.ParsePubKey(pub, btcec.S256())
	if err != nil {
		return fmt.Errorf("cannot parse public key, %w", ErrInvalidKey)
	}

	s, err := btcec.ParseDERSignature(sig, btcec.S256())
	if err != nil {
		return fmt.Errorf("cannot parse signature, %w", ErrBadSignature)
	}

	if !s.Verify(digest, pk) {
		return ErrBadSignature
	}

	return nil
}

// ReportDigest is the digest an attestation signature covers.
func ReportDigest(measurement [32]byte, freshness [8]byte) [32]byte {
	h := sha256.New()
	h.Write([]byte(reportDomain))
	h.Write(measurement[:])
	h.Write(freshness[:])

	ret := [32]byte{}
	copy(ret[:], h.Sum(nil))

	return ret
}

// VerifyReport checks an attestation signature made by the holder of pub.
func VerifyReport(pub []byte, measurement [32]byte, freshness [8]byte, sig []byte) error {
	digest := ReportDigest(measurement, freshness)
	return Verify(pub, digest[:], sig)
}

// Identity renders an attestation public key as a bech32 string operators can pin.
func Identity(pub []byte) (string, error) {
	if _, err := btcec.ParsePubKey(pub, btcec.S256()); err != nil {
		return "", fmt.Errorf("cannot parse public key, %w", ErrInvalidKey)
	}

	conv, err := bech32.ConvertBits(pub, 8, 5, true)
	if err != nil {
		return "", err
	}

	return bech32.Encode(IdentityHRP, conv)
}
