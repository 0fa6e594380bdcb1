// Package attestation implements the Attestation Authority.
//
// Reports bind the service measurement to a caller supplied freshness value and are signed
// with a secp256k1 key that only ever lives in a sealed Secure Store slot.
package attestation

import (
	"crypto/sha256"
	"encoding/binary"

	"go.uber.org/zap"

	"github.com/wallera-computer/tzapp/crypto"
	"github.com/wallera-computer/tzapp/log"
	"github.com/wallera-computer/tzapp/tee/mem"
	"github.com/wallera-computer/tzapp/tee/trusted_os/internal/store"
	"github.com/wallera-computer/tzapp/tee/trusted_os/tz/types"
	"github.com/wallera-computer/tzapp/tee/tzerr"
)

const measurementDomain = "tzapp-measurement-v1"

// Identity is the immutable code and configuration identity the measurement covers.
type Identity struct {
	Name       string
	Revision   string
	Build      string
	Capacity   uint32
	MaxRecords uint32
}

// Measure hashes id into a measurement. Fields are length prefixed so that no two
// identities share an encoding.
func Measure(id Identity) [types.MeasurementSize]byte {
	h := sha256.New()
	h.Write([]byte(measurementDomain))

	for _, f := range []string{id.Name, id.Revision, id.Build} {
		l := make([]byte, 4)
		binary.BigEndian.PutUint32(l, uint32(len(f)))
		h.Write(l)
		h.Write([]byte(f))
	}

	n := make([]byte, 8)
	binary.BigEndian.PutUint32(n[:4], id.Capacity)
	binary.BigEndian.PutUint32(n[4:], id.MaxRecords)
	h.Write(n)

	ret := [types.MeasurementSize]byte{}
	copy(ret[:], h.Sum(nil))

	return ret
}

// Authority produces attestation reports.
// It's either Unprovisioned or Provisioned, depending on the presence of the signing key in
// the store.
type Authority struct {
	store       *store.Store
	measurement [types.MeasurementSize]byte

	l *zap.SugaredLogger
}

func New(s *store.Store, id Identity, l *zap.Logger) *Authority {
	return &Authority{
		store:       s,
		measurement: Measure(id),
		l:           log.OrNop(l).Named("attestation").Sugar(),
	}
}

func (a *Authority) Measurement() [types.MeasurementSize]byte {
	return a.measurement
}

// Provisioned reports whether the signing key is installed.
func (a *Authority) Provisioned() bool {
	return a.store.Sealed(store.SealedAttestationKey)
}

// Provision derives the signing key from seed and installs it in the store.
func (a *Authority) Provision(seed []byte) error {
	const op = "provision"

	key, err := crypto.DeriveAttestationKey(seed)
	if err != nil {
		return tzerr.New(op, tzerr.InvalidArgument)
	}
	defer mem.Zero(key)

	if err := a.store.Install(store.SealedAttestationKey, key); err != nil {
		return tzerr.New(op, tzerr.KindOf(err))
	}

	a.l.Debug("attestation key installed")

	return nil
}

// Attest signs the measurement together with nonce, which must be FreshnessSize bytes long.
func (a *Authority) Attest(nonce []byte) (types.Report, error) {
	const op = "attest"

	if len(nonce) != types.FreshnessSize {
		return types.Report{}, tzerr.New(op, tzerr.InvalidArgument)
	}

	r := types.Report{
		Measurement: a.measurement,
	}
	copy(r.Freshness[:], nonce)

	digest := crypto.ReportDigest(r.Measurement, r.Freshness)

	err := a.store.Use(store.SealedAttestationKey, func(key []byte) error {
		sig, err := crypto.Sign(key, digest[:])
		if err != nil {
			return tzerr.New(op, tzerr.InternalFault)
		}

		r.Signature = sig
		return nil
	})
	if err != nil {
		a.l.Debugw("cannot attest", "kind", tzerr.KindOf(err).String())
		return types.Report{}, tzerr.New(op, tzerr.KindOf(err))
	}

	return r, nil
}

// PublicKey returns the compressed public half of the signing key.
func (a *Authority) PublicKey() ([]byte, error) {
	const op = "public key"

	var pub []byte
	err := a.store.Use(store.SealedAttestationKey, func(key []byte) error {
		p, err := crypto.PublicKey(key)
		if err != nil {
			return tzerr.New(op, tzerr.InternalFault)
		}

		pub = p
		return nil
	})
	if err != nil {
		return nil, tzerr.New(op, tzerr.KindOf(err))
	}

	return pub, nil
}
