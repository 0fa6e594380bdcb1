package crypto

import (
	"fmt"

	"github.com/btcsuite/btcutil/hdkeychain"
)

const hardened = hdkeychain.HardenedKeyStart

var (
	// diversifier salts every symmetric key derived from a provisioning seed.
	diversifier = []byte("tzapp secure world key diversifier v1")

	// AttestationPath is where the attestation signing key lives: m/44'/1022'/0'/0/0
	AttestationPath = DerivationPath{
		Purpose:      hardened + 44,
		CoinType:     hardened + 1022,
		Account:      hardened,
		Change:       0,
		AddressIndex: 0,
	}
)

// Diversifier returns the salt used to do secure derivation of the compute key.
func Diversifier() []byte {
	d := make([]byte, len(diversifier))
	copy(d, diversifier)

	return d
}

type DerivationPath struct {
	Purpose      uint32
	CoinType     uint32
	Account      uint32
	Change       uint32
	AddressIndex uint32
}

func (d DerivationPath) indexes() []uint32 {
	return []uint32{
		d.Purpose,
		d.CoinType,
		d.Account,
		d.Change,
		d.AddressIndex,
	}
}

// m / purpose' / coin_type' / account' / change / address_index
func (d DerivationPath) String() string {
	s := "m"
	for _, idx := range d.indexes() {
		if idx >= hardened {
			s += fmt.Sprintf("/%v'", idx-hardened)
			continue
		}

		s += fmt.Sprintf("/%v", idx)
	}

	return s
}

// KeyFromPath walks path starting from master.
func KeyFromPath(master *hdkeychain.ExtendedKey, path DerivationPath) (*hdkeychain.ExtendedKey, error) {
	key := master
	for _, idx := range path.indexes() {
		child, err := key.Child(idx)
		if err != nil {
			return nil, fmt.Errorf("cannot derive %s, %w", path, err)
		}

		key = child
	}

	return key, nil
}
