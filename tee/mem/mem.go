// Package mem provides the fixed-size secure memory region every secure-world component
// works on.
//
// A SecureBuffer is never handed out by reference: data gets in by copy through Load and
// leaves by copy through Bytes or CopyTo.
package mem

import (
	"errors"
	"fmt"

	"github.com/wallera-computer/tzapp/tee/internal/wipe"
)

// Capacity is the size of every secure buffer, in bytes.
const Capacity = 1024

var ErrTooLarge = errors.New("data exceeds secure buffer capacity")
var ErrShortBuffer = errors.New("destination buffer too small")
var ErrWipeFailed = errors.New("secure buffer not zero after wipe")

// SecureBuffer is a fixed-capacity byte region. The zero value is an empty, zeroed buffer.
type SecureBuffer struct {
	data   [Capacity]byte
	length int
}

// Load wipes b and copies src in.
func (b *SecureBuffer) Load(src []byte) error {
	if len(src) > Capacity {
		return fmt.Errorf("cannot load %d bytes, %w", len(src), ErrTooLarge)
	}

	if err := b.Wipe(); err != nil {
		return err
	}

	b.length = copy(b.data[:], src)

	return nil
}

// Len returns the amount of meaningful bytes held by b.
func (b *SecureBuffer) Len() int {
	return b.length
}

// Bytes returns a fresh copy of the meaningful content of b.
// The returned slice is never nil, so an empty buffer still reads as zero-length data.
func (b *SecureBuffer) Bytes() []byte {
	out := make([]byte, b.length)
	copy(out, b.data[:b.length])

	return out
}

// CopyTo copies the content of b into dst, which must be large enough.
func (b *SecureBuffer) CopyTo(dst []byte) (int, error) {
	if len(dst) < b.length {
		return 0, fmt.Errorf("need %d bytes, have %d, %w", b.length, len(dst), ErrShortBuffer)
	}

	return copy(dst, b.data[:b.length]), nil
}

// Wipe zeroes the whole region, not just the meaningful part, and verifies the result.
func (b *SecureBuffer) Wipe() error {
	wipe.Bytes(b.data[:])
	b.length = 0

	if !b.IsZero() {
		return ErrWipeFailed
	}

	return nil
}

// IsZero reports whether every byte of the region is zero.
func (b *SecureBuffer) IsZero() bool {
	var acc byte
	for _, v := range b.data {
		acc |= v
	}

	return acc == 0
}

// Clean reports whether every byte past Len is zero, i.e. no residue of a previous,
// longer content survives.
func (b *SecureBuffer) Clean() bool {
	var acc byte
	for _, v := range b.data[b.length:] {
		acc |= v
	}

	return acc == 0
}

// Zero overwrites s with zeroes. It's meant for transient copies of secret material living
// outside of a SecureBuffer.
func Zero(s []byte) {
	wipe.Bytes(s)
}
