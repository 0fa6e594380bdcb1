// Package wipe holds the zeroization primitive shared by the secure-world packages.
package wipe

var zero = func(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

// Bytes overwrites b with zeroes.
func Bytes(b []byte) {
	zero(b)
}

// Break turns Bytes into a no-op until restore is called, simulating a zeroization fault.
// It is not safe for concurrent use with Bytes.
func Break() (restore func()) {
	orig := zero
	zero = func([]byte) {}

	return func() { zero = orig }
}
