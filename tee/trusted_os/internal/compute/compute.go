// Package compute implements the Compute Engine, a stateless transformation service.
//
// The engine only works on data handed to it: it never reaches into the Secure Store, the
// Gate fetches the compute key and passes it in.
package compute

import (
	"github.com/wallera-computer/tzapp/crypto"
	"github.com/wallera-computer/tzapp/tee/mem"
	"github.com/wallera-computer/tzapp/tee/tzerr"
)

// Engine transforms buffers with a keyed, length preserving ChaCha20 keystream.
type Engine struct{}

func New() *Engine {
	return &Engine{}
}

// Compute returns the transformation of input under key.
// Equal inputs under equal keys always yield equal outputs, of the same length as input.
func (e *Engine) Compute(key, input []byte) ([]byte, error) {
	const op = "compute"

	if len(input) > mem.Capacity {
		return nil, tzerr.New(op, tzerr.BufferTooLarge)
	}

	if len(key) == 0 {
		return nil, tzerr.New(op, tzerr.KeyUnavailable)
	}

	scratch := mem.SecureBuffer{}
	if err := scratch.Load(input); err != nil {
		return nil, tzerr.New(op, tzerr.BufferTooLarge)
	}

	in := scratch.Bytes()
	defer mem.Zero(in)

	out, err := crypto.Transform(key, in)
	if err != nil {
		return nil, tzerr.New(op, tzerr.KeyUnavailable)
	}

	if err := scratch.Wipe(); err != nil {
		mem.Zero(out)
		return nil, tzerr.New(op, tzerr.InternalFault)
	}

	return out, nil
}
