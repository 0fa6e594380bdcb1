// Package types holds the values that cross the world boundary. They only carry primitive
// byte buffers, strings and sizes, and are always passed by value.
package types

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/wallera-computer/tzapp/tee/tzerr"
)

const (
	// MeasurementSize is the length of the service measurement.
	MeasurementSize = 32

	// FreshnessSize is the length of the nonce bound into a report.
	FreshnessSize = 8

	// MaxSignatureSize bounds a DER encoded secp256k1 signature.
	MaxSignatureSize = 72
)

var ErrShortReport = errors.New("report too short")
var ErrLongReport = errors.New("report signature too long")

// Tag selects the operation a Request asks for.
type Tag uint8

const (
	TagInvalid Tag = iota
	TagInit
	TagProvision
	TagCompute
	TagStoreKey
	TagRetrieveKey
	TagEraseKey
	TagAttest
	TagPublicKey

	tagCount
)

func (t Tag) String() string {
	switch t {
	case TagInit:
		return "init"
	case TagProvision:
		return "provision"
	case TagCompute:
		return "compute"
	case TagStoreKey:
		return "store key"
	case TagRetrieveKey:
		return "retrieve key"
	case TagEraseKey:
		return "erase key"
	case TagAttest:
		return "attest"
	case TagPublicKey:
		return "public key"
	default:
		return fmt.Sprintf("tag(%d)", uint8(t))
	}
}

// Known reports whether t is a tag the Gate can route.
func (t Tag) Known() bool {
	return t > TagInvalid && t < tagCount
}

// Request is the envelope the normal world sends to the Gate.
// Length is the caller's claim about len(Payload), OutputCapacity the size of the buffer the
// caller has available for the result.
type Request struct {
	Tag            Tag
	KeyID          string
	Payload        []byte
	Length         uint32
	OutputCapacity uint32
}

// NewRequest returns a Request with Length filled from payload.
func NewRequest(tag Tag, keyID string, payload []byte, outputCapacity uint32) Request {
	return Request{
		Tag:            tag,
		KeyID:          keyID,
		Payload:        payload,
		Length:         uint32(len(payload)),
		OutputCapacity: outputCapacity,
	}
}

// Response is the envelope the Gate sends back. Status is tzerr.OK on success; on failure
// Payload is always empty.
type Response struct {
	Tag     Tag
	Status  tzerr.Kind
	Payload []byte
}

// Err turns r.Status back into an error.
func (r Response) Err() error {
	return tzerr.FromKind(r.Tag.String(), r.Status)
}

func (r *Response) CopyFrom(o Response) {
	r.Tag = o.Tag
	r.Status = o.Status
	r.Payload = make([]byte, len(o.Payload))
	copy(r.Payload, o.Payload)
}

// Report is an attestation report.
type Report struct {
	Measurement [MeasurementSize]byte
	Freshness   [FreshnessSize]byte
	Signature   []byte
}

// MarshalBinary encodes r as [measurement: 32][freshness: 8][signature: N].
func (r Report) MarshalBinary() ([]byte, error) {
	if len(r.Signature) > MaxSignatureSize {
		return nil, ErrLongReport
	}

	out := make([]byte, 0, MeasurementSize+FreshnessSize+len(r.Signature))
	out = append(out, r.Measurement[:]...)
	out = append(out, r.Freshness[:]...)
	out = append(out, r.Signature...)

	return out, nil
}

// UnmarshalReport decodes the output of Report.MarshalBinary.
func UnmarshalReport(data []byte) (Report, error) {
	if len(data) <= MeasurementSize+FreshnessSize {
		return Report{}, fmt.Errorf("got %d bytes, %w", len(data), ErrShortReport)
	}

	if len(data) > MeasurementSize+FreshnessSize+MaxSignatureSize {
		return Report{}, ErrLongReport
	}

	r := Report{}
	copy(r.Measurement[:], data[:MeasurementSize])
	copy(r.Freshness[:], data[MeasurementSize:MeasurementSize+FreshnessSize])
	r.Signature = make([]byte, len(data)-MeasurementSize-FreshnessSize)
	copy(r.Signature, data[MeasurementSize+FreshnessSize:])

	return r, nil
}

// Counter reads the freshness field as a big-endian counter.
func (r Report) Counter() uint64 {
	return binary.BigEndian.Uint64(r.Freshness[:])
}

// NonceFromCounter encodes a monotonic counter as a freshness value.
func NonceFromCounter(c uint64) []byte {
	b := make([]byte, FreshnessSize)
	binary.BigEndian.PutUint64(b, c)

	return b
}
