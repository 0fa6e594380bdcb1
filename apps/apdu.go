package apps

import (
	"errors"
	"fmt"

	"github.com/hsanjuan/go-nfctype4/apdu"

	"github.com/wallera-computer/tzapp/tee/tzerr"
)

//go:generate stringer -type APDUCode
type APDUCode uint16

const (
	APDUExecutionError         APDUCode = 0x6400 // Execution Error
	APDUOutputBufferTooSmall   APDUCode = 0x6983 // Output buffer too small
	APDUConditionsNotSatisfied APDUCode = 0x6985 // Conditions of use not satisfied
	APDUCommandNotAllowed      APDUCode = 0x6986 // Command not allowed
	APDUNotEnoughMemory        APDUCode = 0x6A84 // Not enough memory space
	APDUReferencedDataNotFound APDUCode = 0x6A88 // Referenced data not found
	APDUINSNotSupported        APDUCode = 0x6D00 // INS not supported
	APDUCLANotSupported        APDUCode = 0x6E00 // CLA not supported
	APDUUnknown                APDUCode = 0x6F00 // Unknown
	APDUSuccess                APDUCode = 0x9000 // Success
	APDUWrongLength            APDUCode = 0x6700 // Wrong length
	APDUDataInvalid            APDUCode = 0x6984 // Data invalid
)

var kindCodes = map[tzerr.Kind]APDUCode{
	tzerr.OK:                APDUSuccess,
	tzerr.InvalidArgument:   APDUDataInvalid,
	tzerr.BufferTooLarge:    APDUWrongLength,
	tzerr.NotFound:          APDUReferencedDataNotFound,
	tzerr.KeyUnavailable:    APDUConditionsNotSatisfied,
	tzerr.NotInitialized:    APDUCommandNotAllowed,
	tzerr.ResourceExhausted: APDUNotEnoughMemory,
	tzerr.InternalFault:     APDUExecutionError,
}

// codeKinds holds the status words an app reports through StatusError, which have no Kind
// of their own.
var codeKinds = map[APDUCode]tzerr.Kind{
	APDUOutputBufferTooSmall: tzerr.BufferTooLarge,
}

// StatusError makes an app error travel to the host as Code instead of the status word of
// its Kind.
type StatusError struct {
	Code APDUCode
	Err  error
}

func (e *StatusError) Error() string {
	return e.Err.Error()
}

func (e *StatusError) Unwrap() error {
	return e.Err
}

// WithCode wraps err in a StatusError carrying code. A nil err stays nil.
func WithCode(err error, code APDUCode) error {
	if err == nil {
		return nil
	}

	return &StatusError{Code: code, Err: err}
}

// CodeFor returns the status word reporting err to the host.
func CodeFor(err error) APDUCode {
	var se *StatusError
	if errors.As(err, &se) {
		return se.Code
	}

	c, ok := kindCodes[tzerr.KindOf(err)]
	if !ok {
		return APDUUnknown
	}

	return c
}

// KindFor is the inverse of CodeFor. Status words that don't map to a Kind are reported as
// tzerr.InternalFault.
func KindFor(code APDUCode) tzerr.Kind {
	if k, ok := codeKinds[code]; ok {
		return k
	}

	for k, c := range kindCodes {
		if c == code {
			return k
		}
	}

	return tzerr.InternalFault
}

// PackageResponse serializes body and code as a response APDU.
func PackageResponse(body []byte, code APDUCode) []byte {
	r := apdu.RAPDU{
		ResponseBody: body,
		SW1:          byte(code >> 8),
		SW2:          byte(code),
	}

	b, err := r.Marshal()
	if err != nil {
		return []byte{r.SW1, r.SW2}
	}

	return b
}

// ParseResponse decodes a response APDU produced by PackageResponse, returning its body.
// A status word other than APDUSuccess is turned into a *tzerr.Error.
func ParseResponse(data []byte) ([]byte, error) {
	r := apdu.RAPDU{}
	if _, err := r.Unmarshal(data); err != nil {
		return nil, fmt.Errorf("malformed response apdu, %w", err)
	}

	code := APDUCode(uint16(r.SW1)<<8 | uint16(r.SW2))
	if code != APDUSuccess {
		return nil, tzerr.New("apdu", KindFor(code))
	}

	return r.ResponseBody, nil
}

// NewCommand serializes a command APDU for app cla, command ins.
func NewCommand(cla, ins byte, data []byte) ([]byte, error) {
	c := apdu.CAPDU{
		CLA:  cla,
		INS:  ins,
		Data: data,
	}

	if len(data) > 0 {
		c.SetLc(uint16(len(data)))
	}

	return c.Marshal()
}
