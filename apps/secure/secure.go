// Package secure exposes the secure world boundary operations as an APDU app.
package secure

import (
	"encoding/binary"

	"go.uber.org/zap"

	"github.com/wallera-computer/tzapp/apps"
	"github.com/wallera-computer/tzapp/crypto"
	"github.com/wallera-computer/tzapp/log"
	"github.com/wallera-computer/tzapp/tee/trusted_os/tz/client"
	"github.com/wallera-computer/tzapp/tee/tzerr"
)

type command byte

const (
	appName      = "SECURE"
	appID   byte = 0xE0
)

const (
	insInit      command = 0x01
	insProvision command = 0x02
	insCompute   command = 0x10
	insStore     command = 0x20
	insRetrieve  command = 0x21
	insErase     command = 0x22
	insAttest    command = 0x30
	insPublicKey command = 0x31
	insIdentity  command = 0x32
)

// ID is the class byte the app answers to.
const ID = appID

// Instruction bytes, for hosts building command APDUs.
const (
	Init      = byte(insInit)
	Provision = byte(insProvision)
	Compute   = byte(insCompute)
	Store     = byte(insStore)
	Retrieve  = byte(insRetrieve)
	Erase     = byte(insErase)
	Attest    = byte(insAttest)
	PublicKey = byte(insPublicKey)
	Identity  = byte(insIdentity)
)

// Secure forwards APDU commands to the secure world through a client.Client.
type Secure struct {
	c *client.Client
	l *zap.SugaredLogger
}

func New(c *client.Client, l *zap.Logger) *Secure {
	return &Secure{
		c: c,
		l: log.OrNop(l).Named("secure app").Sugar(),
	}
}

func (s *Secure) Name() string {
	return appName
}

func (s *Secure) ID() byte {
	return appID
}

func (s *Secure) Commands() (commandIDs []byte) {
	ret := []byte{
		byte(insInit),
		byte(insProvision),
		byte(insCompute),
		byte(insStore),
		byte(insRetrieve),
		byte(insErase),
		byte(insAttest),
		byte(insPublicKey),
		byte(insIdentity),
	}

	return ret
}

func (s *Secure) Handle(cmd byte, data []byte) (response []byte, err error) {
	s.l.Debugw("handling command", "ins", cmd, "length", len(data))

	switch command(cmd) {
	case insInit:
		return nil, s.c.SecureInit()
	case insProvision:
		return nil, s.c.Provision(data)
	case insCompute:
		return s.c.SecureCompute(data)
	case insStore:
		return s.handleStore(data)
	case insRetrieve:
		return s.handleRetrieve(data)
	case insErase:
		return s.handleErase(data)
	case insAttest:
		return s.handleAttest(data)
	case insPublicKey:
		return s.c.AttestationPublicKey()
	case insIdentity:
		return s.handleIdentity()
	default:
		return nil, tzerr.New("secure app", tzerr.InvalidArgument)
	}
}

func (s *Secure) handleStore(data []byte) ([]byte, error) {
	keyID, rest, err := DecodeKeyID(data)
	if err != nil {
		return nil, err
	}

	return s.c.SecureKeyOperation(keyID, rest, true)
}

func (s *Secure) handleRetrieve(data []byte) ([]byte, error) {
	keyID, rest, err := DecodeKeyID(data)
	if err != nil {
		return nil, err
	}

	if len(rest) != 2 {
		return nil, tzerr.New("retrieve", tzerr.InvalidArgument)
	}

	out := make([]byte, binary.BigEndian.Uint16(rest))

	b, err := s.c.SecureKeyOperation(keyID, out, false)
	if tzerr.KindOf(err) == tzerr.BufferTooLarge {
		return nil, apps.WithCode(err, apps.APDUOutputBufferTooSmall)
	}

	return b, err
}

func (s *Secure) handleErase(data []byte) ([]byte, error) {
	keyID, rest, err := DecodeKeyID(data)
	if err != nil {
		return nil, err
	}

	if len(rest) != 0 {
		return nil, tzerr.New("erase", tzerr.InvalidArgument)
	}

	return nil, s.c.EraseKey(keyID)
}

func (s *Secure) handleAttest(nonce []byte) ([]byte, error) {
	r, err := s.c.GenerateAttestation(nonce)
	if err != nil {
		return nil, err
	}

	return r.MarshalBinary()
}

func (s *Secure) handleIdentity() ([]byte, error) {
	pub, err := s.c.AttestationPublicKey()
	if err != nil {
		return nil, err
	}

	id, err := crypto.Identity(pub)
	if err != nil {
		return nil, tzerr.New("identity", tzerr.InternalFault)
	}

	return []byte(id), nil
}

// EncodeKeyID prefixes rest with keyID, as expected by the store, retrieve and erase
// commands.
func EncodeKeyID(keyID string, rest []byte) []byte {
	ret := make([]byte, 0, 1+len(keyID)+len(rest))
	ret = append(ret, byte(len(keyID)))
	ret = append(ret, keyID...)
	ret = append(ret, rest...)

	return ret
}

// DecodeKeyID splits the output of EncodeKeyID.
func DecodeKeyID(data []byte) (string, []byte, error) {
	if len(data) == 0 {
		return "", nil, tzerr.New("decode key id", tzerr.InvalidArgument)
	}

	l := int(data[0])
	if l == 0 || len(data) < 1+l {
		return "", nil, tzerr.New("decode key id", tzerr.InvalidArgument)
	}

	return string(data[1 : 1+l]), data[1+l:], nil
}

// RetrieveData returns the data field of a retrieve command for a caller buffer of
// outputCapacity bytes.
func RetrieveData(keyID string, outputCapacity uint16) []byte {
	c := make([]byte, 2)
	binary.BigEndian.PutUint16(c, outputCapacity)

	return EncodeKeyID(keyID, c)
}
