package main

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/wallera-computer/tzapp/apps"
	"github.com/wallera-computer/tzapp/apps/secure"
	"github.com/wallera-computer/tzapp/tee/mem"
	"github.com/wallera-computer/tzapp/tee/trusted_os/tz"
	"github.com/wallera-computer/tzapp/tee/trusted_os/tz/client"
	"github.com/wallera-computer/tzapp/tee/trusted_os/tz/types"
	"github.com/wallera-computer/tzapp/usb"
)

// boundary is the set of operations the demo runs.
type boundary interface {
	SecureInit() error
	Provision(seed []byte) error
	SecureCompute(input []byte) ([]byte, error)
	SecureKeyOperation(keyID string, payload []byte, isStore bool) ([]byte, error)
	GenerateAttestation(nonce []byte) (types.Report, error)
	AttestationPublicKey() ([]byte, error)
}

// Compile-time checks which fail if the implementations drift from boundary.
var _ boundary = (*client.Client)(nil)
var _ boundary = (*hidBoundary)(nil)

const hidChannel = 0x0101

// hidBoundary runs every call as a command APDU, framed in HID reports and handed to a device
// over a loopback link.
type hidBoundary struct {
	link usb.Interface
}

func newHIDBoundary(gate *tz.Context, l *zap.Logger) *hidBoundary {
	ah := apps.NewHandler()
	if err := ah.Register(secure.New(client.Local(gate), l)); err != nil {
		panic(err)
	}

	dev := usb.NewDevice(ah.Handle, l)

	return &hidBoundary{
		link: usb.NewLoopback(dev, apps.PackageResponse(nil, apps.APDUCommandNotAllowed)),
	}
}

func (h *hidBoundary) exchange(ins byte, data []byte) ([]byte, error) {
	cmd, err := apps.NewCommand(secure.ID, ins, data)
	if err != nil {
		return nil, fmt.Errorf("cannot build command, %w", err)
	}

	resp, err := usb.Exchange(h.link, hidChannel, cmd)
	if err != nil {
		return nil, err
	}

	return apps.ParseResponse(resp)
}

func (h *hidBoundary) SecureInit() error {
	_, err := h.exchange(secure.Init, nil)
	return err
}

func (h *hidBoundary) Provision(seed []byte) error {
	_, err := h.exchange(secure.Provision, seed)
	return err
}

func (h *hidBoundary) SecureCompute(input []byte) ([]byte, error) {
	return h.exchange(secure.Compute, input)
}

func (h *hidBoundary) SecureKeyOperation(keyID string, payload []byte, isStore bool) ([]byte, error) {
	if isStore {
		_, err := h.exchange(secure.Store, secure.EncodeKeyID(keyID, payload))
		return nil, err
	}

	outCap := len(payload)
	if outCap > mem.Capacity {
		outCap = mem.Capacity
	}

	b, err := h.exchange(secure.Retrieve, secure.RetrieveData(keyID, uint16(outCap)))
	if err != nil {
		return nil, err
	}

	copy(payload, b)

	return b, nil
}

func (h *hidBoundary) GenerateAttestation(nonce []byte) (types.Report, error) {
	b, err := h.exchange(secure.Attest, nonce)
	if err != nil {
		return types.Report{}, err
	}

	return types.UnmarshalReport(b)
}

func (h *hidBoundary) AttestationPublicKey() ([]byte, error) {
	return h.exchange(secure.PublicKey, nil)
}
