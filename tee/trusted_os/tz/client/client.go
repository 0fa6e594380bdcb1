// Package client is the normal world side of the boundary. It turns the four boundary
// operations into Gate requests and decodes the responses.
package client

import (
	"fmt"
	"io"
	"net"
	"net/rpc"
	"net/rpc/jsonrpc"

	"github.com/wallera-computer/tzapp/tee/mem"
	"github.com/wallera-computer/tzapp/tee/trusted_os/tz"
	"github.com/wallera-computer/tzapp/tee/trusted_os/tz/types"
	"github.com/wallera-computer/tzapp/tee/tzerr"
)

type rpcCallFunc func(serviceMethod string, args interface{}, reply interface{}) error

func callRPC(callFunc rpcCallFunc, req types.Request) (types.Response, error) {
	var resp types.Response
	if err := callFunc(tz.RPCMethod, req, &resp); err != nil {
		return types.Response{}, fmt.Errorf("cannot reach secure world, %w", err)
	}

	return resp, nil
}

// Client issues boundary calls against a Gate.
type Client struct {
	call  rpcCallFunc
	close func() error
}

// Local returns a Client calling gate directly, in the same address space.
func Local(gate *tz.Context) *Client {
	return &Client{
		call: func(_ string, args interface{}, reply interface{}) error {
			resp := reply.(*types.Response)
			resp.CopyFrom(gate.Handle(args.(types.Request)))
			return nil
		},
		close: func() error { return nil },
	}
}

// Dial returns a Client talking to gate through a JSON-RPC connection, the same way a
// normal world process would reach a separate secure world.
func Dial(gate *tz.Context) *Client {
	srvConn, cliConn := net.Pipe()

	go func() {
		_ = gate.ServeConn(srvConn)
	}()

	return NewRPC(cliConn)
}

// NewRPC returns a Client speaking JSON-RPC over conn.
func NewRPC(conn io.ReadWriteCloser) *Client {
	c := rpc.NewClientWithCodec(jsonrpc.NewClientCodec(conn))

	return &Client{
		call:  c.Call,
		close: c.Close,
	}
}

func (c *Client) Close() error {
	return c.close()
}

func (c *Client) do(req types.Request) ([]byte, error) {
	resp, err := callRPC(c.call, req)
	if err != nil {
		return nil, err
	}

	if err := resp.Err(); err != nil {
		return nil, err
	}

	return resp.Payload, nil
}

// SecureInit resets the secure world. Everything stored or provisioned before is lost.
func (c *Client) SecureInit() error {
	_, err := c.do(types.NewRequest(types.TagInit, "", nil, 0))
	return err
}

// Provision installs the key material derived from seed.
func (c *Client) Provision(seed []byte) error {
	_, err := c.do(types.NewRequest(types.TagProvision, "", seed, 0))
	return err
}

// SecureCompute returns the transformation of input.
func (c *Client) SecureCompute(input []byte) ([]byte, error) {
	return c.do(types.NewRequest(types.TagCompute, "", input, 0))
}

// GenerateAttestation returns a report bound to nonce.
func (c *Client) GenerateAttestation(nonce []byte) (types.Report, error) {
	b, err := c.do(types.NewRequest(types.TagAttest, "", nonce, 0))
	if err != nil {
		return types.Report{}, err
	}

	r, err := types.UnmarshalReport(b)
	if err != nil {
		return types.Report{}, tzerr.New("attest", tzerr.InternalFault)
	}

	return r, nil
}

// SecureKeyOperation stores payload under keyID when isStore is true, and returns nil.
// Otherwise payload is the caller's output buffer: its length is the output capacity, and
// the stored payload is returned.
func (c *Client) SecureKeyOperation(keyID string, payload []byte, isStore bool) ([]byte, error) {
	if isStore {
		_, err := c.do(types.NewRequest(types.TagStoreKey, keyID, payload, 0))
		return nil, err
	}

	outCap := len(payload)
	if outCap > mem.Capacity {
		outCap = mem.Capacity
	}

	b, err := c.do(types.NewRequest(types.TagRetrieveKey, keyID, nil, uint32(outCap)))
	if err != nil {
		return nil, err
	}

	if b == nil {
		b = []byte{}
	}

	copy(payload, b)

	return b, nil
}

// EraseKey removes the record stored under keyID.
func (c *Client) EraseKey(keyID string) error {
	_, err := c.do(types.NewRequest(types.TagEraseKey, keyID, nil, 0))
	return err
}

// AttestationPublicKey returns the compressed secp256k1 key reports are signed with.
func (c *Client) AttestationPublicKey() ([]byte, error) {
	return c.do(types.NewRequest(types.TagPublicKey, "", nil, 0))
}
