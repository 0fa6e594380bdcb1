package client

import (
	"bytes"
	"encoding/json"
	"net"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/wallera-computer/tzapp/crypto"
	"github.com/wallera-computer/tzapp/tee/mem"
	"github.com/wallera-computer/tzapp/tee/trusted_os/tz"
	"github.com/wallera-computer/tzapp/tee/trusted_os/tz/types"
	"github.com/wallera-computer/tzapp/tee/tzerr"
)

var testSeed = bytes.Repeat([]byte{0x17}, 32)

type clientFactory struct {
	name string
	new  func(*tz.Context) *Client
}

var factories = []clientFactory{
	{"local", Local},
	{"rpc", Dial},
}

func newGate(t *testing.T) *tz.Context {
	t.Helper()
	g, err := tz.NewContext(tz.DefaultConfig(), nil)
	require.NoError(t, err)
	return g
}

func TestClient_KeyScenario(t *testing.T) {
	for _, f := range factories {
		t.Run(f.name, func(t *testing.T) {
			c := f.new(newGate(t))
			defer c.Close()

			require.NoError(t, c.SecureInit())

			got, err := c.SecureKeyOperation("k1", []byte{0x01, 0x02, 0x03}, true)
			require.NoError(t, err)
			require.Nil(t, got)

			buf := make([]byte, 3)
			got, err = c.SecureKeyOperation("k1", buf, false)
			require.NoError(t, err)
			require.Equal(t, []byte{0x01, 0x02, 0x03}, got)
			require.Equal(t, []byte{0x01, 0x02, 0x03}, buf)

			_, err = c.SecureKeyOperation("k2", make([]byte, 3), false)
			require.ErrorIs(t, err, tzerr.ErrNotFound)
		})
	}
}

func TestClient_BeforeInit(t *testing.T) {
	for _, f := range factories {
		t.Run(f.name, func(t *testing.T) {
			c := f.new(newGate(t))
			defer c.Close()

			_, err := c.SecureCompute([]byte{1})
			require.ErrorIs(t, err, tzerr.ErrNotInitialized)

			_, err = c.GenerateAttestation(make([]byte, types.FreshnessSize))
			require.ErrorIs(t, err, tzerr.ErrNotInitialized)

			_, err = c.SecureKeyOperation("k1", []byte{1}, true)
			require.ErrorIs(t, err, tzerr.ErrNotInitialized)
		})
	}
}

func TestClient_EmptyRecord(t *testing.T) {
	for _, f := range factories {
		t.Run(f.name, func(t *testing.T) {
			c := f.new(newGate(t))
			defer c.Close()

			require.NoError(t, c.SecureInit())

			_, err := c.SecureKeyOperation("empty", []byte{}, true)
			require.NoError(t, err)

			got, err := c.SecureKeyOperation("empty", nil, false)
			require.NoError(t, err)
			require.NotNil(t, got)
			require.Empty(t, got)
		})
	}
}

func TestClient_RetrieveClampsOutputCapacity(t *testing.T) {
	c := Local(newGate(t))
	require.NoError(t, c.SecureInit())

	payload := bytes.Repeat([]byte{0x33}, mem.Capacity)
	_, err := c.SecureKeyOperation("big", payload, true)
	require.NoError(t, err)

	got, err := c.SecureKeyOperation("big", make([]byte, 2*mem.Capacity), false)
	require.NoError(t, err)
	require.Equal(t, payload, got)

	_, err = c.SecureKeyOperation("big", make([]byte, 10), false)
	require.ErrorIs(t, err, tzerr.ErrBufferTooLarge)
}

func TestClient_StoreTooLarge(t *testing.T) {
	c := Local(newGate(t))
	require.NoError(t, c.SecureInit())

	_, err := c.SecureKeyOperation("k1", make([]byte, mem.Capacity+1), true)
	require.ErrorIs(t, err, tzerr.ErrBufferTooLarge)

	_, err = c.SecureCompute(make([]byte, mem.Capacity+1))
	require.ErrorIs(t, err, tzerr.ErrBufferTooLarge)
}

func TestClient_ComputeAndAttest(t *testing.T) {
	for _, f := range factories {
		t.Run(f.name, func(t *testing.T) {
			c := f.new(newGate(t))
			defer c.Close()

			require.NoError(t, c.SecureInit())

			_, err := c.SecureCompute([]byte("hello"))
			require.ErrorIs(t, err, tzerr.ErrKeyUnavailable)

			require.NoError(t, c.Provision(testSeed))

			out, err := c.SecureCompute([]byte("hello"))
			require.NoError(t, err)
			require.Len(t, out, 5)

			nonce, err := crypto.RandomBytes(types.FreshnessSize)
			require.NoError(t, err)

			r, err := c.GenerateAttestation(nonce)
			require.NoError(t, err)
			require.Equal(t, nonce, r.Freshness[:])

			pub, err := c.AttestationPublicKey()
			require.NoError(t, err)
			require.NoError(t, crypto.VerifyReport(pub, r.Measurement, r.Freshness, r.Signature))

			_, err = c.GenerateAttestation([]byte{1})
			require.ErrorIs(t, err, tzerr.ErrInvalidArgument)
		})
	}
}

func TestClient_EraseKey(t *testing.T) {
	c := Local(newGate(t))
	require.NoError(t, c.SecureInit())

	_, err := c.SecureKeyOperation("k1", []byte{1}, true)
	require.NoError(t, err)
	require.NoError(t, c.EraseKey("k1"))

	_, err = c.SecureKeyOperation("k1", make([]byte, 1), false)
	require.ErrorIs(t, err, tzerr.ErrNotFound)
}

func TestClient_DroppedConnection(t *testing.T) {
	srv, cli := net.Pipe()

	go func() {
		req := map[string]interface{}{}
		_ = json.NewDecoder(srv).Decode(&req)
		_ = srv.Close()
	}()

	c := NewRPC(cli)
	defer c.Close()

	got, err := c.SecureKeyOperation("k1", []byte{1, 2, 3}, true)
	require.Error(t, err)
	require.Nil(t, got)
	require.Equal(t, tzerr.InternalFault, tzerr.KindOf(err))

	// the connection is gone for good
	buf := make([]byte, 3)
	got, err = c.SecureKeyOperation("k1", buf, false)
	require.Error(t, err)
	require.Nil(t, got)
	require.Equal(t, make([]byte, 3), buf)
}
