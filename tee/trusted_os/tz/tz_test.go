package tz

import (
	"bytes"
	"net"
	"net/rpc"
	"net/rpc/jsonrpc"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/wallera-computer/tzapp/crypto"
	"github.com/wallera-computer/tzapp/tee/internal/wipe"
	"github.com/wallera-computer/tzapp/tee/mem"
	"github.com/wallera-computer/tzapp/tee/trusted_os/internal/store"
	"github.com/wallera-computer/tzapp/tee/trusted_os/tz/types"
	"github.com/wallera-computer/tzapp/tee/tzerr"
)

var testSeed = bytes.Repeat([]byte{0x42}, 64)

func newContext(t *testing.T, initialized, provisioned bool) *Context {
	t.Helper()

	c, err := NewContext(DefaultConfig(), nil)
	require.NoError(t, err)

	if initialized {
		resp := c.Handle(types.NewRequest(types.TagInit, "", nil, 0))
		require.NoError(t, resp.Err())
	}

	if provisioned {
		resp := c.Handle(types.NewRequest(types.TagProvision, "", testSeed, 0))
		require.NoError(t, resp.Err())
	}

	return c
}

func TestNewContext_RejectsBadConfig(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxRecords = 0

	_, err := NewContext(cfg, nil)
	require.Error(t, err)
}

func TestContext_KeyScenario(t *testing.T) {
	c := newContext(t, true, false)

	resp := c.Handle(types.NewRequest(types.TagStoreKey, "k1", []byte{0x01, 0x02, 0x03}, 0))
	require.Equal(t, tzerr.OK, resp.Status)
	require.Empty(t, resp.Payload)

	resp = c.Handle(types.NewRequest(types.TagRetrieveKey, "k1", nil, 3))
	require.Equal(t, tzerr.OK, resp.Status)
	require.Equal(t, []byte{0x01, 0x02, 0x03}, resp.Payload)

	resp = c.Handle(types.NewRequest(types.TagRetrieveKey, "k2", nil, 3))
	require.Equal(t, tzerr.NotFound, resp.Status)
	require.Empty(t, resp.Payload)
	require.ErrorIs(t, resp.Err(), tzerr.ErrNotFound)
}

func TestContext_BeforeInit(t *testing.T) {
	c := newContext(t, false, false)

	for _, req := range []types.Request{
		types.NewRequest(types.TagProvision, "", testSeed, 0),
		types.NewRequest(types.TagCompute, "", []byte{1}, 0),
		types.NewRequest(types.TagStoreKey, "k1", []byte{1}, 0),
		types.NewRequest(types.TagRetrieveKey, "k1", nil, 1),
		types.NewRequest(types.TagEraseKey, "k1", nil, 0),
		types.NewRequest(types.TagAttest, "", make([]byte, types.FreshnessSize), 0),
		types.NewRequest(types.TagPublicKey, "", nil, 0),
	} {
		t.Run(req.Tag.String(), func(t *testing.T) {
			resp := c.Handle(req)
			require.Equal(t, tzerr.NotInitialized, resp.Status)
			require.Empty(t, resp.Payload)
		})
	}
}

func TestContext_Validation(t *testing.T) {
	tests := []struct {
		name string
		req  types.Request
		want tzerr.Kind
	}{
		{
			"unknown tag",
			types.NewRequest(types.Tag(200), "", nil, 0),
			tzerr.InvalidArgument,
		},
		{
			"invalid tag",
			types.NewRequest(types.TagInvalid, "", nil, 0),
			tzerr.InvalidArgument,
		},
		{
			"length larger than payload",
			types.Request{Tag: types.TagCompute, Payload: []byte{1, 2}, Length: 1000},
			tzerr.InvalidArgument,
		},
		{
			"length smaller than payload",
			types.Request{Tag: types.TagCompute, Payload: []byte{1, 2}, Length: 1},
			tzerr.InvalidArgument,
		},
		{
			"payload over capacity",
			types.NewRequest(types.TagCompute, "", make([]byte, mem.Capacity+1), 0),
			tzerr.BufferTooLarge,
		},
		{
			"store over capacity",
			types.NewRequest(types.TagStoreKey, "k1", make([]byte, mem.Capacity+1), 0),
			tzerr.BufferTooLarge,
		},
		{
			"output capacity over capacity",
			types.NewRequest(types.TagRetrieveKey, "k1", nil, mem.Capacity+1),
			tzerr.InvalidArgument,
		},
		{
			"missing key id",
			types.NewRequest(types.TagStoreKey, "", []byte{1}, 0),
			tzerr.InvalidArgument,
		},
		{
			"key id too long",
			types.NewRequest(types.TagRetrieveKey, strings.Repeat("k", store.MaxKeyIDLen+1), nil, 1),
			tzerr.InvalidArgument,
		},
		{
			"key id on compute",
			types.NewRequest(types.TagCompute, "k1", []byte{1}, 0),
			tzerr.InvalidArgument,
		},
		{
			"payload on retrieve",
			types.NewRequest(types.TagRetrieveKey, "k1", []byte{1}, 1),
			tzerr.InvalidArgument,
		},
		{
			"payload on init",
			types.NewRequest(types.TagInit, "", []byte{1}, 0),
			tzerr.InvalidArgument,
		},
		{
			"short nonce",
			types.NewRequest(types.TagAttest, "", []byte{1, 2, 3}, 0),
			tzerr.InvalidArgument,
		},
		{
			"long nonce",
			types.NewRequest(types.TagAttest, "", make([]byte, types.FreshnessSize+1), 0),
			tzerr.InvalidArgument,
		},
		{
			"short seed",
			types.NewRequest(types.TagProvision, "", []byte{1, 2, 3}, 0),
			tzerr.InvalidArgument,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newContext(t, true, false)

			resp := c.Handle(tt.req)
			require.Equal(t, tt.want, resp.Status)
			require.Empty(t, resp.Payload)

			// a rejected request is not fatal
			require.False(t, c.faulted)
		})
	}
}

func TestContext_ComputeBeforeProvisioning(t *testing.T) {
	c := newContext(t, true, false)

	resp := c.Handle(types.NewRequest(types.TagCompute, "", []byte("hello"), 0))
	require.Equal(t, tzerr.KeyUnavailable, resp.Status)

	resp = c.Handle(types.NewRequest(types.TagAttest, "", make([]byte, types.FreshnessSize), 0))
	require.Equal(t, tzerr.KeyUnavailable, resp.Status)

	resp = c.Handle(types.NewRequest(types.TagPublicKey, "", nil, 0))
	require.Equal(t, tzerr.KeyUnavailable, resp.Status)
}

func TestContext_Compute(t *testing.T) {
	c := newContext(t, true, true)

	tests := []struct {
		name  string
		input []byte
	}{
		{"empty", []byte{}},
		{"hello", []byte("Hello, TrustZone!")},
		{"full capacity", bytes.Repeat([]byte{0xff}, mem.Capacity)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			first := c.Handle(types.NewRequest(types.TagCompute, "", tt.input, 0))
			require.NoError(t, first.Err())
			require.Len(t, first.Payload, len(tt.input))

			second := c.Handle(types.NewRequest(types.TagCompute, "", tt.input, 0))
			require.NoError(t, second.Err())
			require.Equal(t, first.Payload, second.Payload)

			if len(tt.input) > 0 {
				require.NotEqual(t, tt.input, first.Payload)
			}

			if len(tt.input) > 0 {
				again := c.Handle(types.NewRequest(types.TagCompute, "", first.Payload, 0))
				require.NoError(t, again.Err())
				require.NotEqual(t, tt.input, again.Payload)
			}
		})
	}
}

func TestContext_ComputeDoesNotTouchCallerBuffer(t *testing.T) {
	c := newContext(t, true, true)

	input := []byte("caller owned")
	orig := append([]byte{}, input...)

	resp := c.Handle(types.NewRequest(types.TagCompute, "", input, 0))
	require.NoError(t, resp.Err())
	require.Equal(t, orig, input)
}

func TestContext_ProvisionTwice(t *testing.T) {
	c := newContext(t, true, true)

	resp := c.Handle(types.NewRequest(types.TagProvision, "", testSeed, 0))
	require.Equal(t, tzerr.InvalidArgument, resp.Status)
}

func TestContext_ProvisionRecoversFromPartialState(t *testing.T) {
	ak, err := crypto.DeriveAttestationKey(testSeed)
	require.NoError(t, err)
	expected, err := crypto.PublicKey(ak)
	require.NoError(t, err)

	tests := []struct {
		name  string
		stale store.SealedID
	}{
		{"attestation key only", store.SealedAttestationKey},
		{"compute key only", store.SealedComputeKey},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newContext(t, true, false)
			require.NoError(t, c.store.Install(tt.stale, bytes.Repeat([]byte{0x5a}, 32)))

			resp := c.Handle(types.NewRequest(types.TagProvision, "", testSeed, 0))
			require.NoError(t, resp.Err())
			require.True(t, c.store.Sealed(store.SealedAttestationKey))
			require.True(t, c.store.Sealed(store.SealedComputeKey))

			pub := c.Handle(types.NewRequest(types.TagPublicKey, "", nil, 0))
			require.NoError(t, pub.Err())
			require.Equal(t, expected, pub.Payload)

			resp = c.Handle(types.NewRequest(types.TagProvision, "", testSeed, 0))
			require.Equal(t, tzerr.InvalidArgument, resp.Status)
		})
	}
}

func TestContext_ProvisionBadSeedInstallsNothing(t *testing.T) {
	c := newContext(t, true, false)

	resp := c.Handle(types.NewRequest(types.TagProvision, "", []byte{1, 2, 3}, 0))
	require.Equal(t, tzerr.InvalidArgument, resp.Status)
	require.False(t, c.store.Sealed(store.SealedAttestationKey))
	require.False(t, c.store.Sealed(store.SealedComputeKey))

	resp = c.Handle(types.NewRequest(types.TagProvision, "", testSeed, 0))
	require.NoError(t, resp.Err())
}

func TestContext_Attest(t *testing.T) {
	c := newContext(t, true, true)

	nonce := types.NonceFromCounter(7)
	resp := c.Handle(types.NewRequest(types.TagAttest, "", nonce, 0))
	require.NoError(t, resp.Err())

	r, err := types.UnmarshalReport(resp.Payload)
	require.NoError(t, err)
	require.Equal(t, c.Measurement(), r.Measurement)
	require.Equal(t, uint64(7), r.Counter())

	pub := c.Handle(types.NewRequest(types.TagPublicKey, "", nil, 0))
	require.NoError(t, pub.Err())
	require.NoError(t, crypto.VerifyReport(pub.Payload, r.Measurement, r.Freshness, r.Signature))

	ak, err := crypto.DeriveAttestationKey(testSeed)
	require.NoError(t, err)
	expected, err := crypto.PublicKey(ak)
	require.NoError(t, err)
	require.Equal(t, expected, pub.Payload)

	// a different nonce must not verify against the old signature
	other := r.Freshness
	other[0] ^= 0xff
	require.Error(t, crypto.VerifyReport(pub.Payload, r.Measurement, other, r.Signature))
}

func TestContext_InitIsDestructive(t *testing.T) {
	c := newContext(t, true, true)

	resp := c.Handle(types.NewRequest(types.TagStoreKey, "k1", []byte{1, 2, 3}, 0))
	require.NoError(t, resp.Err())

	resp = c.Handle(types.NewRequest(types.TagInit, "", nil, 0))
	require.NoError(t, resp.Err())

	resp = c.Handle(types.NewRequest(types.TagRetrieveKey, "k1", nil, 3))
	require.Equal(t, tzerr.NotFound, resp.Status)

	resp = c.Handle(types.NewRequest(types.TagCompute, "", []byte{1}, 0))
	require.Equal(t, tzerr.KeyUnavailable, resp.Status)

	// provisioning is possible again after init
	resp = c.Handle(types.NewRequest(types.TagProvision, "", testSeed, 0))
	require.NoError(t, resp.Err())
}

func TestContext_Erase(t *testing.T) {
	c := newContext(t, true, false)

	resp := c.Handle(types.NewRequest(types.TagStoreKey, "k1", []byte{1}, 0))
	require.NoError(t, resp.Err())

	resp = c.Handle(types.NewRequest(types.TagEraseKey, "k1", nil, 0))
	require.NoError(t, resp.Err())

	resp = c.Handle(types.NewRequest(types.TagRetrieveKey, "k1", nil, 1))
	require.Equal(t, tzerr.NotFound, resp.Status)

	resp = c.Handle(types.NewRequest(types.TagEraseKey, "k1", nil, 0))
	require.NoError(t, resp.Err())
}

func TestContext_RetrieveOutputTooSmall(t *testing.T) {
	c := newContext(t, true, false)

	resp := c.Handle(types.NewRequest(types.TagStoreKey, "k1", []byte{1, 2, 3}, 0))
	require.NoError(t, resp.Err())

	resp = c.Handle(types.NewRequest(types.TagRetrieveKey, "k1", nil, 2))
	require.Equal(t, tzerr.BufferTooLarge, resp.Status)
	require.Empty(t, resp.Payload)
}

func TestContext_StoreFull(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxRecords = 1

	c, err := NewContext(cfg, nil)
	require.NoError(t, err)
	require.NoError(t, c.Handle(types.NewRequest(types.TagInit, "", nil, 0)).Err())

	require.NoError(t, c.Handle(types.NewRequest(types.TagStoreKey, "a", []byte{1}, 0)).Err())

	resp := c.Handle(types.NewRequest(types.TagStoreKey, "b", []byte{1}, 0))
	require.Equal(t, tzerr.ResourceExhausted, resp.Status)
}

func TestContext_WipeFaultLatches(t *testing.T) {
	c := newContext(t, true, false)

	restore := wipe.Break()
	resp := c.Handle(types.NewRequest(types.TagStoreKey, "k1", []byte{1, 2, 3}, 0))
	restore()

	require.Equal(t, tzerr.InternalFault, resp.Status)
	require.Empty(t, resp.Payload)

	// zeroization works again, but the session stays faulted
	tests := []types.Request{
		types.NewRequest(types.TagStoreKey, "k2", []byte{1}, 0),
		types.NewRequest(types.TagRetrieveKey, "k1", nil, 3),
		types.NewRequest(types.TagEraseKey, "k1", nil, 0),
		types.NewRequest(types.TagCompute, "", []byte{1}, 0),
	}
	for _, req := range tests {
		resp = c.Handle(req)
		require.Equal(t, tzerr.InternalFault, resp.Status, "tag %d", req.Tag)
	}

	resp = c.Handle(types.NewRequest(types.TagInit, "", nil, 0))
	require.NoError(t, resp.Err())

	resp = c.Handle(types.NewRequest(types.TagStoreKey, "k1", []byte{1}, 0))
	require.NoError(t, resp.Err())

	resp = c.Handle(types.NewRequest(types.TagRetrieveKey, "k1", nil, 1))
	require.NoError(t, resp.Err())
	require.Equal(t, []byte{1}, resp.Payload)
}

func TestContext_MeasurementFollowsConfig(t *testing.T) {
	a, err := NewContext(DefaultConfig(), nil)
	require.NoError(t, err)

	cfg := DefaultConfig()
	cfg.Revision = "deadbeef"
	b, err := NewContext(cfg, nil)
	require.NoError(t, err)

	require.NotEqual(t, a.Measurement(), b.Measurement())
}

func TestContext_ServeConn(t *testing.T) {
	c := newContext(t, true, false)

	srvConn, cliConn := net.Pipe()
	go func() {
		_ = c.ServeConn(srvConn)
	}()

	cli := rpc.NewClientWithCodec(jsonrpc.NewClientCodec(cliConn))
	defer cli.Close()

	resp := types.Response{}
	require.NoError(t, cli.Call(RPCMethod, types.NewRequest(types.TagStoreKey, "k1", []byte{9, 8, 7}, 0), &resp))
	require.Equal(t, tzerr.OK, resp.Status)

	resp = types.Response{}
	require.NoError(t, cli.Call(RPCMethod, types.NewRequest(types.TagRetrieveKey, "k1", nil, 3), &resp))
	require.Equal(t, tzerr.OK, resp.Status)
	require.Equal(t, []byte{9, 8, 7}, resp.Payload)

	resp = types.Response{}
	require.NoError(t, cli.Call(RPCMethod, types.NewRequest(types.TagRetrieveKey, "nope", nil, 3), &resp))
	require.Equal(t, tzerr.NotFound, resp.Status)
}
