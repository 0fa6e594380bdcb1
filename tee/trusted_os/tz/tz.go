// Copyright (c) F-Secure Corporation
// https://foundry.f-secure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package tz implements the Gate: the single entry point the normal world uses to reach the
// secure world. Every request is validated and copied into secure memory before any secure
// component sees it.
package tz

import (
	"sync"

	"go.uber.org/zap"

	"github.com/wallera-computer/tzapp/crypto"
	"github.com/wallera-computer/tzapp/log"
	"github.com/wallera-computer/tzapp/tee/mem"
	"github.com/wallera-computer/tzapp/tee/trusted_os/internal/attestation"
	"github.com/wallera-computer/tzapp/tee/trusted_os/internal/compute"
	"github.com/wallera-computer/tzapp/tee/trusted_os/internal/store"
	"github.com/wallera-computer/tzapp/tee/trusted_os/tz/types"
	"github.com/wallera-computer/tzapp/tee/tzerr"
)

// Context is a secure world instance. Requests are served one at a time.
type Context struct {
	mu sync.Mutex

	cfg       Config
	store     *store.Store
	engine    *compute.Engine
	authority *attestation.Authority

	initialized bool
	faulted     bool

	l *zap.SugaredLogger
}

// NewContext returns a Context for cfg. Nothing can be done with it until an init request
// has been handled.
func NewContext(cfg Config, l *zap.Logger) (*Context, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	l = log.OrNop(l)

	s, err := store.New(cfg.MaxRecords, l)
	if err != nil {
		return nil, err
	}

	return &Context{
		cfg:       cfg,
		store:     s,
		engine:    compute.New(),
		authority: attestation.New(s, cfg.identity(), l),
		l:         l.Named("gate").Sugar(),
	}, nil
}

// Measurement returns the measurement reports produced by c carry.
func (c *Context) Measurement() [types.MeasurementSize]byte {
	return c.authority.Measurement()
}

// Handle validates req, routes it and returns the response. It never panics on malformed
// input and never puts secret material or error text into a response.
func (c *Context) Handle(req types.Request) types.Response {
	c.mu.Lock()
	defer c.mu.Unlock()

	payload, err := c.handle(req)

	resp := types.Response{
		Tag:    req.Tag,
		Status: tzerr.KindOf(err),
	}

	if resp.Status.Fatal() {
		c.faulted = true
		c.l.Errorw("internal fault, session aborted", "tag", req.Tag.String())
	}

	if err == nil {
		resp.Payload = payload
	} else {
		mem.Zero(payload)
	}

	c.l.Debugw("handled request",
		"tag", req.Tag.String(),
		"length", req.Length,
		"output capacity", req.OutputCapacity,
		"status", resp.Status.String(),
	)

	return resp
}

func isKeyTag(t types.Tag) bool {
	return t == types.TagStoreKey || t == types.TagRetrieveKey || t == types.TagEraseKey
}

// validate checks every caller-supplied field of req. It's the only place where length
// fields coming from the normal world are trusted.
func validate(req types.Request) error {
	op := req.Tag.String()

	if !req.Tag.Known() {
		return tzerr.New(op, tzerr.InvalidArgument)
	}

	if req.Length != uint32(len(req.Payload)) {
		return tzerr.New(op, tzerr.InvalidArgument)
	}

	if req.Length > mem.Capacity {
		return tzerr.New(op, tzerr.BufferTooLarge)
	}

	if req.OutputCapacity > mem.Capacity {
		return tzerr.New(op, tzerr.InvalidArgument)
	}

	if isKeyTag(req.Tag) {
		if req.KeyID == "" || len(req.KeyID) > store.MaxKeyIDLen {
			return tzerr.New(op, tzerr.InvalidArgument)
		}
	} else if req.KeyID != "" {
		return tzerr.New(op, tzerr.InvalidArgument)
	}

	switch req.Tag {
	case types.TagRetrieveKey, types.TagEraseKey, types.TagPublicKey, types.TagInit:
		if req.Length != 0 {
			return tzerr.New(op, tzerr.InvalidArgument)
		}
	}

	return nil
}

func (c *Context) handle(req types.Request) ([]byte, error) {
	op := req.Tag.String()

	if err := validate(req); err != nil {
		return nil, err
	}

	if req.Tag == types.TagInit {
		return nil, c.reset()
	}

	if c.faulted {
		return nil, tzerr.New(op, tzerr.InternalFault)
	}

	if !c.initialized {
		return nil, tzerr.New(op, tzerr.NotInitialized)
	}

	// boundary copy: nothing past this point reads req.Payload
	in := mem.SecureBuffer{}
	if err := in.Load(req.Payload); err != nil {
		return nil, tzerr.New(op, tzerr.BufferTooLarge)
	}

	data := in.Bytes()
	defer mem.Zero(data)

	out, err := c.route(req, data)

	if werr := in.Wipe(); werr != nil {
		mem.Zero(out)
		return nil, tzerr.New(op, tzerr.InternalFault)
	}

	return out, err
}

func (c *Context) route(req types.Request, data []byte) ([]byte, error) {
	switch req.Tag {
	case types.TagProvision:
		return nil, c.provision(data)
	case types.TagCompute:
		return c.compute(data)
	case types.TagStoreKey:
		return nil, c.store.Store(req.KeyID, data)
	case types.TagRetrieveKey:
		return c.store.Retrieve(req.KeyID, int(req.OutputCapacity))
	case types.TagEraseKey:
		return nil, c.store.Erase(req.KeyID)
	case types.TagAttest:
		return c.attest(data)
	case types.TagPublicKey:
		return c.authority.PublicKey()
	default:
		return nil, tzerr.New(req.Tag.String(), tzerr.InvalidArgument)
	}
}

// reset zeroes the whole secure world. Any key material, provisioning included, is lost.
func (c *Context) reset() error {
	c.initialized = false

	if err := c.store.Reset(); err != nil {
		return err
	}

	c.initialized = true
	c.faulted = false

	c.l.Info("secure world initialized")

	return nil
}

// provisioned reports whether both keys derived from the provisioning seed are installed.
func (c *Context) provisioned() bool {
	return c.authority.Provisioned() && c.store.Sealed(store.SealedComputeKey)
}

// provision installs the compute and attestation keys derived from seed. It can only happen
// once per init. Either both keys end up installed or neither does.
func (c *Context) provision(seed []byte) error {
	const op = "provision"

	if c.provisioned() {
		return tzerr.New(op, tzerr.InvalidArgument)
	}

	ck, err := crypto.DeriveComputeKey(seed)
	if err != nil {
		return tzerr.New(op, tzerr.InvalidArgument)
	}
	defer mem.Zero(ck)

	if err := c.store.Install(store.SealedComputeKey, ck); err != nil {
		return err
	}

	if err := c.authority.Provision(seed); err != nil {
		if rerr := c.store.Revoke(store.SealedComputeKey); rerr != nil {
			return rerr
		}

		return err
	}

	c.l.Info("secure world provisioned")

	return nil
}

func (c *Context) compute(input []byte) ([]byte, error) {
	var out []byte

	err := c.store.Use(store.SealedComputeKey, func(key []byte) error {
		var err error
		out, err = c.engine.Compute(key, input)
		return err
	})
	if err != nil {
		return nil, tzerr.New("compute", tzerr.KindOf(err))
	}

	return out, nil
}

func (c *Context) attest(nonce []byte) ([]byte, error) {
	r, err := c.authority.Attest(nonce)
	if err != nil {
		return nil, err
	}

	b, err := r.MarshalBinary()
	if err != nil {
		return nil, tzerr.New("attest", tzerr.InternalFault)
	}

	return b, nil
}
