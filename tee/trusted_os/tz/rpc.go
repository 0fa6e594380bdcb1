// Copyright (c) F-Secure Corporation
// https://foundry.f-secure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package tz

import (
	"io"
	"net/rpc"
	"net/rpc/jsonrpc"

	"github.com/wallera-computer/tzapp/tee/trusted_os/tz/types"
)

// RPCMethod is the service method normal world clients call.
const RPCMethod = "SecureRPC.Handle"

// SecureRPC exposes a Context to net/rpc.
type SecureRPC struct {
	ctx *Context
}

// Handle forwards req to the Gate. Secure world failures travel in resp.Status, the
// returned error is reserved for transport problems.
func (s *SecureRPC) Handle(req types.Request, resp *types.Response) error {
	resp.CopyFrom(s.ctx.Handle(req))
	return nil
}

// ServeConn serves RPC requests on conn until the peer hangs up.
func (c *Context) ServeConn(conn io.ReadWriteCloser) error {
	srv := rpc.NewServer()
	if err := srv.Register(&SecureRPC{ctx: c}); err != nil {
		return err
	}

	c.l.Debug("serving rpc connection")
	srv.ServeCodec(jsonrpc.NewServerCodec(conn))

	return nil
}
