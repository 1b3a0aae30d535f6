package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/creachadair/jrpc2"
)

// JSON-RPC method names served by a worker
const (
	MethodSync          = "ml.sync"
	MethodSyncLocalFile = "ml.syncLocalFile"
)

// Custom JSON-RPC error codes returned by a worker
const (
	CodeUnauthenticated = jrpc2.Code(-32010)
	CodeInvalidParams   = jrpc2.Code(-32602)
)

// SyncParams is the input for ml.sync
type SyncParams struct {
	Token  string      `json:"token"`
	Config *SyncConfig `json:"config,omitempty"`
}

// SyncLocalFileParams is the input for ml.syncLocalFile
type SyncLocalFileParams struct {
	Token      string      `json:"token"`
	RemoteFile RemoteFile  `json:"remoteFile"`
	LocalFile  LocalFile   `json:"localFile"`
	Config     *SyncConfig `json:"config,omitempty"`
}

// SyncLocalFileResult is the response for ml.syncLocalFile
type SyncLocalFileResult struct {
	Fingerprint string `json:"fingerprint"`
	FaceCount   int    `json:"faceCount"`
}

// rpcProxy implements Proxy over a JSON-RPC client
type rpcProxy struct {
	client *jrpc2.Client
}

func (p *rpcProxy) Sync(ctx context.Context, token string) (*SyncResult, error) {
	var result SyncResult
	if err := p.client.CallResult(ctx, MethodSync, &SyncParams{Token: token}, &result); err != nil {
		return nil, translateCallError(MethodSync, err)
	}
	return &result, nil
}

func (p *rpcProxy) SyncLocalFile(
	ctx context.Context, token string, remote RemoteFile, local LocalFile, cfg *SyncConfig,
) error {
	params := &SyncLocalFileParams{
		Token:      token,
		RemoteFile: remote,
		LocalFile:  local,
		Config:     cfg,
	}
	var result SyncLocalFileResult
	if err := p.client.CallResult(ctx, MethodSyncLocalFile, params, &result); err != nil {
		return translateCallError(MethodSyncLocalFile, err)
	}
	return nil
}

func translateCallError(method string, err error) error {
	if errors.Is(err, jrpc2.ErrConnClosed) {
		return fmt.Errorf("%s: %w", method, ErrWorkerTerminated)
	}
	return fmt.Errorf("%s: %w", method, err)
}

// closeOnce guards the teardown of an instance so Terminate can be called repeatedly
type closeOnce struct {
	once sync.Once
	err  error
}

func (c *closeOnce) do(fn func() error) error {
	c.once.Do(func() {
		c.err = fn()
	})
	return c.err
}
