package worker

import (
	"context"
	"fmt"
	"io"

	"github.com/creachadair/jrpc2"
	"github.com/creachadair/jrpc2/channel"
)

// LocalFactory hosts each worker inside the current process, connected through a
// pair of in-memory pipes. The wire protocol is the same as for ProcessFactory,
// which keeps the in-process and out-of-process paths interchangeable.
type LocalFactory struct {
	// NewAssigner builds the method table served by a new worker
	NewAssigner func(ctx context.Context) (jrpc2.Assigner, error)
}

// New starts an in-process worker
func (f *LocalFactory) New(ctx context.Context) (Instance, error) {
	if f.NewAssigner == nil {
		return nil, fmt.Errorf("local worker factory has no method table")
	}

	assigner, err := f.NewAssigner(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to build worker methods: %w", err)
	}

	serverReader, clientWriter := io.Pipe()
	clientReader, serverWriter := io.Pipe()

	server := jrpc2.NewServer(assigner, nil).Start(channel.Line(serverReader, serverWriter))
	client := jrpc2.NewClient(channel.Line(clientReader, clientWriter), nil)

	return &localInstance{
		server: server,
		client: client,
		proxy:  &rpcProxy{client: client},
	}, nil
}

type localInstance struct {
	server *jrpc2.Server
	client *jrpc2.Client
	proxy  *rpcProxy
	closer closeOnce
}

func (l *localInstance) Proxy() Proxy {
	return l.proxy
}

func (l *localInstance) Terminate() error {
	return l.closer.do(func() error {
		_ = l.client.Close()
		l.server.Stop()
		// The server reports the closed channel as its exit reason, which is expected here
		_ = l.server.Wait()
		return nil
	})
}
