package worker

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"time"

	"github.com/creachadair/jrpc2"
	"github.com/creachadair/jrpc2/channel"
)

// DefaultTerminateGrace is how long a worker process may take to exit after its
// stdin is closed before it is killed
const DefaultTerminateGrace = 5 * time.Second

// ProcessFactory starts each worker as a child process speaking newline-framed
// JSON-RPC 2.0 over its stdin and stdout. Stderr is inherited so worker logs end up
// next to the orchestrator's.
type ProcessFactory struct {
	// Path is the executable to run
	Path string

	// Args are passed to the executable
	Args []string

	// Env is appended to the orchestrator's environment
	Env []string

	// TerminateGrace overrides DefaultTerminateGrace when positive
	TerminateGrace time.Duration
}

// New starts a worker process.
// The process is not bound to ctx: it lives until Terminate is called.
func (f *ProcessFactory) New(_ context.Context) (Instance, error) {
	if f.Path == "" {
		return nil, fmt.Errorf("worker executable path is required")
	}

	// #nosec G204 -- the worker executable and arguments come from trusted configuration
	cmd := exec.Command(f.Path, f.Args...)
	cmd.Env = append(os.Environ(), f.Env...)
	cmd.Stderr = os.Stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open worker stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open worker stdout: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start worker process: %w", err)
	}

	grace := f.TerminateGrace
	if grace <= 0 {
		grace = DefaultTerminateGrace
	}

	exited := make(chan error, 1)
	go func() {
		exited <- cmd.Wait()
	}()

	client := jrpc2.NewClient(channel.Line(stdout, stdin), nil)
	slog.Info("Worker process started", "pid", cmd.Process.Pid)

	return &processInstance{
		cmd:    cmd,
		client: client,
		proxy:  &rpcProxy{client: client},
		exited: exited,
		grace:  grace,
	}, nil
}

type processInstance struct {
	cmd    *exec.Cmd
	client *jrpc2.Client
	proxy  *rpcProxy
	exited chan error
	grace  time.Duration
	closer closeOnce
}

func (p *processInstance) Proxy() Proxy {
	return p.proxy
}

func (p *processInstance) Terminate() error {
	return p.closer.do(func() error {
		pid := p.cmd.Process.Pid

		// Closing the client closes the worker's stdin, which makes it exit on its own
		_ = p.client.Close()

		select {
		case err := <-p.exited:
			slog.Info("Worker process exited", "pid", pid)
			if err != nil {
				return fmt.Errorf("worker process %d exited with error: %w", pid, err)
			}
			return nil
		case <-time.After(p.grace):
		}

		slog.Warn("Worker process did not exit in time, killing it", "pid", pid, "grace", p.grace)
		if err := p.cmd.Process.Kill(); err != nil {
			return fmt.Errorf("failed to kill worker process %d: %w", pid, err)
		}
		<-p.exited
		return nil
	})
}
