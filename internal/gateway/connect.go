package gateway

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/exec"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/cjenaro/opencode-acp/internal/logging"
	"mvdan.cc/sh/v3/shell"
)

const (
	readyInitialInterval = 50 * time.Millisecond
	readyMaxInterval     = 250 * time.Millisecond
	stopGracePeriod      = 3 * time.Second
	defaultTimeout       = 2000 * time.Millisecond
)

// ConnectOptions controls Connect.
type ConnectOptions struct {
	// BaseURL of an already running server.
	BaseURL string
	// SpawnAddr is the loopback host:port checked and used for a spawned server.
	SpawnAddr string
	// Spawn allows starting a local server. When false Connect only attaches.
	Spawn bool
	// ServerCommand is split with shell rules; --hostname and --port are appended.
	ServerCommand string
	// Dir is the working directory of a spawned server.
	Dir string
	// Timeout bounds the whole connection attempt.
	Timeout time.Duration
}

// Handle is a connected gateway. It owns the spawned server, if any.
type Handle struct {
	*Client
	cmd     *exec.Cmd
	exited  chan struct{}
	spawned bool
}

// Spawned reports whether Connect started the server.
func (h *Handle) Spawned() bool {
	return h.spawned
}

// Connect attaches to a running opencode server or starts one. It first
// tries to bind SpawnAddr: if the port is taken a server is assumed to be
// listening and the client attaches to BaseURL; if the bind succeeds the
// port is released and a server is spawned on it. Any other failure is
// returned.
func Connect(ctx context.Context, opts ConnectOptions) (*Handle, error) {
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, opts.Timeout)
	defer cancel()

	if !opts.Spawn {
		return attach(ctx, opts.BaseURL)
	}

	ln, err := net.Listen("tcp", opts.SpawnAddr)
	if err != nil {
		if errors.Is(err, syscall.EADDRINUSE) {
			logging.Info().Str("addr", opts.SpawnAddr).Msg("opencode server already running, attaching")
			return attach(ctx, opts.BaseURL)
		}
		return nil, fmt.Errorf("check %s: %w", opts.SpawnAddr, err)
	}
	if err := ln.Close(); err != nil {
		return nil, fmt.Errorf("release %s: %w", opts.SpawnAddr, err)
	}

	return spawn(ctx, opts)
}

func attach(ctx context.Context, baseURL string) (*Handle, error) {
	c := New(baseURL)
	if err := waitReady(ctx, c); err != nil {
		return nil, fmt.Errorf("attach to %s: %w", baseURL, err)
	}
	return &Handle{Client: c}, nil
}

func spawn(ctx context.Context, opts ConnectOptions) (*Handle, error) {
	host, port, err := net.SplitHostPort(opts.SpawnAddr)
	if err != nil {
		return nil, fmt.Errorf("spawn address %q: %w", opts.SpawnAddr, err)
	}
	argv, err := shell.Fields(opts.ServerCommand, os.Getenv)
	if err != nil {
		return nil, fmt.Errorf("parse server command: %w", err)
	}
	if len(argv) == 0 {
		return nil, errors.New("server command is empty")
	}
	argv = append(argv, "--hostname", host, "--port", port)

	serverLog := logging.With().Str("component", "opencode-server").Logger()
	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Dir = opts.Dir
	cmd.Stdout = &serverLog
	cmd.Stderr = &serverLog
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", argv[0], err)
	}
	logging.Info().Strs("argv", argv).Int("pid", cmd.Process.Pid).Msg("spawned opencode server")

	h := &Handle{
		Client:  New("http://" + opts.SpawnAddr),
		cmd:     cmd,
		exited:  make(chan struct{}),
		spawned: true,
	}
	go func() {
		err := cmd.Wait()
		logging.Info().Err(err).Msg("opencode server exited")
		close(h.exited)
	}()

	if err := waitReady(ctx, h.Client); err != nil {
		_ = h.Close()
		return nil, fmt.Errorf("wait for spawned server: %w", err)
	}
	return h, nil
}

// waitReady polls the server until it answers or ctx ends.
func waitReady(ctx context.Context, c *Client) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = readyInitialInterval
	b.MaxInterval = readyMaxInterval
	b.MaxElapsedTime = 0 // bounded by ctx
	b.Reset()

	return backoff.Retry(func() error {
		return c.Ping(ctx)
	}, backoff.WithContext(b, ctx))
}

// Close stops a spawned server. It is a no-op for attached clients.
func (h *Handle) Close() error {
	if !h.spawned || h.cmd == nil || h.cmd.Process == nil {
		return nil
	}
	select {
	case <-h.exited:
		return nil
	default:
	}

	_ = h.cmd.Process.Signal(os.Interrupt)
	select {
	case <-h.exited:
		return nil
	case <-time.After(stopGracePeriod):
		return h.cmd.Process.Kill()
	}
}
