package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sort"
	"sync"
)

// StdioConfig configures a subprocess-backed MCP transport. The server is
// spawned as a child process and spoken to over newline-delimited JSON on
// its stdin/stdout.
type StdioConfig struct {
	Command string
	Args    []string
	Env     map[string]string
}

// StdioTransport runs an MCP server as a subprocess.
type StdioTransport struct {
	cfg StdioConfig

	mu     sync.Mutex
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	closed bool

	recvCh chan Message
	errCh  chan error
	waitCh chan struct{}
}

// NewStdioTransport spawns the configured server process.
func NewStdioTransport(ctx context.Context, cfg StdioConfig) (*StdioTransport, error) {
	if cfg.Command == "" {
		return nil, errors.New("mcp: stdio command is required")
	}

	t := &StdioTransport{
		cfg:    cfg,
		recvCh: make(chan Message, 64),
		errCh:  make(chan error, 1),
		waitCh: make(chan struct{}),
	}

	// #nosec G204 -- the command comes from operator-supplied bridge config.
	cmd := exec.CommandContext(ctx, cfg.Command, cfg.Args...)
	if len(cfg.Env) > 0 {
		cmd.Env = append(os.Environ(), sortedEnv(cfg.Env)...)
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("mcp: stdio stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("mcp: stdio stdout: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("mcp: stdio stderr: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("mcp: stdio start %q: %w", cfg.Command, err)
	}

	t.cmd = cmd
	t.stdin = stdin
	go t.readLoop(stdout)
	go t.waitLoop(stderr)

	return t, nil
}

func (t *StdioTransport) readLoop(stdout io.Reader) {
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var message Message
		if err := json.Unmarshal(line, &message); err != nil {
			t.reportErr(fmt.Errorf("mcp: stdio decode: %w", err))
			return
		}
		select {
		case t.recvCh <- message:
		default:
			t.reportErr(errors.New("mcp: stdio receive queue is full"))
			return
		}
	}
	if err := scanner.Err(); err != nil {
		t.reportErr(fmt.Errorf("mcp: stdio read: %w", err))
	}
}

func (t *StdioTransport) waitLoop(stderr io.Reader) {
	defer close(t.waitCh)

	_, _ = io.Copy(io.Discard, stderr)

	t.mu.Lock()
	cmd := t.cmd
	t.mu.Unlock()
	if cmd == nil {
		return
	}
	err := cmd.Wait()

	t.mu.Lock()
	closed := t.closed
	t.mu.Unlock()
	if err != nil && !closed {
		t.reportErr(fmt.Errorf("mcp: stdio process exited: %w", err))
	}
}

// Send writes one newline-delimited JSON-RPC message to the process stdin.
func (t *StdioTransport) Send(ctx context.Context, message Message) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return errors.New("mcp: stdio transport is closed")
	}

	data, err := json.Marshal(message)
	if err != nil {
		return fmt.Errorf("mcp: stdio encode: %w", err)
	}
	if _, err := t.stdin.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("mcp: stdio write: %w", err)
	}
	return nil
}

// Receive returns the next message from the process stdout.
func (t *StdioTransport) Receive(ctx context.Context) (Message, error) {
	select {
	case <-ctx.Done():
		return Message{}, ctx.Err()
	case err := <-t.errCh:
		return Message{}, err
	case message := <-t.recvCh:
		return message, nil
	}
}

// Close kills the subprocess and waits for it to exit.
func (t *StdioTransport) Close(ctx context.Context) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	stdin := t.stdin
	cmd := t.cmd
	t.mu.Unlock()

	if stdin != nil {
		_ = stdin.Close()
	}
	if cmd != nil && cmd.Process != nil {
		_ = cmd.Process.Kill()
	}
	select {
	case <-t.waitCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (t *StdioTransport) reportErr(err error) {
	select {
	case t.errCh <- err:
	default:
	}
}

func sortedEnv(values map[string]string) []string {
	out := make([]string, 0, len(values))
	for key, value := range values {
		out = append(out, key+"="+value)
	}
	sort.Strings(out)
	return out
}
