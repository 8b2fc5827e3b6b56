package toolpool

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redbtn-io/ai/runtimeerr"
)

const (
	initTimeout  = 5 * time.Second
	callTimeout  = 30 * time.Second
	killGrace    = 2 * time.Second
	maxLineBytes = 10 << 20
)

// ServerSpec configures one supervised child tool server.
type ServerSpec struct {
	Name    string
	Command string
	Args    []string
	Env     []string // additional env vars, appended to the inherited environment
}

// child is one supervised tool subprocess, speaking duplex JSON-RPC 2.0
// over newline-delimited JSON on its stdio (§4.6 "Child process contract").
type child struct {
	spec   ServerSpec
	logger *slog.Logger

	cmd   *exec.Cmd
	stdin io.WriteCloser

	mu      sync.Mutex
	pending map[int64]chan response
	nextID  atomic.Int64

	tools     []ToolDefinition
	toolsOnce sync.Once

	exited chan struct{}
	exitErr error
}

func newChild(spec ServerSpec, logger *slog.Logger) *child {
	return &child{
		spec:    spec,
		logger:  logger,
		pending: map[int64]chan response{},
		exited:  make(chan struct{}),
	}
}

// start spawns the subprocess, begins the reader loop, and performs the
// initialize/initialized handshake with a 5s timeout (§4.6).
func (c *child) start(ctx context.Context) error {
	cmd := exec.CommandContext(context.Background(), c.spec.Command, c.spec.Args...)
	cmd.Env = append(os.Environ(), c.spec.Env...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("toolpool: %s: stdin pipe: %w", c.spec.Name, err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("toolpool: %s: stdout pipe: %w", c.spec.Name, err)
	}
	cmd.Stderr = &logWriter{logger: c.logger, name: c.spec.Name}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("toolpool: %s: start: %w", c.spec.Name, err)
	}
	c.cmd = cmd
	c.stdin = stdin

	initialized := make(chan struct{})
	var once sync.Once
	go c.readLoop(stdout, func() { once.Do(func() { close(initialized) }) })
	go c.waitExit()

	initCtx, cancel := context.WithTimeout(ctx, initTimeout)
	defer cancel()

	params, _ := json.Marshal(initializeParams{
		ProtocolVersion: protocolVersion,
		Capabilities:    map[string]any{},
		ClientInfo:      clientInfo{Name: "toolpool", Version: "1.0"},
	})
	if _, err := c.call(initCtx, "initialize", params); err != nil {
		return fmt.Errorf("toolpool: %s: initialize: %w", c.spec.Name, err)
	}

	select {
	case <-initialized:
		return nil
	case <-initCtx.Done():
		return fmt.Errorf("toolpool: %s: timed out waiting for initialized notification", c.spec.Name)
	case <-c.exited:
		return fmt.Errorf("toolpool: %s: exited during handshake", c.spec.Name)
	}
}

func (c *child) waitExit() {
	err := c.cmd.Wait()
	c.mu.Lock()
	c.exitErr = err
	waiters := c.pending
	c.pending = map[int64]chan response{}
	c.mu.Unlock()
	close(c.exited)
	for _, ch := range waiters {
		ch <- response{Error: &rpcError{Code: -32000, Message: "child exited"}}
	}
}

// readLoop dispatches incoming lines to either a pending-response waiter or
// the initialized-notification callback.
func (c *child) readLoop(stdout io.Reader, onInitialized func()) {
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var probe struct {
			ID     *int64 `json:"id"`
			Method string `json:"method"`
		}
		if err := json.Unmarshal(line, &probe); err != nil {
			continue
		}
		if probe.Method == "notifications/initialized" {
			onInitialized()
			continue
		}
		if probe.ID == nil {
			continue // other notifications: ignored.
		}
		var resp response
		if err := json.Unmarshal(line, &resp); err != nil {
			continue
		}
		c.mu.Lock()
		ch, ok := c.pending[resp.ID]
		if ok {
			delete(c.pending, resp.ID)
		}
		c.mu.Unlock()
		if ok {
			ch <- resp
		}
	}
}

// call sends a request and waits for its response, a 30s call timeout
// (§4.6), or ctx cancellation.
func (c *child) call(ctx context.Context, method string, params json.RawMessage) (json.RawMessage, error) {
	id := c.nextID.Add(1)
	ch := make(chan response, 1)
	c.mu.Lock()
	c.pending[id] = ch
	c.mu.Unlock()

	req := request{JSONRPC: "2.0", ID: id, Method: method, Params: params}
	data, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	data = append(data, '\n')
	if _, err := c.stdin.Write(data); err != nil {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return nil, runtimeerr.Wrap(runtimeerr.ToolChildExit, "write to child stdin", err)
	}

	callCtx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()

	select {
	case resp := <-ch:
		if resp.Error != nil {
			return nil, runtimeerr.Newf(runtimeerr.ToolRouting, "%s: %s", method, resp.Error.Message)
		}
		return resp.Result, nil
	case <-callCtx.Done():
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return nil, runtimeerr.Newf(runtimeerr.ToolTimeout, "%s: call timed out", method)
	case <-c.exited:
		return nil, runtimeerr.Newf(runtimeerr.ToolChildExit, "%s: child exited", method)
	}
}

func (c *child) listTools(ctx context.Context) ([]ToolDefinition, error) {
	raw, err := c.call(ctx, "tools/list", nil)
	if err != nil {
		return nil, err
	}
	var result toolsListResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("toolpool: %s: decode tools/list: %w", c.spec.Name, err)
	}
	return result.Tools, nil
}

func (c *child) callTool(ctx context.Context, name string, args json.RawMessage, meta map[string]string) (ToolCallResult, error) {
	params, err := json.Marshal(toolCallParams{Name: name, Arguments: args, Meta: meta})
	if err != nil {
		return ToolCallResult{}, err
	}
	raw, err := c.call(ctx, "tools/call", params)
	if err != nil {
		return ToolCallResult{}, err
	}
	var result ToolCallResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return ToolCallResult{}, fmt.Errorf("toolpool: %s: decode tools/call result: %w", c.spec.Name, err)
	}
	return result, nil
}

// stop terminates the child gracefully, then force-kills after a 2s grace (§4.6).
func (c *child) stop() {
	if c.cmd == nil || c.cmd.Process == nil {
		return
	}
	_ = c.cmd.Process.Signal(os.Interrupt)
	select {
	case <-c.exited:
		return
	case <-time.After(killGrace):
		_ = c.cmd.Process.Kill()
	}
}

// logWriter copies a child's diagnostic stream to the pool's logger,
// mirroring mcp/server.go's approach of surfacing stderr through the
// supervising process's own logging rather than discarding it.
type logWriter struct {
	logger *slog.Logger
	name   string
}

func (w *logWriter) Write(p []byte) (int, error) {
	if w.logger != nil {
		w.logger.Debug("toolpool: child stderr", "server", w.name, "output", string(p))
	}
	return len(p), nil
}
