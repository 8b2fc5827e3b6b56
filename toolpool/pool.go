package toolpool

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/redbtn-io/ai/runtimeerr"
)

// Pool supervises a fixed set of named tool servers, routes tool
// invocations by tool name, and provides duplex JSON-RPC 2.0 framing
// (§4.6).
type Pool struct {
	logger *slog.Logger

	mu       sync.RWMutex
	children map[string]*child
	toolOf   map[string]string // tool name -> server name
}

// Option configures a Pool.
type Option func(*Pool)

// WithLogger sets the pool's logger.
func WithLogger(l *slog.Logger) Option {
	return func(p *Pool) { p.logger = l }
}

// New creates a Pool from a list of server specs. Call Start to spawn them.
func New(specs []ServerSpec, opts ...Option) *Pool {
	p := &Pool{
		logger:   slog.Default(),
		children: map[string]*child{},
		toolOf:   map[string]string{},
	}
	for _, o := range opts {
		o(p)
	}
	for _, spec := range specs {
		p.children[spec.Name] = newChild(spec, p.logger)
	}
	return p
}

// Start spawns every enabled server concurrently. If any fail to
// initialize, the pool surfaces a warning but remains usable (§4.6 "Pool
// lifecycle").
func (p *Pool) Start(ctx context.Context) []error {
	var mu sync.Mutex
	var warnings []error

	g, gctx := errgroup.WithContext(context.Background())
	p.mu.RLock()
	children := make([]*child, 0, len(p.children))
	for _, c := range p.children {
		children = append(children, c)
	}
	p.mu.RUnlock()

	for _, c := range children {
		c := c
		g.Go(func() error {
			if err := c.start(gctx); err != nil {
				p.logger.Warn("toolpool: server failed to initialize", "server", c.spec.Name, "error", err)
				mu.Lock()
				warnings = append(warnings, err)
				mu.Unlock()
				return nil // do not fail the group; pool stays usable.
			}
			tools, err := c.listTools(gctx)
			if err != nil {
				p.logger.Warn("toolpool: tools/list failed", "server", c.spec.Name, "error", err)
				return nil
			}
			c.tools = tools
			p.mu.Lock()
			for _, t := range tools {
				p.toolOf[t.Name] = c.spec.Name
			}
			p.mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return warnings
}

// Stop terminates every child; idempotent.
func (p *Pool) Stop() {
	p.mu.RLock()
	children := make([]*child, 0, len(p.children))
	for _, c := range p.children {
		children = append(children, c)
	}
	p.mu.RUnlock()

	var wg sync.WaitGroup
	for _, c := range children {
		c := c
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.stop()
		}()
	}
	wg.Wait()
}

// CallTool routes a call by tool name (§4.6 "Routing callTool"): the first
// child whose cached tools list contains name handles the call.
func (p *Pool) CallTool(ctx context.Context, name string, args map[string]any, meta map[string]string) (map[string]any, error) {
	p.mu.RLock()
	serverName, ok := p.toolOf[name]
	var c *child
	if ok {
		c = p.children[serverName]
	}
	p.mu.RUnlock()

	if !ok || c == nil {
		return nil, runtimeerr.Newf(runtimeerr.ToolRouting, "no server exposes tool %q", name)
	}

	argBytes, err := json.Marshal(args)
	if err != nil {
		return nil, fmt.Errorf("toolpool: marshal args: %w", err)
	}

	result, err := c.callTool(ctx, name, argBytes, meta)
	if err != nil {
		return nil, err
	}
	return result.AsMap(), nil
}

// Tools returns the combined tool list across all initialized children.
func (p *Pool) Tools() []ToolDefinition {
	p.mu.RLock()
	defer p.mu.RUnlock()
	var out []ToolDefinition
	for _, c := range p.children {
		out = append(out, c.tools...)
	}
	return out
}
