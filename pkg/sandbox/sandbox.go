// Package sandbox runs user-supplied rule and alert-predicate code against a
// frozen context (spec.md 4.4, 4.5, 9). It is the shared execution core for
// the Transformation Engine (D) and Alert Engine (E): a compiled-program
// cache, a hard wall-clock timeout, and a curated environment exposing only
// msg, console, JSON, and a read-only, SELECT-only db object.
//
// Grounded directly on the teacher's pkg/stateful.OperationExecutor
// (expr-lang compile cache keyed by expression+env signature, double-check
// locking on the cache, tracing spans around evaluation). The teacher's
// sandbox is synchronous expr-lang, not an async JS/WASM runtime as
// spec.md 9's design notes suggest ("embed an isolated execution
// environment ... e.g. an embedded JavaScript engine or WASM runtime") —
// expr-lang is the only embeddable expression/scripting engine anywhere in
// the retrieved pack, so rule and condition bodies are expressed as plain
// expr expressions rather than JS source; `await db.get(...)` becomes a
// plain synchronous call `db.get(...)`, since expr has no async keyword and
// every db call here already blocks for the duration of the query.
package sandbox

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/getmockd/unshubd/pkg/tracing"
)

// ErrQueryNotSelect is returned when sandboxed code attempts a non-SELECT
// query through db.all/db.get (spec.md 4.4, testable property 5).
var ErrQueryNotSelect = fmt.Errorf("sandbox: only SELECT queries are permitted")

// ErrTimeout is returned when a script exceeds its hard wall-clock budget.
var ErrTimeout = fmt.Errorf("sandbox: execution timed out")

// Store is the read-only query surface exposed to sandboxed code as `db`.
// Implementations must reject (or this package will reject before ever
// calling them) anything but a SELECT statement.
type Store interface {
	QueryAll(ctx context.Context, sql string) ([]map[string]interface{}, error)
	QueryRow(ctx context.Context, sql string) (map[string]interface{}, error)
}

// Runner compiles and executes sandboxed expr programs with a shared
// program cache, mirroring OperationExecutor's cache discipline.
type Runner struct {
	tracer *tracing.Tracer

	programMu    sync.RWMutex
	programCache map[string]*vm.Program
}

// NewRunner builds a Runner. Pass a tracer via SetTracer to instrument
// evaluation spans; nil is safe and disables tracing.
func NewRunner() *Runner {
	return &Runner{programCache: make(map[string]*vm.Program)}
}

// SetTracer wires an optional tracer for execution spans.
func (r *Runner) SetTracer(t *tracing.Tracer) { r.tracer = t }

// consoleLog is the muted console surface; entries are captured for the
// caller to fold into transform/alert debug log entries instead of writing
// to stdout.
type consoleLog struct {
	mu      sync.Mutex
	entries []string
}

func (c *consoleLog) log(args ...interface{}) interface{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	parts := make([]string, len(args))
	for i, a := range args {
		parts[i] = fmt.Sprintf("%v", a)
	}
	c.entries = append(c.entries, strings.Join(parts, " "))
	return nil
}

// Run compiles (or reuses a cached compile of) expression against an
// environment built from msg/store, and evaluates it with a hard timeout.
// msg must already be a plain map (e.g. json round-tripped) so expr can
// traverse it without reflection surprises. Returns the expression result,
// any console.log lines captured during execution, and an error.
func (r *Runner) Run(ctx context.Context, expression string, msg map[string]interface{}, store Store, timeout time.Duration) (interface{}, []string, error) {
	console := &consoleLog{}
	env := r.buildEnv(ctx, msg, store, console)

	var execSpan *tracing.Span
	if r.tracer != nil {
		ctx, execSpan = r.tracer.Start(ctx, "sandbox.run")
		execSpan.SetKind(tracing.SpanKindInternal)
		defer execSpan.End()
	}

	program, err := r.compile(expression, env)
	if err != nil {
		if execSpan != nil {
			execSpan.SetStatus(tracing.StatusError, err.Error())
		}
		return nil, console.entries, fmt.Errorf("compile: %w", err)
	}

	type outcome struct {
		val interface{}
		err error
	}
	resultCh := make(chan outcome, 1)
	go func() {
		v, err := expr.Run(program, env)
		resultCh <- outcome{v, err}
	}()

	select {
	case o := <-resultCh:
		if o.err != nil && execSpan != nil {
			execSpan.SetStatus(tracing.StatusError, o.err.Error())
		}
		return o.val, console.entries, o.err
	case <-time.After(timeout):
		if execSpan != nil {
			execSpan.SetStatus(tracing.StatusError, ErrTimeout.Error())
		}
		return nil, console.entries, ErrTimeout
	case <-ctx.Done():
		return nil, console.entries, ctx.Err()
	}
}

func (r *Runner) buildEnv(ctx context.Context, msg map[string]interface{}, store Store, console *consoleLog) map[string]interface{} {
	return map[string]interface{}{
		"msg": msg,
		"console": map[string]interface{}{
			"log": console.log,
		},
		"JSON": map[string]interface{}{
			"stringify": jsonStringify,
			"parse":     jsonParse,
		},
		"db": map[string]interface{}{
			"all": func(sql string) ([]map[string]interface{}, error) {
				if !isSelect(sql) {
					return nil, ErrQueryNotSelect
				}
				if store == nil {
					return nil, fmt.Errorf("sandbox: no store configured")
				}
				return store.QueryAll(ctx, sql)
			},
			"get": func(sql string) (map[string]interface{}, error) {
				if !isSelect(sql) {
					return nil, ErrQueryNotSelect
				}
				if store == nil {
					return nil, fmt.Errorf("sandbox: no store configured")
				}
				return store.QueryRow(ctx, sql)
			},
		},
	}
}

// isSelect reports whether sql's first non-whitespace token, case
// insensitive, is SELECT (spec.md 4.4).
func isSelect(sql string) bool {
	trimmed := strings.TrimSpace(sql)
	fields := strings.Fields(trimmed)
	if len(fields) == 0 {
		return false
	}
	return strings.EqualFold(fields[0], "select")
}

func (r *Runner) compile(expression string, env map[string]interface{}) (*vm.Program, error) {
	cacheKey := expression + "\x00" + envSignature(env)

	r.programMu.RLock()
	if p, ok := r.programCache[cacheKey]; ok {
		r.programMu.RUnlock()
		return p, nil
	}
	r.programMu.RUnlock()

	program, err := expr.Compile(expression, expr.Env(env))
	if err != nil {
		return nil, err
	}

	r.programMu.Lock()
	defer r.programMu.Unlock()
	if existing, ok := r.programCache[cacheKey]; ok {
		return existing, nil
	}
	r.programCache[cacheKey] = program
	return program, nil
}

func envSignature(env map[string]interface{}) string {
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+":"+fmt.Sprintf("%T", env[k]))
	}
	return strings.Join(parts, ",")
}
