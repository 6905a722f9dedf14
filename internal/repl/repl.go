// Package repl is the evaluation engine shipped with the rrepl binary. It
// evaluates Go constant expressions and keeps named results,
// which is enough to exercise every part of the server contract.
package repl

import (
	"context"
	"errors"
	"fmt"
	"go/token"
	"go/types"
	"log/slog"
	"slices"
	"sort"
	"strings"
	"sync"

	"github.com/chronologos/rrepl/internal/server"
)

const DefaultPrompt = "rrepl> "

var (
	ErrNotConstant = errors.New("expression is not constant")
	ErrBadName     = errors.New("invalid name")
)

var commands = []string{":edit", ":help", ":vars", "exit"}

const helpText = `expressions:   any Go constant expression, e.g. 1<<10, "a"+"b", 7/2.0
assignment:    name = expression
:vars          list defined names
:edit name     edit a definition remotely
exit           end the session
`

// Engine evaluates lines for every session of a server. Definitions are
// shared between sessions.
type Engine struct {
	Prompt string
	Logger *slog.Logger

	mu      sync.Mutex
	scope   *types.Package
	sources map[string]string
}

// New returns an Engine with prompt, or DefaultPrompt when empty.
func New(prompt string) *Engine {
	if prompt == "" {
		prompt = DefaultPrompt
	}
	return &Engine{
		Prompt:  prompt,
		Logger:  slog.Default(),
		scope:   types.NewPackage("repl", "repl"),
		sources: make(map[string]string),
	}
}

var (
	_ server.Engine          = (*Engine)(nil)
	_ server.Completer       = (*Engine)(nil)
	_ server.NegotiationHook = (*Engine)(nil)
)

// Serve reads and evaluates lines until the session ends or "exit".
func (e *Engine) Serve(ctx context.Context, c server.Console) error {
	for {
		line, err := c.ReadLine(ctx, e.Prompt)
		if err != nil {
			return err
		}
		line = strings.TrimSpace(line)
		switch {
		case line == "":
			continue
		case line == "exit" || line == "quit":
			return c.Write("bye\n")
		case line == ":help":
			err = c.Write(helpText)
		case line == ":vars":
			err = c.Write(e.listing())
		case strings.HasPrefix(line, ":edit"):
			err = e.edit(ctx, c, strings.TrimSpace(strings.TrimPrefix(line, ":edit")))
		default:
			err = e.evalLine(c, line)
		}
		if err != nil {
			return err
		}
	}
}

func (e *Engine) evalLine(c server.Console, line string) error {
	out, err := e.Eval(line)
	if err != nil {
		return c.Write("error: " + err.Error() + "\n")
	}
	return c.Write(out + "\n")
}

func (e *Engine) edit(ctx context.Context, c server.Console, name string) error {
	if !token.IsIdentifier(name) {
		return c.Write(fmt.Sprintf("error: %v: %q\n", ErrBadName, name))
	}
	ed, ok := c.(server.EditorProvider)
	if !ok {
		return c.Write("error: this console cannot edit\n")
	}
	e.mu.Lock()
	src := e.sources[name]
	e.mu.Unlock()

	text, err := ed.Edit(ctx, name, src)
	if err != nil {
		return err
	}
	text = strings.TrimSpace(strings.ReplaceAll(text, "\n", " "))
	if text == "" {
		return c.Write("unchanged\n")
	}
	return e.evalLine(c, name+" = "+text)
}

// Eval evaluates one line: either an expression or "name = expression".
func (e *Engine) Eval(line string) (string, error) {
	name, expr, assign := splitAssignment(line)
	e.mu.Lock()
	defer e.mu.Unlock()

	tv, err := types.Eval(token.NewFileSet(), e.scope, token.NoPos, expr)
	if err != nil {
		return "", err
	}
	if tv.Value == nil {
		return "", fmt.Errorf("%w: %s", ErrNotConstant, expr)
	}
	if assign {
		e.define(name, expr, tv)
	}
	return tv.Value.String(), nil
}

// splitAssignment recognises "name = expr" without mistaking comparisons
// such as "a == b" or "a <= b" for assignments.
func splitAssignment(line string) (name, expr string, ok bool) {
	i := strings.Index(line, "=")
	if i <= 0 || strings.HasPrefix(line[i:], "==") || strings.ContainsAny(line[i-1:i], "!<>=") {
		return "", line, false
	}
	name = strings.TrimSpace(line[:i])
	if !token.IsIdentifier(name) {
		return "", line, false
	}
	return name, strings.TrimSpace(line[i+1:]), true
}

func (e *Engine) define(name, src string, tv types.TypeAndValue) {
	s := e.scope.Scope()
	if s.Lookup(name) != nil {
		// Scopes cannot drop objects, so rebuild without the old one.
		next := types.NewPackage("repl", "repl")
		for _, n := range s.Names() {
			if c, ok := s.Lookup(n).(*types.Const); ok && n != name {
				next.Scope().Insert(types.NewConst(token.NoPos, next, n, c.Type(), c.Val()))
			}
		}
		e.scope = next
		s = next.Scope()
	}
	s.Insert(types.NewConst(token.NoPos, e.scope, name, tv.Type, tv.Value))
	e.sources[name] = src
}

func (e *Engine) listing() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	names := e.scope.Scope().Names()
	if len(names) == 0 {
		return "no definitions\n"
	}
	var b strings.Builder
	for _, n := range names {
		obj := e.scope.Scope().Lookup(n).(*types.Const)
		fmt.Fprintf(&b, "%s = %s (%s)\n", n, obj.Val().String(), obj.Type().String())
	}
	return b.String()
}

// Complete offers commands, defined names and universe identifiers.
func (e *Engine) Complete(prefix string) []string {
	e.mu.Lock()
	candidates := slices.Clone(e.scope.Scope().Names())
	e.mu.Unlock()
	candidates = append(candidates, commands...)
	candidates = append(candidates, types.Universe.Names()...)

	var out []string
	for _, c := range candidates {
		if strings.HasPrefix(c, prefix) {
			out = append(out, c)
		}
	}
	sort.Strings(out)
	return slices.Compact(out)
}

// Negotiated logs each session that becomes active.
func (e *Engine) Negotiated(info server.SessionInfo) {
	e.Logger.Info("repl session", "user", info.User, "remote", info.RemoteAddr, "tls", info.TLS)
}
