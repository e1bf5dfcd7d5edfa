// Package debugcmd routes named diagnostic commands to handlers. The table is
// built explicitly by the caller; nothing registers itself.
package debugcmd

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
)

// ErrUnknownCommand is returned by Dispatch for unregistered names.
var ErrUnknownCommand = errors.New("unknown debug command")

// ErrUsage is returned by handlers given the wrong arguments.
var ErrUsage = errors.New("usage")

// HandlerFunc runs one command. The result is rendered by the caller.
type HandlerFunc func(ctx context.Context, args []string) (any, error)

type command struct {
	usage   string
	summary string
	run     HandlerFunc
}

// Table maps command names to handlers.
type Table struct {
	router map[string]command
}

// NewTable returns an empty table.
func NewTable() *Table {
	return &Table{router: make(map[string]command)}
}

// Register adds or replaces a command. usage lists its arguments, e.g.
// "<user>".
func (t *Table) Register(name, usage, summary string, run HandlerFunc) {
	t.router[name] = command{usage: usage, summary: summary, run: run}
}

// Names returns registered command names, sorted.
func (t *Table) Names() []string {
	names := make([]string, 0, len(t.router))
	for name := range t.router {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Dispatch runs the named command.
func (t *Table) Dispatch(ctx context.Context, name string, args []string) (any, error) {
	cmd, ok := t.router[name]
	if !ok {
		return nil, fmt.Errorf("%w %q (have: %s)", ErrUnknownCommand, name, strings.Join(t.Names(), ", "))
	}
	out, err := cmd.run(ctx, args)
	if errors.Is(err, ErrUsage) {
		return nil, fmt.Errorf("%w: %s %s", ErrUsage, name, cmd.usage)
	}
	return out, err
}

// Help renders one line per command.
func (t *Table) Help() string {
	var b strings.Builder
	for _, name := range t.Names() {
		cmd := t.router[name]
		line := strings.TrimSpace(name + " " + cmd.usage)
		fmt.Fprintf(&b, "  %-28s %s\n", line, cmd.summary)
	}
	return b.String()
}
