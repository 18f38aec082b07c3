// Package cmdbuild builds remote shell command lines from typed tokens,
// quoting every argument so values with spaces or shell metacharacters
// survive the trip through the remote shell intact.
package cmdbuild

import (
	"github.com/kballard/go-shellquote"
)

// Command accumulates the tokens of a single command line.
type Command struct {
	tokens []string
}

// New begins a command line with the program name.
func New(name string) *Command {
	return &Command{tokens: []string{name}}
}

// Arg appends one or more positional arguments.
func (c *Command) Arg(values ...string) *Command {
	c.tokens = append(c.tokens, values...)
	return c
}

// Flag appends a bare flag, e.g. "--force".
func (c *Command) Flag(flag string) *Command {
	c.tokens = append(c.tokens, flag)
	return c
}

// Option appends a flag followed by its value, e.g. "--org" "Org1".
func (c *Command) Option(flag, value string) *Command {
	c.tokens = append(c.tokens, flag, value)
	return c
}

// String renders the command line with shell quoting applied per token.
func (c *Command) String() string {
	return shellquote.Join(c.tokens...)
}
