package execcontext

import (
	"fmt"
	"maps"
	"slices"
	"strings"
)

// Context carries what every external command inherits: extra environment
// variables and a command to prepend (e.g. "sudo").
type Context interface {
	Envs() map[string]string
	PrependCmd() []string
}

func New(envs map[string]string, prependCmd []string) Context {
	return &context{
		prependCmd: prependCmd,
		envs:       envs,
	}
}

// WithPrepend returns a copy of ctx whose prepend command is extended with cmd.
func WithPrepend(ctx Context, cmd ...string) Context {
	return &context{
		envs:       ctx.Envs(),
		prependCmd: append(ctx.PrependCmd(), cmd...),
	}
}

type context struct {
	envs       map[string]string
	prependCmd []string
}

// Envs implements Context.
func (c *context) Envs() map[string]string {
	out := make(map[string]string, len(c.envs))
	maps.Copy(out, c.envs)
	return out
}

// PrependCmd implements Context.
func (c *context) PrependCmd() []string {
	out := make([]string, len(c.prependCmd))
	copy(out, c.prependCmd)
	return out
}

// Argv returns the full argument vector of cmd once the prepend command is applied.
func Argv(ctx Context, cmd ...string) []string {
	return append(ctx.PrependCmd(), cmd...)
}

// Environ returns the context's variables as sorted KEY=VALUE pairs.
func Environ(ctx Context) []string {
	envs := ctx.Envs()
	out := make([]string, 0, len(envs))
	for _, k := range slices.Sorted(maps.Keys(envs)) {
		out = append(out, fmt.Sprintf("%s=%s", k, envs[k]))
	}
	return out
}

func FormatCmd(ctx Context, cmd ...string) string {
	out := ""

	// Add environment variables first (without quoting the entire assignment)
	envs := ctx.Envs()
	for _, k := range slices.Sorted(maps.Keys(envs)) {
		envStr := fmt.Sprintf("%s=%q", k, envs[k])
		out = fmt.Sprintf("%s%s ", out, envStr)
	}

	// Add prepend command
	for _, s := range ctx.PrependCmd() {
		out = safelyAppendToCmd(out, s)
	}

	// Add the actual command
	for _, s := range cmd {
		out = safelyAppendToCmd(out, s)
	}

	return strings.TrimSpace(out)
}

var unquottable = map[string]struct{}{
	"&&": {},
	"||": {},
	";":  {},
	":":  {},
	"&":  {},
}

func safelyAppendToCmd(cmd string, s string) string {
	if _, ok := unquottable[s]; ok {
		return fmt.Sprintf("%s%s ", cmd, s)
	}
	return fmt.Sprintf("%s%q ", cmd, s)
}
