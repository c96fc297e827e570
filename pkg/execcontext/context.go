// Package execcontext describes how external commands (the image tool, the VM
// launch script) are executed: extra environment variables, a privilege
// wrapper prepended to the command line and the working directory.
package execcontext

import (
	"context"
	"fmt"
	"maps"
	"os"
	"sort"
	"strings"

	utilexec "k8s.io/utils/exec"
)

type Context interface {
	Envs() map[string]string
	PrependCmd() []string
	Dir() string
}

func New(envs map[string]string, prependCmd []string) Context {
	return &execCtx{
		prependCmd: prependCmd,
		envs:       envs,
	}
}

// WithDir returns a copy of ctx running commands from dir.
func WithDir(ctx Context, dir string) Context {
	return &execCtx{
		envs:       ctx.Envs(),
		prependCmd: ctx.PrependCmd(),
		dir:        dir,
	}
}

type execCtx struct {
	envs       map[string]string
	prependCmd []string
	dir        string
}

// Envs implements Context.
func (c *execCtx) Envs() map[string]string {
	out := make(map[string]string, len(c.envs))
	maps.Copy(out, c.envs)
	return out
}

// PrependCmd implements Context.
func (c *execCtx) PrependCmd() []string {
	out := make([]string, len(c.prependCmd))
	copy(out, c.prependCmd)
	return out
}

// Dir implements Context.
func (c *execCtx) Dir() string {
	return c.dir
}

// Argv returns the full command line, prepend command first.
func Argv(ctx Context, name string, args ...string) []string {
	argv := ctx.PrependCmd()
	argv = append(argv, name)
	return append(argv, args...)
}

// Command builds a command through execer with ctx applied.
func Command(goCtx context.Context, execer utilexec.Interface, ctx Context, name string, args ...string) utilexec.Cmd {
	argv := Argv(ctx, name, args...)
	cmd := execer.CommandContext(goCtx, argv[0], argv[1:]...)

	if envs := ctx.Envs(); len(envs) > 0 {
		env := os.Environ()
		for _, k := range sortedKeys(envs) {
			env = append(env, fmt.Sprintf("%s=%s", k, envs[k]))
		}
		cmd.SetEnv(env)
	}

	if dir := ctx.Dir(); dir != "" {
		cmd.SetDir(dir)
	}

	return cmd
}

// FormatCmd renders the command line for logs.
func FormatCmd(ctx Context, cmd ...string) string {
	out := ""

	if dir := ctx.Dir(); dir != "" {
		out = fmt.Sprintf("cd %q && ", dir)
	}

	envs := ctx.Envs()
	for _, k := range sortedKeys(envs) {
		out = fmt.Sprintf("%s%s=%q ", out, k, envs[k])
	}

	for _, s := range ctx.PrependCmd() {
		out = safelyAppendToCmd(out, s)
	}

	for _, s := range cmd {
		out = safelyAppendToCmd(out, s)
	}

	return strings.TrimSpace(out)
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func safelyAppendToCmd(cmd string, s string) string {
	if s != "" && !strings.ContainsAny(s, " \t\"'$&;|<>()*?") {
		return fmt.Sprintf("%s%s ", cmd, s)
	}
	return fmt.Sprintf("%s%q ", cmd, s)
}
