// Package runner invokes an external bundler on a staged source tree. The
// bundler is an arbitrary command configured per deployment (webpack, rollup,
// esbuild, a wrapper script); packlane only prepares its input and collects
// its output.
package runner

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"
)

// configPlaceholder in a configured argument is replaced with the path of the
// emitted bundler configuration file.
const configPlaceholder = "{config}"

type Runner struct {
	command string
	args    []string
	dir     string
	env     []string
	timeout time.Duration
}

// Result captures one bundler invocation.
type Result struct {
	Command  string
	Output   string // combined stdout and stderr
	Duration time.Duration
}

func New(command string, args []string) *Runner {
	return &Runner{command: command, args: args}
}

// WithDir sets the working directory for the bundler process, usually the
// staging directory holding the sources and the emitted config.
func (r *Runner) WithDir(dir string) *Runner {
	r.dir = dir
	return r
}

// WithEnv appends extra environment variables ("KEY=value") to the inherited
// environment of the bundler process.
func (r *Runner) WithEnv(env []string) *Runner {
	r.env = env
	return r
}

// WithTimeout bounds a single bundler run. Zero means no bound beyond the
// caller's context.
func (r *Runner) WithTimeout(timeout time.Duration) *Runner {
	r.timeout = timeout
	return r
}

// Run executes the bundler with configPath substituted for the {config}
// placeholder in its arguments. If no argument carries the placeholder, the
// config path is appended as the final argument. The bundler's combined
// output is returned in the Result, also when the run fails.
func (r *Runner) Run(ctx context.Context, configPath string) (*Result, error) {
	if r.command == "" {
		return nil, fmt.Errorf("bundler command not configured")
	}

	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	args := make([]string, 0, len(r.args)+1)
	substituted := false
	for _, arg := range r.args {
		if strings.Contains(arg, configPlaceholder) {
			arg = strings.ReplaceAll(arg, configPlaceholder, configPath)
			substituted = true
		}
		args = append(args, arg)
	}
	if !substituted {
		args = append(args, configPath)
	}

	cmd := exec.CommandContext(ctx, r.command, args...)
	cmd.Dir = r.dir
	cmd.Env = append(os.Environ(), r.env...)

	var buf bytes.Buffer
	cmd.Stdout = &buf
	cmd.Stderr = &buf

	start := time.Now()
	err := cmd.Run()
	result := &Result{
		Command:  r.command + " " + strings.Join(args, " "),
		Output:   buf.String(),
		Duration: time.Since(start),
	}

	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return result, fmt.Errorf("bundler %s: %w", r.command, ctxErr)
		}
		return result, fmt.Errorf("bundler %s: %w: %s", r.command, err, firstLines(buf.String(), 10))
	}

	return result, nil
}

// firstLines trims output for error messages, the full output stays in the
// Result.
func firstLines(s string, n int) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	if len(lines) > n {
		lines = lines[:n]
	}
	return strings.Join(lines, "\n")
}
