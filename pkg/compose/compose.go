// Package compose shells out to the docker CLI for compose project control.
//
// The docker CLI is the contract here: compose semantics (build ordering,
// dependency teardown, orphan removal) live in the tool itself, so this
// package stays a thin argv builder plus an exec wrapper that tests can
// swap out.
package compose

import (
	"context"
	"errors"
	"os/exec"
	"strings"
)

// Runner executes one external command and returns its combined output.
type Runner interface {
	Run(ctx context.Context, dir, name string, args ...string) ([]byte, error)
}

// ExecRunner runs commands via os/exec.
type ExecRunner struct{}

func (ExecRunner) Run(ctx context.Context, dir, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	if dir != "" {
		cmd.Dir = dir
	}
	return cmd.CombinedOutput()
}

// ExitCode extracts the process exit code from a Runner error.
// Returns -1 when the error carries no exit status (e.g. binary not found,
// context canceled).
func ExitCode(err error) int {
	var ee *exec.ExitError
	if errors.As(err, &ee) {
		return ee.ExitCode()
	}
	return -1
}

// Client drives one compose project.
type Client struct {
	bin     string
	file    string
	project string
	dir     string
	runner  Runner
}

// Options configures a Client. File is required.
type Options struct {
	// Bin is the docker binary name or path. Default "docker".
	Bin string
	// File is the compose file path.
	File string
	// Project overrides the compose project name (-p).
	Project string
	// Dir is the working directory for all invocations.
	Dir string
	// Runner overrides command execution (tests). Default ExecRunner.
	Runner Runner
}

func New(opts Options) (*Client, error) {
	if strings.TrimSpace(opts.File) == "" {
		return nil, errors.New("compose: file is required")
	}
	bin := strings.TrimSpace(opts.Bin)
	if bin == "" {
		bin = "docker"
	}
	r := opts.Runner
	if r == nil {
		r = ExecRunner{}
	}
	return &Client{
		bin:     bin,
		file:    opts.File,
		project: strings.TrimSpace(opts.Project),
		dir:     opts.Dir,
		runner:  r,
	}, nil
}

// Available reports whether the docker binary resolves on PATH.
func (c *Client) Available() error {
	_, err := exec.LookPath(c.bin)
	return err
}

func (c *Client) composeArgs(extra ...string) []string {
	args := []string{"compose", "-f", c.file}
	if c.project != "" {
		args = append(args, "-p", c.project)
	}
	return append(args, extra...)
}

// Down tears the deployment down. With no containers running this is a
// no-op that still exits zero.
func (c *Client) Down(ctx context.Context, removeOrphans bool) ([]byte, error) {
	args := c.composeArgs("down")
	if removeOrphans {
		args = append(args, "--remove-orphans")
	}
	return c.runner.Run(ctx, c.dir, c.bin, args...)
}

// UpOptions controls Up.
type UpOptions struct {
	// Build forces an image rebuild (--build).
	Build bool
	// Pull refreshes base images before building (--pull always).
	Pull bool
}

// Up starts the deployment detached.
func (c *Client) Up(ctx context.Context, opts UpOptions) ([]byte, error) {
	args := c.composeArgs("up", "-d")
	if opts.Build {
		args = append(args, "--build")
	}
	if opts.Pull {
		args = append(args, "--pull", "always")
	}
	return c.runner.Run(ctx, c.dir, c.bin, args...)
}

// Build rebuilds images without starting anything.
func (c *Client) Build(ctx context.Context, pull bool) ([]byte, error) {
	args := c.composeArgs("build")
	if pull {
		args = append(args, "--pull")
	}
	return c.runner.Run(ctx, c.dir, c.bin, args...)
}

// Prune removes unused container resources (docker system prune -f).
// Volumes are only pruned when asked: a scheduled prune that eats volumes
// can destroy application state.
func (c *Client) Prune(ctx context.Context, volumes bool) ([]byte, error) {
	args := []string{"system", "prune", "-f"}
	if volumes {
		args = append(args, "--volumes")
	}
	return c.runner.Run(ctx, c.dir, c.bin, args...)
}

// ConfigCheck validates the compose file (docker compose config -q).
func (c *Client) ConfigCheck(ctx context.Context) ([]byte, error) {
	return c.runner.Run(ctx, c.dir, c.bin, c.composeArgs("config", "-q")...)
}

// Version reports the docker CLI version string.
func (c *Client) Version(ctx context.Context) (string, error) {
	out, err := c.runner.Run(ctx, c.dir, c.bin, "version", "--format", "{{.Client.Version}}")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}
