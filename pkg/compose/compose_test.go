package compose

import (
	"context"
	"errors"
	"os/exec"
	"reflect"
	"testing"
)

// recordRunner captures invocations instead of executing them.
type recordRunner struct {
	dir  string
	name string
	args []string
	out  []byte
	err  error
}

func (r *recordRunner) Run(ctx context.Context, dir, name string, args ...string) ([]byte, error) {
	r.dir = dir
	r.name = name
	r.args = args
	return r.out, r.err
}

func newTestClient(t *testing.T, rec *recordRunner) *Client {
	t.Helper()
	c, err := New(Options{
		File:    "/srv/app/docker-compose.yml",
		Project: "videopipe",
		Dir:     "/srv/app",
		Runner:  rec,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c
}

func TestNewRequiresFile(t *testing.T) {
	t.Parallel()
	if _, err := New(Options{}); err == nil {
		t.Fatal("expected error for missing compose file")
	}
}

func TestArgvConstruction(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		call func(ctx context.Context, c *Client) error
		want []string
	}{
		{
			name: "down",
			call: func(ctx context.Context, c *Client) error { _, err := c.Down(ctx, false); return err },
			want: []string{"compose", "-f", "/srv/app/docker-compose.yml", "-p", "videopipe", "down"},
		},
		{
			name: "down remove orphans",
			call: func(ctx context.Context, c *Client) error { _, err := c.Down(ctx, true); return err },
			want: []string{"compose", "-f", "/srv/app/docker-compose.yml", "-p", "videopipe", "down", "--remove-orphans"},
		},
		{
			name: "up build",
			call: func(ctx context.Context, c *Client) error {
				_, err := c.Up(ctx, UpOptions{Build: true})
				return err
			},
			want: []string{"compose", "-f", "/srv/app/docker-compose.yml", "-p", "videopipe", "up", "-d", "--build"},
		},
		{
			name: "up build pull",
			call: func(ctx context.Context, c *Client) error {
				_, err := c.Up(ctx, UpOptions{Build: true, Pull: true})
				return err
			},
			want: []string{"compose", "-f", "/srv/app/docker-compose.yml", "-p", "videopipe", "up", "-d", "--build", "--pull", "always"},
		},
		{
			name: "build",
			call: func(ctx context.Context, c *Client) error { _, err := c.Build(ctx, true); return err },
			want: []string{"compose", "-f", "/srv/app/docker-compose.yml", "-p", "videopipe", "build", "--pull"},
		},
		{
			name: "prune",
			call: func(ctx context.Context, c *Client) error { _, err := c.Prune(ctx, false); return err },
			want: []string{"system", "prune", "-f"},
		},
		{
			name: "prune volumes",
			call: func(ctx context.Context, c *Client) error { _, err := c.Prune(ctx, true); return err },
			want: []string{"system", "prune", "-f", "--volumes"},
		},
		{
			name: "config check",
			call: func(ctx context.Context, c *Client) error { _, err := c.ConfigCheck(ctx); return err },
			want: []string{"compose", "-f", "/srv/app/docker-compose.yml", "-p", "videopipe", "config", "-q"},
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			rec := &recordRunner{}
			c := newTestClient(t, rec)
			if err := tt.call(context.Background(), c); err != nil {
				t.Fatalf("call: %v", err)
			}
			if rec.name != "docker" {
				t.Fatalf("binary = %s, want docker", rec.name)
			}
			if rec.dir != "/srv/app" {
				t.Fatalf("dir = %s, want /srv/app", rec.dir)
			}
			if !reflect.DeepEqual(rec.args, tt.want) {
				t.Fatalf("args = %v, want %v", rec.args, tt.want)
			}
		})
	}
}

func TestArgvDeterministic(t *testing.T) {
	t.Parallel()
	rec := &recordRunner{}
	c := newTestClient(t, rec)

	_, _ = c.Up(context.Background(), UpOptions{Build: true})
	first := append([]string(nil), rec.args...)
	_, _ = c.Up(context.Background(), UpOptions{Build: true})
	if !reflect.DeepEqual(first, rec.args) {
		t.Fatalf("argv changed between identical calls: %v vs %v", first, rec.args)
	}
}

func TestNoProjectFlagWhenUnnamed(t *testing.T) {
	t.Parallel()
	rec := &recordRunner{}
	c, err := New(Options{File: "compose.yml", Runner: rec})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	_, _ = c.Down(context.Background(), false)
	for _, a := range rec.args {
		if a == "-p" {
			t.Fatalf("unexpected -p flag: %v", rec.args)
		}
	}
}

func TestExitCode(t *testing.T) {
	t.Parallel()
	if got := ExitCode(errors.New("plain")); got != -1 {
		t.Fatalf("ExitCode(plain) = %d, want -1", got)
	}
	// A real non-zero exit to get a genuine *exec.ExitError.
	err := exec.Command("false").Run()
	if err == nil {
		t.Skip("false unexpectedly succeeded")
	}
	if got := ExitCode(err); got != 1 {
		t.Fatalf("ExitCode(false) = %d, want 1", got)
	}
}
