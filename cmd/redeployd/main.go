package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"redeployd/internal/app"
	"redeployd/internal/deploy"
)

const usage = `redeployd - scheduled docker-compose redeploy daemon

Usage:
  redeployd [-config path] <command>

Commands:
  run      execute one redeploy cycle (down, prune, rebuild, up)
  daemon   run on the configured schedule until stopped
  check    preflight: docker available, compose file valid
  history  show recent redeploy cycles

Exit codes:
  0 success   1 cycle failed   2 usage/config error   3 lock held (skipped)
`

func main() {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "./redeployd.yaml", "path to config file (json or yaml)")
	flag.Usage = func() { fmt.Fprint(os.Stderr, usage) }
	flag.Parse()

	cmd := flag.Arg(0)
	if cmd == "" {
		flag.Usage()
		os.Exit(2)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	a, err := app.New(cfgPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(2)
	}

	switch cmd {
	case "run":
		os.Exit(cmdRun(ctx, a))
	case "daemon":
		if err := a.RunDaemon(ctx); err != nil {
			fmt.Fprintln(os.Stderr, "fatal:", err)
			os.Exit(1)
		}
	case "check":
		os.Exit(cmdCheck(ctx, a))
	case "history":
		os.Exit(cmdHistory(ctx, a))
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n", cmd)
		flag.Usage()
		os.Exit(2)
	}
}

func cmdRun(ctx context.Context, a *app.App) int {
	defer a.Close()

	// One-shot runs still deliver notifications: start the workers, run the
	// cycle, then drain the queue before exiting.
	a.StartNotifier(ctx)
	rep, err := a.RunOnce(ctx, "manual")
	drainCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	a.StopNotifier(drainCtx)
	cancel()

	if errors.Is(err, deploy.ErrCycleInFlight) {
		fmt.Fprintln(os.Stderr, "skipped: another redeploy cycle is in flight")
		return 3
	}
	if err != nil {
		if rep != nil {
			printReport(rep)
		}
		fmt.Fprintln(os.Stderr, "redeploy failed:", err)
		return 1
	}
	printReport(rep)
	return 0
}

func cmdCheck(ctx context.Context, a *app.App) int {
	defer a.Close()
	cli := a.Compose()

	if err := cli.Available(); err != nil {
		fmt.Fprintln(os.Stderr, "docker binary not found:", err)
		return 2
	}
	ver, err := cli.Version(ctx)
	if err != nil {
		fmt.Fprintln(os.Stderr, "docker not responding:", err)
		return 2
	}
	fmt.Println("docker:", ver)

	cctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if out, err := cli.ConfigCheck(cctx); err != nil {
		fmt.Fprintf(os.Stderr, "compose config invalid: %v\n%s", err, out)
		return 2
	}
	fmt.Println("compose config: ok")
	return 0
}

func cmdHistory(ctx context.Context, a *app.App) int {
	defer a.Close()
	store := a.Store()
	if store == nil {
		fmt.Fprintln(os.Stderr, "history requires storage to be configured")
		return 2
	}
	reps, err := store.RecentCycles(ctx, 20)
	if err != nil {
		fmt.Fprintln(os.Stderr, "history:", err)
		return 1
	}
	if len(reps) == 0 {
		fmt.Println("no cycles recorded")
		return 0
	}
	for _, r := range reps {
		line := fmt.Sprintf("%s  %-8s %-8s %8s", r.Started.Format(time.RFC3339), r.Trigger, r.Status, r.Took().Round(time.Second))
		if fs := r.FailedStage(); fs != nil {
			line += fmt.Sprintf("  stage=%s exit=%d", fs.Stage, fs.ExitCode)
		}
		fmt.Println(line)
	}
	return 0
}

func printReport(rep *deploy.Report) {
	if rep == nil {
		return
	}
	fmt.Printf("cycle %s: %s (%s)\n", rep.ID, rep.Status, rep.Took().Round(time.Millisecond))
	for _, st := range rep.Stages {
		fmt.Printf("  %-6s %-10s %s\n", st.Stage, st.Status, st.Took.Round(time.Millisecond))
	}
}
