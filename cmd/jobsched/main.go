package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"jobsched/internal/app"
	"jobsched/internal/demo"
)

const usage = `usage: jobsched [-config FILE] <command> [args]

commands:
  demo [-events]    queue the sample job graph and run it (default)
  run [-events]     drain the saved queue once
  submit -f FILE    add the jobs of FILE to the saved queue
  serve             drain the saved queue on every trigger firing
  tasks             list registered tasks
`

func main() {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "", "path to config json/yaml (defaults when empty)")
	flag.Usage = func() { fmt.Fprint(flag.CommandLine.Output(), usage); flag.PrintDefaults() }
	flag.Parse()

	cmd, args := "demo", []string(nil)
	if flag.NArg() > 0 {
		cmd, args = flag.Arg(0), flag.Args()[1:]
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cfgPath, cmd, args); err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfgPath, cmd string, args []string) error {
	a, err := app.NewApp(cfgPath)
	if err != nil {
		return err
	}

	switch cmd {
	case "tasks":
		defer a.Stop(context.Background(), app.StopFinished)
		for _, name := range a.Registry().Names() {
			t, _ := a.Registry().Resolve(name)
			fmt.Printf("%-8s %s\n", name, t.Label())
		}
		return nil

	case "submit":
		fs := flag.NewFlagSet("submit", flag.ContinueOnError)
		file := fs.String("f", "", "job file (json/yaml)")
		if err := fs.Parse(args); err != nil {
			return err
		}
		if *file == "" {
			return fmt.Errorf("submit: -f is required")
		}
		defer a.Stop(context.Background(), app.StopFinished)
		n, err := a.Submit(ctx, *file)
		if err != nil {
			return err
		}
		fmt.Printf("submitted %d jobs\n", n)
		return nil

	case "demo", "run":
		fs := flag.NewFlagSet(cmd, flag.ContinueOnError)
		events := fs.Bool("events", false, "print job events as they happen")
		if err := fs.Parse(args); err != nil {
			_ = a.Stop(context.Background(), app.StopUnknown)
			return err
		}
		if err := a.Start(ctx); err != nil {
			return err
		}
		defer stop(a, app.StopFinished)
		if *events {
			defer printEvents(a)()
		}
		if cmd == "run" {
			_, err = a.RunOnce(ctx)
			return err
		}
		jobs, err := demo.Jobs(a.Registry(), time.Now())
		if err != nil {
			return err
		}
		_, err = a.RunOnce(ctx, jobs...)
		return err

	case "serve":
		if err := a.Start(ctx); err != nil {
			return err
		}
		err := a.Serve(ctx)
		reason := app.StopSignal
		if err != nil {
			reason = app.StopFatalError
		}
		stop(a, reason)
		return err

	default:
		_ = a.Stop(context.Background(), app.StopUnknown)
		flag.Usage()
		return fmt.Errorf("unknown command %q", cmd)
	}
}

// printEvents writes one line per event until the returned func is called.
func printEvents(a *app.App) func() {
	ch, unsub := a.Subscribe(256)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for e := range ch {
			fmt.Printf("%s %-16s %v\n", e.Time.Format(time.TimeOnly), e.Type, e.Data)
		}
	}()
	return func() {
		unsub()
		<-done
	}
}

func stop(a *app.App, reason app.StopReason) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = a.Stop(ctx, reason)
}
