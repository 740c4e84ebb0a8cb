package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"sorokeeper/internal/app"
	"sorokeeper/internal/storage"
	"sorokeeper/internal/task/scheduler"
)

func main() {
	var (
		cfgPath string
		once    bool
		stopMax time.Duration
	)
	flag.StringVar(&cfgPath, "config", "./keeper.yaml", "path to config (yaml or json)")
	flag.BoolVar(&once, "once", false, "run a single sweep and exit")
	flag.DurationVar(&stopMax, "stop-timeout", 2*time.Minute, "upper bound for graceful shutdown")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	a, err := app.New(cfgPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}

	stop := func(reason app.StopReason) {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), stopMax)
		defer stopCancel()
		_ = a.Stop(stopCtx, reason)
	}

	if once {
		rep, err := a.RunOnce(ctx)
		stop(app.StopOnce)
		if err != nil {
			fmt.Fprintln(os.Stderr, "sweep failed:", err)
			os.Exit(1)
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		_ = enc.Encode(struct {
			Report   scheduler.SweepReport   `json:"report"`
			Outcomes []storage.OutcomeRecord `json:"outcomes"`
		}{rep, a.Recorder().Recent(0)})
		return
	}

	if err := a.Start(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "fatal start:", err)
		stop(app.StopFatalError)
		os.Exit(1)
	}

	reason := app.StopSignal
	select {
	case <-ctx.Done():
	case <-a.Done():
		if ctx.Err() == nil {
			reason = app.StopFatalError
		}
	}
	stop(reason)
	if err := a.Err(); err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
}
