// Command synctl runs sync passes outside the API process.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"jirasync.io/internal/app"
	"jirasync.io/internal/config"
	"jirasync.io/internal/engine"
	"jirasync.io/internal/obs"
)

func main() {
	configPath := flag.String("config", os.Getenv("JIRASYNC_CONFIG"), "path to YAML config")
	connID := flag.String("connection", "", "sync a single connection by id")
	statusOnly := flag.Bool("status-only", false, "with -connection, only reconcile status fields")
	all := flag.Bool("all", false, "sync every eligible connection once")
	prune := flag.Bool("prune", false, "unlink tasks whose issues were deleted long enough ago")
	timeout := flag.Duration("timeout", 5*time.Minute, "overall deadline")
	flag.Parse()

	modes := 0
	for _, on := range []bool{*connID != "", *all, *prune} {
		if on {
			modes++
		}
	}
	if modes != 1 {
		fmt.Fprintln(os.Stderr, "usage: synctl [-config path] (-connection id [-status-only] | -all | -prune)")
		os.Exit(2)
	}

	obs.Init()
	cfg, err := config.Load(*configPath)
	if err != nil {
		fail(err)
	}
	obs.SetLevel(cfg.LogLevel)

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	a, err := app.Build(ctx, cfg, "synctl")
	if err != nil {
		fail(err)
	}
	defer a.Close()

	switch {
	case *connID != "":
		var opts []engine.SyncOption
		if *statusOnly {
			opts = append(opts, engine.StatusOnly())
		}
		res, err := a.Engine.SyncConnection(ctx, *connID, opts...)
		printJSON(res)
		if err != nil {
			fail(err)
		}
	case *all:
		b := a.Scheduler.RunOnce(ctx)
		printJSON(b)
		if b.Failed > 0 {
			os.Exit(1)
		}
	case *prune:
		n, err := a.Engine.Prune(ctx)
		if err != nil {
			fail(err)
		}
		printJSON(map[string]int{"unlinked": n})
	}
}

func printJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

func fail(err error) {
	fmt.Fprintln(os.Stderr, "synctl:", err)
	os.Exit(1)
}
