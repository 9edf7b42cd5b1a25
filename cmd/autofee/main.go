package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/robfig/cron/v3"

	"github.com/Benny-444/autofee/internal/avgfee"
	"github.com/Benny-444/autofee/internal/config"
	"github.com/Benny-444/autofee/internal/engine"
	"github.com/Benny-444/autofee/internal/lndclient"
	"github.com/Benny-444/autofee/internal/policy"
)

const defaultConfigPath = "/etc/autofee/config.yaml"

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	switch os.Args[1] {
	case "run":
		runOnce(os.Args[2:])
	case "daemon":
		runDaemon(os.Args[2:])
	case "show":
		runShow(os.Args[2:])
	default:
		usage()
		os.Exit(2)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: autofee <run|daemon|show> [flags]")
	fmt.Fprintln(os.Stderr, "  run     execute one fee adjustment cycle")
	fmt.Fprintln(os.Stderr, "  daemon  run cycles on the configured schedule")
	fmt.Fprintln(os.Stderr, "  show    print the current policy store")
}

func loadConfig(path string) *config.Config {
	cfg, err := config.Load(config.ExpandHome(path))
	if err != nil {
		log.Fatalf("config load failed: %v", err)
	}
	return cfg
}

func runOnce(args []string) {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "Path to config.yaml")
	dryRun := fs.Bool("dry-run", false, "Log decisions without writing any state")
	_ = fs.Parse(args)

	cfg := loadConfig(*configPath)
	logger := log.New(os.Stdout, "", log.LstdFlags)

	eng := engine.New(cfg, lndclient.New(cfg, logger), logger)
	eng.DryRun = *dryRun

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := eng.Run(ctx); err != nil {
		logger.Fatalf("run failed: %v", err)
	}
}

func runDaemon(args []string) {
	fs := flag.NewFlagSet("daemon", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "Path to config.yaml")
	dryRun := fs.Bool("dry-run", false, "Log decisions without writing any state")
	_ = fs.Parse(args)

	cfg := loadConfig(*configPath)
	logger := log.New(os.Stdout, "", log.LstdFlags)

	eng := engine.New(cfg, lndclient.New(cfg, logger), logger)
	eng.DryRun = *dryRun

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	c := newScheduler(logger)
	_, err := c.AddFunc(cfg.Daemon.Schedule, func() {
		if err := eng.Run(ctx); err != nil {
			logger.Printf("cycle failed: %v", err)
		}
	})
	if err != nil {
		logger.Fatalf("invalid daemon schedule %q: %v", cfg.Daemon.Schedule, err)
	}

	logger.Printf("daemon started, schedule %q", cfg.Daemon.Schedule)
	c.Start()
	<-ctx.Done()

	logger.Printf("daemon stopping")
	<-c.Stop().Done()
}

// newScheduler builds the cron scheduler with overlap protection: the store
// and state files have no cross-invocation lock, so a cycle still running
// when the next tick fires must suppress it, not race it.
func newScheduler(logger *log.Logger) *cron.Cron {
	return cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.PrintfLogger(logger))))
}

func runShow(args []string) {
	fs := flag.NewFlagSet("show", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "Path to config.yaml")
	_ = fs.Parse(args)

	cfg := loadConfig(*configPath)

	pf, warnings, err := policy.Load(cfg.Paths.PolicyFile)
	if err != nil {
		log.Fatalf("policy load failed: %v", err)
	}
	for _, w := range warnings {
		fmt.Fprintf(os.Stderr, "warning: malformed section %s: %v\n", w.Section, w.Err)
	}

	tracker, err := avgfee.New(cfg.Paths.AvgFeeState, cfg.AvgFee.Alpha, float64(cfg.AvgFee.MinAvgFeePpm))
	if err != nil {
		log.Fatalf("avg fee state load failed: %v", err)
	}

	entries := pf.Entries()
	if len(entries) == 0 {
		fmt.Println("policy store is empty")
		return
	}
	fmt.Printf("%-18s %-10s %8s %8s %14s %8s %8s\n",
		"CHANNEL", "STRATEGY", "FEE", "INBOUND", "MAX_HTLC_MSAT", "STAGNANT", "AVG")
	for _, e := range entries {
		inbound := "-"
		if e.InboundFeePpm != nil {
			inbound = fmt.Sprintf("%d", *e.InboundFeePpm)
		}
		htlc := "-"
		if e.MaxHtlcMsat != nil {
			htlc = fmt.Sprintf("%d", *e.MaxHtlcMsat)
		}
		stag := "-"
		if e.Stagnant {
			stag = "yes"
		}
		avg := "-"
		if v, ok := tracker.Avg(e.ChanID); ok {
			avg = fmt.Sprintf("%.1f", v)
		}
		fmt.Printf("%-18s %-10s %8d %8s %14s %8s %8s\n",
			e.ChanID.Compact(), e.Strategy, e.FeePpm, inbound, htlc, stag, avg)
	}
}
