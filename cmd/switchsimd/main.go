// Command switchsimd boots a simulated switch dataplane core from a BSP
// configuration file, wires simulator-backed ports, starts the inspector
// façade, and drives the core's aging/timer housekeeping on a fixed tick
// until interrupted.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/switchsim/switchsim/pkg/config"
	"github.com/switchsim/switchsim/pkg/inspector"
	"github.com/switchsim/switchsim/pkg/logging"
	"github.com/switchsim/switchsim/pkg/switchcore"
)

const version = "1.0.0"

func main() {
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "version", "--version", "-v":
			fmt.Printf("switchsimd v%s\n", version)
			return
		case "help", "--help", "-h":
			printHelp()
			return
		}
	}
	runServer()
}

func printHelp() {
	fmt.Println("switchsimd — software switch dataplane simulator")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  switchsimd [--config path] [--tick interval] [--stp-broadcast interval]")
	fmt.Println("  switchsimd version")
	fmt.Println("  switchsimd help")
}

func runServer() {
	fs := flag.NewFlagSet("server", flag.ExitOnError)
	configFile := fs.String("config", "", "Path to a BSP configuration file (YAML/JSON); defaults are used if omitted")
	tickInterval := fs.Duration("tick", 100*time.Millisecond, "Interval at which aging/STP/ARP/reassembly housekeeping runs")
	stpBroadcastInterval := fs.Duration("stp-broadcast", 2*time.Second, "Interval at which STP status is pushed to inspector websocket clients")
	fs.Parse(os.Args[1:])

	cfg, err := config.Load(*configFile)
	if err != nil {
		log.Fatalf("switchsimd: loading configuration: %v", err)
	}

	if err := logging.Configure(cfg.Logging.Level, cfg.Logging.Format); err != nil {
		log.Fatalf("switchsimd: configuring logging: %v", err)
	}
	logEntry := logging.Component("switchsimd")

	core, err := switchcore.New(cfg, logEntry)
	if err != nil {
		log.Fatalf("switchsimd: constructing switch core: %v", err)
	}
	logEntry.WithField("port_count", cfg.PortCount).Info("switch core constructed")

	var insp *inspector.Server
	if cfg.Inspector.Enabled {
		insp = inspector.NewServer(core, inspector.Config{
			ListenAddr: cfg.Inspector.ListenAddr,
			JWTSecret:  cfg.Inspector.JWTSecret,
			TokenTTL:   cfg.Inspector.TokenTTL,
			Username:   cfg.Inspector.Username,
			Password:   cfg.Inspector.Password,
		}, logEntry)
		insp.ServeEvents()
		insp.Start()
		logEntry.WithField("addr", cfg.Inspector.ListenAddr).Info("inspector listening")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go tickLoop(ctx, core, insp, *tickInterval, *stpBroadcastInterval)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	logEntry.Info("shutting down")
	cancel()

	if insp != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := insp.Shutdown(shutdownCtx); err != nil {
			logEntry.WithError(err).Warn("inspector shutdown error")
		}
	}
}

// tickLoop drives Core.Tick on a fixed interval and periodically pushes
// STP status to inspector subscribers; nothing in the core itself starts
// a timer of its own.
func tickLoop(ctx context.Context, core *switchcore.Core, insp *inspector.Server, tick, stpBroadcast time.Duration) {
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	var stpTicker *time.Ticker
	var stpCh <-chan time.Time
	if insp != nil {
		stpTicker = time.NewTicker(stpBroadcast)
		defer stpTicker.Stop()
		stpCh = stpTicker.C
	}

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			core.Tick(now)
		case <-stpCh:
			insp.BroadcastStpStatus()
		}
	}
}
