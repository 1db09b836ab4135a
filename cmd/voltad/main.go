// Voltad - the device-side offload daemon. It accepts one session per
// client connection and evaluates scan task chunks against the
// session's compiled expressions.
package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/tliron/commonlog"
	_ "github.com/tliron/commonlog/simple"

	"github.com/chazu/volta/config"
	"github.com/chazu/volta/service"
)

func main() {
	configDir := flag.String("config", ".", "directory containing volta.toml")
	network := flag.String("network", "", "listen network: unix or tcp (overrides volta.toml)")
	address := flag.String("address", "", "listen address (overrides volta.toml)")
	verbose := flag.Int("v", -1, "log verbosity (overrides volta.toml)")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: voltad [options]\n\n")
		fmt.Fprintf(os.Stderr, "Starts the offload daemon using volta.toml from the config directory.\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	cfg, err := config.FindAndLoad(*configDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading configuration: %v\n", err)
		os.Exit(1)
	}
	if *network != "" {
		cfg.Listen.Network = *network
	}
	if *address != "" {
		cfg.Listen.Address = *address
	}
	verbosity := cfg.Log.Verbosity
	if *verbose >= 0 {
		verbosity = *verbose
	}
	var logPath *string
	if cfg.Log.Path != "" {
		logPath = &cfg.Log.Path
	}
	commonlog.Configure(verbosity, logPath)

	opts := []service.Option{service.WithPeerCheck(cfg.Listen.PeerCheck)}
	if path := cfg.TaskLogPath(); path != "" {
		tl, err := service.OpenTaskLog(path)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error opening task log: %v\n", err)
			os.Exit(1)
		}
		defer tl.Close()
		opts = append(opts, service.WithTaskLog(tl))
	}
	srv := service.New(opts...)

	if cfg.Listen.Network == "unix" {
		// A stale socket from a crashed instance blocks the listen.
		os.Remove(cfg.Listen.Address)
	}

	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigc
		srv.Close()
	}()

	if err := srv.ListenAndServe(cfg.Listen.Network, cfg.Listen.Address); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
