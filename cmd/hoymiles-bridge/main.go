// Command hoymiles-bridge polls one or more Hoymiles DTUs and publishes
// their readings to an MQTT broker in Home Assistant discovery form.
// Grounded on the teacher's envoy_main.go: flag parsing, version
// printing, and a signal-driven graceful shutdown, generalized to
// construct a supervisor.Supervisor instead of a single exporter.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/Studio729/hoymiles-bridge/internal/buildinfo"
	"github.com/Studio729/hoymiles-bridge/internal/config"
	"github.com/Studio729/hoymiles-bridge/internal/supervisor"
)

func main() {
	os.Exit(run())
}

func run() int {
	var (
		configPath = flag.String("config", "/etc/hoymiles-bridge/config.yaml", "Configuration file path")
		version    = flag.Bool("version", false, "Show version information")
	)
	flag.Parse()

	if *version {
		fmt.Println(buildinfo.String())
		return supervisor.ExitOK
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "hoymiles-bridge: %v\n", err)
		return supervisor.ExitInvalidConfig
	}

	sup, err := supervisor.New(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "hoymiles-bridge: %v\n", err)
		return supervisor.ExitMqttConnect
	}

	go sup.WaitForSignal()

	return sup.Run(context.Background())
}
