// main.go
package main

import (
	"flag"
	"fmt"
	"net/http"
	_ "net/http/pprof"
	"os"

	"github.com/phuslu/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"retrace/internal/config"
	"retrace/internal/logger"
	"retrace/internal/tracer"
)

var (
	version = "0.1.0"
)

func main() {
	var (
		listenAddress = flag.String("web.listen-address", "", "Address to listen on for telemetry (overrides config).")
		metricsPath   = flag.String("web.telemetry-path", "", "Path under which to expose metrics (overrides config).")
		configPath    = flag.String("config", "", "Path to configuration file (optional).")
	)
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	if err := logger.ConfigureLogging(cfg.Logging); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to configure loggers: %v\n", err)
		os.Exit(1)
	}

	// Flags win over the config file.
	if *listenAddress != "" {
		cfg.Server.ListenAddress = *listenAddress
	}
	if *metricsPath != "" {
		cfg.Server.MetricsPath = *metricsPath
	}

	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("Invalid configuration")
	}

	if flag.NArg() == 0 {
		fmt.Fprintf(os.Stderr, "usage: retrace [flags] -- command [args...]\n")
		os.Exit(2)
	}

	log.Info().
		Str("version", version).
		Str("listen_address", cfg.Server.ListenAddress).
		Str("cmd", flag.Arg(0)).
		Msg("Starting retrace")

	policy, err := tracer.NewTriggerPolicy(&cfg.Scheduler)
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid scheduler policy")
	}

	session := tracer.NewSession()
	scheduler := tracer.NewScheduler(session, tracer.KernelWaiter{}, policy)
	loop := tracer.NewTraceLoop(session, scheduler)

	prometheus.MustRegister(NewTaskGroupCollector(session))

	// Telemetry server; the trace loop owns the main goroutine.
	go func() {
		mux := http.NewServeMux()
		mux.Handle(cfg.Server.MetricsPath, promhttp.Handler())
		if cfg.Server.PprofEnabled {
			mux.Handle("/debug/pprof/", http.DefaultServeMux)
		}
		if err := http.ListenAndServe(cfg.Server.ListenAddress, mux); err != nil {
			log.Error().Err(err).Msg("Telemetry server stopped")
		}
	}()

	exitCode, err := loop.Run(flag.Args())
	session.Shutdown()
	if err != nil {
		log.Fatal().Err(err).Msg("Trace loop failed")
	}

	log.Info().Int("exit_code", exitCode).Msg("Tracee finished")
	os.Exit(exitCode)
}
