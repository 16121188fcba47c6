package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"

	"github.com/timzifer/varsync/config"
	"github.com/timzifer/varsync/internal/logging"
	"github.com/timzifer/varsync/provider"
	"github.com/timzifer/varsync/service"

	_ "github.com/timzifer/varsync/drivers/expression"
	_ "github.com/timzifer/varsync/drivers/remote"
)

func main() {
	cfgPath := flag.String("config", "config.yaml", "Path to configuration file")
	configCheck := flag.Bool("config-check", false, "Validate configuration and exit")
	status := flag.Bool("status", false, "Enable the status web interface")
	statusListen := flag.String("status-listen", ":18080", "Status server listen address")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}

	if *configCheck {
		os.Exit(executeConfigCheck(cfg))
	}

	logger, cleanup, err := logging.Setup(cfg.Logging)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to setup logger")
	}
	defer cleanup()
	log.Logger = logger

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	svc, err := service.New(cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to create service")
	}
	defer svc.Close()

	if *status || cfg.Status.Enabled {
		listen := *statusListen
		if cfg.Status.Listen != "" {
			listen = cfg.Status.Listen
		}
		if err := svc.EnableStatus(listen); err != nil {
			logger.Fatal().Err(err).Msg("failed to start status server")
		}
	}

	if err := svc.Run(ctx); err != nil {
		logger.Fatal().Err(err).Msg("service stopped with error")
	}
}

func executeConfigCheck(cfg *config.Config) int {
	if err := service.Validate(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "configuration invalid: %v\n", err)
		return 1
	}

	fmt.Printf("Registered drivers: %v\n", provider.RegisteredDrivers())
	fmt.Printf("Variables: %d\n", len(cfg.Variables))
	for _, v := range cfg.Variables {
		fmt.Printf("  %s (driver %s)\n", v.ID, v.Provider.Driver)
	}
	fmt.Printf("Groups: %d\n", len(cfg.Groups))
	for _, g := range cfg.Groups {
		fmt.Printf("  %s -> %v\n", g.ID, g.Members)
	}
	fmt.Println("Configuration check completed successfully.")
	return 0
}
