package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/halcyonaudio/speechd/internal/app"
	"github.com/halcyonaudio/speechd/internal/config"
	"github.com/halcyonaudio/speechd/internal/log"
	"github.com/halcyonaudio/speechd/internal/tooling/validation"
)

var version = "dev"

func main() {
	configPath := flag.String("config", "", "path to YAML config file")
	showVersion := flag.Bool("version", false, "print version and exit")
	validateWire := flag.String("validate-wire", "", "validate wire fixtures under the given directory and exit")
	schemaPath := flag.String("schema", "docs/StreamMessages.schema.json", "wire schema used by -validate-wire")
	flag.Parse()

	if *showVersion {
		fmt.Printf("speechd %s\n", version)
		return
	}

	if *validateWire != "" {
		summary, err := validation.ValidateWireFixtures(*schemaPath, *validateWire)
		if err != nil {
			fmt.Fprintf(os.Stderr, "wire validation failed to execute: %v\n", err)
			os.Exit(1)
		}
		fmt.Println(validation.RenderSummary(summary))
		if summary.Failed > 0 {
			os.Exit(1)
		}
		return
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "speechd: %v\n", err)
		os.Exit(1)
	}

	log.Configure(log.Config{Level: cfg.LogLevel})
	logger := log.Base().With().Str("version", version).Logger()

	service, err := app.New(cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to assemble service")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := service.Run(ctx); err != nil {
		logger.Fatal().Err(err).Msg("service exited with error")
	}
}
