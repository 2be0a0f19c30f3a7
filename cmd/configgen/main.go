package main

import (
	"flag"
	"os"

	"github.com/danmuck/kicadipc/internal/config"
	"github.com/danmuck/kicadipc/internal/logging"
	"github.com/danmuck/kicadipc/internal/observability"
)

func main() {
	logging.ConfigureRuntime()
	log := observability.Logger("configgen")

	output := flag.String("output", "kicadipc.toml", "output path for config template")
	validate := flag.Bool("validate", false, "validate an existing config file")
	input := flag.String("input", "", "config path for validation (defaults to -output)")
	force := flag.Bool("force", false, "overwrite existing config file")
	flag.Parse()

	if *validate {
		path := *input
		if path == "" {
			path = *output
		}
		cfg, err := config.Load(path)
		if err != nil {
			log.Error().Err(err).Str("path", path).Msg("invalid config")
			os.Exit(1)
		}
		log.Info().
			Str("path", path).
			Str("socket", cfg.Socket).
			Dur("timeout", cfg.Timeout).
			Int("queue_capacity", cfg.QueueCapacity).
			Msg("config valid")
		return
	}

	if err := config.WriteTemplate(*output, *force); err != nil {
		log.Error().Err(err).Str("path", *output).Msg("write template")
		os.Exit(1)
	}
	log.Info().Str("path", *output).Msg("wrote config template")
}
