package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/danmuck/rpcbridge/internal/config"
	"github.com/danmuck/rpcbridge/internal/logging"
	"github.com/danmuck/rpcbridge/internal/observability"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func main() {
	configPath := flag.String("config", "", "daemon config path (defaults apply when empty)")
	flag.Parse()

	observability.InitLogger("rpcbridged")
	cfg := config.DefaultDaemon()
	if *configPath != "" {
		loaded, err := config.LoadDaemon(*configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "rpcbridged: %v\n", err)
			os.Exit(1)
		}
		cfg = loaded
		log.Info().Str("path", *configPath).Msg("loaded daemon config")
	} else if err := config.ValidateDaemon(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "rpcbridged: %v\n", err)
		os.Exit(1)
	}
	if os.Getenv(logging.EnvLogLevel) == "" {
		zerolog.SetGlobalLevel(cfg.LogLevel)
	}

	svc, err := NewService(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "rpcbridged: %v\n", err)
		os.Exit(1)
	}
	if err := svc.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "rpcbridged: %v\n", err)
		os.Exit(1)
	}
}
