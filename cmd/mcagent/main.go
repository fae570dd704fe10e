package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sxwxbxr/nxrthstack-sub004/internal/agent"
	"github.com/sxwxbxr/nxrthstack-sub004/internal/config"
	"github.com/sxwxbxr/nxrthstack-sub004/internal/logging"
	"github.com/sxwxbxr/nxrthstack-sub004/internal/version"
)

func main() {
	config.LoadDotEnvDefault()
	configPath := flag.String("config", envOr("MCAGENT_CONFIG", "mcagent.toml"), "Path to the agent configuration (TOML or YAML)")
	listen := flag.String("listen", "", "HTTP listen address, overrides the configuration")
	showVersion := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("mcagent %s (%s)\n", version.Version, version.Commit)
		return
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "mcagent: %v\n", err)
		os.Exit(2)
	}
	if *listen != "" {
		cfg.Listen = *listen
	}

	logFile, err := logging.Setup(logging.Config{Level: cfg.LogLevel, File: cfg.LogFile})
	if err != nil {
		fmt.Fprintf(os.Stderr, "mcagent: logging: %v\n", err)
		os.Exit(2)
	}
	defer logFile.Close()

	// Root context with graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := agent.New(agent.Options{Config: cfg})
	if err != nil {
		log.Fatal().Err(err).Msg("agent init failed")
	}
	a.Run(ctx)

	srv := &http.Server{Addr: cfg.Listen, Handler: a.Router(), ReadHeaderTimeout: 10 * time.Second}
	go func() {
		log.Info().Str("addr", cfg.Listen).Str("version", version.Version).Str("server_dir", cfg.Server.Dir).Msg("mcagent starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("http server error")
			stop()
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutdown signal received, draining")

	shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutCtx); err != nil {
		log.Warn().Err(err).Msg("http shutdown")
	}

	// the game server gets its full stop timeout plus the kill wait
	closeCtx, cancelClose := context.WithTimeout(context.Background(),
		cfg.Server.StopTimeout.D()+cfg.Server.KillWait.D()+5*time.Second)
	defer cancelClose()
	if err := a.Close(closeCtx); err != nil {
		log.Error().Err(err).Msg("agent close")
	}
	log.Info().Msg("bye")
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
