package main

import (
	"bufio"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync/atomic"
	"syscall"

	"gochat/internal/config"
	"gochat/internal/logging"
	"gochat/internal/metrics"
	"gochat/internal/server"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(2)
	}

	// Interactive host/port prompts; empty input keeps the configured
	// defaults.
	stdin := bufio.NewReader(os.Stdin)
	fmt.Printf("Choose server host (by default %s)\n", cfg.Host)
	if host := readLine(stdin); host != "" {
		cfg.Host = host
	}
	fmt.Printf("Choose server port (by default %d)\n", cfg.Port)
	if portStr := readLine(stdin); portStr != "" {
		port, err := strconv.Atoi(portStr)
		if err != nil || port < 1 || port > 65535 {
			fmt.Fprintf(os.Stderr, "invalid port %q\n", portStr)
			os.Exit(2)
		}
		cfg.Port = port
	}

	log := logging.New(cfg.LogLevel, cfg.LogFormat)
	met := metrics.New()
	met.Serve(cfg.MetricsAddr, log)

	srv := server.New(cfg, log, met)

	// Graceful shutdown on SIGINT / SIGTERM; a signal-initiated exit
	// reports status 1.
	var fromSignal atomic.Bool
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-quit
		log.Info().Msg("shutting down")
		fromSignal.Store(true)
		srv.Shutdown()
	}()

	if err := srv.ListenAndServe(cfg.Addr()); err != nil {
		log.Error().Err(err).Msg("server stopped")
		os.Exit(1)
	}
	if fromSignal.Load() {
		os.Exit(1)
	}
}

func readLine(r *bufio.Reader) string {
	line, _ := r.ReadString('\n')
	return strings.TrimSpace(line)
}
