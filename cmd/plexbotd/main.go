package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"

	"plexbot/internal/config"
	"plexbot/internal/daemonrun"
)

func main() {
	configPath := flag.String("config", "", "configuration file path")
	logLevel := flag.String("log-level", "", "override the configured log level")
	flag.Parse()

	cfg, path, exists, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	if !exists {
		fmt.Fprintf(os.Stderr, "no config file at %s; run 'plexbot config init' first\n", path)
		os.Exit(1)
	}

	if err := daemonrun.Run(context.Background(), cfg, daemonrun.Options{LogLevel: *logLevel}); err != nil {
		log.Fatalf("plexbotd: %v", err)
	}
}
